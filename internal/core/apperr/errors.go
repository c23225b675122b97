package apperr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// エラー分類の番兵です。各パッケージのエラーはこれらをラップし、errors.Is で分類を判定します。
var (
	// ErrValidation は入力不正を表し、副作用は発生していません。
	ErrValidation = errors.New("validation error")
	// ErrNotFound は参照先のエンティティが存在しないことを表します。
	ErrNotFound = errors.New("not found")
	// ErrStorage は外部ストア呼び出しの失敗またはタイムアウトを表します。
	ErrStorage = errors.New("storage error")
	// ErrEnrollment は補償済みの登録サガ失敗を表します。
	ErrEnrollment = errors.New("enrollment error")
	// ErrNoMatch は顔照合で従業員を特定できなかったことを表します。
	ErrNoMatch = errors.New("no match")
	// ErrInvalidInput は画像ペイロードが不正であることを表します。
	ErrInvalidInput = errors.New("invalid input")
)

// Kind は err の分類を返します。分類できない場合は nil を返します。
func Kind(err error) error {
	var sagaErr *SagaError
	if errors.As(err, &sagaErr) && sagaErr.kind != nil {
		return sagaErr.kind
	}
	for _, kind := range []error{ErrValidation, ErrNotFound, ErrInvalidInput, ErrNoMatch, ErrEnrollment, ErrStorage} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// KindName は HTTP 応答などに載せる分類名を返します。
func KindName(err error) string {
	switch Kind(err) {
	case ErrValidation:
		return "validation"
	case ErrNotFound:
		return "not_found"
	case ErrInvalidInput:
		return "invalid_input"
	case ErrNoMatch:
		return "no_match"
	case ErrEnrollment:
		return "enrollment"
	case ErrStorage:
		return "storage"
	default:
		return "internal"
	}
}

// Storage は外部ストア呼び出しの失敗を ErrStorage として分類します。
// 既に分類済みのエラー(not found など)はそのまま返します。
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if Kind(err) != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: timed out: %w: %w", op, ErrStorage, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// Outcome はサガ失敗時に外部から見える状態を表します。
type Outcome string

const (
	// OutcomeNothingChanged は変更が一切適用されていない状態です。
	OutcomeNothingChanged Outcome = "nothing_changed"
	// OutcomeCompensated は部分的に適用された変更が補償で取り消された状態です。
	OutcomeCompensated Outcome = "compensated"
	// OutcomeCompensationFailed は補償自体が失敗し、手動での整合が必要な状態です。
	OutcomeCompensationFailed Outcome = "compensation_failed"
)

// SagaError は複数ストアにまたがる操作の失敗を表します。
type SagaError struct {
	Saga            string
	Step            string
	Outcome         Outcome
	Cause           error
	CompensationErr error
	kind            error
}

// NewSagaError は SagaError を生成します。
// 補償が失敗した場合、分類は kind に関わらず ErrStorage になります。
func NewSagaError(saga, step string, kind error, cause, compensationErr error, compensated bool) *SagaError {
	outcome := OutcomeNothingChanged
	if compensated {
		outcome = OutcomeCompensated
	}
	if compensationErr != nil {
		outcome = OutcomeCompensationFailed
		kind = ErrStorage
	}
	return &SagaError{
		Saga:            saga,
		Step:            step,
		Outcome:         outcome,
		Cause:           cause,
		CompensationErr: compensationErr,
		kind:            kind,
	}
}

func (e *SagaError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: step %q failed (%s)", e.Saga, e.Step, e.Outcome)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	if e.CompensationErr != nil {
		fmt.Fprintf(&b, "; compensation failed, manual reconciliation required: %v", e.CompensationErr)
	}
	return b.String()
}

// Unwrap は分類の番兵と原因の両方を返します。
func (e *SagaError) Unwrap() []error {
	errs := make([]error, 0, 3)
	if e.kind != nil {
		errs = append(errs, e.kind)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	if e.CompensationErr != nil {
		errs = append(errs, e.CompensationErr)
	}
	return errs
}

// NeedsReconciliation は運用者の介入が必要な場合に true を返します。
func (e *SagaError) NeedsReconciliation() bool {
	return e.Outcome == OutcomeCompensationFailed
}

// OutcomeOf は err が SagaError を含む場合にその Outcome を返します。
func OutcomeOf(err error) (Outcome, bool) {
	var sagaErr *SagaError
	if errors.As(err, &sagaErr) {
		return sagaErr.Outcome, true
	}
	return "", false
}
