package employee

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ogurasousui/face-attendance/internal/core/apperr"
)

const (
	stepCreateIdentity = "create identity"
	stepLockEmployee   = "lock employee"
	stepSnapshotImage  = "snapshot image"
	stepDeleteIndex    = "delete index entry"
	stepDeleteImage    = "delete image"
	stepDeleteIdentity = "delete identity"
	stepPutImage       = "put image"
	stepEnrollFace     = "enroll face"
	stepPutIndex       = "put index entry"
)

type sagaStep struct {
	name string
	undo func(context.Context) error
}

// saga は完了済みステップと取り消し処理の記録です。
type saga struct {
	name    string
	steps   []sagaStep
	timeout time.Duration
	logger  Logger
}

func (s *Service) newSaga(name string) *saga {
	return &saga{name: name, timeout: s.callTimeout, logger: s.logger}
}

// record は完了したステップと、それを取り消す処理を登録します。
func (sg *saga) record(step string, undo func(context.Context) error) {
	sg.steps = append(sg.steps, sagaStep{name: step, undo: undo})
}

// fail は登録済みステップを逆順に取り消し、SagaError を返します。
func (sg *saga) fail(ctx context.Context, step string, kind error, cause error) error {
	compensated := len(sg.steps) > 0
	compErr := sg.compensate(ctx)
	if compErr != nil {
		sg.logger.Printf("%s: compensation after %q failed, manual reconciliation required: %v", sg.name, step, compErr)
	}
	return apperr.NewSagaError(sg.name, step, kind, cause, compErr, compensated)
}

// compensate は各取り消し処理を一度ずつ、呼び出し元のキャンセルから切り離して実行します。
func (sg *saga) compensate(ctx context.Context) error {
	base := context.WithoutCancel(ctx)

	var errs []error
	for i := len(sg.steps) - 1; i >= 0; i-- {
		step := sg.steps[i]
		stepCtx, cancel := context.WithTimeout(base, sg.timeout)
		err := step.undo(stepCtx)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("undo %s: %w", step.name, err))
		}
	}
	sg.steps = nil

	return errors.Join(errs...)
}
