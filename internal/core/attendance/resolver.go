package attendance

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ogurasousui/face-attendance/internal/core/apperr"
	"github.com/ogurasousui/face-attendance/internal/core/biometric"
)

const defaultMaxParallel = 4

// ResolverDependencies は Resolver の依存関係です。
// Resyncer は省略可能で、照合結果が空の場合に一度だけ照合器を同期して再照合します。
type ResolverDependencies struct {
	Matcher     biometric.Matcher
	Resyncer    biometric.Resyncer
	Index       MatchLookup
	Repo        Repository
	Inspector   biometric.ImageInspector
	Clock       Clock
	Tx          TransactionManager
	Locker      Locker
	Logger      Logger
	CallTimeout time.Duration
	MaxParallel int
}

// Resolver は顔画像から従業員を特定し、入退室を記録します。
type Resolver struct {
	matcher     biometric.Matcher
	resyncer    biometric.Resyncer
	index       MatchLookup
	repo        Repository
	inspector   biometric.ImageInspector
	clock       Clock
	tx          TransactionManager
	locker      Locker
	logger      Logger
	callTimeout time.Duration
	maxParallel int
}

// NewResolver は Resolver を生成します。
func NewResolver(deps ResolverDependencies) *Resolver {
	r := &Resolver{
		matcher:     deps.Matcher,
		resyncer:    deps.Resyncer,
		index:       deps.Index,
		repo:        deps.Repo,
		inspector:   deps.Inspector,
		clock:       deps.Clock,
		tx:          deps.Tx,
		locker:      deps.Locker,
		logger:      deps.Logger,
		callTimeout: deps.CallTimeout,
		maxParallel: deps.MaxParallel,
	}
	if r.clock == nil {
		r.clock = realClock{}
	}
	if r.tx == nil {
		r.tx = noopTransactionManager{}
	}
	if r.locker == nil {
		r.locker = noopLocker{}
	}
	if r.logger == nil {
		r.logger = log.Default()
	}
	if r.callTimeout <= 0 {
		r.callTimeout = defaultCallTimeout
	}
	if r.maxParallel <= 0 {
		r.maxParallel = defaultMaxParallel
	}
	return r
}

// FailedWrite は書き込みに失敗した従業員と原因です。
type FailedWrite struct {
	EmployeeID int64
	Err        error
}

// PartialWriteError は一部の従業員の記録だけが書き込まれたことを表します。
// 書き込み済みの記録は取り消されません。
type PartialWriteError struct {
	Written []*Registry
	Failed  []FailedWrite
}

func (e *PartialWriteError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		parts = append(parts, fmt.Sprintf("employee %d: %v", f.EmployeeID, f.Err))
	}
	return fmt.Sprintf("attendance: %d of %d registries written: %s",
		len(e.Written), len(e.Written)+len(e.Failed), strings.Join(parts, "; "))
}

func (e *PartialWriteError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed)+1)
	errs = append(errs, apperr.ErrStorage)
	for _, f := range e.Failed {
		errs = append(errs, f.Err)
	}
	return errs
}

// Resolve は画像に写る従業員ごとに、前回と逆の種別の勤怠記録を作成します。
// 戻り値は照合の確信度が高い従業員の順です。
func (r *Resolver) Resolve(ctx context.Context, image []byte) ([]*Registry, error) {
	if len(image) == 0 {
		return nil, ErrEmptyImage
	}
	if _, err := r.inspector.Inspect(image); err != nil {
		return nil, err
	}

	employees, err := r.matchEmployees(ctx, image)
	if err != nil {
		return nil, err
	}
	if len(employees) == 0 && r.resync(ctx) {
		if employees, err = r.matchEmployees(ctx, image); err != nil {
			return nil, err
		}
	}
	if len(employees) == 0 {
		return nil, ErrNoMatch
	}

	if err := ctx.Err(); err != nil {
		return nil, apperr.Storage("resolve", err)
	}

	return r.recordAll(context.WithoutCancel(ctx), employees, r.clock.Now())
}

func (r *Resolver) matchEmployees(ctx context.Context, image []byte) ([]int64, error) {
	var candidates []biometric.Candidate
	if err := r.call(ctx, "match face", func(ctx context.Context) error {
		res, err := r.matcher.Match(ctx, image)
		candidates = res
		return err
	}); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	return r.identify(ctx, candidates)
}

// resync は照合器のキャッシュを同期し、再照合する価値があれば true を返します。
func (r *Resolver) resync(ctx context.Context) bool {
	if r.resyncer == nil {
		return false
	}
	var synced bool
	if err := r.call(ctx, "resync templates", func(ctx context.Context) error {
		var err error
		synced, err = r.resyncer.Resync(ctx)
		return err
	}); err != nil {
		r.logger.Printf("attendance: %v", err)
		return false
	}
	return synced
}

// identify は候補を確信度の高い順に従業員 ID へ変換し、重複を除きます。
// インデックスにない照合 ID は削除済みの従業員のものとして読み飛ばします。
func (r *Resolver) identify(ctx context.Context, candidates []biometric.Candidate) ([]int64, error) {
	sorted := slices.Clone(candidates)
	slices.SortStableFunc(sorted, func(a, b biometric.Candidate) int {
		return cmp.Compare(b.Confidence, a.Confidence)
	})

	seen := make(map[int64]struct{}, len(sorted))
	employees := make([]int64, 0, len(sorted))
	for _, c := range sorted {
		var (
			employeeID int64
			found      bool
		)
		if err := r.call(ctx, "lookup match", func(ctx context.Context) error {
			var err error
			employeeID, found, err = r.index.Lookup(ctx, c.MatchID)
			return err
		}); err != nil {
			return nil, err
		}
		if !found {
			r.logger.Printf("attendance: ignoring stale match %s", c.MatchID)
			continue
		}
		if _, dup := seen[employeeID]; dup {
			continue
		}
		seen[employeeID] = struct{}{}
		employees = append(employees, employeeID)
	}
	return employees, nil
}

func (r *Resolver) recordAll(ctx context.Context, employees []int64, now time.Time) ([]*Registry, error) {
	results := make([]*Registry, len(employees))
	errs := make([]error, len(employees))

	var g errgroup.Group
	g.SetLimit(r.maxParallel)
	for i, employeeID := range employees {
		g.Go(func() error {
			results[i], errs[i] = r.record(ctx, employeeID, now)
			return nil
		})
	}
	_ = g.Wait()

	written := make([]*Registry, 0, len(employees))
	var failed []FailedWrite
	for i, employeeID := range employees {
		switch {
		case errs[i] == nil:
			written = append(written, results[i])
		case errors.Is(errs[i], apperr.ErrNotFound):
			r.logger.Printf("attendance: employee %d was removed during resolution", employeeID)
		default:
			failed = append(failed, FailedWrite{EmployeeID: employeeID, Err: errs[i]})
		}
	}

	if len(failed) > 0 {
		return written, &PartialWriteError{Written: written, Failed: failed}
	}
	if len(written) == 0 {
		return nil, ErrNoMatch
	}
	return written, nil
}

// record は従業員の最新記録を読み、次の種別の記録を作成します。
// プロセス内ロックとトランザクション内の従業員ロックで、同一従業員の記録を直列化します。
func (r *Resolver) record(ctx context.Context, employeeID int64, now time.Time) (*Registry, error) {
	unlock, err := r.locker.Lock(ctx, employeeID)
	if err != nil {
		return nil, apperr.Storage("lock employee", err)
	}
	defer unlock()

	var created *Registry
	err = r.call(ctx, "record attendance", func(ctx context.Context) error {
		return r.tx.WithinReadWrite(ctx, func(txCtx context.Context) error {
			if err := r.repo.LockEmployee(txCtx, employeeID); err != nil {
				return err
			}

			last, err := r.repo.LatestByEmployee(txCtx, employeeID)
			if err != nil {
				return err
			}

			ts := now
			if last != nil && !ts.After(last.Timestamp) {
				ts = last.Timestamp.Add(time.Microsecond)
			}

			created, err = r.repo.Create(txCtx, &Registry{
				EmployeeID: employeeID,
				Timestamp:  ts,
				Type:       NextType(last),
				Source:     SourceRecognition,
				CreatedAt:  now,
			})
			return err
		})
	})
	return created, err
}

func (r *Resolver) call(ctx context.Context, op string, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	return apperr.Storage(op, fn(callCtx))
}
