package attendance

import (
	"context"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/ogurasousui/face-attendance/internal/core/apperr"
)

// Clock は現在時刻を提供します。
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}

// TransactionManager はトランザクション制御の抽象化です。
type TransactionManager interface {
	WithinReadOnly(ctx context.Context, fn func(context.Context) error) error
	WithinReadWrite(ctx context.Context, fn func(context.Context) error) error
}

type noopTransactionManager struct{}

func (noopTransactionManager) WithinReadOnly(ctx context.Context, fn func(context.Context) error) error {
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

func (noopTransactionManager) WithinReadWrite(ctx context.Context, fn func(context.Context) error) error {
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

// Locker は従業員 ID 単位の排他を提供します。
type Locker interface {
	Lock(ctx context.Context, key int64) (func(), error)
}

type noopLocker struct{}

func (noopLocker) Lock(context.Context, int64) (func(), error) {
	return func() {}, nil
}

// Logger はログ出力先です。
type Logger interface {
	Printf(format string, args ...any)
}

// ManualEditPolicy は手動編集時に入退室の交互性を検査するかを決めます。
type ManualEditPolicy string

const (
	// PolicyOverride は任意の種別の手動編集を受け付けます。
	PolicyOverride ManualEditPolicy = "override"
	// PolicyStrict は前後の記録との交互性を崩す手動編集を拒否します。
	PolicyStrict ManualEditPolicy = "strict"
)

// ParseManualEditPolicy は設定値を解析します。空文字は override です。
func ParseManualEditPolicy(raw string) (ManualEditPolicy, error) {
	switch ManualEditPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyOverride:
		return PolicyOverride, nil
	case PolicyStrict:
		return PolicyStrict, nil
	default:
		return "", ErrInvalidPolicy
	}
}

const (
	defaultListPageSize = 50
	maxListPageSize     = 200
	defaultCallTimeout  = 10 * time.Second
)

// ServiceDependencies は Service の依存関係です。
type ServiceDependencies struct {
	Repo        Repository
	Employees   EmployeeFinder
	Clock       Clock
	Tx          TransactionManager
	Locker      Locker
	Logger      Logger
	Policy      ManualEditPolicy
	CallTimeout time.Duration
}

// Service は勤怠記録の参照と手動編集をまとめます。
type Service struct {
	repo        Repository
	employees   EmployeeFinder
	clock       Clock
	tx          TransactionManager
	locker      Locker
	logger      Logger
	policy      ManualEditPolicy
	callTimeout time.Duration
}

// UseCase は勤怠記録管理の公開インターフェースです。
type UseCase interface {
	ListRegistries(ctx context.Context, in ListRegistriesInput) (*ListRegistriesResult, error)
	GetRegistry(ctx context.Context, in GetRegistryInput) (*Registry, error)
	CreateManualRegistry(ctx context.Context, in CreateManualRegistryInput) (*Registry, error)
	UpdateRegistry(ctx context.Context, in UpdateRegistryInput) (*Registry, error)
	DeleteRegistry(ctx context.Context, in DeleteRegistryInput) error
}

// NewService は Service を生成します。
func NewService(deps ServiceDependencies) *Service {
	s := &Service{
		repo:        deps.Repo,
		employees:   deps.Employees,
		clock:       deps.Clock,
		tx:          deps.Tx,
		locker:      deps.Locker,
		logger:      deps.Logger,
		policy:      deps.Policy,
		callTimeout: deps.CallTimeout,
	}
	if s.clock == nil {
		s.clock = realClock{}
	}
	if s.tx == nil {
		s.tx = noopTransactionManager{}
	}
	if s.locker == nil {
		s.locker = noopLocker{}
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	if s.policy == "" {
		s.policy = PolicyOverride
	}
	if s.callTimeout <= 0 {
		s.callTimeout = defaultCallTimeout
	}
	return s
}

// ListRegistriesInput は一覧取得時の入力です。EmployeeID が 0 の場合は全件が対象です。
type ListRegistriesInput struct {
	EmployeeID int64
	PageSize   int
	PageToken  string
}

// ListRegistriesResult は一覧取得結果を表します。
type ListRegistriesResult struct {
	Registries    []*Registry
	NextPageToken string
}

// GetRegistryInput は勤怠記録取得時の入力です。
type GetRegistryInput struct {
	ID int64
}

// CreateManualRegistryInput は手動登録時の入力です。Timestamp が nil の場合は現在時刻を使います。
type CreateManualRegistryInput struct {
	EmployeeID int64
	Timestamp  *time.Time
	Type       string
}

// UpdateRegistryInput は勤怠記録更新時の入力です。
type UpdateRegistryInput struct {
	ID        int64
	Timestamp *time.Time
	Type      *string
}

// DeleteRegistryInput は勤怠記録削除時の入力です。
type DeleteRegistryInput struct {
	ID int64
}

// ListRegistries は勤怠記録を一覧取得します。従業員指定時は従業員の存在を確認します。
func (s *Service) ListRegistries(ctx context.Context, in ListRegistriesInput) (*ListRegistriesResult, error) {
	if in.EmployeeID < 0 {
		return nil, ErrInvalidEmployeeID
	}

	limit, err := normalizePageSize(in.PageSize)
	if err != nil {
		return nil, err
	}

	offset, err := parsePageToken(in.PageToken)
	if err != nil {
		return nil, err
	}

	var (
		registries []*Registry
		next       string
	)
	if err := s.call(ctx, "list registries", func(ctx context.Context) error {
		return s.tx.WithinReadOnly(ctx, func(txCtx context.Context) error {
			if in.EmployeeID > 0 {
				if err := s.ensureEmployee(txCtx, in.EmployeeID); err != nil {
					return err
				}
			}
			var err error
			registries, next, err = s.repo.List(txCtx, ListRegistriesFilter{
				EmployeeID: in.EmployeeID,
				Limit:      limit,
				Offset:     offset,
			})
			return err
		})
	}); err != nil {
		return nil, err
	}

	return &ListRegistriesResult{Registries: registries, NextPageToken: next}, nil
}

// GetRegistry は勤怠記録を取得します。
func (s *Service) GetRegistry(ctx context.Context, in GetRegistryInput) (*Registry, error) {
	if in.ID <= 0 {
		return nil, ErrInvalidID
	}

	var reg *Registry
	if err := s.call(ctx, "find registry", func(ctx context.Context) error {
		res, err := s.repo.FindByID(ctx, in.ID)
		reg = res
		return err
	}); err != nil {
		return nil, err
	}
	return reg, nil
}

// CreateManualRegistry は勤怠記録を手動で登録します。
func (s *Service) CreateManualRegistry(ctx context.Context, in CreateManualRegistryInput) (*Registry, error) {
	if in.EmployeeID <= 0 {
		return nil, ErrInvalidEmployeeID
	}

	typ, err := ParseType(in.Type)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	ts := now
	if in.Timestamp != nil && !in.Timestamp.IsZero() {
		ts = in.Timestamp.UTC()
	}

	unlock, err := s.locker.Lock(ctx, in.EmployeeID)
	if err != nil {
		return nil, apperr.Storage("lock employee", err)
	}
	defer unlock()

	var created *Registry
	if err := s.call(ctx, "create registry", func(ctx context.Context) error {
		return s.tx.WithinReadWrite(ctx, func(txCtx context.Context) error {
			if err := s.ensureEmployee(txCtx, in.EmployeeID); err != nil {
				return err
			}
			if s.policy == PolicyStrict {
				if err := s.repo.LockEmployee(txCtx, in.EmployeeID); err != nil {
					return err
				}
				prev, next, err := s.repo.Neighbours(txCtx, in.EmployeeID, ts, 0)
				if err != nil {
					return err
				}
				if err := CheckInsert(prev, typ, next); err != nil {
					return err
				}
			}

			var err error
			created, err = s.repo.Create(txCtx, &Registry{
				EmployeeID: in.EmployeeID,
				Timestamp:  ts,
				Type:       typ,
				Source:     SourceManual,
				CreatedAt:  now,
			})
			return err
		})
	}); err != nil {
		return nil, err
	}
	return created, nil
}

// UpdateRegistry は勤怠記録の時刻または種別を変更します。
func (s *Service) UpdateRegistry(ctx context.Context, in UpdateRegistryInput) (*Registry, error) {
	if in.ID <= 0 {
		return nil, ErrInvalidID
	}

	var newType *Type
	if in.Type != nil {
		typ, err := ParseType(*in.Type)
		if err != nil {
			return nil, err
		}
		newType = &typ
	}

	current, err := s.GetRegistry(ctx, GetRegistryInput{ID: in.ID})
	if err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, current.EmployeeID)
	if err != nil {
		return nil, apperr.Storage("lock employee", err)
	}
	defer unlock()

	var updated *Registry
	if err := s.call(ctx, "update registry", func(ctx context.Context) error {
		return s.tx.WithinReadWrite(ctx, func(txCtx context.Context) error {
			reg, err := s.repo.FindByID(txCtx, in.ID)
			if err != nil {
				return err
			}
			oldTimestamp := reg.Timestamp
			if newType != nil {
				reg.Type = *newType
			}
			if in.Timestamp != nil && !in.Timestamp.IsZero() {
				reg.Timestamp = in.Timestamp.UTC()
			}

			if s.policy == PolicyStrict {
				if err := s.repo.LockEmployee(txCtx, reg.EmployeeID); err != nil {
					return err
				}
				prev, next, err := s.repo.Neighbours(txCtx, reg.EmployeeID, reg.Timestamp, reg.ID)
				if err != nil {
					return err
				}
				if err := CheckInsert(prev, reg.Type, next); err != nil {
					return err
				}
				// 時刻の移動で前後が変わる場合は、移動元が詰まった後の並びも確認する。
				oldPrev, oldNext, err := s.repo.Neighbours(txCtx, reg.EmployeeID, oldTimestamp, reg.ID)
				if err != nil {
					return err
				}
				if !sameRegistry(oldPrev, prev) || !sameRegistry(oldNext, next) {
					if err := CheckRemoval(oldPrev, oldNext); err != nil {
						return err
					}
				}
			}

			updated, err = s.repo.Update(txCtx, reg)
			return err
		})
	}); err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteRegistry は勤怠記録を削除します。
func (s *Service) DeleteRegistry(ctx context.Context, in DeleteRegistryInput) error {
	if in.ID <= 0 {
		return ErrInvalidID
	}

	current, err := s.GetRegistry(ctx, GetRegistryInput{ID: in.ID})
	if err != nil {
		return err
	}

	unlock, err := s.locker.Lock(ctx, current.EmployeeID)
	if err != nil {
		return apperr.Storage("lock employee", err)
	}
	defer unlock()

	return s.call(ctx, "delete registry", func(ctx context.Context) error {
		return s.tx.WithinReadWrite(ctx, func(txCtx context.Context) error {
			if s.policy == PolicyStrict {
				if err := s.repo.LockEmployee(txCtx, current.EmployeeID); err != nil {
					return err
				}
				prev, next, err := s.repo.Neighbours(txCtx, current.EmployeeID, current.Timestamp, current.ID)
				if err != nil {
					return err
				}
				if err := CheckRemoval(prev, next); err != nil {
					return err
				}
			}
			return s.repo.Delete(txCtx, in.ID)
		})
	})
}

func sameRegistry(a, b *Registry) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID
}

func (s *Service) ensureEmployee(ctx context.Context, id int64) error {
	if _, err := s.employees.FindByID(ctx, id); err != nil {
		return err
	}
	return nil
}

func (s *Service) call(ctx context.Context, op string, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	return apperr.Storage(op, fn(callCtx))
}

func normalizePageSize(pageSize int) (int, error) {
	if pageSize <= 0 {
		return defaultListPageSize, nil
	}
	if pageSize > maxListPageSize {
		return 0, ErrInvalidPageSize
	}
	return pageSize, nil
}

func parsePageToken(token string) (int, error) {
	if strings.TrimSpace(token) == "" {
		return 0, nil
	}

	offset, err := strconv.Atoi(token)
	if err != nil || offset < 0 {
		return 0, ErrInvalidPageToken
	}

	return offset, nil
}
