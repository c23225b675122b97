package employee

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ogurasousui/face-attendance/internal/core/apperr"
	"github.com/ogurasousui/face-attendance/internal/core/biometric"
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

// Locker は従業員 ID 単位の排他を提供します。戻り値の関数でロックを解放します。
type Locker interface {
	Lock(ctx context.Context, key int64) (func(), error)
}

type noopLocker struct{}

func (noopLocker) Lock(context.Context, int64) (func(), error) {
	return func() {}, nil
}

// Logger はサービスが利用するログ出力先です。*log.Logger が満たします。
type Logger interface {
	Printf(format string, args ...any)
}

const (
	defaultListPageSize = 50
	maxListPageSize     = 200
	defaultCallTimeout  = 10 * time.Second
)

// Dependencies は Service の依存関係です。Clock, Tx, Locker, Logger は省略可能です。
type Dependencies struct {
	Repo        Repository
	Registries  RegistryPurger
	Images      biometric.ImageStore
	Index       biometric.Index
	Enroller    biometric.Enroller
	Inspector   biometric.ImageInspector
	Clock       Clock
	Tx          TransactionManager
	Locker      Locker
	Logger      Logger
	CallTimeout time.Duration
}

// Service は従業員の登録・更新・削除を、関係ストア、画像ストア、顔インデックスをまたいで調整します。
type Service struct {
	repo        Repository
	registries  RegistryPurger
	images      biometric.ImageStore
	index       biometric.Index
	enroller    biometric.Enroller
	inspector   biometric.ImageInspector
	clock       Clock
	tx          TransactionManager
	locker      Locker
	logger      Logger
	callTimeout time.Duration
}

// UseCase は従業員ユースケースの公開インターフェースです。
type UseCase interface {
	CreateEmployee(ctx context.Context, in CreateEmployeeInput) (*Employee, error)
	GetEmployee(ctx context.Context, in GetEmployeeInput) (*Employee, error)
	ListEmployees(ctx context.Context, in ListEmployeesInput) (*ListEmployeesResult, error)
	UpdateEmployee(ctx context.Context, in UpdateEmployeeInput) (*Employee, error)
	ReenrollEmployee(ctx context.Context, in ReenrollEmployeeInput) (*Employee, error)
	DeleteEmployee(ctx context.Context, in DeleteEmployeeInput) error
	EmployeeImage(ctx context.Context, id int64) ([]byte, error)
}

// NewService は Service を生成します。
func NewService(deps Dependencies) *Service {
	s := &Service{
		repo:        deps.Repo,
		registries:  deps.Registries,
		images:      deps.Images,
		index:       deps.Index,
		enroller:    deps.Enroller,
		inspector:   deps.Inspector,
		clock:       deps.Clock,
		tx:          deps.Tx,
		locker:      deps.Locker,
		logger:      deps.Logger,
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
	if s.callTimeout <= 0 {
		s.callTimeout = defaultCallTimeout
	}
	return s
}

// CreateEmployeeInput は従業員作成時の入力です。Image が空の場合は顔登録を行いません。
type CreateEmployeeInput struct {
	Name       string
	Contact    string
	Email      *string
	Address    string
	Country    string
	PostalCode string
	Sex        string
	BirthDate  *time.Time
	Image      []byte
}

// UpdateEmployeeInput は従業員更新時の入力です。nil のフィールドは変更しません。
type UpdateEmployeeInput struct {
	ID         int64
	Name       *string
	Contact    *string
	Email      *string
	EmailSet   bool
	Address    *string
	Country    *string
	PostalCode *string
	Sex        *string
	BirthDate  *time.Time
	Image      []byte
}

// ReenrollEmployeeInput は顔の再登録時の入力です。
type ReenrollEmployeeInput struct {
	ID    int64
	Image []byte
}

// GetEmployeeInput は従業員取得時の入力です。
type GetEmployeeInput struct {
	ID int64
}

// DeleteEmployeeInput は従業員削除時の入力です。
type DeleteEmployeeInput struct {
	ID int64
}

// ListEmployeesInput は一覧取得時の入力です。
type ListEmployeesInput struct {
	PageSize  int
	PageToken string
	Name      string
}

// ListEmployeesResult は一覧取得結果を表します。
type ListEmployeesResult struct {
	Employees     []*Employee
	NextPageToken string
}

// CreateEmployee は従業員を作成し、画像があれば顔を登録します。
// 顔登録に失敗した場合は作成済みの従業員レコードも取り消します。
func (s *Service) CreateEmployee(ctx context.Context, in CreateEmployeeInput) (*Employee, error) {
	emp, err := buildEmployee(in)
	if err != nil {
		return nil, err
	}
	if len(in.Image) > 0 {
		if _, err := s.inspector.Inspect(in.Image); err != nil {
			return nil, err
		}
	}

	now := s.clock.Now()
	emp.CreatedAt = now
	emp.UpdatedAt = now

	var created *Employee
	if err := s.call(ctx, "create employee", func(ctx context.Context) error {
		res, err := s.repo.Create(ctx, emp)
		created = res
		return err
	}); err != nil {
		return nil, err
	}

	if len(in.Image) == 0 {
		return s.decorate(created), nil
	}

	id := created.ID
	sg := s.newSaga("create employee")
	sg.record(stepCreateIdentity, func(ctx context.Context) error {
		if err := s.repo.Delete(ctx, id); err != nil && !errors.Is(err, ErrEmployeeNotFound) {
			return err
		}
		return nil
	})

	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return nil, sg.fail(ctx, stepLockEmployee, apperr.ErrEnrollment, apperr.Storage(stepLockEmployee, err))
	}
	defer unlock()

	if step, err := s.enroll(ctx, sg, id, in.Image); err != nil {
		return nil, sg.fail(ctx, step, apperr.ErrEnrollment, err)
	}

	created.Enrolled = true
	return s.decorate(created), nil
}

// GetEmployee は従業員を取得します。
func (s *Service) GetEmployee(ctx context.Context, in GetEmployeeInput) (*Employee, error) {
	if in.ID <= 0 {
		return nil, ErrInvalidID
	}

	var emp *Employee
	if err := s.call(ctx, "find employee", func(ctx context.Context) error {
		res, err := s.repo.FindByID(ctx, in.ID)
		emp = res
		return err
	}); err != nil {
		return nil, err
	}
	return s.decorate(emp), nil
}

// ListEmployees は従業員を一覧取得します。
func (s *Service) ListEmployees(ctx context.Context, in ListEmployeesInput) (*ListEmployeesResult, error) {
	limit, err := normalizePageSize(in.PageSize)
	if err != nil {
		return nil, err
	}

	offset, err := parsePageToken(in.PageToken)
	if err != nil {
		return nil, err
	}

	filter := ListEmployeesFilter{
		SearchName: SearchKey(in.Name),
		Limit:      limit,
		Offset:     offset,
	}

	var (
		employees []*Employee
		next      string
	)
	if err := s.call(ctx, "list employees", func(ctx context.Context) error {
		return s.tx.WithinReadOnly(ctx, func(txCtx context.Context) error {
			var err error
			employees, next, err = s.repo.List(txCtx, filter)
			return err
		})
	}); err != nil {
		return nil, err
	}

	for _, emp := range employees {
		s.decorate(emp)
	}
	return &ListEmployeesResult{Employees: employees, NextPageToken: next}, nil
}

// UpdateEmployee は従業員情報を更新し、画像があれば顔を再登録します。
// 情報の更新は顔の再登録に失敗しても取り消されません。
func (s *Service) UpdateEmployee(ctx context.Context, in UpdateEmployeeInput) (*Employee, error) {
	if in.ID <= 0 {
		return nil, ErrInvalidID
	}
	if len(in.Image) > 0 {
		if _, err := s.inspector.Inspect(in.Image); err != nil {
			return nil, err
		}
	}

	unlock, err := s.locker.Lock(ctx, in.ID)
	if err != nil {
		return nil, apperr.Storage(stepLockEmployee, err)
	}
	defer unlock()

	var existing *Employee
	if err := s.call(ctx, "find employee", func(ctx context.Context) error {
		res, err := s.repo.FindByID(ctx, in.ID)
		existing = res
		return err
	}); err != nil {
		return nil, err
	}

	if err := applyPatch(existing, in); err != nil {
		return nil, err
	}
	existing.UpdatedAt = s.clock.Now()

	var updated *Employee
	if err := s.call(ctx, "update employee", func(ctx context.Context) error {
		res, err := s.repo.Update(ctx, existing)
		updated = res
		return err
	}); err != nil {
		return nil, err
	}

	if len(in.Image) == 0 {
		return s.decorate(updated), nil
	}

	if err := s.reenroll(ctx, in.ID, in.Image); err != nil {
		return nil, err
	}
	updated.Enrolled = true
	return s.decorate(updated), nil
}

// ReenrollEmployee は従業員の顔画像と顔インデックスを置き換えます。
// 失敗した場合は以前の画像とインデックスに戻します。
func (s *Service) ReenrollEmployee(ctx context.Context, in ReenrollEmployeeInput) (*Employee, error) {
	if in.ID <= 0 {
		return nil, ErrInvalidID
	}
	if len(in.Image) == 0 {
		return nil, ErrImageRequired
	}
	if _, err := s.inspector.Inspect(in.Image); err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, in.ID)
	if err != nil {
		return nil, apperr.Storage(stepLockEmployee, err)
	}
	defer unlock()

	var emp *Employee
	if err := s.call(ctx, "find employee", func(ctx context.Context) error {
		res, err := s.repo.FindByID(ctx, in.ID)
		emp = res
		return err
	}); err != nil {
		return nil, err
	}

	if err := s.reenroll(ctx, in.ID, in.Image); err != nil {
		return nil, err
	}
	emp.Enrolled = true
	return s.decorate(emp), nil
}

// DeleteEmployee は顔インデックス、画像、勤怠記録、従業員レコードの順に削除します。
// 途中で失敗した場合は削除済みのインデックスと画像を復元します。
func (s *Service) DeleteEmployee(ctx context.Context, in DeleteEmployeeInput) error {
	if in.ID <= 0 {
		return ErrInvalidID
	}

	unlock, err := s.locker.Lock(ctx, in.ID)
	if err != nil {
		return apperr.Storage(stepLockEmployee, err)
	}
	defer unlock()

	if err := s.call(ctx, "find employee", func(ctx context.Context) error {
		_, err := s.repo.FindByID(ctx, in.ID)
		return err
	}); err != nil {
		return err
	}

	sg := s.newSaga("delete employee")

	snapshot, err := s.snapshotImage(ctx, in.ID)
	if err != nil {
		return sg.fail(ctx, stepSnapshotImage, apperr.ErrStorage, err)
	}

	removed, found, err := s.removeIndexEntry(ctx, sg, in.ID)
	if err != nil {
		return sg.fail(ctx, stepDeleteIndex, apperr.ErrStorage, err)
	}

	if err := s.removeImage(ctx, sg, in.ID, snapshot); err != nil {
		return sg.fail(ctx, stepDeleteImage, apperr.ErrStorage, err)
	}

	if err := s.call(ctx, stepDeleteIdentity, func(ctx context.Context) error {
		return s.tx.WithinReadWrite(ctx, func(txCtx context.Context) error {
			if _, err := s.registries.DeleteByEmployee(txCtx, in.ID); err != nil {
				return err
			}
			return s.repo.Delete(txCtx, in.ID)
		})
	}); err != nil {
		return sg.fail(ctx, stepDeleteIdentity, apperr.ErrStorage, err)
	}

	if found {
		s.forget(ctx, removed.MatchID)
	}
	return nil
}

// EmployeeImage は従業員の参照画像を返します。
func (s *Service) EmployeeImage(ctx context.Context, id int64) ([]byte, error) {
	if id <= 0 {
		return nil, ErrInvalidID
	}

	var data []byte
	if err := s.call(ctx, "get image", func(ctx context.Context) error {
		if _, err := s.repo.FindByID(ctx, id); err != nil {
			return err
		}
		res, err := s.images.Get(ctx, id)
		data = res
		return err
	}); err != nil {
		return nil, err
	}
	return data, nil
}

// reenroll は従業員ロックを保持した状態で呼び出します。
func (s *Service) reenroll(ctx context.Context, id int64, image []byte) error {
	sg := s.newSaga("reenroll employee")

	snapshot, err := s.snapshotImage(ctx, id)
	if err != nil {
		return sg.fail(ctx, stepSnapshotImage, apperr.ErrEnrollment, err)
	}

	previous, found, err := s.removeIndexEntry(ctx, sg, id)
	if err != nil {
		return sg.fail(ctx, stepDeleteIndex, apperr.ErrEnrollment, err)
	}

	if err := s.removeImage(ctx, sg, id, snapshot); err != nil {
		return sg.fail(ctx, stepDeleteImage, apperr.ErrEnrollment, err)
	}

	if step, err := s.enroll(ctx, sg, id, image); err != nil {
		return sg.fail(ctx, step, apperr.ErrEnrollment, err)
	}

	if found {
		s.forget(ctx, previous.MatchID)
	}
	return nil
}

// enroll は画像の保存、顔テンプレートの登録、インデックスの登録を行います。
// 失敗した場合は失敗したステップ名を返します。
func (s *Service) enroll(ctx context.Context, sg *saga, id int64, image []byte) (string, error) {
	// 書き込み途中の断片も取り消し対象にするため、試行前に登録する。
	sg.record(stepPutImage, func(ctx context.Context) error {
		return s.images.Delete(ctx, id)
	})
	if err := s.call(ctx, stepPutImage, func(ctx context.Context) error {
		return s.images.Put(ctx, id, image)
	}); err != nil {
		return stepPutImage, err
	}

	var matchID string
	err := s.bounded(ctx, func(ctx context.Context) error {
		res, err := s.enroller.Enroll(ctx, image)
		matchID = res
		return err
	})
	switch {
	case errors.Is(err, biometric.ErrNoFaceDetected):
		return stepEnrollFace, fmt.Errorf("%s: %w", stepEnrollFace, err)
	case err != nil:
		return stepEnrollFace, apperr.Storage(stepEnrollFace, err)
	}
	sg.record(stepEnrollFace, func(ctx context.Context) error {
		return s.enroller.Forget(ctx, matchID)
	})

	sg.record(stepPutIndex, func(ctx context.Context) error {
		_, _, err := s.index.DeleteByEmployee(ctx, id)
		return err
	})
	if err := s.call(ctx, stepPutIndex, func(ctx context.Context) error {
		return s.index.Put(ctx, biometric.IndexEntry{MatchID: matchID, EmployeeID: id})
	}); err != nil {
		return stepPutIndex, err
	}

	return "", nil
}

func (s *Service) snapshotImage(ctx context.Context, id int64) ([]byte, error) {
	var snapshot []byte
	err := s.call(ctx, stepSnapshotImage, func(ctx context.Context) error {
		data, err := s.images.Get(ctx, id)
		if errors.Is(err, biometric.ErrImageNotFound) {
			return nil
		}
		snapshot = data
		return err
	})
	return snapshot, err
}

func (s *Service) removeIndexEntry(ctx context.Context, sg *saga, id int64) (biometric.IndexEntry, bool, error) {
	var (
		removed biometric.IndexEntry
		found   bool
	)
	if err := s.call(ctx, stepDeleteIndex, func(ctx context.Context) error {
		var err error
		removed, found, err = s.index.DeleteByEmployee(ctx, id)
		return err
	}); err != nil {
		return biometric.IndexEntry{}, false, err
	}
	if found {
		sg.record(stepDeleteIndex, func(ctx context.Context) error {
			return s.index.Put(ctx, removed)
		})
	}
	return removed, found, nil
}

func (s *Service) removeImage(ctx context.Context, sg *saga, id int64, snapshot []byte) error {
	if err := s.call(ctx, stepDeleteImage, func(ctx context.Context) error {
		return s.images.Delete(ctx, id)
	}); err != nil {
		return err
	}
	if snapshot != nil {
		sg.record(stepDeleteImage, func(ctx context.Context) error {
			return s.images.Put(ctx, id, snapshot)
		})
	}
	return nil
}

// forget は不要になった顔テンプレートを破棄します。失敗はログに残すのみです。
func (s *Service) forget(ctx context.Context, matchID string) {
	err := s.bounded(context.WithoutCancel(ctx), func(ctx context.Context) error {
		return s.enroller.Forget(ctx, matchID)
	})
	if err != nil {
		s.logger.Printf("employee: forget face template %s: %v", matchID, err)
	}
}

func (s *Service) bounded(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	return fn(callCtx)
}

func (s *Service) call(ctx context.Context, op string, fn func(context.Context) error) error {
	return apperr.Storage(op, s.bounded(ctx, fn))
}

func (s *Service) decorate(emp *Employee) *Employee {
	if emp == nil {
		return nil
	}
	emp.ImageURL = ""
	if emp.Enrolled && s.images != nil {
		emp.ImageURL = s.images.URLFor(emp.ID)
	}
	return emp
}

func buildEmployee(in CreateEmployeeInput) (*Employee, error) {
	name, err := requireText(in.Name, ErrInvalidName)
	if err != nil {
		return nil, err
	}
	contact, err := requireText(in.Contact, ErrInvalidContact)
	if err != nil {
		return nil, err
	}
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	address, err := requireText(in.Address, ErrInvalidAddress)
	if err != nil {
		return nil, err
	}
	country, err := requireText(in.Country, ErrInvalidCountry)
	if err != nil {
		return nil, err
	}
	postal, err := requireText(in.PostalCode, ErrInvalidPostalCode)
	if err != nil {
		return nil, err
	}
	sex, err := normalizeSex(in.Sex)
	if err != nil {
		return nil, err
	}
	birth, err := normalizeBirthDate(in.BirthDate)
	if err != nil {
		return nil, err
	}

	return &Employee{
		Name:       name,
		Contact:    contact,
		Email:      email,
		Address:    address,
		Country:    country,
		PostalCode: postal,
		Sex:        sex,
		BirthDate:  birth,
		SearchName: SearchKey(name),
	}, nil
}

func applyPatch(emp *Employee, in UpdateEmployeeInput) error {
	var err error
	if in.Name != nil {
		if emp.Name, err = requireText(*in.Name, ErrInvalidName); err != nil {
			return err
		}
		emp.SearchName = SearchKey(emp.Name)
	}
	if in.Contact != nil {
		if emp.Contact, err = requireText(*in.Contact, ErrInvalidContact); err != nil {
			return err
		}
	}
	if in.EmailSet || in.Email != nil {
		if emp.Email, err = normalizeEmail(in.Email); err != nil {
			return err
		}
	}
	if in.Address != nil {
		if emp.Address, err = requireText(*in.Address, ErrInvalidAddress); err != nil {
			return err
		}
	}
	if in.Country != nil {
		if emp.Country, err = requireText(*in.Country, ErrInvalidCountry); err != nil {
			return err
		}
	}
	if in.PostalCode != nil {
		if emp.PostalCode, err = requireText(*in.PostalCode, ErrInvalidPostalCode); err != nil {
			return err
		}
	}
	if in.Sex != nil {
		if emp.Sex, err = normalizeSex(*in.Sex); err != nil {
			return err
		}
	}
	if in.BirthDate != nil {
		if emp.BirthDate, err = normalizeBirthDate(in.BirthDate); err != nil {
			return err
		}
	}
	return nil
}
