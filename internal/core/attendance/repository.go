package attendance

import (
	"context"
	"time"

	"github.com/ogurasousui/face-attendance/internal/core/employee"
)

// Repository は勤怠記録の永続化の抽象です。
type Repository interface {
	Create(ctx context.Context, registry *Registry) (*Registry, error)
	Update(ctx context.Context, registry *Registry) (*Registry, error)
	Delete(ctx context.Context, id int64) error
	FindByID(ctx context.Context, id int64) (*Registry, error)
	List(ctx context.Context, filter ListRegistriesFilter) ([]*Registry, string, error)
	// LatestByEmployee は最新の記録を返します。記録がない場合は nil を返します。
	LatestByEmployee(ctx context.Context, employeeID int64) (*Registry, error)
	// Neighbours は時刻 at の前後の記録を返します。excludeID の記録は対象外です(0 は新規記録)。
	Neighbours(ctx context.Context, employeeID int64, at time.Time, excludeID int64) (prev, next *Registry, err error)
	DeleteByEmployee(ctx context.Context, employeeID int64) (int64, error)
	// LockEmployee は現在のトランザクション終了まで従業員単位のロックを取得します。
	LockEmployee(ctx context.Context, employeeID int64) error
}

// ListRegistriesFilter は一覧取得用フィルタです。EmployeeID が 0 の場合は全従業員が対象です。
type ListRegistriesFilter struct {
	EmployeeID int64
	Limit      int
	Offset     int
}

// EmployeeFinder は従業員の存在確認に使います。
type EmployeeFinder interface {
	FindByID(ctx context.Context, id int64) (*employee.Employee, error)
}

// MatchLookup は照合 ID から従業員 ID を引きます。biometric.Index が満たします。
type MatchLookup interface {
	Lookup(ctx context.Context, matchID string) (int64, bool, error)
}
