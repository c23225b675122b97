package employee

import "context"

// Repository は従業員レコードの永続化の抽象です。
type Repository interface {
	Create(ctx context.Context, employee *Employee) (*Employee, error)
	Update(ctx context.Context, employee *Employee) (*Employee, error)
	Delete(ctx context.Context, id int64) error
	FindByID(ctx context.Context, id int64) (*Employee, error)
	List(ctx context.Context, filter ListEmployeesFilter) ([]*Employee, string, error)
}

// ListEmployeesFilter は一覧取得用フィルタです。
type ListEmployeesFilter struct {
	SearchName string
	Limit      int
	Offset     int
}

// RegistryPurger は従業員削除時に勤怠記録を消去します。
type RegistryPurger interface {
	DeleteByEmployee(ctx context.Context, employeeID int64) (int64, error)
}
