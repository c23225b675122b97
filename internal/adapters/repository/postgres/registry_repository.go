package postgres

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ogurasousui/face-attendance/internal/core/attendance"
	pgdb "github.com/ogurasousui/face-attendance/internal/platform/db/postgres"
)

const registryColumns = `id, employee_id, registered_at, type, source, created_at`

// RegistryRepository は PostgreSQL を利用した勤怠記録永続化の実装です。
type RegistryRepository struct {
	pool pgdb.Queryer
}

// NewRegistryRepository は RegistryRepository を生成します。
func NewRegistryRepository(pool pgdb.Queryer) *RegistryRepository {
	return &RegistryRepository{pool: pool}
}

// Create は勤怠記録を作成します。従業員が存在しない場合は ErrEmployeeNotFound を返します。
func (r *RegistryRepository) Create(ctx context.Context, reg *attendance.Registry) (*attendance.Registry, error) {
	exec := pgdb.QueryerFromContext(ctx, r.pool)
	row := exec.QueryRow(ctx, `
        INSERT INTO registries (employee_id, registered_at, type, source, created_at)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING `+registryColumns,
		reg.EmployeeID,
		reg.Timestamp,
		string(reg.Type),
		string(reg.Source),
		reg.CreatedAt,
	)

	created, err := scanRegistry(row)
	if err != nil {
		return nil, translateRegistryPgError(err)
	}
	return created, nil
}

// Update は勤怠記録の時刻と種別を更新します。
func (r *RegistryRepository) Update(ctx context.Context, reg *attendance.Registry) (*attendance.Registry, error) {
	exec := pgdb.QueryerFromContext(ctx, r.pool)
	row := exec.QueryRow(ctx, `
        UPDATE registries
           SET registered_at = $1,
               type = $2
         WHERE id = $3
        RETURNING `+registryColumns,
		reg.Timestamp,
		string(reg.Type),
		reg.ID,
	)

	updated, err := scanRegistry(row)
	if err != nil {
		return nil, translateRegistryPgError(err)
	}
	return updated, nil
}

// Delete は勤怠記録を削除します。
func (r *RegistryRepository) Delete(ctx context.Context, id int64) error {
	exec := pgdb.QueryerFromContext(ctx, r.pool)
	tag, err := exec.Exec(ctx, `DELETE FROM registries WHERE id = $1`, id)
	if err != nil {
		return translateRegistryPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return attendance.ErrRegistryNotFound
	}
	return nil
}

// FindByID は ID で勤怠記録を取得します。
func (r *RegistryRepository) FindByID(ctx context.Context, id int64) (*attendance.Registry, error) {
	exec := pgdb.QueryerFromContext(ctx, r.pool)
	row := exec.QueryRow(ctx, `SELECT `+registryColumns+` FROM registries WHERE id = $1`, id)

	found, err := scanRegistry(row)
	if err != nil {
		return nil, translateRegistryPgError(err)
	}
	return found, nil
}

// List は勤怠記録を新しい順に取得します。
func (r *RegistryRepository) List(ctx context.Context, filter attendance.ListRegistriesFilter) ([]*attendance.Registry, string, error) {
	if filter.Limit <= 0 {
		return nil, "", attendance.ErrInvalidPageSize
	}
	if filter.Offset < 0 {
		return nil, "", attendance.ErrInvalidPageToken
	}

	limitWithBuffer := filter.Limit + 1

	args := make([]any, 0, 3)
	whereClause := ""
	if filter.EmployeeID > 0 {
		args = append(args, filter.EmployeeID)
		whereClause = " WHERE employee_id = $1"
	}

	limitPlaceholder := "$" + strconv.Itoa(len(args)+1)
	args = append(args, limitWithBuffer)
	offsetPlaceholder := "$" + strconv.Itoa(len(args)+1)
	args = append(args, filter.Offset)

	query := `
        SELECT ` + registryColumns + `
          FROM registries` + whereClause + `
         ORDER BY registered_at DESC, id DESC
         LIMIT ` + limitPlaceholder + `
        OFFSET ` + offsetPlaceholder + `
    `

	regs, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}

	var nextToken string
	if len(regs) == limitWithBuffer {
		regs = regs[:filter.Limit]
		nextToken = strconv.Itoa(filter.Offset + filter.Limit)
	}

	return regs, nextToken, nil
}

// LatestByEmployee は従業員の最新の勤怠記録を返します。記録がない場合は nil を返します。
func (r *RegistryRepository) LatestByEmployee(ctx context.Context, employeeID int64) (*attendance.Registry, error) {
	exec := pgdb.QueryerFromContext(ctx, r.pool)
	row := exec.QueryRow(ctx, `
        SELECT `+registryColumns+`
          FROM registries
         WHERE employee_id = $1
         ORDER BY registered_at DESC, id DESC
         LIMIT 1
    `, employeeID)

	latest, err := scanRegistry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translateRegistryPgError(err)
	}
	return latest, nil
}

// Neighbours は (registered_at, id) の順序で at の直前と直後の記録を返します。
// excludeID が 0 の場合は、同時刻の既存記録より後に置かれる新規記録として扱います。
func (r *RegistryRepository) Neighbours(ctx context.Context, employeeID int64, at time.Time, excludeID int64) (*attendance.Registry, *attendance.Registry, error) {
	key := excludeID
	if key == 0 {
		key = math.MaxInt64
	}

	prev, err := r.queryOne(ctx, `
        SELECT `+registryColumns+`
          FROM registries
         WHERE employee_id = $1 AND id <> $2 AND (registered_at, id) < ($3, $4)
         ORDER BY registered_at DESC, id DESC
         LIMIT 1
    `, employeeID, excludeID, at, key)
	if err != nil {
		return nil, nil, err
	}

	next, err := r.queryOne(ctx, `
        SELECT `+registryColumns+`
          FROM registries
         WHERE employee_id = $1 AND id <> $2 AND (registered_at, id) > ($3, $4)
         ORDER BY registered_at, id
         LIMIT 1
    `, employeeID, excludeID, at, key)
	if err != nil {
		return nil, nil, err
	}

	return prev, next, nil
}

// DeleteByEmployee は従業員の勤怠記録をすべて削除し、削除件数を返します。
func (r *RegistryRepository) DeleteByEmployee(ctx context.Context, employeeID int64) (int64, error) {
	exec := pgdb.QueryerFromContext(ctx, r.pool)
	tag, err := exec.Exec(ctx, `DELETE FROM registries WHERE employee_id = $1`, employeeID)
	if err != nil {
		return 0, translateRegistryPgError(err)
	}
	return tag.RowsAffected(), nil
}

// LockEmployee はトランザクション終了まで従業員単位のアドバイザリロックを取得します。
func (r *RegistryRepository) LockEmployee(ctx context.Context, employeeID int64) error {
	return pgdb.AdvisoryXactLock(ctx, employeeID)
}

func (r *RegistryRepository) queryOne(ctx context.Context, query string, args ...any) (*attendance.Registry, error) {
	exec := pgdb.QueryerFromContext(ctx, r.pool)
	reg, err := scanRegistry(exec.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translateRegistryPgError(err)
	}
	return reg, nil
}

func (r *RegistryRepository) query(ctx context.Context, query string, args ...any) ([]*attendance.Registry, error) {
	exec := pgdb.QueryerFromContext(ctx, r.pool)
	rows, err := exec.Query(ctx, query, args...)
	if err != nil {
		return nil, translateRegistryPgError(err)
	}
	defer rows.Close()

	regs := make([]*attendance.Registry, 0)
	for rows.Next() {
		reg, err := scanRegistry(rows)
		if err != nil {
			return nil, translateRegistryPgError(err)
		}
		regs = append(regs, reg)
	}

	if err := rows.Err(); err != nil {
		return nil, translateRegistryPgError(err)
	}
	return regs, nil
}

func scanRegistry(row pgx.Row) (*attendance.Registry, error) {
	var (
		reg    attendance.Registry
		typ    string
		source string
	)

	if err := row.Scan(&reg.ID, &reg.EmployeeID, &reg.Timestamp, &typ, &source, &reg.CreatedAt); err != nil {
		return nil, err
	}

	reg.Type = attendance.Type(typ)
	reg.Source = attendance.Source(source)
	reg.Timestamp = reg.Timestamp.UTC()
	reg.CreatedAt = reg.CreatedAt.UTC()
	return &reg, nil
}

func translateRegistryPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return attendance.ErrRegistryNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case foreignKeyViolationCode:
			return attendance.ErrEmployeeNotFound
		case checkViolationCode:
			return attendance.ErrInvalidType
		}
	}

	return err
}
