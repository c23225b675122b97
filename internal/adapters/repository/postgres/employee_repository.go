package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ogurasousui/face-attendance/internal/core/employee"
	pgdb "github.com/ogurasousui/face-attendance/internal/platform/db/postgres"
)

const (
	uniqueViolationCode     = "23505"
	foreignKeyViolationCode = "23503"
	checkViolationCode      = "23514"
)

const employeeColumns = `e.id, e.name, e.contact, e.email, e.address, e.country, e.postal_code, e.sex, e.birth_date, e.search_name,
               EXISTS (SELECT 1 FROM face_index f WHERE f.employee_id = e.id),
               e.created_at, e.updated_at`

// EmployeeRepository は PostgreSQL を利用した従業員永続化の実装です。
type EmployeeRepository struct {
	pool pgdb.Queryer
}

// NewEmployeeRepository は EmployeeRepository を生成します。
func NewEmployeeRepository(pool pgdb.Queryer) *EmployeeRepository {
	return &EmployeeRepository{pool: pool}
}

// Create は従業員を新規作成します。
func (r *EmployeeRepository) Create(ctx context.Context, e *employee.Employee) (*employee.Employee, error) {
	exec := pgdb.QueryerFromContext(ctx, r.pool)
	row := exec.QueryRow(ctx, `
        WITH e AS (
            INSERT INTO employees (name, contact, email, address, country, postal_code, sex, birth_date, search_name, created_at, updated_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
            RETURNING *
        )
        SELECT `+employeeColumns+`
          FROM e
    `,
		e.Name,
		e.Contact,
		e.Email,
		e.Address,
		e.Country,
		e.PostalCode,
		string(e.Sex),
		dateOnly(e.BirthDate),
		e.SearchName,
		e.CreatedAt,
		e.UpdatedAt,
	)

	created, err := scanEmployee(row)
	if err != nil {
		return nil, translateEmployeePgError(err)
	}
	return created, nil
}

// Update は従業員情報を更新します。
func (r *EmployeeRepository) Update(ctx context.Context, e *employee.Employee) (*employee.Employee, error) {
	exec := pgdb.QueryerFromContext(ctx, r.pool)
	row := exec.QueryRow(ctx, `
        WITH e AS (
            UPDATE employees
               SET name = $1,
                   contact = $2,
                   email = $3,
                   address = $4,
                   country = $5,
                   postal_code = $6,
                   sex = $7,
                   birth_date = $8,
                   search_name = $9,
                   updated_at = $10
             WHERE id = $11
            RETURNING *
        )
        SELECT `+employeeColumns+`
          FROM e
    `,
		e.Name,
		e.Contact,
		e.Email,
		e.Address,
		e.Country,
		e.PostalCode,
		string(e.Sex),
		dateOnly(e.BirthDate),
		e.SearchName,
		e.UpdatedAt,
		e.ID,
	)

	updated, err := scanEmployee(row)
	if err != nil {
		return nil, translateEmployeePgError(err)
	}
	return updated, nil
}

// Delete は従業員を削除します。
func (r *EmployeeRepository) Delete(ctx context.Context, id int64) error {
	exec := pgdb.QueryerFromContext(ctx, r.pool)
	tag, err := exec.Exec(ctx, `DELETE FROM employees WHERE id = $1`, id)
	if err != nil {
		return translateEmployeePgError(err)
	}
	if tag.RowsAffected() == 0 {
		return employee.ErrEmployeeNotFound
	}
	return nil
}

// FindByID は ID で従業員を取得します。
func (r *EmployeeRepository) FindByID(ctx context.Context, id int64) (*employee.Employee, error) {
	exec := pgdb.QueryerFromContext(ctx, r.pool)
	row := exec.QueryRow(ctx, `
        SELECT `+employeeColumns+`
          FROM employees e
         WHERE e.id = $1
         LIMIT 1
    `, id)

	found, err := scanEmployee(row)
	if err != nil {
		return nil, translateEmployeePgError(err)
	}
	return found, nil
}

// List は従業員の一覧を名前順で取得します。
func (r *EmployeeRepository) List(ctx context.Context, filter employee.ListEmployeesFilter) ([]*employee.Employee, string, error) {
	if filter.Limit <= 0 {
		return nil, "", employee.ErrInvalidPageSize
	}
	if filter.Offset < 0 {
		return nil, "", employee.ErrInvalidPageToken
	}

	limitWithBuffer := filter.Limit + 1

	args := make([]any, 0, 3)
	whereClause := ""
	if filter.SearchName != "" {
		args = append(args, filter.SearchName)
		whereClause = " WHERE e.search_name LIKE '%' || $1 || '%'"
	}

	limitPlaceholder := "$" + strconv.Itoa(len(args)+1)
	args = append(args, limitWithBuffer)
	offsetPlaceholder := "$" + strconv.Itoa(len(args)+1)
	args = append(args, filter.Offset)

	query := `
        SELECT ` + employeeColumns + `
          FROM employees e` + whereClause + `
         ORDER BY e.search_name, e.id
         LIMIT ` + limitPlaceholder + `
        OFFSET ` + offsetPlaceholder + `
    `

	exec := pgdb.QueryerFromContext(ctx, r.pool)
	rows, err := exec.Query(ctx, query, args...)
	if err != nil {
		return nil, "", translateEmployeePgError(err)
	}
	defer rows.Close()

	employees := make([]*employee.Employee, 0, filter.Limit)
	for rows.Next() {
		emp, err := scanEmployee(rows)
		if err != nil {
			return nil, "", translateEmployeePgError(err)
		}
		employees = append(employees, emp)
	}

	if err := rows.Err(); err != nil {
		return nil, "", translateEmployeePgError(err)
	}

	var nextToken string
	if len(employees) == limitWithBuffer {
		employees = employees[:filter.Limit]
		nextToken = strconv.Itoa(filter.Offset + filter.Limit)
	}

	return employees, nextToken, nil
}

func scanEmployee(row pgx.Row) (*employee.Employee, error) {
	var (
		emp       employee.Employee
		email     sql.NullString
		sex       string
		birthDate time.Time
	)

	if err := row.Scan(
		&emp.ID,
		&emp.Name,
		&emp.Contact,
		&email,
		&emp.Address,
		&emp.Country,
		&emp.PostalCode,
		&sex,
		&birthDate,
		&emp.SearchName,
		&emp.Enrolled,
		&emp.CreatedAt,
		&emp.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, employee.ErrEmployeeNotFound
		}
		return nil, err
	}

	if email.Valid {
		value := email.String
		emp.Email = &value
	}
	emp.Sex = employee.Sex(sex)
	emp.BirthDate = dateOnly(birthDate)
	emp.CreatedAt = emp.CreatedAt.UTC()
	emp.UpdatedAt = emp.UpdatedAt.UTC()

	return &emp, nil
}

func translateEmployeePgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return employee.ErrEmployeeNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case checkViolationCode:
			if pgErr.ConstraintName == "employees_sex_check" {
				return employee.ErrInvalidSex
			}
		}
	}

	return err
}

func dateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
