package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/ogurasousui/face-attendance/internal/core/employee"
)

type stubRow struct {
	scanFn func(dest ...any) error
}

func (s stubRow) Scan(dest ...any) error {
	return s.scanFn(dest...)
}

var employeeColumnNames = []string{
	"id", "name", "contact", "email", "address", "country", "postal_code", "sex", "birth_date", "search_name", "enrolled", "created_at", "updated_at",
}

func TestScanEmployee_Success(t *testing.T) {
	t.Parallel()

	email := "ana@example.com"
	birth := time.Date(1990, 5, 17, 0, 0, 0, 0, time.UTC)
	createdAt := time.Now().UTC()

	row := stubRow{scanFn: func(dest ...any) error {
		if len(dest) != 13 {
			return errors.New("unexpected dest length")
		}
		*(dest[0].(*int64)) = 7
		*(dest[1].(*string)) = "Ana Souza"
		*(dest[2].(*string)) = "+55 11 99999-0000"

		emailDest := dest[3].(*sql.NullString)
		emailDest.String = email
		emailDest.Valid = true

		*(dest[4].(*string)) = "Rua A, 1"
		*(dest[5].(*string)) = "Brasil"
		*(dest[6].(*string)) = "01000-000"
		*(dest[7].(*string)) = "F"
		*(dest[8].(*time.Time)) = birth.Add(3 * time.Hour)
		*(dest[9].(*string)) = "ana souza"
		*(dest[10].(*bool)) = true
		*(dest[11].(*time.Time)) = createdAt
		*(dest[12].(*time.Time)) = createdAt
		return nil
	}}

	emp, err := scanEmployee(row)
	if err != nil {
		t.Fatalf("scanEmployee returned error: %v", err)
	}

	if emp.ID != 7 || emp.Sex != employee.SexFemale || !emp.Enrolled {
		t.Fatalf("unexpected employee %+v", emp)
	}
	if emp.Email == nil || *emp.Email != email {
		t.Fatalf("expected email %s, got %+v", email, emp.Email)
	}
	if !emp.BirthDate.Equal(birth) {
		t.Fatalf("expected birth date truncated to %v, got %v", birth, emp.BirthDate)
	}
}

func TestScanEmployee_NoRows(t *testing.T) {
	t.Parallel()

	row := stubRow{scanFn: func(dest ...any) error {
		return pgx.ErrNoRows
	}}

	_, err := scanEmployee(row)
	if !errors.Is(err, employee.ErrEmployeeNotFound) {
		t.Fatalf("expected ErrEmployeeNotFound, got %v", err)
	}
}

func TestTranslateEmployeePgError(t *testing.T) {
	t.Parallel()

	checkErr := &pgconn.PgError{Code: checkViolationCode, ConstraintName: "employees_sex_check"}
	if !errors.Is(translateEmployeePgError(checkErr), employee.ErrInvalidSex) {
		t.Fatalf("expected sex check violation to map to ErrInvalidSex")
	}

	if !errors.Is(translateEmployeePgError(pgx.ErrNoRows), employee.ErrEmployeeNotFound) {
		t.Fatalf("expected no rows to map to ErrEmployeeNotFound")
	}

	other := errors.New("other")
	if translateEmployeePgError(other) != other {
		t.Fatalf("unexpected translation for generic error")
	}
}

func TestEmployeeRepository_Create(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	repo := NewEmployeeRepository(mock)
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	birth := time.Date(1990, 5, 17, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO employees`)).
		WithArgs("Ana", "123", (*string)(nil), "Rua A", "Brasil", "01000", "F", birth, "ana", now, now).
		WillReturnRows(pgxmock.NewRows(employeeColumnNames).
			AddRow(int64(1), "Ana", "123", nil, "Rua A", "Brasil", "01000", "F", birth, "ana", false, now, now))

	created, err := repo.Create(context.Background(), &employee.Employee{
		Name:       "Ana",
		Contact:    "123",
		Address:    "Rua A",
		Country:    "Brasil",
		PostalCode: "01000",
		Sex:        employee.SexFemale,
		BirthDate:  birth,
		SearchName: "ana",
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if created.ID != 1 || created.Email != nil || created.Enrolled {
		t.Fatalf("unexpected employee %+v", created)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEmployeeRepository_Delete_NotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	repo := NewEmployeeRepository(mock)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM employees WHERE id = $1`)).
		WithArgs(int64(9)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	if err := repo.Delete(context.Background(), 9); !errors.Is(err, employee.ErrEmployeeNotFound) {
		t.Fatalf("expected ErrEmployeeNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEmployeeRepository_List_WithName(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	repo := NewEmployeeRepository(mock)
	now := time.Now().UTC()
	birth := time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows(employeeColumnNames).
		AddRow(int64(1), "José", "1", nil, "a", "b", "c", "M", birth, "jose", true, now, now).
		AddRow(int64(2), "Josefa", "2", nil, "a", "b", "c", "F", birth, "josefa", false, now, now).
		AddRow(int64(3), "Josué", "3", nil, "a", "b", "c", "M", birth, "josue", false, now, now)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE e.search_name LIKE '%' || $1 || '%' ORDER BY e.search_name, e.id LIMIT $2 OFFSET $3`)).
		WithArgs("jos", 3, 0).
		WillReturnRows(rows)

	employees, nextToken, err := repo.List(context.Background(), employee.ListEmployeesFilter{
		SearchName: "jos",
		Limit:      2,
	})
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}

	if len(employees) != 2 {
		t.Fatalf("expected 2 employees, got %d", len(employees))
	}
	if nextToken != "2" {
		t.Fatalf("expected next token '2', got %s", nextToken)
	}
	if !employees[0].Enrolled || employees[1].Enrolled {
		t.Fatalf("enrolled flag not scanned: %+v %+v", employees[0], employees[1])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEmployeeRepository_List_InvalidFilter(t *testing.T) {
	t.Parallel()

	repo := NewEmployeeRepository(nil)
	if _, _, err := repo.List(context.Background(), employee.ListEmployeesFilter{}); !errors.Is(err, employee.ErrInvalidPageSize) {
		t.Fatalf("expected ErrInvalidPageSize, got %v", err)
	}
}
