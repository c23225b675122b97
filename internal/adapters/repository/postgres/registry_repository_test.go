package postgres

import (
	"context"
	"errors"
	"math"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/ogurasousui/face-attendance/internal/core/attendance"
	pgdb "github.com/ogurasousui/face-attendance/internal/platform/db/postgres"
)

var registryColumnNames = []string{"id", "employee_id", "registered_at", "type", "source", "created_at"}

func TestRegistryRepository_Create(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	repo := NewRegistryRepository(mock)
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO registries (employee_id, registered_at, type, source, created_at)`)).
		WithArgs(int64(3), now, "entry", "recognition", now).
		WillReturnRows(pgxmock.NewRows(registryColumnNames).
			AddRow(int64(11), int64(3), now, "entry", "recognition", now))

	created, err := repo.Create(context.Background(), &attendance.Registry{
		EmployeeID: 3,
		Timestamp:  now,
		Type:       attendance.TypeEntry,
		Source:     attendance.SourceRecognition,
		CreatedAt:  now,
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if created.ID != 11 || created.Type != attendance.TypeEntry || created.Source != attendance.SourceRecognition {
		t.Fatalf("unexpected registry %+v", created)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRegistryRepository_Create_UnknownEmployee(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	repo := NewRegistryRepository(mock)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO registries`)).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: foreignKeyViolationCode, ConstraintName: "registries_employee_id_fkey"})

	_, err = repo.Create(context.Background(), &attendance.Registry{EmployeeID: 99, Type: attendance.TypeEntry, Source: attendance.SourceManual})
	if !errors.Is(err, attendance.ErrEmployeeNotFound) {
		t.Fatalf("expected ErrEmployeeNotFound, got %v", err)
	}
}

func TestRegistryRepository_LatestByEmployee(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	repo := NewRegistryRepository(mock)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE employee_id = $1 ORDER BY registered_at DESC, id DESC LIMIT 1`)).
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows(registryColumnNames))
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE employee_id = $1 ORDER BY registered_at DESC, id DESC LIMIT 1`)).
		WithArgs(int64(2)).
		WillReturnRows(pgxmock.NewRows(registryColumnNames).AddRow(int64(5), int64(2), now, "exit", "manual", now))

	none, err := repo.LatestByEmployee(context.Background(), 1)
	if err != nil || none != nil {
		t.Fatalf("expected no registry, got %+v %v", none, err)
	}

	latest, err := repo.LatestByEmployee(context.Background(), 2)
	if err != nil {
		t.Fatalf("LatestByEmployee returned error: %v", err)
	}
	if latest.ID != 5 || latest.Type != attendance.TypeExit || latest.Source != attendance.SourceManual {
		t.Fatalf("unexpected registry %+v", latest)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRegistryRepository_Neighbours(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	repo := NewRegistryRepository(mock)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`(registered_at, id) < ($3, $4) ORDER BY registered_at DESC, id DESC`)).
		WithArgs(int64(1), int64(0), at, int64(math.MaxInt64)).
		WillReturnRows(pgxmock.NewRows(registryColumnNames).AddRow(int64(7), int64(1), at.Add(-time.Hour), "entry", "recognition", at))
	mock.ExpectQuery(regexp.QuoteMeta(`(registered_at, id) > ($3, $4) ORDER BY registered_at, id`)).
		WithArgs(int64(1), int64(0), at, int64(math.MaxInt64)).
		WillReturnRows(pgxmock.NewRows(registryColumnNames))

	prev, next, err := repo.Neighbours(context.Background(), 1, at, 0)
	if err != nil {
		t.Fatalf("Neighbours returned error: %v", err)
	}
	if prev == nil || prev.ID != 7 {
		t.Fatalf("unexpected prev %+v", prev)
	}
	if next != nil {
		t.Fatalf("expected no next registry, got %+v", next)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRegistryRepository_List_ByEmployee(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	repo := NewRegistryRepository(mock)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM registries WHERE employee_id = $1 ORDER BY registered_at DESC, id DESC LIMIT $2 OFFSET $3`)).
		WithArgs(int64(4), 2, 2).
		WillReturnRows(pgxmock.NewRows(registryColumnNames).
			AddRow(int64(3), int64(4), now, "exit", "recognition", now).
			AddRow(int64(2), int64(4), now.Add(-time.Hour), "entry", "recognition", now))

	regs, next, err := repo.List(context.Background(), attendance.ListRegistriesFilter{EmployeeID: 4, Limit: 1, Offset: 2})
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(regs) != 1 || regs[0].ID != 3 {
		t.Fatalf("unexpected registries %+v", regs)
	}
	if next != "3" {
		t.Fatalf("expected next token '3', got %q", next)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRegistryRepository_DeleteByEmployee(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	repo := NewRegistryRepository(mock)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM registries WHERE employee_id = $1`)).
		WithArgs(int64(4)).
		WillReturnResult(pgxmock.NewResult("DELETE", 6))

	n, err := repo.DeleteByEmployee(context.Background(), 4)
	if err != nil || n != 6 {
		t.Fatalf("expected 6 deleted, got %d %v", n, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRegistryRepository_Delete_NotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	repo := NewRegistryRepository(mock)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM registries WHERE id = $1`)).
		WithArgs(int64(8)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	if err := repo.Delete(context.Background(), 8); !errors.Is(err, attendance.ErrRegistryNotFound) {
		t.Fatalf("expected ErrRegistryNotFound, got %v", err)
	}
}

func TestRegistryRepository_LockEmployeeWithinTransaction(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	repo := NewRegistryRepository(mock)
	tm := pgdb.NewTransactionManager(mock)

	mock.ExpectBeginTx(pgx.TxOptions{AccessMode: pgx.ReadWrite})
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock($1)`)).
		WithArgs(int64(5)).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectCommit()

	err = tm.WithinReadWrite(context.Background(), func(ctx context.Context) error {
		return repo.LockEmployee(ctx, 5)
	})
	if err != nil {
		t.Fatalf("LockEmployee returned error: %v", err)
	}

	if err := repo.LockEmployee(context.Background(), 5); !errors.Is(err, pgdb.ErrNoTransaction) {
		t.Fatalf("expected ErrNoTransaction outside a transaction, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
