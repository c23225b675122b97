package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ogurasousui/face-attendance/internal/core/biometric"
	"github.com/ogurasousui/face-attendance/internal/core/employee"
	pgdb "github.com/ogurasousui/face-attendance/internal/platform/db/postgres"
)

// FaceIndexRepository は照合 ID と従業員 ID の対応を保持する顔インデックスです。
type FaceIndexRepository struct {
	pool pgdb.Queryer
}

// NewFaceIndexRepository は FaceIndexRepository を生成します。
func NewFaceIndexRepository(pool pgdb.Queryer) *FaceIndexRepository {
	return &FaceIndexRepository{pool: pool}
}

// Put はエントリを登録します。従業員に既存のエントリがある場合は ErrIndexConflict を返します。
func (r *FaceIndexRepository) Put(ctx context.Context, entry biometric.IndexEntry) error {
	exec := pgdb.QueryerFromContext(ctx, r.pool)
	_, err := exec.Exec(ctx, `
        INSERT INTO face_index (match_id, employee_id)
        VALUES ($1, $2)
    `, entry.MatchID, entry.EmployeeID)
	return translateFaceIndexPgError(err)
}

// DeleteByEmployee は従業員のエントリを削除し、削除したエントリを返します。
func (r *FaceIndexRepository) DeleteByEmployee(ctx context.Context, employeeID int64) (biometric.IndexEntry, bool, error) {
	exec := pgdb.QueryerFromContext(ctx, r.pool)
	row := exec.QueryRow(ctx, `
        DELETE FROM face_index
         WHERE employee_id = $1
        RETURNING match_id, employee_id
    `, employeeID)

	var entry biometric.IndexEntry
	if err := row.Scan(&entry.MatchID, &entry.EmployeeID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return biometric.IndexEntry{}, false, nil
		}
		return biometric.IndexEntry{}, false, translateFaceIndexPgError(err)
	}
	return entry, true, nil
}

// Lookup は照合 ID に対応する従業員 ID を返します。
func (r *FaceIndexRepository) Lookup(ctx context.Context, matchID string) (int64, bool, error) {
	exec := pgdb.QueryerFromContext(ctx, r.pool)
	row := exec.QueryRow(ctx, `SELECT employee_id FROM face_index WHERE match_id = $1`, matchID)

	var employeeID int64
	if err := row.Scan(&employeeID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, translateFaceIndexPgError(err)
	}
	return employeeID, true, nil
}

// MatchIDs は登録済みの全照合 ID を返します。
func (r *FaceIndexRepository) MatchIDs(ctx context.Context) ([]string, error) {
	exec := pgdb.QueryerFromContext(ctx, r.pool)
	rows, err := exec.Query(ctx, `SELECT match_id FROM face_index ORDER BY employee_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func translateFaceIndexPgError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolationCode:
			return biometric.ErrIndexConflict
		case foreignKeyViolationCode:
			return employee.ErrEmployeeNotFound
		}
	}

	return err
}
