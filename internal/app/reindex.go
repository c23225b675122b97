package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/ogurasousui/face-attendance/internal/core/apperr"
	"github.com/ogurasousui/face-attendance/internal/core/employee"
)

const reindexPageSize = 100

// ReindexUseCase は再登録に必要な従業員ユースケースの部分集合です。
type ReindexUseCase interface {
	ListEmployees(ctx context.Context, in employee.ListEmployeesInput) (*employee.ListEmployeesResult, error)
	EmployeeImage(ctx context.Context, id int64) ([]byte, error)
	ReenrollEmployee(ctx context.Context, in employee.ReenrollEmployeeInput) (*employee.Employee, error)
}

// ReindexFailure は再登録に失敗した従業員です。
type ReindexFailure struct {
	EmployeeID int64
	Err        error
}

// ReindexReport は再登録の集計結果です。
type ReindexReport struct {
	Reenrolled int
	Skipped    int
	Failed     []ReindexFailure
}

// ListAllEmployees は全従業員を ID 順に取得します。
func ListAllEmployees(ctx context.Context, svc ReindexUseCase) ([]*employee.Employee, error) {
	var (
		all   []*employee.Employee
		token string
	)
	for {
		res, err := svc.ListEmployees(ctx, employee.ListEmployeesInput{PageSize: reindexPageSize, PageToken: token})
		if err != nil {
			return nil, fmt.Errorf("list employees: %w", err)
		}
		all = append(all, res.Employees...)
		if res.NextPageToken == "" {
			return all, nil
		}
		token = res.NextPageToken
	}
}

// Reindex は保存済みの参照画像から各従業員の顔を登録し直します。
// 画像のない従業員は飛ばし、個別の失敗は集計して処理を続けます。
// progress は従業員 1 件の処理ごとに呼ばれます。
func Reindex(ctx context.Context, svc ReindexUseCase, employees []*employee.Employee, progress func()) (ReindexReport, error) {
	var report ReindexReport
	for _, emp := range employees {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		err := reindexOne(ctx, svc, emp.ID)
		switch {
		case err == nil:
			report.Reenrolled++
		case errors.Is(err, apperr.ErrNotFound):
			report.Skipped++
		default:
			report.Failed = append(report.Failed, ReindexFailure{EmployeeID: emp.ID, Err: err})
		}

		if progress != nil {
			progress()
		}
	}
	return report, nil
}

func reindexOne(ctx context.Context, svc ReindexUseCase, id int64) error {
	image, err := svc.EmployeeImage(ctx, id)
	if err != nil {
		return err
	}
	_, err = svc.ReenrollEmployee(ctx, employee.ReenrollEmployeeInput{ID: id, Image: image})
	return err
}
