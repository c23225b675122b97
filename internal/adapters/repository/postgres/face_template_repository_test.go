package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/ogurasousui/face-attendance/internal/core/biometric"
)

func TestFaceTemplateRepository_SaveAndDelete(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	repo := NewFaceTemplateRepository(mock)
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO face_templates (match_id, embedding, det_score, model, created_at)`)).
		WithArgs("m-1", pgxmock.AnyArg(), 0.98, "buffalo_l", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM face_templates WHERE match_id = $1`)).
		WithArgs("m-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	err = repo.Save(context.Background(), biometric.Template{
		MatchID:   "m-1",
		Embedding: []float32{0.1, 0.2, 0.3},
		DetScore:  0.98,
		Model:     "buffalo_l",
		CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if err := repo.Delete(context.Background(), "m-1"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFaceTemplateRepository_All(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	repo := NewFaceTemplateRepository(mock)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM face_templates WHERE model = $1`)).
		WithArgs("buffalo_l").
		WillReturnRows(pgxmock.NewRows([]string{"match_id", "embedding", "det_score", "model", "created_at"}).
			AddRow("m-1", "[1,0,0]", 0.9, "buffalo_l", now).
			AddRow("m-2", "[0,1,0]", 0.8, "buffalo_l", now))

	templates, err := repo.All(context.Background(), "buffalo_l")
	if err != nil {
		t.Fatalf("All returned error: %v", err)
	}
	if len(templates) != 2 {
		t.Fatalf("expected 2 templates, got %d", len(templates))
	}
	if got := templates[1].Embedding; len(got) != 3 || got[1] != 1 {
		t.Fatalf("unexpected embedding %v", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFaceTemplateRepository_IDsAndByIDs(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	repo := NewFaceTemplateRepository(mock)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT match_id FROM face_templates WHERE model = $1`)).
		WithArgs("buffalo_l").
		WillReturnRows(pgxmock.NewRows([]string{"match_id"}).AddRow("m-1").AddRow("m-2"))
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE match_id = ANY($1)`)).
		WithArgs([]string{"m-2"}).
		WillReturnRows(pgxmock.NewRows([]string{"match_id", "embedding", "det_score", "model", "created_at"}).
			AddRow("m-2", "[0,1,0]", 0.8, "buffalo_l", now))

	ids, err := repo.IDs(context.Background(), "buffalo_l")
	if err != nil {
		t.Fatalf("IDs returned error: %v", err)
	}
	if len(ids) != 2 || ids[0] != "m-1" || ids[1] != "m-2" {
		t.Fatalf("unexpected ids %v", ids)
	}

	templates, err := repo.ByIDs(context.Background(), []string{"m-2"})
	if err != nil {
		t.Fatalf("ByIDs returned error: %v", err)
	}
	if len(templates) != 1 || templates[0].MatchID != "m-2" || templates[0].Embedding[1] != 1 {
		t.Fatalf("unexpected templates %+v", templates)
	}

	// 空の ID 集合ではクエリを発行しない。
	if templates, err := repo.ByIDs(context.Background(), nil); err != nil || templates != nil {
		t.Fatalf("expected no-op for empty ids, got %v, %v", templates, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
