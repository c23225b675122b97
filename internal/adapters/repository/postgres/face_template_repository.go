package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ogurasousui/face-attendance/internal/core/biometric"
	pgdb "github.com/ogurasousui/face-attendance/internal/platform/db/postgres"
)

// FaceTemplateRepository は顔テンプレートの埋め込みベクトルを pgvector 列に保存します。
type FaceTemplateRepository struct {
	pool pgdb.Queryer
}

// NewFaceTemplateRepository は FaceTemplateRepository を生成します。
func NewFaceTemplateRepository(pool pgdb.Queryer) *FaceTemplateRepository {
	return &FaceTemplateRepository{pool: pool}
}

// Save はテンプレートを保存します。
func (r *FaceTemplateRepository) Save(ctx context.Context, tmpl biometric.Template) error {
	exec := pgdb.QueryerFromContext(ctx, r.pool)
	_, err := exec.Exec(ctx, `
        INSERT INTO face_templates (match_id, embedding, det_score, model, created_at)
        VALUES ($1, $2, $3, $4, $5)
    `,
		tmpl.MatchID,
		pgvector.NewVector(tmpl.Embedding),
		tmpl.DetScore,
		tmpl.Model,
		tmpl.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save face template: %w", err)
	}
	return nil
}

// Delete はテンプレートを削除します。存在しない場合もエラーにしません。
func (r *FaceTemplateRepository) Delete(ctx context.Context, matchID string) error {
	exec := pgdb.QueryerFromContext(ctx, r.pool)
	if _, err := exec.Exec(ctx, `DELETE FROM face_templates WHERE match_id = $1`, matchID); err != nil {
		return fmt.Errorf("delete face template: %w", err)
	}
	return nil
}

// Get はテンプレートを取得します。存在しない場合は nil を返します。
func (r *FaceTemplateRepository) Get(ctx context.Context, matchID string) (*biometric.Template, error) {
	exec := pgdb.QueryerFromContext(ctx, r.pool)
	row := exec.QueryRow(ctx, `
        SELECT match_id, embedding, det_score, model, created_at
          FROM face_templates
         WHERE match_id = $1
    `, matchID)

	tmpl, err := scanTemplate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get face template: %w", err)
	}
	return tmpl, nil
}

// All は model で作成された全テンプレートを登録順に返します。
func (r *FaceTemplateRepository) All(ctx context.Context, model string) ([]biometric.Template, error) {
	exec := pgdb.QueryerFromContext(ctx, r.pool)
	rows, err := exec.Query(ctx, `
        SELECT match_id, embedding, det_score, model, created_at
          FROM face_templates
         WHERE model = $1
         ORDER BY created_at, match_id
    `, model)
	if err != nil {
		return nil, fmt.Errorf("query face templates: %w", err)
	}
	defer rows.Close()

	var templates []biometric.Template
	for rows.Next() {
		tmpl, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan face template: %w", err)
		}
		templates = append(templates, *tmpl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate face templates: %w", err)
	}
	return templates, nil
}

// IDs は model で作成されたテンプレートの照合 ID を返します。埋め込みは読み込みません。
func (r *FaceTemplateRepository) IDs(ctx context.Context, model string) ([]string, error) {
	exec := pgdb.QueryerFromContext(ctx, r.pool)
	rows, err := exec.Query(ctx, `SELECT match_id FROM face_templates WHERE model = $1`, model)
	if err != nil {
		return nil, fmt.Errorf("query face template ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan face template id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate face template ids: %w", err)
	}
	return ids, nil
}

// ByIDs は指定した照合 ID のテンプレートを返します。存在しない ID は無視します。
func (r *FaceTemplateRepository) ByIDs(ctx context.Context, matchIDs []string) ([]biometric.Template, error) {
	if len(matchIDs) == 0 {
		return nil, nil
	}

	exec := pgdb.QueryerFromContext(ctx, r.pool)
	rows, err := exec.Query(ctx, `
        SELECT match_id, embedding, det_score, model, created_at
          FROM face_templates
         WHERE match_id = ANY($1)
         ORDER BY created_at, match_id
    `, matchIDs)
	if err != nil {
		return nil, fmt.Errorf("query face templates by id: %w", err)
	}
	defer rows.Close()

	var templates []biometric.Template
	for rows.Next() {
		tmpl, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan face template: %w", err)
		}
		templates = append(templates, *tmpl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate face templates: %w", err)
	}
	return templates, nil
}

func scanTemplate(row pgx.Row) (*biometric.Template, error) {
	var (
		tmpl biometric.Template
		vec  pgvector.Vector
	)
	if err := row.Scan(&tmpl.MatchID, &vec, &tmpl.DetScore, &tmpl.Model, &tmpl.CreatedAt); err != nil {
		return nil, err
	}
	tmpl.Embedding = vec.Slice()
	tmpl.CreatedAt = tmpl.CreatedAt.UTC()
	return &tmpl, nil
}
