package facematch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ogurasousui/face-attendance/internal/core/biometric"
	"github.com/ogurasousui/face-attendance/internal/platform/imaging"
)

const (
	defaultMatchThreshold = 0.5
	defaultMaxCandidates  = 5
	// minResyncGap は照合失敗を契機とした再同期の最短間隔です。
	minResyncGap = 2 * time.Second
)

// FaceDetector は画像から顔の埋め込みを得る検出器です。EmbeddingClient が実装します。
type FaceDetector interface {
	DetectFaces(ctx context.Context, image []byte) (*FaceResponse, error)
	Model() string
}

// TemplateStore は顔テンプレートの永続化先です。
type TemplateStore interface {
	Save(ctx context.Context, tmpl biometric.Template) error
	Delete(ctx context.Context, matchID string) error
	All(ctx context.Context, model string) ([]biometric.Template, error)
	IDs(ctx context.Context, model string) ([]string, error)
	ByIDs(ctx context.Context, matchIDs []string) ([]biometric.Template, error)
}

// Logger は照合器が利用するロガーです。
type Logger interface {
	Printf(format string, v ...any)
}

// MatcherConfig は FaceMatcher の設定です。
type MatcherConfig struct {
	Dim           int
	Threshold     float64
	MaxCandidates int
	MaxImageSide  int
	MaxPixels     int
}

// FaceMatcher は埋め込みサーバーと HNSW インデックスを組み合わせた照合器です。
// biometric.Matcher と biometric.Enroller を実装します。
type FaceMatcher struct {
	detector FaceDetector
	store    TemplateStore
	index    *TemplateIndex
	cfg      MatcherConfig
	logger   Logger
	newID    func() string
	now      func() time.Time

	syncMu   sync.Mutex
	lastSync time.Time
}

var (
	_ biometric.Matcher  = (*FaceMatcher)(nil)
	_ biometric.Enroller = (*FaceMatcher)(nil)
	_ biometric.Resyncer = (*FaceMatcher)(nil)
)

// NewFaceMatcher は FaceMatcher を生成します。
func NewFaceMatcher(detector FaceDetector, store TemplateStore, cfg MatcherConfig, logger Logger) *FaceMatcher {
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultMatchThreshold
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = defaultMaxCandidates
	}
	if logger == nil {
		logger = log.Default()
	}
	return &FaceMatcher{
		detector: detector,
		store:    store,
		index:    NewTemplateIndex(cfg.Dim),
		cfg:      cfg,
		logger:   logger,
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// Load は保存済みテンプレートをインデックスへ読み込みます。
// indexed が nil でない場合、顔インデックスに存在しないテンプレートは孤児として削除します。
func (m *FaceMatcher) Load(ctx context.Context, indexed []string) (loaded, pruned int, err error) {
	templates, err := m.store.All(ctx, m.detector.Model())
	if err != nil {
		return 0, 0, fmt.Errorf("load templates: %w", err)
	}

	var keep map[string]struct{}
	if indexed != nil {
		keep = make(map[string]struct{}, len(indexed))
		for _, id := range indexed {
			keep[id] = struct{}{}
		}
	}

	for _, tmpl := range templates {
		if keep != nil {
			if _, ok := keep[tmpl.MatchID]; !ok {
				if err := m.store.Delete(ctx, tmpl.MatchID); err != nil {
					return loaded, pruned, fmt.Errorf("prune template %s: %w", tmpl.MatchID, err)
				}
				pruned++
				continue
			}
		}
		if err := m.index.Add(tmpl.MatchID, tmpl.Embedding); err != nil {
			m.logger.Printf("skip template %s: %v", tmpl.MatchID, err)
			continue
		}
		loaded++
	}
	return loaded, pruned, nil
}

// Refresh はインデックスを永続化先と突き合わせ、他のプロセスが登録したテンプレートを追加し、
// 削除されたテンプレートを外します。
// メモリ上の ID を先に取得するため、同時に進む Enroll が登録したばかりのテンプレートは外しません。
func (m *FaceMatcher) Refresh(ctx context.Context) (added, removed int, err error) {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()
	return m.refreshLocked(ctx)
}

func (m *FaceMatcher) refreshLocked(ctx context.Context) (added, removed int, err error) {
	cached := m.index.IDs()

	stored, err := m.store.IDs(ctx, m.detector.Model())
	if err != nil {
		return 0, 0, fmt.Errorf("list template ids: %w", err)
	}
	m.lastSync = m.now()

	inStore := make(map[string]struct{}, len(stored))
	for _, id := range stored {
		inStore[id] = struct{}{}
	}
	inCache := make(map[string]struct{}, len(cached))
	for _, id := range cached {
		inCache[id] = struct{}{}
		if _, ok := inStore[id]; !ok && m.index.Remove(id) {
			removed++
		}
	}

	var missing []string
	for _, id := range stored {
		if _, ok := inCache[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return 0, removed, nil
	}

	templates, err := m.store.ByIDs(ctx, missing)
	if err != nil {
		return 0, removed, fmt.Errorf("load templates: %w", err)
	}
	for _, tmpl := range templates {
		if err := m.index.Add(tmpl.MatchID, tmpl.Embedding); err != nil {
			m.logger.Printf("skip template %s: %v", tmpl.MatchID, err)
			continue
		}
		added++
	}
	return added, removed, nil
}

// Resync は直前の同期から minResyncGap 以上経過している場合に Refresh を実行します。
// 実行した場合は true を返します。
func (m *FaceMatcher) Resync(ctx context.Context) (bool, error) {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	if !m.lastSync.IsZero() && m.now().Sub(m.lastSync) < minResyncGap {
		return false, nil
	}
	added, removed, err := m.refreshLocked(ctx)
	if err != nil {
		return false, err
	}
	if added > 0 || removed > 0 {
		m.logger.Printf("resynced face templates: +%d -%d", added, removed)
	}
	return true, nil
}

// Run は ctx が終了するまで interval ごとに Refresh を実行します。失敗はログに残して継続します。
func (m *FaceMatcher) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			added, removed, err := m.Refresh(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				m.logger.Printf("refresh face templates: %v", err)
				continue
			}
			if added > 0 || removed > 0 {
				m.logger.Printf("refreshed face templates: +%d -%d", added, removed)
			}
		}
	}
}

// Enroll は画像内で最も確からしい顔をテンプレートとして登録し、照合 ID を返します。
func (m *FaceMatcher) Enroll(ctx context.Context, image []byte) (string, error) {
	face, err := m.bestFace(ctx, image)
	if err != nil {
		return "", err
	}
	if m.cfg.Dim > 0 && len(face.Embedding) != m.cfg.Dim {
		return "", fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(face.Embedding), m.cfg.Dim)
	}

	tmpl := biometric.Template{
		MatchID:   m.newID(),
		Embedding: face.Embedding,
		DetScore:  face.DetScore,
		Model:     m.detector.Model(),
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.Save(ctx, tmpl); err != nil {
		return "", err
	}
	if err := m.index.Add(tmpl.MatchID, tmpl.Embedding); err != nil {
		return "", errors.Join(err, m.store.Delete(context.WithoutCancel(ctx), tmpl.MatchID))
	}
	return tmpl.MatchID, nil
}

// Forget はテンプレートを破棄します。存在しない照合 ID はエラーになりません。
func (m *FaceMatcher) Forget(ctx context.Context, matchID string) error {
	if err := m.store.Delete(ctx, matchID); err != nil {
		return err
	}
	m.index.Remove(matchID)
	return nil
}

// Match は画像内の各顔について、しきい値以上の類似度を持つテンプレートを返します。
// 同じ照合 ID が複数の顔に当たった場合は最も高い類似度を採用します。
func (m *FaceMatcher) Match(ctx context.Context, image []byte) ([]biometric.Candidate, error) {
	resp, err := m.detect(ctx, image)
	if err != nil {
		return nil, err
	}

	best := make(map[string]float64)
	order := make([]string, 0)
	for _, face := range resp.Faces {
		hits, err := m.index.Search(face.Embedding, m.cfg.MaxCandidates)
		if err != nil {
			return nil, err
		}
		for _, hit := range hits {
			if hit.Similarity < m.cfg.Threshold {
				continue
			}
			prev, seen := best[hit.MatchID]
			if !seen {
				order = append(order, hit.MatchID)
			}
			if !seen || hit.Similarity > prev {
				best[hit.MatchID] = hit.Similarity
			}
		}
	}

	candidates := make([]biometric.Candidate, 0, len(order))
	for _, id := range order {
		candidates = append(candidates, biometric.Candidate{MatchID: id, Confidence: best[id]})
	}
	return candidates, nil
}

// Templates は探索対象のテンプレート数を返します。
func (m *FaceMatcher) Templates() int {
	return m.index.Len()
}

func (m *FaceMatcher) bestFace(ctx context.Context, image []byte) (FaceDetection, error) {
	resp, err := m.detect(ctx, image)
	if err != nil {
		return FaceDetection{}, err
	}
	if len(resp.Faces) == 0 {
		return FaceDetection{}, biometric.ErrNoFaceDetected
	}

	best := resp.Faces[0]
	for _, face := range resp.Faces[1:] {
		if face.DetScore > best.DetScore {
			best = face
		}
	}
	if len(best.Embedding) == 0 {
		return FaceDetection{}, biometric.ErrNoFaceDetected
	}
	return best, nil
}

func (m *FaceMatcher) detect(ctx context.Context, image []byte) (*FaceResponse, error) {
	scaled, err := imaging.Downscale(image, m.cfg.MaxImageSide, m.cfg.MaxPixels)
	if err != nil {
		return nil, err
	}
	return m.detector.DetectFaces(ctx, scaled)
}
