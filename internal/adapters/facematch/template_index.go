package facematch

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/coder/hnsw"
)

const hnswMaxNeighbors = 16

// ErrDimensionMismatch は埋め込みの次元がインデックスと一致しない場合に返却されます。
var ErrDimensionMismatch = errors.New("biometric: embedding dimension mismatch")

// Hit は近傍探索の結果です。Similarity はコサイン類似度です。
type Hit struct {
	MatchID    string
	Similarity float64
}

// TemplateIndex は登録済みテンプレートに対する HNSW 近傍探索インデックスです。
// hnsw.Graph は削除に対応しないため、生存キーの集合で結果を絞り込みます。
type TemplateIndex struct {
	mu    sync.RWMutex
	dim   int
	graph *hnsw.Graph[string]
	live  map[string][]float32
	dead  int
}

// NewTemplateIndex は dim 次元の空インデックスを生成します。dim が 0 の場合は最初の登録で決まります。
func NewTemplateIndex(dim int) *TemplateIndex {
	return &TemplateIndex{
		dim:  dim,
		live: make(map[string][]float32),
	}
}

func newGraph() *hnsw.Graph[string] {
	g := hnsw.NewGraph[string]()
	g.M = hnswMaxNeighbors
	g.Ml = 1.0 / float64(hnswMaxNeighbors)
	g.Distance = hnsw.CosineDistance
	return g
}

// Add はテンプレートを登録します。
func (x *TemplateIndex) Add(matchID string, embedding []float32) error {
	if len(embedding) == 0 {
		return fmt.Errorf("biometric: empty embedding for %s", matchID)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.dim == 0 {
		x.dim = len(embedding)
	}
	if len(embedding) != x.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(embedding), x.dim)
	}
	if _, ok := x.live[matchID]; ok {
		return nil
	}
	if x.graph == nil {
		x.graph = newGraph()
	}

	x.graph.Add(hnsw.MakeNode(matchID, embedding))
	x.live[matchID] = embedding
	return nil
}

// Remove はテンプレートを探索対象から外します。登録されていない場合は false を返します。
func (x *TemplateIndex) Remove(matchID string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.live[matchID]; !ok {
		return false
	}
	delete(x.live, matchID)
	x.dead++

	// 削除済みノードが生存ノード数を超えたらグラフを作り直す。
	if x.dead > len(x.live) {
		x.rebuildLocked()
	}
	return true
}

func (x *TemplateIndex) rebuildLocked() {
	x.dead = 0
	if len(x.live) == 0 {
		x.graph = nil
		return
	}
	g := newGraph()
	for id, emb := range x.live {
		g.Add(hnsw.MakeNode(id, emb))
	}
	x.graph = g
}

// Search は query に近い順に最大 k 件のテンプレートを返します。
func (x *TemplateIndex) Search(query []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.graph == nil || len(x.live) == 0 {
		return nil, nil
	}
	if len(query) != x.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(query), x.dim)
	}

	neighbors := x.graph.Search(query, min(k+x.dead, len(x.live)+x.dead))

	hits := make([]Hit, 0, len(neighbors))
	for _, n := range neighbors {
		emb, ok := x.live[n.Key]
		if !ok {
			continue
		}
		hits = append(hits, Hit{MatchID: n.Key, Similarity: cosineSimilarity(query, emb)})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Len は探索対象のテンプレート数を返します。
func (x *TemplateIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.live)
}

// IDs は探索対象の照合 ID のスナップショットを返します。
func (x *TemplateIndex) IDs() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	ids := make([]string, 0, len(x.live))
	for id := range x.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Dim はインデックスの次元を返します。
func (x *TemplateIndex) Dim() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.dim
}

// cosineSimilarity は hnsw のコサイン距離を類似度へ変換します。零ベクトルは 0 です。
func cosineSimilarity(a, b []float32) float64 {
	d := float64(hnsw.CosineDistance(a, b))
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return 0
	}
	return 1 - d
}
