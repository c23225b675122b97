package handler

import (
	"context"
	"net/http"
	"time"
)

// Pinger は依存先の疎通を確認します。
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler はヘルスチェックを提供します。
type HealthHandler struct {
	db Pinger
}

// NewHealthHandler は HealthHandler を生成します。db が nil の場合は常に ok を返します。
func NewHealthHandler(db Pinger) *HealthHandler {
	return &HealthHandler{db: db}
}

// Check は DB に到達できる場合に 200 を返します。
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
