package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ogurasousui/face-attendance/internal/core/attendance"
)

// RegistryHandler は勤怠記録管理 API の HTTP 実装です。
type RegistryHandler struct {
	svc attendance.UseCase
}

// NewRegistryHandler は RegistryHandler を生成します。
func NewRegistryHandler(svc attendance.UseCase) *RegistryHandler {
	return &RegistryHandler{svc: svc}
}

type registryResponse struct {
	ID         int64     `json:"id"`
	EmployeeID int64     `json:"employee_id"`
	Timestamp  time.Time `json:"timestamp"`
	Type       string    `json:"type"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"created_at"`
}

type listRegistriesResponse struct {
	Registries    []registryResponse `json:"registries"`
	NextPageToken string             `json:"next_page_token,omitempty"`
}

type createRegistryRequest struct {
	EmployeeID int64      `json:"employee_id"`
	Timestamp  *time.Time `json:"timestamp"`
	Type       string     `json:"type"`
}

type updateRegistryRequest struct {
	Timestamp *time.Time `json:"timestamp"`
	Type      *string    `json:"type"`
}

// List は勤怠記録を新しい順に返します。employee_id クエリで絞り込めます。
func (h *RegistryHandler) List(w http.ResponseWriter, r *http.Request) {
	var employeeID int64
	if raw := r.URL.Query().Get("employee_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			respondError(w, r, attendance.ErrInvalidEmployeeID)
			return
		}
		employeeID = id
	}
	h.list(w, r, employeeID)
}

// ListByEmployee はパスで指定した従業員の勤怠記録を返します。
func (h *RegistryHandler) ListByEmployee(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, r, err)
		return
	}
	h.list(w, r, id)
}

func (h *RegistryHandler) list(w http.ResponseWriter, r *http.Request, employeeID int64) {
	pageSize, err := queryInt(r, "page_size")
	if err != nil {
		respondError(w, r, err)
		return
	}

	result, err := h.svc.ListRegistries(r.Context(), attendance.ListRegistriesInput{
		EmployeeID: employeeID,
		PageSize:   pageSize,
		PageToken:  r.URL.Query().Get("page_token"),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, listRegistriesResponse{
		Registries:    toRegistryResponses(result.Registries),
		NextPageToken: result.NextPageToken,
	})
}

// Get は勤怠記録を取得します。
func (h *RegistryHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, r, err)
		return
	}

	found, err := h.svc.GetRegistry(r.Context(), attendance.GetRegistryInput{ID: id})
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, toRegistryResponse(found))
}

// Create は勤怠記録を手動で追加します。
func (h *RegistryHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRegistryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	created, err := h.svc.CreateManualRegistry(r.Context(), attendance.CreateManualRegistryInput{
		EmployeeID: req.EmployeeID,
		Timestamp:  req.Timestamp,
		Type:       req.Type,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, toRegistryResponse(created))
}

// Update は勤怠記録の時刻と種別を修正します。
func (h *RegistryHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, r, err)
		return
	}

	var req updateRegistryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	updated, err := h.svc.UpdateRegistry(r.Context(), attendance.UpdateRegistryInput{
		ID:        id,
		Timestamp: req.Timestamp,
		Type:      req.Type,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, toRegistryResponse(updated))
}

// Delete は勤怠記録を削除します。
func (h *RegistryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, r, err)
		return
	}

	if err := h.svc.DeleteRegistry(r.Context(), attendance.DeleteRegistryInput{ID: id}); err != nil {
		respondError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func toRegistryResponse(reg *attendance.Registry) registryResponse {
	return registryResponse{
		ID:         reg.ID,
		EmployeeID: reg.EmployeeID,
		Timestamp:  reg.Timestamp,
		Type:       string(reg.Type),
		Source:     string(reg.Source),
		CreatedAt:  reg.CreatedAt,
	}
}

func toRegistryResponses(regs []*attendance.Registry) []registryResponse {
	out := make([]registryResponse, 0, len(regs))
	for _, reg := range regs {
		out = append(out, toRegistryResponse(reg))
	}
	return out
}
