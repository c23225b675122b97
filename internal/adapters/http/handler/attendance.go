package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/ogurasousui/face-attendance/internal/core/attendance"
)

// Resolver は画像から勤怠記録を作成します。
type Resolver interface {
	Resolve(ctx context.Context, image []byte) ([]*attendance.Registry, error)
}

// AttendanceHandler は顔認識による打刻 API の HTTP 実装です。
type AttendanceHandler struct {
	resolver Resolver
}

// NewAttendanceHandler は AttendanceHandler を生成します。
func NewAttendanceHandler(resolver Resolver) *AttendanceHandler {
	return &AttendanceHandler{resolver: resolver}
}

type recognizeResponse struct {
	Registries []registryResponse `json:"registries"`
}

type failedWriteResponse struct {
	EmployeeID int64  `json:"employee_id"`
	Error      string `json:"error"`
}

type partialWriteResponse struct {
	errorResponse
	Registries []registryResponse    `json:"registries"`
	Failed     []failedWriteResponse `json:"failed"`
}

// Recognize は画像に写る従業員ごとに入室/退室を記録します。
func (h *AttendanceHandler) Recognize(w http.ResponseWriter, r *http.Request) {
	image, err := requestImage(w, r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	regs, err := h.resolver.Resolve(r.Context(), image)
	if err != nil {
		var partial *attendance.PartialWriteError
		if errors.As(err, &partial) {
			resp := partialWriteResponse{
				errorResponse: toErrorResponse(err),
				Registries:    toRegistryResponses(partial.Written),
				Failed:        make([]failedWriteResponse, 0, len(partial.Failed)),
			}
			for _, f := range partial.Failed {
				resp.Failed = append(resp.Failed, failedWriteResponse{EmployeeID: f.EmployeeID, Error: f.Err.Error()})
			}
			respondJSON(w, statusFor(err), resp)
			return
		}
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, recognizeResponse{Registries: toRegistryResponses(regs)})
}
