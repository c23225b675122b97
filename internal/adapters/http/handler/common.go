package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ogurasousui/face-attendance/internal/core/apperr"
)

const (
	// maxUploadSize は 1 リクエストで受け付ける画像の最大サイズです。
	maxUploadSize = 10 << 20
	imageField    = "image"
	dateLayout    = "2006-01-02"
)

var (
	errInvalidRequestBody = fmt.Errorf("invalid request body: %w", apperr.ErrValidation)
	errInvalidPathID      = fmt.Errorf("invalid id: %w", apperr.ErrValidation)
)

type errorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	Outcome string `json:"outcome,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondError はエラー分類に応じたステータスコードで JSON を返します。
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Printf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	respondJSON(w, status, toErrorResponse(err))
}

func toErrorResponse(err error) errorResponse {
	resp := errorResponse{Error: err.Error(), Kind: apperr.KindName(err)}
	if outcome, ok := apperr.OutcomeOf(err); ok {
		resp.Outcome = string(outcome)
	}
	return resp
}

func statusFor(err error) int {
	switch apperr.Kind(err) {
	case apperr.ErrValidation:
		return http.StatusBadRequest
	case apperr.ErrNotFound, apperr.ErrNoMatch:
		return http.StatusNotFound
	case apperr.ErrInvalidInput, apperr.ErrEnrollment:
		return http.StatusUnprocessableEntity
	case apperr.ErrStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errInvalidPathID
	}
	return id, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", name, apperr.ErrValidation)
	}
	return v, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errInvalidRequestBody, err)
	}
	return nil
}

// parseForm は multipart と urlencoded の両方のフォームを解析します。
func parseForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var err error
	if mediaType == "multipart/form-data" {
		err = r.ParseMultipartForm(maxUploadSize)
	} else {
		err = r.ParseForm()
	}
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidRequestBody, err)
	}
	return nil
}

// formImage はフォームの image パートを返します。パートがない場合は nil を返します。
func formImage(r *http.Request) ([]byte, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}
	file, _, err := r.FormFile(imageField)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidRequestBody, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidRequestBody, err)
	}
	return data, nil
}

// requestImage は multipart の image パート、または image/* の生ボディを返します。
func requestImage(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "image/") || mediaType == "application/octet-stream" {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadSize))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errInvalidRequestBody, err)
		}
		return data, nil
	}

	if err := parseForm(w, r); err != nil {
		return nil, err
	}
	return formImage(r)
}

func formValue(r *http.Request, key string) (string, bool) {
	values, ok := r.PostForm[key]
	if !ok || len(values) == 0 {
		return "", false
	}
	return strings.TrimSpace(values[0]), true
}

func formPointer(r *http.Request, key string) *string {
	v, ok := formValue(r, key)
	if !ok {
		return nil
	}
	return &v
}
