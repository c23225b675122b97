package facematch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/ogurasousui/face-attendance/internal/core/biometric"
)

const (
	defaultEmbeddingModel = "buffalo_l"
	maxErrorBody          = 4 << 10
)

// EmbeddingClient は顔埋め込みサーバーの HTTP クライアントです。
type EmbeddingClient struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewEmbeddingClient は EmbeddingClient を生成します。timeout が 0 の場合はタイムアウトを設定しません。
func NewEmbeddingClient(baseURL, model string, timeout time.Duration) *EmbeddingClient {
	if model == "" {
		model = defaultEmbeddingModel
	}
	return &EmbeddingClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

// FaceDetection は検出された顔 1 件分の埋め込みです。
type FaceDetection struct {
	FaceIndex int       `json:"face_index"`
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"`
	DetScore  float64   `json:"det_score"`
}

// FaceResponse は /embed/face の応答です。
type FaceResponse struct {
	FacesCount int             `json:"faces_count"`
	Faces      []FaceDetection `json:"faces"`
	Model      string          `json:"model"`
}

// Model は利用するモデル名を返します。
func (c *EmbeddingClient) Model() string {
	return c.model
}

// DetectFaces は画像内の顔を検出し、それぞれの埋め込みを返します。
func (c *EmbeddingClient) DetectFaces(ctx context.Context, image []byte) (*FaceResponse, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="image"`)
	h.Set("Content-Type", http.DetectContentType(image))
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("embedding: create form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("embedding: write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("embedding: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed/face", &buf)
	if err != nil {
		return nil, fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnsupportedMediaType,
		resp.StatusCode == http.StatusUnprocessableEntity:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%w: embedding server rejected image (status %d): %s",
			biometric.ErrUnsupportedImage, resp.StatusCode, strings.TrimSpace(string(body)))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("embedding: API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var faceResp FaceResponse
	if err := json.NewDecoder(resp.Body).Decode(&faceResp); err != nil {
		return nil, fmt.Errorf("embedding: parse response: %w", err)
	}
	return &faceResp, nil
}
