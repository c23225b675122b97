package biometric

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ogurasousui/face-attendance/internal/core/apperr"
)

var (
	// ErrImageNotFound は参照画像が保存されていない場合に返却されます。
	ErrImageNotFound = fmt.Errorf("biometric: image %w", apperr.ErrNotFound)
	// ErrIndexConflict は従業員に既に顔インデックスが存在する場合に返却されます。
	ErrIndexConflict = errors.New("biometric: employee already has an index entry")
	// ErrNoFaceDetected は登録画像から顔を検出できなかった場合に返却されます。
	ErrNoFaceDetected = errors.New("biometric: no face detected")
	// ErrUnsupportedImage は照合器が扱えない画像形式の場合に返却されます。
	ErrUnsupportedImage = fmt.Errorf("biometric: unsupported image: %w", apperr.ErrInvalidInput)
)

// IndexEntry は照合 ID と従業員 ID の対応です。
type IndexEntry struct {
	MatchID    string
	EmployeeID int64
}

// Candidate は照合器が返す候補です。
type Candidate struct {
	MatchID    string
	Confidence float64
}

// Template は登録済みの顔テンプレート(埋め込みベクトル)です。
type Template struct {
	MatchID   string
	Embedding []float32
	DetScore  float64
	Model     string
	CreatedAt time.Time
}

// ImageStore は従業員 ID をキーとした参照画像の保存先です。
type ImageStore interface {
	Put(ctx context.Context, employeeID int64, data []byte) error
	// Get は保存済み画像を返します。存在しない場合は ErrImageNotFound を返します。
	Get(ctx context.Context, employeeID int64) ([]byte, error)
	// Delete は冪等です。存在しない画像の削除はエラーになりません。
	Delete(ctx context.Context, employeeID int64) error
	URLFor(employeeID int64) string
}

// Index は照合 ID から従業員 ID を引く顔インデックスです。
type Index interface {
	Put(ctx context.Context, entry IndexEntry) error
	// DeleteByEmployee は従業員のエントリを削除し、削除したエントリと有無を返します。
	DeleteByEmployee(ctx context.Context, employeeID int64) (IndexEntry, bool, error)
	Lookup(ctx context.Context, matchID string) (int64, bool, error)
}

// Enroller は顔テンプレートの登録と破棄を行う照合サービス側の窓口です。
type Enroller interface {
	Enroll(ctx context.Context, image []byte) (string, error)
	Forget(ctx context.Context, matchID string) error
}

// Matcher は画像に写る顔の照合候補を返します。
type Matcher interface {
	Match(ctx context.Context, image []byte) ([]Candidate, error)
}

// Resyncer は照合器のキャッシュを永続化先と突き合わせます。実際に同期した場合は true を返します。
type Resyncer interface {
	Resync(ctx context.Context) (bool, error)
}

// ImageInspector は画像が照合器で扱える形式かを判定し、形式名を返します。
type ImageInspector interface {
	Inspect(data []byte) (string, error)
}
