package imagestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ogurasousui/face-attendance/internal/core/biometric"
)

// FilesystemStore はローカルディスクに参照画像を保存します。
type FilesystemStore struct {
	URLBuilder
	root string
}

var _ biometric.ImageStore = (*FilesystemStore)(nil)

// NewFilesystemStore は root 配下に保存する FilesystemStore を生成します。
func NewFilesystemStore(root, baseURL string) (*FilesystemStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("imagestore: create root %s: %w", root, err)
	}
	return &FilesystemStore{URLBuilder: URLBuilder{BaseURL: baseURL}, root: root}, nil
}

// Put は画像を一時ファイルへ書き込んでから置き換えます。
func (s *FilesystemStore) Put(ctx context.Context, employeeID int64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return fmt.Errorf("imagestore: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("imagestore: write image %d: %w", employeeID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("imagestore: close image %d: %w", employeeID, err)
	}

	if err := os.Rename(tmpName, s.path(employeeID)); err != nil {
		return fmt.Errorf("imagestore: publish image %d: %w", employeeID, err)
	}
	return nil
}

// Get は保存済みの画像を返します。
func (s *FilesystemStore) Get(ctx context.Context, employeeID int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(employeeID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, biometric.ErrImageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("imagestore: read image %d: %w", employeeID, err)
	}
	return data, nil
}

// Delete は画像を削除します。
func (s *FilesystemStore) Delete(ctx context.Context, employeeID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := os.Remove(s.path(employeeID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("imagestore: delete image %d: %w", employeeID, err)
	}
	return nil
}

func (s *FilesystemStore) path(employeeID int64) string {
	return filepath.Join(s.root, objectName(employeeID))
}
