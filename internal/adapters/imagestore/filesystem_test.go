package imagestore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"

	"github.com/ogurasousui/face-attendance/internal/core/biometric"
)

func TestFilesystemStore_RoundTrip(t *testing.T) {
	t.Parallel()

	store, err := NewFilesystemStore(t.TempDir(), "http://localhost:8080")
	if err != nil {
		t.Fatalf("NewFilesystemStore returned error: %v", err)
	}
	ctx := context.Background()

	if err := store.Put(ctx, 7, []byte("first")); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if err := store.Put(ctx, 7, []byte("second")); err != nil {
		t.Fatalf("overwrite returned error: %v", err)
	}

	got, err := store.Get(ctx, 7)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if !bytes.Equal(got, []byte("second")) {
		t.Fatalf("unexpected content %q", got)
	}

	if err := store.Delete(ctx, 7); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if err := store.Delete(ctx, 7); err != nil {
		t.Fatalf("Delete must be idempotent, got %v", err)
	}
	if _, err := store.Get(ctx, 7); !errors.Is(err, biometric.ErrImageNotFound) {
		t.Fatalf("expected ErrImageNotFound, got %v", err)
	}
}

func TestFilesystemStore_LeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store, err := NewFilesystemStore(root, "")
	if err != nil {
		t.Fatalf("NewFilesystemStore returned error: %v", err)
	}
	if err := store.Put(context.Background(), 1, []byte("img")); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir returned error: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "1.img" {
		t.Fatalf("unexpected directory contents %v", entries)
	}
}

func TestFilesystemStore_HonoursCancellation(t *testing.T) {
	t.Parallel()

	store, err := NewFilesystemStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewFilesystemStore returned error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Put(ctx, 1, []byte("img")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestURLBuilder(t *testing.T) {
	t.Parallel()

	got := URLBuilder{BaseURL: "https://att.example.com"}.URLFor(42)
	if got != "https://att.example.com/api/v1/employees/42/image" {
		t.Fatalf("unexpected url %s", got)
	}
}
