package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	apperrors "github.com/isamap/isamap/internal/errors"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshot.bin")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	return path
}

func TestLocalStorage_UploadDownload(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()
	srcPath := writeFile(t, "hello world")

	objectPath := "snapshots/one.snap"
	etag, err := storage.Upload(ctx, srcPath, objectPath)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	// md5("hello world")
	if etag != "5eb63bbbe01eeed093cb22bb8f5acdc3" {
		t.Errorf("unexpected ETag %q", etag)
	}

	exists, err := storage.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("expected object to exist")
	}

	dstPath := filepath.Join(t.TempDir(), "nested", "downloaded.snap")
	if err := storage.Download(ctx, objectPath, dstPath); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	downloaded, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if string(downloaded) != "hello world" {
		t.Errorf("content mismatch: got %q", downloaded)
	}

	if err := storage.Delete(ctx, objectPath); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	exists, err = storage.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists after delete failed: %v", err)
	}
	if exists {
		t.Error("expected object to not exist after delete")
	}
	if err := storage.Delete(ctx, objectPath); err != nil {
		t.Errorf("deleting a missing object should succeed, got %v", err)
	}
}

func TestLocalStorage_UploadOverwrites(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()

	first, err := storage.Upload(ctx, writeFile(t, "v1"), "db.snap")
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	second, err := storage.Upload(ctx, writeFile(t, "v2"), "db.snap")
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if first == second {
		t.Error("different content should produce different ETags")
	}

	objects, err := storage.ListObjects(ctx, "")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if len(objects) != 1 || objects[0] != "db.snap" {
		t.Errorf("expected only db.snap, got %v", objects)
	}
}

func TestLocalStorage_DownloadNotFound(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	err = storage.Download(context.Background(), "nonexistent/object.snap", filepath.Join(t.TempDir(), "x"))
	if !IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
	if apperrors.GetCode(err) != apperrors.CodeObjectNotFound {
		t.Errorf("expected %s code, got %q", apperrors.CodeObjectNotFound, apperrors.GetCode(err))
	}
	if apperrors.IsRetryable(err) {
		t.Error("a missing object should not be retryable")
	}
}

func TestLocalStorage_UploadMissingSource(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	_, err = storage.Upload(context.Background(), filepath.Join(t.TempDir(), "absent"), "db.snap")
	if apperrors.GetCode(err) != apperrors.CodeUploadFailed {
		t.Errorf("expected %s, got %v", apperrors.CodeUploadFailed, err)
	}
}

func TestLocalStorage_ListObjects(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()
	src := writeFile(t, "x")

	for _, key := range []string{"b/2.snap", "a/1.snap", "b/1.snap", "c.snap"} {
		if _, err := storage.Upload(ctx, src, key); err != nil {
			t.Fatalf("Upload %s failed: %v", key, err)
		}
	}

	objects, err := storage.ListObjects(ctx, "b/")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if len(objects) != 2 || objects[0] != "b/1.snap" || objects[1] != "b/2.snap" {
		t.Errorf("unexpected listing %v", objects)
	}

	objects, err = storage.ListObjects(ctx, "zzz")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if len(objects) != 0 {
		t.Errorf("expected empty listing, got %v", objects)
	}
}

func TestLocalStorage_CancelledContext(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := storage.Upload(ctx, writeFile(t, "x"), "db.snap"); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if _, err := storage.Exists(ctx, "db.snap"); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
