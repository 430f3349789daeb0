package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestBatchDownloader_DownloadsAndReuses(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	ctx := context.Background()
	src := writeFile(t, t.TempDir(), "src", "content")
	paths := []string{"dump/s_1_essays.sqlite", "dump/s_1_prompts.sqlite", "dump/s_1_schools.sqlite"}
	for _, p := range paths {
		if err := storage.Upload(ctx, src, p); err != nil {
			t.Fatalf("Upload failed for %s: %v", p, err)
		}
	}

	dest := t.TempDir()
	downloader := NewBatchDownloader(storage, 2)

	result, err := downloader.Download(ctx, paths, dest)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if result.Downloads != len(paths) || result.CacheHits != 0 {
		t.Errorf("first pass: downloads=%d hits=%d", result.Downloads, result.CacheHits)
	}
	for _, p := range paths {
		local := result.LocalPaths[p]
		if filepath.Dir(local) != dest {
			t.Errorf("%s landed at %s", p, local)
		}
		if _, err := os.Stat(local); err != nil {
			t.Errorf("missing local file for %s: %v", p, err)
		}
	}

	result, err = downloader.Download(ctx, paths, dest)
	if err != nil {
		t.Fatalf("second Download failed: %v", err)
	}
	if result.CacheHits != len(paths) || result.Downloads != 0 {
		t.Errorf("second pass: downloads=%d hits=%d", result.Downloads, result.CacheHits)
	}
}

func TestBatchDownloader_MissingObject(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	downloader := NewBatchDownloader(storage, 4)
	_, err = downloader.Download(context.Background(), []string{"dump/absent.sqlite"}, t.TempDir())
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestBatchDownloader_Empty(t *testing.T) {
	downloader := NewBatchDownloader(nil, 1)
	result, err := downloader.Download(context.Background(), nil, t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.LocalPaths) != 0 {
		t.Errorf("expected no paths, got %v", result.LocalPaths)
	}
}
