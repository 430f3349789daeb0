package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"
)

// BatchDownloader fetches the files of one snapshot in parallel.
// Snapshot files are immutable once published, so a file already present
// at its destination is reused without contacting storage.
type BatchDownloader struct {
	storage     ObjectStorage
	concurrency int
}

// BatchResult contains the outcome of a batch download.
type BatchResult struct {
	// LocalPaths maps object path to local path for every requested object.
	LocalPaths map[string]string
	CacheHits  int
	Downloads  int
}

// NewBatchDownloader creates a new batch downloader.
func NewBatchDownloader(storage ObjectStorage, concurrency int) *BatchDownloader {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &BatchDownloader{
		storage:     storage,
		concurrency: concurrency,
	}
}

// Download copies every object into destDir under its base name.
// The first failure is returned; objects fetched before it stay on disk.
func (b *BatchDownloader) Download(ctx context.Context, objectPaths []string, destDir string) (*BatchResult, error) {
	result := &BatchResult{LocalPaths: make(map[string]string, len(objectPaths))}
	if len(objectPaths) == 0 {
		return result, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(b.concurrency))
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	for _, objectPath := range objectPaths {
		local := filepath.Join(destDir, path.Base(objectPath))
		if _, err := os.Stat(local); err == nil {
			result.LocalPaths[objectPath] = local
			result.CacheHits++
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			break
		}

		wg.Add(1)
		go func(objectPath, local string) {
			defer sem.Release(1)
			defer wg.Done()

			err := b.storage.Download(ctx, objectPath, local)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("%s: %w", objectPath, err)
					cancel()
				}
				return
			}
			result.LocalPaths[objectPath] = local
			result.Downloads++
		}(objectPath, local)
	}

	wg.Wait()

	if firstErr != nil {
		return result, firstErr
	}
	return result, nil
}
