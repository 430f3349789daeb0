package executor

import (
	"context"
	stderrors "errors"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/essaylake/essaylake/internal/errors"
	"github.com/essaylake/essaylake/internal/snapshot"
	"github.com/essaylake/essaylake/internal/storage"
)

// Materialized holds local, uncompressed SQLite files of one snapshot.
type Materialized struct {
	SnapshotID string
	// Dir is the directory owned by the materializer; empty when every
	// file is read in place from local storage
	Dir     string
	Essays  string
	Prompts string
	Schools string
}

// Paths returns the local file paths in table order.
func (m *Materialized) Paths() []string {
	return []string{m.Essays, m.Prompts, m.Schools}
}

// localPather is implemented by storages whose objects are plain files.
type localPather interface {
	LocalPath(objectPath string) string
}

// Materializer makes snapshot files available as local SQLite databases:
// remote objects are downloaded, Snappy files are decompressed, and plain
// files of local storage are used in place.
type Materializer struct {
	store      storage.ObjectStorage
	downloader *storage.BatchDownloader
	baseDir    string
	cache      *MaterializedCache
	group      singleflight.Group
	log        zerolog.Logger
}

// NewMaterializer creates a materializer working under baseDir that keeps
// at most maxBytes of materialized files not in use.
func NewMaterializer(store storage.ObjectStorage, baseDir string, maxBytes int64, log zerolog.Logger) *Materializer {
	return &Materializer{
		store:      store,
		downloader: storage.NewBatchDownloader(store, 3),
		baseDir:    baseDir,
		cache:      NewMaterializedCache(maxBytes),
		log:        log,
	}
}

// maxMaterializeAttempts bounds how often Acquire materializes files that
// other snapshots' evictions removed before they could be pinned.
const maxMaterializeAttempts = 3

type materializeResult struct {
	files *Materialized
	size  int64
}

// Acquire returns the local files of snap. Callers must Release the
// snapshot id when done so its files can be reclaimed.
func (m *Materializer) Acquire(ctx context.Context, snap *snapshot.Snapshot) (*Materialized, error) {
	id := snap.ID()
	for attempt := 0; attempt < maxMaterializeAttempts; attempt++ {
		if files, ok := m.cache.Acquire(id); ok {
			return files, nil
		}

		// The files are recorded inside the shared call so they stay
		// tracked even when every waiter has given up.
		ch := m.group.DoChan(id, func() (interface{}, error) {
			r, err := m.materialize(context.WithoutCancel(ctx), snap)
			if err != nil {
				return nil, err
			}
			m.cache.Put(id, r.files, r.size)
			return r, nil
		})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
		}
	}

	return nil, errors.NewStorageError(errors.CodeDownloadFailed, "materialized files were evicted before use", nil).
		WithDetails(map[string]interface{}{"snapshot": id})
}

// Release unpins the files of a snapshot id.
func (m *Materializer) Release(id string) {
	m.cache.Unpin(id)
}

// Retire drops the files of a superseded snapshot once unused.
func (m *Materializer) Retire(id string) {
	m.cache.Retire(id)
}

// Cache exposes the materialized cache for statistics.
func (m *Materializer) Cache() *MaterializedCache {
	return m.cache
}

func (m *Materializer) materialize(ctx context.Context, snap *snapshot.Snapshot) (*materializeResult, error) {
	id := snap.ID()
	dir := filepath.Join(m.baseDir, id)
	rawDir := filepath.Join(dir, "raw")

	inPlace, _ := m.store.(localPather)

	finals := make([]string, 0, 3)
	ownedFiles := make([]bool, 0, 3)
	var fetch []string
	for _, obj := range snap.Files() {
		name := path.Base(obj)
		final, own := filepath.Join(dir, name), true
		switch {
		case snapshot.IsCompressed(name):
			final = filepath.Join(dir, strings.TrimSuffix(name, snapshot.CompressedSuffix))
		case inPlace != nil:
			final, own = inPlace.LocalPath(obj), false
		}
		finals = append(finals, final)
		ownedFiles = append(ownedFiles, own)

		if _, err := os.Stat(final); err != nil {
			if !own {
				return nil, errors.NewStorageError(errors.CodeObjectNotFound, "snapshot file disappeared", err).
					WithDetails(map[string]interface{}{"snapshot": id, "object": obj})
			}
			fetch = append(fetch, obj)
		}
	}

	if len(fetch) > 0 {
		res, err := m.downloader.Download(ctx, fetch, rawDir)
		if err != nil {
			code := errors.CodeDownloadFailed
			if stderrors.Is(err, storage.ErrObjectNotFound) {
				code = errors.CodeObjectNotFound
			}
			return nil, errors.NewStorageError(code, "failed to fetch snapshot files", err).
				WithDetails(map[string]interface{}{"snapshot": id})
		}

		for _, obj := range fetch {
			raw := res.LocalPaths[obj]
			name := path.Base(obj)
			if snapshot.IsCompressed(name) {
				final := filepath.Join(dir, strings.TrimSuffix(name, snapshot.CompressedSuffix))
				if _, err := snapshot.DecompressFile(raw, final); err != nil {
					os.Remove(raw)
					return nil, errors.NewStorageError(errors.CodeDecodeFailed, "failed to decompress snapshot file", err).
						WithDetails(map[string]interface{}{"snapshot": id, "object": obj})
				}
				os.Remove(raw)
				continue
			}
			if err := os.Rename(raw, filepath.Join(dir, name)); err != nil {
				return nil, errors.NewStorageError(errors.CodeDownloadFailed, "failed to place snapshot file", err)
			}
		}
		os.Remove(rawDir)

		m.log.Info().
			Str("snapshot", id).
			Int("fetched", len(fetch)).
			Msg("snapshot materialized")
	}

	files := &Materialized{
		SnapshotID: id,
		Essays:     finals[0],
		Prompts:    finals[1],
		Schools:    finals[2],
	}

	var size int64
	for i, f := range finals {
		if !ownedFiles[i] {
			continue
		}
		files.Dir = dir
		if info, err := os.Stat(f); err == nil {
			size += info.Size()
		}
	}

	return &materializeResult{files: files, size: size}, nil
}
