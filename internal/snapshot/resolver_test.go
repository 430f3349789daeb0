package snapshot_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/essaylake/essaylake/internal/errors"
	"github.com/essaylake/essaylake/internal/snapshot"
	"github.com/essaylake/essaylake/internal/snapshot/snapshottest"
	"github.com/essaylake/essaylake/internal/storage"
)

const (
	ts1 = "20240101_000000"
	ts2 = "20240201_000000"
	ts8 = "20240801_000000"
	ts9 = "20240901_000000"
)

// touch creates empty objects with the given names inside dir.
func touch(t *testing.T, store storage.ObjectStorage, dir string, names ...string) {
	t.Helper()
	src := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(src, nil, 0644))
	for _, n := range names {
		require.NoError(t, store.Upload(context.Background(), src, storage.Join(dir, n)))
	}
}

func triplet(prefix, ts, ext string) []string {
	return []string{
		snapshot.FileName(prefix, ts, "essays", ext),
		snapshot.FileName(prefix, ts, "prompts", ext),
		snapshot.FileName(prefix, ts, "schools", ext),
	}
}

func TestResolve_PicksLatestTimestamp(t *testing.T) {
	store := snapshottest.NewStore(t)
	touch(t, store, "data_dump", triplet("collegeessays", "20240101_000000", "sqlite")...)
	touch(t, store, "data_dump", triplet("collegeessays", "20240201_000000", "sqlite")...)

	snap, err := snapshot.NewResolver(store).Resolve(context.Background(), "data_dump", "collegeessays")
	require.NoError(t, err)

	assert.Equal(t, "20240201_000000", snap.Timestamp)
	assert.Equal(t, "data_dump/collegeessays_20240201_000000_essays.sqlite", snap.Essays)
	assert.Equal(t, "data_dump/collegeessays_20240201_000000_prompts.sqlite", snap.Prompts)
	assert.Equal(t, "data_dump/collegeessays_20240201_000000_schools.sqlite", snap.Schools)
}

func TestResolve_NotFound(t *testing.T) {
	store := snapshottest.NewStore(t)
	touch(t, store, "data_dump", "readme.txt", "other_1_essays.sqlite")

	_, err := snapshot.NewResolver(store).Resolve(context.Background(), "data_dump", "collegeessays")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSnapshotNotFound)
}

func TestResolve_MissingDirectoryIsNotFound(t *testing.T) {
	store := snapshottest.NewStore(t)

	_, err := snapshot.NewResolver(store).Resolve(context.Background(), "nowhere", "collegeessays")
	assert.ErrorIs(t, err, errors.ErrSnapshotNotFound)
}

func TestResolve_IncompleteLatest(t *testing.T) {
	store := snapshottest.NewStore(t)
	touch(t, store, "d", triplet("p", ts1, "sqlite")...)
	touch(t, store, "d", snapshot.FileName("p", ts2, "essays", "sqlite"))

	_, err := snapshot.NewResolver(store).Resolve(context.Background(), "d", "p")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrIncompleteSnapshot)
	assert.ElementsMatch(t, []string{"prompts", "schools"}, errors.GetDetails(err)["missing"])
}

func TestResolve_FallbackToComplete(t *testing.T) {
	store := snapshottest.NewStore(t)
	touch(t, store, "d", triplet("p", ts1, "sqlite")...)
	touch(t, store, "d", snapshot.FileName("p", ts2, "essays", "sqlite"))

	snap, err := snapshot.NewResolver(store, snapshot.WithFallback(true)).Resolve(context.Background(), "d", "p")
	require.NoError(t, err)
	assert.Equal(t, ts1, snap.Timestamp)
}

func TestResolve_PrefersCompressed(t *testing.T) {
	store := snapshottest.NewStore(t)
	touch(t, store, "d", triplet("p", ts1, "sqlite")...)
	touch(t, store, "d", snapshot.FileName("p", ts1, "essays", "sqlite.sz"))

	snap, err := snapshot.NewResolver(store).Resolve(context.Background(), "d", "p")
	require.NoError(t, err)
	assert.Equal(t, "d/p_"+ts1+"_essays.sqlite.sz", snap.Essays)
	assert.Equal(t, "d/p_"+ts1+"_prompts.sqlite", snap.Prompts)
}

func TestResolve_EmptyPrefix(t *testing.T) {
	store := snapshottest.NewStore(t)
	touch(t, store, "", triplet("", "20240105_101010", "sqlite")...)
	touch(t, store, "", "notes.md")

	snap, err := snapshot.NewResolver(store).Resolve(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, "20240105_101010", snap.Timestamp)
	assert.Equal(t, "20240105_101010_essays.sqlite", snap.Essays)
}

func TestResolve_PrefixDoesNotMatchLongerPrefix(t *testing.T) {
	store := snapshottest.NewStore(t)
	touch(t, store, "d", triplet("prod", ts1, "sqlite")...)
	touch(t, store, "d", triplet("prod_test", ts2, "sqlite")...)

	resolver := snapshot.NewResolver(store)
	snap, err := resolver.Resolve(context.Background(), "d", "prod")
	require.NoError(t, err)
	assert.Equal(t, ts1, snap.Timestamp)
	assert.Equal(t, "d/prod_"+ts1+"_essays.sqlite", snap.Essays)

	snap, err = resolver.Resolve(context.Background(), "d", "prod_test")
	require.NoError(t, err)
	assert.Equal(t, ts2, snap.Timestamp)

	entries, err := resolver.Inventory(context.Background(), "d", "prod")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ts1, entries[0].Timestamp)
}

func TestResolve_EmptyPrefixIgnoresPrefixedFiles(t *testing.T) {
	store := snapshottest.NewStore(t)
	touch(t, store, "d", triplet("", ts1, "sqlite")...)
	touch(t, store, "d", triplet("prod", ts2, "sqlite")...)
	touch(t, store, "d", snapshot.FileName("", "1", "essays", "sqlite"))

	snap, err := snapshot.NewResolver(store).Resolve(context.Background(), "d", "")
	require.NoError(t, err)
	assert.Equal(t, ts1, snap.Timestamp)
	assert.Equal(t, "d/"+ts1+"_schools.sqlite", snap.Schools)
}

func TestValidTimestamp(t *testing.T) {
	assert.True(t, snapshot.ValidTimestamp("20240105_101010"))
	for _, ts := range []string{"", "1", "2024010_101010", "20240105101010", "test_20240105_101010", "20241305_101010", "20240105_101010_x"} {
		assert.False(t, snapshot.ValidTimestamp(ts), ts)
	}
}

func TestResolve_IgnoresUnknownExtensionAndNested(t *testing.T) {
	store := snapshottest.NewStore(t)
	touch(t, store, "d", triplet("p", ts1, "sqlite")...)
	touch(t, store, "d", triplet("p", ts9, "parquet")...)
	touch(t, store, "d/archive", triplet("p", ts8, "sqlite")...)

	snap, err := snapshot.NewResolver(store).Resolve(context.Background(), "d", "p")
	require.NoError(t, err)
	assert.Equal(t, ts1, snap.Timestamp)
}

func TestInventory(t *testing.T) {
	store := snapshottest.NewStore(t)
	touch(t, store, "d", triplet("p", ts1, "sqlite")...)
	touch(t, store, "d", snapshot.FileName("p", ts2, "schools", "sqlite"))

	entries, err := snapshot.NewResolver(store).Inventory(context.Background(), "d", "p")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ts2, entries[0].Timestamp)
	assert.Equal(t, []string{"essays", "prompts"}, entries[0].Missing)
	assert.Equal(t, ts1, entries[1].Timestamp)
	assert.Empty(t, entries[1].Missing)
	assert.Len(t, entries[1].Files, 3)
}

// TestProperty_LatestTimestampWins checks that for any two complete
// snapshots the lexicographically greater timestamp is resolved.
func TestProperty_LatestTimestampWins(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("greater timestamp is resolved", prop.ForAll(
		func(a, b int64) bool {
			if a == b {
				b++
			}
			t1 := snapshot.FormatTimestamp(time.Unix(a, 0))
			t2 := snapshot.FormatTimestamp(time.Unix(b, 0))

			store, err := storage.NewLocalStorage(t.TempDir())
			if err != nil {
				return false
			}
			touch(t, store, "d", triplet("x", t1, "sqlite")...)
			touch(t, store, "d", triplet("x", t2, "sqlite.sz")...)

			snap, err := snapshot.NewResolver(store).Resolve(context.Background(), "d", "x")
			if err != nil {
				return false
			}
			want := t1
			if t2 > t1 {
				want = t2
			}
			return snap.Timestamp == want
		},
		gen.Int64Range(0, 4102444800),
		gen.Int64Range(0, 4102444800),
	))

	properties.TestingRun(t)
}
