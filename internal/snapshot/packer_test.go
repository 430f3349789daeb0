package snapshot_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/essaylake/essaylake/internal/snapshot"
	"github.com/essaylake/essaylake/internal/snapshot/snapshottest"
)

func countRows(t *testing.T, path, table string) int {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestPacker_PlainFiles(t *testing.T) {
	out := t.TempDir()
	res, err := snapshot.NewPacker(out, false).Pack(context.Background(), "collegeessays", "20240110_000000", snapshottest.Rich())
	require.NoError(t, err)

	assert.Equal(t, 7, res.Rows["essays"])
	assert.Equal(t, 4, res.Rows["prompts"])
	assert.Equal(t, 4, res.Rows["schools"])
	assert.Equal(t, filepath.Join(out, "collegeessays_20240110_000000_essays.sqlite"), res.Files["essays"])
	assert.Positive(t, res.SizeBytes)

	assert.Equal(t, 7, countRows(t, res.Files["essays"], "essays"))

	db, err := sql.Open("sqlite3", "file:"+res.Files["essays"]+"?mode=ro")
	require.NoError(t, err)
	defer db.Close()

	var schoolIDs sql.NullString
	require.NoError(t, db.QueryRow("SELECT school_ids FROM essays WHERE author_id = 'a4'").Scan(&schoolIDs))
	assert.Equal(t, "[]", schoolIDs.String)
	require.NoError(t, db.QueryRow("SELECT school_ids FROM essays WHERE author_id = 'a5'").Scan(&schoolIDs))
	assert.False(t, schoolIDs.Valid)

	var created int64
	require.NoError(t, db.QueryRow("SELECT created_date FROM essays WHERE author_id = 'a1'").Scan(&created))
	assert.Equal(t, snapshottest.Rich().Essays[0].CreatedDate.UnixMilli(), created)
}

func TestPacker_CompressedRoundTrip(t *testing.T) {
	out := t.TempDir()
	res, err := snapshot.NewPacker(out, true).Pack(context.Background(), "", "20240101_000000", snapshottest.WorkedExample())
	require.NoError(t, err)

	compressed := res.Files["schools"]
	assert.True(t, snapshot.IsCompressed(compressed))
	assert.NoFileExists(t, filepath.Join(out, "20240101_000000_schools.sqlite"))

	plain := filepath.Join(t.TempDir(), "schools.sqlite")
	_, err = snapshot.DecompressFile(compressed, plain)
	require.NoError(t, err)
	assert.Equal(t, 2, countRows(t, plain, "schools"))
}

func TestPacker_PublishAndPrune(t *testing.T) {
	store := snapshottest.NewStore(t)
	for _, ts := range []string{"20240101_000000", "20240102_000000", "20240103_000000"} {
		snapshottest.Publish(t, store, "dump", "p", ts, snapshottest.WorkedExample(), false)
	}

	resolver := snapshot.NewResolver(store)
	deleted, err := snapshot.Prune(context.Background(), store, resolver, "dump", "p", 2)
	require.NoError(t, err)
	assert.Len(t, deleted, 3)

	entries, err := resolver.Inventory(context.Background(), "dump", "p")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "20240103_000000", entries[0].Timestamp)
	assert.Equal(t, "20240102_000000", entries[1].Timestamp)

	_, err = snapshot.Prune(context.Background(), store, resolver, "dump", "p", 0)
	assert.Error(t, err)
}

func TestPacker_RejectsBadTimestamp(t *testing.T) {
	for _, ts := range []string{"", "a/b", "1", "2024-01-01", "20241301_000000", "test_20240101_000000"} {
		_, err := snapshot.NewPacker(t.TempDir(), false).Pack(context.Background(), "p", ts, snapshottest.WorkedExample())
		assert.Error(t, err, ts)
	}
}
