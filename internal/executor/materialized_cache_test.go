package executor

import (
	"os"
	"path/filepath"
	"testing"
)

// materializedDir creates a directory with three table files of size bytes each.
func materializedDir(t *testing.T, id string, size int) *Materialized {
	t.Helper()
	dir := filepath.Join(t.TempDir(), id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	m := &Materialized{SnapshotID: id, Dir: dir}
	for _, table := range []string{"essays", "prompts", "schools"} {
		p := filepath.Join(dir, table+".sqlite")
		if err := os.WriteFile(p, make([]byte, size), 0644); err != nil {
			t.Fatal(err)
		}
	}
	m.Essays = filepath.Join(dir, "essays.sqlite")
	m.Prompts = filepath.Join(dir, "prompts.sqlite")
	m.Schools = filepath.Join(dir, "schools.sqlite")
	return m
}

func TestMaterializedCache_AcquireAfterAdd(t *testing.T) {
	cache := NewMaterializedCache(1 << 20)

	if _, ok := cache.Acquire("s1"); ok {
		t.Fatal("expected miss on empty cache")
	}

	files := materializedDir(t, "s1", 100)
	cache.Add("s1", files, 300)

	got, ok := cache.Acquire("s1")
	if !ok || got != files {
		t.Fatalf("expected hit for s1, got %v %v", got, ok)
	}
	if cache.Len() != 1 || cache.Size() != 300 {
		t.Fatalf("expected 1 entry of 300 bytes, got %d entries of %d bytes", cache.Len(), cache.Size())
	}
}

func TestMaterializedCache_EvictsOnlyUnpinned(t *testing.T) {
	// room for two snapshots of 300 bytes
	cache := NewMaterializedCache(650)

	a := materializedDir(t, "a", 100)
	b := materializedDir(t, "b", 100)
	c := materializedDir(t, "c", 100)

	cache.Add("a", a, 300)
	cache.Add("b", b, 300)
	cache.Unpin("b")

	// "a" is pinned, so "b" goes even though "a" is older
	cache.Add("c", c, 300)

	if _, err := os.Stat(b.Dir); !os.IsNotExist(err) {
		t.Fatalf("expected %s removed, stat err = %v", b.Dir, err)
	}
	if _, err := os.Stat(a.Dir); err != nil {
		t.Fatalf("pinned dir removed: %v", err)
	}
	if _, ok := cache.Acquire("b"); ok {
		t.Fatal("expected b evicted")
	}
}

func TestMaterializedCache_RetireWaitsForUnpin(t *testing.T) {
	cache := NewMaterializedCache(1 << 20)
	files := materializedDir(t, "old", 10)

	cache.Add("old", files, 30)
	cache.Retire("old")

	if _, err := os.Stat(files.Dir); err != nil {
		t.Fatalf("retired dir removed while pinned: %v", err)
	}

	cache.Unpin("old")

	if _, err := os.Stat(files.Dir); !os.IsNotExist(err) {
		t.Fatalf("expected retired dir removed after unpin, stat err = %v", err)
	}
	if cache.Len() != 0 {
		t.Fatalf("expected empty cache, got %d", cache.Len())
	}
}

func TestMaterializedCache_StaleFilesMiss(t *testing.T) {
	cache := NewMaterializedCache(1 << 20)
	files := materializedDir(t, "s", 10)

	cache.Add("s", files, 30)
	cache.Unpin("s")

	os.Remove(files.Schools)

	if _, ok := cache.Acquire("s"); ok {
		t.Fatal("expected miss when a file vanished")
	}
	if cache.Len() != 0 {
		t.Fatalf("expected stale entry dropped, got %d", cache.Len())
	}
}

func TestMaterializedCache_InPlaceFilesNeverRemoved(t *testing.T) {
	cache := NewMaterializedCache(1)
	files := materializedDir(t, "local", 10)
	dir := files.Dir
	files.Dir = ""

	cache.Add("local", files, 0)
	cache.Unpin("local")
	cache.Retire("local")

	if _, err := os.Stat(files.Essays); err != nil {
		t.Fatalf("in-place file removed: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatal(err)
	}
}

func TestMaterializedCache_Clear(t *testing.T) {
	cache := NewMaterializedCache(1 << 20)
	pinned := materializedDir(t, "p", 10)
	free := materializedDir(t, "f", 10)

	cache.Add("p", pinned, 30)
	cache.Add("f", free, 30)
	cache.Unpin("f")

	cache.Clear()

	if cache.Len() != 1 {
		t.Fatalf("expected pinned entry to survive Clear, got %d entries", cache.Len())
	}
	if cache.Size() != 30 {
		t.Fatalf("expected 30 bytes, got %d", cache.Size())
	}
}

func TestMaterializedCache_PutDoesNotPin(t *testing.T) {
	// room for one snapshot of 300 bytes
	cache := NewMaterializedCache(400)

	a := materializedDir(t, "a", 100)
	b := materializedDir(t, "b", 100)

	cache.Put("a", a, 300)
	if _, ok := cache.Acquire("a"); !ok {
		t.Fatal("expected hit for a after Put")
	}
	cache.Unpin("a")

	// a is unpinned, so it makes room for b; b survives its own insertion
	cache.Put("b", b, 300)
	if _, ok := cache.Acquire("a"); ok {
		t.Fatal("expected a to be evicted")
	}
	if _, err := os.Stat(a.Dir); !os.IsNotExist(err) {
		t.Fatalf("expected %s removed, got %v", a.Dir, err)
	}
	if cache.Len() != 1 || cache.Size() != 300 {
		t.Fatalf("expected only b cached, got %d entries of %d bytes", cache.Len(), cache.Size())
	}

	// b was never pinned, so retiring removes it at once
	cache.Retire("b")
	if _, err := os.Stat(b.Dir); !os.IsNotExist(err) {
		t.Fatalf("expected %s removed, got %v", b.Dir, err)
	}
}
