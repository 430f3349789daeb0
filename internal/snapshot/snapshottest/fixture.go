// Package snapshottest provides snapshot fixtures for tests.
package snapshottest

import (
	"context"
	"testing"
	"time"

	"github.com/essaylake/essaylake/internal/snapshot"
	"github.com/essaylake/essaylake/internal/storage"
	"github.com/essaylake/essaylake/pkg/types"
)

func strPtr(s string) *string { return &s }

func day(d int) time.Time {
	return time.Date(2024, time.January, d, 12, 0, 0, 0, time.UTC)
}

// WorkedExample is one Common App essay linked to Stanford and MIT.
func WorkedExample() *snapshot.Dataset {
	return &snapshot.Dataset{
		Essays: []types.Essay{
			{
				AuthorID:     "a1",
				WordCount:    640,
				CreatedDate:  day(10),
				LastModified: day(11),
				PromptID:     strPtr("p1"),
				SchoolIDs:    []int64{10, 20},
			},
		},
		Prompts: []types.Prompt{
			{PromptID: "p1", Application: types.ApplicationCommonApp, PromptText: "Describe a challenge"},
		},
		Schools: []types.School{
			{SchoolID: 10, SchoolName: "Stanford"},
			{SchoolID: 20, SchoolName: "MIT"},
		},
	}
}

// Rich covers the edge cases: missing prompts, dangling prompt ids, empty
// and null school lists, and LIKE metacharacters in names. Essays are
// created on descending days, a1 newest.
func Rich() *snapshot.Dataset {
	return &snapshot.Dataset{
		Essays: []types.Essay{
			{
				AuthorID: "a1", WordCount: 640, CreatedDate: day(10), LastModified: day(11),
				PromptID: strPtr("p1"), SchoolIDs: []int64{10, 20},
				Scores: map[string]float64{"esslo_writing": 3, "esslo_voice": 2},
				Levels: map[string]int64{"esslo_writing_level": 3},
			},
			{
				AuthorID: "a2", WordCount: 250, CreatedDate: day(9), LastModified: day(20),
				PromptID: strPtr("p2"), SchoolIDs: []int64{10},
				Scores: map[string]float64{"esslo_writing": 1},
			},
			{
				AuthorID: "a3", WordCount: 350, CreatedDate: day(8), LastModified: day(8),
				SchoolIDs: []int64{30},
			},
			{
				AuthorID: "a4", WordCount: 600, CreatedDate: day(7), LastModified: day(9),
				PromptID: strPtr("p1"), SchoolIDs: []int64{},
				Scores: map[string]float64{"esslo_detail": 4},
			},
			{
				AuthorID: "a5", WordCount: 340, CreatedDate: day(6), LastModified: day(6),
				PromptID: strPtr("p3"),
			},
			{
				AuthorID: "a6", WordCount: 650, CreatedDate: day(5), LastModified: day(5),
				PromptID: strPtr("p4"), SchoolIDs: []int64{20, 40},
				Scores: map[string]float64{"esslo_writing": 2},
			},
			{
				AuthorID: "a7", WordCount: 700, CreatedDate: day(4), LastModified: day(4),
				PromptID: strPtr("p_missing"), SchoolIDs: []int64{10},
			},
		},
		Prompts: []types.Prompt{
			{PromptID: "p1", Application: types.ApplicationCommonApp, PromptText: "Describe a challenge you overcame"},
			{PromptID: "p2", Application: types.ApplicationSupplemental, PromptText: "Why us?"},
			{PromptID: "p3", Application: types.ApplicationUCApp, PromptText: "Describe your leadership experience"},
			{PromptID: "p4", Application: types.ApplicationCommonAppAssumed, PromptText: "Reflect on a 100% honest moment"},
		},
		Schools: []types.School{
			{SchoolID: 10, SchoolName: "Stanford University"},
			{SchoolID: 20, SchoolName: "Massachusetts Institute of Technology"},
			{SchoolID: 30, SchoolName: "University of California, Berkeley"},
			{SchoolID: 40, SchoolName: "100%_Real College"},
		},
	}
}

// Publish packs ds and uploads it into dir of store.
func Publish(tb testing.TB, store storage.ObjectStorage, dir, prefix, timestamp string, ds *snapshot.Dataset, compress bool) *snapshot.Snapshot {
	tb.Helper()
	ctx := context.Background()

	packer := snapshot.NewPacker(tb.TempDir(), compress)
	res, err := packer.Pack(ctx, prefix, timestamp, ds)
	if err != nil {
		tb.Fatalf("pack snapshot: %v", err)
	}
	if _, err := packer.Publish(ctx, store, dir, res); err != nil {
		tb.Fatalf("publish snapshot: %v", err)
	}

	ext := "sqlite"
	if compress {
		ext = "sqlite.sz"
	}
	return &snapshot.Snapshot{
		Prefix:    prefix,
		Timestamp: timestamp,
		Essays:    storage.Join(dir, snapshot.FileName(prefix, timestamp, types.TableEssays, ext)),
		Prompts:   storage.Join(dir, snapshot.FileName(prefix, timestamp, types.TablePrompts, ext)),
		Schools:   storage.Join(dir, snapshot.FileName(prefix, timestamp, types.TableSchools, ext)),
	}
}

// NewStore creates a local storage rooted in a temp directory.
func NewStore(tb testing.TB) *storage.LocalStorage {
	tb.Helper()
	store, err := storage.NewLocalStorage(tb.TempDir())
	if err != nil {
		tb.Fatalf("create local storage: %v", err)
	}
	return store
}
