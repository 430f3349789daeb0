package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	_ "github.com/mattn/go-sqlite3"

	"github.com/essaylake/essaylake/internal/storage"
	"github.com/essaylake/essaylake/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Dataset is the content of one snapshot.
type Dataset struct {
	Essays  []types.Essay  `json:"essays"`
	Prompts []types.Prompt `json:"prompts"`
	Schools []types.School `json:"schools"`
}

// PackResult describes the files written for a snapshot.
type PackResult struct {
	Prefix    string
	Timestamp string
	// Files maps table name to local file path
	Files     map[string]string
	Rows      map[string]int
	SizeBytes int64
}

// Packer writes a Dataset as a snapshot triplet of single-table SQLite
// files, optionally Snappy compressed.
type Packer struct {
	outputDir string
	compress  bool
}

// NewPacker creates a packer writing into outputDir.
func NewPacker(outputDir string, compress bool) *Packer {
	return &Packer{outputDir: outputDir, compress: compress}
}

// Pack writes the three table files of ds.
func (p *Packer) Pack(ctx context.Context, prefix, timestamp string, ds *Dataset) (*PackResult, error) {
	if !ValidTimestamp(timestamp) {
		return nil, fmt.Errorf("snapshot: invalid timestamp %q, want layout %s", timestamp, TimestampLayout)
	}
	if err := os.MkdirAll(p.outputDir, 0755); err != nil {
		return nil, fmt.Errorf("snapshot: failed to create output directory: %w", err)
	}

	res := &PackResult{
		Prefix:    prefix,
		Timestamp: timestamp,
		Files:     make(map[string]string, 3),
		Rows:      make(map[string]int, 3),
	}

	writers := map[string]func(context.Context, *sql.Tx) (int, error){
		types.TableEssays:  func(ctx context.Context, tx *sql.Tx) (int, error) { return insertEssays(ctx, tx, ds.Essays) },
		types.TablePrompts: func(ctx context.Context, tx *sql.Tx) (int, error) { return insertPrompts(ctx, tx, ds.Prompts) },
		types.TableSchools: func(ctx context.Context, tx *sql.Tx) (int, error) { return insertSchools(ctx, tx, ds.Schools) },
	}

	for _, table := range types.SnapshotTables {
		schema, _ := types.SchemaFor(table)
		plain := filepath.Join(p.outputDir, FileName(prefix, timestamp, table, "sqlite"))

		rows, err := writeTable(ctx, plain, schema, writers[table])
		if err != nil {
			return nil, err
		}
		res.Rows[table] = rows

		final := plain
		if p.compress {
			final = plain + CompressedSuffix
			if _, err := CompressFile(plain, final); err != nil {
				return nil, err
			}
			if err := os.Remove(plain); err != nil {
				return nil, fmt.Errorf("snapshot: remove uncompressed file: %w", err)
			}
		}

		info, err := os.Stat(final)
		if err != nil {
			return nil, fmt.Errorf("snapshot: stat %s: %w", final, err)
		}
		res.Files[table] = final
		res.SizeBytes += info.Size()
	}

	return res, nil
}

// Publish uploads packed files into dir. Essays go last so readers that
// see the essays file of a timestamp also see its lookups.
func (p *Packer) Publish(ctx context.Context, store storage.ObjectStorage, dir string, res *PackResult) ([]string, error) {
	order := []string{types.TablePrompts, types.TableSchools, types.TableEssays}
	objects := make([]string, 0, len(order))
	for _, table := range order {
		local := res.Files[table]
		object := storage.Join(dir, filepath.Base(local))
		if err := store.Upload(ctx, local, object); err != nil {
			return objects, fmt.Errorf("snapshot: upload %s: %w", table, err)
		}
		objects = append(objects, object)
	}
	return objects, nil
}

// Prune deletes every snapshot of prefix in dir except the newest keep.
// It returns the deleted object paths.
func Prune(ctx context.Context, store storage.ObjectStorage, resolver *Resolver, dir, prefix string, keep int) ([]string, error) {
	if keep < 1 {
		return nil, fmt.Errorf("snapshot: keep must be at least 1, got %d", keep)
	}
	entries, err := resolver.Inventory(ctx, dir, prefix)
	if err != nil {
		return nil, err
	}
	if len(entries) <= keep {
		return nil, nil
	}

	var deleted []string
	for _, e := range entries[keep:] {
		for _, f := range e.Files {
			if err := store.Delete(ctx, f); err != nil {
				return deleted, fmt.Errorf("snapshot: delete %s: %w", f, err)
			}
			deleted = append(deleted, f)
		}
	}
	return deleted, nil
}

func writeTable(ctx context.Context, path string, schema types.Schema, insert func(context.Context, *sql.Tx) (int, error)) (int, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("snapshot: failed to replace %s: %w", path, err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return 0, fmt.Errorf("snapshot: failed to create SQLite database: %w", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, createTableSQL(schema)); err != nil {
		return 0, fmt.Errorf("snapshot: failed to create %s table: %w", schema.Table, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("snapshot: failed to begin transaction: %w", err)
	}
	n, err := insert(ctx, tx)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("snapshot: failed to insert %s rows: %w", schema.Table, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("snapshot: failed to commit %s: %w", schema.Table, err)
	}

	for _, idx := range schema.Indexes {
		stmt := fmt.Sprintf("CREATE INDEX %s ON %s(%s)", idx.Name, schema.Table, strings.Join(idx.Columns, ", "))
		if idx.Unique {
			stmt = strings.Replace(stmt, "CREATE INDEX", "CREATE UNIQUE INDEX", 1)
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("snapshot: failed to create index %s: %w", idx.Name, err)
		}
	}

	if err := db.Close(); err != nil {
		return 0, fmt.Errorf("snapshot: failed to close database: %w", err)
	}
	return n, nil
}

func createTableSQL(schema types.Schema) string {
	defs := make([]string, 0, len(schema.Columns))
	for _, c := range schema.Columns {
		def := c.Name + " " + c.Type
		if c.PrimaryKey {
			def += " PRIMARY KEY"
		} else if !c.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", schema.Table, strings.Join(defs, ", "))
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func insertEssays(ctx context.Context, tx *sql.Tx, essays []types.Essay) (int, error) {
	schema := types.EssaysSchema()
	cols := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		cols[i] = c.Name
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO essays (%s) VALUES (%s)",
		strings.Join(cols, ", "), placeholders(len(cols))))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	scoreCols := types.ScoreColumns()
	levelCols := types.LevelColumns()
	for _, e := range essays {
		var schoolIDs interface{}
		if e.SchoolIDs != nil {
			b, err := json.Marshal(e.SchoolIDs)
			if err != nil {
				return 0, err
			}
			schoolIDs = string(b)
		}
		var promptID interface{}
		if e.PromptID != nil {
			promptID = *e.PromptID
		}

		args := []interface{}{
			e.AuthorID,
			e.WordCount,
			e.CreatedDate.UnixMilli(),
			e.LastModified.UnixMilli(),
			promptID,
			schoolIDs,
		}
		for _, c := range scoreCols {
			if v, ok := e.Scores[c]; ok {
				args = append(args, v)
			} else {
				args = append(args, nil)
			}
		}
		for _, c := range levelCols {
			if v, ok := e.Levels[c]; ok {
				args = append(args, v)
			} else {
				args = append(args, nil)
			}
		}

		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, err
		}
	}
	return len(essays), nil
}

func insertPrompts(ctx context.Context, tx *sql.Tx, prompts []types.Prompt) (int, error) {
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO prompts (prompt_id, application, prompt_text) VALUES (?, ?, ?)")
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for _, p := range prompts {
		if _, err := stmt.ExecContext(ctx, p.PromptID, string(p.Application), p.PromptText); err != nil {
			return 0, err
		}
	}
	return len(prompts), nil
}

func insertSchools(ctx context.Context, tx *sql.Tx, schools []types.School) (int, error) {
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO schools (school_id, school_name) VALUES (?, ?)")
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for _, s := range schools {
		if _, err := stmt.ExecContext(ctx, s.SchoolID, s.SchoolName); err != nil {
			return 0, err
		}
	}
	return len(schools), nil
}

// LoadDataset reads a JSON encoded Dataset.
func LoadDataset(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read dataset: %w", err)
	}
	var ds Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("snapshot: parse dataset: %w", err)
	}
	return &ds, nil
}
