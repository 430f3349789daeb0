package types

// Table names of a snapshot triplet.
const (
	TableEssays  = "essays"
	TablePrompts = "prompts"
	TableSchools = "schools"
)

// SnapshotTables lists the three tables every snapshot must contain.
var SnapshotTables = []string{TableEssays, TablePrompts, TableSchools}

// Schema defines the structure of one snapshot table file.
type Schema struct {
	// Table is the name of the single table stored in the file
	Table string `json:"table"`

	// Columns defines the columns in the schema
	Columns []ColumnDef `json:"columns"`

	// Indexes defines the indexes to create on the table
	Indexes []IndexDef `json:"indexes"`
}

// ColumnDef defines a single column in the schema.
type ColumnDef struct {
	// Name is the column name
	Name string `json:"name"`

	// Type is the SQLite type: TEXT, INTEGER, REAL
	Type string `json:"type"`

	// Nullable indicates whether the column can contain NULL values
	Nullable bool `json:"nullable"`

	// PrimaryKey indicates whether this column is the table key
	PrimaryKey bool `json:"primary_key"`
}

// IndexDef defines an index on the table.
type IndexDef struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique"`
}

// EssaysSchema returns the schema of the essays table. school_ids holds a
// JSON array of integers; timestamps are Unix milliseconds.
func EssaysSchema() Schema {
	cols := []ColumnDef{
		{Name: "author_id", Type: "TEXT"},
		{Name: "word_count", Type: "INTEGER"},
		{Name: "created_date", Type: "INTEGER"},
		{Name: "last_modified", Type: "INTEGER"},
		{Name: "prompt_id", Type: "TEXT", Nullable: true},
		{Name: "school_ids", Type: "TEXT", Nullable: true},
	}
	for _, c := range ScoreColumns() {
		cols = append(cols, ColumnDef{Name: c, Type: "REAL", Nullable: true})
	}
	for _, c := range LevelColumns() {
		cols = append(cols, ColumnDef{Name: c, Type: "INTEGER", Nullable: true})
	}
	return Schema{
		Table:   TableEssays,
		Columns: cols,
		Indexes: []IndexDef{
			{Name: "idx_essays_prompt", Columns: []string{"prompt_id"}},
			{Name: "idx_essays_author", Columns: []string{"author_id"}},
			{Name: "idx_essays_created", Columns: []string{"created_date"}},
		},
	}
}

// PromptsSchema returns the schema of the prompts table.
func PromptsSchema() Schema {
	return Schema{
		Table: TablePrompts,
		Columns: []ColumnDef{
			{Name: "prompt_id", Type: "TEXT", PrimaryKey: true},
			{Name: "application", Type: "TEXT"},
			{Name: "prompt_text", Type: "TEXT"},
		},
	}
}

// SchoolsSchema returns the schema of the schools table.
func SchoolsSchema() Schema {
	return Schema{
		Table: TableSchools,
		Columns: []ColumnDef{
			{Name: "school_id", Type: "INTEGER", PrimaryKey: true},
			{Name: "school_name", Type: "TEXT"},
		},
	}
}

// SchemaFor returns the schema of the named snapshot table.
func SchemaFor(table string) (Schema, bool) {
	switch table {
	case TableEssays:
		return EssaysSchema(), true
	case TablePrompts:
		return PromptsSchema(), true
	case TableSchools:
		return SchoolsSchema(), true
	}
	return Schema{}, false
}
