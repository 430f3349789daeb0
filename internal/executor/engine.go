package executor

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/essaylake/essaylake/internal/errors"
	"github.com/essaylake/essaylake/internal/query"
	"github.com/essaylake/essaylake/internal/snapshot"
	"github.com/essaylake/essaylake/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Row is one search result row. In exploded mode SchoolID and SchoolName
// identify the matching school of the row.
type Row struct {
	types.Essay
	Application *types.Application `json:"application"`
	PromptText  *string            `json:"prompt_text"`
	SchoolID    *int64             `json:"school_id,omitempty"`
	SchoolName  *string            `json:"school_name,omitempty"`
}

// Result is the outcome of a search plan.
type Result struct {
	Snapshot string        `json:"snapshot"`
	Mode     query.Mode    `json:"mode"`
	Rows     []Row         `json:"rows"`
	Duration time.Duration `json:"-"`
}

// ApplicationCount is one bucket of an application breakdown. A nil
// Application counts essays without a resolvable prompt.
type ApplicationCount struct {
	Application *types.Application `json:"application" db:"application"`
	Essays      int64              `json:"essays" db:"essays"`
}

// SchoolCount is one entry of a top schools ranking. SchoolName is nil for
// ids missing from the schools table; AvgTotalScore is nil when no
// counted essay has a score.
type SchoolCount struct {
	SchoolID      int64    `json:"school_id" db:"school_id"`
	SchoolName    *string  `json:"school_name" db:"school_name"`
	Essays        int64    `json:"essays" db:"essays"`
	AvgTotalScore *float64 `json:"avg_total_score" db:"avg_total_score"`
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Timeout bounds one execution attempt; zero means no bound
	Timeout time.Duration
	// RetryTransientIO retries once on SQLITE_IOERR or SQLITE_BUSY
	RetryTransientIO bool
}

// Engine executes plans on snapshot handles.
type Engine struct {
	pool   *ConnectionPool
	config EngineConfig
	log    zerolog.Logger

	// selectRows runs a query on a handle
	selectRows func(ctx context.Context, h *Handle, dest interface{}, stmt string, args ...interface{}) error
}

// NewEngine creates an engine over pool.
func NewEngine(pool *ConnectionPool, config EngineConfig, log zerolog.Logger) *Engine {
	return &Engine{pool: pool, config: config, log: log, selectRows: selectHandle}
}

// Pool returns the engine's connection pool.
func (e *Engine) Pool() *ConnectionPool {
	return e.pool
}

// Execute runs a search plan against snap.
func (e *Engine) Execute(ctx context.Context, plan *query.Plan, snap *snapshot.Snapshot) (*Result, error) {
	if plan.Kind != query.KindSearch {
		return nil, errors.NewInternalError(fmt.Sprintf("plan kind %s is not a search", plan.Kind), nil)
	}

	start := time.Now()
	var scanned []essayRow
	if err := e.run(ctx, plan, snap, &scanned); err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(scanned))
	for i := range scanned {
		row, err := scanned[i].toRow()
		if err != nil {
			return nil, errors.NewQueryExecutionError("failed to decode essay row", err)
		}
		rows = append(rows, row)
	}

	return &Result{
		Snapshot: snap.Timestamp,
		Mode:     plan.Mode,
		Rows:     rows,
		Duration: time.Since(start),
	}, nil
}

// ApplicationBreakdown runs an application breakdown plan.
func (e *Engine) ApplicationBreakdown(ctx context.Context, plan *query.Plan, snap *snapshot.Snapshot) ([]ApplicationCount, error) {
	var out []ApplicationCount
	if err := e.run(ctx, plan, snap, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TopSchools runs a top schools plan.
func (e *Engine) TopSchools(ctx context.Context, plan *query.Plan, snap *snapshot.Snapshot) ([]SchoolCount, error) {
	var out []SchoolCount
	if err := e.run(ctx, plan, snap, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// run selects plan rows into dest, retrying once on transient I/O errors.
func (e *Engine) run(ctx context.Context, plan *query.Plan, snap *snapshot.Snapshot, dest interface{}) error {
	attempts := 1
	if e.config.RetryTransientIO {
		attempts = 2
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = e.attempt(ctx, plan, snap, dest)
		if err == nil {
			return nil
		}
		if errors.GetCategory(err) != "" {
			// already classified by the materializer or pool
			return err
		}
		if ctx.Err() != nil || !isTransient(err) || attempt == attempts {
			break
		}

		e.log.Warn().Err(err).
			Str("snapshot", snap.ID()).
			Msg("transient engine error, retrying")
		e.pool.Reset(snap.ID())
	}

	return errors.NewQueryExecutionError(err.Error(), err).
		WithDetails(map[string]interface{}{"snapshot": snap.Timestamp, "kind": string(plan.Kind)})
}

func (e *Engine) attempt(ctx context.Context, plan *query.Plan, snap *snapshot.Snapshot, dest interface{}) error {
	h, err := e.pool.Acquire(ctx, snap)
	if err != nil {
		return err
	}
	defer e.pool.Release(h)

	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	return e.selectRows(ctx, h, dest, plan.SQL, plan.Args...)
}

func selectHandle(ctx context.Context, h *Handle, dest interface{}, stmt string, args ...interface{}) error {
	return h.DB.SelectContext(ctx, dest, stmt, args...)
}

// isTransient reports SQLite failures worth one retry.
func isTransient(err error) bool {
	var se sqlite3.Error
	if !stderrors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrIoErr || se.Code == sqlite3.ErrBusy
}

// essayRow is the scan target of search plans.
type essayRow struct {
	AuthorID     string         `db:"author_id"`
	WordCount    int64          `db:"word_count"`
	CreatedDate  int64          `db:"created_date"`
	LastModified int64          `db:"last_modified"`
	PromptID     sql.NullString `db:"prompt_id"`
	SchoolIDs    sql.NullString `db:"school_ids"`

	Writing      sql.NullFloat64 `db:"esslo_writing"`
	Detail       sql.NullFloat64 `db:"esslo_detail"`
	Voice        sql.NullFloat64 `db:"esslo_voice"`
	Character    sql.NullFloat64 `db:"esslo_character"`
	IV           sql.NullFloat64 `db:"esslo_iv"`
	Contribution sql.NullFloat64 `db:"esslo_contribution"`
	WhyUs        sql.NullFloat64 `db:"esslo_why_us"`
	Motivation   sql.NullFloat64 `db:"esslo_motivation"`
	Academic     sql.NullFloat64 `db:"esslo_academic"`
	Experiences  sql.NullFloat64 `db:"esslo_experiences"`
	Reflection   sql.NullFloat64 `db:"esslo_reflection"`

	WritingLevel      sql.NullInt64 `db:"esslo_writing_level"`
	DetailLevel       sql.NullInt64 `db:"esslo_detail_level"`
	VoiceLevel        sql.NullInt64 `db:"esslo_voice_level"`
	CharacterLevel    sql.NullInt64 `db:"esslo_character_level"`
	IVLevel           sql.NullInt64 `db:"esslo_iv_level"`
	ContributionLevel sql.NullInt64 `db:"esslo_contribution_level"`
	WhyUsLevel        sql.NullInt64 `db:"esslo_why_us_level"`
	MotivationLevel   sql.NullInt64 `db:"esslo_motivation_level"`
	AcademicLevel     sql.NullInt64 `db:"esslo_academic_level"`
	ExperiencesLevel  sql.NullInt64 `db:"esslo_experiences_level"`
	ReflectionLevel   sql.NullInt64 `db:"esslo_reflection_level"`

	Application sql.NullString `db:"application"`
	PromptText  sql.NullString `db:"prompt_text"`
	SchoolID    sql.NullInt64  `db:"school_id"`
	SchoolName  sql.NullString `db:"school_name"`
}

// scoreFields follow types.ScoreDimensions order.
func (r *essayRow) scoreFields() ([]sql.NullFloat64, []sql.NullInt64) {
	return []sql.NullFloat64{
			r.Writing, r.Detail, r.Voice, r.Character, r.IV, r.Contribution,
			r.WhyUs, r.Motivation, r.Academic, r.Experiences, r.Reflection,
		}, []sql.NullInt64{
			r.WritingLevel, r.DetailLevel, r.VoiceLevel, r.CharacterLevel, r.IVLevel, r.ContributionLevel,
			r.WhyUsLevel, r.MotivationLevel, r.AcademicLevel, r.ExperiencesLevel, r.ReflectionLevel,
		}
}

func (r *essayRow) toRow() (Row, error) {
	essay := types.Essay{
		AuthorID:     r.AuthorID,
		WordCount:    r.WordCount,
		CreatedDate:  time.UnixMilli(r.CreatedDate).UTC(),
		LastModified: time.UnixMilli(r.LastModified).UTC(),
		SchoolIDs:    []int64{},
	}
	if r.PromptID.Valid {
		essay.PromptID = &r.PromptID.String
	}
	if r.SchoolIDs.Valid && r.SchoolIDs.String != "" {
		if err := json.Unmarshal([]byte(r.SchoolIDs.String), &essay.SchoolIDs); err != nil {
			return Row{}, fmt.Errorf("school_ids of %s: %w", r.AuthorID, err)
		}
		if essay.SchoolIDs == nil {
			essay.SchoolIDs = []int64{}
		}
	}

	scores, levels := r.scoreFields()
	scoreCols, levelCols := types.ScoreColumns(), types.LevelColumns()
	for i, v := range scores {
		if v.Valid {
			if essay.Scores == nil {
				essay.Scores = make(map[string]float64)
			}
			essay.Scores[scoreCols[i]] = v.Float64
		}
	}
	for i, v := range levels {
		if v.Valid {
			if essay.Levels == nil {
				essay.Levels = make(map[string]int64)
			}
			essay.Levels[levelCols[i]] = v.Int64
		}
	}

	row := Row{Essay: essay}
	if r.Application.Valid {
		app := types.Application(r.Application.String)
		row.Application = &app
	}
	if r.PromptText.Valid {
		row.PromptText = &r.PromptText.String
	}
	if r.SchoolID.Valid {
		row.SchoolID = &r.SchoolID.Int64
	}
	if r.SchoolName.Valid {
		row.SchoolName = &r.SchoolName.String
	}
	return row, nil
}
