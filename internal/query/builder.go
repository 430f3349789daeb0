package query

import (
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"

	"github.com/essaylake/essaylake/internal/errors"
	"github.com/essaylake/essaylake/pkg/types"
)

// Schema names the prompts and schools files are attached under.
const (
	PromptsDB = "pdb"
	SchoolsDB = "sdb"
)

// FoldFunc is the SQL function engine connections register to fold text
// case beyond ASCII; LIKE patterns are folded the same way in Go.
const FoldFunc = "fold"

const msPerDay = int64(24 * 60 * 60 * 1000)

// MaxEditDaysLimit bounds MaxEditDays, roughly a century.
const MaxEditDaysLimit = 36500

// Mode selects the row shape of a search.
type Mode string

const (
	// ModeGrouped returns one row per essay with school_ids as a list.
	ModeGrouped Mode = "grouped"
	// ModeExploded returns one row per (essay, matching school).
	ModeExploded Mode = "exploded"
)

// Kind identifies what a plan computes.
type Kind string

const (
	KindSearch               Kind = "search"
	KindApplicationBreakdown Kind = "application_breakdown"
	KindTopSchools           Kind = "top_schools"
)

// Plan is a parameterized SQL statement ready for execution.
type Plan struct {
	Kind  Kind
	SQL   string
	Args  []interface{}
	Mode  Mode
	Limit int
	// Key identifies the result for caching, independent of the snapshot
	Key string
}

// Builder builds plans using the sqlite3 goqu dialect.
type Builder struct {
	dialect      goqu.DialectWrapper
	defaultLimit int
	maxLimit     int
}

// NewBuilder creates a builder. Requests without a limit get defaultLimit;
// larger limits are capped at maxLimit.
func NewBuilder(defaultLimit, maxLimit int) *Builder {
	if defaultLimit <= 0 {
		defaultLimit = 100
	}
	if maxLimit < defaultLimit {
		maxLimit = defaultLimit
	}
	return &Builder{
		dialect:      goqu.Dialect("sqlite3"),
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
	}
}

// Build validates f and returns the essay search plan.
func (b *Builder) Build(f Filter) (*Plan, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	f = f.Normalize(b.defaultLimit, b.maxLimit)

	cols := essayColumns()
	cols = append(cols, goqu.I("p.application"), goqu.I("p.prompt_text"))

	mode := ModeGrouped
	ds := b.base()
	if f.Explode {
		mode = ModeExploded
		ds = ds.
			CrossJoin(goqu.L(`json_each("e"."school_ids") AS "j"`)).
			InnerJoin(goqu.S(SchoolsDB).Table(types.TableSchools).As("s"),
				goqu.On(goqu.I("s.school_id").Eq(goqu.I("j.value"))))
		cols = append(cols, goqu.I("s.school_id"), goqu.I("s.school_name"))
	}

	ds = ds.Select(cols...).Where(predicates(f, mode)...)

	order := []exp.OrderedExpression{goqu.I("e.created_date").Desc(), goqu.I("e.author_id").Asc()}
	if mode == ModeExploded {
		order = append(order, goqu.I("s.school_id").Asc())
	}
	ds = ds.Order(order...).Limit(uint(*f.Limit))

	sql, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.NewQueryError(errors.CodeBuildFailed, "failed to build search query", err)
	}

	return &Plan{
		Kind:  KindSearch,
		SQL:   sql,
		Args:  args,
		Mode:  mode,
		Limit: *f.Limit,
		Key:   string(KindSearch) + "?" + f.Key(),
	}, nil
}

// BuildApplicationBreakdown counts matching essays per application. Essays
// without a resolvable prompt form a bucket with a NULL application.
// Limit and Explode do not apply.
func (b *Builder) BuildApplicationBreakdown(f Filter) (*Plan, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	f.Limit, f.Explode = nil, false

	ds := b.base().
		Select(
			goqu.I("p.application").As("application"),
			goqu.COUNT(goqu.Star()).As("essays"),
		).
		Where(predicates(f, ModeGrouped)...).
		GroupBy(goqu.I("p.application")).
		Order(goqu.I("essays").Desc(), goqu.I("application").Asc().NullsFirst())

	sql, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.NewQueryError(errors.CodeBuildFailed, "failed to build application breakdown", err)
	}

	return &Plan{
		Kind: KindApplicationBreakdown,
		SQL:  sql,
		Args: args,
		Mode: ModeGrouped,
		Key:  string(KindApplicationBreakdown) + "?" + f.Key(),
	}, nil
}

// BuildTopSchools ranks school ids by the number of matching essays that
// reference them, with the average total score of those essays. School ids
// missing from the schools table are reported with a NULL name.
func (b *Builder) BuildTopSchools(f Filter, n int) (*Plan, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, errors.NewValidationError(fmt.Sprintf("top must be positive, got %d", n))
	}
	if n > b.maxLimit {
		n = b.maxLimit
	}
	f.Limit, f.Explode = nil, false

	ds := b.base().
		CrossJoin(goqu.L(`json_each("e"."school_ids") AS "j"`)).
		LeftJoin(goqu.S(SchoolsDB).Table(types.TableSchools).As("s"),
			goqu.On(goqu.I("s.school_id").Eq(goqu.I("j.value")))).
		Select(
			goqu.I("j.value").As("school_id"),
			goqu.MAX(goqu.I("s.school_name")).As("school_name"),
			goqu.COUNT(goqu.Star()).As("essays"),
			goqu.AVG(totalScoreExpr()).As("avg_total_score"),
		).
		Where(predicates(f, ModeExploded)...).
		GroupBy(goqu.I("j.value")).
		Order(goqu.I("essays").Desc(), goqu.I("school_id").Asc()).
		Limit(uint(n))

	sql, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.NewQueryError(errors.CodeBuildFailed, "failed to build top schools", err)
	}

	return &Plan{
		Kind:  KindTopSchools,
		SQL:   sql,
		Args:  args,
		Mode:  ModeExploded,
		Limit: n,
		Key:   fmt.Sprintf("%s?%s&top=%d", KindTopSchools, f.Key(), n),
	}, nil
}

// base is essays LEFT JOIN prompts; essays without a prompt survive.
func (b *Builder) base() *goqu.SelectDataset {
	return b.dialect.
		From(goqu.T(types.TableEssays).As("e")).
		LeftJoin(goqu.S(PromptsDB).Table(types.TablePrompts).As("p"),
			goqu.On(goqu.I("p.prompt_id").Eq(goqu.I("e.prompt_id"))))
}

// predicates translates the supplied dimensions. In exploded mode the
// school name applies to the joined school row "s"; in grouped mode an
// EXISTS over the essay's school list keeps one row per essay.
func predicates(f Filter, mode Mode) []exp.Expression {
	var where []exp.Expression

	if f.Application != nil {
		where = append(where, goqu.I("p.application").Eq(string(*f.Application)))
	}
	if f.Applications != nil || f.IncludeUnspecified {
		var alts []exp.Expression
		if len(f.Applications) > 0 {
			vals := make([]interface{}, len(f.Applications))
			for i, a := range f.Applications {
				vals[i] = string(a)
			}
			alts = append(alts, goqu.I("p.application").In(vals...))
		}
		if f.IncludeUnspecified {
			alts = append(alts, goqu.I("p.application").IsNull())
		}
		if len(alts) == 0 {
			// an explicitly empty set admits nothing
			alts = append(alts, goqu.L("0"))
		}
		where = append(where, goqu.Or(alts...))
	}
	if f.SchoolNameLike != nil {
		pattern := containsPattern(*f.SchoolNameLike)
		if mode == ModeExploded {
			where = append(where, goqu.L(FoldFunc+`("s"."school_name") LIKE ? ESCAPE '\'`, pattern))
		} else {
			where = append(where, goqu.L(
				`EXISTS (SELECT 1 FROM json_each("e"."school_ids") AS "js" JOIN "`+SchoolsDB+`"."schools" AS "ss" ON "ss"."school_id" = "js"."value" WHERE `+FoldFunc+`("ss"."school_name") LIKE ? ESCAPE '\')`,
				pattern))
		}
	}
	if f.PromptTextLike != nil {
		where = append(where, goqu.L(FoldFunc+`("p"."prompt_text") LIKE ? ESCAPE '\'`, containsPattern(*f.PromptTextLike)))
	}
	if f.AuthorID != nil {
		where = append(where, goqu.I("e.author_id").Eq(*f.AuthorID))
	}
	if r := f.WordCount; r != nil {
		if r.Min != nil {
			where = append(where, goqu.I("e.word_count").Gte(*r.Min))
		}
		if r.Max != nil {
			where = append(where, goqu.I("e.word_count").Lte(*r.Max))
		}
	}
	if r := f.Created; r != nil {
		if r.From != nil {
			where = append(where, goqu.I("e.created_date").Gte(r.From.UnixMilli()))
		}
		if r.To != nil {
			where = append(where, goqu.I("e.created_date").Lte(r.To.UnixMilli()))
		}
	}
	if f.MaxEditDays != nil {
		where = append(where, goqu.L(`("e"."last_modified" - "e"."created_date") < ?`,
			int64(*f.MaxEditDays+1)*msPerDay))
	}
	return where
}

// containsPattern folds s, escapes LIKE metacharacters and wraps it in
// wildcards.
func containsPattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(s)) + "%"
}

func essayColumns() []interface{} {
	schema := types.EssaysSchema()
	cols := make([]interface{}, 0, len(schema.Columns)+4)
	for _, c := range schema.Columns {
		cols = append(cols, goqu.I("e."+c.Name))
	}
	return cols
}

// totalScoreExpr sums the present score columns; NULL when all are NULL.
func totalScoreExpr() exp.LiteralExpression {
	scoreCols := types.ScoreColumns()
	present := make([]string, len(scoreCols))
	terms := make([]string, len(scoreCols))
	for i, c := range scoreCols {
		present[i] = `"e"."` + c + `"`
		terms[i] = `COALESCE("e"."` + c + `", 0)`
	}
	return goqu.L(fmt.Sprintf("CASE WHEN COALESCE(%s) IS NULL THEN NULL ELSE %s END",
		strings.Join(present, ", "), strings.Join(terms, " + ")))
}
