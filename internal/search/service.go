// Package search is the essay search service: it resolves the current
// snapshot, builds a plan for a filter, and serves results from the result
// cache or the query engine.
package search

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/essaylake/essaylake/internal/cache"
	"github.com/essaylake/essaylake/internal/executor"
	"github.com/essaylake/essaylake/internal/notify"
	"github.com/essaylake/essaylake/internal/observability"
	"github.com/essaylake/essaylake/internal/query"
	"github.com/essaylake/essaylake/internal/snapshot"
)

// EssayPage is the result of a search.
type EssayPage struct {
	Snapshot string         `json:"snapshot"`
	Mode     query.Mode     `json:"mode"`
	Rows     []executor.Row `json:"rows"`
	Count    int            `json:"count"`
	Cached   bool           `json:"cached"`
}

// Breakdown is the result of an application breakdown.
type Breakdown struct {
	Snapshot     string                      `json:"snapshot"`
	Applications []executor.ApplicationCount `json:"applications"`
	Cached       bool                        `json:"cached"`
}

// SchoolRanking is the result of a top schools query.
type SchoolRanking struct {
	Snapshot string                 `json:"snapshot"`
	Schools  []executor.SchoolCount `json:"schools"`
	Cached   bool                   `json:"cached"`
}

// Config configures a Service.
type Config struct {
	DefaultLimit int
	MaxLimit     int
	// Cache is used when Enabled is set
	Cache        cache.Options
	CacheEnabled bool
}

// Service answers essay queries against the current snapshot. Results
// returned by the service are shared with the cache and must not be
// modified.
type Service struct {
	tracker      *snapshot.Tracker
	builder      *query.Builder
	engine       *executor.Engine
	materializer *executor.Materializer

	rows    *cache.ResultCache[*executor.Result]
	apps    *cache.ResultCache[[]executor.ApplicationCount]
	schools *cache.ResultCache[[]executor.SchoolCount]

	stats *observability.FilterStats
	log   zerolog.Logger
}

// NewService creates a search service.
func NewService(tracker *snapshot.Tracker, engine *executor.Engine, materializer *executor.Materializer, config Config, log zerolog.Logger) *Service {
	s := &Service{
		tracker:      tracker,
		builder:      query.NewBuilder(config.DefaultLimit, config.MaxLimit),
		engine:       engine,
		materializer: materializer,
		stats:        observability.NewFilterStats(time.Hour),
		log:          log,
	}
	if config.CacheEnabled {
		s.rows = cache.New[*executor.Result](config.Cache)
		s.apps = cache.New[[]executor.ApplicationCount](config.Cache)
		s.schools = cache.New[[]executor.SchoolCount](config.Cache)
	}
	return s
}

// Search returns the essays matching f in the current snapshot.
func (s *Service) Search(ctx context.Context, f query.Filter) (page *EssayPage, err error) {
	start := time.Now()
	defer func() { observability.ObserveOperation(string(query.KindSearch), time.Since(start).Seconds(), err) }()

	plan, err := s.builder.Build(f)
	if err != nil {
		return nil, err
	}
	snap, err := s.tracker.Current(ctx)
	if err != nil {
		return nil, err
	}
	s.stats.Record(string(plan.Kind), f.Dimensions())

	res, cached, err := fetch(ctx, s.rows, snap, plan, func(ctx context.Context) (*executor.Result, error) {
		return s.engine.Execute(ctx, plan, snap)
	})
	if err != nil {
		s.logFailure(err, plan, snap)
		return nil, err
	}

	observability.RowsReturned.Observe(float64(len(res.Rows)))
	s.log.Debug().
		Str("snapshot", snap.Timestamp).
		Str("mode", string(res.Mode)).
		Int("rows", len(res.Rows)).
		Bool("cached", cached).
		Dur("duration", time.Since(start)).
		Msg("search completed")

	return &EssayPage{
		Snapshot: res.Snapshot,
		Mode:     res.Mode,
		Rows:     res.Rows,
		Count:    len(res.Rows),
		Cached:   cached,
	}, nil
}

// ApplicationBreakdown counts the essays matching f per application.
func (s *Service) ApplicationBreakdown(ctx context.Context, f query.Filter) (out *Breakdown, err error) {
	start := time.Now()
	defer func() {
		observability.ObserveOperation(string(query.KindApplicationBreakdown), time.Since(start).Seconds(), err)
	}()

	plan, err := s.builder.BuildApplicationBreakdown(f)
	if err != nil {
		return nil, err
	}
	snap, err := s.tracker.Current(ctx)
	if err != nil {
		return nil, err
	}
	s.stats.Record(string(plan.Kind), f.Dimensions())

	counts, cached, err := fetch(ctx, s.apps, snap, plan, func(ctx context.Context) ([]executor.ApplicationCount, error) {
		return s.engine.ApplicationBreakdown(ctx, plan, snap)
	})
	if err != nil {
		s.logFailure(err, plan, snap)
		return nil, err
	}
	return &Breakdown{Snapshot: snap.Timestamp, Applications: counts, Cached: cached}, nil
}

// TopSchools ranks the n schools referenced by the most essays matching f.
func (s *Service) TopSchools(ctx context.Context, f query.Filter, n int) (out *SchoolRanking, err error) {
	start := time.Now()
	defer func() { observability.ObserveOperation(string(query.KindTopSchools), time.Since(start).Seconds(), err) }()

	plan, err := s.builder.BuildTopSchools(f, n)
	if err != nil {
		return nil, err
	}
	snap, err := s.tracker.Current(ctx)
	if err != nil {
		return nil, err
	}
	s.stats.Record(string(plan.Kind), f.Dimensions())

	schools, cached, err := fetch(ctx, s.schools, snap, plan, func(ctx context.Context) ([]executor.SchoolCount, error) {
		return s.engine.TopSchools(ctx, plan, snap)
	})
	if err != nil {
		s.logFailure(err, plan, snap)
		return nil, err
	}
	return &SchoolRanking{Snapshot: snap.Timestamp, Schools: schools, Cached: cached}, nil
}

// CurrentSnapshot returns the snapshot queries are currently served from.
func (s *Service) CurrentSnapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	return s.tracker.Current(ctx)
}

// FilterStats returns the n most used filter dimensions.
func (s *Service) FilterStats(n int) []observability.DimensionStats {
	return s.stats.Top(n)
}

// CacheStats returns the counters of the search result cache.
func (s *Service) CacheStats() cache.Stats {
	if s.rows == nil {
		return cache.Stats{}
	}
	return s.rows.Stats()
}

// Run reacts to snapshot notifications until ctx is done or the channel is
// closed: handles and materialized files of a superseded snapshot are
// retired and cached results of older snapshots are purged.
func (s *Service) Run(ctx context.Context, notifications <-chan notify.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			if n.Type == notify.SnapshotActivated {
				s.activated(n)
			}
		}
	}
}

func (s *Service) activated(n notify.Notification) {
	observability.SnapshotActivations.Inc()

	if n.Previous != "" {
		id := snapshot.MakeID(n.Prefix, n.Previous)
		s.engine.Pool().Retire(id)
		s.materializer.Retire(id)
	}

	purged := 0
	if s.rows != nil {
		purged += s.rows.PurgeSnapshotsBefore(n.Timestamp)
		purged += s.apps.PurgeSnapshotsBefore(n.Timestamp)
		purged += s.schools.PurgeSnapshotsBefore(n.Timestamp)
	}

	s.log.Info().
		Str("timestamp", n.Timestamp).
		Str("previous", n.Previous).
		Int("purged", purged).
		Msg("retired superseded snapshot")
}

func (s *Service) logFailure(err error, plan *query.Plan, snap *snapshot.Snapshot) {
	s.log.Error().Err(err).
		Str("kind", string(plan.Kind)).
		Str("snapshot", snap.Timestamp).
		Msg("query failed")
}

// fetch serves plan from c, computing it on a miss. A nil cache always
// computes.
func fetch[V any](ctx context.Context, c *cache.ResultCache[V], snap *snapshot.Snapshot, plan *query.Plan, fn func(context.Context) (V, error)) (V, bool, error) {
	if c == nil {
		v, err := fn(ctx)
		return v, false, err
	}
	v, cached, err := c.GetOrCompute(ctx, snap.Timestamp, plan.Key, fn)
	if err == nil {
		observability.ObserveCache(cached)
	}
	return v, cached, err
}
