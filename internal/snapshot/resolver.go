package snapshot

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/essaylake/essaylake/internal/errors"
	"github.com/essaylake/essaylake/internal/storage"
	"github.com/essaylake/essaylake/pkg/types"
)

// DefaultExtensions are the accepted file extensions, most preferred first.
var DefaultExtensions = []string{"sqlite.sz", "sqlite"}

// Resolver locates the most recent snapshot in a storage directory.
// It is read-only and safe for concurrent use.
type Resolver struct {
	store         storage.ObjectStorage
	extensions    []string
	allowFallback bool
	log           zerolog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithExtensions sets the accepted extensions in preference order.
func WithExtensions(exts ...string) ResolverOption {
	return func(r *Resolver) {
		if len(exts) > 0 {
			r.extensions = exts
		}
	}
}

// WithFallback makes Resolve return the newest complete snapshot when the
// newest timestamp is missing a table.
func WithFallback(allow bool) ResolverOption {
	return func(r *Resolver) { r.allowFallback = allow }
}

// WithLogger sets the resolver logger.
func WithLogger(log zerolog.Logger) ResolverOption {
	return func(r *Resolver) { r.log = log }
}

// NewResolver creates a resolver over store.
func NewResolver(store storage.ObjectStorage, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:      store,
		extensions: DefaultExtensions,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// candidate is a parsed snapshot file name.
type candidate struct {
	timestamp string
	table     string
	rank      int // index into extensions, lower wins
	name      string
}

// group collects the files of one timestamp.
type group struct {
	timestamp string
	files     map[string]candidate
	all       []string
}

func (g *group) missing() []string {
	var out []string
	for _, table := range types.SnapshotTables {
		if _, ok := g.files[table]; !ok {
			out = append(out, table)
		}
	}
	return out
}

// Entry describes the files found for one timestamp.
type Entry struct {
	Timestamp string
	// Files holds every matching object path, including non-preferred
	// duplicates of the same table
	Files   []string
	Missing []string
}

// Resolve returns the snapshot with the greatest timestamp among the files
// directly inside dir named <prefix>_<timestamp>_<table>.<ext>.
func (r *Resolver) Resolve(ctx context.Context, dir, prefix string) (*Snapshot, error) {
	ordered, err := r.scan(ctx, dir, prefix)
	if err != nil {
		return nil, err
	}
	if len(ordered) == 0 {
		return nil, errors.NewSnapshotNotFound(dir, prefix)
	}

	latest := ordered[0]
	if missing := latest.missing(); len(missing) > 0 {
		if !r.allowFallback {
			return nil, errors.NewIncompleteSnapshot(latest.timestamp, missing)
		}
		for _, g := range ordered[1:] {
			if len(g.missing()) == 0 {
				r.log.Warn().
					Str("latest", latest.timestamp).
					Strs("missing", missing).
					Str("serving", g.timestamp).
					Msg("latest snapshot incomplete, falling back")
				return r.build(dir, prefix, g), nil
			}
		}
		return nil, errors.NewIncompleteSnapshot(latest.timestamp, missing)
	}

	return r.build(dir, prefix, latest), nil
}

// Inventory lists every timestamp found for prefix in dir, newest first.
func (r *Resolver) Inventory(ctx context.Context, dir, prefix string) ([]Entry, error) {
	ordered, err := r.scan(ctx, dir, prefix)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(ordered))
	for _, g := range ordered {
		files := make([]string, 0, len(g.all))
		for _, name := range g.all {
			files = append(files, storage.Join(dir, name))
		}
		sort.Strings(files)
		entries = append(entries, Entry{Timestamp: g.timestamp, Files: files, Missing: g.missing()})
	}
	return entries, nil
}

// scan groups the matching files of dir by timestamp, newest first.
func (r *Resolver) scan(ctx context.Context, dir, prefix string) ([]*group, error) {
	names, err := storage.ListDir(ctx, r.store, dir)
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeListFailed, "failed to list snapshot directory", err).
			WithDetails(map[string]interface{}{"dir": dir})
	}

	groups := make(map[string]*group)
	for _, name := range names {
		c, ok := r.parse(name, prefix)
		if !ok {
			continue
		}
		g, exists := groups[c.timestamp]
		if !exists {
			g = &group{timestamp: c.timestamp, files: make(map[string]candidate, 3)}
			groups[c.timestamp] = g
		}
		g.all = append(g.all, name)
		if prev, dup := g.files[c.table]; !dup || c.rank < prev.rank {
			g.files[c.table] = c
		}
	}

	ordered := make([]*group, 0, len(groups))
	for _, g := range groups {
		ordered = append(ordered, g)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].timestamp > ordered[j].timestamp
	})
	return ordered, nil
}

func (r *Resolver) build(dir, prefix string, g *group) *Snapshot {
	return &Snapshot{
		Prefix:    prefix,
		Timestamp: g.timestamp,
		Essays:    storage.Join(dir, g.files[types.TableEssays].name),
		Prompts:   storage.Join(dir, g.files[types.TablePrompts].name),
		Schools:   storage.Join(dir, g.files[types.TableSchools].name),
	}
}

// parse splits a file name into timestamp, table and extension rank.
// The table is matched as a suffix and the remainder must be exactly one
// TimestampLayout timestamp, so "p_x_<ts>" files never match prefix "p".
func (r *Resolver) parse(name, prefix string) (candidate, bool) {
	rest := name
	if prefix != "" {
		if !strings.HasPrefix(name, prefix+"_") {
			return candidate{}, false
		}
		rest = name[len(prefix)+1:]
	}

	for rank, ext := range r.extensions {
		stem, ok := strings.CutSuffix(rest, "."+ext)
		if !ok {
			continue
		}
		for _, table := range types.SnapshotTables {
			ts, ok := strings.CutSuffix(stem, "_"+table)
			if !ok {
				continue
			}
			if !ValidTimestamp(ts) {
				return candidate{}, false
			}
			return candidate{timestamp: ts, table: table, rank: rank, name: name}, true
		}
		return candidate{}, false
	}
	return candidate{}, false
}
