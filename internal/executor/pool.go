// Package executor runs query plans against materialized snapshots.
package executor

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/essaylake/essaylake/internal/errors"
	"github.com/essaylake/essaylake/internal/query"
	"github.com/essaylake/essaylake/internal/snapshot"
)

// Handle is an engine handle for one snapshot: a read-only database on the
// essays file with the prompts and schools files attached.
type Handle struct {
	DB       *sqlx.DB
	Snapshot *snapshot.Snapshot
}

// ConnectionPool keeps one Handle per snapshot, shared by all in-flight
// queries. Handles are reference counted; idle and retired handles are
// closed.
type ConnectionPool struct {
	mu sync.Mutex

	materializer *Materializer
	handles      map[string]*handleEntry
	// retiring holds retired handles still referenced by queries
	retiring map[*Handle]*handleEntry

	maxOpenConns int
	idleTimeout  time.Duration
	log          zerolog.Logger

	closed bool
	stop   chan struct{}
}

type handleEntry struct {
	handle   *Handle
	refCount int
	lastUsed time.Time
}

// PoolConfig holds configuration for the connection pool.
type PoolConfig struct {
	// MaxOpenConns is the number of SQLite connections per handle (default: 8)
	MaxOpenConns int

	// IdleTimeout closes handles unused this long (default: 5 minutes)
	IdleTimeout time.Duration
}

// DefaultPoolConfig returns the default pool configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns: 8,
		IdleTimeout:  5 * time.Minute,
	}
}

// NewConnectionPool creates a pool opening handles on files provided by m.
func NewConnectionPool(m *Materializer, config PoolConfig, log zerolog.Logger) *ConnectionPool {
	if config.MaxOpenConns <= 0 {
		config.MaxOpenConns = 8
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 5 * time.Minute
	}

	pool := &ConnectionPool{
		materializer: m,
		handles:      make(map[string]*handleEntry),
		retiring:     make(map[*Handle]*handleEntry),
		maxOpenConns: config.MaxOpenConns,
		idleTimeout:  config.IdleTimeout,
		log:          log,
		stop:         make(chan struct{}),
	}

	go pool.cleanupLoop()

	return pool
}

// Acquire returns the handle of snap, opening it on first use.
// The caller must call Release when done.
func (p *ConnectionPool) Acquire(ctx context.Context, snap *snapshot.Snapshot) (*Handle, error) {
	id := snap.ID()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool: connection pool is closed")
	}
	if entry, ok := p.handles[id]; ok {
		entry.refCount++
		entry.lastUsed = time.Now()
		p.mu.Unlock()
		return entry.handle, nil
	}
	p.mu.Unlock()

	files, err := p.materializer.Acquire(ctx, snap)
	if err != nil {
		return nil, err
	}

	db, err := openSnapshotDB(ctx, files, p.maxOpenConns)
	if err != nil {
		p.materializer.Release(id)
		return nil, errors.NewQueryExecutionError(fmt.Sprintf("failed to open snapshot %s: %v", id, err), err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		db.Close()
		p.materializer.Release(id)
		return nil, fmt.Errorf("pool: connection pool is closed")
	}

	// another caller may have opened the same snapshot meanwhile
	if entry, ok := p.handles[id]; ok {
		db.Close()
		p.materializer.Release(id)
		entry.refCount++
		entry.lastUsed = time.Now()
		return entry.handle, nil
	}

	entry := &handleEntry{
		handle:   &Handle{DB: db, Snapshot: snap},
		refCount: 1,
		lastUsed: time.Now(),
	}
	p.handles[id] = entry
	p.log.Debug().Str("snapshot", id).Msg("engine handle opened")

	return entry.handle, nil
}

// Release returns a handle obtained from Acquire.
func (p *ConnectionPool) Release(h *Handle) {
	id := h.Snapshot.ID()

	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.handles[id]; ok && entry.handle == h {
		entry.refCount--
		entry.lastUsed = time.Now()
		return
	}

	entry, ok := p.retiring[h]
	if !ok {
		return
	}
	entry.refCount--
	if entry.refCount <= 0 {
		delete(p.retiring, h)
		p.closeLocked(id, entry)
	}
}

// Retire closes the handle of a snapshot id once no query uses it.
func (p *ConnectionPool) Retire(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.handles[id]
	if !ok {
		return
	}
	delete(p.handles, id)
	if entry.refCount <= 0 {
		p.closeLocked(id, entry)
		return
	}
	p.retiring[entry.handle] = entry
}

// Reset retires the handle of id so the next Acquire opens a fresh one.
func (p *ConnectionPool) Reset(id string) {
	p.Retire(id)
}

// closeLocked closes a handle that is no longer tracked and releases its
// files. Caller holds p.mu.
func (p *ConnectionPool) closeLocked(id string, entry *handleEntry) {
	if err := entry.handle.DB.Close(); err != nil {
		p.log.Warn().Err(err).Str("snapshot", id).Msg("failed to close engine handle")
	}
	p.materializer.Release(id)
	p.log.Debug().Str("snapshot", id).Msg("engine handle closed")
}

func (p *ConnectionPool) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.cleanupIdle(time.Now())
		}
	}
}

// cleanupIdle closes handles that have been idle longer than idleTimeout.
func (p *ConnectionPool) cleanupIdle(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, entry := range p.handles {
		if entry.refCount == 0 && now.Sub(entry.lastUsed) > p.idleTimeout {
			delete(p.handles, id)
			p.closeLocked(id, entry)
		}
	}
}

// Close closes all handles in the pool.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.stop)

	var lastErr error
	for id, entry := range p.handles {
		if err := entry.handle.DB.Close(); err != nil {
			lastErr = err
		}
		delete(p.handles, id)
		p.materializer.Release(id)
	}
	for h := range p.retiring {
		if err := h.DB.Close(); err != nil {
			lastErr = err
		}
		delete(p.retiring, h)
		p.materializer.Release(h.Snapshot.ID())
	}
	return lastErr
}

// PoolStats describes the pool.
type PoolStats struct {
	Handles       int `json:"handles"`
	ActiveHandles int `json:"active_handles"`
	IdleHandles   int `json:"idle_handles"`
}

// Stats returns current pool statistics.
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{Handles: len(p.handles) + len(p.retiring)}
	for _, entry := range p.handles {
		if entry.refCount > 0 {
			stats.ActiveHandles++
		} else {
			stats.IdleHandles++
		}
	}
	stats.ActiveHandles += len(p.retiring)
	return stats
}

// HasHandle reports whether a handle is open for the snapshot id, including
// retired handles still in use.
func (p *ConnectionPool) HasHandle(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.handles[id]; ok {
		return true
	}
	for h := range p.retiring {
		if h.Snapshot.ID() == id {
			return true
		}
	}
	return false
}

// snapshotConnector opens connections on the essays file and attaches the
// lookup tables to every new connection.
type snapshotConnector struct {
	driver *sqlite3.SQLiteDriver
	dsn    string
}

func (c *snapshotConnector) Connect(context.Context) (driver.Conn, error) {
	return c.driver.Open(c.dsn)
}

func (c *snapshotConnector) Driver() driver.Driver {
	return c.driver
}

// foldCase lowers text with Unicode case mapping; other values pass
// through so NULL stays NULL.
func foldCase(v interface{}) interface{} {
	switch s := v.(type) {
	case string:
		return strings.ToLower(s)
	case []byte:
		return strings.ToLower(string(s))
	default:
		return v
	}
}

func readOnlyURI(path string, extra string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs), RawQuery: "mode=ro" + extra}
	return u.String(), nil
}

func openSnapshotDB(ctx context.Context, files *Materialized, maxOpenConns int) (*sqlx.DB, error) {
	essays, err := readOnlyURI(files.Essays, "&_query_only=true")
	if err != nil {
		return nil, err
	}
	prompts, err := readOnlyURI(files.Prompts, "")
	if err != nil {
		return nil, err
	}
	schools, err := readOnlyURI(files.Schools, "")
	if err != nil {
		return nil, err
	}

	drv := &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			if err := conn.RegisterFunc(query.FoldFunc, foldCase, true); err != nil {
				return fmt.Errorf("register %s: %w", query.FoldFunc, err)
			}
			if _, err := conn.Exec("ATTACH DATABASE ? AS "+query.PromptsDB, []driver.Value{prompts}); err != nil {
				return fmt.Errorf("attach prompts: %w", err)
			}
			if _, err := conn.Exec("ATTACH DATABASE ? AS "+query.SchoolsDB, []driver.Value{schools}); err != nil {
				return fmt.Errorf("attach schools: %w", err)
			}
			return nil
		},
	}

	db := sqlx.NewDb(sql.OpenDB(&snapshotConnector{driver: drv, dsn: essays}), "sqlite3")
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	// A file that is not a database only fails on first read.
	var n int
	if err := db.GetContext(ctx, &n, "SELECT COUNT(*) FROM sqlite_master"); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
