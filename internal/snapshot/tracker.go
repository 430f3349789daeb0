package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/essaylake/essaylake/internal/notify"
)

// Tracker holds the process-wide view of the current snapshot. It reuses a
// resolution for the refresh interval, collapses concurrent rescans and
// announces newer snapshots on the notifier.
type Tracker struct {
	resolver *Resolver
	dir      string
	prefix   string
	interval time.Duration
	notifier *notify.Notifier
	log      zerolog.Logger
	now      func() time.Time

	mu         sync.RWMutex
	current    *Snapshot
	resolvedAt time.Time

	group singleflight.Group
}

// NewTracker creates a tracker for the snapshots of prefix inside dir.
// notifier may be nil.
func NewTracker(resolver *Resolver, dir, prefix string, interval time.Duration, notifier *notify.Notifier, log zerolog.Logger) *Tracker {
	return &Tracker{
		resolver: resolver,
		dir:      dir,
		prefix:   prefix,
		interval: interval,
		notifier: notifier,
		log:      log,
		now:      time.Now,
	}
}

// Current returns the current snapshot, rescanning storage when the last
// resolution is older than the refresh interval.
func (t *Tracker) Current(ctx context.Context) (*Snapshot, error) {
	t.mu.RLock()
	snap, at := t.current, t.resolvedAt
	t.mu.RUnlock()

	if snap != nil && t.interval > 0 && t.now().Sub(at) < t.interval {
		return snap, nil
	}
	return t.Refresh(ctx)
}

// Refresh rescans storage regardless of the refresh interval.
func (t *Tracker) Refresh(ctx context.Context) (*Snapshot, error) {
	ch := t.group.DoChan("resolve", func() (interface{}, error) {
		return t.resolve(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	}
}

// Last returns the most recently resolved snapshot without touching storage.
func (t *Tracker) Last() *Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

func (t *Tracker) resolve(ctx context.Context) (*Snapshot, error) {
	snap, err := t.resolver.Resolve(ctx, t.dir, t.prefix)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	prev := t.current
	t.current = snap
	t.resolvedAt = t.now()
	t.mu.Unlock()

	if prev == nil || prev.Timestamp != snap.Timestamp {
		previous := ""
		if prev != nil {
			previous = prev.Timestamp
		}
		t.log.Info().
			Str("prefix", snap.Prefix).
			Str("timestamp", snap.Timestamp).
			Str("previous", previous).
			Msg("snapshot activated")
		if t.notifier != nil {
			t.notifier.Publish(notify.Notification{
				Type:      notify.SnapshotActivated,
				Prefix:    snap.Prefix,
				Timestamp: snap.Timestamp,
				Previous:  previous,
			})
		}
	}
	return snap, nil
}
