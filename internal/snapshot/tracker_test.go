package snapshot_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/essaylake/essaylake/internal/notify"
	"github.com/essaylake/essaylake/internal/snapshot"
	"github.com/essaylake/essaylake/internal/snapshot/snapshottest"
)

func TestTracker_PublishesActivation(t *testing.T) {
	store := snapshottest.NewStore(t)
	touch(t, store, "d", triplet("p", ts1, "sqlite")...)

	n := notify.NewNotifier(8)
	sub := n.Subscribe()
	tracker := snapshot.NewTracker(snapshot.NewResolver(store), "d", "p", 0, n, zerolog.Nop())

	ctx := context.Background()
	snap, err := tracker.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, ts1, snap.Timestamp)

	select {
	case notif := <-sub.Ch:
		assert.Equal(t, notify.SnapshotActivated, notif.Type)
		assert.Equal(t, ts1, notif.Timestamp)
		assert.Empty(t, notif.Previous)
	case <-time.After(time.Second):
		t.Fatal("expected activation notification")
	}

	// rescanning the same snapshot publishes nothing
	_, err = tracker.Current(ctx)
	require.NoError(t, err)
	select {
	case notif := <-sub.Ch:
		t.Fatalf("unexpected notification %+v", notif)
	default:
	}

	touch(t, store, "d", triplet("p", ts2, "sqlite")...)
	snap, err = tracker.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, ts2, snap.Timestamp)

	notif := <-sub.Ch
	assert.Equal(t, ts2, notif.Timestamp)
	assert.Equal(t, ts1, notif.Previous)
	assert.Equal(t, ts2, tracker.Last().Timestamp)
}

func TestTracker_ReusesWithinInterval(t *testing.T) {
	store := snapshottest.NewStore(t)
	touch(t, store, "d", triplet("p", ts1, "sqlite")...)

	tracker := snapshot.NewTracker(snapshot.NewResolver(store), "d", "p", time.Hour, nil, zerolog.Nop())

	ctx := context.Background()
	_, err := tracker.Current(ctx)
	require.NoError(t, err)

	touch(t, store, "d", triplet("p", ts2, "sqlite")...)

	snap, err := tracker.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, ts1, snap.Timestamp, "memoized resolution should be served within the interval")

	snap, err = tracker.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, ts2, snap.Timestamp)
}

func TestTracker_ErrorNotMemoized(t *testing.T) {
	store := snapshottest.NewStore(t)
	tracker := snapshot.NewTracker(snapshot.NewResolver(store), "d", "p", time.Hour, nil, zerolog.Nop())

	_, err := tracker.Current(context.Background())
	require.Error(t, err)
	assert.Nil(t, tracker.Last())

	touch(t, store, "d", triplet("p", ts1, "sqlite")...)
	snap, err := tracker.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ts1, snap.Timestamp)
}
