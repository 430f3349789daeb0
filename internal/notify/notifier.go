// Package notify provides an in-process notification bus announcing snapshot
// changes to caches and engine handle pools.
package notify

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NotificationType represents the type of notification.
type NotificationType int

const (
	// SnapshotActivated is published when a newer snapshot becomes current.
	SnapshotActivated NotificationType = iota
	// SnapshotRetired is published when a snapshot's resources are released.
	SnapshotRetired
)

func (t NotificationType) String() string {
	switch t {
	case SnapshotActivated:
		return "snapshot_activated"
	case SnapshotRetired:
		return "snapshot_retired"
	}
	return "unknown"
}

// Notification describes a snapshot change.
type Notification struct {
	Type NotificationType
	// Prefix is the snapshot file prefix the change belongs to
	Prefix string
	// Timestamp is the snapshot timestamp the notification is about
	Timestamp string
	// Previous is the timestamp that was current before an activation
	Previous string
	At       time.Time
}

// Subscriber represents a notification subscriber.
type Subscriber struct {
	ID      string
	Filters []string
	Ch      chan Notification
}

// Notifier is a non-blocking pub/sub bus. Slow subscribers lose
// notifications instead of stalling the publisher.
type Notifier struct {
	subscribers sync.Map
	bufferSize  int
}

// NewNotifier creates a new notifier instance.
func NewNotifier(bufferSize int) *Notifier {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Notifier{bufferSize: bufferSize}
}

// Publish sends a notification to all subscribers whose filters match its
// prefix. If a subscriber's channel is full, the notification is dropped.
func (n *Notifier) Publish(notif Notification) {
	if notif.At.IsZero() {
		notif.At = time.Now()
	}
	n.subscribers.Range(func(_, value any) bool {
		sub := value.(*Subscriber)
		if matches(sub.Filters, notif.Prefix) {
			select {
			case sub.Ch <- notif:
			default:
			}
		}
		return true
	})
}

// Subscribe registers a subscriber. With no filters every notification is
// delivered; otherwise only those whose prefix starts with a filter.
func (n *Notifier) Subscribe(filters ...string) *Subscriber {
	sub := &Subscriber{
		ID:      "sub_" + uuid.NewString(),
		Filters: filters,
		Ch:      make(chan Notification, n.bufferSize),
	}
	n.subscribers.Store(sub.ID, sub)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (n *Notifier) Unsubscribe(subID string) {
	if value, ok := n.subscribers.LoadAndDelete(subID); ok {
		close(value.(*Subscriber).Ch)
	}
}

func matches(filters []string, prefix string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f == "" || strings.HasPrefix(prefix, f) {
			return true
		}
	}
	return false
}
