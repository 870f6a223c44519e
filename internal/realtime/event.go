// Package realtime is the consumer side of the change feed that keeps queue
// pools in sync across processes. Sources deliver typed events per pool; a
// Reconciler runs one loop per watched pool and resyncs whenever the feed
// is lost.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type ChangeType string

const (
	ChangeInserted  ChangeType = "inserted"
	ChangeUpdated   ChangeType = "updated"
	ChangeDeleted   ChangeType = "deleted"
	ChangeHeartbeat ChangeType = "heartbeat"
)

type Entity string

const (
	EntityAppointment Entity = "appointment"
	EntityQueueEntry  Entity = "queue_entry"
	EntityQueuePool   Entity = "queue_pool"
)

var (
	ErrSubscriptionLost = errors.New("realtime subscription lost")
	// ErrStaleUpdate is returned by sinks for events at or below the local
	// pool version.
	ErrStaleUpdate = errors.New("stale realtime update")
)

// Event is one change on a pool. Version is the pool version after the
// change was applied at the origin.
type Event struct {
	Type    ChangeType      `json:"type"`
	Entity  Entity          `json:"entity,omitempty"`
	PoolKey string          `json:"pool_key"`
	Version int64           `json:"version"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

func Heartbeat(poolKey string, at time.Time) Event {
	return Event{Type: ChangeHeartbeat, PoolKey: poolKey, At: at}
}

// Source opens subscriptions on a pool's change feed.
type Source interface {
	Subscribe(ctx context.Context, poolKey string) (*Subscription, error)
}

// Publisher pushes events onto the change feed.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}
