package queue

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hackgods/consultation-queue/internal/realtime"
)

var (
	ErrStaleUpdate   = realtime.ErrStaleUpdate
	ErrUnknownEntity = errors.New("unknown realtime entity")
)

// appointmentChange is the part of an appointment row the queue cares about.
type appointmentChange struct {
	ID     uuid.UUID `json:"id"`
	Status string    `json:"status"`
}

// HandleRealtimeUpdate reconciles a pool with a change pushed by another
// process. Events at or below the local version are stale. Entry changes
// carry absolute positions, so replaying one never shifts anyone twice.
func (t *Tracker) HandleRealtimeUpdate(ev realtime.Event) error {
	if ev.Type == realtime.ChangeHeartbeat {
		return nil
	}
	if ev.PoolKey == "" {
		return ErrInvalidPool
	}

	p := t.pool(ev.PoolKey)
	p.mu.Lock()
	defer p.mu.Unlock()

	if ev.Version <= p.version {
		t.log.Debug().
			Str("pool", ev.PoolKey).
			Int64("version", ev.Version).
			Int64("local_version", p.version).
			Msg("stale realtime update discarded")
		return ErrStaleUpdate
	}

	switch ev.Entity {
	case realtime.EntityQueuePool:
		var entries []Entry
		if err := json.Unmarshal(ev.Payload, &entries); err != nil {
			return fmt.Errorf("decode pool snapshot: %w", err)
		}
		t.replaceLocked(p, entries, ev.Version)

	case realtime.EntityQueueEntry:
		var e Entry
		if err := json.Unmarshal(ev.Payload, &e); err != nil {
			return fmt.Errorf("decode queue entry: %w", err)
		}
		if ev.Type == realtime.ChangeDeleted {
			t.deleteLocked(p, func(x Entry) bool { return x.ID == e.ID }, ev.Version)
		} else {
			t.upsertLocked(p, e, ev.Version)
		}

	case realtime.EntityAppointment:
		var a appointmentChange
		if err := json.Unmarshal(ev.Payload, &a); err != nil {
			return fmt.Errorf("decode appointment change: %w", err)
		}
		if ev.Type == realtime.ChangeDeleted || a.Status != "scheduled" {
			t.deleteLocked(p, func(x Entry) bool { return x.AppointmentID == a.ID }, ev.Version)
		} else {
			p.version = ev.Version
		}

	default:
		return fmt.Errorf("%w: %q", ErrUnknownEntity, ev.Entity)
	}

	return nil
}

// upsertLocked places e at its absolute position.
func (t *Tracker) upsertLocked(p *pool, e Entry, version int64) {
	before := p.state()
	if idx := p.indexOf(e.ID); idx >= 0 {
		p.removeAt(idx)
	}

	e.PoolKey = p.key
	idx := e.Position - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(p.entries) {
		idx = len(p.entries)
	}
	p.entries = append(p.entries, Entry{})
	copy(p.entries[idx+1:], p.entries[idx:])
	p.entries[idx] = e

	t.commit(p, before, nil, version)
}

func (t *Tracker) deleteLocked(p *pool, match func(Entry) bool, version int64) {
	before := p.state()
	var removed []Entry
	for i := 0; i < len(p.entries); {
		if match(p.entries[i]) {
			removed = append(removed, p.removeAt(i))
			continue
		}
		i++
	}
	t.commit(p, before, removed, version)
}
