package queue

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-queue/internal/clock"
)

var (
	ErrEntryNotFound = errors.New("queue entry not found")
	ErrNotAtFront    = errors.New("queue entry is not at position 1")
	ErrAlreadyReady  = errors.New("pool already has a ready entry")
)

type pool struct {
	mu       sync.Mutex
	key      string
	entries  []Entry
	version  int64
	degraded bool

	// while holding, commit buffers events in held instead of emitting
	holding bool
	held    []Event
}

func (p *pool) indexOf(id uuid.UUID) int {
	for i, e := range p.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// Tracker holds every pool in memory. Pool locks are always taken before
// the tracker lock, never the other way round.
type Tracker struct {
	clock      clock.Clock
	perPatient int
	log        zerolog.Logger

	mu      sync.Mutex
	pools   map[string]*pool
	byEntry map[uuid.UUID]string
	byAppt  map[uuid.UUID]uuid.UUID

	lmu       sync.RWMutex
	listeners []Listener
}

func NewTracker(c clock.Clock, perPatientMinutes int, log zerolog.Logger) *Tracker {
	if perPatientMinutes <= 0 {
		perPatientMinutes = DefaultPerPatientMinutes
	}
	return &Tracker{
		clock:      c,
		perPatient: perPatientMinutes,
		log:        log.With().Str("component", "queue").Logger(),
		pools:      make(map[string]*pool),
		byEntry:    make(map[uuid.UUID]string),
		byAppt:     make(map[uuid.UUID]uuid.UUID),
	}
}

func (t *Tracker) Subscribe(l Listener) {
	t.lmu.Lock()
	defer t.lmu.Unlock()
	t.listeners = append(t.listeners, l)
}

// EstimatedWait is the wait for a given position: a fixed number of
// minutes per patient ahead, counting the patient's own slot.
func (t *Tracker) EstimatedWait(position int) int {
	return position * t.perPatient
}

func (t *Tracker) pool(key string) *pool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pools[key]
	if !ok {
		p = &pool{key: key}
		t.pools[key] = p
	}
	return p
}

func (t *Tracker) poolOf(entryID uuid.UUID) (*pool, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key, ok := t.byEntry[entryID]
	if !ok {
		return nil, false
	}
	return t.pools[key], true
}

type JoinRequest struct {
	AppointmentID uuid.UUID
	PatientID     uuid.UUID
	PoolKey       string
}

// Join appends the appointment at the tail of its pool. Joining twice
// returns the existing entry.
func (t *Tracker) Join(req JoinRequest) (Entry, error) {
	if req.PoolKey == "" || req.AppointmentID == uuid.Nil {
		return Entry{}, ErrInvalidPool
	}

	p := t.pool(req.PoolKey)
	p.mu.Lock()

	t.mu.Lock()
	existing, dup := t.byAppt[req.AppointmentID]
	t.mu.Unlock()
	if dup {
		p.mu.Unlock()
		return t.Entry(existing)
	}

	before := p.state()
	e := Entry{
		ID:            uuid.New(),
		AppointmentID: req.AppointmentID,
		PatientID:     req.PatientID,
		PoolKey:       req.PoolKey,
		Status:        StatusWaiting,
		JoinedAt:      t.clock.Now(),
	}
	p.entries = append(p.entries, e)
	t.commit(p, before, nil, p.version+1)

	e = p.entries[len(p.entries)-1]
	p.mu.Unlock()
	return e, nil
}

// Remove deletes the entry and moves everyone behind it up by one.
func (t *Tracker) Remove(entryID uuid.UUID) (Entry, error) {
	p, ok := t.poolOf(entryID)
	if !ok {
		return Entry{}, ErrEntryNotFound
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.indexOf(entryID)
	if idx < 0 {
		return Entry{}, ErrEntryNotFound
	}

	before := p.state()
	removed := p.removeAt(idx)
	t.commit(p, before, []Entry{removed}, p.version+1)
	return removed, nil
}

// RemoveByAppointment removes the entry linked to an appointment, if any.
func (t *Tracker) RemoveByAppointment(appointmentID uuid.UUID) (Entry, bool, error) {
	id, ok := t.EntryIDByAppointment(appointmentID)
	if !ok {
		return Entry{}, false, nil
	}
	e, err := t.Remove(id)
	if errors.Is(err, ErrEntryNotFound) {
		return Entry{}, false, nil
	}
	return e, err == nil, err
}

// MarkReady flags the entry at position 1 as ready for its consultation.
func (t *Tracker) MarkReady(entryID uuid.UUID) (Entry, error) {
	p, ok := t.poolOf(entryID)
	if !ok {
		return Entry{}, ErrEntryNotFound
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.indexOf(entryID)
	if idx < 0 {
		return Entry{}, ErrEntryNotFound
	}
	if p.entries[idx].Position != 1 {
		return Entry{}, ErrNotAtFront
	}
	if p.entries[idx].Status == StatusReady {
		return Entry{}, ErrAlreadyReady
	}

	before := p.state()
	p.entries[idx].Status = StatusReady
	t.commit(p, before, nil, p.version+1)
	return p.entries[idx], nil
}

// Resync replaces a pool with authoritative state, whatever the local
// version is.
func (t *Tracker) Resync(poolKey string, entries []Entry, version int64) {
	p := t.pool(poolKey)
	p.mu.Lock()
	defer p.mu.Unlock()

	t.replaceLocked(p, entries, version)
}

func (t *Tracker) replaceLocked(p *pool, entries []Entry, version int64) {
	before := p.state()
	old := p.entries

	incoming := append([]Entry(nil), entries...)
	sort.SliceStable(incoming, func(i, j int) bool { return incoming[i].Position < incoming[j].Position })

	keep := make(map[uuid.UUID]struct{}, len(incoming))
	for i := range incoming {
		incoming[i].PoolKey = p.key
		keep[incoming[i].ID] = struct{}{}
	}

	var removed []Entry
	for _, e := range old {
		if _, ok := keep[e.ID]; !ok {
			removed = append(removed, e)
		}
	}

	p.entries = incoming
	t.commit(p, before, removed, version)
}

func (t *Tracker) Entry(entryID uuid.UUID) (Entry, error) {
	p, ok := t.poolOf(entryID)
	if !ok {
		return Entry{}, ErrEntryNotFound
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.indexOf(entryID)
	if idx < 0 {
		return Entry{}, ErrEntryNotFound
	}
	return p.entries[idx], nil
}

func (t *Tracker) EntryIDByAppointment(appointmentID uuid.UUID) (uuid.UUID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byAppt[appointmentID]
	return id, ok
}

func (t *Tracker) EntryByAppointment(appointmentID uuid.UUID) (Entry, bool) {
	id, ok := t.EntryIDByAppointment(appointmentID)
	if !ok {
		return Entry{}, false
	}
	e, err := t.Entry(id)
	return e, err == nil
}

func (t *Tracker) Snapshot(poolKey string) PoolSnapshot {
	t.mu.Lock()
	p, ok := t.pools[poolKey]
	t.mu.Unlock()
	if !ok {
		return PoolSnapshot{PoolKey: poolKey, Entries: []Entry{}}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolSnapshot{
		PoolKey:  poolKey,
		Version:  p.version,
		Degraded: p.degraded,
		Entries:  append([]Entry{}, p.entries...),
	}
}

func (t *Tracker) Version(poolKey string) int64 {
	return t.Snapshot(poolKey).Version
}

func (t *Tracker) Pools() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]string, 0, len(t.pools))
	for k := range t.pools {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SetDegraded marks a pool whose live feed could not be restored. Clients
// should poll it instead of waiting for pushes.
func (t *Tracker) SetDegraded(poolKey string, degraded bool) {
	p := t.pool(poolKey)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.degraded = degraded
}

func (t *Tracker) Degraded(poolKey string) bool {
	return t.Snapshot(poolKey).Degraded
}

// commit renumbers the pool densely, refreshes the wait estimates and the
// indexes, bumps the version and emits one event per observable change.
// Caller holds p.mu.
func (t *Tracker) commit(p *pool, before map[uuid.UUID]Entry, removed []Entry, version int64) {
	readySeen := false
	for i := range p.entries {
		e := &p.entries[i]
		e.Position = i + 1
		e.EstimatedWaitMinutes = t.EstimatedWait(e.Position)
		if e.Status == StatusReady {
			if e.Position != 1 || readySeen {
				t.log.Warn().Str("pool", p.key).Str("entry_id", e.ID.String()).Msg("ready entry not at front, demoted to waiting")
				e.Status = StatusWaiting
			}
			readySeen = true
		}
		if e.Status == "" {
			e.Status = StatusWaiting
		}
	}
	p.version = version

	t.mu.Lock()
	for _, e := range removed {
		if t.byEntry[e.ID] == p.key {
			delete(t.byEntry, e.ID)
			delete(t.byAppt, e.AppointmentID)
		}
	}
	for _, e := range p.entries {
		t.byEntry[e.ID] = p.key
		t.byAppt[e.AppointmentID] = e.ID
	}
	t.mu.Unlock()

	var events []Event
	for _, e := range removed {
		events = append(events, Event{Type: EventRemoved, Entry: e, PreviousPosition: e.Position, Version: version})
	}
	for _, e := range p.entries {
		prev, existed := before[e.ID]
		switch {
		case !existed:
			events = append(events, Event{Type: EventPositionAssigned, Entry: e, Version: version})
		case prev.Position != e.Position:
			events = append(events, Event{Type: EventPositionChanged, Entry: e, PreviousPosition: prev.Position, Version: version})
		}
		if e.Status == StatusReady && (!existed || prev.Status != StatusReady) {
			events = append(events, Event{Type: EventReady, Entry: e, PreviousPosition: prev.Position, Version: version})
		}
	}

	if p.holding {
		p.held = append(p.held, events...)
		return
	}
	t.emit(events)
}

// Hold buffers the events of a pool until Release, so listeners never see
// a change that is later rolled back.
func (t *Tracker) Hold(poolKey string) {
	p := t.pool(poolKey)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holding = true
}

// Release ends a hold. The buffered events are emitted when publish is set
// and dropped otherwise.
func (t *Tracker) Release(poolKey string, publish bool) {
	p := t.pool(poolKey)
	p.mu.Lock()
	defer p.mu.Unlock()

	events := p.held
	p.held = nil
	p.holding = false
	if publish {
		t.emit(events)
	}
}

func (t *Tracker) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	t.lmu.RLock()
	listeners := t.listeners
	t.lmu.RUnlock()

	for _, ev := range events {
		for _, l := range listeners {
			l(ev)
		}
	}
}

// state captures positions before a mutation. Caller holds p.mu.
func (p *pool) state() map[uuid.UUID]Entry {
	m := make(map[uuid.UUID]Entry, len(p.entries))
	for _, e := range p.entries {
		m[e.ID] = e
	}
	return m
}

func (p *pool) removeAt(idx int) Entry {
	e := p.entries[idx]
	p.entries = append(p.entries[:idx:idx], p.entries[idx+1:]...)
	return e
}
