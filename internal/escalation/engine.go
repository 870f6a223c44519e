package escalation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-queue/internal/clock"
	"github.com/hackgods/consultation-queue/internal/notify"
	"github.com/hackgods/consultation-queue/internal/queue"
)

type Notifier interface {
	Submit(n notify.Notification) bool
}

// Claimer lets several processes agree on which one sends a given
// escalation. Claim reports true to exactly one caller per key and records
// the pool version it was made at. Release drops a claim made before the
// given version, so a stale release never removes a newer claim.
type Claimer interface {
	Claim(ctx context.Context, key string, version int64) (bool, error)
	Release(ctx context.Context, key string, before int64) error
}

// Engine keeps the escalation state of every queued entry and turns queue
// position changes into notifications.
type Engine struct {
	cfg      Config
	clock    clock.Clock
	notifier Notifier
	claimer  Claimer
	timeout  time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	states map[uuid.UUID]State
	// last claim job per entry; jobs of one entry run in event order
	tails map[uuid.UUID]chan struct{}
}

type Option func(*Engine)

// WithClaimer makes the engine claim each escalation before sending it.
func WithClaimer(c Claimer, timeout time.Duration) Option {
	return func(e *Engine) {
		e.claimer = c
		e.timeout = timeout
	}
}

func NewEngine(cfg Config, c clock.Clock, notifier Notifier, log zerolog.Logger, opts ...Option) *Engine {
	if cfg.UrgentThreshold <= 0 {
		cfg.UrgentThreshold = DefaultConfig.UrgentThreshold
	}
	if cfg.ProximityThreshold < cfg.UrgentThreshold {
		cfg.ProximityThreshold = cfg.UrgentThreshold
	}
	if cfg.ResetDelta < 0 {
		cfg.ResetDelta = DefaultConfig.ResetDelta
	}
	e := &Engine{
		cfg:      cfg,
		clock:    c,
		notifier: notifier,
		timeout:  2 * time.Second,
		log:      log.With().Str("component", "escalation").Logger(),
		states:   make(map[uuid.UUID]State),
		tails:    make(map[uuid.UUID]chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// HandleQueueEvent is registered as a queue tracker listener. It runs under
// the pool lock, so it only updates state and hands off delivery.
func (e *Engine) HandleQueueEvent(ev queue.Event) {
	switch ev.Type {
	case queue.EventPositionAssigned, queue.EventPositionChanged:
		d, reset := e.Evaluate(ev.Entry)
		if d.Escalate || reset {
			e.raise(ev, d, reset)
		}
	case queue.EventRemoved, queue.EventReady:
		e.Forget(ev.Entry.ID)
	}
}

// Evaluate runs Decide for the entry's current position and stores the
// new state. Read, decide and write happen under one lock. The second
// result reports whether a previously notified tier was reset.
func (e *Engine) Evaluate(entry queue.Entry) (Decision, bool) {
	if entry.Status == queue.StatusReady {
		return Decision{Tier: TierNone, Position: entry.Position}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.states[entry.ID]
	reset := Resets(entry.Position, st, e.cfg)
	d, next := Decide(entry.Position, st, e.cfg, e.clock.Now())
	e.states[entry.ID] = next
	return d, reset
}

func (e *Engine) State(entryID uuid.UUID) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[entryID]
	return st, ok
}

func (e *Engine) Forget(entryID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, entryID)
}

// Tracked reports how many entries currently hold state.
func (e *Engine) Tracked() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.states)
}

func (e *Engine) raise(ev queue.Event, d Decision, reset bool) {
	if e.claimer == nil {
		if d.Escalate {
			e.submit(notificationFor(ev.Entry, d), d)
		}
		return
	}

	id := ev.Entry.ID
	done := make(chan struct{})
	e.mu.Lock()
	prev := e.tails[id]
	e.tails[id] = done
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			if e.tails[id] == done {
				delete(e.tails, id)
			}
			e.mu.Unlock()
			close(done)
		}()
		if prev != nil {
			<-prev
		}

		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()

		if reset {
			for _, tier := range []Tier{TierProximity, TierUrgent} {
				key := claimKey(ev.Entry.ID, tier)
				if err := e.claimer.Release(ctx, key, ev.Version); err != nil {
					e.log.Warn().Err(err).Str("key", key).Msg("escalation claim release failed")
				}
			}
		}
		if !d.Escalate {
			return
		}

		key := claimKey(ev.Entry.ID, d.Tier)
		ok, err := e.claimer.Claim(ctx, key, ev.Version)
		if err != nil {
			e.log.Warn().Err(err).Str("key", key).Msg("escalation claim failed, sending anyway")
			ok = true
		}
		if ok {
			e.submit(notificationFor(ev.Entry, d), d)
		}
	}()
}

// claimKey is shared by every process; a tier is claimed once per cycle.
func claimKey(entryID uuid.UUID, tier Tier) string {
	return fmt.Sprintf("escalation:%s:%s", entryID, tier)
}

func (e *Engine) submit(n notify.Notification, d Decision) {
	if e.notifier == nil {
		return
	}
	if !e.notifier.Submit(n) {
		e.log.Warn().Str("recipient", n.Recipient).Str("tier", string(d.Tier)).Msg("escalation dropped, dispatcher queue full")
		return
	}
	e.log.Info().
		Str("recipient", n.Recipient).
		Str("tier", string(d.Tier)).
		Int("position", d.Position).
		Msg("escalation raised")
}

func notificationFor(entry queue.Entry, d Decision) notify.Notification {
	n := notify.Notification{
		Recipient: entry.PatientID.String(),
		ActionURL: "/queue/entries/" + entry.ID.String(),
		Tag:       "escalation-" + entry.ID.String(),
	}

	switch d.Tier {
	case TierUrgent:
		n.Severity = notify.SeverityUrgent
		n.Kind = notify.KindUrgent
		n.Title = "You're next"
		n.Body = "Please get ready, the provider will call you in a moment."
	default:
		n.Severity = notify.SeverityProximity
		n.Kind = notify.KindProximity
		n.Title = "Almost your turn"
		n.Body = fmt.Sprintf("You are number %d in the queue, about %d minutes to go.", d.Position, entry.EstimatedWaitMinutes)
	}
	return n
}
