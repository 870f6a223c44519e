package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-queue/internal/appointment"
	"github.com/hackgods/consultation-queue/internal/clock"
	"github.com/hackgods/consultation-queue/internal/notify"
	"github.com/hackgods/consultation-queue/internal/realtime"
)

var (
	ErrNotQueueable = errors.New("appointment cannot be queued")
	ErrPoolBusy     = errors.New("pool is being updated, please retry")
)

// Locker guards a pool across processes.
type Locker interface {
	WithPoolLock(ctx context.Context, poolKey string, fn func(ctx context.Context) error) error
}

// LocalLocker runs fn directly. Single process deployments and tests use it;
// the tracker's own pool locks still apply.
type LocalLocker struct{}

func (LocalLocker) WithPoolLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type AppointmentReader interface {
	Get(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
}

type Notifier interface {
	Submit(n notify.Notification) bool
}

// Service persists tracker changes, publishes them to other processes and
// acts as the reconciler's sink.
type Service struct {
	tracker  *Tracker
	repo     Repository
	locker   Locker
	pub      realtime.Publisher
	appts    AppointmentReader
	notifier Notifier
	clock    clock.Clock
	log      zerolog.Logger

	// lockErr is the error a Locker returns when a pool is held elsewhere.
	lockErr      error
	onPoolActive func(poolKey string)

	// serializes withPool per pool inside this process
	poolMu sync.Map
}

type ServiceOption func(*Service)

// WithBusyError maps the locker's contention error to ErrPoolBusy.
func WithBusyError(err error) ServiceOption {
	return func(s *Service) { s.lockErr = err }
}

// WithPoolActivity registers a callback run after each successful change on
// a pool, typically to start watching its feed.
func WithPoolActivity(fn func(poolKey string)) ServiceOption {
	return func(s *Service) { s.onPoolActive = fn }
}

func NewService(tracker *Tracker, repo Repository, locker Locker, pub realtime.Publisher, appts AppointmentReader, notifier Notifier, c clock.Clock, log zerolog.Logger, opts ...ServiceOption) *Service {
	if locker == nil {
		locker = LocalLocker{}
	}
	s := &Service{
		tracker:  tracker,
		repo:     repo,
		locker:   locker,
		pub:      pub,
		appts:    appts,
		notifier: notifier,
		clock:    c,
		log:      log.With().Str("component", "queue").Logger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Tracker() *Tracker { return s.tracker }

// Join queues a scheduled appointment in its provider or specialty pool.
func (s *Service) Join(ctx context.Context, appointmentID uuid.UUID, by PoolBy) (Entry, error) {
	appt, err := s.appts.Get(ctx, appointmentID)
	if err != nil {
		return Entry{}, err
	}
	if appt.Status != appointment.StatusScheduled {
		return Entry{}, fmt.Errorf("%w: status is %s", ErrNotQueueable, appt.Status)
	}

	key, err := PoolKeyFor(by, appt.ProviderID, appt.SpecialtyID)
	if err != nil {
		return Entry{}, err
	}

	var entry Entry
	err = s.withPool(ctx, key, func() error {
		e, err := s.tracker.Join(JoinRequest{AppointmentID: appt.ID, PatientID: appt.PatientID, PoolKey: key})
		entry = e
		return err
	})
	return entry, err
}

// Leave removes an entry when the patient exits the queue.
func (s *Service) Leave(ctx context.Context, entryID uuid.UUID) (Entry, error) {
	cur, err := s.tracker.Entry(entryID)
	if err != nil {
		return Entry{}, err
	}

	var removed Entry
	err = s.withPool(ctx, cur.PoolKey, func() error {
		e, err := s.tracker.Remove(entryID)
		removed = e
		return err
	})
	return removed, err
}

// MarkReady flags the front entry as ready and tells the patient.
func (s *Service) MarkReady(ctx context.Context, entryID uuid.UUID) (Entry, error) {
	cur, err := s.tracker.Entry(entryID)
	if err != nil {
		return Entry{}, err
	}

	var ready Entry
	err = s.withPool(ctx, cur.PoolKey, func() error {
		e, err := s.tracker.MarkReady(entryID)
		ready = e
		return err
	})
	if err != nil {
		return Entry{}, err
	}

	if s.notifier != nil {
		s.notifier.Submit(notify.Notification{
			Recipient: ready.PatientID.String(),
			Severity:  notify.SeverityUrgent,
			Kind:      notify.KindConsultationReady,
			Title:     "Your consultation is ready",
			Body:      "The provider is ready for you. Join the call now.",
			ActionURL: "/appointments/" + ready.AppointmentID.String() + "/join",
			Tag:       "ready-" + ready.ID.String(),
		})
	}
	return ready, nil
}

func (s *Service) Entry(entryID uuid.UUID) (Entry, error) {
	return s.tracker.Entry(entryID)
}

func (s *Service) Snapshot(poolKey string) PoolSnapshot {
	return s.tracker.Snapshot(poolKey)
}

// OnAppointmentEvent drops the queue entry of an appointment that is no
// longer waiting.
func (s *Service) OnAppointmentEvent(ctx context.Context, ev appointment.Event) {
	if !ev.LeftScheduled() {
		return
	}
	entry, ok := s.tracker.EntryByAppointment(ev.Appointment.ID)
	if !ok {
		return
	}

	err := s.withPool(ctx, entry.PoolKey, func() error {
		_, _, err := s.tracker.RemoveByAppointment(ev.Appointment.ID)
		return err
	})
	if err != nil {
		s.log.Error().Err(err).
			Str("appointment_id", ev.Appointment.ID.String()).
			Str("event", string(ev.Type)).
			Msg("failed to remove queue entry for appointment")
	}
}

// Restore loads every stored pool into the tracker and returns their keys.
func (s *Service) Restore(ctx context.Context) ([]string, error) {
	keys, err := s.repo.ListPools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	for _, k := range keys {
		if err := s.Resync(ctx, k); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// Apply implements realtime.Sink.
func (s *Service) Apply(_ context.Context, ev realtime.Event) error {
	return s.tracker.HandleRealtimeUpdate(ev)
}

// Resync implements realtime.Sink.
func (s *Service) Resync(ctx context.Context, poolKey string) error {
	entries, version, err := s.repo.LoadPool(ctx, poolKey)
	if err != nil {
		return fmt.Errorf("load pool %s: %w", poolKey, err)
	}
	s.tracker.Resync(poolKey, entries, version)
	return nil
}

// SetDegraded implements realtime.Sink.
func (s *Service) SetDegraded(poolKey string, degraded bool) {
	s.tracker.SetDegraded(poolKey, degraded)
}

// withPool runs mutate under the cross-process pool lock, first catching up
// with whatever another process stored, then persisting and publishing the
// result. Tracker events of the mutation reach listeners only once the save
// succeeded; a failed save rolls the tracker back and drops them.
func (s *Service) withPool(ctx context.Context, poolKey string, mutate func() error) error {
	mu := s.localLock(poolKey)
	mu.Lock()
	defer mu.Unlock()

	err := s.locker.WithPoolLock(ctx, poolKey, func(ctx context.Context) error {
		entries, version, err := s.repo.LoadPool(ctx, poolKey)
		if err != nil {
			return fmt.Errorf("load pool: %w", err)
		}
		if version > s.tracker.Version(poolKey) {
			s.tracker.Resync(poolKey, entries, version)
		}

		s.tracker.Hold(poolKey)
		publish := true
		defer func() { s.tracker.Release(poolKey, publish) }()

		before := s.tracker.Version(poolKey)
		if err := mutate(); err != nil {
			return err
		}

		snap := s.tracker.Snapshot(poolKey)
		if snap.Version == before {
			return nil
		}

		if err := s.repo.SavePool(ctx, snap); err != nil {
			publish = false
			s.tracker.Resync(poolKey, entries, version)
			return fmt.Errorf("save pool: %w", err)
		}

		s.publish(ctx, snap)
		return nil
	})
	if err != nil {
		if s.lockErr != nil && errors.Is(err, s.lockErr) {
			return ErrPoolBusy
		}
		return err
	}

	if s.onPoolActive != nil {
		s.onPoolActive(poolKey)
	}
	return nil
}

func (s *Service) localLock(poolKey string) *sync.Mutex {
	mu, _ := s.poolMu.LoadOrStore(poolKey, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *Service) publish(ctx context.Context, snap PoolSnapshot) {
	if s.pub == nil {
		return
	}

	payload, err := json.Marshal(snap.Entries)
	if err != nil {
		s.log.Error().Err(err).Str("pool", snap.PoolKey).Msg("failed to encode pool snapshot")
		return
	}

	ev := realtime.Event{
		Type:    realtime.ChangeUpdated,
		Entity:  realtime.EntityQueuePool,
		PoolKey: snap.PoolKey,
		Version: snap.Version,
		Payload: payload,
		At:      s.clock.Now(),
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("pool", snap.PoolKey).Int64("version", snap.Version).Msg("failed to publish pool change")
	}
}
