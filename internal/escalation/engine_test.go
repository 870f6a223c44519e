package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/consultation-queue/internal/appointment"
	"github.com/hackgods/consultation-queue/internal/clock"
	"github.com/hackgods/consultation-queue/internal/notify"
	"github.com/hackgods/consultation-queue/internal/queue"
	"github.com/hackgods/consultation-queue/internal/realtime"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (n *recordingNotifier) Submit(msg notify.Notification) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return true
}

func (n *recordingNotifier) to(recipient string) []notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Notification
	for _, m := range n.sent {
		if m.Recipient == recipient {
			out = append(out, m)
		}
	}
	return out
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func newQueue(t *testing.T, opts ...Option) (*queue.Tracker, *Engine, *recordingNotifier) {
	t.Helper()
	clk := clock.NewFake(now)
	tr := queue.NewTracker(clk, 10, zerolog.Nop())
	n := &recordingNotifier{}
	eng := NewEngine(DefaultConfig, clk, n, zerolog.Nop(), opts...)
	tr.Subscribe(eng.HandleQueueEvent)
	return tr, eng, n
}

func joinPatient(t *testing.T, tr *queue.Tracker, pool string) queue.Entry {
	t.Helper()
	e, err := tr.Join(queue.JoinRequest{AppointmentID: uuid.New(), PatientID: uuid.New(), PoolKey: pool})
	require.NoError(t, err)
	return e
}

func TestEngine_TwoAheadCancelRaisesOneProximity(t *testing.T) {
	tr, _, n := newQueue(t)

	var entries []queue.Entry
	for i := 0; i < 5; i++ {
		entries = append(entries, joinPatient(t, tr, "provider:a"))
	}
	patient := entries[3]
	recipient := patient.PatientID.String()
	require.Empty(t, n.to(recipient))

	_, err := tr.Remove(entries[1].ID)
	require.NoError(t, err)
	_, err = tr.Remove(entries[2].ID)
	require.NoError(t, err)

	got, err := tr.Entry(patient.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.Position)

	// an unrelated change in the same pool
	joinPatient(t, tr, "provider:a")

	sent := n.to(recipient)
	require.Len(t, sent, 1)
	assert.Equal(t, notify.KindProximity, sent[0].Kind)
	assert.Equal(t, notify.SeverityProximity, sent[0].Severity)
	assert.Contains(t, sent[0].Body, "number 3")
}

func TestEngine_JoiningAtTheFrontIsUrgent(t *testing.T) {
	tr, eng, n := newQueue(t)
	first := joinPatient(t, tr, "p")
	second := joinPatient(t, tr, "p")

	sent := n.to(first.PatientID.String())
	require.Len(t, sent, 1)
	assert.Equal(t, notify.SeverityUrgent, sent[0].Severity)
	assert.Equal(t, notify.KindUrgent, sent[0].Kind)
	assert.Equal(t, "/queue/entries/"+first.ID.String(), sent[0].ActionURL)

	_, err := tr.Remove(first.ID)
	require.NoError(t, err)

	sent = n.to(second.PatientID.String())
	require.Len(t, sent, 2)
	assert.Equal(t, notify.KindProximity, sent[0].Kind)
	assert.Equal(t, notify.KindUrgent, sent[1].Kind)

	st, ok := eng.State(second.ID)
	require.True(t, ok)
	assert.Equal(t, TierUrgent, st.NotifiedTier)
	assert.Equal(t, 1, st.LastNotifiedPosition)
}

func TestEngine_ForgetsRemovedAndReadyEntries(t *testing.T) {
	tr, eng, _ := newQueue(t)
	first := joinPatient(t, tr, "p")
	second := joinPatient(t, tr, "p")
	require.Equal(t, 2, eng.Tracked())

	_, err := tr.MarkReady(first.ID)
	require.NoError(t, err)
	_, ok := eng.State(first.ID)
	assert.False(t, ok)

	_, err = tr.Remove(second.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, eng.Tracked())
}

func TestEngine_RealtimeReplayDoesNotNotifyTwice(t *testing.T) {
	tr, _, n := newQueue(t)
	patient := queue.Entry{ID: uuid.New(), AppointmentID: uuid.New(), PatientID: uuid.New(), Position: 1}
	payload, err := json.Marshal(patient)
	require.NoError(t, err)

	ev := realtime.Event{Type: realtime.ChangeInserted, Entity: realtime.EntityQueueEntry, PoolKey: "p", Version: 1, Payload: payload}
	require.NoError(t, tr.HandleRealtimeUpdate(ev))
	assert.ErrorIs(t, tr.HandleRealtimeUpdate(ev), queue.ErrStaleUpdate)

	ev.Version = 2
	require.NoError(t, tr.HandleRealtimeUpdate(ev))

	assert.Len(t, n.to(patient.PatientID.String()), 1)
}

type memoryClaimer struct {
	mu     sync.Mutex
	claims map[string]int64
	err    error
}

func (c *memoryClaimer) Claim(_ context.Context, key string, version int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	if _, ok := c.claims[key]; ok {
		return false, nil
	}
	c.claims[key] = version
	return true, nil
}

func (c *memoryClaimer) Release(_ context.Context, key string, before int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if v, ok := c.claims[key]; ok && v < before {
		delete(c.claims, key)
	}
	return nil
}

func poolUpdate(t *testing.T, version int64, entries ...queue.Entry) realtime.Event {
	t.Helper()
	for i := range entries {
		entries[i].Position = i + 1
	}
	payload, err := json.Marshal(entries)
	require.NoError(t, err)
	return realtime.Event{Type: realtime.ChangeUpdated, Entity: realtime.EntityQueuePool, PoolKey: "p", Version: version, Payload: payload}
}

func stranger() queue.Entry {
	return queue.Entry{ID: uuid.New(), AppointmentID: uuid.New(), PatientID: uuid.New()}
}

func TestEngine_ClaimerSendsOnceAcrossProcesses(t *testing.T) {
	claimer := &memoryClaimer{claims: map[string]int64{}}
	trA, _, nA := newQueue(t, WithClaimer(claimer, time.Second))
	trB, _, nB := newQueue(t, WithClaimer(claimer, time.Second))

	snapshot := []queue.Entry{{ID: uuid.New(), AppointmentID: uuid.New(), PatientID: uuid.New(), Position: 1}}
	payload, err := json.Marshal(snapshot)
	require.NoError(t, err)
	ev := realtime.Event{Type: realtime.ChangeUpdated, Entity: realtime.EntityQueuePool, PoolKey: "p", Version: 4, Payload: payload}

	require.NoError(t, trA.HandleRealtimeUpdate(ev))
	require.NoError(t, trB.HandleRealtimeUpdate(ev))

	assert.Eventually(t, func() bool { return nA.count()+nB.count() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, nA.count()+nB.count())
}

func TestEngine_ClaimErrorStillSends(t *testing.T) {
	tr, _, n := newQueue(t, WithClaimer(&memoryClaimer{err: errors.New("redis down")}, time.Second))
	joinPatient(t, tr, "p")

	assert.Eventually(t, func() bool { return n.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestEngine_RestartedProcessDoesNotRepeatTier(t *testing.T) {
	claimer := &memoryClaimer{claims: map[string]int64{}}
	trA, _, nA := newQueue(t, WithClaimer(claimer, time.Second))

	patient := stranger()
	recipient := patient.PatientID.String()
	a, b := stranger(), stranger()
	require.NoError(t, trA.HandleRealtimeUpdate(poolUpdate(t, 1, a, b, patient)))
	assert.Eventually(t, func() bool { return len(nA.to(recipient)) == 1 }, time.Second, 10*time.Millisecond)

	// a process started later has no escalation state and first sees version 3
	trB, _, nB := newQueue(t, WithClaimer(claimer, time.Second))
	require.NoError(t, trB.HandleRealtimeUpdate(poolUpdate(t, 3, b, patient)))
	require.NoError(t, trA.HandleRealtimeUpdate(poolUpdate(t, 3, b, patient)))

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, nA.to(recipient), 1)
	assert.Empty(t, nB.to(recipient))
}

func TestEngine_ResetReleasesClaimForNextCycle(t *testing.T) {
	claimer := &memoryClaimer{claims: map[string]int64{}}
	tr, _, n := newQueue(t, WithClaimer(claimer, time.Second))

	patient := stranger()
	recipient := patient.PatientID.String()
	ahead := []queue.Entry{stranger(), stranger(), stranger(), stranger(), stranger()}

	require.NoError(t, tr.HandleRealtimeUpdate(poolUpdate(t, 1, ahead[0], ahead[1], patient)))
	// five ahead: position 6 resets the proximity tier
	require.NoError(t, tr.HandleRealtimeUpdate(poolUpdate(t, 2, append(append([]queue.Entry{}, ahead...), patient)...)))
	require.NoError(t, tr.HandleRealtimeUpdate(poolUpdate(t, 3, ahead[3], ahead[4], patient)))

	assert.Eventually(t, func() bool { return len(n.to(recipient)) == 2 }, time.Second, 10*time.Millisecond)
	for _, msg := range n.to(recipient) {
		assert.Equal(t, notify.KindProximity, msg.Kind)
	}
}

type appointmentBook map[uuid.UUID]*appointment.Appointment

func (b appointmentBook) Get(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	a, ok := b[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	return a, nil
}

// flakyRepository fails the first saves and then behaves.
type flakyRepository struct {
	*queue.MemoryRepository
	failures int
}

func (r *flakyRepository) SavePool(ctx context.Context, snap queue.PoolSnapshot) error {
	if r.failures > 0 {
		r.failures--
		return errors.New("db down")
	}
	return r.MemoryRepository.SavePool(ctx, snap)
}

func TestEngine_FailedSaveRaisesNothing(t *testing.T) {
	clk := clock.NewFake(now)
	tr := queue.NewTracker(clk, 10, zerolog.Nop())
	n := &recordingNotifier{}
	eng := NewEngine(DefaultConfig, clk, n, zerolog.Nop())
	tr.Subscribe(eng.HandleQueueEvent)

	appt := &appointment.Appointment{
		ID:          uuid.New(),
		PatientID:   uuid.New(),
		ProviderID:  uuid.New(),
		SpecialtyID: uuid.New(),
		ScheduledAt: now.Add(5 * time.Minute),
		Status:      appointment.StatusScheduled,
	}
	repo := &flakyRepository{MemoryRepository: queue.NewMemoryRepository(), failures: 1}
	svc := queue.NewService(tr, repo, queue.LocalLocker{}, nil, appointmentBook{appt.ID: appt}, nil, clk, zerolog.Nop())

	_, err := svc.Join(context.Background(), appt.ID, queue.PoolByProvider)
	require.Error(t, err)
	assert.Equal(t, 0, n.count())
	assert.Equal(t, 0, eng.Tracked())

	entry, err := svc.Join(context.Background(), appt.ID, queue.PoolByProvider)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Position)

	sent := n.to(appt.PatientID.String())
	require.Len(t, sent, 1)
	assert.Equal(t, notify.KindUrgent, sent[0].Kind)
}
