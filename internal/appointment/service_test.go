package appointment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/consultation-queue/internal/cancellation"
	"github.com/hackgods/consultation-queue/internal/clock"
	"github.com/hackgods/consultation-queue/internal/config"
	"github.com/hackgods/consultation-queue/internal/notify"
	"github.com/hackgods/consultation-queue/internal/schedule"
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

func (n *recordingNotifier) kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Kind, len(n.sent))
	for i, m := range n.sent {
		out[i] = m.Kind
	}
	return out
}

type fixture struct {
	svc      *Service
	repo     *MemoryRepository
	clock    *clock.Fake
	sched    *schedule.Scheduler
	notifier *recordingNotifier
	events   []Event
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	clk := clock.NewFake(now)
	repo := NewMemoryRepository(clk)
	sched := schedule.New(clk, zerolog.Nop())
	notifier := &recordingNotifier{}

	f := &fixture{repo: repo, clock: clk, sched: sched, notifier: notifier}
	f.svc = NewService(repo, clk, config.Defaults().Appointment, sched, notifier, zerolog.Nop())
	f.svc.Subscribe(func(_ context.Context, ev Event) { f.events = append(f.events, ev) })
	return f
}

func (f *fixture) book(t *testing.T, at time.Time, price int64) *Appointment {
	t.Helper()
	appt, err := f.svc.Create(context.Background(), NewAppointment{
		PatientID:        uuid.New(),
		ProviderID:       uuid.New(),
		SpecialtyID:      uuid.New(),
		ScheduledAt:      at,
		DurationMinutes:  30,
		Price:            price,
		PaymentReference: "pay_" + uuid.NewString(),
	})
	require.NoError(t, err)
	return appt
}

func TestCreate_ConfirmsPaymentAndArmsReminders(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, now)

	appt := f.book(t, now.Add(48*time.Hour), 8990)

	assert.Equal(t, StatusScheduled, appt.Status)
	assert.Equal(t, []notify.Kind{notify.KindPaymentConfirmed}, f.notifier.kinds())
	assert.Equal(t, 3, f.sched.PendingKey(reminderKey(appt.ID)))
	assert.Equal(t, []string{string(EventAppointmentCreated)}, f.repo.Events())
	require.Len(t, f.events, 1)
	assert.Equal(t, EventAppointmentCreated, f.events[0].Type)
}

func TestCreate_IsIdempotentPerPaymentReference(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, now)

	in := NewAppointment{
		PatientID:        uuid.New(),
		ProviderID:       uuid.New(),
		ScheduledAt:      now.Add(time.Hour),
		DurationMinutes:  20,
		Price:            5000,
		PaymentReference: "pay_123",
	}
	first, err := f.svc.Create(context.Background(), in)
	require.NoError(t, err)
	second, err := f.svc.Create(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, f.notifier.kinds(), 1)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t, time.Now().UTC())
	_, err := f.svc.Create(context.Background(), NewAppointment{PaymentReference: "x"})
	require.ErrorIs(t, err, ErrInvalidAppointment)
	assert.Contains(t, err.Error(), "patient_id is required")
}

func TestJoin_OutsideWindowLeavesAppointmentUntouched(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, start)
	appt := f.book(t, start.Add(time.Hour), 5000)

	f.clock.Set(appt.ScheduledAt.Add(-11 * time.Minute))
	_, err := f.svc.Join(context.Background(), appt.ID)
	require.ErrorIs(t, err, ErrNotJoinable)

	stored, err := f.svc.Get(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, stored.Status)

	f.clock.Set(appt.ScheduledAt.Add(-10 * time.Minute))
	joined, err := f.svc.Join(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, joined.Status)
	assert.Equal(t, 0, f.sched.PendingKey(reminderKey(appt.ID)))
}

func TestJoinCompleteFlow(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, start)
	appt := f.book(t, start.Add(5*time.Minute), 5000)

	_, err := f.svc.Join(context.Background(), appt.ID)
	require.NoError(t, err)

	f.clock.Advance(18 * time.Minute)
	done, err := f.svc.Complete(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, 18, *done.ActualDurationMinutes)

	_, _, err = f.svc.Cancel(context.Background(), appt.ID)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	types := make([]EventType, len(f.events))
	for i, ev := range f.events {
		types[i] = ev.Type
	}
	assert.Equal(t, []EventType{EventAppointmentCreated, EventAppointmentJoined, EventAppointmentCompleted}, types)
}

func TestRollbackJoin_RearmsReminders(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, start)
	appt := f.book(t, start.Add(20*time.Minute), 5000)
	assert.Equal(t, 1, f.sched.PendingKey(reminderKey(appt.ID)))

	f.clock.Set(appt.ScheduledAt.Add(-10 * time.Minute))
	_, err := f.svc.Join(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, f.sched.PendingKey(reminderKey(appt.ID)))

	back, err := f.svc.RollbackJoin(context.Background(), appt.ID, "video session failed")
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, back.Status)
	assert.Nil(t, back.JoinedAt)
	assert.Contains(t, f.repo.Events(), string(EventAppointmentJoinFailed))
}

func TestCancel_ThreeHoursBeforeRefundsHalf(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, start)
	appt := f.book(t, start.Add(3*time.Hour), 8990)

	cancelled, refund, err := f.svc.Cancel(context.Background(), appt.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, 0.5, refund.RefundPercentage)
	assert.Equal(t, int64(4495), refund.RefundAmount)
	assert.Equal(t, cancellation.RefundProcessed, refund.Status)
	assert.Equal(t, 0, f.sched.PendingKey(reminderKey(appt.ID)))

	stored, err := f.svc.Refund(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, refund.ID, stored.ID)

	last := f.events[len(f.events)-1]
	assert.Equal(t, EventAppointmentCancelled, last.Type)
	assert.True(t, last.LeftScheduled())
	require.NotNil(t, last.Refund)
}

func TestCancel_ShortNoticeStillRecordsRefund(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, start)
	appt := f.book(t, start.Add(30*time.Minute), 8990)

	_, refund, err := f.svc.Cancel(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), refund.RefundAmount)
	assert.Equal(t, cancellation.RefundNotApplicable, refund.Status)
}

func TestCancel_UsesConfiguredNotice(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	cfg := config.Defaults().Appointment
	cfg.RefundFullNotice = 48 * time.Hour
	cfg.RefundPartialNotice = 6 * time.Hour
	svc := NewService(NewMemoryRepository(clk), clk, cfg, nil, nil, zerolog.Nop())

	appt, err := svc.Create(context.Background(), NewAppointment{
		PatientID:        uuid.New(),
		ProviderID:       uuid.New(),
		ScheduledAt:      start.Add(30 * time.Hour),
		DurationMinutes:  30,
		Price:            10000,
		PaymentReference: "pay_" + uuid.NewString(),
	})
	require.NoError(t, err)

	_, refund, err := svc.Cancel(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.5, refund.RefundPercentage)
	assert.Equal(t, cancellation.Tier("6–48h notice"), refund.ReasonTier)
}

func TestRefund_NotFound(t *testing.T) {
	f := newFixture(t, time.Now().UTC())
	_, err := f.svc.Refund(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrRefundNotFound)
}

func TestReschedule_MovesReminders(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, start)
	appt := f.book(t, start.Add(2*time.Hour), 5000)
	assert.Equal(t, 2, f.sched.PendingKey(reminderKey(appt.ID)))

	moved, err := f.svc.Reschedule(context.Background(), appt.ID, start.Add(72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, start.Add(72*time.Hour), moved.ScheduledAt)
	assert.Equal(t, 3, f.sched.PendingKey(reminderKey(appt.ID)))

	next, ok := f.sched.NextDue()
	require.True(t, ok)
	assert.Equal(t, start.Add(48*time.Hour), next)
}

func TestReminders_FireAsNotifications(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, start)
	appt := f.book(t, start.Add(90*time.Minute), 5000)

	f.clock.Set(appt.ScheduledAt.Add(-time.Hour))
	assert.Equal(t, 1, f.sched.RunDue(context.Background()))

	f.clock.Set(appt.ScheduledAt.Add(-10 * time.Minute))
	assert.Equal(t, 1, f.sched.RunDue(context.Background()))

	assert.Equal(t, []notify.Kind{
		notify.KindPaymentConfirmed,
		notify.KindAppointmentReminder,
		notify.KindAppointmentReminder,
	}, f.notifier.kinds())
	assert.Contains(t, f.notifier.sent[1].Body, "1 hour")
	assert.Contains(t, f.notifier.sent[2].Body, "10 minutes")
}

func TestReminders_SkippedAfterCancel(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, start)
	appt := f.book(t, start.Add(90*time.Minute), 5000)

	_, _, err := f.svc.Cancel(context.Background(), appt.ID)
	require.NoError(t, err)

	f.clock.Set(appt.ScheduledAt)
	assert.Equal(t, 0, f.sched.RunDue(context.Background()))
	assert.Equal(t, []notify.Kind{notify.KindPaymentConfirmed}, f.notifier.kinds())
}

func TestLoadUpcoming_ArmsOnlyWithinLookout(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, start)

	soon := f.book(t, start.Add(2*time.Hour), 5000)
	later := f.book(t, start.Add(72*time.Hour), 5000)

	// a fresh scheduler, as in a restarted worker
	f.sched = schedule.New(f.clock, zerolog.Nop())
	f.svc.sched = f.sched

	armed, err := f.svc.LoadUpcoming(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, armed)
	assert.Equal(t, 2, f.sched.PendingKey(reminderKey(soon.ID)))
	assert.Equal(t, 0, f.sched.PendingKey(reminderKey(later.ID)))

	armed, err = f.svc.LoadUpcoming(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, armed)
	assert.Equal(t, 2, f.sched.Pending())
}

func TestListByPatient(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, start)
	patient := uuid.New()

	for i := 1; i <= 3; i++ {
		_, err := f.svc.Create(context.Background(), NewAppointment{
			PatientID:        patient,
			ProviderID:       uuid.New(),
			ScheduledAt:      start.Add(time.Duration(i) * 24 * time.Hour),
			DurationMinutes:  15,
			Price:            1000,
			PaymentReference: uuid.NewString(),
		})
		require.NoError(t, err)
	}

	list, err := f.svc.ListByPatient(context.Background(), patient, 2, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].ScheduledAt.After(list[1].ScheduledAt))
}
