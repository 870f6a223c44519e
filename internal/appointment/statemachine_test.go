package appointment

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var scheduledAt = time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)

func scheduled() Appointment {
	return Appointment{
		ID:              uuid.New(),
		PatientID:       uuid.New(),
		ProviderID:      uuid.New(),
		ScheduledAt:     scheduledAt,
		DurationMinutes: 30,
		Price:           8990,
		Status:          StatusScheduled,
	}
}

func TestJoin_WindowBoundaries(t *testing.T) {
	tests := []struct {
		name   string
		offset time.Duration
		reason JoinReason
	}{
		{"exactly 10 minutes before", -10 * time.Minute, ""},
		{"11 minutes before", -11 * time.Minute, JoinTooEarly},
		{"at scheduled time", 0, ""},
		{"29 minutes after", 29 * time.Minute, ""},
		{"exactly 30 minutes after", 30 * time.Minute, ""},
		{"31 minutes after", 31 * time.Minute, JoinTooLate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := scheduledAt.Add(tt.offset)
			got, err := scheduled().Join(now, DefaultJoinWindow)

			if tt.reason == "" {
				require.NoError(t, err)
				assert.Equal(t, StatusInProgress, got.Status)
				require.NotNil(t, got.JoinedAt)
				assert.Equal(t, now, *got.JoinedAt)
				return
			}

			require.ErrorIs(t, err, ErrNotJoinable)
			var werr *JoinWindowError
			require.True(t, errors.As(err, &werr))
			assert.Equal(t, tt.reason, werr.Reason)
			assert.Equal(t, StatusScheduled, got.Status)
			assert.Nil(t, got.JoinedAt)
		})
	}
}

func TestIllegalTransitions(t *testing.T) {
	now := scheduledAt

	completed := scheduled()
	completed.Status = StatusCompleted
	cancelled := scheduled()
	cancelled.Status = StatusCancelled

	tests := []struct {
		name string
		op   func() (Appointment, error)
	}{
		{"cancel completed", func() (Appointment, error) { return completed.Cancel(now) }},
		{"join cancelled", func() (Appointment, error) { return cancelled.Join(now, DefaultJoinWindow) }},
		{"complete scheduled", func() (Appointment, error) { return scheduled().Complete(now) }},
		{"reschedule completed", func() (Appointment, error) { return completed.Reschedule(now.Add(time.Hour), now) }},
		{"rollback scheduled", func() (Appointment, error) { return scheduled().RollbackJoin(now) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.op()
			require.ErrorIs(t, err, ErrIllegalTransition)
			var terr *TransitionError
			assert.ErrorAs(t, err, &terr)
		})
	}
}

func TestComplete_ComputesActualDuration(t *testing.T) {
	joined, err := scheduled().Join(scheduledAt.Add(2*time.Minute), DefaultJoinWindow)
	require.NoError(t, err)

	done, err := joined.Complete(scheduledAt.Add(27*time.Minute + 40*time.Second))
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.ActualDurationMinutes)
	assert.Equal(t, 25, *done.ActualDurationMinutes)
	assert.NotNil(t, done.CompletedAt)
	assert.True(t, done.Status.IsTerminal())
}

func TestRollbackJoin_ReturnsToScheduled(t *testing.T) {
	joined, err := scheduled().Join(scheduledAt, DefaultJoinWindow)
	require.NoError(t, err)

	back, err := joined.RollbackJoin(scheduledAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, back.Status)
	assert.Nil(t, back.JoinedAt)

	_, err = back.Join(scheduledAt.Add(2*time.Minute), DefaultJoinWindow)
	assert.NoError(t, err)
}

func TestReschedule(t *testing.T) {
	now := scheduledAt.Add(-48 * time.Hour)
	newWhen := scheduledAt.Add(72 * time.Hour)

	got, err := scheduled().Reschedule(newWhen, now)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, got.Status)
	assert.Equal(t, newWhen, got.ScheduledAt)
	require.NotNil(t, got.RescheduledAt)
	assert.Equal(t, now, *got.RescheduledAt)

	_, err = scheduled().Reschedule(now.Add(-time.Minute), now)
	assert.ErrorIs(t, err, ErrRescheduleInPast)
}

func TestTransitionsDoNotMutateReceiver(t *testing.T) {
	a := scheduled()
	_, err := a.Cancel(scheduledAt)
	require.NoError(t, err)

	assert.Equal(t, StatusScheduled, a.Status)
	assert.Nil(t, a.CancelledAt)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusScheduled, StatusRescheduled))
	assert.True(t, CanTransition(StatusRescheduled, StatusScheduled))
	assert.True(t, CanTransition(StatusInProgress, StatusScheduled))
	assert.False(t, CanTransition(StatusCancelled, StatusScheduled))
	assert.False(t, CanTransition(StatusCompleted, StatusInProgress))
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusScheduled.IsTerminal())
}
