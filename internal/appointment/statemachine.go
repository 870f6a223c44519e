package appointment

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrIllegalTransition = errors.New("illegal appointment transition")
	ErrNotJoinable       = errors.New("appointment is not joinable")
	ErrRescheduleInPast  = errors.New("new appointment time must be in the future")
)

// TransitionError reports an operation requested from a state that does not
// allow it. The appointment is left untouched.
type TransitionError struct {
	Op   string
	From AppointmentStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s appointment in status %s", e.Op, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

type JoinReason string

const (
	JoinTooEarly JoinReason = "too_early"
	JoinTooLate  JoinReason = "too_late"
)

type JoinWindowError struct {
	Reason JoinReason
	Opens  time.Time
	Closes time.Time
}

func (e *JoinWindowError) Error() string {
	return fmt.Sprintf("appointment is not joinable (%s): window is %s to %s",
		e.Reason, e.Opens.Format(time.RFC3339), e.Closes.Format(time.RFC3339))
}

func (e *JoinWindowError) Unwrap() error { return ErrNotJoinable }

// JoinWindow is how far around scheduledAt a join is accepted. Both ends are
// inclusive.
type JoinWindow struct {
	Early time.Duration
	Late  time.Duration
}

var DefaultJoinWindow = JoinWindow{Early: 10 * time.Minute, Late: 30 * time.Minute}

func (w JoinWindow) Check(scheduledAt, now time.Time) error {
	opens := scheduledAt.Add(-w.Early)
	closes := scheduledAt.Add(w.Late)
	switch {
	case now.Before(opens):
		return &JoinWindowError{Reason: JoinTooEarly, Opens: opens, Closes: closes}
	case now.After(closes):
		return &JoinWindowError{Reason: JoinTooLate, Opens: opens, Closes: closes}
	}
	return nil
}

var transitions = map[AppointmentStatus][]AppointmentStatus{
	StatusScheduled:   {StatusInProgress, StatusCancelled, StatusRescheduled},
	StatusInProgress:  {StatusCompleted, StatusScheduled},
	StatusRescheduled: {StatusScheduled},
}

func CanTransition(from, to AppointmentStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s AppointmentStatus) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Join moves a scheduled appointment into progress.
func (a Appointment) Join(now time.Time, w JoinWindow) (Appointment, error) {
	if !CanTransition(a.Status, StatusInProgress) {
		return a, &TransitionError{Op: "join", From: a.Status}
	}
	if err := w.Check(a.ScheduledAt, now); err != nil {
		return a, err
	}

	a.Status = StatusInProgress
	a.JoinedAt = &now
	a.UpdatedAt = now
	return a, nil
}

// RollbackJoin undoes a join whose call could not be established.
func (a Appointment) RollbackJoin(now time.Time) (Appointment, error) {
	if a.Status != StatusInProgress {
		return a, &TransitionError{Op: "roll back join of", From: a.Status}
	}

	a.Status = StatusScheduled
	a.JoinedAt = nil
	a.UpdatedAt = now
	return a, nil
}

func (a Appointment) Complete(now time.Time) (Appointment, error) {
	if !CanTransition(a.Status, StatusCompleted) || a.JoinedAt == nil {
		return a, &TransitionError{Op: "complete", From: a.Status}
	}

	minutes := int(now.Sub(*a.JoinedAt) / time.Minute)
	if minutes < 0 {
		minutes = 0
	}
	a.Status = StatusCompleted
	a.CompletedAt = &now
	a.ActualDurationMinutes = &minutes
	a.UpdatedAt = now
	return a, nil
}

func (a Appointment) Cancel(now time.Time) (Appointment, error) {
	if !CanTransition(a.Status, StatusCancelled) {
		return a, &TransitionError{Op: "cancel", From: a.Status}
	}

	a.Status = StatusCancelled
	a.CancelledAt = &now
	a.UpdatedAt = now
	return a, nil
}

// Reschedule passes through Rescheduled and lands back in Scheduled with the
// new time.
func (a Appointment) Reschedule(newWhen, now time.Time) (Appointment, error) {
	if !CanTransition(a.Status, StatusRescheduled) {
		return a, &TransitionError{Op: "reschedule", From: a.Status}
	}
	if !newWhen.After(now) {
		return a, ErrRescheduleInPast
	}

	a.ScheduledAt = newWhen
	a.Status = StatusScheduled
	a.RescheduledAt = &now
	a.UpdatedAt = now
	return a, nil
}
