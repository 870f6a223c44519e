package appointment

import (
	"context"
	"time"

	"github.com/hackgods/consultation-queue/internal/cancellation"
)

type EventType string

const (
	EventAppointmentCreated     EventType = "APPOINTMENT_CREATED"
	EventAppointmentJoined      EventType = "APPOINTMENT_JOINED"
	EventAppointmentJoinFailed  EventType = "APPOINTMENT_JOIN_ROLLED_BACK"
	EventAppointmentCompleted   EventType = "APPOINTMENT_COMPLETED"
	EventAppointmentCancelled   EventType = "APPOINTMENT_CANCELLED"
	EventAppointmentRescheduled EventType = "APPOINTMENT_RESCHEDULED"
	EventReminderSent           EventType = "APPOINTMENT_REMINDER_SENT"
)

// Event is emitted after every successful transition.
type Event struct {
	Type        EventType
	Appointment Appointment
	From        AppointmentStatus
	To          AppointmentStatus
	At          time.Time
	Refund      *cancellation.RefundRecord
}

// LeftScheduled reports whether the appointment no longer waits for its
// consultation at the time it was queued for.
func (e Event) LeftScheduled() bool {
	switch e.Type {
	case EventAppointmentJoined, EventAppointmentCancelled, EventAppointmentCompleted, EventAppointmentRescheduled:
		return true
	}
	return false
}

type Listener func(ctx context.Context, ev Event)
