package appointment

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusScheduled   AppointmentStatus = "scheduled"
	StatusInProgress  AppointmentStatus = "in_progress"
	StatusCompleted   AppointmentStatus = "completed"
	StatusCancelled   AppointmentStatus = "cancelled"
	StatusRescheduled AppointmentStatus = "rescheduled"
)

type Appointment struct {
	ID                    uuid.UUID
	PatientID             uuid.UUID
	ProviderID            uuid.UUID
	SpecialtyID           uuid.UUID
	ScheduledAt           time.Time
	DurationMinutes       int
	Price                 int64 // minor units
	PaymentReference      string
	Status                AppointmentStatus
	JoinedAt              *time.Time
	CompletedAt           *time.Time
	CancelledAt           *time.Time
	RescheduledAt         *time.Time
	ActualDurationMinutes *int
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// NewAppointment is what a paid booking hands over when it completes.
type NewAppointment struct {
	PatientID        uuid.UUID
	ProviderID       uuid.UUID
	SpecialtyID      uuid.UUID
	ScheduledAt      time.Time
	DurationMinutes  int
	Price            int64
	PaymentReference string
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
