package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/consultation-queue/internal/cancellation"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrRefundNotFound      = errors.New("refund record not found")
	// ErrConcurrentUpdate means the row changed status between read and write.
	ErrConcurrentUpdate = errors.New("appointment was modified concurrently")
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetAppointmentByPaymentReference(ctx context.Context, ref string) (*Appointment, error)
	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error)

	CreateAppointment(ctx context.Context, in NewAppointment) (*Appointment, error)

	// UpdateAppointment writes every mutable field of a, but only while the
	// stored status still equals from.
	UpdateAppointment(ctx context.Context, a Appointment, from AppointmentStatus) (*Appointment, error)

	// CancelWithRefund stores the cancellation and its refund record atomically.
	CancelWithRefund(ctx context.Context, a Appointment, from AppointmentStatus, refund cancellation.RefundRecord) (*Appointment, error)
	GetRefundByAppointment(ctx context.Context, appointmentID uuid.UUID) (*cancellation.RefundRecord, error)

	// Reminder worker
	FindScheduledBetween(ctx context.Context, from, to time.Time) ([]Appointment, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
