package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/consultation-queue/internal/appointment"
	"github.com/hackgods/consultation-queue/internal/cancellation"
	"github.com/hackgods/consultation-queue/internal/queue"
)

type CreateAppointmentRequest struct {
	PatientID        string    `json:"patient_id"`
	ProviderID       string    `json:"provider_id"`
	SpecialtyID      string    `json:"specialty_id"`
	ScheduledAt      time.Time `json:"scheduled_at"`
	DurationMinutes  int       `json:"duration_minutes"`
	Price            int64     `json:"price"`
	PaymentReference string    `json:"payment_reference"`
}

type RescheduleRequest struct {
	ScheduledAt time.Time `json:"scheduled_at"`
}

type JoinFailedRequest struct {
	Reason string `json:"reason"`
}

type AppointmentResponse struct {
	ID                    uuid.UUID  `json:"id"`
	PatientID             uuid.UUID  `json:"patient_id"`
	ProviderID            uuid.UUID  `json:"provider_id"`
	SpecialtyID           uuid.UUID  `json:"specialty_id"`
	ScheduledAt           time.Time  `json:"scheduled_at"`
	DurationMinutes       int        `json:"duration_minutes"`
	Price                 int64      `json:"price"`
	PaymentReference      string     `json:"payment_reference"`
	Status                string     `json:"status"`
	JoinedAt              *time.Time `json:"joined_at,omitempty"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
	CancelledAt           *time.Time `json:"cancelled_at,omitempty"`
	RescheduledAt         *time.Time `json:"rescheduled_at,omitempty"`
	ActualDurationMinutes *int       `json:"actual_duration_minutes,omitempty"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:                    a.ID,
		PatientID:             a.PatientID,
		ProviderID:            a.ProviderID,
		SpecialtyID:           a.SpecialtyID,
		ScheduledAt:           a.ScheduledAt,
		DurationMinutes:       a.DurationMinutes,
		Price:                 a.Price,
		PaymentReference:      a.PaymentReference,
		Status:                string(a.Status),
		JoinedAt:              a.JoinedAt,
		CompletedAt:           a.CompletedAt,
		CancelledAt:           a.CancelledAt,
		RescheduledAt:         a.RescheduledAt,
		ActualDurationMinutes: a.ActualDurationMinutes,
	}
}

type RefundResponse struct {
	ID               uuid.UUID `json:"id"`
	AppointmentID    uuid.UUID `json:"appointment_id"`
	OriginalAmount   int64     `json:"original_amount"`
	RefundAmount     int64     `json:"refund_amount"`
	RefundPercentage float64   `json:"refund_percentage"`
	ReasonTier       string    `json:"reason_tier"`
	Status           string    `json:"status"`
	ProcessedAt      time.Time `json:"processed_at"`
}

func toRefundResponse(r *cancellation.RefundRecord) *RefundResponse {
	if r == nil {
		return nil
	}
	return &RefundResponse{
		ID:               r.ID,
		AppointmentID:    r.AppointmentID,
		OriginalAmount:   r.OriginalAmount,
		RefundAmount:     r.RefundAmount,
		RefundPercentage: r.RefundPercentage,
		ReasonTier:       string(r.ReasonTier),
		Status:           string(r.Status),
		ProcessedAt:      r.ProcessedAt,
	}
}

type CancelResponse struct {
	Appointment AppointmentResponse `json:"appointment"`
	Refund      *RefundResponse     `json:"refund"`
}

type JoinQueueRequest struct {
	AppointmentID string `json:"appointment_id"`
	By            string `json:"by"` // provider (default) or specialty
}

// Delivery modes reported to clients. Poll means the live feed for the
// pool is down and the client should refresh on its own.
const (
	ModePush = "push"
	ModePoll = "poll"
)

type QueueEntryResponse struct {
	queue.Entry
	Mode string `json:"mode"`
}

type PoolResponse struct {
	PoolKey string        `json:"pool_key"`
	Version int64         `json:"version"`
	Mode    string        `json:"mode"`
	Entries []queue.Entry `json:"entries"`
}

func modeFor(degraded bool) string {
	if degraded {
		return ModePoll
	}
	return ModePush
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Reason  string `json:"reason,omitempty"`
}
