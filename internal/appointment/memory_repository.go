package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/consultation-queue/internal/cancellation"
	"github.com/hackgods/consultation-queue/internal/clock"
)

// MemoryRepository keeps appointments in process. The simulator and the
// service tests run against it.
type MemoryRepository struct {
	mu           sync.Mutex
	clock        clock.Clock
	appointments map[uuid.UUID]Appointment
	refunds      map[uuid.UUID][]cancellation.RefundRecord
	events       []EventLog
	nextEventID  int64
}

func NewMemoryRepository(c clock.Clock) *MemoryRepository {
	return &MemoryRepository{
		clock:        c,
		appointments: make(map[uuid.UUID]Appointment),
		refunds:      make(map[uuid.UUID][]cancellation.RefundRecord),
	}
}

func (r *MemoryRepository) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (r *MemoryRepository) GetAppointmentByPaymentReference(_ context.Context, ref string) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.appointments {
		if a.PaymentReference == ref {
			a := a
			return &a, nil
		}
	}
	return nil, ErrAppointmentNotFound
}

func (r *MemoryRepository) ListAppointmentsByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Appointment
	for _, a := range r.appointments {
		if a.PatientID == patientID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.After(out[j].ScheduledAt) })

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) CreateAppointment(_ context.Context, in NewAppointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	a := Appointment{
		ID:               uuid.New(),
		PatientID:        in.PatientID,
		ProviderID:       in.ProviderID,
		SpecialtyID:      in.SpecialtyID,
		ScheduledAt:      in.ScheduledAt,
		DurationMinutes:  in.DurationMinutes,
		Price:            in.Price,
		PaymentReference: in.PaymentReference,
		Status:           StatusScheduled,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	r.appointments[a.ID] = a
	return &a, nil
}

func (r *MemoryRepository) UpdateAppointment(_ context.Context, a Appointment, from AppointmentStatus) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateLocked(a, from)
}

func (r *MemoryRepository) updateLocked(a Appointment, from AppointmentStatus) (*Appointment, error) {
	cur, ok := r.appointments[a.ID]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if cur.Status != from {
		return nil, ErrConcurrentUpdate
	}
	a.UpdatedAt = r.clock.Now()
	r.appointments[a.ID] = a
	return &a, nil
}

func (r *MemoryRepository) CancelWithRefund(_ context.Context, a Appointment, from AppointmentStatus, refund cancellation.RefundRecord) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	updated, err := r.updateLocked(a, from)
	if err != nil {
		return nil, err
	}
	r.refunds[a.ID] = append(r.refunds[a.ID], refund)
	return updated, nil
}

func (r *MemoryRepository) GetRefundByAppointment(_ context.Context, appointmentID uuid.UUID) (*cancellation.RefundRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	recs := r.refunds[appointmentID]
	if len(recs) == 0 {
		return nil, ErrRefundNotFound
	}
	rec := recs[len(recs)-1]
	return &rec, nil
}

func (r *MemoryRepository) FindScheduledBetween(_ context.Context, from, to time.Time) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Appointment
	for _, a := range r.appointments {
		if a.Status == StatusScheduled && !a.ScheduledAt.Before(from) && !a.ScheduledAt.After(to) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func (r *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextEventID++
	ev.ID = r.nextEventID
	r.events = append(r.events, ev)
	return nil
}

// Events returns the logged event types in insertion order.
func (r *MemoryRepository) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.EventType
	}
	return out
}
