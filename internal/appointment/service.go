package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-queue/internal/cancellation"
	"github.com/hackgods/consultation-queue/internal/clock"
	"github.com/hackgods/consultation-queue/internal/config"
	"github.com/hackgods/consultation-queue/internal/notify"
	"github.com/hackgods/consultation-queue/internal/schedule"
)

var (
	ErrInvalidAppointment = errors.New("invalid appointment")
)

// Notifier queues a notification for asynchronous delivery.
type Notifier interface {
	Submit(n notify.Notification) bool
}

type Service struct {
	repo     Repository
	clock    clock.Clock
	cfg      config.AppointmentConfig
	window   JoinWindow
	refunds  cancellation.Policy
	sched    *schedule.Scheduler
	notifier Notifier
	log      zerolog.Logger

	mu        sync.RWMutex
	listeners []Listener
}

func NewService(repo Repository, c clock.Clock, cfg config.AppointmentConfig, sched *schedule.Scheduler, notifier Notifier, log zerolog.Logger) *Service {
	window := DefaultJoinWindow
	if cfg.JoinEarly > 0 {
		window.Early = cfg.JoinEarly
	}
	if cfg.JoinLate > 0 {
		window.Late = cfg.JoinLate
	}
	return &Service{
		repo:     repo,
		clock:    c,
		cfg:      cfg,
		window:   window,
		refunds:  cancellation.NewPolicy(cfg.RefundFullNotice, cfg.RefundPartialNotice),
		sched:    sched,
		notifier: notifier,
		log:      log.With().Str("component", "appointment").Logger(),
	}
}

// Subscribe registers l for every transition event. Listeners run
// synchronously after the change is persisted.
func (s *Service) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Service) emit(ctx context.Context, ev Event) {
	s.mu.RLock()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.RUnlock()

	for _, l := range listeners {
		l(ctx, ev)
	}
}

// Create records the appointment of a completed paid booking. Replaying the
// same payment reference returns the appointment created the first time.
func (s *Service) Create(ctx context.Context, in NewAppointment) (*Appointment, error) {
	if err := validateNew(in); err != nil {
		return nil, err
	}

	existing, err := s.repo.GetAppointmentByPaymentReference(ctx, in.PaymentReference)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrAppointmentNotFound) {
		return nil, fmt.Errorf("check payment reference: %w", err)
	}

	appt, err := s.repo.CreateAppointment(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("create appointment: %w", err)
	}
	now := s.clock.Now()

	s.logEvent(ctx, appt.ID, EventAppointmentCreated, map[string]any{
		"patient_id":        appt.PatientID.String(),
		"provider_id":       appt.ProviderID.String(),
		"scheduled_at":      appt.ScheduledAt,
		"price":             appt.Price,
		"payment_reference": appt.PaymentReference,
	})

	s.notify(notify.Notification{
		Recipient: appt.PatientID.String(),
		Severity:  notify.SeverityInfo,
		Kind:      notify.KindPaymentConfirmed,
		Title:     "Payment confirmed",
		Body:      fmt.Sprintf("Your consultation on %s is booked.", appt.ScheduledAt.Format("Mon 2 Jan 15:04")),
		ActionURL: appointmentURL(appt.ID),
		Tag:       "payment-" + appt.ID.String(),
	})

	s.ScheduleReminders(*appt)
	s.emit(ctx, Event{Type: EventAppointmentCreated, Appointment: *appt, To: appt.Status, At: now})

	return appt, nil
}

func validateNew(in NewAppointment) error {
	var problems []string
	if in.PatientID == uuid.Nil {
		problems = append(problems, "patient_id is required")
	}
	if in.ProviderID == uuid.Nil {
		problems = append(problems, "provider_id is required")
	}
	if in.ScheduledAt.IsZero() {
		problems = append(problems, "scheduled_at is required")
	}
	if in.DurationMinutes <= 0 {
		problems = append(problems, "duration_minutes must be positive")
	}
	if in.Price < 0 {
		problems = append(problems, "price must not be negative")
	}
	if in.PaymentReference == "" {
		problems = append(problems, "payment_reference is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidAppointment, strings.Join(problems, ", "))
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return appt, nil
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	appts, err := s.repo.ListAppointmentsByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return appts, nil
}

// Join starts the consultation if now falls inside the join window.
func (s *Service) Join(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	now := s.clock.Now()

	return s.transition(ctx, id, EventAppointmentJoined, func(a Appointment) (Appointment, error) {
		return a.Join(now, s.window)
	}, now)
}

// RollbackJoin reverts a join whose video session failed to start.
func (s *Service) RollbackJoin(ctx context.Context, id uuid.UUID, reason string) (*Appointment, error) {
	now := s.clock.Now()

	appt, err := s.transition(ctx, id, EventAppointmentJoinFailed, func(a Appointment) (Appointment, error) {
		return a.RollbackJoin(now)
	}, now, "reason", reason)
	if err != nil {
		return nil, err
	}

	s.ScheduleReminders(*appt)
	return appt, nil
}

func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	now := s.clock.Now()

	return s.transition(ctx, id, EventAppointmentCompleted, func(a Appointment) (Appointment, error) {
		return a.Complete(now)
	}, now)
}

// Reschedule moves a scheduled appointment to newWhen and re-arms its
// reminders.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, newWhen time.Time) (*Appointment, error) {
	now := s.clock.Now()

	appt, err := s.transition(ctx, id, EventAppointmentRescheduled, func(a Appointment) (Appointment, error) {
		return a.Reschedule(newWhen, now)
	}, now, "scheduled_at", newWhen)
	if err != nil {
		return nil, err
	}

	s.ScheduleReminders(*appt)
	return appt, nil
}

// Cancel cancels a scheduled appointment and records its refund in the same
// write.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Appointment, *cancellation.RefundRecord, error) {
	now := s.clock.Now()

	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("load appointment: %w", err)
	}

	next, err := appt.Cancel(now)
	if err != nil {
		return nil, nil, err
	}

	refund := s.refunds.Refund(appt.ID, appt.Price, appt.ScheduledAt, now)

	updated, err := s.repo.CancelWithRefund(ctx, next, appt.Status, refund)
	if err != nil {
		if errors.Is(err, ErrConcurrentUpdate) {
			return nil, nil, s.conflictError(ctx, id, "cancel", err)
		}
		return nil, nil, fmt.Errorf("cancel appointment: %w", err)
	}

	s.cancelReminders(updated.ID)
	s.logEvent(ctx, updated.ID, EventAppointmentCancelled, map[string]any{
		"refund_id":         refund.ID.String(),
		"refund_amount":     refund.RefundAmount,
		"refund_percentage": refund.RefundPercentage,
		"reason_tier":       refund.ReasonTier,
		"refund_status":     refund.Status,
	})
	s.emit(ctx, Event{
		Type:        EventAppointmentCancelled,
		Appointment: *updated,
		From:        appt.Status,
		To:          updated.Status,
		At:          now,
		Refund:      &refund,
	})

	return updated, &refund, nil
}

func (s *Service) Refund(ctx context.Context, appointmentID uuid.UUID) (*cancellation.RefundRecord, error) {
	rec, err := s.repo.GetRefundByAppointment(ctx, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("get refund: %w", err)
	}
	return rec, nil
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, evType EventType, apply func(Appointment) (Appointment, error), now time.Time, kv ...any) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	next, err := apply(*appt)
	if err != nil {
		return nil, err
	}

	updated, err := s.repo.UpdateAppointment(ctx, next, appt.Status)
	if err != nil {
		if errors.Is(err, ErrConcurrentUpdate) {
			return nil, s.conflictError(ctx, id, string(evType), err)
		}
		return nil, fmt.Errorf("update appointment: %w", err)
	}

	if updated.Status != StatusScheduled {
		s.cancelReminders(updated.ID)
	}

	payload := map[string]any{"from": appt.Status, "to": updated.Status}
	for i := 0; i+1 < len(kv); i += 2 {
		payload[fmt.Sprint(kv[i])] = kv[i+1]
	}
	s.logEvent(ctx, updated.ID, evType, payload)

	s.emit(ctx, Event{Type: evType, Appointment: *updated, From: appt.Status, To: updated.Status, At: now})
	return updated, nil
}

// conflictError re-reads the row after a lost race so the caller sees the
// state that actually won.
func (s *Service) conflictError(ctx context.Context, id uuid.UUID, op string, cause error) error {
	cur, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return cause
	}
	return fmt.Errorf("%w: %w", &TransitionError{Op: op, From: cur.Status}, cause)
}

// Reminders

func reminderKey(id uuid.UUID) string {
	return "reminder:" + id.String()
}

// ScheduleReminders (re)arms the reminders of a scheduled appointment.
// Offsets already in the past are skipped. It returns how many were armed.
func (s *Service) ScheduleReminders(appt Appointment) int {
	if s.sched == nil || appt.Status != StatusScheduled {
		return 0
	}

	s.sched.CancelKey(reminderKey(appt.ID))

	now := s.clock.Now()
	armed := 0
	for _, offset := range s.cfg.ReminderOffsets {
		at := appt.ScheduledAt.Add(-offset)
		if !at.After(now) {
			continue
		}
		offset := offset
		scheduledAt := appt.ScheduledAt
		s.sched.Schedule(at, reminderKey(appt.ID), func(ctx context.Context) {
			s.sendReminder(ctx, appt.ID, scheduledAt, offset)
		})
		armed++
	}
	return armed
}

func (s *Service) cancelReminders(id uuid.UUID) {
	if s.sched == nil {
		return
	}
	s.sched.CancelKey(reminderKey(id))
}

func (s *Service) sendReminder(ctx context.Context, id uuid.UUID, scheduledAt time.Time, offset time.Duration) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		s.log.Warn().Err(err).Str("appointment_id", id.String()).Msg("reminder skipped, appointment not loadable")
		return
	}
	if appt.Status != StatusScheduled || !appt.ScheduledAt.Equal(scheduledAt) {
		return
	}

	s.notify(notify.Notification{
		Recipient: appt.PatientID.String(),
		Severity:  notify.SeverityInfo,
		Kind:      notify.KindAppointmentReminder,
		Title:     "Upcoming consultation",
		Body:      fmt.Sprintf("Your consultation starts in %s.", humanOffset(offset)),
		ActionURL: appointmentURL(appt.ID),
		Tag:       fmt.Sprintf("reminder-%s-%s", appt.ID, offset),
	})
	s.logEvent(ctx, appt.ID, EventReminderSent, map[string]any{"offset": offset.String()})
}

// LoadUpcoming arms reminders for every scheduled appointment within the
// lookout window. Safe to call repeatedly.
func (s *Service) LoadUpcoming(ctx context.Context) (int, error) {
	now := s.clock.Now()
	lookout := s.cfg.ReminderLookout
	if lookout <= 0 {
		lookout = 25 * time.Hour
	}

	appts, err := s.repo.FindScheduledBetween(ctx, now, now.Add(lookout))
	if err != nil {
		return 0, fmt.Errorf("find upcoming appointments: %w", err)
	}

	armed := 0
	for _, a := range appts {
		armed += s.ScheduleReminders(a)
	}
	return armed, nil
}

func humanOffset(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		h := int(d / time.Hour)
		if h == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", h)
	case d >= time.Minute:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	default:
		return d.String()
	}
}

func appointmentURL(id uuid.UUID) string {
	return "/appointments/" + id.String()
}

func (s *Service) notify(n notify.Notification) {
	if s.notifier == nil {
		return
	}
	s.notifier.Submit(n)
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType EventType, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to marshal event payload")
		data = nil
	}

	apptID := appointmentID

	ev := EventLog{
		EventType:     string(eventType),
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.clock.Now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Error().Err(err).
			Str("event_type", string(eventType)).
			Str("appointment_id", appointmentID.String()).
			Msg("failed to insert event log")
	}
}
