package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/consultation-queue/internal/cancellation"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const appointmentColumns = `id, patient_id, provider_id, specialty_id, scheduled_at, duration_minutes, price,
	payment_reference, status, joined_at, completed_at, cancelled_at, rescheduled_at,
	actual_duration_minutes, created_at, updated_at`

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.ProviderID,
		&a.SpecialtyID,
		&a.ScheduledAt,
		&a.DurationMinutes,
		&a.Price,
		&a.PaymentReference,
		&a.Status,
		&a.JoinedAt,
		&a.CompletedAt,
		&a.CancelledAt,
		&a.RescheduledAt,
		&a.ActualDurationMinutes,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	return &a, nil
}

func scanRefund(row pgx.Row) (*cancellation.RefundRecord, error) {
	var r cancellation.RefundRecord

	err := row.Scan(
		&r.ID,
		&r.AppointmentID,
		&r.OriginalAmount,
		&r.RefundAmount,
		&r.RefundPercentage,
		&r.ReasonTier,
		&r.Status,
		&r.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRefundNotFound
		}
		return nil, err
	}

	return &r, nil
}

// Interface methods

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetAppointmentByPaymentReference(ctx context.Context, ref string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE payment_reference = $1
	`, ref)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY scheduled_at DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) CreateAppointment(ctx context.Context, in NewAppointment) (*Appointment, error) {
	id := uuid.New()

	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, provider_id, specialty_id, scheduled_at, duration_minutes,
		                          price, payment_reference, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'scheduled', now(), now())
		RETURNING `+appointmentColumns,
		id, in.PatientID, in.ProviderID, in.SpecialtyID, in.ScheduledAt, in.DurationMinutes, in.Price, in.PaymentReference)

	return scanAppointment(row)
}

func (r *PgRepository) UpdateAppointment(ctx context.Context, a Appointment, from AppointmentStatus) (*Appointment, error) {
	return updateAppointment(ctx, r.pool, a, from)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func updateAppointment(ctx context.Context, q queryRower, a Appointment, from AppointmentStatus) (*Appointment, error) {
	row := q.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    scheduled_at = $3,
		    joined_at = $4,
		    completed_at = $5,
		    cancelled_at = $6,
		    rescheduled_at = $7,
		    actual_duration_minutes = $8,
		    updated_at = now()
		WHERE id = $1
		  AND status = $9
		RETURNING `+appointmentColumns,
		a.ID, a.Status, a.ScheduledAt, a.JoinedAt, a.CompletedAt, a.CancelledAt, a.RescheduledAt,
		a.ActualDurationMinutes, from)

	updated, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, ErrConcurrentUpdate
	}
	return updated, err
}

func (r *PgRepository) CancelWithRefund(ctx context.Context, a Appointment, from AppointmentStatus, refund cancellation.RefundRecord) (*Appointment, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin cancel tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	updated, err := updateAppointment(ctx, tx, a, from)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO refund_records (id, appointment_id, original_amount, refund_amount, refund_percentage,
		                            reason_tier, status, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, refund.ID, refund.AppointmentID, refund.OriginalAmount, refund.RefundAmount, refund.RefundPercentage,
		refund.ReasonTier, refund.Status, refund.ProcessedAt)
	if err != nil {
		return nil, fmt.Errorf("insert refund record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit cancel tx: %w", err)
	}
	return updated, nil
}

func (r *PgRepository) GetRefundByAppointment(ctx context.Context, appointmentID uuid.UUID) (*cancellation.RefundRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, appointment_id, original_amount, refund_amount, refund_percentage, reason_tier, status, processed_at
		FROM refund_records
		WHERE appointment_id = $1
		ORDER BY processed_at DESC
		LIMIT 1
	`, appointmentID)
	return scanRefund(row)
}

func (r *PgRepository) FindScheduledBetween(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'scheduled'
		  AND scheduled_at >= $1
		  AND scheduled_at <= $2
		ORDER BY scheduled_at
	`, from, to)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
