package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/consultation-queue/internal/notify"
)

// PatientDirectory resolves notification recipients from the patients
// table. Recipients are patient IDs.
type PatientDirectory struct {
	pool *pgxpool.Pool
}

func NewPatientDirectory(pool *pgxpool.Pool) *PatientDirectory {
	return &PatientDirectory{pool: pool}
}

func (d *PatientDirectory) Lookup(ctx context.Context, recipient string) (notify.Contact, error) {
	id, err := uuid.Parse(recipient)
	if err != nil {
		return notify.Contact{}, notify.ErrContactNotFound
	}

	var (
		c                    notify.Contact
		email, phone, device *string
	)
	err = d.pool.QueryRow(ctx, `
		SELECT full_name, email, phone, device_token
		FROM patients
		WHERE id = $1
	`, id).Scan(&c.Name, &email, &phone, &device)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return notify.Contact{}, notify.ErrContactNotFound
		}
		return notify.Contact{}, fmt.Errorf("lookup patient %s: %w", recipient, err)
	}

	c.Recipient = recipient
	c.Email = deref(email)
	c.Phone = deref(phone)
	c.DeviceToken = deref(device)
	return c, nil
}

// Upsert stores a patient's contact details.
func (d *PatientDirectory) Upsert(ctx context.Context, c notify.Contact) error {
	id, err := uuid.Parse(c.Recipient)
	if err != nil {
		return fmt.Errorf("invalid patient id %q: %w", c.Recipient, err)
	}

	_, err = d.pool.Exec(ctx, `
		INSERT INTO patients (id, full_name, email, phone, device_token, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (id) DO UPDATE
		SET full_name = EXCLUDED.full_name,
		    email = EXCLUDED.email,
		    phone = EXCLUDED.phone,
		    device_token = EXCLUDED.device_token,
		    updated_at = now()
	`, id, c.Name, nullable(c.Email), nullable(c.Phone), nullable(c.DeviceToken))
	if err != nil {
		return fmt.Errorf("upsert patient: %w", err)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
