// Package cancellation computes refunds for cancelled appointments from the
// notice the patient gave.
package cancellation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Tier string

const (
	TierFullNotice    Tier = "≥24h notice"
	TierPartialNotice Tier = "2–24h notice"
	TierShortNotice   Tier = "<2h notice"
)

type RefundStatus string

const (
	RefundProcessed     RefundStatus = "processed"
	RefundNotApplicable RefundStatus = "not_applicable"
)

const (
	FullRefundNotice    = 24 * time.Hour
	PartialRefundNotice = 2 * time.Hour
)

// Policy holds the notice thresholds. Notice of at least FullNotice gets a
// full refund, at least PartialNotice gets half, anything shorter nothing.
type Policy struct {
	FullNotice    time.Duration
	PartialNotice time.Duration
}

var DefaultPolicy = Policy{FullNotice: FullRefundNotice, PartialNotice: PartialRefundNotice}

// NewPolicy fills unset thresholds with the defaults.
func NewPolicy(full, partial time.Duration) Policy {
	p := DefaultPolicy
	if full > 0 {
		p.FullNotice = full
	}
	if partial > 0 {
		p.PartialNotice = partial
	}
	if p.PartialNotice > p.FullNotice {
		p.PartialNotice = p.FullNotice
	}
	return p
}

// RefundRecord is immutable once created. Amounts are minor currency units.
type RefundRecord struct {
	ID               uuid.UUID
	AppointmentID    uuid.UUID
	OriginalAmount   int64
	RefundAmount     int64
	RefundPercentage float64
	ReasonTier       Tier
	Status           RefundStatus
	ProcessedAt      time.Time
}

// RefundTier applies the default notice policy. It always returns a record,
// a zero refund is marked not_applicable instead of being skipped.
func RefundTier(appointmentID uuid.UUID, price int64, scheduledAt, now time.Time) RefundRecord {
	return DefaultPolicy.Refund(appointmentID, price, scheduledAt, now)
}

func (p Policy) Refund(appointmentID uuid.UUID, price int64, scheduledAt, now time.Time) RefundRecord {
	until := scheduledAt.Sub(now)

	tier, percent := p.tierFor(until)
	amount := applyPercent(price, percent)

	status := RefundProcessed
	if amount == 0 {
		status = RefundNotApplicable
	}

	return RefundRecord{
		ID:               uuid.New(),
		AppointmentID:    appointmentID,
		OriginalAmount:   price,
		RefundAmount:     amount,
		RefundPercentage: float64(percent) / 100,
		ReasonTier:       tier,
		Status:           status,
		ProcessedAt:      now,
	}
}

func (p Policy) tierFor(until time.Duration) (Tier, int64) {
	full, partial := hours(p.FullNotice), hours(p.PartialNotice)
	switch {
	case until >= p.FullNotice:
		return Tier(fmt.Sprintf("≥%s notice", full)), 100
	case until >= p.PartialNotice:
		return Tier(fmt.Sprintf("%s–%s notice", strings.TrimSuffix(partial, "h"), full)), 50
	default:
		return Tier(fmt.Sprintf("<%s notice", partial)), 0
	}
}

// hours renders whole hours as "24h" and anything else as a Go duration.
func hours(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("%dh", d/time.Hour)
	}
	return d.String()
}

// applyPercent rounds half-up to the nearest minor unit.
func applyPercent(price, percent int64) int64 {
	if price <= 0 || percent == 0 {
		return 0
	}
	return (price*percent + 50) / 100
}
