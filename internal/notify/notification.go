// Package notify fans notifications out to the configured delivery channels.
// A failing channel never blocks the others and never surfaces to the caller.
package notify

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityProximity Severity = "proximity"
	SeverityUrgent    Severity = "urgent"
)

type Kind string

const (
	KindProximity           Kind = "proximity"
	KindUrgent              Kind = "urgent"
	KindPaymentConfirmed    Kind = "payment_confirmed"
	KindConsultationReady   Kind = "consultation_ready"
	KindAppointmentReminder Kind = "appointment_reminder"
)

type ChannelName string

const (
	ChannelInApp    ChannelName = "in_app"
	ChannelPush     ChannelName = "push"
	ChannelAudible  ChannelName = "audible"
	ChannelSMS      ChannelName = "sms"
	ChannelWhatsApp ChannelName = "whatsapp"
	ChannelEmail    ChannelName = "email"
)

var ErrChannelDelivery = errors.New("channel delivery failed")

// ChannelError is a ChannelDeliveryFailure for a single channel.
type ChannelError struct {
	Channel ChannelName
	Err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("%s: %v", e.Channel, e.Err)
}

func (e *ChannelError) Unwrap() []error {
	return []error{ErrChannelDelivery, e.Err}
}

type Notification struct {
	ID        uuid.UUID
	Recipient string
	Severity  Severity
	Kind      Kind
	Title     string
	Body      string
	ActionURL string
	Tag       string
	CreatedAt time.Time

	// OnAction runs when the recipient acts on the in-app message.
	OnAction func()
}

// Presentation is how a severity is shown to the recipient.
type Presentation struct {
	Sound              bool
	SoundLoop          bool
	Persistent         bool
	RequireInteraction bool
	DisplayFor         time.Duration // zero means until dismissed
}

const InfoDisplayDuration = 8 * time.Second

func PresentationFor(s Severity) Presentation {
	switch s {
	case SeverityUrgent:
		return Presentation{Sound: true, SoundLoop: true, Persistent: true, RequireInteraction: true}
	case SeverityProximity:
		return Presentation{Sound: true, Persistent: true}
	default:
		return Presentation{DisplayFor: InfoDisplayDuration}
	}
}

// Result is the outcome of one channel delivery.
type Result struct {
	Channel   ChannelName
	Success   bool
	Skipped   bool
	MessageID string
	Err       error
	SentAt    time.Time
}
