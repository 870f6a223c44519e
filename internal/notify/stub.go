package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// StubMessage is the payload handed to the text based channels.
type StubMessage struct {
	Recipient string
	Subject   string
	Body      string
	ActionURL string
}

// StubSender delivers a StubMessage and returns the provider message id.
type StubSender interface {
	Deliver(ctx context.Context, msg StubMessage) (string, error)
}

// StubChannel adapts a StubSender to a Channel. address picks the contact
// field used as the recipient, an empty address skips delivery.
type StubChannel struct {
	name    ChannelName
	sender  StubSender
	dir     Directory
	address func(Contact) string
}

func NewSMSChannel(sender StubSender, dir Directory) *StubChannel {
	return &StubChannel{name: ChannelSMS, sender: sender, dir: dir, address: func(c Contact) string { return c.Phone }}
}

func NewWhatsAppChannel(sender StubSender, dir Directory) *StubChannel {
	return &StubChannel{name: ChannelWhatsApp, sender: sender, dir: dir, address: func(c Contact) string { return c.Phone }}
}

func NewEmailChannel(sender StubSender, dir Directory) *StubChannel {
	return &StubChannel{name: ChannelEmail, sender: sender, dir: dir, address: func(c Contact) string { return c.Email }}
}

func (c *StubChannel) Name() ChannelName { return c.name }

func (c *StubChannel) Send(ctx context.Context, n Notification, _ Presentation) Result {
	contact, err := c.dir.Lookup(ctx, n.Recipient)
	if errors.Is(err, ErrContactNotFound) {
		return Result{Skipped: true}
	}
	if err != nil {
		return Result{Err: err}
	}

	to := c.address(contact)
	if to == "" {
		return Result{Skipped: true}
	}

	id, err := c.sender.Deliver(ctx, StubMessage{
		Recipient: to,
		Subject:   n.Title,
		Body:      n.Body,
		ActionURL: n.ActionURL,
	})
	if err != nil {
		return Result{Err: err}
	}
	return Result{Success: true, MessageID: id}
}

// LogSender writes messages to the log instead of a provider. It backs any
// channel whose provider is not configured.
type LogSender struct {
	channel ChannelName
	log     zerolog.Logger
}

func NewLogSender(channel ChannelName, log zerolog.Logger) *LogSender {
	return &LogSender{channel: channel, log: log}
}

func (s *LogSender) Deliver(_ context.Context, msg StubMessage) (string, error) {
	id := fmt.Sprintf("%s-%s", s.channel, uuid.NewString())
	s.log.Info().
		Str("channel", string(s.channel)).
		Str("to", msg.Recipient).
		Str("subject", msg.Subject).
		Str("action_url", msg.ActionURL).
		Str("message_id", id).
		Msg(msg.Body)
	return id, nil
}
