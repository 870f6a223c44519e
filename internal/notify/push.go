package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var (
	ErrPushPermissionDenied = errors.New("push permission denied")
	ErrInvalidDeviceToken   = errors.New("device token is invalid")
)

type PushMessage struct {
	Token              string
	Title              string
	Body               string
	Tag                string
	RequireInteraction bool
	Sound              bool
	Data               map[string]string
}

// PushSender talks to the platform push service.
type PushSender interface {
	CheckPermission(ctx context.Context) error
	Send(ctx context.Context, msg PushMessage) (string, error)
}

// PushChannel checks permission once per process. A denied permission
// disables the channel until restart.
type PushChannel struct {
	sender PushSender
	dir    Directory
	log    zerolog.Logger

	once    sync.Once
	enabled atomic.Bool

	mu      sync.Mutex
	invalid map[string]struct{}
}

func NewPushChannel(sender PushSender, dir Directory, log zerolog.Logger) *PushChannel {
	return &PushChannel{
		sender:  sender,
		dir:     dir,
		log:     log,
		invalid: make(map[string]struct{}),
	}
}

func (c *PushChannel) Name() ChannelName { return ChannelPush }

// Init runs the permission check. Later calls return the first outcome.
func (c *PushChannel) Init(ctx context.Context) bool {
	c.once.Do(func() {
		if err := c.sender.CheckPermission(ctx); err != nil {
			c.log.Warn().Err(err).Msg("push permission not granted, channel disabled")
			return
		}
		c.enabled.Store(true)
	})
	return c.enabled.Load()
}

func (c *PushChannel) Enabled() bool {
	return c.enabled.Load()
}

func (c *PushChannel) Send(ctx context.Context, n Notification, p Presentation) Result {
	if !c.Init(ctx) {
		return Result{Skipped: true}
	}

	contact, err := c.dir.Lookup(ctx, n.Recipient)
	if errors.Is(err, ErrContactNotFound) {
		return Result{Skipped: true}
	}
	if err != nil {
		return Result{Err: fmt.Errorf("lookup recipient: %w", err)}
	}
	if contact.DeviceToken == "" {
		return Result{Skipped: true}
	}

	if c.isInvalid(contact.DeviceToken) {
		return Result{Skipped: true}
	}

	id, err := c.sender.Send(ctx, PushMessage{
		Token:              contact.DeviceToken,
		Title:              n.Title,
		Body:               n.Body,
		Tag:                n.Tag,
		RequireInteraction: p.RequireInteraction,
		Sound:              p.Sound,
		Data: map[string]string{
			"kind":       string(n.Kind),
			"severity":   string(n.Severity),
			"action_url": n.ActionURL,
		},
	})
	if err != nil {
		if errors.Is(err, ErrInvalidDeviceToken) {
			c.markInvalid(contact.DeviceToken)
		}
		return Result{Err: err}
	}
	return Result{Success: true, MessageID: id}
}

func (c *PushChannel) isInvalid(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.invalid[token]
	return ok
}

func (c *PushChannel) markInvalid(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalid[token] = struct{}{}
}
