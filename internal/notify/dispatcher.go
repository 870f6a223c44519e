package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-queue/internal/clock"
)

// Channel delivers one notification over one medium.
type Channel interface {
	Name() ChannelName
	Send(ctx context.Context, n Notification, p Presentation) Result
}

// Routes lists the channels used per severity.
type Routes map[Severity][]ChannelName

func DefaultRoutes() Routes {
	return Routes{
		SeverityInfo:      {ChannelInApp, ChannelPush, ChannelEmail},
		SeverityProximity: {ChannelInApp, ChannelPush, ChannelAudible, ChannelWhatsApp},
		SeverityUrgent:    {ChannelInApp, ChannelPush, ChannelAudible, ChannelSMS, ChannelWhatsApp, ChannelEmail},
	}
}

type Dispatcher struct {
	mu       sync.RWMutex
	channels map[ChannelName]Channel
	routes   Routes
	clock    clock.Clock
	log      zerolog.Logger
	queue    chan Notification
}

func NewDispatcher(routes Routes, c clock.Clock, queueSize int, log zerolog.Logger) *Dispatcher {
	if routes == nil {
		routes = DefaultRoutes()
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Dispatcher{
		channels: make(map[ChannelName]Channel),
		routes:   routes,
		clock:    c,
		log:      log,
		queue:    make(chan Notification, queueSize),
	}
}

// Register enables a channel. Routes naming unregistered channels skip them.
func (d *Dispatcher) Register(ch Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[ch.Name()] = ch
}

// Dispatch delivers n to every channel routed for its severity, one after
// the other, and returns one Result per routed channel.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) []Result {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.clock.Now()
	}
	p := PresentationFor(n.Severity)

	d.mu.RLock()
	names := d.routes[n.Severity]
	targets := make([]Channel, 0, len(names))
	var skipped []ChannelName
	for _, name := range names {
		if ch, ok := d.channels[name]; ok {
			targets = append(targets, ch)
		} else {
			skipped = append(skipped, name)
		}
	}
	d.mu.RUnlock()

	results := make([]Result, 0, len(names))
	for _, name := range skipped {
		results = append(results, Result{Channel: name, Skipped: true})
	}
	for _, ch := range targets {
		results = append(results, d.sendOne(ctx, ch, n, p))
	}
	return results
}

func (d *Dispatcher) sendOne(ctx context.Context, ch Channel, n Notification, p Presentation) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{
				Channel: ch.Name(),
				Err:     &ChannelError{Channel: ch.Name(), Err: fmt.Errorf("panic: %v", r)},
			}
			d.logFailure(n, res)
		}
	}()

	res = ch.Send(ctx, n, p)
	res.Channel = ch.Name()
	if res.Err != nil {
		res.Success = false
		res.Err = &ChannelError{Channel: ch.Name(), Err: res.Err}
		d.logFailure(n, res)
		return res
	}
	if res.SentAt.IsZero() && !res.Skipped {
		res.SentAt = d.clock.Now()
	}
	return res
}

func (d *Dispatcher) logFailure(n Notification, res Result) {
	d.log.Warn().
		Err(res.Err).
		Str("channel", string(res.Channel)).
		Str("recipient", n.Recipient).
		Str("kind", string(n.Kind)).
		Msg("notification channel delivery failed")
}

// Submit queues n for asynchronous dispatch. It never blocks; a full queue
// drops the notification and reports false.
func (d *Dispatcher) Submit(n Notification) bool {
	select {
	case d.queue <- n:
		return true
	default:
		d.log.Warn().
			Str("recipient", n.Recipient).
			Str("kind", string(n.Kind)).
			Msg("dispatch queue full, dropping notification")
		return false
	}
}

// Run drains submitted notifications until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-d.queue:
			d.Dispatch(ctx, n)
		}
	}
}
