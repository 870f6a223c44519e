package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/consultation-queue/internal/clock"
)

type recordingChannel struct {
	name ChannelName
	err  error
	boom bool

	mu   sync.Mutex
	sent []Notification
	pres []Presentation
}

func (c *recordingChannel) Name() ChannelName { return c.name }

func (c *recordingChannel) Send(_ context.Context, n Notification, p Presentation) Result {
	if c.boom {
		panic("provider exploded")
	}
	c.mu.Lock()
	c.sent = append(c.sent, n)
	c.pres = append(c.pres, p)
	c.mu.Unlock()
	if c.err != nil {
		return Result{Err: c.err}
	}
	return Result{Success: true, MessageID: "msg-1"}
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func newTestDispatcher() (*Dispatcher, *clock.Fake) {
	clk := clock.NewFake(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	return NewDispatcher(DefaultRoutes(), clk, 4, zerolog.Nop()), clk
}

func resultFor(results []Result, name ChannelName) (Result, bool) {
	for _, r := range results {
		if r.Channel == name {
			return r, true
		}
	}
	return Result{}, false
}

func TestDispatch_OneFailingChannelDoesNotBlockOthers(t *testing.T) {
	d, _ := newTestDispatcher()

	inApp := &recordingChannel{name: ChannelInApp}
	push := &recordingChannel{name: ChannelPush, err: errors.New("fcm unavailable")}
	audible := &recordingChannel{name: ChannelAudible}
	sms := &recordingChannel{name: ChannelSMS, boom: true}
	wa := &recordingChannel{name: ChannelWhatsApp}
	email := &recordingChannel{name: ChannelEmail}
	for _, ch := range []Channel{inApp, push, audible, sms, wa, email} {
		d.Register(ch)
	}

	results := d.Dispatch(context.Background(), Notification{
		Recipient: "patient-1",
		Severity:  SeverityUrgent,
		Kind:      KindUrgent,
		Title:     "You're next",
	})
	require.Len(t, results, 6)

	pushRes, ok := resultFor(results, ChannelPush)
	require.True(t, ok)
	assert.False(t, pushRes.Success)
	assert.ErrorIs(t, pushRes.Err, ErrChannelDelivery)

	var chErr *ChannelError
	require.ErrorAs(t, pushRes.Err, &chErr)
	assert.Equal(t, ChannelPush, chErr.Channel)

	smsRes, _ := resultFor(results, ChannelSMS)
	assert.ErrorIs(t, smsRes.Err, ErrChannelDelivery)

	for _, ch := range []*recordingChannel{inApp, audible, wa, email} {
		res, ok := resultFor(results, ch.name)
		require.True(t, ok)
		assert.True(t, res.Success, ch.name)
		assert.Equal(t, 1, ch.count(), ch.name)
	}
}

func TestDispatch_RoutesBySeverity(t *testing.T) {
	d, _ := newTestDispatcher()

	inApp := &recordingChannel{name: ChannelInApp}
	audible := &recordingChannel{name: ChannelAudible}
	sms := &recordingChannel{name: ChannelSMS}
	d.Register(inApp)
	d.Register(audible)
	d.Register(sms)

	d.Dispatch(context.Background(), Notification{Recipient: "p", Severity: SeverityInfo, Kind: KindPaymentConfirmed})
	assert.Equal(t, 1, inApp.count())
	assert.Equal(t, 0, audible.count())
	assert.Equal(t, 0, sms.count())
	assert.Equal(t, InfoDisplayDuration, inApp.pres[0].DisplayFor)
	assert.False(t, inApp.pres[0].Sound)

	d.Dispatch(context.Background(), Notification{Recipient: "p", Severity: SeverityProximity, Kind: KindProximity})
	assert.Equal(t, 1, audible.count())
	assert.Equal(t, 0, sms.count())
	assert.True(t, audible.pres[0].Sound)
	assert.False(t, audible.pres[0].SoundLoop)
	assert.True(t, audible.pres[0].Persistent)
}

func TestDispatch_UnregisteredChannelsAreSkipped(t *testing.T) {
	d, _ := newTestDispatcher()
	d.Register(&recordingChannel{name: ChannelInApp})

	results := d.Dispatch(context.Background(), Notification{Recipient: "p", Severity: SeverityInfo})
	require.Len(t, results, 3)

	res, ok := resultFor(results, ChannelEmail)
	require.True(t, ok)
	assert.True(t, res.Skipped)
	assert.NoError(t, res.Err)
}

func TestDispatch_FillsIdentityAndTimestamp(t *testing.T) {
	d, clk := newTestDispatcher()
	inApp := &recordingChannel{name: ChannelInApp}
	d.Register(inApp)

	results := d.Dispatch(context.Background(), Notification{Recipient: "p", Severity: SeverityInfo})

	require.Equal(t, 1, inApp.count())
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", inApp.sent[0].ID.String())
	assert.Equal(t, clk.Now(), inApp.sent[0].CreatedAt)

	res, _ := resultFor(results, ChannelInApp)
	assert.Equal(t, clk.Now(), res.SentAt)
}

func TestPresentationFor(t *testing.T) {
	urgent := PresentationFor(SeverityUrgent)
	assert.True(t, urgent.SoundLoop)
	assert.True(t, urgent.RequireInteraction)
	assert.True(t, urgent.Persistent)

	prox := PresentationFor(SeverityProximity)
	assert.True(t, prox.Sound)
	assert.False(t, prox.RequireInteraction)

	info := PresentationFor(SeverityInfo)
	assert.False(t, info.Sound)
	assert.False(t, info.Persistent)
	assert.Equal(t, 8*time.Second, info.DisplayFor)
}

func TestSubmit_DropsWhenQueueFull(t *testing.T) {
	d, _ := newTestDispatcher()

	for i := 0; i < 4; i++ {
		require.True(t, d.Submit(Notification{Recipient: "p", Severity: SeverityInfo}))
	}
	assert.False(t, d.Submit(Notification{Recipient: "p", Severity: SeverityInfo}))
}

func TestRun_DrainsSubmitted(t *testing.T) {
	d, _ := newTestDispatcher()
	inApp := &recordingChannel{name: ChannelInApp}
	d.Register(inApp)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.Submit(Notification{Recipient: "p", Severity: SeverityInfo})
	d.Submit(Notification{Recipient: "p", Severity: SeverityInfo})

	assert.Eventually(t, func() bool { return inApp.count() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
