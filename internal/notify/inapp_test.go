package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	recipient string
	msgType   string
	payload   any
}

type recordingPublisher struct {
	mu     sync.Mutex
	frames []frame
}

func (p *recordingPublisher) Publish(recipient, msgType string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, frame{recipient, msgType, payload})
	return nil
}

func (p *recordingPublisher) ofType(msgType string) []frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []frame
	for _, f := range p.frames {
		if f.msgType == msgType {
			out = append(out, f)
		}
	}
	return out
}

func TestTray_EvictsOldestBeyondBound(t *testing.T) {
	tray := NewTray(5)

	var ids []uuid.UUID
	for i := 0; i < 6; i++ {
		id := uuid.New()
		ids = append(ids, id)
		evicted := tray.Add("p1", InAppMessage{ID: id})
		if i < 5 {
			assert.Empty(t, evicted)
		} else {
			require.Len(t, evicted, 1)
			assert.Equal(t, ids[0], evicted[0].ID)
		}
	}

	visible := tray.List("p1")
	require.Len(t, visible, 5)
	assert.Equal(t, ids[1], visible[0].ID)
	assert.Equal(t, ids[5], visible[4].ID)
}

func TestTray_IsolatedPerRecipient(t *testing.T) {
	tray := NewTray(2)
	tray.Add("a", InAppMessage{ID: uuid.New()})
	tray.Add("b", InAppMessage{ID: uuid.New()})
	tray.Add("b", InAppMessage{ID: uuid.New()})

	assert.Len(t, tray.List("a"), 1)
	assert.Len(t, tray.List("b"), 2)
}

func TestTray_DismissAndAct(t *testing.T) {
	tray := NewTray(0)
	acted := false

	keep := uuid.New()
	act := uuid.New()
	tray.Add("p", InAppMessage{ID: keep})
	tray.Add("p", InAppMessage{ID: act, onAction: func() { acted = true }})

	require.NoError(t, tray.Act("p", act))
	assert.True(t, acted)
	assert.ErrorIs(t, tray.Act("p", act), ErrMessageNotFound)

	require.NoError(t, tray.Dismiss("p", keep))
	assert.Empty(t, tray.List("p"))
	assert.ErrorIs(t, tray.Dismiss("p", keep), ErrMessageNotFound)
}

func TestTray_ExpireDropsOnlyTimedMessages(t *testing.T) {
	tray := NewTray(5)
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	tray.Add("p", InAppMessage{ID: uuid.New(), CreatedAt: start, DisplayFor: InfoDisplayDuration})
	tray.Add("p", InAppMessage{ID: uuid.New(), CreatedAt: start, Persistent: true})

	assert.Equal(t, 0, tray.Expire(start.Add(7*time.Second)))
	assert.Equal(t, 1, tray.Expire(start.Add(8*time.Second)))
	require.Len(t, tray.List("p"), 1)
	assert.True(t, tray.List("p")[0].Persistent)
}

func TestInAppChannel_PublishesAndEvicts(t *testing.T) {
	pub := &recordingPublisher{}
	ch := NewInAppChannel(NewTray(1), pub)

	first := Notification{ID: uuid.New(), Recipient: "p", Severity: SeverityProximity, Title: "Almost there"}
	second := Notification{ID: uuid.New(), Recipient: "p", Severity: SeverityUrgent, Title: "You're next"}

	res := ch.Send(context.Background(), first, PresentationFor(first.Severity))
	assert.True(t, res.Success)
	res = ch.Send(context.Background(), second, PresentationFor(second.Severity))
	assert.True(t, res.Success)

	assert.Len(t, pub.ofType("notification"), 2)
	evicted := pub.ofType("notification.evicted")
	require.Len(t, evicted, 1)
	assert.Equal(t, map[string]any{"id": first.ID}, evicted[0].payload)

	msg := pub.ofType("notification")[1].payload.(InAppMessage)
	assert.True(t, msg.RequireInteraction)
	assert.Equal(t, SeverityUrgent, msg.Tier)
}
