package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultMaxVisible = 5

var ErrMessageNotFound = errors.New("in-app message not found")

// InAppMessage is what the UI renders as a banner.
type InAppMessage struct {
	ID                 uuid.UUID     `json:"id"`
	Title              string        `json:"title"`
	Body               string        `json:"body"`
	Tier               Severity      `json:"tier"`
	Kind               Kind          `json:"kind"`
	Persistent         bool          `json:"persistent"`
	RequireInteraction bool          `json:"require_interaction"`
	DisplayFor         time.Duration `json:"display_for,omitempty"`
	ActionURL          string        `json:"action_url,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`

	onAction func()
}

// Tray keeps the messages currently displayed per recipient. When the bound
// is exceeded the oldest message is evicted first.
type Tray struct {
	mu         sync.Mutex
	maxVisible int
	byRecip    map[string][]InAppMessage
}

func NewTray(maxVisible int) *Tray {
	if maxVisible <= 0 {
		maxVisible = DefaultMaxVisible
	}
	return &Tray{maxVisible: maxVisible, byRecip: make(map[string][]InAppMessage)}
}

// Add appends msg and returns the messages evicted to stay within bound.
func (t *Tray) Add(recipient string, msg InAppMessage) []InAppMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	msgs := append(t.byRecip[recipient], msg)
	var evicted []InAppMessage
	if over := len(msgs) - t.maxVisible; over > 0 {
		evicted = append(evicted, msgs[:over]...)
		msgs = append([]InAppMessage(nil), msgs[over:]...)
	}
	t.byRecip[recipient] = msgs
	return evicted
}

// List returns the visible messages, oldest first.
func (t *Tray) List(recipient string) []InAppMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]InAppMessage(nil), t.byRecip[recipient]...)
}

func (t *Tray) Dismiss(recipient string, id uuid.UUID) error {
	_, err := t.take(recipient, id)
	return err
}

// Act removes the message and runs its action callback, if any.
func (t *Tray) Act(recipient string, id uuid.UUID) error {
	msg, err := t.take(recipient, id)
	if err != nil {
		return err
	}
	if msg.onAction != nil {
		msg.onAction()
	}
	return nil
}

// Expire drops non-persistent messages whose display time has passed.
func (t *Tray) Expire(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for recip, msgs := range t.byRecip {
		kept := msgs[:0]
		for _, m := range msgs {
			if !m.Persistent && m.DisplayFor > 0 && !now.Before(m.CreatedAt.Add(m.DisplayFor)) {
				n++
				continue
			}
			kept = append(kept, m)
		}
		if len(kept) == 0 {
			delete(t.byRecip, recip)
		} else {
			t.byRecip[recip] = kept
		}
	}
	return n
}

func (t *Tray) take(recipient string, id uuid.UUID) (InAppMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msgs := t.byRecip[recipient]
	for i, m := range msgs {
		if m.ID == id {
			t.byRecip[recipient] = append(msgs[:i:i], msgs[i+1:]...)
			return m, nil
		}
	}
	return InAppMessage{}, ErrMessageNotFound
}

// Publisher pushes a typed payload to every UI session of a recipient.
type Publisher interface {
	Publish(recipient, msgType string, payload any) error
}

type InAppChannel struct {
	tray *Tray
	pub  Publisher
}

func NewInAppChannel(tray *Tray, pub Publisher) *InAppChannel {
	return &InAppChannel{tray: tray, pub: pub}
}

func (c *InAppChannel) Name() ChannelName { return ChannelInApp }

func (c *InAppChannel) Send(_ context.Context, n Notification, p Presentation) Result {
	msg := InAppMessage{
		ID:                 n.ID,
		Title:              n.Title,
		Body:               n.Body,
		Tier:               n.Severity,
		Kind:               n.Kind,
		Persistent:         p.Persistent,
		RequireInteraction: p.RequireInteraction,
		DisplayFor:         p.DisplayFor,
		ActionURL:          n.ActionURL,
		CreatedAt:          n.CreatedAt,
		onAction:           n.OnAction,
	}

	evicted := c.tray.Add(n.Recipient, msg)

	if c.pub != nil {
		for _, e := range evicted {
			_ = c.pub.Publish(n.Recipient, "notification.evicted", map[string]any{"id": e.ID})
		}
		// a failed publish is fine, the tray still holds the message for the next list call
		_ = c.pub.Publish(n.Recipient, "notification", msg)
	}
	return Result{Success: true, MessageID: msg.ID.String()}
}
