package notify

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("closed")
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

func TestHub_PublishReachesRecipientSessionsOnly(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	alice := newFakeConn()
	bob := newFakeConn()
	aliceDone := make(chan struct{})
	bobDone := make(chan struct{})
	go func() { hub.Attach("alice", alice); close(aliceDone) }()
	go func() { hub.Attach("bob", bob); close(bobDone) }()

	require.Eventually(t, func() bool {
		return hub.Sessions("alice") == 1 && hub.Sessions("bob") == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Publish("alice", "notification", map[string]string{"title": "hi"}))

	require.Eventually(t, func() bool { return len(alice.frames()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, bob.frames())

	var env struct {
		Type    string            `json:"type"`
		Payload map[string]string `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(alice.frames()[0], &env))
	assert.Equal(t, "notification", env.Type)
	assert.Equal(t, "hi", env.Payload["title"])

	alice.Close()
	<-aliceDone
	assert.Equal(t, 0, hub.Sessions("alice"))

	bob.Close()
	<-bobDone
}

func TestHub_PublishWithoutSessionsIsNoop(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	assert.NoError(t, hub.Publish("nobody", "tone", nil))
}
