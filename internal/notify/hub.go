package notify

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
	wsWriteWait  = 10 * time.Second
)

// Envelope is the frame sent to UI sessions.
type Envelope struct {
	Type    string    `json:"type"`
	Payload any       `json:"payload"`
	SentAt  time.Time `json:"sent_at"`
}

// Conn is the subset of *websocket.Conn the hub needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type session struct {
	recipient string
	send      chan []byte
	conn      Conn
}

// Hub tracks UI sessions per recipient and broadcasts frames to them.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*session]struct{}
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]map[*session]struct{}),
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[s.recipient] == nil {
		h.sessions[s.recipient] = make(map[*session]struct{})
	}
	h.sessions[s.recipient][s] = struct{}{}
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.sessions[s.recipient]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	close(s.send)
	if len(set) == 0 {
		delete(h.sessions, s.recipient)
	}
}

// Sessions returns the number of connected sessions for recipient.
func (h *Hub) Sessions(recipient string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[recipient])
}

// Publish implements Publisher. Slow sessions whose buffer is full miss the
// frame rather than stalling the caller.
func (h *Hub) Publish(recipient, msgType string, payload any) error {
	data, err := json.Marshal(Envelope{Type: msgType, Payload: payload, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions[recipient] {
		select {
		case s.send <- data:
		default:
			h.log.Warn().Str("recipient", recipient).Str("type", msgType).Msg("session buffer full, frame dropped")
		}
	}
	return nil
}

// Attach registers conn for recipient and pumps frames until the connection
// closes. It blocks.
func (h *Hub) Attach(recipient string, conn Conn) {
	s := &session{recipient: recipient, send: make(chan []byte, 32), conn: conn}
	h.register(s)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for data := range s.send {
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.unregister(s)
	<-done
	_ = conn.Close()
}

// ServeWS upgrades the request and attaches it to recipient.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, recipient string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()

	h.Attach(recipient, ws)
	close(stop)
}
