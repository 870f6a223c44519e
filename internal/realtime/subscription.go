package realtime

import "sync"

// Subscription is a cancellable stream of events for one pool. The events
// channel is never closed; Done is closed when the stream ends, either by
// Close or because the source lost it.
type Subscription struct {
	key     string
	events  chan Event
	done    chan struct{}
	once    sync.Once
	onClose func()
}

func NewSubscription(poolKey string, buffer int, onClose func()) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscription{
		key:     poolKey,
		events:  make(chan Event, buffer),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (s *Subscription) PoolKey() string { return s.key }

func (s *Subscription) Events() <-chan Event { return s.events }

func (s *Subscription) Done() <-chan struct{} { return s.done }

// Deliver hands ev to the consumer. A full buffer means the consumer fell
// behind, the subscription is closed so that it resyncs.
func (s *Subscription) Deliver(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	default:
		s.Close()
		return false
	}
}

// Close releases the subscription. Calling it more than once is a no-op.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}
