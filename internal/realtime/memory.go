package realtime

import (
	"context"
	"errors"
	"sync"
)

var ErrSourceUnavailable = errors.New("realtime source unavailable")

// MemorySource is an in-process change feed. It backs single instance
// deployments and tests.
type MemorySource struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
	// failures makes the next n Subscribe calls fail.
	failures int
}

func NewMemorySource() *MemorySource {
	return &MemorySource{subs: make(map[string]map[*Subscription]struct{})}
}

func (m *MemorySource) Subscribe(_ context.Context, poolKey string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failures > 0 {
		m.failures--
		return nil, ErrSourceUnavailable
	}

	var sub *Subscription
	sub = NewSubscription(poolKey, 64, func() { m.remove(poolKey, sub) })
	if m.subs[poolKey] == nil {
		m.subs[poolKey] = make(map[*Subscription]struct{})
	}
	m.subs[poolKey][sub] = struct{}{}
	return sub, nil
}

func (m *MemorySource) remove(poolKey string, sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set := m.subs[poolKey]; set != nil {
		delete(set, sub)
		if len(set) == 0 {
			delete(m.subs, poolKey)
		}
	}
}

func (m *MemorySource) Publish(_ context.Context, ev Event) error {
	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.subs[ev.PoolKey]))
	for s := range m.subs[ev.PoolKey] {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.Deliver(ev)
	}
	return nil
}

// Subscribers reports the open subscriptions on poolKey.
func (m *MemorySource) Subscribers(poolKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[poolKey])
}

// Drop ends every subscription on poolKey as if the transport went away.
func (m *MemorySource) Drop(poolKey string) {
	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.subs[poolKey]))
	for s := range m.subs[poolKey] {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

// FailNext makes the next n Subscribe calls return ErrSourceUnavailable.
func (m *MemorySource) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
}
