// Package schedule runs delayed tasks off a min-heap of due times driven by a
// single clock. Reminders, urgent tone repeats and periodic refreshes all go
// through it so tests can drive time explicitly.
package schedule

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-queue/internal/clock"
)

type TaskID uint64

type task struct {
	id    TaskID
	key   string
	at    time.Time
	fn    func(ctx context.Context)
	index int
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].id < h[j].id
	}
	return h[i].at.Before(h[j].at)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

type Scheduler struct {
	mu     sync.Mutex
	clock  clock.Clock
	log    zerolog.Logger
	tasks  taskHeap
	byID   map[TaskID]*task
	byKey  map[string]map[TaskID]struct{}
	nextID TaskID
	wake   chan struct{}
}

func New(c clock.Clock, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		clock: c,
		log:   log,
		byID:  make(map[TaskID]*task),
		byKey: make(map[string]map[TaskID]struct{}),
		wake:  make(chan struct{}, 1),
	}
}

// Schedule registers fn to run at the given time. Tasks sharing a key can be
// cancelled together with CancelKey.
func (s *Scheduler) Schedule(at time.Time, key string, fn func(ctx context.Context)) TaskID {
	s.mu.Lock()
	s.nextID++
	t := &task{id: s.nextID, key: key, at: at, fn: fn}
	heap.Push(&s.tasks, t)
	s.byID[t.id] = t
	if key != "" {
		if s.byKey[key] == nil {
			s.byKey[key] = make(map[TaskID]struct{})
		}
		s.byKey[key][t.id] = struct{}{}
	}
	s.mu.Unlock()

	s.notify()
	return t.id
}

// After schedules fn to run d from now according to the scheduler clock.
func (s *Scheduler) After(d time.Duration, key string, fn func(ctx context.Context)) TaskID {
	return s.Schedule(s.clock.Now().Add(d), key, fn)
}

// Cancel removes a pending task. Cancelling a task that already fired or was
// never scheduled is a no-op and reports false.
func (s *Scheduler) Cancel(id TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[id]
	if !ok {
		return false
	}
	s.removeLocked(t)
	return true
}

// CancelKey removes every pending task registered under key.
func (s *Scheduler) CancelKey(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byKey[key]
	n := 0
	for id := range ids {
		if t, ok := s.byID[id]; ok {
			s.removeLocked(t)
			n++
		}
	}
	return n
}

func (s *Scheduler) removeLocked(t *task) {
	if t.index >= 0 {
		heap.Remove(&s.tasks, t.index)
	}
	delete(s.byID, t.id)
	if t.key != "" {
		if ids := s.byKey[t.key]; ids != nil {
			delete(ids, t.id)
			if len(ids) == 0 {
				delete(s.byKey, t.key)
			}
		}
	}
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// PendingKey reports how many tasks are pending under key.
func (s *Scheduler) PendingKey(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey[key])
}

func (s *Scheduler) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return time.Time{}, false
	}
	return s.tasks[0].at, true
}

// RunDue runs every task due at the current clock time and returns how many
// ran. Tasks execute outside the lock, in due order.
func (s *Scheduler) RunDue(ctx context.Context) int {
	now := s.clock.Now()

	var due []*task
	s.mu.Lock()
	for len(s.tasks) > 0 && !s.tasks[0].at.After(now) {
		t := heap.Pop(&s.tasks).(*task)
		delete(s.byID, t.id)
		if t.key != "" {
			if ids := s.byKey[t.key]; ids != nil {
				delete(ids, t.id)
				if len(ids) == 0 {
					delete(s.byKey, t.key)
				}
			}
		}
		due = append(due, t)
	}
	s.mu.Unlock()

	for _, t := range due {
		s.runTask(ctx, t)
	}
	return len(due)
}

func (s *Scheduler) runTask(ctx context.Context, t *task) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("key", t.key).Msg("scheduled task panicked")
		}
	}()
	t.fn(ctx)
}

// Run blocks until ctx is done, firing tasks as they become due.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.RunDue(ctx)

		wait := time.Hour
		if next, ok := s.NextDue(); ok {
			wait = next.Sub(s.clock.Now())
			if wait < 0 {
				wait = 0
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-timer.C:
		}
	}
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
