package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-queue/internal/retry"
)

// Sink is what the reconciler keeps in sync.
type Sink interface {
	Apply(ctx context.Context, ev Event) error
	// Resync replaces the local pool with the authoritative state.
	Resync(ctx context.Context, poolKey string) error
	SetDegraded(poolKey string, degraded bool)
}

type ReconcilerConfig struct {
	HeartbeatTimeout  time.Duration
	MaxResyncAttempts int
	ResyncBackoff     time.Duration
	// DegradedRetry is the pause between reconnect rounds once a pool is
	// degraded.
	DegradedRetry time.Duration
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.MaxResyncAttempts <= 0 {
		c.MaxResyncAttempts = 5
	}
	if c.ResyncBackoff <= 0 {
		c.ResyncBackoff = 500 * time.Millisecond
	}
	if c.DegradedRetry <= 0 {
		c.DegradedRetry = c.HeartbeatTimeout
	}
	return c
}

// Reconciler runs one loop per watched pool: subscribe, resync, consume
// until the stream is lost, then start over.
type Reconciler struct {
	source Source
	sink   Sink
	cfg    ReconcilerConfig
	log    zerolog.Logger

	mu    sync.Mutex
	loops map[string]context.CancelFunc
	wg    sync.WaitGroup
}

func NewReconciler(source Source, sink Sink, cfg ReconcilerConfig, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		source: source,
		sink:   sink,
		cfg:    cfg.withDefaults(),
		log:    log.With().Str("component", "reconciler").Logger(),
		loops:  make(map[string]context.CancelFunc),
	}
}

// Watch starts the loop for poolKey unless one is already running.
func (r *Reconciler) Watch(ctx context.Context, poolKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.loops[poolKey]; ok {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.loops[poolKey] = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(loopCtx, poolKey)
	}()
}

// Unwatch stops the loop for poolKey. Unknown keys are ignored.
func (r *Reconciler) Unwatch(poolKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cancel, ok := r.loops[poolKey]; ok {
		cancel()
		delete(r.loops, poolKey)
	}
}

func (r *Reconciler) Watching() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.loops))
	for k := range r.loops {
		keys = append(keys, k)
	}
	return keys
}

// Close stops every loop and waits for them to exit.
func (r *Reconciler) Close() {
	r.mu.Lock()
	for k, cancel := range r.loops {
		cancel()
		delete(r.loops, k)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Reconciler) run(ctx context.Context, poolKey string) {
	log := r.log.With().Str("pool", poolKey).Logger()

	for {
		sub, err := r.connect(ctx, poolKey, log)
		if err != nil {
			return
		}

		err = r.consume(ctx, sub, log)
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("realtime feed lost, resyncing")
	}
}

// connect subscribes then resyncs, so nothing published in between is
// missed. Events older than the snapshot are dropped as stale. After
// MaxResyncAttempts failed attempts the pool is marked degraded and
// connect keeps trying at a slower pace. It only returns an error once ctx
// is done.
func (r *Reconciler) connect(ctx context.Context, poolKey string, log zerolog.Logger) (*Subscription, error) {
	cfg := retry.Config{
		MaxAttempts:   r.cfg.MaxResyncAttempts,
		InitialDelay:  r.cfg.ResyncBackoff,
		MaxDelay:      r.cfg.HeartbeatTimeout,
		BackoffFactor: 2,
	}
	degraded := false

	for {
		var sub *Subscription
		err := retry.Do(ctx, cfg, func(ctx context.Context) error {
			s, err := r.source.Subscribe(ctx, poolKey)
			if err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			if err := r.sink.Resync(ctx, poolKey); err != nil {
				s.Close()
				return fmt.Errorf("resync: %w", err)
			}
			sub = s
			return nil
		}, func(attempt int, err error, next time.Duration) {
			log.Warn().Err(err).Int("attempt", attempt).Dur("next_in", next).Msg("pool resync failed")
		})

		if err == nil {
			if degraded {
				log.Info().Msg("pool recovered from degraded mode")
			}
			r.sink.SetDegraded(poolKey, false)
			return sub, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if !degraded {
			log.Error().Err(err).Msg("pool resync keeps failing, marking degraded")
			r.sink.SetDegraded(poolKey, true)
			degraded = true
		}

		timer := time.NewTimer(r.cfg.DegradedRetry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Reconciler) consume(ctx context.Context, sub *Subscription, log zerolog.Logger) error {
	heartbeat := time.NewTimer(r.cfg.HeartbeatTimeout)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-sub.Done():
			return fmt.Errorf("%w: stream closed", ErrSubscriptionLost)

		case <-heartbeat.C:
			return fmt.Errorf("%w: no traffic for %s", ErrSubscriptionLost, r.cfg.HeartbeatTimeout)

		case ev := <-sub.Events():
			if !heartbeat.Stop() {
				select {
				case <-heartbeat.C:
				default:
				}
			}
			heartbeat.Reset(r.cfg.HeartbeatTimeout)

			if ev.Type == ChangeHeartbeat {
				continue
			}

			if err := r.sink.Apply(ctx, ev); err != nil {
				if errors.Is(err, ErrStaleUpdate) {
					log.Debug().Int64("version", ev.Version).Str("type", string(ev.Type)).Msg("stale update discarded")
					continue
				}
				log.Warn().Err(err).Int64("version", ev.Version).Str("type", string(ev.Type)).Msg("failed to apply realtime update")
			}
		}
	}
}

// RunHeartbeat publishes a heartbeat on every key returned by keys until ctx
// is done.
func RunHeartbeat(ctx context.Context, pub Publisher, keys func() []string, every time.Duration, log zerolog.Logger) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			for _, k := range keys() {
				if err := pub.Publish(ctx, Heartbeat(k, now.UTC())); err != nil {
					log.Warn().Err(err).Str("pool", k).Msg("heartbeat publish failed")
				}
			}
		}
	}
}
