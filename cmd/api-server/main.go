package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-queue/internal/api"
	"github.com/hackgods/consultation-queue/internal/appointment"
	"github.com/hackgods/consultation-queue/internal/clock"
	"github.com/hackgods/consultation-queue/internal/config"
	"github.com/hackgods/consultation-queue/internal/db"
	"github.com/hackgods/consultation-queue/internal/escalation"
	"github.com/hackgods/consultation-queue/internal/logging"
	"github.com/hackgods/consultation-queue/internal/notify"
	"github.com/hackgods/consultation-queue/internal/queue"
	"github.com/hackgods/consultation-queue/internal/realtime"
	redisclient "github.com/hackgods/consultation-queue/internal/redis"
	"github.com/hackgods/consultation-queue/internal/schedule"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("config load error")
	}

	log := logging.New("api-server", cfg.Env)
	log.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Str("version", version).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, log)
	if err == nil {
		err = db.Migrate(pgCtx, pgPool)
	}
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres setup error")
	}
	defer pgPool.Close()

	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("error closing redis")
		}
	}()

	clk := clock.System()
	sched := schedule.New(clk, log)
	go func() { _ = sched.Run(rootCtx) }()

	// notifications
	directory := db.NewPatientDirectory(pgPool)
	dispatcher := notify.NewDispatcher(notify.DefaultRoutes(), clk, cfg.Notify.DispatchQueueSize, log)
	hub := notify.NewHub(log)
	tray := notify.NewTray(cfg.Notify.InAppMaxVisible)
	audible := notify.NewAudibleChannel(hub, sched, clk, cfg.Notify.UrgentToneMax)
	dispatcher.Register(notify.NewInAppChannel(tray, hub))
	dispatcher.Register(audible)
	for _, ch := range notify.OutboundChannels(rootCtx, cfg.Notify, directory, log) {
		dispatcher.Register(ch)
	}
	go func() { _ = dispatcher.Run(rootCtx) }()
	go expireTray(rootCtx, tray, clk)

	// reminders are owned by the reminder-worker
	appointments := appointment.NewService(appointment.NewPgRepository(pgPool), clk, cfg.Appointment, nil, dispatcher, log)

	feed := redisclient.NewPoolFeed(rdb, 256, log)
	tracker := queue.NewTracker(clk, cfg.Queue.PerPatientMinutes, log)

	engine := escalation.NewEngine(escalation.Config{
		UrgentThreshold:    cfg.Escalation.UrgentThreshold,
		ProximityThreshold: cfg.Escalation.ProximityThreshold,
		ResetDelta:         cfg.Escalation.ResetDelta,
	}, clk, dispatcher, log, escalation.WithClaimer(redisclient.NewClaims(rdb, time.Hour), 2*time.Second))
	tracker.Subscribe(engine.HandleQueueEvent)

	var reconciler *realtime.Reconciler
	queueSvc := queue.NewService(
		tracker,
		queue.NewPgRepository(pgPool),
		redisclient.NewPoolLocker(rdb, cfg.LockTTL),
		feed,
		appointments,
		dispatcher,
		clk,
		log,
		queue.WithBusyError(redisclient.ErrLockNotAcquired),
		queue.WithPoolActivity(func(poolKey string) { reconciler.Watch(rootCtx, poolKey) }),
	)
	reconciler = realtime.NewReconciler(feed, queueSvc, realtime.ReconcilerConfig{
		HeartbeatTimeout:  cfg.Realtime.HeartbeatTimeout,
		MaxResyncAttempts: cfg.Realtime.MaxResyncAttempts,
		ResyncBackoff:     cfg.Realtime.ResyncBackoff,
	}, log)
	defer reconciler.Close()

	appointments.Subscribe(queueSvc.OnAppointmentEvent)

	pools, err := queueSvc.Restore(rootCtx)
	if err != nil {
		log.Fatal().Err(err).Msg("restore queue pools")
	}
	for _, k := range pools {
		reconciler.Watch(rootCtx, k)
	}
	log.Info().Int("pools", len(pools)).Msg("queue pools restored")

	go func() {
		_ = realtime.RunHeartbeat(rootCtx, feed, reconciler.Watching, cfg.Realtime.HeartbeatTimeout/3, log)
	}()

	health := api.NewHealthHandler(cfg.Env, version,
		api.Dependency{Name: "postgres", Critical: true, Ping: pgPing(pgPool)},
		api.Dependency{Name: "redis", Ping: redisPing(rdb)},
	)

	srv := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: api.NewRouter(api.RouterConfig{
			Appointments: appointments,
			Queue:        queueSvc,
			Tray:         tray,
			Hub:          hub,
			Audible:      audible,
			Health:       health,
			Log:          log,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server error")
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info().Msg("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown error")
	}
}

func expireTray(ctx context.Context, tray *notify.Tray, clk clock.Clock) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tray.Expire(clk.Now())
		}
	}
}

func pgPing(pool *pgxpool.Pool) func(context.Context) error {
	return pool.Ping
}

func redisPing(rdb *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}
