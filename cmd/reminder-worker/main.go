package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-queue/internal/appointment"
	"github.com/hackgods/consultation-queue/internal/clock"
	"github.com/hackgods/consultation-queue/internal/config"
	"github.com/hackgods/consultation-queue/internal/db"
	"github.com/hackgods/consultation-queue/internal/logging"
	"github.com/hackgods/consultation-queue/internal/notify"
	"github.com/hackgods/consultation-queue/internal/schedule"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("config load error")
	}

	log := logging.New("reminder-worker", cfg.Env)
	log.Info().
		Str("env", cfg.Env).
		Dur("interval", cfg.WorkerInterval).
		Dur("lookout", cfg.Appointment.ReminderLookout).
		Msg("reminder-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, log)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()

	clk := clock.System()
	sched := schedule.New(clk, log)

	dispatcher := notify.NewDispatcher(notify.DefaultRoutes(), clk, cfg.Notify.DispatchQueueSize, log)
	for _, ch := range notify.OutboundChannels(rootCtx, cfg.Notify, db.NewPatientDirectory(pgPool), log) {
		dispatcher.Register(ch)
	}

	svc := appointment.NewService(appointment.NewPgRepository(pgPool), clk, cfg.Appointment, sched, dispatcher, log)

	go func() { _ = dispatcher.Run(rootCtx) }()
	go func() { _ = sched.Run(rootCtx) }()

	// Run once at startup
	runOnce(rootCtx, svc, sched, log)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info().Msg("shutdown signal received, stopping reminder worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, sched, log)
		}
	}
}

func runOnce(ctx context.Context, svc *appointment.Service, sched *schedule.Scheduler, log zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	armed, err := svc.LoadUpcoming(runCtx)
	if err != nil {
		log.Error().Err(err).Msg("reminder load error")
		return
	}
	log.Info().
		Int("armed", armed).
		Int("pending", sched.Pending()).
		Dur("took", time.Since(start)).
		Msg("reminder load complete")
}
