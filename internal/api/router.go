package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-queue/internal/appointment"
	"github.com/hackgods/consultation-queue/internal/notify"
	"github.com/hackgods/consultation-queue/internal/queue"
)

type RouterConfig struct {
	Appointments *appointment.Service
	Queue        *queue.Service
	Tray         *notify.Tray
	Hub          *notify.Hub
	Audible      *notify.AudibleChannel
	Health       *HealthHandler
	Log          zerolog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log))
	r.Use(RecoverMiddleware(cfg.Log))

	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}

	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", createAppointmentHandler(cfg.Appointments))
		r.Get("/{id}", getAppointmentHandler(cfg.Appointments))
		r.Post("/{id}/join", joinAppointmentHandler(cfg.Appointments))
		r.Post("/{id}/join-failed", joinFailedHandler(cfg.Appointments))
		r.Post("/{id}/complete", completeAppointmentHandler(cfg.Appointments))
		r.Post("/{id}/cancel", cancelAppointmentHandler(cfg.Appointments))
		r.Post("/{id}/reschedule", rescheduleAppointmentHandler(cfg.Appointments))
		r.Get("/{id}/refund", getRefundHandler(cfg.Appointments))
	})

	r.Route("/queue", func(r chi.Router) {
		r.Post("/join", joinQueueHandler(cfg.Queue))
		r.Get("/entries/{id}", getQueueEntryHandler(cfg.Queue))
		r.Delete("/entries/{id}", leaveQueueHandler(cfg.Queue))
		r.Post("/entries/{id}/ready", markReadyHandler(cfg.Queue))
		r.Get("/pools/{poolKey}", getPoolHandler(cfg.Queue))
	})

	r.Route("/patients/{patientID}", func(r chi.Router) {
		r.Get("/appointments", listPatientAppointmentsHandler(cfg.Appointments))
		r.Get("/notifications", listNotificationsHandler(cfg.Tray))
		r.Delete("/notifications/{id}", dismissNotificationHandler(cfg.Tray))
		r.Post("/notifications/{id}/act", actOnNotificationHandler(cfg.Tray, cfg.Audible))
		r.Post("/tone/stop", stopToneHandler(cfg.Audible))
		r.Get("/stream", streamHandler(cfg.Hub))
	})

	return r
}
