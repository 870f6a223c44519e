package main

import (
	"context"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-queue/internal/appointment"
	"github.com/hackgods/consultation-queue/internal/clock"
	"github.com/hackgods/consultation-queue/internal/config"
	"github.com/hackgods/consultation-queue/internal/db"
	"github.com/hackgods/consultation-queue/internal/logging"
	"github.com/hackgods/consultation-queue/internal/notify"
)

const (
	providerCount  = 20
	specialtyCount = 8
	patientCount   = 2000
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("config load error")
	}

	log := logging.New("seed", cfg.Env)
	log.Info().Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	gofakeit.Seed(time.Now().UnixNano())

	patients, err := seedPatients(ctx, db.NewPatientDirectory(pool), patientCount, log)
	if err != nil {
		log.Fatal().Err(err).Msg("seed patients")
	}

	n, err := seedAppointments(ctx, pool, cfg, patients, log)
	if err != nil {
		log.Fatal().Err(err).Msg("seed appointments")
	}

	log.Info().Int("patients", len(patients)).Int("appointments", n).Msg("seed complete")
}

func seedPatients(ctx context.Context, dir *db.PatientDirectory, count int, log zerolog.Logger) ([]uuid.UUID, error) {
	log.Info().Int("count", count).Msg("seeding patients")

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		c := notify.Contact{
			Recipient: id.String(),
			Name:      gofakeit.Name(),
			Email:     gofakeit.Email(),
			Phone:     gofakeit.Phone(),
		}
		// roughly half the patients installed the app
		if gofakeit.Bool() {
			c.DeviceToken = gofakeit.UUID()
		}
		if err := dir.Upsert(ctx, c); err != nil {
			return nil, err
		}
		ids = append(ids, id)

		if (i+1)%500 == 0 {
			log.Info().Int("done", i+1).Int("total", count).Msg("patients seeded")
		}
	}
	return ids, nil
}

// seedAppointments books one appointment per patient, spread from an hour
// ago to a day ahead so some are inside the join window right away.
func seedAppointments(ctx context.Context, pool *pgxpool.Pool, cfg config.Config, patients []uuid.UUID, log zerolog.Logger) (int, error) {
	providers := make([]uuid.UUID, providerCount)
	for i := range providers {
		providers[i] = uuid.New()
	}
	specialties := make([]uuid.UUID, specialtyCount)
	for i := range specialties {
		specialties[i] = uuid.New()
	}

	clk := clock.System()
	svc := appointment.NewService(appointment.NewPgRepository(pool), clk, cfg.Appointment, nil, nil, log)

	now := clk.Now().Truncate(time.Minute)
	n := 0
	for _, patientID := range patients {
		offset := time.Duration(gofakeit.Number(-60, 24*60)) * time.Minute
		_, err := svc.Create(ctx, appointment.NewAppointment{
			PatientID:        patientID,
			ProviderID:       providers[gofakeit.Number(0, len(providers)-1)],
			SpecialtyID:      specialties[gofakeit.Number(0, len(specialties)-1)],
			ScheduledAt:      now.Add(offset),
			DurationMinutes:  []int{15, 20, 30, 45}[gofakeit.Number(0, 3)],
			Price:            int64(gofakeit.Number(20, 200)) * 100,
			PaymentReference: "seed_" + gofakeit.LetterN(16),
		})
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
