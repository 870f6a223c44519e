package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-queue/internal/config"
	"github.com/hackgods/consultation-queue/internal/db"
	"github.com/hackgods/consultation-queue/internal/logging"
)

type SimConfig struct {
	APIBaseURL       string
	Duration         time.Duration
	Workers          int
	JoinRatio        float64
	LeaveRatio       float64
	CancelRatio      float64
	ReadRatio        float64
	AppointmentLimit int
	PostgresDSN      string
	JoinEarly        time.Duration
	JoinLate         time.Duration
}

type queued struct {
	EntryID   uuid.UUID
	PoolKey   string
	PatientID uuid.UUID
}

// DataPool holds the joinable appointments loaded at startup and the queue
// entries created during the run.
type DataPool struct {
	mu           sync.Mutex
	appointments []uuid.UUID
	entries      []queued
}

func (dp *DataPool) TakeAppointment(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	idx := rng.Intn(len(dp.appointments))
	id := dp.appointments[idx]
	dp.appointments[idx] = dp.appointments[len(dp.appointments)-1]
	dp.appointments = dp.appointments[:len(dp.appointments)-1]
	return id, true
}

func (dp *DataPool) AddEntry(e queued) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.entries = append(dp.entries, e)
}

func (dp *DataPool) RandomEntry(rng *rand.Rand) (queued, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.entries) == 0 {
		return queued{}, false
	}
	return dp.entries[rng.Intn(len(dp.entries))], true
}

func (dp *DataPool) TakeEntry(rng *rand.Rand) (queued, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.entries) == 0 {
		return queued{}, false
	}
	idx := rng.Intn(len(dp.entries))
	e := dp.entries[idx]
	dp.entries[idx] = dp.entries[len(dp.entries)-1]
	dp.entries = dp.entries[:len(dp.entries)-1]
	return e, true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	latencies := append([]time.Duration(nil), om.Latencies...)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Join          OperationMetrics
	Leave         OperationMetrics
	Cancel        OperationMetrics
	ReadEntry     OperationMetrics
	ReadPool      OperationMetrics
	Notifications OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     zerolog.Logger
}

func main() {
	cfg, baseCfg := loadConfig()
	log := logging.New("simulate", baseCfg.Env)

	if err := validateConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	log.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("join", cfg.JoinRatio).
		Float64("leave", cfg.LeaveRatio).
		Float64("cancel", cfg.CancelRatio).
		Float64("read", cfg.ReadRatio).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("load data pool")
	}

	log.Info().Int("appointments", len(dataPool.appointments)).Msg("joinable appointments loaded")

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() (SimConfig, config.Config) {
	baseCfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("failed to load base config")
	}

	cfg := SimConfig{
		APIBaseURL:       getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:         getDuration("SIM_DURATION", 30*time.Second),
		Workers:          getInt("SIM_WORKERS", 10),
		JoinRatio:        getFloat("SIM_JOIN_RATIO", 0.3),
		LeaveRatio:       getFloat("SIM_LEAVE_RATIO", 0.1),
		CancelRatio:      getFloat("SIM_CANCEL_RATIO", 0.1),
		ReadRatio:        getFloat("SIM_READ_RATIO", 0.5),
		AppointmentLimit: getInt("SIM_APPOINTMENT_LIMIT", 2000),
		PostgresDSN:      baseCfg.PostgresDSN,
		JoinEarly:        baseCfg.Appointment.JoinEarly,
		JoinLate:         baseCfg.Appointment.JoinLate,
	}

	total := cfg.JoinRatio + cfg.LeaveRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.JoinRatio /= total
		cfg.LeaveRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg, baseCfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

// loadDataPool picks scheduled appointments whose join window is open now.
func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	now := time.Now()
	rows, err := pool.Query(ctx, `
		SELECT id FROM appointments
		WHERE status = 'scheduled'
		  AND scheduled_at BETWEEN $1 AND $2
		LIMIT $3
	`, now.Add(-cfg.JoinLate), now.Add(cfg.JoinEarly), cfg.AppointmentLimit)
	if err != nil {
		return nil, fmt.Errorf("load appointments: %w", err)
	}
	defer rows.Close()

	dataPool := &DataPool{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.appointments = append(dataPool.appointments, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(dataPool.appointments) == 0 {
		return nil, fmt.Errorf("no joinable appointments, run seed first")
	}
	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Msg("starting simulation")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r := rng.Float64()
		switch {
		case r < s.config.JoinRatio:
			s.doJoin(ctx, rng)
		case r < s.config.JoinRatio+s.config.LeaveRatio:
			s.doLeave(ctx, rng)
		case r < s.config.JoinRatio+s.config.LeaveRatio+s.config.CancelRatio:
			s.doCancel(ctx, rng)
		default:
			switch rng.Intn(3) {
			case 0:
				s.doReadEntry(ctx, rng)
			case 1:
				s.doReadPool(ctx, rng)
			case 2:
				s.doListNotifications(ctx, rng)
			}
		}
	}
}

func (s *Simulator) doJoin(ctx context.Context, rng *rand.Rand) {
	apptID, ok := s.pool.TakeAppointment(rng)
	if !ok {
		return
	}

	by := "provider"
	if rng.Intn(4) == 0 {
		by = "specialty"
	}
	body, _ := json.Marshal(map[string]string{
		"appointment_id": apptID.String(),
		"by":             by,
	})

	var entry struct {
		ID        uuid.UUID `json:"id"`
		PoolKey   string    `json:"pool_key"`
		PatientID uuid.UUID `json:"patient_id"`
	}
	status, latency, err := s.do(ctx, http.MethodPost, "/queue/join", body, &entry)

	success := err == nil && status == http.StatusCreated
	if success && entry.ID != uuid.Nil {
		s.pool.AddEntry(queued{EntryID: entry.ID, PoolKey: entry.PoolKey, PatientID: entry.PatientID})
	}
	s.metrics.Join.Record(latency, success, status == http.StatusConflict)
}

func (s *Simulator) doLeave(ctx context.Context, rng *rand.Rand) {
	e, ok := s.pool.TakeEntry(rng)
	if !ok {
		return
	}

	status, latency, err := s.do(ctx, http.MethodDelete, "/queue/entries/"+e.EntryID.String(), nil, nil)
	s.metrics.Leave.Record(latency, err == nil && status == http.StatusNoContent, status == http.StatusNotFound)
}

// doCancel cancels an appointment that is still waiting in a queue, which
// removes its entry server side.
func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	e, ok := s.pool.TakeEntry(rng)
	if !ok {
		return
	}

	var entry struct {
		AppointmentID uuid.UUID `json:"appointment_id"`
	}
	status, _, err := s.do(ctx, http.MethodGet, "/queue/entries/"+e.EntryID.String(), nil, &entry)
	if err != nil || status != http.StatusOK {
		return
	}

	status, latency, err := s.do(ctx, http.MethodPost, fmt.Sprintf("/appointments/%s/cancel", entry.AppointmentID), nil, nil)
	s.metrics.Cancel.Record(latency, err == nil && status == http.StatusOK, status == http.StatusConflict)
}

func (s *Simulator) doReadEntry(ctx context.Context, rng *rand.Rand) {
	e, ok := s.pool.RandomEntry(rng)
	if !ok {
		return
	}

	status, latency, err := s.do(ctx, http.MethodGet, "/queue/entries/"+e.EntryID.String(), nil, nil)
	// entries removed by another worker read as 404
	s.metrics.ReadEntry.Record(latency, err == nil && status == http.StatusOK, status == http.StatusNotFound)
}

func (s *Simulator) doReadPool(ctx context.Context, rng *rand.Rand) {
	e, ok := s.pool.RandomEntry(rng)
	if !ok {
		return
	}

	status, latency, err := s.do(ctx, http.MethodGet, "/queue/pools/"+url.PathEscape(e.PoolKey), nil, nil)
	s.metrics.ReadPool.Record(latency, err == nil && status == http.StatusOK, false)
}

func (s *Simulator) doListNotifications(ctx context.Context, rng *rand.Rand) {
	e, ok := s.pool.RandomEntry(rng)
	if !ok {
		return
	}

	status, latency, err := s.do(ctx, http.MethodGet, fmt.Sprintf("/patients/%s/notifications", e.PatientID), nil, nil)
	s.metrics.Notifications.Record(latency, err == nil && status == http.StatusOK, false)
}

func (s *Simulator) do(ctx context.Context, method, path string, body []byte, out any) (int, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, latency, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, latency, err
		}
	}
	return resp.StatusCode, latency, nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Queue join", &s.metrics.Join)
	printOperationReport("Queue leave", &s.metrics.Leave)
	printOperationReport("Cancel while queued", &s.metrics.Cancel)
	printOperationReport("Read entry", &s.metrics.ReadEntry)
	printOperationReport("Read pool", &s.metrics.ReadPool)
	printOperationReport("List notifications", &s.metrics.Notifications)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
