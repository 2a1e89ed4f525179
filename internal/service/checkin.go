package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/torigood/PulseCall/internal/analyzer"
	"github.com/torigood/PulseCall/internal/callflow"
	"github.com/torigood/PulseCall/internal/clock"
	"github.com/torigood/PulseCall/internal/config"
	"github.com/torigood/PulseCall/internal/httpapi"
	"github.com/torigood/PulseCall/internal/lock"
	"github.com/torigood/PulseCall/internal/models"
	"github.com/torigood/PulseCall/internal/notifier"
	"github.com/torigood/PulseCall/internal/placement"
	"github.com/torigood/PulseCall/internal/redisx"
	"github.com/torigood/PulseCall/internal/repository"
	"github.com/torigood/PulseCall/internal/scheduler"
)

const shutdownTimeout = 10 * time.Second

// CheckInService wires storage, the call state machine, the retry scheduler
// and the HTTP surface.
type CheckInService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *notifier.MQTTClient
	logger      *zap.Logger

	attempts    repository.AttemptRepository
	escalations repository.EscalationRepository
	patients    repository.PatientDirectory
	machine     *callflow.Machine
	scheduler   *scheduler.Scheduler
	server      *Server
}

// NewCheckInService connects to the configured backends and builds every layer.
func NewCheckInService(cfg *config.Config, logger *zap.Logger) (*CheckInService, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s := &CheckInService{config: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = s.Stop()
		}
	}()

	// 1. Storage
	if err := s.initStorage(ctx); err != nil {
		return nil, err
	}

	// 2. Redis (lock backend and alert stream)
	if cfg.Lock.Backend == "redis" {
		s.redisClient = redisx.NewClient(cfg.Redis)
		if err := redisx.Ping(ctx, s.redisClient); err != nil {
			return nil, err
		}
	}

	// 3. Locks
	var locker lock.Locker
	if s.redisClient != nil {
		locker = lock.NewRedisLocker(s.redisClient, cfg.Lock.KeyPrefix, logger)
	} else {
		locker = lock.NewLocalLocker()
	}

	// 4. Escalation alerts
	alerts, err := s.buildNotifier()
	if err != nil {
		return nil, err
	}

	// 5. Transcript analysis
	var primary analyzer.Analyzer
	if cfg.Analyzer.APIKey != "" {
		llm, err := analyzer.NewLLMAnalyzer(analyzer.LLMConfig{
			APIKey:  cfg.Analyzer.APIKey,
			BaseURL: cfg.Analyzer.BaseURL,
			Model:   cfg.Analyzer.Model,
			Timeout: cfg.Analyzer.Timeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create analyzer: %w", err)
		}
		primary = llm
	} else {
		logger.Info("ANALYZER_API_KEY not set, using keyword analysis only")
	}
	an := analyzer.WithFallback(primary, analyzer.FallbackAnalyzer{}, logger)

	// 6. Call placement
	placer := placement.NewClient(placement.Config{
		BaseURL:        cfg.Placement.BaseURL,
		APIKey:         cfg.Placement.APIKey,
		WebhookBaseURL: cfg.Placement.WebhookBaseURL,
		DefaultVoiceID: cfg.Placement.DefaultVoiceID,
		Timeout:        cfg.Placement.Timeout,
	}, logger)
	if placer.MockMode() {
		logger.Warn("SMALLEST_API_KEY not set, calls are simulated")
	}

	// 7. State machine and scheduler
	clk := clock.Real{}
	s.machine = callflow.NewMachine(callflow.Deps{
		Attempts:    s.attempts,
		Escalations: s.escalations,
		Patients:    s.patients,
		Notifier:    alerts,
		Analyzer:    an,
		Clock:       clk,
	}, cfg.Scheduler.MaxRetries, logger)

	s.scheduler = scheduler.New(scheduler.Config{
		CheckInterval:  cfg.Scheduler.CheckInterval,
		StartupDelay:   cfg.Scheduler.StartupDelay,
		PatientTimeout: cfg.Scheduler.PatientTimeout,
	}, scheduler.Deps{
		Machine:  s.machine,
		Attempts: s.attempts,
		Patients: s.patients,
		Placer:   placer,
		Locker:   locker,
		Clock:    clk,
	}, logger)

	// 8. HTTP
	handler := httpapi.NewHandler(httpapi.HandlerDeps{
		Callbacks:   s.machine,
		Trigger:     s.scheduler,
		Attempts:    s.attempts,
		Escalations: s.escalations,
		Patients:    s.patients,
		Checks:      s.healthChecks(),
	}, logger)
	router := httpapi.NewRouter(logger)
	router.RegisterCheckInRoutes(handler)
	s.server = NewServer(cfg.HTTP.Addr, router, logger)

	ok = true
	return s, nil
}

func (s *CheckInService) initStorage(ctx context.Context) error {
	if !s.config.DBEnabled {
		patients, err := loadPatientSeed(s.config.PatientSeedFile)
		if err != nil {
			return err
		}
		s.logger.Warn("DB disabled, using in-memory stores",
			zap.Int("seeded_patients", len(patients)),
		)
		s.attempts = repository.NewMemoryAttemptsRepo()
		s.escalations = repository.NewMemoryEscalationsRepo()
		s.patients = repository.NewMemoryPatientDirectory(patients...)
		return nil
	}

	db, err := repository.OpenPostgres(ctx, s.config.Database)
	if err != nil {
		return err
	}
	s.db = db
	if err := repository.EnsureSchema(ctx, db); err != nil {
		return err
	}

	s.attempts = repository.NewPostgresAttemptsRepo(db, s.logger)
	s.escalations = repository.NewPostgresEscalationsRepo(db, s.logger)
	s.patients = repository.NewPostgresPatientDirectory(db, s.logger)
	s.logger.Info("DB enabled for PulseCall")
	return nil
}

// buildNotifier fans alerts out to SMS (or the log), the nurse-station MQTT
// broker and the Redis stream, whichever are configured.
func (s *CheckInService) buildNotifier() (notifier.Notifier, error) {
	cfg := s.config
	var out notifier.Multi

	twilioCfg := notifier.TwilioConfig{
		BaseURL:           cfg.Twilio.BaseURL,
		AccountSID:        cfg.Twilio.AccountSID,
		AuthToken:         cfg.Twilio.AuthToken,
		FromNumber:        cfg.Twilio.FromNumber,
		ToNumber:          cfg.Twilio.ToNumber,
		TranscriptBaseURL: cfg.Escalation.TranscriptBaseURL,
	}
	if twilioCfg.Configured() {
		out = append(out, notifier.NewTwilioNotifier(twilioCfg, s.logger))
	} else {
		s.logger.Warn("Twilio not configured, escalation alerts are logged only")
		out = append(out, notifier.NewLogNotifier(s.logger, cfg.Escalation.TranscriptBaseURL))
	}

	if cfg.MQTT.Broker != "" {
		client, err := notifier.NewMQTTClient(cfg.MQTT)
		if err != nil {
			return nil, err
		}
		s.mqttClient = client
		out = append(out, notifier.NewMQTTNotifier(client, cfg.Escalation.MQTTTopicPrefix, s.logger))
	}

	if s.redisClient != nil && cfg.Escalation.StreamKey != "" {
		out = append(out, notifier.NewStreamNotifier(s.redisClient, cfg.Escalation.StreamKey, s.logger))
	}
	return out, nil
}

func (s *CheckInService) healthChecks() map[string]httpapi.HealthCheck {
	checks := map[string]httpapi.HealthCheck{}
	if s.db != nil {
		checks["postgres"] = s.db.PingContext
	}
	if s.redisClient != nil {
		client := s.redisClient
		checks["redis"] = func(ctx context.Context) error { return redisx.Ping(ctx, client) }
	}
	return checks
}

// Start runs the HTTP server and the scheduler until ctx is cancelled or the
// server fails.
func (s *CheckInService) Start(ctx context.Context) error {
	s.logger.Info("Starting check-in service",
		zap.String("addr", s.config.HTTP.Addr),
		zap.Bool("db_enabled", s.config.DBEnabled),
		zap.String("lock_backend", s.config.Lock.Backend),
		zap.Int("max_retries", s.config.Scheduler.MaxRetries),
	)

	errCh := make(chan error, 2)
	go func() {
		if err := s.scheduler.Run(ctx); err != nil {
			errCh <- fmt.Errorf("scheduler: %w", err)
		}
	}()
	go func() {
		if err := s.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Stop(shutdownCtx); err != nil {
		s.logger.Error("Failed to stop HTTP server", zap.Error(err))
	}
	return runErr
}

// Stop releases backend connections.
func (s *CheckInService) Stop() error {
	s.logger.Info("Stopping check-in service")

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("Failed to close redis", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("Failed to close database", zap.Error(err))
		}
	}
	return nil
}

// Handler HTTP handler of the service (tests and embedding).
func (s *CheckInService) Handler() http.Handler {
	return s.server.httpServer.Handler
}

func loadPatientSeed(path string) ([]*models.Patient, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read patient seed file: %w", err)
	}
	var patients []*models.Patient
	if err := json.Unmarshal(data, &patients); err != nil {
		return nil, fmt.Errorf("failed to parse patient seed file %s: %w", path, err)
	}
	for i, p := range patients {
		if p == nil || p.PatientID == "" {
			return nil, fmt.Errorf("patient seed entry %d has no patient_id", i)
		}
	}
	return patients, nil
}
