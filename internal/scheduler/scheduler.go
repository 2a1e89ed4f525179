package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/torigood/PulseCall/internal/callflow"
	"github.com/torigood/PulseCall/internal/clock"
	"github.com/torigood/PulseCall/internal/lock"
	"github.com/torigood/PulseCall/internal/models"
	"github.com/torigood/PulseCall/internal/placement"
	"github.com/torigood/PulseCall/internal/repository"
)

var (
	// ErrCallInFlight the patient already has a call being placed or awaiting its callback.
	ErrCallInFlight = errors.New("call already in flight")
	// ErrPlacementFailed the provider did not accept the call; the attempt is in BUSY_RETRY.
	ErrPlacementFailed = errors.New("call placement failed")
	// ErrPatientNotMonitored the patient's status does not allow automated calls.
	ErrPatientNotMonitored = errors.New("patient is not under active monitoring")

	errNoLongerDue = errors.New("no longer due")
)

// bookkeepingTimeout bounds recording a placement result after the per-patient
// budget may already be spent.
const bookkeepingTimeout = 10 * time.Second

// Config sweep cadence.
type Config struct {
	CheckInterval  time.Duration
	StartupDelay   time.Duration
	PatientTimeout time.Duration
}

// Deps scheduler collaborators.
type Deps struct {
	Machine  *callflow.Machine
	Attempts repository.AttemptRepository
	Patients repository.PatientDirectory
	Placer   placement.Placer
	Locker   lock.Locker
	Clock    clock.Clock
}

// SweepReport per-sweep counters.
type SweepReport struct {
	Checked   int           `json:"checked"`
	Placed    int           `json:"placed"`
	Escalated int           `json:"escalated"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// Scheduler periodic check-in sweep plus the manual "call now" trigger.
type Scheduler struct {
	cfg      Config
	machine  *callflow.Machine
	attempts repository.AttemptRepository
	patients repository.PatientDirectory
	placer   placement.Placer
	locker   lock.Locker
	clock    clock.Clock
	logger   *zap.Logger
}

func New(cfg Config, deps Deps, logger *zap.Logger) *Scheduler {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 2 * time.Hour
	}
	if cfg.PatientTimeout <= 0 {
		cfg.PatientTimeout = 45 * time.Second
	}
	if cfg.StartupDelay < 0 {
		cfg.StartupDelay = 0
	}
	c := deps.Clock
	if c == nil {
		c = clock.Real{}
	}
	locker := deps.Locker
	if locker == nil {
		locker = lock.NewLocalLockerAt(c.Now)
	}
	return &Scheduler{
		cfg:      cfg,
		machine:  deps.Machine,
		attempts: deps.Attempts,
		patients: deps.Patients,
		placer:   deps.Placer,
		locker:   locker,
		clock:    c,
		logger:   logger,
	}
}

// Run sweeps once after StartupDelay and then every CheckInterval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Retry scheduler started",
		zap.Duration("check_interval", s.cfg.CheckInterval),
		zap.Duration("startup_delay", s.cfg.StartupDelay),
		zap.Duration("patient_timeout", s.cfg.PatientTimeout),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("Retry scheduler stopped")
		return nil
	case <-s.clock.After(s.cfg.StartupDelay):
	}
	s.sweepWithLease(ctx)

	ticker := s.clock.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Retry scheduler stopped")
			return nil
		case <-ticker.C():
			s.sweepWithLease(ctx)
		}
	}
}

// sweepWithLease sweeps only if this replica holds the sweep lease. The lease
// is left to expire so replicas sweep about once per interval between them.
func (s *Scheduler) sweepWithLease(ctx context.Context) {
	leaseTTL := s.cfg.CheckInterval * 9 / 10
	if leaseTTL <= 0 {
		leaseTTL = s.cfg.CheckInterval
	}
	if _, err := s.locker.TryLock(ctx, lock.SweepKey, leaseTTL); err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			s.logger.Debug("Sweep lease held by another replica, skipping")
			return
		}
		s.logger.Error("Failed to take sweep lease, skipping sweep", zap.Error(err))
		return
	}

	report, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("Sweep failed", zap.Error(err))
		return
	}
	s.logger.Info("Sweep finished",
		zap.Int("checked", report.Checked),
		zap.Int("placed", report.Placed),
		zap.Int("escalated", report.Escalated),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration),
	)
}

// Sweep checks every monitored patient once. Patients are handled in
// sequence, each within PatientTimeout; one failure never aborts the batch.
func (s *Scheduler) Sweep(ctx context.Context) (SweepReport, error) {
	started := time.Now()
	var report SweepReport

	patients, err := s.patients.ListMonitored(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list monitored patients: %w", err)
	}

	for _, p := range patients {
		if ctx.Err() != nil {
			break
		}
		report.Checked++

		pctx, cancel := context.WithTimeout(ctx, s.cfg.PatientTimeout)
		d, err := s.checkPatient(pctx, p)
		cancel()

		switch {
		case err != nil:
			report.Failed++
			s.logger.Error("Patient check failed",
				zap.String("patient_id", p.PatientID),
				zap.String("decision", d.String()),
				zap.Error(err),
			)
		case d == retriesExhausted:
			report.Escalated++
		case d.due():
			report.Placed++
		default:
			report.Skipped++
		}
	}

	report.Duration = time.Since(started)
	return report, nil
}

func (s *Scheduler) checkPatient(ctx context.Context, p *models.Patient) (decision, error) {
	latest, err := s.attempts.LatestAttempt(ctx, p.PatientID)
	if err != nil {
		return notDue, fmt.Errorf("failed to load latest attempt: %w", err)
	}
	now := s.clock.Now()
	d := decide(latest, now, s.cfg.CheckInterval, s.machine.MaxRetries())

	switch {
	case d == retriesExhausted:
		reason := fmt.Sprintf("max retries (%d) exceeded", s.machine.MaxRetries())
		if _, err := s.machine.ForceEscalate(ctx, latest.AttemptID, reason); err != nil {
			return d, err
		}
		return d, nil
	case d.due():
		_, err := s.dispatch(ctx, p, false)
		if errors.Is(err, errNoLongerDue) || errors.Is(err, ErrCallInFlight) {
			// lost the race to a webhook or a manual trigger
			return notDue, nil
		}
		return d, err
	}

	if latest != nil && latest.State == models.CallStatePending && now.Sub(latest.CreatedAt) > s.cfg.CheckInterval {
		s.logger.Warn("Attempt still waiting for its callback",
			zap.String("patient_id", p.PatientID),
			zap.String("attempt_id", latest.AttemptID),
			zap.Time("created_at", latest.CreatedAt),
		)
	}
	return d, nil
}

// PlaceNow places a call immediately, whether or not one is due. It returns
// the new attempt id; on placement failure the id is returned with an error
// wrapping ErrPlacementFailed.
func (s *Scheduler) PlaceNow(ctx context.Context, patientID string) (string, error) {
	p, err := s.patients.GetPatient(ctx, patientID)
	if err != nil {
		return "", err
	}
	if !p.IsMonitored() {
		return "", fmt.Errorf("patient %s (%s): %w", patientID, p.Status, ErrPatientNotMonitored)
	}

	a, err := s.dispatch(ctx, p, true)
	if a == nil {
		return "", err
	}
	return a.AttemptID, err
}

// dispatch creates the next attempt under the patient lock, then places the
// call with the lock released.
func (s *Scheduler) dispatch(ctx context.Context, p *models.Patient, manual bool) (*models.CallAttempt, error) {
	attempt, err := s.openAttempt(ctx, p, manual)
	if err != nil {
		return nil, err
	}

	externalID, placeErr := s.placer.Place(ctx, placement.Request{
		PatientID:    p.PatientID,
		PatientName:  p.Name,
		Phone:        p.Phone,
		SystemPrompt: p.SystemPrompt,
		VoiceID:      p.VoiceID,
	})

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	if placeErr != nil {
		if _, err := s.machine.PlacementFailed(bctx, attempt.AttemptID, placeErr); err != nil {
			s.logger.Error("Failed to record placement failure",
				zap.String("attempt_id", attempt.AttemptID),
				zap.Error(err),
			)
		}
		return attempt, fmt.Errorf("%w: %v", ErrPlacementFailed, placeErr)
	}

	if _, err := s.machine.PlacementSucceeded(bctx, attempt.AttemptID, externalID); err != nil {
		return attempt, fmt.Errorf("call %s placed but not recorded: %w", externalID, err)
	}

	s.logger.Info("Check-in call placed",
		zap.String("patient_id", p.PatientID),
		zap.String("attempt_id", attempt.AttemptID),
		zap.String("external_call_id", externalID),
		zap.Int("retry_count", attempt.RetryCount),
		zap.Bool("manual", manual),
	)
	return attempt, nil
}

// openAttempt re-checks the patient under its lock and creates the PENDING
// attempt, closing the retry it replaces.
func (s *Scheduler) openAttempt(ctx context.Context, p *models.Patient, manual bool) (*models.CallAttempt, error) {
	unlock, err := s.locker.TryLock(ctx, lock.PatientKey(p.PatientID), s.cfg.PatientTimeout)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, fmt.Errorf("patient %s: %w", p.PatientID, ErrCallInFlight)
		}
		return nil, err
	}
	defer unlock()

	latest, err := s.attempts.LatestAttempt(ctx, p.PatientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest attempt: %w", err)
	}
	if manual {
		if latest != nil && latest.State == models.CallStatePending {
			return nil, fmt.Errorf("attempt %s: %w", latest.AttemptID, ErrCallInFlight)
		}
	} else if !decide(latest, s.clock.Now(), s.cfg.CheckInterval, s.machine.MaxRetries()).due() {
		return nil, errNoLongerDue
	}

	attempt := s.machine.NewAttempt(p.PatientID, carriedRetries(latest))
	if err := s.attempts.CreateAttempt(ctx, attempt); err != nil {
		return nil, fmt.Errorf("failed to create attempt: %w", err)
	}

	if latest != nil && latest.State.IsOpen() {
		if _, err := s.machine.Supersede(ctx, latest.AttemptID, attempt.AttemptID); err != nil {
			s.logger.Error("Failed to supersede previous attempt",
				zap.String("attempt_id", latest.AttemptID),
				zap.String("next_attempt_id", attempt.AttemptID),
				zap.Error(err),
			)
		}
	}
	return attempt, nil
}
