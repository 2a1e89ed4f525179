package callflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/torigood/PulseCall/internal/analyzer"
	"github.com/torigood/PulseCall/internal/clock"
	"github.com/torigood/PulseCall/internal/models"
	"github.com/torigood/PulseCall/internal/notifier"
	"github.com/torigood/PulseCall/internal/repository"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notifier.Alert
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, a notifier.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

type stubAnalyzer struct {
	analysis models.Analysis
	err      error
	calls    int
}

func (s *stubAnalyzer) Analyze(context.Context, []models.TranscriptSegment, []string) (models.Analysis, error) {
	s.calls++
	return s.analysis, s.err
}

type fixture struct {
	machine     *Machine
	attempts    *repository.MemoryAttemptsRepo
	escalations *repository.MemoryEscalationsRepo
	patients    *repository.MemoryPatientDirectory
	notifier    *recordingNotifier
	clock       *clock.Fake
}

func newFixture(t *testing.T, an analyzer.Analyzer) *fixture {
	t.Helper()
	f := &fixture{
		attempts:    repository.NewMemoryAttemptsRepo(),
		escalations: repository.NewMemoryEscalationsRepo(),
		patients: repository.NewMemoryPatientDirectory(&models.Patient{
			PatientID:          "p1",
			Name:               "Ada Lovelace",
			Phone:              "+15550001",
			Status:             models.PatientStatusActive,
			EscalationKeywords: []string{"dizzy", "chest"},
			EscalationPhone:    "+15559999",
		}),
		notifier: &recordingNotifier{},
		clock:    clock.NewFake(t0),
	}
	f.machine = NewMachine(Deps{
		Attempts:    f.attempts,
		Escalations: f.escalations,
		Patients:    f.patients,
		Notifier:    f.notifier,
		Analyzer:    an,
		Clock:       f.clock,
	}, 3, zap.NewNop())
	return f
}

// seedPending stores a placed, pending attempt with the given external id.
func (f *fixture) seedPending(t *testing.T, externalID string, retryCount int) *models.CallAttempt {
	t.Helper()
	a := f.machine.NewAttempt("p1", retryCount)
	a.ExternalCallID = models.StringPtr(externalID)
	require.NoError(t, f.attempts.CreateAttempt(context.Background(), a))
	return a
}

func (f *fixture) get(t *testing.T, id string) *models.CallAttempt {
	t.Helper()
	a, err := f.attempts.GetAttempt(context.Background(), id)
	require.NoError(t, err)
	return a
}

func (f *fixture) escalationList(t *testing.T) []*models.EscalationRecord {
	t.Helper()
	list, err := f.escalations.ListEscalations(context.Background(), "")
	require.NoError(t, err)
	return list
}

func completed(externalID string, m models.TriageMetrics, transcript ...models.TranscriptSegment) models.CallbackPayload {
	return models.CallbackPayload{
		ExternalCallID: externalID,
		PatientID:      "p1",
		Status:         models.CallStatusCompleted,
		Metrics:        m,
		Transcript:     transcript,
	}
}

func user(text string) models.TranscriptSegment {
	return models.TranscriptSegment{Speaker: "user", Text: text}
}

var speech = models.TriageMetrics{AvgDB: -25, PeakDB: -10, SpeechProbability: 0.85}

func TestHandleCallback_BusyCall(t *testing.T) {
	f := newFixture(t, nil)
	a := f.seedPending(t, "ext-1", 0)

	out, err := f.machine.HandleCallback(context.Background(), models.CallbackPayload{
		ExternalCallID: "ext-1", PatientID: "p1", Status: "busy",
	})

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeRetryScheduled, out)
	got := f.get(t, a.AttemptID)
	assert.Equal(t, models.CallStateBusyRetry, got.State)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, t0.Add(10*time.Minute), *got.NextRetryAt)
	assert.Zero(t, f.notifier.count())
}

func TestHandleCallback_ExhaustedRetriesEscalate(t *testing.T) {
	f := newFixture(t, nil)
	a := f.seedPending(t, "ext-1", 2)

	out, err := f.machine.HandleCallback(context.Background(), models.CallbackPayload{
		ExternalCallID: "ext-1", PatientID: "p1", Status: "no_answer",
	})

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeEscalated, out)
	got := f.get(t, a.AttemptID)
	assert.Equal(t, models.CallStateEscalated, got.State)
	assert.Equal(t, 3, got.RetryCount)
	assert.Nil(t, got.NextRetryAt)
	require.NotNil(t, got.EscalationReason)
	assert.Equal(t, "max retries exceeded, last triage: NO_ANSWER", *got.EscalationReason)

	list := f.escalationList(t)
	require.Len(t, list, 1)
	assert.Equal(t, models.PriorityHigh, list[0].Priority)
	assert.Equal(t, []string{SignalMaxRetries}, list[0].DetectedFlags)
	assert.Equal(t, 1, f.notifier.count())
}

func TestHandleCallback_SleepingSchedulesLongRetry(t *testing.T) {
	f := newFixture(t, nil)
	a := f.seedPending(t, "ext-1", 0)

	out, err := f.machine.HandleCallback(context.Background(),
		completed("ext-1", models.TriageMetrics{AvgDB: -42, PeakDB: -30, SpeechProbability: 0.05}))

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeRetryScheduled, out)
	got := f.get(t, a.AttemptID)
	assert.Equal(t, models.CallStateBusyRetry, got.State)
	assert.Equal(t, t0.Add(60*time.Minute), *got.NextRetryAt)
	assert.Equal(t, "LIKELY_SLEEPING", *got.TriageClassification)
	assert.NotEmpty(t, *got.TriageReason)
}

func TestHandleCallback_SleepingOnLastRetryEscalates(t *testing.T) {
	f := newFixture(t, nil)
	a := f.seedPending(t, "ext-1", 2)

	out, err := f.machine.HandleCallback(context.Background(),
		completed("ext-1", models.TriageMetrics{AvgDB: -42, PeakDB: -30, SpeechProbability: 0.05}))

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeEscalated, out)
	got := f.get(t, a.AttemptID)
	assert.Equal(t, models.CallStateEscalated, got.State)
	assert.Equal(t, "max retries exceeded, last triage: LIKELY_SLEEPING", *got.EscalationReason)
}

func TestHandleCallback_DistressKeywordEscalates(t *testing.T) {
	f := newFixture(t, nil)
	a := f.seedPending(t, "ext-1", 0)

	out, err := f.machine.HandleCallback(context.Background(),
		completed("ext-1", models.TriageMetrics{AvgDB: -15, PeakDB: -8, SpeechProbability: 0.08}, user("I need help please")))

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeEscalated, out)
	got := f.get(t, a.AttemptID)
	assert.Equal(t, models.CallStateEscalated, got.State)
	assert.Equal(t, "SPEECH_DETECTED", *got.TriageClassification)
	assert.Equal(t, "Distress keyword detected in transcript: 'help'", *got.EscalationReason)
	require.NotNil(t, got.EndedAt)

	list := f.escalationList(t)
	require.Len(t, list, 1)
	assert.Equal(t, []string{"help"}, list[0].DetectedFlags)

	require.Equal(t, 1, f.notifier.count())
	alert := f.notifier.alerts[0]
	assert.Equal(t, "Ada Lovelace", alert.PatientName)
	assert.Equal(t, "+15559999", alert.ToNumber)
	assert.Equal(t, a.AttemptID, alert.AttemptID)
}

func TestHandleCallback_CriticalSilenceEscalates(t *testing.T) {
	f := newFixture(t, nil)
	a := f.seedPending(t, "ext-1", 0)

	out, err := f.machine.HandleCallback(context.Background(),
		completed("ext-1", models.TriageMetrics{AvgDB: -65, PeakDB: -60, SpeechProbability: 0.01}, user("fine thanks")))

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeEscalated, out)
	assert.Equal(t, models.CallStateEscalated, f.get(t, a.AttemptID).State)
}

func TestHandleCallback_SpeechCompletesAndAnalyzes(t *testing.T) {
	f := newFixture(t, nil)
	a := f.seedPending(t, "ext-1", 1)

	out, err := f.machine.HandleCallback(context.Background(),
		completed("ext-1", speech, user("All good, thank you")))

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCompleted, out)
	got := f.get(t, a.AttemptID)
	assert.Equal(t, models.CallStateCompleted, got.State)
	assert.Nil(t, got.NextRetryAt)
	require.NotNil(t, got.SentimentScore)
	assert.Equal(t, 4, *got.SentimentScore)
	assert.Equal(t, analyzer.ActionNoEscalation, *got.RecommendedAction)
	assert.Empty(t, f.escalationList(t))
	assert.Zero(t, f.notifier.count())
}

func TestHandleCallback_AnalysisFlagsEscalateByPriority(t *testing.T) {
	f := newFixture(t, nil)
	a := f.seedPending(t, "ext-1", 0)

	// negative marker gives sentiment 2: high priority
	out, err := f.machine.HandleCallback(context.Background(),
		completed("ext-1", speech, user("I'm upset, feeling dizzy all morning")))

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCompleted, out)
	assert.Equal(t, models.CallStateCompleted, f.get(t, a.AttemptID).State)

	list := f.escalationList(t)
	require.Len(t, list, 1)
	assert.Equal(t, models.PriorityHigh, list[0].Priority)
	assert.Equal(t, []string{"dizzy"}, list[0].DetectedFlags)
	assert.Equal(t, "Detected escalation keywords: dizzy", list[0].Reason)

	b := f.seedPending(t, "ext-2", 0)
	_, err = f.machine.HandleCallback(context.Background(),
		completed("ext-2", speech, user("a bit of chest tightness")))
	require.NoError(t, err)
	assert.Equal(t, models.CallStateCompleted, f.get(t, b.AttemptID).State)

	list = f.escalationList(t)
	require.Len(t, list, 2)
	assert.Equal(t, models.PriorityMedium, list[1].Priority)
	assert.Equal(t, 2, f.notifier.count())
}

func TestHandleCallback_AnalyzerFailureFallsBack(t *testing.T) {
	stub := &stubAnalyzer{err: errors.New("model unavailable")}
	f := newFixture(t, stub)
	a := f.seedPending(t, "ext-1", 0)

	out, err := f.machine.HandleCallback(context.Background(),
		completed("ext-1", speech, user("feeling dizzy")))

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCompleted, out)
	assert.Equal(t, 1, stub.calls)
	got := f.get(t, a.AttemptID)
	assert.Equal(t, []string{"dizzy"}, got.DetectedFlags)
	assert.Len(t, f.escalationList(t), 1)
}

func TestHandleCallback_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	a := f.seedPending(t, "ext-1", 0)
	payload := completed("ext-1", speech, user("help me"))

	out, err := f.machine.HandleCallback(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeEscalated, out)
	before := f.get(t, a.AttemptID)

	for i := 0; i < 3; i++ {
		out, err = f.machine.HandleCallback(context.Background(), payload)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeAlreadyProcessed, out)
	}

	assert.Equal(t, before, f.get(t, a.AttemptID))
	assert.Len(t, f.escalationList(t), 1)
	assert.Equal(t, 1, f.notifier.count())
}

func TestHandleCallback_ConcurrentDuplicatesTransitionOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.seedPending(t, "ext-1", 0)
	payload := completed("ext-1", speech, user("I fell in the kitchen"))

	var wg sync.WaitGroup
	outcomes := make([]models.Outcome, 16)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := f.machine.HandleCallback(context.Background(), payload)
			assert.NoError(t, err)
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	escalated := 0
	for _, o := range outcomes {
		if o == models.OutcomeEscalated {
			escalated++
		} else {
			assert.Equal(t, models.OutcomeAlreadyProcessed, o)
		}
	}
	assert.Equal(t, 1, escalated)
	assert.Len(t, f.escalationList(t), 1)
	assert.Equal(t, 1, f.notifier.count())
}

func TestHandleCallback_UnknownCallCreatesAttempt(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// patient has an open retry from an earlier call
	prev := f.seedPending(t, "ext-old", 0)
	_, err := f.machine.HandleCallback(ctx, models.CallbackPayload{ExternalCallID: "ext-old", PatientID: "p1", Status: "busy"})
	require.NoError(t, err)

	out, err := f.machine.HandleCallback(ctx, models.CallbackPayload{ExternalCallID: "ext-late", PatientID: "p1", Status: "busy"})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeRetryScheduled, out)

	created, err := f.attempts.GetAttemptByExternalCallID(ctx, "ext-late")
	require.NoError(t, err)
	assert.Equal(t, "p1", created.PatientID)
	assert.Equal(t, 2, created.RetryCount)
	assert.Equal(t, models.CallStateBusyRetry, created.State)

	old := f.get(t, prev.AttemptID)
	assert.Equal(t, models.CallStateCompleted, old.State)
	require.NotNil(t, old.SupersededBy)
	assert.Equal(t, created.AttemptID, *old.SupersededBy)
	assert.Nil(t, old.NextRetryAt)

	list, err := f.attempts.ListAttempts(ctx, "p1", 0)
	require.NoError(t, err)
	open := 0
	for _, a := range list {
		if a.State.IsOpen() {
			open++
		}
	}
	assert.Equal(t, 1, open)
}

func TestHandleCallback_UnknownCallCarriesCountPastCompletedCall(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	prev := f.seedPending(t, "ext-old", 1)
	out, err := f.machine.HandleCallback(ctx, completed("ext-old", speech, user("all good")))
	require.NoError(t, err)
	require.Equal(t, models.OutcomeCompleted, out)

	_, err = f.machine.HandleCallback(ctx, models.CallbackPayload{ExternalCallID: "ext-late", PatientID: "p1", Status: "busy"})
	require.NoError(t, err)

	created, err := f.attempts.GetAttemptByExternalCallID(ctx, "ext-late")
	require.NoError(t, err)
	assert.Equal(t, 2, created.RetryCount)
	assert.Nil(t, f.get(t, prev.AttemptID).SupersededBy)
}

func TestHandleCallback_UnsupportedStatusForUnknownCallChangesNothing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	prev := f.seedPending(t, "ext-old", 0)
	_, err := f.machine.HandleCallback(ctx, models.CallbackPayload{ExternalCallID: "ext-old", PatientID: "p1", Status: "busy"})
	require.NoError(t, err)
	before := f.get(t, prev.AttemptID)

	_, err = f.machine.HandleCallback(ctx, models.CallbackPayload{ExternalCallID: "ext-ringing", PatientID: "p1", Status: "in_progress"})
	assert.ErrorIs(t, err, ErrUnsupportedStatus)

	_, err = f.attempts.GetAttemptByExternalCallID(ctx, "ext-ringing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Equal(t, before, f.get(t, prev.AttemptID))
	list, err := f.attempts.ListAttempts(ctx, "p1", 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestHandleCallback_RedeliveredStatusSpendsOneRetry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.seedPending(t, "ext-1", 0)
	busy := models.CallbackPayload{ExternalCallID: "ext-1", PatientID: "p1", Status: "busy"}

	out, err := f.machine.HandleCallback(ctx, busy)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeRetryScheduled, out)
	before := f.get(t, a.AttemptID)

	for i := 0; i < 3; i++ {
		out, err = f.machine.HandleCallback(ctx, busy)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeAlreadyProcessed, out)
	}
	// a late completed report for the same call is settled too
	out, err = f.machine.HandleCallback(ctx, completed("ext-1", speech, user("fine")))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAlreadyProcessed, out)

	got := f.get(t, a.AttemptID)
	assert.Equal(t, before, got)
	assert.Equal(t, models.CallStateBusyRetry, got.State)
	assert.Equal(t, 1, got.RetryCount)
	assert.Zero(t, f.notifier.count())
}

func TestHandleCallback_InvalidInput(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.machine.HandleCallback(ctx, models.CallbackPayload{Status: "completed"})
	assert.ErrorIs(t, err, ErrInvalidCallback)

	_, err = f.machine.HandleCallback(ctx, models.CallbackPayload{ExternalCallID: "ghost", Status: "completed"})
	assert.ErrorIs(t, err, ErrInvalidCallback)

	f.seedPending(t, "ext-1", 0)
	_, err = f.machine.HandleCallback(ctx, models.CallbackPayload{ExternalCallID: "ext-1", PatientID: "p1", Status: "voicemail"})
	assert.ErrorIs(t, err, ErrUnsupportedStatus)
}

func TestHandleCallback_NotifierFailureDoesNotFailTransition(t *testing.T) {
	f := newFixture(t, nil)
	f.notifier.err = errors.New("sms gateway down")
	a := f.seedPending(t, "ext-1", 0)

	out, err := f.machine.HandleCallback(context.Background(),
		completed("ext-1", speech, user("call an ambulance, emergency")))

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeEscalated, out)
	assert.Equal(t, models.CallStateEscalated, f.get(t, a.AttemptID).State)
	assert.Len(t, f.escalationList(t), 1)
}

func TestHandleCallback_CancelledRequestStillAlerts(t *testing.T) {
	f := newFixture(t, nil)
	f.seedPending(t, "ext-1", 0)

	ctx, cancel := context.WithCancel(context.Background())
	// memory stores ignore ctx; cancellation only affects side effects
	cancel()
	out, err := f.machine.HandleCallback(ctx, completed("ext-1", speech, user("I'm bleeding")))

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeEscalated, out)
	assert.Equal(t, 1, f.notifier.count())
}

func TestHandleAnalytics(t *testing.T) {
	f := newFixture(t, nil)
	a := f.seedPending(t, "ext-1", 0)

	p := models.AnalyticsPayload{ExternalCallID: "ext-1", PatientID: "p1", Metrics: speech,
		Transcript: []models.TranscriptSegment{user("doing great")}}
	out, err := f.machine.HandleAnalytics(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCompleted, out)
	assert.Equal(t, models.CallStateCompleted, f.get(t, a.AttemptID).State)

	out, err = f.machine.HandleAnalytics(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAlreadyProcessed, out)
}

func TestPlacementFailed(t *testing.T) {
	f := newFixture(t, nil)
	a := f.machine.NewAttempt("p1", 1)
	require.NoError(t, f.attempts.CreateAttempt(context.Background(), a))

	got, err := f.machine.PlacementFailed(context.Background(), a.AttemptID, errors.New("503"))

	require.NoError(t, err)
	assert.Equal(t, models.CallStateBusyRetry, got.State)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, t0.Add(5*time.Minute), *got.NextRetryAt)
	assert.Contains(t, *got.TriageReason, "503")
}

func TestPlacementSucceeded(t *testing.T) {
	f := newFixture(t, nil)
	a := f.machine.NewAttempt("p1", 0)
	require.NoError(t, f.attempts.CreateAttempt(context.Background(), a))

	got, err := f.machine.PlacementSucceeded(context.Background(), a.AttemptID, "ext-9")

	require.NoError(t, err)
	assert.Equal(t, models.CallStatePending, got.State)
	assert.Equal(t, "ext-9", *got.ExternalCallID)
	assert.Equal(t, t0, *got.StartedAt)
}

func TestPlacementSucceeded_CallbackAlreadyOpenedAttempt(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.machine.NewAttempt("p1", 0)
	require.NoError(t, f.attempts.CreateAttempt(ctx, a))

	// the provider's callback lands before the placement response is recorded
	_, err := f.machine.HandleCallback(ctx, completed("ext-9", speech, user("fine")))
	require.NoError(t, err)
	owner, err := f.attempts.GetAttemptByExternalCallID(ctx, "ext-9")
	require.NoError(t, err)

	got, err := f.machine.PlacementSucceeded(ctx, a.AttemptID, "ext-9")

	require.NoError(t, err)
	assert.Equal(t, models.CallStateCompleted, got.State)
	assert.Equal(t, owner.AttemptID, *got.SupersededBy)
}

func TestForceEscalate(t *testing.T) {
	f := newFixture(t, nil)
	a := f.seedPending(t, "ext-1", 0)

	got, err := f.machine.ForceEscalate(context.Background(), a.AttemptID, "max retries exceeded")
	require.NoError(t, err)
	assert.Equal(t, models.CallStateEscalated, got.State)
	assert.Equal(t, 1, f.notifier.count())

	// already terminal: no second alert
	_, err = f.machine.ForceEscalate(context.Background(), a.AttemptID, "again")
	require.NoError(t, err)
	assert.Equal(t, 1, f.notifier.count())
}

func TestNewAttempt_ClampsCarriedRetries(t *testing.T) {
	f := newFixture(t, nil)

	assert.Equal(t, 2, f.machine.NewAttempt("p1", 7).RetryCount)
	assert.Equal(t, 0, f.machine.NewAttempt("p1", -1).RetryCount)
	assert.NoError(t, f.machine.NewAttempt("p1", 7).Validate())
}

func TestScheduleRetry_SilenceUsesSilentRetry(t *testing.T) {
	a := &models.CallAttempt{AttemptID: "a", PatientID: "p", State: models.CallStatePending, MaxRetries: 3}

	scheduleRetry(a, t0, 15*time.Minute, "CRITICAL_SILENCE")

	assert.Equal(t, models.CallStateSilentRetry, a.State)
	assert.Equal(t, 1, a.RetryCount)
	assert.NoError(t, a.Validate())
}

func TestRetryBound(t *testing.T) {
	for maxRetries := 1; maxRetries <= 5; maxRetries++ {
		a := &models.CallAttempt{AttemptID: "a", PatientID: "p", State: models.CallStatePending, MaxRetries: maxRetries}
		retries := 0
		for !a.State.IsTerminal() {
			scheduleRetry(a, t0, time.Minute, "BACKGROUND_NOISE")
			require.NoError(t, a.Validate())
			if a.State.IsRetry() {
				retries++
			}
		}
		assert.Equal(t, models.CallStateEscalated, a.State)
		assert.LessOrEqual(t, retries, maxRetries)
	}
}
