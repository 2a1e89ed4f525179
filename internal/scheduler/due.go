package scheduler

import (
	"time"

	"github.com/torigood/PulseCall/internal/models"
)

// decision what the sweep does for one patient.
type decision int

const (
	notDue decision = iota
	dueFirstContact
	dueCheckIn
	dueRetry
	retriesExhausted
)

func (d decision) String() string {
	switch d {
	case dueFirstContact:
		return "first_contact"
	case dueCheckIn:
		return "check_in"
	case dueRetry:
		return "retry"
	case retriesExhausted:
		return "retries_exhausted"
	}
	return "not_due"
}

func (d decision) due() bool {
	return d == dueFirstContact || d == dueCheckIn || d == dueRetry
}

// decide applies the due table to the patient's latest attempt.
//
//	none                       always due
//	COMPLETED                  now >= ended_at + interval (created_at if never ended)
//	BUSY_RETRY / SILENT_RETRY  now >= next_retry_at, escalate instead once retries are spent
//	ESCALATED / PENDING        never
//
// maxRetries is the current budget; a retry left over from a larger budget
// escalates rather than calling again.
func decide(latest *models.CallAttempt, now time.Time, interval time.Duration, maxRetries int) decision {
	if latest == nil {
		return dueFirstContact
	}
	switch latest.State {
	case models.CallStateCompleted:
		last := latest.CreatedAt
		if latest.EndedAt != nil {
			last = *latest.EndedAt
		}
		if !now.Before(last.Add(interval)) {
			return dueCheckIn
		}
	case models.CallStateBusyRetry, models.CallStateSilentRetry:
		if latest.NextRetryAt == nil || now.Before(*latest.NextRetryAt) {
			return notDue
		}
		if latest.RetryCount >= maxRetries {
			return retriesExhausted
		}
		return dueRetry
	}
	return notDue
}

// carriedRetries retry budget already spent by the patient's previous attempt;
// zero only on first contact.
func carriedRetries(latest *models.CallAttempt) int {
	if latest != nil {
		return latest.RetryCount
	}
	return 0
}
