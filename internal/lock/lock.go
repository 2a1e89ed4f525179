package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotAcquired the key is held by another owner.
var ErrNotAcquired = errors.New("lock held elsewhere")

// Unlock releases a held key. Calling it after the TTL expired, or twice, is
// harmless: it never releases a lock taken over by another owner.
type Unlock func()

// Locker keyed mutual exclusion with a lease TTL.
type Locker interface {
	// TryLock acquires key without waiting; ErrNotAcquired if held.
	TryLock(ctx context.Context, key string, ttl time.Duration) (Unlock, error)
}

// Common keys.
const (
	SweepKey = "sweep"
)

// PatientKey per-patient dispatch key.
func PatientKey(patientID string) string {
	return "patient:" + patientID
}
