package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LocalLocker in-process Locker for single-replica deployments.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]localLease
	seq   uint64
	nowFn func() time.Time
}

type localLease struct {
	token     uint64
	expiresAt time.Time
}

func NewLocalLocker() *LocalLocker {
	return NewLocalLockerAt(time.Now)
}

// NewLocalLockerAt LocalLocker whose leases expire by the given time source.
func NewLocalLockerAt(now func() time.Time) *LocalLocker {
	return &LocalLocker{
		held:  map[string]localLease{},
		nowFn: now,
	}
}

func (l *LocalLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Unlock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be > 0")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	if cur, ok := l.held[key]; ok && now.Before(cur.expiresAt) {
		return nil, ErrNotAcquired
	}
	l.seq++
	token := l.seq
	l.held[key] = localLease{token: token, expiresAt: now.Add(ttl)}

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.held[key]; ok && cur.token == token {
			delete(l.held, key)
		}
	}, nil
}
