package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	goredis "github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// redisToken wraps the acquired redsync mutex so Release can unlock the
// exact instance that was locked.
type redisToken struct {
	mu *redsync.Mutex
}

func (redisToken) isToken() {}

// RedsyncLocker is the production Locker, backed by Redis via redsync —
// the distributed-mutex library the lock manager needs once more than one
// process (the interactive operator UI and the scheduled ingestor/
// watchdog tasks) can contend for SCRIPT_LOCK.
type RedsyncLocker struct {
	rs *redsync.Redsync
}

// NewRedsyncLocker connects to a single Redis instance at addr and returns
// a Locker over it. A single-instance pool is sufficient here — this
// system has one operator desk, not a fleet requiring Redis quorum.
func NewRedsyncLocker(addr string) *RedsyncLocker {
	client := redis.NewClient(&redis.Options{Addr: addr})
	pool := goredis.NewPool(client)
	return &RedsyncLocker{rs: redsync.New(pool)}
}

// TryAcquire attempts to lock SCRIPT_LOCK, retrying internally until
// timeout elapses. Returns ErrSystemBusy, not the raw redsync error, so
// callers never need to know the backing lock technology.
func (l *RedsyncLocker) TryAcquire(ctx context.Context, timeout time.Duration) (Token, error) {
	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	retryDelay := 200 * time.Millisecond
	tries := int(timeout/retryDelay) + 1
	mu := l.rs.NewMutex(ScriptLockName,
		redsync.WithExpiry(timeout+5*time.Second),
		redsync.WithTries(tries),
		redsync.WithRetryDelay(retryDelay),
	)
	if err := mu.LockContext(lockCtx); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSystemBusy, err)
	}
	return redisToken{mu: mu}, nil
}

// Release unlocks token. Idempotent: releasing twice, or a token that has
// already expired, is not an error — every exit path can defer Release
// unconditionally.
func (l *RedsyncLocker) Release(ctx context.Context, token Token) error {
	rt, ok := token.(redisToken)
	if !ok || rt.mu == nil {
		return nil
	}
	if _, err := rt.mu.UnlockContext(ctx); err != nil {
		if errors.Is(err, redsync.ErrLockAlreadyExpired) {
			return nil
		}
		return fmt.Errorf("lock: release failed: %w", err)
	}
	return nil
}

// mutexToken wraps the in-process fallback's release function.
type mutexToken struct {
	release func()
}

func (mutexToken) isToken() {}

// InProcessLocker is the dev/lite-mode fallback Locker: a one-slot
// buffered channel used as a mutex, so TryAcquire can honor a
// bounded wait instead of blocking forever, matching RedsyncLocker's
// contract for a single-process deployment with no Redis available.
type InProcessLocker struct {
	sem chan struct{}
}

// NewInProcessLocker returns a Locker usable within a single process.
func NewInProcessLocker() *InProcessLocker {
	return &InProcessLocker{sem: make(chan struct{}, 1)}
}

func (l *InProcessLocker) TryAcquire(ctx context.Context, timeout time.Duration) (Token, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case l.sem <- struct{}{}:
		var once sync.Once
		return mutexToken{release: func() {
			once.Do(func() { <-l.sem })
		}}, nil
	case <-waitCtx.Done():
		return nil, ErrSystemBusy
	}
}

func (l *InProcessLocker) Release(_ context.Context, token Token) error {
	mt, ok := token.(mutexToken)
	if !ok || mt.release == nil {
		return nil
	}
	mt.release()
	return nil
}
