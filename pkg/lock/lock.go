// Package lock is the Lock Manager (C2): a single named lock, SCRIPT_LOCK,
// guarding every mutation of the pledge/allocation/receipt tables. Every
// acquire is bounded; a caller that cannot get the lock within its timeout
// gets SYSTEM_BUSY rather than blocking indefinitely.
package lock

import (
	"context"
	"errors"
	"time"
)

// ScriptLockName is the one lock name this system ever acquires. Per spec
// §4.2 there is exactly one lock — no per-pledge or per-beneficiary
// striping — so every writer serializes behind it.
const ScriptLockName = "SCRIPT_LOCK"

// DefaultTimeout is the bounded wait spec §4.2/§4.6 specify for every
// TryAcquire call (30s).
const DefaultTimeout = 30 * time.Second

// ErrSystemBusy is returned when TryAcquire could not obtain the lock
// within its timeout. Callers surface this verbatim as the SYSTEM_BUSY
// error code (pkg/operator maps it to a 409 response).
var ErrSystemBusy = errors.New("SYSTEM_BUSY")

// Token is the opaque handle returned by a successful TryAcquire. It must
// be passed back to Release on every exit path, including error paths —
// Release is idempotent, so a defer is always safe.
type Token interface {
	isToken()
}

// Locker is the C2 contract: try_acquire(timeout) → token or TIMEOUT,
// release(token) — idempotent.
type Locker interface {
	TryAcquire(ctx context.Context, timeout time.Duration) (Token, error)
	Release(ctx context.Context, token Token) error
}
