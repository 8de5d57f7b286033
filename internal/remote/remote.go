// Package remote defines the boundary between the sync engine and the
// backing record store. The engine consumes the Adapter interface and never
// touches the transport underneath it.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/jbcrane13/CrabyFace-sub003/internal/entity"
)

// Token is an opaque continuation cursor for incremental pulls. The empty
// token means "from the beginning".
type Token string

// Failure taxonomy surfaced to the coordinator. Conflicts are reported
// through ConflictError, never through these sentinels.
var (
	// ErrNetworkUnavailable is retryable with backoff. Timed-out calls are
	// mapped to it by the coordinator.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrAuthRequired aborts the cycle; the caller must re-authenticate.
	ErrAuthRequired = errors.New("authentication required")

	// ErrQuotaExceeded aborts the cycle.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrServerError is retryable with backoff up to the configured limit.
	ErrServerError = errors.New("server error")

	// ErrNotFound reports a missing remote record.
	ErrNotFound = errors.New("record not found")

	// ErrRejected reports a per-record validation or policy rejection.
	ErrRejected = errors.New("record rejected")
)

// ConflictError reports an optimistic-concurrency failure: the push carried
// a stale change tag. It carries the current server record so the engine can
// route it straight to conflict resolution.
type ConflictError struct {
	Server entity.Record
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("change tag conflict on record %s", e.Server.RemoteID)
}

// Retryable reports whether err is transient and worth a backed-off retry.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable) || errors.Is(err, ErrServerError)
}

// PushOutcome is the per-record result of a push. Err is nil on success,
// a *ConflictError on a stale change tag, or one of the per-record
// sentinels (ErrRejected, ErrNotFound).
type PushOutcome struct {
	RemoteID  string
	ChangeTag string
	Err       error
}

// Subscription delivers server-side change hints to the background trigger.
type Subscription interface {
	// Hints never blocks the server side; a hint arriving while one is
	// already buffered is dropped.
	Hints() <-chan struct{}
	Close() error
}

// Adapter performs push/pull/delete against the remote store.
//
// Push commits records one by one and returns an outcome per attempted
// record. When a cycle-level failure (auth, quota, transport) interrupts the
// batch, the outcomes for the records committed before the failure are still
// returned alongside the error; the engine applies them before aborting.
//
// Pull returns the next page of changes after the given token. A pull
// returning zero records means the client has caught up.
type Adapter interface {
	Push(ctx context.Context, batch []entity.Record) ([]PushOutcome, error)
	Pull(ctx context.Context, since Token) ([]entity.Record, Token, error)
	Delete(ctx context.Context, remoteID string) error
	Subscribe(ctx context.Context) (Subscription, error)
	Close() error
}
