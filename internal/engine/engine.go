// Package engine orchestrates sync cycles: it pushes pending local changes,
// pulls remote changes, routes concurrent edits through conflict resolution
// and reports the outcome as a Result plus a stream of typed events. At most
// one cycle runs process-wide; the engine's mutex is the single-flight guard
// shared by the background trigger and manual callers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/jbcrane13/CrabyFace-sub003/internal/common"
	"github.com/jbcrane13/CrabyFace-sub003/internal/entity"
	"github.com/jbcrane13/CrabyFace-sub003/internal/logging"
	"github.com/jbcrane13/CrabyFace-sub003/internal/remote"
	"github.com/jbcrane13/CrabyFace-sub003/internal/resolve"
	"github.com/jbcrane13/CrabyFace-sub003/internal/store"
)

const (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 8 * time.Second
)

// Engine is the sync coordinator. Construct it once at the composition root;
// all process-wide sync state (single-flight guard, continuation token)
// lives on the instance or in its store.
type Engine struct {
	store   store.Store
	adapter remote.Adapter
	reg     *entity.Registry
	log     logging.Logger

	// mu serializes cycles. A caller blocked here observes the previous
	// cycle's effects before its own cycle starts.
	mu sync.Mutex

	stateMu sync.RWMutex
	state   State

	listenerMu sync.RWMutex
	listeners  []Listener
}

func New(st store.Store, ad remote.Adapter, reg *entity.Registry, log logging.Logger) *Engine {
	return &Engine{store: st, adapter: ad, reg: reg, log: log, state: StateIdle}
}

// OnEvent registers a listener for cycle events.
func (e *Engine) OnEvent(l Listener) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	e.listeners = append(e.listeners, l)
}

// State returns the coordinator's current position in the cycle.
func (e *Engine) State() State {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

// conflictItem pairs a dirty local entity with the conflicting server record.
type conflictItem struct {
	local  entity.Syncable
	remote entity.Record
}

// Sync runs one cycle and always returns a Result, possibly partial.
// Cancellation is honored at batch boundaries only, so committed batches are
// never rolled back.
func (e *Engine) Sync(ctx context.Context, opts Options) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	opts = opts.withDefaults()
	res := &Result{}
	e.emit(Started{})
	e.log.Info(ctx, "sync cycle started",
		"direction", string(opts.Direction), "strategy", string(opts.Strategy))

	var queue []conflictItem
	var cycleErr error

	if opts.Direction != DirectionDownload {
		e.setState(StateUploading)
		cycleErr = e.upload(ctx, opts, res, &queue)
	}
	if cycleErr == nil && opts.Direction != DirectionUpload {
		e.setState(StateDownloading)
		cycleErr = e.download(ctx, opts, res, &queue)
	}
	if len(queue) > 0 && ctx.Err() == nil {
		e.setState(StateResolving)
		repush := e.resolveQueue(ctx, opts, res, queue)
		if len(repush) > 0 && cycleErr == nil && opts.Direction != DirectionDownload {
			cycleErr = e.pushResolved(ctx, opts, res, repush)
		}
	}

	e.setState(StateFinalizing)
	if ferr := e.finalize(ctx, cycleErr); ferr != nil && cycleErr == nil {
		cycleErr = ferr
	}

	if cycleErr != nil {
		res.Errors = append(res.Errors, cycleErr)
		if errors.Is(cycleErr, context.Canceled) {
			e.setState(StateCancelled)
		} else {
			e.setState(StateFailed)
		}
		e.log.Error(ctx, "sync cycle aborted", "err", cycleErr,
			"uploaded", res.Uploaded, "downloaded", res.Downloaded)
		e.emit(Failed{Err: cycleErr})
		e.setState(StateIdle)
		return res, cycleErr
	}

	e.log.Info(ctx, "sync cycle finished", "uploaded", res.Uploaded,
		"downloaded", res.Downloaded, "conflicts", res.Conflicts, "errors", len(res.Errors))
	e.emit(Completed{Result: *res})
	e.setState(StateIdle)
	return res, nil
}

// upload pushes pending local changes oldest-first, then propagates
// tombstones. Uploads always precede downloads for the same entity, so a
// stale pull can never clobber a local edit.
func (e *Engine) upload(ctx context.Context, opts Options, res *Result, queue *[]conflictItem) error {
	pending, err := e.store.FetchPending(ctx)
	if err != nil {
		return err
	}

	var live, dead []entity.Syncable
	for _, en := range pending {
		m := en.Meta()
		if m.Deleted {
			dead = append(dead, en)
			continue
		}
		if v, ok := en.(entity.Validator); ok {
			if verr := v.Validate(); verr != nil {
				// Corrupt payloads are skipped, not fatal: the error is
				// recorded against this entity only and the batch goes on.
				res.Errors = append(res.Errors,
					fmt.Errorf("entity %s: %w: %v", m.ID, common.ErrInvalidEntity, verr))
				e.log.Warn(ctx, "skipping invalid entity", "entity_id", m.ID, "err", verr)
				continue
			}
		}
		live = append(live, en)
	}

	total := len(live) + len(dead)
	completed := 0

	for start := 0; start < len(live); start += opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+opts.BatchSize, len(live))

		var batch []entity.Syncable
		var records []entity.Record
		for _, en := range live[start:end] {
			rec, rerr := en.ToRecord()
			if rerr != nil {
				res.Errors = append(res.Errors,
					fmt.Errorf("entity %s: %w: %v", en.Meta().ID, common.ErrInvalidEntity, rerr))
				continue
			}
			batch = append(batch, en)
			records = append(records, rec)
		}

		outcomes, pushErr := e.pushWithRetry(ctx, opts, records)
		if aerr := e.applyPushOutcomes(ctx, res, batch, outcomes, queue); aerr != nil {
			return aerr
		}
		completed += end - start
		e.emit(Progress{Completed: completed, Total: total})
		if pushErr != nil {
			return pushErr
		}
	}

	for _, en := range dead {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.propagateDelete(ctx, opts, res, en); err != nil {
			return err
		}
		completed++
		e.emit(Progress{Completed: completed, Total: total})
	}
	return nil
}

// propagateDelete confirms one tombstone with the remote store and only then
// removes the local row, so a crash in between cannot resurrect the record.
func (e *Engine) propagateDelete(ctx context.Context, opts Options, res *Result, en entity.Syncable) error {
	m := en.Meta()
	if m.RemoteID == "" {
		// Never synced; nothing to confirm remotely.
		return e.store.Purge(ctx, m.ID)
	}
	if !opts.PropagateDeletes {
		// Deletion propagation is off this session; keep the tombstone.
		return nil
	}

	err := retry.Do(ctx, e.backoff(opts), func(rctx context.Context) error {
		cctx, cancel := context.WithTimeout(rctx, opts.Timeout)
		defer cancel()
		derr := e.adapter.Delete(cctx, m.RemoteID)
		derr = mapTransportErr(rctx, derr)
		if remote.Retryable(derr) {
			return retry.RetryableError(derr)
		}
		return derr
	})
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		return err
	}

	// ErrNotFound means the record is already gone remotely; either way the
	// deletion is confirmed and the local row must go even on cancellation.
	return e.store.InTx(context.WithoutCancel(ctx), func(ctx context.Context, tx store.Store) error {
		if err := tx.Purge(ctx, m.ID); err != nil {
			return err
		}
		if err := tx.DeleteAncestor(ctx, m.ID); err != nil {
			return err
		}
		res.Uploaded++
		return nil
	})
}

// applyPushOutcomes commits one batch's results atomically.
func (e *Engine) applyPushOutcomes(ctx context.Context, res *Result, batch []entity.Syncable, outcomes []remote.PushOutcome, queue *[]conflictItem) error {
	if len(outcomes) == 0 {
		return nil
	}
	// The server already committed these writes; local bookkeeping must
	// complete even if the caller cancelled mid-batch, or the two stores
	// diverge.
	ctx = context.WithoutCancel(ctx)
	return e.store.InTx(ctx, func(ctx context.Context, tx store.Store) error {
		for i, out := range outcomes {
			if i >= len(batch) {
				break
			}
			en := batch[i]
			m := en.Meta()

			if out.Err == nil {
				m.RemoteID = out.RemoteID
				m.ChangeTag = out.ChangeTag
				m.Status = entity.StatusSynced
				if err := tx.Upsert(ctx, en); err != nil {
					return err
				}
				rec, err := en.ToRecord()
				if err != nil {
					return err
				}
				// Snapshot at last-known-synced feeds three-way merges.
				if err := tx.PutAncestor(ctx, m.ID, rec); err != nil {
					return err
				}
				res.Uploaded++
				continue
			}

			var conflict *remote.ConflictError
			switch {
			case errors.As(out.Err, &conflict):
				*queue = append(*queue, conflictItem{local: en, remote: conflict.Server})
			case errors.Is(out.Err, remote.ErrNotFound):
				// The server no longer knows this record; recreate it on the
				// next cycle.
				m.RemoteID = ""
				m.ChangeTag = ""
				m.Status = entity.StatusPending
				if err := tx.Upsert(ctx, en); err != nil {
					return err
				}
				res.Errors = append(res.Errors, fmt.Errorf("entity %s: %w", m.ID, out.Err))
			default:
				m.Status = entity.StatusFailed
				if err := tx.Upsert(ctx, en); err != nil {
					return err
				}
				res.Errors = append(res.Errors, fmt.Errorf("entity %s: %w", m.ID, out.Err))
			}
		}
		return nil
	})
}

// download pulls pages of remote changes from the stored continuation token
// until the adapter reports the client has caught up. Each page and the
// token that covers it commit in one transaction.
func (e *Engine) download(ctx context.Context, opts Options, res *Result, queue *[]conflictItem) error {
	tokenBytes, err := e.store.GetMeta(ctx, store.KeyContinuationToken)
	if err != nil {
		return err
	}
	token := remote.Token(tokenBytes)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		records, next, err := e.pullWithRetry(ctx, opts, token)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return e.store.SetMeta(ctx, store.KeyContinuationToken, []byte(next))
		}
		err = e.store.InTx(ctx, func(ctx context.Context, tx store.Store) error {
			for _, rec := range records {
				if err := e.applyRemoteRecord(ctx, tx, rec, res, queue); err != nil {
					return err
				}
			}
			return tx.SetMeta(ctx, store.KeyContinuationToken, []byte(next))
		})
		if err != nil {
			return err
		}
		token = next
	}
}

// applyRemoteRecord folds one pulled record into the local store or routes
// it to conflict resolution.
func (e *Engine) applyRemoteRecord(ctx context.Context, tx store.Store, rec entity.Record, res *Result, queue *[]conflictItem) error {
	if rec.RemoteID == "" {
		return nil
	}

	local, err := tx.FetchByRemoteID(ctx, rec.RemoteID)
	if errors.Is(err, common.ErrNotFound) {
		if rec.Deleted {
			// Tombstone for a record we never had.
			return nil
		}
		en, rerr := e.reg.New(rec.Type)
		if rerr != nil {
			// Records of types this build does not know stay on the server.
			e.log.Warn(ctx, "skipping record of unknown type",
				"record_type", rec.Type, "remote_id", rec.RemoteID)
			return nil
		}
		if err := en.ApplyRecord(rec); err != nil {
			return err
		}
		*en.Meta() = entity.Meta{
			ID:           uuid.NewString(),
			RemoteID:     rec.RemoteID,
			ChangeTag:    rec.ChangeTag,
			LastModified: rec.LastModified,
			Status:       entity.StatusSynced,
		}
		if err := tx.Upsert(ctx, en); err != nil {
			return err
		}
		if err := tx.PutAncestor(ctx, en.Meta().ID, rec); err != nil {
			return err
		}
		res.Downloaded++
		return nil
	}
	if err != nil {
		return err
	}

	m := local.Meta()
	if rec.ChangeTag == m.ChangeTag {
		// Our own push echoed back, or a change already applied.
		return nil
	}
	if m.Status == entity.StatusConflict {
		// Already waiting on manual resolution; the recorded conflict keeps
		// its snapshots until resolved.
		e.log.Debug(ctx, "remote change for entity already in conflict",
			"entity_id", m.ID)
		return nil
	}
	if m.Dirty() || m.Deleted {
		*queue = append(*queue, conflictItem{local: local, remote: rec})
		return nil
	}

	// Clean local copy: the remote simply moved ahead.
	if rec.Deleted {
		if err := tx.Purge(ctx, m.ID); err != nil {
			return err
		}
		if err := tx.DeleteAncestor(ctx, m.ID); err != nil {
			return err
		}
		res.Downloaded++
		return nil
	}
	if err := local.ApplyRecord(rec); err != nil {
		return err
	}
	m.ChangeTag = rec.ChangeTag
	m.LastModified = rec.LastModified
	m.Status = entity.StatusSynced
	if err := tx.Upsert(ctx, local); err != nil {
		return err
	}
	if err := tx.PutAncestor(ctx, m.ID, rec); err != nil {
		return err
	}
	res.Downloaded++
	return nil
}

// resolveQueue applies the configured strategy to every detected conflict
// and returns the entities whose local or merged payload must be re-pushed.
func (e *Engine) resolveQueue(ctx context.Context, opts Options, res *Result, queue []conflictItem) []entity.Syncable {
	resolver := resolve.New(opts.Strategy, e.log)
	var repush []entity.Syncable

	// The pull phase can rediscover a conflict the push already detected.
	// Keep the last occurrence per entity; it carries the freshest server
	// record.
	seen := make(map[string]int, len(queue))
	deduped := queue[:0]
	for _, item := range queue {
		id := item.local.Meta().ID
		if i, ok := seen[id]; ok {
			deduped[i] = item
			continue
		}
		seen[id] = len(deduped)
		deduped = append(deduped, item)
	}
	queue = deduped

	for _, item := range queue {
		if ctx.Err() != nil {
			return repush
		}
		m := item.local.Meta()

		localRec, err := item.local.ToRecord()
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("entity %s: %w", m.ID, err))
			continue
		}
		ancestor, err := e.store.GetAncestor(ctx, m.ID)
		if err != nil {
			e.log.Warn(ctx, "ancestor snapshot unavailable", "entity_id", m.ID, "err", err)
			ancestor = nil
		}

		out := resolver.Resolve(ctx, localRec, item.remote, ancestor)
		res.Conflicts++
		e.log.Debug(ctx, "conflict resolved", "entity_id", m.ID, "outcome", out.Kind.String())

		if err := e.applyOutcome(ctx, item, localRec, out, &repush); err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("entity %s: %w", m.ID, err))
		}
	}
	return repush
}

func (e *Engine) applyOutcome(ctx context.Context, item conflictItem, localRec entity.Record, out resolve.Outcome, repush *[]entity.Syncable) error {
	en := item.local
	m := en.Meta()

	switch out.Kind {
	case resolve.UseLocal:
		// Adopt the server's current tag so the follow-up push passes the
		// optimistic-concurrency check.
		m.ChangeTag = item.remote.ChangeTag
		m.Status = entity.StatusPending
		if err := e.store.Upsert(ctx, en); err != nil {
			return err
		}
		*repush = append(*repush, en)
		return nil

	case resolve.UseRemote:
		return e.store.InTx(ctx, func(ctx context.Context, tx store.Store) error {
			if item.remote.Deleted {
				if err := tx.Purge(ctx, m.ID); err != nil {
					return err
				}
				return tx.DeleteAncestor(ctx, m.ID)
			}
			if err := en.ApplyRecord(item.remote); err != nil {
				return err
			}
			m.RemoteID = item.remote.RemoteID
			m.ChangeTag = item.remote.ChangeTag
			m.LastModified = item.remote.LastModified
			m.Status = entity.StatusSynced
			m.Deleted = false
			if err := tx.Upsert(ctx, en); err != nil {
				return err
			}
			return tx.PutAncestor(ctx, m.ID, item.remote)
		})

	case resolve.Merge:
		if err := en.ApplyRecord(out.Merged); err != nil {
			return err
		}
		m.ChangeTag = item.remote.ChangeTag
		m.LastModified = out.Merged.LastModified
		m.Status = entity.StatusPending
		m.Deleted = false
		if err := e.store.Upsert(ctx, en); err != nil {
			return err
		}
		*repush = append(*repush, en)
		return nil

	case resolve.Defer:
		c := store.Conflict{
			ID:         uuid.NewString(),
			EntityID:   m.ID,
			RecordType: en.RecordType(),
			Local:      localRec,
			Remote:     item.remote,
			DetectedAt: time.Now().UTC(),
		}
		err := e.store.InTx(ctx, func(ctx context.Context, tx store.Store) error {
			if err := tx.PutConflict(ctx, c); err != nil {
				return err
			}
			m.Status = entity.StatusConflict
			return tx.Upsert(ctx, en)
		})
		if err != nil {
			return err
		}
		e.emit(ConflictDetected{Conflict: c})
		return nil
	}
	return fmt.Errorf("unhandled resolution outcome %s: %w", out.Kind, common.ErrInternal)
}

// pushResolved pushes entities whose conflicts resolved toward the local or
// merged payload. A record that conflicts again stays pending for the next
// cycle rather than looping within this one.
func (e *Engine) pushResolved(ctx context.Context, opts Options, res *Result, repush []entity.Syncable) error {
	for start := 0; start < len(repush); start += opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+opts.BatchSize, len(repush))

		var batch []entity.Syncable
		var records []entity.Record
		for _, en := range repush[start:end] {
			rec, err := en.ToRecord()
			if err != nil {
				res.Errors = append(res.Errors, fmt.Errorf("entity %s: %w", en.Meta().ID, err))
				continue
			}
			batch = append(batch, en)
			records = append(records, rec)
		}

		outcomes, pushErr := e.pushWithRetry(ctx, opts, records)
		var requeued []conflictItem
		if err := e.applyPushOutcomes(ctx, res, batch, outcomes, &requeued); err != nil {
			return err
		}
		if pushErr != nil {
			return pushErr
		}
	}
	return nil
}

func (e *Engine) finalize(ctx context.Context, cycleErr error) error {
	if ctx.Err() != nil {
		return nil
	}
	if cycleErr == nil {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		if err := e.store.SetMeta(ctx, store.KeyLastSyncAt, []byte(now)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) backoff(opts Options) retry.Backoff {
	b := retry.NewExponential(backoffBase)
	b = retry.WithCappedDuration(backoffCap, b)
	return retry.WithMaxRetries(uint64(opts.RetryAttempts), b)
}

// pushWithRetry retries transient transport failures with exponential
// backoff. A batch that partially committed is never replayed: its outcomes
// are applied and the cycle aborts with the transport error.
func (e *Engine) pushWithRetry(ctx context.Context, opts Options, records []entity.Record) ([]remote.PushOutcome, error) {
	if len(records) == 0 {
		return nil, nil
	}
	var outcomes []remote.PushOutcome
	err := retry.Do(ctx, e.backoff(opts), func(rctx context.Context) error {
		cctx, cancel := context.WithTimeout(rctx, opts.Timeout)
		defer cancel()
		out, perr := e.adapter.Push(cctx, records)
		if len(out) > 0 {
			outcomes = out
		}
		if perr != nil {
			perr = mapTransportErr(rctx, perr)
			if remote.Retryable(perr) && len(out) == 0 {
				return retry.RetryableError(perr)
			}
			return perr
		}
		outcomes = out
		return nil
	})
	return outcomes, err
}

func (e *Engine) pullWithRetry(ctx context.Context, opts Options, since remote.Token) ([]entity.Record, remote.Token, error) {
	var (
		records []entity.Record
		next    remote.Token
	)
	err := retry.Do(ctx, e.backoff(opts), func(rctx context.Context) error {
		cctx, cancel := context.WithTimeout(rctx, opts.Timeout)
		defer cancel()
		recs, tok, perr := e.adapter.Pull(cctx, since)
		if perr != nil {
			perr = mapTransportErr(rctx, perr)
			if remote.Retryable(perr) {
				return retry.RetryableError(perr)
			}
			return perr
		}
		records, next = recs, tok
		return nil
	})
	return records, next, err
}

// mapTransportErr keeps caller cancellation distinct from per-call timeouts:
// a timed-out call counts as the network being unavailable.
func mapTransportErr(parent context.Context, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return remote.ErrNetworkUnavailable
	}
	return err
}

func (e *Engine) setState(s State) {
	e.stateMu.Lock()
	e.state = s
	e.stateMu.Unlock()
}

func (e *Engine) emit(ev Event) {
	e.listenerMu.RLock()
	listeners := make([]Listener, len(e.listeners))
	copy(listeners, e.listeners)
	e.listenerMu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}
