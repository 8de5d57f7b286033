// Package trigger runs the sync engine in the background: on a cron
// schedule, on change hints pushed by the remote store, and on demand. All
// paths funnel into one coalescing kick channel, so any number of triggers
// while a cycle runs collapse into a single follow-up cycle.
package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jbcrane13/CrabyFace-sub003/internal/engine"
	"github.com/jbcrane13/CrabyFace-sub003/internal/logging"
	"github.com/jbcrane13/CrabyFace-sub003/internal/remote"
)

const (
	failureBackoffBase = 5 * time.Second
	failureBackoffCap  = 5 * time.Minute
)

// Syncer is the slice of the engine the trigger drives.
type Syncer interface {
	Sync(ctx context.Context, opts engine.Options) (*engine.Result, error)
}

// Trigger owns the background sync loop.
type Trigger struct {
	engine  Syncer
	adapter remote.Adapter
	opts    engine.Options
	log     logging.Logger

	cron *cron.Cron
	// kick has capacity 1: a send while a cycle is already queued is
	// dropped, which is exactly the coalescing the engine needs.
	kick chan string

	mu       sync.Mutex
	failures int
	cancel   context.CancelFunc
	done     chan struct{}
	sub      remote.Subscription
}

func New(s Syncer, ad remote.Adapter, opts engine.Options, log logging.Logger) *Trigger {
	return &Trigger{
		engine:  s,
		adapter: ad,
		opts:    opts,
		log:     log,
		kick:    make(chan string, 1),
	}
}

// Start launches the loop and, when schedule is non-empty, the cron entry.
// The schedule uses the cron spec format, including descriptors such as
// "@every 5m".
func (t *Trigger) Start(ctx context.Context, schedule string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})

	if schedule != "" {
		t.cron = cron.New()
		if _, err := t.cron.AddFunc(schedule, func() { t.Notify("schedule") }); err != nil {
			cancel()
			return err
		}
		t.cron.Start()
	}

	sub, err := t.adapter.Subscribe(ctx)
	if err != nil {
		t.log.Warn(ctx, "remote change hints unavailable, relying on schedule", "err", err)
	} else {
		t.sub = sub
		go t.forwardHints(ctx, sub)
	}

	go t.loop(ctx)
	return nil
}

// Notify requests a sync cycle. Safe from any goroutine; requests made while
// a cycle runs coalesce into one follow-up.
func (t *Trigger) Notify(reason string) {
	select {
	case t.kick <- reason:
	default:
	}
}

// Stop halts the cron schedule, cancels an in-flight cycle at its next
// batch boundary and waits for the loop to exit.
func (t *Trigger) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	if t.cron != nil {
		<-t.cron.Stop().Done()
	}
	if t.sub != nil {
		t.sub.Close()
	}
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (t *Trigger) forwardHints(ctx context.Context, sub remote.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub.Hints():
			if !ok {
				return
			}
			t.Notify("remote-change")
		}
	}
}

func (t *Trigger) loop(ctx context.Context) {
	defer close(t.done)
	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-t.kick:
			if delay := t.backoffDelay(); delay > 0 {
				t.log.Debug(ctx, "delaying sync after failures", "delay", delay)
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
			}

			t.log.Debug(ctx, "sync triggered", "reason", reason)
			res, err := t.engine.Sync(ctx, t.opts)
			if err != nil {
				t.recordFailure()
				t.log.Warn(ctx, "background sync failed", "reason", reason, "err", err)
				// Transient failures get another attempt after backoff.
				if remote.Retryable(err) {
					t.Notify("retry")
				}
				continue
			}
			t.resetFailures()
			t.log.Debug(ctx, "background sync finished",
				"uploaded", res.Uploaded, "downloaded", res.Downloaded,
				"conflicts", res.Conflicts)
		}
	}
}

func (t *Trigger) backoffDelay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failures == 0 {
		return 0
	}
	d := failureBackoffBase << (t.failures - 1)
	if d > failureBackoffCap || d <= 0 {
		d = failureBackoffCap
	}
	return d
}

func (t *Trigger) recordFailure() {
	t.mu.Lock()
	t.failures++
	t.mu.Unlock()
}

func (t *Trigger) resetFailures() {
	t.mu.Lock()
	t.failures = 0
	t.mu.Unlock()
}
