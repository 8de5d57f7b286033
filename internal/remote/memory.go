package remote

import (
	"context"
	"errors"
	"maps"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jbcrane13/CrabyFace-sub003/internal/entity"
)

// MemoryAdapter is an authoritative in-process record store implementing
// Adapter. It enforces the same optimistic-concurrency rules as the real
// backend: every committed write gets a fresh change tag and a position in
// the change log, and a push carrying a stale tag is answered with a
// ConflictError holding the current server record.
//
// Tests and the daemon's local mode use it; two engines sharing one
// MemoryAdapter behave like two devices syncing through one server.
type MemoryAdapter struct {
	mu      sync.Mutex
	records map[string]*serverRecord
	seq     int64
	subs    []chan struct{}
	closed  bool

	// PushHook, when set, runs before each record is committed. A non-nil
	// error becomes that record's outcome for per-record kinds, or
	// interrupts the batch for cycle-level kinds (auth, quota, transport).
	PushHook func(rec entity.Record) error
	// PullHook, when set, runs before each pull.
	PullHook func() error

	// PageSize caps records per pull; zero means the default.
	PageSize int
}

const defaultPageSize = 100

type serverRecord struct {
	rec entity.Record
	seq int64
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{records: make(map[string]*serverRecord)}
}

func (a *MemoryAdapter) Push(ctx context.Context, batch []entity.Record) ([]PushOutcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, ErrNetworkUnavailable
	}

	outcomes := make([]PushOutcome, 0, len(batch))
	changed := false
	for _, rec := range batch {
		if a.PushHook != nil {
			if err := a.PushHook(rec); err != nil {
				if Retryable(err) || errors.Is(err, ErrAuthRequired) || errors.Is(err, ErrQuotaExceeded) {
					// Cycle-level failure: report what was committed so far.
					if changed {
						a.notifyLocked()
					}
					return outcomes, err
				}
				outcomes = append(outcomes, PushOutcome{RemoteID: rec.RemoteID, Err: err})
				continue
			}
		}
		outcomes = append(outcomes, a.commitLocked(rec))
		changed = true
	}
	if changed {
		a.notifyLocked()
	}
	return outcomes, nil
}

func (a *MemoryAdapter) commitLocked(rec entity.Record) PushOutcome {
	if rec.RemoteID == "" {
		// First push: the server assigns the remote identity.
		remoteID := uuid.NewString()
		stored := rec
		stored.RemoteID = remoteID
		a.storeLocked(&stored)
		return PushOutcome{RemoteID: remoteID, ChangeTag: stored.ChangeTag}
	}

	current, ok := a.records[rec.RemoteID]
	if !ok {
		return PushOutcome{RemoteID: rec.RemoteID, Err: ErrNotFound}
	}
	if current.rec.ChangeTag != rec.ChangeTag {
		return PushOutcome{RemoteID: rec.RemoteID, Err: &ConflictError{Server: cloneRecord(current.rec)}}
	}
	stored := rec
	a.storeLocked(&stored)
	return PushOutcome{RemoteID: stored.RemoteID, ChangeTag: stored.ChangeTag}
}

// storeLocked commits rec under a fresh change tag and log position.
func (a *MemoryAdapter) storeLocked(rec *entity.Record) {
	a.seq++
	rec.ChangeTag = uuid.NewString()
	a.records[rec.RemoteID] = &serverRecord{rec: cloneRecord(*rec), seq: a.seq}
}

func (a *MemoryAdapter) Pull(ctx context.Context, since Token) ([]entity.Record, Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, since, ErrNetworkUnavailable
	}
	if a.PullHook != nil {
		if err := a.PullHook(); err != nil {
			return nil, since, err
		}
	}

	after, err := parseToken(since)
	if err != nil {
		// An unparsable token means client state from another store
		// generation; restart from the beginning.
		after = 0
	}

	limit := a.PageSize
	if limit <= 0 {
		limit = defaultPageSize
	}

	var page []*serverRecord
	for _, sr := range a.records {
		if sr.seq > after {
			page = append(page, sr)
		}
	}
	sortBySeq(page)
	if len(page) > limit {
		page = page[:limit]
	}

	records := make([]entity.Record, 0, len(page))
	last := after
	for _, sr := range page {
		records = append(records, cloneRecord(sr.rec))
		last = sr.seq
	}
	return records, Token(strconv.FormatInt(last, 10)), nil
}

func (a *MemoryAdapter) Delete(ctx context.Context, remoteID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return ErrNetworkUnavailable
	}
	current, ok := a.records[remoteID]
	if !ok || current.rec.Deleted {
		return ErrNotFound
	}
	// Deletion is committed as a server-side tombstone so other devices
	// learn about it through pull.
	tomb := cloneRecord(current.rec)
	tomb.Deleted = true
	tomb.Fields = map[string]any{}
	tomb.LastModified = time.Now().UTC()
	a.storeLocked(&tomb)
	a.notifyLocked()
	return nil
}

func (a *MemoryAdapter) Subscribe(ctx context.Context) (Subscription, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := make(chan struct{}, 1)
	a.subs = append(a.subs, ch)
	return &memorySubscription{adapter: a, ch: ch}, nil
}

func (a *MemoryAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	for _, ch := range a.subs {
		close(ch)
	}
	a.subs = nil
	return nil
}

// ServerRecord returns a copy of the current server-side record, for tests
// and the daemon's status commands.
func (a *MemoryAdapter) ServerRecord(remoteID string) (entity.Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sr, ok := a.records[remoteID]
	if !ok {
		return entity.Record{}, false
	}
	return cloneRecord(sr.rec), true
}

// RecordCount reports how many records (tombstones included) the server holds.
func (a *MemoryAdapter) RecordCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

func (a *MemoryAdapter) notifyLocked() {
	for _, ch := range a.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

type memorySubscription struct {
	adapter *MemoryAdapter
	ch      chan struct{}
	once    sync.Once
}

func (s *memorySubscription) Hints() <-chan struct{} { return s.ch }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		a := s.adapter
		a.mu.Lock()
		defer a.mu.Unlock()
		for i, ch := range a.subs {
			if ch == s.ch {
				a.subs = append(a.subs[:i], a.subs[i+1:]...)
				close(ch)
				break
			}
		}
	})
	return nil
}

func parseToken(t Token) (int64, error) {
	if t == "" {
		return 0, nil
	}
	return strconv.ParseInt(string(t), 10, 64)
}

func sortBySeq(page []*serverRecord) {
	sort.Slice(page, func(i, j int) bool { return page[i].seq < page[j].seq })
}

func cloneRecord(rec entity.Record) entity.Record {
	out := rec
	out.Fields = maps.Clone(rec.Fields)
	return out
}
