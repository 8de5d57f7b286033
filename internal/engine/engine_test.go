package engine

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jbcrane13/CrabyFace-sub003/internal/entity"
	"github.com/jbcrane13/CrabyFace-sub003/internal/logging"
	"github.com/jbcrane13/CrabyFace-sub003/internal/remote"
	"github.com/jbcrane13/CrabyFace-sub003/internal/report"
	"github.com/jbcrane13/CrabyFace-sub003/internal/resolve"
	"github.com/jbcrane13/CrabyFace-sub003/internal/store"
)

var testDBSeq atomic.Int64

func newTestStore(t *testing.T) (*store.SQLiteStore, *entity.Registry) {
	t.Helper()
	reg := entity.NewRegistry()
	report.Register(reg)
	dsn := fmt.Sprintf("file:engine_test_%d?mode=memory&cache=shared", testDBSeq.Add(1))
	st, err := store.Open(context.Background(), dsn, reg)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st, reg
}

func newTestEngine(t *testing.T, ad remote.Adapter) (*Engine, *store.SQLiteStore) {
	t.Helper()
	st, reg := newTestStore(t)
	return New(st, ad, reg, logging.NewNopLogger()), st
}

func newReport(t *testing.T, st store.Store, notes string) *report.Report {
	t.Helper()
	r := report.New(time.Now())
	r.Latitude = 48.39
	r.Longitude = -4.48
	r.WaterTempC = 14.2
	r.Species = []string{"carcinus maenas"}
	r.Notes = notes
	require.NoError(t, st.Upsert(context.Background(), r))
	return r
}

func editReport(t *testing.T, st store.Store, id, notes string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	en, err := st.FetchByID(ctx, id)
	require.NoError(t, err)
	r := en.(*report.Report)
	r.Notes = notes
	r.Meta().Touch(at)
	require.NoError(t, st.Upsert(ctx, en))
}

func TestSync_UploadsOfflineCreation(t *testing.T) {
	ctx := context.Background()
	ad := remote.NewMemoryAdapter()
	eng, st := newTestEngine(t, ad)

	local := newReport(t, st, "first dive of the season")

	res, err := eng.Sync(ctx, DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, 1, res.Uploaded)
	require.Empty(t, res.Errors)

	en, err := st.FetchByID(ctx, local.Meta().ID)
	require.NoError(t, err)
	m := en.Meta()
	require.Equal(t, entity.StatusSynced, m.Status)
	require.NotEmpty(t, m.RemoteID)
	require.NotEmpty(t, m.ChangeTag)

	rec, ok := ad.ServerRecord(m.RemoteID)
	require.True(t, ok)
	require.Equal(t, "first dive of the season", rec.Fields["notes"])
}

func TestSync_SecondCycleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ad := remote.NewMemoryAdapter()
	eng, st := newTestEngine(t, ad)
	newReport(t, st, "baseline")

	_, err := eng.Sync(ctx, DefaultOptions())
	require.NoError(t, err)

	res, err := eng.Sync(ctx, DefaultOptions())
	require.NoError(t, err)
	require.Zero(t, res.Uploaded)
	require.Zero(t, res.Downloaded)
	require.Zero(t, res.Conflicts)
	require.Empty(t, res.Errors)
}

func TestSync_DownloadsRemoteCreation(t *testing.T) {
	ctx := context.Background()
	ad := remote.NewMemoryAdapter()

	// Device B uploads a report.
	engB, stB := newTestEngine(t, ad)
	newReport(t, stB, "seen from the pier")
	_, err := engB.Sync(ctx, DefaultOptions())
	require.NoError(t, err)

	// Device A pulls it down.
	engA, stA := newTestEngine(t, ad)
	res, err := engA.Sync(ctx, DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, 1, res.Downloaded)

	pulled, err := stA.FetchPending(ctx)
	require.NoError(t, err)
	require.Empty(t, pulled, "downloaded entities arrive synced, not pending")
}

func TestSync_MostRecentConflictConverges(t *testing.T) {
	ctx := context.Background()
	ad := remote.NewMemoryAdapter()
	engA, stA := newTestEngine(t, ad)
	engB, stB := newTestEngine(t, ad)

	localA := newReport(t, stA, "original")
	_, err := engA.Sync(ctx, DefaultOptions())
	require.NoError(t, err)
	_, err = engB.Sync(ctx, DefaultOptions())
	require.NoError(t, err)

	remoteID := mustMeta(t, stA, localA.Meta().ID).RemoteID
	enB, err := stB.FetchByRemoteID(ctx, remoteID)
	require.NoError(t, err)
	idB := enB.Meta().ID

	// Both devices edit; B's edit is strictly later.
	base := time.Now()
	editReport(t, stA, localA.Meta().ID, "edit from A", base)
	editReport(t, stB, idB, "edit from B", base.Add(2*time.Second))

	// B syncs first and wins the server version.
	_, err = engB.Sync(ctx, DefaultOptions())
	require.NoError(t, err)

	// A's push is rejected on the stale tag; most-recent picks B's edit.
	res, err := engA.Sync(ctx, DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, 1, res.Conflicts)

	gotA := mustReport(t, stA, localA.Meta().ID)
	require.Equal(t, "edit from B", gotA.Notes)
	require.Equal(t, entity.StatusSynced, gotA.Meta().Status)

	rec, ok := ad.ServerRecord(remoteID)
	require.True(t, ok)
	require.Equal(t, "edit from B", rec.Fields["notes"])
}

func TestSync_MostRecentLocalWinsAndRepushes(t *testing.T) {
	ctx := context.Background()
	ad := remote.NewMemoryAdapter()
	engA, stA := newTestEngine(t, ad)
	engB, stB := newTestEngine(t, ad)

	localA := newReport(t, stA, "original")
	_, err := engA.Sync(ctx, DefaultOptions())
	require.NoError(t, err)
	_, err = engB.Sync(ctx, DefaultOptions())
	require.NoError(t, err)

	remoteID := mustMeta(t, stA, localA.Meta().ID).RemoteID
	enB, err := stB.FetchByRemoteID(ctx, remoteID)
	require.NoError(t, err)

	base := time.Now()
	editReport(t, stB, enB.Meta().ID, "stale edit from B", base)
	editReport(t, stA, localA.Meta().ID, "newer edit from A", base.Add(2*time.Second))

	_, err = engB.Sync(ctx, DefaultOptions())
	require.NoError(t, err)

	res, err := engA.Sync(ctx, DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, 1, res.Conflicts)

	gotA := mustReport(t, stA, localA.Meta().ID)
	require.Equal(t, "newer edit from A", gotA.Notes)
	require.Equal(t, entity.StatusSynced, gotA.Meta().Status)

	rec, ok := ad.ServerRecord(remoteID)
	require.True(t, ok)
	require.Equal(t, "newer edit from A", rec.Fields["notes"])
}

func TestSync_CycleErrorPreservesCommittedOutcomes(t *testing.T) {
	ctx := context.Background()
	ad := remote.NewMemoryAdapter()
	eng, st := newTestEngine(t, ad)

	var ids []string
	for i := 0; i < 5; i++ {
		r := newReport(t, st, fmt.Sprintf("report %d", i))
		ids = append(ids, r.Meta().ID)
		// FetchPending orders by last_modified; keep the order stable.
		time.Sleep(2 * time.Millisecond)
	}

	var pushed atomic.Int32
	ad.PushHook = func(entity.Record) error {
		if pushed.Add(1) == 3 {
			return remote.ErrQuotaExceeded
		}
		return nil
	}

	opts := DefaultOptions()
	opts.RetryAttempts = 0
	res, err := eng.Sync(ctx, opts)
	require.ErrorIs(t, err, remote.ErrQuotaExceeded)
	require.Equal(t, 2, res.Uploaded)
	require.Len(t, res.Errors, 1)

	synced, pending := 0, 0
	for _, id := range ids {
		switch mustMeta(t, st, id).Status {
		case entity.StatusSynced:
			synced++
		case entity.StatusPending:
			pending++
		}
	}
	require.Equal(t, 2, synced)
	require.Equal(t, 3, pending)

	// Downloads were skipped; clear the fault and the rest catches up.
	ad.PushHook = nil
	res, err = eng.Sync(ctx, opts)
	require.NoError(t, err)
	require.Equal(t, 3, res.Uploaded)
}

func TestSync_ManualStrategyRecordsConflict(t *testing.T) {
	ctx := context.Background()
	ad := remote.NewMemoryAdapter()
	engA, stA := newTestEngine(t, ad)
	engB, stB := newTestEngine(t, ad)

	localA := newReport(t, stA, "original")
	opts := DefaultOptions()
	opts.Strategy = resolve.Manual

	_, err := engA.Sync(ctx, opts)
	require.NoError(t, err)
	_, err = engB.Sync(ctx, opts)
	require.NoError(t, err)

	remoteID := mustMeta(t, stA, localA.Meta().ID).RemoteID
	enB, err := stB.FetchByRemoteID(ctx, remoteID)
	require.NoError(t, err)

	editReport(t, stB, enB.Meta().ID, "edit from B", time.Now())
	editReport(t, stA, localA.Meta().ID, "edit from A", time.Now().Add(time.Second))

	_, err = engB.Sync(ctx, opts)
	require.NoError(t, err)

	var detected []store.Conflict
	engA.OnEvent(func(ev Event) {
		if c, ok := ev.(ConflictDetected); ok {
			detected = append(detected, c.Conflict)
		}
	})

	res, err := engA.Sync(ctx, opts)
	require.NoError(t, err)
	require.Equal(t, 1, res.Conflicts)
	require.Len(t, detected, 1)

	conflicts, err := stA.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	require.Equal(t, "edit from A", c.Local.Fields["notes"])
	require.Equal(t, "edit from B", c.Remote.Fields["notes"])
	require.Equal(t, entity.StatusConflict, mustMeta(t, stA, c.EntityID).Status)

	// Conflicted entities are excluded from the next cycle's upload.
	res, err = engA.Sync(ctx, opts)
	require.NoError(t, err)
	require.Zero(t, res.Uploaded)
	require.Zero(t, res.Conflicts)
}

func TestResolveConflict_UseRemote(t *testing.T) {
	ctx := context.Background()
	ad := remote.NewMemoryAdapter()
	eng, st := newTestEngine(t, ad)
	c, entityID := recordedConflict(t, ctx, eng, st, ad)

	require.NoError(t, eng.ResolveConflict(ctx, c.ID, Resolution{Kind: resolve.UseRemote}))

	got := mustReport(t, st, entityID)
	require.Equal(t, "edit from elsewhere", got.Notes)
	require.Equal(t, entity.StatusSynced, got.Meta().Status)

	conflicts, err := st.ListConflicts(ctx)
	require.NoError(t, err)
	require.Empty(t, conflicts)

	res, err := eng.Sync(ctx, DefaultOptions())
	require.NoError(t, err)
	require.Zero(t, res.Uploaded)
}

func TestResolveConflict_UseLocalRepushes(t *testing.T) {
	ctx := context.Background()
	ad := remote.NewMemoryAdapter()
	eng, st := newTestEngine(t, ad)
	c, entityID := recordedConflict(t, ctx, eng, st, ad)

	require.NoError(t, eng.ResolveConflict(ctx, c.ID, Resolution{Kind: resolve.UseLocal}))
	require.Equal(t, entity.StatusPending, mustMeta(t, st, entityID).Status)

	res, err := eng.Sync(ctx, DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, 1, res.Uploaded)

	m := mustMeta(t, st, entityID)
	rec, ok := ad.ServerRecord(m.RemoteID)
	require.True(t, ok)
	require.Equal(t, "local edit", rec.Fields["notes"])
}

func TestResolveConflict_MergedFields(t *testing.T) {
	ctx := context.Background()
	ad := remote.NewMemoryAdapter()
	eng, st := newTestEngine(t, ad)
	c, entityID := recordedConflict(t, ctx, eng, st, ad)

	fields := map[string]any{}
	for k, v := range c.Remote.Fields {
		fields[k] = v
	}
	fields["notes"] = "hand merged"

	require.NoError(t, eng.ResolveConflict(ctx, c.ID, Resolution{Kind: resolve.Merge, Fields: fields}))

	got := mustReport(t, st, entityID)
	require.Equal(t, "hand merged", got.Notes)
	require.Equal(t, entity.StatusPending, got.Meta().Status)

	_, err := eng.Sync(ctx, DefaultOptions())
	require.NoError(t, err)
	rec, ok := ad.ServerRecord(mustMeta(t, st, entityID).RemoteID)
	require.True(t, ok)
	require.Equal(t, "hand merged", rec.Fields["notes"])
}

// recordedConflict sets up a manual-strategy conflict: the local copy says
// "local edit", the server copy "edit from elsewhere".
func recordedConflict(t *testing.T, ctx context.Context, eng *Engine, st *store.SQLiteStore, ad *remote.MemoryAdapter) (store.Conflict, string) {
	t.Helper()

	local := newReport(t, st, "original")
	opts := DefaultOptions()
	opts.Strategy = resolve.Manual
	_, err := eng.Sync(ctx, opts)
	require.NoError(t, err)

	// Another device edits the server copy behind our back.
	other, stOther := newTestEngine(t, ad)
	_, err = other.Sync(ctx, opts)
	require.NoError(t, err)
	remoteID := mustMeta(t, st, local.Meta().ID).RemoteID
	enOther, err := stOther.FetchByRemoteID(ctx, remoteID)
	require.NoError(t, err)
	editReport(t, stOther, enOther.Meta().ID, "edit from elsewhere", time.Now())
	_, err = other.Sync(ctx, opts)
	require.NoError(t, err)

	editReport(t, st, local.Meta().ID, "local edit", time.Now().Add(time.Second))
	res, err := eng.Sync(ctx, opts)
	require.NoError(t, err)
	require.Equal(t, 1, res.Conflicts)

	conflicts, err := st.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	return conflicts[0], local.Meta().ID
}

func TestSync_DeletionPropagates(t *testing.T) {
	ctx := context.Background()
	ad := remote.NewMemoryAdapter()
	eng, st := newTestEngine(t, ad)

	local := newReport(t, st, "to be removed")
	_, err := eng.Sync(ctx, DefaultOptions())
	require.NoError(t, err)
	remoteID := mustMeta(t, st, local.Meta().ID).RemoteID

	en, err := st.FetchByID(ctx, local.Meta().ID)
	require.NoError(t, err)
	m := en.Meta()
	m.Deleted = true
	m.Touch(time.Now())
	require.NoError(t, st.Upsert(ctx, en))

	res, err := eng.Sync(ctx, DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, 1, res.Uploaded)

	_, err = st.FetchByID(ctx, local.Meta().ID)
	require.Error(t, err)

	rec, ok := ad.ServerRecord(remoteID)
	require.True(t, ok)
	require.True(t, rec.Deleted)
}

func TestSync_NeverSyncedTombstonePurgedLocally(t *testing.T) {
	ctx := context.Background()
	ad := remote.NewMemoryAdapter()
	eng, st := newTestEngine(t, ad)

	local := newReport(t, st, "created and deleted offline")
	en, err := st.FetchByID(ctx, local.Meta().ID)
	require.NoError(t, err)
	en.Meta().Deleted = true
	require.NoError(t, st.Upsert(ctx, en))

	_, err = eng.Sync(ctx, DefaultOptions())
	require.NoError(t, err)

	_, err = st.FetchByID(ctx, local.Meta().ID)
	require.Error(t, err)
	require.Zero(t, ad.RecordCount(), "record must never reach the server")
}

func TestSync_RemoteDeletionRemovesCleanLocal(t *testing.T) {
	ctx := context.Background()
	ad := remote.NewMemoryAdapter()
	engA, stA := newTestEngine(t, ad)
	engB, stB := newTestEngine(t, ad)

	localA := newReport(t, stA, "shared")
	_, err := engA.Sync(ctx, DefaultOptions())
	require.NoError(t, err)
	_, err = engB.Sync(ctx, DefaultOptions())
	require.NoError(t, err)

	remoteID := mustMeta(t, stA, localA.Meta().ID).RemoteID
	enB, err := stB.FetchByRemoteID(ctx, remoteID)
	require.NoError(t, err)
	enB.Meta().Deleted = true
	enB.Meta().Touch(time.Now())
	require.NoError(t, stB.Upsert(ctx, enB))
	_, err = engB.Sync(ctx, DefaultOptions())
	require.NoError(t, err)

	res, err := engA.Sync(ctx, DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, 1, res.Downloaded)
	_, err = stA.FetchByID(ctx, localA.Meta().ID)
	require.Error(t, err)
}

func TestSync_SkipsInvalidEntity(t *testing.T) {
	ctx := context.Background()
	ad := remote.NewMemoryAdapter()
	eng, st := newTestEngine(t, ad)

	bad := report.New(time.Now())
	bad.Latitude = 200
	require.NoError(t, st.Upsert(ctx, bad))
	good := newReport(t, st, "fine")

	res, err := eng.Sync(ctx, DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, 1, res.Uploaded)
	require.Len(t, res.Errors, 1)

	require.Equal(t, entity.StatusSynced, mustMeta(t, st, good.Meta().ID).Status)
	require.Equal(t, entity.StatusPending, mustMeta(t, st, bad.Meta().ID).Status)
}

func TestSync_ContinuationTokenPersists(t *testing.T) {
	ctx := context.Background()
	ad := remote.NewMemoryAdapter()
	ad.PageSize = 2

	engB, stB := newTestEngine(t, ad)
	for i := 0; i < 5; i++ {
		newReport(t, stB, fmt.Sprintf("remote %d", i))
	}
	_, err := engB.Sync(ctx, DefaultOptions())
	require.NoError(t, err)

	engA, stA := newTestEngine(t, ad)
	res, err := engA.Sync(ctx, DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, 5, res.Downloaded)

	token, err := stA.GetMeta(ctx, store.KeyContinuationToken)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	// A fresh engine over the same store resumes from the token and pulls
	// nothing.
	eng2 := New(stA, ad, engA.reg, logging.NewNopLogger())
	res, err = eng2.Sync(ctx, DefaultOptions())
	require.NoError(t, err)
	require.Zero(t, res.Downloaded)
}

func TestSync_SingleFlight(t *testing.T) {
	ctx := context.Background()
	ad := remote.NewMemoryAdapter()
	eng, st := newTestEngine(t, ad)
	newReport(t, st, "contended")

	var inFlight, maxInFlight atomic.Int32
	ad.PullHook = func() error {
		n := inFlight.Add(1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}

	errs := make(chan error, 4)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.Sync(ctx, DefaultOptions())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), maxInFlight.Load())
}

func TestSync_CancellationAtBatchBoundary(t *testing.T) {
	ad := remote.NewMemoryAdapter()
	eng, st := newTestEngine(t, ad)

	for i := 0; i < 4; i++ {
		newReport(t, st, fmt.Sprintf("report %d", i))
		time.Sleep(2 * time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ad.PushHook = func(entity.Record) error {
		cancel()
		return nil
	}

	opts := DefaultOptions()
	opts.BatchSize = 2
	res, err := eng.Sync(ctx, opts)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 2, res.Uploaded, "the in-flight batch still commits")
	require.Equal(t, StateIdle, eng.State())
}

func TestSync_EventOrder(t *testing.T) {
	ctx := context.Background()
	ad := remote.NewMemoryAdapter()
	eng, st := newTestEngine(t, ad)
	newReport(t, st, "one")

	var kinds []string
	eng.OnEvent(func(ev Event) {
		switch ev.(type) {
		case Started:
			kinds = append(kinds, "started")
		case Progress:
			kinds = append(kinds, "progress")
		case Completed:
			kinds = append(kinds, "completed")
		case Failed:
			kinds = append(kinds, "failed")
		}
	})

	_, err := eng.Sync(ctx, DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, []string{"started", "progress", "completed"}, kinds)
}

func TestSync_UploadOnlyDirectionSkipsPull(t *testing.T) {
	ctx := context.Background()
	ad := remote.NewMemoryAdapter()

	engB, stB := newTestEngine(t, ad)
	remoteOnly := newReport(t, stB, "remote only")
	_, err := engB.Sync(ctx, DefaultOptions())
	require.NoError(t, err)

	engA, stA := newTestEngine(t, ad)
	newReport(t, stA, "local only")
	opts := DefaultOptions()
	opts.Direction = DirectionUpload
	res, err := engA.Sync(ctx, opts)
	require.NoError(t, err)
	require.Equal(t, 1, res.Uploaded)
	require.Zero(t, res.Downloaded)

	_, err = stA.FetchByRemoteID(ctx, mustMeta(t, stB, remoteOnly.Meta().ID).RemoteID)
	require.Error(t, err)
}

func TestSync_ThreeWayDegradesWithoutAncestor(t *testing.T) {
	ctx := context.Background()
	ad := remote.NewMemoryAdapter()
	engA, stA := newTestEngine(t, ad)
	engB, stB := newTestEngine(t, ad)

	var buf bytes.Buffer
	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	engA.log = log

	localA := newReport(t, stA, "original")
	opts := DefaultOptions()
	opts.Strategy = resolve.ThreeWay

	_, err := engA.Sync(ctx, opts)
	require.NoError(t, err)
	_, err = engB.Sync(ctx, opts)
	require.NoError(t, err)

	// Drop the snapshot to force the degraded path.
	require.NoError(t, stA.DeleteAncestor(ctx, localA.Meta().ID))

	remoteID := mustMeta(t, stA, localA.Meta().ID).RemoteID
	enB, err := stB.FetchByRemoteID(ctx, remoteID)
	require.NoError(t, err)
	base := time.Now()
	editReport(t, stB, enB.Meta().ID, "edit from B", base.Add(time.Second))
	editReport(t, stA, localA.Meta().ID, "edit from A", base)
	_, err = engB.Sync(ctx, opts)
	require.NoError(t, err)

	res, err := engA.Sync(ctx, opts)
	require.NoError(t, err)
	require.Equal(t, 1, res.Conflicts)
	require.Equal(t, "edit from B", mustReport(t, stA, localA.Meta().ID).Notes)
	require.True(t, strings.Contains(buf.String(), "ancestor"), "degradation must be logged: %s", buf.String())
}

func TestSync_ThreeWayMergesDisjointEdits(t *testing.T) {
	ctx := context.Background()
	ad := remote.NewMemoryAdapter()
	engA, stA := newTestEngine(t, ad)
	engB, stB := newTestEngine(t, ad)

	localA := newReport(t, stA, "original")
	opts := DefaultOptions()
	opts.Strategy = resolve.ThreeWay

	_, err := engA.Sync(ctx, opts)
	require.NoError(t, err)
	_, err = engB.Sync(ctx, opts)
	require.NoError(t, err)

	remoteID := mustMeta(t, stA, localA.Meta().ID).RemoteID
	enB, err := stB.FetchByRemoteID(ctx, remoteID)
	require.NoError(t, err)

	// B changes the temperature, A the notes.
	rB := enB.(*report.Report)
	rB.WaterTempC = 16.8
	rB.Meta().Touch(time.Now())
	require.NoError(t, stB.Upsert(ctx, enB))
	_, err = engB.Sync(ctx, opts)
	require.NoError(t, err)

	editReport(t, stA, localA.Meta().ID, "tide going out", time.Now())

	res, err := engA.Sync(ctx, opts)
	require.NoError(t, err)
	require.Equal(t, 1, res.Conflicts)

	got := mustReport(t, stA, localA.Meta().ID)
	require.Equal(t, "tide going out", got.Notes)
	require.Equal(t, 16.8, got.WaterTempC)
	require.Equal(t, entity.StatusSynced, got.Meta().Status)

	rec, ok := ad.ServerRecord(remoteID)
	require.True(t, ok)
	require.Equal(t, "tide going out", rec.Fields["notes"])
	require.Equal(t, 16.8, rec.Fields["water_temp_c"])
}

func mustMeta(t *testing.T, st store.Store, id string) *entity.Meta {
	t.Helper()
	en, err := st.FetchByID(context.Background(), id)
	require.NoError(t, err)
	return en.Meta()
}

func mustReport(t *testing.T, st store.Store, id string) *report.Report {
	t.Helper()
	en, err := st.FetchByID(context.Background(), id)
	require.NoError(t, err)
	r, ok := en.(*report.Report)
	require.True(t, ok)
	return r
}

