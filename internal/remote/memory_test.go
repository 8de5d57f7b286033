package remote

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jbcrane13/CrabyFace-sub003/internal/entity"
)

func pushOne(t *testing.T, ad *MemoryAdapter, rec entity.Record) PushOutcome {
	t.Helper()
	outcomes, err := ad.Push(context.Background(), []entity.Record{rec})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	return outcomes[0]
}

func testRecord(notes string) entity.Record {
	return entity.Record{
		Type:         "observation_report",
		LastModified: time.Now().UTC(),
		Fields:       map[string]any{"notes": notes},
	}
}

func TestMemoryAdapter_CreateAssignsIdentity(t *testing.T) {
	ad := NewMemoryAdapter()

	out := pushOne(t, ad, testRecord("new"))
	require.NoError(t, out.Err)
	require.NotEmpty(t, out.RemoteID)
	require.NotEmpty(t, out.ChangeTag)

	stored, ok := ad.ServerRecord(out.RemoteID)
	require.True(t, ok)
	require.Equal(t, "new", stored.Fields["notes"])
}

func TestMemoryAdapter_StaleTagConflicts(t *testing.T) {
	ad := NewMemoryAdapter()

	created := pushOne(t, ad, testRecord("v1"))

	// First writer updates; its tag is now current.
	update := testRecord("v2")
	update.RemoteID = created.RemoteID
	update.ChangeTag = created.ChangeTag
	updated := pushOne(t, ad, update)
	require.NoError(t, updated.Err)
	require.NotEqual(t, created.ChangeTag, updated.ChangeTag)

	// Second writer still holds the old tag.
	stale := testRecord("v3")
	stale.RemoteID = created.RemoteID
	stale.ChangeTag = created.ChangeTag
	out := pushOne(t, ad, stale)
	require.Error(t, out.Err)

	var conflict *ConflictError
	require.ErrorAs(t, out.Err, &conflict)
	require.Equal(t, "v2", conflict.Server.Fields["notes"])
	require.Equal(t, updated.ChangeTag, conflict.Server.ChangeTag)

	// The stale write must not have changed the server copy.
	stored, _ := ad.ServerRecord(created.RemoteID)
	require.Equal(t, "v2", stored.Fields["notes"])
}

func TestMemoryAdapter_PushUnknownRemoteID(t *testing.T) {
	ad := NewMemoryAdapter()

	rec := testRecord("ghost")
	rec.RemoteID = "srv-unknown"
	rec.ChangeTag = "tag-x"
	out := pushOne(t, ad, rec)
	require.ErrorIs(t, out.Err, ErrNotFound)
}

func TestMemoryAdapter_PullPagination(t *testing.T) {
	ctx := context.Background()
	ad := NewMemoryAdapter()
	ad.PageSize = 2

	for i := 0; i < 5; i++ {
		pushOne(t, ad, testRecord("r"))
	}

	var total int
	var token Token
	for {
		records, next, err := ad.Pull(ctx, token)
		require.NoError(t, err)
		if len(records) == 0 {
			break
		}
		require.LessOrEqual(t, len(records), 2)
		total += len(records)
		token = next
	}
	require.Equal(t, 5, total)

	// A token at the tail yields nothing until new changes arrive.
	records, _, err := ad.Pull(ctx, token)
	require.NoError(t, err)
	require.Empty(t, records)

	pushOne(t, ad, testRecord("late"))
	records, _, err = ad.Pull(ctx, token)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "late", records[0].Fields["notes"])
}

func TestMemoryAdapter_UpdateResequencesForPull(t *testing.T) {
	ctx := context.Background()
	ad := NewMemoryAdapter()

	created := pushOne(t, ad, testRecord("v1"))

	// Drain the feed.
	_, token, err := ad.Pull(ctx, "")
	require.NoError(t, err)

	update := testRecord("v2")
	update.RemoteID = created.RemoteID
	update.ChangeTag = created.ChangeTag
	pushOne(t, ad, update)

	records, _, err := ad.Pull(ctx, token)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "v2", records[0].Fields["notes"])
}

func TestMemoryAdapter_DeleteEmitsTombstone(t *testing.T) {
	ctx := context.Background()
	ad := NewMemoryAdapter()

	created := pushOne(t, ad, testRecord("doomed"))
	_, token, err := ad.Pull(ctx, "")
	require.NoError(t, err)

	require.NoError(t, ad.Delete(ctx, created.RemoteID))
	require.ErrorIs(t, ad.Delete(ctx, created.RemoteID), ErrNotFound)

	records, _, err := ad.Pull(ctx, token)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.True(t, records[0].Deleted)
	require.Equal(t, created.RemoteID, records[0].RemoteID)
}

func TestMemoryAdapter_SubscribeHints(t *testing.T) {
	ctx := context.Background()
	ad := NewMemoryAdapter()

	sub, err := ad.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	pushOne(t, ad, testRecord("hinted"))

	select {
	case <-sub.Hints():
	case <-time.After(time.Second):
		t.Fatal("expected a change hint after push")
	}
}

func TestMemoryAdapter_PushHookFaultInjection(t *testing.T) {
	ad := NewMemoryAdapter()

	calls := 0
	ad.PushHook = func(entity.Record) error {
		calls++
		if calls == 2 {
			return ErrQuotaExceeded
		}
		return nil
	}

	batch := []entity.Record{testRecord("a"), testRecord("b"), testRecord("c")}
	outcomes, err := ad.Push(context.Background(), batch)
	require.ErrorIs(t, err, ErrQuotaExceeded)
	require.Len(t, outcomes, 1, "only the records before the fault commit")
	require.Equal(t, 1, ad.RecordCount())
}

func TestMemoryAdapter_RejectedRecordIsPerRecord(t *testing.T) {
	ad := NewMemoryAdapter()

	ad.PushHook = func(rec entity.Record) error {
		if rec.Fields["notes"] == "bad" {
			return ErrRejected
		}
		return nil
	}

	batch := []entity.Record{testRecord("good"), testRecord("bad"), testRecord("also good")}
	outcomes, err := ad.Push(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	require.NoError(t, outcomes[0].Err)
	require.ErrorIs(t, outcomes[1].Err, ErrRejected)
	require.NoError(t, outcomes[2].Err)
	require.Equal(t, 2, ad.RecordCount())
}

func TestMemoryAdapter_PullIsolatedFromLaterWrites(t *testing.T) {
	ctx := context.Background()
	ad := NewMemoryAdapter()

	out := pushOne(t, ad, testRecord("original"))
	records, _, err := ad.Pull(ctx, "")
	require.NoError(t, err)
	require.Len(t, records, 1)

	// Mutating the pulled copy must not leak into the server state.
	records[0].Fields["notes"] = "mutated"
	stored, _ := ad.ServerRecord(out.RemoteID)
	require.Equal(t, "original", stored.Fields["notes"])
}
