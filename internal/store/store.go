// Package store persists syncable entities, their unresolved conflicts and
// the engine's sync bookkeeping in the on-device SQLite database. It is the
// only component allowed to mutate entity rows; everything else goes through
// its transactional boundary.
package store

import (
	"context"
	"time"

	"github.com/jbcrane13/CrabyFace-sub003/internal/entity"
)

// Metadata keys the engine keeps in the key/value table.
const (
	KeyContinuationToken = "continuation_token"
	KeyLastSyncAt        = "last_sync_at"
)

// Conflict pairs the local and remote versions of one entity pending manual
// resolution. Conflicts live in their own table so they survive restarts.
type Conflict struct {
	ID         string
	EntityID   string
	RecordType string
	Local      entity.Record
	Remote     entity.Record
	DetectedAt time.Time
}

// Store is the local store accessor consumed by the sync coordinator.
//
// InTx runs fn against a transactional view of the store: every mutation
// made through the argument commits atomically or not at all. Reads outside
// a transaction observe only committed state.
type Store interface {
	// FetchPending returns entities with local changes (pending or failed),
	// oldest modification first so causal order is preserved for a single
	// writer.
	FetchPending(ctx context.Context) ([]entity.Syncable, error)

	// FetchByID returns the entity with the given local id, including
	// tombstones. common.ErrNotFound when absent.
	FetchByID(ctx context.Context, id string) (entity.Syncable, error)

	// FetchByRemoteID returns the entity with the given remote id.
	// common.ErrNotFound when absent.
	FetchByRemoteID(ctx context.Context, remoteID string) (entity.Syncable, error)

	// Upsert writes the entity's payload and sync metadata as one row.
	Upsert(ctx context.Context, e entity.Syncable) error

	// Purge physically removes an entity row. Only confirmed tombstones and
	// entities resolved to a remote deletion go through here.
	Purge(ctx context.Context, id string) error

	// Conflict records.
	PutConflict(ctx context.Context, c Conflict) error
	GetConflict(ctx context.Context, id string) (Conflict, error)
	ListConflicts(ctx context.Context) ([]Conflict, error)
	DeleteConflict(ctx context.Context, id string) error

	// Ancestor snapshots, captured whenever an entity becomes synced and
	// consumed by the three-way merge strategy.
	PutAncestor(ctx context.Context, entityID string, rec entity.Record) error
	GetAncestor(ctx context.Context, entityID string) (*entity.Record, error)
	DeleteAncestor(ctx context.Context, entityID string) error

	// Engine bookkeeping (continuation token, last sync time).
	GetMeta(ctx context.Context, key string) ([]byte, error)
	SetMeta(ctx context.Context, key string, value []byte) error

	// InTx runs fn inside one transaction.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	Close() error
}
