// Package entity defines the contract every synchronizable record must
// satisfy: the sync metadata attached to each record, the wire record shape
// exchanged with the remote store, and a registry used to hydrate persisted
// rows back into typed values.
package entity

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status describes where an entity stands in the sync lifecycle.
type Status string

const (
	// StatusPending marks an entity with local changes not yet pushed.
	StatusPending Status = "pending"
	// StatusSynced marks an entity whose change tag matches the remote store.
	StatusSynced Status = "synced"
	// StatusConflict marks an entity awaiting manual conflict resolution.
	StatusConflict Status = "conflict"
	// StatusFailed marks an entity whose last push was rejected; it stays
	// eligible for the next cycle.
	StatusFailed Status = "failed"
)

// ParseStatus converts a stored string back into a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusSynced, StatusConflict, StatusFailed:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown sync status %q", s)
}

// Meta carries the sync metadata attached to every syncable entity.
type Meta struct {
	// ID is the stable local identifier, assigned once at creation.
	ID string

	// RemoteID is assigned by the remote store on first push. Empty means
	// the entity has never been synced.
	RemoteID string

	// ChangeTag is the opaque version token the remote store returns on each
	// write. Only push/pull results may set it.
	ChangeTag string

	// LastModified is the time of the last local payload mutation, UTC.
	LastModified time.Time

	// Status is the entity's position in the sync lifecycle.
	Status Status

	// Deleted marks the entity as a tombstone. The row is retained until the
	// deletion has been confirmed by the remote store, so a stale pull
	// cannot resurrect it.
	Deleted bool
}

// NewMeta returns metadata for a freshly created local entity.
func NewMeta(now time.Time) Meta {
	return Meta{
		ID:           uuid.NewString(),
		Status:       StatusPending,
		LastModified: now.UTC(),
	}
}

// Touch records a local payload mutation: it bumps LastModified and flips a
// synced entity back to pending.
func (m *Meta) Touch(now time.Time) {
	m.LastModified = now.UTC()
	if m.Status == StatusSynced {
		m.Status = StatusPending
	}
}

// Dirty reports whether the entity carries local changes awaiting a push.
func (m *Meta) Dirty() bool {
	return m.Status == StatusPending || m.Status == StatusFailed
}

// Record is the wire shape exchanged with the remote store. Fields holds the
// type-specific payload in the generic form produced by a JSON round trip
// (string, bool, float64, []any, map[string]any), which is also the form the
// conflict resolver compares field by field.
type Record struct {
	Type         string         `json:"type"`
	RemoteID     string         `json:"remote_id"`
	ChangeTag    string         `json:"change_tag"`
	LastModified time.Time      `json:"last_modified"`
	Deleted      bool           `json:"deleted"`
	Fields       map[string]any `json:"fields"`
}

// Syncable is implemented by every record type participating in sync.
// Implementations are plain structs; the engine never requires a particular
// persistence base type.
type Syncable interface {
	// Meta exposes the entity's sync metadata for the engine to read and
	// update. Application code must not change ChangeTag or Status directly.
	Meta() *Meta

	// RecordType names the remote record type this entity maps to.
	RecordType() string

	// ToRecord converts the payload into its wire form. Sync metadata is
	// copied from Meta; the payload lands in Record.Fields.
	ToRecord() (Record, error)

	// ApplyRecord replaces the payload with the record's fields. It must not
	// modify sync metadata; the engine owns those transitions.
	ApplyRecord(Record) error
}

// Validator is optionally implemented by entities that can detect a corrupt
// payload before it is pushed.
type Validator interface {
	Validate() error
}
