package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jbcrane13/CrabyFace-sub003/internal/common"
	"github.com/jbcrane13/CrabyFace-sub003/internal/dbx"
	"github.com/jbcrane13/CrabyFace-sub003/internal/entity"
)

// SQLiteStore implements Store on the on-device SQLite database. A non-nil
// db marks the root store; transactional views share the root's db but run
// their queries against a *sql.Tx.
type SQLiteStore struct {
	db  *sql.DB
	q   dbx.DBTX
	reg *entity.Registry
}

// NewSQLiteStore wraps an opened database. Most callers use Open instead,
// which also runs migrations.
func NewSQLiteStore(db *sql.DB, reg *entity.Registry) *SQLiteStore {
	return &SQLiteStore{db: db, q: db, reg: reg}
}

const entityColumns = `id, record_type, remote_id, change_tag, last_modified, status, deleted, payload`

func (s *SQLiteStore) FetchPending(ctx context.Context) ([]entity.Syncable, error) {
	query := `SELECT ` + entityColumns + ` FROM entities
		WHERE status IN (?, ?) ORDER BY last_modified ASC`
	rows, err := s.q.QueryContext(ctx, query,
		string(entity.StatusPending), string(entity.StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("failed to select pending entities: %w", err)
	}
	defer rows.Close()

	var result []entity.Syncable
	for rows.Next() {
		e, err := s.scanEntity(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLiteStore) FetchByID(ctx context.Context, id string) (entity.Syncable, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	return s.scanEntityRow(row)
}

func (s *SQLiteStore) FetchByRemoteID(ctx context.Context, remoteID string) (entity.Syncable, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE remote_id = ?`, remoteID)
	return s.scanEntityRow(row)
}

// Upsert writes payload and sync metadata as one row, so a change tag can
// never be committed without the payload it belongs to.
func (s *SQLiteStore) Upsert(ctx context.Context, e entity.Syncable) error {
	rec, err := e.ToRecord()
	if err != nil {
		return fmt.Errorf("failed to serialize entity: %w", err)
	}
	payload, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	m := e.Meta()
	query := `INSERT INTO entities (id, record_type, remote_id, change_tag, last_modified, status, deleted, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			remote_id = excluded.remote_id,
			change_tag = excluded.change_tag,
			last_modified = excluded.last_modified,
			status = excluded.status,
			deleted = excluded.deleted,
			payload = excluded.payload`
	_, err = s.q.ExecContext(ctx, query,
		m.ID, e.RecordType(), m.RemoteID, m.ChangeTag,
		m.LastModified.UTC().UnixNano(), string(m.Status), boolToInt(m.Deleted), payload)
	if err != nil {
		return fmt.Errorf("failed to upsert entity: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Purge(ctx context.Context, id string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to purge entity: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutConflict(ctx context.Context, c Conflict) error {
	local, err := json.Marshal(c.Local)
	if err != nil {
		return fmt.Errorf("failed to marshal local snapshot: %w", err)
	}
	remote, err := json.Marshal(c.Remote)
	if err != nil {
		return fmt.Errorf("failed to marshal remote snapshot: %w", err)
	}
	query := `INSERT INTO conflicts (id, entity_id, record_type, local_record, remote_record, detected_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			local_record = excluded.local_record,
			remote_record = excluded.remote_record,
			detected_at = excluded.detected_at`
	_, err = s.q.ExecContext(ctx, query,
		c.ID, c.EntityID, c.RecordType, local, remote, c.DetectedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to upsert conflict: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (Conflict, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT id, entity_id, record_type, local_record, remote_record, detected_at
		 FROM conflicts WHERE id = ?`, id)
	return scanConflict(row.Scan)
}

func (s *SQLiteStore) ListConflicts(ctx context.Context) ([]Conflict, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, entity_id, record_type, local_record, remote_record, detected_at
		 FROM conflicts ORDER BY detected_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var result []Conflict
	for rows.Next() {
		c, err := scanConflict(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLiteStore) DeleteConflict(ctx context.Context, id string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM conflicts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete conflict: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutAncestor(ctx context.Context, entityID string, rec entity.Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal ancestor snapshot: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO ancestors (entity_id, record) VALUES (?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET record = excluded.record
	`, entityID, b)
	if err != nil {
		return fmt.Errorf("failed to upsert ancestor snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAncestor(ctx context.Context, entityID string) (*entity.Record, error) {
	var b []byte
	err := s.q.QueryRowContext(ctx,
		`SELECT record FROM ancestors WHERE entity_id = ?`, entityID).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ancestor snapshot: %w", err)
	}
	var rec entity.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode ancestor snapshot: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) DeleteAncestor(ctx context.Context, entityID string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM ancestors WHERE entity_id = ?`, entityID); err != nil {
		return fmt.Errorf("failed to delete ancestor snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMeta(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.q.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync_meta[%s]: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) SetMeta(ctx context.Context, key string, value []byte) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set sync_meta[%s]: %w", key, err)
	}
	return nil
}

// InTx runs fn against a transactional view. Nested InTx calls are not
// supported; a transactional view returns an error if asked to nest.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if s.db == nil {
		return fmt.Errorf("nested transactions are not supported: %w", common.ErrInternal)
	}
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return fn(ctx, &SQLiteStore{q: tx, reg: s.reg})
	})
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanEntity(sc scanner) (entity.Syncable, error) {
	var (
		m          entity.Meta
		recordType string
		status     string
		deleted    int
		modified   int64
		payload    []byte
	)
	if err := sc.Scan(&m.ID, &recordType, &m.RemoteID, &m.ChangeTag,
		&modified, &status, &deleted, &payload); err != nil {
		return nil, fmt.Errorf("failed to scan entity row: %w", err)
	}

	parsed, err := entity.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	m.Status = parsed
	m.Deleted = deleted != 0
	m.LastModified = time.Unix(0, modified).UTC()

	e, err := s.reg.New(recordType)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode payload for %s: %w", m.ID, err)
	}
	if err := e.ApplyRecord(entity.Record{Type: recordType, Fields: fields}); err != nil {
		return nil, fmt.Errorf("failed to hydrate entity %s: %w", m.ID, err)
	}
	*e.Meta() = m
	return e, nil
}

func (s *SQLiteStore) scanEntityRow(row *sql.Row) (entity.Syncable, error) {
	e, err := s.scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

func scanConflict(scan func(dest ...any) error) (Conflict, error) {
	var (
		c            Conflict
		local        []byte
		remote       []byte
		detectedNano int64
	)
	if err := scan(&c.ID, &c.EntityID, &c.RecordType, &local, &remote, &detectedNano); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conflict{}, common.ErrNotFound
		}
		return Conflict{}, fmt.Errorf("failed to scan conflict row: %w", err)
	}
	if err := json.Unmarshal(local, &c.Local); err != nil {
		return Conflict{}, fmt.Errorf("failed to decode local snapshot: %w", err)
	}
	if err := json.Unmarshal(remote, &c.Remote); err != nil {
		return Conflict{}, fmt.Errorf("failed to decode remote snapshot: %w", err)
	}
	c.DetectedAt = time.Unix(0, detectedNano).UTC()
	return c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
