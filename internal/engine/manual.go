package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/jbcrane13/CrabyFace-sub003/internal/common"
	"github.com/jbcrane13/CrabyFace-sub003/internal/entity"
	"github.com/jbcrane13/CrabyFace-sub003/internal/resolve"
	"github.com/jbcrane13/CrabyFace-sub003/internal/store"
)

// Resolution is a user's verdict on a recorded conflict. Fields is consulted
// only for Merge and carries the hand-picked payload.
type Resolution struct {
	Kind   resolve.Kind
	Fields map[string]any
}

// ResolveConflict applies a user decision to a conflict recorded under the
// manual strategy and removes the record. Choosing the local or merged
// payload marks the entity pending so the next cycle pushes it.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, r Resolution) error {
	c, err := e.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	en, err := e.store.FetchByID(ctx, c.EntityID)
	if err != nil {
		return err
	}
	m := en.Meta()

	err = e.store.InTx(ctx, func(ctx context.Context, tx store.Store) error {
		switch r.Kind {
		case resolve.UseLocal:
			m.ChangeTag = c.Remote.ChangeTag
			m.Status = entity.StatusPending
			if err := tx.Upsert(ctx, en); err != nil {
				return err
			}

		case resolve.UseRemote:
			if c.Remote.Deleted {
				if err := tx.Purge(ctx, m.ID); err != nil {
					return err
				}
				if err := tx.DeleteAncestor(ctx, m.ID); err != nil {
					return err
				}
				return tx.DeleteConflict(ctx, conflictID)
			}
			if err := en.ApplyRecord(c.Remote); err != nil {
				return err
			}
			m.RemoteID = c.Remote.RemoteID
			m.ChangeTag = c.Remote.ChangeTag
			m.LastModified = c.Remote.LastModified
			m.Status = entity.StatusSynced
			m.Deleted = false
			if err := tx.Upsert(ctx, en); err != nil {
				return err
			}
			if err := tx.PutAncestor(ctx, m.ID, c.Remote); err != nil {
				return err
			}

		case resolve.Merge:
			rec := c.Remote
			rec.Fields = r.Fields
			if err := en.ApplyRecord(rec); err != nil {
				return err
			}
			m.ChangeTag = c.Remote.ChangeTag
			m.LastModified = time.Now().UTC()
			m.Status = entity.StatusPending
			m.Deleted = false
			if err := tx.Upsert(ctx, en); err != nil {
				return err
			}

		default:
			return fmt.Errorf("resolution %s not applicable to a recorded conflict: %w",
				r.Kind, common.ErrInternal)
		}
		return tx.DeleteConflict(ctx, conflictID)
	})
	return err
}
