// Package resolve decides what happens when the same entity was edited on
// both sides. Given the local and remote versions of one record (same remote
// id, mismatched change tags) it produces an outcome per the configured
// strategy.
package resolve

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/jbcrane13/CrabyFace-sub003/internal/entity"
	"github.com/jbcrane13/CrabyFace-sub003/internal/logging"
)

// Strategy selects how concurrent edits are reconciled. It is chosen per
// sync session, not per entity type.
type Strategy string

const (
	// ServerWins always takes the remote version.
	ServerWins Strategy = "server-wins"
	// ClientWins always takes the local version.
	ClientWins Strategy = "client-wins"
	// MostRecent takes whichever side was modified later; ties go to remote
	// so every device converges on the same answer.
	MostRecent Strategy = "most-recent"
	// FieldMerge resolves each differing payload field toward the side with
	// the newer modification time.
	FieldMerge Strategy = "field-merge"
	// ThreeWay merges against the snapshot taken when the entity was last
	// known synced. Without a snapshot it degrades to MostRecent.
	ThreeWay Strategy = "three-way"
	// Manual defers every conflict to an explicit resolution call.
	Manual Strategy = "manual"
)

// ParseStrategy converts a config string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case ServerWins, ClientWins, MostRecent, FieldMerge, ThreeWay, Manual:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

// Kind is the shape of a resolution outcome.
type Kind int

const (
	// UseLocal keeps the local payload; the entity is re-pushed.
	UseLocal Kind = iota
	// UseRemote overwrites the local payload with the server record.
	UseRemote
	// Merge combines the two sides into the record carried by the outcome.
	Merge
	// Defer records the conflict for manual resolution.
	Defer
)

func (k Kind) String() string {
	switch k {
	case UseLocal:
		return "use-local"
	case UseRemote:
		return "use-remote"
	case Merge:
		return "merge"
	case Defer:
		return "defer"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Outcome is the resolver's decision for one entity.
type Outcome struct {
	Kind Kind
	// Merged is set only when Kind == Merge.
	Merged entity.Record
}

// Resolver applies one strategy to conflicting record pairs.
type Resolver struct {
	strategy Strategy
	log      logging.Logger
}

func New(strategy Strategy, log logging.Logger) *Resolver {
	return &Resolver{strategy: strategy, log: log}
}

// Resolve decides between the local and remote versions of one record.
// Both sides must be in wire form (payload in Fields, normalized by a JSON
// round trip) so field comparison is well defined. ancestor is the snapshot
// captured when the entity was last known synced; nil means none was
// retained, in which case three-way degrades to most-recent.
func (r *Resolver) Resolve(ctx context.Context, local, remote entity.Record, ancestor *entity.Record) Outcome {
	switch r.strategy {
	case ServerWins:
		return Outcome{Kind: UseRemote}
	case ClientWins:
		return Outcome{Kind: UseLocal}
	case MostRecent:
		return mostRecent(local, remote)
	case FieldMerge:
		return fieldMerge(local, remote)
	case ThreeWay:
		if ancestor == nil {
			// Without a common ancestor a three-way
			// merge is impossible, so this entity is resolved by recency.
			r.log.Warn(ctx, "no ancestor snapshot, falling back to most-recent",
				"remote_id", remote.RemoteID)
			return mostRecent(local, remote)
		}
		return threeWay(local, remote, *ancestor)
	case Manual:
		return Outcome{Kind: Defer}
	}
	// Unknown strategies are a wiring bug; deferring is the safe answer.
	r.log.Error(ctx, "unknown conflict strategy, deferring", "strategy", string(r.strategy))
	return Outcome{Kind: Defer}
}

// mostRecent picks the later side; exact ties go to remote.
func mostRecent(local, remote entity.Record) Outcome {
	if local.LastModified.After(remote.LastModified) {
		return Outcome{Kind: UseLocal}
	}
	return Outcome{Kind: UseRemote}
}

// fieldMerge resolves each differing field toward the side whose record was
// modified later. Fields equal on both sides are not considered. When every
// differing field lands on one side the outcome collapses to UseLocal or
// UseRemote instead of emitting a no-op merge.
func fieldMerge(local, remote entity.Record) Outcome {
	diff := differingFields(local.Fields, remote.Fields)
	if len(diff) == 0 {
		// Payloads are identical; adopting the server copy also adopts its
		// change tag, which settles the tag mismatch.
		return Outcome{Kind: UseRemote}
	}

	// Modification time is tracked per record, not per field, so every
	// differing field resolves to the same side and the outcome collapses
	// to that side instead of emitting a no-op merge record.
	if local.LastModified.After(remote.LastModified) {
		return Outcome{Kind: UseLocal}
	}
	return Outcome{Kind: UseRemote}
}

// threeWay merges per field against the common ancestor: a field changed
// only locally is taken from local, changed only remotely from remote, and
// changed on both sides to different values defers the whole entity.
func threeWay(local, remote, ancestor entity.Record) Outcome {
	names := fieldNames(local.Fields, remote.Fields, ancestor.Fields)

	merged := make(map[string]any, len(names))
	localChanges, remoteChanges := 0, 0
	for _, name := range names {
		lv, lok := local.Fields[name]
		rv, rok := remote.Fields[name]
		av, aok := ancestor.Fields[name]

		lChanged := !presentEqual(lv, lok, av, aok)
		rChanged := !presentEqual(rv, rok, av, aok)

		switch {
		case lChanged && rChanged:
			if presentEqual(lv, lok, rv, rok) {
				// Both sides made the same edit.
				if lok {
					merged[name] = lv
				}
				continue
			}
			return Outcome{Kind: Defer}
		case lChanged:
			localChanges++
			if lok {
				merged[name] = lv
			}
		case rChanged:
			remoteChanges++
			if rok {
				merged[name] = rv
			}
		default:
			if aok {
				merged[name] = av
			}
		}
	}

	switch {
	case localChanges == 0:
		return Outcome{Kind: UseRemote}
	case remoteChanges == 0:
		return Outcome{Kind: UseLocal}
	}
	return Outcome{Kind: Merge, Merged: mergedRecord(local, remote, merged)}
}

// mergedRecord builds the record the engine re-pushes after a merge. It
// keeps the server's identity and current change tag so the follow-up push
// passes the optimistic-concurrency check.
func mergedRecord(local, remote entity.Record, fields map[string]any) entity.Record {
	out := remote
	out.Fields = fields
	out.Deleted = false
	if local.LastModified.After(remote.LastModified) {
		out.LastModified = local.LastModified
	}
	return out
}

func differingFields(a, b map[string]any) []string {
	var out []string
	for _, name := range fieldNames(a, b) {
		av, aok := a[name]
		bv, bok := b[name]
		if !presentEqual(av, aok, bv, bok) {
			out = append(out, name)
		}
	}
	return out
}

// fieldNames unions the keys of the given maps in stable order.
func fieldNames(ms ...map[string]any) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range ms {
		for name := range m {
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}

// presentEqual compares two optional field values. Values come from JSON
// round trips, so DeepEqual over the generic forms is exact.
func presentEqual(a any, aok bool, b any, bok bool) bool {
	if aok != bok {
		return false
	}
	if !aok {
		return true
	}
	return reflect.DeepEqual(a, b)
}
