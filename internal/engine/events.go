package engine

import "github.com/jbcrane13/CrabyFace-sub003/internal/store"

// State is the coordinator's position in its cycle state machine.
type State string

const (
	StateIdle        State = "idle"
	StateUploading   State = "uploading"
	StateDownloading State = "downloading"
	StateResolving   State = "resolving"
	StateFinalizing  State = "finalizing"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// Result summarizes one sync cycle. It is produced fresh per cycle and never
// mutated after return; after a cycle-level abort it reflects the work that
// committed before the abort.
type Result struct {
	Uploaded   int
	Downloaded int
	Conflicts  int
	Errors     []error
}

// Event is one of the typed notifications emitted during a cycle. Per cycle
// the order is fixed: Started, zero or more Progress/ConflictDetected, then
// exactly one of Completed or Failed.
type Event interface{ syncEvent() }

// Started marks the beginning of a cycle.
type Started struct{}

// Progress reports upload progress in entities.
type Progress struct {
	Completed int
	Total     int
}

// ConflictDetected reports a conflict deferred to manual resolution.
type ConflictDetected struct {
	Conflict store.Conflict
}

// Completed carries the final result of a successful cycle.
type Completed struct {
	Result Result
}

// Failed carries the error that aborted the cycle.
type Failed struct {
	Err error
}

func (Started) syncEvent()          {}
func (Progress) syncEvent()         {}
func (ConflictDetected) syncEvent() {}
func (Completed) syncEvent()        {}
func (Failed) syncEvent()           {}

// Listener receives engine events. Listeners run synchronously on the sync
// goroutine and must not block.
type Listener func(Event)
