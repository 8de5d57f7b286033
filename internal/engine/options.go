package engine

import (
	"fmt"
	"time"

	"github.com/jbcrane13/CrabyFace-sub003/internal/resolve"
)

// Direction restricts which halves of a cycle run.
type Direction string

const (
	DirectionBidirectional Direction = "bidirectional"
	DirectionUpload        Direction = "upload"
	DirectionDownload      Direction = "download"
)

// ParseDirection converts a config string into a Direction.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirectionBidirectional, DirectionUpload, DirectionDownload:
		return Direction(s), nil
	}
	return "", fmt.Errorf("unknown sync direction %q", s)
}

// Options configures one sync cycle. Start from DefaultOptions and override;
// the engine never mutates Options mid-cycle.
type Options struct {
	Direction        Direction
	BatchSize        int
	PropagateDeletes bool
	Strategy         resolve.Strategy
	// RetryAttempts bounds backed-off retries of transient remote failures.
	RetryAttempts int
	// Timeout applies per network call, not per cycle.
	Timeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		Direction:        DirectionBidirectional,
		BatchSize:        50,
		PropagateDeletes: true,
		Strategy:         resolve.MostRecent,
		RetryAttempts:    3,
		Timeout:          30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Direction == "" {
		o.Direction = def.Direction
	}
	if o.BatchSize <= 0 {
		o.BatchSize = def.BatchSize
	}
	if o.Strategy == "" {
		o.Strategy = def.Strategy
	}
	if o.RetryAttempts < 0 {
		o.RetryAttempts = 0
	}
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	return o
}
