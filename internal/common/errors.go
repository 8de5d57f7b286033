// Package common defines sentinel errors shared across the sync engine's
// layers. Callers match them with errors.Is.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Engine-level errors.
	ErrInternal      = errors.New("internal error")
	ErrInvalidEntity = errors.New("entity failed validation")
)
