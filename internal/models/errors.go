package models

import "errors"

// Failure classes of a reconstruction. None of them is retryable: every
// operation is a deterministic in-memory transform, so the same input fails
// the same way again.
var (
	// ErrConfiguration covers inconsistent box sizes, odd box sizes, missing
	// pixel sizes and invalid settings
	ErrConfiguration = errors.New("configuration error")

	// ErrNumericDegeneracy is raised when CTF evaluation or coordinate
	// rotation produces a non-finite value
	ErrNumericDegeneracy = errors.New("numeric degeneracy")

	// ErrDataConsistency is raised when a particle's tilts are split across
	// half-sets or carry an invalid label
	ErrDataConsistency = errors.New("data consistency error")
)
