package core

import "errors"

var (
	// ErrNotFound is returned when a document or job does not exist, or is
	// not visible to the requesting owner.
	ErrNotFound = errors.New("not found")

	// ErrJobConflict is returned when a conditional job update matched no row
	// because another writer moved the job first.
	ErrJobConflict = errors.New("job state changed concurrently")

	// ErrDimensionMismatch is returned when a vector does not match the width
	// of its embedding space.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)
