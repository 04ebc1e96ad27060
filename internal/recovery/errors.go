package recovery

import "errors"

// Domain errors for the recovery package.
var (
	// ErrNotFound is returned by Get when no record is stored under an id.
	ErrNotFound = errors.New("recovery: record not found")

	// ErrInvalidID is returned for ids that cannot be used as a key.
	ErrInvalidID = errors.New("recovery: invalid record id")

	// ErrCorruptRecord marks records skipped by List because they could
	// not be decoded. The other records are still returned.
	ErrCorruptRecord = errors.New("recovery: corrupt record")
)
