package logmgr

import "errors"

var (
	// ErrUnknownType is returned for a log type that is not configured.
	ErrUnknownType = errors.New("logmgr: unknown log type")

	// ErrMissingURL is returned when a command carries no upload URL.
	ErrMissingURL = errors.New("logmgr: missing tedgeUrl")

	// ErrInvalidLines is returned for a non-positive or non-numeric lines
	// property.
	ErrInvalidLines = errors.New("logmgr: invalid lines")
)
