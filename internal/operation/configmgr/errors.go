package configmgr

import "errors"

var (
	// ErrUnknownType is returned for a configuration type that is not
	// configured.
	ErrUnknownType = errors.New("configmgr: unknown configuration type")

	// ErrMissingURL is returned when a command carries no transfer URL.
	ErrMissingURL = errors.New("configmgr: missing transfer url")
)
