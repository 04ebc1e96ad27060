package firmware

import "errors"

var (
	// ErrMissingField is returned for requests without name, version or
	// remoteUrl.
	ErrMissingField = errors.New("firmware: request is missing a required field")

	// errAlreadyAddressed marks a request that matched an in-flight record.
	errAlreadyAddressed = errors.New("firmware: the same operation is already in progress")
)
