package transfer

import (
	"errors"
	"fmt"
)

// Domain errors for the transfer package.
var (
	// ErrInvalidURL is returned for URLs that are not http or https.
	ErrInvalidURL = errors.New("transfer: invalid url")

	// ErrCacheMiss is returned when a cache entry does not exist.
	ErrCacheMiss = errors.New("transfer: not in cache")
)

// StatusError reports an unexpected HTTP response status.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %s", e.Method, e.URL, e.Status)
}

// Temporary reports whether retrying may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == 429 || e.Code == 408
}
