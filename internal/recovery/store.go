package recovery

import (
	"context"
	"fmt"
	"strings"
)

// Store keeps durable records of type R keyed by id. Records are encoded as
// JSON, so R must round-trip through encoding/json.
type Store[R any] interface {
	// Put stores record under id, replacing any previous record.
	Put(ctx context.Context, id string, record R) error

	// Get returns the record stored under id, or ErrNotFound.
	Get(ctx context.Context, id string) (R, error)

	// Delete removes the record stored under id. Deleting a missing record
	// is not an error.
	Delete(ctx context.Context, id string) error

	// List returns all stored records.
	List(ctx context.Context) ([]R, error)
}

// validateID rejects ids that are empty or could escape a directory.
func validateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
