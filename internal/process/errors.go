package process

import (
	"errors"
	"fmt"
)

// ErrEmptyBinary is returned when a Command has no binary.
var ErrEmptyBinary = errors.New("process: binary must not be empty")

// ExitError reports a command that ran but exited with a non-zero status.
type ExitError struct {
	Name     string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s exited with status %d", e.Name, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Name, e.ExitCode, e.Stderr)
}
