package operation

import "errors"

var (
	// ErrNotRunningLatestVersion is returned by VersionGuard.Check when the
	// installed agent binary is newer than the running process. Callers
	// treat it as fatal so the service manager restarts the agent.
	ErrNotRunningLatestVersion = errors.New("operation: the agent is not running the latest installed version")

	// ErrStopped is returned when a message is sent to an actor that has
	// shut down.
	ErrStopped = errors.New("operation: actor stopped")
)
