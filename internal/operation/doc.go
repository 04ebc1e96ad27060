// Package operation holds the plumbing shared by the operation actors.
//
// Each actor (firmware, software, configmgr, logmgr) owns its state in a
// single goroutine and talks to the outside world through the small
// interfaces defined here: a Publisher for command states, a Metrics hook
// for outcome reporting, and a VersionGuard that stops the agent after it
// has updated its own binary.
package operation
