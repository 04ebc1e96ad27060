package software

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownPlugin is returned for a software type without a plugin.
	ErrUnknownPlugin = errors.New("software: no plugin for software type")

	// ErrInvalidUpdateList is returned for a malformed updateList.
	ErrInvalidUpdateList = errors.New("software: invalid update list")
)

// PluginError reports a failed plugin call.
type PluginError struct {
	Type   string
	Action string
	Module string
	Err    error
}

func (e *PluginError) Error() string {
	if e.Module == "" {
		return fmt.Sprintf("Failed to %s %s modules: %v", e.Action, e.Type, e.Err)
	}
	return fmt.Sprintf("Failed to %s %s module %s: %v", e.Action, e.Type, e.Module, e.Err)
}

func (e *PluginError) Unwrap() error { return e.Err }
