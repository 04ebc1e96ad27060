package workflow

// StateUpdate describes the next status of a command, with an optional
// failure reason.
type StateUpdate struct {
	Status string
	Reason string
}

// Scheduled moves a command to "scheduled".
func Scheduled() StateUpdate { return StateUpdate{Status: StatusScheduled} }

// Executing moves a command to "executing".
func Executing() StateUpdate { return StateUpdate{Status: StatusExecuting} }

// Successful moves a command to "successful". It is also the zero-reason
// default outcome of a step.
func Successful() StateUpdate { return StateUpdate{Status: StatusSuccessful} }

// UnknownError fails a command without a reason.
func UnknownError() StateUpdate { return StateUpdate{Status: StatusFailed} }

// Failed fails a command with reason.
func Failed(reason string) StateUpdate { return StateUpdate{Status: StatusFailed, Reason: reason} }

// Timeout fails a command with the reason "timeout".
func Timeout() StateUpdate { return Failed("timeout") }

// JSON renders the update as a command payload fragment.
func (u StateUpdate) JSON() map[string]any {
	obj := map[string]any{keyStatus: u.Status}
	if u.Reason != "" {
		obj[keyReason] = u.Reason
	}
	return obj
}

// InjectInto merges the update into the JSON value returned by a step. The
// status of the update always wins; its reason is only a default used when
// the value has none. A value that is not an object is replaced.
func (u StateUpdate) InjectInto(v any) map[string]any {
	obj, ok := v.(map[string]any)
	if !ok {
		return u.JSON()
	}
	obj[keyStatus] = u.Status
	if _, has := obj[keyReason]; !has && u.Reason != "" {
		obj[keyReason] = u.Reason
	}
	return obj
}

func (u StateUpdate) String() string { return u.Status }

// ReasonOf returns the string "reason" of a JSON value, if any.
func ReasonOf(v any) (string, bool) {
	return textProperty(v, keyReason)
}
