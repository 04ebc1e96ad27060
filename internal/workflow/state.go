package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nerrad567/gray-logic-agent/internal/entity"
)

// Command statuses. The empty status marks a cleared command.
const (
	StatusInit       = "init"
	StatusScheduled  = "scheduled"
	StatusExecuting  = "executing"
	StatusSuccessful = "successful"
	StatusFailed     = "failed"
)

const (
	keyStatus          = "status"
	keyReason          = "reason"
	keyLogPath         = "logPath"
	keyWorkflowVersion = "@version"

	subCommandPrefix = "sub:"
	unknownReason    = "unknown reason"
)

// CommandQoS is the MQTT QoS of every command state message (at least once).
const CommandQoS byte = 1

// Message is a command state ready to be published. Command states are
// always retained; clearing a command publishes an empty payload.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// CommandState is the state of a command instance as exchanged on the bus.
//
// Payload is a JSON object, or nil once the command is cleared. Status and
// Payload["status"] are kept in sync by every method.
type CommandState struct {
	Topic                string
	Status               string
	Payload              map[string]any
	InvokingCommandTopic string
}

// NewCommandState builds a state and infers the invoking command topic from
// a sub-command id.
func NewCommandState(topic, status string, payload map[string]any) *CommandState {
	if payload != nil {
		payload[keyStatus] = status
	}
	return &CommandState{
		Topic:                topic,
		Status:               status,
		Payload:              payload,
		InvokingCommandTopic: inferInvokingCommandTopic(topic),
	}
}

// FromMessage decodes a command state received on topic. An empty payload
// is a cleared command.
func FromMessage(topic string, payload []byte) (*CommandState, error) {
	s := &CommandState{
		Topic:                topic,
		InvokingCommandTopic: inferInvokingCommandTopic(topic),
	}
	if len(payload) == 0 {
		return s, nil
	}

	v, err := decodeJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	status, ok := textProperty(v, keyStatus)
	if !ok {
		return nil, ErrMissingStatus
	}
	s.Status = status
	s.Payload = v.(map[string]any)
	return s, nil
}

// SubCommandInitState returns the init state of a sub-operation of this
// command, to be executed by target. The sub-command id embeds this
// command's operation and id so the invoking command can be recovered.
func (s *CommandState) SubCommandInitState(target entity.TopicID, subOperation string) *CommandState {
	ct, ok := entity.ParseCommandTopic(s.Topic)
	if !ok {
		return nil
	}
	schema := entity.NewSchema(ct.Root)
	topic := schema.Topic(target, entity.CommandChannel{
		Operation: subOperation,
		CmdID:     SubCommandID(ct.Operation, ct.CmdID),
	})
	return &CommandState{
		Topic:                topic,
		Status:               StatusInit,
		Payload:              map[string]any{keyStatus: StatusInit},
		InvokingCommandTopic: s.Topic,
	}
}

// Message renders the state for publication.
func (s *CommandState) Message() Message {
	msg := Message{Topic: s.Topic, QoS: CommandQoS, Retain: true}
	if s.IsCleared() {
		return msg
	}
	s.Payload[keyStatus] = s.Status
	b, err := json.Marshal(s.Payload)
	if err != nil {
		// Payloads only hold decoded JSON values and JSON-encodable results.
		panic(fmt.Sprintf("workflow: marshalling command payload: %v", err))
	}
	msg.Payload = b
	return msg
}

// Clone returns a deep copy of the state.
func (s *CommandState) Clone() *CommandState {
	c := *s
	if s.Payload != nil {
		c.Payload = deepCopy(s.Payload).(map[string]any)
	}
	return &c
}

// Update applies a status update. The reason, if any, overrides the
// current one.
func (s *CommandState) Update(u StateUpdate) *CommandState {
	s.setText(keyStatus, u.Status)
	if u.Reason != "" {
		s.setText(keyReason, u.Reason)
	}
	s.Status = u.Status
	return s
}

// MoveTo is Update under the name used by step executors.
func (s *CommandState) MoveTo(u StateUpdate) *CommandState {
	return s.Update(u)
}

// UpdateWithJSON merges the top-level properties of v into the payload.
// When the result has no string status, the command fails with
// "Unknown status".
func (s *CommandState) UpdateWithJSON(v any) *CommandState {
	if obj, ok := v.(map[string]any); ok && s.Payload != nil {
		for k, val := range obj {
			s.Payload[k] = val
		}
	}
	status, ok := textProperty(s.Payload, keyStatus)
	if !ok {
		return s.FailWith("Unknown status")
	}
	s.Status = status
	return s
}

// WithKeyValue sets a string property. Setting "status" also changes the
// status.
func (s *CommandState) WithKeyValue(key, value string) *CommandState {
	s.setText(key, value)
	if key == keyStatus {
		s.Status = value
	}
	return s
}

// LogPath returns the "logPath" property.
func (s *CommandState) LogPath() (string, bool) {
	return textProperty(s.Payload, keyLogPath)
}

// SetLogPath sets the "logPath" property.
func (s *CommandState) SetLogPath(path string) *CommandState {
	s.setText(keyLogPath, path)
	return s
}

// WorkflowVersion returns the "@version" property.
func (s *CommandState) WorkflowVersion() (string, bool) {
	return textProperty(s.Payload, keyWorkflowVersion)
}

// SetWorkflowVersion sets the "@version" property.
func (s *CommandState) SetWorkflowVersion(version string) *CommandState {
	s.setText(keyWorkflowVersion, version)
	return s
}

// MergeInto copies this state's status and payload properties into a more
// complete state, overriding the values defined on both sides, and returns
// that state.
func (s *CommandState) MergeInto(into *CommandState) *CommandState {
	into.Status = s.Status
	if into.Payload != nil {
		for k, v := range s.Payload {
			into.Payload[k] = v
		}
	}
	return into
}

// FailWith moves the command to failed with reason.
func (s *CommandState) FailWith(reason string) *CommandState {
	return s.Update(Failed(reason))
}

// Clear marks the command as completed. Its message is an empty retained
// payload that removes the command from the broker.
func (s *CommandState) Clear() *CommandState {
	s.Status = ""
	s.Payload = nil
	return s
}

// FailureReason returns the "reason" property.
func (s *CommandState) FailureReason() (string, bool) {
	return textProperty(s.Payload, keyReason)
}

// RootPrefix returns the root prefix of the command topic.
func (s *CommandState) RootPrefix() string {
	ct, _ := entity.ParseCommandTopic(s.Topic)
	return ct.Root
}

// Target returns the topic id of the entity executing the command.
func (s *CommandState) Target() (entity.TopicID, bool) {
	ct, ok := entity.ParseCommandTopic(s.Topic)
	return ct.Target, ok
}

// Operation returns the operation name of the command topic.
func (s *CommandState) Operation() string {
	ct, _ := entity.ParseCommandTopic(s.Topic)
	return ct.Operation
}

// CmdID returns the command id of the command topic.
func (s *CommandState) CmdID() string {
	ct, _ := entity.ParseCommandTopic(s.Topic)
	return ct.CmdID
}

// InvokingOperationNames returns the operations that led to this command,
// outermost first, excluding the command's own operation.
func (s *CommandState) InvokingOperationNames() []string {
	return ExtractInvokingOperationNames(s.CmdID())
}

func (s *CommandState) IsInit() bool       { return s.Status == StatusInit }
func (s *CommandState) IsScheduled() bool  { return s.Status == StatusScheduled }
func (s *CommandState) IsExecuting() bool  { return s.Status == StatusExecuting }
func (s *CommandState) IsSuccessful() bool { return s.Status == StatusSuccessful }
func (s *CommandState) IsFailed() bool     { return s.Status == StatusFailed }
func (s *CommandState) IsFinished() bool   { return s.IsSuccessful() || s.IsFailed() }
func (s *CommandState) IsCleared() bool    { return s.Payload == nil }

// Phase is the coarse status of a command.
type Phase int

const (
	PhaseUnknown Phase = iota
	PhaseInit
	PhaseScheduled
	PhaseExecuting
	PhaseSuccessful
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return StatusInit
	case PhaseScheduled:
		return StatusScheduled
	case PhaseExecuting:
		return StatusExecuting
	case PhaseSuccessful:
		return StatusSuccessful
	case PhaseFailed:
		return StatusFailed
	default:
		return "unknown"
	}
}

// CommandStatus returns the phase of the command and, when it failed, the
// failure reason ("unknown reason" if none was given).
func (s *CommandState) CommandStatus() (Phase, string) {
	switch s.Status {
	case StatusInit:
		return PhaseInit, ""
	case StatusScheduled:
		return PhaseScheduled, ""
	case StatusExecuting:
		return PhaseExecuting, ""
	case StatusSuccessful:
		return PhaseSuccessful, ""
	case StatusFailed:
		reason, ok := s.FailureReason()
		if !ok {
			reason = unknownReason
		}
		return PhaseFailed, reason
	default:
		return PhaseUnknown, ""
	}
}

func (s *CommandState) setText(key, value string) {
	if s.Payload != nil {
		s.Payload[key] = value
	}
}

// SubCommandID builds the id of a sub-command of the command op/id.
func SubCommandID(op, cmdID string) string {
	return subCommandPrefix + op + ":" + cmdID
}

// ExtractInvokingCommandID strips one level of sub-command id, returning
// the invoking operation and its command id.
func ExtractInvokingCommandID(subCmdID string) (op, cmdID string, ok bool) {
	rest, found := strings.CutPrefix(subCmdID, subCommandPrefix)
	if !found {
		return "", "", false
	}
	return strings.Cut(rest, ":")
}

// ExtractInvokingOperationNames turns "sub:firmware_update:sub:device_profile:robot-123"
// into ["device_profile", "firmware_update"].
func ExtractInvokingOperationNames(cmdID string) []string {
	var ops []string
	for {
		op, rest, ok := ExtractInvokingCommandID(cmdID)
		if !ok {
			break
		}
		ops = append(ops, op)
		cmdID = rest
	}
	for i, j := 0, len(ops)-1; i < j; i, j = i+1, j-1 {
		ops[i], ops[j] = ops[j], ops[i]
	}
	return ops
}

func inferInvokingCommandTopic(topic string) string {
	ct, ok := entity.ParseCommandTopic(topic)
	if !ok {
		return ""
	}
	op, id, ok := ExtractInvokingCommandID(ct.CmdID)
	if !ok {
		return ""
	}
	return entity.CommandTopic{Root: ct.Root, Target: ct.Target, Operation: op, CmdID: id}.String()
}

func textProperty(v any, key string) (string, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	s, ok := obj[key].(string)
	return s, ok
}

// decodeJSON decodes a single JSON value with UseNumber so integers
// survive a round trip.
func decodeJSON(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON value")
	}
	return v, nil
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		c := make(map[string]any, len(t))
		for k, val := range t {
			c[k] = deepCopy(val)
		}
		return c
	case []any:
		c := make([]any, len(t))
		for i, val := range t {
			c[i] = deepCopy(val)
		}
		return c
	default:
		return v
	}
}
