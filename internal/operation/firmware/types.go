package firmware

import (
	"fmt"
	"maps"
	"time"

	"github.com/nerrad567/gray-logic-agent/internal/transfer"
	"github.com/nerrad567/gray-logic-agent/internal/workflow"
)

// Operation names on the bus.
const (
	// UpdateOperation is the request sent to the agent.
	UpdateOperation = "firmware_update"
	// FlashOperation is the work order the agent sends to a child device.
	FlashOperation = "firmware_flash"
)

// Record is the durable state of one in-flight firmware operation. It is
// written before the work order is published and deleted once the child
// reports a terminal status.
type Record struct {
	OperationID     string `json:"operation_id"`
	ChildID         string `json:"child_id"`
	Name            string `json:"name"`
	Version         string `json:"version"`
	ServerURL       string `json:"server_url"`
	FileTransferURL string `json:"file_transfer_url"`
	SHA256          string `json:"sha256"`
	Attempt         int    `json:"attempt"`
	CommandTopic    string `json:"command_topic"`
	// RequestPayload is the firmware_update payload as received, so the
	// states reported after a restart keep the caller's fields.
	RequestPayload map[string]any `json:"request_payload,omitempty"`
}

// Key returns the bookkeeping key of the record.
func (r Record) Key() OperationKey {
	return OperationKey{ChildID: r.ChildID, OperationID: r.OperationID}
}

// sameRequest reports whether req asks for the work this record tracks.
func (r Record) sameRequest(req request) bool {
	return r.ChildID == req.ChildID &&
		r.Name == req.Name &&
		r.Version == req.Version &&
		r.ServerURL == req.URL
}

// workOrder renders the firmware_flash payload sent to the child.
func (r Record) workOrder() map[string]any {
	return map[string]any{
		"operation_id": r.OperationID,
		"name":         r.Name,
		"version":      r.Version,
		"url":          r.FileTransferURL,
		"sha256":       r.SHA256,
		"attempt":      r.Attempt,
	}
}

// OperationKey identifies an active operation.
type OperationKey struct {
	ChildID     string
	OperationID string
}

func (k OperationKey) String() string {
	return k.ChildID + "/" + k.OperationID
}

// ActiveState tracks whether the child acknowledged a work order.
type ActiveState int

const (
	// Pending means the work order was sent and not yet acknowledged.
	Pending ActiveState = iota
	// Executing means the child reported progress.
	Executing
)

func (s ActiveState) String() string {
	if s == Executing {
		return "executing"
	}
	return "pending"
}

// request is a decoded firmware_update command.
type request struct {
	Topic   string
	ChildID string
	Name    string
	Version string
	URL     string
	// Payload is the received payload, unknown fields included.
	Payload map[string]any
}

// payload renders the state reported back on the request topic: the
// received payload with the firmware fields merged over it.
func (r request) payload() map[string]any {
	p := maps.Clone(r.Payload)
	if p == nil {
		p = make(map[string]any, 3)
	}
	p["name"] = r.Name
	p["version"] = r.Version
	p["remoteUrl"] = r.URL
	return p
}

func (r Record) request() request {
	return request{
		Topic:   r.CommandTopic,
		ChildID: r.ChildID,
		Name:    r.Name,
		Version: r.Version,
		URL:     r.ServerURL,
		Payload: r.RequestPayload,
	}
}

func requestFromState(state *workflow.CommandState, childID string) (request, error) {
	req := request{Topic: state.Topic, ChildID: childID, Payload: maps.Clone(state.Payload)}
	req.Name, _ = state.Payload["name"].(string)
	req.Version, _ = state.Payload["version"].(string)
	req.URL, _ = state.Payload["remoteUrl"].(string)
	switch {
	case req.Name == "":
		return req, fmt.Errorf("%w: name", ErrMissingField)
	case req.Version == "":
		return req, fmt.Errorf("%w: version", ErrMissingField)
	case req.URL == "":
		return req, fmt.Errorf("%w: remoteUrl", ErrMissingField)
	}
	return req, nil
}

// input is a message processed by the actor goroutine.
type input interface {
	isInput()
}

type commandMessage struct {
	state   *workflow.CommandState
	childID string
}

type childResponse struct {
	state   *workflow.CommandState
	childID string
}

type timeoutFired struct {
	key        OperationKey
	generation uint64
}

type downloadDone struct {
	operationID string
	result      transfer.DownloadResult
	err         error
}

func (commandMessage) isInput() {}
func (childResponse) isInput()  {}
func (timeoutFired) isInput()   {}
func (downloadDone) isInput()   {}

// slot is the in-memory state of an active operation.
type slot struct {
	state      ActiveState
	generation uint64
	timer      *time.Timer
	started    time.Time
}
