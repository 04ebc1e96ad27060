// Package workflow models command states as they travel on the bus.
//
// A command lives on a retained topic such as
// te/device/child1///cmd/firmware_update/c8y-1. Its payload is a JSON object
// whose "status" moves from init through executing to successful or failed.
// Every other property belongs to the caller and is kept across
// transitions. Publishing an empty payload clears the command.
//
// Sub-commands carry the invoking command in their id, e.g.
// "sub:firmware_update:c8y-1", so the invoking topic can be recovered from
// the sub-command alone.
//
// Excerpts select values of one state into another, using "${.payload.x}"
// path expressions.
package workflow
