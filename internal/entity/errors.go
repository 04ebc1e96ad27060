package entity

import (
	"errors"
	"fmt"
)

// Domain errors for the entity package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, entity.ErrInvalidTopicID) {
//	    // malformed identity
//	}
var (
	// ErrInvalidTopicID is wrapped by every TopicIDError.
	ErrInvalidTopicID = errors.New("entity: invalid topic id")

	// ErrResourceNotFound is returned by ParsePath for paths that do not
	// address an entity resource at all.
	ErrResourceNotFound = errors.New("entity: resource not found")

	// ErrNotEntityTopic is returned when a bus topic does not follow the
	// <root>/<4 segments>/<channel> layout.
	ErrNotEntityTopic = errors.New("entity: not an entity topic")

	// ErrInvalidEntityType is returned for an unknown @type value.
	ErrInvalidEntityType = errors.New("entity: invalid entity type")
)

// TopicIDError reports a malformed entity topic identifier.
type TopicIDError struct {
	msg string
}

func (e *TopicIDError) Error() string { return e.msg }

// Unwrap lets callers match any TopicIDError with ErrInvalidTopicID.
func (e *TopicIDError) Unwrap() error { return ErrInvalidTopicID }

// InvalidTwinKeyError is returned when a twin fragment key is empty,
// contains '/' or starts with '@'.
type InvalidTwinKeyError struct {
	Key string
}

func (e *InvalidTwinKeyError) Error() string {
	return fmt.Sprintf("Invalid twin key: '%s'. Keys that are empty, containing '/' or starting with '@' are not allowed", e.Key)
}

// UnsupportedChannelError is returned by ParsePath when the path addresses
// a channel the entity store does not serve (commands, health, ...).
type UnsupportedChannelError struct {
	Channel string
}

func (e *UnsupportedChannelError) Error() string {
	return fmt.Sprintf("Actions on channel: %s are not supported", e.Channel)
}
