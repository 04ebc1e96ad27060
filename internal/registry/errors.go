package registry

import (
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-agent/internal/entity"
)

// Domain errors for the registry package.
//
// The typed errors below unwrap to these sentinels, so callers can use
// either errors.Is or errors.As.
var (
	ErrAlreadyRegistered   = errors.New("registry: entity already registered")
	ErrUnknownEntity       = errors.New("registry: unknown entity")
	ErrNoParent            = errors.New("registry: parent does not exist")
	ErrInvalidParent       = errors.New("registry: invalid parent")
	ErrMainDevice          = errors.New("The main device cannot be deleted")
	ErrIncompatibleFilters = errors.New("The provided parameters: root and parent are mutually exclusive. Use either one.")
	ErrStopped             = errors.New("registry: not running")
)

// AlreadyRegisteredError is returned when registering an id that is
// already known with different metadata.
type AlreadyRegisteredError struct {
	ID entity.TopicID
}

func (e *AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("An entity with topic id: %s is already registered", e.ID)
}

func (e *AlreadyRegisteredError) Unwrap() error { return ErrAlreadyRegistered }

// UnknownEntityError is returned for operations on an unregistered id.
type UnknownEntityError struct {
	ID entity.TopicID
}

func (e *UnknownEntityError) Error() string {
	return fmt.Sprintf("The specified entity: %s does not exist in the entity store", e.ID)
}

func (e *UnknownEntityError) Unwrap() error { return ErrUnknownEntity }

// NoParentError is returned when the given parent is not registered.
type NoParentError struct {
	Parent entity.TopicID
}

func (e *NoParentError) Error() string {
	return fmt.Sprintf("The specified parent %q does not exist in the entity store", e.Parent.String())
}

func (e *NoParentError) Unwrap() error { return ErrNoParent }

// InvalidParentError is returned when a parent change would make an entity
// its own ancestor.
type InvalidParentError struct {
	ID     entity.TopicID
	Parent entity.TopicID
}

func (e *InvalidParentError) Error() string {
	return fmt.Sprintf("The entity %s cannot be a descendant of itself (parent %s)", e.ID, e.Parent)
}

func (e *InvalidParentError) Unwrap() error { return ErrInvalidParent }
