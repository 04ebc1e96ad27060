package auth

import (
	"errors"
	"slices"
)

// Role is the authorisation tier carried by a token.
type Role string

const (
	// RoleReader inspects the entity store, downloads files and follows
	// command events.
	RoleReader Role = "reader"
	// RoleOperator also changes the entity store and the file area.
	RoleOperator Role = "operator"
)

// ValidRoles lists the roles a token may carry.
var ValidRoles = []Role{RoleReader, RoleOperator}

// IsValidRole reports whether r is one of ValidRoles.
func IsValidRole(r Role) bool {
	return slices.Contains(ValidRoles, r)
}

var (
	ErrTokenInvalid = errors.New("auth: invalid token")
	ErrForbidden    = errors.New("auth: insufficient permissions")
	ErrInvalidRole  = errors.New("auth: invalid role")
)
