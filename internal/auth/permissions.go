package auth

import "slices"

// Permission is one capability checked by the API routes.
type Permission string

const (
	PermEntityRead  Permission = "entity:read"
	PermEntityWrite Permission = "entity:write"
	PermFileRead    Permission = "file:read"
	PermFileWrite   Permission = "file:write"
	PermEventsRead  Permission = "events:read"
)

var (
	readPermissions = []Permission{PermEntityRead, PermFileRead, PermEventsRead}

	rolePermissions = map[Role][]Permission{
		RoleReader:   readPermissions,
		RoleOperator: append(slices.Clone(readPermissions), PermEntityWrite, PermFileWrite),
	}
)

// HasPermission reports whether role grants perm. Unknown roles grant
// nothing.
func HasPermission(role Role, perm Permission) bool {
	return slices.Contains(rolePermissions[role], perm)
}
