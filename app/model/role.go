package model

import "strings"

// Role selects the assistant persona for a thread. Unknown values collapse to
// RoleDefault at the boundary.
type Role string

const (
	RoleDefault  Role = "default"
	RoleReferrer Role = "referrer"
	RoleVendor   Role = "vendor"
	RoleHost     Role = "host"
)

var knownRoles = map[string]Role{
	"referrer": RoleReferrer,
	"vendor":   RoleVendor,
	"host":     RoleHost,
}

func ParseRole(s string) Role {
	if role, ok := knownRoles[strings.ToLower(strings.TrimSpace(s))]; ok {
		return role
	}

	return RoleDefault
}

func (r Role) String() string {
	return string(r)
}
