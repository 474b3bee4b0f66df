package auth

import (
	"fmt"
	"strings"
)

// Role is the authorization tag carried by an account and its tokens.
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleOwner       Role = "owner"
	RoleUser        Role = "user"
	RoleMaintenance Role = "maintenance"
)

var roleAliases = map[string]Role{
	"admin":       RoleAdmin,
	"owner":       RoleOwner,
	"renter":      RoleOwner,
	"rent":        RoleOwner,
	"user":        RoleUser,
	"rentee":      RoleUser,
	"maintenance": RoleMaintenance,
}

// ParseRole maps a role name (or one of its legacy aliases) onto the closed
// role set.
func ParseRole(raw string) (Role, error) {
	role, ok := roleAliases[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
	}
	return role, nil
}

// Valid reports whether r is a member of the closed role set.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleOwner, RoleUser, RoleMaintenance:
		return true
	}
	return false
}

// SelfAssignable reports whether a caller may pick r for themselves at
// registration.
func (r Role) SelfAssignable() bool {
	return r == RoleUser || r == RoleOwner
}

func (r Role) String() string { return string(r) }
