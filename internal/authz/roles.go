// Package authz holds the static access-control configuration: the role
// hierarchy, the role to permission table, role transition policy, and
// resource ownership checks. Everything here is pure and process-wide
// read-only; nothing mutates at runtime.
package authz

import "fmt"

// Role is one of a fixed set of account roles, totally ordered by rank.
type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleSupport  Role = "SUPPORT"
	RoleAdmin    Role = "ADMIN"
)

// roleOrder lists roles ascending by privilege. Rank is the index.
var roleOrder = []Role{RoleCustomer, RoleSupport, RoleAdmin}

var roleRanks = func() map[Role]int {
	m := make(map[Role]int, len(roleOrder))
	for i, r := range roleOrder {
		m[r] = i
	}
	return m
}()

// Roles returns all roles ascending by rank.
func Roles() []Role {
	out := make([]Role, len(roleOrder))
	copy(out, roleOrder)
	return out
}

// ParseRole validates a wire-format role string.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if _, ok := roleRanks[r]; !ok {
		return "", fmt.Errorf("authz: unknown role %q", s)
	}
	return r, nil
}

// Rank returns the hierarchy rank; higher means more privilege.
// Unknown roles rank below every valid role.
func (r Role) Rank() int {
	rank, ok := roleRanks[r]
	if !ok {
		return -1
	}
	return rank
}

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool {
	_, ok := roleRanks[r]
	return ok
}

func (r Role) String() string { return string(r) }

// HighestRole returns the top of the hierarchy.
func HighestRole() Role { return roleOrder[len(roleOrder)-1] }

// CanManageRole reports whether acting may manage (assign, modify,
// deactivate) accounts holding target. The comparison is strict: a role
// never manages itself or anything above it.
func CanManageRole(acting, target Role) bool {
	if !acting.Valid() || !target.Valid() {
		return false
	}
	return acting.Rank() > target.Rank()
}
