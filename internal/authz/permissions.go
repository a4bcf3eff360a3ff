package authz

import "strings"

// Permission names an allowed action. Permissions ending in ":own" are
// ownership scoped: they grant access only to resources the actor owns.
type Permission string

const (
	PermUserRead     Permission = "user:read"
	PermUserWrite    Permission = "user:write"
	PermUserDelete   Permission = "user:delete"
	PermUserReadOwn  Permission = "user:read:own"
	PermUserWriteOwn Permission = "user:write:own"

	PermOrderRead    Permission = "order:read"
	PermOrderReadOwn Permission = "order:read:own"
	PermOrderRefund  Permission = "order:refund"

	PermSubscriptionRead      Permission = "subscription:read"
	PermSubscriptionReadOwn   Permission = "subscription:read:own"
	PermSubscriptionCancel    Permission = "subscription:cancel"
	PermSubscriptionCancelOwn Permission = "subscription:cancel:own"

	PermProductRead   Permission = "product:read"
	PermProductWrite  Permission = "product:write"
	PermProductDelete Permission = "product:delete"

	PermTagRead   Permission = "tag:read"
	PermTagWrite  Permission = "tag:write"
	PermTagDelete Permission = "tag:delete"

	PermAuditRead  Permission = "audit:read"
	PermAuditPurge Permission = "audit:purge"

	PermTokenWrite  Permission = "token:write"
	PermWebhookRead Permission = "webhook:read"
)

// rolePermissions is the complete access table. There is no implicit
// inheritance between roles; what is listed is what a role holds.
var rolePermissions = map[Role]map[Permission]struct{}{
	RoleCustomer: permSet(
		PermUserReadOwn,
		PermUserWriteOwn,
		PermOrderReadOwn,
		PermSubscriptionReadOwn,
		PermSubscriptionCancelOwn,
		PermProductRead,
		PermTagRead,
	),
	RoleSupport: permSet(
		PermUserRead,
		PermOrderRead,
		PermOrderRefund,
		PermSubscriptionRead,
		PermSubscriptionCancel,
		PermProductRead,
		PermTagRead,
		PermWebhookRead,
	),
	RoleAdmin: permSet(
		PermUserRead,
		PermUserWrite,
		PermUserDelete,
		PermOrderRead,
		PermOrderRefund,
		PermSubscriptionRead,
		PermSubscriptionCancel,
		PermProductRead,
		PermProductWrite,
		PermProductDelete,
		PermTagRead,
		PermTagWrite,
		PermTagDelete,
		PermAuditRead,
		PermAuditPurge,
		PermTokenWrite,
		PermWebhookRead,
	),
}

func permSet(perms ...Permission) map[Permission]struct{} {
	set := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// AllPermissions returns every permission at least one role holds.
func AllPermissions() []Permission {
	seen := make(map[Permission]struct{})
	var out []Permission
	for _, role := range roleOrder {
		for p := range rolePermissions[role] {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// HasPermission consults the static table. Unknown roles hold nothing.
func HasPermission(role Role, perm Permission) bool {
	set, ok := rolePermissions[role]
	if !ok {
		return false
	}
	_, ok = set[perm]
	return ok
}

// PermissionsFor returns a copy of the role's permission set.
func PermissionsFor(role Role) map[Permission]struct{} {
	src := rolePermissions[role]
	out := make(map[Permission]struct{}, len(src))
	for p := range src {
		out[p] = struct{}{}
	}
	return out
}

// MinimumRoleFor returns the lowest-ranked role holding perm.
func MinimumRoleFor(perm Permission) (Role, bool) {
	for _, role := range roleOrder {
		if HasPermission(role, perm) {
			return role, true
		}
	}
	return "", false
}

// OwnershipScoped reports whether the permission applies only to owned
// resources.
func (p Permission) OwnershipScoped() bool {
	return strings.HasSuffix(string(p), ":own")
}

// Global returns the unscoped counterpart of an ownership-scoped
// permission ("order:read:own" -> "order:read"). Unscoped permissions
// return themselves.
func (p Permission) Global() Permission {
	return Permission(strings.TrimSuffix(string(p), ":own"))
}
