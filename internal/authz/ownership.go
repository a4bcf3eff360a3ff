package authz

// Resource type names used by the ownership table and by audit records.
const (
	ResourceUser          = "user"
	ResourceSession       = "session"
	ResourceOrder         = "order"
	ResourceSubscription  = "subscription"
	ResourcePaymentMethod = "payment_method"
)

// ownerFields configures, per resource type, which record field names the
// owning user. Resource types absent from this table never pass an
// ownership check.
var ownerFields = map[string]string{
	ResourceUser:          "id",
	ResourceSession:       "user_id",
	ResourceOrder:         "user_id",
	ResourceSubscription:  "user_id",
	ResourcePaymentMethod: "user_id",
}

// Record is implemented by domain types that can present themselves as a
// flat field map. The same representation feeds audit diffs.
type Record interface {
	Record() map[string]any
}

// ValidateResourceAccess decides whether an actor may act on a concrete
// resource. A role holding the unscoped counterpart of perm is granted
// regardless of ownership. Otherwise the role must hold the
// ownership-scoped permission and the resource's configured owner field
// must equal actorID. Any missing table entry, unusable resource value,
// or absent field denies.
func ValidateResourceAccess(role Role, actorID string, resource any, resourceType string, perm Permission) bool {
	if !perm.OwnershipScoped() {
		return HasPermission(role, perm)
	}
	if HasPermission(role, perm.Global()) {
		return true
	}
	if !HasPermission(role, perm) {
		return false
	}
	if actorID == "" {
		return false
	}

	field, ok := ownerFields[resourceType]
	if !ok {
		return false
	}
	owner, ok := ownerValue(resource, field)
	if !ok || owner == "" {
		return false
	}
	return owner == actorID
}

func ownerValue(resource any, field string) (string, bool) {
	var rec map[string]any
	switch r := resource.(type) {
	case nil:
		return "", false
	case map[string]any:
		rec = r
	case Record:
		rec = r.Record()
	default:
		return "", false
	}
	v, ok := rec[field]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
