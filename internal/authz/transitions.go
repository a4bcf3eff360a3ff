package authz

import "fmt"

// RiskLevel classifies how much scrutiny a role transition deserves.
// It feeds audit severity; it never decides the outcome by itself.
type RiskLevel string

const (
	RiskNone     RiskLevel = "NONE"
	RiskElevated RiskLevel = "ELEVATED"
	RiskHigh     RiskLevel = "HIGH"
)

// highRiskTargets lists roles whose acquisition is always flagged HIGH.
// This is the tunable policy point; the transition rules themselves are
// fixed.
var highRiskTargets = map[Role]struct{}{
	HighestRole(): {},
}

// TransitionDecision is the outcome of validating a role change.
type TransitionDecision struct {
	Allowed bool
	Reason  string
	Risk    RiskLevel
}

// TransitionRisk classifies a role change independent of who requests it.
// Promotions into a high-risk target are HIGH, other promotions ELEVATED,
// demotions and lateral moves NONE.
func TransitionRisk(oldRole, newRole Role) RiskLevel {
	if newRole.Rank() <= oldRole.Rank() {
		return RiskNone
	}
	if _, ok := highRiskTargets[newRole]; ok {
		return RiskHigh
	}
	return RiskElevated
}

// ValidateRoleTransition decides whether acting may move an account from
// oldRole to newRole. The actor must be able to manage both ends of the
// transition. Risk is always populated so denied attempts can be logged
// with the severity the attempt deserved.
func ValidateRoleTransition(oldRole, newRole, acting Role) TransitionDecision {
	d := TransitionDecision{Risk: TransitionRisk(oldRole, newRole)}

	switch {
	case !oldRole.Valid():
		d.Reason = fmt.Sprintf("unknown current role %q", oldRole)
	case !newRole.Valid():
		d.Reason = fmt.Sprintf("unknown target role %q", newRole)
	case !CanManageRole(acting, oldRole):
		d.Reason = fmt.Sprintf("role %s cannot manage accounts with role %s", acting, oldRole)
	case !CanManageRole(acting, newRole):
		d.Reason = fmt.Sprintf("role %s cannot assign role %s", acting, newRole)
	default:
		d.Allowed = true
	}
	return d
}
