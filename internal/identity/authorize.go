package identity

import "fmt"

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	// Reason is a machine-readable denial cause, empty on allow.
	Reason string
	// MissingPermission names the first unmet requirement, when applicable.
	MissingPermission string
}

// Denial reasons.
const (
	DenyUnmappedEndpoint  = "endpoint_not_mapped"
	DenyContextOverlay    = "denied_in_context"
	DenyMissingPermission = "missing_permission"
)

// Evaluator decides (claims, endpoint) -> allow/deny against a static
// endpoint table resolved at startup. Endpoints absent from the table are
// denied; an entry with an empty requirement list means the endpoint needs
// authentication but no specific permission.
type Evaluator struct {
	endpoints map[string][]string
}

// NewEvaluator builds an evaluator over the endpoint permission table.
func NewEvaluator(endpoints map[string][]string) *Evaluator {
	table := make(map[string][]string, len(endpoints))
	for k, v := range endpoints {
		table[k] = append([]string(nil), v...)
	}
	return &Evaluator{endpoints: table}
}

// Known reports whether the endpoint has a table entry. The HTTP layer uses
// this at startup to verify every protected route is mapped.
func (e *Evaluator) Known(endpoint string) bool {
	_, ok := e.endpoints[endpoint]
	return ok
}

// Authorize evaluates the claims against the endpoint's requirements. The
// acting-as overlay is consulted first and wins over any role grant; the
// role's permission set is recomputed from the role name on every call so a
// stale permission list inside the token can never widen access.
func (e *Evaluator) Authorize(claims *Claims, endpoint string) Decision {
	required, ok := e.endpoints[endpoint]
	if !ok {
		return Decision{Reason: DenyUnmappedEndpoint}
	}

	if claims.IsSubAccountContext {
		for _, perm := range required {
			if DeniedInContext(perm) {
				return Decision{Reason: DenyContextOverlay, MissingPermission: perm}
			}
		}
	}

	granted := make(map[string]struct{})
	for _, perm := range PermissionsForRole(claims.Role) {
		granted[perm] = struct{}{}
	}
	for _, perm := range required {
		if _, ok := granted[perm]; !ok {
			return Decision{Reason: DenyMissingPermission, MissingPermission: perm}
		}
	}
	return Decision{Allowed: true}
}

// Err converts a denial into the boundary error carrying the unmet
// permission for server-side logging.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	if d.MissingPermission != "" {
		return fmt.Errorf("%w: %s (%s)", ErrPermissionDenied, d.Reason, d.MissingPermission)
	}
	return fmt.Errorf("%w: %s", ErrPermissionDenied, d.Reason)
}
