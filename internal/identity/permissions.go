package identity

// Permission keys. Handlers reference these in the endpoint table; roles map
// to them through PermissionsForRole.
const (
	PermProfileRead      = "profile.read"
	PermProfileWrite     = "profile.write"
	PermLinksManage      = "links.manage"
	PermPagesManage      = "pages.manage"
	PermAppearanceManage = "appearance.manage"
	PermAnalyticsRead    = "analytics.read"

	PermCredentialsChange  = "credentials.change"
	PermMFAManage          = "mfa.manage"
	PermAPIKeysManage      = "apikeys.manage"
	PermBillingManage      = "billing.manage"
	PermTeamManage         = "team.manage"
	PermSubAccountsManage  = "subaccounts.manage"
	PermAccountDelete      = "account.delete"
	PermSupportImpersonate = "support.impersonate"
)

// Role names.
const (
	RoleUser    = "user"
	RoleSupport = "support"
	RoleAdmin   = "admin"
)

// PermissionsForRole is the single source of truth for role grants. It is a
// pure function of the role name so a role change can never drift from its
// permission set.
func PermissionsForRole(role string) []string {
	switch role {
	case RoleUser:
		return []string{
			PermProfileRead,
			PermProfileWrite,
			PermLinksManage,
			PermPagesManage,
			PermAppearanceManage,
			PermAnalyticsRead,
			PermCredentialsChange,
			PermMFAManage,
			PermAPIKeysManage,
			PermBillingManage,
			PermTeamManage,
			PermSubAccountsManage,
			PermAccountDelete,
		}
	case RoleSupport:
		return []string{
			PermProfileRead,
			PermAnalyticsRead,
			PermSupportImpersonate,
		}
	case RoleAdmin:
		return []string{
			PermProfileRead,
			PermProfileWrite,
			PermLinksManage,
			PermPagesManage,
			PermAppearanceManage,
			PermAnalyticsRead,
			PermCredentialsChange,
			PermMFAManage,
			PermAPIKeysManage,
			PermBillingManage,
			PermTeamManage,
			PermSubAccountsManage,
			PermAccountDelete,
			PermSupportImpersonate,
		}
	default:
		return nil
	}
}

// contextDenied lists permissions that are always refused while acting as a
// sub-account, regardless of the actor's role. Sensitive account surfaces
// stay reachable only from the actor's own session.
var contextDenied = map[string]struct{}{
	PermCredentialsChange: {},
	PermMFAManage:         {},
	PermAPIKeysManage:     {},
	PermBillingManage:     {},
	PermTeamManage:        {},
	PermSubAccountsManage: {},
	PermAccountDelete:     {},
}

// DeniedInContext reports whether the permission is on the acting-as deny
// overlay.
func DeniedInContext(perm string) bool {
	_, ok := contextDenied[perm]
	return ok
}
