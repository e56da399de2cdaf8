package identity

import "time"

// Account is the identity record behind every login and every acting-as
// target. Role and tier are stored by name; the permission set is always
// derived from the role (see PermissionsForRole) and never persisted.
type Account struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	Role         string
	Tier         string

	// AuthDisabled blocks direct authentication. Always true for
	// sub-accounts; may be set by operators for regular accounts.
	AuthDisabled bool
	IsSubAccount bool

	EmailMFAEnabled bool
	TOTPEnabled     bool
	// TOTPSecretEnc is the AES-GCM-encrypted TOTP seed. Never stored or
	// logged in the clear.
	TOTPSecretEnc []byte

	CreatedAt time.Time
}

// MFAEnabled reports whether login must pass through the MFA session gate.
func (a *Account) MFAEnabled() bool {
	return a.EmailMFAEnabled || a.TOTPEnabled
}

// MFAMethods lists the second factors the account can complete.
func (a *Account) MFAMethods() []string {
	var methods []string
	if a.EmailMFAEnabled {
		methods = append(methods, "email")
	}
	if a.TOTPEnabled {
		methods = append(methods, "totp")
	}
	return methods
}

// Relationship statuses.
const (
	RelationshipActive    = "active"
	RelationshipSuspended = "suspended"
	RelationshipDeleted   = "deleted"
)

// ParentRelationship links a sub-account to its owning parent. A sub-account
// has at most one active relationship and a parent is never itself a
// sub-account.
type ParentRelationship struct {
	SubAccountID string
	ParentID     string
	Type         string
	Status       string
	CreatedAt    time.Time
}

// RefreshToken is the persisted half of a refresh credential. The wire form
// is "<id>.<secret>"; only the SHA-256 of the secret is stored. Valid flips
// to false exactly once, on rotation or revocation.
type RefreshToken struct {
	ID        string
	AccountID string
	TokenHash string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Valid     bool
}

// SeatPack is a purchased allotment of sub-account seats, independent of the
// subscription tier.
type SeatPack struct {
	ID        string
	AccountID string
	Seats     int
	ExpiresAt time.Time
	CreatedAt time.Time
}

// MfaSession is the short-lived state machine record gating login completion.
// It lives in Redis under a 10-minute TTL and is deleted on success or
// exhaustion.
type MfaSession struct {
	ID        string
	AccountID string

	EmailEnabled bool
	TOTPEnabled  bool

	// EmailCodeHash is the SHA-256 hex of the current emailed code. The
	// plaintext code is never persisted or logged.
	EmailCodeHash string

	AttemptsRemaining int

	CreatedAt    int64
	ExpiresAt    int64
	LastResendAt int64
}

// Methods lists the factors available on this session, in the order they are
// advertised to the client.
func (s *MfaSession) Methods() []string {
	var methods []string
	if s.EmailEnabled {
		methods = append(methods, "email")
	}
	if s.TOTPEnabled {
		methods = append(methods, "totp")
	}
	return methods
}

// ActingContext is the acting-as claim bundle carried by access tokens when
// a parent operates a sub-account.
type ActingContext struct {
	AccountID string
	Username  string
}
