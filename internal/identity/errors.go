package identity

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuthenticationFailed covers bad credentials and directly disabled
	// sub-accounts. The message is deliberately generic so callers cannot
	// probe which accounts exist or which are sub-accounts.
	ErrAuthenticationFailed = errors.New("identity: authentication failed")

	// ErrAuthDisabled is returned for accounts an operator has disabled.
	// Sub-accounts never surface this error; they fail generically.
	ErrAuthDisabled = errors.New("identity: authentication disabled for account")

	ErrMfaSessionExpired   = errors.New("identity: mfa session expired")
	ErrMfaInvalidCode      = errors.New("identity: invalid mfa code")
	ErrMfaAttemptsExceeded = errors.New("identity: mfa attempts exceeded")
	ErrMfaNotEnabled       = errors.New("identity: mfa not enabled")

	ErrTokenExpired   = errors.New("identity: token expired")
	ErrTokenInvalid   = errors.New("identity: token invalid")
	ErrRefreshInvalid = errors.New("identity: refresh token invalid")

	ErrPermissionDenied = errors.New("identity: permission denied")

	// ErrContextForbidden is returned when an acting-as switch targets an
	// account the actor does not own or whose relationship is not active.
	ErrContextForbidden = errors.New("identity: context forbidden")

	ErrTierCapacityExceeded = errors.New("identity: seat capacity exceeded")
	ErrUsernameTaken        = errors.New("identity: username already taken")
	ErrHasSubAccounts       = errors.New("identity: account still owns active sub-accounts")

	ErrNotFound = errors.New("identity: not found")

	// ErrNestedRelationship marks a data-integrity violation: a relationship
	// whose parent is itself a sub-account. Nesting is forbidden by product
	// policy and never followed.
	ErrNestedRelationship = errors.New("identity: nested sub-account relationship")
)

// CooldownError reports a caller-visible backoff, e.g. the 60-second MFA
// resend window.
type CooldownError struct {
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("identity: cooldown active, retry in %s", e.RetryAfter.Round(time.Second))
}
