package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"biolinq.io/internal/audit"
	"biolinq.io/internal/identity"
	"biolinq.io/internal/ratelimit"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the uniform error body. The message stays generic; the
// machine code is what clients branch on.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error":      message,
		"code":       code,
		"request_id": audit.RequestIDFromContext(r.Context()),
	})
}

// writeDomainError maps a domain error onto the HTTP taxonomy. Unknown
// errors become an opaque 500; the detail stays in the server log.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var cooldown *identity.CooldownError
	var limited *ratelimit.LimitedError

	switch {
	case errors.Is(err, identity.ErrAuthenticationFailed):
		writeError(w, r, http.StatusUnauthorized, "AUTHENTICATION_FAILED", "authentication failed")
	case errors.Is(err, identity.ErrAuthDisabled):
		writeError(w, r, http.StatusForbidden, "AUTH_DISABLED", "authentication is disabled for this account")
	case errors.Is(err, identity.ErrMfaSessionExpired):
		writeError(w, r, http.StatusUnauthorized, "MFA_SESSION_EXPIRED", "verification session expired")
	case errors.Is(err, identity.ErrMfaAttemptsExceeded):
		writeError(w, r, http.StatusUnauthorized, "MFA_ATTEMPTS_EXCEEDED", "too many failed attempts")
	case errors.Is(err, identity.ErrMfaInvalidCode):
		writeError(w, r, http.StatusBadRequest, "MFA_INVALID_CODE", "invalid verification code")
	case errors.Is(err, identity.ErrMfaNotEnabled):
		writeError(w, r, http.StatusBadRequest, "MFA_NOT_ENABLED", "two-factor authentication is not enabled")
	case errors.Is(err, identity.ErrTokenExpired):
		writeError(w, r, http.StatusUnauthorized, "TOKEN_EXPIRED", "token expired")
	case errors.Is(err, identity.ErrTokenInvalid):
		writeError(w, r, http.StatusUnauthorized, "TOKEN_INVALID", "invalid token")
	case errors.Is(err, identity.ErrRefreshInvalid):
		writeError(w, r, http.StatusUnauthorized, "REFRESH_INVALID", "invalid refresh token")
	case errors.Is(err, identity.ErrPermissionDenied):
		writeError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "permission denied")
	case errors.Is(err, identity.ErrContextForbidden):
		writeError(w, r, http.StatusForbidden, "CONTEXT_FORBIDDEN", "context switch not permitted")
	case errors.Is(err, identity.ErrTierCapacityExceeded):
		writeError(w, r, http.StatusForbidden, "TIER_CAPACITY_EXCEEDED", "plan capacity exceeded")
	case errors.Is(err, identity.ErrUsernameTaken):
		writeError(w, r, http.StatusBadRequest, "USERNAME_TAKEN", "username is already taken")
	case errors.Is(err, identity.ErrHasSubAccounts):
		writeError(w, r, http.StatusBadRequest, "HAS_SUBACCOUNTS", "account still owns sub-accounts")
	case errors.Is(err, identity.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "not found")
	case errors.As(err, &cooldown):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(cooldown.RetryAfter)))
		writeError(w, r, http.StatusTooManyRequests, "COOLDOWN", "please wait before retrying")
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(limited.RetryAfter)))
		writeError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
	default:
		audit.LogError(r.Context(), err)
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func retryAfterSeconds(d time.Duration) int {
	s := int(d.Round(time.Second).Seconds())
	if s < 1 {
		return 1
	}
	return s
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body")
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed string) {
	w.Header().Set("Allow", allowed)
	writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
}
