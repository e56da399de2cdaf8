package httpapi

import (
	"net/http"

	"biolinq.io/internal/audit"
)

// handleTOTPSetup starts authenticator enrollment. The secret and
// provisioning URI come back exactly once; enrollment stays pending until
// confirmed with a valid code.
func (a *API) handleTOTPSetup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "TOKEN_MISSING", "missing access token")
		return
	}

	setup, err := a.svc.BeginTOTPEnrollment(r.Context(), claims.AccountID())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"secret":       setup.Secret,
		"provisionUri": setup.ProvisionURI,
	})
}

// handleTOTPConfirm finishes enrollment. The fresh backup codes in the
// response are shown this one time only.
func (a *API) handleTOTPConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "TOKEN_MISSING", "missing access token")
		return
	}

	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if req.Code == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "code is required")
		return
	}

	codes, err := a.svc.ConfirmTOTPEnrollment(r.Context(), claims.AccountID(), req.Code)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	audit.LogEvent(r.Context(), "totp_enabled")
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"backupCodes": codes,
	})
}

// handleEmailMFA toggles the email factor.
func (a *API) handleEmailMFA(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "TOKEN_MISSING", "missing access token")
		return
	}

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}

	if err := a.svc.SetEmailMFA(r.Context(), claims.AccountID(), req.Enabled); err != nil {
		writeDomainError(w, r, err)
		return
	}
	audit.LogEvent(r.Context(), "email_mfa_toggled")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "enabled": req.Enabled})
}

// handleTOTPDisable removes the authenticator factor and its backup codes.
func (a *API) handleTOTPDisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "TOKEN_MISSING", "missing access token")
		return
	}

	if err := a.svc.DisableTOTP(r.Context(), claims.AccountID()); err != nil {
		writeDomainError(w, r, err)
		return
	}
	audit.LogEvent(r.Context(), "totp_disabled")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleBackupCodes replaces the actor's backup codes and returns the new
// set in the clear, once.
func (a *API) handleBackupCodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "TOKEN_MISSING", "missing access token")
		return
	}

	codes, err := a.svc.RegenerateBackupCodes(r.Context(), claims.AccountID())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	audit.LogEvent(r.Context(), "backup_codes_regenerated")
	writeJSON(w, http.StatusOK, map[string]any{"backupCodes": codes})
}
