package httpapi

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"biolinq.io/internal/audit"
	"biolinq.io/internal/identity"
)

const (
	failBadPassword = "bad_password"
	failBadMFA      = "bad_mfa"
	failBadRefresh  = "bad_refresh"
)

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

func tokenBody(pair *identity.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
	}
}

// handleLogin authenticates a password and either returns tokens or opens an
// MFA challenge. Failures feed the abuse tracker.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.checkAuthRate(w, r, "login") {
		return
	}

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "email and password are required")
		return
	}

	res, err := a.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrAuthenticationFailed) {
			a.recordAuthFailure(r, failBadPassword)
		}
		writeDomainError(w, r, err)
		return
	}

	if res.MfaRequired {
		writeJSON(w, http.StatusOK, map[string]any{
			"requiresTwoFactor": true,
			"sessionId":         res.MfaSession,
			"availableMethods":  res.MfaMethods,
		})
		return
	}

	audit.LogEvent(r.Context(), "login")
	setSessionCookie(w, res.Tokens)
	writeJSON(w, http.StatusOK, tokenBody(res.Tokens))
}

// handleTwoFactor completes or re-sends an MFA challenge; the action query
// parameter selects which.
func (a *API) handleTwoFactor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.checkAuthRate(w, r, "2fa") {
		return
	}

	switch r.URL.Query().Get("action") {
	case "resend":
		a.handleTwoFactorResend(w, r)
	case "", "verify":
		a.handleTwoFactorVerify(w, r)
	default:
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "unknown action")
	}
}

func (a *API) handleTwoFactorVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
		Token     string `json:"token"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if req.SessionID == "" || req.Token == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "sessionId and token are required")
		return
	}

	pair, err := a.svc.CompleteMFA(r.Context(), req.SessionID, req.Token)
	if err != nil {
		a.recordAuthFailure(r, failBadMFA)
		writeDomainError(w, r, err)
		return
	}

	audit.LogEvent(r.Context(), "mfa_verified")
	setSessionCookie(w, pair)
	writeJSON(w, http.StatusOK, tokenBody(pair))
}

func (a *API) handleTwoFactorResend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if req.SessionID == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "sessionId is required")
		return
	}
	if err := a.svc.ResendMFACode(r.Context(), req.SessionID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleRefresh rotates the refresh token from the body, or from the session
// cookie for browser clients that never see the raw token.
func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.checkAuthRate(w, r, "refresh") {
		return
	}

	raw := a.refreshTokenFrom(w, r)
	if raw == "" {
		writeDomainError(w, r, identity.ErrRefreshInvalid)
		return
	}

	pair, err := a.svc.Refresh(r.Context(), raw)
	if err != nil {
		a.recordAuthFailure(r, failBadRefresh)
		writeDomainError(w, r, err)
		return
	}

	setSessionCookie(w, pair)
	writeJSON(w, http.StatusOK, tokenBody(pair))
}

// handleLogout revokes the refresh token and clears the session cookie. It
// always reports success; a missing or already-revoked token changes nothing.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	if raw := a.refreshTokenFrom(w, r); raw != "" {
		if err := a.svc.Logout(r.Context(), raw); err != nil {
			a.log.Warn("logout revoke failed", zap.Error(err))
		}
	}
	audit.LogEvent(r.Context(), "logout")
	clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// refreshTokenFrom reads the refresh token from the JSON body when present,
// falling back to the session cookie. Body decode errors are tolerated so an
// empty POST still works for cookie clients.
func (a *API) refreshTokenFrom(w http.ResponseWriter, r *http.Request) string {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err == nil && req.RefreshToken != "" {
			return req.RefreshToken
		}
	}
	if bundle, err := readSessionCookie(r); err == nil {
		return bundle.Refresh
	}
	return ""
}

func (a *API) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if req.Username == "" || req.Email == "" || len(req.Password) < 8 {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "username, email and a password of at least 8 characters are required")
		return
	}

	acct, err := a.svc.Signup(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       acct.ID,
		"username": acct.Username,
		"tier":     acct.Tier,
	})
}

// handleContext reads or switches the acting-as context. POST with a userId
// enters the target's context; posting null (or an empty id) returns to the
// actor's own context. Both directions re-mint the token pair.
func (a *API) handleContext(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "TOKEN_MISSING", "missing access token")
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"accountId":           claims.AccountID(),
			"username":            claims.Username,
			"role":                claims.Role,
			"tier":                claims.Tier,
			"permissions":         claims.Permissions,
			"contextAccountId":    claims.ContextAccountID,
			"contextUsername":     claims.ContextUsername,
			"isSubAccountContext": claims.IsSubAccountContext,
		})
	case http.MethodPost:
		a.handleContextSwitch(w, r, claims)
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

func (a *API) handleContextSwitch(w http.ResponseWriter, r *http.Request, claims *identity.Claims) {
	var req struct {
		UserID *string `json:"userId"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}

	var actx *identity.ActingContext
	if req.UserID != nil && *req.UserID != "" {
		var err error
		actx, err = a.resolver.SwitchContext(r.Context(), claims.AccountID(), *req.UserID)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
	}

	pair, err := a.svc.MintFor(r.Context(), claims.AccountID(), actx)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	var ctxBody any
	if actx != nil {
		audit.LogEvent(r.Context(), "context_entered", zap.String("target_account_id", actx.AccountID))
		ctxBody = map[string]any{
			"accountId": actx.AccountID,
			"username":  actx.Username,
		}
	} else {
		audit.LogEvent(r.Context(), "context_exited")
	}
	setSessionCookie(w, pair)
	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
		"expiresIn":    pair.ExpiresIn,
		"context":      ctxBody,
	})
}

// handlePassword changes the actor's password. It always operates on the
// authenticated subject; the deny overlay keeps it unreachable while acting
// as a sub-account.
func (a *API) handlePassword(w http.ResponseWriter, r *http.Request) {
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
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if len(req.NewPassword) < 8 {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "new password must be at least 8 characters")
		return
	}

	if err := a.svc.ChangePassword(r.Context(), claims.AccountID(), req.CurrentPassword, req.NewPassword); err != nil {
		writeDomainError(w, r, err)
		return
	}
	audit.LogEvent(r.Context(), "password_changed")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
