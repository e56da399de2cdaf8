package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"biolinq.io/internal/identity"
	"biolinq.io/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	sessionCookieName = "biolinq_session"
	sessionCookieAge  = 7 * 24 * time.Hour
)

var publicPaths = []string{
	"/v1/auth/login",
	"/v1/auth/2fa",
	"/v1/auth/refresh",
	"/v1/auth/logout",
	"/v1/auth/signup",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

// cookieBundle is the payload of the HTTP-only session cookie set alongside
// the JSON token response for browser clients.
type cookieBundle struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// withAuth authenticates every non-public request and runs the permission
// table against the endpoint. Requests that survive carry validated claims
// in their context.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token := extractToken(r)
		if token == "" {
			writeError(w, r, http.StatusUnauthorized, "TOKEN_MISSING", "missing access token")
			return
		}
		claims, err := a.svc.Validate(token)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}

		decision := a.eval.Authorize(claims, endpointKey(r))
		if !decision.Allowed {
			a.log.Warn("authorization denied",
				zap.String("endpoint", endpointKey(r)),
				zap.String("reason", decision.Reason),
				zap.String("missing_permission", decision.MissingPermission))
			writeDomainError(w, r, decision.Err())
			return
		}

		next.ServeHTTP(w, r.WithContext(identity.WithClaims(r.Context(), claims)))
	})
}

// endpointKey is the permission-table key: method plus the canonical path,
// with per-entity segments collapsed.
func endpointKey(r *http.Request) string {
	return r.Method + " " + obs.CanonicalPath(r.URL.Path)
}

// extractToken prefers the bearer header and falls back to the session
// cookie's access half.
func extractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get(authHeader))
	if header != "" && strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		if token := strings.TrimSpace(header[len(bearer):]); token != "" {
			return token
		}
	}
	if bundle, err := readSessionCookie(r); err == nil {
		return bundle.Access
	}
	return ""
}

func readSessionCookie(r *http.Request) (*cookieBundle, error) {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil, err
	}
	raw, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err != nil {
		return nil, err
	}
	var bundle cookieBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, err
	}
	if bundle.Access == "" && bundle.Refresh == "" {
		return nil, errors.New("empty session cookie")
	}
	return &bundle, nil
}

func setSessionCookie(w http.ResponseWriter, pair *identity.TokenPair) {
	raw, err := json.Marshal(cookieBundle{Access: pair.AccessToken, Refresh: pair.RefreshToken})
	if err != nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    base64.RawURLEncoding.EncodeToString(raw),
		Path:     "/",
		MaxAge:   int(sessionCookieAge.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
