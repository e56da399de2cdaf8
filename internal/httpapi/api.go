// Package httpapi is the HTTP boundary: routing, authentication, the
// endpoint permission table, and translation between domain errors and the
// wire taxonomy.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"biolinq.io/internal/audit"
	"biolinq.io/internal/identity"
	"biolinq.io/internal/obs"
	"biolinq.io/internal/ratelimit"
	"biolinq.io/internal/tier"
)

// ReadyProbe checks the backing stores before the service reports ready.
type ReadyProbe struct {
	DB    func(context.Context) error
	Redis func(context.Context) error
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// API is the HTTP layer.
type API struct {
	mux      *http.ServeMux
	svc      *identity.Service
	resolver *identity.Resolver
	eval     *identity.Evaluator
	engine   *tier.Engine

	authLimiter *ratelimit.Limiter
	abuse       *ratelimit.AbuseTracker

	readyProbe ReadyProbe
	log        *zap.Logger
	version    string
}

// endpointPermissions is the static permission table. Every protected route
// must appear here; a route without an entry is denied at runtime and
// rejected by the startup check below. An empty list means authenticated
// with no specific permission.
var endpointPermissions = map[string][]string{
	"GET /v1/auth/context":  {},
	"POST /v1/auth/context": {},
	"POST /v1/auth/password": {
		identity.PermCredentialsChange,
	},
	"POST /v1/accounts/subaccounts": {
		identity.PermSubAccountsManage,
	},
	"GET /v1/accounts/subaccounts": {
		identity.PermSubAccountsManage,
	},
	"DELETE /v1/accounts/:id": {
		identity.PermAccountDelete,
	},
	"GET /v1/accounts/tier": {},
	"POST /v1/accounts/tier": {
		identity.PermBillingManage,
	},
	"POST /v1/accounts/seat-packs": {
		identity.PermBillingManage,
	},
	"POST /v1/mfa/totp/setup": {
		identity.PermMFAManage,
	},
	"POST /v1/mfa/totp/confirm": {
		identity.PermMFAManage,
	},
	"DELETE /v1/mfa/totp": {
		identity.PermMFAManage,
	},
	"POST /v1/mfa/email": {
		identity.PermMFAManage,
	},
	"POST /v1/mfa/backup-codes": {
		identity.PermMFAManage,
	},
}

// protectedRoutes lists every endpoint the router serves behind auth, used
// to verify the permission table is complete before the server starts.
var protectedRoutes = []string{
	"GET /v1/auth/context",
	"POST /v1/auth/context",
	"POST /v1/auth/password",
	"POST /v1/accounts/subaccounts",
	"GET /v1/accounts/subaccounts",
	"DELETE /v1/accounts/:id",
	"GET /v1/accounts/tier",
	"POST /v1/accounts/tier",
	"POST /v1/accounts/seat-packs",
	"POST /v1/mfa/totp/setup",
	"POST /v1/mfa/totp/confirm",
	"DELETE /v1/mfa/totp",
	"POST /v1/mfa/email",
	"POST /v1/mfa/backup-codes",
}

// New builds the API. It fails when a protected route is missing from the
// permission table; deny-by-default should be caught at startup, not found
// by a locked-out customer.
func New(svc *identity.Service, resolver *identity.Resolver, engine *tier.Engine, authLimiter *ratelimit.Limiter, abuse *ratelimit.AbuseTracker, rp ReadyProbe, log *zap.Logger, version string) (*API, error) {
	eval := identity.NewEvaluator(endpointPermissions)
	for _, route := range protectedRoutes {
		if !eval.Known(route) {
			return nil, fmt.Errorf("httpapi: route %q missing from permission table", route)
		}
	}

	a := &API{
		mux:         http.NewServeMux(),
		svc:         svc,
		resolver:    resolver,
		eval:        eval,
		engine:      engine,
		authLimiter: authLimiter,
		abuse:       abuse,
		readyProbe:  rp,
		log:         log,
		version:     version,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// authentication flows
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/2fa", a.handleTwoFactor)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/signup", a.handleSignup)
	a.mux.HandleFunc("/v1/auth/context", a.handleContext)
	a.mux.HandleFunc("/v1/auth/password", a.handlePassword)

	// account management
	a.mux.HandleFunc("/v1/accounts/subaccounts", a.handleSubAccounts)
	a.mux.HandleFunc("/v1/accounts/tier", a.handleTier)
	a.mux.HandleFunc("/v1/accounts/seat-packs", a.handleSeatPacks)
	a.mux.HandleFunc("/v1/accounts/", a.handleAccountByID)

	// mfa enrollment
	a.mux.HandleFunc("/v1/mfa/totp", a.handleTOTPDisable)
	a.mux.HandleFunc("/v1/mfa/totp/setup", a.handleTOTPSetup)
	a.mux.HandleFunc("/v1/mfa/totp/confirm", a.handleTOTPConfirm)
	a.mux.HandleFunc("/v1/mfa/email", a.handleEmailMFA)
	a.mux.HandleFunc("/v1/mfa/backup-codes", a.handleBackupCodes)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a, nil
}

// Handler assembles the middleware chain around the router.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, 20, 10)
	h = SecurityHeaders(h)
	h = Logging(a.log, h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// claimsFrom pulls the authenticated claims set by withAuth. Handlers behind
// auth can rely on it; the second return guards misconfigured routes.
func claimsFrom(r *http.Request) (*identity.Claims, bool) {
	return identity.ClaimsFrom(r.Context())
}

// checkAuthRate applies the Redis fixed-window limit plus the abuse block
// for the sensitive endpoints. Redis outages fail open: losing rate limiting
// is better than losing login.
func (a *API) checkAuthRate(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	ip := clientIP(r)
	if blocked, retryAfter, err := a.abuse.Blocked(r.Context(), ip); err == nil && blocked {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSeconds(retryAfter)))
		writeError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
		return false
	}
	err := a.authLimiter.Allow(r.Context(), ip, endpoint)
	if err == nil {
		return true
	}
	var limited *ratelimit.LimitedError
	if !errors.As(err, &limited) {
		a.log.Error("rate limiter unavailable", zap.Error(err))
		return true
	}
	writeDomainError(w, r, limited)
	return false
}

// recordAuthFailure leaves a security-event record of the failed attempt and
// feeds the abuse tracker.
func (a *API) recordAuthFailure(r *http.Request, kind string) {
	_ = audit.LogEvent(r.Context(), "auth_failure",
		zap.String("kind", kind),
		zap.String("endpoint", endpointKey(r)),
		zap.String("remote_ip", clientIP(r)),
		zap.String("outcome", "denied"))
	if err := a.abuse.RecordFailure(r.Context(), clientIP(r), kind); err != nil {
		a.log.Error("abuse tracker unavailable", zap.Error(err))
	}
}

// Healthz reports liveness only.
func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "biolinq-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "biolinq-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
