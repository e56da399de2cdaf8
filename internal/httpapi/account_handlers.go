package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"biolinq.io/internal/audit"
	"biolinq.io/internal/identity"
	"biolinq.io/internal/tier"
)

const seatPackValidity = 365 * 24 * time.Hour

// handleSubAccounts creates or lists the actor's sub-accounts.
func (a *API) handleSubAccounts(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "TOKEN_MISSING", "missing access token")
		return
	}

	switch r.Method {
	case http.MethodGet:
		subs, err := a.resolver.ListSubAccounts(r.Context(), claims.AccountID())
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		out := make([]map[string]any, 0, len(subs))
		for _, sub := range subs {
			out = append(out, subAccountBody(sub))
		}
		writeJSON(w, http.StatusOK, map[string]any{"subAccounts": out})
	case http.MethodPost:
		var req struct {
			Username string `json:"username"`
			Email    string `json:"email"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		if req.Username == "" || req.Email == "" {
			writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "username and email are required")
			return
		}
		sub, err := a.resolver.CreateSubAccount(r.Context(), claims.AccountID(), req.Username, req.Email)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		audit.LogEvent(r.Context(), "subaccount_created", zap.String("sub_account_id", sub.ID))
		writeJSON(w, http.StatusCreated, subAccountBody(sub))
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

func subAccountBody(sub *identity.Account) map[string]any {
	return map[string]any{
		"id":        sub.ID,
		"username":  sub.Username,
		"email":     sub.Email,
		"tier":      sub.Tier,
		"createdAt": sub.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// handleAccountByID routes DELETE /v1/accounts/{id}. Deleting the actor's own
// id removes the account itself; any other id is treated as one of the
// actor's sub-accounts.
func (a *API) handleAccountByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "TOKEN_MISSING", "missing access token")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/accounts/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "not found")
		return
	}

	var err error
	if id == claims.AccountID() {
		err = a.resolver.DeleteAccount(r.Context(), id)
	} else {
		err = a.resolver.DeleteSubAccount(r.Context(), claims.AccountID(), id)
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	audit.LogEvent(r.Context(), "account_deleted", zap.String("deleted_account_id", id))
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleTier reads the effective tier or applies a change. GET resolves
// against the effective account so an acting-as session sees the
// sub-account's inherited plan; POST always operates on the actor.
func (a *API) handleTier(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "TOKEN_MISSING", "missing access token")
		return
	}

	switch r.Method {
	case http.MethodGet:
		effective, inherited, err := a.svc.EffectiveTier(r.Context(), claims.EffectiveAccountID())
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		limits, _ := tier.LimitsFor(effective)
		writeJSON(w, http.StatusOK, map[string]any{
			"tier":      effective,
			"inherited": inherited,
			"limits": map[string]any{
				"pages":            limits.Pages,
				"shortLinks":       limits.ShortLinks,
				"linkFeatures":     limits.LinkFeatures,
				"customAppearance": limits.CustomAppearance,
			},
		})
	case http.MethodPost:
		var req struct {
			Tier string `json:"tier"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		if err := a.engine.ApplyTierChange(r.Context(), claims.AccountID(), req.Tier); err != nil {
			writeTierError(w, r, err)
			return
		}
		audit.LogEvent(r.Context(), "tier_changed", zap.String("tier", req.Tier))
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "tier": req.Tier})
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

// writeTierError maps the tier engine's own error set before falling back to
// the shared taxonomy.
func writeTierError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, tier.ErrUnknownTier):
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "unknown tier")
	case errors.Is(err, tier.ErrSubAccountTier):
		writeError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "sub-account tiers follow the parent")
	case errors.Is(err, tier.ErrReconcileBusy):
		w.Header().Set("Retry-After", "5")
		writeError(w, r, http.StatusConflict, "RECONCILE_IN_PROGRESS", "a plan change is already in progress")
	default:
		writeDomainError(w, r, err)
	}
}

// handleSeatPacks purchases an additional sub-account seat allotment.
func (a *API) handleSeatPacks(w http.ResponseWriter, r *http.Request) {
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
		Seats int `json:"seats"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if req.Seats <= 0 {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "seats must be positive")
		return
	}

	pack, err := a.resolver.PurchaseSeatPack(r.Context(), claims.AccountID(), req.Seats, seatPackValidity)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	audit.LogEvent(r.Context(), "seat_pack_purchased", zap.Int("seats", req.Seats))
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":        pack.ID,
		"seats":     pack.Seats,
		"expiresAt": pack.ExpiresAt.UTC().Format(time.RFC3339),
	})
}
