package tier

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"biolinq.io/internal/identity"
)

// Engine applies tier changes and reconciles resource restrictions. A
// downgrade never deletes anything: resources past the new limit are flagged
// restricted, earliest-created first kept, and an upgrade lifts the flags in
// the same order.
type Engine struct {
	accounts  identity.AccountStore
	rels      identity.RelationshipStore
	resources ResourceStore
	tiers     identity.TierSource
	rdb       *redis.Client
	log       *zap.Logger

	lockTTL time.Duration
}

// NewEngine wires the engine. tiers resolves the effective tier, following
// the parent hop for sub-accounts.
func NewEngine(accounts identity.AccountStore, rels identity.RelationshipStore, resources ResourceStore, tiers identity.TierSource, rdb *redis.Client, log *zap.Logger) *Engine {
	return &Engine{
		accounts:  accounts,
		rels:      rels,
		resources: resources,
		tiers:     tiers,
		rdb:       rdb,
		log:       log,
		lockTTL:   30 * time.Second,
	}
}

// ApplyTierChange moves a regular account to a new tier and reconciles it
// plus every active sub-account, since their effective tier just changed
// with it.
func (e *Engine) ApplyTierChange(ctx context.Context, accountID, newTier string) error {
	if _, ok := LimitsFor(newTier); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTier, newTier)
	}
	acct, err := e.accounts.Get(ctx, accountID)
	if err != nil {
		return err
	}
	if acct.IsSubAccount {
		return ErrSubAccountTier
	}
	if err := e.accounts.UpdateTier(ctx, accountID, newTier); err != nil {
		return err
	}
	e.log.Info("tier changed",
		zap.String("account_id", accountID),
		zap.String("from", acct.Tier),
		zap.String("to", newTier))

	if err := e.Reconcile(ctx, accountID); err != nil {
		return err
	}
	subs, err := e.rels.ListActiveByParent(ctx, accountID)
	if err != nil {
		return err
	}
	for _, rel := range subs {
		if err := e.Reconcile(ctx, rel.SubAccountID); err != nil {
			e.log.Error("sub-account reconcile failed",
				zap.String("sub_account_id", rel.SubAccountID),
				zap.Error(err))
			return err
		}
	}
	return nil
}

// Reconcile brings one account's resource flags in line with its effective
// tier. A per-account lock keeps concurrent reconciles from interleaving
// flag writes; the loser returns ErrReconcileBusy rather than waiting.
func (e *Engine) Reconcile(ctx context.Context, accountID string) error {
	lockKey := "tier:reconcile:" + accountID
	ok, err := e.rdb.SetNX(ctx, lockKey, "1", e.lockTTL).Result()
	if err != nil {
		return fmt.Errorf("acquire reconcile lock: %w", err)
	}
	if !ok {
		return ErrReconcileBusy
	}
	defer e.rdb.Del(context.WithoutCancel(ctx), lockKey)

	effective, _, err := e.tiers.EffectiveTier(ctx, accountID)
	if err != nil {
		return err
	}
	limits, ok := LimitsFor(effective)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTier, effective)
	}

	if err := e.reconcileCounted(ctx, accountID, KindPage, limits.Pages); err != nil {
		return err
	}
	if err := e.reconcileCounted(ctx, accountID, KindShortLink, limits.ShortLinks); err != nil {
		return err
	}
	if err := e.reconcileFlag(ctx, accountID, KindLinkFeature, limits.LinkFeatures); err != nil {
		return err
	}
	return e.reconcileFlag(ctx, accountID, KindAppearance, limits.CustomAppearance)
}

// reconcileCounted keeps the earliest max resources active and restricts the
// rest. The store's ordering makes the outcome deterministic for equal
// timestamps.
func (e *Engine) reconcileCounted(ctx context.Context, accountID, kind string, max int) error {
	list, err := e.resources.ListByAccount(ctx, accountID, kind)
	if err != nil {
		return err
	}
	for i, r := range list {
		restricted := max >= 0 && i >= max
		if r.Restricted == restricted {
			continue
		}
		if err := e.resources.SetRestricted(ctx, r.ID, restricted); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) reconcileFlag(ctx context.Context, accountID, kind string, allowed bool) error {
	list, err := e.resources.ListByAccount(ctx, accountID, kind)
	if err != nil {
		return err
	}
	for _, r := range list {
		if r.Restricted == !allowed {
			continue
		}
		if err := e.resources.SetRestricted(ctx, r.ID, !allowed); err != nil {
			return err
		}
	}
	return nil
}

// IsRestricted reports whether a single resource is currently inert.
func (e *Engine) IsRestricted(ctx context.Context, resourceID string) (bool, error) {
	r, err := e.resources.Get(ctx, resourceID)
	if err != nil {
		return false, err
	}
	return r.Restricted, nil
}

// EffectiveTier proxies the resolver for callers holding only the engine.
func (e *Engine) EffectiveTier(ctx context.Context, accountID string) (string, bool, error) {
	return e.tiers.EffectiveTier(ctx, accountID)
}
