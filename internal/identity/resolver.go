package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"biolinq.io/internal/ids"
)

// Resolver owns acting-as context switching and the sub-account lifecycle:
// creation against seat capacity, deletion guards, and effective tier
// resolution through the single allowed parent hop.
type Resolver struct {
	accounts  AccountStore
	rels      RelationshipStore
	seatPacks SeatPackStore
	log       *zap.Logger

	now func() time.Time
}

func NewResolver(accounts AccountStore, rels RelationshipStore, seatPacks SeatPackStore, log *zap.Logger) *Resolver {
	return &Resolver{
		accounts:  accounts,
		rels:      rels,
		seatPacks: seatPacks,
		log:       log,
		now:       time.Now,
	}
}

// SwitchContext validates that the actor may act as the target sub-account
// and returns the claim bundle for re-minting. Any ownership failure maps to
// ErrContextForbidden so callers cannot distinguish "not yours" from "not a
// sub-account" or "suspended".
func (r *Resolver) SwitchContext(ctx context.Context, actorID, targetID string) (*ActingContext, error) {
	if actorID == targetID {
		return nil, ErrContextForbidden
	}
	rel, err := r.rels.Active(ctx, actorID, targetID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrContextForbidden
		}
		return nil, err
	}
	target, err := r.accounts.Get(ctx, rel.SubAccountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrContextForbidden
		}
		return nil, err
	}
	if !target.IsSubAccount {
		return nil, ErrContextForbidden
	}
	return &ActingContext{AccountID: target.ID, Username: target.Username}, nil
}

// CreateSubAccount provisions a new sub-account under the parent, enforcing
// seat capacity. Sub-accounts can never authenticate directly and inherit the
// parent's tier.
func (r *Resolver) CreateSubAccount(ctx context.Context, parentID, username, email string) (*Account, error) {
	parent, err := r.accounts.Get(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.IsSubAccount {
		return nil, ErrPermissionDenied
	}

	capacity, err := r.SeatCapacity(ctx, parent)
	if err != nil {
		return nil, err
	}
	used, err := r.rels.CountActiveByParent(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if used >= capacity {
		return nil, ErrTierCapacityExceeded
	}

	now := r.now()
	sub := &Account{
		ID:           ids.New(),
		Username:     username,
		Email:        email,
		Role:         RoleUser,
		Tier:         parent.Tier,
		AuthDisabled: true,
		IsSubAccount: true,
		CreatedAt:    now,
	}
	if err := r.accounts.Create(ctx, sub); err != nil {
		return nil, err
	}
	rel := &ParentRelationship{
		SubAccountID: sub.ID,
		ParentID:     parentID,
		Type:         "sub_account",
		Status:       RelationshipActive,
		CreatedAt:    now,
	}
	if err := r.rels.Create(ctx, rel); err != nil {
		return nil, err
	}
	r.log.Info("sub-account created",
		zap.String("parent_id", parentID),
		zap.String("sub_account_id", sub.ID))
	return sub, nil
}

// ListSubAccounts returns the parent's active sub-accounts in creation
// order.
func (r *Resolver) ListSubAccounts(ctx context.Context, parentID string) ([]*Account, error) {
	rels, err := r.rels.ListActiveByParent(ctx, parentID)
	if err != nil {
		return nil, err
	}
	out := make([]*Account, 0, len(rels))
	for _, rel := range rels {
		acct, err := r.accounts.Get(ctx, rel.SubAccountID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, acct)
	}
	return out, nil
}

// SeatCapacity is the parent's total sub-account allowance: the sum of all
// unexpired purchased seat packs. Seats are bought separately and no tier
// includes any.
func (r *Resolver) SeatCapacity(ctx context.Context, parent *Account) (int, error) {
	return r.seatPacks.TotalSeats(ctx, parent.ID, r.now())
}

// PurchaseSeatPack records a purchased allotment of additional seats.
func (r *Resolver) PurchaseSeatPack(ctx context.Context, accountID string, seats int, validFor time.Duration) (*SeatPack, error) {
	if seats <= 0 {
		return nil, fmt.Errorf("seat count must be positive")
	}
	acct, err := r.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct.IsSubAccount {
		return nil, ErrPermissionDenied
	}
	now := r.now()
	pack := &SeatPack{
		ID:        ids.New(),
		AccountID: accountID,
		Seats:     seats,
		ExpiresAt: now.Add(validFor),
		CreatedAt: now,
	}
	if err := r.seatPacks.Create(ctx, pack); err != nil {
		return nil, err
	}
	return pack, nil
}

// DeleteSubAccount removes a sub-account owned by the parent: the
// relationship is marked deleted and the account row goes away, freeing a
// seat.
func (r *Resolver) DeleteSubAccount(ctx context.Context, parentID, subAccountID string) error {
	if _, err := r.rels.Active(ctx, parentID, subAccountID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrContextForbidden
		}
		return err
	}
	if err := r.rels.SetStatus(ctx, parentID, subAccountID, RelationshipDeleted); err != nil {
		return err
	}
	return r.accounts.Delete(ctx, subAccountID)
}

// DeleteAccount removes a top-level account. Accounts still owning active
// sub-accounts are refused; the caller must delete or transfer them first.
func (r *Resolver) DeleteAccount(ctx context.Context, accountID string) error {
	n, err := r.rels.CountActiveByParent(ctx, accountID)
	if err != nil {
		return err
	}
	if n > 0 {
		return ErrHasSubAccounts
	}
	return r.accounts.Delete(ctx, accountID)
}

// EffectiveTier resolves the tier governing the account's features. Regular
// accounts use their own tier; sub-accounts inherit the parent's through
// exactly one hop. A relationship whose parent is itself a sub-account is a
// data-integrity violation: it is logged and the chain is not followed.
func (r *Resolver) EffectiveTier(ctx context.Context, accountID string) (tier string, inherited bool, err error) {
	acct, err := r.accounts.Get(ctx, accountID)
	if err != nil {
		return "", false, err
	}
	if !acct.IsSubAccount {
		return acct.Tier, false, nil
	}
	rel, err := r.rels.ActiveParentOf(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return acct.Tier, false, nil
		}
		return "", false, err
	}
	parent, err := r.accounts.Get(ctx, rel.ParentID)
	if err != nil {
		return "", false, err
	}
	if parent.IsSubAccount {
		r.log.Error("nested sub-account relationship",
			zap.String("sub_account_id", accountID),
			zap.String("parent_id", parent.ID))
		return "", false, ErrNestedRelationship
	}
	return parent.Tier, true, nil
}
