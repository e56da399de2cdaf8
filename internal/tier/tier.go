package tier

import (
	"context"
	"errors"
	"time"
)

// Tier names, ordered by capability.
const (
	Free    = "free"
	Starter = "starter"
	Pro     = "pro"
	Agency  = "agency"
)

// Resource kinds subject to tier limits.
const (
	KindPage        = "page"
	KindShortLink   = "short_link"
	KindLinkFeature = "link_feature"
	KindAppearance  = "appearance"
)

var (
	ErrUnknownTier = errors.New("tier: unknown tier")

	// ErrSubAccountTier rejects direct tier changes on sub-accounts; their
	// tier always follows the parent.
	ErrSubAccountTier = errors.New("tier: sub-accounts inherit the parent tier")

	// ErrReconcileBusy means another reconcile holds the per-account lock.
	ErrReconcileBusy = errors.New("tier: reconcile already in progress")
)

// Limits is what a tier grants. Counted kinds use -1 for unlimited; feature
// kinds are all-or-nothing. Sub-account seats are deliberately absent: they
// are sold as seat packs, independent of the subscription tier.
type Limits struct {
	Pages      int
	ShortLinks int

	LinkFeatures     bool
	CustomAppearance bool
}

// LimitsFor returns the grants for a tier name, false for unknown tiers.
func LimitsFor(tier string) (Limits, bool) {
	switch tier {
	case Free:
		return Limits{Pages: 1, ShortLinks: 5}, true
	case Starter:
		return Limits{Pages: 3, ShortLinks: 25, LinkFeatures: true}, true
	case Pro:
		return Limits{Pages: 10, ShortLinks: 100, LinkFeatures: true, CustomAppearance: true}, true
	case Agency:
		return Limits{Pages: -1, ShortLinks: -1, LinkFeatures: true, CustomAppearance: true}, true
	default:
		return Limits{}, false
	}
}

// Resource is a tier-governed entity. Restricted resources stay stored but
// are inert until a later upgrade lifts the flag.
type Resource struct {
	ID         string
	AccountID  string
	Kind       string
	Restricted bool
	CreatedAt  time.Time
}

// ResourceStore persists tier-governed resources. List returns them ordered
// by creation time ascending with the id as tiebreak, which fixes which
// resources survive a downgrade.
type ResourceStore interface {
	Create(ctx context.Context, r *Resource) error
	Get(ctx context.Context, id string) (*Resource, error)
	ListByAccount(ctx context.Context, accountID, kind string) ([]Resource, error)
	SetRestricted(ctx context.Context, id string, restricted bool) error
}
