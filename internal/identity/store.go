package identity

import (
	"context"
	"time"
)

// AccountStore persists accounts.
type AccountStore interface {
	Create(ctx context.Context, a *Account) error
	Get(ctx context.Context, id string) (*Account, error)
	GetByEmail(ctx context.Context, email string) (*Account, error)
	GetByUsername(ctx context.Context, username string) (*Account, error)
	UpdatePasswordHash(ctx context.Context, id, hash string) error
	UpdateTier(ctx context.Context, id, tier string) error
	UpdateTOTP(ctx context.Context, id string, enabled bool, secretEnc []byte) error
	UpdateEmailMFA(ctx context.Context, id string, enabled bool) error
	Delete(ctx context.Context, id string) error
}

// RelationshipStore persists parent/sub-account relationships.
type RelationshipStore interface {
	Create(ctx context.Context, rel *ParentRelationship) error
	// ActiveParentOf returns the single active relationship owning the
	// given sub-account, or ErrNotFound.
	ActiveParentOf(ctx context.Context, subAccountID string) (*ParentRelationship, error)
	// Active returns the active relationship between a specific parent and
	// sub-account, or ErrNotFound.
	Active(ctx context.Context, parentID, subAccountID string) (*ParentRelationship, error)
	ListActiveByParent(ctx context.Context, parentID string) ([]ParentRelationship, error)
	CountActiveByParent(ctx context.Context, parentID string) (int, error)
	SetStatus(ctx context.Context, parentID, subAccountID, status string) error
}

// RefreshTokenStore persists refresh tokens. Consume is the single-use
// compare-and-swap: it returns true for exactly one caller per token.
type RefreshTokenStore interface {
	Create(ctx context.Context, t *RefreshToken) error
	Get(ctx context.Context, id string) (*RefreshToken, error)
	Consume(ctx context.Context, id string) (bool, error)
	Revoke(ctx context.Context, id string) error
}

// SeatPackStore persists purchased sub-account allotments.
type SeatPackStore interface {
	Create(ctx context.Context, p *SeatPack) error
	// TotalSeats sums the seats of all packs not expired at the given time.
	TotalSeats(ctx context.Context, accountID string, now time.Time) (int, error)
}

// BackupCodeStore persists single-use backup code hashes. Consume removes
// the matching hash and reports whether it existed; concurrent consumers of
// the same code see at most one true.
type BackupCodeStore interface {
	Replace(ctx context.Context, accountID string, hashes []string) error
	Consume(ctx context.Context, accountID, hash string) (bool, error)
	Count(ctx context.Context, accountID string) (int, error)
}

// MfaSessionStore holds ephemeral MFA sessions. Implementations must make
// Fail atomic per session so the attempt ceiling is exact under concurrent
// verification attempts.
type MfaSessionStore interface {
	Save(ctx context.Context, s *MfaSession, ttl time.Duration) error
	// Get returns ErrMfaSessionExpired for missing or expired sessions.
	Get(ctx context.Context, id string) (*MfaSession, error)
	// Delete reports whether the session still existed.
	Delete(ctx context.Context, id string) (bool, error)
	// Fail decrements the attempt counter and deletes the session when it
	// reaches zero, returning the remaining count.
	Fail(ctx context.Context, id string) (remaining int, err error)
	// UpdateEmailCode swaps the stored code hash and resend timestamp
	// without touching the attempt counter.
	UpdateEmailCode(ctx context.Context, id, codeHash string, at time.Time) error
}

// EmailSender delivers out-of-band messages. The MFA manager only ever puts
// the one-time code in the body, never in logs.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// TierSource resolves the effective tier for an account, following a single
// parent hop for sub-accounts.
type TierSource interface {
	EffectiveTier(ctx context.Context, accountID string) (tier string, inherited bool, err error)
}

// Cipher protects TOTP secrets at rest.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}
