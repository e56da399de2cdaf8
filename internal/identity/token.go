package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the access token payload. Subject is always the authenticated
// account; the context fields are set only while acting as a sub-account.
type Claims struct {
	Username    string   `json:"username"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	Tier        string   `json:"tier"`

	ContextAccountID    string `json:"contextAccountId,omitempty"`
	ContextUsername     string `json:"contextUsername,omitempty"`
	IsSubAccountContext bool   `json:"isSubAccountContext,omitempty"`

	jwt.RegisteredClaims
}

// AccountID returns the authenticated account, never the acting-as target.
func (c *Claims) AccountID() string { return c.Subject }

// EffectiveAccountID returns the account whose resources requests operate on:
// the context target while acting as a sub-account, otherwise the subject.
func (c *Claims) EffectiveAccountID() string {
	if c.IsSubAccountContext {
		return c.ContextAccountID
	}
	return c.Subject
}

// TokenPair is the result of a successful authentication or rotation.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
}

// Issuer mints and validates access tokens and manages the refresh token
// lifecycle. Access tokens are HS256 JWTs validated statelessly; refresh
// tokens are opaque "<id>.<secret>" strings whose secret hash lives in the
// store and is consumed exactly once.
type Issuer struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	refresh    RefreshTokenStore
	now        func() time.Time
}

// NewIssuer builds an Issuer. The signing secret must be non-empty.
func NewIssuer(secret []byte, issuer string, accessTTL, refreshTTL time.Duration, refresh RefreshTokenStore) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("identity: empty signing secret")
	}
	return &Issuer{
		secret:     secret,
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		refresh:    refresh,
		now:        time.Now,
	}, nil
}

// Mint issues a fresh access/refresh pair for the account. The permission
// list embedded in the token is advisory; authorization recomputes it from
// the role on every check.
func (i *Issuer) Mint(ctx context.Context, acct *Account, effectiveTier string, actx *ActingContext) (*TokenPair, error) {
	now := i.now()
	claims := &Claims{
		Username:    acct.Username,
		Role:        acct.Role,
		Permissions: PermissionsForRole(acct.Role),
		Tier:        effectiveTier,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   acct.ID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.accessTTL)),
			ID:        uuid.NewString(),
		},
	}
	if actx != nil {
		claims.ContextAccountID = actx.AccountID
		claims.ContextUsername = actx.Username
		claims.IsSubAccountContext = true
	}

	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	refresh, err := i.mintRefresh(ctx, acct.ID, now)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(i.accessTTL.Seconds()),
	}, nil
}

func (i *Issuer) mintRefresh(ctx context.Context, accountID string, now time.Time) (string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(secret)
	sum := sha256.Sum256([]byte(encoded))

	rec := &RefreshToken{
		ID:        uuid.NewString(),
		AccountID: accountID,
		TokenHash: hex.EncodeToString(sum[:]),
		IssuedAt:  now,
		ExpiresAt: now.Add(i.refreshTTL),
		Valid:     true,
	}
	if err := i.refresh.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("store refresh token: %w", err)
	}
	return rec.ID + "." + encoded, nil
}

// ConsumeRefresh validates and invalidates the presented refresh token,
// returning the owning account. Only one of any number of concurrent callers
// with the same token succeeds; the rest get ErrRefreshInvalid.
func (i *Issuer) ConsumeRefresh(ctx context.Context, raw string) (accountID string, err error) {
	id, secret, ok := splitRefresh(raw)
	if !ok {
		return "", ErrRefreshInvalid
	}
	rec, err := i.refresh.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrRefreshInvalid
		}
		return "", err
	}
	sum := sha256.Sum256([]byte(secret))
	if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(rec.TokenHash)) != 1 {
		return "", ErrRefreshInvalid
	}
	if !rec.Valid || i.now().After(rec.ExpiresAt) {
		return "", ErrRefreshInvalid
	}
	won, err := i.refresh.Consume(ctx, id)
	if err != nil {
		return "", err
	}
	if !won {
		return "", ErrRefreshInvalid
	}
	return rec.AccountID, nil
}

// Revoke invalidates the presented refresh token. Unknown or already-revoked
// tokens are not an error; logout is idempotent.
func (i *Issuer) Revoke(ctx context.Context, raw string) error {
	id, _, ok := splitRefresh(raw)
	if !ok {
		return nil
	}
	if err := i.refresh.Revoke(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// Validate parses and verifies an access token without any store lookup.
func (i *Issuer) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithIssuer(i.issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func splitRefresh(raw string) (id, secret string, ok bool) {
	id, secret, found := strings.Cut(raw, ".")
	if !found || id == "" || secret == "" {
		return "", "", false
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", "", false
	}
	return id, secret, true
}
