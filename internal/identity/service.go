package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"biolinq.io/internal/ids"
	"biolinq.io/internal/obs"
)

const backupCodeCount = 10

// LoginResult is the outcome of a password check: either a token pair, or an
// MFA challenge the client must complete first.
type LoginResult struct {
	Tokens *TokenPair

	MfaRequired bool
	MfaSession  string
	MfaMethods  []string
}

// Service is the authentication facade: login, MFA completion, token
// rotation, signup, and credential management. Authorization and context
// switching live in Evaluator and Resolver.
type Service struct {
	accounts AccountStore
	backup   BackupCodeStore
	issuer   *Issuer
	mfa      *MfaManager
	tiers    TierSource
	cipher   Cipher
	log      *zap.Logger

	totpIssuer string
	now        func() time.Time
}

// NewService wires the facade. totpIssuer labels enrollment URIs in
// authenticator apps.
func NewService(accounts AccountStore, backup BackupCodeStore, issuer *Issuer, mfa *MfaManager, tiers TierSource, cipher Cipher, log *zap.Logger, totpIssuer string) *Service {
	return &Service{
		accounts:   accounts,
		backup:     backup,
		issuer:     issuer,
		mfa:        mfa,
		tiers:      tiers,
		cipher:     cipher,
		log:        log,
		totpIssuer: totpIssuer,
		now:        time.Now,
	}
}

// Login authenticates by username or email and password. Accounts that
// cannot authenticate fail before the password is ever compared: sub-accounts
// get the same generic failure as a wrong password, while operator-disabled
// accounts get the explicit ErrAuthDisabled. MFA-enabled accounts receive a
// challenge instead of tokens.
func (s *Service) Login(ctx context.Context, identifier, password string) (*LoginResult, error) {
	acct, err := s.lookup(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.AuthOutcome("login", "failed")
			return nil, ErrAuthenticationFailed
		}
		return nil, err
	}
	if acct.AuthDisabled {
		if acct.IsSubAccount {
			obs.AuthOutcome("login", "failed")
			return nil, ErrAuthenticationFailed
		}
		obs.AuthOutcome("login", "disabled")
		return nil, ErrAuthDisabled
	}
	if err := VerifyPassword(acct.PasswordHash, password); err != nil {
		obs.AuthOutcome("login", "failed")
		return nil, ErrAuthenticationFailed
	}

	if acct.MFAEnabled() {
		session, err := s.mfa.Begin(ctx, acct)
		if err != nil {
			return nil, err
		}
		obs.AuthOutcome("login", "mfa_challenge")
		return &LoginResult{
			MfaRequired: true,
			MfaSession:  session.ID,
			MfaMethods:  session.Methods(),
		}, nil
	}

	tokens, err := s.mint(ctx, acct)
	if err != nil {
		return nil, err
	}
	obs.AuthOutcome("login", "ok")
	return &LoginResult{Tokens: tokens}, nil
}

// CompleteMFA verifies the second factor and finishes the login the session
// belongs to.
func (s *Service) CompleteMFA(ctx context.Context, sessionID, code string) (*TokenPair, error) {
	accountID, err := s.mfa.Verify(ctx, sessionID, code)
	if err != nil {
		obs.AuthOutcome("mfa", "failed")
		return nil, err
	}
	acct, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	// Same mapping as Login: an account disabled by an operator mid-challenge
	// gets the explicit refusal, a sub-account the generic one.
	if acct.AuthDisabled {
		obs.AuthOutcome("mfa", "disabled")
		if acct.IsSubAccount {
			return nil, ErrAuthenticationFailed
		}
		return nil, ErrAuthDisabled
	}
	tokens, err := s.mint(ctx, acct)
	if err != nil {
		return nil, err
	}
	obs.AuthOutcome("mfa", "ok")
	return tokens, nil
}

// ResendMFACode re-delivers the emailed code for an open MFA session.
func (s *Service) ResendMFACode(ctx context.Context, sessionID string) error {
	return s.mfa.Resend(ctx, sessionID)
}

// Refresh rotates a refresh token into a fresh pair. The account's current
// state is re-read so disabling an account cuts off rotation immediately.
// The new access token never carries an acting-as context; clients switch
// again explicitly after refreshing.
func (s *Service) Refresh(ctx context.Context, rawRefresh string) (*TokenPair, error) {
	accountID, err := s.issuer.ConsumeRefresh(ctx, rawRefresh)
	if err != nil {
		obs.AuthOutcome("refresh", "failed")
		return nil, err
	}
	acct, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.AuthOutcome("refresh", "failed")
			return nil, ErrRefreshInvalid
		}
		return nil, err
	}
	if acct.AuthDisabled {
		obs.AuthOutcome("refresh", "disabled")
		if acct.IsSubAccount {
			return nil, ErrAuthenticationFailed
		}
		return nil, ErrAuthDisabled
	}
	tokens, err := s.mint(ctx, acct)
	if err != nil {
		return nil, err
	}
	obs.AuthOutcome("refresh", "ok")
	return tokens, nil
}

// Validate parses and verifies an access token.
func (s *Service) Validate(token string) (*Claims, error) {
	return s.issuer.Validate(token)
}

// Logout revokes the presented refresh token. Unknown tokens succeed; the
// end state is the same either way.
func (s *Service) Logout(ctx context.Context, rawRefresh string) error {
	return s.issuer.Revoke(ctx, rawRefresh)
}

// mint issues a context-free token pair carrying the account's effective
// tier.
func (s *Service) mint(ctx context.Context, acct *Account) (*TokenPair, error) {
	effective, _, err := s.tiers.EffectiveTier(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	return s.issuer.Mint(ctx, acct, effective, nil)
}

// MintFor issues tokens for an already-authenticated account, optionally
// scoped to an acting-as context. Used for context switches, where the caller
// holds valid claims and the resolver has approved the target.
func (s *Service) MintFor(ctx context.Context, accountID string, actx *ActingContext) (*TokenPair, error) {
	acct, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct.AuthDisabled {
		return nil, ErrAuthenticationFailed
	}
	tierFor := acct.ID
	if actx != nil {
		tierFor = actx.AccountID
	}
	effective, _, err := s.tiers.EffectiveTier(ctx, tierFor)
	if err != nil {
		return nil, err
	}
	return s.issuer.Mint(ctx, acct, effective, actx)
}

// Signup creates a regular account on the free tier.
func (s *Service) Signup(ctx context.Context, username, email, password string) (*Account, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	acct := &Account{
		ID:           ids.New(),
		Username:     strings.ToLower(strings.TrimSpace(username)),
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: hash,
		Role:         RoleUser,
		Tier:         "free",
		CreatedAt:    s.now(),
	}
	if err := s.accounts.Create(ctx, acct); err != nil {
		return nil, err
	}
	s.log.Info("account created", zap.String("account_id", acct.ID))
	return acct, nil
}

// ChangePassword verifies the current password before storing a new hash.
func (s *Service) ChangePassword(ctx context.Context, accountID, current, next string) error {
	acct, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return err
	}
	if err := VerifyPassword(acct.PasswordHash, current); err != nil {
		return ErrAuthenticationFailed
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	return s.accounts.UpdatePasswordHash(ctx, accountID, hash)
}

// TOTPSetup holds enrollment material returned to the client exactly once.
type TOTPSetup struct {
	Secret       string
	ProvisionURI string
}

// BeginTOTPEnrollment generates a seed, stores it encrypted with enrollment
// still pending, and returns the provisioning material. Confirmation with a
// valid code flips the account to TOTP-enabled.
func (s *Service) BeginTOTPEnrollment(ctx context.Context, accountID string) (*TOTPSetup, error) {
	acct, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	raw, encoded, err := GenerateTOTPSecret()
	if err != nil {
		return nil, err
	}
	enc, err := s.cipher.Encrypt(raw)
	if err != nil {
		return nil, err
	}
	if err := s.accounts.UpdateTOTP(ctx, accountID, false, enc); err != nil {
		return nil, err
	}
	return &TOTPSetup{
		Secret:       encoded,
		ProvisionURI: TOTPProvisionURI(s.totpIssuer, acct.Username, encoded),
	}, nil
}

// ConfirmTOTPEnrollment validates a code against the pending seed and turns
// TOTP on. Backup codes are generated alongside and returned in the clear,
// this one time only.
func (s *Service) ConfirmTOTPEnrollment(ctx context.Context, accountID, code string) ([]string, error) {
	acct, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if len(acct.TOTPSecretEnc) == 0 {
		return nil, ErrMfaNotEnabled
	}
	secret, err := s.cipher.Decrypt(acct.TOTPSecretEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt totp secret: %w", err)
	}
	ok, err := VerifyTOTP(secret, code, s.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrMfaInvalidCode
	}
	if err := s.accounts.UpdateTOTP(ctx, accountID, true, acct.TOTPSecretEnc); err != nil {
		return nil, err
	}
	return s.RegenerateBackupCodes(ctx, accountID)
}

// DisableTOTP removes the factor and its backup codes.
func (s *Service) DisableTOTP(ctx context.Context, accountID string) error {
	if err := s.accounts.UpdateTOTP(ctx, accountID, false, nil); err != nil {
		return err
	}
	return s.backup.Replace(ctx, accountID, nil)
}

// SetEmailMFA toggles the email factor.
func (s *Service) SetEmailMFA(ctx context.Context, accountID string, enabled bool) error {
	return s.accounts.UpdateEmailMFA(ctx, accountID, enabled)
}

// RegenerateBackupCodes replaces the account's backup codes and returns the
// new set in the clear. Only hashes are stored.
func (s *Service) RegenerateBackupCodes(ctx context.Context, accountID string) ([]string, error) {
	codes := make([]string, backupCodeCount)
	hashes := make([]string, backupCodeCount)
	for i := range codes {
		b := make([]byte, 6)
		if _, err := rand.Read(b); err != nil {
			return nil, err
		}
		code := strings.ToLower(base64.RawURLEncoding.EncodeToString(b))
		sum := sha256.Sum256([]byte(code))
		codes[i] = code
		hashes[i] = hex.EncodeToString(sum[:])
	}
	if err := s.backup.Replace(ctx, accountID, hashes); err != nil {
		return nil, err
	}
	return codes, nil
}

// Account exposes the stored record for the context endpoint.
func (s *Service) Account(ctx context.Context, id string) (*Account, error) {
	return s.accounts.Get(ctx, id)
}

// EffectiveTier proxies the tier source for handlers.
func (s *Service) EffectiveTier(ctx context.Context, accountID string) (string, bool, error) {
	return s.tiers.EffectiveTier(ctx, accountID)
}

func (s *Service) lookup(ctx context.Context, identifier string) (*Account, error) {
	id := strings.ToLower(strings.TrimSpace(identifier))
	if strings.Contains(id, "@") {
		return s.accounts.GetByEmail(ctx, id)
	}
	return s.accounts.GetByUsername(ctx, id)
}
