package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"
)

// MfaManager drives the login-time second-factor gate. A session is created
// when a password check succeeds on an MFA-enabled account and is destroyed
// on success, attempt exhaustion, or TTL expiry, whichever comes first.
type MfaManager struct {
	sessions MfaSessionStore
	accounts AccountStore
	backup   BackupCodeStore
	mailer   EmailSender
	cipher   Cipher
	log      *zap.Logger

	sessionTTL     time.Duration
	maxAttempts    int
	resendCooldown time.Duration
	now            func() time.Time
}

// NewMfaManager wires the manager. maxAttempts and sessionTTL bound every
// session; resendCooldown throttles email re-delivery.
func NewMfaManager(sessions MfaSessionStore, accounts AccountStore, backup BackupCodeStore, mailer EmailSender, cipher Cipher, log *zap.Logger, sessionTTL time.Duration, maxAttempts int, resendCooldown time.Duration) *MfaManager {
	return &MfaManager{
		sessions:       sessions,
		accounts:       accounts,
		backup:         backup,
		mailer:         mailer,
		cipher:         cipher,
		log:            log,
		sessionTTL:     sessionTTL,
		maxAttempts:    maxAttempts,
		resendCooldown: resendCooldown,
		now:            time.Now,
	}
}

// Begin creates an MFA session for the account and, when email is among its
// factors, delivers a one-time code. Returns the session for the client to
// reference in the verify call.
func (m *MfaManager) Begin(ctx context.Context, acct *Account) (*MfaSession, error) {
	if !acct.MFAEnabled() {
		return nil, ErrMfaNotEnabled
	}
	now := m.now()
	s := &MfaSession{
		ID:                newSessionID(),
		AccountID:         acct.ID,
		EmailEnabled:      acct.EmailMFAEnabled,
		TOTPEnabled:       acct.TOTPEnabled,
		AttemptsRemaining: m.maxAttempts,
		CreatedAt:         now.Unix(),
		ExpiresAt:         now.Add(m.sessionTTL).Unix(),
	}
	if acct.EmailMFAEnabled {
		code, hash, err := newEmailCode()
		if err != nil {
			return nil, err
		}
		s.EmailCodeHash = hash
		s.LastResendAt = now.Unix()
		if err := m.sendCode(ctx, acct.Email, code); err != nil {
			return nil, err
		}
	}
	if err := m.sessions.Save(ctx, s, m.sessionTTL); err != nil {
		return nil, err
	}
	return s, nil
}

// Resend issues a new email code for an open session. The previous code stops
// working immediately; attempts are not replenished. A request inside the
// cooldown window returns a CooldownError with the remaining wait.
func (m *MfaManager) Resend(ctx context.Context, sessionID string) error {
	s, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if !s.EmailEnabled {
		return ErrMfaNotEnabled
	}
	now := m.now()
	if since := now.Sub(time.Unix(s.LastResendAt, 0)); since < m.resendCooldown {
		return &CooldownError{RetryAfter: m.resendCooldown - since}
	}
	acct, err := m.accounts.Get(ctx, s.AccountID)
	if err != nil {
		return err
	}
	code, hash, err := newEmailCode()
	if err != nil {
		return err
	}
	if err := m.sessions.UpdateEmailCode(ctx, s.ID, hash, now); err != nil {
		return err
	}
	return m.sendCode(ctx, acct.Email, code)
}

// Verify checks the submitted code against the emailed code, then TOTP when
// enrolled, then the account's backup codes. On success the session is
// deleted; a concurrent success on the same session loses and is treated as
// expired. On failure the attempt counter is decremented atomically and the
// session dies when it hits zero.
func (m *MfaManager) Verify(ctx context.Context, sessionID, code string) (accountID string, err error) {
	s, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}

	matched, err := m.matches(ctx, s, code)
	if err != nil {
		return "", err
	}
	if matched {
		existed, err := m.sessions.Delete(ctx, s.ID)
		if err != nil {
			return "", err
		}
		if !existed {
			return "", ErrMfaSessionExpired
		}
		return s.AccountID, nil
	}

	remaining, err := m.sessions.Fail(ctx, s.ID)
	if err != nil {
		return "", err
	}
	if remaining <= 0 {
		m.log.Warn("mfa attempts exhausted", zap.String("account_id", s.AccountID))
		return "", ErrMfaAttemptsExceeded
	}
	return "", ErrMfaInvalidCode
}

func (m *MfaManager) matches(ctx context.Context, s *MfaSession, code string) (bool, error) {
	if s.EmailEnabled && s.EmailCodeHash != "" {
		sum := sha256.Sum256([]byte(code))
		if hex.EncodeToString(sum[:]) == s.EmailCodeHash {
			return true, nil
		}
	}
	if s.TOTPEnabled {
		acct, err := m.accounts.Get(ctx, s.AccountID)
		if err != nil {
			return false, err
		}
		if len(acct.TOTPSecretEnc) > 0 {
			secret, err := m.cipher.Decrypt(acct.TOTPSecretEnc)
			if err != nil {
				return false, fmt.Errorf("decrypt totp secret: %w", err)
			}
			ok, err := VerifyTOTP(secret, code, m.now())
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
	}
	// Backup codes stand on their own; they must work even when the account
	// never enrolled TOTP.
	sum := sha256.Sum256([]byte(code))
	consumed, err := m.backup.Consume(ctx, s.AccountID, hex.EncodeToString(sum[:]))
	if err != nil {
		return false, err
	}
	if consumed {
		m.log.Info("backup code consumed", zap.String("account_id", s.AccountID))
		return true, nil
	}
	return false, nil
}

func (m *MfaManager) sendCode(ctx context.Context, email, code string) error {
	body := fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, int(m.sessionTTL.Minutes()))
	if err := m.mailer.SendEmail(ctx, email, "Your verification code", body); err != nil {
		return fmt.Errorf("send mfa code: %w", err)
	}
	return nil
}

// newEmailCode returns a uniformly random 6-digit code and its SHA-256 hex.
func newEmailCode() (code, hash string, err error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", "", err
	}
	code = fmt.Sprintf("%06d", n.Int64())
	sum := sha256.Sum256([]byte(code))
	return code, hex.EncodeToString(sum[:]), nil
}

func newSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
