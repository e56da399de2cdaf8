package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"testing"
	"time"

	"go.uber.org/zap"
)

var codeRe = regexp.MustCompile(`\b(\d{6})\b`)

type mfaFixture struct {
	manager  *MfaManager
	accounts *memAccounts
	sessions *memSessions
	backup   *memBackup
	mailer   *memMailer
	cipher   Cipher
}

func newMfaFixture(t *testing.T) *mfaFixture {
	t.Helper()
	cipher, err := NewAESCipher(make([]byte, 32))
	if err != nil {
		t.Fatalf("NewAESCipher: %v", err)
	}
	f := &mfaFixture{
		accounts: newMemAccounts(),
		sessions: newMemSessions(),
		backup:   newMemBackup(),
		mailer:   &memMailer{},
		cipher:   cipher,
	}
	f.manager = NewMfaManager(f.sessions, f.accounts, f.backup, f.mailer, cipher, zap.NewNop(), 10*time.Minute, 5, time.Minute)
	return f
}

func (f *mfaFixture) emailAccount(t *testing.T) *Account {
	t.Helper()
	a := &Account{ID: "acct-email", Username: "erin", Email: "erin@example.com", EmailMFAEnabled: true}
	if err := f.accounts.Create(context.Background(), a); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return a
}

func (f *mfaFixture) sentCode(t *testing.T) string {
	t.Helper()
	mail, ok := f.mailer.last()
	if !ok {
		t.Fatal("no mail sent")
	}
	m := codeRe.FindStringSubmatch(mail.Body)
	if m == nil {
		t.Fatalf("no code in mail body %q", mail.Body)
	}
	return m[1]
}

func TestMfaEmailVerify(t *testing.T) {
	f := newMfaFixture(t)
	acct := f.emailAccount(t)

	session, err := f.manager.Begin(context.Background(), acct)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if got := session.Methods(); len(got) != 1 || got[0] != "email" {
		t.Fatalf("Methods = %v", got)
	}

	accountID, err := f.manager.Verify(context.Background(), session.ID, f.sentCode(t))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if accountID != acct.ID {
		t.Fatalf("accountID = %q", accountID)
	}

	// The session is single-use: replaying the same code must fail.
	if _, err := f.manager.Verify(context.Background(), session.ID, f.sentCode(t)); !errors.Is(err, ErrMfaSessionExpired) {
		t.Fatalf("replay: got %v, want ErrMfaSessionExpired", err)
	}
}

func TestMfaAttemptExhaustion(t *testing.T) {
	f := newMfaFixture(t)
	acct := f.emailAccount(t)

	session, err := f.manager.Begin(context.Background(), acct)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	for i := 0; i < 4; i++ {
		if _, err := f.manager.Verify(context.Background(), session.ID, "000000"); !errors.Is(err, ErrMfaInvalidCode) {
			t.Fatalf("attempt %d: got %v, want ErrMfaInvalidCode", i+1, err)
		}
	}
	if _, err := f.manager.Verify(context.Background(), session.ID, "000000"); !errors.Is(err, ErrMfaAttemptsExceeded) {
		t.Fatalf("final attempt: got %v, want ErrMfaAttemptsExceeded", err)
	}
	// Exhaustion destroys the session even for the right code.
	if _, err := f.manager.Verify(context.Background(), session.ID, f.sentCode(t)); !errors.Is(err, ErrMfaSessionExpired) {
		t.Fatalf("after exhaustion: got %v, want ErrMfaSessionExpired", err)
	}
}

func TestMfaResendCooldownAndRotation(t *testing.T) {
	f := newMfaFixture(t)
	acct := f.emailAccount(t)

	session, err := f.manager.Begin(context.Background(), acct)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	firstCode := f.sentCode(t)

	var cd *CooldownError
	if err := f.manager.Resend(context.Background(), session.ID); !errors.As(err, &cd) {
		t.Fatalf("resend inside cooldown: got %v, want CooldownError", err)
	}
	if cd.RetryAfter <= 0 || cd.RetryAfter > time.Minute {
		t.Fatalf("RetryAfter = %v", cd.RetryAfter)
	}

	f.manager.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if err := f.manager.Resend(context.Background(), session.ID); err != nil {
		t.Fatalf("resend after cooldown: %v", err)
	}
	secondCode := f.sentCode(t)

	// The superseded code must stop working; attempts are spent on it.
	if _, err := f.manager.Verify(context.Background(), session.ID, firstCode); !errors.Is(err, ErrMfaInvalidCode) {
		if secondCode == firstCode {
			t.Skip("rotated code collided with the original")
		}
		t.Fatalf("old code: got %v, want ErrMfaInvalidCode", err)
	}
	if _, err := f.manager.Verify(context.Background(), session.ID, secondCode); err != nil {
		t.Fatalf("new code: %v", err)
	}
}

func TestMfaTOTPAndBackupCodes(t *testing.T) {
	f := newMfaFixture(t)

	secret, _, err := GenerateTOTPSecret()
	if err != nil {
		t.Fatalf("GenerateTOTPSecret: %v", err)
	}
	enc, err := f.cipher.Encrypt(secret)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	acct := &Account{ID: "acct-totp", Username: "tina", Email: "tina@example.com", TOTPEnabled: true, TOTPSecretEnc: enc}
	if err := f.accounts.Create(context.Background(), acct); err != nil {
		t.Fatalf("create account: %v", err)
	}
	backupCode := "backup-one"
	sum := sha256.Sum256([]byte(backupCode))
	if err := f.backup.Replace(context.Background(), acct.ID, []string{hex.EncodeToString(sum[:])}); err != nil {
		t.Fatalf("seed backup codes: %v", err)
	}

	session, err := f.manager.Begin(context.Background(), acct)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	code := hotpCode(secret, time.Now().Unix()/totpPeriod)
	if _, err := f.manager.Verify(context.Background(), session.ID, code); err != nil {
		t.Fatalf("totp verify: %v", err)
	}

	// A second login completes with the backup code instead.
	session2, err := f.manager.Begin(context.Background(), acct)
	if err != nil {
		t.Fatalf("Begin #2: %v", err)
	}
	if _, err := f.manager.Verify(context.Background(), session2.ID, backupCode); err != nil {
		t.Fatalf("backup verify: %v", err)
	}

	// Backup codes are single-use.
	session3, err := f.manager.Begin(context.Background(), acct)
	if err != nil {
		t.Fatalf("Begin #3: %v", err)
	}
	if _, err := f.manager.Verify(context.Background(), session3.ID, backupCode); !errors.Is(err, ErrMfaInvalidCode) {
		t.Fatalf("reused backup code: got %v, want ErrMfaInvalidCode", err)
	}
}

func TestMfaBackupCodeWithoutTOTP(t *testing.T) {
	f := newMfaFixture(t)
	acct := f.emailAccount(t)

	backupCode := "rescue-one"
	sum := sha256.Sum256([]byte(backupCode))
	if err := f.backup.Replace(context.Background(), acct.ID, []string{hex.EncodeToString(sum[:])}); err != nil {
		t.Fatalf("seed backup codes: %v", err)
	}

	// Backup codes work even when the account only uses email MFA.
	session, err := f.manager.Begin(context.Background(), acct)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	accountID, err := f.manager.Verify(context.Background(), session.ID, backupCode)
	if err != nil {
		t.Fatalf("backup verify: %v", err)
	}
	if accountID != acct.ID {
		t.Fatalf("accountID = %q", accountID)
	}
}

func TestMfaBothMethodsEnabled(t *testing.T) {
	f := newMfaFixture(t)

	secret, _, err := GenerateTOTPSecret()
	if err != nil {
		t.Fatalf("GenerateTOTPSecret: %v", err)
	}
	enc, err := f.cipher.Encrypt(secret)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	acct := &Account{
		ID:              "acct-both",
		Username:        "bo",
		Email:           "bo@example.com",
		EmailMFAEnabled: true,
		TOTPEnabled:     true,
		TOTPSecretEnc:   enc,
	}
	if err := f.accounts.Create(context.Background(), acct); err != nil {
		t.Fatalf("create account: %v", err)
	}

	session, err := f.manager.Begin(context.Background(), acct)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if got := session.Methods(); len(got) != 2 || got[0] != "email" || got[1] != "totp" {
		t.Fatalf("Methods = %v", got)
	}

	// Either factor completes the challenge.
	code := hotpCode(secret, time.Now().Unix()/totpPeriod)
	if _, err := f.manager.Verify(context.Background(), session.ID, code); err != nil {
		t.Fatalf("totp verify: %v", err)
	}
	// Success kills the session; the emailed code cannot reopen it.
	if _, err := f.manager.Verify(context.Background(), session.ID, f.sentCode(t)); !errors.Is(err, ErrMfaSessionExpired) {
		t.Fatalf("after success: got %v, want ErrMfaSessionExpired", err)
	}

	session2, err := f.manager.Begin(context.Background(), acct)
	if err != nil {
		t.Fatalf("Begin #2: %v", err)
	}
	if _, err := f.manager.Verify(context.Background(), session2.ID, f.sentCode(t)); err != nil {
		t.Fatalf("email verify: %v", err)
	}
}

func TestMfaBeginRequiresFactor(t *testing.T) {
	f := newMfaFixture(t)
	acct := &Account{ID: "plain", Username: "pat", Email: "pat@example.com"}
	if _, err := f.manager.Begin(context.Background(), acct); !errors.Is(err, ErrMfaNotEnabled) {
		t.Fatalf("got %v, want ErrMfaNotEnabled", err)
	}
}
