package identity

import (
	"context"
	"sync"
	"time"
)

// In-memory store fakes shared by the package tests. They mirror the
// contracts documented on the interfaces, including the atomicity of Consume
// and Fail.

type memAccounts struct {
	mu   sync.Mutex
	byID map[string]*Account
}

func newMemAccounts() *memAccounts {
	return &memAccounts{byID: map[string]*Account{}}
}

func (m *memAccounts) Create(_ context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.byID {
		if existing.Username == a.Username {
			return ErrUsernameTaken
		}
	}
	cp := *a
	m.byID[a.ID] = &cp
	return nil
}

func (m *memAccounts) Get(_ context.Context, id string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memAccounts) GetByEmail(_ context.Context, email string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.byID {
		if a.Email == email {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memAccounts) GetByUsername(_ context.Context, username string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.byID {
		if a.Username == username {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memAccounts) UpdatePasswordHash(_ context.Context, id, hash string) error {
	return m.update(id, func(a *Account) { a.PasswordHash = hash })
}

func (m *memAccounts) UpdateTier(_ context.Context, id, tier string) error {
	return m.update(id, func(a *Account) { a.Tier = tier })
}

func (m *memAccounts) UpdateTOTP(_ context.Context, id string, enabled bool, secretEnc []byte) error {
	return m.update(id, func(a *Account) {
		a.TOTPEnabled = enabled
		a.TOTPSecretEnc = secretEnc
	})
}

func (m *memAccounts) UpdateEmailMFA(_ context.Context, id string, enabled bool) error {
	return m.update(id, func(a *Account) { a.EmailMFAEnabled = enabled })
}

func (m *memAccounts) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return ErrNotFound
	}
	delete(m.byID, id)
	return nil
}

func (m *memAccounts) update(id string, fn func(*Account)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	fn(a)
	return nil
}

type memRels struct {
	mu   sync.Mutex
	rels []*ParentRelationship
}

func (m *memRels) Create(_ context.Context, rel *ParentRelationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rel
	m.rels = append(m.rels, &cp)
	return nil
}

func (m *memRels) ActiveParentOf(_ context.Context, subAccountID string) (*ParentRelationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rels {
		if r.SubAccountID == subAccountID && r.Status == RelationshipActive {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRels) Active(_ context.Context, parentID, subAccountID string) (*ParentRelationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rels {
		if r.ParentID == parentID && r.SubAccountID == subAccountID && r.Status == RelationshipActive {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRels) ListActiveByParent(_ context.Context, parentID string) ([]ParentRelationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ParentRelationship
	for _, r := range m.rels {
		if r.ParentID == parentID && r.Status == RelationshipActive {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memRels) CountActiveByParent(ctx context.Context, parentID string) (int, error) {
	list, err := m.ListActiveByParent(ctx, parentID)
	return len(list), err
}

func (m *memRels) SetStatus(_ context.Context, parentID, subAccountID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rels {
		if r.ParentID == parentID && r.SubAccountID == subAccountID {
			r.Status = status
			return nil
		}
	}
	return ErrNotFound
}

type memRefresh struct {
	mu   sync.Mutex
	byID map[string]*RefreshToken
}

func newMemRefresh() *memRefresh {
	return &memRefresh{byID: map[string]*RefreshToken{}}
}

func (m *memRefresh) Create(_ context.Context, t *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.byID[t.ID] = &cp
	return nil
}

func (m *memRefresh) Get(_ context.Context, id string) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memRefresh) Consume(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok || !t.Valid {
		return false, nil
	}
	t.Valid = false
	return true, nil
}

func (m *memRefresh) Revoke(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	t.Valid = false
	return nil
}

type memSeats struct {
	mu    sync.Mutex
	packs []*SeatPack
}

func (m *memSeats) Create(_ context.Context, p *SeatPack) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.packs = append(m.packs, &cp)
	return nil
}

func (m *memSeats) TotalSeats(_ context.Context, accountID string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, p := range m.packs {
		if p.AccountID == accountID && p.ExpiresAt.After(now) {
			total += p.Seats
		}
	}
	return total, nil
}

type memBackup struct {
	mu     sync.Mutex
	hashes map[string]map[string]struct{}
}

func newMemBackup() *memBackup {
	return &memBackup{hashes: map[string]map[string]struct{}{}}
}

func (m *memBackup) Replace(_ context.Context, accountID string, hashes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := map[string]struct{}{}
	for _, h := range hashes {
		set[h] = struct{}{}
	}
	m.hashes[accountID] = set
	return nil
}

func (m *memBackup) Consume(_ context.Context, accountID, hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.hashes[accountID]
	if _, ok := set[hash]; !ok {
		return false, nil
	}
	delete(set, hash)
	return true, nil
}

func (m *memBackup) Count(_ context.Context, accountID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hashes[accountID]), nil
}

type memSessions struct {
	mu   sync.Mutex
	byID map[string]*MfaSession
}

func newMemSessions() *memSessions {
	return &memSessions{byID: map[string]*MfaSession{}}
}

func (m *memSessions) Save(_ context.Context, s *MfaSession, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.byID[s.ID] = &cp
	return nil
}

func (m *memSessions) Get(_ context.Context, id string) (*MfaSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, ErrMfaSessionExpired
	}
	cp := *s
	return &cp, nil
}

func (m *memSessions) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return false, nil
	}
	delete(m.byID, id)
	return true, nil
}

func (m *memSessions) Fail(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return 0, ErrMfaSessionExpired
	}
	s.AttemptsRemaining--
	if s.AttemptsRemaining <= 0 {
		delete(m.byID, id)
		return 0, nil
	}
	return s.AttemptsRemaining, nil
}

func (m *memSessions) UpdateEmailCode(_ context.Context, id, codeHash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return ErrMfaSessionExpired
	}
	s.EmailCodeHash = codeHash
	s.LastResendAt = at.Unix()
	return nil
}

type sentMail struct {
	To      string
	Subject string
	Body    string
}

type memMailer struct {
	mu   sync.Mutex
	sent []sentMail
}

func (m *memMailer) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{To: to, Subject: subject, Body: body})
	return nil
}

func (m *memMailer) last() (sentMail, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return sentMail{}, false
	}
	return m.sent[len(m.sent)-1], true
}

type staticTiers struct {
	tier      string
	inherited bool
}

func (s staticTiers) EffectiveTier(context.Context, string) (string, bool, error) {
	return s.tier, s.inherited, nil
}
