package httpapi

import (
	"context"
	"sync"
	"time"

	"biolinq.io/internal/identity"
	"biolinq.io/internal/tier"
)

// In-memory store fakes for the HTTP flow tests. Slimmer than full
// persistence; they honor the contracts the service layer relies on.

type memAccounts struct {
	mu   sync.Mutex
	byID map[string]*identity.Account
}

func newMemAccounts() *memAccounts {
	return &memAccounts{byID: map[string]*identity.Account{}}
}

func (m *memAccounts) Create(_ context.Context, a *identity.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.byID {
		if existing.Username == a.Username {
			return identity.ErrUsernameTaken
		}
	}
	cp := *a
	m.byID[a.ID] = &cp
	return nil
}

func (m *memAccounts) Get(_ context.Context, id string) (*identity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memAccounts) GetByEmail(_ context.Context, email string) (*identity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.byID {
		if a.Email == email {
			cp := *a
			return &cp, nil
		}
	}
	return nil, identity.ErrNotFound
}

func (m *memAccounts) GetByUsername(_ context.Context, username string) (*identity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.byID {
		if a.Username == username {
			cp := *a
			return &cp, nil
		}
	}
	return nil, identity.ErrNotFound
}

func (m *memAccounts) UpdatePasswordHash(_ context.Context, id, hash string) error {
	return m.update(id, func(a *identity.Account) { a.PasswordHash = hash })
}

func (m *memAccounts) UpdateTier(_ context.Context, id, t string) error {
	return m.update(id, func(a *identity.Account) { a.Tier = t })
}

func (m *memAccounts) UpdateTOTP(_ context.Context, id string, enabled bool, secretEnc []byte) error {
	return m.update(id, func(a *identity.Account) {
		a.TOTPEnabled = enabled
		a.TOTPSecretEnc = secretEnc
	})
}

func (m *memAccounts) UpdateEmailMFA(_ context.Context, id string, enabled bool) error {
	return m.update(id, func(a *identity.Account) { a.EmailMFAEnabled = enabled })
}

func (m *memAccounts) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return identity.ErrNotFound
	}
	delete(m.byID, id)
	return nil
}

func (m *memAccounts) update(id string, fn func(*identity.Account)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return identity.ErrNotFound
	}
	fn(a)
	return nil
}

type memRels struct {
	mu   sync.Mutex
	rels []*identity.ParentRelationship
}

func (m *memRels) Create(_ context.Context, rel *identity.ParentRelationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rel
	m.rels = append(m.rels, &cp)
	return nil
}

func (m *memRels) ActiveParentOf(_ context.Context, subAccountID string) (*identity.ParentRelationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rels {
		if r.SubAccountID == subAccountID && r.Status == identity.RelationshipActive {
			cp := *r
			return &cp, nil
		}
	}
	return nil, identity.ErrNotFound
}

func (m *memRels) Active(_ context.Context, parentID, subAccountID string) (*identity.ParentRelationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rels {
		if r.ParentID == parentID && r.SubAccountID == subAccountID && r.Status == identity.RelationshipActive {
			cp := *r
			return &cp, nil
		}
	}
	return nil, identity.ErrNotFound
}

func (m *memRels) ListActiveByParent(_ context.Context, parentID string) ([]identity.ParentRelationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []identity.ParentRelationship
	for _, r := range m.rels {
		if r.ParentID == parentID && r.Status == identity.RelationshipActive {
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
	return identity.ErrNotFound
}

type memRefresh struct {
	mu   sync.Mutex
	byID map[string]*identity.RefreshToken
}

func newMemRefresh() *memRefresh {
	return &memRefresh{byID: map[string]*identity.RefreshToken{}}
}

func (m *memRefresh) Create(_ context.Context, t *identity.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.byID[t.ID] = &cp
	return nil
}

func (m *memRefresh) Get(_ context.Context, id string) (*identity.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok {
		return nil, identity.ErrNotFound
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
		return identity.ErrNotFound
	}
	t.Valid = false
	return nil
}

type memSeats struct {
	mu    sync.Mutex
	packs []*identity.SeatPack
}

func (m *memSeats) Create(_ context.Context, p *identity.SeatPack) error {
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
	byID map[string]*identity.MfaSession
}

func newMemSessions() *memSessions {
	return &memSessions{byID: map[string]*identity.MfaSession{}}
}

func (m *memSessions) Save(_ context.Context, s *identity.MfaSession, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.byID[s.ID] = &cp
	return nil
}

func (m *memSessions) Get(_ context.Context, id string) (*identity.MfaSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, identity.ErrMfaSessionExpired
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
		return 0, identity.ErrMfaSessionExpired
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
		return identity.ErrMfaSessionExpired
	}
	s.EmailCodeHash = codeHash
	s.LastResendAt = at.Unix()
	return nil
}

type memMailer struct {
	mu   sync.Mutex
	sent []string
}

func (m *memMailer) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, body)
	return nil
}

func (m *memMailer) lastBody() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return "", false
	}
	return m.sent[len(m.sent)-1], true
}

type memResources struct {
	mu  sync.Mutex
	all []*tier.Resource
}

func (m *memResources) Create(_ context.Context, r *tier.Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.all = append(m.all, &cp)
	return nil
}

func (m *memResources) Get(_ context.Context, id string) (*tier.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.all {
		if r.ID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, identity.ErrNotFound
}

func (m *memResources) ListByAccount(_ context.Context, accountID, kind string) ([]tier.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []tier.Resource
	for _, r := range m.all {
		if r.AccountID == accountID && r.Kind == kind {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memResources) SetRestricted(_ context.Context, id string, restricted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.all {
		if r.ID == id {
			r.Restricted = restricted
			return nil
		}
	}
	return identity.ErrNotFound
}
