package tier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"biolinq.io/internal/identity"
)

type fakeAccounts struct {
	mu   sync.Mutex
	byID map[string]*identity.Account
}

func (f *fakeAccounts) Create(_ context.Context, a *identity.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *a
	f.byID[a.ID] = &cp
	return nil
}

func (f *fakeAccounts) Get(_ context.Context, id string) (*identity.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAccounts) GetByEmail(context.Context, string) (*identity.Account, error) {
	return nil, identity.ErrNotFound
}

func (f *fakeAccounts) GetByUsername(context.Context, string) (*identity.Account, error) {
	return nil, identity.ErrNotFound
}

func (f *fakeAccounts) UpdatePasswordHash(context.Context, string, string) error { return nil }

func (f *fakeAccounts) UpdateTier(_ context.Context, id, tier string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return identity.ErrNotFound
	}
	a.Tier = tier
	return nil
}

func (f *fakeAccounts) UpdateTOTP(context.Context, string, bool, []byte) error { return nil }
func (f *fakeAccounts) UpdateEmailMFA(context.Context, string, bool) error     { return nil }
func (f *fakeAccounts) Delete(context.Context, string) error                   { return nil }

type fakeRels struct {
	rels []identity.ParentRelationship
}

func (f *fakeRels) Create(_ context.Context, rel *identity.ParentRelationship) error {
	f.rels = append(f.rels, *rel)
	return nil
}

func (f *fakeRels) ActiveParentOf(_ context.Context, subID string) (*identity.ParentRelationship, error) {
	for _, r := range f.rels {
		if r.SubAccountID == subID && r.Status == identity.RelationshipActive {
			cp := r
			return &cp, nil
		}
	}
	return nil, identity.ErrNotFound
}

func (f *fakeRels) Active(_ context.Context, parentID, subID string) (*identity.ParentRelationship, error) {
	for _, r := range f.rels {
		if r.ParentID == parentID && r.SubAccountID == subID && r.Status == identity.RelationshipActive {
			cp := r
			return &cp, nil
		}
	}
	return nil, identity.ErrNotFound
}

func (f *fakeRels) ListActiveByParent(_ context.Context, parentID string) ([]identity.ParentRelationship, error) {
	var out []identity.ParentRelationship
	for _, r := range f.rels {
		if r.ParentID == parentID && r.Status == identity.RelationshipActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRels) CountActiveByParent(ctx context.Context, parentID string) (int, error) {
	list, err := f.ListActiveByParent(ctx, parentID)
	return len(list), err
}

func (f *fakeRels) SetStatus(context.Context, string, string, string) error { return nil }

// hopTiers resolves the effective tier through the account and relationship
// fakes the same single-hop way production does.
type hopTiers struct {
	accounts *fakeAccounts
	rels     *fakeRels
}

func (h hopTiers) EffectiveTier(ctx context.Context, accountID string) (string, bool, error) {
	a, err := h.accounts.Get(ctx, accountID)
	if err != nil {
		return "", false, err
	}
	if !a.IsSubAccount {
		return a.Tier, false, nil
	}
	rel, err := h.rels.ActiveParentOf(ctx, accountID)
	if err != nil {
		return a.Tier, false, nil
	}
	parent, err := h.accounts.Get(ctx, rel.ParentID)
	if err != nil {
		return "", false, err
	}
	return parent.Tier, true, nil
}

type memResources struct {
	mu   sync.Mutex
	byID map[string]*Resource
}

func (m *memResources) Create(_ context.Context, r *Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.byID[r.ID] = &cp
	return nil
}

func (m *memResources) Get(_ context.Context, id string) (*Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memResources) ListByAccount(_ context.Context, accountID, kind string) ([]Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Resource
	for _, r := range m.byID {
		if r.AccountID == accountID && r.Kind == kind {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memResources) SetRestricted(_ context.Context, id string, restricted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return identity.ErrNotFound
	}
	r.Restricted = restricted
	return nil
}

type engineFixture struct {
	engine    *Engine
	accounts  *fakeAccounts
	rels      *fakeRels
	resources *memResources
	rdb       *redis.Client
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	f := &engineFixture{
		accounts:  &fakeAccounts{byID: map[string]*identity.Account{}},
		rels:      &fakeRels{},
		resources: &memResources{byID: map[string]*Resource{}},
		rdb:       rdb,
	}
	f.engine = NewEngine(f.accounts, f.rels, f.resources, hopTiers{f.accounts, f.rels}, rdb, zap.NewNop())
	return f
}

func (f *engineFixture) seedAccount(t *testing.T, id, tier string, sub bool) {
	t.Helper()
	a := &identity.Account{ID: id, Username: id, Tier: tier, IsSubAccount: sub, AuthDisabled: sub}
	if err := f.accounts.Create(context.Background(), a); err != nil {
		t.Fatalf("seed account: %v", err)
	}
}

func (f *engineFixture) seedResources(t *testing.T, accountID, kind string, n int) []string {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%s-%02d", accountID, kind, i)
		r := &Resource{ID: id, AccountID: accountID, Kind: kind, CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := f.resources.Create(context.Background(), r); err != nil {
			t.Fatalf("seed resource: %v", err)
		}
		ids[i] = id
	}
	return ids
}

func (f *engineFixture) restricted(t *testing.T, accountID, kind string) []bool {
	t.Helper()
	list, err := f.resources.ListByAccount(context.Background(), accountID, kind)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	out := make([]bool, len(list))
	for i, r := range list {
		out[i] = r.Restricted
	}
	return out
}

func TestDowngradeRestrictsNewestFirst(t *testing.T) {
	f := newEngineFixture(t)
	f.seedAccount(t, "p1", Pro, false)
	f.seedResources(t, "p1", KindPage, 5)
	f.seedResources(t, "p1", KindShortLink, 3)

	if err := f.engine.ApplyTierChange(context.Background(), "p1", Free); err != nil {
		t.Fatalf("ApplyTierChange: %v", err)
	}

	// Free allows 1 page: only the earliest stays active.
	if got := f.restricted(t, "p1", KindPage); !equalBools(got, []bool{false, true, true, true, true}) {
		t.Fatalf("pages restricted = %v", got)
	}
	// 3 short links fit within free's 5.
	if got := f.restricted(t, "p1", KindShortLink); !equalBools(got, []bool{false, false, false}) {
		t.Fatalf("short links restricted = %v", got)
	}
}

func TestUpgradeLiftsRestrictions(t *testing.T) {
	f := newEngineFixture(t)
	f.seedAccount(t, "p1", Pro, false)
	f.seedResources(t, "p1", KindPage, 5)
	f.seedResources(t, "p1", KindAppearance, 2)

	if err := f.engine.ApplyTierChange(context.Background(), "p1", Free); err != nil {
		t.Fatalf("downgrade: %v", err)
	}
	if got := f.restricted(t, "p1", KindAppearance); !equalBools(got, []bool{true, true}) {
		t.Fatalf("appearance after downgrade = %v", got)
	}

	if err := f.engine.ApplyTierChange(context.Background(), "p1", Agency); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if got := f.restricted(t, "p1", KindPage); !equalBools(got, []bool{false, false, false, false, false}) {
		t.Fatalf("pages after upgrade = %v", got)
	}
	if got := f.restricted(t, "p1", KindAppearance); !equalBools(got, []bool{false, false}) {
		t.Fatalf("appearance after upgrade = %v", got)
	}
}

func TestTierChangePropagatesToSubAccounts(t *testing.T) {
	f := newEngineFixture(t)
	f.seedAccount(t, "p1", Agency, false)
	f.seedAccount(t, "s1", Agency, true)
	f.rels.rels = append(f.rels.rels, identity.ParentRelationship{
		SubAccountID: "s1", ParentID: "p1", Type: "sub_account", Status: identity.RelationshipActive,
	})
	f.seedResources(t, "s1", KindPage, 3)

	if err := f.engine.ApplyTierChange(context.Background(), "p1", Free); err != nil {
		t.Fatalf("ApplyTierChange: %v", err)
	}
	// The sub-account's effective tier followed the parent down to free.
	if got := f.restricted(t, "s1", KindPage); !equalBools(got, []bool{false, true, true}) {
		t.Fatalf("sub-account pages = %v", got)
	}
}

func TestApplyTierChangeRejectsSubAccount(t *testing.T) {
	f := newEngineFixture(t)
	f.seedAccount(t, "s1", Free, true)
	if err := f.engine.ApplyTierChange(context.Background(), "s1", Pro); !errors.Is(err, ErrSubAccountTier) {
		t.Fatalf("got %v, want ErrSubAccountTier", err)
	}
}

func TestApplyTierChangeRejectsUnknownTier(t *testing.T) {
	f := newEngineFixture(t)
	f.seedAccount(t, "p1", Free, false)
	if err := f.engine.ApplyTierChange(context.Background(), "p1", "platinum"); !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("got %v, want ErrUnknownTier", err)
	}
}

func TestReconcileLockExcludes(t *testing.T) {
	f := newEngineFixture(t)
	f.seedAccount(t, "p1", Free, false)

	ok, err := f.rdb.SetNX(context.Background(), "tier:reconcile:p1", "1", time.Minute).Result()
	if err != nil || !ok {
		t.Fatalf("seed lock: %v %v", ok, err)
	}
	if err := f.engine.Reconcile(context.Background(), "p1"); !errors.Is(err, ErrReconcileBusy) {
		t.Fatalf("got %v, want ErrReconcileBusy", err)
	}

	if err := f.rdb.Del(context.Background(), "tier:reconcile:p1").Err(); err != nil {
		t.Fatalf("release lock: %v", err)
	}
	if err := f.engine.Reconcile(context.Background(), "p1"); err != nil {
		t.Fatalf("after release: %v", err)
	}
	// The lock is dropped when reconcile finishes.
	if n, err := f.rdb.Exists(context.Background(), "tier:reconcile:p1").Result(); err != nil || n != 0 {
		t.Fatalf("lock leaked: n=%d err=%v", n, err)
	}
}

func TestLimitsFor(t *testing.T) {
	for _, tier := range []string{Free, Starter, Pro, Agency} {
		if _, ok := LimitsFor(tier); !ok {
			t.Errorf("LimitsFor(%q) unknown", tier)
		}
	}
	if _, ok := LimitsFor("platinum"); ok {
		t.Error("LimitsFor accepted an unknown tier")
	}
}

func equalBools(a, b []bool) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
