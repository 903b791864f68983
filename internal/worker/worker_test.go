package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aventus-dev/solgate/internal/apierr"
	"github.com/aventus-dev/solgate/internal/db"
	"github.com/aventus-dev/solgate/internal/holdings"
	"github.com/aventus-dev/solgate/internal/rules"
)

type fakeRepo struct {
	mu      sync.Mutex
	rules   map[string][]db.GatingRule
	links   map[string][]db.WalletLink
	touched map[string]time.Time
	audit   []db.AuditEntry
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		rules:   map[string][]db.GatingRule{},
		links:   map[string][]db.WalletLink{},
		touched: map[string]time.Time{},
	}
}

func (r *fakeRepo) DistinctServerIDsWithEnabledRule() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id := range r.rules {
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *fakeRepo) ListEnabledRules(serverID string) ([]db.GatingRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rules[serverID], nil
}

func (r *fakeRepo) ListWalletLinks(serverID string) ([]db.WalletLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.links[serverID], nil
}

func (r *fakeRepo) GetWalletLink(serverID, memberID string) (*db.WalletLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.links[serverID] {
		if l.MemberID == memberID {
			cp := l
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) DistinctRoleIDs(serverID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, rule := range r.rules[serverID] {
		if !seen[rule.RoleID] {
			seen[rule.RoleID] = true
			out = append(out, rule.RoleID)
		}
	}
	return out, nil
}

func (r *fakeRepo) TouchLastChecked(serverID, memberID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched[serverID+"/"+memberID] = at
	return nil
}

func (r *fakeRepo) InsertAuditEntry(e db.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audit = append(r.audit, e)
	return nil
}

func (r *fakeRepo) DeleteExpiredOrUsedSessions(now time.Time) (int64, error) { return 0, nil }
func (r *fakeRepo) PruneAuditEntries(olderThan time.Time) (int64, error)     { return 0, nil }

type fakeChain struct {
	mu     sync.Mutex
	snap   rules.Snapshot
	err    error
	calls  int
}

func (f *fakeChain) Snapshot(ctx context.Context, wallet string, opts holdings.Options) (rules.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return rules.Snapshot{}, f.err
	}
	return f.snap, nil
}

type fakePrices struct{ prices map[string]decimal.Decimal }

func (f *fakePrices) GetUSDPrices(ctx context.Context, assetIDs []string) (map[string]decimal.Decimal, error) {
	return f.prices, nil
}

type fakeChat struct {
	mu           sync.Mutex
	guildOK      bool
	memberRoles  map[string][]string
	manageable   map[string]bool
	addCalls     []string
	removeCalls  []string
}

func newFakeChat() *fakeChat {
	return &fakeChat{guildOK: true, memberRoles: map[string][]string{}, manageable: map[string]bool{}}
}

func (f *fakeChat) GuildExists(guildID string) (bool, error) { return f.guildOK, nil }

func (f *fakeChat) MemberRoles(guildID, memberID string) ([]string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.memberRoles[memberID], true, nil
}

func (f *fakeChat) HasRole(roles []string, roleID string) bool {
	for _, r := range roles {
		if r == roleID {
			return true
		}
	}
	return false
}

func (f *fakeChat) AddRole(guildID, memberID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls = append(f.addCalls, memberID+"/"+roleID)
	f.memberRoles[memberID] = append(f.memberRoles[memberID], roleID)
	return nil
}

func (f *fakeChat) RemoveRole(guildID, memberID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls = append(f.removeCalls, memberID+"/"+roleID)
	var kept []string
	for _, r := range f.memberRoles[memberID] {
		if r != roleID {
			kept = append(kept, r)
		}
	}
	f.memberRoles[memberID] = kept
	return nil
}

func (f *fakeChat) CanManageRole(guildID, roleID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.manageable[roleID]; ok {
		return v, nil
	}
	return true, nil
}

type fakeLock struct{ acquired bool }

func (f *fakeLock) TryAcquire(ctx context.Context) (bool, error) { return true, nil }
func (f *fakeLock) Release(ctx context.Context) error            { return nil }

func tokenAmountRule(id, roleID, mint string, threshold decimal.Decimal) db.GatingRule {
	return db.GatingRule{ID: id, RoleID: roleID, Enabled: true, Kind: db.RuleKindTokenAmount, Mint: mint, ThresholdAmount: threshold}
}

func newTestWorker(repo *fakeRepo, chain *fakeChain, chat *fakeChat) *Worker {
	return New(repo, chain, &fakePrices{}, chat, &fakeLock{}, Config{}, zerolog.Nop())
}

// §8 property 3: a chain-adapter failure must not strip an existing role.
func TestCheckOneMember_FailOpenDoesNotRemoveRole(t *testing.T) {
	repo := newFakeRepo()
	repo.rules["guild-1"] = []db.GatingRule{tokenAmountRule("r1", "role-1", "MINT", decimal.NewFromInt(10))}
	repo.links["guild-1"] = []db.WalletLink{{ServerID: "guild-1", MemberID: "member-1", WalletPubkey: "wallet-1"}}

	chat := newFakeChat()
	chat.memberRoles["member-1"] = []string{"role-1"}

	chain := &fakeChain{err: apierr.UpstreamUnavailable("rpc down", errors.New("timeout"))}
	w := newTestWorker(repo, chain, chat)

	err := w.checkOneMember(context.Background(), "guild-1", "member-1", nil)
	require.NoError(t, err)

	assert.Empty(t, chat.removeCalls)
	assert.Contains(t, chat.memberRoles["member-1"], "role-1")
	assert.Contains(t, repo.touched, "guild-1/member-1")
}

// §8 property 6: re-running evaluation against an already-correct
// membership issues no add/remove calls.
func TestCheckOneMember_IdempotentWhenAlreadyCorrect(t *testing.T) {
	repo := newFakeRepo()
	repo.rules["guild-1"] = []db.GatingRule{tokenAmountRule("r1", "role-1", "MINT", decimal.NewFromInt(10))}
	repo.links["guild-1"] = []db.WalletLink{{ServerID: "guild-1", MemberID: "member-1", WalletPubkey: "wallet-1"}}

	chat := newFakeChat()
	chat.memberRoles["member-1"] = []string{"role-1"}

	chain := &fakeChain{snap: rules.Snapshot{TokenBalancesByMint: map[string]decimal.Decimal{"MINT": decimal.NewFromInt(20)}}}
	w := newTestWorker(repo, chain, chat)

	err := w.checkOneMember(context.Background(), "guild-1", "member-1", nil)
	require.NoError(t, err)

	assert.Empty(t, chat.addCalls)
	assert.Empty(t, chat.removeCalls)
}

func TestCheckOneMember_AddsRoleWhenSatisfied(t *testing.T) {
	repo := newFakeRepo()
	repo.rules["guild-1"] = []db.GatingRule{tokenAmountRule("r1", "role-1", "MINT", decimal.NewFromInt(10))}
	repo.links["guild-1"] = []db.WalletLink{{ServerID: "guild-1", MemberID: "member-1", WalletPubkey: "wallet-1"}}

	chat := newFakeChat()
	chain := &fakeChain{snap: rules.Snapshot{TokenBalancesByMint: map[string]decimal.Decimal{"MINT": decimal.NewFromInt(20)}}}
	w := newTestWorker(repo, chain, chat)

	err := w.checkOneMember(context.Background(), "guild-1", "member-1", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"member-1/role-1"}, chat.addCalls)
}

func TestCheckOneMember_RemovesRoleWhenUnsatisfied(t *testing.T) {
	repo := newFakeRepo()
	repo.rules["guild-1"] = []db.GatingRule{tokenAmountRule("r1", "role-1", "MINT", decimal.NewFromInt(10))}
	repo.links["guild-1"] = []db.WalletLink{{ServerID: "guild-1", MemberID: "member-1", WalletPubkey: "wallet-1"}}

	chat := newFakeChat()
	chat.memberRoles["member-1"] = []string{"role-1"}
	chain := &fakeChain{snap: rules.Snapshot{TokenBalancesByMint: map[string]decimal.Decimal{"MINT": decimal.Zero}}}
	w := newTestWorker(repo, chain, chat)

	err := w.checkOneMember(context.Background(), "guild-1", "member-1", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"member-1/role-1"}, chat.removeCalls)
}

// §8 property 8: an unmanageable role is never touched even when the
// decision calls for a change.
func TestCheckOneMember_ManageabilityGateSkipsRole(t *testing.T) {
	repo := newFakeRepo()
	repo.rules["guild-1"] = []db.GatingRule{tokenAmountRule("r1", "role-1", "MINT", decimal.NewFromInt(10))}
	repo.links["guild-1"] = []db.WalletLink{{ServerID: "guild-1", MemberID: "member-1", WalletPubkey: "wallet-1"}}

	chat := newFakeChat()
	chat.manageable["role-1"] = false
	chain := &fakeChain{snap: rules.Snapshot{TokenBalancesByMint: map[string]decimal.Decimal{"MINT": decimal.NewFromInt(20)}}}
	w := newTestWorker(repo, chain, chat)

	err := w.checkOneMember(context.Background(), "guild-1", "member-1", nil)
	require.NoError(t, err)

	assert.Empty(t, chat.addCalls)
}

func TestCheckOneMember_NoWalletLinkSkipsSilently(t *testing.T) {
	repo := newFakeRepo()
	repo.rules["guild-1"] = []db.GatingRule{tokenAmountRule("r1", "role-1", "MINT", decimal.NewFromInt(10))}

	chat := newFakeChat()
	chain := &fakeChain{}
	w := newTestWorker(repo, chain, chat)

	err := w.checkOneMember(context.Background(), "guild-1", "member-1", nil)
	require.NoError(t, err)
	assert.Zero(t, chain.calls)
}

// EnqueueRecheck must serialize concurrent enqueues through a single
// drain loop (§5): every item is eventually processed exactly once.
func TestEnqueueRecheck_DrainsAllItemsExactlyOnce(t *testing.T) {
	repo := newFakeRepo()
	repo.rules["guild-1"] = []db.GatingRule{tokenAmountRule("r1", "role-1", "MINT", decimal.NewFromInt(10))}
	for i := 0; i < 5; i++ {
		member := "member-" + string(rune('a'+i))
		repo.links["guild-1"] = append(repo.links["guild-1"], db.WalletLink{ServerID: "guild-1", MemberID: member, WalletPubkey: "w"})
	}

	chat := newFakeChat()
	chain := &fakeChain{snap: rules.Snapshot{TokenBalancesByMint: map[string]decimal.Decimal{"MINT": decimal.NewFromInt(20)}}}
	w := newTestWorker(repo, chain, chat)

	var wg sync.WaitGroup
	for _, link := range repo.links["guild-1"] {
		wg.Add(1)
		member := link.MemberID
		go func() {
			defer wg.Done()
			w.EnqueueRecheck("guild-1", &member)
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return len(repo.touched) == 5
	}, time.Second, 5*time.Millisecond)

	chain.mu.Lock()
	defer chain.mu.Unlock()
	assert.Equal(t, 5, chain.calls)
}
