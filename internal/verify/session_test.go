package verify

import (
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aventus-dev/solgate/internal/apierr"
	"github.com/aventus-dev/solgate/internal/db"
)

// fakeRepo is an in-memory stand-in for internal/db.Repository, guarded
// so concurrent submit attempts in the single-use test are race-free.
type fakeRepo struct {
	mu       sync.Mutex
	sessions map[string]*db.VerifySession
	links    map[string]db.WalletLink // key: serverID+"/"+memberID
	audit    []db.AuditEntry
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{sessions: map[string]*db.VerifySession{}, links: map[string]db.WalletLink{}}
}

func (r *fakeRepo) EnsureServer(serverID string) error { return nil }

func (r *fakeRepo) CreateVerifySession(s db.VerifySession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *fakeRepo) GetVerifySession(id string) (*db.VerifySession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (r *fakeRepo) MarkSessionUsed(id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.UsedAt != nil {
		return false, nil
	}
	s.UsedAt = &at
	return true, nil
}

func (r *fakeRepo) DeleteExpiredOrUsedSessions(now time.Time) (int64, error) { return 0, nil }

func (r *fakeRepo) GetWalletLink(serverID, memberID string) (*db.WalletLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	link, ok := r.links[serverID+"/"+memberID]
	if !ok {
		return nil, nil
	}
	return &link, nil
}

func (r *fakeRepo) UpsertWalletLink(id, serverID, memberID, walletPubkey string, verifiedAt time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := serverID + "/" + memberID
	previous := ""
	if existing, ok := r.links[key]; ok {
		previous = existing.WalletPubkey
	}
	r.links[key] = db.WalletLink{ID: id, ServerID: serverID, MemberID: memberID, WalletPubkey: walletPubkey, VerifiedAt: verifiedAt}
	return previous, nil
}

func (r *fakeRepo) DeleteWalletLink(serverID, memberID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.links, serverID+"/"+memberID)
	return nil
}

func (r *fakeRepo) InsertAuditEntry(e db.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audit = append(r.audit, e)
	return nil
}

type fakeRecheck struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeRecheck) EnqueueRecheck(serverID string, memberID *string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, serverID)
}

type fakeRoleRemover struct{ calls int }

func (f *fakeRoleRemover) RemoveManagedRolesForMember(serverID, memberID string) error {
	f.calls++
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeRepo) {
	t.Helper()
	signer, err := NewTokenSigner("01234567890123456789012345678901")
	require.NoError(t, err)
	repo := newFakeRepo()
	svc := NewService(repo, signer, "https://verify.example.com", &fakeRecheck{}, &fakeRoleRemover{})
	return svc, repo
}

func signChallenge(t *testing.T, priv ed25519.PrivateKey, message string) string {
	t.Helper()
	sig := ed25519.Sign(priv, []byte(message))
	return base58.Encode(sig)
}

func TestSubmit_Success(t *testing.T) {
	svc, _ := newTestService(t)
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	session, err := svc.CreateSession("guild-1", "member-1")
	require.NoError(t, err)

	challenge, err := svc.GetChallenge(session.Token)
	require.NoError(t, err)

	sigB58 := signChallenge(t, priv, challenge.Message)
	result, err := svc.Submit(session.Token, base58.Encode(pub), sigB58)
	require.NoError(t, err)
	assert.Equal(t, "guild-1", result.ServerID)
	assert.False(t, result.Replaced)
}

// S5: Replay rejected — a second submit with the same token fails SESSION_INVALID.
func TestSubmit_ReplayRejected(t *testing.T) {
	svc, _ := newTestService(t)
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	session, err := svc.CreateSession("guild-1", "member-1")
	require.NoError(t, err)
	challenge, err := svc.GetChallenge(session.Token)
	require.NoError(t, err)
	sigB58 := signChallenge(t, priv, challenge.Message)

	_, err = svc.Submit(session.Token, base58.Encode(pub), sigB58)
	require.NoError(t, err)

	_, err = svc.Submit(session.Token, base58.Encode(pub), sigB58)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.CodeSessionInvalid))
}

// S6: Signature over a different message is rejected.
func TestSubmit_SignatureMismatch(t *testing.T) {
	svc, repo := newTestService(t)
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	session, err := svc.CreateSession("guild-1", "member-1")
	require.NoError(t, err)

	wrongSig := signChallenge(t, priv, "not the real challenge message")
	_, err = svc.Submit(session.Token, base58.Encode(pub), wrongSig)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.CodeInvalidSignature))

	link, _ := repo.GetWalletLink("guild-1", "member-1")
	assert.Nil(t, link)
}

// §8 property 5: a valid signature cannot be replayed against another session.
func TestSubmit_CannotReplayAcrossSessions(t *testing.T) {
	svc, _ := newTestService(t)
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	session1, err := svc.CreateSession("guild-1", "member-1")
	require.NoError(t, err)
	challenge1, err := svc.GetChallenge(session1.Token)
	require.NoError(t, err)
	sig1 := signChallenge(t, priv, challenge1.Message)

	session2, err := svc.CreateSession("guild-1", "member-2")
	require.NoError(t, err)

	// sig1 was computed over session1's message (different nonce); using
	// it against session2's token must fail signature verification.
	_, err = svc.Submit(session2.Token, base58.Encode(pub), sig1)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.CodeInvalidSignature))
}

func TestSubmit_ReplacesExistingLink(t *testing.T) {
	svc, _ := newTestService(t)

	pub1, priv1, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	session1, err := svc.CreateSession("guild-1", "member-1")
	require.NoError(t, err)
	challenge1, err := svc.GetChallenge(session1.Token)
	require.NoError(t, err)
	_, err = svc.Submit(session1.Token, base58.Encode(pub1), signChallenge(t, priv1, challenge1.Message))
	require.NoError(t, err)

	pub2, priv2, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	session2, err := svc.CreateSession("guild-1", "member-1")
	require.NoError(t, err)
	challenge2, err := svc.GetChallenge(session2.Token)
	require.NoError(t, err)
	result, err := svc.Submit(session2.Token, base58.Encode(pub2), signChallenge(t, priv2, challenge2.Message))
	require.NoError(t, err)
	assert.True(t, result.Replaced)
}

func TestGetChallenge_ExpiredSessionRejected(t *testing.T) {
	svc, _ := newTestService(t)
	fixedNow := time.Now()
	svc.now = func() time.Time { return fixedNow }

	session, err := svc.CreateSession("guild-1", "member-1")
	require.NoError(t, err)

	svc.now = func() time.Time { return fixedNow.Add(11 * time.Minute) }
	_, err = svc.GetChallenge(session.Token)
	require.Error(t, err)
}

func TestUnlink_RemovesLinkAndRoles(t *testing.T) {
	svc, repo := newTestService(t)
	_ = repo.CreateVerifySession(db.VerifySession{ID: uuid.NewString()})
	_, _ = repo.UpsertWalletLink(uuid.NewString(), "guild-1", "member-1", "somepubkey", time.Now())

	err := svc.Unlink("guild-1", "member-1")
	require.NoError(t, err)

	link, _ := repo.GetWalletLink("guild-1", "member-1")
	assert.Nil(t, link)
	assert.Equal(t, 1, svc.roles.(*fakeRoleRemover).calls)
}
