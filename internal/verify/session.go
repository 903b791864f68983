// Package verify implements C4, the verification protocol: the
// challenge-sign-verify handshake that binds a Discord identity to a
// wallet public key with replay resistance (§4.4).
package verify

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aventus-dev/solgate/internal/apierr"
	"github.com/aventus-dev/solgate/internal/db"
	"github.com/aventus-dev/solgate/pkg/util"
)

// sessionTTL is the VerifySession's lifetime (§3: "TTL 10 minutes").
const sessionTTL = 10 * time.Minute

// nonceBytes yields a >=128-bit random hex nonce (§3).
const nonceBytes = 16

// repository is the subset of internal/db.Repository C4 depends on.
type repository interface {
	EnsureServer(serverID string) error
	CreateVerifySession(s db.VerifySession) error
	GetVerifySession(id string) (*db.VerifySession, error)
	MarkSessionUsed(id string, at time.Time) (bool, error)
	DeleteExpiredOrUsedSessions(now time.Time) (int64, error)
	GetWalletLink(serverID, memberID string) (*db.WalletLink, error)
	UpsertWalletLink(id, serverID, memberID, walletPubkey string, verifiedAt time.Time) (previous string, err error)
	DeleteWalletLink(serverID, memberID string) error
	InsertAuditEntry(e db.AuditEntry) error
}

// rechecker is implemented by internal/worker.Worker; kept as a narrow
// interface here so internal/verify never imports internal/worker.
type rechecker interface {
	EnqueueRecheck(serverID string, memberID *string)
}

// roleRemover is implemented by internal/worker.Worker; used by Unlink to
// strip every managed role from a member (§4.5
// remove_managed_roles_for_member).
type roleRemover interface {
	RemoveManagedRolesForMember(serverID, memberID string) error
}

// Service implements every C4 operation.
type Service struct {
	repo      repository
	signer    *TokenSigner
	baseURL   string
	recheck   rechecker
	roles     roleRemover
	now       func() time.Time
}

func NewService(repo repository, signer *TokenSigner, baseURL string, recheck rechecker, roles roleRemover) *Service {
	return &Service{repo: repo, signer: signer, baseURL: baseURL, recheck: recheck, roles: roles, now: time.Now}
}

// SessionToken is the result of create_session: the signed opaque token
// and a deep link to the in-browser signing page (§4.4).
type SessionToken struct {
	Token   string
	SignURL string
}

// CreateSession implements §4.4's create_session.
func (s *Service) CreateSession(serverID, memberID string) (SessionToken, error) {
	if err := s.repo.EnsureServer(serverID); err != nil {
		return SessionToken{}, fmt.Errorf("verify: ensure server: %w", err)
	}

	nonce, err := randomHexNonce()
	if err != nil {
		return SessionToken{}, fmt.Errorf("verify: generate nonce: %w", err)
	}

	now := s.now()
	expiresAt := now.Add(sessionTTL)
	sessionID := uuid.NewString()
	challenge := challengeMessage(memberID, serverID, nonce, expiresAt)

	session := db.VerifySession{
		ID:               sessionID,
		ServerID:         serverID,
		MemberID:         memberID,
		Nonce:            nonce,
		ChallengeMessage: challenge,
		ExpiresAt:        expiresAt,
		CreatedAt:        now,
	}
	if err := s.repo.CreateVerifySession(session); err != nil {
		return SessionToken{}, fmt.Errorf("verify: create session: %w", err)
	}

	token, err := s.signer.Sign(serverID, memberID, sessionID, now)
	if err != nil {
		return SessionToken{}, fmt.Errorf("verify: sign token: %w", err)
	}

	return SessionToken{
		Token:   token,
		SignURL: fmt.Sprintf("%s/verify?token=%s", s.baseURL, token),
	}, nil
}

// Challenge is the result of get_challenge.
type Challenge struct {
	Message   string
	ExpiresAt time.Time
}

// GetChallenge implements §4.4's get_challenge.
func (s *Service) GetChallenge(token string) (Challenge, error) {
	session, err := s.loadUsableSession(token)
	if err != nil {
		return Challenge{}, err
	}
	return Challenge{Message: session.ChallengeMessage, ExpiresAt: session.ExpiresAt}, nil
}

// SubmitResult is the result of submit.
type SubmitResult struct {
	ServerID string
	MemberID string
	Replaced bool
}

// Submit implements §4.4's submit, including the security-critical
// ordering: used_at is set before the WalletLink write (§4.4 step 4, §9
// Open Question — preserved as specified).
func (s *Service) Submit(token, walletPubkeyB58, signatureB58 string) (SubmitResult, error) {
	claims, session, err := s.loadClaimsAndSession(token)
	if err != nil {
		return SubmitResult{}, err
	}

	pubkeyRaw, err := util.DecodePubkey(walletPubkeyB58)
	if err != nil {
		return SubmitResult{}, apierr.Validation(err.Error())
	}
	sigRaw, err := util.DecodeSignature(signatureB58)
	if err != nil {
		return SubmitResult{}, apierr.Validation(err.Error())
	}

	if !ed25519.Verify(pubkeyRaw, []byte(session.ChallengeMessage), sigRaw) {
		return SubmitResult{}, apierr.InvalidSignature("signature does not match challenge message")
	}

	// Mark used before the link upsert so a replay cannot land twice even
	// if the upsert below fails (§4.4 step 4, §9 Open Question).
	won, err := s.repo.MarkSessionUsed(session.ID, s.now())
	if err != nil {
		return SubmitResult{}, fmt.Errorf("verify: mark session used: %w", err)
	}
	if !won {
		return SubmitResult{}, apierr.SessionInvalid("session already used")
	}

	previous, err := s.repo.UpsertWalletLink(uuid.NewString(), claims.ServerID, claims.MemberID, walletPubkeyB58, s.now())
	if err != nil {
		return SubmitResult{}, fmt.Errorf("verify: upsert wallet link: %w", err)
	}

	replaced := previous != "" && previous != walletPubkeyB58
	action := db.ActionVerifySuccess
	if replaced {
		action = db.ActionVerifyReplaced
	}
	_ = s.repo.InsertAuditEntry(db.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: s.now(),
		ServerID:  claims.ServerID,
		MemberID:  claims.MemberID,
		RoleID:    "",
		Action:    action,
		Reason:    "wallet verification submitted",
	})

	member := claims.MemberID
	s.recheck.EnqueueRecheck(claims.ServerID, &member)

	return SubmitResult{ServerID: claims.ServerID, MemberID: claims.MemberID, Replaced: replaced}, nil
}

// Unlink implements §4.4's unlink.
func (s *Service) Unlink(serverID, memberID string) error {
	if err := s.repo.DeleteWalletLink(serverID, memberID); err != nil {
		return fmt.Errorf("verify: delete wallet link: %w", err)
	}
	_ = s.repo.InsertAuditEntry(db.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: s.now(),
		ServerID:  serverID,
		MemberID:  memberID,
		Action:    db.ActionVerifyUnlinked,
		Reason:    "member unlinked wallet",
	})
	return s.roles.RemoveManagedRolesForMember(serverID, memberID)
}

// Cleanup implements §4.4's cleanup(): periodically delete sessions that
// are expired or used.
func (s *Service) Cleanup() (int64, error) {
	n, err := s.repo.DeleteExpiredOrUsedSessions(s.now())
	if err != nil {
		return 0, fmt.Errorf("verify: cleanup sessions: %w", err)
	}
	return n, nil
}

func (s *Service) loadClaimsAndSession(token string) (tokenClaims, *db.VerifySession, error) {
	claims, err := s.signer.Verify(token, s.now())
	if err != nil {
		return tokenClaims{}, nil, err
	}

	session, err := s.repo.GetVerifySession(claims.SessionID)
	if err != nil {
		return tokenClaims{}, nil, fmt.Errorf("verify: load session: %w", err)
	}
	if session == nil {
		return tokenClaims{}, nil, apierr.SessionInvalid("session not found")
	}
	if session.ServerID != claims.ServerID || session.MemberID != claims.MemberID {
		return tokenClaims{}, nil, apierr.SessionInvalid("session identity mismatch")
	}
	if session.UsedAt != nil {
		return tokenClaims{}, nil, apierr.SessionInvalid("session already used")
	}
	if s.now().After(session.ExpiresAt) {
		return tokenClaims{}, nil, apierr.SessionInvalid("session expired")
	}
	return claims, session, nil
}

func (s *Service) loadUsableSession(token string) (*db.VerifySession, error) {
	_, session, err := s.loadClaimsAndSession(token)
	return session, err
}

func randomHexNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// challengeMessage builds the exact form §4.4 specifies:
// "Verify Discord <member_id> in Guild <server_id> nonce <nonce> exp <ISO-8601 expires_at>"
func challengeMessage(memberID, serverID, nonce string, expiresAt time.Time) string {
	return fmt.Sprintf("Verify Discord %s in Guild %s nonce %s exp %s",
		memberID, serverID, nonce, expiresAt.UTC().Format(time.RFC3339))
}
