package verify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aventus-dev/solgate/internal/apierr"
)

// tokenTTL is the opaque token's own expiry, independent of (but no
// longer than) the session's 10-minute TTL (§4.4 create_session).
const tokenTTL = 10 * time.Minute

// tokenClaims is the payload the HMAC-signed opaque token binds (§4.4:
// "binding {server_id, member_id, session_id}").
type tokenClaims struct {
	ServerID  string    `json:"server_id"`
	MemberID  string    `json:"member_id"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"exp"`
}

// TokenSigner signs and verifies the opaque verification token with a
// symmetric HMAC-SHA256 secret (§4.4, §6 "HMAC secret (>=32 chars)").
type TokenSigner struct {
	secret []byte
}

func NewTokenSigner(secret string) (*TokenSigner, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("verify: HMAC secret must be >= 32 chars")
	}
	return &TokenSigner{secret: []byte(secret)}, nil
}

// Sign produces the opaque token string for a newly created session.
func (s *TokenSigner) Sign(serverID, memberID, sessionID string, now time.Time) (string, error) {
	claims := tokenClaims{
		ServerID:  serverID,
		MemberID:  memberID,
		SessionID: sessionID,
		ExpiresAt: now.Add(tokenTTL),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("verify: marshal token claims: %w", err)
	}

	encodedPayload := base64.RawURLEncoding.EncodeToString(payload)
	mac := s.sign(encodedPayload)
	return encodedPayload + "." + mac, nil
}

// Verify checks the token's signature and expiry, returning its claims.
// Signature and expiry are checked before the session is even loaded
// (§4.4's "defence in depth": token and session are both required).
func (s *TokenSigner) Verify(token string, now time.Time) (tokenClaims, error) {
	var empty tokenClaims

	sepIdx := indexOfDot(token)
	if sepIdx < 0 {
		return empty, apierr.SessionInvalid("malformed token")
	}
	encodedPayload, mac := token[:sepIdx], token[sepIdx+1:]

	expected := s.sign(encodedPayload)
	if !hmac.Equal([]byte(mac), []byte(expected)) {
		return empty, apierr.SessionInvalid("token signature mismatch")
	}

	payload, err := base64.RawURLEncoding.DecodeString(encodedPayload)
	if err != nil {
		return empty, apierr.SessionInvalid("malformed token payload")
	}

	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return empty, apierr.SessionInvalid("malformed token payload")
	}

	if now.After(claims.ExpiresAt) {
		return empty, apierr.SessionInvalid("token expired")
	}
	return claims, nil
}

func (s *TokenSigner) sign(encodedPayload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(encodedPayload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func indexOfDot(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}
