// Package db implements C7, the persistence contracts: gorm models for
// every entity in spec §3 plus a repository exposing the typed accessors
// C2/C4/C5 assume (atomic upserts on unique keys, distinct selection,
// retention deletes). Mirrors the teacher's internal/db shape — one
// gorm.DB-backed struct, TableName() overrides, fmt.Errorf wrapping.
package db

import (
	"time"

	"github.com/shopspring/decimal"
)

// RuleKind mirrors rules.Kind as a persisted integer tag (§9 "tagged rule
// variants... the stored row schema is wide with nullable columns").
type RuleKind int

const (
	RuleKindTokenAmount RuleKind = iota
	RuleKindTokenUsd
	RuleKindNftCollection
)

// AuditAction enumerates the AuditEntry.action values of §3.
type AuditAction string

const (
	ActionRoleAdded      AuditAction = "ROLE_ADDED"
	ActionRoleRemoved    AuditAction = "ROLE_REMOVED"
	ActionVerifySuccess  AuditAction = "VERIFY_SUCCESS"
	ActionVerifyReplaced AuditAction = "VERIFY_REPLACED"
	ActionVerifyUnlinked AuditAction = "VERIFY_UNLINKED"
)

// Server is created on first interaction; never deleted by the core (§3).
type Server struct {
	ServerID  string `gorm:"primaryKey;column:server_id"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Server) TableName() string { return "servers" }

// WalletLink binds a Discord member to a verified Solana wallet within a
// server. Uniqueness: (server_id, member_id) per §3.
type WalletLink struct {
	ID            string `gorm:"primaryKey"`
	ServerID      string `gorm:"uniqueIndex:idx_wallet_links_server_member;not null"`
	MemberID      string `gorm:"uniqueIndex:idx_wallet_links_server_member;not null"`
	WalletPubkey  string `gorm:"not null"`
	VerifiedAt    time.Time
	LastCheckedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (WalletLink) TableName() string { return "wallet_links" }

// VerifySession is the challenge-sign-verify handshake's server-side
// state (§4.4, §3). nonce is globally unique; TTL 10 minutes.
type VerifySession struct {
	ID              string `gorm:"primaryKey"`
	ServerID        string `gorm:"not null;index"`
	MemberID        string `gorm:"not null;index"`
	Nonce           string `gorm:"uniqueIndex;not null"`
	ChallengeMessage string `gorm:"not null"`
	ExpiresAt       time.Time `gorm:"not null"`
	UsedAt          *time.Time
	CreatedAt       time.Time
}

func (VerifySession) TableName() string { return "verify_sessions" }

// GatingRule is the persisted wide-column form of the rules.Rule sum type
// (§3, §9). Only the columns relevant to Kind are populated.
type GatingRule struct {
	ID        string   `gorm:"primaryKey"`
	ServerID  string   `gorm:"not null;index"`
	RoleID    string   `gorm:"not null;index"`
	Enabled   bool     `gorm:"not null;default:true"`
	Kind      RuleKind `gorm:"not null"`
	CreatedBy string   `gorm:"not null"`

	Mint string

	ThresholdAmount decimal.Decimal `gorm:"type:decimal(38,12)"`

	ThresholdUSD decimal.Decimal `gorm:"type:decimal(38,12)"`
	PriceSource  string          `gorm:"default:COINGECKO"`
	PriceAssetID string

	CollectionAddress string
	ThresholdCount    int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (GatingRule) TableName() string { return "gating_rules" }

// AuditEntry is append-only and pruned by retention (§3, default 90 days).
type AuditEntry struct {
	ID        string `gorm:"primaryKey"`
	Timestamp time.Time `gorm:"not null;index"`
	ServerID  string    `gorm:"not null;index"`
	MemberID  string    `gorm:"not null"`
	RuleID    *string
	RoleID    string      `gorm:"not null"`
	Action    AuditAction `gorm:"not null"`
	Reason    string
}

func (AuditEntry) TableName() string { return "audit_entries" }

// PriceQuote is C2's persisted cache row: one per external asset id (§3).
type PriceQuote struct {
	AssetID   string `gorm:"primaryKey;column:asset_id"`
	PriceUsd  decimal.Decimal `gorm:"type:decimal(38,12)"`
	FetchedAt time.Time       `gorm:"not null"`
}

func (PriceQuote) TableName() string { return "price_quotes" }

// OAuthState supports the admin login flow; referenced for completeness
// per §3, not exercised by the core (out of scope per spec §1).
type OAuthState struct {
	State        string `gorm:"primaryKey"`
	Nonce        string `gorm:"not null"`
	RedirectPath string
	ExpiresAt    time.Time `gorm:"not null"`
	UsedAt       *time.Time
}

func (OAuthState) TableName() string { return "oauth_states" }

// AllModels lists every entity for AutoMigrate, mirroring the teacher's
// single-model AutoMigrate call in NewMySQLRecorder.
func AllModels() []any {
	return []any{
		&Server{},
		&WalletLink{},
		&VerifySession{},
		&GatingRule{},
		&AuditEntry{},
		&PriceQuote{},
		&OAuthState{},
	}
}
