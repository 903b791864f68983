package db

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Repository wraps a live gorm connection, the same shape as the
// teacher's MySQLRecorder: a single struct holding *gorm.DB, a
// constructor that dials + AutoMigrates, and typed accessor methods.
type Repository struct {
	db *gorm.DB
}

// NewRepository dials MySQL and migrates every model in AllModels.
// dsn format: "user:password@tcp(host:port)/dbname?charset=utf8mb4&parseTime=True&loc=Local"
func NewRepository(dsn string) (*Repository, error) {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return NewRepositoryWithDB(gdb)
}

// NewRepositoryWithDB wraps an existing *gorm.DB, migrating every model.
// NewRepository calls it after dialing MySQL.
func NewRepositoryWithDB(gdb *gorm.DB) (*Repository, error) {
	if err := gdb.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Repository{db: gdb}, nil
}

// GetDB returns the underlying gorm connection for advanced queries
// (mirrors the teacher's MySQLRecorder.GetDB, used by internal/lock for
// the advisory-lock raw SQL calls).
func (r *Repository) GetDB() *gorm.DB { return r.db }

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying db: %w", err)
	}
	return sqlDB.Close()
}

// --- Server ---------------------------------------------------------------

// EnsureServer creates the Server row if it does not already exist (§4.4
// create_session's "ensure server exists").
func (r *Repository) EnsureServer(serverID string) error {
	now := time.Now()
	server := Server{ServerID: serverID, CreatedAt: now, UpdatedAt: now}
	result := r.db.Where(Server{ServerID: serverID}).
		Attrs(server).
		FirstOrCreate(&server)
	if result.Error != nil {
		return fmt.Errorf("failed to ensure server %s: %w", serverID, result.Error)
	}
	return nil
}

// DistinctServerIDsWithEnabledRule enumerates servers having at least one
// enabled rule (§4.5 scheduled cycle step 2).
func (r *Repository) DistinctServerIDsWithEnabledRule() ([]string, error) {
	var ids []string
	result := r.db.Model(&GatingRule{}).
		Where("enabled = ?", true).
		Distinct().
		Pluck("server_id", &ids)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to enumerate gated servers: %w", result.Error)
	}
	return ids, nil
}

// --- WalletLink ------------------------------------------------------------

// GetWalletLink returns the link for (server_id, member_id), or nil if none.
func (r *Repository) GetWalletLink(serverID, memberID string) (*WalletLink, error) {
	var link WalletLink
	result := r.db.Where("server_id = ? AND member_id = ?", serverID, memberID).First(&link)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get wallet link: %w", result.Error)
	}
	return &link, nil
}

// ListWalletLinks returns every link for a server (§4.5 step 3 "then its
// wallet links").
func (r *Repository) ListWalletLinks(serverID string) ([]WalletLink, error) {
	var links []WalletLink
	result := r.db.Where("server_id = ?", serverID).Find(&links)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list wallet links for %s: %w", serverID, result.Error)
	}
	return links, nil
}

// UpsertWalletLink creates or replaces the link on (server_id, member_id),
// returning the previous wallet pubkey if one existed (empty if new) so
// the caller can distinguish VERIFY_SUCCESS from VERIFY_REPLACED (§4.4
// step 5).
func (r *Repository) UpsertWalletLink(id, serverID, memberID, walletPubkey string, verifiedAt time.Time) (previous string, err error) {
	var existing WalletLink
	result := r.db.Where("server_id = ? AND member_id = ?", serverID, memberID).First(&existing)
	switch {
	case errors.Is(result.Error, gorm.ErrRecordNotFound):
		link := WalletLink{
			ID:           id,
			ServerID:     serverID,
			MemberID:     memberID,
			WalletPubkey: walletPubkey,
			VerifiedAt:   verifiedAt,
		}
		if err := r.db.Create(&link).Error; err != nil {
			return "", fmt.Errorf("failed to create wallet link: %w", err)
		}
		return "", nil
	case result.Error != nil:
		return "", fmt.Errorf("failed to look up wallet link: %w", result.Error)
	default:
		previous = existing.WalletPubkey
		existing.WalletPubkey = walletPubkey
		existing.VerifiedAt = verifiedAt
		if err := r.db.Save(&existing).Error; err != nil {
			return "", fmt.Errorf("failed to update wallet link: %w", err)
		}
		return previous, nil
	}
}

// DeleteWalletLink removes any link for (server_id, member_id) (§4.4 unlink).
func (r *Repository) DeleteWalletLink(serverID, memberID string) error {
	result := r.db.Where("server_id = ? AND member_id = ?", serverID, memberID).Delete(&WalletLink{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete wallet link: %w", result.Error)
	}
	return nil
}

// TouchLastChecked updates last_checked_at after a completed per-user
// evaluation, including a fail-open skip (§3, §4.5 step 5).
func (r *Repository) TouchLastChecked(serverID, memberID string, at time.Time) error {
	result := r.db.Model(&WalletLink{}).
		Where("server_id = ? AND member_id = ?", serverID, memberID).
		Update("last_checked_at", at)
	if result.Error != nil {
		return fmt.Errorf("failed to update last_checked_at: %w", result.Error)
	}
	return nil
}

// --- VerifySession -----------------------------------------------------------

// CreateVerifySession persists a new session.
func (r *Repository) CreateVerifySession(s VerifySession) error {
	if err := r.db.Create(&s).Error; err != nil {
		return fmt.Errorf("failed to create verify session: %w", err)
	}
	return nil
}

// GetVerifySession loads a session by id.
func (r *Repository) GetVerifySession(id string) (*VerifySession, error) {
	var s VerifySession
	result := r.db.Where("id = ?", id).First(&s)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get verify session: %w", result.Error)
	}
	return &s, nil
}

// MarkSessionUsed sets used_at, consuming the session exactly once.
// Uses a conditional update so two concurrent callers cannot both win
// (§8 property 4): only the caller whose update affects a row succeeded.
func (r *Repository) MarkSessionUsed(id string, at time.Time) (bool, error) {
	result := r.db.Model(&VerifySession{}).
		Where("id = ? AND used_at IS NULL", id).
		Update("used_at", at)
	if result.Error != nil {
		return false, fmt.Errorf("failed to mark verify session used: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// DeleteExpiredOrUsedSessions implements C4's cleanup() (§4.4).
func (r *Repository) DeleteExpiredOrUsedSessions(now time.Time) (int64, error) {
	result := r.db.Where("expires_at < ? OR used_at IS NOT NULL", now).Delete(&VerifySession{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete expired/used sessions: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// --- GatingRule --------------------------------------------------------------

// ListEnabledRules returns a server's enabled rules (§4.5 steps 1/3).
func (r *Repository) ListEnabledRules(serverID string) ([]GatingRule, error) {
	var rules []GatingRule
	result := r.db.Where("server_id = ? AND enabled = ?", serverID, true).Find(&rules)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list enabled rules for %s: %w", serverID, result.Error)
	}
	return rules, nil
}

// DistinctRoleIDs returns every distinct role referenced by any rule for
// a server, used by unlink's remove_managed_roles_for_member (§4.5).
func (r *Repository) DistinctRoleIDs(serverID string) ([]string, error) {
	var ids []string
	result := r.db.Model(&GatingRule{}).
		Where("server_id = ?", serverID).
		Distinct().
		Pluck("role_id", &ids)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list distinct roles for %s: %w", serverID, result.Error)
	}
	return ids, nil
}

// --- AuditEntry --------------------------------------------------------------

// InsertAuditEntry appends an audit row.
func (r *Repository) InsertAuditEntry(e AuditEntry) error {
	if err := r.db.Create(&e).Error; err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// PruneAuditEntries deletes entries older than the retention window
// (§4.5 daily cleanup cycle).
func (r *Repository) PruneAuditEntries(olderThan time.Time) (int64, error) {
	result := r.db.Where("timestamp < ?", olderThan).Delete(&AuditEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune audit entries: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ListAuditEntriesSince is a supplemental read helper (SPEC_FULL), the
// same shape as the teacher's GetSnapshotsByTimeRange.
func (r *Repository) ListAuditEntriesSince(serverID string, since time.Time) ([]AuditEntry, error) {
	var entries []AuditEntry
	result := r.db.Where("server_id = ? AND timestamp >= ?", serverID, since).
		Order("timestamp ASC").
		Find(&entries)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list audit entries for %s: %w", serverID, result.Error)
	}
	return entries, nil
}

// --- PriceQuote --------------------------------------------------------------

// GetPriceQuote returns the stored quote for an asset, or nil if absent.
func (r *Repository) GetPriceQuote(assetID string) (*PriceQuote, error) {
	var q PriceQuote
	result := r.db.Where("asset_id = ?", assetID).First(&q)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get price quote %s: %w", assetID, result.Error)
	}
	return &q, nil
}

// UpsertPriceQuote upserts by asset_id; the table holds at most one row
// per asset (§3, §4.2).
func (r *Repository) UpsertPriceQuote(q PriceQuote) error {
	var existing PriceQuote
	result := r.db.Where("asset_id = ?", q.AssetID).First(&existing)
	switch {
	case errors.Is(result.Error, gorm.ErrRecordNotFound):
		if err := r.db.Create(&q).Error; err != nil {
			return fmt.Errorf("failed to create price quote %s: %w", q.AssetID, err)
		}
		return nil
	case result.Error != nil:
		return fmt.Errorf("failed to look up price quote %s: %w", q.AssetID, result.Error)
	default:
		existing.PriceUsd = q.PriceUsd
		existing.FetchedAt = q.FetchedAt
		if err := r.db.Save(&existing).Error; err != nil {
			return fmt.Errorf("failed to update price quote %s: %w", q.AssetID, err)
		}
		return nil
	}
}
