// Package worker implements C5, the reconciliation worker: scheduled
// cycles, on-demand rechecks, per-member evaluation, and role mutation,
// all under the fail-open policy of §7 (a transient upstream outage must
// never strip a role).
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aventus-dev/solgate/internal/apierr"
	"github.com/aventus-dev/solgate/internal/db"
	"github.com/aventus-dev/solgate/internal/holdings"
	"github.com/aventus-dev/solgate/internal/rules"
)

// Snapshotter is C1's contract as the worker depends on it.
type Snapshotter interface {
	Snapshot(ctx context.Context, wallet string, opts holdings.Options) (rules.Snapshot, error)
}

// PriceFetcher is C2's contract as the worker depends on it.
type PriceFetcher interface {
	GetUSDPrices(ctx context.Context, assetIDs []string) (map[string]decimal.Decimal, error)
}

// ChatClient is §6's chat-platform contract as the worker depends on it.
type ChatClient interface {
	GuildExists(guildID string) (bool, error)
	MemberRoles(guildID, memberID string) ([]string, bool, error)
	HasRole(roles []string, roleID string) bool
	AddRole(guildID, memberID, roleID string) error
	RemoveRole(guildID, memberID, roleID string) error
	CanManageRole(guildID, roleID string) (bool, error)
}

// RunLock is C6's contract as the worker depends on it.
type RunLock interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// repository is the subset of internal/db.Repository C5 depends on.
type repository interface {
	DistinctServerIDsWithEnabledRule() ([]string, error)
	ListEnabledRules(serverID string) ([]db.GatingRule, error)
	ListWalletLinks(serverID string) ([]db.WalletLink, error)
	GetWalletLink(serverID, memberID string) (*db.WalletLink, error)
	DistinctRoleIDs(serverID string) ([]string, error)
	TouchLastChecked(serverID, memberID string, at time.Time) error
	InsertAuditEntry(e db.AuditEntry) error
	DeleteExpiredOrUsedSessions(now time.Time) (int64, error)
	PruneAuditEntries(olderThan time.Time) (int64, error)
}

// Config tunes the worker per §6's Worker config block.
type Config struct {
	ConcurrencyWidth int           // default 20
	AuditRetention   time.Duration // default 90 days
}

// Worker implements every C5 operation.
type Worker struct {
	repo   repository
	chain  Snapshotter
	prices PriceFetcher
	chat   ChatClient
	lock   RunLock
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time

	queue *queue
}

func New(repo repository, chain Snapshotter, prices PriceFetcher, chat ChatClient, lock RunLock, cfg Config, log zerolog.Logger) *Worker {
	if cfg.ConcurrencyWidth <= 0 {
		cfg.ConcurrencyWidth = 20
	}
	if cfg.AuditRetention <= 0 {
		cfg.AuditRetention = 90 * 24 * time.Hour
	}
	w := &Worker{repo: repo, chain: chain, prices: prices, chat: chat, lock: lock, cfg: cfg, log: log, now: time.Now}
	w.queue = newQueue(w.drainItem)
	return w
}

// EnqueueRecheck implements §4.5's enqueue_recheck — a FIFO append that
// returns immediately; the single consumer drains it serially (§5).
func (w *Worker) EnqueueRecheck(serverID string, memberID *string) {
	w.queue.enqueue(recheckItem{ServerID: serverID, MemberID: memberID})
}

func (w *Worker) drainItem(ctx context.Context, item recheckItem) {
	if item.MemberID != nil {
		w.checkOneMemberLogged(ctx, item.ServerID, *item.MemberID, nil)
		return
	}
	w.checkWholeServer(ctx, item.ServerID)
}

func (w *Worker) checkWholeServer(ctx context.Context, serverID string) {
	dbRules, err := w.repo.ListEnabledRules(serverID)
	if err != nil {
		w.log.Error().Err(err).Str("server_id", serverID).Msg("recheck: list rules failed")
		return
	}
	if len(dbRules) == 0 {
		return
	}

	links, err := w.repo.ListWalletLinks(serverID)
	if err != nil {
		w.log.Error().Err(err).Str("server_id", serverID).Msg("recheck: list wallet links failed")
		return
	}

	converted := toRules(dbRules)
	for _, link := range links {
		w.checkOneMemberLogged(ctx, serverID, link.MemberID, converted)
	}
}

func (w *Worker) checkOneMemberLogged(ctx context.Context, serverID, memberID string, preloaded []rules.Rule) {
	if err := w.checkOneMember(ctx, serverID, memberID, preloaded); err != nil {
		w.log.Warn().Err(err).Str("server_id", serverID).Str("member_id", memberID).Msg("recheck: member evaluation failed")
	}
}

// checkOneMember implements §4.5's "Per-member evaluation" in full,
// including the fail-open early return of step 5 and the manageability
// gate of step 8.
func (w *Worker) checkOneMember(ctx context.Context, serverID, memberID string, preloaded []rules.Rule) error {
	ruleSet := preloaded
	if ruleSet == nil {
		dbRules, err := w.repo.ListEnabledRules(serverID)
		if err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
		ruleSet = toRules(dbRules)
	}
	if len(ruleSet) == 0 {
		return nil
	}

	priceMap := w.collectPrices(ctx, ruleSet)

	guildOK, err := w.chat.GuildExists(serverID)
	if err != nil || !guildOK {
		return nil // resolution failure: skip silently (§4.5 step 3)
	}
	memberRoles, memberOK, err := w.chat.MemberRoles(serverID, memberID)
	if err != nil || !memberOK {
		return nil
	}

	wallet := w.walletFor(serverID, memberID)
	if wallet == "" {
		return nil // no verified wallet linked: nothing to evaluate
	}

	snapshot, err := w.chain.Snapshot(ctx, wallet, snapshotOptionsFor(ruleSet))
	if err != nil {
		// Fail-open (§7, §8 property 3): advance last_checked_at, touch no roles.
		_ = w.repo.TouchLastChecked(serverID, memberID, w.now())
		if apierr.Is(err, apierr.CodeUpstreamUnavailable) {
			return nil
		}
		return err
	}

	evaluations := rules.Evaluate(ruleSet, snapshot, priceMap)
	decisions := rules.Decide(evaluations)

	reasonByRule := make(map[string]string, len(evaluations))
	for _, e := range evaluations {
		reasonByRule[e.RuleID] = e.Reason
	}

	for _, decision := range decisions {
		w.applyDecision(serverID, memberID, memberRoles, decision, reasonByRule)
	}

	return w.repo.TouchLastChecked(serverID, memberID, w.now())
}

func (w *Worker) applyDecision(serverID, memberID string, memberRoles []string, decision rules.RoleDecision, reasonByRule map[string]string) {
	if decision.ShouldHave == rules.Indeterminate {
		return // indeterminate: do nothing (§4.3)
	}

	canManage, err := w.chat.CanManageRole(serverID, decision.RoleID)
	if err != nil || !canManage {
		if err != nil {
			w.log.Warn().Err(err).Str("role_id", decision.RoleID).Msg("recheck: manageability check failed")
		}
		return // §4.5 step 8: log and skip that role only
	}

	hasRole := w.chat.HasRole(memberRoles, decision.RoleID)

	switch {
	case decision.ShouldHave == rules.True && !hasRole:
		if err := w.chat.AddRole(serverID, memberID, decision.RoleID); err != nil {
			w.log.Warn().Err(err).Str("role_id", decision.RoleID).Msg("recheck: add role failed")
			return
		}
		var ruleID *string
		reason := "rule satisfied"
		if len(decision.MatchedRuleIDs) > 0 {
			id := decision.MatchedRuleIDs[0]
			ruleID = &id
			reason = reasonByRule[id]
		}
		w.emitAudit(serverID, memberID, ruleID, decision.RoleID, db.ActionRoleAdded, reason)
	case decision.ShouldHave == rules.False && hasRole:
		if err := w.chat.RemoveRole(serverID, memberID, decision.RoleID); err != nil {
			w.log.Warn().Err(err).Str("role_id", decision.RoleID).Msg("recheck: remove role failed")
			return
		}
		w.emitAudit(serverID, memberID, nil, decision.RoleID, db.ActionRoleRemoved, "no active rule satisfied for role")
	default:
		// idempotent: should_have matches current membership, no-op.
	}
}

func (w *Worker) emitAudit(serverID, memberID string, ruleID *string, roleID string, action db.AuditAction, reason string) {
	if err := w.repo.InsertAuditEntry(db.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: w.now(),
		ServerID:  serverID,
		MemberID:  memberID,
		RuleID:    ruleID,
		RoleID:    roleID,
		Action:    action,
		Reason:    reason,
	}); err != nil {
		w.log.Warn().Err(err).Msg("recheck: audit insert failed")
	}
}

// RemoveManagedRolesForMember implements §4.5's
// remove_managed_roles_for_member, used by internal/verify on unlink.
func (w *Worker) RemoveManagedRolesForMember(serverID, memberID string) error {
	roleIDs, err := w.repo.DistinctRoleIDs(serverID)
	if err != nil {
		return fmt.Errorf("list managed roles: %w", err)
	}

	memberRoles, ok, err := w.chat.MemberRoles(serverID, memberID)
	if err != nil || !ok {
		return nil
	}

	for _, roleID := range roleIDs {
		if !w.chat.HasRole(memberRoles, roleID) {
			continue
		}
		canManage, err := w.chat.CanManageRole(serverID, roleID)
		if err != nil || !canManage {
			continue
		}
		if err := w.chat.RemoveRole(serverID, memberID, roleID); err != nil {
			w.log.Warn().Err(err).Str("role_id", roleID).Msg("unlink: remove role failed")
			continue
		}
		w.emitAudit(serverID, memberID, nil, roleID, db.ActionRoleRemoved, "wallet unlinked")
	}
	return nil
}

func (w *Worker) collectPrices(ctx context.Context, ruleSet []rules.Rule) rules.Prices {
	var assetIDs []string
	seen := map[string]bool{}
	for _, r := range ruleSet {
		if r.Kind == rules.TokenUsd && !seen[r.PriceAssetID] {
			seen[r.PriceAssetID] = true
			assetIDs = append(assetIDs, r.PriceAssetID)
		}
	}
	if len(assetIDs) == 0 {
		return rules.Prices{}
	}

	priceMap, err := w.prices.GetUSDPrices(ctx, assetIDs)
	if err != nil {
		// §4.2: on fetch failure, continue with empty price map; USD
		// rules evaluate indeterminate.
		w.log.Warn().Err(err).Msg("recheck: price fetch failed, USD rules indeterminate")
		return rules.Prices{}
	}
	return rules.Prices(priceMap)
}

func (w *Worker) walletFor(serverID, memberID string) string {
	link, err := w.repo.GetWalletLink(serverID, memberID)
	if err != nil || link == nil {
		return ""
	}
	return link.WalletPubkey
}

func toRules(dbRules []db.GatingRule) []rules.Rule {
	out := make([]rules.Rule, 0, len(dbRules))
	for _, r := range dbRules {
		converted := rules.Rule{
			ID:                r.ID,
			RoleID:            r.RoleID,
			Enabled:           r.Enabled,
			Mint:              r.Mint,
			ThresholdAmount:   r.ThresholdAmount,
			ThresholdUSD:      r.ThresholdUSD,
			PriceAssetID:      r.PriceAssetID,
			CollectionAddress: r.CollectionAddress,
			ThresholdCount:    r.ThresholdCount,
		}
		switch r.Kind {
		case db.RuleKindTokenAmount:
			converted.Kind = rules.TokenAmount
		case db.RuleKindTokenUsd:
			converted.Kind = rules.TokenUsd
		case db.RuleKindNftCollection:
			converted.Kind = rules.NftCollection
		}
		out = append(out, converted)
	}
	return out
}

func snapshotOptionsFor(ruleSet []rules.Rule) holdings.Options {
	var opts holdings.Options
	for _, r := range ruleSet {
		switch r.Kind {
		case rules.TokenAmount, rules.TokenUsd:
			opts.IncludeTokens = true
		case rules.NftCollection:
			opts.IncludeNfts = true
		}
	}
	return opts
}
