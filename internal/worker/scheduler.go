package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
)

// defaultCronExpr matches §6's "default every 12h".
const defaultCronExpr = "0 */12 * * *"

// defaultCleanupExpr runs the daily retention cleanup cycle once a day at
// 03:30, offset from the reconciliation cycle's 00:00/12:00 firings. The
// cleanup cycle does not take the run lock.
const defaultCleanupExpr = "30 3 * * *"

// Scheduler owns the cron entries driving the worker's two background
// cycles (§4.5 "scheduled cycle", "daily cleanup cycle").
type Scheduler struct {
	worker      *Worker
	cron        *cron.Cron
	reconcileID cron.EntryID
	cleanupID   cron.EntryID
}

// NewScheduler registers both cycles but does not start them; call Start.
func NewScheduler(w *Worker, reconcileExpr, cleanupExpr string) (*Scheduler, error) {
	if reconcileExpr == "" {
		reconcileExpr = defaultCronExpr
	}
	if cleanupExpr == "" {
		cleanupExpr = defaultCleanupExpr
	}

	c := cron.New()
	s := &Scheduler{worker: w, cron: c}

	reconcileID, err := c.AddFunc(reconcileExpr, func() { s.worker.RunScheduledCycle(context.Background()) })
	if err != nil {
		return nil, fmt.Errorf("scheduler: register reconciliation cron: %w", err)
	}
	cleanupID, err := c.AddFunc(cleanupExpr, func() { s.worker.RunCleanupCycle(context.Background()) })
	if err != nil {
		return nil, fmt.Errorf("scheduler: register cleanup cron: %w", err)
	}
	s.reconcileID = reconcileID
	s.cleanupID = cleanupID
	return s, nil
}

// Start begins firing scheduled cycles. Non-blocking; cron runs its own
// goroutine internally.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts future cron firings and waits for any in-flight job to
// return, part of main's graceful shutdown sequencing (§9).
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunScheduledCycle implements §4.5's scheduled cycle: acquire the
// cross-process advisory lock (skip the whole cycle if another
// instance already holds it), enumerate gated servers, and check up to
// ConcurrencyWidth servers at once (§6 "configurable width, default 20").
// Within one server the members are checked one after another; member
// checks of a single server do not run in parallel.
func (w *Worker) RunScheduledCycle(ctx context.Context) {
	acquired, err := w.lock.TryAcquire(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("scheduled cycle: lock acquisition failed")
		return
	}
	if !acquired {
		w.log.Info().Msg("scheduled cycle: another instance holds the run lock, skipping")
		return
	}
	defer func() {
		if err := w.lock.Release(ctx); err != nil {
			w.log.Error().Err(err).Msg("scheduled cycle: lock release failed")
		}
	}()

	serverIDs, err := w.repo.DistinctServerIDsWithEnabledRule()
	if err != nil {
		w.log.Error().Err(err).Msg("scheduled cycle: enumerate servers failed")
		return
	}

	w.log.Info().Int("server_count", len(serverIDs)).Msg("scheduled cycle: starting")

	sem := make(chan struct{}, w.cfg.ConcurrencyWidth)
	var wg sync.WaitGroup
	for _, serverID := range serverIDs {
		sem <- struct{}{}
		wg.Add(1)
		go func(serverID string) {
			defer wg.Done()
			defer func() { <-sem }()
			w.checkWholeServer(ctx, serverID)
		}(serverID)
	}
	wg.Wait()

	w.log.Info().Int("server_count", len(serverIDs)).Msg("scheduled cycle: complete")
}

// RunCleanupCycle implements §4.5's daily cleanup cycle: delete expired
// or used verify sessions and prune audit entries past the retention
// window (§6 "audit retention days, default 90").
func (w *Worker) RunCleanupCycle(ctx context.Context) {
	now := w.now()

	deletedSessions, err := w.repo.DeleteExpiredOrUsedSessions(now)
	if err != nil {
		w.log.Error().Err(err).Msg("cleanup cycle: delete sessions failed")
	} else {
		w.log.Info().Int64("deleted_sessions", deletedSessions).Msg("cleanup cycle: sessions pruned")
	}

	cutoff := now.Add(-w.cfg.AuditRetention)
	prunedAudit, err := w.repo.PruneAuditEntries(cutoff)
	if err != nil {
		w.log.Error().Err(err).Msg("cleanup cycle: prune audit entries failed")
		return
	}
	w.log.Info().Int64("pruned_audit_entries", prunedAudit).Time("cutoff", cutoff).Msg("cleanup cycle: audit entries pruned")
}
