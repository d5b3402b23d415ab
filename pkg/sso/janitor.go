package sso

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/skyhookhq/skyhook/pkg/audit"
	"github.com/skyhookhq/skyhook/pkg/observability"
)

const (
	// Stale PENDING domain claims are dropped after a week; re-claiming
	// mints a fresh code.
	pendingDomainMaxAge = 7 * 24 * time.Hour

	// Audit rows are kept for 90 days.
	auditRetention = 90 * 24 * time.Hour
)

// Janitor runs the periodic cleanup jobs: stale pending domain claims
// and audit retention. Replay and session state lives in Redis with TTLs
// and needs no sweeping.
type Janitor struct {
	store  *Store
	trail  *audit.Trail
	cron   *cron.Cron
	logger *observability.Logger
}

// NewJanitor creates the janitor; Start schedules its jobs.
func NewJanitor(store *Store, trail *audit.Trail, logger *observability.Logger) *Janitor {
	return &Janitor{
		store:  store,
		trail:  trail,
		cron:   cron.New(),
		logger: logger.WithComponent("janitor"),
	}
}

// Start schedules the jobs and begins running them. Both run hourly;
// neither is latency sensitive.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc("@hourly", j.purgePendingDomains); err != nil {
		return err
	}
	if _, err := j.cron.AddFunc("@hourly", j.purgeAudit); err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("janitor started")
	return nil
}

// Stop halts scheduling and waits for a running job to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.logger.Info("janitor stopped")
}

func (j *Janitor) purgePendingDomains() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	removed, err := j.store.PurgeStalePendingDomains(ctx, time.Now().Add(-pendingDomainMaxAge))
	if err != nil {
		j.logger.WithError(err).Error("failed to purge stale pending domains")
		return
	}
	if removed > 0 {
		j.logger.WithField("removed", removed).Info("purged stale pending domain claims")
	}
}

func (j *Janitor) purgeAudit() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	removed, err := j.trail.PurgeOlderThan(ctx, time.Now().Add(-auditRetention))
	if err != nil {
		j.logger.WithError(err).Error("failed to enforce audit retention")
		return
	}
	if removed > 0 {
		j.logger.WithField("removed", removed).Info("purged expired audit rows")
	}
}
