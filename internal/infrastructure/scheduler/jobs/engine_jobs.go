// Package jobs contains the scheduled jobs that keep a progression store
// fresh while the learner is idle.
package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ensenas/progression-engine/internal/application/engine"
)

// Store is the part of the engine store the jobs drive.
type Store interface {
	Refresh(ctx context.Context) (engine.Result, error)
	ReconcilePending(ctx context.Context) (engine.Result, error)
	RollOverDay() (engine.Result, error)
}

// skipSignedOut turns "nobody signed in" into a successful no-op.
func skipSignedOut(err error) error {
	if errors.Is(err, engine.ErrNoSession) || errors.Is(err, engine.ErrSessionClosed) {
		return nil
	}
	return err
}

// ══════════════════════════════════════════════════════════════════════════════
// REFRESH
// ══════════════════════════════════════════════════════════════════════════════

// RefreshJob re-reads the authoritative state. Remote failures degrade the
// result rather than fail the job; they are logged.
type RefreshJob struct {
	store  Store
	logger *slog.Logger
}

// NewRefreshJob creates a RefreshJob.
func NewRefreshJob(store Store, logger *slog.Logger) *RefreshJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &RefreshJob{store: store, logger: logger.With("job", "refresh")}
}

func (j *RefreshJob) Name() string        { return "refresh" }
func (j *RefreshJob) Description() string { return "re-read level, streak and stats from the remote" }

// Run refreshes the snapshot.
func (j *RefreshJob) Run(ctx context.Context) error {
	res, err := j.store.Refresh(ctx)
	if err != nil {
		return skipSignedOut(err)
	}
	if len(res.Degraded) > 0 {
		j.logger.Warn("refresh degraded", "degraded", res.Degraded, "error", res.RemoteErr)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// RECONCILE
// ══════════════════════════════════════════════════════════════════════════════

// ReconcileJob replays awards journaled while the remote was unreachable.
type ReconcileJob struct {
	store  Store
	logger *slog.Logger
}

// NewReconcileJob creates a ReconcileJob.
func NewReconcileJob(store Store, logger *slog.Logger) *ReconcileJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcileJob{store: store, logger: logger.With("job", "reconcile")}
}

func (j *ReconcileJob) Name() string        { return "reconcile" }
func (j *ReconcileJob) Description() string { return "replay journaled XP awards" }

// Run replays pending awards.
func (j *ReconcileJob) Run(ctx context.Context) error {
	res, err := j.store.ReconcilePending(ctx)
	if err != nil {
		return skipSignedOut(err)
	}
	if res.Reconciled > 0 {
		j.logger.Info("awards reconciled", "count", res.Reconciled)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// DAY ROLLOVER
// ══════════════════════════════════════════════════════════════════════════════

// RolloverJob resets the daily goal of an idle session after midnight.
type RolloverJob struct {
	store Store
}

// NewRolloverJob creates a RolloverJob.
func NewRolloverJob(store Store) *RolloverJob {
	return &RolloverJob{store: store}
}

func (j *RolloverJob) Name() string        { return "day_rollover" }
func (j *RolloverJob) Description() string { return "reset the daily goal at midnight" }

// Run rolls the daily goal over if the day has changed.
func (j *RolloverJob) Run(_ context.Context) error {
	_, err := j.store.RollOverDay()
	return skipSignedOut(err)
}
