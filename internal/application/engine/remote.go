// Package engine owns the observable progression snapshot of the signed-in
// learner. It mediates between an unreliable remote authority and a
// responsive local view: remote values win when they arrive, local
// arithmetic fills in when they do not.
package engine

import (
	"context"

	"github.com/ensenas/progression-engine/internal/domain/progression"
)

// RemoteService is the remote progression authority.
// Implementations own transport concerns (auth headers, retries, breakers);
// the store only sees success or failure per call.
type RemoteService interface {
	GetStats(ctx context.Context, userID string) (progression.RemoteStats, error)
	GetProgress(ctx context.Context, userID string) ([]progression.ModuleProgress, error)
	GetLevelInfo(ctx context.Context, userID string) (progression.LevelReport, error)
	GetStreakInfo(ctx context.Context, userID string) (progression.StreakInfo, error)
	AwardXP(ctx context.Context, userID string, award progression.XPAward) (progression.AwardReceipt, error)
	UpdateStreak(ctx context.Context, userID string, activity progression.ActivityType, xpEarned int) (progression.DailyActivity, error)

	// GetXPTransactions pages the ledger newest first.
	GetXPTransactions(ctx context.Context, userID string, skip, limit int) ([]progression.XPTransaction, error)
}

// IdentityProvider knows who is signed in on this device.
type IdentityProvider interface {
	CurrentUserID(ctx context.Context) (string, bool)
	AuthToken(ctx context.Context) (string, bool)
}
