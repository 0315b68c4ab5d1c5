package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ensenas/progression-engine/internal/domain/progression"
	"github.com/ensenas/progression-engine/internal/domain/shared"
)

// AwardJournal implements progression.AwardJournal for PostgreSQL.
type AwardJournal struct {
	db Querier
}

var _ progression.AwardJournal = (*AwardJournal)(nil)

// NewAwardJournal creates a journal on the pool of conn.
func NewAwardJournal(conn *Connection) *AwardJournal {
	return &AwardJournal{db: conn.Pool()}
}

// NewAwardJournalWithQuerier creates a journal on any querier, e.g. a transaction.
func NewAwardJournalWithQuerier(db Querier) *AwardJournal {
	return &AwardJournal{db: db}
}

// Append records an award. Appending the same idempotency key twice is a no-op.
func (j *AwardJournal) Append(ctx context.Context, award progression.PendingAward) error {
	query := `
		INSERT INTO pending_awards
			(id, user_id, amount, source, source_id, description, idempotency_key, created_at, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (idempotency_key) DO NOTHING
	`
	_, err := j.db.Exec(ctx, query,
		award.ID,
		award.UserID,
		award.Award.Amount,
		award.Award.Source,
		award.Award.SourceID,
		award.Award.Description,
		award.Award.IdempotencyKey,
		award.CreatedAt.UTC(),
		award.Attempts,
	)
	if err != nil {
		return fmt.Errorf("failed to append pending award: %w", err)
	}
	return nil
}

// Pending returns the user's unconfirmed awards, oldest first.
func (j *AwardJournal) Pending(ctx context.Context, userID string) ([]progression.PendingAward, error) {
	query := `
		SELECT id, user_id, amount, source, source_id, description, idempotency_key, created_at, attempts
		FROM pending_awards
		WHERE user_id = $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := j.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending awards: %w", err)
	}

	awards, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (progression.PendingAward, error) {
		var (
			p         progression.PendingAward
			createdAt time.Time
		)
		err := row.Scan(
			&p.ID,
			&p.UserID,
			&p.Award.Amount,
			&p.Award.Source,
			&p.Award.SourceID,
			&p.Award.Description,
			&p.Award.IdempotencyKey,
			&createdAt,
			&p.Attempts,
		)
		p.CreatedAt = createdAt.UTC()
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending award: %w", err)
	}
	return awards, nil
}

// MarkConfirmed removes an award. Unknown ids are ignored.
func (j *AwardJournal) MarkConfirmed(ctx context.Context, id string) error {
	if _, err := j.db.Exec(ctx, `DELETE FROM pending_awards WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to confirm pending award: %w", err)
	}
	return nil
}

// RecordAttempt bumps the replay counter.
func (j *AwardJournal) RecordAttempt(ctx context.Context, id string) error {
	tag, err := j.db.Exec(ctx, `UPDATE pending_awards SET attempts = attempts + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to record replay attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.WrapError("award_journal", "RecordAttempt", shared.ErrNotFound, "pending award not found", nil)
	}
	return nil
}
