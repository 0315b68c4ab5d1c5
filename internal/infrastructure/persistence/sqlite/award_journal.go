// Package sqlite implements the on-device award journal. A single-learner
// install keeps unconfirmed XP awards in a local SQLite file so they survive
// restarts until the backend accepts them.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ensenas/progression-engine/internal/domain/progression"
	"github.com/ensenas/progression-engine/internal/domain/shared"
)

const schema = `
CREATE TABLE IF NOT EXISTS pending_awards (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	amount          INTEGER NOT NULL CHECK (amount > 0),
	source          TEXT NOT NULL,
	source_id       INTEGER,
	description     TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL UNIQUE,
	created_at      TIMESTAMP NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_pending_awards_user_created ON pending_awards (user_id, created_at);
`

// Open opens (creating if needed) the journal database at path and applies
// the schema. Use ":memory:" for a throwaway journal.
func Open(path string) (*sqlx.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to journal database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:" alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}
	return db, nil
}

type pendingAwardRow struct {
	ID             string        `db:"id"`
	UserID         string        `db:"user_id"`
	Amount         int           `db:"amount"`
	Source         string        `db:"source"`
	SourceID       sql.NullInt64 `db:"source_id"`
	Description    string        `db:"description"`
	IdempotencyKey string        `db:"idempotency_key"`
	CreatedAt      time.Time     `db:"created_at"`
	Attempts       int           `db:"attempts"`
}

func (r pendingAwardRow) toDomain() progression.PendingAward {
	p := progression.PendingAward{
		ID:        r.ID,
		UserID:    r.UserID,
		CreatedAt: r.CreatedAt.UTC(),
		Attempts:  r.Attempts,
		Award: progression.XPAward{
			Amount:         r.Amount,
			Source:         r.Source,
			Description:    r.Description,
			IdempotencyKey: r.IdempotencyKey,
		},
	}
	if r.SourceID.Valid {
		id := int(r.SourceID.Int64)
		p.Award.SourceID = &id
	}
	return p
}

func rowFromDomain(p progression.PendingAward) pendingAwardRow {
	r := pendingAwardRow{
		ID:             p.ID,
		UserID:         p.UserID,
		Amount:         p.Award.Amount,
		Source:         p.Award.Source,
		Description:    p.Award.Description,
		IdempotencyKey: p.Award.IdempotencyKey,
		CreatedAt:      p.CreatedAt.UTC(),
		Attempts:       p.Attempts,
	}
	if p.Award.SourceID != nil {
		r.SourceID = sql.NullInt64{Int64: int64(*p.Award.SourceID), Valid: true}
	}
	return r
}

// AwardJournal implements progression.AwardJournal on SQLite.
type AwardJournal struct {
	db *sqlx.DB
}

var _ progression.AwardJournal = (*AwardJournal)(nil)

// NewAwardJournal wraps an opened journal database.
func NewAwardJournal(db *sqlx.DB) *AwardJournal {
	return &AwardJournal{db: db}
}

// Append records an award. Appending the same idempotency key twice is a no-op.
func (j *AwardJournal) Append(ctx context.Context, award progression.PendingAward) error {
	_, err := j.db.NamedExecContext(ctx, `
		INSERT OR IGNORE INTO pending_awards
			(id, user_id, amount, source, source_id, description, idempotency_key, created_at, attempts)
		VALUES
			(:id, :user_id, :amount, :source, :source_id, :description, :idempotency_key, :created_at, :attempts)
	`, rowFromDomain(award))
	if err != nil {
		return fmt.Errorf("failed to append pending award: %w", err)
	}
	return nil
}

// Pending returns the user's unconfirmed awards, oldest first.
func (j *AwardJournal) Pending(ctx context.Context, userID string) ([]progression.PendingAward, error) {
	var rows []pendingAwardRow
	err := j.db.SelectContext(ctx, &rows, `
		SELECT id, user_id, amount, source, source_id, description, idempotency_key, created_at, attempts
		FROM pending_awards
		WHERE user_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending awards: %w", err)
	}

	out := make([]progression.PendingAward, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// MarkConfirmed removes an award. Unknown ids are ignored.
func (j *AwardJournal) MarkConfirmed(ctx context.Context, id string) error {
	if _, err := j.db.ExecContext(ctx, `DELETE FROM pending_awards WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to confirm pending award: %w", err)
	}
	return nil
}

// RecordAttempt bumps the replay counter.
func (j *AwardJournal) RecordAttempt(ctx context.Context, id string) error {
	res, err := j.db.ExecContext(ctx, `UPDATE pending_awards SET attempts = attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to record replay attempt: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return shared.WrapError("award_journal", "RecordAttempt", shared.ErrNotFound, "pending award not found", nil)
	}
	return nil
}
