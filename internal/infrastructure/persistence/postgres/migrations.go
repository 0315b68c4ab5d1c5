package postgres

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: AWARD JOURNAL
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
CREATE TABLE IF NOT EXISTS pending_awards (
    id              TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL,
    amount          INTEGER NOT NULL CHECK (amount > 0),
    source          TEXT NOT NULL,
    source_id       INTEGER,
    description     TEXT NOT NULL DEFAULT '',
    idempotency_key TEXT NOT NULL UNIQUE,
    created_at      TIMESTAMPTZ NOT NULL,
    attempts        INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_pending_awards_user_created
    ON pending_awards (user_id, created_at);
`

// Migrations returns all embedded migrations in order.
func Migrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_pending_awards", UpSQL: migration001Up},
	}
}
