// Package postgres provides the PostgreSQL-backed transcript archive.
//
// Sessions and utterances live in two tables created by [Migrate]. Full-text
// search runs against a generated tsvector column with a GIN index, so no
// database extensions are required.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.BeginSession(ctx, info)
//	_ = store.AppendUtterance(ctx, info.ID, utt)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT         PRIMARY KEY,
    language    TEXT         NOT NULL DEFAULT '',
    remote      TEXT         NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    finished_at TIMESTAMPTZ,
    final_text  TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sessions_started_at
    ON sessions (started_at);
`

const ddlUtterances = `
CREATE TABLE IF NOT EXISTS utterances (
    id          BIGSERIAL        PRIMARY KEY,
    session_id  TEXT             NOT NULL,
    kind        TEXT             NOT NULL,
    text        TEXT             NOT NULL,
    confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
    recorded_at TIMESTAMPTZ      NOT NULL DEFAULT now(),
    text_search TSVECTOR         GENERATED ALWAYS AS (to_tsvector('english', text)) STORED
);

CREATE INDEX IF NOT EXISTS idx_utterances_session_id
    ON utterances (session_id);

CREATE INDEX IF NOT EXISTS idx_utterances_session_recorded
    ON utterances (session_id, recorded_at);

CREATE INDEX IF NOT EXISTS idx_utterances_fts
    ON utterances USING GIN (text_search);
`

// Migrate creates or ensures all required tables and indexes exist.
// It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS)
// and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlSessions, ddlUtterances} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("archive migrate: %w", err)
		}
	}
	return nil
}
