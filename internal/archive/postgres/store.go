package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/susurrus/internal/archive"
)

var _ archive.Store = (*Store)(nil)

// Store is the PostgreSQL-backed transcript archive. It holds a single
// [pgxpool.Pool]; all methods are safe for concurrent use.
//
// Obtain one via [NewStore].
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the PostgreSQL database at dsn,
// verifies connectivity, and runs [Migrate] to ensure all required tables
// exist.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// BeginSession implements [archive.Store]. Beginning an already known
// session replaces its metadata and restarts its clock.
func (s *Store) BeginSession(ctx context.Context, info archive.SessionInfo) error {
	if info.ID == "" {
		return fmt.Errorf("archive store: begin session: empty session id")
	}
	startedAt := info.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	const q = `
		INSERT INTO sessions (id, language, remote, started_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
		    language    = EXCLUDED.language,
		    remote      = EXCLUDED.remote,
		    started_at  = EXCLUDED.started_at,
		    finished_at = NULL,
		    final_text  = ''`

	if _, err := s.pool.Exec(ctx, q, info.ID, info.Language, info.Remote, startedAt); err != nil {
		return fmt.Errorf("archive store: begin session: %w", err)
	}
	return nil
}

// AppendUtterance implements [archive.Store]. It appends u to the utterance
// log under sessionID.
func (s *Store) AppendUtterance(ctx context.Context, sessionID string, u archive.Utterance) error {
	if sessionID == "" {
		return fmt.Errorf("archive store: append utterance: empty session id")
	}
	if !u.Kind.IsValid() {
		return fmt.Errorf("archive store: append utterance: invalid kind %q", u.Kind)
	}
	at := u.At
	if at.IsZero() {
		at = time.Now()
	}

	const q = `
		INSERT INTO utterances (session_id, kind, text, confidence, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.pool.Exec(ctx, q, sessionID, string(u.Kind), u.Text, u.Confidence, at); err != nil {
		return fmt.Errorf("archive store: append utterance: %w", err)
	}
	return nil
}

// FinishSession implements [archive.Store]. It stamps the session's end time
// and stores the final consolidated transcript.
func (s *Store) FinishSession(ctx context.Context, sessionID string, final string) error {
	const q = `
		UPDATE sessions
		SET    finished_at = now(),
		       final_text  = $2
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, sessionID, final)
	if err != nil {
		return fmt.Errorf("archive store: finish session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("archive store: finish session: session %q not found", sessionID)
	}
	return nil
}

// Recent implements [archive.Store]. It returns all utterances for sessionID
// recorded no earlier than time.Now()-window, ordered chronologically
// (oldest first).
func (s *Store) Recent(ctx context.Context, sessionID string, window time.Duration) ([]archive.Utterance, error) {
	const q = `
		SELECT session_id, kind, text, confidence, recorded_at
		FROM   utterances
		WHERE  session_id  = $1
		  AND  recorded_at >= now() - ($2::bigint * interval '1 microsecond')
		ORDER  BY recorded_at`

	rows, err := s.pool.Query(ctx, q, sessionID, window.Microseconds())
	if err != nil {
		return nil, fmt.Errorf("archive store: recent: %w", err)
	}
	return collectUtterances(rows)
}

// Search implements [archive.Store]. It performs a PostgreSQL full-text
// search over utterance text and applies optional filters from query.
//
// The phrase is passed to plainto_tsquery so no special operator syntax is
// required.
func (s *Store) Search(ctx context.Context, query archive.SearchQuery) ([]archive.Utterance, error) {
	args := []any{query.Text} // $1 = FTS phrase
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"text_search @@ plainto_tsquery('english', $1)",
	}
	if query.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(query.SessionID))
	}
	if query.Kind != "" {
		conditions = append(conditions, "kind = "+next(string(query.Kind)))
	}
	if !query.After.IsZero() {
		conditions = append(conditions, "recorded_at > "+next(query.After))
	}
	if !query.Before.IsZero() {
		conditions = append(conditions, "recorded_at < "+next(query.Before))
	}

	q := "SELECT session_id, kind, text, confidence, recorded_at\n" +
		"FROM   utterances\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY recorded_at"

	if query.Limit > 0 {
		args = append(args, query.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("archive store: search: %w", err)
	}
	return collectUtterances(rows)
}

// Ping implements [archive.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("archive store: ping: %w", err)
	}
	return nil
}

// Close implements [archive.Store]. It releases all connections held by the
// underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// collectUtterances scans pgx rows into a slice of Utterance values.
func collectUtterances(rows pgx.Rows) ([]archive.Utterance, error) {
	utterances, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (archive.Utterance, error) {
		var (
			u    archive.Utterance
			kind string
		)
		if err := row.Scan(&u.SessionID, &kind, &u.Text, &u.Confidence, &u.At); err != nil {
			return archive.Utterance{}, err
		}
		u.Kind = archive.Kind(kind)
		return u, nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive store: scan rows: %w", err)
	}
	if utterances == nil {
		utterances = []archive.Utterance{}
	}
	return utterances, nil
}
