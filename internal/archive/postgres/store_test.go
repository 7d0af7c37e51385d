package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/susurrus/internal/archive"
	"github.com/MrWong99/susurrus/internal/archive/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if SUSURRUS_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("SUSURRUS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SUSURRUS_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// mustPool opens a bare pgxpool for schema maintenance and row verification.
func mustPool(t *testing.T, ctx context.Context, dsn string) *pgxpool.Pool {
	t.Helper()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// dropSchema removes all tables created by Migrate.
func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS utterances CASCADE",
		"DROP TABLE IF EXISTS sessions CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropSchema %q: %v", stmt, err)
		}
	}
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
// It calls t.Cleanup to close the store when the test finishes.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	dropSchema(t, ctx, mustPool(t, ctx, dsn))

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func writeUtterances(t *testing.T, ctx context.Context, store *postgres.Store, sessionID string, utterances []archive.Utterance) {
	t.Helper()
	for _, u := range utterances {
		if err := store.AppendUtterance(ctx, sessionID, u); err != nil {
			t.Fatalf("AppendUtterance: %v", err)
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Sessions
// ─────────────────────────────────────────────────────────────────────────────

func TestStore_BeginSession_Upsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.BeginSession(ctx, archive.SessionInfo{ID: "s1", Language: "en"}); err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	if err := store.FinishSession(ctx, "s1", "done"); err != nil {
		t.Fatalf("FinishSession: %v", err)
	}

	// Re-beginning the same session replaces its metadata and clears the
	// finished state.
	if err := store.BeginSession(ctx, archive.SessionInfo{ID: "s1", Language: "de"}); err != nil {
		t.Fatalf("BeginSession again: %v", err)
	}

	pool := mustPool(t, ctx, testDSN(t))
	var (
		language   string
		finishedAt *time.Time
		finalText  string
	)
	row := pool.QueryRow(ctx, "SELECT language, finished_at, final_text FROM sessions WHERE id = 's1'")
	if err := row.Scan(&language, &finishedAt, &finalText); err != nil {
		t.Fatalf("scan session: %v", err)
	}
	if language != "de" {
		t.Errorf("language: want %q, got %q", "de", language)
	}
	if finishedAt != nil || finalText != "" {
		t.Errorf("expected finished state cleared, got finished_at=%v final_text=%q", finishedAt, finalText)
	}
}

func TestStore_BeginSession_EmptyID(t *testing.T) {
	store := newTestStore(t)

	if err := store.BeginSession(context.Background(), archive.SessionInfo{}); err == nil {
		t.Fatal("expected an error for an empty session id")
	}
}

func TestStore_FinishSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.BeginSession(ctx, archive.SessionInfo{ID: "s1"}); err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	if err := store.FinishSession(ctx, "s1", "full transcript"); err != nil {
		t.Fatalf("FinishSession: %v", err)
	}

	pool := mustPool(t, ctx, testDSN(t))
	var (
		finishedAt *time.Time
		finalText  string
	)
	row := pool.QueryRow(ctx, "SELECT finished_at, final_text FROM sessions WHERE id = 's1'")
	if err := row.Scan(&finishedAt, &finalText); err != nil {
		t.Fatalf("scan session: %v", err)
	}
	if finishedAt == nil {
		t.Error("finished_at: want a timestamp, got NULL")
	}
	if finalText != "full transcript" {
		t.Errorf("final_text: want %q, got %q", "full transcript", finalText)
	}
}

func TestStore_FinishSession_Unknown(t *testing.T) {
	store := newTestStore(t)

	if err := store.FinishSession(context.Background(), "never-begun", "text"); err == nil {
		t.Fatal("expected an error for an unknown session")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Utterances
// ─────────────────────────────────────────────────────────────────────────────

func TestStore_AppendAndRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sessionID := "session-1"
	if err := store.BeginSession(ctx, archive.SessionInfo{ID: sessionID}); err != nil {
		t.Fatalf("BeginSession: %v", err)
	}

	now := time.Now()
	utterances := []archive.Utterance{
		{Kind: archive.KindDelta, Text: "good morning everyone", Confidence: 0.75, At: now.Add(-10 * time.Minute)},
		{Kind: archive.KindDelta, Text: "let us start with the agenda", Confidence: 0.8, At: now.Add(-9 * time.Minute)},
		{Kind: archive.KindFinal, Text: "good morning everyone, let us start with the agenda", Confidence: 0.9, At: now.Add(-1 * time.Minute)},
	}
	writeUtterances(t, ctx, store, sessionID, utterances)

	// A wide window returns all 3, oldest first.
	recent, err := store.Recent(ctx, sessionID, 30*time.Minute)
	if err != nil {
		t.Fatalf("Recent(30m): %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("Recent(30m): want 3, got %d", len(recent))
	}
	if recent[0].Text != utterances[0].Text {
		t.Errorf("Recent(30m)[0]: want %q, got %q", utterances[0].Text, recent[0].Text)
	}
	if recent[0].SessionID != sessionID {
		t.Errorf("SessionID: want %q, got %q", sessionID, recent[0].SessionID)
	}
	if recent[0].Kind != archive.KindDelta || recent[2].Kind != archive.KindFinal {
		t.Errorf("kinds not round-tripped: %v, %v", recent[0].Kind, recent[2].Kind)
	}
	if recent[0].Confidence != 0.75 {
		t.Errorf("Confidence: want 0.75, got %v", recent[0].Confidence)
	}

	// A narrow window returns only the last utterance.
	narrow, err := store.Recent(ctx, sessionID, 5*time.Minute)
	if err != nil {
		t.Fatalf("Recent(5m): %v", err)
	}
	if len(narrow) != 1 || narrow[0].Kind != archive.KindFinal {
		t.Errorf("Recent(5m): want the final utterance only, got %+v", narrow)
	}

	// A different session returns an empty non-nil slice.
	other, err := store.Recent(ctx, "other-session", 30*time.Minute)
	if err != nil {
		t.Fatalf("Recent other: %v", err)
	}
	if other == nil || len(other) != 0 {
		t.Errorf("Recent other: want empty non-nil slice, got %#v", other)
	}
}

func TestStore_AppendUtterance_InvalidKind(t *testing.T) {
	store := newTestStore(t)

	err := store.AppendUtterance(context.Background(), "s1", archive.Utterance{Kind: "noise", Text: "x"})
	if err == nil {
		t.Fatal("expected an error for an invalid kind")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Search
// ─────────────────────────────────────────────────────────────────────────────

func TestStore_Search(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	writeUtterances(t, ctx, store, "meeting-1", []archive.Utterance{
		{Kind: archive.KindDelta, Text: "deploy the payment service on friday", At: now.Add(-5 * time.Minute)},
		{Kind: archive.KindFinal, Text: "the payment gateway is failing again", At: now.Add(-4 * time.Minute)},
	})
	writeUtterances(t, ctx, store, "meeting-2", []archive.Utterance{
		{Kind: archive.KindDelta, Text: "lunch orders are due at noon", At: now.Add(-3 * time.Minute)},
		{Kind: archive.KindDelta, Text: "payment reminders go out tomorrow", At: now.Add(-2 * time.Minute)},
	})

	tests := []struct {
		name  string
		query archive.SearchQuery
		want  int
	}{
		{"phrase across sessions", archive.SearchQuery{Text: "payment"}, 3},
		{"scoped to one session", archive.SearchQuery{Text: "payment", SessionID: "meeting-1"}, 2},
		{"kind filter", archive.SearchQuery{Text: "payment", Kind: archive.KindFinal}, 1},
		{"limit applies", archive.SearchQuery{Text: "payment", Limit: 1}, 1},
		{"time lower bound", archive.SearchQuery{Text: "payment", After: now.Add(-3 * time.Minute)}, 1},
		{"no match", archive.SearchQuery{Text: "kubernetes"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.Search(ctx, tt.query)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if got == nil {
				t.Fatal("Search: want non-nil slice")
			}
			if len(got) != tt.want {
				t.Errorf("Search: want %d results, got %d", tt.want, len(got))
			}
		})
	}
}

func TestStore_Ping(t *testing.T) {
	store := newTestStore(t)

	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
