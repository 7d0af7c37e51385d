// Package archive persists transcription sessions and their utterances.
//
// A [Store] keeps one record per session plus an append-only utterance log
// (deltas as they surface, finals on flush) and supports recency-window
// retrieval and full-text search over everything said. The postgres
// subpackage provides the production store, mock an in-memory test double.
//
// Every implementation must be safe for concurrent use.
package archive

import (
	"context"
	"time"
)

// Kind classifies an archived utterance.
type Kind string

const (
	// KindDelta marks incremental text surfaced while audio was still streaming.
	KindDelta Kind = "delta"

	// KindFinal marks the consolidated transcript produced by a flush.
	KindFinal Kind = "final"
)

// IsValid reports whether k is a known utterance kind.
func (k Kind) IsValid() bool {
	return k == KindDelta || k == KindFinal
}

// SessionInfo describes a transcription session at the moment it starts.
type SessionInfo struct {
	// ID is the unique identifier for this session. Must be non-empty.
	ID string

	// Language is the language the session was started with.
	// Empty means auto-detection.
	Language string

	// Remote identifies the audio source, typically the client's remote
	// address. Informational only.
	Remote string

	// StartedAt is when the session began. A zero Time means "now".
	StartedAt time.Time
}

// Utterance is a single piece of recognised speech written to the archive.
type Utterance struct {
	// SessionID is the session this utterance belongs to. It is ignored on
	// writes (the session is named explicitly there) and populated on reads.
	SessionID string

	// Kind is the utterance classification, [KindDelta] or [KindFinal].
	Kind Kind

	// Text is the recognised text.
	Text string

	// Confidence is the mean token probability reported by the engine
	// for the decode that produced Text (0.0 to 1.0).
	Confidence float64

	// At is when the utterance was recorded. A zero Time means "now".
	At time.Time
}

// SearchQuery configures a full-text search over archived utterances.
// All non-zero fields besides Text are applied as AND conditions.
type SearchQuery struct {
	// Text is the search phrase. It is matched against utterance text
	// using full-text search, so no operator syntax is required.
	Text string

	// SessionID restricts the search to a single session.
	// An empty string searches across all sessions.
	SessionID string

	// Kind restricts results to a single utterance kind.
	// The zero value matches all kinds.
	Kind Kind

	// After filters utterances recorded after this instant (exclusive).
	// A zero Time disables the lower bound.
	After time.Time

	// Before filters utterances recorded before this instant (exclusive).
	// A zero Time disables the upper bound.
	Before time.Time

	// Limit caps the number of results returned.
	// A value of 0 means the implementation may apply its own default.
	Limit int
}

// Store is the transcript archive: a session registry plus a time-ordered,
// append-only utterance log.
//
// Utterances must be returned in chronological order unless otherwise
// specified. Implementations must be safe for concurrent use.
type Store interface {
	// BeginSession registers a session. Beginning an already known session
	// replaces its metadata (upsert).
	BeginSession(ctx context.Context, info SessionInfo) error

	// AppendUtterance appends u to the log of session sessionID.
	// sessionID must be non-empty and u.Kind must be valid.
	AppendUtterance(ctx context.Context, sessionID string, u Utterance) error

	// FinishSession marks the session as finished and stores its final
	// consolidated transcript. Finishing an unknown session is an error.
	FinishSession(ctx context.Context, sessionID string, final string) error

	// Recent returns all utterances of the session recorded no earlier than
	// time.Now()-window, oldest first.
	// Returns an empty (non-nil) slice when no utterances match.
	Recent(ctx context.Context, sessionID string, window time.Duration) ([]Utterance, error)

	// Search performs full-text search over stored utterances.
	// Returns an empty (non-nil) slice when no utterances match.
	Search(ctx context.Context, q SearchQuery) ([]Utterance, error)

	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close()
}
