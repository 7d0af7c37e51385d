// Package mock provides an in-memory test double for the transcript archive.
//
// The [Store] records every method call for assertion in tests and exposes
// exported fields that control what it returns. It is safe for concurrent
// use via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := &mock.Store{}
//	store.RecentResult = []archive.Utterance{{Text: "hello"}}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("AppendUtterance"); got != 1 {
//	    t.Errorf("expected 1 AppendUtterance call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/susurrus/internal/archive"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [archive.Store]. All exported *Err
// fields default to nil (success); all exported *Result fields default to
// nil (empty slice returned).
type Store struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// BeginSessionErr is returned by [Store.BeginSession] when non-nil.
	BeginSessionErr error

	// AppendUtteranceErr is returned by [Store.AppendUtterance] when non-nil.
	AppendUtteranceErr error

	// FinishSessionErr is returned by [Store.FinishSession] when non-nil.
	FinishSessionErr error

	// RecentResult is returned by [Store.Recent].
	// When nil, Recent returns an empty non-nil slice.
	RecentResult []archive.Utterance

	// RecentErr is returned by [Store.Recent] when non-nil.
	RecentErr error

	// SearchResult is returned by [Store.Search].
	// When nil, Search returns an empty non-nil slice.
	SearchResult []archive.Utterance

	// SearchErr is returned by [Store.Search] when non-nil.
	SearchErr error

	// PingErr is returned by [Store.Ping] when non-nil.
	PingErr error
}

// Ensure Store satisfies the interface at compile time.
var _ archive.Store = (*Store)(nil)

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// BeginSession implements [archive.Store].
func (m *Store) BeginSession(_ context.Context, info archive.SessionInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "BeginSession", Args: []any{info}})
	return m.BeginSessionErr
}

// AppendUtterance implements [archive.Store].
func (m *Store) AppendUtterance(_ context.Context, sessionID string, u archive.Utterance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "AppendUtterance", Args: []any{sessionID, u}})
	return m.AppendUtteranceErr
}

// FinishSession implements [archive.Store].
func (m *Store) FinishSession(_ context.Context, sessionID string, final string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "FinishSession", Args: []any{sessionID, final}})
	return m.FinishSessionErr
}

// Recent implements [archive.Store].
func (m *Store) Recent(_ context.Context, sessionID string, window time.Duration) ([]archive.Utterance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Recent", Args: []any{sessionID, window}})
	if m.RecentResult == nil {
		return []archive.Utterance{}, m.RecentErr
	}
	out := make([]archive.Utterance, len(m.RecentResult))
	copy(out, m.RecentResult)
	return out, m.RecentErr
}

// Search implements [archive.Store].
func (m *Store) Search(_ context.Context, q archive.SearchQuery) ([]archive.Utterance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Search", Args: []any{q}})
	if m.SearchResult == nil {
		return []archive.Utterance{}, m.SearchErr
	}
	out := make([]archive.Utterance, len(m.SearchResult))
	copy(out, m.SearchResult)
	return out, m.SearchErr
}

// Ping implements [archive.Store].
func (m *Store) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Ping"})
	return m.PingErr
}

// Close implements [archive.Store].
func (m *Store) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Close"})
}
