// Package mock provides an in-memory test double for [engine.Engine].
//
// The mock records every call for assertion in tests and exposes exported
// fields that control what it returns. Scripted results are consumed in
// order, so a test can model a session whose successive windows decode to
// different (typically growing) outputs:
//
//	eng := &mock.Engine{Results: []engine.Result{first, second}}
//
//	// inject eng into the system under test …
//
//	if got := len(eng.Calls()); got != 2 {
//	    t.Errorf("expected 2 inference calls, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/susurrus/pkg/engine"
)

// Compile-time assertion that Engine satisfies engine.Engine.
var _ engine.Engine = (*Engine)(nil)

// Call records the observable inputs of a single Transcribe invocation.
type Call struct {
	// Samples is the length of the submitted window.
	Samples int

	// Params is the parameter set the controller built for this call.
	Params engine.Params
}

// Engine is a configurable test double for [engine.Engine]. The zero value
// is usable and returns empty results. Safe for concurrent use.
type Engine struct {
	mu    sync.Mutex
	calls []Call

	// Results are returned by successive Transcribe calls in order. When the
	// script runs out, further calls return an empty [engine.Result].
	Results []engine.Result

	// Err, when non-nil, is returned by every Transcribe call instead of a
	// scripted result.
	Err error

	// CloseErr is returned by Close.
	CloseErr error

	closed bool
}

// Transcribe implements [engine.Engine]. It honours context cancellation
// before consulting the script.
func (e *Engine) Transcribe(ctx context.Context, samples []float32, p engine.Params) (engine.Result, error) {
	if err := ctx.Err(); err != nil {
		return engine.Result{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls = append(e.calls, Call{Samples: len(samples), Params: p})

	if e.Err != nil {
		return engine.Result{}, e.Err
	}
	if len(e.Results) == 0 {
		return engine.Result{}, nil
	}
	r := e.Results[0]
	e.Results = e.Results[1:]
	return r, nil
}

// Close implements [engine.Engine].
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return e.CloseErr
}

// Calls returns a copy of all recorded Transcribe calls in order.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Call, len(e.calls))
	copy(out, e.calls)
	return out
}

// LastParams returns the parameters of the most recent Transcribe call and
// whether any call was made.
func (e *Engine) LastParams() (engine.Params, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.calls) == 0 {
		return engine.Params{}, false
	}
	return e.calls[len(e.calls)-1].Params, true
}

// Closed reports whether Close has been called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
