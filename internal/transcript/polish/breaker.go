package polish

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Complete] while the backend is
// considered down and the cooldown has not yet elapsed.
var ErrBreakerOpen = errors.New("polish: llm backend unavailable")

const (
	defaultMaxFailures = 5
	defaultCooldown    = 30 * time.Second
)

// BreakerOption configures a [Breaker].
type BreakerOption func(*Breaker)

// WithMaxFailures sets how many consecutive completion failures trip the
// breaker. Default: 5.
func WithMaxFailures(n int) BreakerOption {
	return func(b *Breaker) { b.maxFailures = n }
}

// WithCooldown sets how long a tripped breaker rejects completions before
// probing the backend again. Default: 30s.
func WithCooldown(d time.Duration) BreakerOption {
	return func(b *Breaker) { b.cooldown = d }
}

// Breaker wraps a [Completer] so that a dead LLM endpoint does not add its
// full timeout to every flush. After maxFailures consecutive errors,
// completions fail fast with [ErrBreakerOpen]. Once the cooldown elapses a
// single probe call is let through; its outcome closes or re-arms the
// breaker. The pipeline degrades to pass-through while the breaker is open.
//
// Safe for concurrent use.
type Breaker struct {
	inner       Completer
	maxFailures int
	cooldown    time.Duration

	mu       sync.Mutex
	failures int
	openedAt time.Time
	probing  bool
}

// Compile-time assertion that Breaker satisfies Completer.
var _ Completer = (*Breaker)(nil)

// NewBreaker wraps inner with failure tracking.
func NewBreaker(inner Completer, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		inner:       inner,
		maxFailures: defaultMaxFailures,
		cooldown:    defaultCooldown,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Complete implements [Completer].
func (b *Breaker) Complete(ctx context.Context, system, user string) (string, error) {
	probe, err := b.admit()
	if err != nil {
		return "", err
	}
	out, err := b.inner.Complete(ctx, system, user)
	b.record(probe, err)
	return out, err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures < b.maxFailures {
		return false, nil
	}
	if b.probing || time.Since(b.openedAt) < b.cooldown {
		return false, ErrBreakerOpen
	}
	b.probing = true
	return true, nil
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
	}

	if err == nil {
		if b.failures >= b.maxFailures {
			slog.Info("polish breaker closed, llm backend recovered")
		}
		b.failures = 0
		return
	}

	b.failures++
	switch {
	case b.failures == b.maxFailures:
		b.openedAt = time.Now()
		slog.Warn("polish breaker opened, completions fail fast",
			"consecutive_failures", b.failures,
			"cooldown", b.cooldown)
	case probe:
		b.openedAt = time.Now()
	}
}
