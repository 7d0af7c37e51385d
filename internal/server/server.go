// Package server exposes the streaming transcription service over HTTP.
//
// Audio arrives on a WebSocket at GET /v1/stream: binary frames carry PCM
// (or Opus packets when the connection was opened with codec=opus), text
// frames carry JSON control messages. The server answers with JSON
// transcript updates as the engine surfaces them. One [stream.Session] lives
// per connection and is driven exclusively by that connection's reader
// goroutine.
//
// The same mux serves /healthz, /readyz and /metrics so a single listener
// covers ingest, probes and scraping.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/susurrus/internal/archive"
	"github.com/MrWong99/susurrus/internal/health"
	"github.com/MrWong99/susurrus/internal/observe"
	"github.com/MrWong99/susurrus/internal/transcript"
	"github.com/MrWong99/susurrus/pkg/engine"
	"github.com/MrWong99/susurrus/pkg/stream"
)

// Supported values of the codec query parameter.
const (
	// CodecPCM16 means binary frames carry little-endian 16-bit mono PCM at
	// 16 kHz, ready for the engine.
	CodecPCM16 = "pcm16"

	// CodecOpus means binary frames carry 48 kHz stereo Opus packets (20 ms
	// frames) that are decoded, downmixed and resampled on arrival.
	CodecOpus = "opus"
)

// maxFrameBytes caps the size of a single WebSocket frame. One megabyte is
// roughly 32 seconds of 16 kHz PCM, far above any sane chunk size.
const maxFrameBytes = 1 << 20

// closeFlushTimeout bounds the final drain decode when the client is already
// gone and the request context is dead.
const closeFlushTimeout = 2 * time.Second

// Option configures a [Server].
type Option func(*Server)

// WithArchive attaches a transcript archive. Every connection then gets a
// session record, per-utterance appends and a consolidated final on close.
// Archive failures are logged and counted, never fatal to a stream.
func WithArchive(st archive.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithPipeline sets the text correction pipeline applied to outgoing deltas
// and finals. The default pipeline passes text through unchanged.
func WithPipeline(p *transcript.Pipeline) Option {
	return func(s *Server) { s.pipeline = p }
}

// WithMetrics overrides the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLanguagePolicy sets how the decode language is chosen per connection:
// "auto" detects per window, "client" honours the lang query parameter, any
// other value is a fixed ISO 639-1 code applied to every connection.
func WithLanguagePolicy(policy string) Option {
	return func(s *Server) { s.languagePolicy = policy }
}

// WithSessionOptions sets the base options every per-connection
// [stream.Session] is created with. The server appends the resolved language
// on top.
func WithSessionOptions(opts ...stream.Option) Option {
	return func(s *Server) { s.sessionOpts = opts }
}

// WithVADEnabled tells the server the session options include VAD
// segmentation, so surfaced text counts toward the VAD finalize metric.
func WithVADEnabled(enabled bool) Option {
	return func(s *Server) { s.vadEnabled = enabled }
}

// Server terminates WebSocket transcription streams. Create one with [New];
// it is safe for concurrent use by the HTTP stack.
type Server struct {
	eng     engine.Engine
	store   archive.Store
	metrics *observe.Metrics

	languagePolicy string
	sessionOpts    []stream.Option
	vadEnabled     bool

	// pipeline is swappable at runtime so config reloads reach live
	// connections. Guarded by mu.
	mu       sync.RWMutex
	pipeline *transcript.Pipeline
}

// New creates a Server around eng. The engine is shared by all connections
// and must tolerate concurrent Transcribe calls.
func New(eng engine.Engine, opts ...Option) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("server: engine must not be nil")
	}
	s := &Server{
		languagePolicy: "auto",
		pipeline:       transcript.NewPipeline(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	// Inference latency is measured at the engine boundary so flush
	// re-decodes are covered too.
	s.eng = timedEngine{Engine: eng, metrics: s.metrics}
	return s, nil
}

// SetPipeline swaps the correction pipeline. Existing connections pick up
// the new pipeline on their next delta or final.
func (s *Server) SetPipeline(p *transcript.Pipeline) {
	if p == nil {
		p = transcript.NewPipeline()
	}
	s.mu.Lock()
	s.pipeline = p
	s.mu.Unlock()
}

func (s *Server) currentPipeline() *transcript.Pipeline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pipeline
}

// Handler returns the complete HTTP handler: the streaming endpoint, health
// probes and the Prometheus scrape endpoint, all behind the observability
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/stream", s.handleStream)
	mux.Handle("GET /metrics", promhttp.Handler())

	checkers := []health.Checker{
		{Name: "engine", Check: func(context.Context) error { return nil }},
	}
	if s.store != nil {
		checkers = append(checkers, health.PingChecker("archive", s.store.Ping))
	}
	health.New(checkers...).Register(mux)

	return observe.Middleware(s.metrics)(mux)
}

// resolveLanguage determines the decode language for one connection.
//
// The returned value is an ISO 639-1 code or "auto":
//
//   - policy "client": use the connection's lang query parameter, falling
//     back to "auto" when absent.
//   - policy "auto" or empty: always auto-detect, the parameter is ignored.
//   - any other policy: it is itself the code, applied verbatim.
func resolveLanguage(policy, requested string) string {
	switch policy {
	case "", "auto":
		return "auto"
	case "client":
		if requested != "" {
			return requested
		}
		return "auto"
	default:
		return policy
	}
}

// sessionID returns the trace ID of the surrounding span so archived
// sessions and logs share one identifier, or a fresh random ID when no
// span is recording.
func sessionID(ctx context.Context) string {
	if id := observe.CorrelationID(ctx); id != "" {
		return id
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "unidentified"
	}
	return hex.EncodeToString(buf)
}

// timedEngine records the duration and outcome of every inference pass.
type timedEngine struct {
	engine.Engine
	metrics *observe.Metrics
}

func (t timedEngine) Transcribe(ctx context.Context, samples []float32, p engine.Params) (engine.Result, error) {
	start := time.Now()
	res, err := t.Engine.Transcribe(ctx, samples, p)
	status := "ok"
	if err != nil {
		status = "error"
	}
	t.metrics.RecordInference(ctx, time.Since(start).Seconds(), status)
	return res, err
}
