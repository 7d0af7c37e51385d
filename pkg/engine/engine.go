// Package engine defines the contract between the streaming session
// controller and a speech-inference backend: hand over a window of 16 kHz
// mono float32 samples plus decode parameters, get back text segments with
// per-token probabilities. Implementations live in subpackages
// (whispercpp for the CGO-backed production engine, mock for tests).
package engine

import (
	"context"
	"strings"
)

// SampleRate is the sample rate every engine consumes, in Hz. Submitted audio
// must already be mono at this rate; engines do not resample.
const SampleRate = 16000

// Strategy selects the decoding strategy for an inference call.
type Strategy int

const (
	// Greedy picks the most probable token at each step.
	Greedy Strategy = iota

	// BeamSearch explores Params.BeamWidth candidate paths per step. Slower,
	// usually more accurate on noisy audio.
	BeamSearch
)

// String returns the strategy name for logs.
func (s Strategy) String() string {
	switch s {
	case Greedy:
		return "greedy"
	case BeamSearch:
		return "beam"
	default:
		return "unknown"
	}
}

// Params carries the per-call decode parameters. The zero value is a usable
// default: auto-detected language, greedy decoding, engine-chosen threads,
// multi-segment output.
type Params struct {
	// Language is an ISO 639-1 hint (e.g. "de"). Empty or "auto" lets the
	// engine detect the language from the audio.
	Language string

	// Prompt is the token history from previous windows, fed back to bias
	// the decoder toward continuation. Empty when context carry-over is off.
	Prompt []Token

	// Strategy selects greedy or beam-search decoding.
	Strategy Strategy

	// BeamWidth is the number of beams when Strategy is BeamSearch.
	BeamWidth int

	// Threads caps the decoder's CPU threads. 0 lets the engine decide.
	Threads int

	// SingleSegment forces all output into one segment. Streaming windows
	// use this; full-capture re-decodes do not.
	SingleSegment bool

	// DisableFallback turns off temperature fallback re-decoding, trading
	// robustness for deterministic latency.
	DisableFallback bool

	// MaxTokensPerSegment bounds segment length. 0 means no bound.
	MaxTokensPerSegment int

	// AudioContext truncates the encoder's audio context to this size.
	// 0 keeps the model's full context. Smaller values speed up decoding
	// of short windows at some accuracy cost.
	AudioContext int
}

// Token is one decoded vocabulary entry with its probability.
type Token struct {
	// ID is the vocabulary index, stable across calls for the same model.
	ID int

	// Text is the surface piece, possibly with a leading space.
	Text string

	// Prob is the decoder probability in [0, 1].
	Prob float32

	// Special marks control tokens (segment boundaries, language tags,
	// no-speech markers) that carry no transcribable text.
	Special bool
}

// Segment is a contiguous span of decoded speech.
type Segment struct {
	// Text is the segment transcript as produced by the engine.
	Text string

	// Tokens are the segment's tokens in decode order.
	Tokens []Token
}

// Result is the complete output of one inference call.
type Result struct {
	Segments []Segment
}

// Text returns the space-joined, trimmed concatenation of all segment texts.
// Segments that are empty after trimming are skipped.
func (r Result) Text() string {
	var sb strings.Builder
	for _, seg := range r.Segments {
		trimmed := strings.TrimSpace(seg.Text)
		if trimmed == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(trimmed)
	}
	return sb.String()
}

// Tokens returns the flat token sequence across all segments, in order.
func (r Result) Tokens() []Token {
	n := 0
	for _, seg := range r.Segments {
		n += len(seg.Tokens)
	}
	out := make([]Token, 0, n)
	for _, seg := range r.Segments {
		out = append(out, seg.Tokens...)
	}
	return out
}

// Confidence returns the mean probability over all tokens with a positive
// probability, or 0 when no such token exists. The result is always in [0, 1].
func (r Result) Confidence() float64 {
	var sum float64
	var n int
	for _, seg := range r.Segments {
		for _, tok := range seg.Tokens {
			if tok.Prob > 0 {
				sum += float64(tok.Prob)
				n++
			}
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Engine is a synchronous speech-inference backend. Implementations must be
// safe for concurrent Transcribe calls from different sessions; per-call
// decoder state must not be shared between calls.
type Engine interface {
	// Transcribe decodes one window of 16 kHz mono samples. It blocks until
	// decoding completes; cancellation support depends on the backend.
	Transcribe(ctx context.Context, samples []float32, p Params) (Result, error)

	// Close releases the model and all backing resources. The engine must
	// not be used afterwards.
	Close() error
}
