// Package stream drives a speech-inference engine over live audio.
//
// A [Session] accumulates small PCM chunks, cuts overlapping windows out of
// them (on a fixed cadence, or at detected pauses when VAD is enabled),
// hands each window to an [engine.Engine] and diffs consecutive decodes so
// only newly spoken text surfaces. Sessions are single-threaded: calls on
// one Session must not overlap, but independent Sessions share no state and
// may run concurrently.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/susurrus/pkg/engine"
)

// Output is text surfaced by a decode pass, with the mean token probability
// of the window it came from.
type Output struct {
	Text       string
	Confidence float32
}

// Session turns a continuous sample stream into incremental text. Create
// one per audio source with [New].
type Session struct {
	eng engine.Engine

	step                time.Duration
	window              time.Duration
	keep                time.Duration
	language            string
	threads             int
	beamWidth           int
	useVAD              bool
	vad                 VADParams
	diffMode            DiffMode
	carryContext        bool
	fullCapture         bool
	repetitionReset     bool
	maxTokensPerSegment int
	audioContext        int
	temperatureFallback bool

	stepSamples      int
	windowSamples    int
	keepSamples      int
	vadWindowSamples int
	vadTailSamples   int
	resetEvery       int

	// pending holds fresh audio not yet decoded; tail holds audio from the
	// previous window, reused as acoustic context. VAD mode uses vadBuf
	// instead of both. capture retains everything for the flush re-decode.
	pending []float32
	tail    []float32
	vadBuf  []float32
	capture []float32

	transcript     []string
	prompt         []engine.Token
	baseTokens     []engine.Token
	baseText       string
	lastConfidence float32
	iters          int
}

// New creates a Session around eng. Options left unset fall back to the
// package defaults.
func New(eng engine.Engine, opts ...Option) (*Session, error) {
	if eng == nil {
		return nil, fmt.Errorf("stream: %w: engine must not be nil", ErrConfig)
	}
	s := &Session{
		eng:          eng,
		step:         DefaultStep,
		window:       DefaultWindow,
		keep:         DefaultKeep,
		carryContext: true,
		vad:          VADParams{}.withDefaults(),
	}
	for _, opt := range opts {
		opt(s)
	}

	var errs []error
	if s.step <= 0 {
		errs = append(errs, fmt.Errorf("step must be positive, got %v", s.step))
	}
	if s.window <= 0 {
		errs = append(errs, fmt.Errorf("window must be positive, got %v", s.window))
	}
	if s.keep < 0 {
		errs = append(errs, fmt.Errorf("keep must not be negative, got %v", s.keep))
	}
	if s.threads < 0 {
		errs = append(errs, fmt.Errorf("threads must not be negative, got %d", s.threads))
	}
	if !s.diffMode.IsValid() {
		errs = append(errs, fmt.Errorf("unknown diff mode %d", int(s.diffMode)))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("stream: %w: %v", ErrConfig, errors.Join(errs...))
	}

	// Clamp the geometry: carried context never exceeds one step, a window
	// is never shorter than one step.
	if s.keep > s.step {
		s.keep = s.step
	}
	if s.window < s.step {
		s.window = s.step
	}

	s.stepSamples = sampleCount(s.step)
	s.windowSamples = sampleCount(s.window)
	s.keepSamples = sampleCount(s.keep)
	s.vadWindowSamples = sampleCount(s.vad.Window)
	s.vadTailSamples = sampleCount(s.vad.SilenceTail)

	if s.useVAD {
		s.resetEvery = 1
	} else {
		s.resetEvery = int(s.window/s.step) - 1
		if s.resetEvery < 1 {
			s.resetEvery = 1
		}
	}
	return s, nil
}

// Submit appends samples (16 kHz mono float PCM) to the session and, once
// enough audio has accumulated, runs one decode. It returns nil output
// while audio is still accumulating or when the decode produced no new
// text. Engine failures leave the committed session state (transcript,
// prompt context, diff baseline) untouched.
func (s *Session) Submit(ctx context.Context, samples []float32) (*Output, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("stream: %w: no samples", ErrInvalidInput)
	}
	if s.fullCapture {
		s.capture = append(s.capture, samples...)
	}
	if s.useVAD {
		return s.submitVAD(ctx, samples)
	}
	return s.submitStep(ctx, samples)
}

func (s *Session) submitStep(ctx context.Context, samples []float32) (*Output, error) {
	s.pending = append(s.pending, samples...)
	if len(s.pending) < s.stepSamples {
		return nil, nil
	}
	return s.decode(ctx, s.buildWindow())
}

func (s *Session) submitVAD(ctx context.Context, samples []float32) (*Output, error) {
	s.vadBuf = append(s.vadBuf, samples...)
	if limit := s.windowSamples + s.vadWindowSamples; len(s.vadBuf) > limit {
		drop := len(s.vadBuf) - limit
		copy(s.vadBuf, s.vadBuf[drop:])
		s.vadBuf = s.vadBuf[:limit]
	}
	if !silenceGate(s.vadBuf, s.vadWindowSamples, s.vadTailSamples, s.vad.Threshold, s.vad.HighPassHz, engine.SampleRate) {
		return nil, nil
	}
	out, err := s.decode(ctx, s.vadWindow())
	if err != nil {
		// Keep the buffered segment so the caller can retry with more audio.
		return nil, err
	}
	s.vadBuf = s.vadBuf[:0]
	return out, nil
}

// vadWindow is the slice of the VAD buffer a decode is allowed to see: the
// trailing window samples. Anything older is gate lookback only.
func (s *Session) vadWindow() []float32 {
	if len(s.vadBuf) > s.windowSamples {
		return s.vadBuf[len(s.vadBuf)-s.windowSamples:]
	}
	return s.vadBuf
}

// buildWindow assembles the next decode window from the retained tail plus
// all pending audio. The tail is capped so the window never exceeds
// keep+window samples. The window becomes the new tail and pending is
// cleared.
func (s *Session) buildWindow() []float32 {
	take := s.keepSamples + s.windowSamples - len(s.pending)
	if take < 0 {
		take = 0
	}
	if take > len(s.tail) {
		take = len(s.tail)
	}
	window := make([]float32, 0, take+len(s.pending))
	window = append(window, s.tail[len(s.tail)-take:]...)
	window = append(window, s.pending...)
	s.tail = window
	s.pending = s.pending[:0]
	return window
}

func (s *Session) decode(ctx context.Context, window []float32) (*Output, error) {
	// A fixed-cadence window holds at most one utterance fragment; a VAD
	// segment may span several sentences.
	res, err := s.eng.Transcribe(ctx, window, s.params(!s.useVAD, true))
	if err != nil {
		return nil, fmt.Errorf("stream: decode window of %d samples: %w", len(window), err)
	}
	return s.commit(res), nil
}

// commit folds one successful decode into the session: confidence, delta
// extraction, transcript growth and the periodic context refresh.
func (s *Session) commit(res engine.Result) *Output {
	s.lastConfidence = float32(res.Confidence())

	var delta string
	resetFired := false
	switch s.diffMode {
	case DiffText:
		text := res.Text()
		delta = textDelta(s.baseText, text)
		s.baseText = text
	default:
		cur := filterSpecial(res.Tokens())
		delta = tokenDelta(s.baseTokens, cur)
		s.baseTokens = cur
		if hasRepetitionLoop(cur) {
			slog.Warn("repetition loop in decoded tokens",
				"run", repetitionRunLength, "reset", s.repetitionReset)
			if s.repetitionReset {
				s.baseTokens = nil
				s.prompt = nil
				resetFired = true
			}
		}
	}
	if delta != "" {
		s.transcript = append(s.transcript, delta)
	}

	s.iters++
	if s.iters%s.resetEvery == 0 {
		if len(s.tail) > s.keepSamples {
			s.tail = slices.Clone(s.tail[len(s.tail)-s.keepSamples:])
		}
		if s.carryContext && !resetFired {
			s.prompt = res.Tokens()
		}
	}

	if delta == "" {
		return nil
	}
	return &Output{Text: delta, Confidence: s.lastConfidence}
}

// Flush drains any audio that never reached a decode, optionally re-decodes
// the full capture in one multi-segment pass, and returns the finished
// transcript. The session is reset to its initial empty state; flushing an
// empty or already-flushed session returns nil output.
func (s *Session) Flush(ctx context.Context) (*Output, error) {
	if s.useVAD {
		if len(s.vadBuf) > 0 {
			if _, err := s.decode(ctx, s.vadWindow()); err != nil {
				return nil, err
			}
			s.vadBuf = s.vadBuf[:0]
		}
	} else if len(s.pending) > 0 {
		if _, err := s.decode(ctx, s.buildWindow()); err != nil {
			return nil, err
		}
	}

	if s.fullCapture && len(s.capture) > 0 {
		res, err := s.eng.Transcribe(ctx, s.capture, s.params(false, false))
		if err != nil {
			return nil, fmt.Errorf("stream: final decode of %d samples: %w", len(s.capture), err)
		}
		s.transcript = nil
		if text := strings.TrimSpace(res.Text()); text != "" {
			s.transcript = []string{text}
		}
		s.lastConfidence = float32(res.Confidence())
	}

	text := strings.TrimSpace(strings.Join(s.transcript, " "))
	conf := s.lastConfidence
	s.reset()
	if text == "" {
		return nil, nil
	}
	return &Output{Text: text, Confidence: conf}, nil
}

// SetLanguage changes the decode language for subsequent windows. Empty or
// "auto" switches to per-window detection.
func (s *Session) SetLanguage(lang string) {
	s.language = normalizeLanguage(lang)
}

// Language returns the fixed decode language, or "" when the engine detects
// it per window.
func (s *Session) Language() string {
	return s.language
}

// Transcript returns the text accumulated so far without finalizing the
// session.
func (s *Session) Transcript() string {
	return strings.TrimSpace(strings.Join(s.transcript, " "))
}

// Confidence returns the mean token probability of the most recent decode.
func (s *Session) Confidence() float32 {
	return s.lastConfidence
}

func (s *Session) params(single, withPrompt bool) engine.Params {
	p := engine.Params{
		Language:            s.language,
		Strategy:            engine.Greedy,
		Threads:             s.threads,
		SingleSegment:       single,
		DisableFallback:     !s.temperatureFallback,
		MaxTokensPerSegment: s.maxTokensPerSegment,
		AudioContext:        s.audioContext,
	}
	if s.beamWidth > 0 {
		p.Strategy = engine.BeamSearch
		p.BeamWidth = s.beamWidth
	}
	if withPrompt && s.carryContext && len(s.prompt) > 0 {
		p.Prompt = slices.Clone(s.prompt)
	}
	return p
}

// reset releases every buffer and returns the session to its pristine
// reusable state. The configuration is kept.
func (s *Session) reset() {
	s.pending = nil
	s.tail = nil
	s.vadBuf = nil
	s.capture = nil
	s.transcript = nil
	s.prompt = nil
	s.baseTokens = nil
	s.baseText = ""
	s.lastConfidence = 0
	s.iters = 0
}

func sampleCount(d time.Duration) int {
	return int(d * time.Duration(engine.SampleRate) / time.Second)
}
