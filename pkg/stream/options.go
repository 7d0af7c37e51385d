package stream

import (
	"fmt"
	"strings"
	"time"
)

// Defaults used by [New] when the corresponding option is not given.
const (
	// DefaultStep is how much fresh audio accumulates before a decode.
	DefaultStep = 3 * time.Second

	// DefaultWindow is the total audio span handed to the engine per decode.
	DefaultWindow = 10 * time.Second

	// DefaultKeep is how much already-decoded audio is retained in front of
	// each window for acoustic context.
	DefaultKeep = 200 * time.Millisecond
)

// DiffMode selects how consecutive decodes are compared to extract the
// newly spoken text.
type DiffMode int

const (
	// DiffTokens compares token identity sequences and splits the new
	// decode at the longest overlap with the previous one.
	DiffTokens DiffMode = iota

	// DiffText compares plain text and strips the common prefix and suffix.
	DiffText
)

// String implements [fmt.Stringer].
func (m DiffMode) String() string {
	switch m {
	case DiffTokens:
		return "tokens"
	case DiffText:
		return "text"
	default:
		return fmt.Sprintf("DiffMode(%d)", int(m))
	}
}

// IsValid reports whether m is a known diff mode.
func (m DiffMode) IsValid() bool {
	return m == DiffTokens || m == DiffText
}

// VADParams tunes the trailing-silence gate used when voice-activity
// segmentation is enabled. Zero fields fall back to their defaults.
type VADParams struct {
	// Window is the span of recent audio inspected for silence.
	// Defaults to 2s.
	Window time.Duration

	// SilenceTail is the stretch at the end of the window that must be
	// quiet for the gate to fire. Defaults to 1s.
	SilenceTail time.Duration

	// Threshold is the energy ratio under which the tail counts as silent:
	// the gate fires when mean |tail| <= Threshold * mean |window|.
	// Defaults to 0.6.
	Threshold float32

	// HighPassHz is the cutoff of the one-pole high-pass filter applied
	// before energy measurement, removing DC offset and rumble.
	// Defaults to 100 Hz.
	HighPassHz float32
}

func (p VADParams) withDefaults() VADParams {
	if p.Window <= 0 {
		p.Window = 2 * time.Second
	}
	if p.SilenceTail <= 0 {
		p.SilenceTail = time.Second
	}
	if p.Threshold <= 0 {
		p.Threshold = 0.6
	}
	if p.HighPassHz <= 0 {
		p.HighPassHz = 100
	}
	return p
}

// Option configures a [Session] created by [New].
type Option func(*Session)

// WithStep sets how much fresh audio must accumulate before a decode is
// triggered. Ignored when VAD segmentation is enabled.
func WithStep(d time.Duration) Option {
	return func(s *Session) { s.step = d }
}

// WithWindow sets the total audio span handed to the engine per decode.
func WithWindow(d time.Duration) Option {
	return func(s *Session) { s.window = d }
}

// WithKeep sets how much tail audio from the previous window is kept in
// front of the next one.
func WithKeep(d time.Duration) Option {
	return func(s *Session) { s.keep = d }
}

// WithLanguage sets the decode language code ("en", "de", ...). Empty or
// "auto" lets the engine detect the language per window.
func WithLanguage(lang string) Option {
	return func(s *Session) { s.language = normalizeLanguage(lang) }
}

// WithThreads sets the engine thread count. Zero leaves the engine default.
func WithThreads(n int) Option {
	return func(s *Session) { s.threads = n }
}

// WithBeam enables beam search with the given width. Zero or negative keeps
// greedy decoding.
func WithBeam(width int) Option {
	return func(s *Session) { s.beamWidth = width }
}

// WithVAD switches the session from fixed-cadence stepping to
// voice-activity segmentation: windows are cut when trailing silence is
// detected instead of every step.
func WithVAD(p VADParams) Option {
	return func(s *Session) {
		s.useVAD = true
		s.vad = p.withDefaults()
	}
}

// WithDiff selects the strategy used to extract newly spoken text from
// consecutive decodes. Default is [DiffTokens].
func WithDiff(m DiffMode) Option {
	return func(s *Session) { s.diffMode = m }
}

// WithContextCarry controls whether tokens from a finished window are fed
// to the next decode as prompt context. Enabled by default; disabling it
// trades cross-window coherence for isolation from decode errors.
func WithContextCarry(enabled bool) Option {
	return func(s *Session) { s.carryContext = enabled }
}

// WithFullCapture retains all submitted audio so that [Session.Flush] can
// re-decode the entire utterance in one pass and replace the incremental
// transcript with the result.
func WithFullCapture(enabled bool) Option {
	return func(s *Session) { s.fullCapture = enabled }
}

// WithRepetitionReset controls whether detecting a token repetition loop
// clears the carried prompt and diff baseline. Off by default: detection is
// always on, the recovery action is opt-in.
func WithRepetitionReset(enabled bool) Option {
	return func(s *Session) { s.repetitionReset = enabled }
}

// WithMaxTokensPerSegment caps tokens per decoded segment. Zero leaves the
// engine default.
func WithMaxTokensPerSegment(n int) Option {
	return func(s *Session) { s.maxTokensPerSegment = n }
}

// WithAudioContext overrides the engine encoder context size. Smaller
// values speed up decoding of short windows. Zero leaves the engine
// default.
func WithAudioContext(n int) Option {
	return func(s *Session) { s.audioContext = n }
}

// WithTemperatureFallback controls whether the engine may retry a window
// at increasing temperatures when decoding stalls. Disabled by default for
// deterministic streaming output.
func WithTemperatureFallback(enabled bool) Option {
	return func(s *Session) { s.temperatureFallback = enabled }
}

func normalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "auto" {
		return ""
	}
	return lang
}
