// Package whispercpp implements [engine.Engine] on top of the whisper.cpp
// CGO bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
//
// The model is loaded once and shared; every Transcribe call creates its own
// whisper context, so concurrent calls from independent sessions are safe.
package whispercpp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/susurrus/pkg/engine"
)

// Compile-time assertion that Engine satisfies engine.Engine.
var _ engine.Engine = (*Engine)(nil)

// Engine is a whisper.cpp-backed speech-inference engine.
type Engine struct {
	model whisperlib.Model
}

// New loads the ggml model from the given file path. The model is loaded
// once and shared across all sessions; the caller must call Close when the
// engine is no longer needed. Load failures wrap [engine.ErrModel].
func New(modelPath string) (*Engine, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("whispercpp: %w: model path must not be empty", engine.ErrModel)
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whispercpp: load model %q: %w", modelPath, errors.Join(engine.ErrModel, err))
	}
	return &Engine{model: model}, nil
}

// Close releases the whisper model.
func (e *Engine) Close() error {
	if e.model != nil {
		return e.model.Close()
	}
	return nil
}

// Transcribe decodes one window of 16 kHz mono samples. Each call creates a
// fresh whisper context from the shared model; context allocation failures
// wrap [engine.ErrAllocation], decode failures wrap [engine.ErrInference].
func (e *Engine) Transcribe(ctx context.Context, samples []float32, p engine.Params) (engine.Result, error) {
	if err := ctx.Err(); err != nil {
		return engine.Result{}, err
	}

	// Each context is NOT thread-safe, but the model can be shared across
	// goroutines.
	wctx, err := e.model.NewContext()
	if err != nil {
		return engine.Result{}, fmt.Errorf("whispercpp: create context: %w", errors.Join(engine.ErrAllocation, err))
	}

	applyParams(wctx, p)

	start := time.Now()
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return engine.Result{}, fmt.Errorf("whispercpp: process %d samples: %w", len(samples), errors.Join(engine.ErrInference, err))
	}

	var res engine.Result
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return engine.Result{}, fmt.Errorf("whispercpp: read segment: %w", errors.Join(engine.ErrInference, err))
		}
		res.Segments = append(res.Segments, convertSegment(wctx, segment))
	}

	slog.Debug("whisper window decoded",
		"samples", len(samples),
		"segments", len(res.Segments),
		"language", wctx.DetectedLanguage(),
		"took", time.Since(start),
	)
	return res, nil
}

// applyParams maps engine parameters onto a fresh whisper context. The
// bindings do not expose whisper.cpp's single_segment flag; streaming windows
// are short enough that segmentation is governed by window sizing instead.
func applyParams(wctx whisperlib.Context, p engine.Params) {
	lang := strings.TrimSpace(p.Language)
	if lang == "" {
		lang = "auto"
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, engine default applies", "language", lang, "error", err)
	}

	if p.Threads > 0 {
		wctx.SetThreads(uint(p.Threads))
	}
	if p.Strategy == engine.BeamSearch && p.BeamWidth > 0 {
		wctx.SetBeamSize(p.BeamWidth)
	}
	if p.MaxTokensPerSegment > 0 {
		wctx.SetMaxTokensPerSegment(uint(p.MaxTokensPerSegment))
	}
	if p.AudioContext > 0 {
		wctx.SetAudioCtx(uint(p.AudioContext))
	}
	if p.DisableFallback {
		wctx.SetTemperatureFallback(0)
	}
	if len(p.Prompt) > 0 {
		wctx.SetInitialPrompt(promptText(p.Prompt))
	}
}

// promptText rebuilds the textual prompt from carried tokens. The bindings
// accept an initial prompt as text, not as raw token IDs; whisper token
// pieces carry their own leading whitespace, so plain concatenation restores
// the original spacing.
func promptText(prompt []engine.Token) string {
	var sb strings.Builder
	for _, tok := range prompt {
		if tok.Special {
			continue
		}
		sb.WriteString(tok.Text)
	}
	return strings.TrimSpace(sb.String())
}

// convertSegment maps a bindings segment to the engine contract, marking
// control tokens so the diff layer can filter them.
func convertSegment(wctx whisperlib.Context, seg whisperlib.Segment) engine.Segment {
	out := engine.Segment{
		Text:   seg.Text,
		Tokens: make([]engine.Token, 0, len(seg.Tokens)),
	}
	for _, tok := range seg.Tokens {
		out.Tokens = append(out.Tokens, engine.Token{
			ID:      tok.Id,
			Text:    tok.Text,
			Prob:    tok.P,
			Special: isSpecial(wctx, tok),
		})
	}
	return out
}

// isSpecial reports whether a token is a control marker rather than speech.
// Besides the vocabulary checks exposed by the bindings, whisper emits
// bracketed pseudo-tokens like "[_BEG_]" whose pieces start with "[_".
func isSpecial(wctx whisperlib.Context, tok whisperlib.Token) bool {
	if strings.HasPrefix(tok.Text, "[_") {
		return true
	}
	return !wctx.IsText(tok)
}
