// Package polish implements the language-model finishing stage for
// completed utterances.
//
// Streaming decodes are locally optimized per window: casing drifts,
// punctuation is missing and filler noises survive. The [Polisher] sends the
// finished transcript to an LLM with a conservative system prompt and
// expects a structured JSON response with the cleaned text and an itemised
// list of substitutions.
//
// The stage never runs on the real-time delta path, so its latency only
// delays the final message. When the model response cannot be parsed the
// polisher returns the input unchanged instead of failing the flush.
package polish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/susurrus/internal/transcript"
)

const (
	defaultTemperature = 0.1
)

const systemPrompt = `You are a transcription finishing assistant.

Your task: clean up the provided speech-to-text transcript.

Rules:
- Restore sentence punctuation and capitalisation.
- Remove filler noises ("uh", "um", stutters) and exact duplicate phrases caused by decoding overlap.
- Do NOT paraphrase, reorder, summarise or add content. Every remaining word must come from the input.
- When in doubt, leave the text unchanged.

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{
  "polished_text": "<full cleaned transcript>",
  "corrections": [
    {"original": "<original span>", "corrected": "<replacement>", "confidence": <0.0-1.0>}
  ]
}

If nothing needs cleaning, return an empty corrections array and polished_text equal to the input.`

// llmResponse is the JSON structure the model is instructed to return.
type llmResponse struct {
	PolishedText string `json:"polished_text"`
	Corrections  []struct {
		Original   string  `json:"original"`
		Corrected  string  `json:"corrected"`
		Confidence float64 `json:"confidence"`
	} `json:"corrections"`
}

// Completer is the narrow LLM surface the polisher needs: one synchronous
// completion of a system/user message pair.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Polisher cleans finished transcripts through a [Completer]. Safe for
// concurrent use.
type Polisher struct {
	llm Completer
}

// Compile-time assertion that Polisher is a pipeline stage.
var _ transcript.Corrector = (*Polisher)(nil)

// New returns a [Polisher] backed by llm.
func New(llm Completer) *Polisher {
	return &Polisher{llm: llm}
}

// Correct implements [transcript.Corrector]. Transport errors are returned;
// an unparseable model response degrades to the unchanged input.
func (p *Polisher) Correct(ctx context.Context, text string) (transcript.Result, error) {
	if strings.TrimSpace(text) == "" {
		return transcript.Result{Text: text}, nil
	}

	content, err := p.llm.Complete(ctx, systemPrompt, text)
	if err != nil {
		return transcript.Result{Text: text}, fmt.Errorf("polish: complete: %w", err)
	}

	var r llmResponse
	if err := json.Unmarshal([]byte(stripMarkdown(content)), &r); err != nil {
		return transcript.Result{Text: text}, nil
	}
	if r.PolishedText == "" {
		return transcript.Result{Text: text}, nil
	}

	result := transcript.Result{Text: r.PolishedText}
	for _, c := range r.Corrections {
		if c.Original == "" || c.Original == c.Corrected {
			continue
		}
		result.Corrections = append(result.Corrections, transcript.Correction{
			Original:   c.Original,
			Corrected:  c.Corrected,
			Confidence: c.Confidence,
			Method:     "polish",
		})
	}
	return result, nil
}

// stripMarkdown removes optional code fences (```json ... ```) that some
// models wrap around JSON output.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}

// AnyLLMOption configures an [AnyLLM] adapter.
type AnyLLMOption func(*AnyLLM)

// WithTemperature sets the sampling temperature. Lower values produce more
// deterministic cleanups. Default: 0.1.
func WithTemperature(t float64) AnyLLMOption {
	return func(a *AnyLLM) { a.temperature = t }
}

// WithMaxTokens caps the completion length. Zero (the default) leaves the
// model default.
func WithMaxTokens(n int) AnyLLMOption {
	return func(a *AnyLLM) { a.maxTokens = n }
}

// AnyLLM adapts an any-llm-go provider to [Completer].
type AnyLLM struct {
	backend     anyllmlib.Provider
	model       string
	temperature float64
	maxTokens   int
}

// Compile-time assertion that AnyLLM satisfies Completer.
var _ Completer = (*AnyLLM)(nil)

// NewAnyLLM wraps an any-llm-go backend for the given model. Use
// [NewBackend] to construct the backend from a provider name.
func NewAnyLLM(backend anyllmlib.Provider, model string, opts ...AnyLLMOption) (*AnyLLM, error) {
	if backend == nil {
		return nil, fmt.Errorf("polish: backend must not be nil")
	}
	if model == "" {
		return nil, fmt.Errorf("polish: model must not be empty")
	}
	a := &AnyLLM{backend: backend, model: model, temperature: defaultTemperature}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Complete implements [Completer].
func (a *AnyLLM) Complete(ctx context.Context, system, user string) (string, error) {
	temperature := a.temperature
	params := anyllmlib.CompletionParams{
		Model: a.model,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleSystem, Content: system},
			{Role: "user", Content: user},
		},
		Temperature: &temperature,
	}
	if a.maxTokens > 0 {
		maxTokens := a.maxTokens
		params.MaxTokens = &maxTokens
	}

	resp, err := a.backend.Completion(ctx, params)
	if err != nil {
		return "", fmt.Errorf("polish: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("polish: empty choices in response")
	}
	return resp.Choices[0].Message.ContentString(), nil
}

// NewBackend creates an any-llm-go provider by name. name is one of:
// "openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq",
// "llamacpp", "llamafile". Without an API key option the backend falls back
// to its conventional environment variable (OPENAI_API_KEY and friends);
// local backends like ollama need none.
func NewBackend(name string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(name) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("polish: unsupported llm provider %q", name)
	}
}
