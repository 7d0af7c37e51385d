package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidPolishProviders lists the LLM backends the polish stage can construct.
var ValidPolishProviders = []string{
	"openai", "anthropic", "gemini", "ollama",
	"deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// localPolishProviders run on this machine and need no API key.
var localPolishProviders = []string{"ollama", "llamacpp", "llamafile"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Engine
	if cfg.Engine.ModelPath == "" {
		errs = append(errs, errors.New("engine.model_path is required"))
	}
	if cfg.Engine.Threads < 0 {
		errs = append(errs, fmt.Errorf("engine.threads %d must not be negative", cfg.Engine.Threads))
	}
	if cfg.Engine.BeamWidth < 0 {
		errs = append(errs, fmt.Errorf("engine.beam_width %d must not be negative", cfg.Engine.BeamWidth))
	}

	// Stream
	for _, field := range []struct {
		name  string
		value int
	}{
		{"stream.step_ms", cfg.Stream.StepMS},
		{"stream.window_ms", cfg.Stream.WindowMS},
		{"stream.keep_ms", cfg.Stream.KeepMS},
		{"stream.max_tokens_per_segment", cfg.Stream.MaxTokensPerSegment},
		{"stream.audio_context", cfg.Stream.AudioContext},
		{"stream.vad.window_ms", cfg.Stream.VAD.WindowMS},
		{"stream.vad.silence_ms", cfg.Stream.VAD.SilenceMS},
	} {
		if field.value < 0 {
			errs = append(errs, fmt.Errorf("%s %d must not be negative", field.name, field.value))
		}
	}
	if cfg.Stream.Diff != "" && !cfg.Stream.Diff.IsValid() {
		errs = append(errs, fmt.Errorf("stream.diff %q is invalid; valid values: tokens, text", cfg.Stream.Diff))
	}
	if cfg.Stream.WindowMS > 0 && cfg.Stream.StepMS > cfg.Stream.WindowMS {
		slog.Warn("stream.window_ms is smaller than stream.step_ms; the window will be raised to one step",
			"window_ms", cfg.Stream.WindowMS,
			"step_ms", cfg.Stream.StepMS,
		)
	}
	if cfg.Stream.StepMS > 0 && cfg.Stream.KeepMS > cfg.Stream.StepMS {
		slog.Warn("stream.keep_ms is larger than stream.step_ms; the carried span will be capped at one step",
			"keep_ms", cfg.Stream.KeepMS,
			"step_ms", cfg.Stream.StepMS,
		)
	}

	// VAD
	if t := cfg.Stream.VAD.Threshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("stream.vad.threshold %.2f is out of range [0, 1]", t))
	}
	if hz := cfg.Stream.VAD.HighPassHz; hz < 0 {
		errs = append(errs, fmt.Errorf("stream.vad.high_pass_hz %.1f must not be negative", hz))
	}

	// Correction keywords: non-blank and unique (case-insensitive).
	keywordsSeen := make(map[string]int, len(cfg.Correction.Keywords))
	for i, kw := range cfg.Correction.Keywords {
		prefix := fmt.Sprintf("correction.keywords[%d]", i)
		if strings.TrimSpace(kw) == "" {
			errs = append(errs, fmt.Errorf("%s is blank", prefix))
			continue
		}
		folded := strings.ToLower(strings.TrimSpace(kw))
		if prev, ok := keywordsSeen[folded]; ok {
			errs = append(errs, fmt.Errorf("%s %q is a duplicate of correction.keywords[%d]", prefix, kw, prev))
		}
		keywordsSeen[folded] = i
	}
	for _, field := range []struct {
		name  string
		value float64
	}{
		{"correction.phonetic_threshold", cfg.Correction.PhoneticThreshold},
		{"correction.fuzzy_threshold", cfg.Correction.FuzzyThreshold},
	} {
		if field.value < 0 || field.value > 1 {
			errs = append(errs, fmt.Errorf("%s %.2f is out of range [0, 1]", field.name, field.value))
		}
	}

	// Polish
	if cfg.Polish.Provider != "" {
		if !slices.Contains(ValidPolishProviders, cfg.Polish.Provider) {
			errs = append(errs, fmt.Errorf("polish.provider %q is unknown; valid values: %s",
				cfg.Polish.Provider, strings.Join(ValidPolishProviders, ", ")))
		}
		if cfg.Polish.Model == "" {
			errs = append(errs, errors.New("polish.model is required when polish.provider is set"))
		}
		if cfg.Polish.APIKey == "" && !slices.Contains(localPolishProviders, cfg.Polish.Provider) {
			slog.Warn("polish.api_key is empty; the provider will likely reject requests",
				"provider", cfg.Polish.Provider,
			)
		}
	}
	if cfg.Polish.Temperature < 0 || cfg.Polish.Temperature > 2 {
		errs = append(errs, fmt.Errorf("polish.temperature %.2f is out of range [0, 2]", cfg.Polish.Temperature))
	}
	if cfg.Polish.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("polish.max_tokens %d must not be negative", cfg.Polish.MaxTokens))
	}

	return errors.Join(errs...)
}
