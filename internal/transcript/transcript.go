// Package transcript cleans up recognized speech before it reaches
// consumers.
//
// Raw engine output is rarely final: domain vocabulary gets misheard and
// streaming deltas carry no punctuation. The [Pipeline] applies up to two
// stages:
//
//  1. Keyword correction ([KeywordCorrector]): fast, in-process phonetic
//     alignment of words against a configured vocabulary. Cheap enough to
//     run on every delta.
//  2. Polish ([Corrector], typically the polish package): a language model
//     restores punctuation and casing. Runs only on finished utterances.
//
// Every substitution is reported as a [Correction] so callers can audit or
// display what changed.
package transcript

import "context"

// Correction records a single substitution made by a pipeline stage.
type Correction struct {
	// Original is the text span as the engine produced it.
	Original string

	// Corrected is the replacement.
	Corrected string

	// Confidence is the stage's confidence in the substitution (0.0-1.0).
	Confidence float64

	// Method names the stage that produced the substitution. Well-known
	// values: "phonetic" and "polish".
	Method string
}

// Result is the outcome of a correction pass.
type Result struct {
	// Text is the full text with all substitutions applied.
	Text string

	// Corrections lists the substitutions in the order they were applied.
	// Empty when the text passed through unchanged.
	Corrections []Correction
}

// Corrector rewrites recognized text. Implementations must be safe for
// concurrent use.
type Corrector interface {
	Correct(ctx context.Context, text string) (Result, error)
}

// PipelineOption configures a [Pipeline].
type PipelineOption func(*Pipeline)

// WithKeywords attaches a [KeywordCorrector] that runs on every delta and
// final. Nil (the default) skips the stage.
func WithKeywords(k *KeywordCorrector) PipelineOption {
	return func(p *Pipeline) { p.keywords = k }
}

// WithPolisher attaches a finishing stage that runs on finals only. Nil
// (the default) skips the stage.
func WithPolisher(c Corrector) PipelineOption {
	return func(p *Pipeline) { p.polisher = c }
}

// Pipeline applies the configured correction stages. Deltas get the fast
// in-process stage only; finals additionally go through the polisher.
// Safe for concurrent use.
type Pipeline struct {
	keywords *KeywordCorrector
	polisher Corrector
}

// NewPipeline builds a [Pipeline]. With no options every pass returns its
// input unchanged.
func NewPipeline(opts ...PipelineOption) *Pipeline {
	p := &Pipeline{}
	for _, o := range opts {
		o(p)
	}
	return p
}

// CorrectDelta runs the keyword stage over an incremental delta.
func (p *Pipeline) CorrectDelta(ctx context.Context, text string) (Result, error) {
	if p.keywords == nil {
		return Result{Text: text}, nil
	}
	return p.keywords.Correct(ctx, text)
}

// CorrectFinal runs the keyword stage and then the polisher over a finished
// utterance. Corrections from both stages are merged in application order.
func (p *Pipeline) CorrectFinal(ctx context.Context, text string) (Result, error) {
	result, err := p.CorrectDelta(ctx, text)
	if err != nil {
		return Result{Text: text}, err
	}
	if p.polisher == nil {
		return result, nil
	}

	polished, err := p.polisher.Correct(ctx, result.Text)
	if err != nil {
		// The keyword-corrected text is still usable.
		return result, err
	}
	result.Text = polished.Text
	result.Corrections = append(result.Corrections, polished.Corrections...)
	return result, nil
}
