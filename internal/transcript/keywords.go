package transcript

import (
	"context"
	"strings"

	"github.com/MrWong99/susurrus/internal/transcript/phonetic"
)

// KeywordCorrector replaces misheard words with terms from a fixed
// vocabulary using phonetic matching. It tries n-gram windows up to the
// longest term so multi-word vocabulary ("pull request") wins over partial
// single-word matches. Read-only after construction and safe for concurrent
// use.
type KeywordCorrector struct {
	matcher    *phonetic.Matcher
	vocabulary []string
	maxWords   int
}

// NewKeywordCorrector builds a corrector over vocabulary. Options tune the
// underlying [phonetic.Matcher] thresholds.
func NewKeywordCorrector(vocabulary []string, opts ...phonetic.Option) *KeywordCorrector {
	maxWords := 1
	for _, term := range vocabulary {
		if n := len(strings.Fields(term)); n > maxWords {
			maxWords = n
		}
	}
	return &KeywordCorrector{
		matcher:    phonetic.New(opts...),
		vocabulary: vocabulary,
		maxWords:   maxWords,
	}
}

// Correct implements [Corrector]. The pass is pure computation; ctx is
// accepted for interface symmetry only.
func (k *KeywordCorrector) Correct(_ context.Context, text string) (Result, error) {
	if len(k.vocabulary) == 0 {
		return Result{Text: text}, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return Result{Text: text}, nil
	}

	var out []string
	var corrections []Correction

	i := 0
	for i < len(tokens) {
		maxN := k.maxWords
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			term, confidence, ok := k.matcher.Match(window, k.vocabulary)
			if !ok {
				continue
			}
			out = append(out, strings.Fields(term)...)
			// Exact mentions are consumed but not reported as corrections.
			if !strings.EqualFold(window, term) {
				corrections = append(corrections, Correction{
					Original:   window,
					Corrected:  term,
					Confidence: confidence,
					Method:     "phonetic",
				})
			}
			i += n
			matched = true
			break
		}
		if !matched {
			out = append(out, tokens[i])
			i++
		}
	}

	return Result{Text: strings.Join(out, " "), Corrections: corrections}, nil
}
