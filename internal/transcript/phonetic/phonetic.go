// Package phonetic matches misheard words against a known vocabulary using
// Double Metaphone codes and Jaro-Winkler ranking.
//
// Speech recognition reliably garbles uncommon proper nouns and project
// jargon ("kubernetes" → "cooper netties"). The [Matcher] finds vocabulary
// terms that sound like a transcribed word:
//
//  1. Candidate filtering: a term is a phonetic candidate when any of its
//     Double Metaphone codes overlaps with a code of the input.
//  2. Ranking: candidates are scored with Jaro-Winkler similarity on the
//     original strings (case-insensitive) and accepted above the phonetic
//     threshold. Without any phonetic candidate a stricter pure-similarity
//     fallback applies.
//
// Multi-word terms ("pull request") are handled by comparing full strings
// and space-stripped concatenations, so "cooper netties" still reaches
// "kubernetes". Codes are computed over the concatenation; matching a single
// shared word must not qualify a whole phrase.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option configures a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score a phonetic
// candidate needs to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for the
// pure-similarity fallback used when no term matches phonetically.
// Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

// Matcher resolves words to vocabulary terms by pronunciation similarity.
// Read-only after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Matcher] with the supplied options applied.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match returns the term from vocabulary most similar in pronunciation to
// word, its similarity score in [0, 1] and whether any term qualified. word
// may be a space-separated phrase. When matched is false, corrected is word
// unchanged and the score is 0.
func (m *Matcher) Match(word string, vocabulary []string) (corrected string, confidence float64, matched bool) {
	if len(vocabulary) == 0 || strings.TrimSpace(word) == "" {
		return word, 0, false
	}

	wordLower := strings.ToLower(strings.TrimSpace(word))
	wordTokens := strings.Fields(wordLower)
	wordCodes := codesFor(wordTokens)

	type candidate struct {
		term     string
		score    float64
		phonetic bool
	}
	var best candidate

	for _, term := range vocabulary {
		termLower := strings.ToLower(strings.TrimSpace(term))
		if termLower == "" {
			continue
		}
		termTokens := strings.Fields(termLower)

		score := similarity(wordTokens, termTokens, wordLower, termLower)

		if codesOverlap(wordCodes, codesFor(termTokens)) {
			if score >= m.phoneticThreshold && (!best.phonetic || score > best.score) {
				best = candidate{term: term, score: score, phonetic: true}
			}
		} else if !best.phonetic && score >= m.fuzzyThreshold && score > best.score {
			best = candidate{term: term, score: score}
		}
	}

	if best.term == "" {
		return word, 0, false
	}
	return best.term, best.score, true
}

// codesFor returns the Double Metaphone codes of tokens joined without
// spaces, coding a phrase by its pronunciation as a whole.
func codesFor(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	primary, secondary := matchr.DoubleMetaphone(strings.Join(tokens, ""))
	if primary != "" {
		codes[primary] = struct{}{}
	}
	if secondary != "" {
		codes[secondary] = struct{}{}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// similarity is the higher Jaro-Winkler score of two comparisons: the full
// strings and the space-stripped concatenations (catches "cooper netties"
// vs "kubernetes").
func similarity(wordTokens, termTokens []string, wordFull, termFull string) float64 {
	score := matchr.JaroWinkler(wordFull, termFull, false)

	if len(wordTokens) > 1 || len(termTokens) > 1 {
		joined := matchr.JaroWinkler(strings.Join(wordTokens, ""), strings.Join(termTokens, ""), false)
		if joined > score {
			score = joined
		}
	}
	return score
}
