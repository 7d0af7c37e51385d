package stream

import (
	"strings"

	"github.com/MrWong99/susurrus/pkg/engine"
)

// repetitionRunLength is how many identical trailing token IDs count as a
// decode loop.
const repetitionRunLength = 8

// filterSpecial drops marker tokens (timestamps, task tags) so diffing only
// sees spoken text.
func filterSpecial(tokens []engine.Token) []engine.Token {
	out := make([]engine.Token, 0, len(tokens))
	for _, t := range tokens {
		if t.Special {
			continue
		}
		out = append(out, t)
	}
	return out
}

// overlapSplit aligns cur against every suffix of prev and returns the
// length of the longest run of matching token IDs. Everything in cur before
// that index was already emitted by the previous decode.
func overlapSplit(prev, cur []engine.Token) int {
	best := 0
	for i := range prev {
		run := 0
		for i+run < len(prev) && run < len(cur) && prev[i+run].ID == cur[run].ID {
			run++
		}
		if run > best {
			best = run
		}
	}
	return best
}

// tokenDelta concatenates the text of the tokens in cur past the overlap
// with prev.
func tokenDelta(prev, cur []engine.Token) string {
	var b strings.Builder
	for _, t := range cur[overlapSplit(prev, cur):] {
		b.WriteString(t.Text)
	}
	return strings.TrimSpace(b.String())
}

// textDelta strips the longest common rune prefix and suffix of prev from
// cur and returns the trimmed middle. Empty when the boundaries meet or
// cross.
func textDelta(prev, cur string) string {
	p := []rune(prev)
	c := []rune(cur)

	prefix := 0
	for prefix < len(p) && prefix < len(c) && p[prefix] == c[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(p)-prefix && suffix < len(c)-prefix && p[len(p)-1-suffix] == c[len(c)-1-suffix] {
		suffix++
	}
	if prefix+suffix >= len(c) {
		return ""
	}
	return strings.TrimSpace(string(c[prefix : len(c)-suffix]))
}

// hasRepetitionLoop reports whether tokens end in a run of identical IDs
// long enough to indicate the decoder is stuck.
func hasRepetitionLoop(tokens []engine.Token) bool {
	if len(tokens) < repetitionRunLength {
		return false
	}
	last := tokens[len(tokens)-1].ID
	for _, t := range tokens[len(tokens)-repetitionRunLength : len(tokens)-1] {
		if t.ID != last {
			return false
		}
	}
	return true
}
