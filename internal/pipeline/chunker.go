package pipeline

import "strings"

// abbreviations that end with a period mid-sentence. A period after one of
// these (or after a single letter, as in "J. Smith") is not a sentence
// boundary even when followed by whitespace.
var abbreviations = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "prof": {}, "st": {},
	"sr": {}, "jr": {}, "vs": {}, "etc": {}, "approx": {}, "dept": {},
	"e.g": {}, "i.e": {}, "eg": {}, "ie": {},
}

// sentenceBoundary returns the index of the first sentence-terminating
// character in s, or -1.
//
// A '.', '!' or '?' terminates a sentence only when followed by whitespace
// (so decimals like "3.14" never match) and, for '.', only when the word it
// ends is not an abbreviation or a single letter. Naive matching
// fragments LLM output mid-word on "Mr. Smith" and reads "3." aloud as a
// full sentence.
func sentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		c := s[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		switch s[i+1] {
		case ' ', '\n', '\r', '\t':
		default:
			continue
		}
		if c == '.' && isAbbreviation(s, i) {
			continue
		}
		return i
	}
	return -1
}

// isAbbreviation reports whether the period at index dot ends an
// abbreviation rather than a sentence.
func isAbbreviation(s string, dot int) bool {
	start := dot
	for start > 0 {
		c := s[start-1]
		if c == ' ' || c == '\n' || c == '\r' || c == '\t' {
			break
		}
		start--
	}
	word := strings.ToLower(strings.Trim(s[start:dot], ".,;:\"'()"))
	if word == "" {
		return false
	}
	if len(word) == 1 && word[0] >= 'a' && word[0] <= 'z' {
		// Single-letter initials: "J. Smith".
		return true
	}
	_, ok := abbreviations[word]
	return ok
}

// splitSentences consumes buf, returning complete trimmed sentences and the
// unconsumed remainder. Used by the LLM delta handler to feed the speech
// queue as soon as each sentence closes.
func splitSentences(buf string) (sentences []string, rest string) {
	for {
		idx := sentenceBoundary(buf)
		if idx < 0 {
			return sentences, buf
		}
		sentence := strings.TrimSpace(buf[:idx+1])
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		buf = strings.TrimLeft(buf[idx+1:], " \t\n\r")
	}
}
