// Package chunker splits narration into word and sentence spans. Spans carry
// byte offsets into the original string so callers can cut exact slices
// without re-joining tokens.
package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Span is a half-open byte range [Start, End) of the source text.
type Span struct {
	Start int
	End   int
}

func (s Span) Of(text string) string { return text[s.Start:s.End] }

// Words returns the whitespace-separated words of text.
func Words(text string) []Span {
	var spans []Span
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				spans = append(spans, Span{Start: start, End: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, Span{Start: start, End: len(text)})
	}
	return spans
}

// Sentences splits on terminal punctuation followed by whitespace. Each span
// is trimmed of surrounding whitespace.
func Sentences(text string) []Span {
	var spans []Span
	start := 0
	for i, r := range text {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		next := i + utf8.RuneLen(r)
		// swallow closing quotes and brackets
		for next < len(text) {
			cr, n := utf8.DecodeRuneInString(text[next:])
			if !strings.ContainsRune(`"')]”’`, cr) {
				break
			}
			next += n
		}
		if next < len(text) {
			nr, _ := utf8.DecodeRuneInString(text[next:])
			if !unicode.IsSpace(nr) {
				continue
			}
		}
		if sp, ok := trimmed(text, start, next); ok {
			spans = append(spans, sp)
		}
		start = next
	}
	if sp, ok := trimmed(text, start, len(text)); ok {
		spans = append(spans, sp)
	}
	return spans
}

func trimmed(text string, start, end int) (Span, bool) {
	for start < end {
		r, n := utf8.DecodeRuneInString(text[start:])
		if !unicode.IsSpace(r) {
			break
		}
		start += n
	}
	for end > start {
		r, n := utf8.DecodeLastRuneInString(text[:end])
		if !unicode.IsSpace(r) {
			break
		}
		end -= n
	}
	return Span{Start: start, End: end}, end > start
}

// FirstSentence returns the first sentence of text, cut to at most maxRunes
// on a word boundary when maxRunes > 0.
func FirstSentence(text string, maxRunes int) string {
	spans := Sentences(text)
	if len(spans) == 0 {
		return ""
	}
	s := spans[0].Of(text)
	if maxRunes <= 0 || utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	return strings.TrimRight(cutWords(s, maxRunes), ",;:") + "…"
}

// TruncateAtSentence shortens text to at most maxRunes, preferring to cut at
// a sentence boundary. Text that already fits is returned unchanged.
func TruncateAtSentence(text string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(text) <= maxRunes {
		return text
	}
	limit := byteOffsetOfRune(text, maxRunes)
	best := 0
	for _, sp := range Sentences(text) {
		if sp.End > limit {
			break
		}
		best = sp.End
	}
	if best == 0 {
		return cutWords(text, maxRunes)
	}
	return text[:best]
}

func cutWords(s string, maxRunes int) string {
	limit := byteOffsetOfRune(s, maxRunes)
	out := s[:limit]
	if i := strings.LastIndexFunc(out, unicode.IsSpace); i > 0 {
		out = out[:i]
	}
	return strings.TrimSpace(out)
}

func byteOffsetOfRune(s string, n int) int {
	i := 0
	for pos := range s {
		if i == n {
			return pos
		}
		i++
	}
	return len(s)
}

// Normalize lowercases w and strips everything but letters and digits, for
// comparing words that an LLM may have re-punctuated.
func Normalize(w string) string {
	var b strings.Builder
	for _, r := range w {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}
