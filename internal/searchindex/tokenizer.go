package searchindex

import (
	"iter"
	"strings"
	"unicode"
)

// stopwords are too common to carry signal and are never indexed.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "has": true, "he": true,
	"in": true, "is": true, "it": true, "its": true, "of": true, "on": true,
	"or": true, "that": true, "the": true, "to": true, "was": true, "were": true,
	"will": true, "with": true,
}

// Tokenize yields the index terms of s in order: lowercased runs of
// letters and digits, minus stopwords and single characters.
func Tokenize(s string) iter.Seq[string] {
	return func(yield func(string) bool) {
		var b strings.Builder
		flush := func() bool {
			if b.Len() == 0 {
				return true
			}
			tok := b.String()
			b.Reset()
			if len(tok) < 2 || stopwords[tok] {
				return true
			}
			return yield(tok)
		}
		for _, r := range s {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				b.WriteRune(unicode.ToLower(r))
				continue
			}
			if !flush() {
				return
			}
		}
		flush()
	}
}

// Terms collects the tokens of s into a slice.
func Terms(s string) []string {
	var out []string
	for tok := range Tokenize(s) {
		out = append(out, tok)
	}
	return out
}
