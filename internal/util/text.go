package util

import (
	"strings"
	"unicode"
)

// Terms splits text into lowercase match terms. Latin and digit runs are
// kept whole; runs of Han characters become overlapping bigrams so that
// unsegmented Chinese text can still be compared.
func Terms(text string) []string {
	var terms []string
	seen := make(map[string]struct{})
	add := func(t string) {
		if t == "" {
			return
		}
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}

	var word []rune
	var han []rune
	flushWord := func() {
		if len(word) > 0 {
			add(strings.ToLower(string(word)))
			word = word[:0]
		}
	}
	flushHan := func() {
		switch {
		case len(han) == 1:
			add(string(han))
		case len(han) > 1:
			for i := 0; i+1 < len(han); i++ {
				add(string(han[i : i+2]))
			}
		}
		han = han[:0]
	}

	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			flushWord()
			han = append(han, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushHan()
			word = append(word, r)
		default:
			flushWord()
			flushHan()
		}
	}
	flushWord()
	flushHan()
	return terms
}

// TermOverlap is the share of query terms that also occur in text.
func TermOverlap(query, text string) float64 {
	q := Terms(query)
	if len(q) == 0 {
		return 0
	}
	have := make(map[string]struct{})
	for _, t := range Terms(text) {
		have[t] = struct{}{}
	}
	hit := 0
	for _, t := range q {
		if _, ok := have[t]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(q))
}
