package dedup

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
)

var (
	punctuation = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	multiSpace  = regexp.MustCompile(`\s{2,}`)

	// Filler words carry no matching signal in opportunity titles.
	stopWords = map[string]bool{
		"a": true, "an": true, "and": true, "for": true, "fy": true,
		"grant": true, "of": true, "or": true, "program": true, "the": true,
		"to": true,
	}

	caseFolder = cases.Fold()
)

// NormalizeTitle case-folds a title, strips punctuation, and collapses
// whitespace so lookups and comparisons are stable across sources.
func NormalizeTitle(title string) string {
	t := caseFolder.String(strings.TrimSpace(title))
	t = punctuation.ReplaceAllString(t, " ")
	t = multiSpace.ReplaceAllString(t, " ")
	return strings.TrimSpace(t)
}

// TitleSimilarity returns the token Jaccard similarity of two titles in
// [0, 1] after normalization. Stop words are ignored unless the title is
// nothing but stop words.
func TitleSimilarity(a, b string) float64 {
	ta := titleTokens(a)
	tb := titleTokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	intersection := 0
	for tok := range ta {
		if tb[tok] {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	return float64(intersection) / float64(union)
}

func titleTokens(title string) map[string]bool {
	fields := strings.Fields(NormalizeTitle(title))
	tokens := make(map[string]bool, len(fields))
	for _, f := range fields {
		if !stopWords[f] {
			tokens[f] = true
		}
	}
	if len(tokens) == 0 {
		// All stop words: fall back to the raw fields so identical titles
		// still match each other.
		for _, f := range fields {
			tokens[f] = true
		}
	}
	return tokens
}
