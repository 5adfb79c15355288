package retrieval

import (
	"strings"
	"unicode"

	"github.com/coregx/ahocorasick"
	"github.com/orsinium-labs/stopwords"
)

var englishStopwords = stopwords.MustGet("en")

// normalize lowercases text and collapses whitespace so substring matching
// is insensitive to case and spacing.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// salientTerms extracts the query terms worth matching: lowercased tokens
// with stopwords and single characters dropped, deduplicated in order.
func salientTerms(text string) []string {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(tokens))
	terms := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if len(t) < 2 {
			continue
		}
		if englishStopwords.Contains(t) {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}
	return terms
}

// termMatcher scans record text for salient query terms with a single
// Aho-Corasick pass instead of one substring search per term.
type termMatcher struct {
	ac    *ahocorasick.Automaton
	terms int
}

func newTermMatcher(terms []string) (*termMatcher, error) {
	if len(terms) == 0 {
		return &termMatcher{}, nil
	}
	ac, err := ahocorasick.NewBuilder().
		AddStrings(terms).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		return nil, err
	}
	return &termMatcher{ac: ac, terms: len(terms)}, nil
}

// score returns the fraction of distinct query terms found in text,
// in [0, 1]. Text must already be normalized.
func (m *termMatcher) score(text string) float32 {
	if m.ac == nil || m.terms == 0 {
		return 0
	}
	matched := make(map[int]struct{})
	for _, hit := range m.ac.FindAllOverlapping([]byte(text)) {
		matched[int(hit.PatternID)] = struct{}{}
	}
	return float32(len(matched)) / float32(m.terms)
}
