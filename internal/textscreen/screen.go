// Package textscreen flags disallowed language in transcripts, comments, and
// chat text. An allow-list of innocuous conversational phrases is applied
// before keyword scoring so that greetings and praise idioms never contribute
// to the toxicity score, while anything outside those phrases still does.
package textscreen

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultThreshold is the score at or above which text is flagged.
const DefaultThreshold = 0.5

// Verdict is the outcome of screening one piece of text.
type Verdict struct {
	Flagged bool     `json:"flagged"`
	Reason  string   `json:"reason,omitempty"`
	Score   float64  `json:"score"`
	Matches []string `json:"matches,omitempty"`
}

// Term is a weighted lexicon entry. Phrase may contain several words.
type Term struct {
	Phrase   string
	Category string
	Weight   float64
}

// Options configures a Screener. Nil slices fall back to the defaults.
type Options struct {
	Threshold float64
	AllowList []string
	Lexicon   []Term
}

type compiledTerm struct {
	tokens   []string
	phrase   string
	category string
	weight   float64
}

// Screener is safe for concurrent use; it holds no mutable state.
type Screener struct {
	threshold float64
	allow     [][]string
	lexicon   []compiledTerm
}

// New compiles the allow-list and lexicon.
func New(opts Options) *Screener {
	threshold := opts.Threshold
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	allowList := opts.AllowList
	if allowList == nil {
		allowList = DefaultAllowList()
	}
	lexicon := opts.Lexicon
	if lexicon == nil {
		lexicon = DefaultLexicon()
	}

	s := &Screener{threshold: threshold}
	for _, phrase := range allowList {
		if tokens := Tokenize(phrase); len(tokens) > 0 {
			s.allow = append(s.allow, tokens)
		}
	}
	// Longest phrases first so "how are you doing" masks before "how are you".
	sort.SliceStable(s.allow, func(i, j int) bool { return len(s.allow[i]) > len(s.allow[j]) })

	for _, term := range lexicon {
		tokens := Tokenize(term.Phrase)
		if len(tokens) == 0 || term.Weight <= 0 {
			continue
		}
		s.lexicon = append(s.lexicon, compiledTerm{
			tokens:   tokens,
			phrase:   strings.Join(tokens, " "),
			category: term.Category,
			weight:   term.Weight,
		})
	}
	return s
}

// Screen scores text. Empty or whitespace-only text is never flagged.
func (s *Screener) Screen(text string) Verdict {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return Verdict{}
	}

	masked := make([]bool, len(tokens))
	for _, phrase := range s.allow {
		maskPhrase(tokens, masked, phrase)
	}
	remaining := 0
	for _, m := range masked {
		if !m {
			remaining++
		}
	}
	if remaining == 0 {
		return Verdict{Reason: "innocuous"}
	}

	var (
		score      float64
		topWeight  float64
		topReason  string
		matches    []string
		matchedSet = make(map[string]struct{})
	)
	for _, term := range s.lexicon {
		hits := countUnmasked(tokens, masked, term.tokens)
		if hits == 0 {
			continue
		}
		score += term.weight * float64(hits)
		if _, seen := matchedSet[term.phrase]; !seen {
			matchedSet[term.phrase] = struct{}{}
			matches = append(matches, term.phrase)
		}
		if term.weight > topWeight {
			topWeight = term.weight
			topReason = term.category
		}
	}
	if score > 1 {
		score = 1
	}
	return Verdict{
		Flagged: score >= s.threshold,
		Reason:  topReason,
		Score:   score,
		Matches: matches,
	}
}

var stripMarks = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Tokenize normalizes case, accents, and punctuation and splits into words.
// Apostrophes are dropped so "what's" and "whats" compare equal.
func Tokenize(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	folded, _, err := transform.String(stripMarks, text)
	if err != nil {
		folded = text
	}
	folded = strings.ToLower(folded)
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case r == '\'' || r == '’':
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	return strings.Fields(b.String())
}

func maskPhrase(tokens []string, masked []bool, phrase []string) {
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		if matchAt(tokens, masked, phrase, i, true) {
			for j := range phrase {
				masked[i+j] = true
			}
			i += len(phrase) - 1
		}
	}
}

func countUnmasked(tokens []string, masked []bool, phrase []string) int {
	hits := 0
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		if matchAt(tokens, masked, phrase, i, false) {
			hits++
			i += len(phrase) - 1
		}
	}
	return hits
}

// matchAt compares phrase against tokens starting at i. When allowMasked is
// false, a span overlapping an allow-listed phrase never matches.
func matchAt(tokens []string, masked []bool, phrase []string, i int, allowMasked bool) bool {
	for j, word := range phrase {
		if tokens[i+j] != word {
			return false
		}
		if !allowMasked && masked[i+j] {
			return false
		}
	}
	return true
}
