// Package similarity scores candidate problems against the existing corpus.
// Every function here is pure: identical inputs always give identical output
// and nothing is mutated, so callers may share samples across goroutines.
package similarity

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Decision tiers.
const (
	RejectThreshold = 0.8
	ManualThreshold = 0.5

	// StructuralWeight discounts skeleton matches relative to text matches.
	StructuralWeight = 0.9
	// MaxMatches bounds the ranked matches returned by Check.
	MaxMatches = 5
	// MaxSample bounds the corpus sample a candidate is compared against.
	MaxSample = 500

	// minSkeletonSignal is the number of substituted tokens a skeleton needs
	// before its comparison counts.
	minSkeletonSignal = 2
)

// Decision is the gate outcome for one candidate.
type Decision string

// Gate outcomes.
const (
	DecisionPass   Decision = "PASS"
	DecisionManual Decision = "MANUAL"
	DecisionReject Decision = "REJECT"
)

// Entry is one corpus problem in comparable form.
type Entry struct {
	ID   string
	Text string
}

// Match is a scored corpus entry.
type Match struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Result is the outcome of Check.
type Result struct {
	Decision Decision `json:"decision"`
	Score    float64  `json:"score"`
	Matches  []Match  `json:"matches"`
}

// Best returns the top match, if any.
func (r Result) Best() (Match, bool) {
	if len(r.Matches) == 0 {
		return Match{}, false
	}
	return r.Matches[0], true
}

// Similarity returns a score in [0,1]. It is reflexive and symmetric.
func Similarity(a, b string) float64 {
	return compare(prepare(a), prepare(b))
}

// Check compares candidate against at most MaxSample entries of sample and
// ranks the matches by score descending, then id ascending.
func Check(candidate string, sample []Entry) Result {
	if len(sample) > MaxSample {
		sample = sample[:MaxSample]
	}
	c := prepare(candidate)
	matches := make([]Match, 0, len(sample))
	for _, e := range sample {
		matches = append(matches, Match{ID: e.ID, Score: compare(c, prepare(e.Text))})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > MaxMatches {
		matches = matches[:MaxMatches]
	}
	res := Result{Decision: DecisionPass, Matches: matches}
	if len(matches) > 0 {
		res.Score = matches[0].Score
		res.Decision = Decide(res.Score)
	}
	return res
}

// Decide maps a score onto a decision tier.
func Decide(score float64) Decision {
	switch {
	case score > RejectThreshold:
		return DecisionReject
	case score >= ManualThreshold:
		return DecisionManual
	default:
		return DecisionPass
	}
}

type prepared struct {
	text     string
	skeleton string
	signal   int
}

func prepare(s string) prepared {
	folded := fold(s)
	skel, signal := skeleton(folded)
	return prepared{text: strip(folded), skeleton: skel, signal: signal}
}

func compare(a, b prepared) float64 {
	score := dice(a.text, b.text)
	if a.signal >= minSkeletonSignal && b.signal >= minSkeletonSignal {
		if structural := StructuralWeight * dice(a.skeleton, b.skeleton); structural > score {
			score = structural
		}
	}
	return score
}

// fold applies NFKC normalisation and lower-casing.
func fold(s string) string {
	return strings.ToLower(norm.NFKC.String(s))
}

// strip drops everything but letters and digits.
func strip(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// skeleton replaces digit runs with '#' and standalone single letters with
// 'v', keeping operators so "3x + 5 = 11" and "7y + 2 = 30" share a shape.
// signal counts the substitutions made.
func skeleton(s string) (string, int) {
	runes := []rune(s)
	var b strings.Builder
	signal := 0
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsDigit(r):
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])) {
				i++
			}
			b.WriteRune('#')
			signal++
			continue
		case unicode.IsLetter(r):
			j := i
			for j < len(runes) && unicode.IsLetter(runes[j]) {
				j++
			}
			if j-i == 1 {
				b.WriteRune('v')
				signal++
			} else {
				b.WriteString(string(runes[i:j]))
			}
			i = j
			continue
		case unicode.IsSpace(r):
		default:
			b.WriteRune(r)
		}
		i++
	}
	return b.String(), signal
}

// dice is the Sørensen–Dice coefficient over character bigram multisets.
// Two empty strings are identical; strings too short for a bigram compare by
// equality.
func dice(a, b string) float64 {
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) < 2 || len(rb) < 2 {
		return 0
	}
	counts := make(map[[2]rune]int, len(ra))
	for i := 0; i+1 < len(ra); i++ {
		counts[[2]rune{ra[i], ra[i+1]}]++
	}
	overlap := 0
	for i := 0; i+1 < len(rb); i++ {
		k := [2]rune{rb[i], rb[i+1]}
		if counts[k] > 0 {
			counts[k]--
			overlap++
		}
	}
	return 2 * float64(overlap) / float64(len(ra)-1+len(rb)-1)
}
