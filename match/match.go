// Package match ranks stored drug records against a free-text drug name.
//
// Matching is two-tier: substring containment of normalised names in either
// direction scores 100, everything else is scored by partial ratio and kept
// only above a cutoff. Registry names are long ("타이레놀정500밀리그램(아세트
// 아미노펜)") while user input is usually a short brand name, so containment
// is checked first.
package match

import (
	"sort"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"

	"github.com/brunobiangulo/ddi/record"
)

// Defaults used when a Matcher field is zero.
const (
	DefaultCutoff = 50
	DefaultTopN   = 5
	DefaultMargin = 5
)

// Match is one ranked candidate.
type Match struct {
	Record record.DrugRecord `json:"record"`
	Score  int               `json:"score"`
	// Name is the canonical name or alias that produced the score.
	Name string `json:"matched_name"`
}

// Matcher resolves a query against a candidate set. A zero field means its
// default, so configured values must be positive; a Cutoff of 1 admits
// every candidate with any overlap.
type Matcher struct {
	Cutoff int `json:"cutoff" yaml:"cutoff" mapstructure:"cutoff" validate:"gte=1,lte=100"`
	TopN   int `json:"topn" yaml:"topn" mapstructure:"topn" validate:"gte=1"`
	Margin int `json:"margin" yaml:"margin" mapstructure:"margin" validate:"gte=1,lte=100"`
}

// Normalize lowercases s and drops whitespace and punctuation. Korean text
// is unaffected by case folding.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// PartialRatio scores how well the shorter string aligns with the best
// window of the longer one, 0-100. Both inputs are compared as given; call
// Normalize first.
func PartialRatio(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}
	if len(ra) > len(rb) {
		ra, rb = rb, ra
	}
	short := string(ra)
	n := len(ra)
	best := 0
	for i := 0; i+n <= len(rb); i++ {
		d := levenshtein.ComputeDistance(short, string(rb[i:i+n]))
		if score := similarity(n, d); score > best {
			best = score
			if best == 100 {
				break
			}
		}
	}
	return best
}

// similarity maps an edit distance between two strings of n runes onto a
// 0-100 scale.
func similarity(n, dist int) int {
	if n == 0 {
		return 100
	}
	if dist >= n {
		return 0
	}
	return int(float64(n-dist)*100/float64(n) + 0.5)
}

// Score returns the similarity of query and name after normalisation.
func Score(query, name string) int {
	q, n := Normalize(query), Normalize(name)
	if q == "" || n == "" {
		return 0
	}
	if strings.Contains(n, q) || strings.Contains(q, n) {
		return 100
	}
	return PartialRatio(q, n)
}

func (m Matcher) cutoff() int {
	if m.Cutoff <= 0 {
		return DefaultCutoff
	}
	return m.Cutoff
}

func (m Matcher) topN() int {
	if m.TopN <= 0 {
		return DefaultTopN
	}
	return m.TopN
}

func (m Matcher) margin() int {
	if m.Margin <= 0 {
		return DefaultMargin
	}
	return m.Margin
}

// Resolve ranks candidates against query. Each record is scored by its best
// canonical name or alias; records are deduplicated by canonical key. The
// result is sorted by descending score, ties by shorter name, and holds at
// most TopN entries. Empty query or candidates yield nil.
func (m Matcher) Resolve(query string, candidates []record.DrugRecord) []Match {
	if Normalize(query) == "" || len(candidates) == 0 {
		return nil
	}
	cutoff := m.cutoff()
	byKey := make(map[string]int)
	var out []Match
	for _, c := range candidates {
		key := c.Key()
		if key == "" {
			continue
		}
		best, bestName := 0, ""
		for _, name := range c.Names() {
			if s := Score(query, name); s > best {
				best, bestName = s, name
			}
		}
		if best < cutoff {
			continue
		}
		if i, ok := byKey[key]; ok {
			if best > out[i].Score {
				out[i].Score, out[i].Name = best, bestName
			}
			continue
		}
		byKey[key] = len(out)
		out = append(out, Match{Record: c, Score: best, Name: bestName})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return len([]rune(out[i].Record.CanonicalName)) < len([]rune(out[j].Record.CanonicalName))
	})
	if n := m.topN(); len(out) > n {
		out = out[:n]
	}
	return out
}

// Ambiguous returns the matches within Margin of the best score when there
// are at least two of them, and nil when the top match stands alone. An
// exact key match on the query is never ambiguous.
func (m Matcher) Ambiguous(query string, matches []Match) []Match {
	if len(matches) < 2 {
		return nil
	}
	if record.SameDrug(matches[0].Record.CanonicalName, query) {
		return nil
	}
	top := matches[0].Score
	var out []Match
	for _, mt := range matches {
		if top-mt.Score <= m.margin() {
			out = append(out, mt)
		}
	}
	if len(out) < 2 {
		return nil
	}
	return out
}
