package record

import (
	"slices"
	"sort"
	"strings"
	"time"
)

// Policy holds the static confidence floor per source type.
type Policy struct {
	LocalDB    float64 `json:"local_db" yaml:"local_db" mapstructure:"local_db" validate:"gte=0,lte=1"`
	CuratedWeb float64 `json:"curated_web" yaml:"curated_web" mapstructure:"curated_web" validate:"gte=0,lte=1"`
	GenericWeb float64 `json:"generic_web" yaml:"generic_web" mapstructure:"generic_web" validate:"gte=0,lte=1"`
	LLM        float64 `json:"llm" yaml:"llm" mapstructure:"llm" validate:"gte=0,lte=1"`
}

// DefaultPolicy returns the floors the prototypes shipped with.
func DefaultPolicy() Policy {
	return Policy{LocalDB: 0.9, CuratedWeb: 0.8, GenericWeb: 0.65, LLM: 0.5}
}

// Floor returns the static confidence for a source.
func (p Policy) Floor(s Source) float64 {
	switch s {
	case SourceLocalDB:
		return p.LocalDB
	case SourceCuratedWeb:
		return p.CuratedWeb
	case SourceGenericWeb:
		return p.GenericWeb
	case SourceLLM:
		return p.LLM
	}
	return 0
}

// Effective returns max(floor, reported) with reported clamped to [0, 1].
func (p Policy) Effective(s Source, reported float64) float64 {
	return max(p.Floor(s), clamp01(reported))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// supersedes reports whether an incoming value with confidence inConf and
// timestamp inAt replaces a stored one. Equal confidence goes to the newer
// (or equally new) write.
func supersedes(inConf float64, inAt time.Time, stConf float64, stAt time.Time) bool {
	if inConf != stConf {
		return inConf > stConf
	}
	return !inAt.Before(stAt)
}

// MergeDrug merges incoming into stored field by field. A populated field
// is replaced only when incoming supplies it and wins on confidence (ties
// go to the newer write); aliases are unioned. Merging a record with
// itself is a no-op.
func MergeDrug(stored, incoming DrugRecord) DrugRecord {
	if stored.CanonicalName == "" {
		out := incoming
		out.Aliases = unionStrings(nil, incoming.Aliases, incoming.CanonicalName)
		return out
	}

	out := stored
	out.Aliases = unionStrings(stored.Aliases, incoming.Aliases, stored.CanonicalName)
	if !SameDrug(incoming.CanonicalName, stored.CanonicalName) {
		out.Aliases = unionStrings(out.Aliases, []string{incoming.CanonicalName}, stored.CanonicalName)
	}

	// Empty stored fields are filled from any source; populated fields are
	// replaced only by a winning write.
	wins := supersedes(incoming.Confidence, incoming.UpdatedAt, stored.Confidence, stored.UpdatedAt)
	changed := false
	if len(incoming.Ingredients) > 0 && !slices.Equal(incoming.Ingredients, stored.Ingredients) &&
		(len(stored.Ingredients) == 0 || wins) {
		out.Ingredients = slices.Clone(incoming.Ingredients)
		changed = true
	}
	if incoming.Classification != "" && incoming.Classification != stored.Classification &&
		(stored.Classification == "" || wins) {
		out.Classification = incoming.Classification
		changed = true
	}
	if incoming.Indications != "" && incoming.Indications != stored.Indications &&
		(stored.Indications == "" || wins) {
		out.Indications = incoming.Indications
		changed = true
	}
	if wins && (changed || incoming.Confidence > stored.Confidence) {
		out.Source = incoming.Source
		out.Confidence = incoming.Confidence
	}
	if changed && incoming.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = incoming.UpdatedAt
	}
	return out
}

// MergeInteraction merges incoming into stored under the same rules as
// MergeDrug. Evidence is unioned. The pair must match; a mismatched pair
// returns stored unchanged.
func MergeInteraction(stored, incoming InteractionRecord) InteractionRecord {
	incoming.DrugA, incoming.DrugB = OrderPair(incoming.DrugA, incoming.DrugB)
	if stored.DrugA == "" && stored.DrugB == "" {
		incoming.Evidence = unionStrings(nil, incoming.Evidence, "")
		return incoming
	}
	if stored.Key() != incoming.Key() {
		return stored
	}

	out := stored
	out.Evidence = unionStrings(stored.Evidence, incoming.Evidence, "")

	wins := supersedes(incoming.Confidence, incoming.UpdatedAt, stored.Confidence, stored.UpdatedAt)
	changed := false
	storedSev := stored.Severity != "" && stored.Severity != SeverityUnknown
	if incoming.Severity != "" && incoming.Severity != stored.Severity &&
		(!storedSev || (wins && incoming.Severity != SeverityUnknown)) {
		out.Severity = incoming.Severity
		changed = true
	}
	if incoming.Description != "" && incoming.Description != stored.Description &&
		(stored.Description == "" || wins) {
		out.Description = incoming.Description
		changed = true
	}
	if wins && (changed || incoming.Confidence > stored.Confidence) {
		out.Source = incoming.Source
		out.Confidence = incoming.Confidence
	}
	if changed && incoming.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = incoming.UpdatedAt
	}
	return out
}

// FromDrug turns a stored record into a merge candidate.
func FromDrug(d DrugRecord) Extraction {
	return Extraction{
		Drug:           d.CanonicalName,
		Aliases:        d.Aliases,
		Ingredients:    d.Ingredients,
		Classification: d.Classification,
		Indications:    d.Indications,
		Source:         d.Source,
		Confidence:     d.Confidence,
		FetchedAt:      d.UpdatedAt,
	}
}

// FromInteraction turns a stored interaction into a merge candidate.
func FromInteraction(r InteractionRecord) Extraction {
	return Extraction{
		Drug:        r.DrugA,
		Partner:     r.DrugB,
		Severity:    r.Severity,
		Description: r.Description,
		Source:      r.Source,
		Confidence:  r.Confidence,
		Evidence:    r.Evidence,
		FetchedAt:   r.UpdatedAt,
	}
}

// rank sorts candidates best-first: confidence, then source priority, then
// recency. The order is total, so Fold does not depend on arrival order.
func rank(cands []Extraction) []Extraction {
	out := slices.Clone(cands)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Source.Priority() != b.Source.Priority() {
			return a.Source.Priority() > b.Source.Priority()
		}
		if !a.FetchedAt.Equal(b.FetchedAt) {
			return a.FetchedAt.After(b.FetchedAt)
		}
		return a.SourceName < b.SourceName
	})
	return out
}

// FoldDrug builds the merged DrugRecord for name from candidates, taking
// each field from the best-ranked candidate that supplies it. Candidates
// for other drugs are ignored. ok is false when no candidate contributes.
func FoldDrug(name string, cands []Extraction) (DrugRecord, bool) {
	key := Key(name)
	var rel []Extraction
	for _, c := range cands {
		if Key(c.Drug) == key && c.HasDrugFields() {
			rel = append(rel, c)
		}
	}
	if len(rel) == 0 {
		return DrugRecord{}, false
	}
	ranked := rank(rel)

	out := DrugRecord{CanonicalName: name}
	var winner *Extraction
	take := func(c *Extraction) {
		if winner == nil {
			winner = c
		}
	}
	for i := range ranked {
		c := &ranked[i]
		out.Aliases = unionStrings(out.Aliases, c.Aliases, name)
		if out.Ingredients == nil && len(c.Ingredients) > 0 {
			out.Ingredients = slices.Clone(c.Ingredients)
			take(c)
		}
		if out.Classification == "" && c.Classification != "" {
			out.Classification = c.Classification
			take(c)
		}
		if out.Indications == "" && c.Indications != "" {
			out.Indications = c.Indications
			take(c)
		}
	}
	if winner == nil {
		winner = &ranked[0]
	}
	out.Source = winner.Source
	out.Confidence = winner.Confidence
	out.UpdatedAt = winner.FetchedAt
	return out, true
}

// FoldInteraction builds the merged InteractionRecord for the pair (a, b)
// from candidates in either drug order.
func FoldInteraction(a, b string, cands []Extraction) (InteractionRecord, bool) {
	pk := PairKey(a, b)
	var rel []Extraction
	for _, c := range cands {
		if c.Partner != "" && PairKey(c.Drug, c.Partner) == pk && c.HasInteraction() {
			rel = append(rel, c)
		}
	}
	if len(rel) == 0 {
		return InteractionRecord{}, false
	}
	ranked := rank(rel)

	left, right := OrderPair(a, b)
	out := InteractionRecord{DrugA: left, DrugB: right}
	var winner *Extraction
	for i := range ranked {
		c := &ranked[i]
		out.Evidence = unionStrings(out.Evidence, c.Evidence, "")
		if out.Severity == "" && c.Severity != "" && c.Severity != SeverityUnknown {
			out.Severity = c.Severity
			if winner == nil {
				winner = c
			}
		}
		if out.Description == "" && c.Description != "" {
			out.Description = c.Description
			if winner == nil {
				winner = c
			}
		}
	}
	if out.Severity == "" {
		out.Severity = SeverityUnknown
	}
	if winner == nil {
		winner = &ranked[0]
	}
	out.Source = winner.Source
	out.Confidence = winner.Confidence
	out.UpdatedAt = winner.FetchedAt
	return out, true
}

// unionStrings appends the members of add not already in base (compared by
// Key) and not equal to skip.
func unionStrings(base, add []string, skip string) []string {
	seen := make(map[string]bool, len(base)+len(add))
	if skip != "" {
		seen[Key(skip)] = true
	}
	var out []string
	for _, s := range base {
		k := Key(s)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, strings.TrimSpace(s))
	}
	for _, s := range add {
		k := Key(s)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, strings.TrimSpace(s))
	}
	return out
}
