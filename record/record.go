package record

import (
	"strings"
	"time"
	"unicode"
)

// Severity is a coarse rating of how dangerous an interaction is.
type Severity string

const (
	SeverityNone            Severity = "none"
	SeverityMinor           Severity = "minor"
	SeverityModerate        Severity = "moderate"
	SeverityMajor           Severity = "major"
	SeverityContraindicated Severity = "contraindicated"
	SeverityUnknown         Severity = "unknown"
)

// severityAliases maps lowercase labels seen in registry pages, LLM output
// and legacy CSV rows to a Severity. Checked longest-first by ParseSeverity.
var severityAliases = []struct {
	label string
	sev   Severity
}{
	{"contraindicated", SeverityContraindicated},
	{"contraindication", SeverityContraindicated},
	{"병용금기", SeverityContraindicated},
	{"금기", SeverityContraindicated},
	{"❌", SeverityContraindicated},
	{"major", SeverityMajor},
	{"severe", SeverityMajor},
	{"serious", SeverityMajor},
	{"중대", SeverityMajor},
	{"심각", SeverityMajor},
	{"moderate", SeverityModerate},
	{"병용주의", SeverityModerate},
	{"주의", SeverityModerate},
	{"⚠️", SeverityModerate},
	{"⚠", SeverityModerate},
	{"minor", SeverityMinor},
	{"mild", SeverityMinor},
	{"경미", SeverityMinor},
	{"none", SeverityNone},
	{"no interaction", SeverityNone},
	{"없음", SeverityNone},
	{"unknown", SeverityUnknown},
	{"미상", SeverityUnknown},
}

// ParseSeverity maps free text to a Severity. Empty input yields "";
// unrecognised text yields SeverityUnknown.
func ParseSeverity(s string) Severity {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	for _, a := range severityAliases {
		if s == a.label {
			return a.sev
		}
	}
	for _, a := range severityAliases {
		if strings.Contains(s, a.label) {
			return a.sev
		}
	}
	return SeverityUnknown
}

// Valid reports whether s is one of the defined severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityNone, SeverityMinor, SeverityModerate, SeverityMajor,
		SeverityContraindicated, SeverityUnknown:
		return true
	}
	return false
}

// Source identifies where a piece of data came from.
type Source string

const (
	SourceLocalDB    Source = "local_db"
	SourceCuratedWeb Source = "curated_web"
	SourceGenericWeb Source = "generic_web"
	SourceLLM        Source = "llm"
	SourceNone       Source = "none"
)

// ParseSource maps stored or legacy source labels to a Source. Site names
// recorded by the older prototypes ("health.kr", "ddinter") are curated.
func ParseSource(s string) Source {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local_db", "db", "csv", "local":
		return SourceLocalDB
	case "curated_web", "health.kr", "healthkr", "ddinter", "drugbank", "hira", "fda", "korea mfds", "mfds":
		return SourceCuratedWeb
	case "generic_web", "web", "websearch", "web_search":
		return SourceGenericWeb
	case "llm", "gpt", "openai":
		return SourceLLM
	case "none":
		return SourceNone
	}
	return ""
}

// Priority orders sources for tie-breaking: higher wins.
func (s Source) Priority() int {
	switch s {
	case SourceLocalDB:
		return 4
	case SourceCuratedWeb:
		return 3
	case SourceGenericWeb:
		return 2
	case SourceLLM:
		return 1
	}
	return 0
}

// DrugRecord is one named drug.
type DrugRecord struct {
	CanonicalName  string    `json:"canonical_name"`
	Aliases        []string  `json:"aliases,omitempty"`
	Ingredients    []string  `json:"ingredients,omitempty"`
	Classification string    `json:"classification,omitempty"`
	Indications    string    `json:"indications,omitempty"`
	Source         Source    `json:"source"`
	Confidence     float64   `json:"confidence"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Key returns the record's canonical lookup key.
func (d DrugRecord) Key() string { return Key(d.CanonicalName) }

// Names returns the canonical name followed by all aliases.
func (d DrugRecord) Names() []string {
	return append([]string{d.CanonicalName}, d.Aliases...)
}

// InteractionRecord is the logically symmetric relationship between two
// drugs. DrugA/DrugB are kept in canonical pair order.
type InteractionRecord struct {
	DrugA       string    `json:"drug_a"`
	DrugB       string    `json:"drug_b"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description,omitempty"`
	Source      Source    `json:"source"`
	Confidence  float64   `json:"confidence"`
	Evidence    []string  `json:"evidence,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Key returns the order-independent pair key.
func (r InteractionRecord) Key() string { return PairKey(r.DrugA, r.DrugB) }

// Extraction is what a resolver returns: candidate values for a drug and,
// when Partner is set, for the interaction between Drug and Partner.
type Extraction struct {
	Drug           string   `json:"drug"`
	Partner        string   `json:"partner,omitempty"`
	Aliases        []string `json:"aliases,omitempty"`
	Ingredients    []string `json:"ingredients,omitempty"`
	Classification string   `json:"classification,omitempty"`
	Indications    string   `json:"indications,omitempty"`

	Severity    Severity `json:"severity,omitempty"`
	Description string   `json:"description,omitempty"`

	Source     Source    `json:"source"`
	SourceName string    `json:"source_name,omitempty"` // e.g. "health.kr"
	Confidence float64   `json:"confidence"`
	Evidence   []string  `json:"evidence,omitempty"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// HasDrugFields reports whether the extraction carries any drug data.
func (e Extraction) HasDrugFields() bool {
	return len(e.Ingredients) > 0 || e.Classification != "" || e.Indications != "" || len(e.Aliases) > 0
}

// HasInteraction reports whether the extraction carries interaction data.
func (e Extraction) HasInteraction() bool {
	return e.Partner != "" && (e.Description != "" || (e.Severity != "" && e.Severity != SeverityUnknown))
}

// Key normalises a drug name for identity: case-folded with all whitespace
// removed. Korean text is unaffected by case folding.
func Key(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// PairKey returns the order-independent key for a drug pair.
func PairKey(a, b string) string {
	ka, kb := Key(a), Key(b)
	if kb < ka {
		ka, kb = kb, ka
	}
	return ka + "__" + kb
}

// OrderPair returns a and b in canonical pair order.
func OrderPair(a, b string) (string, string) {
	if Key(b) < Key(a) {
		return b, a
	}
	return a, b
}

// SameDrug reports whether two names denote the same canonical key.
func SameDrug(a, b string) bool { return Key(a) == Key(b) }
