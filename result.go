package ddi

import (
	"fmt"
	"time"

	"github.com/brunobiangulo/ddi/record"
	"github.com/brunobiangulo/ddi/resolver"
)

// Request is one user query: a drug and an optional partner.
type Request struct {
	DrugA string `json:"drug_a" validate:"required"`
	DrugB string `json:"drug_b,omitempty"`
	// VerifyWeb consults the resolvers even when the local store already
	// answers the query.
	VerifyWeb bool `json:"verify_web"`
}

// Paired reports whether the request names two drugs.
func (r Request) Paired() bool { return r.DrugB != "" }

// Status classifies a finished query.
type Status string

const (
	// StatusAnswered means every requested record was found: the drug, or
	// for a pair the interaction.
	StatusAnswered Status = "answered"
	// StatusPartial means some data was found but not the full answer.
	StatusPartial Status = "partial"
	// StatusInsufficient means nothing was found anywhere.
	StatusInsufficient Status = "insufficient"
	// StatusAmbiguous means a name matched several drugs; see Candidates.
	StatusAmbiguous Status = "ambiguous"
)

// State is a step of the resolution pipeline.
type State string

const (
	StateInit            State = "INIT"
	StateCheckLocal      State = "CHECK_LOCAL"
	StateSatisfied       State = "SATISFIED"
	StateNeedExternal    State = "NEED_EXTERNAL"
	StateResolveExternal State = "RESOLVE_EXTERNAL"
	StateMerge           State = "MERGE"
	StatePersist         State = "PERSIST"
	StateDone            State = "DONE"
)

// NameMatch records how a query name was resolved against the store.
type NameMatch struct {
	Query string `json:"query"`
	Name  string `json:"name"`
	Score int    `json:"score"`
	Exact bool   `json:"exact"`
}

// Ambiguity lists the candidates for a name that matched several drugs.
type Ambiguity struct {
	Query      string   `json:"query"`
	Candidates []string `json:"candidates"`
	Scores     []int    `json:"scores"`
}

// ResolverReport is the outcome of one resolver call.
type ResolverReport struct {
	Resolver   string        `json:"resolver"`
	Drug       string        `json:"drug"`
	Partner    string        `json:"partner,omitempty"`
	Source     record.Source `json:"source"`
	Status     string        `json:"status"`
	Error      string        `json:"error,omitempty"`
	DurationMS int64         `json:"duration_ms"`
}

func reportsOf(drug, partner string, outcomes []resolver.Outcome) []ResolverReport {
	out := make([]ResolverReport, 0, len(outcomes))
	for _, o := range outcomes {
		rep := ResolverReport{
			Resolver:   o.Resolver,
			Drug:       drug,
			Partner:    partner,
			Source:     o.Source,
			Status:     o.Status(),
			DurationMS: o.Duration.Milliseconds(),
		}
		if o.Err != nil {
			rep.Error = o.Err.Error()
		}
		out = append(out, rep)
	}
	return out
}

// Result is the terminal output of a query. Source and Confidence belong
// to the interaction for pair queries and to the first drug otherwise.
type Result struct {
	ID          string                    `json:"id"`
	Request     Request                   `json:"request"`
	Status      Status                    `json:"status"`
	DrugA       *record.DrugRecord        `json:"drug_a,omitempty"`
	DrugB       *record.DrugRecord        `json:"drug_b,omitempty"`
	Interaction *record.InteractionRecord `json:"interaction,omitempty"`
	Source      record.Source             `json:"source"`
	Confidence  float64                   `json:"confidence"`
	FromCache   bool                      `json:"from_cache"`
	Names       []NameMatch               `json:"names,omitempty"`
	Candidates  []Ambiguity               `json:"candidates,omitempty"`
	Resolvers   []ResolverReport          `json:"resolvers,omitempty"`
	Trace       []State                   `json:"trace"`
	Answer      string                    `json:"answer"`
	Duration    time.Duration             `json:"duration_ns"`
}

// Err returns an *AmbiguousNameError for ambiguous results, ErrNotFound
// for insufficient ones and nil otherwise.
func (r *Result) Err() error {
	switch r.Status {
	case StatusAmbiguous:
		if len(r.Candidates) > 0 {
			c := r.Candidates[0]
			return &AmbiguousNameError{Query: c.Query, Candidates: c.Candidates}
		}
		return ErrAmbiguousName
	case StatusInsufficient:
		return fmt.Errorf("%w: %s", ErrNotFound, r.Request.DrugA)
	}
	return nil
}

// Severity returns the interaction severity, or "" when there is none.
func (r *Result) Severity() record.Severity {
	if r.Interaction == nil {
		return ""
	}
	return r.Interaction.Severity
}
