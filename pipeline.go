package ddi

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/brunobiangulo/ddi/record"
	"github.com/brunobiangulo/ddi/resolver"
	"github.com/brunobiangulo/ddi/store"
)

// Query runs the resolution pipeline:
//
//	INIT -> CHECK_LOCAL -> SATISFIED -> DONE
//	INIT -> CHECK_LOCAL -> NEED_EXTERNAL -> RESOLVE_EXTERNAL -> MERGE -> PERSIST -> DONE
//
// An ambiguous name ends the run after CHECK_LOCAL with the candidates.
func (e *engine) Query(ctx context.Context, req Request) (*Result, error) {
	if e.closed.Load() {
		return nil, ErrStoreClosed
	}
	req.DrugA = strings.TrimSpace(req.DrugA)
	req.DrugB = strings.TrimSpace(req.DrugB)
	if req.DrugA == "" {
		req.DrugA, req.DrugB = req.DrugB, ""
	}
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: drug name is required", ErrInvalidQuery)
	}
	if req.Paired() && record.SameDrug(req.DrugA, req.DrugB) {
		return nil, fmt.Errorf("%w: the two drug names are the same", ErrInvalidQuery)
	}

	start := time.Now()
	p := &pipeline{
		e:   e,
		req: req,
		res: &Result{ID: uuid.NewString(), Request: req},
	}
	p.run(ctx)
	p.res.Duration = time.Since(start)

	queriesTotal.WithLabelValues(string(p.res.Status)).Inc()
	queryDuration.WithLabelValues(strconv.FormatBool(p.res.FromCache)).Observe(p.res.Duration.Seconds())
	slog.Info("resolve: query done",
		"id", p.res.ID, "drug_a", req.DrugA, "drug_b", req.DrugB,
		"status", p.res.Status, "source", p.res.Source, "confidence", p.res.Confidence,
		"duration", p.res.Duration.Round(time.Millisecond))

	e.logQuery(context.WithoutCancel(ctx), p.res)
	return p.res, nil
}

// pipeline holds the state of one query run.
type pipeline struct {
	e   *engine
	req Request
	res *Result

	// Names used for merging and resolver calls: the stored canonical
	// name when the query matched a record, else the query text.
	nameA, nameB string

	localA, localB *record.DrugRecord
	localPair      *record.InteractionRecord
	fetched        []record.Extraction

	drugA, drugB *record.DrugRecord
	pair         *record.InteractionRecord
}

func (p *pipeline) enter(s State) {
	p.res.Trace = append(p.res.Trace, s)
	slog.Debug("resolve: state", "id", p.res.ID, "state", s)
}

func (p *pipeline) run(ctx context.Context) {
	p.enter(StateInit)
	p.nameA, p.nameB = p.req.DrugA, p.req.DrugB

	p.enter(StateCheckLocal)
	if !p.checkLocal() {
		p.done()
		return
	}
	if !p.req.VerifyWeb && p.satisfied(p.localA, p.localB, p.localPair) {
		p.enter(StateSatisfied)
		p.drugA, p.drugB, p.pair = p.localA, p.localB, p.localPair
		p.res.FromCache = true
		p.done()
		return
	}

	p.enter(StateNeedExternal)
	p.enter(StateResolveExternal)
	p.resolveExternal(ctx)

	p.enter(StateMerge)
	p.drugA, p.drugB, p.pair = p.fold(nil, true)

	p.enter(StatePersist)
	p.persist(context.WithoutCancel(ctx))
	p.done()
}

// checkLocal looks the names up in the Record Store. It returns false when
// a name is ambiguous.
func (p *pipeline) checkLocal() bool {
	recA, nmA, ambA := p.e.lookup(p.req.DrugA)
	var (
		recB *record.DrugRecord
		nmB  NameMatch
		ambB *Ambiguity
	)
	if p.req.Paired() {
		recB, nmB, ambB = p.e.lookup(p.req.DrugB)
	}
	for _, amb := range []*Ambiguity{ambA, ambB} {
		if amb != nil {
			p.res.Candidates = append(p.res.Candidates, *amb)
		}
	}
	if len(p.res.Candidates) > 0 {
		p.res.Status = StatusAmbiguous
		return false
	}

	if recA != nil {
		p.localA, p.nameA = recA, recA.CanonicalName
		p.res.Names = append(p.res.Names, nmA)
	}
	// When both names match the same stored drug the partner keeps its
	// query text so the pair stays a pair.
	if recB != nil && !record.SameDrug(recB.CanonicalName, p.nameA) {
		p.localB, p.nameB = recB, recB.CanonicalName
		p.res.Names = append(p.res.Names, nmB)
	}
	if p.req.Paired() {
		if r, ok := p.e.records.FindPair(p.nameA, p.nameB); ok {
			p.localPair = &r
		}
	}
	slog.Debug("resolve: checked local store",
		"id", p.res.ID, "drug_a", p.localA != nil, "drug_b", p.localB != nil, "pair", p.localPair != nil)
	return true
}

// satisfied reports whether the records answer the request: the drugs
// exist and, for a pair, the interaction exists with usable confidence.
func (p *pipeline) satisfied(a, b *record.DrugRecord, pair *record.InteractionRecord) bool {
	if a == nil {
		return false
	}
	if !p.req.Paired() {
		return true
	}
	return b != nil && pair != nil && pair.Confidence >= p.e.cfg.MinConfidence
}

// resolveExternal asks the resolvers about the first drug (with its
// partner) and, when the partner has no stored record, about the partner.
// In sequential mode each run stops as soon as the candidates collected
// so far answer its part of the request.
func (p *pipeline) resolveExternal(ctx context.Context) {
	if len(p.e.resolvers) == 0 {
		slog.Warn("resolve: no resolvers configured", "id", p.res.ID)
		return
	}
	base := resolver.RunOptions{
		Parallel: p.e.cfg.Mode == ModeParallel,
		Timeout:  p.e.cfg.ResolverTimeout,
	}

	optsA := base
	optsA.Stop = func(done []resolver.Outcome) bool {
		a, _, pair := p.fold(p.adopt(done, p.nameA, p.nameB), !p.req.VerifyWeb)
		return a != nil && (!p.req.Paired() || (pair != nil && pair.Confidence >= p.e.cfg.MinConfidence))
	}
	outA := resolver.Run(ctx, p.e.resolvers, p.nameA, p.nameB, optsA)
	p.fetched = append(p.fetched, p.adopt(outA, p.nameA, p.nameB)...)
	p.res.Resolvers = append(p.res.Resolvers, reportsOf(p.nameA, p.nameB, outA)...)

	if !p.req.Paired() || (p.localB != nil && !p.req.VerifyWeb) {
		return
	}
	optsB := base
	optsB.Stop = func(done []resolver.Outcome) bool {
		_, b, _ := p.fold(p.adopt(done, p.nameB, ""), !p.req.VerifyWeb)
		return b != nil
	}
	outB := resolver.Run(ctx, p.e.resolvers, p.nameB, "", optsB)
	p.fetched = append(p.fetched, p.adopt(outB, p.nameB, "")...)
	p.res.Resolvers = append(p.res.Resolvers, reportsOf(p.nameB, "", outB)...)
}

// adopt turns resolver hits for (drug, partner) into merge candidates. A
// resolver answers for the name it was asked about, so a differing drug
// name it reports becomes an alias. Confidence is raised to the source
// floor.
func (p *pipeline) adopt(outcomes []resolver.Outcome, drug, partner string) []record.Extraction {
	var out []record.Extraction
	for _, x := range resolver.Extractions(outcomes) {
		if x.HasDrugFields() && x.Drug != "" && !record.SameDrug(x.Drug, drug) && !record.SameDrug(x.Drug, partner) {
			x.Aliases = append(append([]string(nil), x.Aliases...), x.Drug)
		}
		x.Drug = drug
		if x.Partner != "" {
			x.Partner = partner
		}
		x.Confidence = p.e.cfg.Confidence.Effective(x.Source, x.Confidence)
		out = append(out, x)
	}
	return out
}

// fold merges the fetched candidates plus extra field by field. With
// withLocal the stored records take part too, and a stored record that
// contributes no fields (a bare name) is kept as it is.
func (p *pipeline) fold(extra []record.Extraction, withLocal bool) (a, b *record.DrugRecord, pair *record.InteractionRecord) {
	var cands []record.Extraction
	if withLocal {
		if p.localA != nil {
			cands = append(cands, record.FromDrug(*p.localA))
		}
		if p.localB != nil {
			cands = append(cands, record.FromDrug(*p.localB))
		}
		if p.localPair != nil {
			cands = append(cands, record.FromInteraction(*p.localPair))
		}
	}
	cands = append(cands, p.fetched...)
	cands = append(cands, extra...)

	if d, ok := record.FoldDrug(p.nameA, cands); ok {
		a = &d
	} else if withLocal {
		a = p.localA
	}
	if !p.req.Paired() {
		return a, nil, nil
	}
	if d, ok := record.FoldDrug(p.nameB, cands); ok {
		b = &d
	} else if withLocal {
		b = p.localB
	}
	if r, ok := record.FoldInteraction(p.nameA, p.nameB, cands); ok {
		pair = &r
	} else if withLocal {
		pair = p.localPair
	}
	return a, b, pair
}

// persist writes the merged records to the Record Store, then mirrors them
// into the graph. Failures are logged and swallowed: the in-memory result
// is still returned.
func (p *pipeline) persist(ctx context.Context) {
	if len(p.fetched) == 0 {
		slog.Debug("resolve: nothing fetched, skipping persist", "id", p.res.ID)
		return
	}
	for _, d := range []*record.DrugRecord{p.drugA, p.drugB} {
		if d == nil {
			continue
		}
		merged, err := p.e.records.UpsertDrug(*d)
		observeWrite("record", err)
		if err != nil {
			slog.Warn("resolve: record store write failed", "id", p.res.ID, "drug", d.CanonicalName, "error", err)
			continue
		}
		*d = merged
	}
	if p.pair != nil {
		merged, err := p.e.records.UpsertInteraction(*p.pair)
		observeWrite("record", err)
		if err != nil {
			slog.Warn("resolve: record store write failed", "id", p.res.ID, "pair", p.pair.Key(), "error", err)
		} else {
			*p.pair = merged
		}
	}

	if p.e.mirror == nil {
		return
	}
	for _, d := range []*record.DrugRecord{p.drugA, p.drugB} {
		if d == nil {
			continue
		}
		err := p.e.mirror.MirrorDrug(ctx, *d)
		observeWrite("graph", err)
		if err != nil {
			slog.Warn("resolve: graph mirror failed", "id", p.res.ID, "drug", d.CanonicalName, "error", err)
		}
	}
	if p.pair != nil {
		err := p.e.mirror.MirrorInteraction(ctx, *p.pair)
		observeWrite("graph", err)
		if err != nil {
			slog.Warn("resolve: graph mirror failed", "id", p.res.ID, "pair", p.pair.Key(), "error", err)
		}
	}
}

// done fills the terminal result.
func (p *pipeline) done() {
	p.enter(StateDone)
	res := p.res
	if res.Status == StatusAmbiguous {
		res.Source = record.SourceNone
		res.Answer = formatAmbiguous(res.Candidates)
		return
	}

	res.DrugA, res.DrugB, res.Interaction = p.drugA, p.drugB, p.pair
	switch {
	case p.req.Paired() && p.pair != nil, !p.req.Paired() && p.drugA != nil:
		res.Status = StatusAnswered
	case p.drugA != nil || p.drugB != nil || p.pair != nil:
		res.Status = StatusPartial
	default:
		res.Status = StatusInsufficient
	}

	res.Source, res.Confidence = record.SourceNone, 0
	switch {
	case p.pair != nil:
		res.Source, res.Confidence = p.pair.Source, p.pair.Confidence
	case !p.req.Paired() && p.drugA != nil:
		res.Source, res.Confidence = p.drugA.Source, p.drugA.Confidence
	}
	res.Answer = FormatAnswer(p.req.DrugA, p.drugA, p.req.DrugB, p.drugB, p.pair)
}

// logQuery appends res to the query log. Failures are logged only.
func (e *engine) logQuery(ctx context.Context, res *Result) {
	if e.graphDB == nil {
		return
	}
	trace := make([]string, len(res.Trace))
	for i, s := range res.Trace {
		trace[i] = string(s)
	}
	err := e.graphDB.LogQuery(ctx, store.QueryLog{
		ID:         res.ID,
		DrugA:      res.Request.DrugA,
		DrugB:      res.Request.DrugB,
		VerifyWeb:  res.Request.VerifyWeb,
		Status:     string(res.Status),
		Source:     string(res.Source),
		Confidence: res.Confidence,
		Severity:   string(res.Severity()),
		Resolvers:  res.Resolvers,
		Trace:      trace,
		Answer:     res.Answer,
		DurationMS: res.Duration.Milliseconds(),
		CreatedAt:  e.now(),
	})
	observeWrite("query_log", err)
	if err != nil {
		slog.Warn("resolve: query log write failed", "id", res.ID, "error", err)
	}
}
