// Package ddi answers Korean drug and drug-drug interaction questions.
//
// A query names one drug, or two for an interaction. The engine checks
// the local Record Store first and, when that does not answer the query,
// consults external resolvers (registry scrapers, web search, an LLM) in
// fixed priority order. Results are merged by confidence, written back to
// the Record Store and mirrored into a property graph.
package ddi

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/brunobiangulo/ddi/csvdb"
	"github.com/brunobiangulo/ddi/graph"
	"github.com/brunobiangulo/ddi/ingest"
	"github.com/brunobiangulo/ddi/llm"
	"github.com/brunobiangulo/ddi/match"
	"github.com/brunobiangulo/ddi/record"
	"github.com/brunobiangulo/ddi/resolver"
	"github.com/brunobiangulo/ddi/store"
)

// Engine is the main interface for the DDI service.
type Engine interface {
	// Query resolves one drug or a drug pair. Every resolution outcome,
	// including total failure, is a Result; the error is non-nil only for
	// invalid requests or a closed engine.
	Query(ctx context.Context, req Request) (*Result, error)

	// Drug looks a name up in the Record Store only. It returns ErrNotFound
	// or an *AmbiguousNameError when the name does not identify one drug.
	Drug(ctx context.Context, name string) (*DrugInfo, error)

	// Suggest ranks stored drugs against a partial name.
	Suggest(query string, limit int) []match.Match

	// Import loads a registry export (CSV or XLSX) into the Record Store
	// and returns the number of drugs read.
	Import(ctx context.Context, path string) (int, error)

	// History returns recent queries, newest first.
	History(ctx context.Context, limit int) ([]store.QueryLog, error)

	// Health reports the state of the stores.
	Health(ctx context.Context) Health

	// Close shuts down the engine.
	Close() error
}

// DrugInfo is a stored drug with its recorded interactions and graph
// neighbours.
type DrugInfo struct {
	Record       record.DrugRecord          `json:"record"`
	Match        NameMatch                  `json:"match"`
	Interactions []record.InteractionRecord `json:"interactions"`
	Neighbors    []store.Neighbor           `json:"neighbors,omitempty"`
}

// Health summarises store availability.
type Health struct {
	Status      string       `json:"status"`
	RecordStore bool         `json:"record_store"`
	Drugs       int          `json:"drugs"`
	GraphStore  bool         `json:"graph_store"`
	Graph       *store.Stats `json:"graph,omitempty"`
	Resolvers   []string     `json:"resolvers"`
}

// Option customises an engine built by New.
type Option func(*options)

type options struct {
	resolvers    []resolver.Resolver
	resolversSet bool
	sinks        []graph.Sink
	chat         llm.Provider
	now          func() time.Time
}

// WithResolvers replaces the resolvers built from Config.Resolvers.
func WithResolvers(rs ...resolver.Resolver) Option {
	return func(o *options) {
		o.resolvers = rs
		o.resolversSet = true
	}
}

// WithGraphSink adds a graph mirror next to the SQLite store.
func WithGraphSink(s graph.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s) }
}

// WithChatProvider sets the model used by the LLM resolver instead of
// building one from Config.Chat.
func WithChatProvider(p llm.Provider) Option {
	return func(o *options) { o.chat = p }
}

// WithClock overrides time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg       Config
	records   *csvdb.Store
	graphDB   *store.Store // nil when SQLite is unavailable
	mirror    *graph.Writer
	resolvers []resolver.Resolver
	matcher   match.Matcher
	importers *ingest.Registry
	now       func() time.Time
	closed    atomic.Bool
}

// New creates a new DDI engine. An unreachable graph store is logged and
// leaves mirroring and history disabled; the Record Store is required.
func New(cfg Config, opts ...Option) (Engine, error) {
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	records, err := csvdb.Open(cfg.CSVPath, csvdb.WithPolicy(cfg.Confidence), csvdb.WithClock(o.now))
	if err != nil {
		return nil, fmt.Errorf("opening record store: %w", err)
	}
	if !records.Available() {
		slog.Warn("ddi: record store unreadable, continuing empty", "path", cfg.CSVPath)
	}

	e := &engine{
		cfg:       cfg,
		records:   records,
		matcher:   cfg.Matcher,
		importers: ingest.NewRegistry(),
		now:       o.now,
	}

	gs, err := store.New(cfg.DBPath)
	if err != nil {
		slog.Warn("ddi: graph store unavailable, mirroring and history disabled", "path", cfg.DBPath, "error", err)
	} else {
		e.graphDB = gs
	}

	var sinks []graph.Sink
	if e.graphDB != nil {
		sinks = append(sinks, graph.StoreSink{Store: e.graphDB})
	}
	if cfg.Neo4j.URL != "" {
		n := graph.NewNeo4jSink(cfg.Neo4j.URL, cfg.Neo4j.Database, cfg.Neo4j.User, cfg.Neo4j.Password)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := n.EnsureConstraints(ctx); err != nil {
			slog.Warn("ddi: neo4j constraints", "url", cfg.Neo4j.URL, "error", err)
		}
		cancel()
		sinks = append(sinks, n)
	}
	sinks = append(sinks, o.sinks...)
	switch len(sinks) {
	case 0:
	case 1:
		e.mirror = graph.NewWriter(sinks[0])
	default:
		e.mirror = graph.NewWriter(graph.Multi(sinks))
	}

	if o.resolversSet {
		e.resolvers = o.resolvers
	} else {
		rs, err := buildResolvers(cfg, o.chat)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.resolvers = rs
	}
	e.resolvers = resolver.Ordered(e.resolvers)
	return e, nil
}

// buildResolvers assembles the configured resolvers in priority order.
func buildResolvers(cfg Config, chat llm.Provider) ([]resolver.Resolver, error) {
	rc := cfg.Resolvers
	httpf := resolver.NewHTTPFetcher()
	if rc.UserAgent != "" {
		httpf.UserAgent = rc.UserAgent
	}
	httpf.PerHostRate = rc.RatePerHost

	var pages resolver.Fetcher = httpf
	if rc.Browser {
		pages = &resolver.RodFetcher{}
	}

	var rs []resolver.Resolver
	if rc.HealthKR.Enabled {
		h := resolver.NewHealthKR(pages)
		if rc.HealthKR.BaseURL != "" {
			h.BaseURL = rc.HealthKR.BaseURL
		}
		rs = append(rs, h)
	}
	if rc.DDInter.Enabled {
		d := resolver.NewDDInter(pages)
		if rc.DDInter.BaseURL != "" {
			d.BaseURL = rc.DDInter.BaseURL
		}
		rs = append(rs, d)
	}
	if rc.WebSearch.Enabled {
		rs = append(rs, &resolver.WebSearch{
			Fetcher:    httpf,
			Endpoint:   rc.WebSearch.Endpoint,
			MaxResults: rc.WebSearch.MaxResults,
		})
	}
	if rc.LLM {
		if chat == nil {
			p, err := llm.NewProvider(cfg.Chat)
			if err != nil {
				return nil, fmt.Errorf("creating chat provider: %w", err)
			}
			chat = p
		}
		rs = append(rs, &resolver.LLMExtractor{Provider: chat, Model: cfg.Chat.Model})
	}

	if rc.CircuitBreaker {
		for i, r := range rs {
			rs[i] = resolver.WithBreaker(r, cfg.Breaker)
		}
	}
	return rs, nil
}

// lookup resolves name against the Record Store: canonical name or alias
// first, then fuzzy matching. amb is set when the fuzzy match is not
// unique within the configured margin.
func (e *engine) lookup(name string) (rec *record.DrugRecord, nm NameMatch, amb *Ambiguity) {
	nm.Query = name
	if d, ok := e.records.Find(name); ok {
		nm.Name, nm.Score, nm.Exact = d.CanonicalName, 100, true
		return &d, nm, nil
	}
	matches := e.matcher.Resolve(name, e.records.Drugs())
	if len(matches) == 0 {
		return nil, nm, nil
	}
	if set := e.matcher.Ambiguous(name, matches); set != nil {
		amb = &Ambiguity{Query: name}
		for _, m := range set {
			amb.Candidates = append(amb.Candidates, m.Record.CanonicalName)
			amb.Scores = append(amb.Scores, m.Score)
		}
		return nil, nm, amb
	}
	top := matches[0].Record
	nm.Name, nm.Score = top.CanonicalName, matches[0].Score
	slog.Debug("resolve: fuzzy match", "query", name, "name", top.CanonicalName, "score", nm.Score)
	return &top, nm, nil
}

// Drug looks name up in the Record Store.
func (e *engine) Drug(ctx context.Context, name string) (*DrugInfo, error) {
	if e.closed.Load() {
		return nil, ErrStoreClosed
	}
	if name == "" {
		return nil, fmt.Errorf("%w: drug name is required", ErrInvalidQuery)
	}
	rec, nm, amb := e.lookup(name)
	if amb != nil {
		return nil, &AmbiguousNameError{Query: name, Candidates: amb.Candidates}
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	info := &DrugInfo{
		Record:       *rec,
		Match:        nm,
		Interactions: e.records.Interactions(rec.CanonicalName),
	}
	if e.graphDB != nil {
		nbrs, err := e.graphDB.Neighbors(ctx, graph.DrugRef(rec.CanonicalName), "")
		if err != nil {
			slog.Warn("ddi: graph neighbours", "drug", rec.CanonicalName, "error", err)
		}
		info.Neighbors = nbrs
	}
	return info, nil
}

// Suggest ranks stored drugs against query. limit <= 0 uses the matcher's
// TopN.
func (e *engine) Suggest(query string, limit int) []match.Match {
	m := e.matcher
	if limit > 0 {
		m.TopN = limit
	}
	return m.Resolve(query, e.records.Drugs())
}

// Import loads a registry export into the Record Store in one locked
// write, then mirrors the drugs into the graph.
func (e *engine) Import(ctx context.Context, path string) (int, error) {
	if e.closed.Load() {
		return 0, ErrStoreClosed
	}
	recs, err := e.importers.ImportFile(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("importing %s: %w", path, err)
	}
	now := e.now().UTC()
	for i := range recs {
		recs[i].Source = record.SourceLocalDB
		recs[i].Confidence = e.cfg.Confidence.Effective(record.SourceLocalDB, recs[i].Confidence)
		if recs[i].UpdatedAt.IsZero() {
			recs[i].UpdatedAt = now
		}
	}
	err = e.records.UpsertDrugs(recs)
	observeWrite("record", err)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	slog.Info("ddi: imported registry", "path", path, "drugs", len(recs))

	if e.mirror != nil {
		failed := 0
		for _, d := range recs {
			if ctx.Err() != nil {
				break
			}
			if err := e.mirror.MirrorDrug(ctx, d); err != nil {
				failed++
			}
		}
		if failed > 0 {
			slog.Warn("ddi: graph mirror incomplete after import", "failed", failed)
		}
	}
	return len(recs), nil
}

// History returns the newest limit query log entries.
func (e *engine) History(ctx context.Context, limit int) ([]store.QueryLog, error) {
	if e.closed.Load() {
		return nil, ErrStoreClosed
	}
	if e.graphDB == nil {
		return nil, ErrStoreUnavailable
	}
	return e.graphDB.QueryHistory(ctx, limit)
}

// Health reports the state of the stores. Status is "degraded" when
// either store is unavailable.
func (e *engine) Health(ctx context.Context) Health {
	h := Health{
		Status:      "ok",
		RecordStore: e.records.Available(),
		Drugs:       len(e.records.Drugs()),
		GraphStore:  e.graphDB != nil,
	}
	for _, r := range e.resolvers {
		h.Resolvers = append(h.Resolvers, r.Name())
	}
	if e.graphDB != nil {
		stats, err := e.graphDB.Stats(ctx)
		if err != nil {
			h.GraphStore = false
		} else {
			h.Graph = stats
		}
	}
	if !h.RecordStore || !h.GraphStore {
		h.Status = "degraded"
	}
	return h
}

// Close shuts down the engine.
func (e *engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	err := e.records.Close()
	if e.graphDB != nil {
		if gerr := e.graphDB.Close(); gerr != nil && err == nil {
			err = gerr
		}
	}
	return err
}
