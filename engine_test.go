package ddi

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/ddi/csvdb"
	"github.com/brunobiangulo/ddi/record"
	"github.com/brunobiangulo/ddi/resolver"
	"github.com/brunobiangulo/ddi/store"
)

var fixedNow = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

// fakeResolver answers through fn; a nil fn is a miss.
type fakeResolver struct {
	name   string
	source record.Source
	fn     func(drug, partner string) (*record.Extraction, error)
	calls  atomic.Int32
}

func (f *fakeResolver) Name() string          { return f.name }
func (f *fakeResolver) Source() record.Source { return f.source }

func (f *fakeResolver) Resolve(_ context.Context, drug, partner string) (*record.Extraction, error) {
	f.calls.Add(1)
	if f.fn == nil {
		return nil, nil
	}
	return f.fn(drug, partner)
}

// pairAnswer returns fn answering only pair queries with severity and
// reported confidence.
func pairAnswer(sev record.Severity, desc string, conf float64) func(string, string) (*record.Extraction, error) {
	return func(drug, partner string) (*record.Extraction, error) {
		if partner == "" {
			return nil, nil
		}
		return &record.Extraction{
			Drug: drug, Partner: partner,
			Severity: sev, Description: desc,
			Confidence: conf,
			Evidence:   []string{"https://example.org/" + string(sev)},
		}, nil
	}
}

type failingSink struct{ calls atomic.Int32 }

func (f *failingSink) UpsertNode(context.Context, string, string, map[string]any) error {
	f.calls.Add(1)
	return errors.New("graph down")
}

func (f *failingSink) UpsertEdge(context.Context, string, store.NodeRef, store.NodeRef, map[string]any) error {
	f.calls.Add(1)
	return errors.New("graph down")
}

type seed struct {
	drugs []record.DrugRecord
	pairs []record.InteractionRecord
}

func newTestEngine(t *testing.T, s seed, rs []resolver.Resolver, mut func(*Config), opts ...Option) *engine {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.Resolvers = ResolversConfig{}
	if mut != nil {
		mut(&cfg)
	}
	cfg.resolvePaths()

	if len(s.drugs) > 0 || len(s.pairs) > 0 {
		db, err := csvdb.Open(cfg.CSVPath)
		require.NoError(t, err)
		require.NoError(t, db.UpsertDrugs(s.drugs))
		for _, p := range s.pairs {
			_, err := db.UpsertInteraction(p)
			require.NoError(t, err)
		}
		require.NoError(t, db.Close())
	}

	opts = append([]Option{WithResolvers(rs...), WithClock(func() time.Time { return fixedNow })}, opts...)
	e, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e.(*engine)
}

func aspirin() record.DrugRecord {
	return record.DrugRecord{
		CanonicalName: "아스피린",
		Ingredients:   []string{"aspirin"},
		Source:        record.SourceLocalDB,
		Confidence:    0.9,
		UpdatedAt:     fixedNow,
	}
}

func TestQueryAllResolversFailIsInsufficient(t *testing.T) {
	curated := &fakeResolver{name: "health.kr", source: record.SourceCuratedWeb,
		fn: func(string, string) (*record.Extraction, error) { return nil, errors.New("connection refused") }}
	llm := &fakeResolver{name: "llm", source: record.SourceLLM,
		fn: func(string, string) (*record.Extraction, error) { panic("malformed output") }}
	e := newTestEngine(t, seed{}, []resolver.Resolver{llm, curated}, nil)

	res, err := e.Query(context.Background(), Request{DrugA: "타이레놀"})
	require.NoError(t, err)

	assert.Equal(t, StatusInsufficient, res.Status)
	assert.Equal(t, record.SourceNone, res.Source)
	assert.Empty(t, res.Severity())
	assert.Nil(t, res.DrugA)
	assert.Contains(t, res.Answer, "충분한 정보를 찾지 못했습니다")
	assert.ErrorIs(t, res.Err(), ErrNotFound)

	require.Len(t, res.Resolvers, 2)
	assert.Equal(t, "health.kr", res.Resolvers[0].Resolver, "curated runs first")
	for _, r := range res.Resolvers {
		assert.Equal(t, "error", r.Status)
		assert.NotEmpty(t, r.Error)
	}
	assert.Equal(t, []State{StateInit, StateCheckLocal, StateNeedExternal, StateResolveExternal,
		StateMerge, StatePersist, StateDone}, res.Trace)
}

func TestQuerySatisfiedLocally(t *testing.T) {
	r := &fakeResolver{name: "health.kr", source: record.SourceCuratedWeb}
	e := newTestEngine(t, seed{drugs: []record.DrugRecord{aspirin()}}, []resolver.Resolver{r}, nil)

	res, err := e.Query(context.Background(), Request{DrugA: "아스피린"})
	require.NoError(t, err)

	assert.Equal(t, StatusAnswered, res.Status)
	assert.True(t, res.FromCache)
	assert.Equal(t, []State{StateInit, StateCheckLocal, StateSatisfied, StateDone}, res.Trace)
	assert.Zero(t, r.calls.Load(), "no resolver may run when the store answers")
	require.NotNil(t, res.DrugA)
	assert.Equal(t, []string{"aspirin"}, res.DrugA.Ingredients)
	assert.Equal(t, record.SourceLocalDB, res.Source)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
	require.Len(t, res.Names, 1)
	assert.True(t, res.Names[0].Exact)
}

func TestQueryPairMergesByConfidence(t *testing.T) {
	curated := &fakeResolver{name: "health.kr", source: record.SourceCuratedWeb,
		fn: pairAnswer(record.SeverityMajor, "출혈 위험이 크게 증가한다", 0.8)}
	llm := &fakeResolver{name: "llm", source: record.SourceLLM,
		fn: pairAnswer(record.SeverityModerate, "출혈 위험", 0.5)}
	e := newTestEngine(t, seed{}, []resolver.Resolver{llm, curated}, func(c *Config) { c.Mode = ModeParallel })

	res, err := e.Query(context.Background(), Request{DrugA: "와파린", DrugB: "아스피린"})
	require.NoError(t, err)

	assert.Positive(t, llm.calls.Load(), "parallel mode runs the LLM as well")
	require.NotNil(t, res.Interaction)
	assert.Equal(t, record.SeverityMajor, res.Interaction.Severity)
	assert.Equal(t, record.SourceCuratedWeb, res.Interaction.Source)
	assert.InDelta(t, 0.8, res.Interaction.Confidence, 1e-9)
	assert.Equal(t, "출혈 위험이 크게 증가한다", res.Interaction.Description)
	assert.ElementsMatch(t, []string{"https://example.org/major", "https://example.org/moderate"}, res.Interaction.Evidence)
	assert.Equal(t, StatusAnswered, res.Status)
	assert.Equal(t, record.SourceCuratedWeb, res.Source)
	assert.Contains(t, res.Answer, "중대")

	stored, ok := e.records.FindPair("아스피린", "와파린")
	require.True(t, ok, "merged interaction must be written back")
	assert.Equal(t, record.SeverityMajor, stored.Severity)
	assert.InDelta(t, 0.8, stored.Confidence, 1e-9)
}

func TestQuerySequentialStopsOnceSatisfied(t *testing.T) {
	curated := &fakeResolver{name: "health.kr", source: record.SourceCuratedWeb,
		fn: pairAnswer(record.SeverityMajor, "출혈 위험 증가", 0.8)}
	llm := &fakeResolver{name: "llm", source: record.SourceLLM,
		fn: pairAnswer(record.SeverityModerate, "출혈", 0.5)}
	e := newTestEngine(t, seed{drugs: []record.DrugRecord{aspirin(), {
		CanonicalName: "와파린", Ingredients: []string{"warfarin sodium"},
		Source: record.SourceLocalDB, Confidence: 0.9,
	}}}, []resolver.Resolver{curated, llm}, nil)

	res, err := e.Query(context.Background(), Request{DrugA: "와파린", DrugB: "아스피린"})
	require.NoError(t, err)

	assert.Zero(t, llm.calls.Load(), "the LLM is a backstop in sequential mode")
	require.Len(t, res.Resolvers, 2, "both drugs are stored, so only the pair run happens")
	assert.Equal(t, "hit", res.Resolvers[0].Status)
	assert.Equal(t, "skipped", res.Resolvers[1].Status)
	assert.Equal(t, record.SeverityMajor, res.Severity())
	require.NotNil(t, res.DrugA)
	assert.Equal(t, []string{"warfarin sodium"}, res.DrugA.Ingredients)
}

func TestQueryLowConfidencePairConsultsResolvers(t *testing.T) {
	curated := &fakeResolver{name: "ddinter", source: record.SourceCuratedWeb,
		fn: pairAnswer(record.SeverityMajor, "출혈 위험 증가", 0)}
	e := newTestEngine(t, seed{
		drugs: []record.DrugRecord{aspirin(), {CanonicalName: "와파린", Ingredients: []string{"warfarin"}, Source: record.SourceLocalDB, Confidence: 0.9}},
		pairs: []record.InteractionRecord{{
			DrugA: "와파린", DrugB: "아스피린", Severity: record.SeverityModerate,
			Description: "LLM guess", Source: record.SourceLLM, Confidence: 0.5, UpdatedAt: fixedNow,
		}},
	}, []resolver.Resolver{curated}, nil)

	res, err := e.Query(context.Background(), Request{DrugA: "와파린", DrugB: "아스피린"})
	require.NoError(t, err)

	assert.False(t, res.FromCache)
	assert.EqualValues(t, 1, curated.calls.Load())
	assert.Equal(t, record.SeverityMajor, res.Severity())
	assert.Equal(t, record.SourceCuratedWeb, res.Source)
	assert.InDelta(t, 0.8, res.Confidence, 1e-9, "reported 0 is raised to the curated floor")
}

func TestQueryVerifyWebKeepsStrongerLocalValue(t *testing.T) {
	curated := &fakeResolver{name: "health.kr", source: record.SourceCuratedWeb,
		fn: pairAnswer(record.SeverityModerate, "웹 설명", 0.8)}
	e := newTestEngine(t, seed{
		drugs: []record.DrugRecord{aspirin(), {CanonicalName: "와파린", Ingredients: []string{"warfarin"}, Source: record.SourceLocalDB, Confidence: 0.9}},
		pairs: []record.InteractionRecord{{
			DrugA: "와파린", DrugB: "아스피린", Severity: record.SeverityMajor,
			Description: "DB 설명", Source: record.SourceLocalDB, Confidence: 0.9, UpdatedAt: fixedNow,
		}},
	}, []resolver.Resolver{curated}, nil)

	res, err := e.Query(context.Background(), Request{DrugA: "와파린", DrugB: "아스피린", VerifyWeb: true})
	require.NoError(t, err)

	assert.Positive(t, curated.calls.Load(), "verify_web always consults resolvers")
	assert.Contains(t, res.Trace, StateResolveExternal)
	assert.Equal(t, record.SeverityMajor, res.Severity())
	assert.Equal(t, "DB 설명", res.Interaction.Description)
	assert.Equal(t, record.SourceLocalDB, res.Source)
	assert.Contains(t, res.Interaction.Evidence, "https://example.org/moderate")
}

func TestQueryAmbiguousName(t *testing.T) {
	r := &fakeResolver{name: "health.kr", source: record.SourceCuratedWeb}
	e := newTestEngine(t, seed{drugs: []record.DrugRecord{
		{CanonicalName: "타이레놀정500밀리그램", Ingredients: []string{"아세트아미노펜"}},
		{CanonicalName: "타이레놀콜드에스정", Ingredients: []string{"아세트아미노펜", "슈도에페드린"}},
	}}, []resolver.Resolver{r}, nil)

	res, err := e.Query(context.Background(), Request{DrugA: "타이레놀"})
	require.NoError(t, err)

	assert.Equal(t, StatusAmbiguous, res.Status)
	assert.Equal(t, []State{StateInit, StateCheckLocal, StateDone}, res.Trace)
	assert.Zero(t, r.calls.Load())
	require.Len(t, res.Candidates, 1)
	assert.ElementsMatch(t, []string{"타이레놀정500밀리그램", "타이레놀콜드에스정"}, res.Candidates[0].Candidates)
	assert.Contains(t, res.Answer, "타이레놀콜드에스정")

	var amb *AmbiguousNameError
	require.ErrorAs(t, res.Err(), &amb)
	assert.Equal(t, "타이레놀", amb.Query)
	assert.ErrorIs(t, res.Err(), ErrAmbiguousName)
}

func TestQueryFuzzyMatchUsesStoredName(t *testing.T) {
	e := newTestEngine(t, seed{drugs: []record.DrugRecord{
		{CanonicalName: "타이레놀정500밀리그램", Ingredients: []string{"아세트아미노펜"}, Source: record.SourceLocalDB, Confidence: 0.9},
	}}, nil, nil)

	res, err := e.Query(context.Background(), Request{DrugA: "타이레놀정500mg"})
	require.NoError(t, err)

	assert.True(t, res.FromCache)
	require.Len(t, res.Names, 1)
	assert.False(t, res.Names[0].Exact)
	assert.Equal(t, "타이레놀정500밀리그램", res.Names[0].Name)
	assert.Less(t, res.Names[0].Score, 100)
	assert.GreaterOrEqual(t, res.Names[0].Score, 50)
}

func TestQueryGraphFailureIsSwallowed(t *testing.T) {
	sink := &failingSink{}
	curated := &fakeResolver{name: "health.kr", source: record.SourceCuratedWeb,
		fn: func(drug, partner string) (*record.Extraction, error) {
			return &record.Extraction{Drug: drug, Ingredients: []string{"metformin"}, Indications: "제2형 당뇨병"}, nil
		}}
	e := newTestEngine(t, seed{}, []resolver.Resolver{curated}, nil, WithGraphSink(sink))

	res, err := e.Query(context.Background(), Request{DrugA: "메트포르민"})
	require.NoError(t, err)

	assert.Positive(t, sink.calls.Load())
	assert.Equal(t, StatusAnswered, res.Status)
	assert.Equal(t, record.SourceCuratedWeb, res.Source)
	assert.Contains(t, res.Answer, "제2형 당뇨병")
	stored, ok := e.records.Find("메트포르민")
	require.True(t, ok, "the record store write must not depend on the graph")
	assert.Equal(t, []string{"metformin"}, stored.Ingredients)
}

func TestQueryRecordStoreWriteFailureStillAnswers(t *testing.T) {
	curated := &fakeResolver{name: "health.kr", source: record.SourceCuratedWeb,
		fn: func(drug, _ string) (*record.Extraction, error) {
			return &record.Extraction{Drug: drug, Classification: "항응고제"}, nil
		}}
	e := newTestEngine(t, seed{}, []resolver.Resolver{curated}, nil)
	require.NoError(t, e.records.Close())

	res, err := e.Query(context.Background(), Request{DrugA: "와파린"})
	require.NoError(t, err)
	assert.Equal(t, StatusAnswered, res.Status)
	require.NotNil(t, res.DrugA)
	assert.Equal(t, "항응고제", res.DrugA.Classification)
}

func TestQueryResolverAliasFromDifferentName(t *testing.T) {
	curated := &fakeResolver{name: "health.kr", source: record.SourceCuratedWeb,
		fn: func(string, string) (*record.Extraction, error) {
			return &record.Extraction{Drug: "쿠마딘정2밀리그램", Ingredients: []string{"와파린나트륨"}}, nil
		}}
	e := newTestEngine(t, seed{}, []resolver.Resolver{curated}, nil)

	res, err := e.Query(context.Background(), Request{DrugA: "와파린"})
	require.NoError(t, err)
	require.NotNil(t, res.DrugA)
	assert.Equal(t, "와파린", res.DrugA.CanonicalName)
	assert.Contains(t, res.DrugA.Aliases, "쿠마딘정2밀리그램")
}

func TestQueryInvalidRequests(t *testing.T) {
	e := newTestEngine(t, seed{}, nil, nil)

	_, err := e.Query(context.Background(), Request{DrugA: "  "})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = e.Query(context.Background(), Request{DrugA: "아스피린", DrugB: " 아스피린 "})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	res, err := e.Query(context.Background(), Request{DrugB: "아스피린"})
	require.NoError(t, err)
	assert.Equal(t, "아스피린", res.Request.DrugA, "a lone second name becomes the first")

	require.NoError(t, e.Close())
	_, err = e.Query(context.Background(), Request{DrugA: "아스피린"})
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestDrugLookup(t *testing.T) {
	e := newTestEngine(t, seed{
		drugs: []record.DrugRecord{aspirin(), {CanonicalName: "아스피린장용정", Ingredients: []string{"aspirin"}}},
		pairs: []record.InteractionRecord{{DrugA: "와파린", DrugB: "아스피린", Severity: record.SeverityMajor, Description: "출혈", Confidence: 0.8, Source: record.SourceCuratedWeb}},
	}, nil, nil)

	info, err := e.Drug(context.Background(), "아스피린")
	require.NoError(t, err)
	assert.Equal(t, "아스피린", info.Record.CanonicalName)
	assert.True(t, info.Match.Exact)
	require.Len(t, info.Interactions, 1)
	assert.Equal(t, record.SeverityMajor, info.Interactions[0].Severity)

	_, err = e.Drug(context.Background(), "이부프로펜")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSuggest(t *testing.T) {
	e := newTestEngine(t, seed{drugs: []record.DrugRecord{
		aspirin(),
		{CanonicalName: "아스피린장용정"},
		{CanonicalName: "이부프로펜"},
	}}, nil, nil)

	got := e.Suggest("아스피", 1)
	require.Len(t, got, 1)
	assert.Equal(t, "아스피린", got[0].Record.CanonicalName)

	assert.Empty(t, e.Suggest("", 5))
}

func TestImport(t *testing.T) {
	e := newTestEngine(t, seed{}, nil, nil)
	path := filepath.Join(t.TempDir(), "registry.csv")
	csv := "ITEM_NAME,MAIN_ITEM_INGR,ETC_OTC_CODE,EE_DOC_DATA\n" +
		"쿠마딘정2밀리그램,[M223366]와파린나트륨,전문의약품,혈전색전증의 예방 및 치료\n" +
		"타이레놀정500밀리그램,[M040534]아세트아미노펜,일반의약품,두통\n"
	require.NoError(t, os.WriteFile(path, []byte(csv), 0o644))

	n, err := e.Import(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	info, err := e.Drug(context.Background(), "쿠마딘정2밀리그램")
	require.NoError(t, err)
	assert.Equal(t, []string{"와파린나트륨"}, info.Record.Ingredients)
	assert.Equal(t, record.SourceLocalDB, info.Record.Source)
	assert.InDelta(t, 0.9, info.Record.Confidence, 1e-9)
	assert.True(t, fixedNow.Equal(info.Record.UpdatedAt))

	_, err = e.Import(context.Background(), filepath.Join(t.TempDir(), "notes.pdf"))
	assert.Error(t, err)
}

func TestHealthReportsRecordStore(t *testing.T) {
	r := &fakeResolver{name: "websearch", source: record.SourceGenericWeb}
	e := newTestEngine(t, seed{drugs: []record.DrugRecord{aspirin()}}, []resolver.Resolver{r}, nil)
	h := e.Health(context.Background())
	assert.True(t, h.RecordStore)
	assert.Equal(t, 1, h.Drugs)
	assert.Equal(t, []string{"websearch"}, h.Resolvers)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Mode = "eventually"
	_, err := New(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
