package graph

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brunobiangulo/ddi/record"
	"github.com/brunobiangulo/ddi/store"
)

// recordingSink keeps every write in memory.
type recordingSink struct {
	mu    sync.Mutex
	nodes map[store.NodeRef]map[string]any
	edges map[string]map[string]any
	fail  error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		nodes: map[store.NodeRef]map[string]any{},
		edges: map[string]map[string]any{},
	}
}

func (r *recordingSink) UpsertNode(_ context.Context, kind, key string, props map[string]any) error {
	if r.fail != nil {
		return r.fail
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ref := store.NodeRef{Kind: kind, Key: key}
	if r.nodes[ref] == nil {
		r.nodes[ref] = map[string]any{}
	}
	for k, v := range props {
		r.nodes[ref][k] = v
	}
	return nil
}

func (r *recordingSink) UpsertEdge(_ context.Context, kind string, from, to store.NodeRef, props map[string]any) error {
	if r.fail != nil {
		return r.fail
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := kind + "|" + from.String() + "|" + to.String()
	if r.edges[k] == nil {
		r.edges[k] = map[string]any{}
	}
	for pk, v := range props {
		r.edges[k][pk] = v
	}
	return nil
}

func TestMirrorDrug(t *testing.T) {
	sink := newRecordingSink()
	w := NewWriter(sink)
	d := record.DrugRecord{
		CanonicalName:  "타이레놀정500밀리그램",
		Ingredients:    []string{"아세트아미노펜", "Caffeine"},
		Classification: "해열진통제",
		Source:         record.SourceLocalDB,
		Confidence:     0.9,
	}
	if err := w.MirrorDrug(context.Background(), d); err != nil {
		t.Fatalf("mirror drug: %v", err)
	}

	drug := sink.nodes[DrugRef(d.CanonicalName)]
	if drug == nil {
		t.Fatal("drug node not written")
	}
	if drug["classification"] != "해열진통제" {
		t.Errorf("classification: got %v", drug["classification"])
	}
	if len(sink.nodes) != 3 {
		t.Errorf("nodes: got %d, want 3", len(sink.nodes))
	}
	if _, ok := sink.nodes[store.NodeRef{Kind: KindIngredient, Key: "caffeine"}]; !ok {
		t.Error("ingredient key should be normalised")
	}
	if len(sink.edges) != 2 {
		t.Errorf("edges: got %d, want 2", len(sink.edges))
	}
}

func TestMirrorInteractionCanonicalOrder(t *testing.T) {
	sink := newRecordingSink()
	w := NewWriter(sink)
	r := record.InteractionRecord{
		DrugA: "와파린", DrugB: "아스피린",
		Severity: record.SeverityMajor, Description: "출혈 위험",
		Source: record.SourceCuratedWeb, Confidence: 0.8,
		Evidence: []string{"https://www.health.kr/x"},
	}
	ctx := context.Background()
	if err := w.MirrorInteraction(ctx, r); err != nil {
		t.Fatalf("mirror: %v", err)
	}
	r.DrugA, r.DrugB = r.DrugB, r.DrugA
	if err := w.MirrorInteraction(ctx, r); err != nil {
		t.Fatalf("mirror reversed: %v", err)
	}

	if len(sink.edges) != 1 {
		t.Fatalf("expected one edge regardless of argument order, got %d", len(sink.edges))
	}
	want := RelInteractsWith + "|Drug:아스피린|Drug:와파린"
	props, ok := sink.edges[want]
	if !ok {
		t.Fatalf("edge %q missing; have %v", want, sink.edges)
	}
	if props["severity"] != "major" || props["confidence"] != 0.8 {
		t.Errorf("edge props: %v", props)
	}
}

func TestMirrorRejectsEmpty(t *testing.T) {
	w := NewWriter(newRecordingSink())
	if err := w.MirrorDrug(context.Background(), record.DrugRecord{}); err == nil {
		t.Error("expected error for unnamed drug")
	}
	if err := w.MirrorInteraction(context.Background(), record.InteractionRecord{DrugA: "a"}); err == nil {
		t.Error("expected error for one-sided interaction")
	}
}

func TestMultiContinuesPastFailure(t *testing.T) {
	bad := newRecordingSink()
	bad.fail = errors.New("down")
	good := newRecordingSink()
	w := NewWriter(Multi{bad, good})

	err := w.MirrorDrug(context.Background(), record.DrugRecord{CanonicalName: "아스피린"})
	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if _, ok := good.nodes[DrugRef("아스피린")]; !ok {
		t.Error("healthy sink should still receive the write")
	}
}

func TestNeo4jSinkPayload(t *testing.T) {
	var mu sync.Mutex
	var statements []string
	var lastParams map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/db/neo4j/tx/commit" {
			t.Errorf("path: got %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "neo4j" || pass != "secret" {
			t.Errorf("basic auth: got %q/%q", user, pass)
		}
		var body struct {
			Statements []struct {
				Statement  string         `json:"statement"`
				Parameters map[string]any `json:"parameters"`
			} `json:"statements"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		for _, s := range body.Statements {
			statements = append(statements, s.Statement)
			lastParams = s.Parameters
		}
		mu.Unlock()
		w.Write([]byte(`{"results":[],"errors":[]}`))
	}))
	defer srv.Close()

	sink := NewNeo4jSink(srv.URL+"/", "", "neo4j", "secret")
	w := NewWriter(sink)
	err := w.MirrorInteraction(context.Background(), record.InteractionRecord{
		DrugA: "와파린", DrugB: "아스피린", Severity: record.SeverityMajor,
		Source: record.SourceCuratedWeb, Confidence: 0.8, UpdatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("mirror: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(statements) != 3 {
		t.Fatalf("statements: got %d, want 3", len(statements))
	}
	if !strings.Contains(statements[2], "MERGE (a)-[r:INTERACTS_WITH]->(b)") {
		t.Errorf("edge statement: %s", statements[2])
	}
	if lastParams["from"] != "아스피린" || lastParams["to"] != "와파린" {
		t.Errorf("edge endpoints: %v -> %v", lastParams["from"], lastParams["to"])
	}
}

func TestNeo4jSinkCypherError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[],"errors":[{"code":"Neo.ClientError.Statement.SyntaxError","message":"bad"}]}`))
	}))
	defer srv.Close()

	sink := NewNeo4jSink(srv.URL, "", "", "")
	err := sink.UpsertNode(context.Background(), KindDrug, "x", nil)
	if err == nil || !strings.Contains(err.Error(), "SyntaxError") {
		t.Fatalf("expected cypher error, got %v", err)
	}
}

func TestNeo4jSinkRejectsBadLabel(t *testing.T) {
	sink := NewNeo4jSink("http://127.0.0.1:1", "", "", "")
	if err := sink.UpsertNode(context.Background(), "Drug) DETACH DELETE (n", "x", nil); err == nil {
		t.Fatal("expected invalid label error")
	}
}
