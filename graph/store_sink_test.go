//go:build cgo

package graph

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/brunobiangulo/ddi/record"
	"github.com/brunobiangulo/ddi/store"
)

func TestWriterOverSQLiteStore(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	w := NewWriter(StoreSink{Store: s})

	if err := w.MirrorDrug(ctx, record.DrugRecord{
		CanonicalName: "와파린", Ingredients: []string{"와파린나트륨"},
		Source: record.SourceLocalDB, Confidence: 0.9,
	}); err != nil {
		t.Fatalf("mirror drug: %v", err)
	}
	// Mirroring twice must not duplicate anything.
	for i := 0; i < 2; i++ {
		if err := w.MirrorInteraction(ctx, record.InteractionRecord{
			DrugA: "아스피린", DrugB: "와파린", Severity: record.SeverityMajor,
			Source: record.SourceCuratedWeb, Confidence: 0.8,
		}); err != nil {
			t.Fatalf("mirror interaction: %v", err)
		}
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Nodes != 3 || stats.Edges != 2 {
		t.Fatalf("expected 3 nodes / 2 edges, got %d / %d", stats.Nodes, stats.Edges)
	}

	nbs, err := s.Neighbors(ctx, DrugRef("와파린"), RelInteractsWith)
	if err != nil {
		t.Fatalf("neighbors: %v", err)
	}
	if len(nbs) != 1 || nbs[0].Node.Properties["name"] != "아스피린" {
		t.Fatalf("unexpected neighbors: %+v", nbs)
	}
	if nbs[0].Edge.Properties["severity"] != "major" {
		t.Errorf("severity: got %v", nbs[0].Edge.Properties["severity"])
	}
}
