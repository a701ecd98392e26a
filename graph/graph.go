// Package graph mirrors resolved drugs and interactions into a property
// graph: Drug and Ingredient nodes, HAS_INGREDIENT and INTERACTS_WITH edges.
//
// The graph is a secondary copy. The Record Store stays authoritative, so
// callers log mirror failures instead of failing the query.
package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brunobiangulo/ddi/record"
	"github.com/brunobiangulo/ddi/store"
)

// Node kinds.
const (
	KindDrug       = "Drug"
	KindIngredient = "Ingredient"
)

// Edge kinds.
const (
	RelHasIngredient = "HAS_INGREDIENT"
	RelInteractsWith = "INTERACTS_WITH"
)

// Sink is the graph write interface: idempotent merge-by-key upserts.
type Sink interface {
	UpsertNode(ctx context.Context, kind, key string, props map[string]any) error
	UpsertEdge(ctx context.Context, kind string, from, to store.NodeRef, props map[string]any) error
}

// StoreSink adapts the SQLite store to Sink.
type StoreSink struct {
	Store *store.Store
}

// UpsertNode implements Sink.
func (s StoreSink) UpsertNode(ctx context.Context, kind, key string, props map[string]any) error {
	_, err := s.Store.UpsertNode(ctx, kind, key, props)
	return err
}

// UpsertEdge implements Sink.
func (s StoreSink) UpsertEdge(ctx context.Context, kind string, from, to store.NodeRef, props map[string]any) error {
	_, err := s.Store.UpsertEdge(ctx, kind, from, to, props)
	return err
}

// Multi fans every write out to all sinks and joins their errors. A failing
// sink does not stop the others.
type Multi []Sink

// UpsertNode implements Sink.
func (m Multi) UpsertNode(ctx context.Context, kind, key string, props map[string]any) error {
	var errs []error
	for _, s := range m {
		if err := s.UpsertNode(ctx, kind, key, props); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UpsertEdge implements Sink.
func (m Multi) UpsertEdge(ctx context.Context, kind string, from, to store.NodeRef, props map[string]any) error {
	var errs []error
	for _, s := range m {
		if err := s.UpsertEdge(ctx, kind, from, to, props); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Writer translates records into graph upserts.
type Writer struct {
	sink Sink
}

// NewWriter creates a Writer over sink.
func NewWriter(sink Sink) *Writer {
	return &Writer{sink: sink}
}

// DrugRef returns the node reference for a drug name.
func DrugRef(name string) store.NodeRef {
	return store.NodeRef{Kind: KindDrug, Key: record.Key(name)}
}

// IngredientRef returns the node reference for an ingredient name.
func IngredientRef(name string) store.NodeRef {
	return store.NodeRef{Kind: KindIngredient, Key: record.Key(name)}
}

// MirrorDrug writes the Drug node and one Ingredient node plus
// HAS_INGREDIENT edge per ingredient.
func (w *Writer) MirrorDrug(ctx context.Context, d record.DrugRecord) error {
	ref := DrugRef(d.CanonicalName)
	if ref.Key == "" {
		return fmt.Errorf("graph: drug has no name")
	}
	props := map[string]any{
		"name":       d.CanonicalName,
		"source":     string(d.Source),
		"confidence": d.Confidence,
		"updated_at": stamp(d.UpdatedAt),
	}
	if len(d.Aliases) > 0 {
		props["aliases"] = d.Aliases
	}
	if d.Classification != "" {
		props["classification"] = d.Classification
	}
	if d.Indications != "" {
		props["indications"] = d.Indications
	}
	if err := w.sink.UpsertNode(ctx, ref.Kind, ref.Key, props); err != nil {
		return fmt.Errorf("graph: drug %q: %w", d.CanonicalName, err)
	}

	var errs []error
	for _, ing := range d.Ingredients {
		iref := IngredientRef(ing)
		if iref.Key == "" {
			continue
		}
		if err := w.sink.UpsertNode(ctx, iref.Kind, iref.Key, map[string]any{"name": ing}); err != nil {
			errs = append(errs, fmt.Errorf("graph: ingredient %q: %w", ing, err))
			continue
		}
		if err := w.sink.UpsertEdge(ctx, RelHasIngredient, ref, iref, nil); err != nil {
			errs = append(errs, fmt.Errorf("graph: %s -> %s: %w", ref, iref, err))
		}
	}
	return errors.Join(errs...)
}

// MirrorInteraction writes an INTERACTS_WITH edge between the pair in
// canonical order, carrying severity, description, source, confidence and
// evidence.
func (w *Writer) MirrorInteraction(ctx context.Context, r record.InteractionRecord) error {
	a, b := record.OrderPair(r.DrugA, r.DrugB)
	from, to := DrugRef(a), DrugRef(b)
	if from.Key == "" || to.Key == "" {
		return fmt.Errorf("graph: interaction needs two drugs")
	}
	// Name the endpoints so nodes created by the edge are readable.
	if err := w.sink.UpsertNode(ctx, from.Kind, from.Key, map[string]any{"name": a}); err != nil {
		return fmt.Errorf("graph: drug %q: %w", a, err)
	}
	if err := w.sink.UpsertNode(ctx, to.Kind, to.Key, map[string]any{"name": b}); err != nil {
		return fmt.Errorf("graph: drug %q: %w", b, err)
	}
	props := map[string]any{
		"key":        r.Key(),
		"severity":   string(r.Severity),
		"source":     string(r.Source),
		"confidence": r.Confidence,
		"updated_at": stamp(r.UpdatedAt),
	}
	if r.Description != "" {
		props["description"] = r.Description
	}
	if len(r.Evidence) > 0 {
		props["evidence"] = r.Evidence
	}
	if err := w.sink.UpsertEdge(ctx, RelInteractsWith, from, to, props); err != nil {
		return fmt.Errorf("graph: %s -> %s: %w", from, to, err)
	}
	return nil
}

func stamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339)
}
