//go:build cgo

package ddi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/ddi/graph"
	"github.com/brunobiangulo/ddi/record"
	"github.com/brunobiangulo/ddi/resolver"
)

func TestHistoryRecordsEveryQuery(t *testing.T) {
	curated := &fakeResolver{name: "health.kr", source: record.SourceCuratedWeb,
		fn: pairAnswer(record.SeverityMajor, "출혈 위험 증가", 0.8)}
	e := newTestEngine(t, seed{drugs: []record.DrugRecord{aspirin()}}, []resolver.Resolver{curated}, nil)
	require.NotNil(t, e.graphDB)

	ctx := context.Background()
	_, err := e.Query(ctx, Request{DrugA: "아스피린"})
	require.NoError(t, err)
	_, err = e.Query(ctx, Request{DrugA: "와파린", DrugB: "아스피린"})
	require.NoError(t, err)

	logs, err := e.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "와파린", logs[0].DrugA, "newest first")
	assert.Equal(t, "아스피린", logs[0].DrugB)
	assert.Equal(t, string(StatusAnswered), logs[0].Status)
	assert.Equal(t, string(record.SeverityMajor), logs[0].Severity)
	assert.Equal(t, string(record.SourceCuratedWeb), logs[0].Source)
	assert.Contains(t, logs[0].Trace, string(StatePersist))
	assert.Equal(t, []string{"INIT", "CHECK_LOCAL", "SATISFIED", "DONE"}, logs[1].Trace)
}

func TestQueryMirrorsIntoGraph(t *testing.T) {
	curated := &fakeResolver{name: "health.kr", source: record.SourceCuratedWeb,
		fn: func(drug, partner string) (*record.Extraction, error) {
			ext := &record.Extraction{Drug: drug, Ingredients: []string{drug + "성분"}}
			if partner != "" {
				ext.Partner, ext.Severity, ext.Description = partner, record.SeverityMajor, "출혈 위험 증가"
			}
			return ext, nil
		}}
	e := newTestEngine(t, seed{}, []resolver.Resolver{curated}, nil)
	ctx := context.Background()

	res, err := e.Query(ctx, Request{DrugA: "와파린", DrugB: "아스피린"})
	require.NoError(t, err)
	require.NotNil(t, res.DrugB, "the partner is resolved in its own run")

	nbrs, err := e.graphDB.Neighbors(ctx, graph.DrugRef("와파린"), graph.RelInteractsWith)
	require.NoError(t, err)
	require.Len(t, nbrs, 1)
	assert.Equal(t, "major", nbrs[0].Edge.Properties["severity"])

	info, err := e.Drug(ctx, "와파린")
	require.NoError(t, err)
	assert.Len(t, info.Neighbors, 2, "one ingredient and one interaction partner")

	h := e.Health(ctx)
	assert.Equal(t, "ok", h.Status)
	require.NotNil(t, h.Graph)
	assert.Positive(t, h.Graph.Queries)
}
