// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
	"github.com/AleutianAI/agentrag/services/orchestrator/telemetry"
	"github.com/AleutianAI/agentrag/services/search"
)

func planWithQueries(confidence float64, queries ...string) *datatypes.PlanSummary {
	steps := make([]datatypes.PlanStep, len(queries))
	for i, q := range queries {
		steps[i] = datatypes.PlanStep{Action: datatypes.ActionVectorSearch, Query: q}
	}
	return &datatypes.PlanSummary{Confidence: confidence, Steps: steps}
}

func hybridQueries(calls []hybridCall) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.query
	}
	return out
}

func TestSubQueriesSkipsDuplicatesAndRestatements(t *testing.T) {
	p := planWithQueries(0.9, "what is rrf", "what is rrf", "the question", "what is hybrid search")
	p.Steps = append(p.Steps, datatypes.PlanStep{Action: datatypes.ActionWebSearch, Query: "ignored"})

	steps := subQueries(p, "the question")
	require.Len(t, steps, 2)
	assert.Equal(t, "what is rrf", steps[0].Query)
	assert.Equal(t, "what is hybrid search", steps[1].Query)
}

func TestDecompositionFansOutSubQueries(t *testing.T) {
	fs := &fakeSearch{hybridResults: []*search.Result{
		{References: refs("a", "b"), Coverage: 0.7},
	}}
	d := NewDispatcher(DispatcherConfig{Search: fs})
	sink := &collected{}

	in := baseInput(planWithQueries(0.9, "what is rrf", "what is hybrid search"),
		eagerFeatures(map[string]bool{datatypes.FeatureQueryDecomposition: true}))
	out, err := d.Dispatch(context.Background(), in, sink.emit)
	require.NoError(t, err)

	queries := hybridQueries(fs.hybridCalls)
	assert.ElementsMatch(t, []string{"what is rrf", "what is hybrid search"}, queries)
	assert.NotContains(t, queries, in.Question)
	assert.Equal(t, "decomposed", out.Summary.Strategy)
	assert.Len(t, out.References, 2)

	data := sink.find(telemetry.EventQueryDecomposition)
	require.NotNil(t, data)
	assert.Equal(t, 2, data["sub_queries"])
}

func TestDecompositionFallsBackWithoutSubQueries(t *testing.T) {
	fs := &fakeSearch{hybridResults: []*search.Result{
		{References: refs("a", "b"), Coverage: 0.7},
	}}
	d := NewDispatcher(DispatcherConfig{Search: fs})
	sink := &collected{}

	in := baseInput(plan(0.9, datatypes.ActionVectorSearch),
		eagerFeatures(map[string]bool{datatypes.FeatureQueryDecomposition: true}))
	out, err := d.Dispatch(context.Background(), in, sink.emit)
	require.NoError(t, err)

	require.NotEmpty(t, fs.hybridCalls)
	assert.Equal(t, in.Question, fs.hybridCalls[0].query)
	assert.Len(t, out.References, 2)
	assert.Nil(t, sink.find(telemetry.EventQueryDecomposition))
}

func TestDecompositionFallsBackWhenSubQueriesComeUpShort(t *testing.T) {
	fs := &fakeSearch{hybridResults: []*search.Result{
		{References: refs("a")},
		{References: refs("a")},
		{References: refs("a", "b", "c"), Coverage: 0.8},
	}}
	d := NewDispatcher(DispatcherConfig{Search: fs})
	sink := &collected{}

	in := baseInput(planWithQueries(0.9, "one thing", "another thing"),
		eagerFeatures(map[string]bool{datatypes.FeatureQueryDecomposition: true}))
	out, err := d.Dispatch(context.Background(), in, sink.emit)
	require.NoError(t, err)

	// Two sub-query calls, then the normal path with the original question.
	require.GreaterOrEqual(t, len(fs.hybridCalls), 3)
	assert.Equal(t, in.Question, fs.hybridCalls[2].query)
	assert.Len(t, out.References, 3)
	assert.Nil(t, sink.find(telemetry.EventQueryDecomposition))
}

func TestFederationMergesExtraClasses(t *testing.T) {
	fs := &fakeSearch{hybridResults: []*search.Result{
		{References: refs("a", "b"), Coverage: 0.7},
		{References: refs("n1")},
	}}
	d := NewDispatcher(DispatcherConfig{Search: fs, FederatedClasses: []string{"Notes"}})
	sink := &collected{}

	in := baseInput(plan(0.9, datatypes.ActionVectorSearch),
		eagerFeatures(map[string]bool{datatypes.FeatureMultiIndexFederation: true}))
	out, err := d.Dispatch(context.Background(), in, sink.emit)
	require.NoError(t, err)

	require.Len(t, fs.hybridCalls, 2)
	assert.Equal(t, "", fs.hybridCalls[0].opts.Class)
	assert.Equal(t, "Notes", fs.hybridCalls[1].opts.Class)

	ids := make([]string, len(out.References))
	for i, r := range out.References {
		ids[i] = r.ID
	}
	assert.ElementsMatch(t, []string{"a", "b", "n1"}, ids)

	data := sink.find(telemetry.EventIndexFederation)
	require.NotNil(t, data)
	assert.Equal(t, 1, data["classes"])
}

func TestFederationOffByDefault(t *testing.T) {
	fs := &fakeSearch{hybridResults: []*search.Result{
		{References: refs("a", "b"), Coverage: 0.7},
	}}
	d := NewDispatcher(DispatcherConfig{Search: fs, FederatedClasses: []string{"Notes"}})
	sink := &collected{}

	_, err := d.Dispatch(context.Background(), baseInput(plan(0.9, datatypes.ActionVectorSearch), eagerFeatures(nil)), sink.emit)
	require.NoError(t, err)
	require.Len(t, fs.hybridCalls, 1)
	assert.Nil(t, sink.find(telemetry.EventIndexFederation))
}

func TestFederationKeepsPrimaryOnClassFailure(t *testing.T) {
	fs := &fakeSearch{
		hybridResults: []*search.Result{
			{References: refs("a", "b"), Coverage: 0.7},
			nil,
		},
		hybridErrs: []error{nil, assert.AnError},
	}
	d := NewDispatcher(DispatcherConfig{Search: fs, FederatedClasses: []string{"Notes"}})
	sink := &collected{}

	out, err := d.Dispatch(context.Background(),
		baseInput(plan(0.9, datatypes.ActionVectorSearch),
			eagerFeatures(map[string]bool{datatypes.FeatureMultiIndexFederation: true})),
		sink.emit)
	require.NoError(t, err)
	assert.Len(t, out.References, 2)
	assert.Nil(t, sink.find(telemetry.EventIndexFederation))
}
