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
	"github.com/AleutianAI/agentrag/services/websearch"
)

func cragFeatures() datatypes.FeatureSet {
	return eagerFeatures(map[string]bool{
		datatypes.FeatureCRAG:             true,
		datatypes.FeatureWebQualityFilter: false,
	})
}

func TestCRAGCorrectKeepsDocuments(t *testing.T) {
	fs := &fakeSearch{hybridResults: []*search.Result{
		{References: refs("d1", "d2"), Coverage: 0.9},
	}}
	gw := &scriptedLLM{texts: []string{
		`{"confidence":"correct","action":"use_documents","reasoning":"on topic"}`,
	}}
	d := NewDispatcher(DispatcherConfig{Search: fs, LLM: gw})
	sink := &collected{}

	in := baseInput(plan(0.9, datatypes.ActionVectorSearch), cragFeatures())
	out, err := d.Dispatch(context.Background(), in, sink.emit)

	require.NoError(t, err)
	assert.Len(t, out.References, 2)
	require.NotNil(t, out.CRAG)
	assert.Equal(t, datatypes.CRAGCorrect, out.CRAG.Confidence)
	assert.NotNil(t, sink.find(telemetry.EventCRAGEvaluation))
	assert.NotNil(t, sink.find(telemetry.EventCRAGResult))
	assert.NotNil(t, sink.find(telemetry.EventCRAGAction))
}

func TestCRAGAmbiguousRefinesReferences(t *testing.T) {
	fs := &fakeSearch{hybridResults: []*search.Result{
		{References: refs("keep-me", "drop-me"), Coverage: 0.9},
	}}
	gw := &scriptedLLM{texts: []string{
		`{"confidence":"ambiguous","action":"refine_documents","reasoning":"mixed",
		  "relevance_scores":[
		    {"doc_index":0,"score":0.9,"relevant_sentences":["Only this sentence matters."]},
		    {"doc_index":1,"score":0.1}
		  ]}`,
	}}
	d := NewDispatcher(DispatcherConfig{Search: fs, LLM: gw})
	sink := &collected{}

	in := baseInput(plan(0.9, datatypes.ActionVectorSearch), cragFeatures())
	out, err := d.Dispatch(context.Background(), in, sink.emit)

	require.NoError(t, err)
	require.Len(t, out.References, 1)
	assert.Equal(t, "keep-me", out.References[0].ID)
	assert.Equal(t, "Only this sentence matters.", out.References[0].Content)
	assert.Equal(t, true, out.References[0].Metadata["crag_refined"])

	refinement := sink.find(telemetry.EventCRAGRefinement)
	require.NotNil(t, refinement)
	assert.Equal(t, 1, refinement["kept"])
	assert.Equal(t, 1, refinement["dropped"])
}

func TestCRAGIncorrectForcesWebSearch(t *testing.T) {
	fs := &fakeSearch{hybridResults: []*search.Result{
		{References: refs("off-topic", "also-off"), Coverage: 0.9},
	}}
	fw := &fakeWeb{resp: &websearch.Response{
		Results: []datatypes.WebResult{{ID: "web-1", Title: "t", Snippet: "s", URL: "https://example.com", Rank: 1}},
	}}
	gw := &scriptedLLM{texts: []string{
		`{"confidence":"incorrect","action":"web_fallback","reasoning":"off topic"}`,
	}}
	d := NewDispatcher(DispatcherConfig{Search: fs, Web: fw, LLM: gw})
	sink := &collected{}

	// The plan never asked for web search.
	in := baseInput(plan(0.9, datatypes.ActionVectorSearch), cragFeatures())
	out, err := d.Dispatch(context.Background(), in, sink.emit)

	require.NoError(t, err)
	assert.Len(t, fw.calls, 1)
	assert.NotNil(t, sink.find(telemetry.EventCRAGWebFallback))
	assert.Greater(t, out.WebTokens, 0)
}

func TestCRAGFailureKeepsDocuments(t *testing.T) {
	fs := &fakeSearch{hybridResults: []*search.Result{
		{References: refs("d1", "d2"), Coverage: 0.9},
	}}
	gw := &scriptedLLM{texts: []string{"not json"}}
	d := NewDispatcher(DispatcherConfig{Search: fs, LLM: gw})

	in := baseInput(plan(0.9, datatypes.ActionVectorSearch), cragFeatures())
	out, err := d.Dispatch(context.Background(), in, nil)

	require.NoError(t, err)
	assert.Len(t, out.References, 2)
	assert.Nil(t, out.CRAG)
}

func TestRefineReferencesKeepsUngraded(t *testing.T) {
	kept, dropped := refineReferences(refs("a", "b", "c"), []datatypes.CRAGRelevance{
		{DocIndex: 1, Score: 0.2},
	})
	require.Len(t, kept, 2)
	assert.Equal(t, "a", kept[0].ID)
	assert.Equal(t, "c", kept[1].ID)
	assert.Equal(t, 1, dropped)
}
