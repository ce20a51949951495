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
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
	"github.com/AleutianAI/agentrag/services/orchestrator/telemetry"
	"github.com/AleutianAI/agentrag/services/search"
)

func adaptiveFeatures() datatypes.FeatureSet {
	return eagerFeatures(map[string]bool{
		datatypes.FeatureAdaptiveRetrieval: true,
	})
}

// similarPair has pairwise cosine 0.75, so diversity is 0.25.
var similarPair = [][]float32{
	{1, 0},
	{0.75, 0.6614378},
}

// orthogonalPair has pairwise cosine 0, so diversity is 1.
var orthogonalPair = [][]float32{
	{1, 0},
	{0, 1},
}

func TestAdaptiveReformulatesOnPoorQuality(t *testing.T) {
	fs := &fakeSearch{hybridResults: []*search.Result{
		{References: refs("blurry-1", "blurry-2"), Coverage: 0.2},
		{References: refs("nasa-1", "nasa-2"), Coverage: 0.88},
	}}
	gw := &scriptedLLM{
		texts:  []string{`{"query":"moon landing photos site:nasa.gov"}`},
		embeds: [][][]float32{similarPair, orthogonalPair},
	}
	d := NewDispatcher(DispatcherConfig{Search: fs, LLM: gw})
	sink := &collected{}

	in := baseInput(plan(0.9, datatypes.ActionVectorSearch), adaptiveFeatures())
	in.Question = "moon landing photos"
	out, err := d.Dispatch(context.Background(), in, sink.emit)

	require.NoError(t, err)
	require.NotNil(t, out.AdaptiveStats)
	stats := out.AdaptiveStats
	assert.Equal(t, 2, stats.Attempts)
	assert.True(t, stats.Triggered)
	assert.Equal(t, "both", stats.TriggerReason)
	require.Len(t, stats.Reformulations, 1)
	assert.Equal(t, "moon landing photos site:nasa.gov", stats.Reformulations[0])
	assert.InDelta(t, 0.2, stats.InitialQuality.Coverage, 1e-9)
	assert.InDelta(t, 0.25, stats.InitialQuality.Diversity, 1e-6)
	assert.InDelta(t, 0.88, stats.FinalQuality.Coverage, 1e-9)

	require.Len(t, fs.hybridCalls, 2)
	assert.Equal(t, "moon landing photos site:nasa.gov", fs.hybridCalls[1].query)
	assert.Equal(t, "nasa-1", out.References[0].ID)
	assert.Same(t, stats, out.Summary.AdaptiveStats)

	event := sink.find(telemetry.EventAdaptiveRetrieval)
	require.NotNil(t, event)
	assert.Equal(t, 2, event["attempts"])
	assert.Equal(t, "both", event["trigger_reason"])
	assert.Equal(t, 1, event["reformulations_count"])
}

func TestAdaptiveSkipsWhenQualityAcceptable(t *testing.T) {
	fs := &fakeSearch{hybridResults: []*search.Result{
		{References: refs("good-1", "good-2"), Coverage: 0.9},
	}}
	gw := &scriptedLLM{embeds: [][][]float32{orthogonalPair}}
	d := NewDispatcher(DispatcherConfig{Search: fs, LLM: gw})

	in := baseInput(plan(0.9, datatypes.ActionVectorSearch), adaptiveFeatures())
	out, err := d.Dispatch(context.Background(), in, nil)

	require.NoError(t, err)
	require.NotNil(t, out.AdaptiveStats)
	assert.Equal(t, 1, out.AdaptiveStats.Attempts)
	assert.False(t, out.AdaptiveStats.Triggered)
	assert.Empty(t, out.AdaptiveStats.Reformulations)
	assert.Len(t, fs.hybridCalls, 1)
	assert.Zero(t, gw.completeN)
}

func TestAdaptiveBoundedByMaxReformulations(t *testing.T) {
	fs := &fakeSearch{hybridResults: []*search.Result{
		{References: refs("bad-1", "bad-2"), Coverage: 0.1},
	}}
	gw := &scriptedLLM{
		texts: []string{
			`{"query":"rewrite one"}`,
			`{"query":"rewrite two"}`,
			`{"query":"rewrite three"}`,
			`{"query":"rewrite four"}`,
		},
		embeds: [][][]float32{similarPair, similarPair, similarPair, similarPair, similarPair},
	}
	d := NewDispatcher(DispatcherConfig{Search: fs, LLM: gw})

	in := baseInput(plan(0.9, datatypes.ActionVectorSearch), adaptiveFeatures())
	in.Tunables.AdaptiveMaxReformulations = 2
	out, err := d.Dispatch(context.Background(), in, nil)

	require.NoError(t, err)
	assert.Len(t, out.AdaptiveStats.Reformulations, 2)
	assert.Equal(t, 3, out.AdaptiveStats.Attempts)
}

func TestAdaptiveReformulationFailureEndsLoop(t *testing.T) {
	fs := &fakeSearch{hybridResults: []*search.Result{
		{References: refs("bad-1", "bad-2"), Coverage: 0.1},
	}}
	gw := &scriptedLLM{texts: []string{"not json"}, embeds: [][][]float32{similarPair}}
	d := NewDispatcher(DispatcherConfig{Search: fs, LLM: gw})

	in := baseInput(plan(0.9, datatypes.ActionVectorSearch), adaptiveFeatures())
	out, err := d.Dispatch(context.Background(), in, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, out.AdaptiveStats.Attempts)
	assert.True(t, out.AdaptiveStats.Triggered)
	assert.Empty(t, out.AdaptiveStats.Reformulations)
	assert.Len(t, out.References, 2)
}

func TestTriggerReason(t *testing.T) {
	th := datatypes.AdaptiveThresholds{MinCoverage: 0.4, MinDiversity: 0.3}
	cases := []struct {
		name string
		q    datatypes.QualityVector
		want string
	}{
		{"both low", datatypes.QualityVector{Coverage: 0.2, Diversity: 0.25}, "both"},
		{"coverage low", datatypes.QualityVector{Coverage: 0.1, Diversity: 0.9}, "coverage"},
		{"diversity low", datatypes.QualityVector{Coverage: 0.9, Diversity: 0.1}, "diversity"},
		{"acceptable", datatypes.QualityVector{Coverage: 0.9, Diversity: 0.9}, ""},
		{"exactly at floors", datatypes.QualityVector{Coverage: 0.4, Diversity: 0.3}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, triggerReason(tc.q, th))
		})
	}
}

func TestRefFreshnessDecay(t *testing.T) {
	now := time.Now()

	fresh := datatypes.Reference{}
	assert.InDelta(t, 1.0, refFreshness(&fresh, now), 1e-9)

	aged := datatypes.Reference{}
	aged.SetMeta("fetched_at", now.Add(-7*24*time.Hour))
	assert.InDelta(t, 0.5, refFreshness(&aged, now), 1e-6)

	future := datatypes.Reference{}
	future.SetMeta("fetched_at", now.Add(time.Hour))
	assert.InDelta(t, 1.0, refFreshness(&future, now), 1e-9)
}

func TestMeanPairwiseCosine(t *testing.T) {
	assert.InDelta(t, 0.75, meanPairwiseCosine(similarPair), 1e-6)
	assert.InDelta(t, 0.0, meanPairwiseCosine(orthogonalPair), 1e-9)
	assert.Zero(t, meanPairwiseCosine(nil))
}

func TestCosine32(t *testing.T) {
	assert.InDelta(t, 1.0, cosine32([]float32{1, 2}, []float32{2, 4}), 1e-6)
	assert.InDelta(t, 0.0, cosine32([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, cosine32([]float32{1}, []float32{1, 2}))
	assert.True(t, math.Abs(cosine32(nil, nil)) < 1e-9)
}
