// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package quality

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
)

// batchEmbedder records call counts and returns canned vectors.
type batchEmbedder struct {
	calls   int
	vectors map[string][]float32
	fail    bool
}

func (e *batchEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.fail {
		return nil, errors.New("embedding backend down")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := e.vectors[t]; ok {
			out[i] = v
		} else {
			out[i] = []float32{0, 0, 1}
		}
	}
	return out, nil
}

func TestAuthorityScoreScorecard(t *testing.T) {
	f := NewWebFilter(nil, nil)
	cases := []struct {
		url  string
		want float64
	}{
		{"https://www.irs.gov/refunds", 1.0},
		{"https://cs.stanford.edu/paper", 0.95},
		{"https://arxiv.org/abs/2004.07606", 0.9},
		{"https://en.wikipedia.org/wiki/Raft", 0.85},
		{"https://example.com/page", 0.45},
		{"https://sketchy.biz/x", 0.2},
		{"not a url at all", 0},
	}
	for _, tc := range cases {
		t.Run(tc.url, func(t *testing.T) {
			assert.InDelta(t, tc.want, f.AuthorityScore(tc.url), 1e-9)
		})
	}
}

func TestAuthorityScoreRejectsSpoofedHosts(t *testing.T) {
	f := NewWebFilter(nil, nil)
	// A trusted label in a non-terminal position is an impersonation.
	assert.Zero(t, f.AuthorityScore("https://irs.gov.phishing.com/login"))
	assert.Zero(t, f.AuthorityScore("https://www.gov.example.com/"))
	assert.Zero(t, f.AuthorityScore("https://mit.edu.evil.net/"))
	// The genuine suffix still scores.
	assert.InDelta(t, 1.0, f.AuthorityScore("https://treasury.gov/"), 1e-9)
}

func TestFilterBatchesAllEmbeddingsInOneCall(t *testing.T) {
	emb := &batchEmbedder{vectors: map[string][]float32{
		"what is raft":        {1, 0, 0},
		"raft explained":      {0.9, 0.1, 0},
		"unrelated cooking":   {0, 1, 0},
		"corpus chunk on raft": {1, 0, 0},
	}}
	f := NewWebFilter(emb, nil)

	results := []datatypes.WebResult{
		{ID: "w1", URL: "https://raft.github.io", Snippet: "raft explained"},
		{ID: "w2", URL: "https://recipes.com", Snippet: "unrelated cooking"},
	}
	corpus := []datatypes.Reference{{ID: "c1", Content: "corpus chunk on raft"}}

	outcome := f.Filter(context.Background(), "sess", "what is raft", results, corpus, WebFilterConfig{
		MinAuthority:  0.3,
		MaxRedundancy: 0.99,
		MinRelevance:  0.25,
	})

	assert.Equal(t, 1, emb.calls, "one batched call for query + snippets + corpus")
	require.Len(t, outcome.Kept, 1)
	assert.Equal(t, "w1", outcome.Kept[0].ID)
	assert.Equal(t, 1, outcome.Dropped)
	assert.False(t, outcome.AuthorityOnly)
}

func TestFilterDropsRedundantResults(t *testing.T) {
	emb := &batchEmbedder{vectors: map[string][]float32{
		"q":      {1, 0, 0},
		"dupe":   {1, 0, 0},
		"corpus": {1, 0, 0},
	}}
	f := NewWebFilter(emb, nil)

	outcome := f.Filter(context.Background(), "sess", "q",
		[]datatypes.WebResult{{ID: "w1", URL: "https://a.gov", Snippet: "dupe"}},
		[]datatypes.Reference{{ID: "c1", Content: "corpus"}},
		WebFilterConfig{MinAuthority: 0.3, MaxRedundancy: 0.92, MinRelevance: 0.1})

	assert.Empty(t, outcome.Kept, "identical to corpus content is redundant")
	assert.Equal(t, 1, outcome.Dropped)
}

func TestFilterDegradesToAuthorityOnlyOnEmbeddingFailure(t *testing.T) {
	emb := &batchEmbedder{fail: true}
	var degraded string
	f := NewWebFilter(emb, func(_, event string, _ map[string]any) { degraded = event })

	results := []datatypes.WebResult{
		{ID: "w1", URL: "https://trusted.gov", Snippet: "a"},
		{ID: "w2", URL: "https://junk.biz", Snippet: "b"},
	}
	outcome := f.Filter(context.Background(), "sess", "q", results, nil, WebFilterConfig{
		MinAuthority: 0.3, MaxRedundancy: 0.92, MinRelevance: 0.25,
	})

	assert.True(t, outcome.AuthorityOnly)
	assert.Equal(t, "web_filter_degraded", degraded)
	require.Len(t, outcome.Kept, 1, "authority still filters without embeddings")
	assert.Equal(t, "w1", outcome.Kept[0].ID)
}

func TestMergeRRFDeduplicatesAndBoostsCrossConfirmed(t *testing.T) {
	corpus := []datatypes.Reference{
		{ID: "a", Title: "A"},
		{ID: "b", Title: "B"},
	}
	web := []datatypes.Reference{
		{ID: "c", Title: "C"},
		{ID: "a", Title: "A (web)"},
	}

	merged := MergeRRF(corpus, web, RRFOptions{})
	require.Len(t, merged, 3, "dedup by stable id")
	assert.Equal(t, "a", merged[0].ID, "present in both lists ranks first")
	// 1/61 + 1/62 for a; 1/62 for b; 1/61 for c.
	assert.Greater(t, merged[0].Score, merged[1].Score)
	assert.Equal(t, "c", merged[1].ID)
	assert.Equal(t, "b", merged[2].ID)
	// First occurrence wins the payload.
	assert.Equal(t, "A", merged[0].Title)
}

func TestMergeRRFSemanticBoostReorders(t *testing.T) {
	corpus := []datatypes.Reference{{ID: "a"}, {ID: "b"}}
	merged := MergeRRF(corpus, nil, RRFOptions{
		SemanticBoost: true,
		BoostWeight:   1.0,
		QueryVec:      []float32{1, 0},
		RefVecs: map[string][]float32{
			"a": {0, 1}, // orthogonal to the query
			"b": {1, 0}, // aligned with the query
		},
	})
	require.Len(t, merged, 2)
	assert.Equal(t, "b", merged[0].ID, "semantic boost outweighs the rank gap")
}

func TestCosineEdgeCases(t *testing.T) {
	assert.Zero(t, cosine(nil, nil))
	assert.Zero(t, cosine([]float32{1}, []float32{1, 2}))
	assert.Zero(t, cosine([]float32{0, 0}, []float32{1, 1}))
	assert.InDelta(t, 1.0, cosine([]float32{2, 0}, []float32{5, 0}), 1e-9)
	assert.InDelta(t, 0.6, maxCosine([]float32{1, 0}, [][]float32{{0, 1}, {0.6, 0.8}}), 1e-9)
}
