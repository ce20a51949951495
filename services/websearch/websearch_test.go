// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package websearch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/agentrag/pkg/orcherrors"
	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
)

func TestSearchWithoutAPIKeyReturnsEmptyAndMissingConfig(t *testing.T) {
	var gotEvent string
	g := NewBraveGateway(BraveConfig{
		APIKey: "", // deliberately unset
		OnTelemetry: func(sessionID, event string, fields map[string]any) {
			gotEvent = event
		},
	})
	// Guard against an ambient key leaking into the test.
	g.apiKey = ""

	resp, err := g.Search(context.Background(), "what is raft", Options{SessionID: "sess_x"})
	require.NoError(t, err, "missing key is degraded, not fatal")
	assert.Empty(t, resp.Results)
	assert.Equal(t, "missing_config", gotEvent)
}

func TestSearchParsesResultsInRankOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "raft consensus", r.URL.Query().Get("q"))
		assert.Equal(t, "moderate", r.URL.Query().Get("safesearch"))
		assert.Equal(t, "test-key", r.Header.Get("X-Subscription-Token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"web":{"results":[
			{"title":"Raft paper","url":"https://raft.github.io","description":"In search of an understandable consensus algorithm"},
			{"title":"Raft wiki","url":"https://en.wikipedia.org/wiki/Raft_(algorithm)","description":"Raft is a consensus algorithm"}
		]}}`))
	}))
	defer srv.Close()

	g := NewBraveGateway(BraveConfig{Endpoint: srv.URL, APIKey: "test-key", RatePerSecond: 1000})
	resp, err := g.Search(context.Background(), "raft consensus", Options{Count: 2})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, 1, resp.Results[0].Rank)
	assert.Equal(t, "Raft paper", resp.Results[0].Title)
	assert.Equal(t, 2, resp.Results[1].Rank)
	assert.NotEmpty(t, resp.ContextText)
	assert.False(t, resp.Trimmed)
}

func TestClassifyHTTPStatus(t *testing.T) {
	assert.True(t, orcherrors.IsKind(classifyHTTPStatus(429, ""), orcherrors.KindRateLimited))
	assert.True(t, orcherrors.IsKind(classifyHTTPStatus(401, ""), orcherrors.KindAuth))
	assert.True(t, orcherrors.IsKind(classifyHTTPStatus(503, ""), orcherrors.KindUpstream5xx))
	assert.True(t, orcherrors.IsKind(classifyHTTPStatus(400, "bad"), orcherrors.KindUpstream4xx))
}

func TestBraveSafeSearchMapping(t *testing.T) {
	assert.Equal(t, "off", braveSafeSearch(SafeSearchOff))
	assert.Equal(t, "moderate", braveSafeSearch(SafeSearchActive))
	assert.Equal(t, "strict", braveSafeSearch(SafeSearchHigh))
}

type fixedCounter struct{ perCall int }

func (f fixedCounter) Count(string) int { return f.perCall }

func TestAssembleContextTrimsWholeResults(t *testing.T) {
	results := []datatypes.WebResult{
		{Rank: 1, Title: "a", Snippet: "first"},
		{Rank: 2, Title: "b", Snippet: "second"},
		{Rank: 3, Title: "c", Snippet: "third"},
	}

	text, tokens, trimmed := AssembleContext(results, 25, fixedCounter{perCall: 10})
	assert.True(t, trimmed)
	assert.Equal(t, 20, tokens, "two whole results fit; never a partial third")
	assert.Contains(t, text, "first")
	assert.Contains(t, text, "second")
	assert.NotContains(t, text, "third")

	_, tokens, trimmed = AssembleContext(results, 0, fixedCounter{perCall: 10})
	assert.False(t, trimmed, "zero budget disables trimming")
	assert.Equal(t, 30, tokens)
}

func TestAcademicSearchAllSettlesIndependently(t *testing.T) {
	s2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"paperId":"p1","title":"Paper One","abstract":"about raft","url":"https://s2/p1","year":2020}]}`))
	}))
	defer s2.Close()
	arxivDown := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer arxivDown.Close()

	failedSources := map[string]int{}
	g := NewAcademicGateway(AcademicConfig{
		SemanticScholarEndpoint: s2.URL,
		ArxivEndpoint:           arxivDown.URL,
		OnTelemetry: func(_, event string, fields map[string]any) {
			if event == "academic_source_failed" {
				failedSources[fields["source"].(string)]++
			}
		},
	})

	result, err := g.SearchAll(context.Background(), "raft", 5, "sess_y")
	require.NoError(t, err, "one healthy source means no aggregate error")
	require.Len(t, result.Papers, 1)
	assert.Equal(t, "Paper One", result.Papers[0].Title)
	assert.Equal(t, 1, result.Failures[sourceArxiv])
	assert.Equal(t, 1, failedSources[sourceArxiv])
}
