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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/agentrag/pkg/orcherrors"
)

func TestAgentClientRetrieve(t *testing.T) {
	var gotBody agentRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/retrieve", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"references": [
				{"id": "doc-1", "title": "Raft", "content": "leader election", "score": 2.4},
				{"id": "doc-2", "content": "log replication", "score": 2.1}
			],
			"coverage": 82.0
		}`))
	}))
	defer srv.Close()

	client := NewAgentClient(srv.URL, 5*time.Second)
	res, err := client.Retrieve(context.Background(), "how does raft elect a leader?", 5)
	require.NoError(t, err)

	assert.Equal(t, "how does raft elect a leader?", gotBody.Query)
	assert.Equal(t, 5, gotBody.Top)
	require.Len(t, res.References, 2)
	assert.Equal(t, "doc-1", res.References[0].ID)
	// Percentage-scale coverage normalizes to [0,1].
	assert.InDelta(t, 0.82, res.Coverage, 0.001)
}

func TestAgentClientAppendsRetrievePath(t *testing.T) {
	client := NewAgentClient("http://agent:9000/", 0)
	assert.Equal(t, "http://agent:9000/retrieve", client.endpoint)

	client = NewAgentClient("http://agent:9000/retrieve", 0)
	assert.Equal(t, "http://agent:9000/retrieve", client.endpoint)
}

func TestAgentClientUpstreamErrorKinds(t *testing.T) {
	status := http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte("agent exploded"))
	}))
	defer srv.Close()

	client := NewAgentClient(srv.URL, 2*time.Second)
	client.retryCfg.MaxAttempts = 1

	_, err := client.Retrieve(context.Background(), "q", 3)
	require.Error(t, err)
	assert.True(t, orcherrors.IsKind(err, orcherrors.KindUpstream5xx))

	status = http.StatusUnprocessableEntity
	_, err = client.Retrieve(context.Background(), "q", 3)
	require.Error(t, err)
	assert.True(t, orcherrors.IsKind(err, orcherrors.KindUpstream4xx))
}

func TestAgentClientMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	client := NewAgentClient(srv.URL, 2*time.Second)
	client.retryCfg.MaxAttempts = 1

	_, err := client.Retrieve(context.Background(), "q", 3)
	require.Error(t, err)
	assert.True(t, orcherrors.IsKind(err, orcherrors.KindParse))
}
