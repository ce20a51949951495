// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
)

func TestHandleChatSyncHappyPath(t *testing.T) {
	e := newTestEnv(t)
	r := newChatRouter(e)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(chatBody("sess-http", "what is raft?")))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "The answer is raft [1].", resp.Answer)
	require.Len(t, resp.Citations, 1)
	assert.Equal(t, "doc-1", resp.Citations[0].ID)
	assert.Equal(t, "sess-http", resp.Metadata.SessionID)

	// The turn was persisted.
	state, err := e.store.Load(context.Background(), "sess-http")
	require.NoError(t, err)
	assert.Equal(t, 1, state.TurnCount())
}

func TestHandleChatMalformedBody(t *testing.T) {
	e := newTestEnv(t)
	r := newChatRouter(e)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader("{broken"))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleChatInvalidRole(t *testing.T) {
	e := newTestEnv(t)
	r := newChatRouter(e)

	body := `{"messages": [{"role": "robot", "content": "hi"}]}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid role")
}

func TestHandleChatStreamEventSequence(t *testing.T) {
	e := newTestEnv(t)
	r := newChatRouter(e)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat/stream", strings.NewReader(chatBody("sess-sse", "what is raft?")))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	var events []string
	for _, line := range strings.Split(body, "\n") {
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			events = append(events, name)
		}
	}

	require.NotEmpty(t, events)
	assert.Equal(t, "features", events[0])
	assert.Equal(t, "done", events[len(events)-1])

	tokenAt, completeAt := -1, -1
	for i, name := range events {
		if name == "token" && tokenAt < 0 {
			tokenAt = i
		}
		if name == "complete" {
			completeAt = i
		}
	}
	require.GreaterOrEqual(t, tokenAt, 0, "expected token events in %v", events)
	require.GreaterOrEqual(t, completeAt, 0)
	assert.Less(t, tokenAt, completeAt)
}

func TestHandleChatStreamHashChain(t *testing.T) {
	e := newTestEnv(t)
	r := newChatRouter(e)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat/stream", strings.NewReader(chatBody("sess-chain", "q")))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	prev := ""
	count := 0
	for _, line := range strings.Split(w.Body.String(), "\n") {
		raw, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev datatypes.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(raw), &ev))
		assert.Equal(t, prev, ev.PrevHash)
		assert.NotEmpty(t, ev.Hash)
		prev = ev.Hash
		count++
	}
	assert.Greater(t, count, 2)
}
