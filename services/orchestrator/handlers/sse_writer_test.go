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
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
)

func TestSSEWriterWireFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	assert.False(t, w.Wrote())
	require.NoError(t, w.WriteEvent("status", map[string]any{"stage": "retrieving"}))
	assert.True(t, w.Wrote())

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: status\ndata: "))
	assert.True(t, strings.HasSuffix(body, "\n\n"))
}

func TestSSEWriterHashChain(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteEvent("status", map[string]any{"stage": "planning"}))
	require.NoError(t, w.WriteEvent("token", map[string]any{"text": "hi"}))
	require.NoError(t, w.WriteEvent("done", nil))

	var events []datatypes.StreamEvent
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		raw, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev datatypes.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(raw), &ev))
		events = append(events, ev)
	}

	require.Len(t, events, 3)
	assert.Empty(t, events[0].PrevHash)
	assert.Equal(t, events[0].Hash, events[1].PrevHash)
	assert.Equal(t, events[1].Hash, events[2].PrevHash)
	for _, ev := range events {
		assert.NotEmpty(t, ev.ID)
		assert.NotEmpty(t, ev.Hash)
		assert.NotZero(t, ev.CreatedAt)
	}
}

func TestSSEWriterKeepAliveOutsideChain(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteKeepAlive())
	assert.Equal(t, ": ping\n\n", rec.Body.String())
	assert.False(t, w.Wrote())
}

func TestSetSSEHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSSEHeaders(rec)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
}
