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
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
	"github.com/AleutianAI/agentrag/services/orchestrator/telemetry"
)

func TestHealthz(t *testing.T) {
	r := gin.New()
	r.GET("/healthz", Healthz())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadyz(t *testing.T) {
	ok := ReadyCheck{Name: "store", Check: func(context.Context) error { return nil }}
	bad := ReadyCheck{Name: "vector_db", Check: func(context.Context) error {
		return fmt.Errorf("connection refused")
	}}

	r := gin.New()
	r.GET("/ready-ok", Readyz(ok))
	r.GET("/ready-bad", Readyz(ok, bad))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready-ok", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready-bad", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "vector_db")
}

func TestGetTelemetry(t *testing.T) {
	ring := telemetry.NewRing(4)
	ring.Store(datatypes.TurnRecord{
		SessionID: "sess-tel",
		Mode:      datatypes.ModeSync,
		Question:  "what is raft?",
		Status:    datatypes.TurnStatusComplete,
	})

	r := gin.New()
	r.GET("/admin/telemetry", GetTelemetry(ring))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/telemetry", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "aggregates")
	assert.Contains(t, w.Body.String(), "sess-tel")
}
