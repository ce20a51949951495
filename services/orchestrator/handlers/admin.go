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
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/agentrag/services/orchestrator/telemetry"
)

// GetTelemetry serves GET /admin/telemetry. Records come back
// oldest-first and already redacted by the ring; the aggregates block
// summarizes route mix, coverage, and error rate across the window.
func GetTelemetry(ring *telemetry.Ring) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"aggregates": ring.Aggregate(),
			"records":    ring.Snapshot(),
		})
	}
}

// Healthz serves GET /healthz, a liveness probe.
func Healthz() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// ReadyCheck is one named dependency probe run by Readyz.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Readyz serves GET /readyz. Each dependency probe runs with the
// request context; any failure yields 503 with the failing checks
// named.
func Readyz(checks ...ReadyCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		failures := gin.H{}
		for _, chk := range checks {
			if err := chk.Check(c.Request.Context()); err != nil {
				failures[chk.Name] = err.Error()
			}
		}
		if len(failures) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "failures": failures})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
