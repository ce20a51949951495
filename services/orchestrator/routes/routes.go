// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/agentrag/services/llm"
	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
	"github.com/AleutianAI/agentrag/services/orchestrator/handlers"
	"github.com/AleutianAI/agentrag/services/orchestrator/middleware"
	"github.com/AleutianAI/agentrag/services/orchestrator/observability"
	"github.com/AleutianAI/agentrag/services/orchestrator/pipeline"
	"github.com/AleutianAI/agentrag/services/orchestrator/session"
	"github.com/AleutianAI/agentrag/services/orchestrator/telemetry"
)

// Deps carries the shared collaborators the route handlers bind to.
type Deps struct {
	Pipeline *pipeline.Pipeline
	Tunables func() datatypes.Tunables
	Store    session.Store
	// Responses is nil when response storage is disabled; the
	// pass-through routes are simply not registered.
	Responses *llm.ResponseStore
	Ring      *telemetry.Ring
	Metrics   *observability.TurnMetrics
	// ReadyChecks are the dependency probes behind /readyz.
	ReadyChecks []handlers.ReadyCheck
	// ExposeAdmin registers /v1/admin/* (development only).
	ExposeAdmin bool
	// EnableMetrics registers the Prometheus /metrics endpoint.
	EnableMetrics bool
}

// SetupRoutes registers every endpoint on the router.
func SetupRoutes(router *gin.Engine, d Deps) {
	router.GET("/healthz", handlers.Healthz())
	router.GET("/readyz", handlers.Readyz(d.ReadyChecks...))
	if d.EnableMetrics {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	v1 := router.Group("/v1")
	{
		sanitize := middleware.ChatSanitizer(d.Tunables)
		v1.POST("/chat", sanitize, handlers.HandleChat(d.Pipeline, d.Metrics))
		v1.POST("/chat/stream", sanitize, handlers.HandleChatStream(d.Pipeline, d.Metrics))
		v1.GET("/chat/ws", handlers.HandleChatWS(d.Pipeline, d.Tunables, d.Metrics))

		sessions := v1.Group("/sessions")
		{
			sessions.GET("/:sessionId", handlers.GetSession(d.Store))
			sessions.DELETE("/:sessionId", handlers.DeleteSession(d.Store))
		}

		if d.Responses != nil {
			responses := v1.Group("/responses")
			{
				responses.GET("/:responseId", handlers.GetResponse(d.Responses))
				responses.GET("/:responseId/input_items", handlers.GetResponseInputItems(d.Responses))
				responses.DELETE("/:responseId", handlers.DeleteResponse(d.Responses))
			}
		}

		if d.ExposeAdmin {
			v1.GET("/admin/telemetry", handlers.GetTelemetry(d.Ring))
		}
	}
}
