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
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/agentrag/pkg/orcherrors"
	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
	"github.com/AleutianAI/agentrag/services/orchestrator/middleware"
	"github.com/AleutianAI/agentrag/services/orchestrator/observability"
	"github.com/AleutianAI/agentrag/services/orchestrator/pipeline"
)

var chatTracer = otel.Tracer("aleutian.agentrag.handlers")

// clientFingerprint salts derived session ids so distinct callers with
// identical opening messages land in distinct sessions.
func clientFingerprint(c *gin.Context) string {
	return c.ClientIP() + "|" + c.Request.UserAgent()
}

// statusForKind maps pre-turn pipeline errors to HTTP status codes.
// Errors raised after the turn has started are delivered as refusal
// results instead and never reach this mapping.
func statusForKind(err error) int {
	switch orcherrors.KindOf(err) {
	case orcherrors.KindValidation:
		return http.StatusBadRequest
	case orcherrors.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// HandleChat serves the synchronous chat endpoint.
//
// The request has already been bound, validated, and sanitized by
// middleware.ChatSanitizer. A complete turn runs with a no-op event
// sink and the final answer is returned as a single JSON body.
func HandleChat(p *pipeline.Pipeline, metrics *observability.TurnMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleChat")
		defer span.End()

		req := middleware.GetChatRequest(c)
		if req == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "request not sanitized"})
			return
		}

		started := time.Now()
		res, err := p.Run(ctx, pipeline.Request{
			Chat:        *req,
			Mode:        datatypes.ModeSync,
			Fingerprint: clientFingerprint(c),
		}, nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if orcherrors.IsKind(err, orcherrors.KindCancelled) {
				slog.Info("Chat turn cancelled by client", "sessionID", req.SessionID)
				recordTurn(metrics, observability.EndpointChat, datatypes.TurnStatusCancelled, started)
				return
			}
			slog.Error("Chat turn failed before start", "error", err)
			recordTurn(metrics, observability.EndpointChat, datatypes.TurnStatusError, started)
			c.JSON(statusForKind(err), gin.H{"error": err.Error()})
			return
		}

		status := datatypes.TurnStatusComplete
		if res.Refused {
			status = datatypes.TurnStatusRefused
		}
		recordTurn(metrics, observability.EndpointChat, status, started)
		recordUsage(metrics, res)

		c.JSON(http.StatusOK, res.Response())
	}
}

// recordTurn is nil-tolerant so handler tests can run without a
// registered Prometheus registry.
func recordTurn(m *observability.TurnMetrics, endpoint observability.Endpoint, status string, started time.Time) {
	if m == nil {
		return
	}
	m.RecordTurn(endpoint, status, time.Since(started).Seconds())
}

func recordUsage(m *observability.TurnMetrics, res *pipeline.Result) {
	if m == nil || res == nil || res.Usage == nil {
		return
	}
	model := ""
	if res.Metadata.Route != nil {
		model = res.Metadata.Route.Model
	}
	m.RecordTokens(res.Usage.PromptTokens, res.Usage.CompletionTokens, model)
}
