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
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/agentrag/pkg/orcherrors"
	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
	"github.com/AleutianAI/agentrag/services/orchestrator/middleware"
	"github.com/AleutianAI/agentrag/services/orchestrator/observability"
	"github.com/AleutianAI/agentrag/services/orchestrator/pipeline"
	"github.com/AleutianAI/agentrag/services/orchestrator/telemetry"
)

// keepAliveInterval is how often an SSE comment is sent while the turn
// is still running. Load balancers commonly drop idle connections
// after 60 seconds.
const keepAliveInterval = 15 * time.Second

// HandleChatStream serves the SSE streaming chat endpoint.
//
// # Description
//
// Runs a full turn with every pipeline event forwarded to the client
// as a Server-Sent Event. The event sequence always starts with
// `features` and terminates with `done` (or `cancelled` when the
// client disconnects mid-turn). Keepalive comments are interleaved
// during long retrieval or synthesis phases.
//
// # Limitations
//
//   - Validation failures detected before any event is written are
//     returned as a JSON 4xx body instead of an SSE error event.
func HandleChatStream(p *pipeline.Pipeline, metrics *observability.TurnMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleChatStream")
		defer span.End()

		req := middleware.GetChatRequest(c)
		if req == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "request not sanitized"})
			return
		}

		SetSSEHeaders(c.Writer)
		writer, err := NewSSEWriter(c.Writer)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
			return
		}

		if metrics != nil {
			metrics.StreamStarted(observability.EndpointChatStream)
			defer metrics.StreamEnded(observability.EndpointChatStream)
		}

		started := time.Now()
		var firstToken sync.Once

		done := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(keepAliveInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := writer.WriteKeepAlive(); err != nil {
						return
					}
				case <-done:
					return
				}
			}
		}()

		emit := func(event string, data any) error {
			if event == telemetry.EventToken && metrics != nil {
				firstToken.Do(func() {
					metrics.RecordTimeToFirstToken(
						observability.EndpointChatStream, time.Since(started).Seconds())
				})
			}
			return writer.WriteEvent(event, data)
		}

		res, runErr := p.Run(ctx, pipeline.Request{
			Chat:        *req,
			Mode:        datatypes.ModeStream,
			Fingerprint: clientFingerprint(c),
		}, emit)

		close(done)
		wg.Wait()

		if runErr != nil {
			span.RecordError(runErr)
			span.SetStatus(codes.Error, runErr.Error())
			if orcherrors.IsKind(runErr, orcherrors.KindCancelled) {
				slog.Info("Stream cancelled by client", "sessionID", req.SessionID)
				recordTurn(metrics, observability.EndpointChatStream, datatypes.TurnStatusCancelled, started)
				return
			}
			slog.Error("Stream turn failed before start", "error", runErr)
			recordTurn(metrics, observability.EndpointChatStream, datatypes.TurnStatusError, started)
			if !writer.Wrote() {
				c.JSON(statusForKind(runErr), gin.H{"error": runErr.Error()})
				return
			}
			_ = writer.WriteEvent(telemetry.EventError, map[string]any{
				"kind":    string(orcherrors.KindOf(runErr)),
				"message": runErr.Error(),
			})
			_ = writer.WriteEvent(telemetry.EventDone, nil)
			return
		}

		status := datatypes.TurnStatusComplete
		if res.Refused {
			status = datatypes.TurnStatusRefused
		}
		recordTurn(metrics, observability.EndpointChatStream, status, started)
		recordUsage(metrics, res)
	}
}
