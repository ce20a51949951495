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
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/agentrag/pkg/orcherrors"
	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
	"github.com/AleutianAI/agentrag/services/orchestrator/middleware"
	"github.com/AleutianAI/agentrag/services/orchestrator/observability"
	"github.com/AleutianAI/agentrag/services/orchestrator/pipeline"
	"github.com/AleutianAI/agentrag/services/orchestrator/telemetry"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// wsEventWriter serializes chained stream events onto a websocket
// connection. Same wire payload as the SSE path, framed as one JSON
// object per message.
type wsEventWriter struct {
	mu    sync.Mutex
	ws    *websocket.Conn
	chain eventChain
}

func (w *wsEventWriter) write(event string, data any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ev, err := w.chain.next(event, data)
	if err != nil {
		return err
	}
	return w.ws.WriteJSON(ev)
}

// HandleChatWS serves the WebSocket chat endpoint.
//
// # Description
//
// Each client message is a full ChatRequest JSON frame; each turn
// streams the same event sequence as the SSE endpoint back as JSON
// frames, ending with `done`. The connection persists across turns so
// multi-turn conversations reuse one socket. The first frame's
// derived session id is reported back inside the `complete` payload.
//
// # Limitations
//
//   - Frames are sanitized here rather than by the HTTP middleware,
//     since sanitization must run per message, not per connection.
func HandleChatWS(p *pipeline.Pipeline, tunables func() datatypes.Tunables, metrics *observability.TurnMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("Failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()
		slog.Info("Websocket client connected")

		if metrics != nil {
			metrics.StreamStarted(observability.EndpointChatWS)
			defer metrics.StreamEnded(observability.EndpointChatWS)
		}

		writer := &wsEventWriter{ws: ws}
		fingerprint := clientFingerprint(c)

		for {
			var req datatypes.ChatRequest
			if err := ws.ReadJSON(&req); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					slog.Warn("Websocket closed unexpectedly", "error", err)
				} else {
					slog.Info("Websocket client disconnected")
				}
				return
			}

			tn := datatypes.DefaultTunables()
			if tunables != nil {
				tn = tunables()
			}
			if err := middleware.SanitizeChatRequest(&req, tn); err != nil {
				if werr := writer.write(telemetry.EventError, map[string]any{
					"kind":    string(orcherrors.KindOf(err)),
					"message": err.Error(),
				}); werr != nil {
					return
				}
				if werr := writer.write(telemetry.EventDone, nil); werr != nil {
					return
				}
				continue
			}

			started := time.Now()
			res, runErr := p.Run(c.Request.Context(), pipeline.Request{
				Chat:        req,
				Mode:        datatypes.ModeStream,
				Fingerprint: fingerprint,
			}, writer.write)
			if runErr != nil {
				if orcherrors.IsKind(runErr, orcherrors.KindCancelled) {
					recordTurn(metrics, observability.EndpointChatWS, datatypes.TurnStatusCancelled, started)
					return
				}
				recordTurn(metrics, observability.EndpointChatWS, datatypes.TurnStatusError, started)
				if werr := writer.write(telemetry.EventError, map[string]any{
					"kind":    string(orcherrors.KindOf(runErr)),
					"message": runErr.Error(),
				}); werr != nil {
					return
				}
				if werr := writer.write(telemetry.EventDone, nil); werr != nil {
					return
				}
				continue
			}

			status := datatypes.TurnStatusComplete
			if res.Refused {
				status = datatypes.TurnStatusRefused
			}
			recordTurn(metrics, observability.EndpointChatWS, status, started)
			recordUsage(metrics, res)
		}
	}
}
