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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
	"github.com/AleutianAI/agentrag/services/orchestrator/session"
)

// SessionView is the wire shape of GET /sessions/:sessionId. Memory
// fields are omitted unless include_memory=true; summary embeddings
// are never exposed.
type SessionView struct {
	SessionID      string              `json:"session_id"`
	Messages       []datatypes.Message `json:"messages"`
	Turns          int                 `json:"turns"`
	Features       map[string]bool     `json:"features,omitempty"`
	Version        int64               `json:"version"`
	UpdatedAt      int64               `json:"updated_at"`
	SummaryBullets []string            `json:"summary_bullets,omitempty"`
	SaliencePoints []string            `json:"salience_points,omitempty"`
}

// GetSession serves GET /sessions/:sessionId.
func GetSession(store session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("sessionId")
		state, err := store.Load(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
				return
			}
			slog.Error("Failed to load session", "sessionID", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
			return
		}

		view := SessionView{
			SessionID: state.SessionID,
			Messages:  state.Messages,
			Turns:     state.TurnCount(),
			Features:  state.Features,
			Version:   state.Version,
			UpdatedAt: state.UpdatedAt.UnixMilli(),
		}
		if c.Query("include_memory") == "true" {
			for _, b := range state.SummaryBullets {
				view.SummaryBullets = append(view.SummaryBullets, b.Text)
			}
			view.SaliencePoints = state.SaliencePoints
		}
		c.JSON(http.StatusOK, view)
	}
}

// DeleteSession serves DELETE /sessions/:sessionId. Deleting an
// unknown session succeeds.
func DeleteSession(store session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("sessionId")
		if err := store.Delete(c.Request.Context(), id); err != nil {
			slog.Error("Failed to delete session", "sessionID", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete session"})
			return
		}
		slog.Info("Deleted session", "sessionID", id)
		c.JSON(http.StatusOK, gin.H{"status": "success", "deleted_session_id": id})
	}
}
