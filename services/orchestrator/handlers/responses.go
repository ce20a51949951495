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
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/agentrag/services/llm"
)

// GetResponse serves GET /responses/:responseId, returning a stored
// exchange by id.
func GetResponse(store *llm.ResponseStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("responseId")
		resp, ok := store.Get(id)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown response id"})
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// GetResponseInputItems serves GET /responses/:responseId/input_items.
func GetResponseInputItems(store *llm.ResponseStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("responseId")
		items, ok := store.InputItems(id)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown response id"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": items})
	}
}

// DeleteResponse serves DELETE /responses/:responseId.
func DeleteResponse(store *llm.ResponseStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("responseId")
		if !store.Delete(id) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown response id"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted", "id": id})
	}
}
