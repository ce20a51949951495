// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the orchestrator
// service.
//
// # Sanitization Flow
//
// The chat sanitizer binds the request body, enforces the structural
// limits (messages array length before any per-message check), rejects
// unknown roles and oversized contents, strips HTML/script markup while
// preserving code fences, and stores the cleaned request in the Gin
// context for downstream handlers.
//
//	Request
//	   │
//	   ▼
//	ChatSanitizer
//	   │
//	   ├─► Bind JSON body (reject malformed)
//	   ├─► Array-length check
//	   ├─► Per-message role + content checks
//	   ├─► Markup stripping
//	   │
//	   └─► Store sanitized request in context
//	           │
//	           ▼
//	       Handler (retrieves via GetChatRequest)
package middleware

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/agentrag/pkg/orcherrors"
	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
)

// =============================================================================
// Context Keys
// =============================================================================

// chatRequestKey is the context key for the sanitized chat request.
// Using a namespaced key prevents collisions with other context values.
const chatRequestKey = "aleutian_chat_request"

// SetChatRequest stores the sanitized request in the Gin context.
func SetChatRequest(c *gin.Context, req *datatypes.ChatRequest) {
	c.Set(chatRequestKey, req)
}

// GetChatRequest retrieves the sanitized request stored by
// ChatSanitizer. Returns nil when the middleware did not run.
func GetChatRequest(c *gin.Context) *datatypes.ChatRequest {
	if v, exists := c.Get(chatRequestKey); exists {
		if req, ok := v.(*datatypes.ChatRequest); ok {
			return req
		}
	}
	return nil
}

// =============================================================================
// Middleware
// =============================================================================

// ChatSanitizer creates the sanitization middleware for the chat
// endpoints.
//
// # Inputs
//
//   - tunables: snapshot accessor for the request-shape limits. Read
//     once per request so hot-reloads apply without restart.
//
// # Outputs
//
//   - gin.HandlerFunc: aborts with 400 on any violation, otherwise
//     stores the cleaned request and continues.
func ChatSanitizer(tunables func() datatypes.Tunables) gin.HandlerFunc {
	validate := validator.New()
	return func(c *gin.Context) {
		var req datatypes.ChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "malformed request body",
			})
			return
		}
		if err := validate.Struct(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "request failed validation",
			})
			return
		}

		tn := tunables()
		if err := SanitizeChatRequest(&req, tn); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}

		SetChatRequest(c, &req)
		c.Next()
	}
}

// SanitizeChatRequest validates and cleans a chat request in place.
//
// # Description
//
// The messages array-length check runs before any per-message
// validation. Per-message checks enforce the closed role set and the
// content length cap; surviving contents then have HTML and script
// markup stripped.
func SanitizeChatRequest(req *datatypes.ChatRequest, tn datatypes.Tunables) error {
	maxMessages := tn.MaxMessagesPerRequest
	if maxMessages <= 0 {
		maxMessages = datatypes.DefaultMaxMessagesPerRequest
	}
	maxLen := tn.MaxMessageLength
	if maxLen <= 0 {
		maxLen = datatypes.DefaultMaxMessageLength
	}

	if len(req.Messages) == 0 {
		return orcherrors.New(orcherrors.KindValidation, "messages must not be empty")
	}
	if len(req.Messages) > maxMessages {
		return orcherrors.New(orcherrors.KindValidation,
			fmt.Sprintf("messages exceed the limit of %d", maxMessages))
	}

	for i := range req.Messages {
		m := &req.Messages[i]
		if !datatypes.ValidRole(m.Role) {
			return orcherrors.New(orcherrors.KindValidation,
				fmt.Sprintf("message %d has invalid role %q", i, m.Role))
		}
		if len(m.Content) > maxLen {
			return orcherrors.New(orcherrors.KindValidation,
				fmt.Sprintf("message %d exceeds %d characters", i, maxLen))
		}
		m.Content = StripMarkup(m.Content)
	}
	return nil
}

// =============================================================================
// Markup Stripping
// =============================================================================

var (
	scriptBlockPattern = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleBlockPattern  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	codeOpenPattern    = regexp.MustCompile(`(?i)<code[^>]*>`)
	codeClosePattern   = regexp.MustCompile(`(?i)</code>`)
	preOpenPattern     = regexp.MustCompile(`(?i)<pre[^>]*>`)
	preClosePattern    = regexp.MustCompile(`(?i)</pre>`)
	htmlTagPattern     = regexp.MustCompile(`<[^>]*>`)
)

const fence = "```"

// StripMarkup removes HTML and script markup from message content.
//
// # Description
//
// Text inside markdown code fences is left untouched: tags appearing
// there are sample code, not markup. Outside fences, `<code>`/`<pre>`
// wrappers become backticks before tag stripping so wrapped snippets
// survive, script and style elements are removed including their
// bodies, and every remaining tag is dropped.
func StripMarkup(content string) string {
	if !strings.Contains(content, "<") {
		return content
	}
	// Even-indexed segments are outside the fences.
	segments := strings.Split(content, fence)
	for i := 0; i < len(segments); i += 2 {
		segments[i] = stripSegment(segments[i])
	}
	return strings.Join(segments, fence)
}

func stripSegment(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}
	s = scriptBlockPattern.ReplaceAllString(s, "")
	s = styleBlockPattern.ReplaceAllString(s, "")
	s = preOpenPattern.ReplaceAllString(s, fence+"\n")
	s = preClosePattern.ReplaceAllString(s, "\n"+fence)
	s = codeOpenPattern.ReplaceAllString(s, "`")
	s = codeClosePattern.ReplaceAllString(s, "`")
	return htmlTagPattern.ReplaceAllString(s, "")
}
