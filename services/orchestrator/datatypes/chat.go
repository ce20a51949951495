// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the value types exchanged between orchestrator
// components: chat turns, retrieved references, plans, critic reports,
// feature flags, tunable thresholds, session state, and stream events.
//
// All types here are plain values. Ownership rules: Reference and
// WebResult live for one turn; SessionState spans the session and is
// owned by the session store; TurnRecord is owned by the telemetry ring.
package datatypes

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Roles and Limits
// =============================================================================

// Valid message roles. Anything else is rejected at the sanitization
// boundary before a request reaches the pipeline.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Request-shape hard limits, enforced by the sanitization middleware
// before any per-message validation runs.
const (
	// DefaultMaxMessageLength is the per-message content cap in bytes.
	DefaultMaxMessageLength = 8000

	// DefaultMaxMessagesPerRequest caps the messages array length.
	DefaultMaxMessagesPerRequest = 64

	// MaxSessionIDLength caps caller-supplied session ids.
	MaxSessionIDLength = 128
)

// Message is one chat turn. Immutable once accepted into a session.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ValidRole reports whether role is in the closed role set.
func ValidRole(role string) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// =============================================================================
// Requests / Responses
// =============================================================================

// ChatRequest is the body of POST /chat and POST /chat/stream.
type ChatRequest struct {
	Messages         []Message      `json:"messages" binding:"required"`
	SessionID        string         `json:"session_id,omitempty"`
	FeatureOverrides map[string]any `json:"feature_overrides,omitempty"`
}

// LatestUserMessage returns the content of the last user-role message,
// or "" when the request carries none.
func (r *ChatRequest) LatestUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// EnsureSessionID returns the request session id, deriving a stable one
// from the message contents when the caller did not supply any.
//
// Same (messages, fingerprint) pair yields the same id; the fingerprint
// keeps distinct callers with identical openers separated.
func (r *ChatRequest) EnsureSessionID(fingerprint string) string {
	if r.SessionID != "" {
		return r.SessionID
	}
	h := sha256.New()
	h.Write([]byte(fingerprint))
	for _, m := range r.Messages {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		h.Write([]byte{0})
	}
	return "sess_" + hex.EncodeToString(h.Sum(nil))[:32]
}

// ChatResponse is the body of a successful POST /chat.
type ChatResponse struct {
	Answer    string         `json:"answer"`
	Citations []Citation     `json:"citations"`
	Activity  []ActivityStep `json:"activity"`
	Metadata  TurnMetadata   `json:"metadata"`
}

// ActivityStep is one entry in the per-turn activity trail shown to the
// UI (e.g. "confidence_escalation", "retrieval_fallback stage 2").
type ActivityStep struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

// TurnMetadata carries the full diagnostic for one turn.
type TurnMetadata struct {
	Plan          *PlanSummary      `json:"plan,omitempty"`
	Route         *RouteDecision    `json:"route,omitempty"`
	ContextBudget *BudgetBreakdown  `json:"context_budget,omitempty"`
	Retrieval     *RetrievalSummary `json:"retrieval,omitempty"`
	Evaluation    *CriticReport     `json:"evaluation,omitempty"`
	WebContext    *WebContextInfo   `json:"web_context,omitempty"`
	Features      map[string]bool   `json:"features,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	ResponseID    string            `json:"response_id,omitempty"`
}

// RetrievalSummary is the retrieval-side diagnostic attached to metadata.
type RetrievalSummary struct {
	Strategy          string          `json:"strategy,omitempty"`
	Mode              string          `json:"mode,omitempty"`
	FallbackReason    string          `json:"fallbackReason,omitempty"`
	FallbackTriggered bool            `json:"fallbackTriggered,omitempty"`
	FallbackExhausted bool            `json:"fallbackExhausted,omitempty"`
	CorrelationID     string          `json:"correlationId,omitempty"`
	FailurePhase      string          `json:"failurePhase,omitempty"`
	DocsReturned      int             `json:"docsReturned"`
	Escalated         bool            `json:"escalated,omitempty"`
	AdaptiveStats     *AdaptiveStats  `json:"adaptiveStats,omitempty"`
	CRAG              *CRAGEvaluation `json:"crag,omitempty"`
}

// WebContextInfo reports the assembled web context block.
type WebContextInfo struct {
	Tokens  int  `json:"tokens"`
	Trimmed bool `json:"trimmed"`
	Results int  `json:"results"`
}

// =============================================================================
// Stream Events
// =============================================================================

// StreamEvent is one server-sent event on the streaming endpoints.
//
// Events form a hash chain: Hash covers the serialized payload, PrevHash
// is the previous event's Hash. Consumers can detect dropped or
// reordered events without trusting transport ordering.
type StreamEvent struct {
	ID        string `json:"id"`
	Event     string `json:"event"`
	Data      any    `json:"data,omitempty"`
	CreatedAt int64  `json:"created_at"`
	Hash      string `json:"hash,omitempty"`
	PrevHash  string `json:"prev_hash,omitempty"`
}

// NewStreamEvent creates an event of the given type with a fresh id and
// timestamp. Hash/PrevHash are populated by the writer.
func NewStreamEvent(event string, data any) StreamEvent {
	return StreamEvent{
		ID:        uuid.NewString(),
		Event:     event,
		Data:      data,
		CreatedAt: time.Now().UnixMilli(),
	}
}

// =============================================================================
// Sanitized User Field
// =============================================================================

// userFieldMaxLen is the hosted-LLM limit on the opaque user field.
const userFieldMaxLen = 64

// SanitizeUserField normalizes an opaque correlation field for LLM calls.
//
// Non-empty inputs that fit the limit and contain only [A-Za-z0-9_.:-]
// pass through unchanged. Anything else (too long, forbidden characters,
// empty) is substituted with a deterministic hex hash of the input, so
// repeated calls with the same input stay correlated.
func SanitizeUserField(input string) string {
	if input != "" && len(input) <= userFieldMaxLen && isAllowedUserField(input) {
		return input
	}
	sum := sha256.Sum256([]byte(input))
	return "u_" + hex.EncodeToString(sum[:])[:24]
}

func isAllowedUserField(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.' || r == ':':
		default:
			return false
		}
	}
	return true
}

// SanitizeSessionID validates a caller-supplied session id.
//
// Returns an error for empty or oversized ids; callers fall back to
// ChatRequest.EnsureSessionID when the id is absent.
func SanitizeSessionID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("session id is empty")
	}
	if len(id) > MaxSessionIDLength {
		return "", fmt.Errorf("session id exceeds %d characters", MaxSessionIDLength)
	}
	return id, nil
}
