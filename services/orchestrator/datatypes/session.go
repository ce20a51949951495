// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// =============================================================================
// Session State
// =============================================================================

// SummaryBullet is one rolling-summary item with an optional cached
// embedding for semantic selection.
type SummaryBullet struct {
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// SessionState spans a session. The store owns it; the orchestrator
// borrows it for one turn and writes back at turn end. Version increments
// per write so readers can detect stale snapshots.
type SessionState struct {
	SessionID      string          `json:"session_id"`
	Messages       []Message       `json:"messages"`
	SummaryBullets []SummaryBullet `json:"summary_bullets,omitempty"`
	SaliencePoints []string        `json:"salience_points,omitempty"`
	Features       map[string]bool `json:"features,omitempty"`
	LastMemoryTurn int             `json:"last_memory_turn"`
	Version        int64           `json:"version"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewSessionState creates an empty state for a session id.
func NewSessionState(sessionID string) *SessionState {
	return &SessionState{
		SessionID: sessionID,
		UpdatedAt: time.Now(),
	}
}

// AppendTurn records one completed question/answer exchange.
func (s *SessionState) AppendTurn(question, answer string) {
	s.Messages = append(s.Messages,
		Message{Role: RoleUser, Content: question},
		Message{Role: RoleAssistant, Content: answer},
	)
}

// TurnCount returns the number of completed user turns.
func (s *SessionState) TurnCount() int {
	n := 0
	for _, m := range s.Messages {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}

// =============================================================================
// Turn Records (telemetry)
// =============================================================================

// Turn modes.
const (
	ModeSync   = "sync"
	ModeStream = "stream"
)

// Turn statuses.
const (
	TurnStatusRunning   = "running"
	TurnStatusComplete  = "complete"
	TurnStatusRefused   = "refused"
	TurnStatusError     = "error"
	TurnStatusCancelled = "cancelled"
)

// CapturedEvent is one emitted event captured into the turn record.
type CapturedEvent struct {
	Event string    `json:"event"`
	Data  any       `json:"data,omitempty"`
	T     time.Time `json:"t"`
}

// TurnRecord is the telemetry fingerprint of one turn. Created when the
// turn starts, sealed at completion, redacted before persistence.
type TurnRecord struct {
	SessionID     string            `json:"session_id"`
	Mode          string            `json:"mode"`
	Question      string            `json:"question"`
	Answer        string            `json:"answer"`
	Plan          *PlanSummary      `json:"plan,omitempty"`
	Route         *RouteDecision    `json:"route,omitempty"`
	ContextBudget *BudgetBreakdown  `json:"context_budget,omitempty"`
	Retrieval     *RetrievalSummary `json:"retrieval,omitempty"`
	CriticHistory []CriticReport    `json:"critic_history,omitempty"`
	AdaptiveStats *AdaptiveStats    `json:"adaptive_stats,omitempty"`
	Events        []CapturedEvent   `json:"events,omitempty"`
	Status        string            `json:"status"`
	StartedAt     time.Time         `json:"started_at"`
	CompletedAt   time.Time         `json:"completed_at,omitempty"`
}

// =============================================================================
// Context Budget
// =============================================================================

// BudgetBreakdown reports per-section token accounting for one turn.
type BudgetBreakdown struct {
	HistoryTokens      int    `json:"history_tokens"`
	SummaryTokens      int    `json:"summary_tokens"`
	SalienceTokens     int    `json:"salience_tokens"`
	WebTokens          int    `json:"web_tokens"`
	TotalTokens        int    `json:"total_tokens"`
	Limit              int    `json:"limit"`
	Reduced            bool   `json:"reduced,omitempty"`
	SummarySelection   string `json:"summary_selection,omitempty"`
	SelectionFallback  string `json:"selection_fallback,omitempty"`
	CompactedTurns     int    `json:"compacted_turns,omitempty"`
	VerbatimTurns      int    `json:"verbatim_turns,omitempty"`
}
