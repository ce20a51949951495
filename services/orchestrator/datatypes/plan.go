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

// =============================================================================
// Intent & Route
// =============================================================================

// Intent is the closed classification set for the router.
type Intent string

const (
	IntentFAQ            Intent = "faq"
	IntentResearch       Intent = "research"
	IntentFactual        Intent = "factual"
	IntentConversational Intent = "conversational"
)

// ValidIntent reports whether s names a known intent.
func ValidIntent(s string) bool {
	switch Intent(s) {
	case IntentFAQ, IntentResearch, IntentFactual, IntentConversational:
		return true
	}
	return false
}

// IntentClassification is the strict structured output of the router.
type IntentClassification struct {
	Intent     string  `json:"intent" jsonschema:"enum=faq,enum=research,enum=factual,enum=conversational"`
	Confidence float64 `json:"confidence" jsonschema:"minimum=0,maximum=1"`
	Reasoning  string  `json:"reasoning"`
}

// RouteDecision maps a classified intent to a model and retrieval
// strategy.
type RouteDecision struct {
	Intent            Intent  `json:"intent"`
	Confidence        float64 `json:"confidence"`
	Model             string  `json:"model"`
	RetrievalStrategy string  `json:"retrieval_strategy"`
}

// =============================================================================
// Plan
// =============================================================================

// Plan step actions, closed set.
const (
	ActionVectorSearch = "vector_search"
	ActionWebSearch    = "web_search"
	ActionBoth         = "both"
	ActionNone         = "none"
)

// PlanStep is one ordered step of a PlanSummary.
type PlanStep struct {
	Action string `json:"action" jsonschema:"enum=vector_search,enum=web_search,enum=both,enum=none"`
	Query  string `json:"query,omitempty"`
	K      int    `json:"k,omitempty"`
}

// PlanSummary is the planner's strict structured output.
type PlanSummary struct {
	Confidence float64    `json:"confidence" jsonschema:"minimum=0,maximum=1"`
	Steps      []PlanStep `json:"steps"`
}

// Valid reports whether the plan can be dispatched: confidence in [0,1]
// and every step action drawn from the closed set.
func (p *PlanSummary) Valid() bool {
	if p == nil || p.Confidence < 0 || p.Confidence > 1 {
		return false
	}
	for _, s := range p.Steps {
		switch s.Action {
		case ActionVectorSearch, ActionWebSearch, ActionBoth, ActionNone:
		default:
			return false
		}
	}
	return true
}

// DefaultPlan is the conservative fallback when planning fails: a single
// vector search at middling confidence.
func DefaultPlan() *PlanSummary {
	return &PlanSummary{
		Confidence: 0.5,
		Steps:      []PlanStep{{Action: ActionVectorSearch}},
	}
}

// =============================================================================
// Critic
// =============================================================================

// Critic actions.
const (
	CriticAccept = "accept"
	CriticRevise = "revise"
)

// CriticReport is the critic's verdict on one synthesized answer.
type CriticReport struct {
	Grounded bool     `json:"grounded"`
	Coverage float64  `json:"coverage" jsonschema:"minimum=0,maximum=1"`
	Issues   []string `json:"issues"`
	Action   string   `json:"action" jsonschema:"enum=accept,enum=revise"`
	Forced   bool     `json:"forced,omitempty"`
}

// ConservativeRevise is the report returned on any critic failure.
// The critic never defaults to accept.
func ConservativeRevise(reason string) *CriticReport {
	return &CriticReport{
		Grounded: false,
		Coverage: 0,
		Issues:   []string{"critic_error:" + reason},
		Action:   CriticRevise,
		Forced:   true,
	}
}

// =============================================================================
// CRAG
// =============================================================================

// CRAG confidence grades and actions, closed sets.
const (
	CRAGCorrect   = "correct"
	CRAGAmbiguous = "ambiguous"
	CRAGIncorrect = "incorrect"

	CRAGUseDocuments    = "use_documents"
	CRAGRefineDocuments = "refine_documents"
	CRAGWebFallback     = "web_fallback"
)

// CRAGRelevance scores one retrieved document during self-grading.
type CRAGRelevance struct {
	DocIndex          int      `json:"doc_index"`
	Score             float64  `json:"score" jsonschema:"minimum=0,maximum=1"`
	RelevantSentences []string `json:"relevant_sentences,omitempty"`
}

// CRAGEvaluation is the strict structured output of the self-grading
// step: keep, refine, or replace the retrieved documents.
type CRAGEvaluation struct {
	Confidence      string          `json:"confidence" jsonschema:"enum=correct,enum=ambiguous,enum=incorrect"`
	Action          string          `json:"action" jsonschema:"enum=use_documents,enum=refine_documents,enum=web_fallback"`
	Reasoning       string          `json:"reasoning"`
	RelevanceScores []CRAGRelevance `json:"relevance_scores,omitempty"`
}

// =============================================================================
// Adaptive Retrieval
// =============================================================================

// QualityVector is the per-attempt retrieval quality signal driving the
// adaptive reformulation loop. All components are in [0,1].
type QualityVector struct {
	Coverage  float64 `json:"coverage"`
	Diversity float64 `json:"diversity"`
	Authority float64 `json:"authority"`
	Freshness float64 `json:"freshness"`
}

// AdaptiveAttempt records one pass of the reformulation loop.
type AdaptiveAttempt struct {
	Attempt   int           `json:"attempt"`
	Query     string        `json:"query"`
	Quality   QualityVector `json:"quality"`
	LatencyMS int64         `json:"latency_ms"`
}

// AdaptiveThresholds are the quality floors that trigger reformulation.
type AdaptiveThresholds struct {
	MinCoverage  float64 `json:"min_coverage"`
	MinDiversity float64 `json:"min_diversity"`
}

// AdaptiveStats is the telemetry fingerprint of the adaptive loop for
// one turn.
type AdaptiveStats struct {
	Attempts       int                `json:"attempts"`
	Triggered      bool               `json:"triggered"`
	TriggerReason  string             `json:"trigger_reason,omitempty"`
	Thresholds     AdaptiveThresholds `json:"thresholds"`
	InitialQuality QualityVector      `json:"initial_quality"`
	FinalQuality   QualityVector      `json:"final_quality"`
	Reformulations []string           `json:"reformulations"`
	PerAttempt     []AdaptiveAttempt  `json:"per_attempt"`
}
