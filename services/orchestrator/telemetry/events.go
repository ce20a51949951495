// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry defines the closed event vocabulary, the emit
// sink, payload redaction, and the bounded turn-record store.
package telemetry

import "log/slog"

// Event names, closed set. Emitting outside this set is a programming
// error and is dropped with a log line rather than forwarded.
const (
	EventFeatures             = "features"
	EventStatus               = "status"
	EventRoute                = "route"
	EventPlan                 = "plan"
	EventContext              = "context"
	EventTool                 = "tool"
	EventCitations            = "citations"
	EventActivity             = "activity"
	EventToken                = "token"
	EventWarning              = "warning"
	EventCritique             = "critique"
	EventComplete             = "complete"
	EventTelemetry            = "telemetry"
	EventTrace                = "trace"
	EventDone                 = "done"
	EventError                = "error"
	EventRetrievalFallback    = "retrieval_fallback"
	EventConfidenceEscalation = "confidence_escalation"
	EventAdaptiveRetrieval    = "adaptive_retrieval"
	EventCRAGEvaluation       = "crag_evaluation"
	EventCRAGResult           = "crag_result"
	EventCRAGAction           = "crag_action"
	EventCRAGRefinement       = "crag_refinement"
	EventCRAGWebFallback      = "crag_web_fallback"
	EventAcademicSearch       = "academic_search"
	EventQueryDecomposition   = "query_decomposition"
	EventIndexFederation      = "multi_index_federation"
	EventWebContextTrim       = "web_context_trim"
	EventQualityGateRefusal   = "quality_gate_refusal"
	EventSummarySelection     = "summary_selection_stats"
	EventCancelled            = "cancelled"
)

var knownEvents = map[string]struct{}{
	EventFeatures: {}, EventStatus: {}, EventRoute: {}, EventPlan: {},
	EventContext: {}, EventTool: {}, EventCitations: {}, EventActivity: {},
	EventToken: {}, EventWarning: {}, EventCritique: {}, EventComplete: {},
	EventTelemetry: {}, EventTrace: {}, EventDone: {}, EventError: {},
	EventRetrievalFallback: {}, EventConfidenceEscalation: {},
	EventAdaptiveRetrieval: {}, EventCRAGEvaluation: {}, EventCRAGResult: {},
	EventCRAGAction: {}, EventCRAGRefinement: {}, EventCRAGWebFallback: {},
	EventAcademicSearch: {}, EventWebContextTrim: {},
	EventQueryDecomposition: {}, EventIndexFederation: {},
	EventQualityGateRefusal: {}, EventSummarySelection: {}, EventCancelled: {},
}

// KnownEvent reports membership in the closed event set.
func KnownEvent(name string) bool {
	_, ok := knownEvents[name]
	return ok
}

// EmitFunc is the injected event sink. The pipeline never logs events
// through a global; sync and stream modes differ only in the sink they
// inject. A sink error aborts the emitting operation (back-pressure is
// the caller's, not a queue's).
type EmitFunc func(event string, data any) error

// NopEmit discards everything. The sync path uses it for all
// intermediate events.
func NopEmit(string, any) error { return nil }

// Guarded wraps a sink so that events outside the closed set are
// dropped and logged instead of forwarded.
func Guarded(emit EmitFunc) EmitFunc {
	return func(event string, data any) error {
		if !KnownEvent(event) {
			slog.Error("Dropping event outside the closed set", "event", event)
			return nil
		}
		return emit(event, data)
	}
}
