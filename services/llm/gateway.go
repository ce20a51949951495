// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the typed gateway to the hosted LLM: completions,
// streaming completions, strict structured outputs, and embeddings.
//
// The gateway is a capability contract (Gateway); the production
// implementation wraps the OpenAI-compatible API. Tests substitute
// in-memory fakes.
package llm

import (
	"context"
)

// =============================================================================
// Options and Results
// =============================================================================

// StructuredSpec requests a strict JSON-schema structured output.
type StructuredSpec struct {
	// Name labels the schema for the API.
	Name string
	// Schema is the JSON schema the output must satisfy. Built from a Go
	// type via SchemaFor.
	Schema any
	// Strict enforces exact schema adherence server-side.
	Strict bool
}

// Options controls one completion call.
type Options struct {
	// Model identifier. Empty uses the gateway default.
	Model string

	// Temperature is the sampling temperature. Suppressed automatically
	// for models that enforce reasoning mode.
	Temperature *float32

	// MaxTokens caps output length. Zero means provider default.
	MaxTokens int

	// Structured, when non-nil, requests a strict structured output.
	Structured *StructuredSpec

	// PreviousResponseID chains this call to a stored prior response.
	PreviousResponseID string

	// ParallelToolCalls toggles parallel tool invocation server-side.
	ParallelToolCalls *bool

	// User is an opaque correlation field. The gateway sanitizes it per
	// datatypes.SanitizeUserField before sending.
	User string

	// Store requests server-side storage of the response, yielding a
	// stable response id for later retrieval and chaining.
	Store bool

	// System, when non-empty, is prepended as the system message.
	System string
}

// Usage reports token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the result of a synchronous call.
type Completion struct {
	Text             string
	Usage            Usage
	ResponseID       string
	ReasoningSummary string
}

// =============================================================================
// Streaming
// =============================================================================

// Stream event kinds.
const (
	// StreamDelta carries a concatenable text fragment.
	StreamDelta = "delta"
	// StreamReasoningSummary carries a reasoning-summary fragment with
	// (ItemID, OutputIndex, SummaryIndex) sequencing.
	StreamReasoningSummary = "reasoning-summary"
	// StreamCompleted carries the final text and usage.
	StreamCompleted = "completed"
	// StreamFailed carries a terminal error.
	StreamFailed = "failed"
)

// ReasoningFragment is one sequenced reasoning-summary fragment. For a
// given (ItemID, OutputIndex, SummaryIndex) triple, fragments arrive in
// order and terminate with Done=true.
type ReasoningFragment struct {
	ItemID       string
	OutputIndex  int
	SummaryIndex int
	Text         string
	Done         bool
}

// StreamEvent is one event yielded during a streaming completion.
type StreamEvent struct {
	Kind      string
	Text      string
	Reasoning *ReasoningFragment
	Usage     *Usage
	// ResponseID is set on the completed event when Store was requested.
	ResponseID string
	Err        error
}

// StreamCallback receives stream events in order. Returning an error
// aborts the stream (e.g. on client disconnect).
type StreamCallback func(event StreamEvent) error

// =============================================================================
// Gateway Contract
// =============================================================================

// Gateway is the LLM capability contract injected into the pipeline.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Gateway interface {
	// Complete performs a synchronous completion.
	Complete(ctx context.Context, prompt string, opts Options) (*Completion, error)

	// CompleteStream performs a streaming completion, invoking callback
	// for each event. The final event is either completed or failed.
	// Returns the callback's error when it aborts the stream.
	CompleteStream(ctx context.Context, prompt string, opts Options, callback StreamCallback) error

	// Embed returns one embedding vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Compile-time interface compliance.
var _ Gateway = (*OpenAIGateway)(nil)
