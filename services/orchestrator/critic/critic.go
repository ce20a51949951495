// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package critic evaluates synthesized answers for grounding and
// coverage, drives the revision loop, and enforces the final safety
// gate before an answer is delivered.
package critic

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/agentrag/services/llm"
	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("aleutian.agentrag.critic")

const criticSystemPrompt = `You are a strict reviewer of a retrieval-grounded answer.
Given the question, the answer, and the retrieved references, judge:
- grounded: every claim in the answer is supported by the references
- coverage: the fraction of the answer supported by the references, in [0,1]
- action: "accept" if the answer is grounded and complete, else "revise"
- issues: concrete problems to fix, each naming the reference index like [2] when a specific reference is involved
Respond with the structured verdict only.`

// verdict is the strict structured output of one critique call.
type verdict struct {
	Grounded         bool     `json:"grounded"`
	Coverage         float64  `json:"coverage" jsonschema:"minimum=0,maximum=1"`
	Action           string   `json:"action" jsonschema:"enum=accept,enum=revise"`
	Issues           []string `json:"issues"`
	ReasoningSummary string   `json:"reasoning_summary,omitempty"`
}

// =============================================================================
// Critic
// =============================================================================

// # Description
//
//	Critic issues strict structured critique calls against the LLM
//	gateway. Any failure in the call or its parse collapses to a
//	conservative revise; the critic never manufactures an accept.
type Critic struct {
	gateway llm.Gateway
	model   string
}

// NewCritic creates a critic. model may be empty to use the gateway
// default.
func NewCritic(gateway llm.Gateway, model string) *Critic {
	return &Critic{gateway: gateway, model: model}
}

// Critique evaluates one answer against its references.
//
// The returned report is always usable: transport errors, unparseable
// output, and out-of-range fields all yield a forced revise with zero
// coverage.
func (c *Critic) Critique(ctx context.Context, question, answer string, refs []datatypes.Reference, user string) *datatypes.CriticReport {
	ctx, span := tracer.Start(ctx, "CritiqueAnswer")
	defer span.End()

	spec := llm.SchemaFor[verdict]("critique_verdict")
	completion, err := c.gateway.Complete(ctx, buildCritiquePrompt(question, answer, refs), llm.Options{
		Model:      c.model,
		System:     criticSystemPrompt,
		Structured: spec,
		User:       user,
	})
	if err != nil {
		slog.Warn("Critique call failed, conservative revise", "error", err)
		return datatypes.ConservativeRevise(err.Error())
	}

	var v verdict
	if err := llm.ParseStructured(completion.Text, &v); err != nil {
		slog.Warn("Critique unparseable, conservative revise", "error", err)
		return datatypes.ConservativeRevise("unparseable_verdict: " + err.Error())
	}
	if v.Action != datatypes.CriticAccept && v.Action != datatypes.CriticRevise {
		return datatypes.ConservativeRevise("invalid_action: " + v.Action)
	}
	if v.Coverage < 0 || v.Coverage > 1 {
		return datatypes.ConservativeRevise(fmt.Sprintf("coverage_out_of_range: %g", v.Coverage))
	}

	span.SetAttributes(
		attribute.Bool("critic.grounded", v.Grounded),
		attribute.Float64("critic.coverage", v.Coverage),
		attribute.String("critic.action", v.Action),
	)
	return &datatypes.CriticReport{
		Grounded: v.Grounded,
		Coverage: v.Coverage,
		Issues:   v.Issues,
		Action:   v.Action,
	}
}

// buildCritiquePrompt renders the question, answer, and numbered
// references using the same 1-based labels the synthesizer showed the
// model, so issue text can name indices the loop understands.
func buildCritiquePrompt(question, answer string, refs []datatypes.Reference) string {
	var b strings.Builder
	b.WriteString("## Question\n")
	b.WriteString(question)
	b.WriteString("\n\n## Answer\n")
	b.WriteString(answer)
	b.WriteString("\n\n## References\n")
	if len(refs) == 0 {
		b.WriteString("(none)\n")
		return b.String()
	}
	for i, ref := range refs {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, ref.DisplayText())
	}
	return b.String()
}
