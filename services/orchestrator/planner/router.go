// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package planner classifies user intent and plans retrieval steps
// through strict structured LLM calls.
package planner

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/agentrag/services/llm"
	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("aleutian.agentrag.planner")

// lowConfidence is the confidence attached to the default route when
// classification fails.
const lowConfidence = 0.3

const routerSystemPrompt = `You classify a user question for a retrieval system.
Pick exactly one intent:
- faq: a short question answerable from common documentation
- research: an open-ended question needing multiple sources
- factual: a narrow question with a single verifiable answer
- conversational: small talk or follow-up needing no retrieval
Respond with the structured classification only.`

// routeTable maps each intent to its static route configuration.
var routeTable = map[datatypes.Intent]datatypes.RouteDecision{
	datatypes.IntentFAQ:            {Intent: datatypes.IntentFAQ, Model: "gpt-4o-mini", RetrievalStrategy: datatypes.ActionVectorSearch},
	datatypes.IntentResearch:       {Intent: datatypes.IntentResearch, Model: "gpt-4o", RetrievalStrategy: datatypes.ActionBoth},
	datatypes.IntentFactual:        {Intent: datatypes.IntentFactual, Model: "gpt-4o-mini", RetrievalStrategy: datatypes.ActionVectorSearch},
	datatypes.IntentConversational: {Intent: datatypes.IntentConversational, Model: "gpt-4o-mini", RetrievalStrategy: datatypes.ActionNone},
}

// Router classifies intent and resolves the static route config.
type Router struct {
	gateway llm.Gateway
	model   string
}

// NewRouter creates a router. model may be empty to use the gateway
// default.
func NewRouter(gateway llm.Gateway, model string) *Router {
	return &Router{gateway: gateway, model: model}
}

// Route classifies the question and returns the route decision.
//
// Classification failure is not a turn failure: the router defaults to
// the research route at low confidence, which is the widest retrieval
// path.
func (r *Router) Route(ctx context.Context, question, user string) *datatypes.RouteDecision {
	ctx, span := tracer.Start(ctx, "RouteIntent")
	defer span.End()

	spec := llm.SchemaFor[datatypes.IntentClassification]("intent_classification")
	completion, err := r.gateway.Complete(ctx, question, llm.Options{
		Model:      r.model,
		System:     routerSystemPrompt,
		Structured: spec,
		User:       user,
	})
	if err != nil {
		slog.Warn("Intent classification failed, defaulting to research", "error", err)
		return defaultRoute()
	}

	var classified datatypes.IntentClassification
	if err := llm.ParseStructured(completion.Text, &classified); err != nil {
		slog.Warn("Intent classification unparseable, defaulting to research", "error", err)
		return defaultRoute()
	}
	if !datatypes.ValidIntent(classified.Intent) {
		slog.Warn("Intent outside closed set, defaulting to research", "intent", classified.Intent)
		return defaultRoute()
	}

	route := routeTable[datatypes.Intent(classified.Intent)]
	route.Confidence = classified.Confidence

	span.SetAttributes(
		attribute.String("route.intent", classified.Intent),
		attribute.Float64("route.confidence", classified.Confidence),
	)
	return &route
}

func defaultRoute() *datatypes.RouteDecision {
	route := routeTable[datatypes.IntentResearch]
	route.Confidence = lowConfidence
	return &route
}

// =============================================================================
// Planner
// =============================================================================

const plannerSystemPromptFmt = `You plan retrieval for a question answering system.
Produce a plan: an overall confidence in [0,1] and an ordered list of steps.
Step actions: vector_search (corpus), web_search, both, none.
Route hint: intent=%s strategy=%s.
Respond with the structured plan only.`

// plannerDecomposeHint is appended when query decomposition is on.
const plannerDecomposeHint = `
When the question bundles several independent sub-questions, emit one
vector_search step per sub-question with its query field set to that
sub-question.`

// Planner produces a PlanSummary via a strict structured call.
type Planner struct {
	gateway llm.Gateway
	model   string
}

// NewPlanner creates a planner.
func NewPlanner(gateway llm.Gateway, model string) *Planner {
	return &Planner{gateway: gateway, model: model}
}

// Plan asks for a retrieval plan. Failure or an invalid plan object
// yields the default single vector_search plan at confidence 0.5.
// With query decomposition enabled the prompt additionally asks for
// one step per sub-question.
func (p *Planner) Plan(ctx context.Context, question string, route *datatypes.RouteDecision, features datatypes.FeatureSet, user string) *datatypes.PlanSummary {
	ctx, span := tracer.Start(ctx, "PlanRetrieval")
	defer span.End()

	system := fmt.Sprintf(plannerSystemPromptFmt, route.Intent, route.RetrievalStrategy)
	if features.Enabled(datatypes.FeatureQueryDecomposition) {
		system += plannerDecomposeHint
	}
	spec := llm.SchemaFor[datatypes.PlanSummary]("plan_summary")
	completion, err := p.gateway.Complete(ctx, question, llm.Options{
		Model:      p.model,
		System:     system,
		Structured: spec,
		User:       user,
	})
	if err != nil {
		slog.Warn("Planning failed, using default plan", "error", err)
		return datatypes.DefaultPlan()
	}

	var plan datatypes.PlanSummary
	if err := llm.ParseStructured(completion.Text, &plan); err != nil {
		slog.Warn("Plan unparseable, using default plan", "error", err)
		return datatypes.DefaultPlan()
	}
	// An empty step list is a legal plan: confidence escalation may
	// still force retrieval downstream.
	if !plan.Valid() {
		slog.Warn("Plan invalid, using default plan", "confidence", plan.Confidence)
		return datatypes.DefaultPlan()
	}

	span.SetAttributes(
		attribute.Float64("plan.confidence", plan.Confidence),
		attribute.Int("plan.steps", len(plan.Steps)),
	)
	return &plan
}
