// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dispatch runs retrieval for one turn: path selection from the
// plan, confidence escalation, the fallback ladder, CRAG self-grading,
// adaptive query reformulation, and the optional RRF merge with web
// results.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/agentrag/pkg/orcherrors"
	"github.com/AleutianAI/agentrag/services/llm"
	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
	"github.com/AleutianAI/agentrag/services/orchestrator/quality"
	"github.com/AleutianAI/agentrag/services/orchestrator/telemetry"
	"github.com/AleutianAI/agentrag/services/search"
	"github.com/AleutianAI/agentrag/services/websearch"
)

var tracer = otel.Tracer("aleutian.agentrag.dispatch")

// KnowledgeRetriever is the optional primary retrieval service. When
// configured it is tried before the direct search gateway; its failures
// fall back to direct retrieval rather than failing the turn.
type KnowledgeRetriever interface {
	Retrieve(ctx context.Context, query string, top int) (*search.Result, error)
}

// Input is one turn's retrieval request.
type Input struct {
	Question string
	Plan     *datatypes.PlanSummary
	Features datatypes.FeatureSet
	Tunables datatypes.Tunables
	// Intent is the routed intent, empty when routing is disabled.
	// Research turns additionally consult the academic sources.
	Intent    datatypes.Intent
	SessionID string
	User      string
}

// Output is everything retrieval produced for the turn.
type Output struct {
	References []datatypes.Reference
	Lazy       []*datatypes.LazyReference

	WebContext string
	WebTokens  int
	WebTrimmed bool
	WebResults int

	Activity      []datatypes.ActivityStep
	Escalated     bool
	AdaptiveStats *datatypes.AdaptiveStats
	CRAG          *datatypes.CRAGEvaluation
	Summary       datatypes.RetrievalSummary

	// coverage is the normalized retrieval coverage of the current
	// reference set, feeding the adaptive quality vector.
	coverage float64
}

// PromptReferences returns the reference list to show the synthesizer.
// In lazy mode the list is rebuilt from the lazy set so hydrated
// content is visible on regeneration.
func (o *Output) PromptReferences() []datatypes.Reference {
	if len(o.Lazy) == 0 {
		return o.References
	}
	refs := make([]datatypes.Reference, len(o.Lazy))
	for i, l := range o.Lazy {
		refs[i] = l.Ref
	}
	return refs
}

// Dispatcher owns the per-turn retrieval state machine.
//
// # Description
//
//	The dispatcher composes the search gateway, the optional knowledge
//	retriever, web search, the quality filter, and the LLM gateway
//	(for CRAG grading and adaptive reformulation). It is stateless
//	across turns; everything per-turn lives in Input/Output.
type Dispatcher struct {
	search    search.Gateway
	agent     KnowledgeRetriever
	web       websearch.Gateway
	academic  *websearch.AcademicGateway
	llm       llm.Gateway
	webFilter *quality.WebFilter
	counter   websearch.TokenCounter
	indexes   []string
}

// DispatcherConfig wires the dispatcher's collaborators. Search is
// required; the rest degrade gracefully when nil.
type DispatcherConfig struct {
	Search    search.Gateway
	Agent     KnowledgeRetriever
	Web       websearch.Gateway
	Academic  *websearch.AcademicGateway
	LLM       llm.Gateway
	WebFilter *quality.WebFilter
	Counter   websearch.TokenCounter

	// FederatedClasses lists additional vector classes consulted when
	// multi-index federation is enabled.
	FederatedClasses []string
}

// NewDispatcher creates a dispatcher from its collaborators.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		search:    cfg.Search,
		agent:     cfg.Agent,
		web:       cfg.Web,
		academic:  cfg.Academic,
		llm:       cfg.LLM,
		webFilter: cfg.WebFilter,
		counter:   cfg.Counter,
		indexes:   cfg.FederatedClasses,
	}
}

// Dispatch runs the retrieval state machine for one turn.
//
// # Outputs
//
//	A non-nil Output whenever any retrieval path produced something,
//	even partially. The returned error is non-nil only when every
//	requested path failed outright.
func (d *Dispatcher) Dispatch(ctx context.Context, in Input, emit telemetry.EmitFunc) (*Output, error) {
	ctx, span := tracer.Start(ctx, "DispatchRetrieval")
	defer span.End()

	if emit == nil {
		emit = telemetry.NopEmit
	}
	out := &Output{}

	wantVector, wantWeb := decidePath(in.Plan)

	// Force dual retrieval below the confidence floor regardless of the
	// plan's explicit step list.
	if in.Plan != nil && in.Plan.Confidence < in.Tunables.ConfidenceEscalationThreshold {
		wantVector, wantWeb = true, true
		out.Escalated = true
		out.Summary.Escalated = true
		d.step(out, emit, telemetry.EventConfidenceEscalation, "confidence_escalation", map[string]any{
			"plan_confidence": in.Plan.Confidence,
			"threshold":       in.Tunables.ConfidenceEscalationThreshold,
		})
	}

	if !wantVector && !wantWeb {
		return out, nil
	}

	var (
		corpusErr error
		webErr    error
		webResp   *websearch.Response
	)
	g, gctx := errgroup.WithContext(ctx)
	if wantVector {
		g.Go(func() error {
			corpusErr = d.retrieveCorpus(gctx, in, out, emit)
			return nil
		})
	}
	if wantWeb {
		g.Go(func() error {
			webResp, webErr = d.retrieveWeb(gctx, in, out, emit)
			return nil
		})
	}
	_ = g.Wait()

	if corpusErr != nil {
		slog.Error("Corpus retrieval failed", "session", in.SessionID, "error", corpusErr)
	}
	if webErr != nil {
		slog.Warn("Web retrieval failed", "session", in.SessionID, "error", webErr)
	}
	if failedEverywhere(wantVector, wantWeb, corpusErr, webErr) {
		err := corpusErr
		if err == nil {
			err = webErr
		}
		return out, orcherrors.Wrap(orcherrors.KindRetrievalExhausted, "every retrieval path failed", err)
	}

	if wantVector && corpusErr == nil && len(d.indexes) > 0 &&
		in.Features.Enabled(datatypes.FeatureMultiIndexFederation) {
		d.federate(ctx, in, out, emit)
	}

	if in.Features.Enabled(datatypes.FeatureCRAG) && corpusErr == nil && len(out.PromptReferences()) > 0 {
		webResp = d.selfGrade(ctx, in, out, webResp, emit)
	}

	if in.Features.Enabled(datatypes.FeatureAdaptiveRetrieval) && corpusErr == nil && d.llm != nil {
		d.adapt(ctx, in, out, emit)
	}

	d.finishWeb(in, out, webResp, emit)

	if webResp != nil && len(webResp.Results) > 0 && in.Features.Enabled(datatypes.FeatureWebReranking) {
		d.mergeWeb(ctx, in, out, webResp.Results)
	}

	out.Summary.DocsReturned = len(out.PromptReferences())
	span.SetAttributes(
		attribute.Int("dispatch.docs", out.Summary.DocsReturned),
		attribute.Bool("dispatch.escalated", out.Escalated),
		attribute.Int("dispatch.web_results", out.WebResults),
	)
	return out, nil
}

// decidePath scans the plan's steps. An empty or nil step list means no
// retrieval unless escalation forces it.
func decidePath(plan *datatypes.PlanSummary) (wantVector, wantWeb bool) {
	if plan == nil {
		return false, false
	}
	for _, s := range plan.Steps {
		switch s.Action {
		case datatypes.ActionVectorSearch:
			wantVector = true
		case datatypes.ActionWebSearch:
			wantWeb = true
		case datatypes.ActionBoth:
			wantVector, wantWeb = true, true
		}
	}
	return wantVector, wantWeb
}

func failedEverywhere(wantVector, wantWeb bool, corpusErr, webErr error) bool {
	vectorFailed := wantVector && corpusErr != nil
	webFailed := wantWeb && webErr != nil
	if wantVector && wantWeb {
		return vectorFailed && webFailed
	}
	return vectorFailed || webFailed
}

// retrieveCorpus runs the primary retrieval path: knowledge agent when
// configured, then the direct gateway through the fallback ladder.
func (d *Dispatcher) retrieveCorpus(ctx context.Context, in Input, out *Output, emit telemetry.EmitFunc) error {
	top := in.Tunables.RAGTopK

	if in.Features.Enabled(datatypes.FeatureQueryDecomposition) && d.decompose(ctx, in, out, emit) {
		return nil
	}

	if d.agent != nil {
		result, err := d.agent.Retrieve(ctx, in.Question, top)
		if err == nil {
			out.Summary.Strategy = "knowledge_agent"
			out.Summary.Mode = "agentic"
			out.References = result.References
			out.coverage = result.Coverage
			if len(result.References) >= in.Tunables.RetrievalMinDocs {
				return nil
			}
			return d.runLadder(ctx, in, out, emit, len(result.References))
		}

		var oe *orcherrors.Error
		if errors.As(err, &oe) {
			out.Summary.CorrelationID = oe.CorrelationID
		}
		out.Summary.Strategy = "knowledge_agent"
		out.Summary.Mode = "direct"
		out.Summary.FailurePhase = "invocation"
		out.Summary.FallbackReason = "knowledge_agent_fallback"
		out.Summary.FallbackTriggered = true
		d.step(out, emit, telemetry.EventActivity, "knowledge_agent_fallback", map[string]any{
			"reason": "invocation_failed",
		})
		slog.Warn("Knowledge agent failed, falling back to direct retrieval",
			"session", in.SessionID, "error", err)
	} else {
		out.Summary.Strategy = "direct"
		out.Summary.Mode = "direct"
	}

	if in.Features.Enabled(datatypes.FeatureLazyRetrieval) {
		lazy, err := d.search.LazyHybridSearch(ctx, in.Question, search.LazyOptions{
			Top:               top,
			RerankerThreshold: in.Tunables.RerankerThreshold,
			SummaryMaxChars:   in.Tunables.LazySummaryMaxChars,
			PrefetchCount:     in.Tunables.LazyPrefetchCount,
			SessionID:         in.SessionID,
		})
		if err == nil && len(lazy.References) >= in.Tunables.RetrievalMinDocs {
			out.Lazy = lazy.References
			out.coverage = lazy.Coverage
			return nil
		}
		if err != nil {
			slog.Warn("Lazy retrieval failed, using eager ladder", "error", err)
		}
	}

	return d.runLadder(ctx, in, out, emit, 0)
}

// retrieveWeb searches the web and applies the quality filter to the
// raw results. Context assembly happens later so CRAG refinement can
// still change what ships.
func (d *Dispatcher) retrieveWeb(ctx context.Context, in Input, out *Output, emit telemetry.EmitFunc) (*websearch.Response, error) {
	if d.web == nil {
		return nil, nil
	}
	safe := websearch.SafeSearchActive
	if in.Features.Enabled(datatypes.FeatureWebSafeMode) {
		safe = websearch.SafeSearchHigh
	}

	// Research turns consult the academic sources alongside general web
	// search. All-settled: an academic failure never costs the web
	// results, and vice versa only the web error is fatal here.
	var academic *websearch.AcademicResult
	g, gctx := errgroup.WithContext(ctx)
	if d.academic != nil && in.Intent == datatypes.IntentResearch {
		g.Go(func() error {
			res, err := d.academic.SearchAll(gctx, in.Question, 5, in.SessionID)
			if err != nil {
				slog.Warn("Academic search failed", "error", err)
				return nil
			}
			academic = res
			return nil
		})
	}

	resp, err := d.web.Search(ctx, in.Question, websearch.Options{
		SafeSearch: safe,
		SessionID:  in.SessionID,
	})
	_ = g.Wait()
	if err != nil {
		if academic == nil || len(academic.Papers) == 0 {
			return nil, err
		}
		slog.Warn("Web search failed, keeping academic results", "error", err)
		resp = &websearch.Response{}
	}

	if academic != nil && len(academic.Papers) > 0 {
		resp.Results = append(resp.Results, academic.Papers...)
		d.step(out, emit, telemetry.EventAcademicSearch, "academic_search", map[string]any{
			"papers":   len(academic.Papers),
			"failures": academic.Failures,
		})
	}

	if d.webFilter != nil && in.Features.Enabled(datatypes.FeatureWebQualityFilter) && len(resp.Results) > 0 {
		outcome := d.webFilter.Filter(ctx, in.SessionID, in.Question, resp.Results, out.References, quality.WebFilterConfig{
			MinAuthority:  in.Tunables.WebMinAuthority,
			MaxRedundancy: in.Tunables.WebMaxRedundancy,
			MinRelevance:  in.Tunables.WebMinRelevance,
		})
		resp.Results = outcome.Kept
	}
	return resp, nil
}

// finishWeb assembles the final web context block from whatever results
// survived filtering and CRAG, trimming to the token budget.
func (d *Dispatcher) finishWeb(in Input, out *Output, resp *websearch.Response, emit telemetry.EmitFunc) {
	if resp == nil || len(resp.Results) == 0 {
		return
	}
	text, tokens, trimmed := websearch.AssembleContext(resp.Results, in.Tunables.WebContextMaxTokens, d.counter)
	out.WebContext = text
	out.WebTokens = tokens
	out.WebTrimmed = trimmed
	out.WebResults = len(resp.Results)
	if trimmed {
		d.step(out, emit, telemetry.EventWebContextTrim, "web_context_trim", map[string]any{
			"tokens_used": tokens,
			"max_tokens":  in.Tunables.WebContextMaxTokens,
		})
	}
}

// mergeWeb fuses web results into the reference list via RRF, with an
// optional semantic boost from query/reference embeddings.
func (d *Dispatcher) mergeWeb(ctx context.Context, in Input, out *Output, results []datatypes.WebResult) {
	webRefs := make([]datatypes.Reference, 0, len(results))
	for i := range results {
		webRefs = append(webRefs, results[i].AsReference())
	}

	opts := quality.RRFOptions{}
	if in.Features.Enabled(datatypes.FeatureSemanticBoost) && d.llm != nil {
		opts = d.boostVectors(ctx, in.Question, out.PromptReferences(), webRefs)
	}

	merged := quality.MergeRRF(out.PromptReferences(), webRefs, opts)
	out.References = merged
	out.Lazy = nil
}

// boostVectors embeds the query and every candidate reference in one
// batch. Embedding failure disables the boost, never the merge.
func (d *Dispatcher) boostVectors(ctx context.Context, question string, corpus, web []datatypes.Reference) quality.RRFOptions {
	texts := make([]string, 0, 1+len(corpus)+len(web))
	texts = append(texts, question)
	all := append(append([]datatypes.Reference{}, corpus...), web...)
	for i := range all {
		texts = append(texts, all[i].DisplayText())
	}

	vecs, err := d.llm.Embed(ctx, texts)
	if err != nil || len(vecs) != len(texts) {
		slog.Warn("Semantic boost embedding failed, merging without boost", "error", err)
		return quality.RRFOptions{}
	}

	refVecs := make(map[string][]float32, len(all))
	for i := range all {
		refVecs[all[i].ID] = vecs[i+1]
	}
	return quality.RRFOptions{
		SemanticBoost: true,
		BoostWeight:   quality.DefaultBoostWeight,
		QueryVec:      vecs[0],
		RefVecs:       refVecs,
	}
}

// step records an activity entry and emits the matching event.
func (d *Dispatcher) step(out *Output, emit telemetry.EmitFunc, event, description string, data map[string]any) {
	out.Activity = append(out.Activity, datatypes.ActivityStep{
		Type:        event,
		Description: description,
		Timestamp:   time.Now().UnixMilli(),
	})
	if err := emit(event, data); err != nil {
		slog.Warn("Dispatch event dropped", "event", event, "error", err)
	}
}
