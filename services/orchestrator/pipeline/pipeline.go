// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline is the top-level session orchestrator: it threads one
// turn through routing, planning, retrieval, context budgeting,
// synthesis, and the critic loop, emits the turn's event stream through
// an injected sink, and writes session state back at turn end.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/agentrag/pkg/orcherrors"
	"github.com/AleutianAI/agentrag/services/llm"
	"github.com/AleutianAI/agentrag/services/orchestrator/contextbudget"
	"github.com/AleutianAI/agentrag/services/orchestrator/critic"
	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
	"github.com/AleutianAI/agentrag/services/orchestrator/dispatch"
	"github.com/AleutianAI/agentrag/services/orchestrator/planner"
	"github.com/AleutianAI/agentrag/services/orchestrator/session"
	"github.com/AleutianAI/agentrag/services/orchestrator/synthesis"
	"github.com/AleutianAI/agentrag/services/orchestrator/telemetry"
)

var tracer = otel.Tracer("aleutian.agentrag.pipeline")

// RefusalTurnFailed is the delivered answer when an internal failure
// prevents the turn from producing a grounded answer. The caller still
// gets a well-formed response; the error event carries the cause.
const RefusalTurnFailed = "I do not know. (An internal error prevented answering)"

// Config holds pipeline-level settings that are not per-turn tunables.
type Config struct {
	// SynthesisModel is the model used when the route does not name one.
	SynthesisModel string
	// ModelInputLimit is the context window handed to the budgeter.
	ModelInputLimit int
	// MemoryInterval is the number of completed turns between rolling
	// summary refreshes. Default 3.
	MemoryInterval int
}

// Deps wires the pipeline's collaborators. Dispatcher and Synthesizer
// are required; everything else degrades when nil (no routing, no
// critic, no persistence, no telemetry ring).
type Deps struct {
	Router      *planner.Router
	Planner     *planner.Planner
	Budgeter    *contextbudget.Budgeter
	Dispatcher  *dispatch.Dispatcher
	Synthesizer *synthesis.Synthesizer
	Critic      *critic.Critic
	LLM         llm.Gateway
	Store       session.Store
	Ring        *telemetry.Ring
	// Tunables returns the current threshold snapshot; the hot-reload
	// watcher swaps the backing pointer, so it is read once per turn.
	Tunables func() datatypes.Tunables
	Config   Config
}

// Pipeline runs turns. Stateless across turns; per-session state lives
// in the store, per-turn state on the stack of Run.
type Pipeline struct {
	router   *planner.Router
	planner  *planner.Planner
	budgeter *contextbudget.Budgeter
	dispatch *dispatch.Dispatcher
	synth    *synthesis.Synthesizer
	critic   *critic.Critic
	llm      llm.Gateway
	store    session.Store
	ring     *telemetry.Ring
	tunables func() datatypes.Tunables
	cfg      Config
}

// NewPipeline creates a pipeline from its dependencies.
func NewPipeline(d Deps) *Pipeline {
	cfg := d.Config
	if cfg.MemoryInterval <= 0 {
		cfg.MemoryInterval = 3
	}
	tn := d.Tunables
	if tn == nil {
		defaults := datatypes.DefaultTunables()
		tn = func() datatypes.Tunables { return defaults }
	}
	return &Pipeline{
		router:   d.Router,
		planner:  d.Planner,
		budgeter: d.Budgeter,
		dispatch: d.Dispatcher,
		synth:    d.Synthesizer,
		critic:   d.Critic,
		llm:      d.LLM,
		store:    d.Store,
		ring:     d.Ring,
		tunables: tn,
		cfg:      cfg,
	}
}

// Request is one turn's input.
type Request struct {
	Chat datatypes.ChatRequest
	// Mode is datatypes.ModeSync or datatypes.ModeStream.
	Mode string
	// Fingerprint salts derived session ids so distinct callers with
	// identical openers land in distinct sessions.
	Fingerprint string
}

// Result is one turn's output.
type Result struct {
	Answer     string
	Citations  []datatypes.Citation
	Activity   []datatypes.ActivityStep
	Metadata   datatypes.TurnMetadata
	Refused    bool
	ResponseID string
	Usage      *llm.Usage
}

// Response converts the result to the wire shape of POST /chat.
func (r *Result) Response() datatypes.ChatResponse {
	return datatypes.ChatResponse{
		Answer:    r.Answer,
		Citations: r.Citations,
		Activity:  r.Activity,
		Metadata:  r.Metadata,
	}
}

// Run drives one turn end to end.
//
// # Description
//
// Validates the session id, loads state, resolves features, emits
// `features` before any other event, then routes, plans, retrieves,
// budgets, synthesizes, and critiques. On success the updated session
// state is written back and `complete` then `done` are emitted. On
// caller cancellation a final `cancelled` event is emitted and nothing
// is written back. Internal failures after the features event produce
// an `error` event and a refusal result rather than a transport error.
//
// # Inputs
//
//   - emit: the per-turn event sink. nil means sync mode with no
//     intermediate events.
//
// # Outputs
//
//   - A non-nil Result unless the request itself was invalid or the
//     turn was cancelled.
func (p *Pipeline) Run(ctx context.Context, req Request, emit telemetry.EmitFunc) (*Result, error) {
	ctx, span := tracer.Start(ctx, "RunSession")
	defer span.End()

	if emit == nil {
		emit = telemetry.NopEmit
	}
	if req.Mode == "" {
		req.Mode = datatypes.ModeSync
	}

	sessionID, err := p.resolveSessionID(req)
	if err != nil {
		return nil, err
	}
	question := req.Chat.LatestUserMessage()
	if strings.TrimSpace(question) == "" {
		return nil, orcherrors.New(orcherrors.KindValidation, "request carries no user message")
	}

	tn := p.tunables()
	if tn.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, tn.RequestTimeout)
		defer cancel()
	}

	state, persist := p.loadState(ctx, sessionID)
	features := datatypes.ResolveFeatures(state.Features, req.Chat.FeatureOverrides)
	user := datatypes.SanitizeUserField(sessionID)

	rec := &datatypes.TurnRecord{
		SessionID: sessionID,
		Mode:      req.Mode,
		Question:  question,
		Status:    datatypes.TurnStatusRunning,
		StartedAt: time.Now(),
	}
	sink := newRecorder(telemetry.Guarded(emit), rec)

	// Features always lead the stream, before any status event.
	_ = sink.emit(telemetry.EventFeatures, map[string]bool(features))

	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("turn.mode", req.Mode),
	)

	route := p.route(ctx, question, user, features)
	rec.Route = route
	_ = sink.emit(telemetry.EventRoute, route)

	if stop, res, runErr := p.checkpoint(ctx, rec, sink); stop {
		return res, runErr
	}

	_ = sink.emit(telemetry.EventStatus, map[string]any{"stage": "planning"})
	plan := p.plan(ctx, question, route, features, user)
	rec.Plan = plan
	_ = sink.emit(telemetry.EventPlan, plan)

	_ = sink.emit(telemetry.EventStatus, map[string]any{"stage": "retrieving"})
	dispatchIn := dispatch.Input{
		Question:  question,
		Plan:      plan,
		Features:  features,
		Tunables:  tn,
		SessionID: sessionID,
		User:      user,
	}
	if route != nil {
		dispatchIn.Intent = route.Intent
	}
	disp, err := p.dispatch.Dispatch(ctx, dispatchIn, sink.emit)
	if err != nil {
		if stop, res, runErr := p.checkpoint(ctx, rec, sink); stop {
			return res, runErr
		}
		return p.failTurn(rec, sink, err), nil
	}
	rec.Retrieval = &disp.Summary
	rec.AdaptiveStats = disp.AdaptiveStats

	budget := p.budget(ctx, state, question, disp.WebContext, features, tn)
	if budget != nil {
		rec.ContextBudget = &budget.Breakdown
		_ = sink.emit(telemetry.EventContext, budget.Breakdown)
		if budget.Breakdown.SummarySelection != "" {
			_ = sink.emit(telemetry.EventSummarySelection, map[string]any{
				"mode":     budget.Breakdown.SummarySelection,
				"fallback": budget.Breakdown.SelectionFallback,
			})
		}
	}

	if stop, res, runErr := p.checkpoint(ctx, rec, sink); stop {
		return res, runErr
	}

	_ = sink.emit(telemetry.EventStatus, map[string]any{"stage": "synthesizing"})
	promptIn := synthesis.PromptInput{
		Question:   question,
		References: disp.PromptReferences(),
	}
	if budget != nil {
		promptIn.Salience = budget.Salience
		promptIn.Summary = budget.Summary
		promptIn.History = budget.History
		promptIn.WebContext = budget.Web
	} else {
		promptIn.WebContext = disp.WebContext
	}
	opts := synthesis.Options{
		Model: p.modelFor(route),
		User:  user,
		Store: features.Enabled(datatypes.FeatureResponseStorage),
	}

	var first *synthesis.Result
	if req.Mode == datatypes.ModeStream {
		first, err = p.synth.SynthesizeStream(ctx, promptIn, opts, sink.emit)
	} else {
		first, err = p.synth.Synthesize(ctx, promptIn, opts)
	}
	if err != nil {
		if stop, res, runErr := p.checkpoint(ctx, rec, sink); stop {
			return res, runErr
		}
		return p.failTurn(rec, sink, err), nil
	}

	answer := first.Answer
	refused := false
	if features.Enabled(datatypes.FeatureCritic) && p.critic != nil {
		outcome, loopErr := p.critic.Run(ctx, critic.RunInput{
			Question:   question,
			Initial:    first,
			References: disp.PromptReferences(),
			Lazy:       disp.Lazy,
			Config: critic.LoopConfig{
				MaxRetries:     tn.CriticMaxRetries,
				AcceptCoverage: tn.CriticAcceptCoverage,
				Threshold:      tn.CriticThreshold,
				User:           user,
			},
			// Regeneration re-reads the reference list so content
			// hydrated between iterations reaches the next draft.
			Regenerate: func(rctx context.Context, notes []string) (*synthesis.Result, error) {
				pin := promptIn
				pin.References = disp.PromptReferences()
				pin.RevisionNotes = notes
				return p.synth.Synthesize(rctx, pin, opts)
			},
			Emit: sink.emit,
		})
		if loopErr != nil {
			if stop, res, runErr := p.checkpoint(ctx, rec, sink); stop {
				return res, runErr
			}
			return p.failTurn(rec, sink, loopErr), nil
		}
		answer = outcome.Answer
		refused = outcome.Refused
		rec.CriticHistory = outcome.History
	}
	rec.Answer = answer

	refs := disp.PromptReferences()
	citations, stats := buildCitations(answer, refs)
	_ = sink.emit(telemetry.EventCitations, map[string]any{
		"citations":  citations,
		"references": stats,
	})

	if persist {
		p.writeBack(ctx, state, question, answer, features, user)
	}

	res := &Result{
		Answer:     answer,
		Citations:  citations,
		Activity:   disp.Activity,
		Refused:    refused,
		ResponseID: first.ResponseID,
		Usage:      first.Usage,
		Metadata: datatypes.TurnMetadata{
			Plan:       plan,
			Route:      route,
			Retrieval:  &disp.Summary,
			Features:   features,
			SessionID:  sessionID,
			ResponseID: first.ResponseID,
		},
	}
	if budget != nil {
		res.Metadata.ContextBudget = &budget.Breakdown
	}
	if n := len(rec.CriticHistory); n > 0 {
		res.Metadata.Evaluation = &rec.CriticHistory[n-1]
	}
	if disp.WebContext != "" {
		res.Metadata.WebContext = &datatypes.WebContextInfo{
			Tokens:  disp.WebTokens,
			Trimmed: disp.WebTrimmed,
			Results: disp.WebResults,
		}
	}

	_ = sink.emit(telemetry.EventComplete, res.Response())
	_ = sink.emit(telemetry.EventDone, nil)

	status := datatypes.TurnStatusComplete
	if refused {
		status = datatypes.TurnStatusRefused
	}
	p.seal(rec, status)

	span.SetAttributes(
		attribute.Bool("turn.refused", refused),
		attribute.Int("turn.citations", len(citations)),
	)
	return res, nil
}

// =============================================================================
// Stages
// =============================================================================

func (p *Pipeline) resolveSessionID(req Request) (string, error) {
	if req.Chat.SessionID == "" {
		return req.Chat.EnsureSessionID(req.Fingerprint), nil
	}
	id, err := datatypes.SanitizeSessionID(req.Chat.SessionID)
	if err != nil {
		return "", orcherrors.Wrap(orcherrors.KindValidation, "invalid session id", err)
	}
	return id, nil
}

// loadState fetches or creates the session. A broken store degrades the
// turn to a fresh, unpersisted state instead of failing it.
func (p *Pipeline) loadState(ctx context.Context, sessionID string) (*datatypes.SessionState, bool) {
	if p.store == nil {
		return datatypes.NewSessionState(sessionID), false
	}
	state, err := session.LoadOrCreate(ctx, p.store, sessionID)
	if err != nil {
		slog.Error("Session load failed, running without persistence",
			"sessionID", sessionID, "error", err)
		return datatypes.NewSessionState(sessionID), false
	}
	return state, true
}

func (p *Pipeline) route(ctx context.Context, question, user string, features datatypes.FeatureSet) *datatypes.RouteDecision {
	if p.router != nil && features.Enabled(datatypes.FeatureIntentRouting) {
		return p.router.Route(ctx, question, user)
	}
	return &datatypes.RouteDecision{
		Intent:            datatypes.IntentResearch,
		Confidence:        1,
		Model:             p.cfg.SynthesisModel,
		RetrievalStrategy: datatypes.ActionBoth,
	}
}

func (p *Pipeline) plan(ctx context.Context, question string, route *datatypes.RouteDecision, features datatypes.FeatureSet, user string) *datatypes.PlanSummary {
	if p.planner == nil {
		return datatypes.DefaultPlan()
	}
	return p.planner.Plan(ctx, question, route, features, user)
}

func (p *Pipeline) budget(ctx context.Context, state *datatypes.SessionState, question, webContext string, features datatypes.FeatureSet, tn datatypes.Tunables) *contextbudget.Result {
	if p.budgeter == nil {
		return nil
	}
	return p.budgeter.Budget(ctx, state, question, webContext, contextbudget.Config{
		ModelInputLimit:   p.cfg.ModelInputLimit,
		MaxMessageLength:  tn.MaxMessageLength,
		SemanticSelection: features.Enabled(datatypes.FeatureSemanticSummary),
	})
}

func (p *Pipeline) modelFor(route *datatypes.RouteDecision) string {
	if route != nil && route.Model != "" {
		return route.Model
	}
	return p.cfg.SynthesisModel
}

// writeBack appends the exchange, refreshes rolling memory, and saves.
// A stale write loses to the concurrent writer: the turn is replayed
// onto the fresh snapshot once, then given up with a log line.
func (p *Pipeline) writeBack(ctx context.Context, state *datatypes.SessionState, question, answer string, features datatypes.FeatureSet, user string) {
	state.AppendTurn(question, answer)
	state.Features = features
	p.refreshMemory(ctx, state, features, user)

	if err := p.store.Save(ctx, state); err == nil {
		return
	} else if !orcherrors.IsKind(err, orcherrors.KindValidation) {
		slog.Error("Session write-back failed", "sessionID", state.SessionID, "error", err)
		return
	}

	fresh, err := p.store.Load(ctx, state.SessionID)
	if err != nil {
		slog.Error("Session reload after stale write failed", "sessionID", state.SessionID, "error", err)
		return
	}
	fresh.AppendTurn(question, answer)
	fresh.Features = features
	p.refreshMemory(ctx, fresh, features, user)
	if err := p.store.Save(ctx, fresh); err != nil {
		slog.Error("Session write-back lost to concurrent writer",
			"sessionID", state.SessionID, "error", err)
	}
}

// =============================================================================
// Failure paths
// =============================================================================

// checkpoint handles context termination between stages. Caller
// cancellation seals the record and emits the final cancelled event;
// a turn deadline surfaces as a timeout refusal instead.
func (p *Pipeline) checkpoint(ctx context.Context, rec *datatypes.TurnRecord, sink *recorder) (bool, *Result, error) {
	switch {
	case ctx.Err() == nil:
		return false, nil, nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res := p.failTurn(rec, sink, orcherrors.New(orcherrors.KindTimeout, "turn deadline exceeded"))
		return true, res, nil
	default:
		_ = sink.emit(telemetry.EventCancelled, map[string]any{"sessionID": rec.SessionID})
		p.seal(rec, datatypes.TurnStatusCancelled)
		return true, nil, orcherrors.New(orcherrors.KindCancelled, "turn cancelled by caller")
	}
}

// failTurn converts an internal failure into an error event plus a
// refusal result. The transport still sees a well-formed turn.
func (p *Pipeline) failTurn(rec *datatypes.TurnRecord, sink *recorder, cause error) *Result {
	slog.Error("Turn failed", "sessionID", rec.SessionID, "error", cause)
	_ = sink.emit(telemetry.EventError, map[string]any{
		"kind":    string(orcherrors.KindOf(cause)),
		"message": cause.Error(),
	})

	rec.Answer = RefusalTurnFailed
	res := &Result{
		Answer:  RefusalTurnFailed,
		Refused: true,
		Metadata: datatypes.TurnMetadata{
			Plan:      rec.Plan,
			Route:     rec.Route,
			Retrieval: rec.Retrieval,
			SessionID: rec.SessionID,
		},
	}
	_ = sink.emit(telemetry.EventComplete, res.Response())
	_ = sink.emit(telemetry.EventDone, nil)
	p.seal(rec, datatypes.TurnStatusError)
	return res
}

func (p *Pipeline) seal(rec *datatypes.TurnRecord, status string) {
	rec.Status = status
	rec.CompletedAt = time.Now()
	if p.ring != nil {
		p.ring.Store(*rec)
	}
}

// =============================================================================
// Citations
// =============================================================================

// ReferenceUsage is the per-reference citation-tracking entry attached
// to the citations event.
type ReferenceUsage struct {
	Index   int     `json:"index"`
	ID      string  `json:"id"`
	Cited   bool    `json:"cited"`
	Markers int     `json:"markers"`
	Density float64 `json:"density"`
}

// buildCitations resolves the answer's [n] markers against the
// reference list. Out-of-range markers are skipped; the synthesizer
// already substituted a refusal if they made the answer invalid.
func buildCitations(answer string, refs []datatypes.Reference) ([]datatypes.Citation, []ReferenceUsage) {
	indices := synthesis.CitedIndices(answer)

	totalMarkers := 0
	markerCount := make(map[int]int, len(indices))
	for _, n := range indices {
		if n < 1 || n > len(refs) {
			continue
		}
		c := strings.Count(answer, "["+strconv.Itoa(n)+"]")
		markerCount[n] = c
		totalMarkers += c
	}

	citations := make([]datatypes.Citation, 0, len(markerCount))
	for _, n := range indices {
		if _, ok := markerCount[n]; !ok {
			continue
		}
		citations = append(citations, datatypes.CitationFromReference(n, refs[n-1]))
	}

	usage := make([]ReferenceUsage, len(refs))
	for i := range refs {
		n := i + 1
		u := ReferenceUsage{Index: n, ID: refs[i].ID, Markers: markerCount[n]}
		if u.Markers > 0 {
			u.Cited = true
			u.Density = float64(u.Markers) / float64(totalMarkers)
		}
		usage[i] = u
	}
	return citations, usage
}

// =============================================================================
// Event recorder
// =============================================================================

// recorder forwards events to the sink while capturing them into the
// turn record. The lock spans capture and forward so the record's
// ordering matches what the client saw. Token deltas are not captured;
// the sealed record carries the full answer.
type recorder struct {
	mu   sync.Mutex
	sink telemetry.EmitFunc
	rec  *datatypes.TurnRecord
}

func newRecorder(sink telemetry.EmitFunc, rec *datatypes.TurnRecord) *recorder {
	return &recorder{sink: sink, rec: rec}
}

func (r *recorder) emit(event string, data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if event != telemetry.EventToken {
		r.rec.Events = append(r.rec.Events, datatypes.CapturedEvent{
			Event: event,
			Data:  data,
			T:     time.Now(),
		})
	}
	return r.sink(event, data)
}
