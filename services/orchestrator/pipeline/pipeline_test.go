// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/agentrag/pkg/orcherrors"
	"github.com/AleutianAI/agentrag/services/llm"
	"github.com/AleutianAI/agentrag/services/orchestrator/critic"
	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
	"github.com/AleutianAI/agentrag/services/orchestrator/dispatch"
	"github.com/AleutianAI/agentrag/services/orchestrator/session"
	"github.com/AleutianAI/agentrag/services/orchestrator/synthesis"
	"github.com/AleutianAI/agentrag/services/orchestrator/telemetry"
	"github.com/AleutianAI/agentrag/services/search"
)

// =============================================================================
// Fakes
// =============================================================================

type scriptedLLM struct {
	mu      sync.Mutex
	texts   []string
	err     error
	prompts []string

	streamText string
	streamErr  error
}

func (s *scriptedLLM) Complete(_ context.Context, prompt string, _ llm.Options) (*llm.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.texts) == 0 {
		return &llm.Completion{Text: "(exhausted)"}, nil
	}
	text := s.texts[0]
	s.texts = s.texts[1:]
	return &llm.Completion{Text: text, ResponseID: "resp-1"}, nil
}

func (s *scriptedLLM) CompleteStream(_ context.Context, prompt string, _ llm.Options, cb llm.StreamCallback) error {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	text, err := s.streamText, s.streamErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	for _, part := range strings.SplitAfter(text, " ") {
		if e := cb(llm.StreamEvent{Kind: llm.StreamDelta, Text: part}); e != nil {
			return e
		}
	}
	return cb(llm.StreamEvent{Kind: llm.StreamCompleted, Text: text, ResponseID: "resp-s"})
}

func (s *scriptedLLM) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

type fakeSearch struct {
	result *search.Result
	err    error
}

func (f *fakeSearch) HybridSearch(context.Context, string, search.HybridOptions) (*search.Result, error) {
	return f.result, f.err
}

func (f *fakeSearch) VectorSearch(context.Context, string, search.VectorOptions) (*search.Result, error) {
	return f.result, f.err
}

func (f *fakeSearch) LazyHybridSearch(context.Context, string, search.LazyOptions) (*search.LazyResult, error) {
	return nil, orcherrors.New(orcherrors.KindInternal, "lazy path not scripted")
}

type collected struct {
	mu     sync.Mutex
	events []datatypes.CapturedEvent
}

func (c *collected) emit(event string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, datatypes.CapturedEvent{Event: event, Data: data, T: time.Now()})
	return nil
}

func (c *collected) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Event
	}
	return out
}

func indexOf(names []string, event string) int {
	for i, n := range names {
		if n == event {
			return i
		}
	}
	return -1
}

// =============================================================================
// Helpers
// =============================================================================

func refs(n int) []datatypes.Reference {
	out := make([]datatypes.Reference, n)
	for i := range out {
		out[i] = datatypes.Reference{
			ID:      fmt.Sprintf("doc-%d", i+1),
			Title:   fmt.Sprintf("Doc %d", i+1),
			Content: fmt.Sprintf("content %d", i+1),
			Score:   3.0,
		}
	}
	return out
}

// minimalOverrides turns off everything that would script extra LLM or
// web calls, leaving a plain retrieve-then-answer turn.
func minimalOverrides() map[string]any {
	return map[string]any{
		datatypes.FeatureCritic:            false,
		datatypes.FeatureCRAG:              false,
		datatypes.FeatureAdaptiveRetrieval: false,
		datatypes.FeatureLazyRetrieval:     false,
		datatypes.FeatureIntentRouting:     false,
	}
}

type env struct {
	llm    *scriptedLLM
	store  *session.MemoryStore
	ring   *telemetry.Ring
	pipe   *Pipeline
	search *fakeSearch
}

func newEnv(t *testing.T, gw *scriptedLLM, withCritic bool) *env {
	t.Helper()
	fs := &fakeSearch{result: &search.Result{References: refs(3), Coverage: 0.9}}
	store := session.NewMemoryStore(time.Hour)
	t.Cleanup(func() { _ = store.Close() })
	ring := telemetry.NewRing(10)

	deps := Deps{
		Dispatcher:  dispatch.NewDispatcher(dispatch.DispatcherConfig{Search: fs, LLM: gw}),
		Synthesizer: synthesis.NewSynthesizer(gw),
		LLM:         gw,
		Store:       store,
		Ring:        ring,
	}
	if withCritic {
		deps.Critic = critic.NewCritic(gw, "")
	}
	return &env{llm: gw, store: store, ring: ring, pipe: NewPipeline(deps), search: fs}
}

func chatReq(sessionID, question string, overrides map[string]any) Request {
	return Request{
		Chat: datatypes.ChatRequest{
			Messages:         []datatypes.Message{{Role: datatypes.RoleUser, Content: question}},
			SessionID:        sessionID,
			FeatureOverrides: overrides,
		},
		Mode:        datatypes.ModeSync,
		Fingerprint: "test-caller",
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestRunSyncHappyPath(t *testing.T) {
	gw := &scriptedLLM{texts: []string{"Grounded answer [1] and [2]."}}
	e := newEnv(t, gw, false)

	res, err := e.pipe.Run(context.Background(), chatReq("sess-ok", "what is raft?", minimalOverrides()), nil)
	require.NoError(t, err)

	assert.Equal(t, "Grounded answer [1] and [2].", res.Answer)
	assert.False(t, res.Refused)
	require.Len(t, res.Citations, 2)
	assert.Equal(t, 1, res.Citations[0].Index)
	assert.Equal(t, "doc-1", res.Citations[0].ID)
	assert.Equal(t, "sess-ok", res.Metadata.SessionID)
	require.NotNil(t, res.Metadata.Retrieval)
	assert.Equal(t, 3, res.Metadata.Retrieval.DocsReturned)

	// Write-back happened: the exchange is in the store.
	state, err := e.store.Load(context.Background(), "sess-ok")
	require.NoError(t, err)
	require.Len(t, state.Messages, 2)
	assert.Equal(t, "what is raft?", state.Messages[0].Content)

	records := e.ring.Snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, datatypes.TurnStatusComplete, records[0].Status)
	assert.Equal(t, datatypes.ModeSync, records[0].Mode)
}

func TestEventOrdering(t *testing.T) {
	gw := &scriptedLLM{texts: []string{"Answer [1]."}}
	e := newEnv(t, gw, false)
	sink := &collected{}

	_, err := e.pipe.Run(context.Background(), chatReq("sess-ev", "q", minimalOverrides()), sink.emit)
	require.NoError(t, err)

	names := sink.names()
	require.NotEmpty(t, names)
	assert.Equal(t, telemetry.EventFeatures, names[0])
	assert.Equal(t, telemetry.EventDone, names[len(names)-1])

	complete := indexOf(names, telemetry.EventComplete)
	status := indexOf(names, telemetry.EventStatus)
	require.GreaterOrEqual(t, complete, 0)
	require.GreaterOrEqual(t, status, 0)
	assert.Less(t, status, complete)
	assert.Less(t, complete, indexOf(names, telemetry.EventDone))
}

func TestDerivedSessionIDIsStable(t *testing.T) {
	gw := &scriptedLLM{texts: []string{"Answer [1].", "Answer [1]."}}
	e := newEnv(t, gw, false)

	req := chatReq("", "same question", minimalOverrides())
	res1, err := e.pipe.Run(context.Background(), req, nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res1.Metadata.SessionID, "sess_"))

	res2, err := e.pipe.Run(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, res1.Metadata.SessionID, res2.Metadata.SessionID)
}

func TestInvalidSessionIDRejected(t *testing.T) {
	gw := &scriptedLLM{}
	e := newEnv(t, gw, false)

	req := chatReq(strings.Repeat("x", 200), "q", minimalOverrides())
	_, err := e.pipe.Run(context.Background(), req, nil)
	require.Error(t, err)
	assert.True(t, orcherrors.IsKind(err, orcherrors.KindValidation))
}

func TestRequestWithoutUserMessageRejected(t *testing.T) {
	gw := &scriptedLLM{}
	e := newEnv(t, gw, false)

	req := Request{Chat: datatypes.ChatRequest{
		Messages: []datatypes.Message{{Role: datatypes.RoleSystem, Content: "be helpful"}},
	}}
	_, err := e.pipe.Run(context.Background(), req, nil)
	require.Error(t, err)
	assert.True(t, orcherrors.IsKind(err, orcherrors.KindValidation))
}

func TestCriticReviseThenAccept(t *testing.T) {
	gw := &scriptedLLM{texts: []string{
		"Draft answer [1].",
		`{"grounded": true, "coverage": 0.4, "action": "revise", "issues": ["expand on [2]"]}`,
		"Revised answer [1] and [2].",
		`{"grounded": true, "coverage": 0.9, "action": "accept", "issues": []}`,
	}}
	e := newEnv(t, gw, true)
	sink := &collected{}

	overrides := minimalOverrides()
	overrides[datatypes.FeatureCritic] = true
	res, err := e.pipe.Run(context.Background(), chatReq("sess-critic", "explain consensus", overrides), sink.emit)
	require.NoError(t, err)

	assert.Equal(t, "Revised answer [1] and [2].", res.Answer)
	assert.False(t, res.Refused)
	require.NotNil(t, res.Metadata.Evaluation)
	assert.Equal(t, datatypes.CriticAccept, res.Metadata.Evaluation.Action)

	names := sink.names()
	critiques := 0
	for _, n := range names {
		if n == telemetry.EventCritique {
			critiques++
		}
	}
	assert.Equal(t, 2, critiques)

	records := e.ring.Snapshot()
	require.Len(t, records, 1)
	assert.Len(t, records[0].CriticHistory, 2)
}

func TestCriticRefusalSealsRefusedStatus(t *testing.T) {
	verdict := `{"grounded": false, "coverage": 0.1, "action": "revise", "issues": ["ungrounded"]}`
	gw := &scriptedLLM{texts: []string{
		"Weak draft [1].",
		verdict,
		"Still weak [1].",
		verdict,
		"Still weak [1].",
		verdict,
	}}
	e := newEnv(t, gw, true)

	overrides := minimalOverrides()
	overrides[datatypes.FeatureCritic] = true
	res, err := e.pipe.Run(context.Background(), chatReq("sess-refuse", "q", overrides), nil)
	require.NoError(t, err)

	assert.True(t, res.Refused)
	assert.Equal(t, critic.RefusalInsufficientGrounding, res.Answer)

	records := e.ring.Snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, datatypes.TurnStatusRefused, records[0].Status)
}

func TestRetrievalFailureProducesRefusalNotError(t *testing.T) {
	gw := &scriptedLLM{}
	e := newEnv(t, gw, false)
	e.search.result = nil
	e.search.err = orcherrors.New(orcherrors.KindUpstream5xx, "search backend down")
	sink := &collected{}

	res, err := e.pipe.Run(context.Background(), chatReq("sess-down", "q", minimalOverrides()), sink.emit)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Refused)
	assert.Equal(t, RefusalTurnFailed, res.Answer)

	names := sink.names()
	assert.GreaterOrEqual(t, indexOf(names, telemetry.EventError), 0)
	assert.Equal(t, telemetry.EventDone, names[len(names)-1])

	records := e.ring.Snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, datatypes.TurnStatusError, records[0].Status)
}

func TestCancellationEmitsCancelledAndSkipsWriteBack(t *testing.T) {
	gw := &scriptedLLM{texts: []string{"Answer [1]."}}
	e := newEnv(t, gw, false)
	sink := &collected{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.pipe.Run(ctx, chatReq("sess-cancel", "q", minimalOverrides()), sink.emit)
	require.Error(t, err)
	assert.True(t, orcherrors.IsKind(err, orcherrors.KindCancelled))

	names := sink.names()
	assert.GreaterOrEqual(t, indexOf(names, telemetry.EventCancelled), 0)
	assert.Equal(t, -1, indexOf(names, telemetry.EventComplete))

	_, loadErr := e.store.Load(context.Background(), "sess-cancel")
	assert.ErrorIs(t, loadErr, session.ErrNotFound)

	records := e.ring.Snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, datatypes.TurnStatusCancelled, records[0].Status)
}

func TestStreamModeTokensPrecedeComplete(t *testing.T) {
	gw := &scriptedLLM{streamText: "Streamed answer [1]."}
	e := newEnv(t, gw, false)
	sink := &collected{}

	req := chatReq("sess-stream", "q", minimalOverrides())
	req.Mode = datatypes.ModeStream
	res, err := e.pipe.Run(context.Background(), req, sink.emit)
	require.NoError(t, err)
	assert.Equal(t, "Streamed answer [1].", res.Answer)

	names := sink.names()
	firstToken := indexOf(names, telemetry.EventToken)
	complete := indexOf(names, telemetry.EventComplete)
	require.GreaterOrEqual(t, firstToken, 0)
	require.GreaterOrEqual(t, complete, 0)
	assert.Less(t, firstToken, complete)

	records := e.ring.Snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, datatypes.ModeStream, records[0].Mode)
	for _, ev := range records[0].Events {
		assert.NotEqual(t, telemetry.EventToken, ev.Event, "token deltas are not captured")
	}
}

func TestResolvedFeaturesPersistAcrossTurns(t *testing.T) {
	gw := &scriptedLLM{texts: []string{"Answer [1].", "Answer [1]."}}
	e := newEnv(t, gw, false)

	overrides := minimalOverrides()
	res1, err := e.pipe.Run(context.Background(), chatReq("sess-feat", "q1", overrides), nil)
	require.NoError(t, err)
	assert.False(t, res1.Metadata.Features[datatypes.FeatureCritic])

	// Second turn carries no overrides; the persisted layer applies.
	res2, err := e.pipe.Run(context.Background(), chatReq("sess-feat", "q2", nil), nil)
	require.NoError(t, err)
	assert.False(t, res2.Metadata.Features[datatypes.FeatureCritic])
}

func TestBuildCitations(t *testing.T) {
	answer := "First [1], again [1], then [2]. Bogus [5]."
	citations, usage := buildCitations(answer, refs(3))

	require.Len(t, citations, 2)
	assert.Equal(t, 1, citations[0].Index)
	assert.Equal(t, 2, citations[1].Index)

	require.Len(t, usage, 3)
	assert.True(t, usage[0].Cited)
	assert.Equal(t, 2, usage[0].Markers)
	assert.InDelta(t, 2.0/3.0, usage[0].Density, 1e-9)
	assert.True(t, usage[1].Cited)
	assert.InDelta(t, 1.0/3.0, usage[1].Density, 1e-9)
	assert.False(t, usage[2].Cited)
	assert.Zero(t, usage[2].Density)
}

func TestBuildCitationsNoMarkers(t *testing.T) {
	citations, usage := buildCitations("I do not know.", refs(2))
	assert.Empty(t, citations)
	for _, u := range usage {
		assert.False(t, u.Cited)
	}
}

func TestRefreshMemoryAppendsBullets(t *testing.T) {
	gw := &scriptedLLM{texts: []string{
		`{"bullets": ["discussed raft leader election", "compared paxos"], "salience": ["user prefers Go examples"]}`,
	}}
	e := newEnv(t, gw, false)

	state := datatypes.NewSessionState("sess-mem")
	for i := 0; i < 3; i++ {
		state.AppendTurn(fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))
	}
	features := datatypes.DefaultFeatures()
	features[datatypes.FeatureSemanticMemory] = true

	e.pipe.refreshMemory(context.Background(), state, features, "u")

	require.Len(t, state.SummaryBullets, 2)
	assert.Equal(t, "discussed raft leader election", state.SummaryBullets[0].Text)
	assert.Equal(t, []string{"user prefers Go examples"}, state.SaliencePoints)
	assert.Equal(t, 3, state.LastMemoryTurn)
}

func TestRefreshMemorySkipsBelowInterval(t *testing.T) {
	gw := &scriptedLLM{}
	e := newEnv(t, gw, false)

	state := datatypes.NewSessionState("sess-mem2")
	state.AppendTurn("q", "a")
	e.pipe.refreshMemory(context.Background(), state, datatypes.DefaultFeatures(), "u")

	assert.Empty(t, state.SummaryBullets)
	assert.Zero(t, state.LastMemoryTurn)
	assert.Empty(t, gw.prompts, "no LLM call below the interval")
}

func TestWriteBackReplayRefreshesMemory(t *testing.T) {
	gw := &scriptedLLM{texts: []string{
		`{"bullets": ["noted the stale draft"], "salience": []}`,
		`{"bullets": ["captured the replayed exchange"], "salience": []}`,
	}}
	e := newEnv(t, gw, false)

	state := datatypes.NewSessionState("sess-replay")
	state.AppendTurn("q0", "a0")
	state.AppendTurn("q1", "a1")
	require.NoError(t, e.store.Save(context.Background(), state))

	// Borrow a snapshot, then let a concurrent writer win the race.
	snapshot, err := e.store.Load(context.Background(), "sess-replay")
	require.NoError(t, err)
	winner, err := e.store.Load(context.Background(), "sess-replay")
	require.NoError(t, err)
	require.NoError(t, e.store.Save(context.Background(), winner))

	e.pipe.writeBack(context.Background(), snapshot, "q2", "a2", datatypes.DefaultFeatures(), "u")

	final, err := e.store.Load(context.Background(), "sess-replay")
	require.NoError(t, err)
	assert.Equal(t, 3, final.TurnCount())
	require.Len(t, final.SummaryBullets, 1)
	assert.Equal(t, "captured the replayed exchange", final.SummaryBullets[0].Text)
	assert.Equal(t, 3, final.LastMemoryTurn)
}

func TestMergeSalience(t *testing.T) {
	merged := mergeSalience([]string{"a", "b"}, []string{"b", "c", " ", "d"})
	assert.Equal(t, []string{"a", "b", "c", "d"}, merged)

	long := make([]string, maxSaliencePoints)
	for i := range long {
		long[i] = fmt.Sprintf("p%d", i)
	}
	capped := mergeSalience(long, []string{"newest"})
	assert.Len(t, capped, maxSaliencePoints)
	assert.Equal(t, "newest", capped[len(capped)-1])
	assert.Equal(t, "p1", capped[0])
}
