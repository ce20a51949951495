// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/agentrag/pkg/orcherrors"
	"github.com/AleutianAI/agentrag/services/llm"
	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
	"github.com/AleutianAI/agentrag/services/orchestrator/dispatch"
	"github.com/AleutianAI/agentrag/services/orchestrator/middleware"
	"github.com/AleutianAI/agentrag/services/orchestrator/pipeline"
	"github.com/AleutianAI/agentrag/services/orchestrator/session"
	"github.com/AleutianAI/agentrag/services/orchestrator/synthesis"
	"github.com/AleutianAI/agentrag/services/orchestrator/telemetry"
	"github.com/AleutianAI/agentrag/services/search"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Fakes
// =============================================================================

type stubLLM struct {
	mu     sync.Mutex
	answer string
}

func (s *stubLLM) Complete(context.Context, string, llm.Options) (*llm.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &llm.Completion{Text: s.answer, ResponseID: "resp-h"}, nil
}

func (s *stubLLM) CompleteStream(_ context.Context, _ string, _ llm.Options, cb llm.StreamCallback) error {
	s.mu.Lock()
	text := s.answer
	s.mu.Unlock()
	for _, part := range strings.SplitAfter(text, " ") {
		if err := cb(llm.StreamEvent{Kind: llm.StreamDelta, Text: part}); err != nil {
			return err
		}
	}
	return cb(llm.StreamEvent{Kind: llm.StreamCompleted, Text: text, ResponseID: "resp-h"})
}

func (s *stubLLM) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

type stubSearch struct{}

func (stubSearch) HybridSearch(context.Context, string, search.HybridOptions) (*search.Result, error) {
	refs := make([]datatypes.Reference, 3)
	for i := range refs {
		refs[i] = datatypes.Reference{
			ID:      fmt.Sprintf("doc-%d", i+1),
			Title:   fmt.Sprintf("Doc %d", i+1),
			Content: fmt.Sprintf("content %d", i+1),
			Score:   3.0,
		}
	}
	return &search.Result{References: refs, Coverage: 0.9}, nil
}

func (s stubSearch) VectorSearch(ctx context.Context, q string, _ search.VectorOptions) (*search.Result, error) {
	return s.HybridSearch(ctx, q, search.HybridOptions{})
}

func (stubSearch) LazyHybridSearch(context.Context, string, search.LazyOptions) (*search.LazyResult, error) {
	return nil, orcherrors.New(orcherrors.KindInternal, "lazy path not scripted")
}

// =============================================================================
// Helpers
// =============================================================================

type testEnv struct {
	pipe  *pipeline.Pipeline
	store *session.MemoryStore
	ring  *telemetry.Ring
	llm   *stubLLM
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gw := &stubLLM{answer: "The answer is raft [1]."}
	store := session.NewMemoryStore(time.Hour)
	t.Cleanup(func() { _ = store.Close() })
	ring := telemetry.NewRing(10)

	pipe := pipeline.NewPipeline(pipeline.Deps{
		Dispatcher:  dispatch.NewDispatcher(dispatch.DispatcherConfig{Search: stubSearch{}, LLM: gw}),
		Synthesizer: synthesis.NewSynthesizer(gw),
		LLM:         gw,
		Store:       store,
		Ring:        ring,
	})
	return &testEnv{pipe: pipe, store: store, ring: ring, llm: gw}
}

func chatBody(sessionID, question string) string {
	return fmt.Sprintf(`{
		"session_id": %q,
		"messages": [{"role": "user", "content": %q}],
		"feature_overrides": {
			"ENABLE_CRITIC": false,
			"ENABLE_CRAG": false,
			"ENABLE_ADAPTIVE_RETRIEVAL": false,
			"ENABLE_LAZY_RETRIEVAL": false,
			"ENABLE_INTENT_ROUTING": false
		}
	}`, sessionID, question)
}

func newChatRouter(e *testEnv) *gin.Engine {
	r := gin.New()
	sanitize := middleware.ChatSanitizer(datatypes.DefaultTunables)
	r.POST("/chat", sanitize, HandleChat(e.pipe, nil))
	r.POST("/chat/stream", sanitize, HandleChatStream(e.pipe, nil))
	return r
}
