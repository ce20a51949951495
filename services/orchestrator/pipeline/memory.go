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
	"log/slog"
	"strings"

	"github.com/AleutianAI/agentrag/services/llm"
	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
)

// maxSaliencePoints caps the pinned-fact list; the oldest points fall
// off first, matching the budgeter's drop order.
const maxSaliencePoints = 10

const memorySystemPrompt = `You maintain the rolling memory of a conversation.
From the transcript, produce:
- bullets: short factual summary points covering what was discussed
- salience: durable facts about the user worth pinning across turns
  (preferences, constraints, corrections). Usually empty.
Respond with the structured notes only.`

// memoryNotes is the strict structured output of the memory refresh.
type memoryNotes struct {
	Bullets  []string `json:"bullets"`
	Salience []string `json:"salience"`
}

// refreshMemory folds recent turns into the session's summary bullets
// every MemoryInterval turns. Failures leave memory as it was; the
// turns stay replayable on the next interval.
func (p *Pipeline) refreshMemory(ctx context.Context, state *datatypes.SessionState, features datatypes.FeatureSet, user string) {
	if p.llm == nil {
		return
	}
	turns := state.TurnCount()
	if turns-state.LastMemoryTurn < p.cfg.MemoryInterval {
		return
	}

	transcript := recentTranscript(state, state.LastMemoryTurn)
	if transcript == "" {
		return
	}

	spec := llm.SchemaFor[memoryNotes]("memory_notes")
	completion, err := p.llm.Complete(ctx, transcript, llm.Options{
		Model:      p.cfg.SynthesisModel,
		System:     memorySystemPrompt,
		Structured: spec,
		User:       user,
	})
	if err != nil {
		slog.Warn("Memory refresh failed", "sessionID", state.SessionID, "error", err)
		return
	}
	var notes memoryNotes
	if err := llm.ParseStructured(completion.Text, &notes); err != nil {
		slog.Warn("Memory notes unparseable", "sessionID", state.SessionID, "error", err)
		return
	}

	bullets := make([]datatypes.SummaryBullet, 0, len(notes.Bullets))
	for _, text := range notes.Bullets {
		if strings.TrimSpace(text) == "" {
			continue
		}
		bullets = append(bullets, datatypes.SummaryBullet{Text: text})
	}
	if features.Enabled(datatypes.FeatureSemanticSummary) && len(bullets) > 0 {
		p.embedBullets(ctx, state.SessionID, bullets)
	}
	state.SummaryBullets = append(state.SummaryBullets, bullets...)

	if features.Enabled(datatypes.FeatureSemanticMemory) {
		state.SaliencePoints = mergeSalience(state.SaliencePoints, notes.Salience)
	}
	state.LastMemoryTurn = turns
}

// embedBullets caches embeddings on the new bullets so semantic summary
// selection does not re-embed them every turn. Best effort.
func (p *Pipeline) embedBullets(ctx context.Context, sessionID string, bullets []datatypes.SummaryBullet) {
	texts := make([]string, len(bullets))
	for i := range bullets {
		texts[i] = bullets[i].Text
	}
	vecs, err := p.llm.Embed(ctx, texts)
	if err != nil || len(vecs) != len(bullets) {
		slog.Warn("Bullet embedding failed", "sessionID", sessionID, "error", err)
		return
	}
	for i := range bullets {
		bullets[i].Embedding = vecs[i]
	}
}

// mergeSalience appends new points, dropping exact duplicates and then
// the oldest entries once the cap is exceeded.
func mergeSalience(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, s := range existing {
		seen[s] = struct{}{}
	}
	merged := existing
	for _, s := range incoming {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		merged = append(merged, s)
	}
	if len(merged) > maxSaliencePoints {
		merged = merged[len(merged)-maxSaliencePoints:]
	}
	return merged
}

func recentTranscript(state *datatypes.SessionState, sinceTurn int) string {
	start := sinceTurn * 2
	if start < 0 || start >= len(state.Messages) {
		return ""
	}
	var b strings.Builder
	for _, m := range state.Messages[start:] {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}
