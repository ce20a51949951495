// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/agentrag/services/llm"
	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
	"github.com/AleutianAI/agentrag/services/orchestrator/telemetry"
	"github.com/AleutianAI/agentrag/services/websearch"
)

// cragScoreFloor is the per-document relevance below which an ambiguous
// grade drops the document.
const cragScoreFloor = 0.5

const cragSystemPrompt = `You grade retrieved documents against a question.
Judge overall confidence:
- correct: the documents answer the question
- ambiguous: some documents are relevant, others are noise
- incorrect: the documents do not address the question
Pick the action that matches: use_documents, refine_documents, or web_fallback.
For ambiguous sets, score each document in [0,1] and quote its relevant sentences.
Respond with the structured evaluation only.`

// selfGrade runs the CRAG evaluation over the first retrieval and
// applies its verdict: keep, refine the reference list, or force a web
// search the plan did not ask for.
//
// Grading failures keep the documents as-is; CRAG is an upgrade, never
// a gate.
func (d *Dispatcher) selfGrade(ctx context.Context, in Input, out *Output, webResp *websearch.Response, emit telemetry.EmitFunc) *websearch.Response {
	if d.llm == nil {
		return webResp
	}
	ctx, span := tracer.Start(ctx, "CRAGSelfGrade")
	defer span.End()

	refs := out.PromptReferences()
	d.step(out, emit, telemetry.EventCRAGEvaluation, "crag_evaluation", map[string]any{
		"docs": len(refs),
	})

	eval, err := d.gradeDocuments(ctx, in, refs)
	if err != nil {
		slog.Warn("CRAG grading failed, keeping documents", "error", err)
		return webResp
	}
	out.CRAG = eval
	out.Summary.CRAG = eval
	d.step(out, emit, telemetry.EventCRAGResult, "crag_result", map[string]any{
		"confidence": eval.Confidence,
		"action":     eval.Action,
	})

	switch eval.Confidence {
	case datatypes.CRAGCorrect:
		d.step(out, emit, telemetry.EventCRAGAction, "use_documents", map[string]any{"action": datatypes.CRAGUseDocuments})

	case datatypes.CRAGAmbiguous:
		kept, dropped := refineReferences(refs, eval.RelevanceScores)
		out.References = kept
		out.Lazy = nil
		d.step(out, emit, telemetry.EventCRAGRefinement, "refine_documents", map[string]any{
			"kept":    len(kept),
			"dropped": dropped,
		})

	case datatypes.CRAGIncorrect:
		if webResp == nil && d.web != nil {
			d.step(out, emit, telemetry.EventCRAGWebFallback, "web_fallback", map[string]any{
				"reason": "documents_graded_incorrect",
			})
			resp, werr := d.retrieveWeb(ctx, in, out, emit)
			if werr != nil {
				slog.Warn("CRAG web fallback failed", "error", werr)
				return webResp
			}
			return resp
		}
	}
	return webResp
}

func (d *Dispatcher) gradeDocuments(ctx context.Context, in Input, refs []datatypes.Reference) (*datatypes.CRAGEvaluation, error) {
	var b strings.Builder
	b.WriteString("## Question\n")
	b.WriteString(in.Question)
	b.WriteString("\n\n## Documents\n")
	for i, ref := range refs {
		fmt.Fprintf(&b, "[doc %d] %s\n", i, ref.DisplayText())
	}

	spec := llm.SchemaFor[datatypes.CRAGEvaluation]("crag_evaluation")
	completion, err := d.llm.Complete(ctx, b.String(), llm.Options{
		System:     cragSystemPrompt,
		Structured: spec,
		User:       in.User,
	})
	if err != nil {
		return nil, err
	}

	var eval datatypes.CRAGEvaluation
	if err := llm.ParseStructured(completion.Text, &eval); err != nil {
		return nil, err
	}
	switch eval.Confidence {
	case datatypes.CRAGCorrect, datatypes.CRAGAmbiguous, datatypes.CRAGIncorrect:
	default:
		return nil, fmt.Errorf("crag confidence outside closed set: %q", eval.Confidence)
	}
	return &eval, nil
}

// refineReferences applies an ambiguous grade: drop low-scoring
// documents and substitute the graded relevant sentences for full
// content where the grader quoted them. Documents the grader did not
// score are kept untouched.
func refineReferences(refs []datatypes.Reference, scores []datatypes.CRAGRelevance) (kept []datatypes.Reference, dropped int) {
	byIndex := make(map[int]datatypes.CRAGRelevance, len(scores))
	for _, s := range scores {
		byIndex[s.DocIndex] = s
	}

	kept = make([]datatypes.Reference, 0, len(refs))
	for i, ref := range refs {
		score, graded := byIndex[i]
		if !graded {
			kept = append(kept, ref)
			continue
		}
		if score.Score < cragScoreFloor {
			dropped++
			continue
		}
		if len(score.RelevantSentences) > 0 {
			ref.Content = strings.Join(score.RelevantSentences, " ")
			ref.Chunk = ""
			ref.SetMeta("crag_refined", true)
		}
		kept = append(kept, ref)
	}
	return kept, dropped
}
