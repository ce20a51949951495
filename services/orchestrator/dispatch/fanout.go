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
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
	"github.com/AleutianAI/agentrag/services/orchestrator/quality"
	"github.com/AleutianAI/agentrag/services/orchestrator/telemetry"
	"github.com/AleutianAI/agentrag/services/search"
)

// maxSubQueries caps how many planner sub-queries fan out per turn.
const maxSubQueries = 4

// subQueries extracts the distinct corpus-bound sub-queries from the
// plan. Steps without a query, duplicates, and restatements of the
// original question are skipped.
func subQueries(plan *datatypes.PlanSummary, question string) []datatypes.PlanStep {
	if plan == nil {
		return nil
	}
	seen := map[string]struct{}{question: {}}
	var steps []datatypes.PlanStep
	for _, s := range plan.Steps {
		if s.Action != datatypes.ActionVectorSearch && s.Action != datatypes.ActionBoth {
			continue
		}
		if s.Query == "" {
			continue
		}
		if _, dup := seen[s.Query]; dup {
			continue
		}
		seen[s.Query] = struct{}{}
		steps = append(steps, s)
		if len(steps) == maxSubQueries {
			break
		}
	}
	return steps
}

// decompose fans corpus retrieval out over the plan's sub-queries and
// fuses the per-query lists via RRF. It reports false when the plan
// carries fewer than two usable sub-queries or the fused list misses
// the minimum document count, so the caller falls back to the normal
// single-query path.
func (d *Dispatcher) decompose(ctx context.Context, in Input, out *Output, emit telemetry.EmitFunc) bool {
	steps := subQueries(in.Plan, in.Question)
	if len(steps) < 2 {
		return false
	}

	results := make([][]datatypes.Reference, len(steps))
	coverages := make([]float64, len(steps))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range steps {
		g.Go(func() error {
			top := s.K
			if top <= 0 {
				top = in.Tunables.RAGTopK
			}
			res, err := d.search.HybridSearch(gctx, s.Query, search.HybridOptions{
				Top:               top,
				RerankerThreshold: in.Tunables.RerankerThreshold,
				SessionID:         in.SessionID,
			})
			if err != nil {
				slog.Warn("Sub-query retrieval failed",
					"session", in.SessionID, "error", err)
				return nil
			}
			results[i] = res.References
			coverages[i] = res.Coverage
			return nil
		})
	}
	_ = g.Wait()

	merged := results[0]
	for _, refs := range results[1:] {
		if len(refs) == 0 {
			continue
		}
		if len(merged) == 0 {
			merged = refs
			continue
		}
		merged = quality.MergeRRF(merged, refs, quality.RRFOptions{})
	}
	if len(merged) < in.Tunables.RetrievalMinDocs {
		return false
	}

	var coverage float64
	for _, c := range coverages {
		if c > coverage {
			coverage = c
		}
	}

	out.References = merged
	out.coverage = coverage
	out.Summary.Strategy = "decomposed"
	out.Summary.Mode = "direct"
	d.step(out, emit, telemetry.EventQueryDecomposition, "query_decomposition", map[string]any{
		"sub_queries": len(steps),
		"docs":        len(merged),
	})
	return true
}

// federate consults the configured additional classes with the same
// question and fuses each class's hits into the reference list. A
// failing class is logged and skipped; the primary list always
// survives.
func (d *Dispatcher) federate(ctx context.Context, in Input, out *Output, emit telemetry.EmitFunc) {
	results := make([][]datatypes.Reference, len(d.indexes))
	g, gctx := errgroup.WithContext(ctx)
	for i, class := range d.indexes {
		g.Go(func() error {
			res, err := d.search.HybridSearch(gctx, in.Question, search.HybridOptions{
				Top:               in.Tunables.RAGTopK,
				RerankerThreshold: in.Tunables.RerankerThreshold,
				Class:             class,
				SessionID:         in.SessionID,
			})
			if err != nil {
				slog.Warn("Federated class search failed",
					"class", class, "session", in.SessionID, "error", err)
				return nil
			}
			results[i] = res.References
			return nil
		})
	}
	_ = g.Wait()

	merged := out.PromptReferences()
	extra := 0
	for _, refs := range results {
		if len(refs) == 0 {
			continue
		}
		extra += len(refs)
		if len(merged) == 0 {
			merged = refs
			continue
		}
		merged = quality.MergeRRF(merged, refs, quality.RRFOptions{})
	}
	if extra == 0 {
		return
	}

	out.References = merged
	out.Lazy = nil
	d.step(out, emit, telemetry.EventIndexFederation, "multi_index_federation", map[string]any{
		"classes": len(d.indexes),
		"merged":  len(merged),
	})
}
