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

	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
	"github.com/AleutianAI/agentrag/services/orchestrator/telemetry"
	"github.com/AleutianAI/agentrag/services/search"
)

// ladderStage describes one rung of the retrieval fallback ladder.
type ladderStage struct {
	// topScale multiplies the base top-k.
	topScale float64
	// relaxed uses the fallback reranker threshold instead of the
	// primary one.
	relaxed bool
	// pureVector switches from hybrid to vector search and drops the
	// threshold entirely.
	pureVector bool
	// exitOnAny accepts any non-empty result instead of requiring the
	// minimum document count.
	exitOnAny bool
	reason    string
}

var ladder = []ladderStage{
	{topScale: 1.0, reason: "initial"},
	{topScale: 1.5, reason: "below_min_docs"},
	{topScale: 2.0, relaxed: true, exitOnAny: true, reason: "threshold_relaxed"},
	{topScale: 2.0, pureVector: true, exitOnAny: true, reason: "pure_vector"},
}

// runLadder walks the fallback ladder until a stage satisfies its exit
// condition. Results accumulate into out.References; the best stage
// wins, not the union.
//
// # Limitations
//
//	When every stage comes up short the dispatcher keeps the largest
//	result seen and tags the summary as exhausted rather than failing
//	the turn.
func (d *Dispatcher) runLadder(ctx context.Context, in Input, out *Output, emit telemetry.EmitFunc, priorDocs int) error {
	baseTop := in.Tunables.RAGTopK
	minDocs := in.Tunables.RetrievalMinDocs

	var (
		best         []datatypes.Reference
		bestCoverage float64
		lastErr      error
		lastSeen     = priorDocs
	)
	for stage, cfg := range ladder {
		if stage > 0 {
			threshold := in.Tunables.RerankerThreshold
			if cfg.relaxed {
				threshold = in.Tunables.FallbackRerankerThreshold
			}
			if cfg.pureVector {
				threshold = 0
			}
			d.step(out, emit, telemetry.EventRetrievalFallback, cfg.reason, map[string]any{
				"stage":      stage,
				"reason":     cfg.reason,
				"docs_found": lastSeen,
				"threshold":  threshold,
			})
			out.Summary.FallbackTriggered = true
			if out.Summary.FallbackReason == "" {
				out.Summary.FallbackReason = cfg.reason
			}
		}

		result, err := d.runStage(ctx, in, cfg, int(float64(baseTop)*cfg.topScale))
		if err != nil {
			lastErr = err
			slog.Warn("Ladder stage failed", "stage", stage, "error", err)
			continue
		}
		refs := result.References
		lastSeen = len(refs)
		if len(refs) > len(best) {
			best = refs
			bestCoverage = result.Coverage
		}
		if len(refs) >= minDocs || (cfg.exitOnAny && len(refs) > 0) {
			out.References = refs
			out.coverage = result.Coverage
			return nil
		}
	}

	if len(best) == 0 && lastErr != nil {
		return lastErr
	}
	out.References = best
	out.coverage = bestCoverage
	out.Summary.FallbackExhausted = true
	d.step(out, emit, telemetry.EventActivity, "fallback_exhausted", map[string]any{
		"docs_found": len(best),
		"min_docs":   minDocs,
	})
	return nil
}

// runStage executes one ladder rung, applying the minimum-document
// guarantee: a stage whose threshold filtered out everything is retried
// once without the threshold. The unfiltered list is only ever used
// when the filtered list is empty, never silently in its place.
func (d *Dispatcher) runStage(ctx context.Context, in Input, cfg ladderStage, top int) (*search.Result, error) {
	if cfg.pureVector {
		return d.search.VectorSearch(ctx, in.Question, search.VectorOptions{
			Top:       top,
			SessionID: in.SessionID,
		})
	}

	threshold := in.Tunables.RerankerThreshold
	if cfg.relaxed {
		threshold = in.Tunables.FallbackRerankerThreshold
	}
	opts := search.HybridOptions{
		Top:               top,
		RerankerThreshold: threshold,
		SessionID:         in.SessionID,
	}
	result, err := d.search.HybridSearch(ctx, in.Question, opts)
	if err != nil {
		return nil, err
	}
	if result.ThresholdExhausted {
		opts.RerankerThreshold = 0
		result, err = d.search.HybridSearch(ctx, in.Question, opts)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}
