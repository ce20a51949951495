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
	"math"
	"time"

	"github.com/AleutianAI/agentrag/services/llm"
	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
	"github.com/AleutianAI/agentrag/services/orchestrator/telemetry"
	"github.com/AleutianAI/agentrag/services/search"
)

// corpusAuthority is the authority assigned to references without a
// URL. Curated corpus documents outrank an unknown web domain but not
// a primary source.
const corpusAuthority = 0.8

// freshnessHalfLife governs the age decay of dated references.
const freshnessHalfLife = 7 * 24 * time.Hour

const reformulateSystemPrompt = `You rewrite a search query whose results were poor.
Produce one reformulated query that is more specific or uses better terms.
Respond with the structured reformulation only.`

// reformulation is the strict structured output of one rewrite call.
type reformulation struct {
	Query     string `json:"query"`
	Reasoning string `json:"reasoning,omitempty"`
}

// adapt measures retrieval quality and reformulates the query while it
// stays under the floors, re-retrieving after each rewrite.
//
// # Limitations
//
//	Reformulation and re-retrieval failures end the loop with whatever
//	the last attempt produced; adaptation never makes a turn worse
//	than its first retrieval.
func (d *Dispatcher) adapt(ctx context.Context, in Input, out *Output, emit telemetry.EmitFunc) {
	ctx, span := tracer.Start(ctx, "AdaptiveRetrieval")
	defer span.End()

	thresholds := datatypes.AdaptiveThresholds{
		MinCoverage:  in.Tunables.AdaptiveMinCoverage,
		MinDiversity: in.Tunables.AdaptiveMinDiversity,
	}

	query := in.Question
	q := d.measureQuality(ctx, out.PromptReferences(), out.coverage)
	stats := &datatypes.AdaptiveStats{
		Attempts:       1,
		Thresholds:     thresholds,
		InitialQuality: q,
		FinalQuality:   q,
		PerAttempt: []datatypes.AdaptiveAttempt{
			{Attempt: 1, Query: query, Quality: q},
		},
	}

	for len(stats.Reformulations) < in.Tunables.AdaptiveMaxReformulations {
		reason := triggerReason(q, thresholds)
		if reason == "" {
			break
		}
		if !stats.Triggered {
			stats.Triggered = true
			stats.TriggerReason = reason
		}

		rewritten, err := d.reformulate(ctx, query, q, in.User)
		if err != nil || rewritten == "" || rewritten == query {
			slog.Warn("Query reformulation unusable, ending adaptive loop", "error", err)
			break
		}
		stats.Reformulations = append(stats.Reformulations, rewritten)
		query = rewritten

		start := time.Now()
		result, err := d.search.HybridSearch(ctx, query, search.HybridOptions{
			Top:               in.Tunables.RAGTopK,
			RerankerThreshold: in.Tunables.RerankerThreshold,
			SessionID:         in.SessionID,
		})
		latency := time.Since(start).Milliseconds()
		if err != nil {
			slog.Warn("Adaptive re-retrieval failed", "error", err)
			break
		}

		if len(result.References) > 0 {
			out.References = result.References
			out.Lazy = nil
			out.coverage = result.Coverage
		}
		q = d.measureQuality(ctx, out.PromptReferences(), out.coverage)
		stats.Attempts++
		stats.PerAttempt = append(stats.PerAttempt, datatypes.AdaptiveAttempt{
			Attempt:   stats.Attempts,
			Query:     query,
			Quality:   q,
			LatencyMS: latency,
		})
	}

	stats.FinalQuality = q
	out.AdaptiveStats = stats
	out.Summary.AdaptiveStats = stats
	d.step(out, emit, telemetry.EventAdaptiveRetrieval, "adaptive_retrieval", map[string]any{
		"attempts":             stats.Attempts,
		"triggered":            stats.Triggered,
		"trigger_reason":       stats.TriggerReason,
		"reformulations_count": len(stats.Reformulations),
		"initial_quality":      stats.InitialQuality,
		"final_quality":        stats.FinalQuality,
	})
}

// triggerReason names which floors the quality vector is under, empty
// when quality is acceptable.
func triggerReason(q datatypes.QualityVector, t datatypes.AdaptiveThresholds) string {
	lowCoverage := q.Coverage < t.MinCoverage
	lowDiversity := q.Diversity < t.MinDiversity
	switch {
	case lowCoverage && lowDiversity:
		return "both"
	case lowCoverage:
		return "coverage"
	case lowDiversity:
		return "diversity"
	default:
		return ""
	}
}

// measureQuality computes the per-attempt quality vector. Coverage is
// the normalized retrieval coverage; diversity needs embeddings and
// degrades to a neutral 1.0 when the embed call fails, so a broken
// embedder cannot spin the reformulation loop.
func (d *Dispatcher) measureQuality(ctx context.Context, refs []datatypes.Reference, coverage float64) datatypes.QualityVector {
	q := datatypes.QualityVector{
		Coverage:  coverage,
		Diversity: 1.0,
		Authority: meanAuthority(d, refs),
		Freshness: meanFreshness(refs, time.Now()),
	}
	if len(refs) < 2 || d.llm == nil {
		return q
	}

	texts := make([]string, len(refs))
	for i := range refs {
		texts[i] = refs[i].DisplayText()
	}
	vecs, err := d.llm.Embed(ctx, texts)
	if err != nil || len(vecs) != len(refs) {
		slog.Warn("Diversity embedding failed, assuming diverse", "error", err)
		return q
	}
	q.Diversity = 1.0 - meanPairwiseCosine(vecs)
	return q
}

func meanAuthority(d *Dispatcher, refs []datatypes.Reference) float64 {
	if len(refs) == 0 {
		return 0
	}
	total := 0.0
	for i := range refs {
		if refs[i].URL == "" || d.webFilter == nil {
			total += corpusAuthority
			continue
		}
		total += d.webFilter.AuthorityScore(refs[i].URL)
	}
	return total / float64(len(refs))
}

// meanFreshness decays by age for references that carry a fetched_at
// timestamp; undated corpus references count as fresh.
func meanFreshness(refs []datatypes.Reference, now time.Time) float64 {
	if len(refs) == 0 {
		return 0
	}
	total := 0.0
	for i := range refs {
		total += refFreshness(&refs[i], now)
	}
	return total / float64(len(refs))
}

func refFreshness(ref *datatypes.Reference, now time.Time) float64 {
	raw, ok := ref.Metadata["fetched_at"]
	if !ok {
		return 1.0
	}
	fetched, ok := raw.(time.Time)
	if !ok {
		return 1.0
	}
	age := now.Sub(fetched)
	if age <= 0 {
		return 1.0
	}
	return math.Pow(0.5, float64(age)/float64(freshnessHalfLife))
}

func meanPairwiseCosine(vecs [][]float32) float64 {
	pairs := 0
	total := 0.0
	for i := 0; i < len(vecs); i++ {
		for j := i + 1; j < len(vecs); j++ {
			total += cosine32(vecs[i], vecs[j])
			pairs++
		}
	}
	if pairs == 0 {
		return 0
	}
	return total / float64(pairs)
}

func cosine32(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// reformulate asks for a single rewritten query via a strict
// structured call.
func (d *Dispatcher) reformulate(ctx context.Context, query string, q datatypes.QualityVector, user string) (string, error) {
	prompt := fmt.Sprintf("Query: %s\nResult coverage: %.2f, result diversity: %.2f", query, q.Coverage, q.Diversity)
	spec := llm.SchemaFor[reformulation]("query_reformulation")
	completion, err := d.llm.Complete(ctx, prompt, llm.Options{
		System:     reformulateSystemPrompt,
		Structured: spec,
		User:       user,
	})
	if err != nil {
		return "", err
	}
	var r reformulation
	if err := llm.ParseStructured(completion.Text, &r); err != nil {
		return "", err
	}
	return r.Query, nil
}
