// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package quality scores and merges retrieval results: web result
// filtering on authority, redundancy, and relevance, plus
// reciprocal-rank fusion of corpus and web lists.
package quality

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("aleutian.agentrag.quality")

// Embedder computes embeddings for scoring. One call per filter
// invocation; the filter batches every text it needs.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// WebFilterConfig holds the filtering thresholds.
type WebFilterConfig struct {
	// MinAuthority drops results from untrusted domains.
	MinAuthority float64
	// MaxRedundancy drops results too similar to the corpus set.
	MaxRedundancy float64
	// MinRelevance drops results unrelated to the query.
	MinRelevance float64
}

// WebFilterOutcome reports what survived and why the rest did not.
type WebFilterOutcome struct {
	Kept    []datatypes.WebResult
	Dropped int
	// AuthorityOnly is set when embedding failed and redundancy and
	// relevance could not be scored.
	AuthorityOnly bool
}

// WebFilter scores web results before they reach synthesis.
type WebFilter struct {
	embedder    Embedder
	scorecard   []authorityRule
	onTelemetry func(sessionID, event string, fields map[string]any)
}

// NewWebFilter creates a filter with the default authority scorecard.
func NewWebFilter(embedder Embedder, onTelemetry func(sessionID, event string, fields map[string]any)) *WebFilter {
	return &WebFilter{
		embedder:    embedder,
		scorecard:   defaultScorecard(),
		onTelemetry: onTelemetry,
	}
}

// Filter scores each result on authority, redundancy against the
// in-corpus references, and relevance to the query.
//
// # Description
//
// Every embedding the call needs (the query, each snippet, each
// corpus reference) is generated in a single batched Embed call. On
// embedding failure the filter degrades to authority-only scoring and
// reports the degradation; it never fails the turn.
//
// # Outputs
//
//   - *WebFilterOutcome: survivors in input order plus drop count.
func (f *WebFilter) Filter(ctx context.Context, sessionID, query string, results []datatypes.WebResult, corpus []datatypes.Reference, cfg WebFilterConfig) *WebFilterOutcome {
	ctx, span := tracer.Start(ctx, "WebQualityFilter")
	defer span.End()

	outcome := &WebFilterOutcome{}
	if len(results) == 0 {
		return outcome
	}

	// Authority is computable without the network.
	authorities := make([]float64, len(results))
	for i, r := range results {
		authorities[i] = f.AuthorityScore(r.URL)
	}

	snippetVecs, queryVec, corpusVecs, embErr := f.embedAll(ctx, query, results, corpus)
	if embErr != nil {
		slog.Warn("Web filter embedding failed, degrading to authority-only", "error", embErr)
		outcome.AuthorityOnly = true
		if f.onTelemetry != nil {
			f.onTelemetry(sessionID, "web_filter_degraded", map[string]any{"reason": "embedding_failed"})
		}
	}

	for i, r := range results {
		if authorities[i] < cfg.MinAuthority {
			outcome.Dropped++
			continue
		}
		if !outcome.AuthorityOnly {
			redundancy := maxCosine(snippetVecs[i], corpusVecs)
			if cfg.MaxRedundancy > 0 && redundancy > cfg.MaxRedundancy {
				outcome.Dropped++
				continue
			}
			relevance := cosine(snippetVecs[i], queryVec)
			if relevance < cfg.MinRelevance {
				outcome.Dropped++
				continue
			}
		}
		r.QualityScore = authorities[i]
		outcome.Kept = append(outcome.Kept, r)
	}

	span.SetAttributes(
		attribute.Int("webfilter.in", len(results)),
		attribute.Int("webfilter.kept", len(outcome.Kept)),
		attribute.Bool("webfilter.authority_only", outcome.AuthorityOnly),
	)
	return outcome
}

// embedAll issues the single batched embedding call: query first, then
// snippets, then corpus reference texts.
func (f *WebFilter) embedAll(ctx context.Context, query string, results []datatypes.WebResult, corpus []datatypes.Reference) (snippets [][]float32, queryVec []float32, corpusVecs [][]float32, err error) {
	texts := make([]string, 0, 1+len(results)+len(corpus))
	texts = append(texts, query)
	for _, r := range results {
		texts = append(texts, r.Snippet)
	}
	for _, ref := range corpus {
		texts = append(texts, ref.DisplayText())
	}

	vectors, err := f.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(vectors) != len(texts) {
		return nil, nil, nil, errVectorCountMismatch(len(texts), len(vectors))
	}

	queryVec = vectors[0]
	snippets = vectors[1 : 1+len(results)]
	corpusVecs = vectors[1+len(results):]
	return snippets, queryVec, corpusVecs, nil
}

// =============================================================================
// Authority Scorecard
// =============================================================================

// authorityRule maps a domain suffix to a trust score. Negative rules
// carry score -1 and reject outright.
type authorityRule struct {
	suffix string
	score  float64
}

// defaultScorecard orders rules from most to least specific. Matching
// stops at the first hit.
func defaultScorecard() []authorityRule {
	return []authorityRule{
		{"arxiv.org", 0.9},
		{"wikipedia.org", 0.85},
		{"github.com", 0.75},
		{"stackoverflow.com", 0.7},
		{".gov", 1.0},
		{".edu", 0.95},
		{".org", 0.7},
		{".io", 0.5},
		{".com", 0.45},
		{".net", 0.4},
	}
}

// AuthorityScore scores a URL's host against the scorecard.
//
// Spoofed hosts that embed a trusted label in a non-terminal position
// (irs.gov.example.com) score zero: only the true registrable suffix
// counts, and a trusted token appearing mid-host is treated as an
// impersonation attempt.
func (f *WebFilter) AuthorityScore(rawURL string) float64 {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return 0
	}
	host := strings.ToLower(u.Hostname())

	// Trusted TLD label in the middle of the host is a spoof
	// (*.gov.*.com and friends).
	for _, label := range []string{".gov.", ".edu."} {
		if strings.Contains(host, label) && !strings.HasSuffix(host, strings.TrimSuffix(label, ".")) {
			return 0
		}
	}

	for _, rule := range f.scorecard {
		if strings.HasSuffix(host, rule.suffix) || host == strings.TrimPrefix(rule.suffix, ".") {
			return rule.score
		}
	}
	return 0.2
}
