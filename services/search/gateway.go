// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package search provides the document retrieval gateway: hybrid
// keyword+vector search, pure vector search, and lazy hybrid search
// with deferred full-content hydration.
package search

import (
	"context"
	"sync"
	"time"

	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
)

// HybridOptions configures a hybrid search call.
type HybridOptions struct {
	// Top is the number of references requested.
	Top int
	// Filter is an optional planner-supplied filter expression. It
	// must satisfy the closed filter grammar (see ValidateFilter);
	// invalid filters are rejected, never forwarded.
	Filter string
	// RerankerThreshold drops references scoring below it. Zero or
	// negative disables threshold filtering.
	RerankerThreshold float64
	// SelectFields overrides the default retrieved properties.
	SelectFields []string
	// SearchFields restricts keyword matching to named properties.
	SearchFields []string
	// Class targets a different index than the default document
	// class. Empty means the default.
	Class string
	// SessionID keys warning deduplication.
	SessionID string
}

// VectorOptions configures a pure vector search call.
type VectorOptions struct {
	Top          int
	Filter       string
	SelectFields []string
	SessionID    string
}

// LazyOptions configures a lazy hybrid search call.
type LazyOptions struct {
	Top               int
	RerankerThreshold float64
	// SummaryMaxChars caps the summary text a lazy reference carries
	// before hydration. Default 300.
	SummaryMaxChars int
	// PrefetchCount hydrates the first N references eagerly.
	PrefetchCount int
	SessionID     string
}

// Result is the outcome of a search call.
type Result struct {
	References []datatypes.Reference
	// Coverage is normalized to [0,1] at this boundary regardless of
	// how the wire reports it.
	Coverage float64
	// ThresholdExhausted is set when a positive reranker threshold
	// filtered out every reference. The reference list is empty here
	// on purpose; the unfiltered set is never substituted.
	ThresholdExhausted bool
}

// LazyResult pairs lazy references with the same coverage semantics.
type LazyResult struct {
	References         []*datatypes.LazyReference
	Coverage           float64
	ThresholdExhausted bool
}

// Gateway is the retrieval contract the dispatcher programs against.
type Gateway interface {
	HybridSearch(ctx context.Context, query string, opts HybridOptions) (*Result, error)
	VectorSearch(ctx context.Context, query string, opts VectorOptions) (*Result, error)
	LazyHybridSearch(ctx context.Context, query string, opts LazyOptions) (*LazyResult, error)
}

// Embedder computes query embeddings for vector search.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// =============================================================================
// Coverage Normalization
// =============================================================================

// NormalizeCoverage maps a wire-reported coverage figure onto [0,1].
// Upstream engines disagree on scale: some report a fraction, some a
// percentage. Values above 1 are treated as percentages; the result
// is clamped.
func NormalizeCoverage(raw float64) float64 {
	if raw > 1 {
		raw = raw / 100
	}
	if raw < 0 {
		return 0
	}
	if raw > 1 {
		return 1
	}
	return raw
}

// =============================================================================
// Warning Deduplication
// =============================================================================

// WarningDeduper suppresses repeated per-session warnings (such as
// threshold_exhausted) within a TTL window. Expired entries are pruned
// on each call, so the map stays bounded by active sessions.
type WarningDeduper struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	now     func() time.Time
}

// NewWarningDeduper creates a deduper with the given TTL. A zero TTL
// defaults to 10 minutes.
func NewWarningDeduper(ttl time.Duration) *WarningDeduper {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &WarningDeduper{
		ttl:     ttl,
		entries: map[string]time.Time{},
		now:     time.Now,
	}
}

// ShouldEmit reports whether a warning keyed by (sessionID, kind) has
// not fired within the TTL window, recording it when it has not.
func (d *WarningDeduper) ShouldEmit(sessionID, kind string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, at := range d.entries {
		if now.Sub(at) > d.ttl {
			delete(d.entries, k)
		}
	}

	key := sessionID + "|" + kind
	if at, ok := d.entries[key]; ok && now.Sub(at) <= d.ttl {
		return false
	}
	d.entries[key] = now
	return true
}

// Len reports active (non-expired at last prune) entries.
func (d *WarningDeduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
