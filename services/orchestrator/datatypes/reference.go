// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"
)

// TruncateBytes cuts s to at most max bytes, backing up so a
// multi-byte rune is never split.
func TruncateBytes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// =============================================================================
// Reference
// =============================================================================

// Reference is a retrieved document chunk, alive for one turn.
//
// Invariant: every reference handed to the LLM must have non-empty
// displayable text (Content, Chunk, or Summary).
type Reference struct {
	ID         string         `json:"id"`
	Title      string         `json:"title,omitempty"`
	Content    string         `json:"content,omitempty"`
	Chunk      string         `json:"chunk,omitempty"`
	Summary    string         `json:"summary,omitempty"`
	URL        string         `json:"url,omitempty"`
	PageNumber int            `json:"page_number,omitempty"`
	Score      float64        `json:"score,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// DisplayText returns the first non-empty of Content, Chunk, Summary.
// A summary is valid grounding for a lazy reference that was never
// hydrated.
func (r *Reference) DisplayText() string {
	if r.Content != "" {
		return r.Content
	}
	if r.Chunk != "" {
		return r.Chunk
	}
	return r.Summary
}

// HasDisplayText reports whether the reference may be shown to the LLM.
func (r *Reference) HasDisplayText() bool {
	return r.DisplayText() != ""
}

// SetMeta attaches a metadata key, allocating the bag on first use.
func (r *Reference) SetMeta(key string, value any) {
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.Metadata[key] = value
}

// =============================================================================
// LazyReference
// =============================================================================

// LazyState tags which fields of a LazyReference are valid.
type LazyState string

const (
	// LazySummary means only the summary text is loaded.
	LazySummary LazyState = "summary"
	// LazyFull means the full chunk content has been hydrated.
	LazyFull LazyState = "full"
)

// LoaderFunc fetches the full content for a lazy reference by exact id.
type LoaderFunc func(ctx context.Context) (string, error)

// LazyReference is a Reference in one of two states: Summary (short
// text plus a loader) or Full (hydrated content). The only legal
// transition is Summary → Full through Hydrate; the back-transition is
// forbidden and Hydrate is idempotent under concurrency.
type LazyReference struct {
	Ref    Reference
	loader LoaderFunc

	mu       sync.Mutex
	state    LazyState
	hydrated time.Time
}

// NewLazyReference creates a summary-state lazy reference.
func NewLazyReference(ref Reference, loader LoaderFunc) *LazyReference {
	return &LazyReference{Ref: ref, loader: loader, state: LazySummary}
}

// State returns the current state tag.
func (l *LazyReference) State() LazyState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Hydrate transitions Summary → Full by invoking the loader.
//
// The transition is monotonic and idempotent: once Full, subsequent
// calls return immediately without touching the loader, and concurrent
// callers serialize on the internal mutex so the loader runs at most
// once per reference per turn.
func (l *LazyReference) Hydrate(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == LazyFull {
		return nil
	}
	if l.loader == nil {
		return fmt.Errorf("lazy reference %q has no loader", l.Ref.ID)
	}

	full, err := l.loader(ctx)
	if err != nil {
		return fmt.Errorf("hydrating reference %q: %w", l.Ref.ID, err)
	}
	if full == "" {
		return fmt.Errorf("loader returned empty content for reference %q", l.Ref.ID)
	}

	l.Ref.Content = full
	l.Ref.SetMeta("lazy_hydrated", true)
	l.state = LazyFull
	l.hydrated = time.Now()
	return nil
}

// =============================================================================
// WebResult
// =============================================================================

// WebResult is one external web search hit, alive for one turn.
type WebResult struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Snippet      string    `json:"snippet"`
	URL          string    `json:"url"`
	Rank         int       `json:"rank"`
	FetchedAt    time.Time `json:"fetched_at"`
	Body         string    `json:"body,omitempty"`
	QualityScore float64   `json:"quality_score,omitempty"`
}

// AsReference converts a web result into a citable reference.
func (w *WebResult) AsReference() Reference {
	content := w.Body
	if content == "" {
		content = w.Snippet
	}
	return Reference{
		ID:      w.ID,
		Title:   w.Title,
		Content: content,
		URL:     w.URL,
		Score:   w.QualityScore,
		Metadata: map[string]any{
			"source": "web",
			"rank":   w.Rank,
		},
	}
}

// =============================================================================
// Citation
// =============================================================================

// Citation is what the UI displays for one [n] marker. Index is the
// 1-based position inside the per-turn reference list.
type Citation struct {
	Index   int     `json:"index"`
	ID      string  `json:"id"`
	Title   string  `json:"title,omitempty"`
	URL     string  `json:"url,omitempty"`
	Page    int     `json:"page,omitempty"`
	Snippet string  `json:"snippet,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// CitationFromReference builds the UI citation for references[index-1].
func CitationFromReference(index int, ref Reference) Citation {
	snippet := TruncateBytes(ref.DisplayText(), 240)
	return Citation{
		Index:   index,
		ID:      ref.ID,
		Title:   ref.Title,
		URL:     ref.URL,
		Page:    ref.PageNumber,
		Snippet: snippet,
		Score:   ref.Score,
	}
}
