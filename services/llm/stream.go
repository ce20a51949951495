// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// streamAccumulator collects delta text and reasoning fragments during
// one streaming completion.
//
// Reasoning buffers are keyed by "item:output:summary". The buffer for a
// key is deleted when its completion signal arrives; leaving completed
// buffers resident was a documented memory-leak class, so deletion is
// load-bearing, not tidiness.
type streamAccumulator struct {
	mu sync.Mutex

	// text accumulates answer deltas per choice index.
	text map[int]*strings.Builder

	// reasoning accumulates summary fragments per sequencing key.
	reasoning map[string]*reasoningBuffer
}

type reasoningBuffer struct {
	itemID       string
	outputIndex  int
	summaryIndex int
	builder      strings.Builder
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{
		text:      map[int]*strings.Builder{},
		reasoning: map[string]*reasoningBuffer{},
	}
}

func reasoningKey(itemID string, outputIndex, summaryIndex int) string {
	return fmt.Sprintf("%s:%d:%d", itemID, outputIndex, summaryIndex)
}

// appendText accumulates an answer delta for a choice.
func (a *streamAccumulator) appendText(_ string, choiceIndex int, delta string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.text[choiceIndex]
	if !ok {
		b = &strings.Builder{}
		a.text[choiceIndex] = b
	}
	b.WriteString(delta)
}

// appendReasoning accumulates a reasoning fragment and returns the
// sequenced fragment to forward. The wire exposes one summary stream per
// choice, so summaryIndex is fixed at 0 here.
func (a *streamAccumulator) appendReasoning(itemID string, outputIndex int, delta string) *ReasoningFragment {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := reasoningKey(itemID, outputIndex, 0)
	buf, ok := a.reasoning[key]
	if !ok {
		buf = &reasoningBuffer{itemID: itemID, outputIndex: outputIndex}
		a.reasoning[key] = buf
	}
	buf.builder.WriteString(delta)

	return &ReasoningFragment{
		ItemID:       itemID,
		OutputIndex:  outputIndex,
		SummaryIndex: buf.summaryIndex,
		Text:         delta,
	}
}

// finishReasoning deletes the accumulation buffer for a completed key.
func (a *streamAccumulator) finishReasoning(itemID string, outputIndex int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reasoning, reasoningKey(itemID, outputIndex, 0))
}

// drain returns the concatenated answer text across choices, in choice
// order, and releases all buffers.
func (a *streamAccumulator) drain() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	indices := make([]int, 0, len(a.text))
	for i := range a.text {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	var out strings.Builder
	for _, i := range indices {
		out.WriteString(a.text[i].String())
	}
	a.text = map[int]*strings.Builder{}
	a.reasoning = map[string]*reasoningBuffer{}
	return out.String()
}

// pendingReasoningBuffers reports resident buffer count (test hook for
// the leak invariant).
func (a *streamAccumulator) pendingReasoningBuffers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reasoning)
}

// =============================================================================
// Reasoning Summary Dedup
// =============================================================================

// ReasoningDeduper suppresses exact-duplicate reasoning summaries.
// Comparison is by exact content; whitespace is not normalized.
type ReasoningDeduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewReasoningDeduper creates an empty deduper (one per turn).
func NewReasoningDeduper() *ReasoningDeduper {
	return &ReasoningDeduper{seen: map[string]struct{}{}}
}

// FirstSighting reports whether summary has not been seen before, and
// records it. Idempotent: dedupe(dedupe(xs)) == dedupe(xs).
func (d *ReasoningDeduper) FirstSighting(summary string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.seen[summary]; dup {
		return false
	}
	d.seen[summary] = struct{}{}
	return true
}
