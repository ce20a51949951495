// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"sync"

	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
)

// DefaultRingSize bounds the in-memory turn record ring.
const DefaultRingSize = 100

// Aggregates summarizes stored turn records.
type Aggregates struct {
	Total            int            `json:"total"`
	ByRoute          map[string]int `json:"byRoute"`
	ByMode           map[string]int `json:"byMode"`
	BySummaryMode    map[string]int `json:"bySummaryMode"`
	AverageCoverage  float64        `json:"averageCoverage"`
	ErrorRate        float64        `json:"errorRate"`
	RefusalCount     int            `json:"refusalCount"`
	CancelledCount   int            `json:"cancelledCount"`
}

// Ring is the bounded turn-record store. Single-writer lock; readers
// get snapshot clones, never live references.
type Ring struct {
	mu      sync.Mutex
	records []datatypes.TurnRecord
	next    int
	full    bool

	coverageSum  float64
	coverageN    int
	errorCount   int
	refusalCount int
	cancelCount  int
	byRoute      map[string]int
	byMode       map[string]int
	bySummary    map[string]int
	total        int
}

// NewRing creates a ring store. size <= 0 uses the default.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{
		records:   make([]datatypes.TurnRecord, size),
		byRoute:   map[string]int{},
		byMode:    map[string]int{},
		bySummary: map[string]int{},
	}
}

// Store redacts and records a completed turn. Aggregates count every
// stored turn, including those the ring has since evicted.
func (r *Ring) Store(rec datatypes.TurnRecord) {
	RedactRecord(&rec)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[r.next] = rec
	r.next = (r.next + 1) % len(r.records)
	if r.next == 0 {
		r.full = true
	}

	r.total++
	if rec.Route != nil {
		r.byRoute[string(rec.Route.Intent)]++
	}
	r.byMode[rec.Mode]++
	if rec.ContextBudget != nil && rec.ContextBudget.SummarySelection != "" {
		r.bySummary[rec.ContextBudget.SummarySelection]++
	}
	if n := len(rec.CriticHistory); n > 0 {
		r.coverageSum += rec.CriticHistory[n-1].Coverage
		r.coverageN++
	}
	switch rec.Status {
	case datatypes.TurnStatusError:
		r.errorCount++
	case datatypes.TurnStatusRefused:
		r.refusalCount++
	case datatypes.TurnStatusCancelled:
		r.cancelCount++
	}
}

// Snapshot returns a clone of the stored records, oldest first.
func (r *Ring) Snapshot() []datatypes.TurnRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []datatypes.TurnRecord
	if r.full {
		out = append(out, r.records[r.next:]...)
		out = append(out, r.records[:r.next]...)
	} else {
		out = append(out, r.records[:r.next]...)
	}
	// Clone event slices so readers cannot mutate stored state.
	for i := range out {
		out[i].Events = append([]datatypes.CapturedEvent(nil), out[i].Events...)
	}
	return out
}

// Aggregate returns current aggregates.
func (r *Ring) Aggregate() Aggregates {
	r.mu.Lock()
	defer r.mu.Unlock()

	agg := Aggregates{
		Total:          r.total,
		ByRoute:        cloneCounts(r.byRoute),
		ByMode:         cloneCounts(r.byMode),
		BySummaryMode:  cloneCounts(r.bySummary),
		RefusalCount:   r.refusalCount,
		CancelledCount: r.cancelCount,
	}
	if r.coverageN > 0 {
		agg.AverageCoverage = r.coverageSum / float64(r.coverageN)
	}
	if r.total > 0 {
		agg.ErrorRate = float64(r.errorCount) / float64(r.total)
	}
	return agg
}

func cloneCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
