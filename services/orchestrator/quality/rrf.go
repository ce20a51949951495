// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package quality

import (
	"sort"

	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
)

// DefaultRRFK is the standard reciprocal-rank fusion constant.
const DefaultRRFK = 60

// DefaultBoostWeight scales the semantic boost term. RRF terms are at
// most 1/(k+1), so the boost must stay small to reorder rather than
// dominate.
const DefaultBoostWeight = 0.05

// RRFOptions tunes the fusion.
type RRFOptions struct {
	// K is the rank-smoothing constant. Default 60.
	K int
	// SemanticBoost adds boostWeight * cosine(ref, query) to each
	// fused score when query and reference vectors are supplied.
	SemanticBoost bool
	BoostWeight   float64
	QueryVec      []float32
	// RefVecs maps reference id to its embedding for the boost term.
	RefVecs map[string][]float32
}

// MergeRRF fuses a corpus-ranked list and a web-ranked list with
// reciprocal-rank fusion. Deduplication is by stable reference id: a
// reference present in both lists gets the sum of both rank terms,
// which is what pushes cross-confirmed results up.
func MergeRRF(corpus, web []datatypes.Reference, opts RRFOptions) []datatypes.Reference {
	k := opts.K
	if k <= 0 {
		k = DefaultRRFK
	}

	type fused struct {
		ref   datatypes.Reference
		score float64
		order int
	}
	byID := map[string]*fused{}
	order := 0

	accumulate := func(list []datatypes.Reference) {
		for rank, ref := range list {
			term := 1.0 / float64(k+rank+1)
			if f, ok := byID[ref.ID]; ok {
				f.score += term
				continue
			}
			byID[ref.ID] = &fused{ref: ref, score: term, order: order}
			order++
		}
	}
	accumulate(corpus)
	accumulate(web)

	if opts.SemanticBoost && opts.BoostWeight > 0 && len(opts.QueryVec) > 0 {
		for id, f := range byID {
			if vec, ok := opts.RefVecs[id]; ok {
				f.score += opts.BoostWeight * cosine(vec, opts.QueryVec)
			}
		}
	}

	merged := make([]*fused, 0, len(byID))
	for _, f := range byID {
		merged = append(merged, f)
	}
	// Ties break on first-seen order so the merge is deterministic.
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].score != merged[j].score {
			return merged[i].score > merged[j].score
		}
		return merged[i].order < merged[j].order
	})

	out := make([]datatypes.Reference, len(merged))
	for i, f := range merged {
		f.ref.Score = f.score
		out[i] = f.ref
	}
	return out
}
