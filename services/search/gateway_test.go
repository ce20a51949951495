// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
)

func TestNormalizeCoverageHandlesBothWireScales(t *testing.T) {
	cases := []struct {
		name string
		raw  float64
		want float64
	}{
		{"fraction passes through", 0.42, 0.42},
		{"percentage is scaled", 85, 0.85},
		{"negative clamps to zero", -3, 0},
		{"over 100 clamps to one", 250, 1},
		{"exactly one is a fraction", 1, 1},
		{"zero stays zero", 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, NormalizeCoverage(tc.raw), 1e-9)
		})
	}
}

func TestFilterByScoreKeepsNothingBelowThreshold(t *testing.T) {
	refs := []datatypes.Reference{
		{ID: "a", Score: 2.5},
		{ID: "b", Score: 1.9},
		{ID: "c", Score: 2.0},
	}
	kept := filterByScore(refs, 2.0)
	assert.Len(t, kept, 2)
	assert.Equal(t, "a", kept[0].ID)
	assert.Equal(t, "c", kept[1].ID)

	assert.Empty(t, filterByScore(refs, 99))
}

func TestHitsToReferencesPrefersChunkIDAndTracksBestScore(t *testing.T) {
	hits := []datatypes.DocumentHit{
		{
			Content: "full text",
			Title:   "Doc A",
			ChunkID: "chunk_1",
			Additional: datatypes.HitMeta{
				ID:    "weaviate-uuid-1",
				Score: "2.4",
			},
		},
		{
			Content: "other text",
			Additional: datatypes.HitMeta{
				ID:    "weaviate-uuid-2",
				Score: "1.1",
			},
		},
	}

	refs, best := hitsToReferences(hits)
	assert.Len(t, refs, 2)
	assert.Equal(t, "chunk_1", refs[0].ID, "chunk_id wins when present")
	assert.Equal(t, "weaviate-uuid-2", refs[1].ID, "engine uuid is the fallback id")
	assert.InDelta(t, 2.4, best, 1e-9)
}

func TestHitScoreFallsBackToCertainty(t *testing.T) {
	certainty := float32(0.81)
	assert.InDelta(t, 0.81, hitScore(datatypes.HitMeta{Certainty: &certainty}), 1e-6)
	assert.InDelta(t, 3.2, hitScore(datatypes.HitMeta{Score: "3.2", Certainty: &certainty}), 1e-9)
	assert.Zero(t, hitScore(datatypes.HitMeta{Score: "not-a-number"}))
}

func TestWarningDeduperSuppressesWithinTTL(t *testing.T) {
	d := NewWarningDeduper(time.Minute)
	now := time.Unix(1000, 0)
	d.now = func() time.Time { return now }

	assert.True(t, d.ShouldEmit("sess_a", "threshold_exhausted"))
	assert.False(t, d.ShouldEmit("sess_a", "threshold_exhausted"))
	// Different session or kind is independent.
	assert.True(t, d.ShouldEmit("sess_b", "threshold_exhausted"))
	assert.True(t, d.ShouldEmit("sess_a", "missing_config"))

	// Past the TTL the warning fires again and stale entries are pruned.
	now = now.Add(2 * time.Minute)
	assert.True(t, d.ShouldEmit("sess_a", "threshold_exhausted"))
	assert.Equal(t, 1, d.Len(), "expired entries pruned on emit")
}
