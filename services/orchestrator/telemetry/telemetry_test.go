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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
)

func TestRedactMasksKnownPatterns(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"email", "contact me at jane.doe+x@example.org please", "contact me at [EMAIL] please"},
		{"card with spaces", "card 4111 1111 1111 1111 thanks", "card [CARD] thanks"},
		{"card with dashes", "4111-1111-1111-1111", "[CARD]"},
		{"ssn", "my ssn is 123-45-6789", "my ssn is [SSN]"},
		{"clean text untouched", "nothing sensitive here", "nothing sensitive here"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Redact(tc.in))
		})
	}
}

func TestRedactIsIdempotent(t *testing.T) {
	in := "jane@x.io and 123-45-6789 and 4111 1111 1111 1111"
	once := Redact(in)
	assert.Equal(t, once, Redact(once))
}

func TestRedactRecordCoversEventPayloads(t *testing.T) {
	rec := datatypes.TurnRecord{
		Question: "email bob@corp.com about this",
		Answer:   "reach 123-45-6789",
		Events: []datatypes.CapturedEvent{
			{Event: EventWarning, Data: "leaked a@b.co"},
			{Event: EventContext, Data: map[string]any{"note": "ssn 123-45-6789"}},
		},
	}
	RedactRecord(&rec)

	assert.Equal(t, "email [EMAIL] about this", rec.Question)
	assert.Equal(t, "reach [SSN]", rec.Answer)
	assert.Equal(t, "leaked [EMAIL]", rec.Events[0].Data)
	assert.Contains(t, fmt.Sprint(rec.Events[1].Data), "[SSN]")
}

func TestGuardedDropsUnknownEvents(t *testing.T) {
	var got []string
	emit := Guarded(func(event string, _ any) error {
		got = append(got, event)
		return nil
	})

	require.NoError(t, emit(EventStatus, "retrieving"))
	require.NoError(t, emit("made_up_event", nil))
	require.NoError(t, emit(EventDone, nil))
	assert.Equal(t, []string{EventStatus, EventDone}, got)
}

func TestRingEvictsOldestBeyondBound(t *testing.T) {
	r := NewRing(2)
	for i := 0; i < 3; i++ {
		r.Store(datatypes.TurnRecord{
			SessionID: fmt.Sprintf("sess_%d", i),
			Mode:      datatypes.ModeSync,
			Status:    datatypes.TurnStatusComplete,
		})
	}

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "sess_1", snap[0].SessionID, "oldest retained record first")
	assert.Equal(t, "sess_2", snap[1].SessionID)

	agg := r.Aggregate()
	assert.Equal(t, 3, agg.Total, "aggregates outlive eviction")
}

func TestRingAggregates(t *testing.T) {
	r := NewRing(10)
	r.Store(datatypes.TurnRecord{
		Mode:   datatypes.ModeStream,
		Status: datatypes.TurnStatusComplete,
		Route:  &datatypes.RouteDecision{Intent: datatypes.IntentFAQ},
		CriticHistory: []datatypes.CriticReport{
			{Coverage: 0.4}, {Coverage: 0.9},
		},
		ContextBudget: &datatypes.BudgetBreakdown{SummarySelection: "semantic"},
	})
	r.Store(datatypes.TurnRecord{Mode: datatypes.ModeSync, Status: datatypes.TurnStatusError})
	r.Store(datatypes.TurnRecord{
		Mode: datatypes.ModeSync, Status: datatypes.TurnStatusRefused,
		CriticHistory: []datatypes.CriticReport{{Coverage: 0.3}},
	})

	agg := r.Aggregate()
	assert.Equal(t, 3, agg.Total)
	assert.Equal(t, 1, agg.ByRoute["faq"])
	assert.Equal(t, 2, agg.ByMode[datatypes.ModeSync])
	assert.Equal(t, 1, agg.BySummaryMode["semantic"])
	// Only the final critic iteration counts: (0.9 + 0.3) / 2.
	assert.InDelta(t, 0.6, agg.AverageCoverage, 1e-9)
	assert.InDelta(t, 1.0/3.0, agg.ErrorRate, 1e-9)
	assert.Equal(t, 1, agg.RefusalCount)
}

func TestRedactionStoresRedactedRecords(t *testing.T) {
	r := NewRing(4)
	r.Store(datatypes.TurnRecord{Question: "mail me: x@y.dev", Status: datatypes.TurnStatusComplete})
	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "mail me: [EMAIL]", snap[0].Question)
}
