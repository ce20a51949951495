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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/agentrag/pkg/orcherrors"
)

func TestStreamAccumulatorConcatenatesInChoiceOrder(t *testing.T) {
	acc := newStreamAccumulator()
	acc.appendText("resp", 1, " world")
	acc.appendText("resp", 0, "hello")
	acc.appendText("resp", 0, ",")

	assert.Equal(t, "hello, world", acc.drain())
	assert.Equal(t, "", acc.drain(), "drain releases buffers")
}

func TestStreamAccumulatorReasoningBufferLifecycle(t *testing.T) {
	acc := newStreamAccumulator()

	frag := acc.appendReasoning("item_a", 0, "first ")
	require.NotNil(t, frag)
	assert.Equal(t, "item_a", frag.ItemID)
	assert.Equal(t, 0, frag.SummaryIndex)
	assert.Equal(t, "first ", frag.Text)

	acc.appendReasoning("item_a", 0, "part")
	acc.appendReasoning("item_b", 1, "other")
	assert.Equal(t, 2, acc.pendingReasoningBuffers())

	// Completion must delete the buffer for exactly that key.
	acc.finishReasoning("item_a", 0)
	assert.Equal(t, 1, acc.pendingReasoningBuffers())
	acc.finishReasoning("item_b", 1)
	assert.Equal(t, 0, acc.pendingReasoningBuffers())
}

func TestReasoningDeduperIsIdempotent(t *testing.T) {
	d := NewReasoningDeduper()
	assert.True(t, d.FirstSighting("checking sources"))
	assert.False(t, d.FirstSighting("checking sources"))
	// Whitespace differences are distinct content.
	assert.True(t, d.FirstSighting("checking sources "))
	assert.False(t, d.FirstSighting("checking sources "))
}

func TestResponseStoreEvictsOldestBeyondBound(t *testing.T) {
	store := NewResponseStore(2)
	first := store.Put("q1", "a1", Usage{})
	second := store.Put("q2", "a2", Usage{})
	third := store.Put("q3", "a3", Usage{})

	_, ok := store.Get(first)
	assert.False(t, ok, "oldest entry evicted")
	_, ok = store.Get(second)
	assert.True(t, ok)

	got, ok := store.Get(third)
	require.True(t, ok)
	assert.Equal(t, "q3", got.Input)
	assert.Equal(t, "a3", got.Output)
	assert.Equal(t, 2, store.Len())
}

func TestResponseStoreDeleteAndInputItems(t *testing.T) {
	store := NewResponseStore(8)
	id := store.Put("what is raft?", "a consensus protocol", Usage{PromptTokens: 4})

	items, ok := store.InputItems(id)
	require.True(t, ok)
	require.Len(t, items, 1)
	assert.Equal(t, "user", items[0].Role)
	assert.Equal(t, "what is raft?", items[0].Text)

	assert.True(t, store.Delete(id))
	assert.False(t, store.Delete(id), "second delete reports unknown id")
	_, ok = store.InputItems(id)
	assert.False(t, ok)
}

func TestParseStructuredStripsFences(t *testing.T) {
	type verdict struct {
		Grounded bool    `json:"grounded"`
		Coverage float64 `json:"coverage"`
	}

	var v verdict
	err := ParseStructured("```json\n{\"grounded\": true, \"coverage\": 0.9}\n```", &v)
	require.NoError(t, err)
	assert.True(t, v.Grounded)
	assert.InDelta(t, 0.9, v.Coverage, 1e-9)
}

func TestParseStructuredRefusesEmptyAndMalformed(t *testing.T) {
	var dst map[string]any

	err := ParseStructured("", &dst)
	require.Error(t, err)
	assert.True(t, orcherrors.IsKind(err, orcherrors.KindParse))

	err = ParseStructured("{not json", &dst)
	require.Error(t, err)
	assert.True(t, orcherrors.IsKind(err, orcherrors.KindParse))
}

func TestExtractOutputTextLayers(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    string
	}{
		{
			name:    "output_text wins",
			payload: `{"output_text":"direct","content":[{"text":"nested"}]}`,
			want:    "direct",
		},
		{
			name:    "content parts concatenated",
			payload: `{"content":[{"text":"part one "},{"text":"part two"}]}`,
			want:    "part one part two",
		},
		{
			name:    "tool call arguments",
			payload: `{"tool_calls":[{"function":{"arguments":"{\"intent\":\"faq\"}"}}]}`,
			want:    `{"intent":"faq"}`,
		},
		{
			name:    "nothing extractable is explicit",
			payload: `{"unrelated":true}`,
			want:    "",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExtractOutputText([]byte(tc.payload)))
		})
	}
}

func TestSchemaForMarksStrictClosedObject(t *testing.T) {
	type route struct {
		Intent     string  `json:"intent"`
		Confidence float64 `json:"confidence"`
	}

	spec := SchemaFor[route]("route_decision")
	require.NotNil(t, spec)
	assert.Equal(t, "route_decision", spec.Name)
	assert.True(t, spec.Strict)
	require.NotNil(t, spec.Schema)
}
