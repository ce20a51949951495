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
	"encoding/json"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/AleutianAI/agentrag/pkg/orcherrors"
)

// =============================================================================
// Schema Generation
// =============================================================================

// SchemaFor builds a strict StructuredSpec from a Go type.
//
// The reflector inlines definitions and forbids additional properties,
// matching the "strict" structured-output contract.
func SchemaFor[T any](name string) *StructuredSpec {
	reflector := jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	var zero T
	schema := reflector.Reflect(&zero)
	return &StructuredSpec{Name: name, Schema: schema, Strict: true}
}

// =============================================================================
// Layered Output Extraction
// =============================================================================

// rawOutput mirrors the provider response shapes the extractor layers
// over. Fields are probed in order; absent layers are skipped.
type rawOutput struct {
	OutputText string `json:"output_text"`
	Content    []struct {
		Text string `json:"text"`
	} `json:"content"`
	OutputJSON json.RawMessage `json:"output_json"`
	ToolCalls  []struct {
		Function struct {
			Arguments string `json:"arguments"`
		} `json:"function"`
	} `json:"tool_calls"`
	Parsed json.RawMessage `json:"parsed"`
}

// ExtractOutputText normalizes a provider response payload to text.
//
// Layers, in order: output_text; concatenated message content items;
// serialized output_json; first tool-call arguments; parsed. An empty
// return is an explicit failure signal; callers must refuse to parse
// an empty payload as JSON.
func ExtractOutputText(payload []byte) string {
	var raw rawOutput
	if err := json.Unmarshal(payload, &raw); err != nil {
		return ""
	}
	if raw.OutputText != "" {
		return raw.OutputText
	}
	if len(raw.Content) > 0 {
		var b strings.Builder
		for _, item := range raw.Content {
			b.WriteString(item.Text)
		}
		if b.Len() > 0 {
			return b.String()
		}
	}
	if len(raw.OutputJSON) > 0 && string(raw.OutputJSON) != "null" {
		return string(raw.OutputJSON)
	}
	if len(raw.ToolCalls) > 0 && raw.ToolCalls[0].Function.Arguments != "" {
		return raw.ToolCalls[0].Function.Arguments
	}
	if len(raw.Parsed) > 0 && string(raw.Parsed) != "null" {
		return string(raw.Parsed)
	}
	return ""
}

// ParseStructured unmarshals a structured-output payload into dst.
//
// Empty payloads are refused with a parse error rather than silently
// decoded; "empty" and "not present" must stay distinguishable.
func ParseStructured(text string, dst any) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return orcherrors.New(orcherrors.KindParse, "structured output payload is empty")
	}
	// Models occasionally fence the JSON despite strict mode.
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	if err := json.Unmarshal([]byte(trimmed), dst); err != nil {
		return orcherrors.Wrap(orcherrors.KindParse, "decoding structured output", err)
	}
	return nil
}
