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
	"encoding/json"
	"regexp"

	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
)

// Redaction patterns. Replacement tokens contain no digits or @, so
// applying a pattern to already-redacted text is a no-op, which is
// what makes Redact idempotent.
var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
)

// Redact masks emails, card-number-like digit runs, and SSN-like
// patterns. Event-agnostic: it knows nothing about payload structure.
func Redact(s string) string {
	s = emailPattern.ReplaceAllString(s, "[EMAIL]")
	s = ssnPattern.ReplaceAllString(s, "[SSN]")
	s = cardPattern.ReplaceAllString(s, "[CARD]")
	return s
}

// RedactRecord masks a turn record in place: question, answer, and
// every captured event payload.
func RedactRecord(rec *datatypes.TurnRecord) {
	rec.Question = Redact(rec.Question)
	rec.Answer = Redact(rec.Answer)
	for i := range rec.Events {
		rec.Events[i].Data = redactValue(rec.Events[i].Data)
	}
}

// redactValue masks any JSON-representable value by round-tripping it
// through its serialized form. Non-serializable payloads are replaced
// wholesale; telemetry must never be the thing that leaks.
func redactValue(v any) any {
	if v == nil {
		return nil
	}
	if s, ok := v.(string); ok {
		return Redact(s)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "[UNSERIALIZABLE]"
	}
	redacted := Redact(string(raw))
	if redacted == string(raw) {
		return v
	}
	var out any
	if err := json.Unmarshal([]byte(redacted), &out); err != nil {
		// Redaction broke the JSON shape (a masked token replaced a
		// number). Keep the redacted text rather than the original.
		return redacted
	}
	return out
}
