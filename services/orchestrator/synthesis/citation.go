// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package synthesis

import (
	"regexp"
	"strconv"

	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
)

// Refusal sentinels. These exact strings are the delivered answer when
// validation fails; the UI keys on the prefix.
const (
	RefusalNoCitations     = "I do not know. (No grounded citations available)"
	RefusalCitationInvalid = "I do not know. (Citation validation failed)"
)

// StreamCitationWarning is appended as a trailing token when a stream
// already delivered text that later failed citation validation.
const StreamCitationWarning = "\n[System Notice: Citation validation failed. The answer above may contain unsupported citations.]"

// RefusalPrefix is shared by every refusal sentinel.
const RefusalPrefix = "I do not know."

var citationPattern = regexp.MustCompile(`\[(\d+)\]`)

// CitedIndices returns the distinct 1-based citation indices appearing
// in the answer, in first-appearance order. Malformed or zero indices
// are returned as-is; validity is the validator's business.
func CitedIndices(answer string) []int {
	seen := map[int]struct{}{}
	var out []int
	for _, m := range citationPattern.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// ValidateCitations checks an answer against its reference list.
//
// # Description
//
// Rules, in order:
//  1. References supplied but no [n] marker: substitute the
//     no-citations refusal. A refusal-prefixed answer is exempt; the
//     model declining to answer is not a citation failure.
//  2. Every [n] must satisfy 1 <= n <= len(references) and point at a
//     reference with displayable text (content, chunk, then summary;
//     a lazy reference's summary is valid ground). Violation
//     substitutes the invalid-citation refusal.
//  3. No references supplied: markers are themselves violations.
//
// # Outputs
//
//   - validated: the delivered answer (original or substituted).
//   - ok: false when a substitution happened.
//   - reason: machine-readable cause, empty when ok.
func ValidateCitations(answer string, refs []datatypes.Reference) (validated string, ok bool, reason string) {
	indices := CitedIndices(answer)

	if len(refs) == 0 {
		if len(indices) > 0 {
			return RefusalCitationInvalid, false, "citations_without_references"
		}
		return answer, true, ""
	}

	if len(indices) == 0 {
		if isRefusal(answer) {
			return answer, true, ""
		}
		return RefusalNoCitations, false, "no_citations"
	}

	for _, n := range indices {
		if n < 1 || n > len(refs) {
			return RefusalCitationInvalid, false, "citation_out_of_range"
		}
		if !refs[n-1].HasDisplayText() {
			return RefusalCitationInvalid, false, "citation_without_display_text"
		}
	}
	return answer, true, ""
}

func isRefusal(answer string) bool {
	return len(answer) >= len(RefusalPrefix) && answer[:len(RefusalPrefix)] == RefusalPrefix
}
