// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package websearch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
)

// AssembleContext builds the web context block in rank order and trims
// it to maxTokens. Trimming drops whole results from the tail; a
// partial snippet is worse than one fewer source. A nil counter falls
// back to a chars/4 estimate.
func AssembleContext(results []datatypes.WebResult, maxTokens int, counter TokenCounter) (text string, tokens int, trimmed bool) {
	if len(results) == 0 {
		return "", 0, false
	}

	count := func(s string) int {
		if counter != nil {
			return counter.Count(s)
		}
		return (len(s) + 3) / 4
	}

	var b strings.Builder
	used := 0
	for _, r := range results {
		block := formatWebBlock(r)
		cost := count(block)
		if maxTokens > 0 && used+cost > maxTokens {
			trimmed = true
			break
		}
		b.WriteString(block)
		used += cost
	}
	return b.String(), used, trimmed
}

func formatWebBlock(r datatypes.WebResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s\n", r.Rank, r.Title)
	if r.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", r.URL)
	}
	body := r.Body
	if body == "" {
		body = r.Snippet
	}
	if body != "" {
		b.WriteString(body)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

// hashID derives a short stable id from a URL.
func hashID(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:])[:12]
}
