// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package websearch provides the external web search gateway and the
// optional academic-paper sources.
package websearch

import (
	"context"

	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
)

// SafeSearch is the closed moderation level set.
type SafeSearch string

const (
	SafeSearchOff    SafeSearch = "off"
	SafeSearchActive SafeSearch = "active"
	SafeSearchHigh   SafeSearch = "high"
)

// ValidSafeSearch reports membership in the closed set.
func ValidSafeSearch(s SafeSearch) bool {
	switch s {
	case SafeSearchOff, SafeSearchActive, SafeSearchHigh:
		return true
	}
	return false
}

// Options configures one web search call.
type Options struct {
	// Count is the number of results requested. Default 5.
	Count int
	// SafeSearch moderation level. Default active.
	SafeSearch SafeSearch
	// RecencyDays restricts results to the last N days when positive.
	RecencyDays int
	// Mode is a provider-specific hint (e.g. "news"). Optional.
	Mode string
	// SessionID for telemetry attribution.
	SessionID string
}

// Response is the outcome of a web search. Results keep external rank
// order. ContextText is the rank-ordered assembled context, trimmed to
// the token budget the caller supplied at construction.
type Response struct {
	Results     []datatypes.WebResult
	ContextText string
	Tokens      int
	Trimmed     bool
}

// Gateway is the web search contract the dispatcher programs against.
type Gateway interface {
	Search(ctx context.Context, query string, opts Options) (*Response, error)
}

// TokenCounter estimates token counts for context trimming. The
// budgeter's estimator satisfies this.
type TokenCounter interface {
	Count(text string) int
}
