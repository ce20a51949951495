// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Tunables is the closed set of runtime-tunable thresholds.
//
// Values load from the environment at startup and may be hot-reloaded
// from a JSON file (the orchestrator watches it with fsnotify and swaps
// an atomic pointer). JSON field names double as the environment
// variable names.
type Tunables struct {
	RerankerThreshold             float64       `json:"RERANKER_THRESHOLD"`
	FallbackRerankerThreshold     float64       `json:"FALLBACK_RERANKER_THRESHOLD"`
	RetrievalMinDocs              int           `json:"RETRIEVAL_MIN_DOCS"`
	RAGTopK                       int           `json:"RAG_TOP_K"`
	LazySummaryMaxChars           int           `json:"LAZY_SUMMARY_MAX_CHARS"`
	LazyPrefetchCount             int           `json:"LAZY_PREFETCH_COUNT"`
	ConfidenceEscalationThreshold float64       `json:"CONFIDENCE_ESCALATION_THRESHOLD"`
	CriticMaxRetries              int           `json:"CRITIC_MAX_RETRIES"`
	CriticThreshold               float64       `json:"CRITIC_THRESHOLD"`
	CriticAcceptCoverage          float64       `json:"CRITIC_ACCEPT_COVERAGE"`
	AdaptiveMinCoverage           float64       `json:"ADAPTIVE_MIN_COVERAGE"`
	AdaptiveMinDiversity          float64       `json:"ADAPTIVE_MIN_DIVERSITY"`
	AdaptiveMaxReformulations     int           `json:"ADAPTIVE_MAX_REFORMULATIONS"`
	SearchMinCoverage             float64       `json:"SEARCH_MIN_COVERAGE"`
	WebMinAuthority               float64       `json:"WEB_MIN_AUTHORITY"`
	WebMaxRedundancy              float64       `json:"WEB_MAX_REDUNDANCY"`
	WebMinRelevance               float64       `json:"WEB_MIN_RELEVANCE"`
	WebContextMaxTokens           int           `json:"WEB_CONTEXT_MAX_TOKENS"`
	MaxMessageLength              int           `json:"MAX_MESSAGE_LENGTH"`
	MaxMessagesPerRequest         int           `json:"MAX_MESSAGES_PER_REQUEST"`
	TokenExpirySlop               time.Duration `json:"TOKEN_EXPIRY_SLOP_MS"`
	RequestTimeout                time.Duration `json:"REQUEST_TIMEOUT_MS"`
}

// DefaultTunables returns the production defaults.
func DefaultTunables() Tunables {
	return Tunables{
		RerankerThreshold:             2.0,
		FallbackRerankerThreshold:     1.0,
		RetrievalMinDocs:              3,
		RAGTopK:                       10,
		LazySummaryMaxChars:           300,
		LazyPrefetchCount:             3,
		ConfidenceEscalationThreshold: 0.45,
		CriticMaxRetries:              2,
		CriticThreshold:               0.6,
		CriticAcceptCoverage:          0.8,
		AdaptiveMinCoverage:           0.4,
		AdaptiveMinDiversity:          0.3,
		AdaptiveMaxReformulations:     3,
		SearchMinCoverage:             0.5,
		WebMinAuthority:               0.3,
		WebMaxRedundancy:              0.92,
		WebMinRelevance:               0.25,
		WebContextMaxTokens:           2048,
		MaxMessageLength:              DefaultMaxMessageLength,
		MaxMessagesPerRequest:         DefaultMaxMessagesPerRequest,
		TokenExpirySlop:               2 * time.Minute,
		RequestTimeout:                120 * time.Second,
	}
}

// TunablesFromEnv overlays environment variables onto the defaults.
// Unparseable values are logged and skipped.
func TunablesFromEnv() Tunables {
	t := DefaultTunables()
	envFloat("RERANKER_THRESHOLD", &t.RerankerThreshold)
	envFloat("FALLBACK_RERANKER_THRESHOLD", &t.FallbackRerankerThreshold)
	envInt("RETRIEVAL_MIN_DOCS", &t.RetrievalMinDocs)
	envInt("RAG_TOP_K", &t.RAGTopK)
	envInt("LAZY_SUMMARY_MAX_CHARS", &t.LazySummaryMaxChars)
	envInt("LAZY_PREFETCH_COUNT", &t.LazyPrefetchCount)
	envFloat("CONFIDENCE_ESCALATION_THRESHOLD", &t.ConfidenceEscalationThreshold)
	envInt("CRITIC_MAX_RETRIES", &t.CriticMaxRetries)
	envFloat("CRITIC_THRESHOLD", &t.CriticThreshold)
	envFloat("CRITIC_ACCEPT_COVERAGE", &t.CriticAcceptCoverage)
	envFloat("ADAPTIVE_MIN_COVERAGE", &t.AdaptiveMinCoverage)
	envFloat("ADAPTIVE_MIN_DIVERSITY", &t.AdaptiveMinDiversity)
	envInt("ADAPTIVE_MAX_REFORMULATIONS", &t.AdaptiveMaxReformulations)
	envFloat("SEARCH_MIN_COVERAGE", &t.SearchMinCoverage)
	envFloat("WEB_MIN_AUTHORITY", &t.WebMinAuthority)
	envFloat("WEB_MAX_REDUNDANCY", &t.WebMaxRedundancy)
	envFloat("WEB_MIN_RELEVANCE", &t.WebMinRelevance)
	envInt("WEB_CONTEXT_MAX_TOKENS", &t.WebContextMaxTokens)
	envInt("MAX_MESSAGE_LENGTH", &t.MaxMessageLength)
	envInt("MAX_MESSAGES_PER_REQUEST", &t.MaxMessagesPerRequest)
	envMillis("TOKEN_EXPIRY_SLOP_MS", &t.TokenExpirySlop)
	envMillis("REQUEST_TIMEOUT_MS", &t.RequestTimeout)
	return t
}

// LoadTunablesFile reads a JSON tunables file, overlaying onto defaults.
// Duration fields are expressed in milliseconds in the file.
func LoadTunablesFile(path string) (Tunables, error) {
	t := DefaultTunables()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("reading tunables file: %w", err)
	}

	var onDisk struct {
		Tunables
		TokenExpirySlopMS int64 `json:"TOKEN_EXPIRY_SLOP_MS"`
		RequestTimeoutMS  int64 `json:"REQUEST_TIMEOUT_MS"`
	}
	onDisk.Tunables = t
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		return t, fmt.Errorf("parsing tunables file: %w", err)
	}
	t = onDisk.Tunables
	if onDisk.TokenExpirySlopMS > 0 {
		t.TokenExpirySlop = time.Duration(onDisk.TokenExpirySlopMS) * time.Millisecond
	}
	if onDisk.RequestTimeoutMS > 0 {
		t.RequestTimeout = time.Duration(onDisk.RequestTimeoutMS) * time.Millisecond
	}
	return t, nil
}

func envFloat(name string, dst *float64) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("Ignoring unparseable tunable", "name", name, "value", raw)
		return
	}
	*dst = v
}

func envInt(name string, dst *int) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Ignoring unparseable tunable", "name", name, "value", raw)
		return
	}
	*dst = v
}

func envMillis(name string, dst *time.Duration) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("Ignoring unparseable tunable", "name", name, "value", raw)
		return
	}
	*dst = time.Duration(v) * time.Millisecond
}
