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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/agentrag/pkg/orcherrors"
	"github.com/AleutianAI/agentrag/pkg/retry"
	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("aleutian.agentrag.websearch")

const (
	defaultBraveEndpoint = "https://api.search.brave.com/res/v1/web/search"
	defaultResultCount   = 5
	maxResultCount       = 20
)

// BraveGateway implements Gateway against the Brave Search API.
//
// # Description
//
// Issues rate-limited, retried search calls. A missing API key is not
// an error at this layer: Search returns an empty result set and
// reports missing_config through the telemetry hook, leaving the
// fatal/non-fatal decision to the caller.
//
// # Assumptions
//
//   - BRAVE_SEARCH_API_KEY carries the subscription token.
type BraveGateway struct {
	endpoint    string
	apiKey      string
	client      *http.Client
	limiter     *rate.Limiter
	retryCfg    retry.Config
	counter     TokenCounter
	maxTokens   int
	onTelemetry func(sessionID, event string, fields map[string]any)
}

var _ Gateway = (*BraveGateway)(nil)

// BraveConfig configures the gateway.
type BraveConfig struct {
	// Endpoint overrides the API URL (tests).
	Endpoint string
	// APIKey overrides BRAVE_SEARCH_API_KEY.
	APIKey string
	// RequestTimeout bounds each HTTP attempt. Default 10s.
	RequestTimeout time.Duration
	// RatePerSecond caps outbound calls. Default 1/s, burst 3.
	RatePerSecond float64
	// MaxAttempts for the shared retry wrapper. Default 3.
	MaxAttempts int
	// MaxContextTokens bounds the assembled context text.
	MaxContextTokens int
	// Counter estimates tokens for trimming.
	Counter TokenCounter
	// OnTelemetry receives gateway telemetry (missing_config and
	// per-call outcomes).
	OnTelemetry func(sessionID, event string, fields map[string]any)
}

// NewBraveGateway creates the gateway. Construction never fails on a
// missing key; the degraded behavior is per-call.
func NewBraveGateway(cfg BraveConfig) *BraveGateway {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultBraveEndpoint
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("BRAVE_SEARCH_API_KEY")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 1
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}

	return &BraveGateway{
		endpoint:    endpoint,
		apiKey:      apiKey,
		client:      &http.Client{Timeout: timeout},
		limiter:     rate.NewLimiter(rate.Limit(rps), 3),
		retryCfg:    retry.Config{MaxAttempts: attempts, AttemptTimeout: timeout},
		counter:     cfg.Counter,
		maxTokens:   cfg.MaxContextTokens,
		onTelemetry: cfg.OnTelemetry,
	}
}

// Search runs one web search. Results keep external rank order.
func (g *BraveGateway) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	ctx, span := tracer.Start(ctx, "WebSearch")
	defer span.End()

	if g.apiKey == "" {
		slog.Warn("Web search skipped: API key not configured")
		g.emit(opts.SessionID, "missing_config", map[string]any{"config": "BRAVE_SEARCH_API_KEY"})
		return &Response{}, nil
	}

	count := opts.Count
	if count <= 0 {
		count = defaultResultCount
	}
	if count > maxResultCount {
		count = maxResultCount
	}
	safe := opts.SafeSearch
	if !ValidSafeSearch(safe) {
		safe = SafeSearchActive
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindCancelled, "waiting for web search rate limit", err)
	}

	results, err := retry.Do(ctx, g.retryCfg, "web_search", func(ctx context.Context) ([]datatypes.WebResult, error) {
		return g.doSearch(ctx, query, count, safe, opts)
	})
	if err != nil {
		g.emit(opts.SessionID, "web_search_failed", map[string]any{"kind": string(orcherrors.KindOf(err))})
		return nil, err
	}

	contextText, tokens, trimmed := AssembleContext(results, g.maxTokens, g.counter)
	span.SetAttributes(
		attribute.Int("websearch.results", len(results)),
		attribute.Int("websearch.context_tokens", tokens),
		attribute.Bool("websearch.trimmed", trimmed),
	)
	return &Response{
		Results:     results,
		ContextText: contextText,
		Tokens:      tokens,
		Trimmed:     trimmed,
	}, nil
}

// braveResponse is the wire shape we consume.
type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func (g *BraveGateway) doSearch(ctx context.Context, query string, count int, safe SafeSearch, opts Options) ([]datatypes.WebResult, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("count", fmt.Sprintf("%d", count))
	params.Set("safesearch", braveSafeSearch(safe))
	if opts.RecencyDays > 0 {
		params.Set("freshness", fmt.Sprintf("pd%d", opts.RecencyDays))
	}
	if opts.Mode != "" {
		params.Set("result_filter", opts.Mode)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindInternal, "building web search request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindTransport, "web search request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyHTTPStatus(resp.StatusCode, string(body))
	}

	var parsed braveResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindParse, "decoding web search response", err)
	}

	now := time.Now().UTC()
	results := make([]datatypes.WebResult, 0, len(parsed.Web.Results))
	for i, r := range parsed.Web.Results {
		results = append(results, datatypes.WebResult{
			ID:        fmt.Sprintf("web_%d_%s", i, hashID(r.URL)),
			Title:     r.Title,
			Snippet:   r.Description,
			URL:       r.URL,
			Rank:      i + 1,
			FetchedAt: now,
		})
	}
	return results, nil
}

// braveSafeSearch maps the closed moderation set to the provider's
// vocabulary.
func braveSafeSearch(s SafeSearch) string {
	switch s {
	case SafeSearchOff:
		return "off"
	case SafeSearchHigh:
		return "strict"
	default:
		return "moderate"
	}
}

func classifyHTTPStatus(status int, body string) error {
	msg := fmt.Sprintf("web search upstream returned %d", status)
	switch {
	case status == http.StatusTooManyRequests:
		return orcherrors.New(orcherrors.KindRateLimited, msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return orcherrors.New(orcherrors.KindAuth, msg)
	case status >= 500:
		return orcherrors.New(orcherrors.KindUpstream5xx, msg)
	default:
		e := orcherrors.New(orcherrors.KindUpstream4xx, msg)
		return e.WithContext("status", status).WithContext("body_prefix", truncate(body, 200))
	}
}

func (g *BraveGateway) emit(sessionID, event string, fields map[string]any) {
	if g.onTelemetry != nil {
		g.onTelemetry(sessionID, event, fields)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
