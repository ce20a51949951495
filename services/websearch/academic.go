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
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/agentrag/pkg/orcherrors"
	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
)

const (
	sourceSemanticScholar = "semantic_scholar"
	sourceArxiv           = "arxiv"

	defaultSemanticScholarEndpoint = "https://api.semanticscholar.org/graph/v1/paper/search"
	defaultArxivEndpoint           = "http://export.arxiv.org/api/query"
)

// AcademicResult aggregates papers across sources with per-source
// failure counts. A source failing contributes to Failures and nothing
// else; it never blocks the other source.
type AcademicResult struct {
	Papers   []datatypes.WebResult
	Failures map[string]int
}

// AcademicGateway queries the optional paper sources.
type AcademicGateway struct {
	client                  *http.Client
	semanticScholarEndpoint string
	arxivEndpoint           string
	onTelemetry             func(sessionID, event string, fields map[string]any)
}

// AcademicConfig configures the gateway. Zero values use public
// endpoints with a 15s timeout.
type AcademicConfig struct {
	RequestTimeout          time.Duration
	SemanticScholarEndpoint string
	ArxivEndpoint           string
	OnTelemetry             func(sessionID, event string, fields map[string]any)
}

// NewAcademicGateway creates the gateway.
func NewAcademicGateway(cfg AcademicConfig) *AcademicGateway {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	s2 := cfg.SemanticScholarEndpoint
	if s2 == "" {
		s2 = defaultSemanticScholarEndpoint
	}
	arxiv := cfg.ArxivEndpoint
	if arxiv == "" {
		arxiv = defaultArxivEndpoint
	}
	return &AcademicGateway{
		client:                  &http.Client{Timeout: timeout},
		semanticScholarEndpoint: s2,
		arxivEndpoint:           arxiv,
		onTelemetry:             cfg.OnTelemetry,
	}
}

// SearchAll queries every source concurrently, join-all-settled: each
// source's outcome is independent and a failure is recorded, not
// propagated. The aggregate error is nil unless every source failed.
func (g *AcademicGateway) SearchAll(ctx context.Context, query string, limit int, sessionID string) (*AcademicResult, error) {
	ctx, span := tracer.Start(ctx, "AcademicSearchAll")
	defer span.End()

	if limit <= 0 {
		limit = 5
	}

	type fetch struct {
		name string
		run  func(context.Context) ([]datatypes.WebResult, error)
	}
	fetches := []fetch{
		{sourceSemanticScholar, func(ctx context.Context) ([]datatypes.WebResult, error) {
			return g.searchSemanticScholar(ctx, query, limit)
		}},
		{sourceArxiv, func(ctx context.Context) ([]datatypes.WebResult, error) {
			return g.searchArxiv(ctx, query, limit)
		}},
	}

	result := &AcademicResult{Failures: map[string]int{}}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, f := range fetches {
		f := f
		wg.Add(1)
		go func() {
			defer wg.Done()
			papers, err := f.run(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Warn("Academic source failed", "source", f.name, "error", err)
				result.Failures[f.name]++
				if g.onTelemetry != nil {
					g.onTelemetry(sessionID, "academic_source_failed", map[string]any{
						"source": f.name,
						"kind":   string(orcherrors.KindOf(err)),
					})
				}
				return
			}
			result.Papers = append(result.Papers, papers...)
		}()
	}
	wg.Wait()

	span.SetAttributes(
		attribute.Int("academic.papers", len(result.Papers)),
		attribute.Int("academic.failed_sources", len(result.Failures)),
	)
	if len(result.Papers) == 0 && len(result.Failures) == len(fetches) {
		return result, orcherrors.New(orcherrors.KindUpstream5xx, "all academic sources failed")
	}
	return result, nil
}

// =============================================================================
// Semantic Scholar
// =============================================================================

type semanticScholarResponse struct {
	Data []struct {
		PaperID  string `json:"paperId"`
		Title    string `json:"title"`
		Abstract string `json:"abstract"`
		URL      string `json:"url"`
		Year     int    `json:"year"`
	} `json:"data"`
}

func (g *AcademicGateway) searchSemanticScholar(ctx context.Context, query string, limit int) ([]datatypes.WebResult, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("limit", fmt.Sprintf("%d", limit))
	params.Set("fields", "title,abstract,url,year")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.semanticScholarEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindInternal, "building semantic scholar request", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindTransport, "semantic scholar request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, classifyHTTPStatus(resp.StatusCode, string(body))
	}

	var parsed semanticScholarResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindParse, "decoding semantic scholar response", err)
	}

	now := time.Now().UTC()
	papers := make([]datatypes.WebResult, 0, len(parsed.Data))
	for i, p := range parsed.Data {
		papers = append(papers, datatypes.WebResult{
			ID:        "s2_" + p.PaperID,
			Title:     p.Title,
			Snippet:   p.Abstract,
			URL:       p.URL,
			Rank:      i + 1,
			FetchedAt: now,
		})
	}
	return papers, nil
}

// =============================================================================
// arXiv
// =============================================================================

// arxivFeed is the Atom subset we consume.
type arxivFeed struct {
	XMLName xml.Name     `xml:"feed"`
	Entries []arxivEntry `xml:"entry"`
}

type arxivEntry struct {
	ID      string `xml:"id"`
	Title   string `xml:"title"`
	Summary string `xml:"summary"`
}

func (g *AcademicGateway) searchArxiv(ctx context.Context, query string, limit int) ([]datatypes.WebResult, error) {
	params := url.Values{}
	params.Set("search_query", "all:"+query)
	params.Set("start", "0")
	params.Set("max_results", fmt.Sprintf("%d", limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.arxivEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindInternal, "building arxiv request", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindTransport, "arxiv request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, classifyHTTPStatus(resp.StatusCode, string(body))
	}

	var feed arxivFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindParse, "decoding arxiv feed", err)
	}

	now := time.Now().UTC()
	papers := make([]datatypes.WebResult, 0, len(feed.Entries))
	for i, e := range feed.Entries {
		papers = append(papers, datatypes.WebResult{
			ID:        "arxiv_" + hashID(e.ID),
			Title:     e.Title,
			Snippet:   e.Summary,
			URL:       e.ID,
			Rank:      i + 1,
			FetchedAt: now,
		})
	}
	return papers, nil
}
