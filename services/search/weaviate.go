// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/agentrag/pkg/orcherrors"
	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("aleutian.agentrag.search")

const (
	documentClass          = "Document"
	defaultTop             = 10
	defaultSummaryMaxChars = 300
)

var defaultSelectFields = []string{"content", "summary", "title", "source_url", "page_number", "chunk_id"}

// WeaviateGateway implements Gateway against a Weaviate instance.
//
// # Description
//
// Hybrid queries combine BM25 keyword matching with vector similarity;
// the per-hit hybrid score drives reranker-threshold filtering. Pure
// vector queries embed the query text through the configured Embedder.
//
// # Thread Safety
//
// Safe for concurrent use. The underlying Weaviate client handles
// connection pooling; the warning deduper is internally locked.
type WeaviateGateway struct {
	client   *weaviate.Client
	embedder Embedder
	alpha    float32
	warnings *WarningDeduper

	// onWarning receives deduplicated structured warnings, typically
	// wired to telemetry. Nil is allowed.
	onWarning func(sessionID, kind string, fields map[string]any)
}

var _ Gateway = (*WeaviateGateway)(nil)

// WeaviateConfig configures the gateway.
type WeaviateConfig struct {
	// Host is host:port of the Weaviate instance.
	Host string
	// Scheme is http or https. Default http.
	Scheme string
	// APIKey enables API-key auth when non-empty.
	APIKey string
	// Alpha balances keyword vs vector scoring in hybrid queries.
	// Default 0.5.
	Alpha float32
	// WarningTTL bounds the per-session warning dedup window.
	WarningTTL time.Duration
	// OnWarning receives deduplicated warnings.
	OnWarning func(sessionID, kind string, fields map[string]any)
}

// NewWeaviateGateway connects a gateway to Weaviate.
func NewWeaviateGateway(cfg WeaviateConfig, embedder Embedder) (*WeaviateGateway, error) {
	if cfg.Host == "" {
		return nil, orcherrors.New(orcherrors.KindConfigMissing, "weaviate host is not configured")
	}
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "http"
	}
	alpha := cfg.Alpha
	if alpha <= 0 || alpha > 1 {
		alpha = 0.5
	}

	clientConf := weaviate.Config{
		Host:   cfg.Host,
		Scheme: scheme,
	}
	if cfg.APIKey != "" {
		clientConf.AuthConfig = auth.ApiKey{Value: cfg.APIKey}
	}
	client, err := weaviate.NewClient(clientConf)
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindTransport, "creating weaviate client", err)
	}

	return &WeaviateGateway{
		client:    client,
		embedder:  embedder,
		alpha:     alpha,
		warnings:  NewWarningDeduper(cfg.WarningTTL),
		onWarning: cfg.OnWarning,
	}, nil
}

// EnsureSchema creates the Document class when absent.
func (g *WeaviateGateway) EnsureSchema(ctx context.Context) error {
	exists, err := g.client.Schema().ClassExistenceChecker().WithClassName(documentClass).Do(ctx)
	if err != nil {
		return orcherrors.Wrap(orcherrors.KindTransport, "checking Document class", err)
	}
	if exists {
		return nil
	}
	if err := g.client.Schema().ClassCreator().WithClass(datatypes.GetDocumentSchema()).Do(ctx); err != nil {
		return orcherrors.Wrap(orcherrors.KindTransport, "creating Document class", err)
	}
	slog.Info("Created Document class in Weaviate")
	return nil
}

// Ready probes the instance's readiness endpoint.
func (g *WeaviateGateway) Ready(ctx context.Context) error {
	ready, err := g.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return orcherrors.Wrap(orcherrors.KindTransport, "weaviate readiness check", err)
	}
	if !ready {
		return orcherrors.New(orcherrors.KindUpstream5xx, "weaviate reports not ready")
	}
	return nil
}

// =============================================================================
// Hybrid Search
// =============================================================================

// HybridSearch issues a combined keyword + vector query.
//
// # Description
//
// References scoring below opts.RerankerThreshold are dropped. When a
// positive threshold removes every hit the result carries an empty
// list and ThresholdExhausted=true; the unfiltered set is never
// returned in its place. Coverage is normalized to [0,1] here.
//
// # Limitations
//
//   - Coverage is derived from hit scores, so an empty result reports
//     zero coverage rather than absence.
func (g *WeaviateGateway) HybridSearch(ctx context.Context, query string, opts HybridOptions) (*Result, error) {
	ctx, span := tracer.Start(ctx, "HybridSearch")
	defer span.End()

	class := documentClass
	if opts.Class != "" {
		class = opts.Class
	}
	hits, err := g.runHybrid(ctx, class, query, opts.Top, opts.Filter, opts.SelectFields, opts.SearchFields)
	if err != nil {
		return nil, err
	}

	refs, rawCoverage := hitsToReferences(hits)
	result := &Result{
		References: refs,
		Coverage:   NormalizeCoverage(rawCoverage),
	}

	if opts.RerankerThreshold > 0 {
		kept := filterByScore(refs, opts.RerankerThreshold)
		if len(kept) == 0 && len(refs) > 0 {
			result.References = nil
			result.ThresholdExhausted = true
			g.warn(opts.SessionID, "threshold_exhausted", map[string]any{
				"threshold": opts.RerankerThreshold,
				"dropped":   len(refs),
			})
		} else {
			result.References = kept
		}
	}

	span.SetAttributes(
		attribute.Int("search.hits", len(hits)),
		attribute.Int("search.kept", len(result.References)),
		attribute.Float64("search.coverage", result.Coverage),
		attribute.Bool("search.threshold_exhausted", result.ThresholdExhausted),
	)
	return result, nil
}

func (g *WeaviateGateway) runHybrid(ctx context.Context, class, query string, top int, filter string, selectFields, searchFields []string) ([]datatypes.DocumentHit, error) {
	if top <= 0 {
		top = defaultTop
	}

	where, err := ParseFilter(filter)
	if err != nil {
		slog.Warn("Rejected planner filter", "error", err)
		return nil, err
	}

	hybrid := g.client.GraphQL().HybridArgumentBuilder().
		WithQuery(query).
		WithAlpha(g.alpha)
	if len(searchFields) > 0 {
		hybrid = hybrid.WithProperties(searchFields)
	}

	builder := g.client.GraphQL().Get().
		WithClassName(class).
		WithFields(hitFields(selectFields)...).
		WithHybrid(hybrid).
		WithLimit(top)
	if where != nil {
		builder = builder.WithWhere(where)
	}

	resp, err := builder.Do(ctx)
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindTransport, "weaviate hybrid query failed", err)
	}
	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ClassQueryResponse](resp)
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindParse, "parsing hybrid results", err)
	}
	return parsed.Get[class], nil
}

// =============================================================================
// Vector Search
// =============================================================================

// VectorSearch embeds the query and issues a nearVector query. Used by
// the fallback ladder's terminal stage, where no threshold applies.
func (g *WeaviateGateway) VectorSearch(ctx context.Context, query string, opts VectorOptions) (*Result, error) {
	ctx, span := tracer.Start(ctx, "VectorSearch")
	defer span.End()

	if opts.Top <= 0 {
		opts.Top = defaultTop
	}

	where, err := ParseFilter(opts.Filter)
	if err != nil {
		slog.Warn("Rejected planner filter", "error", err)
		return nil, err
	}

	vectors, err := g.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindUpstream5xx, "embedding query for vector search", err)
	}
	if len(vectors) == 0 {
		return nil, orcherrors.New(orcherrors.KindParse, "embedder returned no vector for query")
	}

	nearVector := g.client.GraphQL().NearVectorArgBuilder().WithVector(vectors[0])

	builder := g.client.GraphQL().Get().
		WithClassName(documentClass).
		WithFields(hitFields(opts.SelectFields)...).
		WithNearVector(nearVector).
		WithLimit(opts.Top)
	if where != nil {
		builder = builder.WithWhere(where)
	}

	resp, err := builder.Do(ctx)
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindTransport, "weaviate vector query failed", err)
	}
	parsed, err := datatypes.ParseGraphQLResponse[datatypes.DocumentQueryResponse](resp)
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindParse, "parsing vector results", err)
	}

	refs, rawCoverage := hitsToReferences(parsed.Get.Document)
	span.SetAttributes(attribute.Int("search.hits", len(refs)))
	return &Result{References: refs, Coverage: NormalizeCoverage(rawCoverage)}, nil
}

// =============================================================================
// Lazy Hybrid Search
// =============================================================================

// LazyHybridSearch runs a hybrid query selecting summaries only and
// attaches a loader per reference that fetches the full chunk by exact
// chunk id on demand.
//
// The first opts.PrefetchCount references are hydrated eagerly in
// parallel; prefetch failures degrade to on-demand hydration.
func (g *WeaviateGateway) LazyHybridSearch(ctx context.Context, query string, opts LazyOptions) (*LazyResult, error) {
	ctx, span := tracer.Start(ctx, "LazyHybridSearch")
	defer span.End()

	maxChars := opts.SummaryMaxChars
	if maxChars <= 0 {
		maxChars = defaultSummaryMaxChars
	}

	hits, err := g.runHybrid(ctx, documentClass, query, opts.Top, "", []string{"summary", "title", "source_url", "page_number", "chunk_id"}, nil)
	if err != nil {
		return nil, err
	}

	refs, rawCoverage := hitsToReferences(hits)
	result := &LazyResult{Coverage: NormalizeCoverage(rawCoverage)}

	if opts.RerankerThreshold > 0 {
		kept := filterByScore(refs, opts.RerankerThreshold)
		if len(kept) == 0 && len(refs) > 0 {
			result.ThresholdExhausted = true
			g.warn(opts.SessionID, "threshold_exhausted", map[string]any{
				"threshold": opts.RerankerThreshold,
				"dropped":   len(refs),
				"lazy":      true,
			})
			return result, nil
		}
		refs = kept
	}

	for _, ref := range refs {
		r := ref
		r.Content = ""
		r.Summary = datatypes.TruncateBytes(r.Summary, maxChars)
		chunkID := r.ID
		loader := func(ctx context.Context) (string, error) {
			return g.fetchChunkContent(ctx, chunkID)
		}
		result.References = append(result.References, datatypes.NewLazyReference(r, loader))
	}

	if opts.PrefetchCount > 0 {
		g.prefetch(ctx, result.References, opts.PrefetchCount)
	}

	span.SetAttributes(
		attribute.Int("search.lazy_refs", len(result.References)),
		attribute.Int("search.prefetch", opts.PrefetchCount),
	)
	return result, nil
}

// prefetch hydrates the first n lazy references in parallel. Failures
// are logged, not returned: the loader stays callable on demand.
func (g *WeaviateGateway) prefetch(ctx context.Context, refs []*datatypes.LazyReference, n int) {
	if n > len(refs) {
		n = len(refs)
	}
	eg, ctx := errgroup.WithContext(ctx)
	for _, lr := range refs[:n] {
		lr := lr
		eg.Go(func() error {
			if err := lr.Hydrate(ctx); err != nil {
				slog.Warn("Lazy prefetch failed, deferring to on-demand load",
					"chunkID", lr.Ref.ID, "error", err)
			}
			return nil
		})
	}
	_ = eg.Wait()
}

// fetchChunkContent loads the full content of one chunk by exact id.
func (g *WeaviateGateway) fetchChunkContent(ctx context.Context, chunkID string) (string, error) {
	ctx, span := tracer.Start(ctx, "fetchChunkContent")
	defer span.End()

	where := filters.Where().
		WithPath([]string{"chunk_id"}).
		WithOperator(filters.Equal).
		WithValueString(chunkID)

	resp, err := g.client.GraphQL().Get().
		WithClassName(documentClass).
		WithFields(graphql.Field{Name: "content"}, graphql.Field{Name: "chunk_id"}).
		WithWhere(where).
		WithLimit(1).
		Do(ctx)
	if err != nil {
		return "", orcherrors.Wrap(orcherrors.KindTransport, "fetching chunk content", err)
	}
	parsed, err := datatypes.ParseGraphQLResponse[datatypes.DocumentQueryResponse](resp)
	if err != nil {
		return "", orcherrors.Wrap(orcherrors.KindParse, "parsing chunk content", err)
	}
	if len(parsed.Get.Document) == 0 {
		e := orcherrors.New(orcherrors.KindValidation, "chunk not found for hydration")
		return "", e.WithContext("chunk_id", chunkID)
	}
	return parsed.Get.Document[0].Content, nil
}

// =============================================================================
// Helpers
// =============================================================================

func (g *WeaviateGateway) warn(sessionID, kind string, fields map[string]any) {
	if !g.warnings.ShouldEmit(sessionID, kind) {
		return
	}
	slog.Warn("Search gateway warning", "kind", kind, "sessionID", sessionID)
	if g.onWarning != nil {
		g.onWarning(sessionID, kind, fields)
	}
}

func hitFields(selectFields []string) []graphql.Field {
	names := selectFields
	if len(names) == 0 {
		names = defaultSelectFields
	}
	fields := make([]graphql.Field, 0, len(names)+1)
	for _, n := range names {
		fields = append(fields, graphql.Field{Name: n})
	}
	fields = append(fields, graphql.Field{Name: "_additional", Fields: []graphql.Field{
		{Name: "id"},
		{Name: "score"},
		{Name: "certainty"},
	}})
	return fields
}

// hitsToReferences converts raw hits and derives the wire coverage as
// the best hit score (hybrid scores can ride a 0–100 scale; the caller
// normalizes).
func hitsToReferences(hits []datatypes.DocumentHit) ([]datatypes.Reference, float64) {
	refs := make([]datatypes.Reference, 0, len(hits))
	best := 0.0
	for _, h := range hits {
		score := hitScore(h.Additional)
		if score > best {
			best = score
		}
		id := h.ChunkID
		if id == "" {
			id = h.Additional.ID
		}
		page := 0
		if h.PageNumber != nil {
			page = *h.PageNumber
		}
		refs = append(refs, datatypes.Reference{
			ID:         id,
			Title:      h.Title,
			Content:    h.Content,
			Summary:    h.Summary,
			URL:        h.SourceURL,
			PageNumber: page,
			Score:      score,
		})
	}
	return refs, best
}

func hitScore(meta datatypes.HitMeta) float64 {
	if meta.Score != "" {
		if s, err := strconv.ParseFloat(meta.Score, 64); err == nil {
			return s
		}
		slog.Debug("Unparseable hybrid score", "score", meta.Score)
	}
	if meta.Certainty != nil {
		return float64(*meta.Certainty)
	}
	return 0
}

func filterByScore(refs []datatypes.Reference, threshold float64) []datatypes.Reference {
	kept := make([]datatypes.Reference, 0, len(refs))
	for _, r := range refs {
		if r.Score >= threshold {
			kept = append(kept, r)
		}
	}
	return kept
}

// String renders a compact summary for log lines.
func (r *Result) String() string {
	return fmt.Sprintf("refs=%d coverage=%.2f exhausted=%t", len(r.References), r.Coverage, r.ThresholdExhausted)
}
