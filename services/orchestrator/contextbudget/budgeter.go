// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contextbudget

import (
	"context"
	"log/slog"
	"math"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("aleutian.agentrag.contextbudget")

// budgetHeadroom keeps the assembled context under 90% of the model
// input limit, leaving room for the question and instructions.
const budgetHeadroom = 0.9

// Embedder computes embeddings for semantic summary selection.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Config holds budgeting parameters.
type Config struct {
	// ModelInputLimit is the model's context window in tokens.
	ModelInputLimit int
	// VerbatimTurns is K: the newest K turns kept verbatim. Older
	// turns ride in summary bullets. Default 3.
	VerbatimTurns int
	// SummaryTopM bounds selected summary bullets. Default 5.
	SummaryTopM int
	// SalienceBudgetTokens is the salience sub-budget. Default 512.
	SalienceBudgetTokens int
	// MaxMessageLength clamps each message before budgeting.
	MaxMessageLength int
	// SemanticSelection enables embedding-ranked bullet selection.
	SemanticSelection bool
}

// Result is the assembled context plus its accounting.
type Result struct {
	History   []datatypes.Message
	Summary   []string
	Salience  []string
	Web       string
	Breakdown datatypes.BudgetBreakdown
}

// Budgeter assembles the per-turn context sections.
type Budgeter struct {
	est         *Estimator
	embedder    Embedder
	onTelemetry func(sessionID, event string, fields map[string]any)
}

// NewBudgeter creates a budgeter. embedder may be nil, which forces
// recency summary selection.
func NewBudgeter(est *Estimator, embedder Embedder, onTelemetry func(sessionID, event string, fields map[string]any)) *Budgeter {
	return &Budgeter{est: est, embedder: embedder, onTelemetry: onTelemetry}
}

// Budget assembles history, summary, salience, and web sections for
// one turn, keeping the total inside ModelInputLimit × 0.9.
//
// # Description
//
// On exceedance, sections shrink in fixed priority order: web first,
// then summary, then history, then salience. Salience shrinks last
// because it is user-pinned.
func (b *Budgeter) Budget(ctx context.Context, session *datatypes.SessionState, question, webContext string, cfg Config) *Result {
	ctx, span := tracer.Start(ctx, "ContextBudget")
	defer span.End()

	applyConfigDefaults(&cfg)
	limit := int(float64(cfg.ModelInputLimit) * budgetHeadroom)

	res := &Result{}
	res.Breakdown.Limit = limit

	// History: newest K turns verbatim, each message clamped.
	history, compacted := b.compactHistory(session.Messages, cfg)
	res.History = history
	res.Breakdown.CompactedTurns = compacted
	res.Breakdown.VerbatimTurns = len(history)

	// Summary bullets stand in for the compacted turns.
	res.Summary, res.Breakdown.SummarySelection, res.Breakdown.SelectionFallback =
		b.selectSummary(ctx, session, question, cfg)
	if res.Breakdown.SelectionFallback != "" && b.onTelemetry != nil {
		b.onTelemetry(session.SessionID, "summary_selection_fallback", map[string]any{
			"reason": res.Breakdown.SelectionFallback,
		})
	}

	res.Salience = b.fitSalience(session.SaliencePoints, cfg.SalienceBudgetTokens)
	res.Web = webContext

	b.account(res)

	// Priority-ordered reduction until the total fits.
	for res.Breakdown.TotalTokens > limit {
		if !b.reduceOnce(res) {
			break
		}
		res.Breakdown.Reduced = true
		b.account(res)
	}

	span.SetAttributes(
		attribute.Int("budget.total_tokens", res.Breakdown.TotalTokens),
		attribute.Int("budget.limit", limit),
		attribute.Bool("budget.reduced", res.Breakdown.Reduced),
		attribute.String("budget.summary_selection", res.Breakdown.SummarySelection),
	)
	return res
}

func applyConfigDefaults(cfg *Config) {
	if cfg.ModelInputLimit <= 0 {
		cfg.ModelInputLimit = 128000
	}
	if cfg.VerbatimTurns <= 0 {
		cfg.VerbatimTurns = 3
	}
	if cfg.SummaryTopM <= 0 {
		cfg.SummaryTopM = 5
	}
	if cfg.SalienceBudgetTokens <= 0 {
		cfg.SalienceBudgetTokens = 512
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = datatypes.DefaultMaxMessageLength
	}
}

// compactHistory keeps the last K turns verbatim. A turn is a
// user+assistant pair; trailing unpaired messages count as a turn.
func (b *Budgeter) compactHistory(messages []datatypes.Message, cfg Config) (kept []datatypes.Message, compactedTurns int) {
	keepMsgs := cfg.VerbatimTurns * 2
	start := 0
	if len(messages) > keepMsgs {
		start = len(messages) - keepMsgs
	}
	compactedTurns = (start + 1) / 2

	kept = make([]datatypes.Message, 0, len(messages)-start)
	for _, m := range messages[start:] {
		if len(m.Content) > cfg.MaxMessageLength {
			m.Content = m.Content[:cfg.MaxMessageLength]
		}
		kept = append(kept, m)
	}
	return kept, compactedTurns
}

// selectSummary picks top-M bullets, semantically when possible.
// Returns the bullets, the selection mode, and the fallback reason
// (empty when no fallback happened).
func (b *Budgeter) selectSummary(ctx context.Context, session *datatypes.SessionState, question string, cfg Config) ([]string, string, string) {
	bullets := session.SummaryBullets
	if len(bullets) == 0 {
		return nil, "none", ""
	}

	if !cfg.SemanticSelection || b.embedder == nil {
		return lastBullets(bullets, cfg.SummaryTopM), "recency", ""
	}

	texts := make([]string, 0, 1+len(bullets))
	texts = append(texts, question)
	for _, bu := range bullets {
		texts = append(texts, bu.Text)
	}
	vectors, err := b.embedder.Embed(ctx, texts)
	if err != nil || len(vectors) != len(texts) {
		reason := "embedding_failed"
		if err == nil {
			reason = "embedding_count_mismatch"
		}
		slog.Warn("Semantic summary selection failed, falling back to recency",
			"sessionID", session.SessionID, "reason", reason, "error", err)
		return lastBullets(bullets, cfg.SummaryTopM), "recency", reason
	}

	queryVec := vectors[0]
	type scored struct {
		text string
		sim  float64
		idx  int
	}
	ranked := make([]scored, len(bullets))
	for i, bu := range bullets {
		ranked[i] = scored{text: bu.Text, sim: cosine32(vectors[i+1], queryVec), idx: i}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].sim > ranked[j].sim })

	m := cfg.SummaryTopM
	if m > len(ranked) {
		m = len(ranked)
	}
	top := ranked[:m]
	// Present selected bullets in their original order; relevance
	// chose them, chronology reads better.
	sort.Slice(top, func(i, j int) bool { return top[i].idx < top[j].idx })

	out := make([]string, len(top))
	for i, s := range top {
		out[i] = s.text
	}
	return out, "semantic", ""
}

func lastBullets(bullets []datatypes.SummaryBullet, m int) []string {
	start := 0
	if len(bullets) > m {
		start = len(bullets) - m
	}
	out := make([]string, 0, len(bullets)-start)
	for _, b := range bullets[start:] {
		out = append(out, b.Text)
	}
	return out
}

// fitSalience keeps pinned points within their sub-budget, dropping
// the oldest first when they alone exceed it.
func (b *Budgeter) fitSalience(points []string, budget int) []string {
	if len(points) == 0 {
		return nil
	}
	kept := append([]string(nil), points...)
	for len(kept) > 0 && b.sectionTokens(kept) > budget {
		kept = kept[1:]
	}
	return kept
}

func (b *Budgeter) sectionTokens(lines []string) int {
	total := 0
	for _, l := range lines {
		total += b.est.Count(l)
	}
	return total
}

func (b *Budgeter) historyTokens(msgs []datatypes.Message) int {
	total := 0
	for _, m := range msgs {
		total += b.est.Count(m.Content)
	}
	return total
}

func (b *Budgeter) account(res *Result) {
	res.Breakdown.HistoryTokens = b.historyTokens(res.History)
	res.Breakdown.SummaryTokens = b.sectionTokens(res.Summary)
	res.Breakdown.SalienceTokens = b.sectionTokens(res.Salience)
	res.Breakdown.WebTokens = b.est.Count(res.Web)
	res.Breakdown.TotalTokens = res.Breakdown.HistoryTokens +
		res.Breakdown.SummaryTokens +
		res.Breakdown.SalienceTokens +
		res.Breakdown.WebTokens
}

// reduceOnce shrinks the highest-priority reducible section by one
// unit. Returns false when nothing is left to reduce.
func (b *Budgeter) reduceOnce(res *Result) bool {
	switch {
	case res.Web != "":
		res.Web = ""
	case len(res.Summary) > 0:
		res.Summary = res.Summary[:len(res.Summary)-1]
	case len(res.History) > 0:
		res.History = res.History[1:]
	case len(res.Salience) > 0:
		res.Salience = res.Salience[1:]
	default:
		return false
	}
	return true
}

// cosine32 is cosine similarity over float32 vectors.
func cosine32(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
