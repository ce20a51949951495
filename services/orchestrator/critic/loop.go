// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package critic

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/agentrag/pkg/orcherrors"
	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
	"github.com/AleutianAI/agentrag/services/orchestrator/synthesis"
	"github.com/AleutianAI/agentrag/services/orchestrator/telemetry"
)

// RefusalInsufficientGrounding replaces the answer when the final
// safety gate trips.
const RefusalInsufficientGrounding = "I do not know. The available evidence does not provide sufficient grounding to answer this question."

// maxLazyLoadAttempts bounds full-content fetches across the whole
// revision loop for one turn.
const maxLazyLoadAttempts = 3

// LoopConfig carries the tunables the revision loop reads.
type LoopConfig struct {
	// MaxRetries is the number of revision rounds after the first
	// synthesis.
	MaxRetries int
	// AcceptCoverage short-circuits the loop even when the critic
	// asked for a revision.
	AcceptCoverage float64
	// Threshold is the safety-gate floor applied to the final
	// iteration.
	Threshold float64
	User      string
}

// RegenerateFunc re-runs synthesis with the critic's issues attached
// as revision notes. The callback closes over the turn's references,
// so hydrated content is picked up on the next round.
type RegenerateFunc func(ctx context.Context, revisionNotes []string) (*synthesis.Result, error)

// RunInput is everything the loop needs for one turn.
type RunInput struct {
	Question string
	Initial  *synthesis.Result
	// References is the eager reference list. Ignored when Lazy is
	// set; the loop rebuilds the list each iteration instead so
	// hydrated content is judged, not the stale summary snapshot.
	References []datatypes.Reference
	Lazy       []*datatypes.LazyReference
	Config     LoopConfig
	Regenerate RegenerateFunc
	Emit       telemetry.EmitFunc
}

// Outcome is the loop's verdict on the turn.
type Outcome struct {
	Answer     string
	Refused    bool
	Iterations int
	History    []datatypes.CriticReport
	Hydrated   []int
}

// Run drives critique → revise until the critic accepts, coverage
// clears the accept bar, or retries are exhausted and the safety gate
// decides between the last answer and a refusal.
//
// # Limitations
//
//	Regeneration failures abort the loop with the last critique still
//	recorded; the caller decides whether to surface the partial turn.
func (c *Critic) Run(ctx context.Context, in RunInput) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "CriticLoop")
	defer span.End()

	if in.Initial == nil {
		return nil, orcherrors.New(orcherrors.KindInternal, "critic loop started without a synthesis result")
	}
	emit := in.Emit
	if emit == nil {
		emit = telemetry.NopEmit
	}

	hyd := newHydrator(in.Lazy, maxLazyLoadAttempts)
	out := &Outcome{Answer: in.Initial.Answer}
	current := in.Initial

	for attempt := 0; ; attempt++ {
		report := c.Critique(ctx, in.Question, current.Answer, in.critiqueRefs(), in.Config.User)
		out.History = append(out.History, *report)
		out.Iterations = attempt + 1

		if err := emit(telemetry.EventCritique, map[string]any{
			"attempt":  attempt,
			"grounded": report.Grounded,
			"coverage": report.Coverage,
			"action":   report.Action,
			"issues":   report.Issues,
			"forced":   report.Forced,
		}); err != nil {
			slog.Warn("Critique event dropped", "error", err)
		}

		if report.Action == datatypes.CriticAccept || report.Coverage >= in.Config.AcceptCoverage {
			out.Answer = current.Answer
			return out, nil
		}

		if attempt >= in.Config.MaxRetries {
			if !report.Grounded || report.Coverage < in.Config.Threshold {
				out.Answer = RefusalInsufficientGrounding
				out.Refused = true
				_ = emit(telemetry.EventQualityGateRefusal, map[string]any{
					"grounded": report.Grounded,
					"coverage": report.Coverage,
					"attempts": out.Iterations,
				})
				return out, nil
			}
			out.Answer = current.Answer
			return out, nil
		}

		hydrated := hyd.hydrateFromIssues(ctx, report.Issues)
		out.Hydrated = append(out.Hydrated, hydrated...)

		_ = emit(telemetry.EventStatus, map[string]any{"state": "revising", "attempt": attempt + 1})

		next, err := in.Regenerate(ctx, report.Issues)
		if err != nil {
			return out, orcherrors.Wrap(orcherrors.KindCriticError, "regenerating answer for revision", err)
		}
		current = next
		out.Answer = current.Answer
	}
}

// critiqueRefs returns the reference list to judge the answer against.
// With a lazy set the list is rebuilt from it on every call, so
// content hydrated between iterations reaches the next critique the
// same way it reaches the next draft.
func (in *RunInput) critiqueRefs() []datatypes.Reference {
	if len(in.Lazy) == 0 {
		return in.References
	}
	refs := make([]datatypes.Reference, len(in.Lazy))
	for i, l := range in.Lazy {
		refs[i] = l.Ref
	}
	return refs
}

// =============================================================================
// Lazy hydration
// =============================================================================

// issueIndexPattern matches the 1-based [n] labels the critique prompt
// taught the model to use, plus the looser "reference n" phrasing.
var issueIndexPattern = regexp.MustCompile(`\[(\d+)\]|(?i:reference)\s+(\d+)`)

// hydrator fetches full content for summary-state references named in
// critic issues, deduplicating across iterations and bounding the total
// number of loads for the turn.
type hydrator struct {
	mu      sync.Mutex
	lazy    []*datatypes.LazyReference
	claimed map[int]struct{}
	budget  int
}

func newHydrator(lazy []*datatypes.LazyReference, budget int) *hydrator {
	return &hydrator{lazy: lazy, claimed: map[int]struct{}{}, budget: budget}
}

// claim reserves one 1-based index for hydration. A claim is kept even
// if the load later fails, so a flaky loader cannot burn the budget on
// the same reference twice.
func (h *hydrator) claim(index int) *datatypes.LazyReference {
	h.mu.Lock()
	defer h.mu.Unlock()
	if index < 1 || index > len(h.lazy) {
		return nil
	}
	if _, inProgress := h.claimed[index]; inProgress {
		return nil
	}
	if h.budget <= 0 {
		return nil
	}
	ref := h.lazy[index-1]
	if ref.State() == datatypes.LazyFull {
		return nil
	}
	h.claimed[index] = struct{}{}
	h.budget--
	return ref
}

// hydrateFromIssues parses candidate indices out of the issue text and
// hydrates them concurrently. Load failures are logged and skipped;
// the answer can still be regenerated from summaries.
func (h *hydrator) hydrateFromIssues(ctx context.Context, issues []string) []int {
	if len(h.lazy) == 0 {
		return nil
	}

	var (
		mu       sync.Mutex
		hydrated []int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, index := range candidateIndices(issues) {
		ref := h.claim(index)
		if ref == nil {
			continue
		}
		index := index
		g.Go(func() error {
			if err := ref.Hydrate(gctx); err != nil {
				slog.Warn("Lazy hydration failed", "index", index, "id", ref.Ref.ID, "error", err)
				return nil
			}
			mu.Lock()
			hydrated = append(hydrated, index)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	sort.Ints(hydrated)
	return hydrated
}

// candidateIndices extracts the distinct 1-based indices mentioned in
// the issue text, in ascending order.
func candidateIndices(issues []string) []int {
	seen := map[int]struct{}{}
	for _, issue := range issues {
		for _, match := range issueIndexPattern.FindAllStringSubmatch(issue, -1) {
			raw := match[1]
			if raw == "" {
				raw = match[2]
			}
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				continue
			}
			seen[n] = struct{}{}
		}
	}
	indices := make([]int, 0, len(seen))
	for n := range seen {
		indices = append(indices, n)
	}
	sort.Ints(indices)
	return indices
}
