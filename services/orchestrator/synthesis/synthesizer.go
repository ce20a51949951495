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
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/agentrag/pkg/orcherrors"
	"github.com/AleutianAI/agentrag/services/llm"
	"github.com/AleutianAI/agentrag/services/orchestrator/telemetry"
)

var tracer = otel.Tracer("aleutian.agentrag.synthesis")

// Result is one synthesis outcome after citation validation.
type Result struct {
	// Answer is the delivered text (possibly a refusal substitution).
	Answer string
	// RawAnswer is the model's text before validation.
	RawAnswer string
	// CitationOK is false when validation substituted the answer.
	CitationOK bool
	// CitationReason is the machine-readable violation, empty when ok.
	CitationReason string
	// SuccessfulChunks counts stream chunks whose extracted text was
	// non-empty. Always 1 in sync mode for a non-empty completion.
	SuccessfulChunks int
	Usage            *llm.Usage
	ResponseID       string
}

// Options carries per-call generation settings.
type Options struct {
	Model string
	User  string
	// Store enables response storage for chaining.
	Store bool
	// PreviousResponseID chains onto a stored exchange.
	PreviousResponseID string
}

// Synthesizer generates answers via C1.
type Synthesizer struct {
	gateway llm.Gateway
}

// NewSynthesizer creates a synthesizer.
func NewSynthesizer(gateway llm.Gateway) *Synthesizer {
	return &Synthesizer{gateway: gateway}
}

// Synthesize runs one synchronous generation and validates citations.
func (s *Synthesizer) Synthesize(ctx context.Context, in PromptInput, opts Options) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Synthesize")
	defer span.End()

	completion, err := s.gateway.Complete(ctx, BuildPrompt(in), llm.Options{
		Model:              opts.Model,
		User:               opts.User,
		Store:              opts.Store,
		PreviousResponseID: opts.PreviousResponseID,
	})
	if err != nil {
		return nil, err
	}

	res := &Result{
		RawAnswer:        completion.Text,
		Usage:            &completion.Usage,
		ResponseID:       completion.ResponseID,
		SuccessfulChunks: 1,
	}
	if completion.Text == "" {
		res.SuccessfulChunks = 0
	}
	res.Answer, res.CitationOK, res.CitationReason = ValidateCitations(completion.Text, in.References)

	span.SetAttributes(
		attribute.Bool("synthesis.citation_ok", res.CitationOK),
		attribute.Int("synthesis.answer_len", len(res.Answer)),
	)
	return res, nil
}

// SynthesizeStream runs one streaming generation.
//
// # Description
//
// Token events carry concatenable deltas; a chunk counts as successful
// only when its extracted text is non-empty. Reasoning summaries are
// deduplicated by exact content and forwarded as trace events as they
// arrive. If no chunk succeeded by end of stream the call fails with
// an empty_stream error.
//
// When validation fails after tokens already reached the client, a
// trailing warning token and a citation_integrity warning event are
// emitted; Result.Answer carries the substitution for the complete
// event.
func (s *Synthesizer) SynthesizeStream(ctx context.Context, in PromptInput, opts Options, emit telemetry.EmitFunc) (*Result, error) {
	ctx, span := tracer.Start(ctx, "SynthesizeStream")
	defer span.End()

	res := &Result{}
	deduper := llm.NewReasoningDeduper()
	var final *llm.StreamEvent

	err := s.gateway.CompleteStream(ctx, BuildPrompt(in), llm.Options{
		Model:              opts.Model,
		User:               opts.User,
		Store:              opts.Store,
		PreviousResponseID: opts.PreviousResponseID,
	}, func(ev llm.StreamEvent) error {
		switch ev.Kind {
		case llm.StreamDelta:
			if ev.Text == "" {
				return nil
			}
			res.SuccessfulChunks++
			return emit(telemetry.EventToken, map[string]any{"text": ev.Text})
		case llm.StreamReasoningSummary:
			if ev.Reasoning == nil || ev.Reasoning.Text == "" {
				return nil
			}
			if !deduper.FirstSighting(ev.Reasoning.Text) {
				return nil
			}
			return emit(telemetry.EventTrace, map[string]any{
				"type": "reasoning_summary",
				"text": ev.Reasoning.Text,
			})
		case llm.StreamCompleted:
			final = &ev
		case llm.StreamFailed:
			// The gateway surfaces the error as the stream return.
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if final != nil {
		res.RawAnswer = final.Text
		res.Usage = final.Usage
		res.ResponseID = final.ResponseID
	}
	if res.SuccessfulChunks == 0 {
		return nil, orcherrors.New(orcherrors.KindParse, "empty_stream: no chunk produced text")
	}

	res.Answer, res.CitationOK, res.CitationReason = ValidateCitations(res.RawAnswer, in.References)
	if !res.CitationOK {
		// Tokens already reached the client; they cannot be unsent.
		if err := emit(telemetry.EventToken, map[string]any{"text": StreamCitationWarning}); err != nil {
			return nil, err
		}
		if err := emit(telemetry.EventWarning, map[string]any{
			"type":   "citation_integrity",
			"reason": res.CitationReason,
		}); err != nil {
			return nil, err
		}
	}

	span.SetAttributes(
		attribute.Int("synthesis.successful_chunks", res.SuccessfulChunks),
		attribute.Bool("synthesis.citation_ok", res.CitationOK),
	)
	return res, nil
}
