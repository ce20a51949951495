// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retry provides the shared retry wrapper used by every outbound
// gateway (LLM, search, web search).
//
// # Description
//
// Transient failures (transport, rate_limited, timeout, upstream_5xx) are
// re-attempted with bounded exponential backoff plus jitter. Per-attempt
// timeouts are enforced with a derived context so the outbound connection
// aborts when the timer fires; there is no timer/promise race and no
// leaked timer. Each attempt is recorded as a span event.
//
// # Usage
//
//	resp, err := retry.Do(ctx, retry.Config{MaxAttempts: 3}, "llm.complete",
//	    func(ctx context.Context) (*Response, error) {
//	        return client.call(ctx, req)
//	    })
package retry

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/agentrag/pkg/orcherrors"
)

var tracer = otel.Tracer("aleutian.agentrag.retry")

// Config controls the retry schedule for one wrapped operation.
type Config struct {
	// MaxAttempts is the total number of attempts (first call included).
	// Zero or negative means 1 (no retries).
	MaxAttempts int

	// InitialDelay is the backoff before the first retry. Doubled per
	// retry. Default 500ms.
	InitialDelay time.Duration

	// MaxDelay caps the backoff. Default 8s.
	MaxDelay time.Duration

	// JitterFraction is the +/- fraction of the delay randomized per
	// retry. Default 0.2.
	JitterFraction float64

	// AttemptTimeout bounds each individual attempt via a derived
	// context. Zero disables the per-attempt bound (the caller context
	// still applies).
	AttemptTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 8 * time.Second
	}
	if c.JitterFraction <= 0 {
		c.JitterFraction = 0.2
	}
	return c
}

// Do executes op with the configured retry schedule.
//
// # Description
//
// The operation is retried only when the returned error is retry-eligible
// per the orcherrors taxonomy. Context cancellation aborts the schedule
// immediately, including mid-backoff. The last error is returned after
// the final attempt.
//
// # Inputs
//
//   - ctx: caller context; cancellation propagates into the attempt.
//   - cfg: retry schedule. Zero value means a single attempt.
//   - name: operation name for span events and logs.
//   - op: the operation. Must honor ctx cancellation.
//
// # Outputs
//
//   - T: the successful result.
//   - error: the last attempt's error when all attempts fail.
func Do[T any](ctx context.Context, cfg Config, name string, op func(context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	ctx, span := tracer.Start(ctx, "retry."+name)
	defer span.End()
	span.SetAttributes(attribute.Int("retry.max_attempts", cfg.MaxAttempts))

	var zero T
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			jittered := jitter(delay, cfg.JitterFraction)
			span.AddEvent("retry_backoff", trace.WithAttributes(
				attribute.Int("attempt", attempt),
				attribute.String("delay", jittered.String()),
			))
			slog.Info("Retrying operation",
				"operation", name,
				"attempt", attempt,
				"delay", jittered,
				"lastError", lastErr,
			)

			timer := time.NewTimer(jittered)
			select {
			case <-ctx.Done():
				timer.Stop()
				span.RecordError(ctx.Err())
				span.SetStatus(codes.Error, "context done during backoff")
				return zero, orcherrors.Wrap(orcherrors.KindOf(ctx.Err()), name+" aborted during backoff", ctx.Err())
			case <-timer.C:
			}
			delay = min(delay*2, cfg.MaxDelay)
		}

		result, err := runAttempt(ctx, cfg.AttemptTimeout, op)
		if err == nil {
			span.SetAttributes(attribute.Int("retry.attempts_used", attempt))
			return result, nil
		}
		lastErr = err
		span.AddEvent("attempt_failed", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.String("kind", string(orcherrors.KindOf(err))),
		))

		if !orcherrors.IsRetryable(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "non-retryable error")
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, orcherrors.Wrap(orcherrors.KindOf(ctx.Err()), name+" cancelled", ctx.Err())
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "all attempts exhausted")
	return zero, lastErr
}

// runAttempt executes a single attempt under an optional per-attempt
// timeout. The derived context guarantees the outbound call aborts when
// the timeout fires; cancel always runs so the timer never leaks.
func runAttempt[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := op(attemptCtx)
	if err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return result, orcherrors.Wrap(orcherrors.KindTimeout, "attempt timed out", err)
	}
	return result, err
}

func jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	spread := float64(d) * fraction
	offset := (rand.Float64()*2 - 1) * spread
	return time.Duration(float64(d) + offset)
}
