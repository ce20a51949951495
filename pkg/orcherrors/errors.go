// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orcherrors defines the shared error taxonomy for the orchestrator.
//
// # Description
//
// Every failure crossing a component boundary is tagged with a Kind drawn
// from a closed set. The Kind determines retry eligibility, the HTTP status
// a handler maps it to, and how much detail is safe to surface to clients.
//
// # Usage
//
//	err := orcherrors.New(orcherrors.KindRateLimited, "chat completion throttled").
//	    WithCorrelationID(reqID).
//	    WithContext("model", model)
//	if orcherrors.IsRetryable(err) { ... }
package orcherrors

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind identifies the failure family of an Error.
type Kind string

// The closed set of error kinds. Handlers and the retry wrapper switch on
// these; adding a kind requires updating both.
const (
	KindConfigMissing      Kind = "config_missing"
	KindTransport          Kind = "transport"
	KindAuth               Kind = "auth"
	KindRateLimited        Kind = "rate_limited"
	KindTimeout            Kind = "timeout"
	KindUpstream5xx        Kind = "upstream_5xx"
	KindUpstream4xx        Kind = "upstream_4xx"
	KindValidation         Kind = "validation"
	KindParse              Kind = "parse"
	KindCriticError        Kind = "critic_error"
	KindRetrievalExhausted Kind = "retrieval_exhausted"
	KindCitationInvalid    Kind = "citation_invalid"
	KindCancelled          Kind = "cancelled"
	KindInternal           Kind = "internal"
)

// retryableKinds are the transient failure families the shared retry
// wrapper is allowed to re-attempt.
var retryableKinds = map[Kind]bool{
	KindTransport:   true,
	KindRateLimited: true,
	KindTimeout:     true,
	KindUpstream5xx: true,
}

// Error is the typed error carried across component boundaries.
//
// # Fields
//
//   - Kind: failure family from the closed set above.
//   - Message: human-readable description. Safe for logs; handlers decide
//     whether it is safe for clients.
//   - CorrelationID: upstream request id when the service returned one,
//     otherwise a generated UUID. Never empty after New().
//   - RetryEligible: whether the shared retry wrapper may re-attempt.
//   - Context: small bag of structured detail (model name, stage, status).
//
// # Thread Safety
//
// Error values are immutable after construction; the WithX builders return
// the receiver for chaining during construction only.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string
	RetryEligible bool
	Context       map[string]any

	cause error
}

// New creates an Error of the given kind. Retry eligibility is derived
// from the kind; override with WithRetryEligible for special cases
// (e.g. a 429 that carries Retry-After: never).
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:          kind,
		Message:       message,
		CorrelationID: uuid.NewString(),
		RetryEligible: retryableKinds[kind],
		Context:       map[string]any{},
	}
}

// Wrap creates an Error of the given kind with an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	e := New(kind, message)
	e.cause = cause
	return e
}

// WithCorrelationID replaces the generated correlation id with one taken
// from an upstream response header.
func (e *Error) WithCorrelationID(id string) *Error {
	if id != "" {
		e.CorrelationID = id
	}
	return e
}

// WithContext attaches one structured key/value pair.
func (e *Error) WithContext(key string, value any) *Error {
	e.Context[key] = value
	return e
}

// WithRetryEligible overrides the kind-derived retry eligibility.
func (e *Error) WithRetryEligible(eligible bool) *Error {
	e.RetryEligible = eligible
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf returns the Kind of err, or KindInternal when err is not a
// taxonomy error. Context cancellation and deadline errors are mapped to
// their kinds so raw ctx errors classify correctly.
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindInternal
}

// IsRetryable reports whether err may be re-attempted by the retry wrapper.
func IsRetryable(err error) bool {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.RetryEligible
	}
	return retryableKinds[KindOf(err)]
}

// CorrelationID extracts the correlation id from err, or "" if err is not
// a taxonomy error.
func CorrelationID(err error) string {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.CorrelationID
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
