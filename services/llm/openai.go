// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/agentrag/pkg/orcherrors"
	"github.com/AleutianAI/agentrag/pkg/retry"
	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("aleutian.agentrag.llm")

// reasoningModelPrefixes name model families that enforce reasoning mode
// and reject a sampling temperature.
var reasoningModelPrefixes = []string{"o1", "o3", "o4", "gpt-5"}

// OpenAIGateway implements Gateway against an OpenAI-compatible API.
//
// # Description
//
// Wraps the go-openai client with the orchestrator's conventions:
// sanitized user field, reasoning-model temperature suppression, strict
// structured outputs via JSON schema, retryable typed errors, and an
// in-gateway response store for previous_response_id chaining.
//
// # Thread Safety
//
// Safe for concurrent use.
type OpenAIGateway struct {
	client         *openai.Client
	model          string
	embeddingModel openai.EmbeddingModel
	retryCfg       retry.Config
	responses      *ResponseStore
}

// OpenAIConfig configures the gateway.
type OpenAIConfig struct {
	// BaseURL overrides the API endpoint (empty uses the default).
	BaseURL string
	// Model is the default completion model.
	Model string
	// EmbeddingModel defaults to text-embedding-3-small.
	EmbeddingModel string
	// Auth injects headers on every request. Required.
	Auth HeaderProvider
	// RequestTimeout bounds each HTTP attempt.
	RequestTimeout time.Duration
	// MaxAttempts for the shared retry wrapper. Default 3.
	MaxAttempts int
	// ResponseStoreSize bounds the chaining store. Default 256.
	ResponseStoreSize int
}

// NewOpenAIGateway creates the production gateway.
//
// The API key never reaches this package as plaintext: auth is injected
// per request through the header provider's transport.
func NewOpenAIGateway(cfg OpenAIConfig) (*OpenAIGateway, error) {
	if cfg.Auth == nil {
		return nil, orcherrors.New(orcherrors.KindConfigMissing, "LLM auth provider is required")
	}
	model := cfg.Model
	if model == "" {
		model = os.Getenv("OPENAI_MODEL")
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	embedModel := openai.EmbeddingModel(cfg.EmbeddingModel)
	if embedModel == "" {
		embedModel = openai.SmallEmbedding3
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	storeSize := cfg.ResponseStoreSize
	if storeSize <= 0 {
		storeSize = 256
	}

	// The SDK demands a token; the real credential is injected by the
	// transport so the placeholder never leaves the process.
	clientCfg := openai.DefaultConfig("injected-per-request")
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = NewAuthHTTPClient(cfg.Auth, timeout)

	slog.Info("Initializing LLM gateway", "model", model, "embeddingModel", string(embedModel))
	return &OpenAIGateway{
		client:         openai.NewClientWithConfig(clientCfg),
		model:          model,
		embeddingModel: embedModel,
		retryCfg:       retry.Config{MaxAttempts: attempts, AttemptTimeout: timeout},
		responses:      NewResponseStore(storeSize),
	}, nil
}

// Responses exposes the chaining store for the pass-through handlers.
func (g *OpenAIGateway) Responses() *ResponseStore {
	return g.responses
}

// =============================================================================
// Complete
// =============================================================================

// Complete performs a synchronous completion.
func (g *OpenAIGateway) Complete(ctx context.Context, prompt string, opts Options) (*Completion, error) {
	ctx, span := tracer.Start(ctx, "OpenAIGateway.Complete")
	defer span.End()

	req := g.buildRequest(prompt, opts)
	span.SetAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Bool("llm.structured", opts.Structured != nil),
	)

	resp, err := retry.Do(ctx, g.retryCfg, "llm.complete",
		func(ctx context.Context) (openai.ChatCompletionResponse, error) {
			r, err := g.client.CreateChatCompletion(ctx, req)
			if err != nil {
				return r, classifyOpenAIError(err)
			}
			return r, nil
		})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return nil, err
	}

	if len(resp.Choices) == 0 {
		err := orcherrors.New(orcherrors.KindParse, "completion returned no choices")
		span.RecordError(err)
		return nil, err
	}

	text := resp.Choices[0].Message.Content
	completion := &Completion{
		Text: text,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		ReasoningSummary: resp.Choices[0].Message.ReasoningContent,
	}

	if opts.Store {
		completion.ResponseID = g.responses.Put(prompt, text, completion.Usage)
	}

	span.SetAttributes(
		attribute.Int("llm.completion_tokens", completion.Usage.CompletionTokens),
		attribute.String("llm.finish_reason", string(resp.Choices[0].FinishReason)),
	)
	return completion, nil
}

// =============================================================================
// CompleteStream
// =============================================================================

// CompleteStream performs a streaming completion.
//
// Delta ordering per (item, output, summary) triple is preserved by the
// accumulator; per-key buffers are deleted on the completion signal (the
// documented leak class when omitted).
func (g *OpenAIGateway) CompleteStream(ctx context.Context, prompt string, opts Options, callback StreamCallback) error {
	ctx, span := tracer.Start(ctx, "OpenAIGateway.CompleteStream")
	defer span.End()

	req := g.buildRequest(prompt, opts)
	req.Stream = true
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	span.SetAttributes(attribute.String("llm.model", req.Model))

	stream, err := g.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		classified := classifyOpenAIError(err)
		span.RecordError(classified)
		span.SetStatus(codes.Error, "stream open failed")
		_ = callback(StreamEvent{Kind: StreamFailed, Err: classified})
		return classified
	}
	defer stream.Close()

	acc := newStreamAccumulator()
	var usage Usage

	for {
		resp, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			classified := classifyOpenAIError(recvErr)
			span.RecordError(classified)
			span.SetStatus(codes.Error, "stream receive failed")
			_ = callback(StreamEvent{Kind: StreamFailed, Err: classified})
			return classified
		}

		if resp.Usage != nil {
			usage = Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}

		for _, choice := range resp.Choices {
			if choice.Delta.Content != "" {
				acc.appendText(resp.ID, choice.Index, choice.Delta.Content)
				if err := callback(StreamEvent{Kind: StreamDelta, Text: choice.Delta.Content}); err != nil {
					return err
				}
			}
			if choice.Delta.ReasoningContent != "" {
				frag := acc.appendReasoning(resp.ID, choice.Index, choice.Delta.ReasoningContent)
				if err := callback(StreamEvent{Kind: StreamReasoningSummary, Reasoning: frag}); err != nil {
					return err
				}
			}
			if choice.FinishReason != "" {
				acc.finishReasoning(resp.ID, choice.Index)
			}
		}
	}

	final := acc.drain()
	responseID := ""
	if opts.Store {
		responseID = g.responses.Put(prompt, final, usage)
	}
	span.SetAttributes(attribute.Int("llm.completion_tokens", usage.CompletionTokens))
	return callback(StreamEvent{Kind: StreamCompleted, Text: final, Usage: &usage, ResponseID: responseID})
}

// =============================================================================
// Embed
// =============================================================================

// Embed returns one vector per input text. The whole batch goes out as a
// single request.
func (g *OpenAIGateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := tracer.Start(ctx, "OpenAIGateway.Embed")
	defer span.End()
	span.SetAttributes(attribute.Int("embed.batch_size", len(texts)))

	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := retry.Do(ctx, g.retryCfg, "llm.embed",
		func(ctx context.Context) (openai.EmbeddingResponse, error) {
			r, err := g.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Input: texts,
				Model: g.embeddingModel,
			})
			if err != nil {
				return r, classifyOpenAIError(err)
			}
			return r, nil
		})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return nil, err
	}

	if len(resp.Data) != len(texts) {
		return nil, orcherrors.New(orcherrors.KindParse,
			fmt.Sprintf("embedding count mismatch: want %d, got %d", len(texts), len(resp.Data)))
	}

	vectors := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

// =============================================================================
// Request Assembly
// =============================================================================

func (g *OpenAIGateway) buildRequest(prompt string, opts Options) openai.ChatCompletionRequest {
	model := opts.Model
	if model == "" {
		model = g.model
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if opts.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: opts.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: prompt,
	})

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}

	if opts.Temperature != nil && !isReasoningModel(model) {
		req.Temperature = *opts.Temperature
	}
	if opts.MaxTokens > 0 {
		req.MaxCompletionTokens = opts.MaxTokens
	}
	if opts.User != "" {
		req.User = datatypes.SanitizeUserField(opts.User)
	}
	if opts.Store {
		req.Store = true
	}
	if opts.ParallelToolCalls != nil {
		req.ParallelToolCalls = *opts.ParallelToolCalls
	}
	if opts.PreviousResponseID != "" {
		if prior, ok := g.responses.Get(opts.PreviousResponseID); ok {
			// Chain by replaying the stored exchange ahead of the prompt.
			req.Messages = append([]openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleUser, Content: prior.Input},
				{Role: openai.ChatMessageRoleAssistant, Content: prior.Output},
			}, req.Messages...)
		}
	}
	if opts.Structured != nil {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   opts.Structured.Name,
				Schema: schemaMarshaler{opts.Structured.Schema},
				Strict: opts.Structured.Strict,
			},
		}
	}
	return req
}

// schemaMarshaler adapts an arbitrary schema value to json.Marshaler.
type schemaMarshaler struct{ schema any }

func (s schemaMarshaler) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.schema)
}

// isReasoningModel reports whether model enforces reasoning mode.
func isReasoningModel(model string) bool {
	for _, prefix := range reasoningModelPrefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// =============================================================================
// Error Classification
// =============================================================================

// classifyOpenAIError maps SDK errors onto the shared taxonomy, carrying
// the HTTP status, the provider request id when present, and the
// retry-eligibility bit.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		kind := orcherrors.KindUpstream4xx
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			kind = orcherrors.KindRateLimited
		case apiErr.HTTPStatusCode == http.StatusUnauthorized,
			apiErr.HTTPStatusCode == http.StatusForbidden:
			kind = orcherrors.KindAuth
		case apiErr.HTTPStatusCode >= 500:
			kind = orcherrors.KindUpstream5xx
		}
		return orcherrors.Wrap(kind, sanitizeUpstreamMessage(apiErr.Message), err).
			WithContext("status", apiErr.HTTPStatusCode)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		kind := orcherrors.KindUpstream4xx
		if reqErr.HTTPStatusCode >= 500 {
			kind = orcherrors.KindUpstream5xx
		}
		return orcherrors.Wrap(kind, "LLM request failed", err).
			WithContext("status", reqErr.HTTPStatusCode)
	}

	if errors.Is(err, context.Canceled) {
		return orcherrors.Wrap(orcherrors.KindCancelled, "LLM call cancelled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return orcherrors.Wrap(orcherrors.KindTimeout, "LLM call timed out", err)
	}
	return orcherrors.Wrap(orcherrors.KindTransport, "LLM transport failure", err)
}

// sanitizeUpstreamMessage keeps upstream bodies out of production error
// chains; full detail is available in development.
func sanitizeUpstreamMessage(msg string) string {
	if os.Getenv("APP_ENV") == "development" {
		return msg
	}
	return "upstream LLM error"
}
