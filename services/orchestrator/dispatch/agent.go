// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/agentrag/pkg/orcherrors"
	"github.com/AleutianAI/agentrag/pkg/retry"
	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
	"github.com/AleutianAI/agentrag/services/search"
)

// AgentClient talks to an external knowledge agent over HTTP. The
// agent runs its own retrieval strategy server-side and returns
// references in the same shape the direct gateway produces, so the
// dispatcher cannot tell the two apart.
//
// # Thread Safety
//
// Safe for concurrent use.
type AgentClient struct {
	endpoint string
	client   *http.Client
	retryCfg retry.Config
}

// NewAgentClient creates a client for the agent at baseURL. The
// /retrieve path is appended if missing.
func NewAgentClient(baseURL string, timeout time.Duration) *AgentClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	endpoint := strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(endpoint, "/retrieve") {
		endpoint += "/retrieve"
	}
	return &AgentClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		retryCfg: retry.Config{MaxAttempts: 2, AttemptTimeout: timeout},
	}
}

type agentRequest struct {
	Query string `json:"query"`
	Top   int    `json:"top_k"`
}

type agentResponse struct {
	References []datatypes.Reference `json:"references"`
	Coverage   float64               `json:"coverage"`
}

// Retrieve asks the agent for references. Coverage comes back in the
// agent's own scale and is normalized here, same as the direct path.
func (c *AgentClient) Retrieve(ctx context.Context, query string, top int) (*search.Result, error) {
	if top <= 0 {
		top = 5
	}
	parsed, err := retry.Do(ctx, c.retryCfg, "knowledge_agent", func(ctx context.Context) (*agentResponse, error) {
		return c.doRetrieve(ctx, query, top)
	})
	if err != nil {
		return nil, err
	}
	return &search.Result{
		References: parsed.References,
		Coverage:   search.NormalizeCoverage(parsed.Coverage),
	}, nil
}

func (c *AgentClient) doRetrieve(ctx context.Context, query string, top int) (*agentResponse, error) {
	body, err := json.Marshal(agentRequest{Query: query, Top: top})
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindInternal, "encoding agent request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindInternal, "building agent request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindTransport, "agent request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kind := orcherrors.KindUpstream4xx
		if resp.StatusCode >= 500 {
			kind = orcherrors.KindUpstream5xx
		}
		return nil, orcherrors.New(kind,
			fmt.Sprintf("knowledge agent returned %d: %s", resp.StatusCode, string(detail)))
	}

	var parsed agentResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindParse, "decoding agent response", err)
	}
	return &parsed, nil
}

var _ KnowledgeRetriever = (*AgentClient)(nil)
