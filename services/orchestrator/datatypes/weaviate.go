// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

// =============================================================================
// Generic GraphQL Response Parser
// =============================================================================

// ParseGraphQLResponse parses a Weaviate GraphQL response into the
// target type. The target type T must have json tags matching the
// response shape; type mismatches yield zero values, not errors.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("GraphQL query returned %d error(s): %s", len(resp.Errors), resp.Errors[0].Message)
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}

	return &result, nil
}

// =============================================================================
// Document Class
// =============================================================================

// ClassQueryResponse is the shape of a query against any single
// class, keyed by class name.
type ClassQueryResponse struct {
	Get map[string][]DocumentHit `json:"Get"`
}

// DocumentQueryResponse is the shape of a Document class query.
type DocumentQueryResponse struct {
	Get struct {
		Document []DocumentHit `json:"Document"`
	} `json:"Get"`
}

// DocumentHit is a single retrieved chunk.
//
// Hybrid queries report score as a string on the wire; certainty only
// appears on nearVector queries.
type DocumentHit struct {
	Content    string  `json:"content"`
	Summary    string  `json:"summary"`
	Title      string  `json:"title"`
	SourceURL  string  `json:"source_url"`
	PageNumber *int    `json:"page_number"`
	ChunkID    string  `json:"chunk_id"`
	Additional HitMeta `json:"_additional"`
}

// HitMeta carries Weaviate's _additional block.
type HitMeta struct {
	ID        string   `json:"id"`
	Score     string   `json:"score"`
	Distance  *float32 `json:"distance"`
	Certainty *float32 `json:"certainty"`
}

// GetDocumentSchema returns the Document class used for corpus chunks.
func GetDocumentSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       "Document",
		Description: "A retrievable document chunk with its summary and provenance.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "Full chunk text.",
				Tokenization: "word",
			},
			{
				Name:         "summary",
				DataType:     []string{"text"},
				Description:  "Short chunk summary served by lazy retrieval.",
				Tokenization: "word",
			},
			{
				Name:            "title",
				DataType:        []string{"text"},
				Description:     "Source document title.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "source_url",
				DataType:        []string{"text"},
				Description:     "Canonical URL or path of the source document.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "page_number",
				DataType:        []string{"int"},
				Description:     "Page the chunk was extracted from, when known.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "chunk_id",
				DataType:        []string{"text"},
				Description:     "Stable chunk identifier for exact-id hydration.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
		},
	}
}

// =============================================================================
// Session Class
// =============================================================================

// SessionQueryResponse is the shape of a Session class query.
type SessionQueryResponse struct {
	Get struct {
		Session []SessionHit `json:"Session"`
	} `json:"Get"`
}

// SessionHit is one persisted session row. State is the serialized
// SessionState payload.
type SessionHit struct {
	SessionID  string `json:"session_id"`
	State      string `json:"state"`
	Version    int    `json:"version"`
	UpdatedAt  int64  `json:"updated_at"`
	Additional struct {
		ID string `json:"id"`
	} `json:"_additional"`
}

// GetSessionSchema returns the Session class used for durable session
// state.
func GetSessionSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       "Session",
		Description: "Durable conversational session state.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:            "session_id",
				DataType:        []string{"text"},
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:        "state",
				DataType:    []string{"text"},
				Description: "Serialized session state document.",
			},
			{
				Name:     "version",
				DataType: []string{"int"},
			},
			{
				Name:            "updated_at",
				DataType:        []string{"int"},
				IndexFilterable: indexFilterable,
			},
		},
	}
}

// =============================================================================
// TurnRecord Class
// =============================================================================

// TurnQueryResponse is the shape of a Turn class query.
type TurnQueryResponse struct {
	Get struct {
		Turn []TurnHit `json:"Turn"`
	} `json:"Get"`
}

// TurnHit is one persisted turn record. Record is the serialized
// TurnRecord payload.
type TurnHit struct {
	SessionID  string `json:"session_id"`
	Record     string `json:"record"`
	Status     string `json:"status"`
	StartedAt  int64  `json:"started_at"`
	Additional struct {
		ID string `json:"id"`
	} `json:"_additional"`
}

// GetTurnSchema returns the Turn class used for response storage.
func GetTurnSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       "Turn",
		Description: "Completed turn records for response storage.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:            "session_id",
				DataType:        []string{"text"},
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:        "record",
				DataType:    []string{"text"},
				Description: "Serialized turn record document.",
			},
			{
				Name:            "status",
				DataType:        []string{"text"},
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "started_at",
				DataType:        []string{"int"},
				IndexFilterable: indexFilterable,
			},
		},
	}
}
