// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"

	"github.com/AleutianAI/agentrag/pkg/orcherrors"
	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
)

const sessionClass = "Session"

var _ Store = (*WeaviateStore)(nil)

// WeaviateStore persists sessions in the Session class alongside the
// document index, so the full deployment needs no extra datastore.
// State travels as one serialized JSON property; Weaviate only indexes
// the session id and version for lookup.
type WeaviateStore struct {
	client *weaviate.Client
	locks  *lockTable
}

// NewWeaviateStore wraps an existing client.
func NewWeaviateStore(client *weaviate.Client) *WeaviateStore {
	return &WeaviateStore{client: client, locks: newLockTable()}
}

// EnsureSchema creates the Session class when absent.
func (s *WeaviateStore) EnsureSchema(ctx context.Context) error {
	exists, err := s.client.Schema().ClassExistenceChecker().WithClassName(sessionClass).Do(ctx)
	if err != nil {
		return orcherrors.Wrap(orcherrors.KindTransport, "checking Session class", err)
	}
	if exists {
		return nil
	}
	if err := s.client.Schema().ClassCreator().WithClass(datatypes.GetSessionSchema()).Do(ctx); err != nil {
		return orcherrors.Wrap(orcherrors.KindTransport, "creating Session class", err)
	}
	slog.Info("Created Session class in Weaviate")
	return nil
}

func (s *WeaviateStore) Load(ctx context.Context, sessionID string) (*datatypes.SessionState, error) {
	ctx, span := tracer.Start(ctx, "LoadSession")
	defer span.End()

	hit, err := s.find(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var state datatypes.SessionState
	if err := json.Unmarshal([]byte(hit.State), &state); err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindInternal, "decoding stored session", err)
	}
	return &state, nil
}

func (s *WeaviateStore) Save(ctx context.Context, state *datatypes.SessionState) error {
	ctx, span := tracer.Start(ctx, "SaveSession")
	defer span.End()

	lock := s.locks.of(state.SessionID)
	lock.Lock()
	defer lock.Unlock()

	hit, err := s.find(ctx, state.SessionID)
	var storedVersion int64
	var objectID string
	switch {
	case err == nil:
		storedVersion = int64(hit.Version)
		objectID = hit.Additional.ID
	case errors.Is(err, ErrNotFound):
	default:
		return err
	}
	if state.Version != storedVersion {
		return staleWrite(state.SessionID, storedVersion, state.Version)
	}

	state.Version = storedVersion + 1
	state.UpdatedAt = time.Now()
	payload, err := json.Marshal(state)
	if err != nil {
		return orcherrors.Wrap(orcherrors.KindInternal, "encoding session", err)
	}
	properties := map[string]any{
		"session_id": state.SessionID,
		"state":      string(payload),
		"version":    state.Version,
		"updated_at": state.UpdatedAt.UnixMilli(),
	}

	if objectID != "" {
		err = s.client.Data().Updater().
			WithClassName(sessionClass).
			WithID(objectID).
			WithProperties(properties).
			Do(ctx)
	} else {
		_, err = s.client.Data().Creator().
			WithClassName(sessionClass).
			WithProperties(properties).
			Do(ctx)
	}
	if err != nil {
		return orcherrors.Wrap(orcherrors.KindTransport, "writing session", err)
	}
	return nil
}

func (s *WeaviateStore) Delete(ctx context.Context, sessionID string) error {
	hit, err := s.find(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	err = s.client.Data().Deleter().
		WithClassName(sessionClass).
		WithID(hit.Additional.ID).
		Do(ctx)
	if err != nil {
		return orcherrors.Wrap(orcherrors.KindTransport, "deleting session", err)
	}
	return nil
}

// Close is a no-op; the client is shared with the search gateway.
func (s *WeaviateStore) Close() error { return nil }

func (s *WeaviateStore) find(ctx context.Context, sessionID string) (*datatypes.SessionHit, error) {
	where := filters.Where().
		WithPath([]string{"session_id"}).
		WithOperator(filters.Equal).
		WithValueString(sessionID)
	fields := []graphql.Field{
		{Name: "session_id"},
		{Name: "state"},
		{Name: "version"},
		{Name: "updated_at"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}},
	}

	resp, err := s.client.GraphQL().Get().
		WithClassName(sessionClass).
		WithWhere(where).
		WithFields(fields...).
		WithLimit(1).
		Do(ctx)
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindTransport, "querying session", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.SessionQueryResponse](resp)
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindParse, "parsing session query", err)
	}
	if len(parsed.Get.Session) == 0 {
		return nil, ErrNotFound
	}
	return &parsed.Get.Session[0], nil
}
