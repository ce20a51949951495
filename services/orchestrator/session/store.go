// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session persists conversational session state across turns.
//
// Three backends share one contract: Weaviate for the full deployment,
// BadgerDB for lightweight mode, and an in-memory store for tests and
// single-process runs. All of them enforce one writer per session id
// and bump the state version on every write.
package session

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/agentrag/pkg/orcherrors"
	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("aleutian.agentrag.session")

// ErrNotFound reports an unknown session id.
var ErrNotFound = orcherrors.New(orcherrors.KindValidation, "session not found")

// Store is the session persistence contract.
//
// # Assumptions
//
//	Save enforces optimistic concurrency: the caller must pass back the
//	version it loaded. A stale version fails with a validation error
//	instead of clobbering a concurrent turn's write.
type Store interface {
	// Load returns a copy of the stored state, or ErrNotFound.
	Load(ctx context.Context, sessionID string) (*datatypes.SessionState, error)

	// Save persists the state, bumping Version and UpdatedAt.
	Save(ctx context.Context, state *datatypes.SessionState) error

	// Delete removes the session. Deleting an unknown id is a no-op.
	Delete(ctx context.Context, sessionID string) error

	// Close releases backend resources.
	Close() error
}

// LoadOrCreate loads the session or returns a fresh empty state when
// the id is unknown.
func LoadOrCreate(ctx context.Context, store Store, sessionID string) (*datatypes.SessionState, error) {
	state, err := store.Load(ctx, sessionID)
	if err == nil {
		return state, nil
	}
	if errors.Is(err, ErrNotFound) {
		return datatypes.NewSessionState(sessionID), nil
	}
	return nil, err
}

// staleWrite builds the optimistic-concurrency failure.
func staleWrite(sessionID string, want, got int64) error {
	return orcherrors.New(orcherrors.KindValidation, "stale session write").
		WithContext("session_id", sessionID).
		WithContext("stored_version", want).
		WithContext("write_version", got)
}

// lockTable hands out one mutex per session id so every backend gets
// single-writer semantics without a global lock.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: map[string]*sync.Mutex{}}
}

func (t *lockTable) of(sessionID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[sessionID] = l
	}
	return l
}
