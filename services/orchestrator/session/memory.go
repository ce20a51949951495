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
	"sync"
	"time"

	"github.com/AleutianAI/agentrag/pkg/orcherrors"
	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
)

// DefaultSessionTTL is how long an idle session survives before the
// sweeper reclaims it.
const DefaultSessionTTL = 24 * time.Hour

// sweepInterval is how often the janitor scans for expired sessions.
const sweepInterval = 10 * time.Minute

type memoryEntry struct {
	payload []byte
	version int64
	expires time.Time
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps sessions in process memory with TTL expiry.
//
// States are stored serialized so Load hands out copies; callers can
// never alias the stored state across goroutines.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	locks   *lockTable
	ttl     time.Duration
	stop    chan struct{}
	done    chan struct{}

	// now is swappable for expiry tests.
	now func() time.Time
}

// NewMemoryStore creates a store and starts its TTL sweeper. ttl <= 0
// uses DefaultSessionTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	s := &MemoryStore{
		entries: map[string]*memoryEntry{},
		locks:   newLockTable(),
		ttl:     ttl,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go s.sweep()
	return s
}

func (s *MemoryStore) Load(_ context.Context, sessionID string) (*datatypes.SessionState, error) {
	s.mu.RLock()
	entry, ok := s.entries[sessionID]
	s.mu.RUnlock()
	if !ok || s.now().After(entry.expires) {
		return nil, ErrNotFound
	}

	var state datatypes.SessionState
	if err := json.Unmarshal(entry.payload, &state); err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindInternal, "decoding stored session", err)
	}
	return &state, nil
}

func (s *MemoryStore) Save(_ context.Context, state *datatypes.SessionState) error {
	lock := s.locks.of(state.SessionID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	entry, ok := s.entries[state.SessionID]
	s.mu.RUnlock()

	var stored int64
	if ok && !s.now().After(entry.expires) {
		stored = entry.version
	}
	if state.Version != stored {
		return staleWrite(state.SessionID, stored, state.Version)
	}

	state.Version = stored + 1
	state.UpdatedAt = s.now()
	payload, err := json.Marshal(state)
	if err != nil {
		return orcherrors.Wrap(orcherrors.KindInternal, "encoding session", err)
	}

	s.mu.Lock()
	s.entries[state.SessionID] = &memoryEntry{
		payload: payload,
		version: state.Version,
		expires: s.now().Add(s.ttl),
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.entries, sessionID)
	s.mu.Unlock()
	return nil
}

// Close stops the sweeper. Idempotent close is not supported; call once.
func (s *MemoryStore) Close() error {
	close(s.stop)
	<-s.done
	return nil
}

// Len reports live (unexpired) sessions.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if !s.now().After(e.expires) {
			n++
		}
	}
	return n
}

func (s *MemoryStore) sweep() {
	defer close(s.done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.reap()
		}
	}
}

func (s *MemoryStore) reap() {
	now := s.now()
	s.mu.Lock()
	for id, e := range s.entries {
		if now.After(e.expires) {
			delete(s.entries, id)
		}
	}
	s.mu.Unlock()
}
