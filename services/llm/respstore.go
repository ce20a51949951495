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
	"sync"
	"time"

	"github.com/google/uuid"
)

// StoredResponse is one completed exchange retained for chaining and for
// the response pass-through endpoints.
type StoredResponse struct {
	ID        string    `json:"id"`
	Input     string    `json:"input"`
	Output    string    `json:"output"`
	Usage     Usage     `json:"usage"`
	CreatedAt time.Time `json:"createdAt"`
}

// InputItem is the list form served by GET /responses/:id/input_items.
type InputItem struct {
	Type string `json:"type"`
	Role string `json:"role"`
	Text string `json:"text"`
}

// ResponseStore retains completed exchanges, bounded FIFO. When the
// bound is exceeded the oldest entry is evicted; a chained request whose
// previous_response_id was evicted proceeds without the replayed
// exchange rather than failing.
type ResponseStore struct {
	mu    sync.Mutex
	max   int
	byID  map[string]StoredResponse
	order []string
}

// NewResponseStore creates a store holding at most max exchanges.
func NewResponseStore(max int) *ResponseStore {
	if max <= 0 {
		max = 256
	}
	return &ResponseStore{
		max:  max,
		byID: make(map[string]StoredResponse, max),
	}
}

// Put records an exchange and returns its generated id.
func (s *ResponseStore) Put(input, output string, usage Usage) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := "resp_" + uuid.NewString()
	s.byID[id] = StoredResponse{
		ID:        id,
		Input:     input,
		Output:    output,
		Usage:     usage,
		CreatedAt: time.Now().UTC(),
	}
	s.order = append(s.order, id)
	for len(s.order) > s.max {
		evict := s.order[0]
		s.order = s.order[1:]
		delete(s.byID, evict)
	}
	return id
}

// Get returns a stored exchange by id.
func (s *ResponseStore) Get(id string) (StoredResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	return r, ok
}

// Delete removes a stored exchange. Returns false when the id is
// unknown (already evicted or never stored).
func (s *ResponseStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return false
	}
	delete(s.byID, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// InputItems lists the input side of a stored exchange in the shape the
// pass-through endpoint serves.
func (s *ResponseStore) InputItems(id string) ([]InputItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return []InputItem{{Type: "message", Role: "user", Text: r.Input}}, true
}

// Len reports the number of retained exchanges.
func (s *ResponseStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
