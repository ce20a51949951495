// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package contextbudget assembles the prompt context within the model
// input budget: history compaction, summary selection, salience, and
// token accounting.
package contextbudget

import (
	"container/list"
	"crypto/sha256"
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// charsPerToken is the safe fallback ratio when no model tokenizer is
// available.
const charsPerToken = 4

// Estimator counts tokens with a model-aware tokenizer when one is
// available, falling back to a character heuristic. Counts are cached
// by content hash: budgeting re-measures the same bullets and turns
// every turn, and re-encoding them is the O(k·n) cost the cache
// removes.
//
// # Thread Safety
//
// Safe for concurrent use.
type Estimator struct {
	mu       sync.Mutex
	encoding *tiktoken.Tiktoken
	cache    map[[32]byte]*list.Element
	lru      *list.List
	maxSize  int
}

type cacheEntry struct {
	key    [32]byte
	tokens int
}

// NewEstimator creates an estimator for the given model. An unknown
// model or tokenizer init failure degrades to the character heuristic.
func NewEstimator(model string, cacheSize int) *Estimator {
	if cacheSize <= 0 {
		cacheSize = 2048
	}
	e := &Estimator{
		cache:   make(map[[32]byte]*list.Element, cacheSize),
		lru:     list.New(),
		maxSize: cacheSize,
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		slog.Warn("No tokenizer for model, using character estimate", "model", model, "error", err)
		return e
	}
	e.encoding = enc
	return e
}

// Count returns the token count for text.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	key := sha256.Sum256([]byte(text))

	e.mu.Lock()
	if elem, ok := e.cache[key]; ok {
		e.lru.MoveToFront(elem)
		n := elem.Value.(*cacheEntry).tokens
		e.mu.Unlock()
		return n
	}
	e.mu.Unlock()

	// Encode outside the lock; encoding can be slow on large inputs.
	var n int
	if e.encoding != nil {
		n = len(e.encoding.Encode(text, nil, nil))
	} else {
		n = (len(text) + charsPerToken - 1) / charsPerToken
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if elem, ok := e.cache[key]; ok {
		e.lru.MoveToFront(elem)
		return elem.Value.(*cacheEntry).tokens
	}
	elem := e.lru.PushFront(&cacheEntry{key: key, tokens: n})
	e.cache[key] = elem
	for e.lru.Len() > e.maxSize {
		oldest := e.lru.Back()
		e.lru.Remove(oldest)
		delete(e.cache, oldest.Value.(*cacheEntry).key)
	}
	return n
}

// CacheLen reports resident cache entries (test hook).
func (e *Estimator) CacheLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}
