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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/agentrag/pkg/orcherrors"
	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
)

func newTestMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(time.Hour)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	state := datatypes.NewSessionState("sess-1")
	state.AppendTurn("q1", "a1")
	require.NoError(t, s.Save(ctx, state))
	assert.Equal(t, int64(1), state.Version)

	loaded, err := s.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.Version)
	require.Len(t, loaded.Messages, 2)
	assert.Equal(t, "q1", loaded.Messages[0].Content)
}

func TestMemoryStoreUnknownSession(t *testing.T) {
	s := newTestMemoryStore(t)
	_, err := s.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreLoadReturnsCopy(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	state := datatypes.NewSessionState("sess-copy")
	state.SaliencePoints = []string{"pinned"}
	require.NoError(t, s.Save(ctx, state))

	first, err := s.Load(ctx, "sess-copy")
	require.NoError(t, err)
	first.SaliencePoints[0] = "mutated"

	second, err := s.Load(ctx, "sess-copy")
	require.NoError(t, err)
	assert.Equal(t, "pinned", second.SaliencePoints[0])
}

func TestMemoryStoreStaleWriteRejected(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	state := datatypes.NewSessionState("sess-2")
	require.NoError(t, s.Save(ctx, state))

	// A second writer holding the pre-write snapshot must not clobber.
	stale := datatypes.NewSessionState("sess-2")
	stale.Version = 0
	err := s.Save(ctx, stale)
	require.Error(t, err)
	assert.True(t, orcherrors.IsKind(err, orcherrors.KindValidation))

	fresh, err := s.Load(ctx, "sess-2")
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, fresh))
	assert.Equal(t, int64(2), fresh.Version)
}

func TestMemoryStoreVersionMonotonicUnderConcurrency(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	state := datatypes.NewSessionState("sess-3")
	require.NoError(t, s.Save(ctx, state))

	// Concurrent load-modify-save cycles: every successful write must
	// see a distinct version; losers fail as stale and retry.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				st, err := s.Load(ctx, "sess-3")
				if err != nil {
					return
				}
				st.AppendTurn("q", "a")
				if err := s.Save(ctx, st); err == nil {
					return
				}
			}
		}()
	}
	wg.Wait()

	final, err := s.Load(ctx, "sess-3")
	require.NoError(t, err)
	assert.Equal(t, int64(9), final.Version)
	assert.Len(t, final.Messages, 16)
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	now := time.Now()
	s.now = func() time.Time { return now }

	require.NoError(t, s.Save(ctx, datatypes.NewSessionState("sess-ttl")))
	assert.Equal(t, 1, s.Len())

	now = now.Add(2 * time.Hour)
	_, err := s.Load(ctx, "sess-ttl")
	assert.ErrorIs(t, err, ErrNotFound)

	s.reap()
	assert.Zero(t, s.Len())

	// Expired entries do not block a fresh write at version zero.
	require.NoError(t, s.Save(ctx, datatypes.NewSessionState("sess-ttl")))
}

func TestLoadOrCreate(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	created, err := LoadOrCreate(ctx, s, "fresh")
	require.NoError(t, err)
	assert.Equal(t, "fresh", created.SessionID)
	assert.Zero(t, created.Version)

	require.NoError(t, s.Save(ctx, created))
	loaded, err := LoadOrCreate(ctx, s, "fresh")
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.Version)
}

func TestBadgerStoreRoundTrip(t *testing.T) {
	s, err := OpenBadgerStoreInMemory(time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	state := datatypes.NewSessionState("sess-b")
	state.AppendTurn("q", "a")
	require.NoError(t, s.Save(ctx, state))

	loaded, err := s.Load(ctx, "sess-b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.Version)
	assert.Len(t, loaded.Messages, 2)

	stale := datatypes.NewSessionState("sess-b")
	err = s.Save(ctx, stale)
	assert.True(t, orcherrors.IsKind(err, orcherrors.KindValidation))

	require.NoError(t, s.Delete(ctx, "sess-b"))
	_, err = s.Load(ctx, "sess-b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBadgerStoreDeleteUnknownIsNoop(t *testing.T) {
	s, err := OpenBadgerStoreInMemory(time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	assert.NoError(t, s.Delete(context.Background(), "missing"))
}

func TestLockTableReturnsSameMutexPerID(t *testing.T) {
	tbl := newLockTable()
	assert.Same(t, tbl.of("a"), tbl.of("a"))
	assert.NotSame(t, tbl.of("a"), tbl.of("b"))
}
