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
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/agentrag/pkg/orcherrors"
	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
)

const badgerKeyPrefix = "session:"

var _ Store = (*BadgerStore)(nil)

// BadgerStore persists sessions in an embedded BadgerDB. This is the
// lightweight-mode backend: no external services, ~100µs access, TTL
// enforced by the database itself.
type BadgerStore struct {
	db    *badger.DB
	locks *lockTable
	ttl   time.Duration
}

// NewBadgerStore wraps an already-open database. ttl <= 0 uses
// DefaultSessionTTL.
func NewBadgerStore(db *badger.DB, ttl time.Duration) *BadgerStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &BadgerStore{db: db, locks: newLockTable(), ttl: ttl}
}

// OpenBadgerStore opens a persistent database at path and wraps it.
func OpenBadgerStore(path string, ttl time.Duration) (*BadgerStore, error) {
	if path == "" {
		return nil, orcherrors.New(orcherrors.KindConfigMissing, "badger store path is required")
	}
	if err := os.MkdirAll(path, 0750); err != nil {
		return nil, fmt.Errorf("create session store directory %s: %w", path, err)
	}
	opts := badger.DefaultOptions(path).
		WithSyncWrites(true).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: slog.Default()})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return NewBadgerStore(db, ttl), nil
}

// OpenBadgerStoreInMemory opens a throwaway in-memory database, used by
// tests and ephemeral deployments.
func OpenBadgerStoreInMemory(ttl time.Duration) (*BadgerStore, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory session store: %w", err)
	}
	return NewBadgerStore(db, ttl), nil
}

func (s *BadgerStore) Load(ctx context.Context, sessionID string) (*datatypes.SessionState, error) {
	if err := ctx.Err(); err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindCancelled, "session load", err)
	}

	var payload []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerKeyPrefix + sessionID))
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindInternal, "reading session", err)
	}

	var state datatypes.SessionState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindInternal, "decoding stored session", err)
	}
	return &state, nil
}

func (s *BadgerStore) Save(ctx context.Context, state *datatypes.SessionState) error {
	lock := s.locks.of(state.SessionID)
	lock.Lock()
	defer lock.Unlock()

	stored, err := s.Load(ctx, state.SessionID)
	var storedVersion int64
	switch {
	case err == nil:
		storedVersion = stored.Version
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

	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(badgerKeyPrefix+state.SessionID), payload).
			WithTTL(s.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return orcherrors.Wrap(orcherrors.KindInternal, "writing session", err)
	}
	return nil
}

func (s *BadgerStore) Delete(_ context.Context, sessionID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(badgerKeyPrefix + sessionID))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return orcherrors.Wrap(orcherrors.KindInternal, "deleting session", err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// badgerLogger adapts slog to BadgerDB's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
