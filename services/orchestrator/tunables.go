// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
)

// TunablesSource holds the live threshold snapshot. Readers call
// Current once per turn; the file watcher swaps the backing pointer so
// edits to the tunables file apply to the next turn without a restart.
type TunablesSource struct {
	current atomic.Pointer[datatypes.Tunables]
}

// NewTunablesSource creates a source seeded with the given snapshot.
func NewTunablesSource(initial datatypes.Tunables) *TunablesSource {
	s := &TunablesSource{}
	s.current.Store(&initial)
	return s
}

// Current returns the live snapshot.
func (s *TunablesSource) Current() datatypes.Tunables {
	return *s.current.Load()
}

// Swap replaces the live snapshot.
func (s *TunablesSource) Swap(tn datatypes.Tunables) {
	s.current.Store(&tn)
}

// Watch reloads the tunables file on every write until ctx is
// cancelled. A reload that fails to parse keeps the previous snapshot.
//
// The parent directory is watched rather than the file itself so that
// editors and config-map updaters that replace the file atomically
// (write to temp, rename over) keep triggering reloads.
func (s *TunablesSource) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				tn, err := datatypes.LoadTunablesFile(path)
				if err != nil {
					slog.Warn("Tunables reload failed, keeping previous snapshot",
						"path", path, "error", err)
					continue
				}
				s.Swap(tn)
				slog.Info("Tunables reloaded", "path", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("Tunables watcher error", "error", err)
			}
		}
	}()

	slog.Info("Watching tunables file", "path", path)
	return nil
}
