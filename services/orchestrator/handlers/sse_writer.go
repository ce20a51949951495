// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
)

// =============================================================================
// Event Chain
// =============================================================================

// eventChain stamps outgoing stream events with a hash chain. Each
// event's Hash covers its id, type, timestamp, payload, and the
// previous event's hash, giving the client a verifiable chain of
// custody over the turn's event sequence.
//
// Not safe for concurrent use; callers serialize through their own
// mutex.
type eventChain struct {
	prevHash string
}

// next builds a chained StreamEvent for the given type and payload.
func (c *eventChain) next(event string, data any) (datatypes.StreamEvent, error) {
	ev := datatypes.NewStreamEvent(event, data)
	ev.PrevHash = c.prevHash

	payload := ""
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return datatypes.StreamEvent{}, fmt.Errorf("marshal event data: %w", err)
		}
		payload = string(raw)
	}

	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s|%s",
		ev.ID, ev.Event, ev.CreatedAt, ev.PrevHash, payload)))
	ev.Hash = hex.EncodeToString(sum[:])
	c.prevHash = ev.Hash
	return ev, nil
}

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter defines the contract for writing Server-Sent Events to HTTP
// responses.
//
// # Description
//
// SSEWriter abstracts SSE event serialization and writing, enabling
// testability and separation from HTTP response mechanics.
// Implementations handle the SSE wire format (event: type\ndata: json\n\n)
// internally.
//
// Each event is automatically assigned:
//   - ID: UUID v4 for ordering and deduplication
//   - CreatedAt: Unix timestamp in milliseconds
//   - Hash: SHA-256 hash of event content for integrity
//   - PrevHash: Hash of previous event for chain verification
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple
// goroutines. The pipeline may emit events from different sources
// concurrently.
//
// # Limitations
//
//   - Must be used with an http.Flusher-compatible ResponseWriter
//   - Response headers must be set before the first write
//
// # Assumptions
//
//   - Caller has set Content-Type: text/event-stream before writing
//   - Caller has disabled buffering (X-Accel-Buffering: no)
type SSEWriter interface {
	// WriteEvent writes a single chained SSE event to the response.
	//
	// # Inputs
	//
	//   - event: Event type from the closed telemetry set.
	//   - data: JSON-serializable payload, may be nil.
	//
	// # Outputs
	//
	//   - error: Non-nil if JSON marshaling or writing failed.
	WriteEvent(event string, data any) error

	// WriteKeepAlive sends an SSE comment line (": ping") to prevent
	// connection timeouts during long operations. Comments are ignored
	// by clients and do not participate in the hash chain.
	//
	// # Outputs
	//
	//   - error: Non-nil if writing failed.
	WriteKeepAlive() error

	// Wrote reports whether any event has been written. Handlers use
	// it to decide between a JSON error response (nothing sent yet)
	// and a terminal error event (stream already underway).
	Wrote() bool
}

// =============================================================================
// Struct Definition
// =============================================================================

// sseWriter implements SSEWriter for HTTP SSE responses.
//
// # Description
//
// sseWriter wraps an http.ResponseWriter to emit SSE-formatted events.
// Each event is written in the format:
//
//	event: {type}
//	data: {json}
//
// The writer maintains a hash chain for integrity verification: each
// event's Hash is SHA-256 of its content and each event's PrevHash
// links to the previous event.
//
// # Thread Safety
//
// Thread-safe via mutex. Chain integrity is maintained across
// concurrent writes.
//
// # Limitations
//
//   - Cannot be reused across requests
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	chain   eventChain
	wrote   bool
	mu      sync.Mutex
}

// NewSSEWriter creates a new SSEWriter for the given ResponseWriter.
//
// # Description
//
// Creates an sseWriter that wraps the ResponseWriter. The caller must
// set appropriate SSE headers before creating the writer.
//
// # Inputs
//
//   - w: HTTP ResponseWriter. Must implement http.Flusher.
//
// # Outputs
//
//   - SSEWriter: Ready to write SSE events.
//   - error: Non-nil if the ResponseWriter doesn't support flushing.
//
// # Examples
//
//	SetSSEHeaders(w)
//	writer, err := NewSSEWriter(w)
//	if err != nil {
//	    http.Error(w, "Streaming not supported", http.StatusInternalServerError)
//	    return
//	}
//	writer.WriteEvent("status", map[string]any{"stage": "retrieving"})
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// =============================================================================
// Methods
// =============================================================================

func (w *sseWriter) WriteEvent(event string, data any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ev, err := w.chain.next(event, data)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", ev.Event, raw); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.wrote = true
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) Wrote() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wrote
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures HTTP response headers for SSE streaming.
//
// # Description
//
// Sets the required headers for Server-Sent Events:
//   - Content-Type: text/event-stream
//   - Cache-Control: no-cache
//   - Connection: keep-alive
//   - X-Accel-Buffering: no (disables nginx buffering)
//
// Must be called before writing any response body.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ SSEWriter = (*sseWriter)(nil)
