// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
)

var chatFlags struct {
	server    string
	sessionID string
	question  string
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat against a running orchestrator",
	Long: "Streams answers over SSE and verifies the event hash chain, so a " +
		"tampered or truncated stream is reported rather than silently shown.",
	RunE: runChat,
}

func init() {
	f := chatCmd.Flags()
	f.StringVar(&chatFlags.server, "server", envStr("ORCHESTRATOR_URL", "http://localhost:12210"), "orchestrator base URL")
	f.StringVar(&chatFlags.sessionID, "session", "", "session id to continue (empty starts a new one)")
	f.StringVarP(&chatFlags.question, "question", "q", "", "ask one question and exit")
}

func runChat(cmd *cobra.Command, args []string) error {
	sessionID := chatFlags.sessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if chatFlags.question != "" {
		return askOnce(sessionID, chatFlags.question)
	}

	interactive := isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
	if interactive {
		fmt.Printf("Session %s. Type a question, or /quit to exit.\n", sessionID)
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		if interactive {
			fmt.Print("> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}
		if err := askOnce(sessionID, line); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			if !interactive {
				return err
			}
		}
	}
}

func askOnce(sessionID, question string) error {
	body, err := json.Marshal(datatypes.ChatRequest{
		SessionID: sessionID,
		Messages:  []datatypes.Message{{Role: datatypes.RoleUser, Content: question}},
	})
	if err != nil {
		return err
	}

	url := strings.TrimRight(chatFlags.server, "/") + "/v1/chat/stream"
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := (&http.Client{Timeout: 10 * time.Minute}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	verifier := chainVerifier{}
	return readStream(resp.Body, &verifier)
}

// wireEvent mirrors datatypes.StreamEvent with the payload kept raw, so
// hash verification sees the exact bytes the server hashed.
type wireEvent struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt int64           `json:"created_at"`
	Hash      string          `json:"hash,omitempty"`
	PrevHash  string          `json:"prev_hash,omitempty"`
}

// chainVerifier recomputes each event's hash and checks chain linkage.
type chainVerifier struct {
	prevHash string
	broken   bool
}

func (v *chainVerifier) check(ev wireEvent) {
	if v.broken {
		return
	}
	payload := string(ev.Data)
	if payload == "null" {
		payload = ""
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s|%s",
		ev.ID, ev.Event, ev.CreatedAt, ev.PrevHash, payload)))
	computed := hex.EncodeToString(sum[:])

	// Constant-time compare, matching how the server treats hashes.
	if subtle.ConstantTimeCompare([]byte(computed), []byte(ev.Hash)) != 1 ||
		ev.PrevHash != v.prevHash {
		v.broken = true
		fmt.Fprintf(os.Stderr, "\nwarning: event chain broken at %s (%s)\n", ev.ID, ev.Event)
		return
	}
	v.prevHash = ev.Hash
}

func readStream(r io.Reader, verifier *chainVerifier) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	streaming := false
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev wireEvent
		if err := json.Unmarshal([]byte(line[len("data: "):]), &ev); err != nil {
			fmt.Fprintf(os.Stderr, "\nwarning: unparseable event: %v\n", err)
			continue
		}
		verifier.check(ev)

		switch ev.Event {
		case "token":
			var tok struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(ev.Data, &tok); err == nil {
				fmt.Print(tok.Text)
				streaming = true
			}
		case "complete":
			var res datatypes.ChatResponse
			if err := json.Unmarshal(ev.Data, &res); err != nil {
				continue
			}
			if !streaming {
				fmt.Print(res.Answer)
			}
			fmt.Println()
			printCitations(res.Citations)
		case "error":
			var e struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(ev.Data, &e)
			if streaming {
				fmt.Println()
			}
			return fmt.Errorf("turn failed: %s", e.Message)
		case "done":
			return scanner.Err()
		}
	}
	return scanner.Err()
}

func printCitations(citations []datatypes.Citation) {
	if len(citations) == 0 {
		return
	}
	fmt.Println()
	for _, c := range citations {
		line := fmt.Sprintf("  [%d] %s", c.Index, c.Title)
		if c.Title == "" {
			line = fmt.Sprintf("  [%d] %s", c.Index, c.ID)
		}
		if c.URL != "" {
			line += " <" + c.URL + ">"
		}
		if c.Page > 0 {
			line += fmt.Sprintf(" p.%d", c.Page)
		}
		fmt.Println(line)
	}
}
