// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package synthesis turns budgeted context and references into the
// final answer, with citation validation on both the sync and stream
// paths.
package synthesis

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
)

const systemInstructions = `You answer user questions strictly from the provided references.
Cite every supported claim with bracketed markers like [1] that refer to the numbered references.
If the references do not support an answer, say you do not know.
Never invent citations.`

// PromptInput carries everything one synthesis call needs.
type PromptInput struct {
	Question      string
	Salience      []string
	Summary       []string
	History       []datatypes.Message
	References    []datatypes.Reference
	WebContext    string
	RevisionNotes []string
}

// BuildPrompt assembles the sectioned prompt. Reference labels [n] are
// 1-based positions in the input list; the same numbering reaches the
// UI, so assembly must not reorder or skip.
func BuildPrompt(in PromptInput) string {
	var b strings.Builder

	b.WriteString("## Instructions\n")
	b.WriteString(systemInstructions)
	b.WriteString("\n\n")

	if len(in.Salience) > 0 {
		b.WriteString("## Pinned Facts\n")
		for _, s := range in.Salience {
			fmt.Fprintf(&b, "- %s\n", s)
		}
		b.WriteString("\n")
	}

	if len(in.Summary) > 0 {
		b.WriteString("## Conversation Summary\n")
		for _, s := range in.Summary {
			fmt.Fprintf(&b, "- %s\n", s)
		}
		b.WriteString("\n")
	}

	if len(in.History) > 0 {
		b.WriteString("## Recent Conversation\n")
		for _, m := range in.History {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		b.WriteString("\n")
	}

	if len(in.References) > 0 {
		b.WriteString("## Retrieved Knowledge\n")
		for i, ref := range in.References {
			fmt.Fprintf(&b, "[%d] %s\n", i+1, referenceHeading(ref))
			b.WriteString(ref.DisplayText())
			b.WriteString("\n\n")
		}
	}

	if in.WebContext != "" {
		b.WriteString("## Web Context\n")
		b.WriteString(in.WebContext)
		b.WriteString("\n")
	}

	if len(in.RevisionNotes) > 0 {
		b.WriteString("## Revision Notes\n")
		b.WriteString("A reviewer flagged these issues with your previous draft. Address every one:\n")
		for _, n := range in.RevisionNotes {
			fmt.Fprintf(&b, "- %s\n", n)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Question\n")
	b.WriteString(in.Question)
	b.WriteString("\n")

	return b.String()
}

func referenceHeading(ref datatypes.Reference) string {
	switch {
	case ref.Title != "" && ref.URL != "":
		return fmt.Sprintf("%s (%s)", ref.Title, ref.URL)
	case ref.Title != "":
		return ref.Title
	case ref.URL != "":
		return ref.URL
	default:
		return ref.ID
	}
}
