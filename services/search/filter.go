// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"

	"github.com/AleutianAI/agentrag/pkg/orcherrors"
)

// Planner-supplied filters must match a closed grammar before they are
// forwarded to the search engine:
//
//	expr       := andExpr { "or" andExpr }
//	andExpr    := comparison { "and" comparison }
//	comparison := "(" expr ")" | field "=" literal
//	literal    := quoted string | number
//
// Anything outside the grammar is rejected. Forwarding an unsanitized
// filter string downstream is never acceptable, even when the engine
// would tolerate it.

// ParseFilter validates expr against the filter grammar and translates
// it into an engine filter. An empty expression returns (nil, nil).
func ParseFilter(expr string) (*filters.WhereBuilder, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, nil
	}

	toks, err := tokenizeFilter(trimmed)
	if err != nil {
		return nil, err
	}
	p := &filterParser{tokens: toks}
	where, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, filterErr(expr, fmt.Sprintf("unexpected token %q", p.tokens[p.pos].text))
	}
	return where, nil
}

// ValidateFilter reports whether expr is acceptable without building
// the engine filter.
func ValidateFilter(expr string) error {
	_, err := ParseFilter(expr)
	return err
}

func filterErr(expr, reason string) error {
	e := orcherrors.New(orcherrors.KindValidation, "filter expression rejected: "+reason)
	return e.WithContext("filter", expr)
}

// =============================================================================
// Tokenizer
// =============================================================================

type filterTokenKind int

const (
	tokIdent filterTokenKind = iota
	tokString
	tokNumber
	tokEquals
	tokLParen
	tokRParen
	tokAnd
	tokOr
)

type filterToken struct {
	kind filterTokenKind
	text string
}

func tokenizeFilter(expr string) ([]filterToken, error) {
	var toks []filterToken
	runes := []rune(expr)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, filterToken{tokLParen, "("})
			i++
		case r == ')':
			toks = append(toks, filterToken{tokRParen, ")"})
			i++
		case r == '=':
			// Accept "=" and "==" as the same operator.
			i++
			if i < len(runes) && runes[i] == '=' {
				i++
			}
			toks = append(toks, filterToken{tokEquals, "="})
		case r == '\'' || r == '"':
			quote := r
			i++
			start := i
			for i < len(runes) && runes[i] != quote {
				i++
			}
			if i >= len(runes) {
				return nil, filterErr(expr, "unterminated string literal")
			}
			toks = append(toks, filterToken{tokString, string(runes[start:i])})
			i++
		case unicode.IsDigit(r) || (r == '-' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			start := i
			i++
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			toks = append(toks, filterToken{tokNumber, string(runes[start:i])})
		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_') {
				i++
			}
			word := string(runes[start:i])
			switch strings.ToLower(word) {
			case "and":
				toks = append(toks, filterToken{tokAnd, word})
			case "or":
				toks = append(toks, filterToken{tokOr, word})
			default:
				toks = append(toks, filterToken{tokIdent, word})
			}
		default:
			return nil, filterErr(expr, fmt.Sprintf("illegal character %q", string(r)))
		}
	}
	if len(toks) == 0 {
		return nil, filterErr(expr, "empty expression")
	}
	return toks, nil
}

// =============================================================================
// Parser
// =============================================================================

type filterParser struct {
	tokens []filterToken
	pos    int
}

func (p *filterParser) peek() (filterToken, bool) {
	if p.pos >= len(p.tokens) {
		return filterToken{}, false
	}
	return p.tokens[p.pos], true
}

func (p *filterParser) next() (filterToken, bool) {
	t, ok := p.peek()
	if ok {
		p.pos++
	}
	return t, ok
}

func (p *filterParser) parseOr() (*filters.WhereBuilder, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	operands := []*filters.WhereBuilder{left}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokOr {
			break
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		operands = append(operands, right)
	}
	if len(operands) == 1 {
		return left, nil
	}
	return filters.Where().WithOperator(filters.Or).WithOperands(operands), nil
}

func (p *filterParser) parseAnd() (*filters.WhereBuilder, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	operands := []*filters.WhereBuilder{left}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokAnd {
			break
		}
		p.pos++
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		operands = append(operands, right)
	}
	if len(operands) == 1 {
		return left, nil
	}
	return filters.Where().WithOperator(filters.And).WithOperands(operands), nil
}

func (p *filterParser) parseComparison() (*filters.WhereBuilder, error) {
	t, ok := p.next()
	if !ok {
		return nil, orcherrors.New(orcherrors.KindValidation, "filter expression rejected: unexpected end of input")
	}

	if t.kind == tokLParen {
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		closing, ok := p.next()
		if !ok || closing.kind != tokRParen {
			return nil, orcherrors.New(orcherrors.KindValidation, "filter expression rejected: missing closing parenthesis")
		}
		return inner, nil
	}

	if t.kind != tokIdent {
		return nil, orcherrors.New(orcherrors.KindValidation,
			fmt.Sprintf("filter expression rejected: expected field name, got %q", t.text))
	}
	field := t.text

	eq, ok := p.next()
	if !ok || eq.kind != tokEquals {
		return nil, orcherrors.New(orcherrors.KindValidation,
			fmt.Sprintf("filter expression rejected: expected '=' after field %q", field))
	}

	lit, ok := p.next()
	if !ok {
		return nil, orcherrors.New(orcherrors.KindValidation,
			fmt.Sprintf("filter expression rejected: missing value for field %q", field))
	}

	base := filters.Where().WithPath([]string{field}).WithOperator(filters.Equal)
	switch lit.kind {
	case tokString:
		return base.WithValueString(lit.text), nil
	case tokNumber:
		if !strings.Contains(lit.text, ".") {
			n, err := strconv.ParseInt(lit.text, 10, 64)
			if err == nil {
				return base.WithValueInt(n), nil
			}
		}
		f, err := strconv.ParseFloat(lit.text, 64)
		if err != nil {
			return nil, orcherrors.New(orcherrors.KindValidation,
				fmt.Sprintf("filter expression rejected: bad number literal %q", lit.text))
		}
		return base.WithValueNumber(f), nil
	default:
		return nil, orcherrors.New(orcherrors.KindValidation,
			fmt.Sprintf("filter expression rejected: expected literal, got %q", lit.text))
	}
}
