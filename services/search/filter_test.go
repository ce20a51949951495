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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/agentrag/pkg/orcherrors"
)

func TestParseFilterAcceptsClosedGrammar(t *testing.T) {
	cases := []string{
		`title = 'golang'`,
		`title == "golang"`,
		`page_number = 3`,
		`score = 0.75`,
		`title = 'a' and page_number = 2`,
		`title = 'a' or title = 'b'`,
		`(title = 'a' or title = 'b') and page_number = 1`,
		`title = 'a' and (page_number = 1 or page_number = 2)`,
	}
	for _, expr := range cases {
		t.Run(expr, func(t *testing.T) {
			where, err := ParseFilter(expr)
			require.NoError(t, err)
			assert.NotNil(t, where)
		})
	}
}

func TestParseFilterRejectsOutsideGrammar(t *testing.T) {
	cases := []string{
		`title > 'a'`,                  // only equality
		`title = 'a' and`,              // dangling operator
		`title = `,                     // missing literal
		`= 'a'`,                        // missing field
		`title = 'unterminated`,        // bad string
		`title = 'a') or (x = 'b'`,     // unbalanced parens
		`title = 'a'; drop class`,      // injection attempt
		`{path: ["title"]}`,            // raw engine syntax
		`title = foo`,                  // bare word is not a literal
		`title = 'a' && title = 'b'`,   // symbolic operators
	}
	for _, expr := range cases {
		t.Run(expr, func(t *testing.T) {
			_, err := ParseFilter(expr)
			require.Error(t, err)
			assert.True(t, orcherrors.IsKind(err, orcherrors.KindValidation))
		})
	}
}

func TestParseFilterEmptyIsNoFilter(t *testing.T) {
	where, err := ParseFilter("   ")
	require.NoError(t, err)
	assert.Nil(t, where)
}
