// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package quality

import (
	"fmt"
	"math"
)

// cosine returns the cosine similarity of two vectors, 0 on dimension
// mismatch or zero magnitude.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// maxCosine returns the highest similarity between v and any candidate.
func maxCosine(v []float32, candidates [][]float32) float64 {
	best := 0.0
	for _, c := range candidates {
		if s := cosine(v, c); s > best {
			best = s
		}
	}
	return best
}

func errVectorCountMismatch(want, got int) error {
	return fmt.Errorf("embedding count mismatch: want %d, got %d", want, got)
}
