// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// =============================================================================
// Feature Keys
// =============================================================================

// The closed set of recognized feature keys. Unknown keys in overrides
// are dropped silently; non-boolean values are dropped.
const (
	FeatureCritic               = "ENABLE_CRITIC"
	FeatureLazyRetrieval        = "ENABLE_LAZY_RETRIEVAL"
	FeatureIntentRouting        = "ENABLE_INTENT_ROUTING"
	FeatureWebQualityFilter     = "ENABLE_WEB_QUALITY_FILTER"
	FeatureWebReranking         = "ENABLE_WEB_RERANKING"
	FeatureSemanticBoost        = "ENABLE_SEMANTIC_BOOST"
	FeatureSemanticSummary      = "ENABLE_SEMANTIC_SUMMARY"
	FeatureSemanticMemory       = "ENABLE_SEMANTIC_MEMORY"
	FeatureQueryDecomposition   = "ENABLE_QUERY_DECOMPOSITION"
	FeatureAdaptiveRetrieval    = "ENABLE_ADAPTIVE_RETRIEVAL"
	FeatureCRAG                 = "ENABLE_CRAG"
	FeatureMultiIndexFederation = "ENABLE_MULTI_INDEX_FEDERATION"
	FeatureResponseStorage      = "ENABLE_RESPONSE_STORAGE"
	FeatureWebSafeMode          = "ENABLE_WEB_SAFE_MODE"
)

// featureDefaults holds the per-key default resolved when neither the
// session nor the request overrides a key.
var featureDefaults = map[string]bool{
	FeatureCritic:               true,
	FeatureLazyRetrieval:        true,
	FeatureIntentRouting:        true,
	FeatureWebQualityFilter:     true,
	FeatureWebReranking:         false,
	FeatureSemanticBoost:        false,
	FeatureSemanticSummary:      false,
	FeatureSemanticMemory:       false,
	FeatureQueryDecomposition:   false,
	FeatureAdaptiveRetrieval:    true,
	FeatureCRAG:                 true,
	FeatureMultiIndexFederation: false,
	FeatureResponseStorage:      true,
	FeatureWebSafeMode:          false,
}

// FeatureSet is the per-turn resolution of every feature key to a bool.
type FeatureSet map[string]bool

// DefaultFeatures returns a fresh copy of the default feature set.
func DefaultFeatures() FeatureSet {
	fs := make(FeatureSet, len(featureDefaults))
	for k, v := range featureDefaults {
		fs[k] = v
	}
	return fs
}

// ResolveFeatures layers defaults ← persisted ← per-request overrides.
//
// Structural sanitization happens here: keys outside the closed set are
// dropped, as are values that are not booleans. The inputs are not
// mutated.
func ResolveFeatures(persisted map[string]bool, overrides map[string]any) FeatureSet {
	fs := DefaultFeatures()
	for k, v := range persisted {
		if _, known := featureDefaults[k]; known {
			fs[k] = v
		}
	}
	for k, v := range overrides {
		if _, known := featureDefaults[k]; !known {
			continue
		}
		if b, ok := v.(bool); ok {
			fs[k] = b
		}
	}
	return fs
}

// Enabled reports the resolved value for key, defaulting to false for
// unknown keys.
func (fs FeatureSet) Enabled(key string) bool {
	return fs[key]
}
