package templates

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

const keyPrefix = "templates:"

// NormalizeLabels canonicalizes a label set for cache keying: names are
// trimmed, case-folded, deduplicated, and sorted, so every ordering and
// casing of the same set produces the same combination.
func NormalizeLabels(labelNames []string) []string {
	seen := make(map[string]struct{}, len(labelNames))
	normalized := make([]string, 0, len(labelNames))
	for _, raw := range labelNames {
		folded := strings.ToLower(strings.TrimSpace(raw))
		if folded == "" {
			continue
		}
		if _, ok := seen[folded]; ok {
			continue
		}
		seen[folded] = struct{}{}
		normalized = append(normalized, folded)
	}
	sort.Strings(normalized)
	return normalized
}

func hashLabelCombination(combination []string) string {
	sum := sha256.Sum256([]byte(strings.Join(combination, "|")))
	return hex.EncodeToString(sum[:])
}

// CombinationKey returns the namespaced cache key for a user's normalized
// label combination. The identity segment keeps per-user invalidation a
// prefix operation.
func CombinationKey(userID string, combination []string) string {
	return keyPrefix + userID + ":" + hashLabelCombination(combination)
}
