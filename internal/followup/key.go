package followup

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/ledgerline/crmcache/internal/crm"
)

// CalcVersion tags stored calculations with the classification engine
// build. Bumping it strands everything a previous build stored; the entry
// store's version fencing then reports those entries as misses until
// garbage collection removes them.
const CalcVersion = "followup-v2"

const keyPrefix = "followup:"

func contactIdentifiers(contacts []crm.Contact) []string {
	identifiers := make([]string, 0, len(contacts))
	for _, contact := range contacts {
		identifiers = append(identifiers, contact.ID)
	}
	sort.Strings(identifiers)
	return identifiers
}

func normalizeSelection(selectedLabels []string) []string {
	seen := make(map[string]struct{}, len(selectedLabels))
	normalized := make([]string, 0, len(selectedLabels))
	for _, label := range selectedLabels {
		trimmed := strings.TrimSpace(label)
		if trimmed == "" {
			continue
		}
		if _, duplicate := seen[trimmed]; duplicate {
			continue
		}
		seen[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	sort.Strings(normalized)
	return normalized
}

// calculationKey content-addresses one (contact set, filter set) pair
// inside the user's namespace. Any change to either input yields a new key,
// so an outdated result is never overwritten, only orphaned for garbage
// collection.
func calculationKey(userID string, contactIDs, selectedLabels []string) string {
	material := strings.Join(contactIDs, "|") + "||" + strings.Join(selectedLabels, "|")
	sum := sha256.Sum256([]byte(material))
	return userID + ":" + hex.EncodeToString(sum[:])
}
