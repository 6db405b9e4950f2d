package outbox

import (
	"sort"

	"github.com/ledgerline/crmcache/internal/crm"
)

// Merged is one row of the combined optimistic and durable activity view.
// Durable rows carry only the activity; optimistic rows also expose their
// queue bookkeeping so the UI can render sync badges and retry affordances.
type Merged struct {
	Activity           crm.Activity `json:"activity"`
	LocalID            string       `json:"local_id,omitempty"`
	Status             Status       `json:"status,omitempty"`
	FailReason         string       `json:"fail_reason,omitempty"`
	Optimistic         bool         `json:"optimistic"`
	EffectiveAtSeconds int64        `json:"effective_at_s"`
}

// matchesContent reports whether record is the durable form of the queued
// item. Matching is by content, contact plus logical timestamp, never by
// identifier: a local identifier is never reused as a durable one.
func matchesContent(item *Queued, record crm.Activity) bool {
	return record.ContactID == item.Activity.ContactID &&
		record.OccurredAtSeconds == item.Activity.OccurredAtSeconds
}

func observedInDurable(item *Queued, durable []crm.Activity) bool {
	for _, record := range durable {
		if matchesContent(item, record) {
			return true
		}
	}
	return false
}

func sortNewestFirst(merged []Merged) {
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].EffectiveAtSeconds > merged[j].EffectiveAtSeconds
	})
}
