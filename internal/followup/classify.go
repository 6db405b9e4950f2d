// Package followup caches the contact classification behind the follow-up
// screen. Buckets are computed locally from the contact list, persisted
// through the durable entry store under an engine version tag, and patched
// optimistically when a single contact leaves a bucket.
package followup

import (
	"context"
	"time"

	"github.com/ledgerline/crmcache/internal/crm"
)

// PageSize is the number of contacts classified per pass before the
// classifier checks for cancellation.
const PageSize = 200

const secondsPerDay int64 = 24 * 60 * 60

const (
	staleDays30 = 30
	staleDays14 = 14
	staleDays7  = 7
)

// Classify buckets contacts by the number of days since their last recorded
// contact. The input is walked in pages of pageSize with a cancellation
// check between pages so large contact lists do not pin the caller.
func Classify(ctx context.Context, contacts []crm.Contact, now time.Time, pageSize int) (map[string][]crm.Contact, error) {
	if pageSize <= 0 {
		pageSize = PageSize
	}
	buckets := emptyBuckets()
	for start := 0; start < len(contacts); start += pageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + pageSize
		if end > len(contacts) {
			end = len(contacts)
		}
		for _, contact := range contacts[start:end] {
			name := bucketFor(contact, now).String()
			buckets[name] = append(buckets[name], contact)
		}
	}
	return buckets, nil
}

func emptyBuckets() map[string][]crm.Contact {
	return map[string][]crm.Contact{
		crm.BucketNeedsFirstContact.String(): {},
		crm.BucketStale30d.String():          {},
		crm.BucketStale14d.String():          {},
		crm.BucketStale7d.String():           {},
		crm.BucketEngaged.String():           {},
	}
}

func bucketFor(contact crm.Contact, now time.Time) crm.BucketName {
	if contact.LastContactedAtSeconds <= 0 {
		return crm.BucketNeedsFirstContact
	}
	elapsed := now.Unix() - contact.LastContactedAtSeconds
	if elapsed < 0 {
		elapsed = 0
	}
	switch days := elapsed / secondsPerDay; {
	case days >= staleDays30:
		return crm.BucketStale30d
	case days >= staleDays14:
		return crm.BucketStale14d
	case days >= staleDays7:
		return crm.BucketStale7d
	default:
		return crm.BucketEngaged
	}
}
