package feed

import (
	"context"
	"time"
)

// Table identifies an upstream metadata table the caches derive from.
type Table string

const (
	// TableLabels covers label definition rows.
	TableLabels Table = "labels"
	// TableTemplates covers template definition rows.
	TableTemplates Table = "templates"
)

// Kind identifies the row mutation that produced an event.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Event describes one metadata change scoped to one user. Caches subscribed
// to the feed invalidate on any event for their user regardless of kind.
type Event struct {
	UserID string    `json:"user_id"`
	Table  Table     `json:"table"`
	Kind   Kind      `json:"kind"`
	At     time.Time `json:"at"`
}

// Feed delivers metadata change events scoped to a user. Subscribe returns
// a receive channel plus a release function; releasing twice is safe, and
// cancelling the subscription context releases as well.
type Feed interface {
	Subscribe(ctx context.Context, userID string) (<-chan Event, func())
	Publish(ctx context.Context, event Event) error
}
