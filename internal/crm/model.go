package crm

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("crm: invalid user id")
	// ErrInvalidContactID indicates that a contact identifier is empty or exceeds storage bounds.
	ErrInvalidContactID = errors.New("crm: invalid contact id")
	// ErrInvalidLabelName indicates that a label name is empty or exceeds storage bounds.
	ErrInvalidLabelName = errors.New("crm: invalid label name")
	// ErrInvalidBucketName indicates that a bucket name is not one of the known follow-up buckets.
	ErrInvalidBucketName = errors.New("crm: invalid bucket name")
)

// UserID represents a validated canonical user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// ContactID represents a validated contact identifier.
type ContactID string

// NewContactID validates raw input and returns a ContactID.
func NewContactID(rawInput string) (ContactID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidContactID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidContactID, maxIdentifierLength)
	}
	return ContactID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ContactID) String() string {
	return string(id)
}

// LabelName represents a validated label name as the CRM displays it.
type LabelName string

// NewLabelName validates raw input and returns a LabelName.
func NewLabelName(rawInput string) (LabelName, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidLabelName)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidLabelName, maxIdentifierLength)
	}
	return LabelName(trimmed), nil
}

// String returns the underlying label name.
func (name LabelName) String() string {
	return string(name)
}

// BucketName enumerates the follow-up buckets a contact can classify into.
type BucketName string

const (
	// BucketNeedsFirstContact holds contacts that have never been contacted.
	BucketNeedsFirstContact BucketName = "needs_first_contact"
	// BucketStale30d holds contacts last contacted thirty or more days ago.
	BucketStale30d BucketName = "stale_30d"
	// BucketStale14d holds contacts last contacted fourteen to twenty-nine days ago.
	BucketStale14d BucketName = "stale_14d"
	// BucketStale7d holds contacts last contacted seven to thirteen days ago.
	BucketStale7d BucketName = "stale_7d"
	// BucketEngaged holds contacts contacted within the last seven days.
	BucketEngaged BucketName = "engaged"
)

// NewBucketName validates raw input against the known bucket set.
func NewBucketName(rawInput string) (BucketName, error) {
	trimmed := strings.TrimSpace(rawInput)
	switch BucketName(trimmed) {
	case BucketNeedsFirstContact, BucketStale30d, BucketStale14d, BucketStale7d, BucketEngaged:
		return BucketName(trimmed), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidBucketName, rawInput)
}

// String returns the underlying bucket name.
func (name BucketName) String() string {
	return string(name)
}

// Contact models a CRM contact as the data service serves it. Labels carry
// label names rather than label identifiers so cached rows stay readable
// alongside the label-combination keys.
type Contact struct {
	ID                     string   `json:"id"`
	Name                   string   `json:"name"`
	Phone                  string   `json:"phone"`
	Labels                 []string `json:"labels"`
	LastContactedAtSeconds int64    `json:"last_contacted_at_s"`
	CreatedAtSeconds       int64    `json:"created_at_s"`
}

// Label models a CRM label definition.
type Label struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Template models a message template bound to one or more labels.
type Template struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Content    string   `json:"content"`
	LabelNames []string `json:"label_names"`
}

// Activity models a durable touchpoint record produced by contact mutations.
type Activity struct {
	ID                string `json:"id"`
	ContactID         string `json:"contact_id"`
	Kind              string `json:"kind"`
	Note              string `json:"note"`
	OccurredAtSeconds int64  `json:"occurred_at_s"`
}
