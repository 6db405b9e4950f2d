package entrystore

import (
	"context"
	"errors"
	"testing"
	"time"
)

type viewPayload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestViewRoundTripsTypedPayloads(t *testing.T) {
	store, _, _ := newTestStore(t, 100)
	ctx := context.Background()
	view := NewView[viewPayload](store, "vp:", "1", time.Hour)

	if err := view.Set(ctx, "user-1", viewPayload{Name: "alpha", Count: 3}); err != nil {
		t.Fatalf("failed to set typed payload: %v", err)
	}

	decoded, found, err := view.Get(ctx, "user-1")
	if err != nil || !found {
		t.Fatalf("expected typed hit, found=%v err=%v", found, err)
	}
	if decoded.Name != "alpha" || decoded.Count != 3 {
		t.Fatalf("unexpected decoded payload: %+v", decoded)
	}
}

func TestViewFencesOnSchemaVersion(t *testing.T) {
	store, _, _ := newTestStore(t, 100)
	ctx := context.Background()

	older := NewView[viewPayload](store, "vp:", "1", time.Hour)
	newer := NewView[viewPayload](store, "vp:", "2", time.Hour)

	if err := older.Set(ctx, "user-1", viewPayload{Name: "alpha"}); err != nil {
		t.Fatalf("failed to set typed payload: %v", err)
	}
	if _, found, err := newer.Get(ctx, "user-1"); err != nil || found {
		t.Fatalf("expected entry written under version 1 to miss for version 2, found=%v err=%v", found, err)
	}
}

func TestViewReportsDecodeFailure(t *testing.T) {
	store, _, _ := newTestStore(t, 100)
	ctx := context.Background()
	view := NewView[viewPayload](store, "vp:", "1", time.Hour)

	mustSet(t, store, "vp:user-1", `[1,2,3]`, "1", time.Hour)

	if _, _, err := view.Get(ctx, "user-1"); !errors.Is(err, ErrSerializeFailed) {
		t.Fatalf("expected ErrSerializeFailed for shape mismatch, got %v", err)
	}
}

func TestViewDeleteByPrefixScopesToKeyFamily(t *testing.T) {
	store, _, _ := newTestStore(t, 100)
	ctx := context.Background()
	view := NewView[viewPayload](store, "vp:", "1", time.Hour)

	if err := view.Set(ctx, "user-1:a", viewPayload{Name: "one"}); err != nil {
		t.Fatalf("failed to set: %v", err)
	}
	if err := view.Set(ctx, "user-1:b", viewPayload{Name: "two"}); err != nil {
		t.Fatalf("failed to set: %v", err)
	}
	if err := view.Set(ctx, "user-2:a", viewPayload{Name: "three"}); err != nil {
		t.Fatalf("failed to set: %v", err)
	}

	removed, err := view.DeleteByPrefix(ctx, "user-1:")
	if err != nil {
		t.Fatalf("delete by prefix failed: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 entries removed, got %d", removed)
	}
	if _, found, err := view.Get(ctx, "user-2:a"); err != nil || !found {
		t.Fatalf("expected other identity's entry to survive, found=%v err=%v", found, err)
	}
}
