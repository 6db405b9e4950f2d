package snapshot

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ledgerline/crmcache/internal/crm"
)

type stubDirectory struct {
	contactsByUser map[string][]crm.Contact
	err            error
	calls          int
}

func (d *stubDirectory) FetchContacts(_ context.Context, userID string) ([]crm.Contact, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.contactsByUser[userID], nil
}

func newTestCache(t *testing.T, directory *stubDirectory) *Cache {
	t.Helper()
	cache, err := New(Config{
		Directory: directory,
		Clock:     func() time.Time { return time.Unix(1700000000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to build cache: %v", err)
	}
	return cache
}

func TestReadFetchesOnMissThenServesFromCache(t *testing.T) {
	directory := &stubDirectory{contactsByUser: map[string][]crm.Contact{
		"user-1": {{ID: "contact-1", Name: "Ada"}},
	}}
	cache := newTestCache(t, directory)
	ctx := context.Background()

	first, err := cache.Read(ctx, "user-1", false)
	if err != nil {
		t.Fatalf("first read failed: %v", err)
	}
	if first.Info.FromCache {
		t.Fatal("expected first read to be fresh")
	}
	if first.Info.Provenance != "fresh data loaded at 2023-11-14T22:13:20Z" {
		t.Fatalf("unexpected provenance %q", first.Info.Provenance)
	}

	second, err := cache.Read(ctx, "user-1", false)
	if err != nil {
		t.Fatalf("second read failed: %v", err)
	}
	if !second.Info.FromCache {
		t.Fatal("expected second read from cache")
	}
	if second.Info.Provenance != "using cached data from 2023-11-14T22:13:20Z" {
		t.Fatalf("unexpected provenance %q", second.Info.Provenance)
	}
	if directory.calls != 1 {
		t.Fatalf("expected exactly one remote fetch, got %d", directory.calls)
	}
}

func TestReadWithForceRefetches(t *testing.T) {
	directory := &stubDirectory{contactsByUser: map[string][]crm.Contact{
		"user-1": {{ID: "contact-1"}},
	}}
	cache := newTestCache(t, directory)
	ctx := context.Background()

	if _, err := cache.Read(ctx, "user-1", false); err != nil {
		t.Fatalf("seed read failed: %v", err)
	}
	result, err := cache.Refresh(ctx, "user-1")
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if result.Info.FromCache {
		t.Fatal("expected refresh to bypass cache")
	}
	if directory.calls != 2 {
		t.Fatalf("expected two remote fetches, got %d", directory.calls)
	}
}

func TestReadFallsBackToStaleSnapshotOnRemoteFailure(t *testing.T) {
	directory := &stubDirectory{contactsByUser: map[string][]crm.Contact{
		"user-1": {{ID: "contact-1", Name: "Ada"}},
	}}
	cache := newTestCache(t, directory)
	ctx := context.Background()

	if _, err := cache.Read(ctx, "user-1", false); err != nil {
		t.Fatalf("seed read failed: %v", err)
	}

	directory.err = errors.New("service down")
	result, err := cache.Read(ctx, "user-1", true)
	if err != nil {
		t.Fatalf("expected stale fallback instead of error, got %v", err)
	}
	if !result.Info.Stale {
		t.Fatal("expected stale flag")
	}
	if result.Info.FetchErr == nil {
		t.Fatal("expected fetch error surfaced alongside stale data")
	}
	if len(result.Contacts) != 1 || result.Contacts[0].Name != "Ada" {
		t.Fatalf("expected last known snapshot, got %+v", result.Contacts)
	}
	if !strings.HasPrefix(result.Info.Provenance, "using cached data from") {
		t.Fatalf("unexpected provenance %q", result.Info.Provenance)
	}
}

func TestReadSurfacesErrorWhenNoFallbackExists(t *testing.T) {
	directory := &stubDirectory{err: errors.New("service down")}
	cache := newTestCache(t, directory)

	result, err := cache.Read(context.Background(), "user-1", false)
	if err == nil {
		t.Fatal("expected error when no snapshot exists")
	}
	if len(result.Contacts) != 0 {
		t.Fatalf("expected no data with the error, got %+v", result.Contacts)
	}
}

func TestClearGuaranteesMiss(t *testing.T) {
	directory := &stubDirectory{contactsByUser: map[string][]crm.Contact{
		"user-1": {{ID: "contact-1"}},
	}}
	cache := newTestCache(t, directory)
	ctx := context.Background()

	if _, err := cache.Read(ctx, "user-1", false); err != nil {
		t.Fatalf("seed read failed: %v", err)
	}
	cache.Clear("user-1")

	result, err := cache.Read(ctx, "user-1", false)
	if err != nil {
		t.Fatalf("read after clear failed: %v", err)
	}
	if result.Info.FromCache {
		t.Fatal("expected miss after clear")
	}
	if directory.calls != 2 {
		t.Fatalf("expected re-fetch after clear, got %d calls", directory.calls)
	}
}

func TestSnapshotsNeverCrossIdentities(t *testing.T) {
	directory := &stubDirectory{contactsByUser: map[string][]crm.Contact{
		"user-1": {{ID: "contact-1", Name: "Ada"}},
		"user-2": {{ID: "contact-9", Name: "Grace"}},
	}}
	cache := newTestCache(t, directory)
	ctx := context.Background()

	if _, err := cache.Read(ctx, "user-1", false); err != nil {
		t.Fatalf("user-1 read failed: %v", err)
	}
	result, err := cache.Read(ctx, "user-2", false)
	if err != nil {
		t.Fatalf("user-2 read failed: %v", err)
	}
	if result.Info.FromCache {
		t.Fatal("expected user-2 read to miss despite user-1 snapshot")
	}
	if result.Contacts[0].Name != "Grace" {
		t.Fatalf("expected user-2 data, got %+v", result.Contacts)
	}
}
