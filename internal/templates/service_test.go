package templates

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ledgerline/crmcache/internal/crm"
	"github.com/ledgerline/crmcache/internal/feed"
	"github.com/ledgerline/crmcache/internal/remotecache"
)

type manualClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}

type stubFetcher struct {
	mu        sync.Mutex
	templates []crm.Template
	labels    []crm.Label
	err       error
	calls     int
}

func (f *stubFetcher) FetchTemplatesByLabels(_ context.Context, _ string, _ []string) ([]crm.Template, []crm.Label, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.templates, f.labels, nil
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testHarness struct {
	service  *Service
	rows     *remotecache.MemoryRows
	versions *remotecache.MemoryVersions
	fetcher  *stubFetcher
	clock    *manualClock
	feed     *feed.Dispatcher
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	harness := &testHarness{
		rows:     remotecache.NewMemoryRows(),
		versions: remotecache.NewMemoryVersions(),
		fetcher: &stubFetcher{
			templates: []crm.Template{{ID: "template-1", Name: "Welcome", LabelNames: []string{"vip"}}},
			labels:    []crm.Label{{ID: "label-1", Name: "vip"}},
		},
		clock: &manualClock{current: time.Unix(1700000000, 0).UTC()},
		feed:  feed.NewDispatcher(),
	}
	service, err := NewService(ServiceConfig{
		Rows:     harness.rows,
		Versions: harness.versions,
		Fetcher:  harness.fetcher,
		Feed:     harness.feed,
		Clock:    harness.clock.Now,
		TTL:      24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	harness.service = service
	return harness
}

func mustResolve(t *testing.T, harness *testHarness, userID string, labels []string) Resolution {
	t.Helper()
	resolution, err := harness.service.Resolve(context.Background(), userID, labels)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	return resolution
}

func TestResolveFetchesOnceThenServesFromCache(t *testing.T) {
	harness := newTestHarness(t)

	first := mustResolve(t, harness, "user-1", []string{"vip"})
	if first.FromCache {
		t.Fatal("expected first resolve to fetch")
	}
	if len(first.Templates) != 1 {
		t.Fatalf("expected one template, got %d", len(first.Templates))
	}
	harness.service.Wait()

	second := mustResolve(t, harness, "user-1", []string{"vip"})
	if !second.FromCache {
		t.Fatal("expected second resolve from cache")
	}
	if harness.fetcher.callCount() != 1 {
		t.Fatalf("expected exactly one remote fetch, got %d", harness.fetcher.callCount())
	}
}

func TestResolveHitsSameEntryForLabelPermutations(t *testing.T) {
	harness := newTestHarness(t)

	mustResolve(t, harness, "user-1", []string{"b", "a"})
	harness.service.Wait()

	permuted := mustResolve(t, harness, "user-1", []string{"a", "B"})
	if !permuted.FromCache {
		t.Fatal("expected permuted and case-varied label set to hit the same entry")
	}
	if harness.fetcher.callCount() != 1 {
		t.Fatalf("expected one fetch across permutations, got %d", harness.fetcher.callCount())
	}

	subset := mustResolve(t, harness, "user-1", []string{"a"})
	if subset.FromCache {
		t.Fatal("expected a distinct label set to miss")
	}
	if harness.fetcher.callCount() != 2 {
		t.Fatalf("expected a second fetch for the subset, got %d", harness.fetcher.callCount())
	}
}

func TestResolveRefetchesAfterInvalidateAll(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()

	mustResolve(t, harness, "user-1", []string{"vip"})
	harness.service.Wait()
	mustResolve(t, harness, "user-1", []string{"vip"})
	if harness.fetcher.callCount() != 1 {
		t.Fatalf("expected one fetch before invalidation, got %d", harness.fetcher.callCount())
	}

	removed, err := harness.service.InvalidateAll(ctx, "user-1")
	if err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one row removed, got %d", removed)
	}

	third := mustResolve(t, harness, "user-1", []string{"vip"})
	if third.FromCache {
		t.Fatal("expected resolve after invalidation to fetch")
	}
	if harness.fetcher.callCount() != 2 {
		t.Fatalf("expected exactly one more fetch after invalidation, got %d", harness.fetcher.callCount())
	}
}

func TestResolveTreatsOutdatedEpochAsMiss(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()

	mustResolve(t, harness, "user-1", []string{"vip"})
	harness.service.Wait()

	if _, err := harness.versions.Bump(ctx, "user-1"); err != nil {
		t.Fatalf("bump failed: %v", err)
	}

	refetched := mustResolve(t, harness, "user-1", []string{"vip"})
	if refetched.FromCache {
		t.Fatal("expected epoch bump to fence the stored row")
	}
	if harness.fetcher.callCount() != 2 {
		t.Fatalf("expected refetch after epoch bump, got %d fetches", harness.fetcher.callCount())
	}

	harness.service.Wait()
	cached := mustResolve(t, harness, "user-1", []string{"vip"})
	if !cached.FromCache {
		t.Fatal("expected row stored under the new epoch to serve")
	}
}

func TestResolveTreatsExpiredRowAsMiss(t *testing.T) {
	harness := newTestHarness(t)

	mustResolve(t, harness, "user-1", []string{"vip"})
	harness.service.Wait()

	harness.clock.Advance(24*time.Hour + time.Minute)
	expired := mustResolve(t, harness, "user-1", []string{"vip"})
	if expired.FromCache {
		t.Fatal("expected row older than the TTL to miss")
	}
	if harness.fetcher.callCount() != 2 {
		t.Fatalf("expected refetch after expiry, got %d fetches", harness.fetcher.callCount())
	}
}

func TestResolveDoesNotBlockOnRowPersistence(t *testing.T) {
	harness := newTestHarness(t)
	gate := make(chan struct{})
	slow := &gatedRows{MemoryRows: harness.rows, gate: gate}

	service, err := NewService(ServiceConfig{
		Rows:     slow,
		Versions: harness.versions,
		Fetcher:  harness.fetcher,
		Clock:    harness.clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := service.Resolve(context.Background(), "user-1", []string{"vip"}); err != nil {
			t.Errorf("resolve failed: %v", err)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected resolve to return while the row write was still pending")
	}

	close(gate)
	service.Wait()
	if _, found, _ := harness.rows.Get(context.Background(), "user-1", CombinationKey("user-1", []string{"vip"})); !found {
		t.Fatal("expected row persisted after the gate opened")
	}
}

type gatedRows struct {
	*remotecache.MemoryRows
	gate <-chan struct{}
}

func (r *gatedRows) Upsert(ctx context.Context, userID, key string, row remotecache.Row) error {
	<-r.gate
	return r.MemoryRows.Upsert(ctx, userID, key, row)
}

type failingRows struct {
	*remotecache.MemoryRows
}

func (r *failingRows) Get(context.Context, string, string) (remotecache.Row, bool, error) {
	return remotecache.Row{}, false, errors.New("row store down")
}

func TestResolveTreatsRowStoreFailureAsMiss(t *testing.T) {
	harness := newTestHarness(t)
	service, err := NewService(ServiceConfig{
		Rows:     &failingRows{MemoryRows: harness.rows},
		Versions: harness.versions,
		Fetcher:  harness.fetcher,
		Clock:    harness.clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}

	resolution, err := service.Resolve(context.Background(), "user-1", []string{"vip"})
	if err != nil {
		t.Fatalf("expected fetch fallback when the row store fails, got %v", err)
	}
	if resolution.FromCache {
		t.Fatal("expected remote fetch, not a cache hit")
	}
}

func TestResolveSurfacesFetchFailure(t *testing.T) {
	harness := newTestHarness(t)
	harness.fetcher.err = errors.New("service down")

	if _, err := harness.service.Resolve(context.Background(), "user-1", []string{"vip"}); err == nil {
		t.Fatal("expected error when the remote fetch fails with no cached row")
	}
}

func TestPreloadResolvesDistinctCombinationsOnce(t *testing.T) {
	harness := newTestHarness(t)

	contacts := []crm.Contact{
		{ID: "contact-1", Labels: []string{"vip", "prospect"}},
		{ID: "contact-2", Labels: []string{"prospect", "VIP"}},
		{ID: "contact-3", Labels: []string{"vip"}},
		{ID: "contact-4"},
		{ID: "contact-5", Labels: []string{"  "}},
	}
	resolved, err := harness.service.Preload(context.Background(), "user-1", contacts)
	if err != nil {
		t.Fatalf("preload failed: %v", err)
	}
	if resolved != 2 {
		t.Fatalf("expected 2 distinct combinations, got %d", resolved)
	}
	if harness.fetcher.callCount() != 2 {
		t.Fatalf("expected one fetch per distinct combination, got %d", harness.fetcher.callCount())
	}
}

func TestHandleChangeInvalidatesOnMetadataTables(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()

	mustResolve(t, harness, "user-1", []string{"vip"})
	harness.service.Wait()

	harness.service.handleChange(ctx, "user-1", feed.Event{UserID: "user-1", Table: feed.TableLabels, Kind: feed.KindUpdate})

	after := mustResolve(t, harness, "user-1", []string{"vip"})
	if after.FromCache {
		t.Fatal("expected label change to invalidate the namespace")
	}
}

func TestWatchInvalidationReactsToFeedEvents(t *testing.T) {
	harness := newTestHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mustResolve(t, harness, "user-1", []string{"vip"})
	harness.service.Wait()

	go harness.service.WatchInvalidation(ctx, "user-1")

	deadline := time.After(2 * time.Second)
	for {
		// Republished until observed so the assertion does not race the
		// watcher's subscription registration.
		if err := harness.feed.Publish(ctx, feed.Event{
			UserID: "user-1",
			Table:  feed.TableTemplates,
			Kind:   feed.KindUpdate,
			At:     time.Now().UTC(),
		}); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		if _, found, _ := harness.rows.Get(ctx, "user-1", CombinationKey("user-1", []string{"vip"})); !found {
			return
		}
		select {
		case <-deadline:
			t.Fatal("expected feed event to invalidate the stored row")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
