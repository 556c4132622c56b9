package lookup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"hibari/pkg/hibari"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestGetOrFetchCachesValue(t *testing.T) {
	t.Parallel()

	cache := New[string]()
	var fetches atomic.Int64
	fetch := func(ctx context.Context) (string, error) {
		fetches.Add(1)
		return "Aoi Haruno", nil
	}

	for range 3 {
		got, err := cache.GetOrFetch(context.Background(), "ou_1", fetch)
		if err != nil {
			t.Fatalf("GetOrFetch: %v", err)
		}
		if got != "Aoi Haruno" {
			t.Fatalf("GetOrFetch = %q, want %q", got, "Aoi Haruno")
		}
	}
	if calls := fetches.Load(); calls != 1 {
		t.Fatalf("fetches = %d, want 1", calls)
	}
}

func TestConcurrentMissesShareOneFetch(t *testing.T) {
	t.Parallel()

	const callers = 16

	cache := New[string]()
	var fetches atomic.Int64
	release := make(chan struct{})
	arrived := make(chan struct{}, callers)

	fetch := func(ctx context.Context) (string, error) {
		fetches.Add(1)
		<-release
		return "shared result", nil
	}

	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			arrived <- struct{}{}
			results[i], errs[i] = cache.GetOrFetch(context.Background(), "ou_busy", fetch)
		}()
	}

	for range callers {
		<-arrived
	}
	// All callers are queued on the same key before the fetch completes.
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls := fetches.Load(); calls != 1 {
		t.Fatalf("fetches = %d, want exactly 1", calls)
	}
	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d error: %v", i, errs[i])
		}
		if results[i] != "shared result" {
			t.Fatalf("caller %d result = %q, want shared", i, results[i])
		}
	}
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		clockMu.Lock()
		defer clockMu.Unlock()
		now = now.Add(d)
	}

	cache := New[string](WithTTL[string](5*time.Minute), withClock[string](clock))
	var fetches atomic.Int64
	fetch := func(ctx context.Context) (string, error) {
		fetches.Add(1)
		return fmt.Sprintf("value-%d", fetches.Load()), nil
	}

	first, err := cache.GetOrFetch(context.Background(), "oc_group", fetch)
	if err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}

	advance(4 * time.Minute)
	cached, err := cache.GetOrFetch(context.Background(), "oc_group", fetch)
	if err != nil {
		t.Fatalf("GetOrFetch within ttl: %v", err)
	}
	if cached != first {
		t.Fatalf("within-ttl value = %q, want cached %q", cached, first)
	}

	advance(2 * time.Minute)
	refreshed, err := cache.GetOrFetch(context.Background(), "oc_group", fetch)
	if err != nil {
		t.Fatalf("GetOrFetch after ttl: %v", err)
	}
	if refreshed == first {
		t.Fatalf("after-ttl value = %q, want a fresh fetch", refreshed)
	}
	if calls := fetches.Load(); calls != 2 {
		t.Fatalf("fetches = %d, want 2", calls)
	}
}

func TestZeroTTLNeverExpires(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}

	cache := New[string](WithTTL[string](0), withClock[string](clock))
	var fetches atomic.Int64
	fetch := func(ctx context.Context) (string, error) {
		fetches.Add(1)
		return "bot-open-id", nil
	}

	if _, err := cache.GetOrFetch(context.Background(), "self", fetch); err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}

	clockMu.Lock()
	now = now.Add(1000 * time.Hour)
	clockMu.Unlock()

	if _, err := cache.GetOrFetch(context.Background(), "self", fetch); err != nil {
		t.Fatalf("GetOrFetch much later: %v", err)
	}
	if calls := fetches.Load(); calls != 1 {
		t.Fatalf("fetches = %d, want 1 for non-expiring entry", calls)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	t.Parallel()

	cache := New[string]()
	var fetches atomic.Int64
	fetch := func(ctx context.Context) (string, error) {
		fetches.Add(1)
		return "name", nil
	}

	if _, err := cache.GetOrFetch(context.Background(), "ou_1", fetch); err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}
	cache.Invalidate("ou_1")
	if _, err := cache.GetOrFetch(context.Background(), "ou_1", fetch); err != nil {
		t.Fatalf("GetOrFetch after invalidate: %v", err)
	}
	if calls := fetches.Load(); calls != 2 {
		t.Fatalf("fetches = %d, want 2", calls)
	}
}

func TestPermissionDeniedCachesFallback(t *testing.T) {
	t.Parallel()

	cache := New[string](WithDeniedFallback[string](func(key string) string {
		return "user(" + key[len(key)-4:] + ")"
	}))
	var fetches atomic.Int64
	fetch := func(ctx context.Context) (string, error) {
		fetches.Add(1)
		return "", fmt.Errorf("contact api: %w", hibari.ErrPermissionDenied)
	}

	got, err := cache.GetOrFetch(context.Background(), "ou_98765432", fetch)
	if err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}
	if got != "user(5432)" {
		t.Fatalf("fallback = %q, want user(5432)", got)
	}

	// Within the TTL the denied key never hits upstream again.
	again, err := cache.GetOrFetch(context.Background(), "ou_98765432", fetch)
	if err != nil {
		t.Fatalf("GetOrFetch again: %v", err)
	}
	if again != "user(5432)" {
		t.Fatalf("cached fallback = %q", again)
	}
	if calls := fetches.Load(); calls != 1 {
		t.Fatalf("fetches = %d, want 1", calls)
	}
}

func TestTransientErrorIsNotCached(t *testing.T) {
	t.Parallel()

	cache := New[string](WithDeniedFallback[string](func(string) string { return "fallback" }))
	var fetches atomic.Int64
	fetch := func(ctx context.Context) (string, error) {
		fetches.Add(1)
		return "", fmt.Errorf("contact api: %w", hibari.ErrTransient)
	}

	if _, err := cache.GetOrFetch(context.Background(), "ou_1", fetch); !errors.Is(err, hibari.ErrTransient) {
		t.Fatalf("GetOrFetch error = %v, want ErrTransient", err)
	}
	if _, err := cache.GetOrFetch(context.Background(), "ou_1", fetch); !errors.Is(err, hibari.ErrTransient) {
		t.Fatalf("second GetOrFetch error = %v, want ErrTransient", err)
	}
	if calls := fetches.Load(); calls != 2 {
		t.Fatalf("fetches = %d, want 2 (transient results are not cached)", calls)
	}
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	cache := New[string](WithMaxEntries[string](2))
	cache.Put("a", "1")
	cache.Put("b", "2")

	// Touch a so b becomes the eviction victim.
	if _, hit := cache.Get("a"); !hit {
		t.Fatal("expected a to be cached")
	}
	cache.Put("c", "3")

	if _, hit := cache.Get("b"); hit {
		t.Fatal("expected b to be evicted")
	}
	if _, hit := cache.Get("a"); !hit {
		t.Fatal("expected a to survive")
	}
	if _, hit := cache.Get("c"); !hit {
		t.Fatal("expected c to be cached")
	}
	if got := cache.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}
}
