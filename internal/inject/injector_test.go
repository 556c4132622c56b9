package inject

import (
	"context"
	"fmt"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"hibari/internal/history"
	"hibari/internal/lookup"
	"hibari/internal/memory"
	"hibari/pkg/hibari"
)

func newStores(t *testing.T) (*history.Store, *memory.Store) {
	t.Helper()

	historyStore, err := history.New(t.TempDir(), 20)
	if err != nil {
		t.Fatalf("history.New: %v", err)
	}
	memoryStore, err := memory.New(t.TempDir())
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() {
		historyStore.Close()
		memoryStore.Close()
	})

	return historyStore, memoryStore
}

func seedConversation(t *testing.T, historyStore *history.Store, memoryStore *memory.Store) {
	t.Helper()

	for i := 1; i <= 5; i++ {
		historyStore.Append("oc_g1", history.Entry{
			Timestamp: time.Date(2026, time.March, 1, 12, 0, i, 0, time.UTC),
			Sender:    "Aoi",
			Role:      history.RoleUser,
			Content:   fmt.Sprintf("turn %d", i),
		})
	}
	for i := 1; i <= 3; i++ {
		if _, err := memoryStore.Save("oc_g1", "ou_a", memory.KindFact, fmt.Sprintf("fact %d", i)); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
}

func TestSelectIsDeterministic(t *testing.T) {
	t.Parallel()

	historyStore, memoryStore := newStores(t)
	seedConversation(t, historyStore, memoryStore)

	names := lookup.New[string]()
	injector, err := New(historyStore, memoryStore, names,
		func(ctx context.Context, userID string) (string, error) { return "Aoi Haruno", nil },
		Config{HistoryCount: 20, MemoryLimit: 5},
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first, err := injector.Select(context.Background(), "oc_g1", "ou_a")
	if err != nil {
		t.Fatalf("first Select: %v", err)
	}
	second, err := injector.Select(context.Background(), "oc_g1", "ou_a")
	if err != nil {
		t.Fatalf("second Select: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("bundles differ:\nfirst  %+v\nsecond %+v", first, second)
	}

	if len(first.History) != 5 || first.History[0].Content != "turn 1" || first.History[4].Content != "turn 5" {
		t.Fatalf("history window = %+v, want turns 1..5 oldest first", first.History)
	}
	if first.SenderName != "Aoi Haruno" {
		t.Fatalf("SenderName = %q", first.SenderName)
	}
}

func TestSelectTruncatesMemories(t *testing.T) {
	t.Parallel()

	historyStore, memoryStore := newStores(t)
	for i := 1; i <= 8; i++ {
		if _, err := memoryStore.Save("oc_g1", "ou_a", memory.KindFact, fmt.Sprintf("fact %d", i)); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	injector, err := New(historyStore, memoryStore, lookup.New[string](),
		func(ctx context.Context, userID string) (string, error) { return "Aoi", nil },
		Config{HistoryCount: 20, MemoryLimit: 3},
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	bundle, err := injector.Select(context.Background(), "oc_g1", "ou_a")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(bundle.UserMemories) != 3 {
		t.Fatalf("UserMemories len = %d, want 3", len(bundle.UserMemories))
	}
	// Highest priority first, newest first within equal priority.
	if bundle.UserMemories[0].Content != "fact 8" {
		t.Fatalf("first memory = %q, want the newest fact", bundle.UserMemories[0].Content)
	}
}

func TestSelectResolvesNameOncePerTTL(t *testing.T) {
	t.Parallel()

	historyStore, memoryStore := newStores(t)

	var resolves atomic.Int64
	injector, err := New(historyStore, memoryStore, lookup.New[string](),
		func(ctx context.Context, userID string) (string, error) {
			resolves.Add(1)
			return "Aoi", nil
		},
		Config{HistoryCount: 20, MemoryLimit: 5},
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for range 4 {
		if _, err := injector.Select(context.Background(), "oc_g1", "ou_a"); err != nil {
			t.Fatalf("Select: %v", err)
		}
	}
	if calls := resolves.Load(); calls != 1 {
		t.Fatalf("resolver calls = %d, want 1 (cached)", calls)
	}
}

func TestSelectDegradesNameOnResolverFailure(t *testing.T) {
	t.Parallel()

	historyStore, memoryStore := newStores(t)
	injector, err := New(historyStore, memoryStore, lookup.New[string](),
		func(ctx context.Context, userID string) (string, error) {
			return "", fmt.Errorf("contact api: %w", hibari.ErrTransient)
		},
		Config{HistoryCount: 20, MemoryLimit: 5},
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	bundle, err := injector.Select(context.Background(), "oc_g1", "ou_98765432")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if bundle.SenderName != "user(5432)" {
		t.Fatalf("SenderName = %q, want degraded placeholder", bundle.SenderName)
	}
}

func TestSelectNeverMutatesStores(t *testing.T) {
	t.Parallel()

	historyStore, memoryStore := newStores(t)
	seedConversation(t, historyStore, memoryStore)

	injector, err := New(historyStore, memoryStore, lookup.New[string](),
		func(ctx context.Context, userID string) (string, error) { return "Aoi", nil },
		Config{HistoryCount: 20, MemoryLimit: 5},
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := injector.Select(context.Background(), "oc_g1", "ou_a"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got := historyStore.Len("oc_g1"); got != 5 {
		t.Fatalf("history len = %d after select, want 5", got)
	}
	if got := memoryStore.CountUser("oc_g1", "ou_a"); got != 3 {
		t.Fatalf("memory count = %d after select, want 3", got)
	}
}
