// Package inject assembles the deterministic context bundle fed into LLM
// prompt assembly: recent history, durable memories, and resolved names.
package inject

import (
	"context"
	"fmt"
	"log/slog"

	"hibari/internal/history"
	"hibari/internal/lookup"
	"hibari/internal/memory"
	"hibari/pkg/hibari"
)

// NameResolver fetches one user display name from the platform.
type NameResolver func(ctx context.Context, userID string) (string, error)

// Config bounds how much context one bundle carries.
type Config struct {
	// HistoryCount caps injected history entries.
	HistoryCount int
	// MemoryLimit caps injected memory records per scope.
	MemoryLimit int
}

// Bundle is one assembled context selection.
//
// Selection is pure: the same engine state always yields the same bundle, and
// assembling one never mutates any store.
type Bundle struct {
	// History holds up to HistoryCount entries, oldest first.
	History []history.Entry
	// UserMemories holds the sender's records, highest priority first.
	UserMemories []memory.Record
	// GroupMemories holds group-scoped records, highest priority first.
	GroupMemories []memory.Record
	// SenderName is the resolved display name of the current sender.
	SenderName string
}

// Injector selects context bundles from the retention engine.
type Injector struct {
	history *history.Store
	memory  *memory.Store
	names   *lookup.Cache[string]
	resolve NameResolver
	logger  *slog.Logger
	cfg     Config
}

// Option customizes one Injector.
type Option func(*Injector)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Injector) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// New constructs one injector over the given stores.
func New(
	historyStore *history.Store,
	memoryStore *memory.Store,
	names *lookup.Cache[string],
	resolve NameResolver,
	cfg Config,
	opts ...Option,
) (*Injector, error) {
	if historyStore == nil {
		return nil, fmt.Errorf("new injector: nil history store")
	}
	if memoryStore == nil {
		return nil, fmt.Errorf("new injector: nil memory store")
	}
	if names == nil {
		return nil, fmt.Errorf("new injector: nil name cache")
	}
	if resolve == nil {
		return nil, fmt.Errorf("new injector: nil name resolver")
	}
	if cfg.HistoryCount < 0 || cfg.MemoryLimit < 0 {
		return nil, fmt.Errorf("new injector: negative limits")
	}

	injector := &Injector{
		history: historyStore,
		memory:  memoryStore,
		names:   names,
		resolve: resolve,
		logger:  slog.Default(),
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(injector)
	}

	return injector, nil
}

// Select assembles the bundle for one inbound message.
//
// A failed name resolution degrades to a placeholder derived from the user
// identifier; it never fails the selection.
func (i *Injector) Select(ctx context.Context, groupID, userID string) (Bundle, error) {
	if ctx == nil {
		return Bundle{}, fmt.Errorf("inject select: nil context")
	}
	if groupID == "" || userID == "" {
		return Bundle{}, fmt.Errorf("inject select: missing group or user")
	}

	bundle := Bundle{
		History:       i.history.Recent(groupID, i.cfg.HistoryCount),
		UserMemories:  truncate(i.memory.List(groupID, userID), i.cfg.MemoryLimit),
		GroupMemories: truncate(i.memory.ListGroupScope(groupID), i.cfg.MemoryLimit),
	}

	name, err := i.names.GetOrFetch(ctx, userID, func(ctx context.Context) (string, error) {
		return i.resolve(ctx, userID)
	})
	if err != nil {
		name = hibari.FallbackDisplayName(userID)
		i.logger.WarnContext(ctx, "sender name resolution degraded",
			"user", userID,
			"error", err,
		)
	}
	bundle.SenderName = name

	return bundle, nil
}

func truncate(records []memory.Record, limit int) []memory.Record {
	if limit <= 0 || len(records) <= limit {
		return records
	}

	return records[:limit]
}
