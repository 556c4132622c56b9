// Package history keeps a bounded per-group window of recent conversation
// turns, persisted to one JSON file with debounced writes.
package history

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hibari/internal/persist"
)

const storageKey = "history"

// Role identifies which side authored one history entry.
type Role string

const (
	// RoleUser marks a human-authored entry.
	RoleUser Role = "user"
	// RoleAssistant marks a bot-authored entry.
	RoleAssistant Role = "assistant"
)

// Entry is one recorded conversation turn.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Sender    string    `json:"sender"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
}

// Option customizes one Store.
type Option func(*Store)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDebounce overrides the persistence debounce window.
func WithDebounce(window time.Duration) Option {
	return func(s *Store) {
		s.debounce = window
	}
}

// Store is the per-group conversation window.
//
// Capacity doubles as both the retention bound and the injection count; a
// capacity of zero disables recording entirely. The newest entry always
// evicts the oldest once a group window is full.
type Store struct {
	capacity int
	logger   *slog.Logger
	debounce time.Duration
	sched    *persist.Scheduler

	mu     sync.Mutex
	loaded bool
	groups map[string]*groupWindow
}

type groupWindow struct {
	mu      sync.Mutex
	entries []Entry
}

// New constructs one history store persisting under dir.
func New(dir string, capacity int, opts ...Option) (*Store, error) {
	if capacity < 0 {
		return nil, fmt.Errorf("new history store: capacity must be >= 0")
	}

	s := &Store{
		capacity: capacity,
		logger:   slog.Default(),
		groups:   make(map[string]*groupWindow),
	}
	for _, opt := range opts {
		opt(s)
	}

	schedOpts := []persist.Option{persist.WithLogger(s.logger)}
	if s.debounce > 0 {
		schedOpts = append(schedOpts, persist.WithDebounce(s.debounce))
	}
	sched, err := persist.New(dir, s.snapshot, schedOpts...)
	if err != nil {
		return nil, fmt.Errorf("new history store: %w", err)
	}
	s.sched = sched

	return s, nil
}

// Capacity returns the retention bound.
func (s *Store) Capacity() int {
	return s.capacity
}

// Append records one turn for group, evicting the oldest beyond capacity.
func (s *Store) Append(group string, entry Entry) {
	if s.capacity == 0 || group == "" {
		return
	}

	window := s.window(group)
	window.mu.Lock()
	window.entries = append(window.entries, entry)
	if overflow := len(window.entries) - s.capacity; overflow > 0 {
		window.entries = append([]Entry(nil), window.entries[overflow:]...)
	}
	window.mu.Unlock()

	s.sched.Mark(storageKey)
}

// Recent returns up to limit newest entries for group in chronological order.
func (s *Store) Recent(group string, limit int) []Entry {
	if s.capacity == 0 || limit <= 0 || group == "" {
		return nil
	}

	window := s.window(group)
	window.mu.Lock()
	defer window.mu.Unlock()

	start := len(window.entries) - limit
	if start < 0 {
		start = 0
	}
	if start == len(window.entries) {
		return nil
	}

	return append([]Entry(nil), window.entries[start:]...)
}

// Len returns the resident entry count for group.
func (s *Store) Len(group string) int {
	if s.capacity == 0 || group == "" {
		return 0
	}

	window := s.window(group)
	window.mu.Lock()
	defer window.mu.Unlock()

	return len(window.entries)
}

// Clear empties the window for group and flushes synchronously, so a reset is
// durable before the confirmation reply goes out.
func (s *Store) Clear(group string) error {
	if group == "" {
		return nil
	}

	window := s.window(group)
	window.mu.Lock()
	window.entries = nil
	window.mu.Unlock()

	if err := s.sched.Flush(storageKey); err != nil {
		return fmt.Errorf("clear history %s: %w", group, err)
	}

	return nil
}

// Flush writes the current state synchronously.
func (s *Store) Flush() error {
	if err := s.sched.Flush(storageKey); err != nil {
		return fmt.Errorf("flush history: %w", err)
	}

	return nil
}

// Close flushes pending state and releases the scheduler.
func (s *Store) Close() error {
	if err := s.sched.Close(); err != nil {
		return fmt.Errorf("close history store: %w", err)
	}

	return nil
}

// window returns the resident window for group, loading persisted state on
// first access.
func (s *Store) window(group string) *groupWindow {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureLoadedLocked()
	window, exists := s.groups[group]
	if !exists {
		window = &groupWindow{}
		s.groups[group] = window
	}

	return window
}

func (s *Store) ensureLoadedLocked() {
	if s.loaded {
		return
	}
	s.loaded = true

	data, err := s.sched.Load(storageKey)
	if err != nil {
		s.logger.Error("loading history state failed, starting empty", "error", err)
		return
	}
	if data == nil {
		return
	}

	persisted := make(map[string][]Entry)
	if err := json.Unmarshal(data, &persisted); err != nil {
		s.logger.Warn("discarding malformed history state", "error", err)
		return
	}
	for group, entries := range persisted {
		if len(entries) > s.capacity {
			entries = entries[len(entries)-s.capacity:]
		}
		s.groups[group] = &groupWindow{entries: append([]Entry(nil), entries...)}
	}
}

func (s *Store) snapshot(string) ([]byte, error) {
	s.mu.Lock()
	windows := make(map[string]*groupWindow, len(s.groups))
	for group, window := range s.groups {
		windows[group] = window
	}
	s.mu.Unlock()

	state := make(map[string][]Entry, len(windows))
	for group, window := range windows {
		window.mu.Lock()
		if len(window.entries) > 0 {
			state[group] = append([]Entry(nil), window.entries...)
		}
		window.mu.Unlock()
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal history state: %w", err)
	}

	return data, nil
}
