// Package persist schedules debounced atomic writes of serialized store state
// to local JSON files.
//
// Stores own their in-memory state and stay authoritative between flushes;
// the scheduler only decides when a snapshot reaches disk and guarantees that
// readers of the target file never observe a partial write.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const defaultDebounce = 5 * time.Second

// SnapshotFunc serializes the current state for one storage key.
//
// It is called at write time, not at mark time, so the freshest state wins
// when multiple marks coalesce. Returning nil data skips the write.
type SnapshotFunc func(key string) ([]byte, error)

// Option customizes one Scheduler.
type Option func(*Scheduler)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDebounce overrides the debounce window.
func WithDebounce(window time.Duration) Option {
	return func(s *Scheduler) {
		if window > 0 {
			s.debounce = window
		}
	}
}

// Scheduler coalesces write requests per storage key.
//
// Each key owns at most one pending timer: the first Mark arms it and marks
// within the window no-op, so a burst of N mutations costs one disk write.
type Scheduler struct {
	dir      string
	debounce time.Duration
	snapshot SnapshotFunc
	logger   *slog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	writing sync.WaitGroup
	closed  bool
}

// New constructs one scheduler rooted at dir, creating it when absent.
func New(dir string, snapshot SnapshotFunc, opts ...Option) (*Scheduler, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("new persist scheduler: empty dir")
	}
	if snapshot == nil {
		return nil, fmt.Errorf("new persist scheduler: nil snapshot func")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("new persist scheduler: create dir: %w", err)
	}

	s := &Scheduler{
		dir:      dir,
		debounce: defaultDebounce,
		snapshot: snapshot,
		logger:   slog.Default(),
		timers:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Mark records that key has unpersisted state.
//
// The first mark arms a debounce timer; marks while a timer is pending no-op,
// so the write happens once per window regardless of mutation rate.
func (s *Scheduler) Mark(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if _, pending := s.timers[key]; pending {
		return
	}
	s.timers[key] = time.AfterFunc(s.debounce, func() {
		s.fire(key)
	})
}

// Flush cancels any pending timer for key and writes synchronously.
func (s *Scheduler) Flush(key string) error {
	s.cancel(key)
	if err := s.write(key); err != nil {
		return fmt.Errorf("flush %s: %w", key, err)
	}

	return nil
}

// FlushAll synchronously writes every key with a pending timer.
func (s *Scheduler) FlushAll() error {
	s.mu.Lock()
	keys := make([]string, 0, len(s.timers))
	for key, timer := range s.timers {
		timer.Stop()
		keys = append(keys, key)
	}
	clear(s.timers)
	s.mu.Unlock()

	var errs []error
	for _, key := range keys {
		if err := s.write(key); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", key, err))
		}
	}

	return errors.Join(errs...)
}

// Write persists data for key immediately, bypassing the snapshot callback.
//
// Stores use it when the state being written is no longer reachable through
// the snapshot path, such as flushing an entry evicted from a resident cache.
func (s *Scheduler) Write(key string, data []byte) error {
	s.cancel(key)
	if data == nil {
		return nil
	}
	if err := s.writeBytes(key, data); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}

	return nil
}

// Discard cancels any pending timer for key without writing.
func (s *Scheduler) Discard(key string) {
	s.cancel(key)
}

// Load reads the persisted state for key.
//
// A missing file is an empty state, not an error. A file that fails to parse
// as JSON is logged and treated as empty so a damaged disk state never takes
// the process down.
func (s *Scheduler) Load(key string) ([]byte, error) {
	path := s.path(key)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	if !json.Valid(data) {
		s.logger.Warn("discarding corrupt persisted state",
			"key", key,
			"path", path,
			"bytes", len(data),
		)
		return nil, nil
	}

	return data, nil
}

// Close flushes all pending state and stops accepting marks.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.FlushAll()
	s.writing.Wait()

	return err
}

func (s *Scheduler) fire(key string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.timers, key)
	s.writing.Add(1)
	s.mu.Unlock()
	defer s.writing.Done()

	if err := s.write(key); err != nil {
		// In-memory state stays authoritative; the next mark retries.
		s.logger.Error("debounced write failed", "key", key, "error", err)
	}
}

func (s *Scheduler) cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, pending := s.timers[key]; pending {
		timer.Stop()
		delete(s.timers, key)
	}
}

func (s *Scheduler) write(key string) error {
	data, err := s.snapshot(key)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if data == nil {
		return nil
	}

	return s.writeBytes(key, data)
}

func (s *Scheduler) writeBytes(key string, data []byte) error {
	path := s.path(key)
	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}

func (s *Scheduler) path(key string) string {
	return filepath.Join(s.dir, SanitizeKey(key)+".json")
}

// SanitizeKey maps one storage key to a safe file name fragment.
func SanitizeKey(key string) string {
	replaced := strings.NewReplacer("/", "_", "\\", "_").Replace(key)
	if replaced == "" {
		return "_"
	}

	return replaced
}
