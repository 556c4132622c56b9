// Package memory keeps durable per-user and per-group memory records with
// bounded capacity, priority-aware eviction, and one JSON file per group.
package memory

import (
	"container/list"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"hibari/internal/persist"

	"github.com/google/uuid"
)

const (
	defaultMaxPerUser      = 20
	defaultMaxPerGroup     = 30
	defaultGroupMax        = 30
	defaultMaxCachedGroups = 100

	// ForgetAll is the Forget target that removes every record for a user.
	ForgetAll = "all"
)

// Kind classifies one memory record.
type Kind string

const (
	// KindInstruction records an explicit directive for the bot.
	KindInstruction Kind = "instruction"
	// KindPreference records a user's stated preference.
	KindPreference Kind = "preference"
	// KindFact records a standalone fact about the user or group.
	KindFact Kind = "fact"
)

// ParseKind validates and normalizes a raw kind string.
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindInstruction:
		return KindInstruction, nil
	case KindPreference:
		return KindPreference, nil
	case KindFact:
		return KindFact, nil
	default:
		return "", fmt.Errorf("parse memory kind: unsupported kind %q", raw)
	}
}

// rank orders kinds for eviction and injection: higher survives longer and
// injects first.
func (k Kind) rank() int {
	switch k {
	case KindInstruction:
		return 3
	case KindPreference:
		return 2
	case KindFact:
		return 1
	default:
		return 0
	}
}

// Record is one durable memory record.
type Record struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"type"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
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

// WithMaxPerUser bounds records per (group, user).
func WithMaxPerUser(max int) Option {
	return func(s *Store) {
		if max > 0 {
			s.maxPerUser = max
		}
	}
}

// WithMaxPerGroup bounds the record sum across all users of one group.
func WithMaxPerGroup(max int) Option {
	return func(s *Store) {
		if max > 0 {
			s.maxPerGroup = max
		}
	}
}

// WithGroupScopeMax bounds group-scoped records per group.
func WithGroupScopeMax(max int) Option {
	return func(s *Store) {
		if max > 0 {
			s.groupMax = max
		}
	}
}

// WithMaxCachedGroups bounds resident group states.
func WithMaxCachedGroups(max int) Option {
	return func(s *Store) {
		if max > 0 {
			s.maxCachedGroups = max
		}
	}
}

// WithDebounce overrides the persistence debounce window.
func WithDebounce(window time.Duration) Option {
	return func(s *Store) {
		s.debounce = window
	}
}

func withClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Store holds memory records for many groups with a bounded resident set.
//
// Each group lives in its own JSON file; at most maxCachedGroups group states
// stay in memory, managed LRU by access. Evicting a dirty group flushes it
// synchronously first, so eviction never loses records.
type Store struct {
	maxPerUser      int
	maxPerGroup     int
	groupMax        int
	maxCachedGroups int
	debounce        time.Duration
	logger          *slog.Logger
	clock           func() time.Time
	sched           *persist.Scheduler

	mu     sync.Mutex
	groups map[string]*groupState
	lru    *list.List
}

type groupState struct {
	id      string
	element *list.Element

	mu        sync.Mutex
	users     map[string][]Record
	groupRecs []Record
	dirty     bool
	// evicted marks a state removed from the resident set; holders of a
	// stale pointer must re-acquire instead of mutating it.
	evicted bool
}

type fileState struct {
	GroupID       string                `json:"group_id"`
	Users         map[string]userBucket `json:"users"`
	GroupMemories []Record              `json:"group_memories"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

type userBucket struct {
	Memories []Record `json:"memories"`
}

// New constructs one memory store persisting one file per group under dir.
func New(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		maxPerUser:      defaultMaxPerUser,
		maxPerGroup:     defaultMaxPerGroup,
		groupMax:        defaultGroupMax,
		maxCachedGroups: defaultMaxCachedGroups,
		logger:          slog.Default(),
		clock:           time.Now,
		groups:          make(map[string]*groupState),
		lru:             list.New(),
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
		return nil, fmt.Errorf("new memory store: %w", err)
	}
	s.sched = sched

	return s, nil
}

// Save upserts one record for (group, user).
//
// A record whose normalized content matches an existing record of the same
// kind refreshes that record instead of inserting: content is replaced and
// updated_at advances strictly. New records evict the lowest-priority,
// oldest-updated victim when a capacity bound is hit.
func (s *Store) Save(group, user string, kind Kind, content string) (Record, error) {
	if err := validateSave(group, user, kind, content); err != nil {
		return Record{}, fmt.Errorf("save memory: %w", err)
	}

	state := s.acquireLocked(group)
	bucket := state.users[user]

	if index, found := findDuplicate(bucket, kind, content); found {
		refreshed := s.refreshLocked(&bucket[index], content)
		state.users[user] = bucket
		state.dirty = true
		state.mu.Unlock()
		s.sched.Mark(group)
		return refreshed, nil
	}

	if len(bucket) >= s.maxPerUser {
		state.users[user] = evictVictim(bucket)
	}
	for s.totalUserRecordsLocked(state)+1 > s.maxPerGroup {
		if !s.evictAcrossUsersLocked(state) {
			break
		}
	}

	record := s.newRecordLocked(kind, content)
	state.users[user] = append(state.users[user], record)
	state.dirty = true
	state.mu.Unlock()

	s.sched.Mark(group)

	return record, nil
}

// SaveGroupScope upserts one group-scoped record.
func (s *Store) SaveGroupScope(group string, kind Kind, content string) (Record, error) {
	if err := validateSave(group, "-", kind, content); err != nil {
		return Record{}, fmt.Errorf("save group memory: %w", err)
	}

	state := s.acquireLocked(group)

	if index, found := findDuplicate(state.groupRecs, kind, content); found {
		refreshed := s.refreshLocked(&state.groupRecs[index], content)
		state.dirty = true
		state.mu.Unlock()
		s.sched.Mark(group)
		return refreshed, nil
	}

	if len(state.groupRecs) >= s.groupMax {
		state.groupRecs = evictVictim(state.groupRecs)
	}
	record := s.newRecordLocked(kind, content)
	state.groupRecs = append(state.groupRecs, record)
	state.dirty = true
	state.mu.Unlock()

	s.sched.Mark(group)

	return record, nil
}

// List returns the records for (group, user), highest priority first and
// newest first within equal priority.
func (s *Store) List(group, user string) []Record {
	if group == "" || user == "" {
		return nil
	}

	state := s.acquireLocked(group)
	defer state.mu.Unlock()

	return sortedCopy(state.users[user])
}

// ListGroupScope returns the group-scoped records for group, ordered like List.
func (s *Store) ListGroupScope(group string) []Record {
	if group == "" {
		return nil
	}

	state := s.acquireLocked(group)
	defer state.mu.Unlock()

	return sortedCopy(state.groupRecs)
}

// Forget removes records for (group, user).
//
// Target ForgetAll removes everything; any other target removes records whose
// content contains it case-insensitively. Returns the removed count.
func (s *Store) Forget(group, user, target string) (int, error) {
	if group == "" || user == "" {
		return 0, fmt.Errorf("forget memory: missing group or user")
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return 0, fmt.Errorf("forget memory: empty target")
	}

	state := s.acquireLocked(group)
	bucket := state.users[user]
	kept := bucket[:0:0]
	removed := 0
	for _, record := range bucket {
		if matchesForgetTarget(record, target) {
			removed++
			continue
		}
		kept = append(kept, record)
	}
	if removed > 0 {
		if len(kept) == 0 {
			delete(state.users, user)
		} else {
			state.users[user] = kept
		}
		state.dirty = true
	}
	state.mu.Unlock()

	if removed > 0 {
		s.sched.Mark(group)
	}

	return removed, nil
}

// CountUser returns the record count for (group, user).
func (s *Store) CountUser(group, user string) int {
	state := s.acquireLocked(group)
	defer state.mu.Unlock()

	return len(state.users[user])
}

// CountGroup returns the record sum across all users of group.
func (s *Store) CountGroup(group string) int {
	state := s.acquireLocked(group)
	defer state.mu.Unlock()

	return s.totalUserRecordsLocked(state)
}

// ResidentGroups returns how many group states are currently in memory.
func (s *Store) ResidentGroups() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.groups)
}

// Flush writes one group synchronously.
func (s *Store) Flush(group string) error {
	if err := s.sched.Flush(group); err != nil {
		return fmt.Errorf("flush memory %s: %w", group, err)
	}

	return nil
}

// Close flushes all pending groups and releases the scheduler.
func (s *Store) Close() error {
	if err := s.sched.Close(); err != nil {
		return fmt.Errorf("close memory store: %w", err)
	}

	return nil
}

// acquire returns the resident state for group, loading it from disk on first
// access and evicting the least-recently-used group beyond the resident bound.
func (s *Store) acquire(group string) *groupState {
	s.mu.Lock()
	if state, exists := s.groups[group]; exists {
		s.lru.MoveToFront(state.element)
		s.mu.Unlock()
		return state
	}

	state := &groupState{
		id:    group,
		users: make(map[string][]Record),
	}
	// Hold the fresh group's lock until its disk state is loaded so racing
	// acquirers never observe it empty.
	state.mu.Lock()
	state.element = s.lru.PushFront(state)
	s.groups[group] = state

	var evicted []*groupState
	for len(s.groups) > s.maxCachedGroups {
		back := s.lru.Back()
		if back == nil {
			break
		}
		victim := back.Value.(*groupState)
		if victim == state {
			break
		}
		s.lru.Remove(back)
		delete(s.groups, victim.id)
		evicted = append(evicted, victim)
	}
	// Flush victims before releasing the store lock so a re-acquire of an
	// evicted group always reloads the flushed file, and a stale pointer
	// observes its evicted flag before any reload can happen.
	for _, victim := range evicted {
		s.flushEvicted(victim)
	}
	s.mu.Unlock()

	s.loadLocked(state)
	state.mu.Unlock()

	return state
}

// acquireLocked returns the resident state for group with its lock held,
// re-acquiring when the state was evicted between lookup and lock.
func (s *Store) acquireLocked(group string) *groupState {
	for {
		state := s.acquire(group)
		state.mu.Lock()
		if !state.evicted {
			return state
		}
		state.mu.Unlock()
	}
}

// flushEvicted writes a dirty evicted group straight to disk. The group is no
// longer reachable through the snapshot path at this point. Called with the
// store lock held; mutators only ever hold a state lock, so the s.mu →
// victim.mu order here cannot deadlock.
func (s *Store) flushEvicted(victim *groupState) {
	victim.mu.Lock()
	defer victim.mu.Unlock()

	victim.evicted = true
	s.sched.Discard(victim.id)
	if !victim.dirty {
		return
	}
	data, err := s.marshalLocked(victim)
	if err != nil {
		s.logger.Error("serializing evicted group failed", "group", victim.id, "error", err)
		return
	}
	if err := s.sched.Write(victim.id, data); err != nil {
		s.logger.Error("flushing evicted group failed", "group", victim.id, "error", err)
		return
	}
	victim.dirty = false
}

func (s *Store) loadLocked(state *groupState) {
	data, err := s.sched.Load(state.id)
	if err != nil {
		s.logger.Error("loading memory state failed, starting empty", "group", state.id, "error", err)
		return
	}
	if data == nil {
		return
	}

	var persisted fileState
	if err := json.Unmarshal(data, &persisted); err != nil {
		s.logger.Warn("discarding malformed memory state", "group", state.id, "error", err)
		return
	}
	for user, bucket := range persisted.Users {
		if user == "" || len(bucket.Memories) == 0 {
			continue
		}
		state.users[user] = append([]Record(nil), bucket.Memories...)
	}
	state.groupRecs = append([]Record(nil), persisted.GroupMemories...)
}

func (s *Store) snapshot(group string) ([]byte, error) {
	s.mu.Lock()
	state, exists := s.groups[group]
	s.mu.Unlock()
	if !exists {
		return nil, nil
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	data, err := s.marshalLocked(state)
	if err != nil {
		return nil, err
	}
	state.dirty = false

	return data, nil
}

func (s *Store) marshalLocked(state *groupState) ([]byte, error) {
	persisted := fileState{
		GroupID:       state.id,
		Users:         make(map[string]userBucket, len(state.users)),
		GroupMemories: append([]Record(nil), state.groupRecs...),
		UpdatedAt:     s.clock().UTC(),
	}
	for user, bucket := range state.users {
		if len(bucket) == 0 {
			continue
		}
		persisted.Users[user] = userBucket{Memories: append([]Record(nil), bucket...)}
	}

	data, err := json.MarshalIndent(persisted, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal memory state: %w", err)
	}

	return data, nil
}

func (s *Store) newRecordLocked(kind Kind, content string) Record {
	now := s.clock().UTC()
	return Record{
		ID:        uuid.NewString(),
		Kind:      kind,
		Content:   strings.TrimSpace(content),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// refreshLocked advances updated_at strictly even on coarse clocks.
func (s *Store) refreshLocked(record *Record, content string) Record {
	now := s.clock().UTC()
	if !now.After(record.UpdatedAt) {
		now = record.UpdatedAt.Add(time.Nanosecond)
	}
	record.Content = strings.TrimSpace(content)
	record.UpdatedAt = now

	return *record
}

func (s *Store) totalUserRecordsLocked(state *groupState) int {
	total := 0
	for _, bucket := range state.users {
		total += len(bucket)
	}

	return total
}

// evictAcrossUsersLocked removes the group-wide victim: lowest priority
// first, oldest updated within equal priority.
func (s *Store) evictAcrossUsersLocked(state *groupState) bool {
	victimUser := ""
	victimIndex := -1
	var victim Record
	for user, bucket := range state.users {
		for i, record := range bucket {
			if victimIndex == -1 || lessSurvivable(record, victim) {
				victimUser, victimIndex, victim = user, i, record
			}
		}
	}
	if victimIndex == -1 {
		return false
	}

	bucket := state.users[victimUser]
	bucket = append(bucket[:victimIndex], bucket[victimIndex+1:]...)
	if len(bucket) == 0 {
		delete(state.users, victimUser)
	} else {
		state.users[victimUser] = bucket
	}

	return true
}

func validateSave(group, user string, kind Kind, content string) error {
	if group == "" {
		return fmt.Errorf("missing group")
	}
	if user == "" {
		return fmt.Errorf("missing user")
	}
	if kind.rank() == 0 {
		return fmt.Errorf("unsupported kind %q", kind)
	}
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("empty content")
	}

	return nil
}

func findDuplicate(bucket []Record, kind Kind, content string) (int, bool) {
	normalized := normalizeContent(content)
	for i, record := range bucket {
		if record.Kind == kind && normalizeContent(record.Content) == normalized {
			return i, true
		}
	}

	return 0, false
}

// normalizeContent folds case and whitespace so cosmetic variants of the same
// statement count as duplicates.
func normalizeContent(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}

// evictVictim removes the lowest-priority, oldest-updated record.
func evictVictim(bucket []Record) []Record {
	if len(bucket) == 0 {
		return bucket
	}
	victim := 0
	for i := 1; i < len(bucket); i++ {
		if lessSurvivable(bucket[i], bucket[victim]) {
			victim = i
		}
	}

	return append(bucket[:victim], bucket[victim+1:]...)
}

// lessSurvivable reports whether a should be evicted before b.
func lessSurvivable(a, b Record) bool {
	if a.Kind.rank() != b.Kind.rank() {
		return a.Kind.rank() < b.Kind.rank()
	}

	return a.UpdatedAt.Before(b.UpdatedAt)
}

func matchesForgetTarget(record Record, target string) bool {
	if strings.EqualFold(target, ForgetAll) {
		return true
	}

	return strings.Contains(strings.ToLower(record.Content), strings.ToLower(target))
}

func sortedCopy(bucket []Record) []Record {
	if len(bucket) == 0 {
		return nil
	}

	records := append([]Record(nil), bucket...)
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Kind.rank() != records[j].Kind.rank() {
			return records[i].Kind.rank() > records[j].Kind.rank()
		}
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})

	return records
}
