package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/retailsync/retailsync/internal/metrics"
	"github.com/retailsync/retailsync/pkg/logging"
	"github.com/retailsync/retailsync/pkg/types"
)

// EventType identifies a store mutation observable by subscribers.
type EventType string

const (
	EventSet    EventType = "set"
	EventDelete EventType = "delete"
	EventEvict  EventType = "evict"
	EventExpire EventType = "expire"
)

// Event describes one store mutation.
type Event struct {
	Type EventType
	Key  string
	Tags []string
}

// Config represents cache store configuration.
type Config struct {
	// MemoryBudget is the byte ceiling for the sum of entry size
	// estimates. Enforcement is approximate; see EstimateSize.
	MemoryBudget int64 `yaml:"memory_budget"`

	// MaxEntries caps the entry count; inserting past the cap evicts the
	// single least-recently-used entry.
	MaxEntries int `yaml:"max_entries"`

	DefaultTTL    time.Duration `yaml:"default_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Options carries the store's collaborators. Zero values get safe defaults.
type Options struct {
	Clock   types.Clock
	Logger  *logging.Logger
	Metrics *metrics.Collector

	// Durable, when set, mirrors writes best-effort; mirror failures are
	// logged and swallowed.
	Durable types.DurableStore

	// Preload, when set, is invoked in the background with related keys
	// a caller declared on Get and that are not currently cached.
	Preload func(keys []string)
}

// SetOptions controls one Set call.
type SetOptions struct {
	TTL      time.Duration
	Tags     []string
	Priority types.Priority
}

// GetOptions controls one Get call.
type GetOptions struct {
	// RefreshTTL restarts the entry's TTL from now on a hit.
	RefreshTTL bool

	// RelatedKeys are handed to the Preload hook when absent from the
	// cache, so likely-next reads are warmed in the background.
	RelatedKeys []string
}

type item struct {
	entry   types.Entry
	element *list.Element
}

// Store is a bounded, tag-addressable cache with per-entry TTL, priority,
// and approximate memory accounting. Writes are last-writer-wins; entries
// are immutable snapshots replaced wholesale.
type Store struct {
	mu          sync.Mutex
	config      *Config
	clock       types.Clock
	logger      *logging.Logger
	metrics     *metrics.Collector
	durable     types.DurableStore
	preload     func(keys []string)
	items       map[string]*item
	evictList   *list.List
	currentSize int64
	stats       types.CacheStats

	subMu       sync.Mutex
	nextSubID   int
	subscribers map[int]func(Event)

	// pending collects events raised under s.mu; they are published
	// synchronously once the lock is released so listeners can call back
	// into the store and unsubscribe stays guaranteed.
	pending []Event

	stopCh  chan struct{}
	started bool
}

// NewStore creates a cache store; nil config uses defaults.
func NewStore(config *Config, opts Options) *Store {
	if config == nil {
		config = &Config{}
	}
	if config.MemoryBudget <= 0 {
		config.MemoryBudget = 64 * 1024 * 1024
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 1000
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 5 * time.Minute
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = types.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector(nil)
	}

	return &Store{
		config:      config,
		clock:       opts.Clock,
		logger:      opts.Logger.WithComponent("cache"),
		metrics:     opts.Metrics,
		durable:     opts.Durable,
		preload:     opts.Preload,
		items:       make(map[string]*item),
		evictList:   list.New(),
		stats:       types.CacheStats{Capacity: config.MemoryBudget},
		subscribers: make(map[int]func(Event)),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the expiry sweep janitor.
func (s *Store) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.sweepLoop()
}

// Close stops background work. The store stays readable after Close.
func (s *Store) Close() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()
	close(s.stopCh)
}

// Get returns the cached value for key, or absent when missing or expired.
func (s *Store) Get(key string) (interface{}, bool) {
	return s.GetWithOptions(key, GetOptions{})
}

// GetWithOptions returns the cached value, applying per-call options.
func (s *Store) GetWithOptions(key string, opts GetOptions) (interface{}, bool) {
	now := s.clock.Now()

	s.mu.Lock()
	it, exists := s.items[key]
	if !exists {
		s.stats.Misses++
		s.mu.Unlock()
		s.metrics.RecordCacheOp("get", "miss")
		s.triggerPreload(opts.RelatedKeys)
		return nil, false
	}

	if it.entry.Expired(now) {
		s.removeLocked(key, EventExpire, "expired")
		s.stats.Misses++
		s.stats.Expirations++
		s.mu.Unlock()
		s.drainEvents()
		s.unmirror(key)
		s.metrics.RecordCacheOp("get", "miss")
		s.triggerPreload(opts.RelatedKeys)
		return nil, false
	}

	it.entry.HitCount++
	it.entry.LastAccess = now
	if opts.RefreshTTL {
		it.entry.CreatedAt = now
	}
	s.evictList.MoveToFront(it.element)
	s.stats.Hits++
	data := it.entry.Data
	s.mu.Unlock()

	s.metrics.RecordCacheOp("get", "hit")
	s.triggerPreload(opts.RelatedKeys)
	return data, true
}

// Peek returns a copy of the entry metadata without counting an access.
func (s *Store) Peek(key string) (types.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, exists := s.items[key]
	if !exists || it.entry.Expired(s.clock.Now()) {
		return types.Entry{}, false
	}
	return it.entry, true
}

// Set stores data under key. When the projected total would exceed the
// memory budget, memory-pressure eviction runs first; when the entry count
// is at its cap, the least-recently-used entry is evicted.
func (s *Store) Set(key string, data interface{}, opts SetOptions) {
	if opts.TTL <= 0 {
		opts.TTL = s.config.DefaultTTL
	}
	size := EstimateSize(data) + entryOverhead
	now := s.clock.Now()

	s.mu.Lock()
	if size > s.config.MemoryBudget {
		s.mu.Unlock()
		s.logger.Warn("entry exceeds the entire memory budget, not cached", map[string]interface{}{
			"key": key, "size": size, "budget": s.config.MemoryBudget,
		})
		return
	}

	// Replace in place: reclaim the old footprint first.
	if old, exists := s.items[key]; exists {
		s.currentSize -= old.entry.Size
		s.evictList.Remove(old.element)
		delete(s.items, key)
	}

	if s.currentSize+size > s.config.MemoryBudget {
		s.evictForMemoryLocked(s.currentSize + size - s.config.MemoryBudget)
	}
	if len(s.items) >= s.config.MaxEntries {
		s.evictOldestLocked()
	}

	entry := types.Entry{
		Key:        key,
		Data:       data,
		CreatedAt:  now,
		TTL:        opts.TTL,
		LastAccess: now,
		Size:       size,
		Tags:       append([]string(nil), opts.Tags...),
		Priority:   opts.Priority,
	}
	element := s.evictList.PushFront(key)
	s.items[key] = &item{entry: entry, element: element}
	s.currentSize += size
	s.updateUsageLocked()
	tags := entry.Tags
	s.mu.Unlock()

	s.drainEvents()
	s.metrics.RecordCacheOp("set", "stored")
	s.publish(Event{Type: EventSet, Key: key, Tags: tags})
	s.mirror(entry)
}

// Delete removes key; returns whether an entry was removed.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	_, exists := s.items[key]
	if exists {
		s.removeLocked(key, EventDelete, "")
		s.updateUsageLocked()
	}
	s.mu.Unlock()

	if exists {
		s.drainEvents()
		s.metrics.RecordCacheOp("delete", "removed")
		s.unmirror(key)
	}
	return exists
}

// ClearByTags removes exactly the entries whose tag set intersects tags,
// returning how many were removed.
func (s *Store) ClearByTags(tags []string) int {
	if len(tags) == 0 {
		return 0
	}

	s.mu.Lock()
	var matched []string
	for key, it := range s.items {
		if it.entry.HasAnyTag(tags) {
			matched = append(matched, key)
		}
	}
	for _, key := range matched {
		s.removeLocked(key, EventEvict, "tags")
	}
	s.updateUsageLocked()
	s.mu.Unlock()

	s.drainEvents()
	for _, key := range matched {
		s.unmirror(key)
	}
	return len(matched)
}

// SweepExpired removes physically-expired entries; the janitor calls this
// on its interval and tests call it directly.
func (s *Store) SweepExpired() int {
	now := s.clock.Now()

	s.mu.Lock()
	var expired []string
	for key, it := range s.items {
		if it.entry.Expired(now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		s.removeLocked(key, EventExpire, "expired")
		s.stats.Expirations++
	}
	s.updateUsageLocked()
	s.mu.Unlock()

	s.drainEvents()
	for _, key := range expired {
		s.unmirror(key)
	}
	return len(expired)
}

// Snapshot returns copies of all live entries, for predictor mining and
// eviction scoring.
func (s *Store) Snapshot() []types.Entry {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]types.Entry, 0, len(s.items))
	for _, it := range s.items {
		if !it.entry.Expired(now) {
			entries = append(entries, it.entry)
		}
	}
	return entries
}

// Stats returns a point-in-time statistics snapshot.
func (s *Store) Stats() types.CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.Entries = len(s.items)
	stats.Size = s.currentSize
	total := stats.Hits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	if stats.Capacity > 0 {
		stats.Utilization = float64(stats.Size) / float64(stats.Capacity)
	}
	return stats
}

// Size returns the approximate bytes held by live entries.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentSize
}

// Subscribe registers an event listener and returns an unsubscribe
// function. After unsubscribe returns, the listener will not fire again.
func (s *Store) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}
}

// WarmStart loads persisted snapshots from durable storage, skipping
// entries that expired while the application was closed.
func (s *Store) WarmStart(ctx context.Context) int {
	if s.durable == nil {
		return 0
	}

	rows, err := s.durable.GetAll(ctx, types.TableSnapshots)
	if err != nil {
		s.logger.Warn("warm start skipped, durable storage unavailable", map[string]interface{}{
			"error": err.Error(),
		})
		return 0
	}

	now := s.clock.Now()
	loaded := 0
	for key, raw := range rows {
		var entry types.Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		if entry.Expired(now) {
			_ = s.durable.Delete(ctx, types.TableSnapshots, key)
			continue
		}
		remaining := entry.TTL - now.Sub(entry.CreatedAt)
		s.Set(entry.Key, entry.Data, SetOptions{
			TTL:      remaining,
			Tags:     entry.Tags,
			Priority: entry.Priority,
		})
		loaded++
	}

	if loaded > 0 {
		s.logger.Info("warm start restored cached snapshots", map[string]interface{}{
			"entries": loaded,
		})
	}
	return loaded
}

// Internal helpers. All *Locked helpers require s.mu held.

func (s *Store) removeLocked(key string, event EventType, reason string) {
	it, exists := s.items[key]
	if !exists {
		return
	}
	s.evictList.Remove(it.element)
	delete(s.items, key)
	s.currentSize -= it.entry.Size
	if event == EventEvict || event == EventExpire {
		s.stats.Evictions++
	}
	if reason != "" {
		s.metrics.RecordEviction(reason)
	}

	s.pending = append(s.pending, Event{Type: event, Key: key, Tags: it.entry.Tags})
}

// drainEvents publishes events collected under the lock. Must be called
// without s.mu held.
func (s *Store) drainEvents() {
	s.mu.Lock()
	events := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, e := range events {
		s.publish(e)
	}
}

// evictForMemoryLocked frees at least target bytes, removing candidates in
// priority order (lowest first), oldest access first within a priority.
// Critical entries are never removed here.
func (s *Store) evictForMemoryLocked(target int64) {
	type candidate struct {
		key        string
		priority   types.Priority
		lastAccess time.Time
		size       int64
	}

	candidates := make([]candidate, 0, len(s.items))
	for key, it := range s.items {
		if it.entry.Priority == types.PriorityCritical {
			continue
		}
		candidates = append(candidates, candidate{
			key:        key,
			priority:   it.entry.Priority,
			lastAccess: it.entry.LastAccess,
			size:       it.entry.Size,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority < candidates[j].priority
		}
		return candidates[i].lastAccess.Before(candidates[j].lastAccess)
	})

	freed := int64(0)
	for _, c := range candidates {
		if freed >= target {
			break
		}
		s.removeLocked(c.key, EventEvict, "memory")
		freed += c.size
	}
}

func (s *Store) evictOldestLocked() {
	element := s.evictList.Back()
	if element == nil {
		return
	}
	key := element.Value.(string)
	s.removeLocked(key, EventEvict, "lru")
}

func (s *Store) updateUsageLocked() {
	s.metrics.SetCacheUsage(s.currentSize, len(s.items))
}

func (s *Store) publish(event Event) {
	s.subMu.Lock()
	listeners := make([]func(Event), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		listeners = append(listeners, fn)
	}
	s.subMu.Unlock()

	for _, fn := range listeners {
		fn(event)
	}
}

func (s *Store) triggerPreload(keys []string) {
	if s.preload == nil || len(keys) == 0 {
		return
	}

	s.mu.Lock()
	missing := make([]string, 0, len(keys))
	now := s.clock.Now()
	for _, key := range keys {
		if it, ok := s.items[key]; !ok || it.entry.Expired(now) {
			missing = append(missing, key)
		}
	}
	s.mu.Unlock()

	if len(missing) > 0 {
		go s.preload(missing)
	}
}

// mirror persists an entry to durable storage, best-effort. The in-memory
// cache stays authoritative when the mirror fails.
func (s *Store) mirror(entry types.Entry) {
	if s.durable == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		s.logger.Warn("snapshot not serializable, skipping persistence", map[string]interface{}{
			"key": entry.Key, "error": err.Error(),
		})
		return
	}
	if err := s.durable.Put(context.Background(), types.TableSnapshots, entry.Key, data); err != nil {
		s.logger.Warn("snapshot persistence failed", map[string]interface{}{
			"key": entry.Key, "error": err.Error(),
		})
	}
}

func (s *Store) unmirror(key string) {
	if s.durable == nil {
		return
	}
	if err := s.durable.Delete(context.Background(), types.TableSnapshots, key); err != nil {
		s.logger.Warn("snapshot removal failed", map[string]interface{}{
			"key": key, "error": err.Error(),
		})
	}
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if n := s.SweepExpired(); n > 0 {
				s.logger.Debug("sweep removed expired entries", map[string]interface{}{
					"count": n,
				})
			}
		}
	}
}
