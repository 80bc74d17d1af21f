// Package query sits between callers and the remote data service. It
// answers reads from the cache when it can, coalesces concurrent identical
// queries into one remote call, batches dispatch inside a short window,
// and routes writes either directly or through the offline queue.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/retailsync/retailsync/internal/cache"
	"github.com/retailsync/retailsync/internal/metrics"
	"github.com/retailsync/retailsync/internal/netstatus"
	"github.com/retailsync/retailsync/internal/offline"
	"github.com/retailsync/retailsync/pkg/errors"
	"github.com/retailsync/retailsync/pkg/logging"
	"github.com/retailsync/retailsync/pkg/retry"
	"github.com/retailsync/retailsync/pkg/types"
)

// Config controls batching and caching behavior.
type Config struct {
	// BatchWindow is how long a resource's first query waits for company
	// before its batch dispatches. Each resource runs its own window.
	BatchWindow time.Duration

	// MaxBatchSize flushes a resource's batch early once this many
	// distinct queries are waiting on it.
	MaxBatchSize int

	// LookaheadPages is how many subsequent pages a paginated read
	// prefetches in the background.
	LookaheadPages int

	// AggregateTTL is the cache lifetime for aggregate reads, which
	// tolerate more staleness than row reads.
	AggregateTTL time.Duration

	// DefaultCacheTTL is the cache lifetime when the predictor has no
	// recommendation.
	DefaultCacheTTL time.Duration

	// UsePredictedTTL lets the predictor's OptimalTTL override the
	// default per key.
	UsePredictedTTL bool
}

// ReadOptions control one read.
type ReadOptions struct {
	// Priority orders dispatch within a batch flush and ranks the cached
	// entry for eviction.
	Priority types.Priority

	// Tags are attached to the cached result in addition to the resource
	// tag.
	Tags []string

	// TTL overrides the computed cache lifetime when positive.
	TTL time.Duration

	// Fresh bypasses the cache and forces a remote read.
	Fresh bool
}

// Options carries the batcher's collaborators.
type Options struct {
	Cache     *cache.Store
	Predictor *cache.Predictor
	Reader    types.DataReader
	Writer    types.MutationWriter
	Offline   *offline.Queue
	Net       *netstatus.Monitor
	Logger    *logging.Logger
	Metrics   *metrics.Collector

	// Retryer overrides the write retry policy; nil uses the default.
	Retryer *retry.Retryer
}

type result struct {
	data interface{}
	err  error
}

// waiter is one caller blocked on a coalesced query.
type waiter chan result

type inflight struct {
	key      string
	req      types.ReadRequest
	priority types.Priority
	opts     ReadOptions
	waiters  []waiter
}

// Batcher implements the read and write paths.
type Batcher struct {
	config    Config
	cache     *cache.Store
	predictor *cache.Predictor
	reader    types.DataReader
	writer    types.MutationWriter
	offline   *offline.Queue
	net       *netstatus.Monitor
	logger    *logging.Logger
	metrics   *metrics.Collector
	retryer   *retry.Retryer

	mu      sync.Mutex
	pending map[string]map[string]*inflight // resource, then cache key
	timers  map[string]*time.Timer
}

// NewBatcher creates a batcher; zero config fields get defaults.
func NewBatcher(config Config, opts Options) *Batcher {
	if config.BatchWindow <= 0 {
		config.BatchWindow = 50 * time.Millisecond
	}
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 10
	}
	if config.LookaheadPages <= 0 {
		config.LookaheadPages = 2
	}
	if config.AggregateTTL <= 0 {
		config.AggregateTTL = 15 * time.Minute
	}
	if config.DefaultCacheTTL <= 0 {
		config.DefaultCacheTTL = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector(nil)
	}
	if opts.Retryer == nil {
		opts.Retryer = retry.New(retry.DefaultConfig())
	}

	return &Batcher{
		config:    config,
		cache:     opts.Cache,
		predictor: opts.Predictor,
		reader:    opts.Reader,
		writer:    opts.Writer,
		offline:   opts.Offline,
		net:       opts.Net,
		logger:    opts.Logger.WithComponent("query"),
		metrics:   opts.Metrics,
		retryer:   opts.Retryer,
		pending:   make(map[string]map[string]*inflight),
		timers:    make(map[string]*time.Timer),
	}
}

// CacheKey derives the deterministic cache key for a read request. Two
// requests differing only in map iteration order produce the same key.
func CacheKey(req types.ReadRequest) string {
	// encoding/json writes map keys in sorted order, which makes the
	// encoded filters canonical.
	encoded, err := json.Marshal(req)
	if err != nil {
		return fmt.Sprintf("%s?unencodable", req.Resource)
	}
	return fmt.Sprintf("%s?%s", req.Resource, encoded)
}

// ParseCacheKey recovers the read request a cache key was derived from.
// It is the inverse of CacheKey for keys produced by it.
func ParseCacheKey(key string) (types.ReadRequest, bool) {
	i := strings.Index(key, "?")
	if i < 0 {
		return types.ReadRequest{}, false
	}
	var req types.ReadRequest
	if err := json.Unmarshal([]byte(key[i+1:]), &req); err != nil {
		return types.ReadRequest{}, false
	}
	return req, true
}

// Read answers a query, from cache when possible. Concurrent identical
// queries share one remote call; distinct queries on one resource
// arriving inside its batch window dispatch together.
func (b *Batcher) Read(ctx context.Context, req types.ReadRequest, opts ReadOptions) (interface{}, error) {
	key := CacheKey(req)

	if !opts.Fresh {
		if data, ok := b.cache.Get(key); ok {
			b.trackAccess(key)
			b.recordOutcome(true)
			b.metrics.RecordRead(req.Resource, "cache")
			return data, nil
		}
		b.recordOutcome(false)
	}

	w := make(waiter, 1)
	b.enqueue(key, req, opts, w)

	select {
	case <-ctx.Done():
		return nil, errors.New(errors.ErrCodeOperationTimeout, "read canceled while batched").
			WithComponent("query").WithResource(req.Resource).WithCause(ctx.Err())
	case res := <-w:
		return res.data, res.err
	}
}

// enqueue joins the waiter to an existing in-flight query or registers a
// new one under its resource's window, arming the timer for the first
// entry and flushing early at capacity.
func (b *Batcher) enqueue(key string, req types.ReadRequest, opts ReadOptions, w waiter) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bucket := b.pending[req.Resource]
	if existing, ok := bucket[key]; ok {
		existing.waiters = append(existing.waiters, w)
		if opts.Priority > existing.priority {
			existing.priority = opts.Priority
		}
		return
	}
	if bucket == nil {
		bucket = make(map[string]*inflight)
		b.pending[req.Resource] = bucket
	}

	bucket[key] = &inflight{key: key, req: req, priority: opts.Priority, opts: opts, waiters: []waiter{w}}

	// Urgent queries skip the window entirely; late identical arrivals
	// still coalesce onto them while the call is registered.
	if opts.Priority >= types.PriorityHigh {
		go b.flushKey(req.Resource, key)
		return
	}

	if len(bucket) >= b.config.MaxBatchSize {
		b.stopTimerLocked(req.Resource)
		resource := req.Resource
		go b.flushResource(resource)
		return
	}
	if b.timers[req.Resource] == nil {
		resource := req.Resource
		b.timers[resource] = time.AfterFunc(b.config.BatchWindow, func() {
			b.flushResource(resource)
		})
	}
}

func (b *Batcher) stopTimerLocked(resource string) {
	if t := b.timers[resource]; t != nil {
		t.Stop()
		delete(b.timers, resource)
	}
}

// flushKey dispatches a single pending query immediately.
func (b *Batcher) flushKey(resource, key string) {
	b.mu.Lock()
	bucket := b.pending[resource]
	q, ok := bucket[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(bucket, key)
	if len(bucket) == 0 {
		delete(b.pending, resource)
		b.stopTimerLocked(resource)
	}
	b.mu.Unlock()

	b.metrics.RecordBatchFlush(1)
	b.dispatch(q)
}

// flushResource dispatches one resource's batch, highest priority first.
func (b *Batcher) flushResource(resource string) {
	b.mu.Lock()
	bucket := b.pending[resource]
	delete(b.pending, resource)
	b.stopTimerLocked(resource)
	batch := make([]*inflight, 0, len(bucket))
	for _, q := range bucket {
		batch = append(batch, q)
	}
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].priority > batch[j].priority
	})

	b.metrics.RecordBatchFlush(len(batch))
	b.logger.Debug("dispatching batch", map[string]interface{}{
		"resource": resource, "queries": len(batch),
	})

	// Dispatch runs in priority order so urgent queries never wait behind
	// background prefetches flushed in the same window.
	for _, q := range batch {
		b.dispatch(q)
	}
}

func (b *Batcher) dispatch(q *inflight) {
	data, err := b.reader.Read(context.Background(), q.req)
	if err != nil {
		wrapped := errors.New(errors.ErrCodeNetworkError, "remote read failed").
			WithComponent("query").WithOperation("read").
			WithResource(q.req.Resource).WithCause(err)
		b.metrics.RecordRead(q.req.Resource, "error")
		for _, w := range q.waiters {
			w <- result{err: wrapped}
		}
		return
	}

	b.store(q.key, q.req, q.opts, data)
	b.metrics.RecordRead(q.req.Resource, "remote")
	for _, w := range q.waiters {
		w <- result{data: data}
	}
}

// store caches a remote result under its query key.
func (b *Batcher) store(key string, req types.ReadRequest, opts ReadOptions, data interface{}) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = b.config.DefaultCacheTTL
		if b.config.UsePredictedTTL && b.predictor != nil {
			if predicted := b.predictor.OptimalTTL(key); predicted > 0 {
				ttl = predicted
			}
		}
	}

	tags := append([]string{req.Resource}, opts.Tags...)
	b.cache.Set(key, data, cache.SetOptions{
		TTL:      ttl,
		Tags:     tags,
		Priority: opts.Priority,
	})
	b.trackAccess(key)
}

func (b *Batcher) trackAccess(key string) {
	if b.predictor != nil {
		b.predictor.TrackAccess(key)
	}
}

// recordOutcome feeds cache hit/miss results back to the predictor, which
// uses them to damp confidence in its own scores.
func (b *Batcher) recordOutcome(hit bool) {
	if b.predictor != nil {
		b.predictor.RecordOutcome(hit)
	}
}

// WriteOptions control one mutation.
type WriteOptions struct {
	// ExtraTags are invalidated together with the resource tag once the
	// write is acknowledged, so cross-resource views derived from the
	// mutated rows refresh too.
	ExtraTags []string
}

// Write sends a mutation to the remote service, or queues it for later
// delivery when the connection is down or the send fails on a network
// error. Successful writes invalidate the resource's cached reads.
func (b *Batcher) Write(ctx context.Context, resource string, kind types.OperationKind, payload map[string]interface{}) (interface{}, error) {
	return b.WriteWithOptions(ctx, resource, kind, payload, WriteOptions{})
}

// WriteWithOptions is Write with caller-specified extra invalidation
// tags applied in the same success path as the resource tag.
func (b *Batcher) WriteWithOptions(ctx context.Context, resource string, kind types.OperationKind, payload map[string]interface{}, opts WriteOptions) (interface{}, error) {
	if b.net != nil && !b.net.Online() {
		return b.queueOffline(ctx, resource, kind, payload)
	}

	var response interface{}
	err := b.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		var writeErr error
		response, writeErr = b.writer.Write(ctx, resource, kind, payload)
		return writeErr
	})
	if err != nil {
		b.logger.Warn("direct write failed, queueing for later delivery", map[string]interface{}{
			"resource": resource, "kind": string(kind), "error": err.Error(),
		})
		return b.queueOffline(ctx, resource, kind, payload)
	}

	b.InvalidateTags(append([]string{resource}, opts.ExtraTags...))
	return response, nil
}

func (b *Batcher) queueOffline(ctx context.Context, resource string, kind types.OperationKind, payload map[string]interface{}) (interface{}, error) {
	if b.offline == nil {
		return nil, errors.New(errors.ErrCodeNetworkError, "offline and no queue configured").
			WithComponent("query").WithResource(resource)
	}
	id, err := b.offline.Enqueue(ctx, resource, kind, payload)
	if err != nil {
		return nil, err
	}
	// The caller gets the queued operation's identity, not server state.
	return map[string]interface{}{"queued": true, "operation_id": id}, nil
}

// PaginatedRead answers one page and prefetches the following pages in the
// background so a user walking a list stays ahead of the network.
func (b *Batcher) PaginatedRead(ctx context.Context, req types.ReadRequest, opts ReadOptions) (interface{}, error) {
	if req.Limit <= 0 {
		return b.Read(ctx, req, opts)
	}

	data, err := b.Read(ctx, req, opts)
	if err != nil {
		return nil, err
	}

	go b.prefetchPages(req, opts)
	return data, nil
}

func (b *Batcher) prefetchPages(req types.ReadRequest, opts ReadOptions) {
	for i := 1; i <= b.config.LookaheadPages; i++ {
		next := req
		next.Offset = req.Offset + i*req.Limit
		key := CacheKey(next)
		if _, ok := b.cache.Peek(key); ok {
			continue
		}
		// Prefetches carry low priority so they never displace entries a
		// user actually asked for.
		prefetchOpts := opts
		prefetchOpts.Priority = types.PriorityLow
		if _, err := b.Read(context.Background(), next, prefetchOpts); err != nil {
			b.logger.Debug("page prefetch failed", map[string]interface{}{
				"resource": req.Resource, "offset": next.Offset, "error": err.Error(),
			})
			return
		}
	}
}

// Aggregate answers a computed summary query. Aggregates change slowly, so
// they cache under the longer aggregate TTL unless the caller overrides it.
func (b *Batcher) Aggregate(ctx context.Context, req types.ReadRequest, opts ReadOptions) (interface{}, error) {
	if opts.TTL <= 0 {
		opts.TTL = b.config.AggregateTTL
	}
	return b.Read(ctx, req, opts)
}

// Preload re-issues previously seen queries in the background at low
// priority so predicted reads are already cached when they arrive. Keys
// that are not cache keys, or are already cached, are skipped.
func (b *Batcher) Preload(keys []string) {
	for _, key := range keys {
		req, ok := ParseCacheKey(key)
		if !ok {
			continue
		}
		if _, cached := b.cache.Peek(key); cached {
			continue
		}
		go func(req types.ReadRequest) {
			if _, err := b.Read(context.Background(), req, ReadOptions{Priority: types.PriorityLow}); err != nil {
				b.logger.Debug("preload failed", map[string]interface{}{
					"resource": req.Resource, "error": err.Error(),
				})
			}
		}(req)
	}
}

// InvalidateResource drops every cached read tagged with the resource.
func (b *Batcher) InvalidateResource(resource string) int {
	return b.InvalidateTags([]string{resource})
}

// InvalidateTags drops cached reads carrying any of the tags.
func (b *Batcher) InvalidateTags(tags []string) int {
	removed := b.cache.ClearByTags(tags)
	if removed > 0 {
		b.logger.Debug("invalidated cached queries", map[string]interface{}{
			"tags": tags, "removed": removed,
		})
	}
	return removed
}

// OnOperationSynced is the offline queue hook: once a queued mutation is
// acknowledged, reads for its resource must not serve the pre-sync state.
func (b *Batcher) OnOperationSynced(op types.PendingOperation, _ interface{}) {
	b.InvalidateResource(op.Resource)
}

// OnRealtimeMessage is the realtime pool hook: a change observed on a
// channel invalidates the resource's cached reads.
func (b *Batcher) OnRealtimeMessage(msg types.Message) {
	b.InvalidateResource(msg.Resource)
}
