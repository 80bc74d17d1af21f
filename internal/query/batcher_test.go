package query

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailsync/retailsync/internal/cache"
	"github.com/retailsync/retailsync/internal/netstatus"
	"github.com/retailsync/retailsync/internal/offline"
	"github.com/retailsync/retailsync/pkg/errors"
	"github.com/retailsync/retailsync/pkg/retry"
	"github.com/retailsync/retailsync/pkg/types"
)

// fakeReader answers every query with a canned payload and records the
// order requests arrive.
type fakeReader struct {
	mu      sync.Mutex
	calls   []types.ReadRequest
	err     error
	delay   time.Duration
	payload interface{}
}

func (r *fakeReader) Read(_ context.Context, req types.ReadRequest) (interface{}, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	r.mu.Unlock()

	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.payload != nil {
		return r.payload, nil
	}
	return map[string]interface{}{"resource": req.Resource, "offset": req.Offset}, nil
}

func (r *fakeReader) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *fakeReader) resources() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		out = append(out, c.Resource)
	}
	return out
}

// filterValues returns one filter field's value per call, in arrival order.
func (r *fakeReader) filterValues(field string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		if v, ok := c.Filters[field].(string); ok {
			out = append(out, v)
		}
	}
	return out
}

type countingWriter struct {
	calls int32
	err   error
}

func (w *countingWriter) Write(_ context.Context, _ string, _ types.OperationKind, _ map[string]interface{}) (interface{}, error) {
	atomic.AddInt32(&w.calls, 1)
	if w.err != nil {
		return nil, w.err
	}
	return map[string]interface{}{"ok": true}, nil
}

func newTestBatcher(t *testing.T, config Config, reader types.DataReader, writer types.MutationWriter) (*Batcher, *cache.Store) {
	t.Helper()
	store := cache.NewStore(nil, cache.Options{})
	b := NewBatcher(config, Options{
		Cache:   store,
		Reader:  reader,
		Writer:  writer,
		Retryer: retry.New(retry.Config{MaxAttempts: 1}),
	})
	return b, store
}

func TestCacheKeyIsDeterministic(t *testing.T) {
	a := types.ReadRequest{
		Resource: "products",
		Filters:  map[string]interface{}{"category": "coffee", "active": true},
		Limit:    20,
	}
	b := types.ReadRequest{
		Resource: "products",
		Filters:  map[string]interface{}{"active": true, "category": "coffee"},
		Limit:    20,
	}
	assert.Equal(t, CacheKey(a), CacheKey(b), "filter insertion order must not change the key")

	c := a
	c.Offset = 20
	assert.NotEqual(t, CacheKey(a), CacheKey(c), "different pages must key differently")

	d := a
	d.Filters = map[string]interface{}{"category": "tea", "active": true}
	assert.NotEqual(t, CacheKey(a), CacheKey(d), "different filters must key differently")
}

func TestReadCachesRemoteResults(t *testing.T) {
	reader := &fakeReader{}
	b, _ := newTestBatcher(t, Config{BatchWindow: 5 * time.Millisecond}, reader, nil)

	req := types.ReadRequest{Resource: "products"}
	first, err := b.Read(context.Background(), req, ReadOptions{})
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := b.Read(context.Background(), req, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, reader.callCount(), "second read must come from cache")
}

func TestFreshBypassesCache(t *testing.T) {
	reader := &fakeReader{}
	b, _ := newTestBatcher(t, Config{BatchWindow: 5 * time.Millisecond}, reader, nil)

	req := types.ReadRequest{Resource: "products"}
	_, err := b.Read(context.Background(), req, ReadOptions{})
	require.NoError(t, err)

	_, err = b.Read(context.Background(), req, ReadOptions{Fresh: true})
	require.NoError(t, err)
	assert.Equal(t, 2, reader.callCount())
}

func TestConcurrentIdenticalQueriesShareOneCall(t *testing.T) {
	reader := &fakeReader{}
	b, _ := newTestBatcher(t, Config{BatchWindow: 200 * time.Millisecond}, reader, nil)

	req := types.ReadRequest{Resource: "orders", Filters: map[string]interface{}{"status": "open"}}

	var wg sync.WaitGroup
	results := make([]interface{}, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := b.Read(context.Background(), req, ReadOptions{})
			require.NoError(t, err)
			results[i] = data
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, reader.callCount(), "identical concurrent queries must coalesce")
	for i := 1; i < 5; i++ {
		assert.Equal(t, results[0], results[i], "every caller gets the shared result")
	}
}

func TestBatchFlushesEarlyAtCapacity(t *testing.T) {
	reader := &fakeReader{}
	// The window is far longer than the test timeout; only the capacity
	// flush can complete these reads in time.
	b, _ := newTestBatcher(t, Config{BatchWindow: 10 * time.Second, MaxBatchSize: 2}, reader, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, status := range []string{"open", "closed"} {
			wg.Add(1)
			go func(status string) {
				defer wg.Done()
				req := types.ReadRequest{Resource: "orders", Filters: map[string]interface{}{"status": status}}
				_, err := b.Read(context.Background(), req, ReadOptions{})
				require.NoError(t, err)
			}(status)
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("batch did not flush at capacity")
	}
	assert.Equal(t, 2, reader.callCount())
}

func TestBatchWindowsAreKeyedByResource(t *testing.T) {
	reader := &fakeReader{}
	b, _ := newTestBatcher(t, Config{BatchWindow: 10 * time.Second, MaxBatchSize: 2}, reader, nil)

	// A lone query on one resource waits out its own window.
	ordersCtx, cancelOrders := context.WithCancel(context.Background())
	ordersDone := make(chan error, 1)
	go func() {
		_, err := b.Read(ordersCtx, types.ReadRequest{Resource: "orders"}, ReadOptions{})
		ordersDone <- err
	}()
	time.Sleep(50 * time.Millisecond)

	// Another resource hitting capacity flushes only its own batch.
	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, view := range []string{"daily", "weekly"} {
			wg.Add(1)
			go func(view string) {
				defer wg.Done()
				req := types.ReadRequest{Resource: "reports", Filters: map[string]interface{}{"view": view}}
				_, err := b.Read(context.Background(), req, ReadOptions{})
				require.NoError(t, err)
			}(view)
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reports batch did not flush at capacity")
	}
	assert.Equal(t, 2, reader.callCount())

	select {
	case err := <-ordersDone:
		t.Fatalf("orders query flushed with another resource's batch: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	cancelOrders()
	require.Error(t, <-ordersDone)
}

func TestHighPriorityDispatchesFirst(t *testing.T) {
	reader := &fakeReader{}
	b, _ := newTestBatcher(t, Config{BatchWindow: 150 * time.Millisecond}, reader, nil)

	var wg sync.WaitGroup
	read := func(view string, p types.Priority) {
		defer wg.Done()
		req := types.ReadRequest{Resource: "reports", Filters: map[string]interface{}{"view": view}}
		_, err := b.Read(context.Background(), req, ReadOptions{Priority: p})
		require.NoError(t, err)
	}

	wg.Add(3)
	go read("archive", types.PriorityLow)
	time.Sleep(20 * time.Millisecond)
	go read("checkout", types.PriorityCritical)
	time.Sleep(20 * time.Millisecond)
	go read("inventory", types.PriorityMedium)
	wg.Wait()

	order := reader.filterValues("view")
	require.Len(t, order, 3)
	assert.Equal(t, "checkout", order[0], "critical query must dispatch first")
	assert.Equal(t, "archive", order[2], "low priority query dispatches last")
}

func TestUrgentReadSkipsTheWindow(t *testing.T) {
	reader := &fakeReader{}
	b, _ := newTestBatcher(t, Config{BatchWindow: 10 * time.Second}, reader, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := b.Read(context.Background(), types.ReadRequest{Resource: "checkout"}, ReadOptions{Priority: types.PriorityCritical})
		require.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("critical read waited for the batch window")
	}
	assert.Equal(t, 1, reader.callCount())
}

func TestReadErrorReachesEveryWaiter(t *testing.T) {
	reader := &fakeReader{err: errors.New(errors.ErrCodeNetworkError, "down")}
	b, _ := newTestBatcher(t, Config{BatchWindow: 5 * time.Millisecond}, reader, nil)

	_, err := b.Read(context.Background(), types.ReadRequest{Resource: "products"}, ReadOptions{})
	require.Error(t, err)

	var structured *errors.Error
	require.ErrorAs(t, err, &structured)
	assert.Equal(t, errors.ErrCodeNetworkError, structured.Code)
	assert.Equal(t, "products", structured.Resource)
}

func TestWriteInvalidatesResourceReads(t *testing.T) {
	reader := &fakeReader{}
	writer := &countingWriter{}
	b, _ := newTestBatcher(t, Config{BatchWindow: 5 * time.Millisecond}, reader, writer)

	req := types.ReadRequest{Resource: "products"}
	_, err := b.Read(context.Background(), req, ReadOptions{})
	require.NoError(t, err)

	_, err = b.Write(context.Background(), "products", types.OpUpdate, map[string]interface{}{"id": "p1"})
	require.NoError(t, err)

	_, err = b.Read(context.Background(), req, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, reader.callCount(), "post-write read must go remote")
}

func TestWriteInvalidatesExtraTags(t *testing.T) {
	reader := &fakeReader{}
	writer := &countingWriter{}
	b, store := newTestBatcher(t, Config{BatchWindow: 5 * time.Millisecond}, reader, writer)

	menuReq := types.ReadRequest{Resource: "categories"}
	_, err := b.Read(context.Background(), menuReq, ReadOptions{Tags: []string{"menu"}})
	require.NoError(t, err)

	otherReq := types.ReadRequest{Resource: "suppliers"}
	_, err = b.Read(context.Background(), otherReq, ReadOptions{})
	require.NoError(t, err)

	_, err = b.WriteWithOptions(context.Background(), "products", types.OpUpdate,
		map[string]interface{}{"id": "p1"}, WriteOptions{ExtraTags: []string{"menu"}})
	require.NoError(t, err)

	_, ok := store.Get(CacheKey(menuReq))
	assert.False(t, ok, "menu-tagged read must be invalidated with the write")
	_, ok = store.Get(CacheKey(otherReq))
	assert.True(t, ok, "unrelated read must survive")
}

func TestPreloadWarmsPredictedQueries(t *testing.T) {
	reader := &fakeReader{}
	b, store := newTestBatcher(t, Config{BatchWindow: 5 * time.Millisecond}, reader, nil)

	req := types.ReadRequest{Resource: "products", Filters: map[string]interface{}{"category": "coffee"}}
	key := CacheKey(req)

	parsed, ok := ParseCacheKey(key)
	require.True(t, ok)
	assert.Equal(t, "products", parsed.Resource)

	b.Preload([]string{key, "not-a-cache-key"})
	require.Eventually(t, func() bool {
		_, cached := store.Peek(key)
		return cached
	}, 2*time.Second, 10*time.Millisecond, "predicted query not warmed")
	assert.Equal(t, 1, reader.callCount())

	// Already-cached keys are not re-fetched.
	b.Preload([]string{key})
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, reader.callCount())
}

func TestWriteWhileOfflineQueues(t *testing.T) {
	writer := &countingWriter{}
	queue := offline.NewQueue(offline.Config{}, offline.Options{Writer: writer})
	net := netstatus.NewMonitor(false)

	store := cache.NewStore(nil, cache.Options{})
	b := NewBatcher(Config{}, Options{
		Cache: store, Writer: writer, Offline: queue, Net: net,
		Retryer: retry.New(retry.Config{MaxAttempts: 1}),
	})

	response, err := b.Write(context.Background(), "orders", types.OpCreate, map[string]interface{}{"total": 9.5})
	require.NoError(t, err)

	assert.Equal(t, int32(0), atomic.LoadInt32(&writer.calls), "offline write must not hit the network")
	assert.Equal(t, 1, queue.Len())

	queued := response.(map[string]interface{})
	assert.Equal(t, true, queued["queued"])
	assert.NotEmpty(t, queued["operation_id"])
}

func TestFailedWriteFallsBackToQueue(t *testing.T) {
	writer := &countingWriter{err: errors.New(errors.ErrCodeNetworkError, "refused").WithRetryable(false)}
	queue := offline.NewQueue(offline.Config{}, offline.Options{Writer: writer})
	net := netstatus.NewMonitor(true)

	store := cache.NewStore(nil, cache.Options{})
	b := NewBatcher(Config{}, Options{
		Cache: store, Writer: writer, Offline: queue, Net: net,
		Retryer: retry.New(retry.Config{MaxAttempts: 1}),
	})

	_, err := b.Write(context.Background(), "orders", types.OpCreate, map[string]interface{}{"total": 9.5})
	require.NoError(t, err)
	assert.Equal(t, 1, queue.Len(), "failed write must be queued for retry")
}

func TestPaginatedReadPrefetchesFollowingPages(t *testing.T) {
	reader := &fakeReader{}
	b, _ := newTestBatcher(t, Config{BatchWindow: 5 * time.Millisecond, LookaheadPages: 2}, reader, nil)

	req := types.ReadRequest{Resource: "orders", Limit: 25}
	_, err := b.PaginatedRead(context.Background(), req, ReadOptions{})
	require.NoError(t, err)

	// The two lookahead pages arrive in the background.
	require.Eventually(t, func() bool {
		return reader.callCount() == 3
	}, 2*time.Second, 10*time.Millisecond, "lookahead pages not fetched")

	offsets := map[int]bool{}
	reader.mu.Lock()
	for _, c := range reader.calls {
		offsets[c.Offset] = true
	}
	reader.mu.Unlock()
	assert.True(t, offsets[0] && offsets[25] && offsets[50], "offsets = %v", offsets)
}

func TestAggregateCachesUnderLongerTTL(t *testing.T) {
	reader := &fakeReader{payload: map[string]interface{}{"revenue": 1250.0}}
	b, _ := newTestBatcher(t, Config{BatchWindow: 5 * time.Millisecond, AggregateTTL: 15 * time.Minute}, reader, nil)

	req := types.ReadRequest{Resource: "sales-summary"}
	_, err := b.Aggregate(context.Background(), req, ReadOptions{})
	require.NoError(t, err)

	entry, ok := b.cache.Peek(CacheKey(req))
	require.True(t, ok)
	assert.Equal(t, 15*time.Minute, entry.TTL)
}

func TestSyncAndRealtimeHooksInvalidate(t *testing.T) {
	reader := &fakeReader{}
	b, _ := newTestBatcher(t, Config{BatchWindow: 5 * time.Millisecond}, reader, nil)

	req := types.ReadRequest{Resource: "products"}
	_, err := b.Read(context.Background(), req, ReadOptions{})
	require.NoError(t, err)

	b.OnOperationSynced(types.PendingOperation{Resource: "products"}, nil)
	_, ok := b.cache.Get(CacheKey(req))
	assert.False(t, ok, "synced operation must invalidate the resource")

	_, err = b.Read(context.Background(), req, ReadOptions{})
	require.NoError(t, err)

	b.OnRealtimeMessage(types.Message{Resource: "products", Kind: "UPDATE"})
	_, ok = b.cache.Get(CacheKey(req))
	assert.False(t, ok, "realtime change must invalidate the resource")
}
