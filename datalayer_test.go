package retailsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailsync/retailsync/internal/config"
	"github.com/retailsync/retailsync/internal/offline"
	"github.com/retailsync/retailsync/internal/query"
	"github.com/retailsync/retailsync/pkg/types"
)

type stubReader struct {
	mu    sync.Mutex
	calls int
}

func (r *stubReader) Read(_ context.Context, req types.ReadRequest) (interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return map[string]interface{}{"resource": req.Resource}, nil
}

func (r *stubReader) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type stubWriter struct {
	mu    sync.Mutex
	calls int
}

func (w *stubWriter) Write(_ context.Context, _ string, _ types.OperationKind, _ map[string]interface{}) (interface{}, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	return map[string]interface{}{"ok": true}, nil
}

func (w *stubWriter) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

func fastConfig() *config.Config {
	cfg := config.Default()
	cfg.Query.BatchWindow = 5 * time.Millisecond
	return cfg
}

func newStartedLayer(t *testing.T, reader *stubReader, writer *stubWriter) *DataLayer {
	t.Helper()
	d, err := New(fastConfig(), Collaborators{Reader: reader, Writer: writer})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { d.Close(context.Background()) })
	return d
}

func TestNewRequiresReaderAndWriter(t *testing.T) {
	_, err := New(nil, Collaborators{})
	require.Error(t, err)

	_, err = New(nil, Collaborators{Reader: &stubReader{}})
	require.Error(t, err)
}

func TestReadGoesThroughCache(t *testing.T) {
	reader := &stubReader{}
	d := newStartedLayer(t, reader, &stubWriter{})

	req := types.ReadRequest{Resource: "products"}
	first, err := d.Read(context.Background(), req, query.ReadOptions{})
	require.NoError(t, err)

	second, err := d.Read(context.Background(), req, query.ReadOptions{})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, reader.callCount())
	assert.Equal(t, uint64(1), d.CacheStats().Hits)
}

func TestWriteInvalidatesAndOfflineWriteQueues(t *testing.T) {
	reader := &stubReader{}
	writer := &stubWriter{}
	d := newStartedLayer(t, reader, writer)

	req := types.ReadRequest{Resource: "orders"}
	_, err := d.Read(context.Background(), req, query.ReadOptions{})
	require.NoError(t, err)

	// Online write goes straight through and invalidates cached reads.
	_, err = d.Write(context.Background(), "orders", types.OpUpdate, map[string]interface{}{"id": "o1"})
	require.NoError(t, err)
	assert.Equal(t, 1, writer.callCount())

	_, err = d.Read(context.Background(), req, query.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, reader.callCount(), "post-write read must refetch")

	// Offline writes queue instead.
	d.SetOnline(false)
	response, err := d.Write(context.Background(), "orders", types.OpUpdate, map[string]interface{}{"id": "o2"})
	require.NoError(t, err)
	assert.Equal(t, true, response.(map[string]interface{})["queued"])
	assert.Len(t, d.PendingOperations(), 1)
	assert.Equal(t, 1, writer.callCount())

	// Coming back online drains the queue.
	d.SetOnline(true)
	require.Eventually(t, func() bool {
		return len(d.PendingOperations()) == 0
	}, 2*time.Second, 10*time.Millisecond, "queue not drained after reconnect")
	assert.Equal(t, 2, writer.callCount())
}

func TestRegisteredSchemaGuardsWrites(t *testing.T) {
	d := newStartedLayer(t, &stubReader{}, &stubWriter{})
	d.RegisterSchema("products", offline.Schema{Required: []string{"name"}})

	d.SetOnline(false)
	_, err := d.Write(context.Background(), "products", types.OpCreate, map[string]interface{}{"price": 2.0})
	require.Error(t, err, "create missing a required field must be rejected")
}

func TestSubscribeWithoutRealtimeService(t *testing.T) {
	d := newStartedLayer(t, &stubReader{}, &stubWriter{})

	_, err := d.Subscribe("products", func(types.Message) {})
	require.Error(t, err)
}

func TestInvalidateDropsTaggedReads(t *testing.T) {
	reader := &stubReader{}
	d := newStartedLayer(t, reader, &stubWriter{})

	req := types.ReadRequest{Resource: "products"}
	_, err := d.Read(context.Background(), req, query.ReadOptions{})
	require.NoError(t, err)

	removed := d.Invalidate("products")
	assert.Equal(t, 1, removed)

	_, err = d.Read(context.Background(), req, query.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, reader.callCount())
}
