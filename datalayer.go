// Package retailsync is the resilient data-access layer for retail
// point-of-sale applications: a bounded tag-addressable cache, an
// access-pattern predictor, a batching query layer, a durable offline
// mutation queue, and a pooled realtime subscription manager, composed
// behind one facade.
package retailsync

import (
	"context"
	"time"

	"github.com/retailsync/retailsync/internal/cache"
	"github.com/retailsync/retailsync/internal/config"
	"github.com/retailsync/retailsync/internal/metrics"
	"github.com/retailsync/retailsync/internal/netstatus"
	"github.com/retailsync/retailsync/internal/offline"
	"github.com/retailsync/retailsync/internal/query"
	"github.com/retailsync/retailsync/internal/realtime"
	"github.com/retailsync/retailsync/pkg/errors"
	"github.com/retailsync/retailsync/pkg/logging"
	"github.com/retailsync/retailsync/pkg/types"
)

// Collaborators are the host-provided integrations. Reader and Writer are
// required; the rest degrade gracefully when absent.
type Collaborators struct {
	Reader   types.DataReader
	Writer   types.MutationWriter
	Realtime types.RealtimeService
	Durable  types.DurableStore
	Notifier types.Notifier

	// Clock overrides wall-clock time, for tests.
	Clock types.Clock
}

// DataLayer wires the caching, batching, offline, and realtime components
// together and owns their lifecycle.
type DataLayer struct {
	config    *config.Config
	logger    *logging.Logger
	metrics   *metrics.Collector
	clock     types.Clock
	cache     *cache.Store
	predictor *cache.Predictor
	batcher   *query.Batcher
	queue     *offline.Queue
	pool      *realtime.Pool
	net       *netstatus.Monitor
	schemas   *offline.Registry

	unsubNet func()
	stopCh   chan struct{}
	started  bool
}

// New assembles a data layer from configuration and collaborators.
func New(cfg *config.Config, c Collaborators) (*DataLayer, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if c.Reader == nil || c.Writer == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "reader and writer collaborators are required").
			WithComponent("datalayer")
	}
	if c.Clock == nil {
		c.Clock = types.SystemClock{}
	}

	logger := logging.New(&logging.Config{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Format: parseFormat(cfg.Logging.Format),
	})
	collector := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Port:      cfg.Metrics.Port,
		Path:      cfg.Metrics.Path,
		Namespace: cfg.Metrics.Namespace,
	})

	budget, err := cfg.Cache.MemoryBudgetBytes()
	if err != nil {
		return nil, err
	}

	predictor := cache.NewPredictor(cache.PredictorConfig{
		WindowSize:     cfg.Predictor.WindowSize,
		StaleAfter:     cfg.Predictor.StaleAfter,
		SmoothingAlpha: cfg.Predictor.SmoothingAlpha,
		MinTTL:         cfg.Predictor.MinTTL,
		MaxTTL:         cfg.Predictor.MaxTTL,
	}, c.Clock, logger)

	var durable types.DurableStore
	if cfg.Cache.Persist {
		durable = c.Durable
	}

	// The batcher is assigned below; the hooks closing over it only fire
	// once the layer is started.
	var batcher *query.Batcher

	store := cache.NewStore(&cache.Config{
		MemoryBudget:  budget,
		MaxEntries:    cfg.Cache.MaxEntries,
		DefaultTTL:    cfg.Cache.DefaultTTL,
		SweepInterval: cfg.Cache.SweepInterval,
	}, cache.Options{
		Clock:   c.Clock,
		Logger:  logger,
		Metrics: collector,
		Durable: durable,
		Preload: func(keys []string) { batcher.Preload(keys) },
	})

	net := netstatus.NewMonitor(true)
	schemas := offline.NewRegistry()

	queue := offline.NewQueue(offline.Config{
		MaxRetries:    cfg.Offline.MaxRetries,
		DrainInterval: cfg.Offline.DrainInterval,
		RetryDelay:    cfg.Offline.RetryDelay,
	}, offline.Options{
		Writer:   c.Writer,
		Durable:  c.Durable,
		Schemas:  schemas,
		Clock:    c.Clock,
		Logger:   logger,
		Metrics:  collector,
		Notifier: c.Notifier,
		OnSynced: func(op types.PendingOperation, response interface{}) {
			batcher.OnOperationSynced(op, response)
		},
	})

	batcher = query.NewBatcher(query.Config{
		BatchWindow:     cfg.Query.BatchWindow,
		MaxBatchSize:    cfg.Query.MaxBatchSize,
		LookaheadPages:  cfg.Query.LookaheadPages,
		AggregateTTL:    cfg.Query.AggregateTTL,
		DefaultCacheTTL: cfg.Query.DefaultCacheTTL,
		UsePredictedTTL: cfg.Query.UsePredictedTTL,
	}, query.Options{
		Cache:     store,
		Predictor: predictorIfEnabled(cfg, predictor),
		Reader:    c.Reader,
		Writer:    c.Writer,
		Offline:   queue,
		Net:       net,
		Logger:    logger,
		Metrics:   collector,
	})

	var pool *realtime.Pool
	if c.Realtime != nil {
		pool, err = realtime.NewPool(realtime.Config{
			MaxConnections:    cfg.Realtime.MaxConnections,
			ReconnectAttempts: cfg.Realtime.ReconnectAttempts,
			ReconnectDelay:    cfg.Realtime.ReconnectDelay,
			TeardownGrace:     cfg.Realtime.TeardownGrace,
			StaleAfter:        cfg.Realtime.StaleAfter,
			ProbeInterval:     cfg.Realtime.ProbeInterval,
			DedupeWindow:      cfg.Realtime.DedupeWindow,
		}, realtime.Options{
			Service:   c.Realtime,
			Clock:     c.Clock,
			Logger:    logger,
			Metrics:   collector,
			OnMessage: func(msg types.Message) { batcher.OnRealtimeMessage(msg) },
			OnLost: func(resource string, err error) {
				if c.Notifier != nil {
					c.Notifier.Notify(types.Notification{
						Severity: "warning",
						Message:  "Live updates unavailable, data may be stale until refreshed",
						Resource: resource,
					})
				}
			},
		})
		if err != nil {
			return nil, err
		}
	}

	return &DataLayer{
		config:    cfg,
		logger:    logger,
		metrics:   collector,
		clock:     c.Clock,
		cache:     store,
		predictor: predictor,
		batcher:   batcher,
		queue:     queue,
		pool:      pool,
		net:       net,
		schemas:   schemas,
		stopCh:    make(chan struct{}),
	}, nil
}

func parseFormat(s string) logging.Format {
	if s == "json" {
		return logging.FormatJSON
	}
	return logging.FormatText
}

func predictorIfEnabled(cfg *config.Config, p *cache.Predictor) *cache.Predictor {
	if cfg.Predictor.Enabled {
		return p
	}
	return nil
}

// Start brings every component up: warm start from durable storage,
// expiry janitor, offline drain loop, realtime probe, metrics endpoint,
// and the predictor maintenance loop.
func (d *DataLayer) Start(ctx context.Context) error {
	if d.started {
		return errors.New(errors.ErrCodeAlreadyStarted, "data layer already started").
			WithComponent("datalayer")
	}
	d.started = true

	if err := d.metrics.StartServer(); err != nil {
		return err
	}

	restored := d.cache.WarmStart(ctx)
	d.cache.Start()

	if err := d.queue.Start(ctx); err != nil {
		return err
	}
	d.unsubNet = d.net.Subscribe(d.queue.SetOnline)
	d.queue.SetOnline(d.net.Online())

	if d.pool != nil {
		d.pool.Start()
	}

	if d.config.Predictor.Enabled {
		go d.maintainPredictions()
	}

	d.logger.Info("data layer started", map[string]interface{}{
		"warm_entries": restored,
		"pending_ops":  d.queue.Len(),
	})
	return nil
}

// Close shuts the components down in reverse order. Pending offline
// operations stay persisted for the next session.
func (d *DataLayer) Close(ctx context.Context) error {
	if !d.started {
		return nil
	}
	d.started = false
	close(d.stopCh)

	if d.unsubNet != nil {
		d.unsubNet()
	}
	if d.pool != nil {
		d.pool.Close()
	}
	d.queue.Close()
	d.cache.Close()
	return d.metrics.StopServer(ctx)
}

// Read answers a query through the cache and batcher.
func (d *DataLayer) Read(ctx context.Context, req types.ReadRequest, opts query.ReadOptions) (interface{}, error) {
	return d.batcher.Read(ctx, req, opts)
}

// PaginatedRead answers one page and prefetches the next ones.
func (d *DataLayer) PaginatedRead(ctx context.Context, req types.ReadRequest, opts query.ReadOptions) (interface{}, error) {
	return d.batcher.PaginatedRead(ctx, req, opts)
}

// Aggregate answers a summary query under the longer aggregate TTL.
func (d *DataLayer) Aggregate(ctx context.Context, req types.ReadRequest, opts query.ReadOptions) (interface{}, error) {
	return d.batcher.Aggregate(ctx, req, opts)
}

// Write sends a mutation, queueing it when offline or on network failure.
func (d *DataLayer) Write(ctx context.Context, resource string, kind types.OperationKind, payload map[string]interface{}) (interface{}, error) {
	return d.batcher.Write(ctx, resource, kind, payload)
}

// WriteWithOptions is Write with caller-specified extra tags invalidated
// alongside the resource tag once the mutation is acknowledged.
func (d *DataLayer) WriteWithOptions(ctx context.Context, resource string, kind types.OperationKind, payload map[string]interface{}, opts query.WriteOptions) (interface{}, error) {
	return d.batcher.WriteWithOptions(ctx, resource, kind, payload, opts)
}

// Subscribe attaches a handler to a resource's realtime change feed.
func (d *DataLayer) Subscribe(resource string, handler realtime.Handler) (func(), error) {
	if d.pool == nil {
		return nil, errors.New(errors.ErrCodeSubscriptionError, "no realtime service configured").
			WithComponent("datalayer").WithResource(resource)
	}
	return d.pool.Subscribe(resource, handler)
}

// SubscribeWithOptions attaches a handler with an explicit subscription
// priority, which ranks the channel when the pool reclaims idle slots.
func (d *DataLayer) SubscribeWithOptions(resource string, handler realtime.Handler, opts realtime.SubscribeOptions) (func(), error) {
	if d.pool == nil {
		return nil, errors.New(errors.ErrCodeSubscriptionError, "no realtime service configured").
			WithComponent("datalayer").WithResource(resource)
	}
	return d.pool.SubscribeWithOptions(resource, handler, opts)
}

// SetOnline reports a connectivity transition from the host application.
func (d *DataLayer) SetOnline(online bool) {
	d.net.SetOnline(online)
}

// Online reports the current connectivity state.
func (d *DataLayer) Online() bool {
	return d.net.Online()
}

// Invalidate drops cached reads carrying any of the tags.
func (d *DataLayer) Invalidate(tags ...string) int {
	return d.batcher.InvalidateTags(tags)
}

// RegisterSchema installs payload validation for a resource's mutations.
func (d *DataLayer) RegisterSchema(resource string, schema offline.Schema) {
	d.schemas.Register(resource, schema)
}

// PendingOperations returns the offline queue contents, oldest first.
func (d *DataLayer) PendingOperations() []types.PendingOperation {
	return d.queue.Pending()
}

// CacheStats returns a point-in-time cache statistics snapshot.
func (d *DataLayer) CacheStats() types.CacheStats {
	return d.cache.Stats()
}

// maintainPredictions periodically prunes stale access patterns, warms
// the cache with predicted reads, and relieves memory pressure using
// predicted reuse instead of raw recency.
func (d *DataLayer) maintainPredictions() {
	ticker := time.NewTicker(d.config.Cache.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.predictor.RemoveStale()

			var warm []string
			for _, p := range d.predictor.RankPredictions(20) {
				if p.Action == cache.ActionPreload {
					warm = append(warm, p.Key)
				}
			}
			if len(warm) > 0 {
				d.batcher.Preload(warm)
			}

			stats := d.cache.Stats()
			if stats.Capacity <= 0 || stats.Utilization < 0.9 {
				continue
			}
			// Free a tenth of the budget, dropping the entries least
			// likely to be read again.
			target := stats.Capacity / 10
			for _, key := range d.predictor.SelectForEviction(d.cache.Snapshot(), target) {
				d.cache.Delete(key)
			}
		}
	}
}
