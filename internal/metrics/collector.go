// Package metrics exposes prometheus instrumentation for the data-access
// layer.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config represents metrics configuration.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// Collector registers and updates all prometheus metrics. A disabled
// collector is a safe no-op so call sites never nil-check.
type Collector struct {
	mu       sync.Mutex
	config   *Config
	registry *prometheus.Registry
	server   *http.Server

	cacheOps         *prometheus.CounterVec
	cacheEvictions   *prometheus.CounterVec
	cacheBytes       prometheus.Gauge
	cacheEntries     prometheus.Gauge
	queryReads       *prometheus.CounterVec
	queryBatchSize   prometheus.Histogram
	offlineOps       *prometheus.CounterVec
	offlinePending   prometheus.Gauge
	realtimeMessages *prometheus.CounterVec
	realtimeConns    prometheus.Gauge
	reconnects       prometheus.Counter
}

// NewCollector creates a collector; nil config disables collection.
func NewCollector(config *Config) *Collector {
	if config == nil || !config.Enabled {
		return &Collector{config: &Config{Enabled: false}}
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if config.Namespace == "" {
		config.Namespace = "retailsync"
	}

	registry := prometheus.NewRegistry()
	ns := config.Namespace

	c := &Collector{
		config:   config,
		registry: registry,
		cacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "cache", Name: "operations_total",
			Help: "Cache operations by type and outcome",
		}, []string{"operation", "outcome"}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "cache", Name: "evictions_total",
			Help: "Cache evictions by reason",
		}, []string{"reason"}),
		cacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "cache", Name: "bytes",
			Help: "Approximate bytes held by live cache entries",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "cache", Name: "entries",
			Help: "Number of live cache entries",
		}),
		queryReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "query", Name: "reads_total",
			Help: "Read requests by resource and source (cache, batch, direct)",
		}, []string{"resource", "source"}),
		queryBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "query", Name: "batch_size",
			Help:    "Number of coalesced requests per flushed batch",
			Buckets: []float64{1, 2, 3, 5, 8, 10, 15},
		}),
		offlineOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "offline", Name: "operations_total",
			Help: "Offline queue operations by outcome",
		}, []string{"outcome"}),
		offlinePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "offline", Name: "pending",
			Help: "Operations waiting for replay",
		}),
		realtimeMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "realtime", Name: "messages_total",
			Help: "Realtime messages by resource and disposition",
		}, []string{"resource", "disposition"}),
		realtimeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "realtime", Name: "connections",
			Help: "Live pooled connections",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "realtime", Name: "reconnects_total",
			Help: "Reconnection attempts",
		}),
	}

	registry.MustRegister(
		c.cacheOps, c.cacheEvictions, c.cacheBytes, c.cacheEntries,
		c.queryReads, c.queryBatchSize,
		c.offlineOps, c.offlinePending,
		c.realtimeMessages, c.realtimeConns, c.reconnects,
	)
	return c
}

func (c *Collector) enabled() bool { return c.config != nil && c.config.Enabled }

// RecordCacheOp counts a cache operation ("get"/"set"/"delete") with its
// outcome ("hit"/"miss"/"stored"/"removed").
func (c *Collector) RecordCacheOp(operation, outcome string) {
	if c.enabled() {
		c.cacheOps.WithLabelValues(operation, outcome).Inc()
	}
}

// RecordEviction counts an eviction by reason ("lru", "memory", "expired",
// "tags", "predicted").
func (c *Collector) RecordEviction(reason string) {
	if c.enabled() {
		c.cacheEvictions.WithLabelValues(reason).Inc()
	}
}

// SetCacheUsage records the current footprint of the cache.
func (c *Collector) SetCacheUsage(bytes int64, entries int) {
	if c.enabled() {
		c.cacheBytes.Set(float64(bytes))
		c.cacheEntries.Set(float64(entries))
	}
}

// RecordRead counts a read by resource and its serving source.
func (c *Collector) RecordRead(resource, source string) {
	if c.enabled() {
		c.queryReads.WithLabelValues(resource, source).Inc()
	}
}

// RecordBatchFlush records the size of a flushed batch.
func (c *Collector) RecordBatchFlush(size int) {
	if c.enabled() {
		c.queryBatchSize.Observe(float64(size))
	}
}

// RecordOfflineOp counts an offline queue outcome ("queued", "synced",
// "retried", "abandoned").
func (c *Collector) RecordOfflineOp(outcome string) {
	if c.enabled() {
		c.offlineOps.WithLabelValues(outcome).Inc()
	}
}

// SetPendingOperations records the queue depth.
func (c *Collector) SetPendingOperations(n int) {
	if c.enabled() {
		c.offlinePending.Set(float64(n))
	}
}

// RecordMessage counts a realtime message by disposition ("delivered",
// "duplicate").
func (c *Collector) RecordMessage(resource, disposition string) {
	if c.enabled() {
		c.realtimeMessages.WithLabelValues(resource, disposition).Inc()
	}
}

// SetConnections records the pool size.
func (c *Collector) SetConnections(n int) {
	if c.enabled() {
		c.realtimeConns.Set(float64(n))
	}
}

// RecordReconnect counts one reconnection attempt.
func (c *Collector) RecordReconnect() {
	if c.enabled() {
		c.reconnects.Inc()
	}
}

// Registry exposes the underlying registry for testing and embedding.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// StartServer serves the metrics endpoint. No-op when disabled.
func (c *Collector) StartServer() error {
	if !c.enabled() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server != nil {
		return fmt.Errorf("metrics server already started")
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		_ = c.server.ListenAndServe()
	}()
	return nil
}

// StopServer shuts the metrics endpoint down.
func (c *Collector) StopServer(ctx context.Context) error {
	c.mu.Lock()
	server := c.server
	c.server = nil
	c.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}
