// Package realtime manages pooled subscriptions to the remote change
// feed. Subscriptions are shared: many consumers of one resource ride a
// single server-side channel, and channels are torn down lazily so rapid
// navigation does not thrash connections.
package realtime

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/retailsync/retailsync/internal/metrics"
	"github.com/retailsync/retailsync/pkg/errors"
	"github.com/retailsync/retailsync/pkg/logging"
	"github.com/retailsync/retailsync/pkg/retry"
	"github.com/retailsync/retailsync/pkg/types"
)

// Config controls pool behavior.
type Config struct {
	// MaxConnections caps concurrent server-side channels.
	MaxConnections int

	// ReconnectAttempts bounds recovery tries before a subscription is
	// declared lost.
	ReconnectAttempts int

	// ReconnectDelay seeds the backoff between reconnect attempts.
	ReconnectDelay time.Duration

	// TeardownGrace keeps a channel open this long after its last
	// consumer leaves, absorbing quick navigation round trips.
	TeardownGrace time.Duration

	// StaleAfter is the silence threshold after which the health probe
	// forces a reconnect.
	StaleAfter time.Duration

	// ProbeInterval is how often the health probe inspects channels.
	ProbeInterval time.Duration

	// DedupeWindow is how many recent message identities are remembered
	// for duplicate suppression.
	DedupeWindow int

	// BatchSize and MaxLatency shape delivery: messages buffer until
	// either bound is hit, then flush grouped by kind.
	BatchSize  int
	MaxLatency time.Duration
}

// Options carries the pool's collaborators.
type Options struct {
	Service types.RealtimeService
	Clock   types.Clock
	Logger  *logging.Logger
	Metrics *metrics.Collector

	// OnMessage receives every deduplicated message, before per-consumer
	// handlers. The query layer hooks cache invalidation here.
	OnMessage func(types.Message)

	// OnLost fires when a subscription exhausts its reconnect attempts.
	// Consumers decide whether to fall back to polling.
	OnLost func(resource string, err error)
}

// Handler receives change messages for a resource.
type Handler func(types.Message)

// SubscribeOptions control one subscription.
type SubscribeOptions struct {
	// Priority ranks the subscription when the pool reclaims slots: at
	// capacity, idle channels are evicted lowest priority first.
	Priority types.Priority
}

type subState int

const (
	stateActive subState = iota
	stateReconnecting
	stateLost
	stateClosed
)

// subscription is one shared server-side channel and its consumers.
type subscription struct {
	resource string
	channel  types.RealtimeChannel
	state    subState
	priority types.Priority

	handlers map[int]Handler
	nextID   int
	refs     int

	lastMessage   time.Time
	teardownTimer *time.Timer

	batch *deliveryBatch
}

// Pool shares realtime channels between consumers and keeps them healthy.
type Pool struct {
	config    Config
	service   types.RealtimeService
	clock     types.Clock
	logger    *logging.Logger
	metrics   *metrics.Collector
	onMessage func(types.Message)
	onLost    func(resource string, err error)
	retryer   *retry.Retryer

	mu     sync.Mutex
	subs   map[string]*subscription
	dedupe *lru.Cache[string, struct{}]

	stopCh  chan struct{}
	started bool
}

// NewPool creates a subscription pool; zero config fields get defaults.
func NewPool(config Config, opts Options) (*Pool, error) {
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10
	}
	if config.ReconnectAttempts <= 0 {
		config.ReconnectAttempts = 3
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = time.Second
	}
	if config.TeardownGrace <= 0 {
		config.TeardownGrace = 30 * time.Second
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 2 * time.Minute
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = 30 * time.Second
	}
	if config.DedupeWindow <= 0 {
		config.DedupeWindow = 512
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 20
	}
	if config.MaxLatency <= 0 {
		config.MaxLatency = 100 * time.Millisecond
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

	dedupe, err := lru.New[string, struct{}](config.DedupeWindow)
	if err != nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "invalid dedupe window").
			WithComponent("realtime").WithCause(err)
	}

	return &Pool{
		config:    config,
		service:   opts.Service,
		clock:     opts.Clock,
		logger:    opts.Logger.WithComponent("realtime"),
		metrics:   opts.Metrics,
		onMessage: opts.OnMessage,
		onLost:    opts.OnLost,
		retryer: retry.New(retry.Config{
			MaxAttempts:  config.ReconnectAttempts,
			InitialDelay: config.ReconnectDelay,
			Multiplier:   2.0,
		}),
		subs:   make(map[string]*subscription),
		dedupe: dedupe,
		stopCh: make(chan struct{}),
	}, nil
}

// Start launches the staleness probe.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go p.probeLoop()
}

// Close tears down every subscription immediately, skipping the grace
// period.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.started {
		p.started = false
		close(p.stopCh)
	}
	subs := make([]*subscription, 0, len(p.subs))
	for _, sub := range p.subs {
		subs = append(subs, sub)
	}
	p.subs = make(map[string]*subscription)
	p.mu.Unlock()

	for _, sub := range subs {
		if sub.teardownTimer != nil {
			sub.teardownTimer.Stop()
		}
		sub.batch.stop()
		if err := sub.channel.Unsubscribe(); err != nil {
			p.logger.Warn("channel close failed", map[string]interface{}{
				"resource": sub.resource, "error": err.Error(),
			})
		}
	}
	p.metrics.SetConnections(0)
}

// Subscribe attaches a handler to the resource's change feed with default
// options.
func (p *Pool) Subscribe(resource string, handler Handler) (unsubscribe func(), err error) {
	return p.SubscribeWithOptions(resource, handler, SubscribeOptions{})
}

// SubscribeWithOptions attaches a handler to the resource's change feed,
// opening a channel only when the resource has none. The returned
// unsubscribe is synchronous: after it returns the handler will not fire
// again.
func (p *Pool) SubscribeWithOptions(resource string, handler Handler, opts SubscribeOptions) (unsubscribe func(), err error) {
	p.mu.Lock()

	sub, exists := p.subs[resource]
	if exists && sub.state != stateLost && sub.state != stateClosed {
		if sub.teardownTimer != nil {
			sub.teardownTimer.Stop()
			sub.teardownTimer = nil
		}
		id := sub.nextID
		sub.nextID++
		sub.handlers[id] = handler
		sub.refs++
		if opts.Priority > sub.priority {
			sub.priority = opts.Priority
		}
		p.mu.Unlock()
		return p.unsubscriber(resource, id), nil
	}

	var evicted *subscription
	if len(p.subs) >= p.config.MaxConnections {
		evicted = p.idleVictimLocked()
		if evicted == nil {
			p.mu.Unlock()
			return nil, errors.Newf(errors.ErrCodePoolExhausted,
				"subscription pool at capacity (%d)", p.config.MaxConnections).
				WithComponent("realtime").WithResource(resource)
		}
		if evicted.teardownTimer != nil {
			evicted.teardownTimer.Stop()
		}
		evicted.state = stateClosed
		delete(p.subs, evicted.resource)
	}

	sub = &subscription{
		resource:    resource,
		priority:    opts.Priority,
		handlers:    map[int]Handler{0: handler},
		nextID:      1,
		refs:        1,
		state:       stateActive,
		lastMessage: p.clock.Now(),
	}
	sub.batch = newDeliveryBatch(p.config.BatchSize, p.config.MaxLatency, func(msgs []types.Message) {
		p.deliver(resource, msgs)
	})
	p.subs[resource] = sub
	count := len(p.subs)
	p.mu.Unlock()

	if evicted != nil {
		evicted.batch.stop()
		if err := evicted.channel.Unsubscribe(); err != nil {
			p.logger.Warn("channel close failed", map[string]interface{}{
				"resource": evicted.resource, "error": err.Error(),
			})
		}
		p.logger.Debug("idle channel evicted for new subscription", map[string]interface{}{
			"evicted": evicted.resource, "resource": resource,
		})
	}

	if err := p.open(sub); err != nil {
		p.mu.Lock()
		delete(p.subs, resource)
		count = len(p.subs)
		p.mu.Unlock()
		p.metrics.SetConnections(count)
		return nil, err
	}

	p.metrics.SetConnections(count)
	p.logger.Debug("channel opened", map[string]interface{}{
		"resource": resource, "connections": count,
	})
	return p.unsubscriber(resource, 0), nil
}

// idleVictimLocked picks the subscription to reclaim at capacity: only
// consumerless channels waiting out their teardown grace qualify, lowest
// priority first, then longest silent.
func (p *Pool) idleVictimLocked() *subscription {
	var victim *subscription
	for _, sub := range p.subs {
		if sub.refs > 0 {
			continue
		}
		if victim == nil ||
			sub.priority < victim.priority ||
			(sub.priority == victim.priority && sub.lastMessage.Before(victim.lastMessage)) {
			victim = sub
		}
	}
	return victim
}

// open wires a server-side channel to the subscription.
func (p *Pool) open(sub *subscription) error {
	channel := p.service.Channel("changes:" + sub.resource)
	channel.On("*", func(msg types.Message) {
		p.receive(sub.resource, msg)
	})

	err := channel.Subscribe(func(status types.ChannelStatus, cause error) {
		p.onStatus(sub.resource, status, cause)
	})
	if err != nil {
		return errors.New(errors.ErrCodeSubscriptionError, "channel subscribe failed").
			WithComponent("realtime").WithResource(sub.resource).WithCause(err)
	}

	p.mu.Lock()
	sub.channel = channel
	sub.state = stateActive
	sub.lastMessage = p.clock.Now()
	p.mu.Unlock()
	return nil
}

// unsubscriber builds the detach function for one consumer.
func (p *Pool) unsubscriber(resource string, id int) func() {
	return func() {
		p.mu.Lock()
		sub, exists := p.subs[resource]
		if !exists {
			p.mu.Unlock()
			return
		}
		if _, attached := sub.handlers[id]; !attached {
			p.mu.Unlock()
			return
		}
		delete(sub.handlers, id)
		sub.refs--
		last := sub.refs == 0
		if last && sub.teardownTimer == nil {
			sub.teardownTimer = time.AfterFunc(p.config.TeardownGrace, func() {
				p.teardown(resource)
			})
		}
		p.mu.Unlock()
	}
}

// teardown closes a channel whose grace period expired with no consumers.
func (p *Pool) teardown(resource string) {
	p.mu.Lock()
	sub, exists := p.subs[resource]
	if !exists || sub.refs > 0 {
		p.mu.Unlock()
		return
	}
	sub.state = stateClosed
	delete(p.subs, resource)
	count := len(p.subs)
	p.mu.Unlock()

	sub.batch.stop()
	if err := sub.channel.Unsubscribe(); err != nil {
		p.logger.Warn("channel close failed", map[string]interface{}{
			"resource": resource, "error": err.Error(),
		})
	}
	p.metrics.SetConnections(count)
	p.logger.Debug("idle channel closed", map[string]interface{}{
		"resource": resource,
	})
}

// receive handles one raw message from a channel: dedupe, then buffer for
// grouped delivery.
func (p *Pool) receive(resource string, msg types.Message) {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = p.clock.Now()
	}

	p.mu.Lock()
	sub, exists := p.subs[resource]
	if !exists {
		p.mu.Unlock()
		return
	}
	sub.lastMessage = p.clock.Now()

	// Only messages carrying a server-assigned id can be recognized as
	// redelivery; anonymous events are always distinct changes.
	if identity := msg.Identity(); identity != "" {
		if _, seen := p.dedupe.Get(identity); seen {
			p.mu.Unlock()
			p.metrics.RecordMessage(resource, "duplicate")
			return
		}
		p.dedupe.Add(identity, struct{}{})
	}
	batch := sub.batch
	p.mu.Unlock()

	batch.add(msg)
}

// deliver flushes a batch to the pool-level hook and every consumer.
// Handler membership is re-checked per message: a consumer that
// unsubscribes partway through a batch receives nothing further.
func (p *Pool) deliver(resource string, msgs []types.Message) {
	for _, msg := range msgs {
		p.metrics.RecordMessage(resource, "delivered")
		if p.onMessage != nil {
			p.onMessage(msg)
		}

		p.mu.Lock()
		sub, exists := p.subs[resource]
		if !exists {
			p.mu.Unlock()
			continue
		}
		ids := make([]int, 0, len(sub.handlers))
		for id := range sub.handlers {
			ids = append(ids, id)
		}
		p.mu.Unlock()

		for _, id := range ids {
			p.mu.Lock()
			h, attached := sub.handlers[id]
			p.mu.Unlock()
			if attached {
				h(msg)
			}
		}
	}
}

// onStatus reacts to channel status transitions.
func (p *Pool) onStatus(resource string, status types.ChannelStatus, cause error) {
	switch status {
	case types.StatusConnected:
		return
	case types.StatusClosed:
		// A server-initiated close is terminal, not an outage: the channel
		// is removed without reconnect attempts.
		p.mu.Lock()
		sub, exists := p.subs[resource]
		if !exists || sub.state == stateClosed {
			p.mu.Unlock()
			return
		}
		sub.state = stateClosed
		delete(p.subs, resource)
		count := len(p.subs)
		p.mu.Unlock()

		sub.batch.stop()
		p.metrics.SetConnections(count)
		p.logger.Info("channel closed by server", map[string]interface{}{
			"resource": resource,
		})
	case types.StatusChannelError, types.StatusTimedOut:
		p.mu.Lock()
		sub, exists := p.subs[resource]
		if !exists || sub.state == stateReconnecting || sub.state == stateClosed {
			p.mu.Unlock()
			return
		}
		sub.state = stateReconnecting
		p.mu.Unlock()

		p.logger.Warn("channel unhealthy, reconnecting", map[string]interface{}{
			"resource": resource, "status": string(status),
		})
		go p.reconnect(resource, cause)
	}
}

// reconnect replaces a failed channel with backoff. Exhausting the attempt
// budget marks the subscription lost and informs the host.
func (p *Pool) reconnect(resource string, cause error) {
	var lastErr error = cause

	for attempt := 1; attempt <= p.config.ReconnectAttempts; attempt++ {
		select {
		case <-p.stopCh:
			return
		case <-time.After(p.retryer.Delay(attempt)):
		}

		p.mu.Lock()
		sub, exists := p.subs[resource]
		if !exists || sub.state != stateReconnecting {
			p.mu.Unlock()
			return
		}
		old := sub.channel
		p.mu.Unlock()

		if old != nil {
			_ = old.Unsubscribe()
		}

		if err := p.open(sub); err != nil {
			lastErr = err
			p.logger.Warn("reconnect attempt failed", map[string]interface{}{
				"resource": resource, "attempt": attempt,
				"max": p.config.ReconnectAttempts, "error": err.Error(),
			})
			continue
		}

		p.metrics.RecordReconnect()
		p.logger.Info("channel recovered", map[string]interface{}{
			"resource": resource, "attempts": attempt,
		})
		return
	}

	p.mu.Lock()
	sub, exists := p.subs[resource]
	if exists {
		sub.state = stateLost
		delete(p.subs, resource)
	}
	count := len(p.subs)
	p.mu.Unlock()

	if exists {
		sub.batch.stop()
	}
	p.metrics.SetConnections(count)

	lost := errors.New(errors.ErrCodeSubscriptionLost, "subscription lost after reconnect attempts").
		WithComponent("realtime").WithResource(resource).WithCause(lastErr)
	p.logger.Error("subscription lost", map[string]interface{}{
		"resource": resource, "attempts": p.config.ReconnectAttempts,
	})
	if p.onLost != nil {
		p.onLost(resource, lost)
	}
}

// Connections returns the number of open channels.
func (p *Pool) Connections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// probeLoop forces reconnects on channels that have gone silent longer
// than the staleness threshold.
func (p *Pool) probeLoop() {
	ticker := time.NewTicker(p.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.probe()
		}
	}
}

func (p *Pool) probe() {
	now := p.clock.Now()

	p.mu.Lock()
	var stale []string
	for resource, sub := range p.subs {
		if sub.state == stateActive && now.Sub(sub.lastMessage) > p.config.StaleAfter {
			stale = append(stale, resource)
		}
	}
	p.mu.Unlock()

	for _, resource := range stale {
		p.logger.Warn("channel silent past staleness threshold", map[string]interface{}{
			"resource": resource, "threshold": p.config.StaleAfter.String(),
		})
		p.onStatus(resource, types.StatusTimedOut, nil)
	}
}
