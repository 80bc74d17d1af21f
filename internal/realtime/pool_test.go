package realtime

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailsync/retailsync/pkg/errors"
	"github.com/retailsync/retailsync/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeChannel is a scriptable RealtimeChannel.
type fakeChannel struct {
	mu           sync.Mutex
	name         string
	handlers     map[string][]func(types.Message)
	statusFn     func(types.ChannelStatus, error)
	subscribed   bool
	unsubscribes int
	subscribeErr error
}

func (c *fakeChannel) On(filter string, handler func(types.Message)) types.RealtimeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[filter] = append(c.handlers[filter], handler)
	return c
}

func (c *fakeChannel) Subscribe(statusHandler func(types.ChannelStatus, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	c.statusFn = statusHandler
	c.subscribed = true
	return nil
}

func (c *fakeChannel) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = false
	c.unsubscribes++
	return nil
}

// push delivers a message to every wildcard handler.
func (c *fakeChannel) push(msg types.Message) {
	c.mu.Lock()
	handlers := append([]func(types.Message){}, c.handlers["*"]...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

// fail reports a channel error to the pool's status handler.
func (c *fakeChannel) fail() {
	c.mu.Lock()
	fn := c.statusFn
	c.mu.Unlock()
	if fn != nil {
		fn(types.StatusChannelError, errors.New(errors.ErrCodeNetworkError, "socket reset"))
	}
}

// report delivers an arbitrary status to the pool's status handler.
func (c *fakeChannel) report(status types.ChannelStatus) {
	c.mu.Lock()
	fn := c.statusFn
	c.mu.Unlock()
	if fn != nil {
		fn(status, nil)
	}
}

type fakeService struct {
	mu          sync.Mutex
	channels    []*fakeChannel
	failNextSub int
}

func (s *fakeService) Channel(name string) types.RealtimeChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := &fakeChannel{name: name, handlers: make(map[string][]func(types.Message))}
	if s.failNextSub > 0 {
		s.failNextSub--
		ch.subscribeErr = errors.New(errors.ErrCodeConnectionFailed, "refused")
	}
	s.channels = append(s.channels, ch)
	return ch
}

func (s *fakeService) latest() *fakeChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.channels) == 0 {
		return nil
	}
	return s.channels[len(s.channels)-1]
}

func (s *fakeService) channelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

type messageSink struct {
	mu   sync.Mutex
	msgs []types.Message
}

func (m *messageSink) handler() Handler {
	return func(msg types.Message) {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.msgs = append(m.msgs, msg)
	}
}

func (m *messageSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}

func (m *messageSink) kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, msg := range m.msgs {
		out = append(out, msg.Kind)
	}
	return out
}

func newTestPool(t *testing.T, config Config, opts Options) *Pool {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = newFakeClock()
	}
	if config.MaxLatency <= 0 {
		config.MaxLatency = 10 * time.Millisecond
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = 5 * time.Millisecond
	}
	p, err := NewPool(config, opts)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestConsumersShareOneChannel(t *testing.T) {
	service := &fakeService{}
	p := newTestPool(t, Config{}, Options{Service: service})

	a, b := &messageSink{}, &messageSink{}
	unsubA, err := p.Subscribe("products", a.handler())
	require.NoError(t, err)
	defer unsubA()
	unsubB, err := p.Subscribe("products", b.handler())
	require.NoError(t, err)
	defer unsubB()

	assert.Equal(t, 1, service.channelCount(), "same resource must reuse the channel")
	assert.Equal(t, 1, p.Connections())

	service.latest().push(types.Message{ID: "m1", Resource: "products", Kind: "UPDATE"})

	waitFor(t, "message not delivered to both consumers", func() bool {
		return a.count() == 1 && b.count() == 1
	})
}

func TestPoolCapacityIsEnforced(t *testing.T) {
	service := &fakeService{}
	p := newTestPool(t, Config{MaxConnections: 2}, Options{Service: service})

	for _, resource := range []string{"products", "orders"} {
		_, err := p.Subscribe(resource, func(types.Message) {})
		require.NoError(t, err)
	}

	_, err := p.Subscribe("customers", func(types.Message) {})
	require.Error(t, err)

	var structured *errors.Error
	require.ErrorAs(t, err, &structured)
	assert.Equal(t, errors.ErrCodePoolExhausted, structured.Code)
	assert.Equal(t, "customers", structured.Resource)
}

func TestIdleChannelIsEvictedForNewSubscription(t *testing.T) {
	service := &fakeService{}
	p := newTestPool(t, Config{MaxConnections: 2, TeardownGrace: time.Minute}, Options{Service: service})

	// Two idle channels of different priority wait out their grace period.
	unsubLow, err := p.SubscribeWithOptions("reports", func(types.Message) {}, SubscribeOptions{Priority: types.PriorityLow})
	require.NoError(t, err)
	lowCh := service.latest()
	unsubLow()

	unsubHigh, err := p.SubscribeWithOptions("orders", func(types.Message) {}, SubscribeOptions{Priority: types.PriorityHigh})
	require.NoError(t, err)
	highCh := service.latest()
	unsubHigh()

	// The newcomer reclaims the lower-priority idle slot.
	unsub, err := p.Subscribe("customers", func(types.Message) {})
	require.NoError(t, err)
	defer unsub()

	assert.Equal(t, 2, p.Connections())
	assert.Equal(t, 1, lowCh.unsubscribes, "low-priority idle channel must be closed")
	assert.Equal(t, 0, highCh.unsubscribes, "higher-priority idle channel must survive")
}

func TestTeardownWaitsForGraceAndCancelsOnResubscribe(t *testing.T) {
	service := &fakeService{}
	p := newTestPool(t, Config{TeardownGrace: 40 * time.Millisecond}, Options{Service: service})

	unsub, err := p.Subscribe("products", func(types.Message) {})
	require.NoError(t, err)
	ch := service.latest()

	// Leaving and returning inside the grace period keeps the channel.
	unsub()
	unsub2, err := p.Subscribe("products", func(types.Message) {})
	require.NoError(t, err)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, service.channelCount(), "resubscribe must reuse the still-open channel")
	assert.Equal(t, 0, ch.unsubscribes)

	// Leaving for good closes it after the grace period.
	unsub2()
	waitFor(t, "channel not torn down after grace", func() bool {
		return p.Connections() == 0
	})
	assert.Equal(t, 1, ch.unsubscribes)
}

func TestUnsubscribedHandlerNeverFires(t *testing.T) {
	service := &fakeService{}
	p := newTestPool(t, Config{}, Options{Service: service})

	sink := &messageSink{}
	keep := &messageSink{}
	unsub, err := p.Subscribe("products", sink.handler())
	require.NoError(t, err)
	unsubKeep, err := p.Subscribe("products", keep.handler())
	require.NoError(t, err)
	defer unsubKeep()

	unsub()
	service.latest().push(types.Message{ID: "m1", Resource: "products", Kind: "UPDATE"})

	waitFor(t, "remaining consumer did not get the message", func() bool {
		return keep.count() == 1
	})
	assert.Equal(t, 0, sink.count(), "handler fired after unsubscribe")
}

func TestHandlerLeavingMidBatchReceivesNothingFurther(t *testing.T) {
	service := &fakeService{}
	p := newTestPool(t, Config{BatchSize: 10, MaxLatency: 20 * time.Millisecond}, Options{Service: service})

	var mu sync.Mutex
	var unsub func()
	calls := 0
	handler := func(types.Message) {
		mu.Lock()
		calls++
		leave := calls == 1
		u := unsub
		mu.Unlock()
		if leave {
			u()
		}
	}

	u, err := p.Subscribe("products", handler)
	require.NoError(t, err)
	mu.Lock()
	unsub = u
	mu.Unlock()

	keep := &messageSink{}
	unsubKeep, err := p.Subscribe("products", keep.handler())
	require.NoError(t, err)
	defer unsubKeep()

	// Both messages land in the same flush; the handler leaves on the
	// first one.
	ch := service.latest()
	ch.push(types.Message{ID: "m1", Resource: "products", Kind: "UPDATE"})
	ch.push(types.Message{ID: "m2", Resource: "products", Kind: "UPDATE"})

	waitFor(t, "remaining consumer did not get the full batch", func() bool {
		return keep.count() == 2
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "handler fired after its unsubscribe returned")
}

func TestDuplicateMessagesAreSuppressed(t *testing.T) {
	service := &fakeService{}
	p := newTestPool(t, Config{}, Options{Service: service})

	sink := &messageSink{}
	unsub, err := p.Subscribe("products", sink.handler())
	require.NoError(t, err)
	defer unsub()

	msg := types.Message{ID: "m1", Resource: "products", Kind: "UPDATE"}
	service.latest().push(msg)
	service.latest().push(msg)
	service.latest().push(types.Message{ID: "m2", Resource: "products", Kind: "UPDATE"})

	waitFor(t, "messages not delivered", func() bool {
		return sink.count() == 2
	})
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, sink.count(), "duplicate delivered")
}

func TestAnonymousMessagesAreNeverDeduped(t *testing.T) {
	service := &fakeService{}
	p := newTestPool(t, Config{}, Options{Service: service})

	sink := &messageSink{}
	unsub, err := p.Subscribe("products", sink.handler())
	require.NoError(t, err)
	defer unsub()

	// Two distinct changes without server-assigned ids on the same
	// resource and kind.
	ch := service.latest()
	ch.push(types.Message{Resource: "products", Kind: "UPDATE", Payload: map[string]interface{}{"id": "p1"}})
	ch.push(types.Message{Resource: "products", Kind: "UPDATE", Payload: map[string]interface{}{"id": "p2"}})

	waitFor(t, "second anonymous change was dropped", func() bool {
		return sink.count() == 2
	})
}

func TestBurstDeliversGroupedByKind(t *testing.T) {
	service := &fakeService{}
	p := newTestPool(t, Config{BatchSize: 10, MaxLatency: 20 * time.Millisecond}, Options{Service: service})

	sink := &messageSink{}
	unsub, err := p.Subscribe("products", sink.handler())
	require.NoError(t, err)
	defer unsub()

	ch := service.latest()
	ch.push(types.Message{ID: "m1", Resource: "products", Kind: "UPDATE"})
	ch.push(types.Message{ID: "m2", Resource: "products", Kind: "DELETE"})
	ch.push(types.Message{ID: "m3", Resource: "products", Kind: "UPDATE"})

	waitFor(t, "burst not delivered", func() bool {
		return sink.count() == 3
	})
	assert.Equal(t, []string{"DELETE", "UPDATE", "UPDATE"}, sink.kinds())
}

func TestChannelErrorTriggersReconnect(t *testing.T) {
	service := &fakeService{}
	p := newTestPool(t, Config{ReconnectAttempts: 3}, Options{Service: service})

	sink := &messageSink{}
	unsub, err := p.Subscribe("products", sink.handler())
	require.NoError(t, err)
	defer unsub()

	service.latest().fail()

	waitFor(t, "no replacement channel opened", func() bool {
		return service.channelCount() == 2
	})
	assert.Equal(t, 1, p.Connections())

	// The replacement channel feeds the same consumers.
	service.latest().push(types.Message{ID: "m9", Resource: "products", Kind: "INSERT"})
	waitFor(t, "message on recovered channel not delivered", func() bool {
		return sink.count() == 1
	})
}

func TestSubscriptionLostAfterExhaustedReconnects(t *testing.T) {
	service := &fakeService{}

	var lostMu sync.Mutex
	var lostResource string
	var lostErr error

	p := newTestPool(t, Config{ReconnectAttempts: 2}, Options{
		Service: service,
		OnLost: func(resource string, err error) {
			lostMu.Lock()
			defer lostMu.Unlock()
			lostResource, lostErr = resource, err
		},
	})

	unsub, err := p.Subscribe("products", func(types.Message) {})
	require.NoError(t, err)
	defer unsub()

	// Every replacement channel refuses to subscribe.
	service.mu.Lock()
	service.failNextSub = 2
	service.mu.Unlock()
	service.latest().fail()

	waitFor(t, "subscription not declared lost", func() bool {
		lostMu.Lock()
		defer lostMu.Unlock()
		return lostResource != ""
	})

	lostMu.Lock()
	defer lostMu.Unlock()
	assert.Equal(t, "products", lostResource)
	var structured *errors.Error
	require.ErrorAs(t, lostErr, &structured)
	assert.Equal(t, errors.ErrCodeSubscriptionLost, structured.Code)
	assert.Equal(t, 0, p.Connections())
}

func TestServerCloseRemovesTheChannel(t *testing.T) {
	service := &fakeService{}
	p := newTestPool(t, Config{}, Options{Service: service})

	sink := &messageSink{}
	unsub, err := p.Subscribe("products", sink.handler())
	require.NoError(t, err)
	defer unsub()

	ch := service.latest()
	ch.report(types.StatusClosed)

	assert.Equal(t, 0, p.Connections(), "closed channel must be removed, not retried")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, service.channelCount(), "server close must not trigger a reconnect")

	ch.push(types.Message{ID: "m1", Resource: "products", Kind: "UPDATE"})
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, sink.count(), "message delivered on a removed channel")
}

func TestSilentChannelIsProbedAndReconnected(t *testing.T) {
	service := &fakeService{}
	clock := newFakeClock()
	p := newTestPool(t, Config{StaleAfter: time.Minute}, Options{Service: service, Clock: clock})

	unsub, err := p.Subscribe("products", func(types.Message) {})
	require.NoError(t, err)
	defer unsub()

	// Silence shorter than the threshold leaves the channel alone.
	clock.Advance(30 * time.Second)
	p.probe()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, service.channelCount())

	clock.Advance(2 * time.Minute)
	p.probe()
	waitFor(t, "stale channel not reconnected", func() bool {
		return service.channelCount() == 2
	})
}

func TestPoolHookSeesEveryMessage(t *testing.T) {
	service := &fakeService{}
	hook := &messageSink{}
	p := newTestPool(t, Config{}, Options{
		Service:   service,
		OnMessage: func(msg types.Message) { hook.handler()(msg) },
	})

	unsub, err := p.Subscribe("products", func(types.Message) {})
	require.NoError(t, err)
	defer unsub()

	service.latest().push(types.Message{ID: "m1", Resource: "products", Kind: "UPDATE"})
	waitFor(t, "pool hook did not fire", func() bool {
		return hook.count() == 1
	})
}
