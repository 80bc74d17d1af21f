package realtime

import (
	"sort"
	"sync"
	"time"

	"github.com/retailsync/retailsync/pkg/types"
)

// deliveryBatch buffers messages briefly so a burst of changes reaches
// consumers as one ordered group instead of a storm of callbacks. A batch
// flushes when it reaches size or when the oldest buffered message has
// waited maxLatency.
type deliveryBatch struct {
	size       int
	maxLatency time.Duration
	flushFn    func([]types.Message)

	mu      sync.Mutex
	buf     []types.Message
	timer   *time.Timer
	stopped bool
}

func newDeliveryBatch(size int, maxLatency time.Duration, flushFn func([]types.Message)) *deliveryBatch {
	return &deliveryBatch{size: size, maxLatency: maxLatency, flushFn: flushFn}
}

// add buffers one message, flushing immediately at capacity.
func (b *deliveryBatch) add(msg types.Message) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.buf = append(b.buf, msg)
	if len(b.buf) >= b.size {
		msgs := b.take()
		b.mu.Unlock()
		b.deliver(msgs)
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.maxLatency, b.flush)
	}
	b.mu.Unlock()
}

func (b *deliveryBatch) flush() {
	b.mu.Lock()
	msgs := b.take()
	b.mu.Unlock()
	b.deliver(msgs)
}

// take drains the buffer. Caller holds b.mu.
func (b *deliveryBatch) take() []types.Message {
	msgs := b.buf
	b.buf = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return msgs
}

// deliver hands the group over, kind-grouped but arrival-ordered within a
// kind, so consumers can apply all deletes or all updates together.
func (b *deliveryBatch) deliver(msgs []types.Message) {
	if len(msgs) == 0 {
		return
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Kind < msgs[j].Kind
	})
	b.flushFn(msgs)
}

// stop flushes anything buffered and rejects further messages.
func (b *deliveryBatch) stop() {
	b.mu.Lock()
	b.stopped = true
	msgs := b.take()
	b.mu.Unlock()
	b.deliver(msgs)
}
