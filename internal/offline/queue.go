// Package offline implements the durable mutation queue that buffers
// writes issued without connectivity and replays them against the remote
// service once it returns.
package offline

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/retailsync/retailsync/internal/metrics"
	"github.com/retailsync/retailsync/pkg/errors"
	"github.com/retailsync/retailsync/pkg/logging"
	"github.com/retailsync/retailsync/pkg/retry"
	"github.com/retailsync/retailsync/pkg/types"
)

// Config controls queue behavior.
type Config struct {
	// MaxRetries is the total delivery attempts per operation before it
	// is abandoned.
	MaxRetries int

	// DrainInterval is the safety-net cadence: the queue attempts a drain
	// this often even without an online transition, so operations
	// enqueued during connectivity flaps are not stranded.
	DrainInterval time.Duration

	// RetryDelay seeds the backoff between delivery attempts of one
	// operation.
	RetryDelay time.Duration
}

// Options carries the queue's collaborators.
type Options struct {
	Writer   types.MutationWriter
	Durable  types.DurableStore
	Schemas  *Registry
	Clock    types.Clock
	Logger   *logging.Logger
	Metrics  *metrics.Collector
	Notifier types.Notifier

	// OnSynced fires after an operation is acknowledged by the remote
	// service, with the server's response. The query layer uses it to
	// invalidate cached reads for the resource.
	OnSynced func(op types.PendingOperation, response interface{})
}

// Queue owns pending mutations exclusively: an operation is visible to one
// delivery attempt at a time, and leaves the queue only when acknowledged
// or abandoned.
type Queue struct {
	config   Config
	writer   types.MutationWriter
	durable  types.DurableStore
	schemas  *Registry
	clock    types.Clock
	logger   *logging.Logger
	metrics  *metrics.Collector
	notifier types.Notifier
	onSynced func(op types.PendingOperation, response interface{})
	retryer  *retry.Retryer

	mu     sync.Mutex
	ops    map[string]*types.PendingOperation
	nextAt map[string]time.Time
	online bool

	drainMu sync.Mutex

	stopCh  chan struct{}
	started bool
}

// NewQueue creates an offline queue; zero config fields get defaults.
func NewQueue(config Config, opts Options) *Queue {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.DrainInterval <= 0 {
		config.DrainInterval = 30 * time.Second
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
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
	if opts.Schemas == nil {
		opts.Schemas = NewRegistry()
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.InitialDelay = config.RetryDelay
	retryCfg.MaxAttempts = config.MaxRetries

	return &Queue{
		config:   config,
		writer:   opts.Writer,
		durable:  opts.Durable,
		schemas:  opts.Schemas,
		clock:    opts.Clock,
		logger:   opts.Logger.WithComponent("offline"),
		metrics:  opts.Metrics,
		notifier: opts.Notifier,
		onSynced: opts.OnSynced,
		retryer:  retry.New(retryCfg),
		ops:      make(map[string]*types.PendingOperation),
		nextAt:   make(map[string]time.Time),
		stopCh:   make(chan struct{}),
	}
}

// Start restores persisted operations and launches the safety-net drain
// loop.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return errors.New(errors.ErrCodeAlreadyStarted, "offline queue already started").
			WithComponent("offline")
	}
	q.started = true
	q.mu.Unlock()

	if err := q.restore(ctx); err != nil {
		q.logger.Warn("pending operations not restored", map[string]interface{}{
			"error": err.Error(),
		})
	}

	go q.drainLoop()
	return nil
}

// Close stops background work. Pending operations stay persisted for the
// next session.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	q.mu.Unlock()
	close(q.stopCh)
}

// Enqueue validates and queues a mutation, returning its assigned id. The
// operation is persisted before Enqueue returns, so an app restart cannot
// lose it.
func (q *Queue) Enqueue(ctx context.Context, resource string, kind types.OperationKind, payload map[string]interface{}) (string, error) {
	if !kind.Valid() {
		return "", errors.Newf(errors.ErrCodeValidationFailed, "unknown operation kind %q", kind).
			WithComponent("offline").WithResource(resource)
	}
	if err := q.schemas.Validate(resource, kind, payload); err != nil {
		return "", err
	}

	op := &types.PendingOperation{
		ID:         uuid.NewString(),
		Kind:       kind,
		Resource:   resource,
		Payload:    payload,
		EnqueuedAt: q.clock.Now(),
		MaxRetries: q.config.MaxRetries,
	}

	if err := q.persist(ctx, op); err != nil {
		// Keep the operation in memory; it survives the session even if
		// it would not survive a restart.
		q.logger.Warn("operation not persisted, held in memory only", map[string]interface{}{
			"id": op.ID, "resource": resource, "error": err.Error(),
		})
	}

	q.mu.Lock()
	q.ops[op.ID] = op
	pending := len(q.ops)
	online := q.online
	q.mu.Unlock()

	// Connected callers get an immediate delivery attempt; the queue is
	// then just a durability net around a flaky link. Only offline
	// enqueues surface the held-locally signal to the user.
	if online {
		go q.Drain(context.Background())
	} else {
		q.notify(types.Notification{
			Severity: "info",
			Message:  "Change saved locally and will sync when the connection returns",
			Resource: resource,
		})
	}

	q.metrics.RecordOfflineOp("queued")
	q.metrics.SetPendingOperations(pending)
	q.logger.Debug("operation queued", map[string]interface{}{
		"id": op.ID, "resource": resource, "kind": string(kind), "pending": pending,
	})
	return op.ID, nil
}

// Pending returns queued operations in enqueue order.
func (q *Queue) Pending() []types.PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]types.PendingOperation, 0, len(q.ops))
	for _, op := range q.ops {
		out = append(out, *op)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// SetOnline records a connectivity transition. Coming online triggers an
// immediate drain.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	was := q.online
	q.online = online
	q.mu.Unlock()

	if online && !was {
		go q.Drain(context.Background())
	}
}

// Drain replays queued operations in enqueue order, one delivery attempt
// per operation per pass. Only one drain runs at a time; overlapping calls
// return immediately.
func (q *Queue) Drain(ctx context.Context) {
	if !q.drainMu.TryLock() {
		return
	}
	defer q.drainMu.Unlock()

	now := q.clock.Now()
	synced := 0

	for _, op := range q.Pending() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		q.mu.Lock()
		current, exists := q.ops[op.ID]
		if !exists {
			q.mu.Unlock()
			continue
		}
		if at, waiting := q.nextAt[op.ID]; waiting && now.Before(at) {
			q.mu.Unlock()
			continue
		}
		attempt := *current
		q.mu.Unlock()

		response, err := q.writer.Write(ctx, attempt.Resource, attempt.Kind, attempt.Payload)
		if err == nil {
			q.acknowledge(ctx, attempt, response)
			synced++
			continue
		}

		if !q.handleFailure(ctx, attempt.ID, err) {
			// Connectivity-class failure: later operations would fail the
			// same way, so stop the pass instead of burning their retries.
			break
		}
	}

	if synced > 0 {
		q.notify(types.Notification{
			Severity: "info",
			Message:  "Pending changes synced to the server",
		})
	}
}

// acknowledge removes a delivered operation.
func (q *Queue) acknowledge(ctx context.Context, op types.PendingOperation, response interface{}) {
	q.mu.Lock()
	delete(q.ops, op.ID)
	delete(q.nextAt, op.ID)
	pending := len(q.ops)
	q.mu.Unlock()

	q.unpersist(ctx, op.ID)
	q.metrics.RecordOfflineOp("synced")
	q.metrics.SetPendingOperations(pending)
	q.logger.Debug("operation synced", map[string]interface{}{
		"id": op.ID, "resource": op.Resource, "retries": op.RetryCount,
	})

	if q.onSynced != nil {
		q.onSynced(op, response)
	}
}

// handleFailure books one failed delivery attempt. It returns false when
// the drain pass should stop because the failure looks like lost
// connectivity rather than a rejected operation.
func (q *Queue) handleFailure(ctx context.Context, id string, cause error) bool {
	q.mu.Lock()
	op, exists := q.ops[id]
	if !exists {
		q.mu.Unlock()
		return true
	}
	op.RetryCount++
	abandoned := op.RetryCount >= op.MaxRetries
	snapshot := *op
	if abandoned {
		delete(q.ops, id)
		delete(q.nextAt, id)
	} else {
		q.nextAt[id] = q.clock.Now().Add(q.retryer.Delay(op.RetryCount))
	}
	pending := len(q.ops)
	q.mu.Unlock()

	connectivity := errors.CategoryOf(codeOf(cause)) == errors.CategoryNetwork

	if abandoned {
		q.unpersist(ctx, id)
		q.metrics.RecordOfflineOp("abandoned")
		q.metrics.SetPendingOperations(pending)

		failure := errors.Newf(errors.ErrCodeSyncFailed,
			"operation abandoned after %d attempts", snapshot.RetryCount).
			WithComponent("offline").WithResource(snapshot.Resource).WithCause(cause)
		q.logger.Error("operation abandoned", map[string]interface{}{
			"id": id, "resource": snapshot.Resource, "attempts": snapshot.RetryCount,
			"error": cause.Error(),
		})
		q.notify(types.Notification{
			Severity: "error",
			Message:  failure.UserFacingMessage(),
			Resource: snapshot.Resource,
		})
		return !connectivity
	}

	q.persist(ctx, &snapshot)
	q.metrics.RecordOfflineOp("retried")
	q.logger.Warn("delivery failed, will retry", map[string]interface{}{
		"id": id, "resource": snapshot.Resource,
		"attempt": snapshot.RetryCount, "max": snapshot.MaxRetries,
		"error": cause.Error(),
	})
	return !connectivity
}

func codeOf(err error) errors.ErrorCode {
	if structured, ok := err.(*errors.Error); ok {
		return structured.Code
	}
	return errors.ErrCodeInternalError
}

func (q *Queue) restore(ctx context.Context) error {
	if q.durable == nil {
		return nil
	}
	rows, err := q.durable.GetAll(ctx, types.TablePendingOperations)
	if err != nil {
		return err
	}

	q.mu.Lock()
	restored := 0
	for id, raw := range rows {
		var op types.PendingOperation
		if err := json.Unmarshal(raw, &op); err != nil {
			q.logger.Warn("discarding undecodable pending operation", map[string]interface{}{
				"id": id, "error": err.Error(),
			})
			continue
		}
		q.ops[op.ID] = &op
		restored++
	}
	pending := len(q.ops)
	q.mu.Unlock()

	q.metrics.SetPendingOperations(pending)
	if restored > 0 {
		q.logger.Info("restored pending operations from durable storage", map[string]interface{}{
			"count": restored,
		})
	}
	return nil
}

func (q *Queue) persist(ctx context.Context, op *types.PendingOperation) error {
	if q.durable == nil {
		return nil
	}
	raw, err := json.Marshal(op)
	if err != nil {
		return err
	}
	return q.durable.Put(ctx, types.TablePendingOperations, op.ID, raw)
}

func (q *Queue) unpersist(ctx context.Context, id string) {
	if q.durable == nil {
		return
	}
	if err := q.durable.Delete(ctx, types.TablePendingOperations, id); err != nil {
		q.logger.Warn("acknowledged operation not removed from durable storage", map[string]interface{}{
			"id": id, "error": err.Error(),
		})
	}
}

func (q *Queue) notify(n types.Notification) {
	if q.notifier != nil {
		q.notifier.Notify(n)
	}
}

func (q *Queue) drainLoop() {
	ticker := time.NewTicker(q.config.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.mu.Lock()
			online := q.online
			empty := len(q.ops) == 0
			q.mu.Unlock()
			if online && !empty {
				q.Drain(context.Background())
			}
		}
	}
}
