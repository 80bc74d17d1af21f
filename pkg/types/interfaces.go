package types

import (
	"context"
	"time"
)

// ReadRequest is the normalized shape of an outbound query. The core never
// interprets filter semantics; it only hashes and forwards them.
type ReadRequest struct {
	Resource string                 `json:"resource"`
	Filters  map[string]interface{} `json:"filters,omitempty"`
	Order    []OrderClause          `json:"order,omitempty"`
	Limit    int                    `json:"limit,omitempty"`
	Offset   int                    `json:"offset,omitempty"`
}

// OrderClause is one sort term of a read request.
type OrderClause struct {
	Field      string `json:"field"`
	Descending bool   `json:"descending,omitempty"`
}

// DataReader is the remote read collaborator.
type DataReader interface {
	Read(ctx context.Context, req ReadRequest) (interface{}, error)
}

// MutationWriter is the remote write collaborator. Retried deliveries may
// resend an identical payload; idempotency is not guaranteed here.
type MutationWriter interface {
	Write(ctx context.Context, resource string, kind OperationKind, payload map[string]interface{}) (interface{}, error)
}

// RealtimeChannel is one server-side subscription to a named channel.
type RealtimeChannel interface {
	// On registers a handler for events matching the filter ("*" for all
	// kinds). It returns the channel for chaining.
	On(eventFilter string, handler func(Message)) RealtimeChannel

	// Subscribe opens the channel; status transitions are reported to
	// statusHandler until Unsubscribe.
	Subscribe(statusHandler func(ChannelStatus, error)) error

	// Unsubscribe closes the channel. No handler fires after it returns.
	Unsubscribe() error
}

// RealtimeService is the publish/subscribe collaborator.
type RealtimeService interface {
	Channel(name string) RealtimeChannel
}

// Durable storage table names. Logical tables, not SQL schema: a durable
// store implementation maps them however it likes.
const (
	TableSnapshots         = "snapshots"
	TablePendingOperations = "pending_operations"
	TableSettings          = "settings"
)

// DurableStore is the transactional local storage collaborator. Values are
// opaque encoded blobs; the core performs its own serialization.
type DurableStore interface {
	Get(ctx context.Context, table, key string) ([]byte, error)
	GetAll(ctx context.Context, table string) (map[string][]byte, error)
	Put(ctx context.Context, table, key string, value []byte) error
	Delete(ctx context.Context, table, key string) error
}

// Notifier receives user-visible signals. Presentation is out of scope;
// the host application decides how to render them.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(n Notification)

// Notify implements Notifier.
func (f NotifierFunc) Notify(n Notification) { f(n) }

// Clock abstracts time for TTL and expiry decisions so tests can control
// elapsed time without sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock implementation.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }
