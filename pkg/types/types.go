package types

import (
	"strings"
	"time"
)

// Priority ranks cache entries and subscriptions for eviction decisions.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	// PriorityCritical entries are never removed by memory-pressure
	// eviction; only TTL expiry or explicit invalidation removes them.
	PriorityCritical
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority converts a priority name, defaulting to medium.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

// Entry is a cached value with its bookkeeping metadata. Entries are
// immutable snapshots; a new Set replaces the entry wholesale.
type Entry struct {
	Key       string        `json:"key"`
	Data      interface{}   `json:"data"`
	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl"`

	HitCount   int64     `json:"hit_count"`
	LastAccess time.Time `json:"last_access"`

	// Size is a structural estimate, not exact byte accounting.
	Size     int64    `json:"size"`
	Tags     []string `json:"tags,omitempty"`
	Priority Priority `json:"priority"`
}

// Expired reports whether the entry is logically absent at now.
func (e *Entry) Expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) >= e.TTL
}

// HasAnyTag reports whether the entry carries at least one of tags.
func (e *Entry) HasAnyTag(tags []string) bool {
	for _, want := range tags {
		for _, have := range e.Tags {
			if have == want {
				return true
			}
		}
	}
	return false
}

// CacheStats summarizes cache behavior for metrics and debugging.
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	Entries     int     `json:"entries"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// OperationKind is the mutation verb replayed against the remote service.
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
)

// Valid reports whether the kind is one of create, update, or delete.
func (k OperationKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// PendingOperation is a mutation issued while offline, owned exclusively
// by the offline queue until acknowledged or abandoned.
type PendingOperation struct {
	ID         string                 `json:"id"`
	Kind       OperationKind          `json:"kind"`
	Resource   string                 `json:"resource"`
	Payload    map[string]interface{} `json:"payload"`
	EnqueuedAt time.Time              `json:"enqueued_at"`
	RetryCount int                    `json:"retry_count"`
	MaxRetries int                    `json:"max_retries"`
}

// BehaviorClass classifies how a key is accessed over time.
type BehaviorClass string

const (
	BehaviorSequential BehaviorClass = "sequential"
	BehaviorCyclical   BehaviorClass = "cyclical"
	BehaviorRandom     BehaviorClass = "random"
)

// Multiplier returns the reuse-probability scaling for the class.
func (b BehaviorClass) Multiplier() float64 {
	switch b {
	case BehaviorSequential:
		return 1.2
	case BehaviorCyclical:
		return 1.5
	default:
		return 0.8
	}
}

// ChannelStatus is the realtime collaborator's connection status signal.
type ChannelStatus string

const (
	StatusConnected    ChannelStatus = "connected"
	StatusChannelError ChannelStatus = "channel-error"
	StatusTimedOut     ChannelStatus = "timed-out"
	StatusClosed       ChannelStatus = "closed"
)

// Message is one change event observed on a realtime channel. Payloads are
// opaque structured data forwarded unchanged.
type Message struct {
	ID         string                 `json:"id,omitempty"`
	Resource   string                 `json:"resource"`
	Kind       string                 `json:"kind"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	ReceivedAt time.Time              `json:"received_at"`
}

// Identity derives a dedupe key for the message. Only messages with a
// server-assigned id have one; anonymous messages cannot be told apart
// from genuine new changes and return the empty string.
func (m Message) Identity() string {
	if m.ID == "" {
		return ""
	}
	return m.Resource + ":" + m.ID
}

// Notification is a user-visible signal emitted by the core.
type Notification struct {
	Severity string `json:"severity"` // "info", "warning", "error"
	Message  string `json:"message"`
	Resource string `json:"resource,omitempty"`
}
