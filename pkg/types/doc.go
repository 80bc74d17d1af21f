// Package types defines the shared data model of the retailsync
// data-access layer and the interfaces of its external collaborators: the
// remote read/write services, the realtime pub/sub primitive, durable local
// storage, and user notification.
package types
