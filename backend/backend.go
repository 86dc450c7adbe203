// Package backend defines the uniform capability surface the coordinator
// uses to talk to heterogeneous storage backends. One adapter exists per
// storage kind (relational, document, vector, graph, blob); each declares
// which optional capabilities it provides and the coordinator adapts plan
// execution accordingly.
//
// Payloads cross the surface as opaque bytes plus metadata. Adapters that
// store structured records (vectors, relations) decode the bytes into their
// native schema; the store facade owns the encoding.
package backend

import (
	"context"
)

// Payload is the value moved in and out of an adapter.
type Payload struct {
	Data        []byte
	ContentType string
	Metadata    map[string]string
}

// PutOptions carries per-operation options. When IdempotencyKey is set the
// adapter must treat a repeated put with the same key as a no-op returning
// the same native key.
type PutOptions struct {
	IdempotencyKey string
	ContentType    string
	Metadata       map[string]string
}

// Adapter is the mandatory capability set. All operations surface taxonomy
// errors (see Error); Get returns a NOT_FOUND error when the record is
// absent. Put returns the adapter-native key for the stored record, which the
// coordinator records for compensation and for the document's reference maps.
type Adapter interface {
	Name() string
	Put(ctx context.Context, documentID string, payload Payload, opts PutOptions) (string, error)
	Get(ctx context.Context, documentID string) (Payload, error)
	// Delete must be idempotent: deleting an absent record succeeds.
	Delete(ctx context.Context, documentID, nativeKey string) error
	Health(ctx context.Context) HealthStatus
}

// BatchItem is one element of a batch operation.
type BatchItem struct {
	DocumentID string
	Payload    Payload
	NativeKey  string
	Opts       PutOptions
}

// BatchAdapter is implemented by adapters with native batch primitives. The
// coordinator falls back to per-item loops when absent.
type BatchAdapter interface {
	BatchPut(ctx context.Context, items []BatchItem) ([]string, error)
	// BatchGet returns one payload per document id, in input order.
	BatchGet(ctx context.Context, documentIDs []string) ([]Payload, error)
	BatchDelete(ctx context.Context, items []BatchItem) error
}

// ObjectInfo describes one stored object in a listing.
type ObjectInfo struct {
	NativeKey string
	Size      int64
}

// Lister is implemented by adapters that can enumerate the objects they hold
// for a document. The integrity gate depends on it for the blob backend.
type Lister interface {
	List(ctx context.Context, documentID string) ([]ObjectInfo, error)
}

// StreamChunk is one element of a streaming put.
type StreamChunk struct {
	Ordinal int
	Data    []byte
	Hash    string // hex SHA-256 of Data
}

// StreamAdapter is implemented by adapters with a native streaming primitive.
// The streaming pipeline uses it when present and falls back to per-chunk
// Put calls otherwise. The returned keys are ordered by chunk ordinal.
type StreamAdapter interface {
	StreamPut(ctx context.Context, documentID string, chunks <-chan StreamChunk, opts PutOptions) ([]string, error)
}

// HealthState reports adapter reachability.
type HealthState string

const (
	HealthReachable HealthState = "reachable"
	HealthDegraded  HealthState = "degraded"
	HealthDown      HealthState = "down"
)

// HealthStatus is the result of an adapter health probe.
type HealthStatus struct {
	State     HealthState
	LastError string
}
