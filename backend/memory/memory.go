// Package memory provides an in-memory backend adapter implementing every
// optional capability. It backs unit tests and the local, dependency-free
// store mode. Fault injection hooks let tests script transient errors and
// silent data corruption per operation.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"polystore.evalgo.org/backend"
)

type object struct {
	data        []byte
	contentType string
	metadata    map[string]string
}

type docEntry struct {
	objects map[string]*object
	order   []string // native keys in insertion order
}

// Adapter is a thread-safe in-memory implementation of the full capability
// surface: Adapter, BatchAdapter, Lister and StreamAdapter.
type Adapter struct {
	name string

	mu     sync.Mutex
	docs   map[string]*docEntry
	idem   map[string]string // idempotency key -> native key
	faults map[string][]fault
	puts   int

	// putTransform, when set, rewrites the stored bytes of every put. Tests
	// use it to simulate backends that silently corrupt data.
	putTransform func(documentID string, ordinal int, data []byte) []byte

	// getHook, when set, runs at the start of every Get before the lock is
	// taken. Tests use it to gate reads.
	getHook func()
}

type fault struct {
	kind  backend.Kind
	skip  int
	times int
}

// New creates a named in-memory adapter.
func New(name string) *Adapter {
	return &Adapter{
		name:   name,
		docs:   make(map[string]*docEntry),
		idem:   make(map[string]string),
		faults: make(map[string][]fault),
	}
}

func (a *Adapter) Name() string { return a.name }

// InjectFault scripts the next n calls of op ("put", "get", "delete", "list",
// "health") to fail with the given kind.
func (a *Adapter) InjectFault(op string, kind backend.Kind, times int) {
	a.InjectFaultAfter(op, kind, 0, times)
}

// InjectFaultAfter scripts calls of op to fail with the given kind after the
// next skip calls have passed through.
func (a *Adapter) InjectFaultAfter(op string, kind backend.Kind, skip, times int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.faults[op] = append(a.faults[op], fault{kind: kind, skip: skip, times: times})
}

// SetGetHook installs a hook running at the start of every Get.
func (a *Adapter) SetGetHook(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.getHook = fn
}

// SetPutTransform installs a hook rewriting stored bytes on every put.
func (a *Adapter) SetPutTransform(fn func(documentID string, ordinal int, data []byte) []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.putTransform = fn
}

// PutCount returns how many puts actually stored data, for idempotency tests.
func (a *Adapter) PutCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.puts
}

// ObjectCount returns the number of objects held for a document.
func (a *Adapter) ObjectCount(documentID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.docs[documentID]; ok {
		return len(e.objects)
	}
	return 0
}

// nextFault pops a scripted fault for op, if any. Caller holds the lock.
func (a *Adapter) nextFault(op string) (backend.Kind, bool) {
	queue := a.faults[op]
	if len(queue) == 0 {
		return "", false
	}
	f := &queue[0]
	if f.skip > 0 {
		f.skip--
		a.faults[op] = queue
		return "", false
	}
	f.times--
	kind := f.kind
	if f.times <= 0 {
		a.faults[op] = queue[1:]
	} else {
		a.faults[op] = queue
	}
	return kind, true
}

func faultErr(op string, kind backend.Kind) error {
	err := fmt.Errorf("injected %s fault", op)
	switch kind {
	case backend.KindTransient:
		return backend.Transient("memory."+op, err)
	case backend.KindBackpressure:
		return backend.Backpressure("memory."+op, err)
	case backend.KindConflict:
		return backend.Conflict("memory."+op, err)
	case backend.KindIntegrity:
		return backend.Integrity("memory."+op, err)
	default:
		return backend.Permanent("memory."+op, err)
	}
}

// Put stores a payload. With an idempotency key, a repeated put overwrites
// the same native key in place instead of storing a duplicate object.
func (a *Adapter) Put(ctx context.Context, documentID string, payload backend.Payload, opts backend.PutOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if kind, ok := a.nextFault("put"); ok {
		return "", faultErr("put", kind)
	}

	if opts.IdempotencyKey != "" {
		if key, seen := a.idem[documentID+"\x00"+opts.IdempotencyKey]; seen {
			if entry := a.docs[documentID]; entry != nil {
				if obj, ok := entry.objects[key]; ok {
					data := append([]byte(nil), payload.Data...)
					if a.putTransform != nil {
						data = a.putTransform(documentID, -1, data)
					}
					obj.data = data
					obj.contentType = payload.ContentType
					obj.metadata = mergeMeta(payload.Metadata, opts.Metadata)
					return key, nil
				}
			}
			// The object was deleted since; fall through and store fresh.
			delete(a.idem, documentID+"\x00"+opts.IdempotencyKey)
		}
	}

	entry := a.docs[documentID]
	if entry == nil {
		entry = &docEntry{objects: make(map[string]*object)}
		a.docs[documentID] = entry
	}

	nativeKey := a.name + "/" + documentID + "/" + fmt.Sprintf("%06d", len(entry.order))
	if opts.IdempotencyKey != "" {
		nativeKey = a.name + "/" + documentID + "/" + opts.IdempotencyKey
	}

	data := append([]byte(nil), payload.Data...)
	if a.putTransform != nil {
		data = a.putTransform(documentID, len(entry.order), data)
	}

	entry.objects[nativeKey] = &object{
		data:        data,
		contentType: payload.ContentType,
		metadata:    mergeMeta(payload.Metadata, opts.Metadata),
	}
	entry.order = append(entry.order, nativeKey)
	a.puts++

	if opts.IdempotencyKey != "" {
		a.idem[documentID+"\x00"+opts.IdempotencyKey] = nativeKey
	}

	return nativeKey, nil
}

// Get returns the document's payload. When multiple objects exist (chunked
// payloads) their bytes are concatenated in insertion order.
func (a *Adapter) Get(ctx context.Context, documentID string) (backend.Payload, error) {
	if err := ctx.Err(); err != nil {
		return backend.Payload{}, err
	}
	a.mu.Lock()
	hook := a.getHook
	a.mu.Unlock()
	if hook != nil {
		hook()
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if kind, ok := a.nextFault("get"); ok {
		return backend.Payload{}, faultErr("get", kind)
	}

	entry := a.docs[documentID]
	if entry == nil || len(entry.order) == 0 {
		return backend.Payload{}, backend.NotFound("memory.get", fmt.Errorf("document %s", documentID))
	}

	if len(entry.order) == 1 {
		obj := entry.objects[entry.order[0]]
		return backend.Payload{Data: append([]byte(nil), obj.data...), ContentType: obj.contentType, Metadata: obj.metadata}, nil
	}

	var buf bytes.Buffer
	for _, key := range entry.order {
		buf.Write(entry.objects[key].data)
	}
	return backend.Payload{Data: buf.Bytes()}, nil
}

// Delete removes one object; deleting an absent object succeeds.
func (a *Adapter) Delete(ctx context.Context, documentID, nativeKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if kind, ok := a.nextFault("delete"); ok {
		return faultErr("delete", kind)
	}

	entry := a.docs[documentID]
	if entry == nil {
		return nil
	}
	if nativeKey == "" {
		delete(a.docs, documentID)
		a.purgeIdem(documentID, "")
		return nil
	}
	if _, ok := entry.objects[nativeKey]; !ok {
		return nil
	}
	delete(entry.objects, nativeKey)
	for i, k := range entry.order {
		if k == nativeKey {
			entry.order = append(entry.order[:i], entry.order[i+1:]...)
			break
		}
	}
	if len(entry.order) == 0 {
		delete(a.docs, documentID)
	}
	a.purgeIdem(documentID, nativeKey)
	return nil
}

// purgeIdem drops idempotency mappings for deleted objects so a later put
// with the same key stores fresh data. Caller holds the lock.
func (a *Adapter) purgeIdem(documentID, nativeKey string) {
	prefix := documentID + "\x00"
	for k, v := range a.idem {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if nativeKey == "" || v == nativeKey {
			delete(a.idem, k)
		}
	}
}

// BatchPut stores several items in one call.
func (a *Adapter) BatchPut(ctx context.Context, items []backend.BatchItem) ([]string, error) {
	keys := make([]string, 0, len(items))
	for _, item := range items {
		key, err := a.Put(ctx, item.DocumentID, item.Payload, item.Opts)
		if err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// BatchGet returns the payloads of several documents in one call.
func (a *Adapter) BatchGet(ctx context.Context, documentIDs []string) ([]backend.Payload, error) {
	payloads := make([]backend.Payload, 0, len(documentIDs))
	for _, id := range documentIDs {
		p, err := a.Get(ctx, id)
		if err != nil {
			return payloads, err
		}
		payloads = append(payloads, p)
	}
	return payloads, nil
}

// BatchDelete removes several items in one call.
func (a *Adapter) BatchDelete(ctx context.Context, items []backend.BatchItem) error {
	for _, item := range items {
		if err := a.Delete(ctx, item.DocumentID, item.NativeKey); err != nil {
			return err
		}
	}
	return nil
}

// List enumerates the objects held for a document.
func (a *Adapter) List(ctx context.Context, documentID string) ([]backend.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if kind, ok := a.nextFault("list"); ok {
		return nil, faultErr("list", kind)
	}

	entry := a.docs[documentID]
	if entry == nil {
		return nil, nil
	}
	infos := make([]backend.ObjectInfo, 0, len(entry.order))
	for _, key := range entry.order {
		infos = append(infos, backend.ObjectInfo{NativeKey: key, Size: int64(len(entry.objects[key].data))})
	}
	return infos, nil
}

// StreamPut consumes the chunk channel lazily, storing one object per chunk.
func (a *Adapter) StreamPut(ctx context.Context, documentID string, chunks <-chan backend.StreamChunk, opts backend.PutOptions) ([]string, error) {
	var keys []string
	for chunk := range chunks {
		select {
		case <-ctx.Done():
			return keys, ctx.Err()
		default:
		}
		key, err := a.Put(ctx, documentID, backend.Payload{Data: chunk.Data}, backend.PutOptions{
			IdempotencyKey: fmt.Sprintf("%s:%d", documentID, chunk.Ordinal),
			Metadata:       map[string]string{"chunk_hash": chunk.Hash},
		})
		if err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Health always reports reachable unless a fault is scripted.
func (a *Adapter) Health(ctx context.Context) backend.HealthStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	if kind, ok := a.nextFault("health"); ok {
		return backend.HealthStatus{State: backend.HealthDown, LastError: string(kind)}
	}
	return backend.HealthStatus{State: backend.HealthReachable}
}

func mergeMeta(a, b map[string]string) map[string]string {
	if a == nil && b == nil {
		return nil
	}
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
