// Package redisvec implements the vector adapter on Redis. Each embedding
// lives in a hash at vec:{documentID}:{vectorID}; a per-document index set
// at vecidx:{documentID} makes enumeration and bulk deletion cheap.
package redisvec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"polystore.evalgo.org/backend"
)

// Config configures the adapter.
type Config struct {
	// Address is host:port of the Redis server.
	Address string

	Password string
	DB       int

	Logger *logrus.Entry
}

// Adapter stores vector records in Redis.
type Adapter struct {
	client *redis.Client
	log    *logrus.Entry
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Adapter, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger()).WithField("backend", "redis")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Adapter{client: client, log: cfg.Logger}, nil
}

// NewWithClient wraps an existing client. Tests use it with miniredis.
func NewWithClient(client *redis.Client, logger *logrus.Entry) *Adapter {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger()).WithField("backend", "redis")
	}
	return &Adapter{client: client, log: logger}
}

type storedVector struct {
	VectorID  string            `json:"vector_id"`
	Embedding []float32         `json:"embedding"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func vectorKey(documentID, vectorID string) string {
	return "vec:" + documentID + ":" + vectorID
}

func indexKey(documentID string) string {
	return "vecidx:" + documentID
}

// Name identifies the backend kind.
func (a *Adapter) Name() string { return "vector" }

// Put decodes the payload as a JSON array of vector records and writes each
// into its hash, registering the ids in the document's index set. Keys are
// deterministic, so repeated puts overwrite in place.
func (a *Adapter) Put(ctx context.Context, documentID string, payload backend.Payload, opts backend.PutOptions) (string, error) {
	var vectors []storedVector
	if err := json.Unmarshal(payload.Data, &vectors); err != nil {
		return "", backend.Permanent("vector.put", fmt.Errorf("decoding vectors: %w", err))
	}
	if len(vectors) == 0 {
		return "", backend.Permanent("vector.put", fmt.Errorf("no vectors for document %s", documentID))
	}

	pipe := a.client.TxPipeline()
	for _, v := range vectors {
		if v.VectorID == "" || len(v.Embedding) == 0 {
			return "", backend.Permanent("vector.put", fmt.Errorf("malformed vector record for document %s", documentID))
		}
		emb, err := json.Marshal(v.Embedding)
		if err != nil {
			return "", backend.Permanent("vector.put", err)
		}
		meta, err := json.Marshal(v.Metadata)
		if err != nil {
			return "", backend.Permanent("vector.put", err)
		}
		key := vectorKey(documentID, v.VectorID)
		pipe.HSet(ctx, key, "vector_id", v.VectorID, "embedding", emb, "metadata", meta)
		pipe.SAdd(ctx, indexKey(documentID), v.VectorID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", classify("vector.put", err)
	}
	return indexKey(documentID), nil
}

// Get returns all vector records of a document as a JSON array.
func (a *Adapter) Get(ctx context.Context, documentID string) (backend.Payload, error) {
	ids, err := a.client.SMembers(ctx, indexKey(documentID)).Result()
	if err != nil {
		return backend.Payload{}, classify("vector.get", err)
	}
	if len(ids) == 0 {
		return backend.Payload{}, backend.NotFound("vector.get", fmt.Errorf("no vectors for document %s", documentID))
	}

	vectors := make([]storedVector, 0, len(ids))
	for _, id := range ids {
		fields, err := a.client.HGetAll(ctx, vectorKey(documentID, id)).Result()
		if err != nil {
			return backend.Payload{}, classify("vector.get", err)
		}
		if len(fields) == 0 {
			continue
		}
		v := storedVector{VectorID: fields["vector_id"]}
		if err := json.Unmarshal([]byte(fields["embedding"]), &v.Embedding); err != nil {
			return backend.Payload{}, backend.Permanent("vector.get", fmt.Errorf("decoding embedding %s: %w", id, err))
		}
		if m := fields["metadata"]; m != "" && m != "null" {
			_ = json.Unmarshal([]byte(m), &v.Metadata)
		}
		vectors = append(vectors, v)
	}

	data, err := json.Marshal(vectors)
	if err != nil {
		return backend.Payload{}, backend.Permanent("vector.get", err)
	}
	return backend.Payload{Data: data, ContentType: "application/json"}, nil
}

// Delete removes one vector by native key (vec:{doc}:{id}), or with an
// empty or index key removes every vector of the document. Absent keys
// succeed.
func (a *Adapter) Delete(ctx context.Context, documentID, nativeKey string) error {
	if nativeKey != "" && nativeKey != indexKey(documentID) {
		vectorID := strings.TrimPrefix(nativeKey, "vec:"+documentID+":")
		pipe := a.client.TxPipeline()
		pipe.Del(ctx, nativeKey)
		pipe.SRem(ctx, indexKey(documentID), vectorID)
		if _, err := pipe.Exec(ctx); err != nil {
			return classify("vector.delete", err)
		}
		return nil
	}

	ids, err := a.client.SMembers(ctx, indexKey(documentID)).Result()
	if err != nil {
		return classify("vector.delete", err)
	}
	pipe := a.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, vectorKey(documentID, id))
	}
	pipe.Del(ctx, indexKey(documentID))
	if _, err := pipe.Exec(ctx); err != nil {
		return classify("vector.delete", err)
	}
	return nil
}

// List enumerates the stored vector hashes for a document.
func (a *Adapter) List(ctx context.Context, documentID string) ([]backend.ObjectInfo, error) {
	ids, err := a.client.SMembers(ctx, indexKey(documentID)).Result()
	if err != nil {
		return nil, classify("vector.list", err)
	}
	infos := make([]backend.ObjectInfo, 0, len(ids))
	for _, id := range ids {
		key := vectorKey(documentID, id)
		size, err := a.client.HLen(ctx, key).Result()
		if err != nil {
			return nil, classify("vector.list", err)
		}
		infos = append(infos, backend.ObjectInfo{NativeKey: key, Size: size})
	}
	return infos, nil
}

// Health pings the server.
func (a *Adapter) Health(ctx context.Context) backend.HealthStatus {
	if err := a.client.Ping(ctx).Err(); err != nil {
		return backend.HealthStatus{State: backend.HealthDown, LastError: err.Error()}
	}
	return backend.HealthStatus{State: backend.HealthReachable}
}

// Close closes the client.
func (a *Adapter) Close() error {
	return a.client.Close()
}

// classify maps go-redis errors onto the backend taxonomy. Redis failures
// are overwhelmingly connectivity problems, so the default is transient.
func classify(op string, err error) error {
	if errors.Is(err, redis.Nil) {
		return backend.NotFound(op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &backend.Error{Kind: backend.KindDeadline, Op: op, Err: err}
	}
	if strings.Contains(err.Error(), "OOM") || strings.Contains(err.Error(), "LOADING") {
		return backend.Backpressure(op, err)
	}
	return backend.Transient(op, err)
}
