package redisvec

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polystore.evalgo.org/backend"
	"polystore.evalgo.org/model"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewWithClient(client, nil)
}

func vectorsJSON(t *testing.T, vectors []model.VectorRecord) backend.Payload {
	t.Helper()
	data, err := json.Marshal(vectors)
	require.NoError(t, err)
	return backend.Payload{Data: data, ContentType: "application/json"}
}

func TestPutGetRoundTrip(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	payload := vectorsJSON(t, []model.VectorRecord{
		{DocumentID: "doc-1", VectorID: "v1", Embedding: []float32{0.1, 0.2, 0.3}},
		{DocumentID: "doc-1", VectorID: "v2", Embedding: []float32{0.4, 0.5}, Metadata: map[string]string{"section": "intro"}},
	})

	key, err := a.Put(ctx, "doc-1", payload, backend.PutOptions{})
	require.NoError(t, err)
	assert.Equal(t, "vecidx:doc-1", key)

	got, err := a.Get(ctx, "doc-1")
	require.NoError(t, err)

	var vectors []model.VectorRecord
	require.NoError(t, json.Unmarshal(got.Data, &vectors))
	require.Len(t, vectors, 2)

	byID := map[string]model.VectorRecord{}
	for _, v := range vectors {
		byID[v.VectorID] = v
	}
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, byID["v1"].Embedding)
	assert.Equal(t, "intro", byID["v2"].Metadata["section"])
}

func TestPutIsIdempotent(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	payload := vectorsJSON(t, []model.VectorRecord{
		{DocumentID: "doc-1", VectorID: "v1", Embedding: []float32{1}},
	})

	_, err := a.Put(ctx, "doc-1", payload, backend.PutOptions{})
	require.NoError(t, err)
	_, err = a.Put(ctx, "doc-1", payload, backend.PutOptions{})
	require.NoError(t, err)

	infos, err := a.List(ctx, "doc-1")
	require.NoError(t, err)
	assert.Len(t, infos, 1, "re-putting the same vectors must not duplicate them")
}

func TestPutRejectsMalformedPayload(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	_, err := a.Put(ctx, "doc-1", backend.Payload{Data: []byte("not json")}, backend.PutOptions{})
	require.Error(t, err)
	assert.Equal(t, backend.KindPermanent, backend.KindOf(err))

	_, err = a.Put(ctx, "doc-1", backend.Payload{Data: []byte("[]")}, backend.PutOptions{})
	require.Error(t, err, "empty vector sets are rejected")
}

func TestGetAbsentDocument(t *testing.T) {
	a := newTestAdapter(t)

	_, err := a.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, backend.IsNotFound(err))
}

func TestDeleteSingleVector(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	payload := vectorsJSON(t, []model.VectorRecord{
		{DocumentID: "doc-1", VectorID: "v1", Embedding: []float32{1}},
		{DocumentID: "doc-1", VectorID: "v2", Embedding: []float32{2}},
	})
	_, err := a.Put(ctx, "doc-1", payload, backend.PutOptions{})
	require.NoError(t, err)

	require.NoError(t, a.Delete(ctx, "doc-1", "vec:doc-1:v1"))

	infos, err := a.List(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "vec:doc-1:v2", infos[0].NativeKey)
}

func TestDeleteAllVectors(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	payload := vectorsJSON(t, []model.VectorRecord{
		{DocumentID: "doc-1", VectorID: "v1", Embedding: []float32{1}},
		{DocumentID: "doc-1", VectorID: "v2", Embedding: []float32{2}},
	})
	_, err := a.Put(ctx, "doc-1", payload, backend.PutOptions{})
	require.NoError(t, err)

	require.NoError(t, a.Delete(ctx, "doc-1", ""))

	_, err = a.Get(ctx, "doc-1")
	assert.True(t, backend.IsNotFound(err))

	// Deleting again is a no-op.
	require.NoError(t, a.Delete(ctx, "doc-1", ""))
}

func TestHealth(t *testing.T) {
	a := newTestAdapter(t)
	status := a.Health(context.Background())
	assert.Equal(t, backend.HealthReachable, status.State)
}
