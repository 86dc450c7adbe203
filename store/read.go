package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"polystore.evalgo.org/backend"
	"polystore.evalgo.org/model"
)

// readOutcome distinguishes a cache hit from a backend fan-out for the
// callers sharing one coalesced lookup.
type readOutcome struct {
	view   *model.MaterializedView
	cached bool
}

// ReadDocument returns the materialized view of a document. Concurrent
// callers for the same id coalesce onto one lookup: the cache is consulted
// once and, on a miss, the backends are fanned out once, so a group of
// concurrent misses records a single miss in the cache statistics.
func (s *Store) ReadDocument(ctx context.Context, documentID string) (*model.MaterializedView, error) {
	result, err, _ := s.reads.Do(documentID, func() (interface{}, error) {
		if view, ok := s.cache.Get(documentID); ok {
			return readOutcome{view: view, cached: true}, nil
		}
		view, err := s.materialize(ctx, documentID)
		if err != nil {
			return nil, err
		}
		return readOutcome{view: view}, nil
	})
	if err != nil {
		return nil, err
	}

	oc := result.(readOutcome)
	out := *oc.view
	out.Cached = oc.cached
	return &out, nil
}

// materialize assembles the view from the backends and populates the cache.
// Vector and graph records are optional; their absence is not an error.
func (s *Store) materialize(ctx context.Context, documentID string) (*model.MaterializedView, error) {
	meta, err := s.backends.Relational.Get(ctx, documentID)
	if err != nil {
		if backend.IsNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("reading document record %s: %w", documentID, err)
	}

	view := &model.MaterializedView{RetrievedAt: time.Now().UTC()}
	if err := json.Unmarshal(meta.Data, &view.Document); err != nil {
		return nil, fmt.Errorf("decoding document record %s: %w", documentID, err)
	}

	payload, err := s.backends.Blob.Get(ctx, documentID)
	switch {
	case err == nil:
		view.Payload = payload.Data
	case backend.IsNotFound(err):
		// Metadata-only documents have no payload.
	default:
		return nil, fmt.Errorf("reading payload %s: %w", documentID, err)
	}

	if s.backends.Vector != nil {
		vectors, err := s.backends.Vector.Get(ctx, documentID)
		switch {
		case err == nil:
			if err := json.Unmarshal(vectors.Data, &view.Vectors); err != nil {
				return nil, fmt.Errorf("decoding vectors %s: %w", documentID, err)
			}
		case backend.IsNotFound(err):
		default:
			return nil, fmt.Errorf("reading vectors %s: %w", documentID, err)
		}
	}

	if s.backends.Graph != nil {
		relations, err := s.backends.Graph.Get(ctx, documentID)
		switch {
		case err == nil:
			if err := json.Unmarshal(relations.Data, &view.Relations); err != nil {
				return nil, fmt.Errorf("decoding relations %s: %w", documentID, err)
			}
		case backend.IsNotFound(err):
		default:
			return nil, fmt.Errorf("reading relations %s: %w", documentID, err)
		}
	}

	s.cache.Put(documentID, view)
	return view, nil
}

// Invalidate drops a document from the read cache. It returns whether an
// entry was present.
func (s *Store) Invalidate(documentID string) bool {
	return s.cache.Invalidate(documentID)
}
