package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"polystore.evalgo.org/backend"
	"polystore.evalgo.org/identity"
	"polystore.evalgo.org/model"
	"polystore.evalgo.org/saga"
	"polystore.evalgo.org/streaming"
)

// Step names of the coordinated write plan, in execution order.
const (
	StepMetadataWrite = "metadata_write"
	StepDocumentWrite = "document_write"
	StepPayloadStream = "payload_stream"
	StepIntegrityGate = "integrity_gate"
	StepVectorWrite   = "vector_write"
	StepGraphWrite    = "graph_write"
)

// WriteRequest describes one coordinated document write. Payload is
// streamed, never buffered whole; DeclaredSize < 0 skips the size check.
type WriteRequest struct {
	// DocumentID reuses an existing id; empty generates a fresh one.
	DocumentID string
	// SagaID joins or replays an existing saga; empty generates a fresh one.
	SagaID        string
	CorrelationID string

	FileName     string
	MIME         string
	Payload      io.Reader
	DeclaredSize int64
	Attributes   map[string]string

	Vectors   []model.VectorRecord
	Relations []model.Relation
}

// WriteResult is the outcome of a coordinated write.
type WriteResult struct {
	Document model.Document
	Manifest *streaming.Manifest
	Saga     *saga.Result
}

// writePlan carries the mutable state the step closures share. Steps run
// sequentially, so no locking is needed.
type writePlan struct {
	doc      model.Document
	manifest *streaming.Manifest
}

// WriteDocument runs the full write saga: metadata, document body, streamed
// payload, integrity gate, vectors, relations. On success the document
// record carries the native keys of every backend and the cache entry for
// the document is invalidated. On failure completed steps are compensated,
// the cache keeps its last known-good entry, and the returned saga result
// names any keys needing manual cleanup.
//
// Reusing the id of a completed document is rejected with CONFLICT; updates
// go through delete then write. The id of an interrupted write may be
// reused to repair it.
func (s *Store) WriteDocument(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	if req.Payload == nil {
		return nil, fmt.Errorf("write: missing payload reader")
	}
	for _, v := range req.Vectors {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("write: %w", err)
		}
	}
	for _, r := range req.Relations {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("write: %w", err)
		}
	}
	if req.DocumentID != "" {
		if err := s.checkOverwrite(ctx, req.DocumentID); err != nil {
			return nil, err
		}
	}

	docID := req.DocumentID
	if docID == "" {
		docID = identity.NewDocumentID()
	}
	sagaID := req.SagaID
	if sagaID == "" {
		sagaID = identity.NewDocumentID()
	}

	now := time.Now().UTC()
	plan := &writePlan{
		doc: model.Document{
			ID:         docID,
			FileName:   req.FileName,
			MIME:       req.MIME,
			Size:       req.DeclaredSize,
			Status:     model.StatusProcessing,
			Attributes: req.Attributes,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
	}

	def := &saga.Definition{
		SagaID:        sagaID,
		DocumentID:    docID,
		CorrelationID: req.CorrelationID,
		Steps:         s.buildWriteSteps(plan, req, sagaID),
	}

	result, err := s.coordinator.Execute(ctx, def)
	if result == nil {
		return nil, err
	}
	if !result.Completed() {
		// The cache is left alone: a rolled-back saga restored the pre-saga
		// state, so any cached entry still reflects the last known-good view.
		return &WriteResult{Document: plan.doc, Manifest: plan.manifest, Saga: result}, err
	}

	// Record the per-backend native keys on the document and persist the
	// final record. This write sits outside the saga: the data is already
	// durable everywhere, the reference map is derived bookkeeping.
	s.recordReferences(plan, result)
	plan.doc.Status = model.StatusCompleted
	plan.doc.UpdatedAt = time.Now().UTC()
	if plan.manifest != nil {
		plan.doc.ContentHash = plan.manifest.AggregateHash
		plan.doc.Size = plan.manifest.TotalSize
	}
	if err := s.putMetadata(ctx, &plan.doc); err != nil {
		s.log.WithField("document_id", docID).WithError(err).Warn("updating final document record")
	}

	s.cache.Invalidate(docID)
	s.log.WithFields(logrus.Fields{
		"document_id": docID,
		"saga_id":     sagaID,
	}).Info("document written")

	return &WriteResult{Document: plan.doc, Manifest: plan.manifest, Saga: result}, nil
}

// checkOverwrite rejects a write reusing the id of a completed document.
// Compensations delete by document id and cannot resurrect prior data, so
// overwriting known-good records is refused up front; interrupted writes
// (records still in processing or failed state) may be repaired in place.
func (s *Store) checkOverwrite(ctx context.Context, documentID string) error {
	prior, err := s.backends.Relational.Get(ctx, documentID)
	switch {
	case backend.IsNotFound(err):
		return nil
	case err != nil:
		return fmt.Errorf("checking existing document %s: %w", documentID, err)
	}

	var existing model.Document
	if jerr := json.Unmarshal(prior.Data, &existing); jerr == nil && existing.Status == model.StatusCompleted {
		return backend.Conflict("store.write",
			fmt.Errorf("document %s already exists; delete it before writing it again", documentID))
	}
	return nil
}

// buildWriteSteps assembles the saga definition as closures over the plan.
// Optional steps are skipped when their adapter or input is absent.
func (s *Store) buildWriteSteps(plan *writePlan, req WriteRequest, sagaID string) []saga.Step {
	docID := plan.doc.ID

	steps := []saga.Step{{
		Name: StepMetadataWrite,
		Forward: func(ctx context.Context) (saga.StepResult, error) {
			key, err := s.putMetadataRecord(ctx, s.backends.Relational, &plan.doc)
			if err != nil {
				return saga.StepResult{}, err
			}
			return saga.StepResult{NativeKeys: []string{key}}, nil
		},
		Compensate: func(ctx context.Context, res saga.StepResult) error {
			return s.backends.Relational.Delete(ctx, docID, "")
		},
	}}

	if s.backends.Document != nil {
		steps = append(steps, saga.Step{
			Name: StepDocumentWrite,
			Forward: func(ctx context.Context) (saga.StepResult, error) {
				key, err := s.putMetadataRecord(ctx, s.backends.Document, &plan.doc)
				if err != nil {
					return saga.StepResult{}, err
				}
				return saga.StepResult{NativeKeys: []string{key}}, nil
			},
			Compensate: func(ctx context.Context, res saga.StepResult) error {
				return s.backends.Document.Delete(ctx, docID, "")
			},
		})
	}

	steps = append(steps, saga.Step{
		Name: StepPayloadStream,
		Forward: func(ctx context.Context) (saga.StepResult, error) {
			manifest, err := s.pipeline.Upload(ctx, docID, req.Payload, req.DeclaredSize)
			if err != nil {
				return saga.StepResult{}, err
			}
			plan.manifest = manifest
			artifact, err := json.Marshal(manifest)
			if err != nil {
				return saga.StepResult{}, backend.Permanent("store.payload_stream", err)
			}
			return saga.StepResult{NativeKeys: manifest.ChunkKeys, Artifact: artifact}, nil
		},
		// A replay that skips the completed upload still needs the manifest
		// for the integrity gate and the final document record.
		Restore: func(res saga.StepResult) {
			var m streaming.Manifest
			if len(res.Artifact) > 0 && json.Unmarshal(res.Artifact, &m) == nil {
				plan.manifest = &m
			}
		},
		Compensate: func(ctx context.Context, res saga.StepResult) error {
			failed := s.pipeline.Cleanup(ctx, docID, res.NativeKeys)
			if len(failed) > 0 {
				err := fmt.Errorf("deleting %d of %d chunks failed", len(failed), len(res.NativeKeys))
				s.coordinator.CleanupFailed(sagaID, docID, StepPayloadStream, failed, err)
				return &saga.CompensationError{NativeKeys: failed, Err: err}
			}
			return nil
		},
	})

	steps = append(steps, saga.Step{
		Name: StepIntegrityGate,
		Gate: true,
		Forward: func(ctx context.Context) (saga.StepResult, error) {
			if err := s.verifyStored(ctx, plan.manifest); err != nil {
				return saga.StepResult{}, err
			}
			return saga.StepResult{}, nil
		},
	})

	if s.backends.Vector != nil && len(req.Vectors) > 0 {
		steps = append(steps, saga.Step{
			Name: StepVectorWrite,
			Forward: func(ctx context.Context) (saga.StepResult, error) {
				data, err := json.Marshal(req.Vectors)
				if err != nil {
					return saga.StepResult{}, backend.Permanent("store.vector_write", err)
				}
				key, err := s.backends.Vector.Put(ctx, docID, backend.Payload{
					Data:        data,
					ContentType: "application/json",
				}, backend.PutOptions{IdempotencyKey: identity.StepKey(docID, StepVectorWrite)})
				if err != nil {
					return saga.StepResult{}, err
				}
				return saga.StepResult{NativeKeys: []string{key}}, nil
			},
			Compensate: func(ctx context.Context, res saga.StepResult) error {
				return s.backends.Vector.Delete(ctx, docID, "")
			},
		})
	}

	if s.backends.Graph != nil && len(req.Relations) > 0 {
		steps = append(steps, saga.Step{
			Name: StepGraphWrite,
			Forward: func(ctx context.Context) (saga.StepResult, error) {
				data, err := json.Marshal(req.Relations)
				if err != nil {
					return saga.StepResult{}, backend.Permanent("store.graph_write", err)
				}
				key, err := s.backends.Graph.Put(ctx, docID, backend.Payload{
					Data:        data,
					ContentType: "application/json",
				}, backend.PutOptions{IdempotencyKey: identity.StepKey(docID, StepGraphWrite)})
				if err != nil {
					return saga.StepResult{}, err
				}
				return saga.StepResult{NativeKeys: []string{key}}, nil
			},
			Compensate: func(ctx context.Context, res saga.StepResult) error {
				return s.backends.Graph.Delete(ctx, docID, "")
			},
		})
	}

	return steps
}

// verifyStored is the integrity gate: it compares the blob adapter's own
// listing against the manifest before any downstream backend writes. A
// truncated or missing chunk fails the gate with an INTEGRITY error, which
// is never retried.
func (s *Store) verifyStored(ctx context.Context, m *streaming.Manifest) error {
	if m == nil {
		return backend.Integrity("store.integrity_gate", errors.New("no manifest from payload stream"))
	}
	lister, ok := s.backends.Blob.(backend.Lister)
	if !ok {
		// Without a listing capability the stream-side checks are all we
		// have; the gate passes on count alone.
		return nil
	}

	infos, err := lister.List(ctx, m.DocumentID)
	if err != nil {
		return fmt.Errorf("listing stored chunks: %w", err)
	}

	if len(infos) != m.ChunkCount {
		return backend.Integrity("store.integrity_gate", &streaming.IntegrityError{
			DocumentID: m.DocumentID,
			Check:      streaming.CheckCount,
			Want:       fmt.Sprintf("%d chunks", m.ChunkCount),
			Got:        fmt.Sprintf("%d chunks", len(infos)),
		})
	}

	var storedSize int64
	for _, info := range infos {
		storedSize += info.Size
	}
	if storedSize != m.TotalSize {
		return backend.Integrity("store.integrity_gate", &streaming.IntegrityError{
			DocumentID: m.DocumentID,
			Check:      streaming.CheckSize,
			Want:       fmt.Sprintf("%d bytes", m.TotalSize),
			Got:        fmt.Sprintf("%d bytes", storedSize),
		})
	}
	return nil
}

// recordReferences copies the native keys of each completed step into the
// document's reference map.
func (s *Store) recordReferences(plan *writePlan, result *saga.Result) {
	backendFor := map[string]string{
		StepMetadataWrite: "relational",
		StepDocumentWrite: "document",
		StepPayloadStream: "blob",
		StepVectorWrite:   "vector",
		StepGraphWrite:    "graph",
	}
	for _, step := range result.Steps {
		kind, ok := backendFor[step.Name]
		if !ok || step.Status != saga.StepCompleted {
			continue
		}
		if step.Name == StepPayloadStream {
			for _, key := range step.NativeKeys {
				plan.doc.SetReference(kind, identity.ChunkID(plan.doc.ID, identity.ChunkOrdinal(key)), key)
			}
			continue
		}
		for _, key := range step.NativeKeys {
			plan.doc.SetReference(kind, step.Name, key)
		}
	}
}

// putMetadata writes the current document record to the metadata backends
// outside a saga.
func (s *Store) putMetadata(ctx context.Context, doc *model.Document) error {
	if _, err := s.putMetadataRecord(ctx, s.backends.Relational, doc); err != nil {
		return err
	}
	if s.backends.Document != nil {
		if _, err := s.putMetadataRecord(ctx, s.backends.Document, doc); err != nil {
			return err
		}
	}
	return nil
}

// putMetadataRecord serializes the document and puts it to one adapter.
func (s *Store) putMetadataRecord(ctx context.Context, a backend.Adapter, doc *model.Document) (string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", backend.Permanent("store.metadata", err)
	}
	return a.Put(ctx, doc.ID, backend.Payload{
		Data:        data,
		ContentType: "application/json",
	}, backend.PutOptions{IdempotencyKey: identity.StepKey(doc.ID, StepMetadataWrite)})
}
