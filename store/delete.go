package store

import (
	"context"

	"polystore.evalgo.org/identity"
	"polystore.evalgo.org/saga"
)

// Step names of the coordinated delete plan. Deletion runs leaf-first so an
// interrupted delete never leaves a document record pointing at removed
// data without the record itself eventually going too.
const (
	StepVectorDelete   = "vector_delete"
	StepGraphDelete    = "graph_delete"
	StepBlobDelete     = "blob_delete"
	StepDocumentDelete = "document_delete"
	StepMetadataDelete = "metadata_delete"
)

// DeleteDocument removes a document from every backend through a saga.
// Deletions are idempotent and have no compensations: a half-finished
// delete is repaired by running the delete again, not by resurrecting
// removed records. The cache entry is always invalidated.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) (*saga.Result, error) {
	defer s.cache.Invalidate(documentID)

	var steps []saga.Step
	deleteStep := func(name string, del func(ctx context.Context) error) saga.Step {
		return saga.Step{
			Name: name,
			Forward: func(ctx context.Context) (saga.StepResult, error) {
				if err := del(ctx); err != nil {
					return saga.StepResult{}, err
				}
				return saga.StepResult{}, nil
			},
		}
	}

	if s.backends.Vector != nil {
		steps = append(steps, deleteStep(StepVectorDelete, func(ctx context.Context) error {
			return s.backends.Vector.Delete(ctx, documentID, "")
		}))
	}
	if s.backends.Graph != nil {
		steps = append(steps, deleteStep(StepGraphDelete, func(ctx context.Context) error {
			return s.backends.Graph.Delete(ctx, documentID, "")
		}))
	}
	steps = append(steps, deleteStep(StepBlobDelete, func(ctx context.Context) error {
		return s.backends.Blob.Delete(ctx, documentID, "")
	}))
	if s.backends.Document != nil {
		steps = append(steps, deleteStep(StepDocumentDelete, func(ctx context.Context) error {
			return s.backends.Document.Delete(ctx, documentID, "")
		}))
	}
	steps = append(steps, deleteStep(StepMetadataDelete, func(ctx context.Context) error {
		return s.backends.Relational.Delete(ctx, documentID, "")
	}))

	def := &saga.Definition{
		SagaID:     identity.StepKey(documentID, "delete"),
		DocumentID: documentID,
		Steps:      steps,
	}
	return s.coordinator.Execute(ctx, def)
}
