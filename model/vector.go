package model

import "fmt"

// VectorRecord is one embedding for a semantic unit of a document, usually
// one per chunk or logical section.
type VectorRecord struct {
	DocumentID string            `json:"document_id"`
	VectorID   string            `json:"vector_id"`
	Embedding  []float32         `json:"embedding"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Validate checks the record references a document and carries an embedding.
func (v VectorRecord) Validate() error {
	if v.DocumentID == "" {
		return fmt.Errorf("vector record: missing document id")
	}
	if v.VectorID == "" {
		return fmt.Errorf("vector record: missing vector id")
	}
	if len(v.Embedding) == 0 {
		return fmt.Errorf("vector record %s: empty embedding", v.VectorID)
	}
	return nil
}
