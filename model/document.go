// Package model defines the shared data types that flow between the store
// facade, the saga coordinator, the streaming pipeline and the backend
// adapters. Types here carry no behavior beyond validation and derived-size
// helpers; persistence concerns live in the adapters.
package model

import (
	"time"
)

// Status is the processing status of a document.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusArchived   Status = "archived"
)

// Document is the structured metadata record for one ingested document.
// It is created by the identity package and mutated only through saga step
// outcomes. References maps one backend kind to the logical-name -> native
// key pairs that backend produced for this document.
type Document struct {
	ID          string                       `json:"id"`
	FileName    string                       `json:"file_name,omitempty"`
	ContentHash string                       `json:"content_hash,omitempty"`
	Size        int64                        `json:"size"`
	MIME        string                       `json:"mime,omitempty"`
	Status      Status                       `json:"status"`
	Attributes  map[string]string            `json:"attributes,omitempty"`
	References  map[string]map[string]string `json:"references,omitempty"`
	CreatedAt   time.Time                    `json:"created_at"`
	UpdatedAt   time.Time                    `json:"updated_at"`
}

// SetReference records a backend-native key under the given backend kind.
func (d *Document) SetReference(backend, logical, nativeKey string) {
	if d.References == nil {
		d.References = make(map[string]map[string]string)
	}
	if d.References[backend] == nil {
		d.References[backend] = make(map[string]string)
	}
	d.References[backend][logical] = nativeKey
}

// Reference returns the native key stored for a backend/logical pair.
func (d *Document) Reference(backend, logical string) (string, bool) {
	keys, ok := d.References[backend]
	if !ok {
		return "", false
	}
	k, ok := keys[logical]
	return k, ok
}
