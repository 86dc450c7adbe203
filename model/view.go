package model

import "time"

// MaterializedView is the read-side representation of a document assembled
// from all backends. It is what the single-record cache stores.
type MaterializedView struct {
	Document  Document       `json:"document"`
	Payload   []byte         `json:"payload,omitempty"`
	Vectors   []VectorRecord `json:"vectors,omitempty"`
	Relations []Relation     `json:"relations,omitempty"`

	// Cached is true when the view was served from the cache rather than a
	// backend fan-out.
	Cached      bool      `json:"cached"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

// EstimatedSize approximates the resident bytes of the view for the cache's
// byte budget. Struct overhead is folded into a small per-entry constant.
func (v *MaterializedView) EstimatedSize() int64 {
	size := int64(256)
	size += int64(len(v.Payload))
	for i := range v.Vectors {
		size += int64(4*len(v.Vectors[i].Embedding)) + 64
		for k, m := range v.Vectors[i].Metadata {
			size += int64(len(k) + len(m))
		}
	}
	for i := range v.Relations {
		size += 128
		for k, m := range v.Relations[i].Metadata {
			size += int64(len(k) + len(m))
		}
	}
	for k, a := range v.Document.Attributes {
		size += int64(len(k) + len(a))
	}
	return size
}
