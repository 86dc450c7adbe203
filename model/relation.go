package model

import "fmt"

// Relation is a directed, typed edge between two documents. For a given
// (source, target, type) triple at most one edge exists; the graph adapter
// enforces uniqueness with a MERGE on the canonical relation id.
type Relation struct {
	SourceID   string            `json:"source_id"`
	TargetID   string            `json:"target_id"`
	Type       string            `json:"type"`
	Strength   float64           `json:"strength"`
	Confidence float64           `json:"confidence"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Validate rejects self-loops and out-of-range strength/confidence.
func (r Relation) Validate() error {
	if r.SourceID == "" || r.TargetID == "" {
		return fmt.Errorf("relation: missing endpoint")
	}
	if r.SourceID == r.TargetID {
		return fmt.Errorf("relation: self-loop on %s", r.SourceID)
	}
	if r.Type == "" {
		return fmt.Errorf("relation %s->%s: missing type", r.SourceID, r.TargetID)
	}
	if r.Strength < 0 || r.Strength > 1 {
		return fmt.Errorf("relation %s->%s: strength %f out of [0,1]", r.SourceID, r.TargetID, r.Strength)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("relation %s->%s: confidence %f out of [0,1]", r.SourceID, r.TargetID, r.Confidence)
	}
	return nil
}
