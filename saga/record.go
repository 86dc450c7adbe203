package saga

import (
	"encoding/json"
	"time"
)

// StepStatus is the per-step state machine:
// pending -> running -> completed | failed, and from completed a
// compensation transitions to compensated or failed.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepRunning     StepStatus = "running"
	StepCompleted   StepStatus = "completed"
	StepCompensated StepStatus = "compensated"
	StepFailed      StepStatus = "failed"
)

// Status is the per-saga state machine:
// running -> completed | rolled_back | partial_failure. Terminal states are
// final.
type Status string

const (
	StatusRunning        Status = "running"
	StatusCompleted      Status = "completed"
	StatusRolledBack     Status = "rolled_back"
	StatusPartialFailure Status = "partial_failure"
)

// StepOutcome is the durable record of one step's execution.
type StepOutcome struct {
	Name       string          `json:"name"`
	Status     StepStatus      `json:"status"`
	Attempts   int             `json:"attempts"`
	NativeKeys []string        `json:"native_keys,omitempty"`
	Artifact   json.RawMessage `json:"artifact,omitempty"`
	ErrorKind  string          `json:"error_kind,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at,omitempty"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
}

// ExecutionRecord is the durable record of one coordinated write. It is
// persisted before the first forward step and after every transition, so an
// interrupted saga can be replayed skipping its completed steps.
type ExecutionRecord struct {
	SagaID        string        `json:"saga_id"`
	DocumentID    string        `json:"document_id"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Status        Status        `json:"status"`
	Steps         []StepOutcome `json:"steps"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at,omitempty"`
}

// NewExecutionRecord builds a running record with all steps pending.
func NewExecutionRecord(def *Definition) *ExecutionRecord {
	rec := &ExecutionRecord{
		SagaID:        def.SagaID,
		DocumentID:    def.DocumentID,
		CorrelationID: def.CorrelationID,
		Status:        StatusRunning,
		StartedAt:     time.Now().UTC(),
		Steps:         make([]StepOutcome, len(def.Steps)),
	}
	for i, step := range def.Steps {
		rec.Steps[i] = StepOutcome{Name: step.Name, Status: StepPending}
	}
	return rec
}

// outcome returns the outcome slot for a step name, or nil.
func (r *ExecutionRecord) outcome(name string) *StepOutcome {
	for i := range r.Steps {
		if r.Steps[i].Name == name {
			return &r.Steps[i]
		}
	}
	return nil
}

// Result is what callers of Execute receive: the terminal status, the
// ordered step outcomes, and on partial failure the native keys that still
// need manual cleanup.
type Result struct {
	SagaID     string        `json:"saga_id"`
	DocumentID string        `json:"document_id"`
	Status     Status        `json:"status"`
	Steps      []StepOutcome `json:"steps"`

	// PendingCleanups lists native keys whose compensation failed.
	PendingCleanups []string `json:"pending_cleanups,omitempty"`
}

// Completed reports whether the saga reached the completed terminal state.
func (r *Result) Completed() bool { return r.Status == StatusCompleted }
