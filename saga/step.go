package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RetryPolicy bounds forward and compensation attempts for a step.
// TRANSIENT and BACKPRESSURE errors are retried with exponential backoff and
// jitter; everything else fails the step immediately.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	Jitter       float64
}

// DefaultRetryPolicy is applied to steps without an explicit policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialDelay: time.Second, Multiplier: 2.0, Jitter: 0.2}
}

func (p RetryPolicy) withDefaults(fallback RetryPolicy) RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = fallback.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = fallback.InitialDelay
	}
	if p.Multiplier <= 1 {
		p.Multiplier = fallback.Multiplier
	}
	if p.Jitter <= 0 {
		p.Jitter = fallback.Jitter
	}
	return p
}

// StepResult carries the adapter-native keys a forward action produced.
// Compensation receives it back to undo the effects; after a crash the keys
// are restored from the durable execution record.
type StepResult struct {
	NativeKeys []string

	// Artifact is an opaque step output persisted with the execution record
	// and handed back through Restore when a replay skips the step. Steps
	// whose downstream consumers need more than the native keys (e.g. a
	// streaming manifest) put it here.
	Artifact json.RawMessage
}

// Step is one unit of a saga definition: a forward action bound to one
// backend plus its compensation. Steps are homogeneous records with
// function-valued fields; the store facade builds them as closures over the
// write plan.
type Step struct {
	Name string

	// Forward performs the step's effect and returns the native keys it
	// produced. Errors carry the backend taxonomy kind.
	Forward func(ctx context.Context) (StepResult, error)

	// Compensate undoes a completed Forward. It must be idempotent and a
	// no-op for a never-executed step. Nil means nothing to undo.
	Compensate func(ctx context.Context, res StepResult) error

	// Restore rehydrates in-memory state derived from a completed Forward
	// when a replay skips the step. It receives the result reconstructed
	// from the durable record, including the persisted artifact.
	Restore func(res StepResult)

	// Retry overrides the coordinator's default policy when set.
	Retry RetryPolicy

	// Gate marks the step as an integrity gate: non-mutating verification
	// whose failure forbids every later forward step.
	Gate bool
}

// Definition is an ordered sequence of steps for one document write.
type Definition struct {
	SagaID        string
	DocumentID    string
	CorrelationID string
	Steps         []Step

	// Deadline for the whole saga. 0 falls back to the coordinator default;
	// both zero means unbounded.
	Deadline time.Duration
}

// Validate rejects malformed definitions before any step runs.
func (d *Definition) Validate() error {
	if d.SagaID == "" {
		return fmt.Errorf("saga definition: missing saga id")
	}
	if d.DocumentID == "" {
		return fmt.Errorf("saga %s: missing document id", d.SagaID)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("saga %s: no steps", d.SagaID)
	}
	seen := make(map[string]bool, len(d.Steps))
	gates := 0
	for i, step := range d.Steps {
		if step.Name == "" {
			return fmt.Errorf("saga %s: step %d has no name", d.SagaID, i)
		}
		if seen[step.Name] {
			return fmt.Errorf("saga %s: duplicate step %q", d.SagaID, step.Name)
		}
		seen[step.Name] = true
		if step.Forward == nil {
			return fmt.Errorf("saga %s: step %q has no forward action", d.SagaID, step.Name)
		}
		if step.Gate {
			gates++
		}
	}
	if gates > 1 {
		return fmt.Errorf("saga %s: more than one integrity gate", d.SagaID)
	}
	return nil
}

// CompensationError reports a partially failed compensation together with
// the native keys that still hold effects and require manual reconciliation.
type CompensationError struct {
	NativeKeys []string
	Err        error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation failed for %d native keys: %v", len(e.NativeKeys), e.Err)
}

func (e *CompensationError) Unwrap() error { return e.Err }

// partialEffects is implemented by forward errors that left effects behind
// (e.g. streaming uploads aborted mid-way). The coordinator compensates the
// failed step with those keys before unwinding earlier steps.
type partialEffects interface {
	PartialNativeKeys() []string
}
