// Package saga implements the multi-backend write coordinator. A saga is an
// ordered sequence of steps, each a forward/compensate pair bound to one
// backend adapter. The coordinator executes steps sequentially with bounded
// retry, persists an execution record around every transition, and on
// failure compensates the completed steps in reverse order, best-effort.
//
// Within one saga, the effects of step N are visible to step N+1. Across
// sagas there is no ordering guarantee; independent sagas run concurrently
// up to a configured ceiling and adapters linearize conflicting writes.
package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"polystore.evalgo.org/backend"
)

// Config wires the coordinator's collaborators and defaults.
type Config struct {
	// Retry is the default per-step policy.
	Retry RetryPolicy
	// Deadline bounds each saga end to end. 0 means unbounded unless the
	// definition sets its own.
	Deadline time.Duration
	// MaxConcurrent caps in-flight sagas; excess callers queue with
	// backpressure. 0 means unlimited.
	MaxConcurrent int

	// State persists execution records for crash replay. Nil disables
	// replay; the saga log alone does not reconstruct state.
	State *StateStore
	// EventLog receives one record per saga and step transition.
	EventLog *Log
	// FailedCleanups receives chunk/item keys whose compensation deletion
	// failed and needs out-of-band reconciliation.
	FailedCleanups *Log
	// CriticalFailures receives compensation failures of completed steps.
	CriticalFailures *Log

	// OnFinished, when set, is called with every terminal result.
	OnFinished func(*Result)

	Logger *logrus.Entry
}

// Coordinator executes saga definitions.
type Coordinator struct {
	cfg Config
	log *logrus.Entry
	sem chan struct{}

	mu       sync.Mutex
	inflight map[string]*inflightSaga
}

type inflightSaga struct {
	done   chan struct{}
	result *Result
	err    error
}

// NewCoordinator creates a coordinator. Nil logs are replaced by in-memory
// logs so call sites never nil-check.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.EventLog == nil {
		cfg.EventLog = &Log{}
	}
	if cfg.FailedCleanups == nil {
		cfg.FailedCleanups = &Log{}
	}
	if cfg.CriticalFailures == nil {
		cfg.CriticalFailures = &Log{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger()).WithField("component", "saga")
	}
	c := &Coordinator{
		cfg:      cfg,
		log:      cfg.Logger,
		inflight: make(map[string]*inflightSaga),
	}
	if cfg.MaxConcurrent > 0 {
		c.sem = make(chan struct{}, cfg.MaxConcurrent)
	}
	return c
}

// Execute runs a definition to a terminal state. A second call with a saga
// id already in flight joins it and receives the same result. The returned
// Result is always terminal; the error reports why the saga did not
// complete.
func (c *Coordinator) Execute(ctx context.Context, def *Definition) (*Result, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.inflight[def.SagaID]; ok {
		c.mu.Unlock()
		select {
		case <-existing.done:
			return existing.result, existing.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	entry := &inflightSaga{done: make(chan struct{})}
	c.inflight[def.SagaID] = entry
	c.mu.Unlock()

	result, err := c.run(ctx, def)

	entry.result = result
	entry.err = err
	c.mu.Lock()
	delete(c.inflight, def.SagaID)
	c.mu.Unlock()
	close(entry.done)

	if result != nil && c.cfg.OnFinished != nil {
		c.cfg.OnFinished(result)
	}
	return result, err
}

func (c *Coordinator) run(ctx context.Context, def *Definition) (*Result, error) {
	if c.sem != nil {
		select {
		case c.sem <- struct{}{}:
			defer func() { <-c.sem }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	deadline := def.Deadline
	if deadline == 0 {
		deadline = c.cfg.Deadline
	}
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	log := c.log.WithFields(logrus.Fields{
		"saga_id":     def.SagaID,
		"document_id": def.DocumentID,
	})

	rec, results, err := c.loadOrCreate(def)
	if err != nil {
		return nil, err
	}

	// The record hits durable storage before any forward step runs.
	if err := c.persist(rec); err != nil {
		return nil, err
	}
	c.event(rec, "", string(StatusRunning), 0, nil, nil)

	for i := range def.Steps {
		step := &def.Steps[i]
		outcome := rec.outcome(step.Name)

		if outcome.Status == StepCompleted {
			// Replay of an interrupted saga: the step already ran. Derived
			// in-memory state is rehydrated so downstream steps see the same
			// inputs they would after a fresh forward.
			res := StepResult{NativeKeys: outcome.NativeKeys, Artifact: outcome.Artifact}
			results[step.Name] = res
			if step.Restore != nil {
				step.Restore(res)
			}
			log.WithField("step", step.Name).Debug("step already completed, skipping")
			continue
		}

		outcome.Status = StepRunning
		outcome.StartedAt = time.Now().UTC()
		if err := c.persist(rec); err != nil {
			return nil, err
		}

		res, attempts, ferr := c.runForward(ctx, step)
		outcome.Attempts = attempts
		outcome.FinishedAt = time.Now().UTC()

		if ferr == nil {
			outcome.Status = StepCompleted
			outcome.NativeKeys = res.NativeKeys
			outcome.Artifact = res.Artifact
			results[step.Name] = res
			if err := c.persist(rec); err != nil {
				return nil, err
			}
			c.event(rec, step.Name, string(StepCompleted), attempts, res.NativeKeys, nil)
			continue
		}

		outcome.Status = StepFailed
		outcome.ErrorKind = string(backend.KindOf(ferr))
		outcome.Error = ferr.Error()
		if err := c.persist(rec); err != nil {
			return nil, err
		}
		c.event(rec, step.Name, string(StepFailed), attempts, nil, ferr)

		if step.Gate {
			log.WithField("step", step.Name).Warn("integrity gate failed, downstream steps skipped")
		} else {
			log.WithField("step", step.Name).WithError(ferr).Warn("step failed, rolling back")
		}

		result := c.rollback(ctx, def, rec, results, i, ferr)
		return result, fmt.Errorf("saga %s %s at step %s: %w", def.SagaID, result.Status, step.Name, ferr)
	}

	rec.Status = StatusCompleted
	rec.FinishedAt = time.Now().UTC()
	if err := c.persist(rec); err != nil {
		return nil, err
	}
	c.event(rec, "", string(StatusCompleted), 0, nil, nil)
	log.Info("saga completed")

	return c.result(rec, nil), nil
}

// loadOrCreate restores a persisted record for replay or builds a fresh one.
// Steps recorded completed keep their native keys; anything else is reset to
// pending and runs again under the same idempotency keys.
func (c *Coordinator) loadOrCreate(def *Definition) (*ExecutionRecord, map[string]StepResult, error) {
	results := make(map[string]StepResult)

	if c.cfg.State != nil {
		prev, err := c.cfg.State.Load(def.SagaID)
		if err != nil {
			return nil, nil, err
		}
		if prev != nil && prev.Status == StatusRunning {
			rec := NewExecutionRecord(def)
			for i := range rec.Steps {
				if old := prev.outcome(rec.Steps[i].Name); old != nil && old.Status == StepCompleted {
					rec.Steps[i] = *old
				}
			}
			rec.StartedAt = prev.StartedAt
			return rec, results, nil
		}
	}

	return NewExecutionRecord(def), results, nil
}

// runForward executes a step's forward action under its retry policy.
func (c *Coordinator) runForward(ctx context.Context, step *Step) (StepResult, int, error) {
	policy := step.Retry.withDefaults(c.cfg.Retry)

	var res StepResult
	attempts := 0
	err := c.retry(ctx, policy, func() error {
		attempts++
		r, err := step.Forward(ctx)
		if err != nil {
			if !backend.IsRetryable(err) || attempts >= policy.MaxAttempts {
				return backoff.Permanent(err)
			}
			return err
		}
		res = r
		return nil
	})
	return res, attempts, err
}

// rollback compensates completed steps in reverse order, best-effort. The
// failed step itself is compensated first when its error reports partial
// effects. Compensation runs detached from the saga deadline so it remains
// possible after cancellation.
func (c *Coordinator) rollback(ctx context.Context, def *Definition, rec *ExecutionRecord, results map[string]StepResult, failedIdx int, cause error) *Result {
	compCtx := context.WithoutCancel(ctx)
	var pending []string

	failed := &def.Steps[failedIdx]
	var pe partialEffects
	if failed.Compensate != nil && errors.As(cause, &pe) {
		keys := pe.PartialNativeKeys()
		if len(keys) > 0 {
			if err := c.compensate(compCtx, failed, StepResult{NativeKeys: keys}, rec); err != nil {
				pending = append(pending, compensationKeys(err, keys)...)
			}
		}
	}

	for i := failedIdx - 1; i >= 0; i-- {
		step := &def.Steps[i]
		outcome := rec.outcome(step.Name)
		if outcome.Status != StepCompleted {
			continue
		}
		if step.Compensate == nil {
			outcome.Status = StepCompensated
			continue
		}

		res := results[step.Name]
		if err := c.compensate(compCtx, step, res, rec); err != nil {
			keys := compensationKeys(err, res.NativeKeys)
			pending = append(pending, keys...)
			outcome.Status = StepFailed
			outcome.ErrorKind = string(backend.KindOf(err))
			outcome.Error = err.Error()
			c.critical(rec, step.Name, keys, err)
		} else {
			outcome.Status = StepCompensated
			c.event(rec, step.Name, string(StepCompensated), 0, res.NativeKeys, nil)
		}
	}

	if len(pending) > 0 {
		rec.Status = StatusPartialFailure
	} else {
		rec.Status = StatusRolledBack
	}
	rec.FinishedAt = time.Now().UTC()
	if err := c.persist(rec); err != nil {
		c.log.WithError(err).Error("persisting rolled-back saga record")
	}
	c.event(rec, "", string(rec.Status), 0, nil, cause)

	result := c.result(rec, pending)
	return result
}

// compensate runs one compensation under the step's retry policy.
func (c *Coordinator) compensate(ctx context.Context, step *Step, res StepResult, rec *ExecutionRecord) error {
	policy := step.Retry.withDefaults(c.cfg.Retry)
	attempts := 0
	return c.retry(ctx, policy, func() error {
		attempts++
		err := step.Compensate(ctx, res)
		if err != nil {
			if !backend.IsRetryable(err) || attempts >= policy.MaxAttempts {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	})
}

// retry drives fn with exponential backoff and jitter under ctx.
func (c *Coordinator) retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialDelay
	bo.Multiplier = policy.Multiplier
	bo.RandomizationFactor = policy.Jitter
	bo.MaxElapsedTime = 0
	return backoff.Retry(fn, backoff.WithContext(bo, ctx))
}

func (c *Coordinator) persist(rec *ExecutionRecord) error {
	if c.cfg.State == nil {
		return nil
	}
	if err := c.cfg.State.Save(rec); err != nil {
		return fmt.Errorf("persisting saga %s: %w", rec.SagaID, err)
	}
	return nil
}

func (c *Coordinator) event(rec *ExecutionRecord, step, status string, attempts int, keys []string, cause error) {
	ev := Event{
		SagaID:     rec.SagaID,
		DocumentID: rec.DocumentID,
		Step:       step,
		Status:     status,
		Attempts:   attempts,
		NativeKeys: keys,
	}
	if cause != nil {
		ev.ErrorKind = string(backend.KindOf(cause))
		ev.Error = cause.Error()
	}
	if err := c.cfg.EventLog.Append(ev); err != nil {
		c.log.WithError(err).Error("appending saga event")
	}
}

// critical records a compensation failure; these always require manual
// reconciliation and are never silently swallowed.
func (c *Coordinator) critical(rec *ExecutionRecord, step string, keys []string, cause error) {
	c.log.WithFields(logrus.Fields{
		"saga_id":     rec.SagaID,
		"document_id": rec.DocumentID,
		"step":        step,
		"native_keys": keys,
	}).WithError(cause).Error("compensation failed")

	ev := Event{
		SagaID:     rec.SagaID,
		DocumentID: rec.DocumentID,
		Step:       step,
		Status:     "compensation_failed",
		NativeKeys: keys,
		ErrorKind:  string(backend.KindOf(cause)),
		Error:      cause.Error(),
	}
	if err := c.cfg.CriticalFailures.Append(ev); err != nil {
		c.log.WithError(err).Error("appending critical failure")
	}
}

// CleanupFailed appends keys to the failed-cleanups log. The streaming
// compensation uses it for chunks whose deletion failed.
func (c *Coordinator) CleanupFailed(sagaID, documentID, step string, keys []string, cause error) {
	ev := Event{
		SagaID:     sagaID,
		DocumentID: documentID,
		Step:       step,
		Status:     "cleanup_failed",
		NativeKeys: keys,
	}
	if cause != nil {
		ev.ErrorKind = string(backend.KindOf(cause))
		ev.Error = cause.Error()
	}
	if err := c.cfg.FailedCleanups.Append(ev); err != nil {
		c.log.WithError(err).Error("appending failed cleanup")
	}
}

func (c *Coordinator) result(rec *ExecutionRecord, pending []string) *Result {
	steps := make([]StepOutcome, len(rec.Steps))
	copy(steps, rec.Steps)
	return &Result{
		SagaID:          rec.SagaID,
		DocumentID:      rec.DocumentID,
		Status:          rec.Status,
		Steps:           steps,
		PendingCleanups: pending,
	}
}

func compensationKeys(err error, fallback []string) []string {
	var ce *CompensationError
	if errors.As(err, &ce) && len(ce.NativeKeys) > 0 {
		return ce.NativeKeys
	}
	return fallback
}
