package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polystore.evalgo.org/backend"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2.0, Jitter: 0.1}
}

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	return NewCoordinator(Config{Retry: fastPolicy()})
}

func okStep(name string, keys ...string) Step {
	return Step{
		Name: name,
		Forward: func(ctx context.Context) (StepResult, error) {
			return StepResult{NativeKeys: keys}, nil
		},
		Compensate: func(ctx context.Context, res StepResult) error { return nil },
	}
}

func TestExecuteHappyPath(t *testing.T) {
	c := newTestCoordinator(t)

	var order []string
	var mu sync.Mutex
	step := func(name string) Step {
		return Step{
			Name: name,
			Forward: func(ctx context.Context) (StepResult, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return StepResult{NativeKeys: []string{name + "-key"}}, nil
			},
		}
	}

	result, err := c.Execute(context.Background(), &Definition{
		SagaID:     "saga-1",
		DocumentID: "doc-1",
		Steps:      []Step{step("a"), step("b"), step("c")},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.True(t, result.Completed())
	assert.Equal(t, []string{"a", "b", "c"}, order, "steps run sequentially in definition order")

	for _, s := range result.Steps {
		assert.Equal(t, StepCompleted, s.Status)
		assert.Equal(t, 1, s.Attempts)
		assert.Equal(t, []string{s.Name + "-key"}, s.NativeKeys)
	}
}

func TestExecuteValidation(t *testing.T) {
	c := newTestCoordinator(t)

	cases := []struct {
		name string
		def  *Definition
	}{
		{"missing saga id", &Definition{DocumentID: "d", Steps: []Step{okStep("a")}}},
		{"missing document id", &Definition{SagaID: "s", Steps: []Step{okStep("a")}}},
		{"no steps", &Definition{SagaID: "s", DocumentID: "d"}},
		{"duplicate step names", &Definition{SagaID: "s", DocumentID: "d", Steps: []Step{okStep("a"), okStep("a")}}},
		{"two gates", &Definition{SagaID: "s", DocumentID: "d", Steps: []Step{
			{Name: "g1", Gate: true, Forward: okStep("g1").Forward},
			{Name: "g2", Gate: true, Forward: okStep("g2").Forward},
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Execute(context.Background(), tc.def)
			assert.Error(t, err)
		})
	}
}

func TestExecuteRetriesTransient(t *testing.T) {
	c := newTestCoordinator(t)

	var attempts int32
	result, err := c.Execute(context.Background(), &Definition{
		SagaID:     "saga-1",
		DocumentID: "doc-1",
		Steps: []Step{{
			Name: "flaky",
			Forward: func(ctx context.Context) (StepResult, error) {
				if atomic.AddInt32(&attempts, 1) < 3 {
					return StepResult{}, backend.Transient("test", errors.New("blip"))
				}
				return StepResult{NativeKeys: []string{"k"}}, nil
			},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 3, result.Steps[0].Attempts)
}

func TestExecuteDoesNotRetryPermanent(t *testing.T) {
	c := newTestCoordinator(t)

	var attempts int32
	result, err := c.Execute(context.Background(), &Definition{
		SagaID:     "saga-1",
		DocumentID: "doc-1",
		Steps: []Step{{
			Name: "broken",
			Forward: func(ctx context.Context) (StepResult, error) {
				atomic.AddInt32(&attempts, 1)
				return StepResult{}, backend.Permanent("test", errors.New("no"))
			},
		}},
	})
	require.Error(t, err)
	assert.Equal(t, StatusRolledBack, result.Status)
	assert.Equal(t, int32(1), attempts, "PERMANENT errors must not be retried")
}

func TestExecuteRollbackReverseOrder(t *testing.T) {
	c := newTestCoordinator(t)

	var compensated []string
	var mu sync.Mutex
	comp := func(name string) func(context.Context, StepResult) error {
		return func(ctx context.Context, res StepResult) error {
			mu.Lock()
			compensated = append(compensated, name)
			mu.Unlock()
			return nil
		}
	}

	result, err := c.Execute(context.Background(), &Definition{
		SagaID:     "saga-1",
		DocumentID: "doc-1",
		Steps: []Step{
			{Name: "a", Forward: okStep("a", "ka").Forward, Compensate: comp("a")},
			{Name: "b", Forward: okStep("b", "kb").Forward, Compensate: comp("b")},
			{Name: "fail", Forward: func(ctx context.Context) (StepResult, error) {
				return StepResult{}, backend.Permanent("test", errors.New("boom"))
			}},
		},
	})
	require.Error(t, err)

	assert.Equal(t, StatusRolledBack, result.Status)
	assert.Equal(t, []string{"b", "a"}, compensated, "completed steps compensate in reverse order")

	byName := map[string]StepOutcome{}
	for _, s := range result.Steps {
		byName[s.Name] = s
	}
	assert.Equal(t, StepCompensated, byName["a"].Status)
	assert.Equal(t, StepCompensated, byName["b"].Status)
	assert.Equal(t, StepFailed, byName["fail"].Status)
	assert.Equal(t, string(backend.KindPermanent), byName["fail"].ErrorKind)
}

func TestExecuteGateFailureSkipsDownstream(t *testing.T) {
	c := newTestCoordinator(t)

	var downstreamRan bool
	result, err := c.Execute(context.Background(), &Definition{
		SagaID:     "saga-1",
		DocumentID: "doc-1",
		Steps: []Step{
			okStep("write", "k1"),
			{Name: "gate", Gate: true, Forward: func(ctx context.Context) (StepResult, error) {
				return StepResult{}, backend.Integrity("test", errors.New("size mismatch"))
			}},
			{Name: "downstream", Forward: func(ctx context.Context) (StepResult, error) {
				downstreamRan = true
				return StepResult{}, nil
			}},
		},
	})
	require.Error(t, err)

	assert.False(t, downstreamRan, "no forward step may run after a failed gate")
	assert.Equal(t, StatusRolledBack, result.Status)

	byName := map[string]StepOutcome{}
	for _, s := range result.Steps {
		byName[s.Name] = s
	}
	assert.Equal(t, StepPending, byName["downstream"].Status)
	assert.Equal(t, string(backend.KindIntegrity), byName["gate"].ErrorKind)
}

func TestExecutePartialEffectsCompensated(t *testing.T) {
	c := newTestCoordinator(t)

	var cleaned []string
	result, err := c.Execute(context.Background(), &Definition{
		SagaID:     "saga-1",
		DocumentID: "doc-1",
		Steps: []Step{{
			Name: "stream",
			Forward: func(ctx context.Context) (StepResult, error) {
				return StepResult{}, &partialErr{keys: []string{"chunk-0", "chunk-1"}}
			},
			Compensate: func(ctx context.Context, res StepResult) error {
				cleaned = append(cleaned, res.NativeKeys...)
				return nil
			},
		}},
	})
	require.Error(t, err)

	assert.Equal(t, StatusRolledBack, result.Status)
	assert.Equal(t, []string{"chunk-0", "chunk-1"}, cleaned,
		"the failed step is compensated with the keys its error reported")
}

type partialErr struct{ keys []string }

func (e *partialErr) Error() string { return "partial upload" }

func (e *partialErr) PartialNativeKeys() []string { return e.keys }

func TestExecuteCompensationFailureIsPartialFailure(t *testing.T) {
	critical := &Log{}
	c := NewCoordinator(Config{Retry: fastPolicy(), CriticalFailures: critical})

	result, err := c.Execute(context.Background(), &Definition{
		SagaID:     "saga-1",
		DocumentID: "doc-1",
		Steps: []Step{
			{
				Name:    "a",
				Forward: okStep("a", "ka").Forward,
				Compensate: func(ctx context.Context, res StepResult) error {
					return backend.Permanent("test", errors.New("cannot undo"))
				},
			},
			{Name: "fail", Forward: func(ctx context.Context) (StepResult, error) {
				return StepResult{}, backend.Permanent("test", errors.New("boom"))
			}},
		},
	})
	require.Error(t, err)

	assert.Equal(t, StatusPartialFailure, result.Status)
	assert.Equal(t, []string{"ka"}, result.PendingCleanups)

	events := critical.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "compensation_failed", events[0].Status)
	assert.Equal(t, "a", events[0].Step)
	assert.Equal(t, []string{"ka"}, events[0].NativeKeys)
}

func TestExecuteJoinsInflightSaga(t *testing.T) {
	c := newTestCoordinator(t)

	release := make(chan struct{})
	var forwards int32
	def := func() *Definition {
		return &Definition{
			SagaID:     "saga-join",
			DocumentID: "doc-1",
			Steps: []Step{{
				Name: "slow",
				Forward: func(ctx context.Context) (StepResult, error) {
					atomic.AddInt32(&forwards, 1)
					<-release
					return StepResult{NativeKeys: []string{"k"}}, nil
				},
			}},
		}
	}

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := c.Execute(context.Background(), def())
			require.NoError(t, err)
			results[i] = r
		}(i)
	}

	// Let both callers arrive before releasing the step.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), forwards, "a joined saga runs its steps once")
	assert.Equal(t, results[0].Status, results[1].Status)
	assert.Equal(t, StatusCompleted, results[0].Status)
}

func TestExecuteConcurrencyLimit(t *testing.T) {
	c := NewCoordinator(Config{Retry: fastPolicy(), MaxConcurrent: 1})

	release := make(chan struct{})
	var running, maxRunning int32
	step := Step{
		Name: "work",
		Forward: func(ctx context.Context) (StepResult, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				m := atomic.LoadInt32(&maxRunning)
				if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&running, -1)
			return StepResult{}, nil
		},
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Execute(context.Background(), &Definition{
				SagaID:     fmt.Sprintf("saga-%d", i),
				DocumentID: "doc-1",
				Steps:      []Step{step},
			})
			require.NoError(t, err)
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), maxRunning, "MaxConcurrent=1 serializes sagas")
}

func TestExecuteDeadline(t *testing.T) {
	c := NewCoordinator(Config{Retry: fastPolicy(), Deadline: 20 * time.Millisecond})

	result, err := c.Execute(context.Background(), &Definition{
		SagaID:     "saga-1",
		DocumentID: "doc-1",
		Steps: []Step{{
			Name: "slow",
			Forward: func(ctx context.Context) (StepResult, error) {
				select {
				case <-ctx.Done():
					return StepResult{}, ctx.Err()
				case <-time.After(time.Second):
					return StepResult{}, nil
				}
			},
		}},
	})
	require.Error(t, err)
	assert.Equal(t, StatusRolledBack, result.Status)
	assert.Equal(t, string(backend.KindDeadline), result.Steps[0].ErrorKind)
}

func TestExecuteReplaySkipsCompletedSteps(t *testing.T) {
	state, err := OpenState(filepath.Join(t.TempDir(), "saga.db"))
	require.NoError(t, err)
	defer state.Close()

	c := NewCoordinator(Config{Retry: fastPolicy(), State: state})

	// First run: step a completes, step b crashes the process (simulated by
	// a permanent failure after persisting, then reconstructing the record
	// as if rollback had not happened).
	var aRuns, bRuns int32
	def := &Definition{
		SagaID:     "saga-replay",
		DocumentID: "doc-1",
		Steps: []Step{
			{Name: "a", Forward: func(ctx context.Context) (StepResult, error) {
				atomic.AddInt32(&aRuns, 1)
				return StepResult{NativeKeys: []string{"ka"}}, nil
			}},
			{Name: "b", Forward: func(ctx context.Context) (StepResult, error) {
				atomic.AddInt32(&bRuns, 1)
				return StepResult{NativeKeys: []string{"kb"}}, nil
			}},
		},
	}

	// Seed the state store with a crashed execution: a completed, b pending,
	// saga still running.
	rec := NewExecutionRecord(def)
	rec.Steps[0].Status = StepCompleted
	rec.Steps[0].NativeKeys = []string{"ka"}
	require.NoError(t, state.Save(rec))

	result, err := c.Execute(context.Background(), def)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, int32(0), aRuns, "replay must skip the completed step")
	assert.Equal(t, int32(1), bRuns)
	assert.Equal(t, []string{"ka"}, result.Steps[0].NativeKeys, "native keys restored from the durable record")
}

func TestExecuteReplayRestoresArtifacts(t *testing.T) {
	state, err := OpenState(filepath.Join(t.TempDir(), "saga.db"))
	require.NoError(t, err)
	defer state.Close()

	c := NewCoordinator(Config{Retry: fastPolicy(), State: state})

	var restored StepResult
	def := &Definition{
		SagaID:     "saga-artifact",
		DocumentID: "doc-1",
		Steps: []Step{
			{
				Name: "upload",
				Forward: func(ctx context.Context) (StepResult, error) {
					t.Fatal("completed step must not run again")
					return StepResult{}, nil
				},
				Restore: func(res StepResult) { restored = res },
			},
			okStep("verify"),
		},
	}

	// A crashed execution: the upload completed and persisted its artifact
	// before the process died.
	rec := NewExecutionRecord(def)
	rec.Steps[0].Status = StepCompleted
	rec.Steps[0].NativeKeys = []string{"k0", "k1"}
	rec.Steps[0].Artifact = json.RawMessage(`{"chunk_count":2,"total_size":32}`)
	require.NoError(t, state.Save(rec))

	result, err := c.Execute(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)

	assert.Equal(t, []string{"k0", "k1"}, restored.NativeKeys)
	assert.JSONEq(t, `{"chunk_count":2,"total_size":32}`, string(restored.Artifact))
	assert.JSONEq(t, `{"chunk_count":2,"total_size":32}`, string(result.Steps[0].Artifact),
		"the artifact stays on the terminal record")
}

func TestExecutePersistsStepArtifacts(t *testing.T) {
	state, err := OpenState(filepath.Join(t.TempDir(), "saga.db"))
	require.NoError(t, err)
	defer state.Close()

	c := NewCoordinator(Config{Retry: fastPolicy(), State: state})

	_, err = c.Execute(context.Background(), &Definition{
		SagaID:     "saga-artifact",
		DocumentID: "doc-1",
		Steps: []Step{{
			Name: "upload",
			Forward: func(ctx context.Context) (StepResult, error) {
				return StepResult{
					NativeKeys: []string{"k0"},
					Artifact:   json.RawMessage(`{"chunk_count":1}`),
				}, nil
			},
		}},
	})
	require.NoError(t, err)

	loaded, err := state.Load("saga-artifact")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.JSONEq(t, `{"chunk_count":1}`, string(loaded.Steps[0].Artifact))
}

func TestExecuteEventLog(t *testing.T) {
	events := &Log{}
	c := NewCoordinator(Config{Retry: fastPolicy(), EventLog: events})

	_, err := c.Execute(context.Background(), &Definition{
		SagaID:     "saga-1",
		DocumentID: "doc-1",
		Steps:      []Step{okStep("a", "ka")},
	})
	require.NoError(t, err)

	logged := events.Events()
	require.NotEmpty(t, logged)

	assert.Equal(t, string(StatusRunning), logged[0].Status)
	last := logged[len(logged)-1]
	assert.Equal(t, string(StatusCompleted), last.Status)
	for _, ev := range logged {
		assert.Equal(t, "saga-1", ev.SagaID)
		assert.Equal(t, "doc-1", ev.DocumentID)
		assert.False(t, ev.Time.IsZero())
	}
}

func TestExecuteOnFinished(t *testing.T) {
	var finished []*Result
	c := NewCoordinator(Config{
		Retry:      fastPolicy(),
		OnFinished: func(r *Result) { finished = append(finished, r) },
	})

	_, err := c.Execute(context.Background(), &Definition{
		SagaID:     "saga-1",
		DocumentID: "doc-1",
		Steps:      []Step{okStep("a")},
	})
	require.NoError(t, err)
	require.Len(t, finished, 1)
	assert.Equal(t, StatusCompleted, finished[0].Status)
}
