package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/waveflow/pkg/schema"
)

// --- helpers ---

func value(v any) WorkFunc {
	return func(context.Context, Context) (any, error) { return v, nil }
}

func sleeper(d time.Duration, v any) WorkFunc {
	return func(ctx context.Context, _ Context) (any, error) {
		time.Sleep(d)
		return v, nil
	}
}

// gate returns a work func that blocks until release is closed, ignoring
// its context.
func gate(release <-chan struct{}, v any) WorkFunc {
	return func(context.Context, Context) (any, error) {
		<-release
		return v, nil
	}
}

func counted(n *atomic.Int32, fn WorkFunc) WorkFunc {
	return func(ctx context.Context, c Context) (any, error) {
		n.Add(1)
		return fn(ctx, c)
	}
}

func start(t *testing.T, w *Workflow) (Context, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.Start(ctx)
}

type result struct {
	ctx Context
	err error
}

func startAsync(w *Workflow) <-chan result {
	ch := make(chan result, 1)
	go func() {
		c, err := w.Start(context.Background())
		ch <- result{c, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("workflow did not finish")
	}
	return result{}
}

func waitStatus(t *testing.T, w *Workflow, id string, status schema.StepStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		info, _ := w.GetStepInfo(id)
		return info.Status == status
	}, 2*time.Second, time.Millisecond, "step %s never reached %s", id, status)
}

func assertPartition(t *testing.T, s WorkflowState) {
	t.Helper()
	seen := make(map[string]bool, len(s.Steps))
	buckets := map[schema.StepStatus][]string{
		schema.StepStatusPending:   s.Pending,
		schema.StepStatusRunning:   s.Running,
		schema.StepStatusCompleted: s.Completed,
		schema.StepStatusFailed:    s.Failed,
		schema.StepStatusSkipped:   s.Skipped,
	}
	for status, ids := range buckets {
		for _, id := range ids {
			assert.False(t, seen[id], "step %s appears in more than one bucket", id)
			seen[id] = true
			assert.Equal(t, status, s.Steps[id].Status, "step %s bucket/status mismatch", id)
		}
	}
	assert.Len(t, seen, len(s.Steps), "buckets do not cover every step")
}

func diamond(run func(id string) WorkFunc) []Step {
	return []Step{
		{ID: "A", Run: run("A")},
		{ID: "B", Run: run("B"), DependsOn: []string{"A"}},
		{ID: "C", Run: run("C"), DependsOn: []string{"A"}},
		{ID: "D", Run: run("D"), DependsOn: []string{"B", "C"}},
	}
}

// --- construction ---

func TestNew_RejectsInvalidSteps(t *testing.T) {
	_, err := New("bad", []Step{node("a", "missing")})
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnknownDependency))

	_, err = New("bad", []Step{node("a", "b"), node("b", "a")})
	assert.True(t, schema.IsCode(err, schema.ErrCodeCircularDependency))
}

func TestNew_IdleState(t *testing.T) {
	w, err := New("idle", []Step{node("a"), node("b", "a")},
		WithInitialContext(NewContext(map[string]any{"env": "test"})))
	require.NoError(t, err)

	s := w.State()
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, w.ID(), s.ID)
	assert.Equal(t, "idle", s.Name)
	assert.Equal(t, schema.WorkflowStatusIdle, s.Status)
	assert.False(t, s.IsRunning)
	assert.Equal(t, []string{"a", "b"}, s.Pending)
	assertPartition(t, s)

	info, ok := w.GetStepInfo("b")
	require.True(t, ok)
	assert.Equal(t, schema.StepStatusPending, info.Status)
	_, ok = w.GetStepInfo("zzz")
	assert.False(t, ok)
}

// --- scenarios ---

func TestStart_Diamond(t *testing.T) {
	w, err := New("diamond", diamond(func(id string) WorkFunc { return value(id + "-done") }))
	require.NoError(t, err)

	final, err := start(t, w)
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C", "D"}, final.Keys())
	v, _ := final.Get("D")
	assert.Equal(t, "D-done", v)

	s := w.State()
	assert.True(t, s.IsCompleted)
	assert.False(t, s.IsFailed)
	assert.False(t, s.IsRunning)
	assert.Equal(t, schema.WorkflowStatusCompleted, s.Status)
	assert.ElementsMatch(t, []string{"A", "B", "C", "D"}, s.Completed)
	assert.False(t, s.EndedAt.IsZero())
	assertPartition(t, s)
}

func TestStart_InitialContextComesFirst(t *testing.T) {
	w, err := New("seeded", []Step{{ID: "step", Run: func(_ context.Context, c Context) (any, error) {
		env, _ := c.Get("env")
		return env.(string) + "!", nil
	}}}, WithInitialContext(NewContext(map[string]any{"env": "prod"})))
	require.NoError(t, err)

	final, err := start(t, w)
	require.NoError(t, err)
	assert.Equal(t, []string{"env", "step"}, final.Keys())
	v, _ := final.Get("step")
	assert.Equal(t, "prod!", v)
}

func TestStart_RetryThenSucceed(t *testing.T) {
	var calls atomic.Int32
	w, err := New("retry", []Step{{
		ID:            "flaky",
		RetryAttempts: 1,
		Run: func(context.Context, Context) (any, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("transient")
			}
			return "ok", nil
		},
	}})
	require.NoError(t, err)

	_, err = start(t, w)
	require.NoError(t, err)

	info, _ := w.GetStepInfo("flaky")
	assert.Equal(t, schema.StepStatusCompleted, info.Status)
	assert.Equal(t, 2, info.Attempts)
	assert.Nil(t, info.Error)
	assert.Equal(t, "ok", info.Result)
}

func TestStart_RetryDelayIsHonored(t *testing.T) {
	var calls atomic.Int32
	w, err := New("retry-delay", []Step{{
		ID:            "flaky",
		RetryAttempts: 2,
		RetryDelay:    20 * time.Millisecond,
		Run: func(context.Context, Context) (any, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("transient")
			}
			return "ok", nil
		},
	}})
	require.NoError(t, err)

	begin := time.Now()
	_, err = start(t, w)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(begin), 40*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}

func TestStart_AutoRetry(t *testing.T) {
	var calls atomic.Int32
	flaky := func(context.Context, Context) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}

	w, err := New("auto", []Step{{ID: "a", Run: flaky}}, WithAutoRetry())
	require.NoError(t, err)
	_, err = start(t, w)
	require.NoError(t, err)
	info, _ := w.GetStepInfo("a")
	assert.Equal(t, 2, info.Attempts)
}

func TestStart_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	cause := errors.New("always broken")
	w, err := New("exhausted", []Step{{
		ID:            "a",
		RetryAttempts: 2,
		Run: func(context.Context, Context) (any, error) {
			calls.Add(1)
			return nil, cause
		},
	}})
	require.NoError(t, err)

	_, err = start(t, w)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
	info, _ := w.GetStepInfo("a")
	assert.Equal(t, 3, info.Attempts)
	assert.Equal(t, schema.StepStatusFailed, info.Status)
}

func TestStart_ParallelWallTime(t *testing.T) {
	w, err := New("parallel", []Step{
		{ID: "slow", Run: sleeper(100*time.Millisecond, 1), Parallel: true},
		{ID: "fast", Run: sleeper(60*time.Millisecond, 2), Parallel: true},
	}, WithMaxParallelSteps(2))
	require.NoError(t, err)

	begin := time.Now()
	_, err = start(t, w)
	require.NoError(t, err)
	elapsed := time.Since(begin)

	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 150*time.Millisecond, "steps should overlap, not run back to back")
}

func TestStart_ConditionFalseSkips(t *testing.T) {
	var gated, after atomic.Int32
	w, err := New("conditional", []Step{
		{ID: "gated", Run: counted(&gated, value("x")), Condition: func(Context) bool { return false }},
		{ID: "after", Run: counted(&after, value("y")), DependsOn: []string{"gated"}},
	})
	require.NoError(t, err)

	final, err := start(t, w)
	require.NoError(t, err)

	info, _ := w.GetStepInfo("gated")
	assert.Equal(t, schema.StepStatusSkipped, info.Status)
	assert.Equal(t, int32(0), gated.Load(), "skipped work must not run")
	assert.Equal(t, int32(1), after.Load())
	_, ok := final.Get("gated")
	assert.False(t, ok)
	assert.True(t, w.State().IsCompleted)
}

func TestStart_ConditionSeesContext(t *testing.T) {
	w, err := New("conditional", []Step{
		{ID: "probe", Run: value("prod")},
		{ID: "deploy", Run: value(true), DependsOn: []string{"probe"}, Condition: func(c Context) bool {
			v, _ := c.Get("probe")
			return v == "prod"
		}},
	})
	require.NoError(t, err)

	_, err = start(t, w)
	require.NoError(t, err)
	info, _ := w.GetStepInfo("deploy")
	assert.Equal(t, schema.StepStatusCompleted, info.Status)
}

func TestStart_FailureHaltsRun(t *testing.T) {
	cause := errors.New("boom")
	var downstream atomic.Int32
	var onErr error
	w, err := New("halt", []Step{
		{ID: "a", Run: func(context.Context, Context) (any, error) { return nil, cause }, OnError: func(e error) { onErr = e }},
		{ID: "b", Run: counted(&downstream, value(1)), DependsOn: []string{"a"}},
	})
	require.NoError(t, err)

	_, err = start(t, w)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStepFailed))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, err, onErr)

	s := w.State()
	assert.Equal(t, schema.WorkflowStatusFailed, s.Status)
	assert.True(t, s.IsFailed)
	assert.False(t, s.IsRunning)
	assert.False(t, s.IsCompleted)
	assert.Equal(t, []string{"a"}, s.Failed)
	assert.Equal(t, []string{"b"}, s.Pending)
	assert.Equal(t, int32(0), downstream.Load())
	assertPartition(t, s)

	info, _ := w.GetStepInfo("a")
	assert.ErrorIs(t, info.Error, cause)
}

func TestStart_SiblingsFinishAfterHalt(t *testing.T) {
	w, err := New("siblings", []Step{
		{ID: "bad", Run: func(context.Context, Context) (any, error) { return nil, errors.New("x") }},
		{ID: "slow", Run: sleeper(40*time.Millisecond, "late"), Parallel: true},
	}, WithMaxParallelSteps(2))
	require.NoError(t, err)

	_, err = start(t, w)
	require.Error(t, err)

	waitStatus(t, w, "slow", schema.StepStatusCompleted)
	s := w.State()
	assert.Equal(t, schema.WorkflowStatusFailed, s.Status)
	v, _ := s.Context.Get("slow")
	assert.Equal(t, "late", v)
}

func TestStart_ContinueOnFailure(t *testing.T) {
	var blocked atomic.Int32
	w, err := New("continue", []Step{
		{ID: "bad", Run: func(context.Context, Context) (any, error) { return nil, errors.New("x") }},
		{ID: "blocked", Run: counted(&blocked, value(1)), DependsOn: []string{"bad"}},
		{ID: "independent", Run: value("ok")},
	}, WithContinueOnFailure(true))
	require.NoError(t, err)

	final, err := start(t, w)
	require.NoError(t, err)

	s := w.State()
	assert.True(t, s.IsFailed)
	assert.True(t, s.IsCompleted)
	assert.False(t, s.IsRunning)
	assert.Equal(t, schema.WorkflowStatusFailed, s.Status)
	assert.Equal(t, []string{"bad"}, s.Failed)
	assert.Equal(t, []string{"blocked"}, s.Pending)
	assert.Equal(t, []string{"independent"}, s.Completed)
	assert.Equal(t, int32(0), blocked.Load())
	v, _ := final.Get("independent")
	assert.Equal(t, "ok", v)
}

func TestStart_StepTimeout(t *testing.T) {
	var cancelled atomic.Bool
	w, err := New("timeout", []Step{{
		ID:      "slow",
		Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context, _ Context) (any, error) {
			select {
			case <-ctx.Done():
				cancelled.Store(true)
				return nil, ctx.Err()
			case <-time.After(time.Second):
				return "late", nil
			}
		},
	}})
	require.NoError(t, err)

	begin := time.Now()
	_, err = start(t, w)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStepTimeout))
	assert.Less(t, time.Since(begin), 500*time.Millisecond)
	assert.Eventually(t, cancelled.Load, time.Second, time.Millisecond, "step context is cancelled on timeout")
}

func TestStart_PanickingWorkIsStepFailure(t *testing.T) {
	w, err := New("panic", []Step{{ID: "p", Run: func(context.Context, Context) (any, error) {
		panic("kaboom")
	}}})
	require.NoError(t, err)

	_, err = start(t, w)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStepFailed))
	assert.Contains(t, err.Error(), "kaboom")
}

func TestStart_GlobalTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	w, err := New("global", []Step{
		{ID: "stuck", Run: gate(release, 1)},
		{ID: "next", Run: value(2), DependsOn: []string{"stuck"}},
	}, WithGlobalTimeout(30*time.Millisecond))
	require.NoError(t, err)

	_, err = start(t, w)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeWorkflowTimeout))

	s := w.State()
	assert.False(t, s.IsRunning)
	assert.True(t, s.IsFailed)
	assert.False(t, s.IsCompleted)
}

func TestStart_FinishStopsGlobalTimer(t *testing.T) {
	w, err := New("quick", []Step{node("a")}, WithGlobalTimeout(time.Hour))
	require.NoError(t, err)

	_, err = start(t, w)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.timer == nil
	}, time.Second, 5*time.Millisecond, "timer is released when the run completes")
}

func TestStart_ContextCancel(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	w, err := New("cancel", []Step{{ID: "stuck", Run: gate(release, 1)}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = w.Start(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	s := w.State()
	assert.Equal(t, schema.WorkflowStatusFailed, s.Status)
	assert.True(t, schema.IsCode(s.Error, schema.ErrCodeWorkflowStopped))
}

func TestStart_Twice(t *testing.T) {
	w, err := New("twice", []Step{node("a")})
	require.NoError(t, err)
	_, err = start(t, w)
	require.NoError(t, err)

	_, err = start(t, w)
	assert.True(t, schema.IsCode(err, schema.ErrCodeAlreadyRunning))
}

func TestCallbacks(t *testing.T) {
	var mu sync.Mutex
	var got []any
	w, err := New("callbacks", []Step{
		{ID: "a", Run: value(7), OnSuccess: func(r any) {
			mu.Lock()
			got = append(got, r)
			mu.Unlock()
		}},
	})
	require.NoError(t, err)

	_, err = start(t, w)
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{7}, got)
}

// --- invariants observed on every snapshot ---

func TestInvariants_EverySnapshot(t *testing.T) {
	const limit = 2
	steps := []Step{
		{ID: "root", Run: sleeper(5*time.Millisecond, 0)},
		{ID: "p1", Run: sleeper(10*time.Millisecond, 1), DependsOn: []string{"root"}, Parallel: true},
		{ID: "p2", Run: sleeper(10*time.Millisecond, 2), DependsOn: []string{"root"}, Parallel: true},
		{ID: "p3", Run: sleeper(10*time.Millisecond, 3), DependsOn: []string{"root"}, Parallel: true},
		{ID: "s1", Run: sleeper(5*time.Millisecond, 4), DependsOn: []string{"root"}},
		{ID: "skip", Run: value(5), DependsOn: []string{"s1"}, Condition: func(Context) bool { return false }},
		{ID: "join", Run: value(6), DependsOn: []string{"p1", "p2", "p3", "skip"}},
	}
	deps := make(map[string][]string)
	for _, s := range steps {
		deps[s.ID] = s.DependsOn
	}

	w, err := New("invariants", steps, WithMaxParallelSteps(limit))
	require.NoError(t, err)

	var mu sync.Mutex
	var snapshots []WorkflowState
	var peak int
	w.Subscribe(func(s WorkflowState) {
		mu.Lock()
		defer mu.Unlock()
		snapshots = append(snapshots, s)
		if len(s.Running) > peak {
			peak = len(s.Running)
		}
	})

	transitions := make(map[string][]schema.StepStatus)
	for _, s := range steps {
		id := s.ID
		w.OnStepChange(id, func(info StepInfo) {
			mu.Lock()
			transitions[id] = append(transitions[id], info.Status)
			mu.Unlock()
		})
	}

	_, err = start(t, w)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()

	assert.LessOrEqual(t, peak, limit)
	assert.Positive(t, peak)
	require.NotEmpty(t, snapshots)

	for _, s := range snapshots {
		assertPartition(t, s)
		running := 0
		for id, info := range s.Steps {
			if info.Status != schema.StepStatusRunning {
				continue
			}
			running++
			for _, dep := range deps[id] {
				st := s.Steps[dep].Status
				assert.True(t, st == schema.StepStatusCompleted || st == schema.StepStatusSkipped,
					"%s running while dependency %s is %s", id, dep, st)
			}
		}
		assert.LessOrEqual(t, running, limit)
	}

	for id, seq := range transitions {
		prev := schema.StepStatusPending
		for _, next := range seq {
			if next == prev {
				continue
			}
			assert.True(t, isValidStepTransition(prev, next), "%s: illegal %s -> %s", id, prev, next)
			prev = next
		}
	}
	assert.Equal(t, []schema.StepStatus{schema.StepStatusSkipped}, transitions["skip"])
	assert.Equal(t, []schema.StepStatus{schema.StepStatusRunning, schema.StepStatusCompleted}, transitions["join"])
}

func TestNonParallelStepsAdmittedFirst(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(id string) WorkFunc {
		return func(context.Context, Context) (any, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return id, nil
		}
	}
	w, err := New("ordering", []Step{
		{ID: "p1", Run: record("p1"), Parallel: true},
		{ID: "p2", Run: record("p2"), Parallel: true},
		{ID: "serial", Run: record("serial")},
	})
	require.NoError(t, err)

	_, err = start(t, w)
	require.NoError(t, err)
	assert.Equal(t, []string{"serial", "p1", "p2"}, order)
}
