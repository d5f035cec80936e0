package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/waveflow/internal/logging"
	"github.com/rendis/waveflow/internal/reactive"
	"github.com/rendis/waveflow/internal/streaming"
	"github.com/rendis/waveflow/pkg/schema"
)

// Workflow is a single run of a validated step set. It is safe for
// concurrent use.
type Workflow struct {
	name   string
	steps  []Step
	index  map[string]int
	graph  *Graph
	opts   Options
	logger *slog.Logger
	pool   *WorkerPool
	cell   *reactive.Cell[WorkflowState]
	key    string

	mu          sync.Mutex
	base        context.Context
	loopActive  bool
	pendingKick bool
	genCtx      context.Context
	cancelGen   context.CancelFunc
	timer       *time.Timer
}

// New validates steps and returns an idle workflow. Validation failures are
// returned as *schema.FlowError with code DUPLICATE_STEP, VALIDATION_ERROR,
// UNKNOWN_DEPENDENCY or CIRCULAR_DEPENDENCY.
func New(name string, steps []Step, opts ...Option) (*Workflow, error) {
	g, err := buildGraph(steps)
	if err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	w := &Workflow{
		name:   name,
		steps:  append([]Step(nil), steps...),
		index:  make(map[string]int, len(steps)),
		graph:  g,
		opts:   o,
		logger: o.Logger,
		pool:   NewWorkerPool(o.MaxParallelSteps),
	}
	for i := range w.steps {
		w.index[w.steps[i].ID] = i
	}

	initial := WorkflowState{
		ID:      uuid.New().String(),
		Name:    name,
		Status:  schema.WorkflowStatusIdle,
		Context: o.InitialContext,
		Steps:   make(map[string]StepInfo, len(steps)),
	}
	for i := range w.steps {
		initial.putStep(StepInfo{
			ID:     w.steps[i].ID,
			Name:   w.steps[i].displayName(),
			Status: schema.StepStatusPending,
		})
	}
	w.cell = reactive.NewCell(initial)

	w.base = logging.WithWorkflowID(context.Background(), initial.ID)
	w.genCtx, w.cancelGen = context.WithCancel(w.base)

	if o.Sink != nil {
		key := o.StorageKey
		if key == "" {
			key = initial.ID
		}
		w.key = key
		w.cell.Subscribe(func(s WorkflowState) {
			if err := o.Sink.SaveState(w.base, key, s); err != nil {
				w.logger.WarnContext(w.base, "persist workflow state", "key", key, "error", err)
			}
		})
	}

	return w, nil
}

// ID returns the generated workflow ID.
func (w *Workflow) ID() string {
	return w.cell.Read().ID
}

// StorageKey returns the key snapshots are saved under, or "" when the run
// is not persisted.
func (w *Workflow) StorageKey() string {
	return w.key
}

// Name returns the workflow name.
func (w *Workflow) Name() string {
	return w.name
}

// Graph returns the validated dependency graph.
func (w *Workflow) Graph() *Graph {
	return w.graph
}

// State returns the current snapshot.
func (w *Workflow) State() WorkflowState {
	return w.cell.Read()
}

// Subscribe calls fn with every new snapshot, in write order.
func (w *Workflow) Subscribe(fn func(WorkflowState)) func() {
	return w.cell.Subscribe(fn)
}

// GetStepInfo returns the current record of step id.
func (w *Workflow) GetStepInfo(id string) (StepInfo, bool) {
	info, ok := w.cell.Read().Steps[id]
	return info, ok
}

// OnStepChange calls fn every time step id's record changes.
func (w *Workflow) OnStepChange(id string, fn func(StepInfo)) func() {
	last := w.cell.Read().Steps[id].version
	return w.cell.Subscribe(func(s WorkflowState) {
		info, ok := s.Steps[id]
		if !ok || info.version == last {
			return
		}
		last = info.version
		fn(info)
	})
}

// OnComplete calls fn each time the run reaches a terminal state, whether
// completed, failed, stopped or timed out.
func (w *Workflow) OnComplete(fn func(WorkflowState)) func() {
	wasTerminal := w.cell.Read().Terminal()
	return w.cell.Subscribe(func(s WorkflowState) {
		terminal := s.Terminal()
		if terminal && !wasTerminal {
			fn(s)
		}
		wasTerminal = terminal
	})
}

// Wait blocks until the run is terminal and returns the final context and
// the run's error.
func (w *Workflow) Wait(ctx context.Context) (Context, error) {
	done := make(chan WorkflowState, 1)
	unsubscribe := w.cell.Subscribe(func(s WorkflowState) {
		if s.Terminal() {
			select {
			case done <- s:
			default:
			}
		}
	})
	defer unsubscribe()

	if s := w.cell.Read(); s.Terminal() {
		return s.Context, s.Error
	}

	select {
	case s := <-done:
		return s.Context, s.Error
	case <-ctx.Done():
		return w.cell.Read().Context, ctx.Err()
	}
}

// PoolMetrics returns the worker pool counters of this run.
func (w *Workflow) PoolMetrics() PoolMetrics {
	return w.pool.Metrics()
}

func (w *Workflow) step(id string) *Step {
	i, ok := w.index[id]
	if !ok {
		return nil
	}
	return &w.steps[i]
}

// currentGenCtx returns the context cancelled when the current generation
// of the run ends.
func (w *Workflow) currentGenCtx() context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.genCtx
}

// nextGeneration cancels pending retry timers of the previous generation.
func (w *Workflow) nextGeneration() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancelGen()
	w.genCtx, w.cancelGen = context.WithCancel(w.base)
}

func (w *Workflow) emit(eventType, stepID string, status string, attempt int, payload any) {
	if w.opts.Hub == nil || eventType == "" {
		return
	}
	err := w.opts.Hub.Publish(w.base, streaming.StreamEvent{
		WorkflowID: w.ID(),
		Workflow:   w.name,
		StepID:     stepID,
		EventType:  eventType,
		Status:     status,
		Attempt:    attempt,
		Timestamp:  time.Now().UTC(),
		Payload:    payload,
	})
	if err != nil {
		w.logger.DebugContext(w.base, "publish event", "event", eventType, "error", err)
	}
}

func (w *Workflow) emitStep(info StepInfo) {
	var payload any
	if info.Error != nil {
		payload = map[string]any{"error": info.Error.Error()}
	}
	w.emit(stepEventType(info.Status), info.ID, string(info.Status), info.Attempts, payload)
}

func (w *Workflow) emitWorkflow(eventType string, s WorkflowState) {
	var payload any
	if s.Error != nil {
		payload = map[string]any{"error": s.Error.Error()}
	}
	w.emit(eventType, "", string(s.Status), 0, payload)
}
