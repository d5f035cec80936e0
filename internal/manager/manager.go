package manager

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rendis/waveflow/internal/actions"
	"github.com/rendis/waveflow/internal/definition"
	"github.com/rendis/waveflow/internal/diagram"
	"github.com/rendis/waveflow/internal/engine"
	"github.com/rendis/waveflow/internal/logging"
	"github.com/rendis/waveflow/internal/store"
	"github.com/rendis/waveflow/internal/streaming"
	"github.com/rendis/waveflow/pkg/schema"
)

// Control actions accepted by Manager.Control.
const (
	ControlPause  = "pause"
	ControlResume = "resume"
	ControlStop   = "stop"
	ControlRetry  = "retry"
	ControlSkip   = "skip"
	ControlJump   = "jump"
)

// ControlActions lists every action Control understands.
var ControlActions = []string{ControlPause, ControlResume, ControlStop, ControlRetry, ControlSkip, ControlJump}

// DefaultRetainRuns is the number of finished runs kept in the live set
// when Deps.RetainRuns is not set.
const DefaultRetainRuns = 100

// Deps holds the collaborators of a Manager. Store and Hub are optional.
type Deps struct {
	Registry    actions.ActionRegistry
	Loader      *definition.Loader
	Store       store.Store
	Hub         streaming.EventHub
	Logger      *slog.Logger
	MaxParallel int
	// RetainRuns caps the finished runs kept in the live set. The oldest
	// are forgotten first.
	RetainRuns int
}

// Manager owns the live workflow runs of a process.
type Manager struct {
	registry    actions.ActionRegistry
	loader      *definition.Loader
	store       store.Store
	persister   *store.Persister
	hub         streaming.EventHub
	logger      *slog.Logger
	maxParallel int
	retain      int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.RWMutex
	runs map[string]*Run
}

// New returns a Manager. Runs it launches are bound to an internal context
// cancelled by Shutdown.
func New(deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retain := deps.RetainRuns
	if retain <= 0 {
		retain = DefaultRetainRuns
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		registry:    deps.Registry,
		loader:      deps.Loader,
		store:       deps.Store,
		hub:         deps.Hub,
		logger:      logger,
		maxParallel: deps.MaxParallel,
		retain:      retain,
		ctx:         ctx,
		cancel:      cancel,
		runs:        make(map[string]*Run),
	}
	if deps.Store != nil {
		m.persister = store.NewPersister(deps.Store)
	}
	return m
}

// Loader returns the definition loader used by LaunchFile.
func (m *Manager) Loader() *definition.Loader {
	return m.loader
}

// Prepare binds def to the registry without starting anything.
func (m *Manager) Prepare(def *schema.WorkflowDefinition) (*definition.Blueprint, error) {
	if res := m.loader.Validate(def); !res.Valid() {
		return nil, res.ToError()
	}
	return definition.Build(def, m.registry)
}

// Launch validates def and starts a new run in the background. source is a
// free-form label recorded on the run, such as a file path or "mcp".
func (m *Manager) Launch(def *schema.WorkflowDefinition, source string, seed map[string]any) (*Run, error) {
	bp, err := m.Prepare(def)
	if err != nil {
		return nil, err
	}
	return m.LaunchBlueprint(bp, source, seed)
}

// LaunchFile loads the definition at path and starts it.
func (m *Manager) LaunchFile(path, source string, seed map[string]any) (*Run, error) {
	def, err := m.loader.Load(path)
	if err != nil {
		return nil, err
	}
	if source == "" {
		source = path
	}
	bp, err := definition.Build(def, m.registry)
	if err != nil {
		return nil, err
	}
	return m.LaunchBlueprint(bp, source, seed)
}

// RunFile launches the definition at path and blocks until its first
// Start call returns or ctx is done. A run that continued past failed steps
// is reported as STEP_FAILED.
func (m *Manager) RunFile(ctx context.Context, path string, seed map[string]any) (string, error) {
	run, err := m.LaunchFile(path, "schedule:"+path, seed)
	if err != nil {
		return "", err
	}
	select {
	case <-run.Done():
		if err := run.Err(); err != nil {
			return run.ID, err
		}
		if s := run.Workflow.State(); s.IsFailed {
			return run.ID, schema.NewErrorf(schema.ErrCodeStepFailed,
				"workflow %s finished with failed steps: %v", run.Name, s.Failed).
				WithDetails(map[string]any{"failed": s.Failed})
		}
		return run.ID, nil
	case <-ctx.Done():
		return run.ID, ctx.Err()
	}
}

// LaunchBlueprint instantiates bp and starts it in the background. seed
// entries are merged over the definition's initial context.
func (m *Manager) LaunchBlueprint(bp *definition.Blueprint, source string, seed map[string]any) (*Run, error) {
	if err := m.ctx.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeConflict, "manager is shut down")
	}

	wf, err := engine.New(bp.Name, bp.Steps, m.options(bp)...)
	if err != nil {
		return nil, err
	}
	if len(seed) > 0 {
		wf.UpdateContext(func(c engine.Context) engine.Context {
			return c.Merge(engine.NewContext(seed))
		})
	}

	run := &Run{
		ID:         wf.ID(),
		Name:       bp.Name,
		Source:     source,
		StartedAt:  time.Now().UTC(),
		Workflow:   wf,
		Definition: bp.Definition,
		done:       make(chan struct{}),
	}

	m.mu.Lock()
	m.runs[run.ID] = run
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(run.done)
		ctx := logging.WithWorkflowID(m.ctx, run.ID)
		_, err := wf.Start(ctx)
		run.setErr(err)
		if err != nil {
			m.logger.WarnContext(ctx, "workflow ended with error", "workflow", run.Name, "error", err)
		} else {
			m.logger.InfoContext(ctx, "workflow finished", "workflow", run.Name, "status", wf.State().Status)
		}
		m.prune()
	}()

	m.logger.Info("workflow launched", "workflow_id", run.ID, "workflow", run.Name, "source", source)
	return run, nil
}

// options layers manager defaults under the blueprint's own options.
func (m *Manager) options(bp *definition.Blueprint) []engine.Option {
	var opts []engine.Option
	if m.maxParallel > 0 {
		opts = append(opts, engine.WithMaxParallelSteps(m.maxParallel))
	}
	opts = append(opts, bp.Options...)
	opts = append(opts, engine.WithLogger(m.logger))
	if m.hub != nil {
		opts = append(opts, engine.WithEventHub(m.hub))
	}
	if m.persister != nil {
		opts = append(opts, engine.WithPersistence(m.persister, bp.StorageKey))
	}
	return opts
}

// Get returns the live run with the given ID.
func (m *Manager) Get(id string) (*Run, error) {
	m.mu.RLock()
	run, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	return run, nil
}

// List returns a summary of every live run, oldest first.
func (m *Manager) List() []RunInfo {
	m.mu.RLock()
	infos := make([]RunInfo, 0, len(m.runs))
	for _, run := range m.runs {
		infos = append(infos, run.Info())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Status returns the state of a live run, falling back to the last
// persisted snapshot stored under id.
func (m *Manager) Status(ctx context.Context, id string) (engine.WorkflowState, error) {
	if run, err := m.Get(id); err == nil {
		return run.Workflow.State(), nil
	}
	if m.store == nil {
		return engine.WorkflowState{}, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	return store.Load(ctx, m.store, id)
}

// Diagram lays out a live run's steps by wave with their current status.
func (m *Manager) Diagram(id string) (*diagram.DiagramModel, error) {
	run, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if run.Definition == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "workflow %q has no definition to draw", id)
	}
	state := run.Workflow.State()
	return diagram.Build(run.Definition, &state)
}

// Control applies a lifecycle action to a live run. stepID is required by
// retry, skip and jump.
func (m *Manager) Control(id, action, stepID string) error {
	run, err := m.Get(id)
	if err != nil {
		return err
	}
	wf := run.Workflow

	needsStep := action == ControlRetry || action == ControlSkip || action == ControlJump
	if needsStep && stepID == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s requires a step id", action)
	}

	switch action {
	case ControlPause:
		wf.Pause()
	case ControlResume:
		wf.Resume()
	case ControlStop:
		wf.Stop()
	case ControlRetry:
		err = wf.RetryStep(stepID)
	case ControlSkip:
		err = wf.SkipStep(stepID)
	case ControlJump:
		err = wf.JumpToStep(stepID)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown control action %q", action)
	}
	if err != nil {
		return err
	}

	m.logger.Info("workflow control", "workflow_id", id, "action", action, "step_id", stepID)
	return nil
}

// Forget drops a terminal run from the live set along with its persistence
// baseline. The stored snapshot stays readable through Status.
func (m *Manager) Forget(id string) error {
	run, err := m.Get(id)
	if err != nil {
		return err
	}
	if !run.Workflow.State().Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q is still active", id)
	}
	m.mu.Lock()
	m.forgetLocked(run)
	m.mu.Unlock()
	return nil
}

// prune forgets the oldest finished runs beyond the retention cap.
func (m *Manager) prune() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var finished []*Run
	for _, run := range m.runs {
		if run.Workflow.State().Terminal() {
			finished = append(finished, run)
		}
	}
	if len(finished) <= m.retain {
		return
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].StartedAt.Before(finished[j].StartedAt)
	})
	for _, run := range finished[:len(finished)-m.retain] {
		m.forgetLocked(run)
	}
}

func (m *Manager) forgetLocked(run *Run) {
	delete(m.runs, run.ID)
	var baseline bool
	if key := run.Workflow.StorageKey(); m.persister != nil && key != "" {
		baseline = m.persister.Forget(key)
	}
	m.logger.Debug("workflow forgotten", "workflow_id", run.ID, "baseline", baseline, "live", len(m.runs))
}

// Shutdown stops every active run and waits for their Start calls to
// return or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
