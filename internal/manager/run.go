package manager

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/waveflow/internal/engine"
	"github.com/rendis/waveflow/pkg/schema"
)

// Run is a workflow launched by a Manager.
type Run struct {
	ID        string
	Name      string
	Source    string
	StartedAt time.Time
	Workflow  *engine.Workflow

	// Definition is nil for blueprints assembled in code.
	Definition *schema.WorkflowDefinition

	done chan struct{}
	mu   sync.Mutex
	err  error
}

// RunInfo is a point-in-time summary of a Run.
type RunInfo struct {
	ID        string                `json:"id"`
	Name      string                `json:"name"`
	Source    string                `json:"source,omitempty"`
	Status    schema.WorkflowStatus `json:"status"`
	StartedAt time.Time             `json:"started_at"`
	Completed int                   `json:"completed"`
	Failed    int                   `json:"failed"`
	Skipped   int                   `json:"skipped"`
	Running   int                   `json:"running"`
	Error     string                `json:"error,omitempty"`

	// Pool counts step executions dispatched by the run's worker pool.
	Pool engine.PoolMetrics `json:"pool"`
}

// Done is closed once the first Start call of the run returns. Runs revived
// later through RetryStep or JumpToStep are observed with Wait.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Err returns the error of the first Start call, once Done is closed.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Run) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Wait blocks until the run is terminal.
func (r *Run) Wait(ctx context.Context) (engine.Context, error) {
	return r.Workflow.Wait(ctx)
}

// Info summarises the current state of the run.
func (r *Run) Info() RunInfo {
	s := r.Workflow.State()
	info := RunInfo{
		ID:        r.ID,
		Name:      r.Name,
		Source:    r.Source,
		Status:    s.Status,
		StartedAt: r.StartedAt,
		Completed: len(s.Completed),
		Failed:    len(s.Failed),
		Skipped:   len(s.Skipped),
		Running:   len(s.Running),
		Pool:      r.Workflow.PoolMetrics(),
	}
	if s.Error != nil {
		info.Error = s.Error.Error()
	}
	return info
}
