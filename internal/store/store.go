package store

import "context"

// Store persists workflow snapshots and the transition log.
// All implementations must be safe for concurrent use.
type Store interface {
	// Snapshots
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	LoadSnapshot(ctx context.Context, key string) (*Snapshot, error)
	ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]*Snapshot, error)
	DeleteSnapshot(ctx context.Context, key string) error

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error)

	// Step state (materialized view)
	UpsertStepState(ctx context.Context, state *StepState) error
	ListStepStates(ctx context.Context, workflowID string) ([]*StepState, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Close() error
}
