package engine

import (
	"context"
	"time"
)

// WorkFunc performs a step's work against the current shared context. The
// returned value is stored in the context under the step's ID.
type WorkFunc func(ctx context.Context, c Context) (any, error)

// Step is an immutable unit of work supplied by the caller.
type Step struct {
	ID   string
	Name string
	Run  WorkFunc

	// Condition, when set, is evaluated against the context once the step's
	// dependencies are satisfied. A false result skips the step.
	Condition func(c Context) bool

	DependsOn     []string
	RetryAttempts int           // retries after the first attempt
	RetryDelay    time.Duration // base delay between attempts
	Backoff       Backoff       // overrides the workflow's retry backoff when set
	MaxRetryDelay time.Duration // overrides the workflow's delay cap when positive
	Parallel      bool
	Timeout       time.Duration

	OnSuccess func(result any)
	OnError   func(err error)
}

func (s *Step) displayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}
