package schema

import "encoding/json"

// WorkflowDefinition is the declarative workflow file format (YAML or JSON).
type WorkflowDefinition struct {
	Name              string           `json:"name" yaml:"name"`
	Description       string           `json:"description,omitempty" yaml:"description,omitempty"`
	MaxParallel       int              `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`
	ContinueOnFailure bool             `json:"continue_on_failure,omitempty" yaml:"continue_on_failure,omitempty"`
	AutoRetry         bool             `json:"auto_retry,omitempty" yaml:"auto_retry,omitempty"`
	Timeout           string           `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Context           map[string]any   `json:"context,omitempty" yaml:"context,omitempty"`
	StorageKey        string           `json:"storage_key,omitempty" yaml:"storage_key,omitempty"`
	Steps             []StepDefinition `json:"steps" yaml:"steps"`
}

// StepDefinition describes a single step in a declarative workflow.
type StepDefinition struct {
	ID        string         `json:"id" yaml:"id"`
	Name      string         `json:"name,omitempty" yaml:"name,omitempty"`
	Action    string         `json:"action" yaml:"action"`
	Params    map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	When      *WhenClause    `json:"when,omitempty" yaml:"when,omitempty"`
	Retry     *RetryPolicy   `json:"retry,omitempty" yaml:"retry,omitempty"`
	Timeout   string         `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Parallel  bool           `json:"parallel,omitempty" yaml:"parallel,omitempty"`
}

// WhenClause is a fixed-shape run condition over one context key.
// Exactly one of Equals or Exists is expected.
type WhenClause struct {
	Key    string `json:"key" yaml:"key"`
	Equals any    `json:"equals,omitempty" yaml:"equals,omitempty"`
	Exists *bool  `json:"exists,omitempty" yaml:"exists,omitempty"`
}

// RetryPolicy configures retry behavior for a step.
type RetryPolicy struct {
	Attempts int    `json:"attempts" yaml:"attempts"`                       // retries after the first attempt
	Delay    string `json:"delay,omitempty" yaml:"delay,omitempty"`         // e.g. "100ms"
	Backoff  string `json:"backoff,omitempty" yaml:"backoff,omitempty"`     // constant | linear | exponential (default: constant)
	MaxDelay string `json:"max_delay,omitempty" yaml:"max_delay,omitempty"` // cap for linear/exponential
}

// MarshalIndent is a small helper used by the CLI and MCP layers.
func (d *WorkflowDefinition) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}
