package validation

import "github.com/rendis/waveflow/pkg/schema"

// Validator checks workflow definitions for correctness before building.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateDocument(doc any) error
}

// ActionLookup reports whether an action name is registered.
type ActionLookup interface {
	Has(name string) bool
}
