package definition

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rendis/waveflow/internal/validation"
	"github.com/rendis/waveflow/pkg/schema"
)

// Loader reads workflow definition files and validates them.
type Loader struct {
	validator *validation.WorkflowValidator
}

// NewLoader creates a Loader. lookup may be nil to skip action checks.
func NewLoader(lookup validation.ActionLookup) (*Loader, error) {
	v, err := validation.NewWorkflowValidator(lookup)
	if err != nil {
		return nil, err
	}
	return &Loader{validator: v}, nil
}

// Load reads path and returns the validated definition.
func (l *Loader) Load(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", path, err)
	}
	def, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Parse decodes a YAML or JSON document, validates the raw document against
// the workflow schema, then runs the semantic and graph checks on the
// decoded definition.
func (l *Loader) Parse(data []byte) (*schema.WorkflowDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition is empty")
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode definition: %s", err).WithCause(err)
	}
	if err := l.validator.ValidateDocument(raw); err != nil {
		return nil, err
	}

	var def schema.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode definition: %s", err).WithCause(err)
	}
	if err := l.validator.ValidateDefinition(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate runs the full pipeline on an already decoded definition and
// returns every issue found.
func (l *Loader) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	return l.validator.Validate(def)
}
