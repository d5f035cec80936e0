package validation

import (
	"fmt"
	"time"

	"github.com/rendis/waveflow/internal/engine"
	"github.com/rendis/waveflow/pkg/schema"
)

const highRetryCount = 10

// validateSemantic checks what the JSON schema cannot: step ID uniqueness,
// action registration, dependency references, when-clause shape, durations
// and backoff names.
func validateSemantic(def *schema.WorkflowDefinition, lookup ActionLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[string]bool, len(def.Steps))
	for i, s := range def.Steps {
		if s.ID == "" {
			continue
		}
		if stepIDs[s.ID] {
			result.AddError(fmt.Sprintf("steps[%d].id", i), schema.ErrCodeDuplicateStep,
				fmt.Sprintf("duplicate step id %q", s.ID))
		}
		stepIDs[s.ID] = true
	}

	wfTimeout := parseDuration(def.Timeout, "timeout", result)

	for i := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		validateStepSemantic(&def.Steps[i], path, stepIDs, lookup, wfTimeout, result)
	}

	if def.MaxParallel <= 1 {
		for i, s := range def.Steps {
			if s.Parallel {
				result.AddWarning(fmt.Sprintf("steps[%d].parallel", i), schema.ErrCodeValidation,
					"parallel has no effect while max_parallel is 1")
			}
		}
	}

	return result
}

func validateStepSemantic(step *schema.StepDefinition, path string, stepIDs map[string]bool, lookup ActionLookup, wfTimeout time.Duration, result *schema.ValidationResult) {
	if step.ID == "" {
		result.AddError(path+".id", schema.ErrCodeValidation, "step id is empty")
	}

	if step.Action == "" {
		result.AddError(path+".action", schema.ErrCodeValidation, "step action is empty")
	} else if lookup != nil && !lookup.Has(step.Action) {
		result.AddError(path+".action", schema.ErrCodeActionUnavailable,
			fmt.Sprintf("action %q not registered", step.Action))
	}

	for j, dep := range step.DependsOn {
		depPath := fmt.Sprintf("%s.depends_on[%d]", path, j)
		switch {
		case dep == step.ID:
			result.AddError(depPath, schema.ErrCodeCircularDependency,
				fmt.Sprintf("step %q depends on itself", step.ID))
		case !stepIDs[dep]:
			result.AddError(depPath, schema.ErrCodeUnknownDependency,
				fmt.Sprintf("references non-existent step %q", dep))
		}
	}

	if w := step.When; w != nil {
		if w.Key == "" {
			result.AddError(path+".when.key", schema.ErrCodeValidation, "when clause requires a key")
		}
		if (w.Equals == nil) == (w.Exists == nil) {
			result.AddError(path+".when", schema.ErrCodeValidation,
				"when clause requires exactly one of equals or exists")
		}
	}

	stepTimeout := parseDuration(step.Timeout, path+".timeout", result)
	if stepTimeout > 0 && wfTimeout > 0 && stepTimeout > wfTimeout {
		result.AddWarning(path+".timeout", schema.ErrCodeValidation,
			fmt.Sprintf("step timeout (%s) exceeds workflow timeout (%s); the workflow times out first", step.Timeout, wfTimeout))
	}

	if r := step.Retry; r != nil {
		if r.Attempts < 0 {
			result.AddError(path+".retry.attempts", schema.ErrCodeValidation, "retry attempts must not be negative")
		}
		if r.Attempts > highRetryCount {
			result.AddWarning(path+".retry.attempts", schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause excessive delays", r.Attempts))
		}
		if _, err := engine.ParseBackoff(r.Backoff); err != nil {
			result.AddError(path+".retry.backoff", schema.ErrCodeValidation, err.Error())
		}
		parseDuration(r.Delay, path+".retry.delay", result)
		parseDuration(r.MaxDelay, path+".retry.max_delay", result)
	}
}

// parseDuration records an error for a malformed non-empty duration and
// returns zero in that case.
func parseDuration(s, path string, result *schema.ValidationResult) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("invalid duration %q", s))
		return 0
	}
	if d < 0 {
		result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("negative duration %q", s))
		return 0
	}
	return d
}
