package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/waveflow/pkg/schema"
)

func codes(issues []schema.ValidationIssue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Code)
	}
	return out
}

func TestSemantic_ActionExists(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name: "x",
		Steps: []schema.StepDefinition{
			{ID: "a", Action: "echo"},
			{ID: "b", Action: "missing"},
		},
	}
	result := validateSemantic(def, newMockLookup("echo"))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "steps[1].action", result.Errors[0].Path)
	assert.Equal(t, schema.ErrCodeActionUnavailable, result.Errors[0].Code)
}

func TestSemantic_NilLookupSkipsActions(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name:  "x",
		Steps: []schema.StepDefinition{{ID: "a", Action: "anything"}},
	}
	assert.True(t, validateSemantic(def, nil).Valid())
}

func TestSemantic_References(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name: "x",
		Steps: []schema.StepDefinition{
			{ID: "a", Action: "noop"},
			{ID: "a", Action: "noop"},
			{ID: "b", Action: "noop", DependsOn: []string{"b", "ghost"}},
			{ID: "", Action: ""},
		},
	}
	result := validateSemantic(def, nil)
	assert.ElementsMatch(t, []string{
		schema.ErrCodeDuplicateStep,
		schema.ErrCodeCircularDependency,
		schema.ErrCodeUnknownDependency,
		schema.ErrCodeValidation,
		schema.ErrCodeValidation,
	}, codes(result.Errors))
}

func TestSemantic_WhenClause(t *testing.T) {
	yes := true
	tests := []struct {
		name  string
		when  *schema.WhenClause
		valid bool
	}{
		{"equals", &schema.WhenClause{Key: "k", Equals: 1}, true},
		{"exists", &schema.WhenClause{Key: "k", Exists: &yes}, true},
		{"both", &schema.WhenClause{Key: "k", Equals: 1, Exists: &yes}, false},
		{"neither", &schema.WhenClause{Key: "k"}, false},
		{"no key", &schema.WhenClause{Equals: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := &schema.WorkflowDefinition{
				Name:  "x",
				Steps: []schema.StepDefinition{{ID: "a", Action: "noop", When: tt.when}},
			}
			assert.Equal(t, tt.valid, validateSemantic(def, nil).Valid())
		})
	}
}

func TestSemantic_DurationsAndRetry(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name:    "x",
		Timeout: "bogus",
		Steps: []schema.StepDefinition{
			{ID: "a", Action: "noop", Timeout: "-1s"},
			{ID: "b", Action: "noop", Retry: &schema.RetryPolicy{Attempts: -1, Backoff: "random", Delay: "x", MaxDelay: "1s"}},
		},
	}
	result := validateSemantic(def, nil)
	paths := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		paths = append(paths, e.Path)
	}
	assert.ElementsMatch(t, []string{
		"timeout",
		"steps[0].timeout",
		"steps[1].retry.attempts",
		"steps[1].retry.backoff",
		"steps[1].retry.delay",
	}, paths)
}

func TestSemantic_Warnings(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name:    "x",
		Timeout: "1s",
		Steps: []schema.StepDefinition{
			{ID: "a", Action: "noop", Timeout: "5s", Parallel: true},
			{ID: "b", Action: "noop", Retry: &schema.RetryPolicy{Attempts: 50}},
		},
	}
	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
	paths := make([]string, 0, len(result.Warnings))
	for _, w := range result.Warnings {
		paths = append(paths, w.Path)
	}
	assert.ElementsMatch(t, []string{"steps[0].timeout", "steps[1].retry.attempts", "steps[0].parallel"}, paths)
}
