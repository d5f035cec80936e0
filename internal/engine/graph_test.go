package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/waveflow/pkg/schema"
)

func noop(context.Context, Context) (any, error) { return nil, nil }

func node(id string, deps ...string) Step {
	return Step{ID: id, Run: noop, DependsOn: deps}
}

func TestValidateSteps_Valid(t *testing.T) {
	err := ValidateSteps([]Step{
		node("a"),
		node("b", "a"),
		node("c", "a"),
		node("d", "b", "c"),
	})
	assert.NoError(t, err)
}

func TestValidateSteps_Errors(t *testing.T) {
	tests := []struct {
		name  string
		steps []Step
		code  string
		step  string
	}{
		{"empty set", nil, schema.ErrCodeValidation, ""},
		{"empty id", []Step{node("")}, schema.ErrCodeValidation, ""},
		{"duplicate id", []Step{node("a"), node("a")}, schema.ErrCodeDuplicateStep, "a"},
		{"missing work", []Step{{ID: "a"}}, schema.ErrCodeValidation, "a"},
		{"unknown dependency", []Step{node("a"), node("b", "ghost")}, schema.ErrCodeUnknownDependency, "b"},
		{"self dependency", []Step{node("a", "a")}, schema.ErrCodeCircularDependency, "a"},
		{"direct cycle", []Step{node("a", "b"), node("b", "a")}, schema.ErrCodeCircularDependency, "b"},
		{"transitive cycle", []Step{node("a", "c"), node("b", "a"), node("c", "b")}, schema.ErrCodeCircularDependency, "b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSteps(tt.steps)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, tt.code), "got %v", err)
			if tt.step != "" {
				var fe *schema.FlowError
				require.ErrorAs(t, err, &fe)
				assert.Equal(t, tt.step, fe.StepID)
			}
		})
	}
}

func TestValidateSteps_UnknownDependencyNamesMissingID(t *testing.T) {
	err := ValidateSteps([]Step{node("a"), node("b", "a", "nope")})
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "b", fe.StepID)
	assert.Equal(t, "nope", fe.Details["dependency"])
	assert.Contains(t, fe.Error(), "nope")
}

func TestValidateSteps_CycleNamesClosingDependency(t *testing.T) {
	err := ValidateSteps([]Step{node("a", "c"), node("b", "a"), node("c", "b")})
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "b", fe.StepID)
	assert.Equal(t, "a", fe.Details["dependency"])
	assert.Equal(t, []string{"a", "c", "b", "a"}, fe.Details["cycle"])
}

// hasCycle is a reference check using repeated removal of steps with no
// remaining dependencies.
func hasCycle(steps []Step) bool {
	remaining := make(map[string][]string, len(steps))
	for _, s := range steps {
		remaining[s.ID] = s.DependsOn
	}
	for progressed := true; progressed; {
		progressed = false
		for id, deps := range remaining {
			ready := true
			for _, d := range deps {
				if _, ok := remaining[d]; ok {
					ready = false
					break
				}
			}
			if ready {
				delete(remaining, id)
				progressed = true
			}
		}
	}
	return len(remaining) > 0
}

func TestValidateSteps_CycleIffGraphHasCycle(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for i := range 300 {
		n := 2 + r.IntN(6)
		steps := make([]Step, n)
		for j := range n {
			steps[j] = node(fmt.Sprintf("s%d", j))
			for k := range n {
				if r.IntN(4) == 0 {
					steps[j].DependsOn = append(steps[j].DependsOn, fmt.Sprintf("s%d", k))
				}
			}
		}
		err := ValidateSteps(steps)
		assert.Equal(t, hasCycle(steps), schema.IsCode(err, schema.ErrCodeCircularDependency),
			"case %d: %v", i, err)
		if !hasCycle(steps) {
			assert.NoError(t, err, "case %d", i)
		}
	}
}

func TestValidateSteps_UnknownIffMissing(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	for i := range 200 {
		n := 2 + r.IntN(5)
		steps := make([]Step, n)
		missing := false
		for j := range n {
			steps[j] = node(fmt.Sprintf("s%d", j))
			// Only depend on earlier steps so no cycle can form.
			for k := 0; k < j; k++ {
				if r.IntN(3) == 0 {
					steps[j].DependsOn = append(steps[j].DependsOn, fmt.Sprintf("s%d", k))
				}
			}
			if r.IntN(8) == 0 {
				steps[j].DependsOn = append(steps[j].DependsOn, "ghost")
				missing = true
			}
		}
		err := ValidateSteps(steps)
		assert.Equal(t, missing, schema.IsCode(err, schema.ErrCodeUnknownDependency), "case %d: %v", i, err)
	}
}

func TestPlan_Levels(t *testing.T) {
	levels, err := Plan([]Step{
		node("fetch"),
		node("config"),
		node("parse", "fetch"),
		node("merge", "parse", "config"),
		node("report", "merge"),
		node("notify", "fetch"),
	})
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"fetch", "config"},
		{"parse", "notify"},
		{"merge"},
		{"report"},
	}, levels)
}

func TestPlan_InvalidGraph(t *testing.T) {
	_, err := Plan([]Step{node("a", "b"), node("b", "a")})
	assert.True(t, schema.IsCode(err, schema.ErrCodeCircularDependency))
}
