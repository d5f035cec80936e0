package validation

import (
	"fmt"
	"slices"
	"strings"

	"github.com/rendis/waveflow/pkg/schema"
)

// validateDAG detects dependency cycles with Kahn's algorithm. Unknown
// references are ignored here; the semantic stage reports them.
func validateDAG(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		stepIDs[s.ID] = true
	}

	// reverse[id] = dependents of step id.
	reverse := make(map[string][]string, len(def.Steps))
	inDegree := make(map[string]int, len(stepIDs))
	for id := range stepIDs {
		inDegree[id] = 0
	}

	for _, s := range def.Steps {
		seen := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			if !stepIDs[dep] || seen[dep] {
				continue
			}
			seen[dep] = true
			reverse[dep] = append(reverse[dep], s.ID)
			inDegree[s.ID]++
		}
	}

	queue := make([]string, 0, len(stepIDs))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	slices.Sort(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, dependent := range reverse[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if visited != len(stepIDs) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		slices.Sort(stuck)
		result.AddError("steps", schema.ErrCodeCircularDependency,
			fmt.Sprintf("workflow contains a dependency cycle through [%s]", strings.Join(stuck, ", ")))
	}

	return result
}
