package engine

import (
	"github.com/rendis/waveflow/pkg/schema"
)

// Graph is the validated dependency structure of a step set.
type Graph struct {
	Order []string            // declaration order
	Edges map[string][]string // step ID → dependencies
}

// ValidateSteps checks that step IDs are unique and non-empty, that every
// dependency names a step in the set, and that no dependency chain loops
// back on itself.
func ValidateSteps(steps []Step) error {
	_, err := buildGraph(steps)
	return err
}

func buildGraph(steps []Step) (*Graph, error) {
	if len(steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no steps")
	}

	g := &Graph{
		Order: make([]string, 0, len(steps)),
		Edges: make(map[string][]string, len(steps)),
	}

	for i := range steps {
		id := steps[i].ID
		if id == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step at index %d has empty ID", i)
		}
		if _, exists := g.Edges[id]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeDuplicateStep, "duplicate step ID: %s", id).WithStep(id)
		}
		if steps[i].Run == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has no work function", id).WithStep(id)
		}
		g.Order = append(g.Order, id)
		g.Edges[id] = nil
	}

	for i := range steps {
		id := steps[i].ID
		deps := make([]string, 0, len(steps[i].DependsOn))
		for _, dep := range steps[i].DependsOn {
			if _, exists := g.Edges[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeUnknownDependency,
					"step %s depends on unknown step %s", id, dep).
					WithStep(id).
					WithDetails(map[string]any{"dependency": dep})
			}
			deps = append(deps, dep)
		}
		g.Edges[id] = deps
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}
	return g, nil
}

// detectCycles walks each step's dependency chain depth-first, tracking the
// current path. Reaching a step already on the path closes a cycle.
func (g *Graph) detectCycles() error {
	const (
		unvisited = iota
		onPath
		done
	)
	state := make(map[string]int, len(g.Order))
	path := make([]string, 0, len(g.Order))

	var visit func(id string) error
	visit = func(id string) error {
		state[id] = onPath
		path = append(path, id)
		for _, dep := range g.Edges[id] {
			switch state[dep] {
			case onPath:
				cycle := append(pathFrom(path, dep), dep)
				return schema.NewErrorf(schema.ErrCodeCircularDependency,
					"circular dependency: step %s depends on %s", id, dep).
					WithStep(id).
					WithDetails(map[string]any{"dependency": dep, "cycle": cycle})
			case unvisited:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		state[id] = done
		return nil
	}

	for _, id := range g.Order {
		if state[id] == unvisited {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func pathFrom(path []string, id string) []string {
	for i, p := range path {
		if p == id {
			return append([]string(nil), path[i:]...)
		}
	}
	return nil
}

// Levels groups steps by topological depth: every step in a level depends
// only on steps in earlier levels. Within a level steps keep declaration
// order.
func (g *Graph) Levels() [][]string {
	depth := make(map[string]int, len(g.Order))
	var depthOf func(id string) int
	depthOf = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		d := 0
		for _, dep := range g.Edges[id] {
			if dd := depthOf(dep) + 1; dd > d {
				d = dd
			}
		}
		depth[id] = d
		return d
	}

	maxLevel := 0
	for _, id := range g.Order {
		if d := depthOf(id); d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range g.Order {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}

// Plan validates steps and returns their topological levels.
func Plan(steps []Step) ([][]string, error) {
	g, err := buildGraph(steps)
	if err != nil {
		return nil, err
	}
	return g.Levels(), nil
}
