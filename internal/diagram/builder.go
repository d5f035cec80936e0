package diagram

import (
	"context"
	"fmt"

	"github.com/rendis/waveflow/internal/engine"
	"github.com/rendis/waveflow/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build converts a workflow definition into a DiagramModel laid out by
// execution wave. When state is non-nil, each step node carries its
// runtime status.
func Build(def *schema.WorkflowDefinition, state *engine.WorkflowState) (*DiagramModel, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "diagram: nil definition")
	}

	waves, err := engine.Plan(planSteps(def.Steps))
	if err != nil {
		return nil, err
	}

	model := &DiagramModel{Title: def.Name}
	if state != nil {
		model.Status = string(state.Status)
	}

	model.Nodes = append(model.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	model.Levels = append(model.Levels, []string{startID})

	byID := make(map[string]*schema.StepDefinition, len(def.Steps))
	for i := range def.Steps {
		byID[def.Steps[i].ID] = &def.Steps[i]
	}
	hasDependents := make(map[string]bool, len(def.Steps))
	for _, sd := range def.Steps {
		for _, dep := range sd.DependsOn {
			hasDependents[dep] = true
		}
	}

	for wi, wave := range waves {
		model.Levels = append(model.Levels, wave)
		for _, id := range wave {
			sd := byID[id]
			n := &Node{ID: id, Label: stepLabel(sd), Kind: stepKind(sd), Wave: wi + 1}
			if state != nil {
				if info, ok := state.Steps[id]; ok {
					n.Status = overlay(info)
				}
			}
			model.Nodes = append(model.Nodes, n)

			if len(sd.DependsOn) == 0 {
				model.Edges = append(model.Edges, Edge{From: startID, To: id})
			}
			for _, dep := range sd.DependsOn {
				model.Edges = append(model.Edges, Edge{From: dep, To: id, Label: whenLabel(sd)})
			}
			if !hasDependents[id] {
				model.Edges = append(model.Edges, Edge{From: id, To: endID})
			}
		}
	}

	model.Nodes = append(model.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})
	model.Levels = append(model.Levels, []string{endID})
	return model, nil
}

// planSteps turns definitions into placeholder steps so the engine's graph
// validation and leveling can run without resolving actions.
func planSteps(defs []schema.StepDefinition) []engine.Step {
	noop := func(context.Context, engine.Context) (any, error) { return nil, nil }
	steps := make([]engine.Step, len(defs))
	for i, sd := range defs {
		steps[i] = engine.Step{ID: sd.ID, Name: sd.Name, DependsOn: sd.DependsOn, Parallel: sd.Parallel, Run: noop}
	}
	return steps
}

func stepLabel(sd *schema.StepDefinition) string {
	name := sd.ID
	if sd.Name != "" {
		name = sd.Name
	}
	if sd.Action == "" {
		return name
	}
	return fmt.Sprintf("%s\n%s", name, sd.Action)
}

func stepKind(sd *schema.StepDefinition) NodeKind {
	switch {
	case sd.Parallel:
		return NodeKindParallel
	case sd.When != nil:
		return NodeKindGated
	default:
		return NodeKindAction
	}
}

func whenLabel(sd *schema.StepDefinition) string {
	w := sd.When
	if w == nil {
		return ""
	}
	if w.Exists != nil {
		if *w.Exists {
			return w.Key + " exists"
		}
		return w.Key + " missing"
	}
	return fmt.Sprintf("%s == %v", w.Key, w.Equals)
}

func overlay(info engine.StepInfo) *StatusOverlay {
	o := &StatusOverlay{
		Status:     string(info.Status),
		DurationMs: info.Duration.Milliseconds(),
		Attempts:   info.Attempts,
	}
	if info.Error != nil {
		o.Error = info.Error.Error()
	}
	return o
}
