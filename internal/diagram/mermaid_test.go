package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/waveflow/internal/engine"
	"github.com/rendis/waveflow/pkg/schema"
)

func TestRenderMermaidLinear(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)
	assert.Contains(t, output, "graph TD")
	assert.Contains(t, output, "%% ETL Pipeline")
	assert.Contains(t, output, `fetch["fetch"]`)
	assert.Contains(t, output, "__start__((")
	assert.Contains(t, output, "__end__((")
	assert.Contains(t, output, "fetch --> transform")
	assert.Contains(t, output, "classDef completed")
	assert.NotContains(t, output, "class fetch")
}

func TestRenderMermaidShapes(t *testing.T) {
	model, err := Build(diamondWorkflow(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)
	assert.Contains(t, output, `right{"Right side"}`)
	assert.Contains(t, output, `merge[["merge"]]`)
	assert.Contains(t, output, "setup -->|region == eu| right")
}

func TestRenderMermaidWithStatus(t *testing.T) {
	state := &engine.WorkflowState{
		Status: schema.WorkflowStatusRunning,
		Steps: map[string]engine.StepInfo{
			"fetch":     {Status: schema.StepStatusCompleted},
			"transform": {Status: schema.StepStatusRunning},
			"store":     {Status: schema.StepStatusPending},
		},
	}
	model, err := Build(linearWorkflow(), state)
	require.NoError(t, err)

	output := RenderMermaid(model)
	assert.Contains(t, output, "class fetch completed")
	assert.Contains(t, output, "class transform running")
	assert.Contains(t, output, "class store pending")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "a_b_c", mermaidSafeID("a.b.c"))
	assert.Equal(t, "my_step", mermaidSafeID("my-step"))
	assert.Equal(t, "simple", mermaidSafeID("simple"))
}
