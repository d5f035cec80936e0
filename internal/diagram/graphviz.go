package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// RenderImage renders a DiagramModel as a PNG. Each wave is drawn as a
// dashed cluster so siblings line up on one rank.
func RenderImage(ctx context.Context, model *DiagramModel) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		title := model.Title
		if model.Status != "" {
			title = fmt.Sprintf("%s (%s)", title, model.Status)
		}
		graph.SetLabel(title)
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for wave, level := range model.Levels {
		parent := graph
		if wave > 0 && wave < len(model.Levels)-1 {
			parent, err = graph.CreateSubGraphByName(fmt.Sprintf("cluster_wave_%d", wave))
			if err != nil {
				return nil, fmt.Errorf("diagram: create wave %d: %w", wave, err)
			}
			parent.SetLabel(fmt.Sprintf("wave %d", wave))
			parent.SetStyle(cgraph.DashedGraphStyle)
		}
		for _, id := range level {
			node := model.node(id)
			if node == nil {
				continue
			}
			gvNode, err := parent.CreateNodeByName(node.ID)
			if err != nil {
				return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, err)
			}
			gvNode.SetLabel(node.Label)
			applyNodeStyle(gvNode, node)
			gvNodes[node.ID] = gvNode
		}
	}

	for _, edge := range model.Edges {
		from, to := gvNodes[edge.From], gvNodes[edge.To]
		if from == nil || to == nil {
			continue
		}
		e, err := graph.CreateEdgeByName("", from, to)
		if err != nil {
			return nil, fmt.Errorf("diagram: edge %s -> %s: %w", edge.From, edge.To, err)
		}
		if edge.Label != "" {
			e.SetLabel(edge.Label)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render PNG: %w", err)
	}
	return buf.Bytes(), nil
}

func applyNodeStyle(gvNode *cgraph.Node, node *Node) {
	switch node.Kind {
	case NodeKindGated:
		gvNode.SetShape(cgraph.DiamondShape)
	case NodeKindStart, NodeKindEnd:
		gvNode.SetShape(cgraph.CircleShape)
		gvNode.SetWidth(0.5)
		gvNode.SetHeight(0.5)
	default:
		gvNode.SetShape(cgraph.BoxShape)
	}
	if node.Status == nil {
		return
	}

	fill, font := statusColors(node.Status.Status)
	if fill == "" {
		return
	}
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	gvNode.SetFillColor(fill)
	gvNode.SetFontColor(font)
	if node.Status.Status == "skipped" {
		gvNode.SetStyle(cgraph.DashedNodeStyle)
	}
}

// statusColors returns the fill and font colors for a step status.
func statusColors(status string) (fill, font string) {
	switch status {
	case "completed":
		return "#2d6a2d", "white"
	case "failed":
		return "#8b1a1a", "white"
	case "running":
		return "#1a5276", "white"
	case "pending":
		return "#d3d3d3", "black"
	case "skipped":
		return "#e8e8e8", "#888888"
	default:
		return "", ""
	}
}
