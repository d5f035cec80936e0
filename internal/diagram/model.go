package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindAction   NodeKind = "action"
	NodeKindGated    NodeKind = "gated"    // step with a when clause
	NodeKindParallel NodeKind = "parallel" // admitted after the non-parallel steps of its wave
	NodeKindStart    NodeKind = "start"
	NodeKindEnd      NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
// Levels holds node IDs grouped by wave, with the virtual start and end
// nodes as the first and last level.
type DiagramModel struct {
	Title  string
	Status string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Wave   int
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string
	DurationMs int64
	Attempts   int
	Error      string
}

// Edge represents a dependency between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

// node looks up a node by ID.
func (m *DiagramModel) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
