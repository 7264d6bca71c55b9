package core

import (
	"encoding/json"
	"fmt"
)

// Node is a vertex of a topology. BindingID references a SessionAgent of the
// owning session. X and Y are layout hints for graph editors and carry no
// orchestration meaning.
type Node struct {
	ID        string  `json:"id"`
	BindingID string  `json:"binding_id"`
	Label     string  `json:"label,omitempty"`
	Entry     bool    `json:"entry,omitempty"`
	X         float64 `json:"x,omitempty"`
	Y         float64 `json:"y,omitempty"`
}

// Edge is a directed, unconditional route between two nodes. Among the edges
// leaving a node, declaration order is priority order.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Topology is the directed graph attached to a session.
type Topology struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Empty reports whether the topology has no nodes.
func (t Topology) Empty() bool { return len(t.Nodes) == 0 }

// Node returns the node with the given id.
func (t Topology) Node(id string) (Node, bool) {
	for _, n := range t.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Clone returns a deep copy with non-nil slices.
func (t Topology) Clone() Topology {
	c := Topology{Nodes: make([]Node, len(t.Nodes)), Edges: make([]Edge, len(t.Edges))}
	copy(c.Nodes, t.Nodes)
	copy(c.Edges, t.Edges)
	return c
}

// UnmarshalJSON accepts both {"from":"a","to":"b"} and ["a","b"].
func (e *Edge) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err == nil {
		if len(pair) != 2 {
			return fmt.Errorf("edge pair must have two elements, got %d", len(pair))
		}
		e.From, e.To = pair[0], pair[1]
		return nil
	}
	type plain Edge
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = Edge(p)
	return nil
}
