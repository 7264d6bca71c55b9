package topology

import (
	"fmt"

	"github.com/hupe1980/meshchat/core"
)

// ResolveEntry returns the entry node. It returns core.ErrEmptyTopology for a
// topology without nodes and a *core.TopologyError when the entry flag is
// missing or set on more than one node.
func ResolveEntry(t core.Topology) (core.Node, error) {
	if t.Empty() {
		return core.Node{}, core.ErrEmptyTopology
	}
	var (
		entry core.Node
		found bool
	)
	for _, n := range t.Nodes {
		if !n.Entry {
			continue
		}
		if found {
			return core.Node{}, &core.TopologyError{NodeID: n.ID, Reason: "multiple entry nodes"}
		}
		entry, found = n, true
	}
	if !found {
		return core.Node{}, &core.TopologyError{Reason: "no entry node"}
	}
	return entry, nil
}

// ResolveRoute returns the targets of the edges leaving from, in declaration
// order. Repeated edges to the same target are reported once.
func ResolveRoute(t core.Topology, from string) []core.Node {
	var (
		out  []core.Node
		seen = map[string]struct{}{}
	)
	for _, e := range t.Edges {
		if e.From != from {
			continue
		}
		if _, dup := seen[e.To]; dup {
			continue
		}
		n, ok := t.Node(e.To)
		if !ok {
			continue
		}
		seen[e.To] = struct{}{}
		out = append(out, n)
	}
	return out
}

// HasEdge reports whether an edge from -> to exists.
func HasEdge(t core.Topology, from, to string) bool {
	for _, e := range t.Edges {
		if e.From == from && e.To == to {
			return true
		}
	}
	return false
}

// Validate checks t against the bindings of its session. A topology with no
// nodes is valid. Every returned error wraps core.ErrInvalidTopology.
func Validate(t core.Topology, bindings []core.SessionAgent) error {
	if t.Empty() {
		if len(t.Edges) > 0 {
			return &core.TopologyError{Reason: "edges without nodes"}
		}
		return nil
	}

	bound := make(map[string]struct{}, len(bindings))
	for _, b := range bindings {
		bound[b.ID] = struct{}{}
	}

	ids := make(map[string]struct{}, len(t.Nodes))
	for _, n := range t.Nodes {
		if n.ID == "" {
			return &core.TopologyError{Reason: "node without id"}
		}
		if _, dup := ids[n.ID]; dup {
			return &core.TopologyError{NodeID: n.ID, Reason: "duplicate node id"}
		}
		ids[n.ID] = struct{}{}
		if _, ok := bound[n.BindingID]; !ok {
			return &core.TopologyError{NodeID: n.ID, Reason: fmt.Sprintf("binding %q is not part of the session", n.BindingID)}
		}
	}

	for _, e := range t.Edges {
		if _, ok := ids[e.From]; !ok {
			return &core.TopologyError{NodeID: e.From, Reason: "edge references unknown source node"}
		}
		if _, ok := ids[e.To]; !ok {
			return &core.TopologyError{NodeID: e.To, Reason: "edge references unknown target node"}
		}
	}

	entry, err := ResolveEntry(t)
	if err != nil {
		return err
	}

	reached := reachable(t, entry.ID)
	for _, n := range t.Nodes {
		if _, ok := reached[n.ID]; !ok {
			return &core.TopologyError{NodeID: n.ID, Reason: "unreachable from entry"}
		}
	}
	return nil
}

func reachable(t core.Topology, from string) map[string]struct{} {
	adj := make(map[string][]string, len(t.Nodes))
	for _, e := range t.Edges {
		adj[e.From] = append(adj[e.From], e.To)
	}
	seen := map[string]struct{}{from: {}}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if _, ok := seen[next]; ok {
				continue
			}
			seen[next] = struct{}{}
			queue = append(queue, next)
		}
	}
	return seen
}
