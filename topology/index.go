package topology

import (
	"fmt"
	"strings"

	"github.com/hupe1980/meshchat/core"
)

// Target is a resolved agent reference. Node is zero when the reference names
// a session member that does not appear in the topology.
type Target struct {
	Node   core.Node
	Member core.Member
}

// InGraph reports whether the target is a topology node.
func (t Target) InGraph() bool { return t.Node.ID != "" }

// Name returns a human readable name for the target.
func (t Target) Name() string {
	if t.Member.Agent.Name != "" {
		return t.Member.Agent.Name
	}
	if t.Node.Label != "" {
		return t.Node.Label
	}
	return t.Member.Binding.ID
}

// Index joins a validated topology with the session members it references.
type Index struct {
	topo    core.Topology
	members []core.Member
	byBind  map[string]core.Member
}

// NewIndex validates t against members and builds an Index.
func NewIndex(t core.Topology, members []core.Member) (*Index, error) {
	bindings := make([]core.SessionAgent, 0, len(members))
	byBind := make(map[string]core.Member, len(members))
	for _, m := range members {
		bindings = append(bindings, m.Binding)
		byBind[m.Binding.ID] = m
	}
	if err := Validate(t, bindings); err != nil {
		return nil, err
	}
	return &Index{topo: t.Clone(), members: append([]core.Member(nil), members...), byBind: byBind}, nil
}

// Topology returns the indexed topology.
func (x *Index) Topology() core.Topology { return x.topo }

// Members returns the session members in binding order.
func (x *Index) Members() []core.Member { return x.members }

// Member returns the member bound by bindingID.
func (x *Index) Member(bindingID string) (core.Member, bool) {
	m, ok := x.byBind[bindingID]
	return m, ok
}

// Entry resolves the entry node as a Target.
func (x *Index) Entry() (Target, error) {
	n, err := ResolveEntry(x.topo)
	if err != nil {
		return Target{}, err
	}
	return x.target(n), nil
}

// Routes returns the handoff targets reachable from nodeID in priority order.
func (x *Index) Routes(nodeID string) []Target {
	if nodeID == "" {
		return nil
	}
	nodes := ResolveRoute(x.topo, nodeID)
	out := make([]Target, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, x.target(n))
	}
	return out
}

// Resolve finds the target named by ref. A reference is matched, in order,
// against node ids, binding ids, agent ids, agent names and node labels; name
// and label comparisons ignore case. Bindings that are not placed in the
// topology resolve to a Target without a node.
func (x *Index) Resolve(ref string) (Target, error) {
	if t, ok := match(x.candidates(), ref); ok {
		return t, nil
	}
	return Target{}, fmt.Errorf("%w: %q", core.ErrUnknownAgent, ref)
}

// ResolveFrom resolves a handoff reference among the routes leaving nodeID.
// It returns core.ErrNoRoute when ref names a known agent that is not
// reachable by an edge, and core.ErrUnknownAgent when ref names nothing.
func (x *Index) ResolveFrom(nodeID, ref string) (Target, error) {
	if t, ok := match(x.Routes(nodeID), ref); ok {
		return t, nil
	}
	t, err := x.Resolve(ref)
	if err != nil {
		return Target{}, err
	}
	return t, fmt.Errorf("%w: %s", core.ErrNoRoute, t.Name())
}

func (x *Index) target(n core.Node) Target {
	return Target{Node: n, Member: x.byBind[n.BindingID]}
}

// candidates lists graph nodes first, then members without a node.
func (x *Index) candidates() []Target {
	out := make([]Target, 0, len(x.topo.Nodes)+len(x.members))
	placed := map[string]struct{}{}
	for _, n := range x.topo.Nodes {
		out = append(out, x.target(n))
		placed[n.BindingID] = struct{}{}
	}
	for _, m := range x.members {
		if _, ok := placed[m.Binding.ID]; ok {
			continue
		}
		out = append(out, Target{Member: m})
	}
	return out
}

func match(cands []Target, ref string) (Target, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Target{}, false
	}
	keys := []func(Target) bool{
		func(t Target) bool { return t.Node.ID != "" && t.Node.ID == ref },
		func(t Target) bool { return t.Member.Binding.ID == ref },
		func(t Target) bool { return t.Member.Agent.ID != "" && t.Member.Agent.ID == ref },
		func(t Target) bool { return t.Member.Agent.Name != "" && strings.EqualFold(t.Member.Agent.Name, ref) },
		func(t Target) bool { return t.Node.Label != "" && strings.EqualFold(t.Node.Label, ref) },
	}
	for _, key := range keys {
		for _, c := range cands {
			if key(c) {
				return c, true
			}
		}
	}
	return Target{}, false
}
