package topology

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/meshchat/core"
	"github.com/hupe1980/meshchat/internal/testutil"
)

func threeAgents() testutil.Fixture {
	return testutil.NewSessionBuilder("s1").
		Agent("b1", "Planner").Agent("b2", "Coder").Agent("b3", "Reviewer").
		Entry("n1", "b1").Node("n2", "b2").Node("n3", "b3").
		Edge("n1", "n2").Edge("n1", "n3").Edge("n2", "n3").
		Build()
}

func TestResolveEntry(t *testing.T) {
	fx := threeAgents()

	entry, err := ResolveEntry(fx.Session.Topology)
	require.NoError(t, err)
	assert.Equal(t, "n1", entry.ID)

	_, err = ResolveEntry(core.Topology{})
	assert.ErrorIs(t, err, core.ErrEmptyTopology)
}

func TestResolveEntry_MissingOrDuplicate(t *testing.T) {
	_, err := ResolveEntry(core.Topology{Nodes: []core.Node{{ID: "a", BindingID: "b1"}}})
	assert.ErrorIs(t, err, core.ErrInvalidTopology)

	_, err = ResolveEntry(core.Topology{Nodes: []core.Node{
		{ID: "a", BindingID: "b1", Entry: true},
		{ID: "b", BindingID: "b2", Entry: true},
	}})
	var te *core.TopologyError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "b", te.NodeID)
}

func TestResolveRoute_DeclarationOrder(t *testing.T) {
	topo := threeAgents().Session.Topology
	topo.Edges = append(topo.Edges, core.Edge{From: "n1", To: "n2"})

	routes := ResolveRoute(topo, "n1")
	require.Len(t, routes, 2)
	assert.Equal(t, "n2", routes[0].ID)
	assert.Equal(t, "n3", routes[1].ID)

	assert.Empty(t, ResolveRoute(topo, "n3"))
	assert.True(t, HasEdge(topo, "n2", "n3"))
	assert.False(t, HasEdge(topo, "n3", "n2"))
}

func TestValidate(t *testing.T) {
	fx := threeAgents()
	require.NoError(t, Validate(fx.Session.Topology, fx.Bindings()))
	require.NoError(t, Validate(core.Topology{}, nil))

	tests := []struct {
		name   string
		mutate func(*core.Topology)
	}{
		{"unknown binding", func(t *core.Topology) { t.Nodes[1].BindingID = "missing" }},
		{"duplicate node", func(t *core.Topology) { t.Nodes[2].ID = "n2" }},
		{"unknown edge target", func(t *core.Topology) { t.Edges = append(t.Edges, core.Edge{From: "n1", To: "nx"}) }},
		{"unknown edge source", func(t *core.Topology) { t.Edges = append(t.Edges, core.Edge{From: "nx", To: "n1"}) }},
		{"no entry", func(t *core.Topology) { t.Nodes[0].Entry = false }},
		{"two entries", func(t *core.Topology) { t.Nodes[1].Entry = true }},
		{"unreachable", func(t *core.Topology) { t.Edges = t.Edges[:1] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topo := fx.Session.Topology.Clone()
			tt.mutate(&topo)
			err := Validate(topo, fx.Bindings())
			assert.ErrorIs(t, err, core.ErrInvalidTopology)
		})
	}
}

func TestCodec_RoundTripIsByteIdentical(t *testing.T) {
	topos := []core.Topology{
		{},
		threeAgents().Session.Topology,
		{Nodes: []core.Node{{ID: "a", BindingID: "b", Label: "Alpha", Entry: true, X: 10.5, Y: -3}}},
	}
	for _, topo := range topos {
		first, err := Encode(topo)
		require.NoError(t, err)
		decoded, err := Decode(first)
		require.NoError(t, err)
		second, err := Encode(decoded)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(second))
	}
}

func TestDecode_EmptyAndEdgePairs(t *testing.T) {
	for _, in := range []string{"", "  ", "null"} {
		topo, err := Decode([]byte(in))
		require.NoError(t, err)
		assert.True(t, topo.Empty())
	}

	topo, err := Decode([]byte(`{"nodes":[{"id":"a","binding_id":"b1","entry":true},{"id":"b","binding_id":"b2"}],"edges":[["a","b"]]}`))
	require.NoError(t, err)
	assert.Equal(t, []core.Edge{{From: "a", To: "b"}}, topo.Edges)

	_, err = Decode([]byte(`{"nodes":[],"edges":[["a"]]}`))
	assert.Error(t, err)
}

func TestIndex_Resolve(t *testing.T) {
	fx := testutil.NewSessionBuilder("s1").
		Agent("b1", "Planner").Agent("b2", "Coder").Agent("b3", "Floater").
		Entry("n1", "b1").Node("n2", "b2").Edge("n1", "n2").
		Build()

	idx, err := NewIndex(fx.Session.Topology, fx.Members)
	require.NoError(t, err)

	for _, ref := range []string{"n2", "b2", "agent-coder", "coder", "CODER"} {
		target, err := idx.Resolve(ref)
		require.NoError(t, err, ref)
		assert.Equal(t, "n2", target.Node.ID, ref)
		assert.Equal(t, "Coder", target.Name())
	}

	floater, err := idx.Resolve("Floater")
	require.NoError(t, err)
	assert.False(t, floater.InGraph())
	assert.Equal(t, "b3", floater.Member.Binding.ID)

	_, err = idx.Resolve("nobody")
	assert.ErrorIs(t, err, core.ErrUnknownAgent)
}

func TestIndex_ResolveFrom(t *testing.T) {
	fx := threeAgents()
	idx, err := NewIndex(fx.Session.Topology, fx.Members)
	require.NoError(t, err)

	target, err := idx.ResolveFrom("n2", "Reviewer")
	require.NoError(t, err)
	assert.Equal(t, "n3", target.Node.ID)

	_, err = idx.ResolveFrom("n3", "Planner")
	assert.ErrorIs(t, err, core.ErrNoRoute)

	_, err = idx.ResolveFrom("n1", "ghost")
	assert.ErrorIs(t, err, core.ErrUnknownAgent)
}

func TestNewIndex_RejectsInvalid(t *testing.T) {
	fx := threeAgents()
	_, err := NewIndex(fx.Session.Topology, fx.Members[:1])
	assert.ErrorIs(t, err, core.ErrInvalidTopology)
}
