package topology

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/hupe1980/meshchat/core"
)

// Encode returns the canonical JSON form of t. Nil slices encode as empty
// arrays so that encoding a decoded value reproduces the same bytes.
func Encode(t core.Topology) ([]byte, error) {
	data, err := json.Marshal(t.Clone())
	if err != nil {
		return nil, fmt.Errorf("encode topology: %w", err)
	}
	return data, nil
}

// Decode parses a stored or submitted topology. Empty input and JSON null
// decode to the empty topology.
func Decode(data []byte) (core.Topology, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return core.Topology{Nodes: []core.Node{}, Edges: []core.Edge{}}, nil
	}
	var t core.Topology
	if err := json.Unmarshal(trimmed, &t); err != nil {
		return core.Topology{}, fmt.Errorf("decode topology: %w", err)
	}
	return t.Clone(), nil
}
