package core

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTopology is returned when a topology fails validation.
	ErrInvalidTopology = errors.New("invalid topology")
	// ErrEmptyTopology signals a topology without nodes. Callers fall back to a
	// single echo turn.
	ErrEmptyTopology = errors.New("empty topology")
	// ErrHandoffLimitExceeded is returned when a plan reaches its turn cap.
	ErrHandoffLimitExceeded = errors.New("handoff limit exceeded")
	// ErrBackendUnavailable is returned once an inference backend failed twice
	// in a row within one chat request.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrSessionNotFound is returned when a session id is unknown.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned when a chat request targets a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrNotFound is returned for unknown agents and bindings.
	ErrNotFound = errors.New("not found")
	// ErrUnknownAgent is returned when an agent reference cannot be resolved
	// against the session members.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrNoRoute is returned when a handoff target is not reachable by an edge
	// from the current node.
	ErrNoRoute = errors.New("no route to handoff target")
	// ErrStreamActive is returned when a session already has a running stream.
	ErrStreamActive = errors.New("stream already active for session")
	// ErrInvalidRequest is returned for malformed chat or management input.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrStaleMemory is returned when a memory update was computed from an
	// outdated version.
	ErrStaleMemory = errors.New("stale memory context")
)

// TopologyError describes why a topology was rejected.
type TopologyError struct {
	NodeID string
	Reason string
}

func (e *TopologyError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("invalid topology: %s", e.Reason)
	}
	return fmt.Sprintf("invalid topology: node %q: %s", e.NodeID, e.Reason)
}

// Unwrap allows errors.Is(err, ErrInvalidTopology).
func (e *TopologyError) Unwrap() error { return ErrInvalidTopology }
