// Package core provides the foundational domain types and interfaces shared by
// the meshchat orchestrator. It defines the core abstractions for:
//
//   - Sessions, agent bindings and transcript messages
//   - Topologies (directed graphs of agent bindings with a single entry)
//   - Turns (one agent run inside a chat request)
//   - AgentEvents (the typed output of a single turn)
//   - Pluggable stores for sessions, agents and transcripts
//
// The package keeps implementation concerns (persistence, scheduling, model
// backends, transport) out of scope and exposes small interfaces so that
// custom backends can be plugged in.
package core
