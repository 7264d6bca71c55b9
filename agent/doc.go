// Package agent runs a single agent turn. A Runner resolves the member's
// prompt and model, calls the inference backend, and exposes the output as an
// incremental sequence of core.AgentEvent values. Handoffs are requested by
// the model through the transfer_to_agent tool, which is offered whenever the
// current node has outgoing routes.
//
// Backend failures degrade a turn into a diagnostic instead of aborting the
// request, unless the backend fails twice in a row within one Invocation.
package agent
