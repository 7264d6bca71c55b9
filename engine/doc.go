// Package engine implements the orchestration layer of meshchat.
//
// The Engine ties the pieces of a chat request together:
//
//	Open ─► load session, members, topology ─► plan ─► register ─► commit user message
//	Serve ─► multiplexer runs turns, streams events, commits each turn
//	Close ─► unregister (on every exit path)
//
// Only one stream may run per session; a second Open fails with
// core.ErrStreamActive. Stop cancels the running stream of a session from any
// goroutine and is a no-op when nothing runs.
//
// # Callbacks
//
// Lifecycle hooks (turn_started, turn_committed, handoff, stream_ended) are
// registered on the CallbackManager. They run synchronously on the stream
// goroutine; their errors are logged and never abort a stream.
//
// # Example
//
//	eng := engine.New(func(o *engine.Options) { o.Store = store; o.Models = models })
//	st, err := eng.Open(ctx, engine.ChatRequest{SessionID: id, Message: "hi"})
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
//	res := st.Serve(sseWriter)
//
// Management operations (sessions, bindings, topology, agent definitions)
// used by the HTTP API live on the Engine as well.
package engine
