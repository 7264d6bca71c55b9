// Package stream turns a turn plan into the four-event chat wire protocol.
//
// A Multiplexer drives the turns of one chat request strictly in sequence,
// forwards every agent event to a Sink as it arrives, commits each finished
// turn through the transcript writer, and always closes the stream with a
// single end event:
//
//	thinking* text* (handoff thinking* text*)* end
//
// SSEWriter encodes events as Server-Sent Events. Other transports (the
// websocket endpoint, the non-streaming send endpoint) provide their own Sink.
package stream
