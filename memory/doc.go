// Package memory maintains the short-term memory of a session agent binding.
// The memory is a small JSON summary stored as the binding's versioned
// core.MemoryContext. It is advanced by the transcript writer whenever a turn
// of the binding is committed and is never written from user input.
package memory
