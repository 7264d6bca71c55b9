// Package transcript persists the durable record of a chat request: the user
// message before streaming starts and exactly one message per executed agent
// turn, each written atomically together with the binding's next memory.
package transcript
