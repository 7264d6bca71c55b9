// Package testutil contains helper builders used across tests to reduce
// boilerplate when constructing sessions, members, topologies and scripted
// agent event sequences. They are not intended for production usage.
package testutil
