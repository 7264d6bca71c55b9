// Package session contains implementations of core.Store: a process-local
// InMemoryStore for tests and demos, and a GormStore backed by SQLite or
// PostgreSQL for durable deployments.
package session
