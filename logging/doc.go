// Package logging provides the minimal Logger interface used throughout
// meshchat together with slog-backed implementations.
//
// Components accept a Logger so callers can plug any structured logger:
//
//   - Logger is the injected interface (Debug, Info, Warn, Error)
//   - MeshLogger wraps log/slog with component scoping
//   - NoOpLogger discards everything and is the default in tests
//
// Usage:
//
//	logger := logging.NewLogger(&logging.Config{Level: logging.LogLevelInfo, Format: "json"})
//	eng := engine.New(func(o *engine.Options) { o.Logger = logger.WithComponent("engine") })
package logging
