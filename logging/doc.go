// Package logging provides a minimal logging interface and adapters.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the dispatcher, stores and server use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping an existing *slog.Logger
//   - StructuredLogger with component/session scoping and model/tool/run helpers
//   - NoOpLogger for silent operation (the default of every component)
//
// Usage:
//
//	logger := logging.New(&logging.Config{Level: logging.LogLevelInfo, Format: "json"})
//	d := dispatcher.New(store, events, client, func(o *dispatcher.Options) { o.Logger = logger })
package logging
