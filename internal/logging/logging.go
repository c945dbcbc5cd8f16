// Package logging provides small helpers for dependency-injected structured
// logging across the ingest pipeline.
//
// Logging is never global: each component receives its *slog.Logger at
// construction time and scopes it with its own attributes. main() is the
// only place that configures output format, level, and destination.
package logging

import (
	"context"
	"log/slog"
)

// discardHandler drops every record. It backs Discard() so components can
// be constructed with a nil logger in tests without nil-checking on every
// call site.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that produces no output.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger if non-nil, otherwise a discard logger. Use this
// for optional *slog.Logger constructor parameters:
//
//	func New(logger *slog.Logger) *Component {
//	    logger = logging.Default(logger)
//	    return &Component{logger: logger.With("component", "name")}
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// ForFile scopes a logger to a single fetchlog unit of work, the shared
// context threaded through fetch -> parse -> accumulate -> dump.
func ForFile(logger *slog.Logger, fetchlogsID int64, key string) *slog.Logger {
	return Default(logger).With("fetchlogs_id", fetchlogsID, "key", key)
}
