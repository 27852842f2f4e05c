package observability

import (
	"context"

	"golang.org/x/exp/slog"
)

// discardHandler drops every record before it is formatted.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h discardHandler) WithGroup(string) slog.Handler           { return h }

var discardLogger = slog.New(discardHandler{})

// NoOpLogger writes nothing. Errors captured through it still reach Sentry
// when a DSN is configured.
var NoOpLogger = NewBridgeLogger(discardLogger, nil)

// OrNoOp returns logger, or NoOpLogger if logger is nil.
func OrNoOp(logger *BridgeLogger) *BridgeLogger {
	if logger == nil {
		return NoOpLogger
	}
	return logger
}
