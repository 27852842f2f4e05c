package observability

import (
	"context"

	"golang.org/x/exp/slog"
)

type Tags map[string]string

// BridgeLogger is a slog logger whose error and warning paths are also
// reported to Sentry, tagged with the logger's tags and the call's args.
type BridgeLogger struct {
	*slog.Logger
	tags Tags
}

func NewBridgeLogger(logger *slog.Logger, tags Tags) *BridgeLogger {
	if tags == nil {
		tags = make(Tags)
	}
	return &BridgeLogger{Logger: logger, tags: tags}
}

// With returns a logger carrying args as both slog attributes and tags.
func (bl *BridgeLogger) With(args ...any) *BridgeLogger {
	tags := make(Tags, len(bl.tags))
	for k, v := range bl.tags {
		tags[k] = v
	}
	for k, v := range tagsFromArgs(args...) {
		tags[k] = v
	}
	return &BridgeLogger{Logger: bl.Logger.With(args...), tags: tags}
}

func (bl *BridgeLogger) Tags() Tags {
	return bl.tags
}

func (bl *BridgeLogger) mergedTags(args ...any) map[string]string {
	tags := tagsFromArgs(args...)
	for k, v := range bl.tags {
		tags[k] = v
	}
	return tags
}

// CaptureError logs err at error level and sends it to Sentry.
func (bl *BridgeLogger) CaptureError(msg string, err error, args ...any) {
	args = append(args, "err", err)
	bl.Logger.Error(msg, args...)
	if err != nil {
		CaptureException(err, bl.mergedTags(args...))
	}
}

// CaptureWarn logs at warn level and sends msg to Sentry as a message.
func (bl *BridgeLogger) CaptureWarn(msg string, args ...any) {
	bl.Logger.Warn(msg, args...)
	CaptureMessage(msg, bl.mergedTags(args...))
}

// CaptureFatal reports err then panics; Reraise in main flushes the report.
func (bl *BridgeLogger) CaptureFatal(msg string, err error, args ...any) {
	bl.CaptureError(msg, err, args...)
	panic(err)
}

func (bl *BridgeLogger) CaptureLog(ctx context.Context, level slog.Level, msg string, err error, args ...any) {
	if level >= slog.LevelError && err != nil {
		CaptureException(err, bl.mergedTags(args...))
	}
	bl.Logger.Log(ctx, level, msg, args...)
}

func tagsFromArgs(args ...any) map[string]string {
	tags := make(map[string]string)
	for len(args) > 0 {
		switch x := args[0].(type) {
		case slog.Attr:
			tags[x.Key] = x.Value.String()
			args = args[1:]
		case string:
			if len(args) < 2 {
				return tags
			}
			// errors are reported as exceptions, not tags
			if _, isErr := args[1].(error); !isErr {
				attr := slog.Any(x, args[1])
				tags[attr.Key] = limitLength(attr.Value.String())
			}
			args = args[2:]
		default:
			args = args[1:]
		}
	}
	return tags
}

// sentry has a limit of 200 characters for tag values
func limitLength(s string) string {
	maxLen := 197
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}
