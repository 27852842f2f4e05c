package observability

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/exp/slog"
)

func setupLogger(opts *slog.HandlerOptions, writers ...io.Writer) *slog.Logger {
	writer := io.MultiWriter(writers...)
	if opts == nil {
		opts = &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}
	}
	return slog.New(slog.NewJSONHandler(writer, opts))
}

// SetupDefaultLogger logs JSON to logFile (appending), and also to stderr
// when debug is set. It installs the result as the slog default.
func SetupDefaultLogger(logFile string, debug bool, tags Tags) *BridgeLogger {
	var writers []io.Writer

	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			fmt.Fprintln(os.Stderr, "cannot open log file", logFile, err)
		} else {
			writers = append(writers, file)
		}
	}
	if debug || os.Getenv("BRIDGE_DEBUG") != "" {
		writers = append(writers, os.Stderr)
	}
	if len(writers) == 0 {
		slog.SetDefault(discardLogger)
		return NewBridgeLogger(discardLogger, tags)
	}

	logger := setupLogger(nil, writers...)
	slog.SetDefault(logger)
	slog.Info("started logging")

	args := make([]any, 0, 2*len(tags))
	for k, v := range tags {
		args = append(args, k, v)
	}
	return NewBridgeLogger(logger.With(args...), tags)
}
