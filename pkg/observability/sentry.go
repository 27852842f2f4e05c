package observability

import (
	"time"

	"github.com/getsentry/sentry-go"
	"golang.org/x/exp/slog"
)

// InitSentry configures the global Sentry client. An empty dsn or
// disabled=true leaves the client effectively disabled.
func InitSentry(dsn string, disabled bool, commit string) {
	if disabled {
		dsn = ""
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		AttachStacktrace: true,
		Release:          commit,
	})
	if err != nil {
		slog.Error("sentry.Init failed", "err", err)
		return
	}

	if dsn != "" {
		slog.Debug("sentry.Init succeeded", "dsn", dsn)
	} else {
		slog.Debug("sentry is disabled")
	}
}

func CaptureException(err error, tags map[string]string) {
	localHub := sentry.CurrentHub().Clone()
	localHub.ConfigureScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
	})
	localHub.CaptureException(err)
}

func CaptureMessage(msg string, tags map[string]string) {
	localHub := sentry.CurrentHub().Clone()
	localHub.ConfigureScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
	})
	localHub.CaptureMessage(msg)
}

// Reraise reports a panic in progress to Sentry and panics again.
// Use as `defer observability.Reraise()`.
func Reraise() {
	err := recover()

	if err != nil {
		sentry.CurrentHub().Clone().Recover(err)
		sentry.Flush(time.Second * 2)

		panic(err)
	}
}

func Flush() {
	sentry.Flush(time.Second * 2)
}
