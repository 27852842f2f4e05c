package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime/trace"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slog"

	"github.com/pkdiagram/serverbridge/pkg/client"
	"github.com/pkdiagram/serverbridge/pkg/observability"
	"github.com/pkdiagram/serverbridge/pkg/service"
)

func main() {
	configPath := flag.String("config", "", "settings file (YAML)")
	requests := flag.Int("requests", 10000, "number of requests to issue")
	path := flag.String("path", "/v1/ping", "path requested by every request")
	traceFile := flag.String("trace", "trace.out", "runtime trace output")
	debug := flag.Bool("debug", false, "debug mode")
	flag.Parse()

	settings, err := client.LoadSettings(*configPath)
	if err != nil {
		slog.Error("failed to load settings", "err", err)
		os.Exit(1)
	}
	logger := observability.SetupDefaultLogger(settings.LogFile, *debug || settings.Debug, observability.Tags{"command": "loadgen"})

	f, err := os.Create(*traceFile)
	if err != nil {
		slog.Error("failed to create trace output file", "err", err)
		panic(err)
	}
	defer func() {
		if err = f.Close(); err != nil {
			slog.Error("failed to close trace file", "err", err)
			panic(err)
		}
	}()

	if err = trace.Start(f); err != nil {
		slog.Error("failed to start trace", "err", err)
		panic(err)
	}
	defer trace.Stop()

	c, err := client.NewClient(context.Background(), settings, logger)
	if err != nil {
		slog.Error("failed to start client", "err", err)
		panic(err)
	}

	var wg sync.WaitGroup
	var failed atomic.Int64
	start := time.Now()
	for i := 0; i < *requests; i++ {
		wg.Add(1)
		_, err := c.Issue("GET", *path, nil, func(resp *service.Response) {
			defer wg.Done()
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				failed.Add(1)
			}
		})
		if err != nil {
			wg.Done()
			failed.Add(1)
		}
	}
	wg.Wait()
	elapsed := time.Since(start)

	c.Close()
	fmt.Printf("%d requests, %d failed, %v\n", *requests, failed.Load(), elapsed)
	slog.Info("load finished",
		"requests", *requests,
		"failed", failed.Load(),
		"elapsed", elapsed,
		"per_second", float64(*requests)/elapsed.Seconds(),
	)
}
