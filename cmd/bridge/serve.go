package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pkdiagram/serverbridge/pkg/client"
	"github.com/pkdiagram/serverbridge/pkg/hub"
	"github.com/pkdiagram/serverbridge/pkg/service"
)

var tapAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Issue requests read from stdin, one per line: METHOD PATH [JSON]",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tapAddr != "" {
			settings.TapAddr = tapAddr
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, settings, os.Stdin, os.Stdout)
	},
}

func init() {
	serveCmd.Flags().StringVar(&tapAddr, "tap", "", "address streaming every completion as JSON lines")
}

type requestLine struct {
	method string
	path   string
	data   interface{}
}

func parseLine(line string) (*requestLine, error) {
	fields := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(fields) < 2 {
		return nil, fmt.Errorf("want METHOD PATH [JSON], got %q", line)
	}
	req := &requestLine{method: strings.ToUpper(fields[0]), path: fields[1]}
	if len(fields) == 3 {
		data, err := parseData(strings.TrimSpace(fields[2]))
		if err != nil {
			return nil, fmt.Errorf("body of %s %s: %w", req.method, req.path, err)
		}
		req.data = data
	}
	return req, nil
}

// serve issues every line of in until EOF, then waits for the responses.
// With a tap address it keeps running until ctx is done.
func serve(ctx context.Context, settings *client.Settings, in io.Reader, out io.Writer) error {
	c, err := client.NewClient(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if settings.TapAddr != "" {
		tap := hub.NewTapService(c.Hub(), settings.EventQueueSize, logger)
		g.Go(func() error {
			return tap.ListenAndServe(ctx, settings.TapAddr)
		})
	}

	lines := make(chan string)
	go func() {
		// blocking reads cannot be interrupted; the goroutine ends with stdin
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	p := newPrinter(out)
	outstanding := newTracker()
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return drain(ctx, outstanding, settings.TapAddr == "", cancel)
				}
				if strings.TrimSpace(line) == "" {
					continue
				}
				req, err := parseLine(line)
				if err != nil {
					logger.Warn("serve: skipping line", "err", err)
					continue
				}
				outstanding.add()
				// the callback may run before Issue returns
				issued := make(chan service.RequestID, 1)
				id, err := c.Issue(req.method, req.path, req.data, func(resp *service.Response) {
					defer outstanding.finish()
					if err := p.print(<-issued, req.method, req.path, resp); err != nil {
						logger.CaptureError("serve: print response", err)
					}
				})
				if err != nil {
					outstanding.finish()
					logger.CaptureError("serve: issue", err, "method", req.method, "path", req.path)
					continue
				}
				issued <- id
			}
		}
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// tracker counts responses still outstanding. idle is closed once input
// has ended and the count is back to zero.
type tracker struct {
	mutex  sync.Mutex
	count  int
	ended  bool
	closed bool
	idle   chan struct{}
}

func newTracker() *tracker {
	return &tracker{idle: make(chan struct{})}
}

func (t *tracker) add() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.count++
}

func (t *tracker) finish() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.count--
	t.notify()
}

func (t *tracker) end() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.ended = true
	t.notify()
}

func (t *tracker) notify() {
	if t.ended && t.count == 0 && !t.closed {
		t.closed = true
		close(t.idle)
	}
}

// drain waits for the responses still outstanding. Without a tap there is
// nothing left to do afterwards, so it stops the group.
func drain(ctx context.Context, outstanding *tracker, stop bool, cancel context.CancelFunc) error {
	outstanding.end()
	select {
	case <-outstanding.idle:
		if stop {
			cancel()
		}
	case <-ctx.Done():
	}
	return nil
}
