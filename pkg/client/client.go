package client

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/pkdiagram/serverbridge/pkg/correlator"
	"github.com/pkdiagram/serverbridge/pkg/host"
	"github.com/pkdiagram/serverbridge/pkg/hub"
	"github.com/pkdiagram/serverbridge/pkg/monitor"
	"github.com/pkdiagram/serverbridge/pkg/observability"
	"github.com/pkdiagram/serverbridge/pkg/service"
)

// Client wires one correlator to an HTTP host through a started completion
// hub, with an optional monitor over the pending table.
type Client struct {
	settings   *Settings
	hub        *hub.Hub
	host       *host.HTTPHost
	correlator *correlator.Correlator
	monitor    *monitor.SystemMonitor
	logger     *observability.BridgeLogger
}

func NewClient(ctx context.Context, settings *Settings, logger *observability.BridgeLogger) (*Client, error) {
	logger = observability.OrNoOp(logger)
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	h := hub.NewHub(settings.EventQueueSize, logger)
	h.Start()

	httpHost, err := host.NewHTTPHost(ctx, h, host.Options{
		BaseURL:        settings.BaseURL,
		ClientVersion:  settings.ClientVersion,
		Workers:        settings.Workers,
		RetryMax:       settings.RetryMax,
		RetryWaitMin:   settings.RetryWaitMin,
		RetryWaitMax:   settings.RetryWaitMax,
		RequestTimeout: settings.RequestTimeout,
	}, logger)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("client: %w", err)
	}

	c := &Client{
		settings:   settings,
		hub:        h,
		host:       httpHost,
		correlator: correlator.NewCorrelator(h, httpHost, settings.Session, logger),
		logger:     logger,
	}

	if settings.MonitorInterval > 0 {
		assets := []monitor.Asset{monitor.NewMemory()}
		if settings.LogFile != "" {
			assets = append(assets, monitor.NewDisk(filepath.Dir(settings.LogFile)))
		}
		c.monitor = monitor.NewSystemMonitor(ctx, c.correlator, monitor.Options{
			Interval:    settings.MonitorInterval,
			LeakAge:     settings.LeakAge,
			PendingWarn: settings.PendingWarn,
		}, logger, assets...)
		c.monitor.Start()
	}

	logger.Info("client: started", "base_url", settings.BaseURL, "workers", settings.Workers)
	return c, nil
}

func (c *Client) Issue(method, path string, data interface{}, callback correlator.Callback) (service.RequestID, error) {
	return c.correlator.Issue(method, path, data, callback)
}

func (c *Client) Deliver(method, path string, data interface{}) (*correlator.Handle, error) {
	return c.correlator.Deliver(method, path, data)
}

func (c *Client) Hub() *hub.Hub { return c.hub }

func (c *Client) Correlator() *correlator.Correlator { return c.correlator }

// Monitor is nil when monitoring is disabled.
func (c *Client) Monitor() *monitor.SystemMonitor { return c.monitor }

// Close waits for transfers in flight and the callbacks of their
// completions, then shuts everything down.
func (c *Client) Close() {
	if c.monitor != nil {
		c.monitor.Close()
	}
	c.host.Close()
	c.hub.Close()
	c.correlator.Close()
	c.logger.Info("client: closed")
}
