package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/pkdiagram/serverbridge/pkg/correlator"
	"github.com/pkdiagram/serverbridge/pkg/observability"
	"github.com/pkdiagram/serverbridge/pkg/service"
)

// PendingSource exposes the pending table of a correlator.
type PendingSource interface {
	Pending() []correlator.PendingRequest
}

type Options struct {
	Interval    time.Duration
	LeakAge     time.Duration
	PendingWarn int
}

type Stats struct {
	Pending int
	Stale   []correlator.PendingRequest
	Metrics map[string]float64
}

// SystemMonitor periodically reports the size of the pending table, entries
// that have waited longer than LeakAge, and resource usage. It only reports;
// entries are never removed.
type SystemMonitor struct {
	// ctx is the context for the system monitor
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	source  PendingSource
	assets  []Asset
	options Options

	// logger is the logger for the system monitor
	logger *observability.BridgeLogger

	mutex  sync.Mutex
	warned map[service.RequestID]bool
	over   bool
}

// NewSystemMonitor creates a new SystemMonitor watching source. Assets that
// are not available on this host are skipped.
func NewSystemMonitor(ctx context.Context, source PendingSource, options Options, logger *observability.BridgeLogger, assets ...Asset) *SystemMonitor {
	logger = observability.OrNoOp(logger)
	if options.Interval <= 0 {
		options.Interval = 30 * time.Second
	}
	available := make([]Asset, 0, len(assets))
	for _, asset := range assets {
		if asset.IsAvailable() {
			available = append(available, asset)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	return &SystemMonitor{
		ctx:     ctx,
		cancel:  cancel,
		source:  source,
		assets:  available,
		options: options,
		logger:  logger,
		warned:  make(map[service.RequestID]bool),
	}
}

// Start runs the sampling loop in the background until Close.
func (sm *SystemMonitor) Start() {
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		sm.Do()
	}()
}

func (sm *SystemMonitor) Do() {
	sm.logger.Info("monitor: starting", "interval", sm.options.Interval)
	for _, asset := range sm.assets {
		sm.logger.Debug("monitor: asset", "name", asset.Name(), "probe", asset.Probe())
	}

	ticker := time.NewTicker(sm.options.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-sm.ctx.Done():
			sm.logger.Info("monitor: stopping")
			return
		case <-ticker.C:
			stats := sm.Sample()
			sm.logger.Debug("monitor: stats", "pending", stats.Pending, "stale", len(stats.Stale), "metrics", stats.Metrics)
		}
	}
}

// Sample takes one round of measurements and logs warnings for new findings.
func (sm *SystemMonitor) Sample() Stats {
	pending := sm.source.Pending()
	stats := Stats{
		Pending: len(pending),
		Metrics: make(map[string]float64),
	}

	for _, asset := range sm.assets {
		asset.SampleMetrics()
		for metric, value := range asset.AggregateMetrics() {
			stats.Metrics[metric] = value
		}
		asset.ClearMetrics()
	}

	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	now := time.Now()
	live := make(map[service.RequestID]bool, len(pending))
	for _, req := range pending {
		live[req.ID] = true
		if sm.options.LeakAge <= 0 || now.Sub(req.IssuedAt) < sm.options.LeakAge {
			continue
		}
		stats.Stale = append(stats.Stale, req)
		if !sm.warned[req.ID] {
			sm.warned[req.ID] = true
			sm.logger.Warn("monitor: request still pending",
				"id", req.ID, "method", req.Method, "path", req.Path, "age", now.Sub(req.IssuedAt))
		}
	}
	for id := range sm.warned {
		if !live[id] {
			delete(sm.warned, id)
		}
	}

	over := sm.options.PendingWarn > 0 && stats.Pending > sm.options.PendingWarn
	if over && !sm.over {
		sm.logger.Warn("monitor: pending requests over threshold", "pending", stats.Pending, "threshold", sm.options.PendingWarn)
	}
	sm.over = over

	return stats
}

func (sm *SystemMonitor) Close() {
	sm.cancel()
	sm.wg.Wait()
}
