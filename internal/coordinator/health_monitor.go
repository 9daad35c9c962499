// Package coordinator provides the worker fleet coordination functionality.
// This file implements the coordinator's half of the liveness probe contract.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Prober runs one liveness interval over all live transports.
// Registry implements it.
type Prober interface {
	Probe() (probed, expired int)
}

// HealthMonitor drives the coordinator's liveness probes. Workers only keep a
// connection while they hear probes from the coordinator, and the coordinator
// only keeps a transport while it hears probes from the worker, so both ends
// detect a silently dead link within MaxMissed intervals.
// Thread-safe: Start and Stop may be called from different goroutines.
type HealthMonitor struct {
	prober   Prober
	logger   *slog.Logger
	ctx      context.Context    // Context for cancellation
	cancel   context.CancelFunc // Cancel function for shutdown
	interval time.Duration      // How often to probe
	wg       sync.WaitGroup     // Wait group for graceful shutdown

	mu      sync.Mutex
	rounds  int
	expired int
}

// NewHealthMonitor creates a monitor that probes through prober every
// interval.
//
// Example:
//
//	monitor := NewHealthMonitor(registry, 8*time.Second, logger)
//	go monitor.Start(ctx)
//	defer monitor.Stop()
func NewHealthMonitor(prober Prober, interval time.Duration, logger *slog.Logger) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	return &HealthMonitor{
		prober:   prober,
		logger:   logger,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start probes every interval until ctx is canceled or Stop is called.
// It blocks; run it in its own goroutine.
func (h *HealthMonitor) Start(ctx context.Context) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("health monitor started", "interval", h.interval)

	for {
		select {
		case <-ticker.C:
			h.round()
		case <-ctx.Done():
			h.logger.Info("health monitor stopping due to context cancellation")
			return
		case <-h.ctx.Done():
			h.logger.Info("health monitor stopping due to internal cancellation")
			return
		}
	}
}

// Stop cancels the monitor and waits for Start to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

func (h *HealthMonitor) round() {
	probed, expired := h.prober.Probe()
	if expired > 0 {
		h.logger.Warn("destroyed silent worker connections", "expired", expired, "probed", probed)
	}

	h.mu.Lock()
	h.rounds++
	h.expired += expired
	h.mu.Unlock()
}

// Stats returns the number of probe rounds run and transports destroyed.
func (h *HealthMonitor) Stats() (rounds, expired int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rounds, h.expired
}
