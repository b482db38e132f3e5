package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
)

// Monitor periodically sweeps contracts in inspection whose dispute window
// has lapsed and surfaces them through logs and a gauge.
//
// It is strictly read-only: releases happen only when the seller claims them
// through TimeoutRelease. No background path mutates contract state.
type Monitor struct {
	store    Store
	clock    Clock
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewMonitor creates a new timeout monitor.
func NewMonitor(store Store, clock Clock, logger *slog.Logger) *Monitor {
	return &Monitor{
		store:    store,
		clock:    clock,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the monitor loop is actively running.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (m *Monitor) Start(ctx context.Context) {
	m.running.Store(true)
	defer m.running.Store(false)

	// Sweep log lines resolve their logger from the context.
	ctx = logging.WithLogger(ctx, m.logger)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.safeSweep(ctx)
		}
	}
}

// Stop signals the monitor to stop.
func (m *Monitor) Stop() {
	select {
	case m.stop <- struct{}{}:
	default:
	}
}

func (m *Monitor) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in timeout monitor", "panic", fmt.Sprint(r))
		}
	}()
	m.sweep(ctx)
}

func (m *Monitor) sweep(ctx context.Context) {
	now := m.clock.Now()

	inspecting, err := m.store.ListInState(ctx, StateAwaitingInspection, 500)
	if err != nil {
		m.logger.Warn("failed to list contracts in inspection", "error", err)
		return
	}

	expired := 0
	for _, c := range inspecting {
		deadline := c.LastActionAt.Add(time.Duration(c.DisputeTimeLimit) * time.Second)
		if !now.After(deadline) {
			continue
		}
		expired++
		logging.ForContract(ctx, c.ID).Info("contract past dispute window, releasable by seller",
			"seller", c.Seller,
			"balance", c.Balance,
			"deadline", deadline,
		)
	}

	metrics.ExpiredInspectionContracts.Set(float64(expired))
}
