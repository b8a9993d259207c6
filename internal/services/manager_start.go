package services

import (
	"context"
	"errors"
)

// Start connects the listener and serves HTTP in the background. A listener
// that cannot connect is not fatal: streams report subscribe failures to
// their clients and the watch loop keeps retrying.
func (m *Manager) Start(ctx context.Context) {
	if err := m.listener.Connect(ctx); err != nil {
		m.logger.Error("Listener failed to connect, serving degraded", "error", err)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.server.Start(ctx); err != nil {
			m.logger.Error("HTTP server stopped", "error", err)
			select {
			case m.errCh <- err:
			default:
			}
		}
	}()

	if interval := m.cfg.Listener.WatchInterval; interval > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.watchListener(ctx)
		}()
	}
}

// watchListener re-establishes a lost or unhealthy source connection every
// WatchInterval.
func (m *Manager) watchListener(ctx context.Context) {
	interval := m.cfg.Listener.WatchInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(interval):
		}

		if m.listener.HealthCheck(ctx) {
			continue
		}
		m.logger.Warn("Listener unhealthy, reconnecting")
		if m.listener.Connected() {
			if err := m.listener.Disconnect(); err != nil {
				m.logger.Warn("Failed to drop unhealthy connection", "error", err)
			}
		}
		if err := m.listener.Connect(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("Listener reconnect failed", "error", err)
		}
	}
}
