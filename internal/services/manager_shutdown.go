package services

import (
	"context"
)

// Shutdown stops the HTTP server, which ends every open stream, waits for
// the background loops and then closes the source and the database. The
// caller cancels the context given to Start first.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.server != nil {
		if err := m.server.Stop(ctx); err != nil {
			m.logger.Error("Error shutting down HTTP server", "error", err)
		}
	}

	m.logger.Info("Waiting for background tasks to finish...")
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("Background tasks finished")
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for background tasks")
	}

	if m.listener != nil {
		if err := m.listener.Disconnect(); err != nil {
			m.logger.Error("Error disconnecting listener", "error", err)
		}
	}
	if m.db != nil {
		if err := m.db.Close(); err != nil {
			m.logger.Error("Error closing database", "error", err)
		}
	}
}
