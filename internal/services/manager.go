// Package services wires the countwatch components together and runs them.
package services

import (
	"database/sql"
	"log/slog"
	"sync"

	"github.com/juju/clock"

	"github.com/countwatch/countwatch/internal/config"
	"github.com/countwatch/countwatch/internal/listener"
	"github.com/countwatch/countwatch/internal/notify"
	"github.com/countwatch/countwatch/internal/server"
	"github.com/countwatch/countwatch/internal/storage/postgres"
)

type Options struct {
	// ListenHost overrides cfg.Server.Host when set.
	ListenHost string

	// Clock drives the listener, stream sessions and the watch loop.
	Clock clock.Clock

	Logger *slog.Logger
}

type Manager struct {
	cfg    *config.Config
	opts   Options
	clock  clock.Clock
	logger *slog.Logger

	source   notify.Source
	listener *listener.Listener
	db       *sql.DB
	store    *postgres.Store
	server   server.Service

	errCh chan error
	wg    sync.WaitGroup
}

func NewManager(cfg *config.Config, opts Options) *Manager {
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		opts:   opts,
		clock:  clk,
		logger: logger.With("component", "services"),
		errCh:  make(chan error, 1),
	}
}

// Listener returns the shared channel listener once Init has run.
func (m *Manager) Listener() *listener.Listener {
	return m.listener
}

// Addr returns the HTTP address once Start is listening, or "".
func (m *Manager) Addr() string {
	if m.server == nil {
		return ""
	}
	return m.server.Addr()
}

// Err delivers a fatal server error.
func (m *Manager) Err() <-chan error {
	return m.errCh
}
