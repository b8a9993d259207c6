package services

import (
	"context"
	"fmt"

	"github.com/countwatch/countwatch/internal/changefeed"
	"github.com/countwatch/countwatch/internal/endpoint"
	"github.com/countwatch/countwatch/internal/gateway"
	"github.com/countwatch/countwatch/internal/gateway/rest"
	"github.com/countwatch/countwatch/internal/listener"
	"github.com/countwatch/countwatch/internal/notify"
	"github.com/countwatch/countwatch/internal/server"
	"github.com/countwatch/countwatch/internal/storage/postgres"
)

// Dependency injection for tests
var (
	sourceFactory = notify.New
	openDatabase  = postgres.Open
	ensureSchema  = postgres.EnsureSchema
)

// Init builds the notification source, the listener, the database store and
// the HTTP routes. Nothing is connected or served until Start.
func (m *Manager) Init(ctx context.Context) error {
	if err := m.initListener(); err != nil {
		return err
	}
	if err := m.initDatabase(ctx); err != nil {
		return err
	}
	m.initServer()
	return nil
}

func (m *Manager) initListener() error {
	source, err := sourceFactory(m.cfg.Source, m.cfg.Database.DSN, m.opts.Logger)
	if err != nil {
		return fmt.Errorf("failed to create notification source: %w", err)
	}
	m.source = source
	m.listener = listener.New(source, m.cfg.Listener, m.clock, m.opts.Logger)
	m.logger.Info("Notification source configured", "type", m.cfg.Source.Type)
	return nil
}

func (m *Manager) initDatabase(ctx context.Context) error {
	if m.cfg.Database.DSN == "" {
		m.logger.Info("No database configured, list routes disabled")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Database.ConnectTimeout)
	defer cancel()

	db, err := openDatabase(ctx, m.cfg.Database.DSN)
	if err != nil {
		return err
	}
	m.db = db

	if m.cfg.Database.EnsureSchema {
		channels := make(map[changefeed.Table]string)
		for _, res := range endpoint.Resources() {
			channels[res.Table] = res.Channel
		}
		if err := ensureSchema(ctx, db, channels); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
		m.logger.Info("Database schema ensured", "tables", len(channels))
	}

	m.store = postgres.NewStore(db)
	return nil
}

func (m *Manager) initServer() {
	cfg := m.cfg.Server
	if m.opts.ListenHost != "" {
		cfg.Host = m.opts.ListenHost
	}
	m.server = server.New(cfg, m.opts.Logger)

	opts := []rest.HandlerOption{
		rest.WithHealthCheck("listener", m.listener),
	}
	if m.opts.Logger != nil {
		opts = append(opts, rest.WithLogger(m.opts.Logger))
	}
	var lister rest.Lister
	if m.store != nil {
		lister = m.store
		store := m.store
		opts = append(opts, rest.WithHealthCheck("database", rest.HealthCheckFunc(func(ctx context.Context) bool {
			return store.Ping(ctx) == nil
		})))
	}

	streams := endpoint.NewFactory(m.listener, m.cfg.Stream, m.clock, m.opts.Logger)
	gateway.NewServer(rest.NewHandler(lister, opts...), streams).RegisterRoutes(m.server.HTTPMux())
}
