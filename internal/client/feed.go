package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/countwatch/countwatch/internal/changefeed"
	"github.com/countwatch/countwatch/internal/endpoint"
)

// ApplyEvent returns rows with evt applied. INSERT of a present id, UPDATE
// of an absent id and DELETE of an absent id leave rows unchanged. rows is
// never modified in place.
func ApplyEvent(rows []changefeed.Row, evt *changefeed.Event) []changefeed.Row {
	id := evt.RowID()
	if id == "" {
		return rows
	}
	idx := indexOf(rows, id)

	switch evt.Action {
	case changefeed.ActionInsert:
		if idx >= 0 || evt.Data == nil {
			return rows
		}
		out := make([]changefeed.Row, 0, len(rows)+1)
		out = append(out, rows...)
		return append(out, copyRow(evt.Data))

	case changefeed.ActionUpdate:
		if idx < 0 || evt.Data == nil {
			return rows
		}
		merged := copyRow(rows[idx])
		for k, v := range evt.Data {
			merged[k] = v
		}
		out := append([]changefeed.Row(nil), rows...)
		out[idx] = merged
		return out

	case changefeed.ActionDelete:
		if idx < 0 {
			return rows
		}
		out := make([]changefeed.Row, 0, len(rows)-1)
		out = append(out, rows[:idx]...)
		return append(out, rows[idx+1:]...)
	}
	return rows
}

func indexOf(rows []changefeed.Row, id string) int {
	for i, r := range rows {
		if r.ID() == id {
			return i
		}
	}
	return -1
}

func copyRow(r changefeed.Row) changefeed.Row {
	out := make(changefeed.Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// FeedOptions configures a Feed.
type FeedOptions struct {
	// BaseURL is the server root, e.g. http://localhost:8080.
	BaseURL string
	// Resource is one of sessions, movements, alerts or metrics.
	Resource string
	// Params narrow both the bootstrap fetch and the stream.
	Params url.Values
	// HTTPClient is used for bootstrap fetches.
	HTTPClient *http.Client
	// OnChange is called with a snapshot after every collection change.
	OnChange func(rows []changefeed.Row)
	Logger   *slog.Logger
}

// Feed keeps one resource collection in sync with its stream.
type Feed struct {
	resource   endpoint.Resource
	baseURL    string
	params     url.Values
	httpClient *http.Client
	manager    *Manager
	onChange   func([]changefeed.Row)
	logger     *slog.Logger

	mu        sync.Mutex
	ctx       context.Context
	rows      []changefeed.Row
	loading   bool
	connected bool
	err       error
}

// NewFeed creates a feed driven by manager.
func NewFeed(manager *Manager, opts FeedOptions) (*Feed, error) {
	res, ok := endpoint.Lookup(opts.Resource)
	if !ok {
		return nil, fmt.Errorf("unknown resource %q", opts.Resource)
	}
	if opts.BaseURL == "" {
		return nil, errors.New("baseURL is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		resource:   res,
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		params:     opts.Params,
		httpClient: httpClient,
		manager:    manager,
		onChange:   opts.OnChange,
		logger:     logger.With("component", "feed", "resource", res.Name),
		ctx:        context.Background(),
	}, nil
}

// Start bootstraps the collection and opens the stream. ctx bounds the
// feed's background refetches.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	f.ctx = ctx
	f.mu.Unlock()

	f.Refetch(ctx)
	return f.manager.Connect(f.streamURL(), f.handlers(), f.params)
}

// Close stops the stream for good.
func (f *Feed) Close() {
	f.manager.Destroy()
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *Feed) streamURL() string { return f.baseURL + f.resource.StreamPath() }

func (f *Feed) handlers() Handlers {
	return Handlers{
		OnOpen: func() {
			f.mu.Lock()
			f.connected = true
			f.err = nil
			f.mu.Unlock()
		},
		OnMessage: f.handleMessage,
		OnError:   f.handleError,
	}
}

func (f *Feed) handleMessage(env changefeed.Envelope) {
	switch env.Type {
	case changefeed.TypeData:
		if env.Data == nil || env.Data.Table != f.resource.Table {
			return
		}
		f.mu.Lock()
		f.rows = ApplyEvent(f.rows, env.Data)
		snapshot := f.snapshotLocked()
		f.mu.Unlock()
		f.notify(snapshot)
	case changefeed.TypeError:
		f.mu.Lock()
		f.err = fmt.Errorf("%s: %s", env.Message, env.Error)
		f.mu.Unlock()
	}
}

// handleError heals a broken stream: a full refetch replaces any deltas
// that were missed, then a single reconnect is scheduled.
func (f *Feed) handleError(err error) {
	f.mu.Lock()
	f.connected = false
	f.err = err
	ctx := f.ctx
	f.mu.Unlock()

	go func() {
		f.Refetch(ctx)
		f.manager.SetupAutoReconnect(f.streamURL(), f.handlers(), f.params)
	}()
}

// Refetch replaces the collection with the server's current list. On
// failure the collection is cleared.
func (f *Feed) Refetch(ctx context.Context) {
	f.mu.Lock()
	f.loading = true
	f.mu.Unlock()

	rows, err := f.fetch(ctx)

	f.mu.Lock()
	f.loading = false
	if err != nil {
		f.logger.Warn("Bootstrap fetch failed", "error", err)
		f.rows = nil
		f.err = err
	} else {
		f.rows = rows
	}
	snapshot := f.snapshotLocked()
	f.mu.Unlock()
	f.notify(snapshot)
}

func (f *Feed) fetch(ctx context.Context) ([]changefeed.Row, error) {
	target, err := BuildURL(f.baseURL+f.resource.ListPath(), f.params)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	var rows []changefeed.Row
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return rows, nil
}

func (f *Feed) notify(rows []changefeed.Row) {
	if f.onChange != nil {
		f.onChange(rows)
	}
}

func (f *Feed) snapshotLocked() []changefeed.Row {
	out := make([]changefeed.Row, len(f.rows))
	for i, r := range f.rows {
		out[i] = copyRow(r)
	}
	return out
}

// Snapshot returns a copy of the collection.
func (f *Feed) Snapshot() []changefeed.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked()
}

// Loading reports whether a bootstrap fetch is in flight.
func (f *Feed) Loading() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loading
}

// Connected reports whether the stream is open.
func (f *Feed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Err returns the last stream or fetch error, cleared when the stream opens.
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}
