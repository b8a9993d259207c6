// Package endpoint exposes one streaming route per dashboard resource.
package endpoint

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/gorilla/schema"

	"github.com/countwatch/countwatch/internal/changefeed"
	"github.com/countwatch/countwatch/internal/stream"
)

// Resource describes one streamable collection.
type Resource struct {
	Name    string
	Channel string
	Table   changefeed.Table
	// Resolvable resources accept the "resolved" query parameter.
	Resolvable bool

	match func(c Criteria, row changefeed.Row) bool
}

var (
	Sessions = Resource{
		Name:    "sessions",
		Channel: "sessions_changes",
		Table:   changefeed.TableSessions,
		match:   matchSessionRow,
	}
	Movements = Resource{
		Name:    "movements",
		Channel: "movements_changes",
		Table:   changefeed.TableMovements,
		match:   matchSessionColumn,
	}
	Alerts = Resource{
		Name:       "alerts",
		Channel:    "alerts_changes",
		Table:      changefeed.TableAlerts,
		Resolvable: true,
		match:      matchAlert,
	}
	Metrics = Resource{
		Name:    "metrics",
		Channel: "metrics_changes",
		Table:   changefeed.TableMetrics,
		match:   matchSessionColumn,
	}
)

var resources = []Resource{Sessions, Movements, Alerts, Metrics}

// Resources returns every streamable resource.
func Resources() []Resource {
	return append([]Resource(nil), resources...)
}

// Lookup finds a resource by name.
func Lookup(name string) (Resource, bool) {
	for _, r := range resources {
		if r.Name == name {
			return r, true
		}
	}
	return Resource{}, false
}

// StreamPath is the Server-Sent Events route.
func (r Resource) StreamPath() string { return "/api/stream/" + r.Name }

// SocketPath is the WebSocket route.
func (r Resource) SocketPath() string { return "/api/ws/" + r.Name }

// ListPath is the bootstrap collection route.
func (r Resource) ListPath() string { return "/api/" + r.Name }

// Match reports whether evt belongs to the stream narrowed by c.
func (r Resource) Match(c Criteria, evt *changefeed.Event) bool {
	return r.match(c, evt.Row())
}

// Filter returns the stream predicate for c, ANDed with an optional where
// program.
func (r Resource) Filter(c Criteria, where *Where) stream.Filter {
	return func(evt *changefeed.Event) bool {
		if !r.Match(c, evt) {
			return false
		}
		return where == nil || where.Match(evt)
	}
}

// Criteria narrows a resource stream. Empty fields match everything.
type Criteria struct {
	SessionID string
	Resolved  *bool
}

func matchSessionRow(c Criteria, row changefeed.Row) bool {
	return c.SessionID == "" || row.ID() == c.SessionID
}

func matchSessionColumn(c Criteria, row changefeed.Row) bool {
	return c.SessionID == "" || row.String("session_id") == c.SessionID
}

func matchAlert(c Criteria, row changefeed.Row) bool {
	if !matchSessionColumn(c, row) {
		return false
	}
	if c.Resolved == nil {
		return true
	}
	resolved, ok := row.Bool("is_resolved")
	return ok && resolved == *c.Resolved
}

// ErrInvalidParams wraps every query parameter error.
var ErrInvalidParams = errors.New("invalid query parameters")

// Params are the query parameters accepted by stream and list routes.
type Params struct {
	SessionID string `schema:"session_id"`
	Resolved  string `schema:"resolved"`
	Where     string `schema:"where"`
	Limit     int    `schema:"limit"`
}

var decoder = newDecoder()

func newDecoder() *schema.Decoder {
	d := schema.NewDecoder()
	d.IgnoreUnknownKeys(true)
	return d
}

// ParseParams decodes query values.
func ParseParams(values url.Values) (Params, error) {
	var p Params
	if err := decoder.Decode(&p, values); err != nil {
		return Params{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return p, nil
}

// Criteria validates p against r. "resolved" must be exactly "true" or
// "false" on resources that support it and is ignored elsewhere.
func (p Params) Criteria(r Resource) (Criteria, error) {
	c := Criteria{SessionID: p.SessionID}
	if !r.Resolvable || p.Resolved == "" {
		return c, nil
	}
	switch p.Resolved {
	case "true":
		v := true
		c.Resolved = &v
	case "false":
		v := false
		c.Resolved = &v
	default:
		return Criteria{}, fmt.Errorf("%w: resolved must be true or false, got %q", ErrInvalidParams, p.Resolved)
	}
	return c, nil
}
