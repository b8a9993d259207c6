// Package changefeed defines the change notification model shared by the
// server side fan-out and the stream clients.
package changefeed

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Table is the logical resource a change belongs to.
type Table string

const (
	TableSessions  Table = "sessions"
	TableMovements Table = "people_movements"
	TableAlerts    Table = "alert_logs"
	TableMetrics   Table = "realtime_metrics"
)

// Known reports whether t is one of the tables the feed publishes.
func (t Table) Known() bool {
	switch t {
	case TableSessions, TableMovements, TableAlerts, TableMetrics:
		return true
	}
	return false
}

// Action is the kind of row mutation.
type Action string

const (
	ActionInsert Action = "INSERT"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
	ActionTest   Action = "TEST"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionInsert, ActionUpdate, ActionDelete, ActionTest:
		return true
	}
	return false
}

// Row is an opaque row representation keyed by column name.
type Row map[string]interface{}

// ID returns the row id rendered as a string, or "" if the row has none.
func (r Row) ID() string {
	return r.String("id")
}

// String returns the value of field as a string. Numbers and booleans are
// formatted; missing or null fields yield "".
func (r Row) String(field string) string {
	if r == nil {
		return ""
	}
	v, ok := r[field]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// Bool returns field as a boolean. Strings "true"/"false" are accepted since
// some producers serialize flags as text.
func (r Row) Bool(field string) (bool, bool) {
	if r == nil {
		return false, false
	}
	switch val := r[field].(type) {
	case bool:
		return val, true
	case string:
		switch val {
		case "true", "t":
			return true, true
		case "false", "f":
			return false, true
		}
	}
	return false, false
}

// Event describes one row-level mutation as emitted by the notification source.
type Event struct {
	Table     Table   `json:"table"`
	Action    Action  `json:"action"`
	Data      Row     `json:"data,omitempty"`
	OldData   Row     `json:"old_data,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

// ErrMalformedEvent is returned when a notification payload cannot be decoded.
var ErrMalformedEvent = errors.New("malformed change event")

// DecodeEvent parses a notification payload. Unknown tables are accepted so
// consumers can ignore them; a missing or unknown action is rejected.
func DecodeEvent(payload []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if evt.Table == "" {
		return nil, fmt.Errorf("%w: missing table", ErrMalformedEvent)
	}
	if !evt.Action.Valid() {
		return nil, fmt.Errorf("%w: unknown action %q", ErrMalformedEvent, evt.Action)
	}
	return &evt, nil
}

// Row returns the row the event is about: the current row, or the previous
// one for deletes that carry no data.
func (e *Event) Row() Row {
	if e.Data != nil {
		return e.Data
	}
	return e.OldData
}

// RowID returns the id of the affected row.
func (e *Event) RowID() string {
	return e.Row().ID()
}
