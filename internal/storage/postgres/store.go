// Package postgres reads dashboard collections from PostgreSQL and installs
// the change triggers that feed the listener.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"github.com/countwatch/countwatch/internal/changefeed"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// ErrUnknownTable is returned for tables the store does not serve.
var ErrUnknownTable = errors.New("unknown table")

// Execer is the subset of *sql.DB used by EnsureSchema.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type tableSpec struct {
	// sessionColumn is compared against ListQuery.SessionID.
	sessionColumn string
	orderBy       string
	resolvable    bool
}

var tableSpecs = map[changefeed.Table]tableSpec{
	changefeed.TableSessions:  {sessionColumn: "id", orderBy: "start_time DESC"},
	changefeed.TableMovements: {sessionColumn: "session_id", orderBy: "movement_time DESC"},
	changefeed.TableAlerts:    {sessionColumn: "session_id", orderBy: "triggered_at DESC", resolvable: true},
	changefeed.TableMetrics:   {sessionColumn: "session_id", orderBy: "timestamp DESC"},
}

// Dependency injection for tests
var sqlOpen = sql.Open

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sqlOpen("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return db, nil
}

// ListQuery narrows a collection listing.
type ListQuery struct {
	SessionID string
	// Resolved applies to alert_logs only.
	Resolved *bool
	// Limit defaults to DefaultLimit and is capped at MaxLimit.
	Limit int
}

// Store lists dashboard collections.
type Store struct {
	db *sql.DB
}

// NewStore wraps db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// List returns the newest rows of table matching q, as JSON objects keyed by
// column name.
func (s *Store) List(ctx context.Context, table changefeed.Table, q ListQuery) ([]changefeed.Row, error) {
	query, args, err := buildListQuery(table, q)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", table, err)
	}
	defer rows.Close()

	out := make([]changefeed.Row, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		var row changefeed.Row
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("failed to decode %s row: %w", table, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", table, err)
	}
	return out, nil
}

func buildListQuery(table changefeed.Table, q ListQuery) (string, []interface{}, error) {
	spec, ok := tableSpecs[table]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	var conds []string
	var args []interface{}
	if q.SessionID != "" {
		args = append(args, q.SessionID)
		conds = append(conds, fmt.Sprintf("%s::text = $%d", spec.sessionColumn, len(args)))
	}
	if q.Resolved != nil && spec.resolvable {
		args = append(args, *q.Resolved)
		conds = append(conds, fmt.Sprintf("is_resolved = $%d", len(args)))
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, normalizeLimit(q.Limit))

	query := fmt.Sprintf("SELECT row_to_json(t) FROM (SELECT * FROM %s%s ORDER BY %s LIMIT $%d) t",
		table, where, spec.orderBy, len(args))
	return query, args, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
