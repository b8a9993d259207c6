package postgres

import (
	"context"
	"fmt"
	"sort"

	"github.com/lib/pq"

	"github.com/countwatch/countwatch/internal/changefeed"
)

const tablesSchema = `
CREATE TABLE IF NOT EXISTS sessions (
    id                   UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    session_name         VARCHAR(255) NOT NULL,
    input_source         VARCHAR(500),
    output_path          VARCHAR(500),
    start_time           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    end_time             TIMESTAMPTZ,
    duration_seconds     DECIMAL(10, 2),
    status               VARCHAR(16) NOT NULL DEFAULT 'active',
    fps                  DECIMAL(8, 2),
    total_frames         INTEGER,
    confidence_threshold DECIMAL(3, 2) DEFAULT 0.3,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS people_movements (
    id                 UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    session_id         UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    person_id          INTEGER NOT NULL,
    movement_direction VARCHAR(8) NOT NULL,
    movement_time      TIMESTAMPTZ NOT NULL,
    centroid_x         DECIMAL(8, 2),
    centroid_y         DECIMAL(8, 2),
    confidence_score   DECIMAL(3, 2),
    frame_number       INTEGER,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS realtime_metrics (
    id                         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    session_id                 UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    timestamp                  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    current_people_count       INTEGER NOT NULL DEFAULT 0,
    people_entered_last_minute INTEGER DEFAULT 0,
    people_exited_last_minute  INTEGER DEFAULT 0,
    detection_status           VARCHAR(16) NOT NULL DEFAULT 'waiting',
    fps_current                DECIMAL(8, 2),
    processing_latency_ms      DECIMAL(8, 2)
);

CREATE TABLE IF NOT EXISTS alert_logs (
    id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    session_id      UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    alert_type      VARCHAR(50) NOT NULL,
    alert_message   TEXT NOT NULL,
    current_value   INTEGER NOT NULL,
    threshold_value INTEGER NOT NULL,
    triggered_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    resolved_at     TIMESTAMPTZ,
    is_resolved     BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

ALTER TABLE alert_logs ADD COLUMN IF NOT EXISTS updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW();

CREATE INDEX IF NOT EXISTS idx_movements_session_time ON people_movements(session_id, movement_time);
CREATE INDEX IF NOT EXISTS idx_metrics_session_time ON realtime_metrics(session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_alert_logs_session_id ON alert_logs(session_id);
CREATE INDEX IF NOT EXISTS idx_alert_logs_resolved ON alert_logs(is_resolved);
`

// touchSchema keeps updated_at current on every UPDATE so that two
// successive updates of a row never carry the same change fingerprint.
const touchSchema = `
CREATE OR REPLACE FUNCTION countwatch_touch_updated_at() RETURNS trigger AS $$
BEGIN
    NEW.updated_at := clock_timestamp();
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS sessions_touch_updated_at ON sessions;
CREATE TRIGGER sessions_touch_updated_at BEFORE UPDATE ON sessions
    FOR EACH ROW EXECUTE FUNCTION countwatch_touch_updated_at();

DROP TRIGGER IF EXISTS alert_logs_touch_updated_at ON alert_logs;
CREATE TRIGGER alert_logs_touch_updated_at BEFORE UPDATE ON alert_logs
    FOR EACH ROW EXECUTE FUNCTION countwatch_touch_updated_at();
`

// notifyFunction publishes every row change as a change event on the channel
// passed as the trigger argument.
const notifyFunction = `
CREATE OR REPLACE FUNCTION countwatch_notify_change() RETURNS trigger AS $$
BEGIN
    PERFORM pg_notify(TG_ARGV[0], json_build_object(
        'table',     TG_TABLE_NAME,
        'action',    TG_OP,
        'data',      CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE row_to_json(NEW) END,
        'old_data',  CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE row_to_json(OLD) END,
        'timestamp', extract(epoch FROM clock_timestamp())
    )::text);
    RETURN NULL;
END;
$$ LANGUAGE plpgsql;
`

// EnsureSchema creates the tables, the updated_at triggers, the notify
// function and one change trigger per table in channels.
func EnsureSchema(ctx context.Context, db Execer, channels map[changefeed.Table]string) error {
	if _, err := db.ExecContext(ctx, tablesSchema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	if _, err := db.ExecContext(ctx, touchSchema); err != nil {
		return fmt.Errorf("failed to create updated_at triggers: %w", err)
	}
	if _, err := db.ExecContext(ctx, notifyFunction); err != nil {
		return fmt.Errorf("failed to create notify function: %w", err)
	}

	tables := make([]string, 0, len(channels))
	for table := range channels {
		tables = append(tables, string(table))
	}
	sort.Strings(tables)

	for _, table := range tables {
		if _, ok := tableSpecs[changefeed.Table(table)]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownTable, table)
		}
		if _, err := db.ExecContext(ctx, triggerSQL(table, channels[changefeed.Table(table)])); err != nil {
			return fmt.Errorf("failed to create trigger on %s: %w", table, err)
		}
	}
	return nil
}

func triggerSQL(table, channel string) string {
	name := pq.QuoteIdentifier(table + "_notify_change")
	quotedTable := pq.QuoteIdentifier(table)
	return fmt.Sprintf(`
DROP TRIGGER IF EXISTS %[1]s ON %[2]s;
CREATE TRIGGER %[1]s AFTER INSERT OR UPDATE OR DELETE ON %[2]s
    FOR EACH ROW EXECUTE FUNCTION countwatch_notify_change(%[3]s);
`, name, quotedTable, pq.QuoteLiteral(channel))
}
