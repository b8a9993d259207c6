package changefeed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
		table   Table
		action  Action
	}{
		{"insert", `{"table":"sessions","action":"INSERT","data":{"id":"s1"},"timestamp":1700000000.5}`, false, TableSessions, ActionInsert},
		{"unknown table is accepted", `{"table":"hourly_statistics","action":"UPDATE","data":{"id":1}}`, false, Table("hourly_statistics"), ActionUpdate},
		{"delete with old data", `{"table":"alert_logs","action":"DELETE","old_data":{"id":"a1"}}`, false, TableAlerts, ActionDelete},
		{"not json", `{"table":`, true, "", ""},
		{"missing table", `{"action":"INSERT"}`, true, "", ""},
		{"bad action", `{"table":"sessions","action":"UPSERT"}`, true, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, err := DecodeEvent([]byte(tt.payload))
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformedEvent)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.table, evt.Table)
			assert.Equal(t, tt.action, evt.Action)
		})
	}
}

func TestEvent_RowFallsBackToOldData(t *testing.T) {
	evt := &Event{Table: TableAlerts, Action: ActionDelete, OldData: Row{"id": "a1"}}
	assert.Equal(t, "a1", evt.RowID())

	evt.Data = Row{"id": "a2"}
	assert.Equal(t, "a2", evt.RowID())
}

func TestRow_String(t *testing.T) {
	r := Row{"id": float64(42), "ratio": 0.5, "name": "lobby", "nothing": nil, "flag": true}
	assert.Equal(t, "42", r.String("id"))
	assert.Equal(t, "0.5", r.String("ratio"))
	assert.Equal(t, "lobby", r.String("name"))
	assert.Equal(t, "", r.String("nothing"))
	assert.Equal(t, "", r.String("missing"))
	assert.Equal(t, "true", r.String("flag"))
	assert.Equal(t, "", Row(nil).String("id"))
}

func TestRow_Bool(t *testing.T) {
	r := Row{"a": true, "b": "false", "c": "t", "d": 1}
	v, ok := r.Bool("a")
	assert.True(t, ok)
	assert.True(t, v)
	v, ok = r.Bool("b")
	assert.True(t, ok)
	assert.False(t, v)
	v, ok = r.Bool("c")
	assert.True(t, ok)
	assert.True(t, v)
	_, ok = r.Bool("d")
	assert.False(t, ok)
	_, ok = r.Bool("missing")
	assert.False(t, ok)
}

func TestTableKnown(t *testing.T) {
	assert.True(t, TableMetrics.Known())
	assert.False(t, Table("daily_statistics").Known())
}

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"heartbeat", `{"type":"heartbeat","timestamp":"2026-01-01T00:00:00Z"}`, false},
		{"data", `{"type":"data","data":{"table":"sessions","action":"INSERT","data":{"id":"1"}},"timestamp":"2026-01-01T00:00:00Z"}`, false},
		{"missing type", `{"timestamp":"2026-01-01T00:00:00Z"}`, true},
		{"missing timestamp", `{"type":"test"}`, true},
		{"unknown type", `{"type":"snapshot","timestamp":"2026-01-01T00:00:00Z"}`, true},
		{"data without event", `{"type":"data","timestamp":"2026-01-01T00:00:00Z"}`, true},
		{"garbage", `not json`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tt.raw))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedEnvelope)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, env.Timestamp)
		})
	}
}

func TestEnvelope_EncodeDecode(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	evt := &Event{Table: TableMovements, Action: ActionInsert, Data: Row{"id": "m1", "session_id": "s1"}}

	raw, err := DataEnvelope(evt, now).Encode()
	require.NoError(t, err)

	env, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeData, env.Type)
	assert.Equal(t, "2026-03-04T05:06:07Z", env.Timestamp)
	assert.Equal(t, "m1", env.Data.RowID())
}

func TestErrorEnvelope(t *testing.T) {
	env := ErrorEnvelope("subscribe failed", assert.AnError, time.Now())
	assert.Equal(t, TypeError, env.Type)
	assert.Equal(t, "subscribe failed", env.Message)
	assert.Equal(t, assert.AnError.Error(), env.Error)
}

func TestFingerprint(t *testing.T) {
	a := &Event{Table: TableSessions, Action: ActionUpdate, Data: Row{"id": "1", "updated_at": "T0"}}
	b := &Event{Table: TableSessions, Action: ActionUpdate, Data: Row{"id": "1", "updated_at": "T0", "fps": 12.5}}
	c := &Event{Table: TableSessions, Action: ActionUpdate, Data: Row{"id": "1", "updated_at": "T1"}}
	d := &Event{Table: TableSessions, Action: ActionDelete, Data: Row{"id": "1", "updated_at": "T0"}}

	assert.Equal(t, Fingerprint(a), Fingerprint(b), "non-key fields do not change the fingerprint")
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(d))
	assert.Empty(t, Fingerprint(nil))
}

func TestUpdateStamp_FieldPrecedence(t *testing.T) {
	assert.Equal(t, "u", UpdateStamp(Row{"updated_at": "u", "update_ts": "x"}))
	assert.Equal(t, "x", UpdateStamp(Row{"update_ts": "x", "timestamp": "y"}))
	assert.Equal(t, "m", UpdateStamp(Row{"movement_time": "m"}))
	assert.Equal(t, "", UpdateStamp(Row{"id": "1"}))
}
