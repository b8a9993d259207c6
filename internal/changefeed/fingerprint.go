package changefeed

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// updateFields are checked in order to find the row's update timestamp.
var updateFields = []string{"updated_at", "update_ts", "timestamp", "movement_time", "triggered_at"}

// UpdateStamp returns the row's update timestamp as a string, or "".
func UpdateStamp(r Row) string {
	for _, f := range updateFields {
		if v := r.String(f); v != "" {
			return v
		}
	}
	return ""
}

// Fingerprint identifies a logical change. Two events with the same table,
// action, row id and row update timestamp share a fingerprint.
func Fingerprint(e *Event) string {
	if e == nil {
		return ""
	}
	row := e.Row()
	key := strings.Join([]string{
		string(e.Table),
		string(e.Action),
		row.ID(),
		UpdateStamp(row),
	}, "\x1f")
	sum := blake3.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}
