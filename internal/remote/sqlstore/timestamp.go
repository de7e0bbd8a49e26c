package sqlstore

import (
	"strings"
	"time"
)

// Layouts seen from the supported drivers. Values without a zone are UTC.
var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// timestamp scans a modification time. NULL and unparseable values leave
// Valid false instead of failing the scan, so one bad row cannot fail a
// whole snapshot.
type timestamp struct {
	Time  time.Time
	Valid bool
}

func (ts *timestamp) Scan(src any) error {
	*ts = timestamp{}
	switch v := src.(type) {
	case time.Time:
		ts.Time, ts.Valid = v, true
	case []byte:
		ts.Time, ts.Valid = parseTime(string(v))
	case string:
		ts.Time, ts.Valid = parseTime(v)
	case int64:
		// Epoch milliseconds.
		ts.Time, ts.Valid = time.UnixMilli(v).UTC(), true
	}
	return nil
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	// Monotonic clock reading from time.Time.String.
	if i := strings.Index(s, " m="); i >= 0 {
		s = s[:i]
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
