package core

import (
	"fmt"
	"time"
)

var timestampLayouts = []struct {
	layout string
	zoned  bool
}{
	{time.RFC3339Nano, true},
	{"2006-01-02T15:04:05.999999999", false},
	{"2006-01-02 15:04:05.999999999Z07:00", true},
	{"2006-01-02 15:04:05.999999999", false},
	{"2006-01-02", false},
}

// ParseTimestampUTC parses an ISO-8601 timestamp. Values without a zone are
// taken to be UTC; values with one are converted to UTC.
func ParseTimestampUTC(s string) (time.Time, error) {
	t, _, err := ParseTimestamp(s)
	return t, err
}

// ParseTimestamp is ParseTimestampUTC that also reports whether s carried
// its own zone. When it did not, UTC was assumed.
func ParseTimestamp(s string) (t time.Time, zoned bool, err error) {
	for _, l := range timestampLayouts {
		if parsed, perr := time.Parse(l.layout, s); perr == nil {
			return parsed.UTC(), l.zoned, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("unrecognised timestamp %q", s)
}
