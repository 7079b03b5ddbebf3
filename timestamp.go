package talkspace

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Date-time layouts accepted for message timestamps, most specific first.
// Zoneless layouts are read in local time.
var timestampLayouts = []struct {
	layout string
	zoned  bool
}{
	{time.RFC3339Nano, true},
	{"2006-01-02T15:04:05.999999999Z0700", true},
	{"2006-01-02T15:04:05.999999999", false},
	{"2006-01-02 15:04:05.999999999", false},
	{"2006-01-02T15:04", false},
	{"2006-01-02", true},
}

// ParseTimestamp parses a wire timestamp permissively. It tries date-time
// layouts first, then a purely numeric string as epoch milliseconds, and
// falls back to the current time. It never fails.
func ParseTimestamp(s string) time.Time {
	return parseTimestampAt(s, time.Now)
}

func parseTimestampAt(s string, now func() time.Time) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return now()
	}
	for _, l := range timestampLayouts {
		var (
			t   time.Time
			err error
		)
		if l.zoned {
			t, err = time.Parse(l.layout, s)
		} else {
			t, err = time.ParseInLocation(l.layout, s, time.Local)
		}
		if err == nil {
			return t
		}
	}
	if isDigits(s) {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
	}
	return now()
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// timestampFromJSON accepts a JSON string or number. Anything else, including
// null or an absent field, reads as now.
func timestampFromJSON(raw json.RawMessage, now func() time.Time) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return now()
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return now()
		}
		return parseTimestampAt(s, now)
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return now()
		}
		if ms, err := n.Int64(); err == nil {
			return time.UnixMilli(ms)
		}
		if f, err := n.Float64(); err == nil {
			return time.UnixMilli(int64(f))
		}
		return now()
	}
}
