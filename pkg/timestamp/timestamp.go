// Package timestamp converts device clock values into the canonical form
// stored with every reading.
//
// Devices report whole seconds since the Unix epoch. Internally timestamps
// are int64 milliseconds (UTC) and they are written to the store as
// ISO-8601 strings with millisecond precision, e.g.
//
//	ms, _ := timestamp.ParseSeconds("1700000000")
//	timestamp.Format(ms) // "2023-11-14T22:13:20.000Z"
package timestamp

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ISOLayout is the layout used for every stored timestamp.
const ISOLayout = "2006-01-02T15:04:05.000Z07:00"

// maxSeconds keeps seconds*1000 inside int64.
const maxSeconds = math.MaxInt64 / 1000

// Now returns the current time as Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// FromSeconds converts epoch seconds to milliseconds.
func FromSeconds(sec int64) int64 {
	return sec * 1000
}

// ToSeconds truncates milliseconds to whole epoch seconds.
func ToSeconds(ms int64) int64 {
	return ms / 1000
}

// ParseSeconds parses a decimal count of epoch seconds and returns
// milliseconds. Surrounding whitespace is ignored; anything else that is
// not an integer is an error.
func ParseSeconds(s string) (int64, error) {
	sec, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse epoch seconds %q: %w", s, err)
	}
	if sec > maxSeconds || sec < -maxSeconds {
		return 0, fmt.Errorf("epoch seconds %d out of range", sec)
	}
	return FromSeconds(sec), nil
}

// ToTime converts Unix milliseconds to a UTC time.Time.
func ToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Format renders Unix milliseconds as ISO-8601 UTC with millisecond precision.
func Format(ms int64) string {
	return ToTime(ms).Format(ISOLayout)
}

// Parse reads a timestamp previously produced by Format.
func Parse(s string) (int64, error) {
	t, err := time.Parse(ISOLayout, s)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}
