package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// timeLayouts are the timestamp forms accepted from the server and from
// offline files.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// Time is a timestamp that keeps the exact text it was decoded from, so a
// record read and written back renders untouched timestamps identically.
type Time struct {
	time.Time
	raw string
}

// NewTime wraps t.
func NewTime(t time.Time) *Time {
	return &Time{Time: t}
}

// ParseTime parses any of the accepted timestamp forms.
func ParseTime(s string) (*Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &Time{Time: t, raw: s}, nil
		}
	}
	return nil, fmt.Errorf("invalid timestamp %q", s)
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	parsed, err := ParseTime(s)
	if err != nil {
		return err
	}
	*t = *parsed
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.raw != "" {
		return json.Marshal(t.raw)
	}
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}

// Std returns the wrapped time, or the zero time for a nil receiver.
func (t *Time) Std() time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.Time
}
