// Package timeline provides the half-open time interval used to key
// partitioned segments.
package timeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Interval is a half-open time range [Start, End) in UTC.
// Boundaries are truncated to millisecond precision at construction so that
// in-memory values and their serialized forms always compare equal.
type Interval struct {
	Start time.Time
	End   time.Time
}

// NewInterval creates an Interval, validating that start precedes end.
func NewInterval(start, end time.Time) (Interval, error) {
	start = start.UTC().Truncate(time.Millisecond)
	end = end.UTC().Truncate(time.Millisecond)
	if !start.Before(end) {
		return Interval{}, fmt.Errorf("interval start %s must precede end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return Interval{Start: start, End: end}, nil
}

// MustInterval is like NewInterval but panics on invalid boundaries.
// Intended for tests and static tables.
func MustInterval(start, end time.Time) Interval {
	iv, err := NewInterval(start, end)
	if err != nil {
		panic(err)
	}
	return iv
}

// ParseInterval parses the slash-separated RFC 3339 form produced by String,
// e.g. "2024-01-01T00:00:00Z/2024-01-02T00:00:00Z".
func ParseInterval(s string) (Interval, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return Interval{}, fmt.Errorf("interval %q: want exactly one '/' separator", s)
	}
	start, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return Interval{}, fmt.Errorf("interval start %q: %w", parts[0], err)
	}
	end, err := time.Parse(time.RFC3339Nano, parts[1])
	if err != nil {
		return Interval{}, fmt.Errorf("interval end %q: %w", parts[1], err)
	}
	return NewInterval(start, end)
}

// String returns the slash-separated RFC 3339 form.
func (iv Interval) String() string {
	return iv.Start.Format(time.RFC3339Nano) + "/" + iv.End.Format(time.RFC3339Nano)
}

// Equal reports whether both boundaries match exactly.
func (iv Interval) Equal(other Interval) bool {
	return iv.Start.Equal(other.Start) && iv.End.Equal(other.End)
}

// Before orders intervals by start, then end. It defines a total order
// together with Equal.
func (iv Interval) Before(other Interval) bool {
	if !iv.Start.Equal(other.Start) {
		return iv.Start.Before(other.Start)
	}
	return iv.End.Before(other.End)
}

// Contains reports whether t falls within [Start, End).
func (iv Interval) Contains(t time.Time) bool {
	return !t.Before(iv.Start) && t.Before(iv.End)
}

// Overlaps reports whether the two half-open ranges share any instant.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}

// Duration returns End minus Start.
func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

// Key is the comparable form of an Interval, usable as a map-key component.
type Key struct {
	StartMillis int64
	EndMillis   int64
}

// Key returns the comparable millisecond-epoch form of the interval.
func (iv Interval) Key() Key {
	return Key{StartMillis: iv.Start.UnixMilli(), EndMillis: iv.End.UnixMilli()}
}

// Interval reconstructs the Interval a Key was derived from.
func (k Key) Interval() Interval {
	return Interval{
		Start: time.UnixMilli(k.StartMillis).UTC(),
		End:   time.UnixMilli(k.EndMillis).UTC(),
	}
}

// String returns the slash form of the underlying interval.
func (k Key) String() string {
	return k.Interval().String()
}

// MarshalJSON encodes the interval as its slash string form.
func (iv Interval) MarshalJSON() ([]byte, error) {
	return json.Marshal(iv.String())
}

// UnmarshalJSON decodes the slash string form.
func (iv *Interval) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseInterval(s)
	if err != nil {
		return err
	}
	*iv = parsed
	return nil
}
