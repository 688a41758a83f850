package run

import (
	"fmt"
	"strings"
	"time"
)

// Type distinguishes observed runs from forecast runs.
type Type int

const (
	// Actual runs are computed from observed weather.
	Actual Type = iota + 1
	// Forecast runs are computed from forecast weather.
	Forecast
)

// Types lists every known run type in upstream preference order.
var Types = []Type{Forecast, Actual}

// String returns the lower-case wire value.
func (t Type) String() string {
	switch t {
	case Actual:
		return "actual"
	case Forecast:
		return "forecast"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// ParseType accepts "actual" or "forecast" in any case.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "actual":
		return Actual, nil
	case "forecast":
		return Forecast, nil
	default:
		return 0, fmt.Errorf("unknown run type %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	if t != Actual && t != Forecast {
		return nil, fmt.Errorf("unknown run type %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(text []byte) error {
	parsed, err := ParseType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Descriptor identifies one upstream computation run. It is a value type and
// is never mutated after it is attached to a cache entry.
type Descriptor struct {
	ForDate     Date      `json:"for_date"`
	RunType     Type      `json:"run_type"`
	RunDatetime time.Time `json:"run_datetime"`
}

// Validate reports whether d names a concrete run.
func (d Descriptor) Validate() error {
	if d.ForDate.IsZero() {
		return fmt.Errorf("for_date is required")
	}
	if d.RunType != Actual && d.RunType != Forecast {
		return fmt.Errorf("run_type is required")
	}
	if d.RunDatetime.IsZero() {
		return fmt.Errorf("run_datetime is required")
	}
	return nil
}

// RunDate is the calendar date of the run itself, in UTC.
func (d Descriptor) RunDate() Date {
	return DateOf(d.RunDatetime.UTC())
}

// NewerThan reports whether d was produced after other. Callers use it to
// decide whether a cached value must be refetched.
func (d Descriptor) NewerThan(other Descriptor) bool {
	return d.RunDatetime.After(other.RunDatetime)
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s/%s@%s", d.ForDate, d.RunType, d.RunDatetime.UTC().Format(time.RFC3339))
}
