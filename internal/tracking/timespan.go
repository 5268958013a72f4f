package tracking

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type targetJSON struct {
	Qty       int    `json:"Qty"`
	Frequency string `json:"Frequency"`
}

// MarshalJSON writes Frequency as a "[d.]hh:mm:ss[.fffffff]" time span,
// the format used by stored item snapshots.
func (t Target) MarshalJSON() ([]byte, error) {
	return json.Marshal(targetJSON{Qty: t.Qty, Frequency: FormatTimeSpan(t.Frequency)})
}

// UnmarshalJSON accepts either a time span or a Go duration string.
func (t *Target) UnmarshalJSON(data []byte) error {
	var raw targetJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	freq, err := ParseTimeSpan(raw.Frequency)
	if err != nil {
		return err
	}

	t.Qty = raw.Qty
	t.Frequency = freq
	return nil
}

// FormatTimeSpan renders d as [-][d.]hh:mm:ss[.fffffff].
func FormatTimeSpan(d time.Duration) string {
	var b strings.Builder
	if d < 0 {
		b.WriteByte('-')
		d = -d
	}

	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second
	d -= seconds * time.Second

	if days > 0 {
		fmt.Fprintf(&b, "%d.", days)
	}
	fmt.Fprintf(&b, "%02d:%02d:%02d", hours, minutes, seconds)
	if ticks := d / 100; ticks > 0 {
		fmt.Fprintf(&b, ".%07d", ticks)
	}
	return b.String()
}

// ParseTimeSpan parses [-][d.]hh:mm:ss[.fffffff]. Strings without a colon
// are handed to time.ParseDuration.
func ParseTimeSpan(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if !strings.Contains(s, ":") {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTimeSpan, s)
		}
		return d, nil
	}

	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	var days int64
	clock := s
	if dot := strings.Index(s, "."); dot >= 0 && dot < strings.Index(s, ":") {
		n, err := strconv.ParseInt(s[:dot], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTimeSpan, s)
		}
		days = n
		clock = s[dot+1:]
	}

	var fraction string
	if dot := strings.LastIndex(clock, "."); dot >= 0 {
		fraction = clock[dot+1:]
		clock = clock[:dot]
	}

	parts := strings.Split(clock, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeSpan, s)
	}

	units := []time.Duration{time.Hour, time.Minute, time.Second}
	d := time.Duration(days) * 24 * time.Hour
	for i, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTimeSpan, s)
		}
		d += time.Duration(n) * units[i]
	}

	if fraction != "" {
		if len(fraction) > 9 {
			fraction = fraction[:9]
		}
		n, err := strconv.ParseInt(fraction+strings.Repeat("0", 9-len(fraction)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTimeSpan, s)
		}
		d += time.Duration(n)
	}

	if neg {
		d = -d
	}
	return d, nil
}
