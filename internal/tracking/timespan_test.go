package tracking

import (
	"errors"
	"testing"
	"time"
)

func TestFormatTimeSpan(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{0, "00:00:00"},
		{4 * time.Hour, "04:00:00"},
		{24 * time.Hour, "1.00:00:00"},
		{36*time.Hour + 30*time.Minute + 15*time.Second, "1.12:30:15"},
		{1500 * time.Millisecond, "00:00:01.5000000"},
		{-90 * time.Minute, "-01:30:00"},
	}

	for _, c := range cases {
		if got := FormatTimeSpan(c.in); got != c.want {
			t.Fatalf("FormatTimeSpan(%v): expected %q, got %q", c.in, c.want, got)
		}
	}
}

func TestParseTimeSpan(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"04:00:00", 4 * time.Hour},
		{"1.00:00:00", 24 * time.Hour},
		{"7.00:00:00", 7 * 24 * time.Hour},
		{"00:00:01.5000000", 1500 * time.Millisecond},
		{"-01:30:00", -90 * time.Minute},
		{"00:45", 45 * time.Minute},
		{"6h", 6 * time.Hour},
		{"90m", 90 * time.Minute},
	}

	for _, c := range cases {
		got, err := ParseTimeSpan(c.in)
		if err != nil {
			t.Fatalf("ParseTimeSpan(%q): unexpected error: %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseTimeSpan(%q): expected %v, got %v", c.in, c.want, got)
		}
	}
}

func TestParseTimeSpanInvalid(t *testing.T) {
	for _, in := range []string{"x.00:00:00", "aa:00:00", "1:2:3:4", "soon"} {
		if _, err := ParseTimeSpan(in); !errors.Is(err, ErrInvalidTimeSpan) {
			t.Fatalf("ParseTimeSpan(%q): expected ErrInvalidTimeSpan, got %v", in, err)
		}
	}
}

func TestTimeSpanRoundTrip(t *testing.T) {
	for _, d := range []time.Duration{time.Minute, 4 * time.Hour, 24 * time.Hour, 30 * 24 * time.Hour, 1234567890 * time.Nanosecond / 100 * 100} {
		got, err := ParseTimeSpan(FormatTimeSpan(d))
		if err != nil {
			t.Fatalf("round trip %v: %v", d, err)
		}
		if got != d {
			t.Fatalf("round trip: expected %v, got %v", d, got)
		}
	}
}
