package duration

import (
	"errors"
	"testing"
	"time"
)

func TestParseMillis_AllUnits(t *testing.T) {
	cases := map[string]int64{
		"1 millisecond":  1,
		"5 milliseconds": 5,
		"1 second":       1000,
		"15 seconds":     15000,
		"1 minute":       60000,
		"2 minutes":      120000,
		"1 hour":         3600000,
		"3 hours":        10800000,
		"1 day":          86400000,
		"2 days":         172800000,
	}
	for in, want := range cases {
		got, err := ParseMillis(in)
		if err != nil {
			t.Fatalf("ParseMillis(%q) error: %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseMillis(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestParseMillis_CaseInsensitiveAndWhitespace(t *testing.T) {
	got, err := ParseMillis("  5   SECONDS  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 5000 {
		t.Fatalf("got %d, want 5000", got)
	}
}

func TestParseMillis_InvalidShape(t *testing.T) {
	for _, in := range []string{"", "five seconds", "5seconds", "-5 seconds", "5"} {
		_, err := ParseMillis(in)
		if !errors.Is(err, ErrInvalidDuration) {
			t.Fatalf("ParseMillis(%q): expected ErrInvalidDuration, got %v", in, err)
		}
	}
}

func TestParseMillis_UnknownUnit(t *testing.T) {
	_, err := ParseMillis("3 fortnights")
	if !errors.Is(err, ErrUnknownUnit) {
		t.Fatalf("expected ErrUnknownUnit, got %v", err)
	}
}

func TestParse_RoundTrip(t *testing.T) {
	d, err := Parse("250 milliseconds")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != 250*time.Millisecond {
		t.Fatalf("got %v, want 250ms", d)
	}
}

func TestCheckMillisOverflow(t *testing.T) {
	if err := CheckMillisOverflow(1000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := CheckMillisOverflow(-1); err == nil {
		t.Fatal("expected error for negative value")
	}
	huge := int64(1) << 62
	if err := CheckMillisOverflow(huge); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}
