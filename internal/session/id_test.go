package session

import (
	"errors"
	"testing"
	"time"
)

func TestFormatID(t *testing.T) {
	start := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	if got := FormatID(start); got != "S-20250314-0930" {
		t.Errorf("expected S-20250314-0930, got %s", got)
	}

	// Non-UTC input is normalized.
	est := time.FixedZone("EST", -5*3600)
	if got := FormatID(start.In(est)); got != "S-20250314-0930" {
		t.Errorf("expected UTC formatting, got %s", got)
	}
}

func TestBucketStart(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 37, 42, 500, time.UTC)
	tests := []struct {
		width time.Duration
		want  time.Time
	}{
		{time.Minute, time.Date(2025, 3, 14, 9, 37, 0, 0, time.UTC)},
		{5 * time.Minute, time.Date(2025, 3, 14, 9, 35, 0, 0, time.UTC)},
		{time.Hour, time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := BucketStart(ts, tt.width); !got.Equal(tt.want) {
			t.Errorf("width %s: expected %v, got %v", tt.width, tt.want, got)
		}
	}
}

func TestParseID_RoundTrip(t *testing.T) {
	start, err := ParseID("S-20251231-2359")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2025, 12, 31, 23, 59, 0, 0, time.UTC)
	if !start.Equal(want) {
		t.Errorf("expected %v, got %v", want, start)
	}
	if FormatID(start) != "S-20251231-2359" {
		t.Errorf("round trip failed: %s", FormatID(start))
	}
}

func TestParseID_Invalid(t *testing.T) {
	tests := []string{
		"",
		"S-20250314",
		"S-20250314-930",
		"X-20250314-0930",
		"S-20251340-0930", // month 13
		"S-20250314-2560", // minute 60
		"s-20250314-0930",
	}
	for _, id := range tests {
		if _, err := ParseID(id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("expected ErrInvalidID for %q, got %v", id, err)
		}
	}
}

func TestValidateWidth(t *testing.T) {
	for _, w := range []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour, 24 * time.Hour} {
		if err := ValidateWidth(w); err != nil {
			t.Errorf("width %s should be valid: %v", w, err)
		}
	}
	for _, w := range []time.Duration{0, 30 * time.Second, 7 * time.Minute, 90*time.Second + time.Minute} {
		if err := ValidateWidth(w); !errors.Is(err, ErrInvalidWidth) {
			t.Errorf("width %s should be invalid, got %v", w, err)
		}
	}
}
