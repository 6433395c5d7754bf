package session

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// DefaultWidth is the length of one session window.
const DefaultWidth = time.Minute

// idRegex matches: S-{YYYYMMDD}-{HHMM}
// Example: S-20250314-0930
var idRegex = regexp.MustCompile(`^S-(\d{8})-(\d{4})$`)

var (
	ErrInvalidID    = errors.New("session: invalid session id")
	ErrInvalidWidth = errors.New("session: width must be a whole number of minutes dividing a day")
)

// ValidateWidth checks that windows of this width tile a UTC day and start
// on a minute boundary, so every window has a distinct ID.
func ValidateWidth(width time.Duration) error {
	if width < time.Minute || width%time.Minute != 0 || (24*time.Hour)%width != 0 {
		return fmt.Errorf("%w: %s", ErrInvalidWidth, width)
	}
	return nil
}

// BucketStart returns the UTC start of the window containing t.
func BucketStart(t time.Time, width time.Duration) time.Time {
	return t.UTC().Truncate(width)
}

// FormatID returns the session ID for a window starting at start.
func FormatID(start time.Time) string {
	return start.UTC().Format("S-20060102-1504")
}

// IDFor returns the ID of the session whose window contains t.
func IDFor(t time.Time, width time.Duration) string {
	return FormatID(BucketStart(t, width))
}

// ParseID parses and validates a session ID, returning the window start.
// Format: S-{YYYYMMDD}-{HHMM}
func ParseID(id string) (time.Time, error) {
	matches := idRegex.FindStringSubmatch(id)
	if matches == nil {
		return time.Time{}, fmt.Errorf("%w: %q (expected S-{YYYYMMDD}-{HHMM})", ErrInvalidID, id)
	}
	start, err := time.Parse("200601021504", matches[1]+matches[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrInvalidID, id, err)
	}
	return start, nil
}
