package linger

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Used for follow-up records and synthetic message IDs.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowMillis returns current time as Unix milliseconds, the unit every
// stored message timestamp uses.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// DayKey returns the UTC day bucket ("YYYY-MM-DD") for quota accounting.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
