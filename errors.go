package linger

import (
	"errors"
	"fmt"
	"time"
)

// Memory path and file errors. These surface as tool output text, so the
// messages are written for the model as much as for logs.
var (
	// ErrInvalidPath marks a memory path that escapes or malforms the
	// bot's memory root.
	ErrInvalidPath = errors.New("invalid path")
	// ErrNotFound marks a missing file, directory, or search target.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists marks a rename target that is already occupied.
	ErrAlreadyExists = errors.New("already exists")
)

// ErrBudgetExceeded is returned when the daily server-side web tool quota
// has been spent. The engines treat it as a silent skip, never a crash.
var ErrBudgetExceeded = errors.New("daily web tool budget exceeded")

// StoreError wraps a MessageStore failure with the failing operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ProviderError is a non-2xx or transport failure from the LLM provider.
type ProviderError struct {
	Provider string
	Status   int
	Message  string
	// RetryAfter carries the server's Retry-After hint when present.
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Transient reports whether the call is worth retrying.
func (e *ProviderError) Transient() bool {
	return e.Status == 429 || e.Status == 503 || e.Status == 529
}

// RateLimitedError reports why the bot declined to respond in a channel.
// The reason strings are stable: they feed the conversation log and tests.
type RateLimitedError struct {
	ChannelID string
	Reason    string // "rate_limit_short", "rate_limit_long", "ignored_threshold"
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("channel %s rate limited: %s", e.ChannelID, e.Reason)
}
