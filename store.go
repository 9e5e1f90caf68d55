package linger

import "context"

// SearchOptions narrows a full-text search. Query tokens are conjunctive;
// quoted phrases match exactly. Zero values mean "no filter".
type SearchOptions struct {
	Query     string
	ChannelID string
	ServerID  string
	AuthorID  string
	Since     int64 // millis UTC, inclusive
	Until     int64 // millis UTC, inclusive
	Limit     int
}

// MessageStore is the durable per-bot message archive with full-text
// search. One store per bot; never shared.
//
// Search returns references only (no text) so downstream LLM calls stay
// bounded; full text comes from GetAround or GetRange.
type MessageStore interface {
	// Put inserts or replaces a message and its search index entry
	// atomically. Re-putting an edited message replaces text and
	// reactions in place.
	Put(ctx context.Context, m Message) error
	// Delete removes a message and its index entry. Idempotent.
	Delete(ctx context.Context, messageID string) error
	// Get returns one message by ID, or ErrNotFound.
	Get(ctx context.Context, messageID string) (Message, error)
	// GetRecent returns up to limit channel messages, newest first.
	GetRecent(ctx context.Context, channelID string, limit int) ([]Message, error)
	// GetFirst returns up to limit channel messages, oldest first.
	GetFirst(ctx context.Context, channelID string, limit int) ([]Message, error)
	// GetAround returns span messages either side of the given message,
	// chronological, including the message itself.
	GetAround(ctx context.Context, messageID string, span int) ([]Message, error)
	// GetRange returns messages between two IDs inclusive, chronological.
	// Both IDs must be in the same channel.
	GetRange(ctx context.Context, fromID, toID string) ([]Message, error)
	// Search runs a full-text query and returns references, best-match
	// first with recency as tiebreaker.
	Search(ctx context.Context, opts SearchOptions) ([]MessageRef, error)
	// Backfill bulk-upserts history. Applying the same batch twice is
	// equivalent to once.
	Backfill(ctx context.Context, msgs []Message) error
	// Init creates schema and indexes.
	Init(ctx context.Context) error
	Close() error
}
