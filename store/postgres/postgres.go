// Package postgres implements linger.MessageStore using PostgreSQL with
// tsvector full-text search over message text.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/text/unicode/norm"

	"github.com/lingerbot/linger"
)

// Store implements linger.MessageStore backed by PostgreSQL. Full-text
// search runs through a generated tsvector column with a GIN index.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Option configures a PostgreSQL Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

var _ linger.MessageStore = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the messages table and its indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			server_id TEXT NOT NULL DEFAULT '',
			author_id TEXT NOT NULL,
			author_name TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL DEFAULT '',
			ts BIGINT NOT NULL,
			is_bot BOOLEAN NOT NULL DEFAULT FALSE,
			reply_to_id TEXT NOT NULL DEFAULT '',
			forwarded BOOLEAN NOT NULL DEFAULT FALSE,
			attachments JSONB,
			reactions JSONB,
			text_tsv tsvector GENERATED ALWAYS AS (to_tsvector('english', text)) STORED
		)`,
		`CREATE INDEX IF NOT EXISTS messages_channel_ts_idx ON messages(channel_id, ts)`,
		`CREATE INDEX IF NOT EXISTS messages_author_idx ON messages(author_id)`,
		`CREATE INDEX IF NOT EXISTS messages_tsv_idx ON messages USING gin(text_tsv)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

const upsertSQL = `INSERT INTO messages
	(id, channel_id, server_id, author_id, author_name, text, ts, is_bot, reply_to_id, forwarded, attachments, reactions)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (id) DO UPDATE SET
		channel_id = EXCLUDED.channel_id,
		server_id = EXCLUDED.server_id,
		author_id = EXCLUDED.author_id,
		author_name = EXCLUDED.author_name,
		text = EXCLUDED.text,
		ts = EXCLUDED.ts,
		is_bot = EXCLUDED.is_bot,
		reply_to_id = EXCLUDED.reply_to_id,
		forwarded = EXCLUDED.forwarded,
		attachments = EXCLUDED.attachments,
		reactions = EXCLUDED.reactions`

// Put inserts or replaces a message. The generated tsvector column keeps
// the search index coherent automatically.
func (s *Store) Put(ctx context.Context, m linger.Message) error {
	start := time.Now()
	args, err := upsertArgs(m)
	if err != nil {
		return &linger.StoreError{Op: "put", Err: err}
	}
	if _, err := s.pool.Exec(ctx, upsertSQL, args...); err != nil {
		s.logger.Error("postgres: put failed", "id", m.ID, "error", err)
		return &linger.StoreError{Op: "put", Err: err}
	}
	s.logger.Debug("postgres: put ok", "id", m.ID, "duration", time.Since(start))
	return nil
}

// Backfill bulk-upserts history in a single transaction.
func (s *Store) Backfill(ctx context.Context, msgs []linger.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	start := time.Now()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &linger.StoreError{Op: "backfill", Err: err}
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, m := range msgs {
		args, err := upsertArgs(m)
		if err != nil {
			return &linger.StoreError{Op: "backfill", Err: err}
		}
		if _, err := tx.Exec(ctx, upsertSQL, args...); err != nil {
			return &linger.StoreError{Op: "backfill", Err: fmt.Errorf("message %s: %w", m.ID, err)}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return &linger.StoreError{Op: "backfill", Err: err}
	}
	s.logger.Debug("postgres: backfill ok", "count", len(msgs), "duration", time.Since(start))
	return nil
}

// Delete removes a message. Idempotent.
func (s *Store) Delete(ctx context.Context, messageID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, messageID); err != nil {
		return &linger.StoreError{Op: "delete", Err: err}
	}
	return nil
}

const selectCols = `id, channel_id, server_id, author_id, author_name, text, ts, is_bot, reply_to_id, forwarded, attachments, reactions`

// Get returns one message by ID.
func (s *Store) Get(ctx context.Context, messageID string) (linger.Message, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectCols+` FROM messages WHERE id = $1`, messageID)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return linger.Message{}, fmt.Errorf("message %s: %w", messageID, linger.ErrNotFound)
	}
	if err != nil {
		return linger.Message{}, &linger.StoreError{Op: "get", Err: err}
	}
	return m, nil
}

// GetRecent returns up to limit channel messages, newest first.
func (s *Store) GetRecent(ctx context.Context, channelID string, limit int) ([]linger.Message, error) {
	msgs, err := s.queryMessages(ctx,
		`SELECT `+selectCols+` FROM messages
		 WHERE channel_id = $1
		 ORDER BY ts DESC, id DESC LIMIT $2`, channelID, limit)
	if err != nil {
		return nil, &linger.StoreError{Op: "get_recent", Err: err}
	}
	return msgs, nil
}

// GetFirst returns up to limit channel messages, oldest first.
func (s *Store) GetFirst(ctx context.Context, channelID string, limit int) ([]linger.Message, error) {
	msgs, err := s.queryMessages(ctx,
		`SELECT `+selectCols+` FROM messages
		 WHERE channel_id = $1
		 ORDER BY ts ASC, id ASC LIMIT $2`, channelID, limit)
	if err != nil {
		return nil, &linger.StoreError{Op: "get_first", Err: err}
	}
	return msgs, nil
}

// GetAround returns span messages either side of the anchor,
// chronological, anchor included.
func (s *Store) GetAround(ctx context.Context, messageID string, span int) ([]linger.Message, error) {
	anchor, err := s.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	before, err := s.queryMessages(ctx,
		`SELECT `+selectCols+` FROM messages
		 WHERE channel_id = $1 AND (ts < $2 OR (ts = $2 AND id < $3))
		 ORDER BY ts DESC, id DESC LIMIT $4`,
		anchor.ChannelID, anchor.Timestamp, anchor.ID, span)
	if err != nil {
		return nil, &linger.StoreError{Op: "get_around", Err: err}
	}
	after, err := s.queryMessages(ctx,
		`SELECT `+selectCols+` FROM messages
		 WHERE channel_id = $1 AND (ts > $2 OR (ts = $2 AND id > $3))
		 ORDER BY ts ASC, id ASC LIMIT $4`,
		anchor.ChannelID, anchor.Timestamp, anchor.ID, span)
	if err != nil {
		return nil, &linger.StoreError{Op: "get_around", Err: err}
	}

	out := make([]linger.Message, 0, len(before)+len(after)+1)
	for i := len(before) - 1; i >= 0; i-- {
		out = append(out, before[i])
	}
	out = append(out, anchor)
	out = append(out, after...)
	return out, nil
}

// GetRange returns messages between two IDs inclusive, chronological.
func (s *Store) GetRange(ctx context.Context, fromID, toID string) ([]linger.Message, error) {
	from, err := s.Get(ctx, fromID)
	if err != nil {
		return nil, err
	}
	to, err := s.Get(ctx, toID)
	if err != nil {
		return nil, err
	}
	if from.ChannelID != to.ChannelID {
		return nil, &linger.StoreError{Op: "get_range",
			Err: fmt.Errorf("messages %s and %s are in different channels", fromID, toID)}
	}
	lo, hi := from.Timestamp, to.Timestamp
	if lo > hi {
		lo, hi = hi, lo
	}
	msgs, err := s.queryMessages(ctx,
		`SELECT `+selectCols+` FROM messages
		 WHERE channel_id = $1 AND ts BETWEEN $2 AND $3
		 ORDER BY ts ASC, id ASC`,
		from.ChannelID, lo, hi)
	if err != nil {
		return nil, &linger.StoreError{Op: "get_range", Err: err}
	}
	return msgs, nil
}

// Search runs a websearch-syntax full-text query with optional metadata
// filters, best match first with recency as tiebreaker.
func (s *Store) Search(ctx context.Context, opts linger.SearchOptions) ([]linger.MessageRef, error) {
	if opts.Query == "" {
		return nil, nil
	}
	query := `SELECT id, channel_id, author_id, author_name, ts
		FROM messages
		WHERE text_tsv @@ websearch_to_tsquery('english', $1)`
	args := []any{norm.NFKC.String(opts.Query)}
	n := 1
	add := func(clause string, v any) {
		n++
		query += fmt.Sprintf(clause, n)
		args = append(args, v)
	}
	if opts.ChannelID != "" {
		add(` AND channel_id = $%d`, opts.ChannelID)
	}
	if opts.ServerID != "" {
		add(` AND server_id = $%d`, opts.ServerID)
	}
	if opts.AuthorID != "" {
		add(` AND author_id = $%d`, opts.AuthorID)
	}
	if opts.Since > 0 {
		add(` AND ts >= $%d`, opts.Since)
	}
	if opts.Until > 0 {
		add(` AND ts <= $%d`, opts.Until)
	}
	query += ` ORDER BY ts_rank(text_tsv, websearch_to_tsquery('english', $1)) DESC, ts DESC`
	if opts.Limit > 0 {
		add(` LIMIT $%d`, opts.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &linger.StoreError{Op: "search", Err: err}
	}
	defer rows.Close()

	var refs []linger.MessageRef
	for rows.Next() {
		var r linger.MessageRef
		if err := rows.Scan(&r.ID, &r.ChannelID, &r.AuthorID, &r.AuthorName, &r.Timestamp); err != nil {
			return nil, &linger.StoreError{Op: "search", Err: err}
		}
		refs = append(refs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &linger.StoreError{Op: "search", Err: err}
	}
	return refs, nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]linger.Message, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []linger.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (linger.Message, error) {
	var m linger.Message
	var attachJSON, reactJSON []byte
	err := row.Scan(&m.ID, &m.ChannelID, &m.ServerID, &m.AuthorID, &m.AuthorName,
		&m.Text, &m.Timestamp, &m.IsBot, &m.ReplyToID, &m.Forwarded,
		&attachJSON, &reactJSON)
	if err != nil {
		return linger.Message{}, err
	}
	if len(attachJSON) > 0 {
		_ = json.Unmarshal(attachJSON, &m.Attachments)
	}
	if len(reactJSON) > 0 {
		_ = json.Unmarshal(reactJSON, &m.Reactions)
	}
	return m, nil
}

func upsertArgs(m linger.Message) ([]any, error) {
	var attachJSON, reactJSON []byte
	var err error
	if len(m.Attachments) > 0 {
		if attachJSON, err = json.Marshal(m.Attachments); err != nil {
			return nil, fmt.Errorf("marshal attachments: %w", err)
		}
	}
	if len(m.Reactions) > 0 {
		if reactJSON, err = json.Marshal(m.Reactions); err != nil {
			return nil, fmt.Errorf("marshal reactions: %w", err)
		}
	}
	return []any{
		m.ID, m.ChannelID, m.ServerID, m.AuthorID, m.AuthorName,
		m.Text, m.Timestamp, m.IsBot, m.ReplyToID, m.Forwarded,
		attachJSON, reactJSON,
	}, nil
}
