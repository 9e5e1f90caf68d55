// Package sqlite implements linger.MessageStore using pure-Go SQLite
// with an FTS5 full-text index kept coherent by triggers. Zero CGO
// required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/lingerbot/linger"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements linger.MessageStore backed by a local SQLite file.
// Full-text search runs through an FTS5 contentless-delete index over the
// message text column.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ linger.MessageStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates the schema: the messages table, its indexes, the FTS5
// index, and the triggers that keep the two coherent across upserts and
// deletes.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			server_id TEXT NOT NULL DEFAULT '',
			author_id TEXT NOT NULL,
			author_name TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL DEFAULT '',
			ts INTEGER NOT NULL,
			is_bot INTEGER NOT NULL DEFAULT 0,
			reply_to_id TEXT NOT NULL DEFAULT '',
			forwarded INTEGER NOT NULL DEFAULT 0,
			attachments TEXT,
			reactions TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel_ts ON messages(channel_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_author ON messages(author_id)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
			text, content='messages', content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS messages_fts_ai AFTER INSERT ON messages BEGIN
			INSERT INTO messages_fts(rowid, text) VALUES (new.rowid, new.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS messages_fts_ad AFTER DELETE ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS messages_fts_au AFTER UPDATE ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
			INSERT INTO messages_fts(rowid, text) VALUES (new.rowid, new.text);
		END`,
	}
	for _, ddl := range stmts {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// upsertSQL updates in place on ID conflict so the FTS update trigger
// fires (INSERT OR REPLACE would delete-then-insert and needs recursive
// triggers for the index to follow).
const upsertSQL = `INSERT INTO messages
	(id, channel_id, server_id, author_id, author_name, text, ts, is_bot, reply_to_id, forwarded, attachments, reactions)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		channel_id = excluded.channel_id,
		server_id = excluded.server_id,
		author_id = excluded.author_id,
		author_name = excluded.author_name,
		text = excluded.text,
		ts = excluded.ts,
		is_bot = excluded.is_bot,
		reply_to_id = excluded.reply_to_id,
		forwarded = excluded.forwarded,
		attachments = excluded.attachments,
		reactions = excluded.reactions`

// Put inserts or replaces a message and its index entry.
func (s *Store) Put(ctx context.Context, m linger.Message) error {
	start := time.Now()
	s.logger.Debug("sqlite: put message", "id", m.ID, "channel_id", m.ChannelID)

	args, err := upsertArgs(m)
	if err != nil {
		return &linger.StoreError{Op: "put", Err: err}
	}
	if _, err := s.db.ExecContext(ctx, upsertSQL, args...); err != nil {
		s.logger.Error("sqlite: put failed", "id", m.ID, "error", err, "duration", time.Since(start))
		return &linger.StoreError{Op: "put", Err: err}
	}
	s.logger.Debug("sqlite: put ok", "id", m.ID, "duration", time.Since(start))
	return nil
}

// Backfill bulk-upserts history in a single transaction. Replaying the
// same batch is a no-op row for row.
func (s *Store) Backfill(ctx context.Context, msgs []linger.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	start := time.Now()
	s.logger.Debug("sqlite: backfill", "count", len(msgs))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &linger.StoreError{Op: "backfill", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, upsertSQL)
	if err != nil {
		return &linger.StoreError{Op: "backfill", Err: err}
	}
	defer stmt.Close()

	for _, m := range msgs {
		args, err := upsertArgs(m)
		if err != nil {
			return &linger.StoreError{Op: "backfill", Err: err}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return &linger.StoreError{Op: "backfill", Err: fmt.Errorf("message %s: %w", m.ID, err)}
		}
	}
	if err := tx.Commit(); err != nil {
		return &linger.StoreError{Op: "backfill", Err: err}
	}
	s.logger.Debug("sqlite: backfill ok", "count", len(msgs), "duration", time.Since(start))
	return nil
}

// Delete removes a message. Idempotent: deleting an absent ID succeeds.
func (s *Store) Delete(ctx context.Context, messageID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, messageID); err != nil {
		return &linger.StoreError{Op: "delete", Err: err}
	}
	return nil
}

const selectCols = `id, channel_id, server_id, author_id, author_name, text, ts, is_bot, reply_to_id, forwarded, attachments, reactions`

// Get returns one message by ID.
func (s *Store) Get(ctx context.Context, messageID string) (linger.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectCols+` FROM messages WHERE id = ?`, messageID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return linger.Message{}, fmt.Errorf("message %s: %w", messageID, linger.ErrNotFound)
	}
	if err != nil {
		return linger.Message{}, &linger.StoreError{Op: "get", Err: err}
	}
	return m, nil
}

// GetRecent returns up to limit channel messages, newest first.
func (s *Store) GetRecent(ctx context.Context, channelID string, limit int) ([]linger.Message, error) {
	start := time.Now()
	msgs, err := s.queryMessages(ctx,
		`SELECT `+selectCols+` FROM messages
		 WHERE channel_id = ?
		 ORDER BY ts DESC, id DESC LIMIT ?`, channelID, limit)
	if err != nil {
		return nil, &linger.StoreError{Op: "get_recent", Err: err}
	}
	s.logger.Debug("sqlite: get recent ok", "channel_id", channelID, "count", len(msgs), "duration", time.Since(start))
	return msgs, nil
}

// GetFirst returns up to limit channel messages, oldest first.
func (s *Store) GetFirst(ctx context.Context, channelID string, limit int) ([]linger.Message, error) {
	msgs, err := s.queryMessages(ctx,
		`SELECT `+selectCols+` FROM messages
		 WHERE channel_id = ?
		 ORDER BY ts ASC, id ASC LIMIT ?`, channelID, limit)
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
		 WHERE channel_id = ? AND (ts < ? OR (ts = ? AND id < ?))
		 ORDER BY ts DESC, id DESC LIMIT ?`,
		anchor.ChannelID, anchor.Timestamp, anchor.Timestamp, anchor.ID, span)
	if err != nil {
		return nil, &linger.StoreError{Op: "get_around", Err: err}
	}
	after, err := s.queryMessages(ctx,
		`SELECT `+selectCols+` FROM messages
		 WHERE channel_id = ? AND (ts > ? OR (ts = ? AND id > ?))
		 ORDER BY ts ASC, id ASC LIMIT ?`,
		anchor.ChannelID, anchor.Timestamp, anchor.Timestamp, anchor.ID, span)
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
// Both anchors must live in the same channel; the bounds may be given in
// either order.
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
		 WHERE channel_id = ? AND ts BETWEEN ? AND ?
		 ORDER BY ts ASC, id ASC`,
		from.ChannelID, lo, hi)
	if err != nil {
		return nil, &linger.StoreError{Op: "get_range", Err: err}
	}
	return msgs, nil
}

// Search runs a full-text query with optional metadata filters, returning
// references ordered best-match first (bm25) with recency breaking ties.
func (s *Store) Search(ctx context.Context, opts linger.SearchOptions) ([]linger.MessageRef, error) {
	start := time.Now()
	match := ftsQuery(opts.Query)
	if match == "" {
		return nil, nil
	}

	query := `SELECT m.id, m.channel_id, m.author_id, m.author_name, m.ts
		FROM messages_fts f
		JOIN messages m ON m.rowid = f.rowid
		WHERE messages_fts MATCH ?`
	args := []any{match}
	if opts.ChannelID != "" {
		query += ` AND m.channel_id = ?`
		args = append(args, opts.ChannelID)
	}
	if opts.ServerID != "" {
		query += ` AND m.server_id = ?`
		args = append(args, opts.ServerID)
	}
	if opts.AuthorID != "" {
		query += ` AND m.author_id = ?`
		args = append(args, opts.AuthorID)
	}
	if opts.Since > 0 {
		query += ` AND m.ts >= ?`
		args = append(args, opts.Since)
	}
	if opts.Until > 0 {
		query += ` AND m.ts <= ?`
		args = append(args, opts.Until)
	}
	query += ` ORDER BY rank, m.ts DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: search failed", "query", opts.Query, "error", err)
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
	s.logger.Debug("sqlite: search ok", "query", opts.Query, "hits", len(refs), "duration", time.Since(start))
	return refs, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: store closed")
	return s.db.Close()
}

// queryMessages runs a select over selectCols and scans the rows.
func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]linger.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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
	var attachJSON, reactJSON sql.NullString
	err := row.Scan(&m.ID, &m.ChannelID, &m.ServerID, &m.AuthorID, &m.AuthorName,
		&m.Text, &m.Timestamp, &m.IsBot, &m.ReplyToID, &m.Forwarded,
		&attachJSON, &reactJSON)
	if err != nil {
		return linger.Message{}, err
	}
	if attachJSON.Valid && attachJSON.String != "" {
		_ = json.Unmarshal([]byte(attachJSON.String), &m.Attachments)
	}
	if reactJSON.Valid && reactJSON.String != "" {
		_ = json.Unmarshal([]byte(reactJSON.String), &m.Reactions)
	}
	return m, nil
}

func upsertArgs(m linger.Message) ([]any, error) {
	var attachJSON, reactJSON *string
	if len(m.Attachments) > 0 {
		data, err := json.Marshal(m.Attachments)
		if err != nil {
			return nil, fmt.Errorf("marshal attachments: %w", err)
		}
		v := string(data)
		attachJSON = &v
	}
	if len(m.Reactions) > 0 {
		data, err := json.Marshal(m.Reactions)
		if err != nil {
			return nil, fmt.Errorf("marshal reactions: %w", err)
		}
		v := string(data)
		reactJSON = &v
	}
	return []any{
		m.ID, m.ChannelID, m.ServerID, m.AuthorID, m.AuthorName,
		m.Text, m.Timestamp, m.IsBot, m.ReplyToID, m.Forwarded,
		attachJSON, reactJSON,
	}, nil
}

// ftsQuery converts free text into an FTS5 match expression: each token
// becomes a quoted term (conjunctive), and quoted phrases pass through as
// phrases. Quoting sidesteps FTS5 operator syntax in user input. The
// query is NFKC-folded first so fullwidth and other compatibility forms
// match their ASCII equivalents.
func ftsQuery(q string) string {
	var terms []string
	for _, tok := range splitQuery(norm.NFKC.String(q)) {
		tok = strings.ReplaceAll(tok, `"`, `""`)
		if tok != "" {
			terms = append(terms, `"`+tok+`"`)
		}
	}
	return strings.Join(terms, " ")
}

// splitQuery tokenizes on whitespace but keeps double-quoted phrases
// together.
func splitQuery(q string) []string {
	var out []string
	var cur strings.Builder
	inQuote := false
	for _, r := range q {
		switch {
		case r == '"':
			inQuote = !inQuote
		case r == ' ' || r == '\t' || r == '\n':
			if inQuote {
				cur.WriteRune(r)
				continue
			}
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
