// Package messages exposes the message archive to the model: full-text
// search over history, and context retrieval around or between specific
// messages.
package messages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lingerbot/linger"
)

// Search hit and transcript bounds keep tool output small enough to hand
// back to the model.
const (
	defaultSearchLimit = 20
	maxSearchLimit     = 50
	defaultSpan        = 10
	maxSpan            = 50
)

// Tool provides search_messages and view_messages over a MessageStore.
type Tool struct {
	store linger.MessageStore
}

var _ linger.Tool = (*Tool)(nil)

// New creates the messages tool over store.
func New(store linger.MessageStore) *Tool {
	return &Tool{store: store}
}

func (t *Tool) Definitions() []linger.ToolDefinition {
	return []linger.ToolDefinition{
		{
			Name: "search_messages",
			Description: "Full-text search over the message archive. Returns message references " +
				"(id, author, time) without text; pass an id to view_messages to read the surrounding conversation. " +
				"Query terms are combined with AND; use double quotes for exact phrases.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "description": "Search terms"},
					"channel_id": {"type": "string", "description": "Restrict to one channel"},
					"author_id": {"type": "string", "description": "Restrict to one author"},
					"since": {"type": "string", "description": "Only messages at or after this RFC 3339 time"},
					"until": {"type": "string", "description": "Only messages at or before this RFC 3339 time"},
					"limit": {"type": "integer", "description": "Max hits (default 20, max 50)"}
				},
				"required": ["query"]
			}`),
		},
		{
			Name: "view_messages",
			Description: "Read conversation context from the archive. Pass message_id (with optional span, default 10) " +
				"to read around one message, from_id and to_id to read an inclusive range, or channel_id to read " +
				"the newest (mode \"recent\", the default) or oldest (mode \"first\") messages of a channel.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"message_id": {"type": "string", "description": "Anchor message for around-view"},
					"span": {"type": "integer", "description": "Messages either side of the anchor (default 10, max 50)"},
					"from_id": {"type": "string", "description": "Range start message"},
					"to_id": {"type": "string", "description": "Range end message"},
					"channel_id": {"type": "string", "description": "Channel for recent/first view"},
					"mode": {"type": "string", "enum": ["recent", "first"], "description": "Channel view end (default recent)"},
					"limit": {"type": "integer", "description": "Messages in a channel view (default 20, max 50)"}
				}
			}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (linger.ToolResult, error) {
	switch name {
	case "search_messages":
		return t.search(ctx, args)
	case "view_messages":
		return t.view(ctx, args)
	default:
		return linger.ToolResult{Error: "unknown messages tool: " + name}, nil
	}
}

func (t *Tool) search(ctx context.Context, args json.RawMessage) (linger.ToolResult, error) {
	var p struct {
		Query     string `json:"query"`
		ChannelID string `json:"channel_id"`
		AuthorID  string `json:"author_id"`
		Since     string `json:"since"`
		Until     string `json:"until"`
		Limit     int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return linger.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if strings.TrimSpace(p.Query) == "" {
		return linger.ToolResult{Error: "query is required"}, nil
	}

	opts := linger.SearchOptions{
		Query:     p.Query,
		ChannelID: p.ChannelID,
		AuthorID:  p.AuthorID,
		Limit:     p.Limit,
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultSearchLimit
	}
	if opts.Limit > maxSearchLimit {
		opts.Limit = maxSearchLimit
	}
	if p.Since != "" {
		ts, err := time.Parse(time.RFC3339, p.Since)
		if err != nil {
			return linger.ToolResult{Error: "invalid since time: " + err.Error()}, nil
		}
		opts.Since = ts.UnixMilli()
	}
	if p.Until != "" {
		ts, err := time.Parse(time.RFC3339, p.Until)
		if err != nil {
			return linger.ToolResult{Error: "invalid until time: " + err.Error()}, nil
		}
		opts.Until = ts.UnixMilli()
	}

	refs, err := t.store.Search(ctx, opts)
	if err != nil {
		return linger.ToolResult{Error: "search failed: " + err.Error()}, nil
	}
	if len(refs) == 0 {
		return linger.ToolResult{Content: "No messages matched."}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d result(s):\n", len(refs))
	for _, r := range refs {
		fmt.Fprintf(&sb, "- id=%s channel=%s author=%s time=%s\n",
			r.ID, r.ChannelID, r.AuthorName,
			time.UnixMilli(r.Timestamp).UTC().Format(time.RFC3339))
	}
	return linger.ToolResult{Content: strings.TrimSuffix(sb.String(), "\n")}, nil
}

func (t *Tool) view(ctx context.Context, args json.RawMessage) (linger.ToolResult, error) {
	var p struct {
		MessageID string `json:"message_id"`
		Span      int    `json:"span"`
		FromID    string `json:"from_id"`
		ToID      string `json:"to_id"`
		ChannelID string `json:"channel_id"`
		Mode      string `json:"mode"`
		Limit     int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return linger.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	var msgs []linger.Message
	var err error
	switch {
	case p.MessageID != "":
		span := p.Span
		if span <= 0 {
			span = defaultSpan
		}
		if span > maxSpan {
			span = maxSpan
		}
		msgs, err = t.store.GetAround(ctx, p.MessageID, span)
	case p.FromID != "" && p.ToID != "":
		msgs, err = t.store.GetRange(ctx, p.FromID, p.ToID)
	case p.ChannelID != "":
		limit := p.Limit
		if limit <= 0 {
			limit = defaultSearchLimit
		}
		if limit > maxSearchLimit {
			limit = maxSearchLimit
		}
		switch p.Mode {
		case "", "recent":
			msgs, err = t.store.GetRecent(ctx, p.ChannelID, limit)
			// Newest-first from the store; show chronological.
			for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
				msgs[i], msgs[j] = msgs[j], msgs[i]
			}
		case "first":
			msgs, err = t.store.GetFirst(ctx, p.ChannelID, limit)
		default:
			return linger.ToolResult{Error: "mode must be recent or first"}, nil
		}
	default:
		return linger.ToolResult{Error: "pass message_id, from_id and to_id, or channel_id"}, nil
	}
	if err != nil {
		return linger.ToolResult{Error: "view failed: " + err.Error()}, nil
	}
	if len(msgs) == 0 {
		return linger.ToolResult{Content: "No messages in range."}, nil
	}

	var sb strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&sb, "[%s] %s: %s\n",
			time.UnixMilli(m.Timestamp).UTC().Format("2006-01-02 15:04"),
			m.AuthorName, m.Text)
	}
	return linger.ToolResult{Content: strings.TrimSuffix(sb.String(), "\n")}, nil
}
