package linger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	// DefaultContextWindow is how many recent channel messages feed the
	// transcript.
	DefaultContextWindow = 20
	// replyChainDepth bounds recursive reply resolution.
	replyChainDepth = 5
	// replyChainBudget bounds the whole chain walk when parents must be
	// fetched from the platform.
	replyChainBudget = 10 * time.Second
	// replyFetchTimeout bounds each individual platform fetch.
	replyFetchTimeout = 5 * time.Second
)

// forwardedMarker replaces forwarded messages whose content the bot
// cannot see.
const forwardedMarker = "[forwarded message, content unavailable]"

// followupInstructions is appended to the system prompt when the
// follow-up system is on. The model records commitments through the
// memory tool; the agentic engine dispatches them later.
const followupInstructions = `When someone mentions a concrete future event worth checking in on (an exam, interview, trip, release), record it with the memory tool in servers/%s/followups.json: append to the "pending" array an object {"id", "user_id", "user_name", "channel_id", "event", "context", "mentioned_date", "follow_up_after", "priority"} with ISO 8601 dates and "priority" one of "low", "medium", or "high". Only record things a thoughtful friend would actually follow up on.`

// ContextBuilder assembles the system prompt and conversation transcript
// for one LLM turn. Callers must hold the channel lock before building so
// that concurrent turns in the same channel cannot interleave.
type ContextBuilder struct {
	store    MessageStore
	platform Platform
	users    *UserCache
	botID    string
	botName  string
	window   int
	now      func() time.Time
	logger   *slog.Logger
}

// ContextOption configures a ContextBuilder.
type ContextOption func(*ContextBuilder)

// WithContextWindow overrides the recent-message window size.
func WithContextWindow(n int) ContextOption {
	return func(b *ContextBuilder) {
		if n > 0 {
			b.window = n
		}
	}
}

// WithContextLogger sets the builder's logger.
func WithContextLogger(l *slog.Logger) ContextOption {
	return func(b *ContextBuilder) {
		if l != nil {
			b.logger = l
		}
	}
}

// clock override for tests.
func withContextClock(now func() time.Time) ContextOption {
	return func(b *ContextBuilder) { b.now = now }
}

// NewContextBuilder wires a builder to its read-only sources. platform
// may be nil, in which case reply parents missing from the store stay
// unresolved.
func NewContextBuilder(store MessageStore, platform Platform, users *UserCache, botID, botName string, opts ...ContextOption) *ContextBuilder {
	b := &ContextBuilder{
		store:    store,
		platform: platform,
		users:    users,
		botID:    botID,
		botName:  botName,
		window:   DefaultContextWindow,
		now:      time.Now,
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildRequest is one context assembly order.
type BuildRequest struct {
	// Message is the triggering message; it anchors the transcript.
	Message Message
	// Personality is the configured base prompt, included verbatim.
	Personality string
	// Followups appends follow-up recording instructions to the system
	// prompt.
	Followups bool
	// Exclude lists message IDs already being answered by concurrent
	// turns; they are dropped from the transcript. The triggering
	// message itself is always kept.
	Exclude map[string]bool
}

// Build produces the LLM request for one turn: a cacheable system block
// and a single user turn holding the transcript (reply chain first when
// present, then the recent window, oldest first).
func (b *ContextBuilder) Build(ctx context.Context, req BuildRequest) (ChatRequest, error) {
	start := time.Now()
	trigger := req.Message

	chain := b.replyChain(ctx, trigger)
	chainIDs := make(map[string]bool, len(chain))
	for _, m := range chain {
		chainIDs[m.ID] = true
	}

	recent, err := b.store.GetRecent(ctx, trigger.ChannelID, b.window)
	if err != nil {
		return ChatRequest{}, fmt.Errorf("context: recent window: %w", err)
	}

	var lines []string
	if len(chain) > 0 {
		lines = append(lines, "— reply chain —")
		for _, m := range chain {
			lines = append(lines, b.renderLine(m))
		}
		lines = append(lines, "— recent messages —")
	}

	sawTrigger := false
	for i := len(recent) - 1; i >= 0; i-- { // store returns newest first
		m := recent[i]
		if m.ID == trigger.ID {
			sawTrigger = true
		} else if req.Exclude[m.ID] || chainIDs[m.ID] {
			continue
		}
		lines = append(lines, b.renderLine(m))
	}
	if !sawTrigger {
		lines = append(lines, b.renderLine(trigger))
	}

	b.logger.Debug("context: build ok",
		"channel_id", trigger.ChannelID,
		"lines", len(lines),
		"chain_depth", len(chain),
		"duration", time.Since(start))

	return ChatRequest{
		System:      b.systemPrompt(req),
		CacheSystem: true,
		Messages:    []ChatMessage{UserMessage(strings.Join(lines, "\n"))},
	}, nil
}

func (b *ContextBuilder) systemPrompt(req BuildRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, a Discord bot (user ID %s).\n", b.botName, b.botID)
	fmt.Fprintf(&sb, "Current time: %s\n", b.now().UTC().Format(time.RFC3339))
	if p := strings.TrimSpace(req.Personality); p != "" {
		sb.WriteString("\n")
		sb.WriteString(p)
		sb.WriteString("\n")
	}
	if req.Followups {
		sb.WriteString("\n")
		fmt.Fprintf(&sb, followupInstructions, req.Message.ServerID)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// renderLine formats one transcript line: [HH:MM] name: text, with
// mention tokens resolved and reactions appended inline.
func (b *ContextBuilder) renderLine(m Message) string {
	name := m.AuthorName
	switch {
	case m.AuthorID == b.botID:
		name = "Assistant (you)"
	case name == "":
		if u, ok := b.users.Lookup(m.AuthorID); ok {
			name = u.Name()
		} else {
			name = "user"
		}
	}

	text := b.users.ResolveMentions(m.Text)
	if text == "" && m.Forwarded {
		text = forwardedMarker
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s: %s",
		time.UnixMilli(m.Timestamp).UTC().Format("15:04"), name, text)
	for _, a := range m.Attachments {
		fmt.Fprintf(&sb, " *(attachment: %s)*", a.Filename)
	}
	if len(m.Reactions) > 0 {
		sb.WriteString(" " + formatReactions(m.Reactions))
	}
	return sb.String()
}

func formatReactions(rs []Reaction) string {
	parts := make([]string, 0, len(rs))
	for _, r := range rs {
		parts = append(parts, fmt.Sprintf("%s×%d", r.Emoji, r.Count))
	}
	return "*(Reactions: " + strings.Join(parts, ", ") + ")*"
}

// replyChain resolves up to replyChainDepth parents of m, returned
// deepest first. Parents missing from the store are fetched from the
// platform under per-fetch and whole-walk timeouts, then stored.
func (b *ContextBuilder) replyChain(ctx context.Context, m Message) []Message {
	if m.ReplyToID == "" {
		return nil
	}
	walkCtx, cancel := context.WithTimeout(ctx, replyChainBudget)
	defer cancel()

	var chain []Message
	id := m.ReplyToID
	for depth := 0; depth < replyChainDepth && id != ""; depth++ {
		parent, err := b.lookup(walkCtx, m.ChannelID, id)
		if err != nil {
			b.logger.Debug("context: reply chain stopped",
				"message_id", id, "depth", depth, "error", err)
			break
		}
		chain = append(chain, parent)
		id = parent.ReplyToID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

func (b *ContextBuilder) lookup(ctx context.Context, channelID, messageID string) (Message, error) {
	m, err := b.store.Get(ctx, messageID)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, ErrNotFound) || b.platform == nil {
		return Message{}, err
	}
	fetchCtx, cancel := context.WithTimeout(ctx, replyFetchTimeout)
	defer cancel()
	m, err = b.platform.FetchMessage(fetchCtx, channelID, messageID)
	if err != nil {
		return Message{}, err
	}
	if err := b.store.Put(ctx, m); err != nil {
		b.logger.Warn("context: store fetched parent", "error", err)
	}
	return m, nil
}
