// Package discord adapts the Discord gateway to the platform interface:
// gateway events become platform events, sends go through the REST API.
package discord

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"

	linger "github.com/lingerbot/linger"
)

const (
	// eventBuffer bounds the gateway event queue. Events are dropped with
	// a warning when the consumer falls behind.
	eventBuffer = 256

	// defaultMaxDownload caps attachment downloads at 50 MB.
	defaultMaxDownload = 50 * 1024 * 1024

	// historyPageMax is the Discord API per-page limit.
	historyPageMax = 100
)

// Gateway is the Discord implementation of the platform interface.
type Gateway struct {
	session     *discordgo.Session
	servers     map[string]bool // allow-list; empty means all servers
	maxDownload int64
	httpClient  *http.Client
	logger      *slog.Logger

	events chan linger.Event
}

var _ linger.Platform = (*Gateway)(nil)

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithServers restricts the gateway to an allow-list of server IDs.
// Events from other servers are dropped.
func WithServers(ids []string) Option {
	return func(g *Gateway) {
		if len(ids) == 0 {
			return
		}
		g.servers = make(map[string]bool, len(ids))
		for _, id := range ids {
			g.servers[id] = true
		}
	}
}

// WithMaxDownload caps the size of attachment downloads in bytes.
func WithMaxDownload(n int64) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxDownload = n
		}
	}
}

// WithHTTPClient sets the client used for attachment downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) {
		if c != nil {
			g.httpClient = c
		}
	}
}

// New creates a Gateway with the given bot token. The session is not
// opened until Listen is called.
func New(token string, opts ...Option) (*Gateway, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentMessageContent

	g := &Gateway{
		session:     session,
		maxDownload: defaultMaxDownload,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		logger:      slog.New(discardHandler{}),
		events:      make(chan linger.Event, eventBuffer),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Listen opens the gateway connection and returns the event stream. The
// channel closes when ctx is cancelled and the session has shut down.
func (g *Gateway) Listen(ctx context.Context) (<-chan linger.Event, error) {
	g.session.AddHandler(g.onMessageCreate)
	g.session.AddHandler(g.onMessageUpdate)
	g.session.AddHandler(g.onMessageDelete)
	g.session.AddHandler(g.onReactionAdd)

	if err := g.session.Open(); err != nil {
		return nil, fmt.Errorf("open discord gateway: %w", err)
	}
	id, name := g.BotUser()
	g.logger.Info("discord gateway connected", "bot_id", id, "bot_name", name)

	go func() {
		<-ctx.Done()
		if err := g.session.Close(); err != nil {
			g.logger.Warn("close discord gateway", "error", err)
		}
		close(g.events)
	}()
	return g.events, nil
}

// allowed reports whether events from the given guild pass the server
// allow-list. DMs (empty guild ID) always pass.
func (g *Gateway) allowed(guildID string) bool {
	if guildID == "" || g.servers == nil {
		return true
	}
	return g.servers[guildID]
}

// emit queues an event, dropping it when the consumer falls behind.
func (g *Gateway) emit(ev linger.Event) {
	select {
	case g.events <- ev:
	default:
		g.logger.Warn("event queue full, dropping event",
			"kind", ev.Kind, "channel_id", ev.ChannelID)
	}
}

func (g *Gateway) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if !g.allowed(m.GuildID) {
		return
	}
	botID, _ := g.BotUser()
	msg := convertMessage(m.Message)
	g.emit(linger.Event{
		Kind:      linger.EventMessage,
		Message:   &msg,
		MessageID: msg.ID,
		ChannelID: msg.ChannelID,
		ServerID:  msg.ServerID,
		Mentioned: botID != "" && m.Author != nil && m.Author.ID != botID && mentionsUser(m.Message, botID),
		RepliedTo: botID != "" && repliesTo(m.Message, botID),
	})
}

func (g *Gateway) onMessageUpdate(s *discordgo.Session, m *discordgo.MessageUpdate) {
	// Embed-expansion updates arrive without an author; only real edits
	// carry the full message.
	if m.Author == nil || !g.allowed(m.GuildID) {
		return
	}
	botID, _ := g.BotUser()
	msg := convertMessage(m.Message)
	g.emit(linger.Event{
		Kind:      linger.EventEdit,
		Message:   &msg,
		MessageID: msg.ID,
		ChannelID: msg.ChannelID,
		ServerID:  msg.ServerID,
		Mentioned: botID != "" && m.Author.ID != botID && mentionsUser(m.Message, botID),
		RepliedTo: botID != "" && repliesTo(m.Message, botID),
	})
}

func (g *Gateway) onMessageDelete(s *discordgo.Session, m *discordgo.MessageDelete) {
	if !g.allowed(m.GuildID) {
		return
	}
	g.emit(linger.Event{
		Kind:      linger.EventDelete,
		MessageID: m.ID,
		ChannelID: m.ChannelID,
		ServerID:  m.GuildID,
	})
}

func (g *Gateway) onReactionAdd(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
	if !g.allowed(r.GuildID) {
		return
	}
	g.emit(linger.Event{
		Kind:      linger.EventReaction,
		MessageID: r.MessageID,
		ChannelID: r.ChannelID,
		ServerID:  r.GuildID,
		Reaction: &linger.ReactionEvent{
			MessageID: r.MessageID,
			ChannelID: r.ChannelID,
			UserID:    r.UserID,
			Emoji:     r.Emoji.Name,
		},
	})
}

// Send posts a message, returning the new message ID.
func (g *Gateway) Send(ctx context.Context, channelID, text string) (string, error) {
	m, err := g.session.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return m.ID, nil
}

// SendReply posts a message as a formal reply to another.
func (g *Gateway) SendReply(ctx context.Context, channelID, replyToID, text string) (string, error) {
	ref := &discordgo.MessageReference{
		MessageID: replyToID,
		ChannelID: channelID,
	}
	m, err := g.session.ChannelMessageSendReply(channelID, text, ref, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("send reply: %w", err)
	}
	return m.ID, nil
}

// SendTyping shows a typing indicator until the next send.
func (g *Gateway) SendTyping(ctx context.Context, channelID string) error {
	if err := g.session.ChannelTyping(channelID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("send typing: %w", err)
	}
	return nil
}

// FetchMessage retrieves a single message by ID.
func (g *Gateway) FetchMessage(ctx context.Context, channelID, messageID string) (linger.Message, error) {
	m, err := g.session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return linger.Message{}, fmt.Errorf("fetch message: %w", err)
	}
	return convertMessage(m), nil
}

// History pages backward through a channel, newest first, starting before
// the given message ID ("" = from the latest).
func (g *Gateway) History(ctx context.Context, channelID, beforeID string, limit int) ([]linger.Message, error) {
	if limit <= 0 || limit > historyPageMax {
		limit = historyPageMax
	}
	msgs, err := g.session.ChannelMessages(channelID, limit, beforeID, "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	out := make([]linger.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, convertMessage(m))
	}
	return out, nil
}

// Channels lists the text channels of a server.
func (g *Gateway) Channels(ctx context.Context, serverID string) ([]linger.ChannelInfo, error) {
	chans, err := g.session.GuildChannels(serverID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	var out []linger.ChannelInfo
	for _, c := range chans {
		if c.Type != discordgo.ChannelTypeGuildText {
			continue
		}
		out = append(out, linger.ChannelInfo{
			ID:       c.ID,
			ServerID: serverID,
			Name:     c.Name,
			IsText:   true,
		})
	}
	return out, nil
}

// Download fetches an attachment by URL. Discord CDN URLs require
// server-side fetching. Responses larger than the configured cap fail.
func (g *Gateway) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download attachment: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, g.maxDownload+1))
	if err != nil {
		return nil, fmt.Errorf("read attachment body: %w", err)
	}
	if int64(len(data)) > g.maxDownload {
		return nil, fmt.Errorf("attachment exceeds %d byte limit", g.maxDownload)
	}
	return data, nil
}

// BotUser returns the bot's own user ID and display name. Values are
// empty before the gateway connects.
func (g *Gateway) BotUser() (id, name string) {
	u := g.session.State.User
	if u == nil {
		return "", ""
	}
	name = u.GlobalName
	if name == "" {
		name = u.Username
	}
	return u.ID, name
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
