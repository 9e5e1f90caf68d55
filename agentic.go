package linger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultAgenticInterval is the agentic engine's tick period.
const DefaultAgenticInterval = time.Hour

// Proactive engagement defaults.
const (
	defaultProactiveMinIdle   = time.Hour
	defaultProactiveMaxIdle   = 8 * time.Hour
	defaultProactivePerDay    = 3
	defaultProactiveGlobalDay = 10
	defaultSuccessFloor       = 0.30
	defaultSuccessWindow      = 15 * time.Minute
	defaultFollowupThreshold  = 0.5
	defaultUserActiveWindow   = 24 * time.Hour
)

// ProactiveConfig tunes unprompted conversation starters.
type ProactiveConfig struct {
	// AllowedChannels is the explicit allowlist. Empty means proactive
	// engagement is off.
	AllowedChannels []string
	// MinIdle and MaxIdle bound how long a channel must have been quiet:
	// below MinIdle the conversation is still alive, above MaxIdle the
	// room is dead and a message would land on nobody.
	MinIdle time.Duration
	MaxIdle time.Duration
	// PerChannelDaily and GlobalDaily cap attempts per UTC day.
	PerChannelDaily int
	GlobalDaily     int
	// SuccessFloor silences channels whose historical attempt success
	// rate fell below it.
	SuccessFloor float64
	// SuccessWindow is how long after an attempt user activity still
	// counts as engagement with it.
	SuccessWindow time.Duration
}

// AgenticConfig tunes the AgenticEngine.
type AgenticConfig struct {
	Interval time.Duration
	// BaseDir roots the persistent state tree:
	// servers/<server>/followups.json and
	// servers/<server>/channels/<channel>_stats.json.
	BaseDir string
	// FollowupThreshold is the minimum priority score a follow-up needs
	// to be dispatched.
	FollowupThreshold float64
	// FollowupMaxAge bounds how long completed records are kept; stale
	// pending records age out at twice this.
	FollowupMaxAge time.Duration
	// UserActiveWindow gates follow-up dispatch on the recipient having
	// been seen recently. Zero disables the gate.
	UserActiveWindow time.Duration
	Personality      string
	MaxTokens        int
	// ThinkingBudget enables extended thinking on follow-up turns.
	ThinkingBudget int
	Proactive      ProactiveConfig
}

func (c *AgenticConfig) fillDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultAgenticInterval
	}
	if c.FollowupThreshold <= 0 {
		c.FollowupThreshold = defaultFollowupThreshold
	}
	if c.UserActiveWindow == 0 {
		c.UserActiveWindow = defaultUserActiveWindow
	}
	if c.FollowupMaxAge <= 0 {
		c.FollowupMaxAge = DefaultFollowupMaxAge
	}
	if c.Proactive.MinIdle <= 0 {
		c.Proactive.MinIdle = defaultProactiveMinIdle
	}
	if c.Proactive.MaxIdle <= 0 {
		c.Proactive.MaxIdle = defaultProactiveMaxIdle
	}
	if c.Proactive.PerChannelDaily <= 0 {
		c.Proactive.PerChannelDaily = defaultProactivePerDay
	}
	if c.Proactive.GlobalDaily <= 0 {
		c.Proactive.GlobalDaily = defaultProactiveGlobalDay
	}
	if c.Proactive.SuccessFloor <= 0 {
		c.Proactive.SuccessFloor = defaultSuccessFloor
	}
	if c.Proactive.SuccessWindow <= 0 {
		c.Proactive.SuccessWindow = defaultSuccessWindow
	}
}

// AgenticEngine runs the slow loop: once per tick it dispatches due
// follow-ups, considers starting conversations in idle channels, settles
// earlier proactive attempts against observed activity, and prunes the
// follow-up book. One goroutine; every tick is independent.
type AgenticEngine struct {
	cfg      AgenticConfig
	store    MessageStore
	platform Platform
	provider Provider
	builder  *ContextBuilder
	limiter  *RateLimiter
	users    *UserCache
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	daily    map[string]int              // channel\x00day and \x00day (global) → attempts
	attempts map[string]proactiveAttempt // channel → last unsettled proactive attempt
}

// proactiveAttempt remembers an unsettled conversation starter until its
// success window closes.
type proactiveAttempt struct {
	at       time.Time
	serverID string
}

// AgenticOption configures an AgenticEngine.
type AgenticOption func(*AgenticEngine)

// WithAgenticLogger sets the structured logger.
func WithAgenticLogger(l *slog.Logger) AgenticOption {
	return func(e *AgenticEngine) { e.logger = l }
}

// withAgenticClock overrides the clock. Test hook.
func withAgenticClock(now func() time.Time) AgenticOption {
	return func(e *AgenticEngine) { e.now = now }
}

// NewAgenticEngine wires the engine. builder supplies transcript
// rendering only; context assembly here is bespoke per task.
func NewAgenticEngine(cfg AgenticConfig, store MessageStore, platform Platform, provider Provider, builder *ContextBuilder, limiter *RateLimiter, users *UserCache, opts ...AgenticOption) *AgenticEngine {
	cfg.fillDefaults()
	e := &AgenticEngine{
		cfg:      cfg,
		store:    store,
		platform: platform,
		provider: provider,
		builder:  builder,
		limiter:  limiter,
		users:    users,
		now:      time.Now,
		daily:    make(map[string]int),
		attempts: make(map[string]proactiveAttempt),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = nopLogger
	}
	return e
}

// Run ticks until ctx is cancelled.
func (e *AgenticEngine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one full pass. Exported so the spawn path can run an
// immediate pass at startup.
func (e *AgenticEngine) Tick(ctx context.Context) {
	start := time.Now()
	e.settleAttempts(ctx)
	e.dispatchFollowups(ctx)
	e.proactive(ctx)
	e.maintain()
	e.logger.Debug("agentic: tick done", "duration", time.Since(start))
}

// --- follow-up dispatch ---

func (e *AgenticEngine) followupPath(serverID string) string {
	return filepath.Join(e.cfg.BaseDir, "servers", serverID, "followups.json")
}

func (e *AgenticEngine) statsPath(serverID, channelID string) string {
	return filepath.Join(e.cfg.BaseDir, "servers", serverID, "channels", channelID+"_stats.json")
}

// serverIDs enumerates servers with a follow-up book on disk. The model
// creates the book through the memory tool, so the directory tree is the
// source of truth.
func (e *AgenticEngine) serverIDs() []string {
	entries, err := os.ReadDir(filepath.Join(e.cfg.BaseDir, "servers"))
	if err != nil {
		if !os.IsNotExist(err) {
			e.logger.Warn("agentic: server listing failed", "error", err)
		}
		return nil
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids
}

func (e *AgenticEngine) dispatchFollowups(ctx context.Context) {
	now := e.now()
	for _, serverID := range e.serverIDs() {
		path := e.followupPath(serverID)
		book, err := LoadFollowups(path)
		if err != nil {
			e.logger.Warn("agentic: load followups failed", "server_id", serverID, "error", err)
			continue
		}
		due := book.Due(now, e.cfg.FollowupThreshold)
		if len(due) == 0 {
			continue
		}
		changed := false
		for _, rec := range due {
			if ctx.Err() != nil {
				break
			}
			if e.cfg.UserActiveWindow > 0 {
				last := e.users.LastSeen(rec.UserID)
				if last == 0 || now.Sub(time.UnixMilli(last)) > e.cfg.UserActiveWindow {
					e.logger.Debug("agentic: follow-up deferred, user inactive",
						"id", rec.ID, "user_id", rec.UserID)
					continue
				}
			}
			if ok, reason := e.limiter.CanRespond(rec.ChannelID); !ok {
				e.logger.Info("agentic: follow-up rate limited",
					"id", rec.ID, "channel_id", rec.ChannelID, "reason", reason)
				continue
			}
			if err := e.sendFollowup(ctx, serverID, rec); err != nil {
				e.logger.Error("agentic: follow-up send failed", "id", rec.ID, "error", err)
				continue
			}
			book.Complete(rec.ID, now)
			changed = true
		}
		if changed {
			if err := SaveFollowups(path, book); err != nil {
				e.logger.Error("agentic: save followups failed", "server_id", serverID, "error", err)
			}
		}
	}
}

// sendFollowup generates and delivers one check-in. Extended thinking is
// on so the model can weigh tone; web tools stay off.
func (e *AgenticEngine) sendFollowup(ctx context.Context, serverID string, rec FollowupRecord) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Time to follow up with %s about: %s\n", rec.UserName, rec.Event)
	if rec.Context != "" {
		fmt.Fprintf(&sb, "Context from when it came up: %s\n", rec.Context)
	}
	fmt.Fprintf(&sb, "They mentioned it on %s.\n", rec.MentionedDate)
	sb.WriteString("\nRecent channel activity:\n")
	sb.WriteString(e.transcript(ctx, rec.ChannelID, 10))
	sb.WriteString(fmt.Sprintf("\n\nWrite a single natural check-in message addressed to <@%s>. ", rec.UserID))
	sb.WriteString("Warm and brief, like a friend remembering. No preamble, output only the message.")

	req := ChatRequest{
		System:      e.systemPrompt(),
		CacheSystem: true,
		Messages:    []ChatMessage{UserMessage(sb.String())},
		MaxTokens:   e.cfg.MaxTokens,
	}
	if e.cfg.ThinkingBudget > 0 {
		req.Thinking = &ThinkingConfig{BudgetTokens: e.cfg.ThinkingBudget}
	}
	resp, err := e.provider.Chat(ctx, req)
	if err != nil {
		return fmt.Errorf("followup generate: %w", err)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return fmt.Errorf("followup generate: empty response")
	}
	return e.deliver(ctx, rec.ChannelID, serverID, "", text)
}

// --- proactive engagement ---

func (e *AgenticEngine) proactive(ctx context.Context) {
	if len(e.cfg.Proactive.AllowedChannels) == 0 {
		return
	}
	now := e.now()
	day := DayKey(now)
	for _, channelID := range e.cfg.Proactive.AllowedChannels {
		if ctx.Err() != nil {
			return
		}
		if !e.underDailyCaps(channelID, day) {
			continue
		}
		idle, latest, ok := e.channelIdle(ctx, channelID, now)
		if !ok || idle < e.cfg.Proactive.MinIdle || idle > e.cfg.Proactive.MaxIdle {
			continue
		}
		stats, err := LoadChannelStats(e.statsPath(latest.ServerID, channelID))
		if err != nil {
			e.logger.Warn("agentic: load stats failed", "channel_id", channelID, "error", err)
			continue
		}
		if stats.SuccessRate() <= e.cfg.Proactive.SuccessFloor {
			e.logger.Debug("agentic: channel below success floor",
				"channel_id", channelID, "rate", stats.SuccessRate())
			continue
		}
		if ok, reason := e.limiter.CanRespond(channelID); !ok {
			e.logger.Debug("agentic: proactive rate limited",
				"channel_id", channelID, "reason", reason)
			continue
		}
		e.attemptEngagement(ctx, channelID, latest, now, &stats, day)
	}
}

// channelIdle returns how long the channel has been quiet and its latest
// message. ok is false for empty or unreadable channels.
func (e *AgenticEngine) channelIdle(ctx context.Context, channelID string, now time.Time) (time.Duration, Message, bool) {
	recent, err := e.store.GetRecent(ctx, channelID, 1)
	if err != nil || len(recent) == 0 {
		return 0, Message{}, false
	}
	return now.Sub(time.UnixMilli(recent[0].Timestamp)), recent[0], true
}

// attemptEngagement asks the model whether and how to open, then sends.
// Modes: STANDALONE starts fresh, WOVEN picks up an earlier thread (the
// opener goes out as a reply to the channel's latest message), DEFER
// stays quiet.
func (e *AgenticEngine) attemptEngagement(ctx context.Context, channelID string, latest Message, now time.Time, stats *ChannelStats, day string) {
	transcript := e.transcript(ctx, channelID, DefaultContextWindow)
	decide := ChatRequest{
		System: "You decide whether a Discord bot should start a conversation in a channel that has gone quiet. " +
			"Reply with exactly one word: STANDALONE (open a fresh topic), WOVEN (pick up something from the recent messages), or DEFER (stay quiet).",
		Messages:  []ChatMessage{UserMessage("Recent messages:\n" + transcript)},
		MaxTokens: 8,
	}
	resp, err := e.provider.Chat(ctx, decide)
	if err != nil {
		e.logger.Warn("agentic: proactive decide failed", "channel_id", channelID, "error", err)
		return
	}
	mode := strings.ToUpper(strings.TrimSpace(resp.Content))
	switch {
	case strings.HasPrefix(mode, "DEFER"):
		e.logger.Debug("agentic: proactive deferred", "channel_id", channelID)
		return
	case strings.HasPrefix(mode, "WOVEN"), strings.HasPrefix(mode, "STANDALONE"):
	default:
		e.logger.Debug("agentic: proactive verdict unrecognized", "channel_id", channelID, "verdict", Snippet(mode, 40))
		return
	}

	var instr, replyTo string
	if strings.HasPrefix(mode, "WOVEN") {
		instr = "Write one message that naturally picks up a thread from the recent messages above. "
		replyTo = latest.ID
	} else {
		instr = "Write one message that opens a fresh topic this channel would enjoy. "
	}
	gen := ChatRequest{
		System:      e.systemPrompt(),
		CacheSystem: true,
		Messages: []ChatMessage{UserMessage(
			"Recent messages:\n" + transcript + "\n\n" + instr +
				"Casual, no greeting ritual, no preamble. Output only the message.")},
		MaxTokens: e.cfg.MaxTokens,
	}
	resp, err = e.provider.Chat(ctx, gen)
	if err != nil {
		e.logger.Warn("agentic: proactive generate failed", "channel_id", channelID, "error", err)
		return
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return
	}
	if err := e.deliver(ctx, channelID, latest.ServerID, replyTo, text); err != nil {
		e.logger.Error("agentic: proactive send failed", "channel_id", channelID, "error", err)
		return
	}

	stats.RecordAttempt(now)
	if err := SaveChannelStats(e.statsPath(latest.ServerID, channelID), *stats); err != nil {
		e.logger.Warn("agentic: save stats failed", "channel_id", channelID, "error", err)
	}
	e.mu.Lock()
	e.daily[channelID+"\x00"+day]++
	e.daily["\x00"+day]++
	e.attempts[channelID] = proactiveAttempt{at: now, serverID: latest.ServerID}
	e.mu.Unlock()
	e.logger.Info("agentic: proactive sent", "channel_id", channelID, "mode", strings.Fields(mode)[0])
}

func (e *AgenticEngine) underDailyCaps(channelID, day string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k := range e.daily {
		if !strings.HasSuffix(k, "\x00"+day) {
			delete(e.daily, k)
		}
	}
	if e.daily[channelID+"\x00"+day] >= e.cfg.Proactive.PerChannelDaily {
		return false
	}
	return e.daily["\x00"+day] < e.cfg.Proactive.GlobalDaily
}

// settleAttempts grades proactive attempts whose success window has
// closed: any non-bot message inside the window counts as engagement.
func (e *AgenticEngine) settleAttempts(ctx context.Context) {
	now := e.now()
	e.mu.Lock()
	ripe := make(map[string]proactiveAttempt)
	for ch, att := range e.attempts {
		if now.Sub(att.at) >= e.cfg.Proactive.SuccessWindow {
			ripe[ch] = att
			delete(e.attempts, ch)
		}
	}
	e.mu.Unlock()

	for channelID, att := range ripe {
		engaged := e.sawActivity(ctx, channelID, att.at, att.at.Add(e.cfg.Proactive.SuccessWindow))
		if !engaged {
			e.logger.Debug("agentic: proactive attempt ignored", "channel_id", channelID)
			continue
		}
		path := e.statsPath(att.serverID, channelID)
		stats, err := LoadChannelStats(path)
		if err != nil {
			e.logger.Warn("agentic: load stats failed", "channel_id", channelID, "error", err)
			continue
		}
		stats.RecordSuccess(now)
		if err := SaveChannelStats(path, stats); err != nil {
			e.logger.Warn("agentic: save stats failed", "channel_id", channelID, "error", err)
		}
		e.logger.Info("agentic: proactive attempt engaged", "channel_id", channelID)
	}
}

func (e *AgenticEngine) sawActivity(ctx context.Context, channelID string, from, to time.Time) bool {
	recent, err := e.store.GetRecent(ctx, channelID, DefaultContextWindow)
	if err != nil {
		return false
	}
	for _, m := range recent {
		if m.IsBot {
			continue
		}
		ts := time.UnixMilli(m.Timestamp)
		if ts.After(from) && !ts.After(to) {
			return true
		}
	}
	return false
}

// --- maintenance ---

// maintain prunes every follow-up book on disk. Walks the servers dir
// directly so books for servers the bot left still age out.
func (e *AgenticEngine) maintain() {
	root := filepath.Join(e.cfg.BaseDir, "servers")
	entries, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			e.logger.Warn("agentic: maintenance walk failed", "error", err)
		}
		return
	}
	now := e.now()
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := e.followupPath(entry.Name())
		book, err := LoadFollowups(path)
		if err != nil {
			e.logger.Warn("agentic: maintenance load failed", "path", path, "error", err)
			continue
		}
		removed := book.Prune(now, e.cfg.FollowupMaxAge)
		if removed == 0 {
			continue
		}
		if err := SaveFollowups(path, book); err != nil {
			e.logger.Warn("agentic: maintenance save failed", "path", path, "error", err)
			continue
		}
		e.logger.Debug("agentic: pruned followups", "server_id", entry.Name(), "removed", removed)
	}
}

// --- shared helpers ---

func (e *AgenticEngine) systemPrompt() string {
	botID, botName := e.platform.BotUser()
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, a Discord bot (user ID %s).\n", botName, botID)
	fmt.Fprintf(&sb, "Current time: %s\n", e.now().UTC().Format(time.RFC3339))
	if p := strings.TrimSpace(e.cfg.Personality); p != "" {
		sb.WriteString("\n" + p)
	}
	return sb.String()
}

// transcript renders the channel's recent window oldest first.
func (e *AgenticEngine) transcript(ctx context.Context, channelID string, n int) string {
	recent, err := e.store.GetRecent(ctx, channelID, n)
	if err != nil {
		e.logger.Warn("agentic: transcript failed", "channel_id", channelID, "error", err)
		return "(no recent messages available)"
	}
	if len(recent) == 0 {
		return "(channel is empty)"
	}
	lines := make([]string, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		lines = append(lines, e.builder.renderLine(recent[i]))
	}
	return strings.Join(lines, "\n")
}

// deliver splits and sends text, storing each sent segment and stamping
// the rate limiter. A non-empty replyTo threads the first segment onto
// that message.
func (e *AgenticEngine) deliver(ctx context.Context, channelID, serverID, replyTo, text string) error {
	botID, botName := e.platform.BotUser()
	for i, seg := range SplitMessage(text, MaxMessageLen) {
		if err := e.platform.SendTyping(ctx, channelID); err != nil {
			e.logger.Debug("agentic: typing failed", "error", err)
		}
		var id string
		var err error
		if i == 0 && replyTo != "" {
			id, err = e.platform.SendReply(ctx, channelID, replyTo, seg)
		} else {
			id, err = e.platform.Send(ctx, channelID, seg)
		}
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
		own := Message{
			ID:         id,
			ChannelID:  channelID,
			ServerID:   serverID,
			AuthorID:   botID,
			AuthorName: botName,
			Text:       seg,
			Timestamp:  e.now().UnixMilli(),
			IsBot:      true,
		}
		if err := e.store.Put(ctx, own); err != nil {
			e.logger.Warn("agentic: store own message failed", "message_id", id, "error", err)
		}
		e.limiter.RecordResponse(channelID, id)
	}
	return nil
}
