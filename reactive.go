package linger

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultScanInterval is how often the scan path sweeps channels for new
// activity.
const DefaultScanInterval = 30 * time.Second

// Momentum thresholds: average inter-arrival gap over the recent window.
const (
	hotGap  = 15 * time.Minute
	warmGap = 60 * time.Minute
)

// EngagementRates bias the scan-path respond decision per momentum class.
// Mention is the urgent-path rate and is effectively always 1.
type EngagementRates struct {
	Cold    float64
	Warm    float64
	Hot     float64
	Mention float64
}

// DefaultEngagementRates returns the stock bias: chime into a tenth of cold
// conversations, a quarter of warm ones, 40% of hot ones, and answer every
// mention.
func DefaultEngagementRates() EngagementRates {
	return EngagementRates{Cold: 0.10, Warm: 0.25, Hot: 0.40, Mention: 1.0}
}

// CooldownConfig is the scan-path cooldown ladder: how long a channel rests
// after the bot speaks, depending on how much it said.
type CooldownConfig struct {
	// PerUser suppresses scan responses to a user the bot just answered.
	PerUser time.Duration
	// SingleMessage applies after a one-segment reply.
	SingleMessage time.Duration
	// MultiMessage applies after a multi-segment reply.
	MultiMessage time.Duration
	// HeavyActivity applies when the bot authored several of the recent
	// messages already.
	HeavyActivity time.Duration
}

// DefaultCooldowns returns the stock ladder.
func DefaultCooldowns() CooldownConfig {
	return CooldownConfig{
		PerUser:       2 * time.Minute,
		SingleMessage: time.Minute,
		MultiMessage:  3 * time.Minute,
		HeavyActivity: 10 * time.Minute,
	}
}

// heavyActivityShare is the fraction of the recent window authored by the
// bot beyond which the heavy-activity cooldown applies.
const heavyActivityShare = 0.4

// QuietHours suppresses the scan path inside a local-time window. Start and
// End are hours [0,24); a window may wrap midnight. The urgent path ignores
// quiet hours.
type QuietHours struct {
	Start    int
	End      int
	Location *time.Location
}

// Contains reports whether t falls inside the quiet window.
func (q QuietHours) Contains(t time.Time) bool {
	if q.Start == q.End {
		return false
	}
	loc := q.Location
	if loc == nil {
		loc = time.UTC
	}
	h := t.In(loc).Hour()
	if q.Start < q.End {
		return h >= q.Start && h < q.End
	}
	return h >= q.Start || h < q.End
}

// ReactiveConfig tunes the ReactiveEngine.
type ReactiveConfig struct {
	ScanInterval  time.Duration
	Rates         EngagementRates
	Quiet         QuietHours
	Cooldowns     CooldownConfig
	Personality   string
	Followups     bool
	MaxIterations int
	MaxTokens     int
	// SegmentDelay paces multi-segment sends with a typing indicator.
	SegmentDelay time.Duration
	// WebTools passes provider-side web tools into respond turns.
	WebTools *WebToolConfig
}

// ReactiveEngine converts inbound platform events into responses. Two entry
// points: the urgent path answers mentions and replies immediately; the
// scan path sweeps active channels on a timer and asks the model whether to
// chime in. Both serialize per channel and share a dedup set so one
// triggering message never draws two responses.
type ReactiveEngine struct {
	cfg      ReactiveConfig
	store    MessageStore
	platform Platform
	provider Provider
	router   *Router
	builder  *ContextBuilder
	limiter  *RateLimiter
	tracker  *Tracker
	users    *UserCache
	convlog  *ConvLog
	logger   *slog.Logger
	now      func() time.Time

	images     ImageSource
	attachText AttachmentTextFunc

	mu       sync.Mutex
	channels map[string]*channelState
	inFlight map[string]map[string]bool // channel → message IDs being answered
	perUser  map[string]time.Time       // channel\x00user → last response
	dedup    *lruSet

	wg sync.WaitGroup
}

// channelState is per-channel scan bookkeeping plus the exclusive response
// lock. The lock is held from context build through engagement scheduling.
// urgent and urgentActive are guarded by the engine mutex: one drain
// goroutine per channel consumes the queue in arrival order, so a burst of
// mentions is answered in the order it arrived.
type channelState struct {
	lock          sync.Mutex
	latest        Message
	lastActivity  int64
	lastHandledID string
	cooldownUntil time.Time
	urgent        []Message
	urgentActive  bool
}

// ImageSource turns a message's image attachments into inline blocks for
// vision-capable models. images.Processor satisfies it.
type ImageSource interface {
	FromMessage(ctx context.Context, m Message) []ImageData
}

// AttachmentTextFunc extracts readable text (document excerpts) from a
// message's non-image attachments. Failures return "".
type AttachmentTextFunc func(ctx context.Context, m Message) string

// ReactiveOption configures a ReactiveEngine.
type ReactiveOption func(*ReactiveEngine)

// WithImageSource attaches the image pipeline; trigger attachments ride
// into the model turn as inline images.
func WithImageSource(s ImageSource) ReactiveOption {
	return func(e *ReactiveEngine) { e.images = s }
}

// WithAttachmentText attaches a document excerpt extractor.
func WithAttachmentText(fn AttachmentTextFunc) ReactiveOption {
	return func(e *ReactiveEngine) { e.attachText = fn }
}

// WithReactiveLogger sets the structured logger.
func WithReactiveLogger(l *slog.Logger) ReactiveOption {
	return func(e *ReactiveEngine) { e.logger = l }
}

// WithConvLog attaches the conversation log.
func WithConvLog(cl *ConvLog) ReactiveOption {
	return func(e *ReactiveEngine) { e.convlog = cl }
}

// withReactiveClock overrides the clock. Test hook.
func withReactiveClock(now func() time.Time) ReactiveOption {
	return func(e *ReactiveEngine) { e.now = now }
}

// NewReactiveEngine wires the engine to its collaborators. tracker may be
// nil, in which case engagement checks are not scheduled.
func NewReactiveEngine(cfg ReactiveConfig, store MessageStore, platform Platform, provider Provider, router *Router, builder *ContextBuilder, limiter *RateLimiter, tracker *Tracker, users *UserCache, opts ...ReactiveOption) *ReactiveEngine {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultScanInterval
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	e := &ReactiveEngine{
		cfg:      cfg,
		store:    store,
		platform: platform,
		provider: provider,
		router:   router,
		builder:  builder,
		limiter:  limiter,
		tracker:  tracker,
		users:    users,
		now:      time.Now,
		channels: make(map[string]*channelState),
		inFlight: make(map[string]map[string]bool),
		perUser:  make(map[string]time.Time),
		dedup:    newLRUSet(256),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = nopLogger
	}
	return e
}

// HandleEvent ingests one platform event. Storage failures are logged and
// the event dropped; the platform re-delivers history on reconnect.
func (e *ReactiveEngine) HandleEvent(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventMessage, EventEdit:
		if ev.Message == nil {
			return
		}
		m := *ev.Message
		e.users.Observe(m.AuthorID, "", m.AuthorName, m.Timestamp)
		if err := e.store.Put(ctx, m); err != nil {
			e.logger.Warn("reactive: ingest store failed", "message_id", m.ID, "error", err)
			return
		}
		if ev.Kind != EventMessage || m.IsBot {
			return
		}
		e.noteActivity(m)
		if ev.Mentioned || ev.RepliedTo {
			e.enqueueUrgent(ctx, m)
		}

	case EventDelete:
		if err := e.store.Delete(ctx, ev.MessageID); err != nil {
			e.logger.Warn("reactive: delete failed", "message_id", ev.MessageID, "error", err)
		}

	case EventReaction:
		if ev.Reaction == nil {
			return
		}
		e.applyReaction(ctx, *ev.Reaction)
		if e.tracker != nil {
			e.tracker.ReactionObserved(ev.Reaction.ChannelID, ev.Reaction.MessageID)
		}
	}
}

// enqueueUrgent appends the trigger to the channel's urgent queue and
// starts the channel's drain goroutine if one is not already running.
// Goroutine scheduling never reorders a burst: the queue is consumed
// strictly in arrival order.
func (e *ReactiveEngine) enqueueUrgent(ctx context.Context, m Message) {
	st := e.state(m.ChannelID)
	e.mu.Lock()
	st.urgent = append(st.urgent, m)
	if st.urgentActive {
		e.mu.Unlock()
		return
	}
	st.urgentActive = true
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			e.mu.Lock()
			if len(st.urgent) == 0 || ctx.Err() != nil {
				st.urgentActive = false
				e.mu.Unlock()
				return
			}
			next := st.urgent[0]
			st.urgent = st.urgent[1:]
			e.mu.Unlock()
			e.Respond(ctx, next, "mention")
		}
	}()
}

// applyReaction merges one reaction into the stored message so later
// context builds and engagement checks see it.
func (e *ReactiveEngine) applyReaction(ctx context.Context, r ReactionEvent) {
	m, err := e.store.Get(ctx, r.MessageID)
	if err != nil {
		e.logger.Debug("reactive: reaction on unknown message", "message_id", r.MessageID)
		return
	}
	found := false
	for i := range m.Reactions {
		if m.Reactions[i].Emoji == r.Emoji {
			m.Reactions[i].Count++
			found = true
			break
		}
	}
	if !found {
		m.Reactions = append(m.Reactions, Reaction{Emoji: r.Emoji, Count: 1})
	}
	if err := e.store.Put(ctx, m); err != nil {
		e.logger.Warn("reactive: reaction merge failed", "message_id", r.MessageID, "error", err)
	}
}

// Run drives the scan ticker until ctx is cancelled, then waits for
// in-flight urgent turns.
func (e *ReactiveEngine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return nil
		case <-ticker.C:
			e.Scan(ctx)
		}
	}
}

// Scan sweeps every channel whose activity advanced since the last sweep
// and is out of cooldown, deciding per channel whether to chime in.
func (e *ReactiveEngine) Scan(ctx context.Context) {
	now := e.now()
	if e.cfg.Quiet.Contains(now) {
		return
	}

	e.mu.Lock()
	var due []Message
	for _, st := range e.channels {
		if st.latest.ID == "" || st.latest.ID == st.lastHandledID {
			continue
		}
		if now.Before(st.cooldownUntil) {
			continue
		}
		if e.dedup.has(st.latest.ID) {
			continue
		}
		if last, ok := e.perUser[st.latest.ChannelID+"\x00"+st.latest.AuthorID]; ok &&
			now.Sub(last) < e.cfg.Cooldowns.PerUser {
			continue
		}
		due = append(due, st.latest)
	}
	e.mu.Unlock()

	for _, m := range due {
		if ctx.Err() != nil {
			return
		}
		respond, reason := e.Decide(ctx, m.ChannelID)
		e.markHandled(m)
		if !respond {
			e.logDecision(m, false, reason, 0, 0)
			continue
		}
		e.Respond(ctx, m, reason)
	}
}

// Decide asks the model whether to join the conversation, with the bias
// for the channel's current momentum. Returns the verdict and the reason
// tag for the conversation log.
func (e *ReactiveEngine) Decide(ctx context.Context, channelID string) (bool, string) {
	recent, err := e.store.GetRecent(ctx, channelID, DefaultContextWindow)
	if err != nil {
		e.logger.Warn("reactive: decide window failed", "channel_id", channelID, "error", err)
		return false, "store_error"
	}
	momentum := MomentumOf(recent)
	rate := e.rateFor(momentum)
	if rate <= 0 {
		return false, "rate_zero_" + momentum.String()
	}
	if rate >= 1 {
		return true, momentum.String()
	}

	var lines []string
	for i := len(recent) - 1; i >= 0; i-- {
		lines = append(lines, e.builder.renderLine(recent[i]))
	}
	req := ChatRequest{
		System: fmt.Sprintf(
			"You decide whether a Discord bot should join an ongoing conversation it was not asked into. "+
				"The conversation is %s; the bot aims to join roughly %.0f%% of such moments. "+
				"Answer YES only when the bot has something genuinely worth adding. Reply with exactly YES or NO.",
			momentum, rate*100),
		Messages:  []ChatMessage{UserMessage(strings.Join(lines, "\n"))},
		MaxTokens: 8,
	}
	resp, err := e.provider.Chat(ctx, req)
	if err != nil {
		e.logger.Warn("reactive: decide call failed", "channel_id", channelID, "error", err)
		return false, "provider_error"
	}
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(resp.Content)), "YES") {
		return true, momentum.String()
	}
	return false, "model_declined_" + momentum.String()
}

// Respond runs one full turn for the triggering message: rate check,
// context build, tool loop, split, send, store, engagement scheduling.
// All under the channel's exclusive lock.
func (e *ReactiveEngine) Respond(ctx context.Context, trigger Message, reason string) {
	st := e.state(trigger.ChannelID)
	st.lock.Lock()
	defer st.lock.Unlock()

	if e.alreadyAnswered(trigger.ID) {
		return
	}
	if ok, why := e.limiter.CanRespond(trigger.ChannelID); !ok {
		e.logger.Info("reactive: rate limited", "channel_id", trigger.ChannelID, "reason", why)
		e.logDecision(trigger, false, why, 0, 0)
		return
	}

	exclude := e.claim(trigger)
	defer e.release(trigger)

	req, err := e.builder.Build(ctx, BuildRequest{
		Message:     trigger,
		Personality: e.cfg.Personality,
		Followups:   e.cfg.Followups,
		Exclude:     exclude,
	})
	if err != nil {
		e.logger.Error("reactive: context build failed", "channel_id", trigger.ChannelID, "error", err)
		return
	}
	req.MaxTokens = e.cfg.MaxTokens
	req.WebTools = e.cfg.WebTools
	e.attachMedia(ctx, trigger, &req)

	result, err := RunToolLoop(ctx, e.provider, e.router, req, e.cfg.MaxIterations, e.logger)
	if err != nil {
		e.logger.Error("reactive: turn failed", "channel_id", trigger.ChannelID, "error", err)
		return
	}
	text := AppendSources(result.Text, result.Citations)
	if strings.TrimSpace(text) == "" {
		e.logDecision(trigger, false, "empty_response", 0, 0)
		e.markResponded(trigger, 0)
		return
	}

	segments := SplitMessage(text, MaxMessageLen)
	sent := 0
	for i, seg := range segments {
		if err := e.platform.SendTyping(ctx, trigger.ChannelID); err != nil {
			e.logger.Debug("reactive: typing failed", "error", err)
		}
		if i > 0 && e.cfg.SegmentDelay > 0 {
			if !sleepCtx(ctx, e.cfg.SegmentDelay) {
				break
			}
		}
		var id string
		if i == 0 && reason == "mention" {
			id, err = e.platform.SendReply(ctx, trigger.ChannelID, trigger.ID, seg)
		} else {
			id, err = e.platform.Send(ctx, trigger.ChannelID, seg)
		}
		if err != nil {
			e.logger.Error("reactive: send failed", "channel_id", trigger.ChannelID, "error", err)
			break
		}
		sent++
		e.recordOutgoing(ctx, trigger, id, seg)
	}
	if sent == 0 {
		return
	}

	e.markResponded(trigger, len(segments))
	e.logDecision(trigger, true, reason, len(text), sent)
}

// attachMedia enriches the final user turn with inline images and
// document excerpts from the trigger's attachments.
func (e *ReactiveEngine) attachMedia(ctx context.Context, trigger Message, req *ChatRequest) {
	if len(trigger.Attachments) == 0 || len(req.Messages) == 0 {
		return
	}
	last := &req.Messages[len(req.Messages)-1]
	if e.images != nil {
		last.Images = e.images.FromMessage(ctx, trigger)
	}
	if e.attachText != nil {
		if excerpt := e.attachText(ctx, trigger); excerpt != "" {
			last.Content += "\n\n— attached document excerpt —\n" + excerpt
		}
	}
}

// recordOutgoing stores one sent segment and books its engagement check.
func (e *ReactiveEngine) recordOutgoing(ctx context.Context, trigger Message, id, text string) {
	botID, botName := e.platform.BotUser()
	own := Message{
		ID:         id,
		ChannelID:  trigger.ChannelID,
		ServerID:   trigger.ServerID,
		AuthorID:   botID,
		AuthorName: botName,
		Text:       text,
		Timestamp:  e.now().UnixMilli(),
		IsBot:      true,
	}
	if err := e.store.Put(ctx, own); err != nil {
		e.logger.Warn("reactive: store own message failed", "message_id", id, "error", err)
	}
	e.limiter.RecordResponse(trigger.ChannelID, id)
	if e.tracker != nil {
		e.tracker.Track(trigger.ChannelID, id, trigger.AuthorID, e.now().Add(e.limiter.TrackingDelay()))
	}
}

// markResponded stamps dedup, cooldown ladder, and per-user bookkeeping
// after a completed turn.
func (e *ReactiveEngine) markResponded(trigger Message, segments int) {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dedup.add(trigger.ID)
	e.perUser[trigger.ChannelID+"\x00"+trigger.AuthorID] = now

	st := e.channels[trigger.ChannelID]
	if st == nil {
		return
	}
	st.lastHandledID = trigger.ID
	st.cooldownUntil = now.Add(e.cooldownFor(trigger.ChannelID, segments))
}

// cooldownFor picks the ladder rung for a completed turn. Caller holds mu.
func (e *ReactiveEngine) cooldownFor(channelID string, segments int) time.Duration {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	recent, err := e.store.GetRecent(ctx, channelID, 10)
	if err == nil && len(recent) > 0 {
		bot := 0
		for _, m := range recent {
			if m.IsBot {
				bot++
			}
		}
		if float64(bot)/float64(len(recent)) >= heavyActivityShare {
			return e.cfg.Cooldowns.HeavyActivity
		}
	}
	if segments > 1 {
		return e.cfg.Cooldowns.MultiMessage
	}
	return e.cfg.Cooldowns.SingleMessage
}

// claim marks the trigger in-flight and returns the IDs other concurrent
// turns in this channel already own, for context exclusion.
func (e *ReactiveEngine) claim(trigger Message) map[string]bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	set := e.inFlight[trigger.ChannelID]
	if set == nil {
		set = make(map[string]bool)
		e.inFlight[trigger.ChannelID] = set
	}
	exclude := make(map[string]bool, len(set))
	for id := range set {
		exclude[id] = true
	}
	set[trigger.ID] = true
	return exclude
}

func (e *ReactiveEngine) alreadyAnswered(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dedup.has(id)
}

func (e *ReactiveEngine) release(trigger Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if set := e.inFlight[trigger.ChannelID]; set != nil {
		delete(set, trigger.ID)
	}
}

func (e *ReactiveEngine) noteActivity(m Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.channels[m.ChannelID]
	if st == nil {
		st = &channelState{}
		e.channels[m.ChannelID] = st
	}
	st.latest = m
	st.lastActivity = m.Timestamp
}

func (e *ReactiveEngine) markHandled(m Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st := e.channels[m.ChannelID]; st != nil && st.latest.ID == m.ID {
		st.lastHandledID = m.ID
	}
}

func (e *ReactiveEngine) state(channelID string) *channelState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.channels[channelID]
	if st == nil {
		st = &channelState{}
		e.channels[channelID] = st
	}
	return st
}

func (e *ReactiveEngine) rateFor(m Momentum) float64 {
	switch m {
	case MomentumHot:
		return e.cfg.Rates.Hot
	case MomentumWarm:
		return e.cfg.Rates.Warm
	default:
		return e.cfg.Rates.Cold
	}
}

func (e *ReactiveEngine) logDecision(trigger Message, respond bool, reason string, chars, segments int) {
	if e.convlog == nil {
		return
	}
	d := ConvDecision{
		ChannelID:        trigger.ChannelID,
		Author:           trigger.AuthorName,
		Snippet:          trigger.Text,
		Respond:          respond,
		Reason:           reason,
		Rates:            e.limiter.Stats(trigger.ChannelID),
		ResponseChars:    chars,
		ResponseSegments: segments,
	}
	if err := e.convlog.LogDecision(d); err != nil {
		e.logger.Warn("reactive: conversation log failed", "error", err)
	}
}

// MomentumOf classifies conversational pace from a recent window (any
// order): average gap under 15 minutes is hot, under an hour warm, else
// cold. An empty or single-message window is cold.
func MomentumOf(recent []Message) Momentum {
	if len(recent) < 2 {
		return MomentumCold
	}
	lo, hi := recent[0].Timestamp, recent[0].Timestamp
	for _, m := range recent[1:] {
		if m.Timestamp < lo {
			lo = m.Timestamp
		}
		if m.Timestamp > hi {
			hi = m.Timestamp
		}
	}
	gap := time.Duration((hi-lo)/int64(len(recent)-1)) * time.Millisecond
	switch {
	case gap < hotGap:
		return MomentumHot
	case gap < warmGap:
		return MomentumWarm
	default:
		return MomentumCold
	}
}

// sleepCtx sleeps d or until ctx is done; reports whether the full sleep
// completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// lruSet is a bounded set with least-recently-added eviction. Guards the
// engine against double responses; callers hold the engine mutex.
type lruSet struct {
	cap   int
	items map[string]*list.Element
	order *list.List
}

func newLRUSet(capacity int) *lruSet {
	if capacity < 256 {
		capacity = 256
	}
	return &lruSet{cap: capacity, items: make(map[string]*list.Element), order: list.New()}
}

func (s *lruSet) has(id string) bool {
	_, ok := s.items[id]
	return ok
}

func (s *lruSet) add(id string) {
	if el, ok := s.items[id]; ok {
		s.order.MoveToBack(el)
		return
	}
	s.items[id] = s.order.PushBack(id)
	for s.order.Len() > s.cap {
		front := s.order.Front()
		s.order.Remove(front)
		delete(s.items, front.Value.(string))
	}
}
