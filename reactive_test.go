package linger

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestQuietHoursContains(t *testing.T) {
	at := func(hour int) time.Time {
		return time.Date(2026, 3, 1, hour, 30, 0, 0, time.UTC)
	}
	cases := []struct {
		name string
		q    QuietHours
		hour int
		want bool
	}{
		{"inside", QuietHours{Start: 1, End: 8}, 3, true},
		{"before", QuietHours{Start: 1, End: 8}, 0, false},
		{"at end", QuietHours{Start: 1, End: 8}, 8, false},
		{"wraps inside late", QuietHours{Start: 23, End: 7}, 23, true},
		{"wraps inside early", QuietHours{Start: 23, End: 7}, 3, true},
		{"wraps outside", QuietHours{Start: 23, End: 7}, 12, false},
		{"disabled", QuietHours{Start: 5, End: 5}, 5, false},
	}
	for _, tc := range cases {
		if got := tc.q.Contains(at(tc.hour)); got != tc.want {
			t.Errorf("%s: Contains(%02d:30) = %v, want %v", tc.name, tc.hour, got, tc.want)
		}
	}
}

func TestQuietHoursLocation(t *testing.T) {
	tokyo := time.FixedZone("UTC+9", 9*3600)
	q := QuietHours{Start: 1, End: 6, Location: tokyo}
	// 18:00 UTC is 03:00 in Tokyo.
	if !q.Contains(time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)) {
		t.Error("quiet hours must be evaluated in the configured location")
	}
}

// reactiveFixture wires a ReactiveEngine to in-memory collaborators.
type reactiveFixture struct {
	store    *memStore
	platform *fakePlatform
	provider *fakeProvider
	limiter  *RateLimiter
	users    *UserCache
	clock    *testClock
	engine   *ReactiveEngine
}

func newReactiveFixture(t *testing.T, cfg ReactiveConfig) *reactiveFixture {
	t.Helper()
	f := &reactiveFixture{
		store:    newMemStore(),
		platform: newFakePlatform(),
		provider: &fakeProvider{},
		users:    NewUserCache(),
		clock:    newTestClock(),
	}
	f.limiter = NewRateLimiter(DefaultRateLimitConfig(), withRateLimitClock(f.clock.now))
	builder := NewContextBuilder(f.store, f.platform, f.users, "bot-1", "linger")
	f.engine = NewReactiveEngine(cfg, f.store, f.platform, f.provider, NewRouter(nil),
		builder, f.limiter, nil, f.users, withReactiveClock(f.clock.now))
	return f
}

func defaultReactiveConfig() ReactiveConfig {
	return ReactiveConfig{
		Rates:     DefaultEngagementRates(),
		Cooldowns: DefaultCooldowns(),
	}
}

func (f *reactiveFixture) userMsg(id, author, text string) Message {
	return Message{
		ID:         id,
		ChannelID:  "c1",
		ServerID:   "srv-1",
		AuthorID:   author,
		AuthorName: author,
		Text:       text,
		Timestamp:  f.clock.now().UnixMilli(),
	}
}

func TestHandleEventIngest(t *testing.T) {
	f := newReactiveFixture(t, defaultReactiveConfig())
	ctx := context.Background()
	m := f.userMsg("m1", "alice", "hello")

	f.engine.HandleEvent(ctx, Event{Kind: EventMessage, Message: &m})
	if !f.store.has("m1") {
		t.Error("message not ingested")
	}
	if _, ok := f.users.Lookup("alice"); !ok {
		t.Error("author not observed")
	}
}

func TestHandleEventEdit(t *testing.T) {
	f := newReactiveFixture(t, defaultReactiveConfig())
	ctx := context.Background()
	m := f.userMsg("m1", "alice", "helo")
	f.engine.HandleEvent(ctx, Event{Kind: EventMessage, Message: &m})

	edited := m
	edited.Text = "hello"
	f.engine.HandleEvent(ctx, Event{Kind: EventEdit, Message: &edited})

	got, err := f.store.Get(ctx, "m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Text != "hello" {
		t.Errorf("Text = %q, want the edit applied", got.Text)
	}
}

func TestHandleEventDelete(t *testing.T) {
	f := newReactiveFixture(t, defaultReactiveConfig())
	ctx := context.Background()
	m := f.userMsg("m1", "alice", "oops")
	f.engine.HandleEvent(ctx, Event{Kind: EventMessage, Message: &m})

	f.engine.HandleEvent(ctx, Event{Kind: EventDelete, MessageID: "m1", ChannelID: "c1"})
	if f.store.has("m1") {
		t.Error("deleted message still stored")
	}
}

func TestHandleEventReactionMerge(t *testing.T) {
	f := newReactiveFixture(t, defaultReactiveConfig())
	ctx := context.Background()
	m := f.userMsg("m1", "alice", "take")
	m.Reactions = []Reaction{{Emoji: "👍", Count: 1}}
	f.engine.HandleEvent(ctx, Event{Kind: EventMessage, Message: &m})

	f.engine.HandleEvent(ctx, Event{Kind: EventReaction, Reaction: &ReactionEvent{
		MessageID: "m1", ChannelID: "c1", UserID: "bob", Emoji: "👍",
	}})
	f.engine.HandleEvent(ctx, Event{Kind: EventReaction, Reaction: &ReactionEvent{
		MessageID: "m1", ChannelID: "c1", UserID: "carol", Emoji: "🎉",
	}})

	got, _ := f.store.Get(ctx, "m1")
	if len(got.Reactions) != 2 {
		t.Fatalf("reactions = %+v, want 2 emoji", got.Reactions)
	}
	if got.Reactions[0].Emoji != "👍" || got.Reactions[0].Count != 2 {
		t.Errorf("existing emoji not incremented: %+v", got.Reactions)
	}
	if got.Reactions[1].Emoji != "🎉" || got.Reactions[1].Count != 1 {
		t.Errorf("new emoji not appended: %+v", got.Reactions)
	}
}

func TestRespondMention(t *testing.T) {
	f := newReactiveFixture(t, defaultReactiveConfig())
	ctx := context.Background()
	trigger := f.userMsg("m1", "alice", "hey bot, thoughts?")
	f.store.Put(ctx, trigger)
	f.provider.script(textResponse("a few, actually"))

	f.engine.Respond(ctx, trigger, "mention")

	if f.platform.sentCount() != 1 {
		t.Fatalf("sent = %d, want 1", f.platform.sentCount())
	}
	sent := f.platform.sent[0]
	if sent.ReplyToID != "m1" {
		t.Errorf("mention must be answered as a formal reply, got %+v", sent)
	}
	if sent.Text != "a few, actually" {
		t.Errorf("Text = %q", sent.Text)
	}
	// The bot's own message lands in the store and stamps the limiter.
	if !f.store.has("sent-1") {
		t.Error("own message not stored")
	}
	if s := f.limiter.Stats("c1"); s.ShortCount != 1 {
		t.Errorf("ShortCount = %d, want 1", s.ShortCount)
	}
}

func TestUrgentBurstOrder(t *testing.T) {
	// A burst of mentions in one channel is answered strictly in arrival
	// order, whatever the goroutine scheduler does.
	f := newReactiveFixture(t, defaultReactiveConfig())
	ctx := context.Background()
	f.provider.script(textResponse("first answer"))
	f.provider.script(textResponse("second answer"))
	f.provider.script(textResponse("third answer"))

	for i, author := range []string{"alice", "bob", "carol"} {
		m := f.userMsg(fmt.Sprintf("m%d", i+1), author, "hey bot")
		f.engine.HandleEvent(ctx, Event{Kind: EventMessage, Message: &m, Mentioned: true})
	}
	f.engine.wg.Wait()

	if f.platform.sentCount() != 3 {
		t.Fatalf("sent = %d, want 3", f.platform.sentCount())
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if got := f.platform.sent[i].ReplyToID; got != want {
			t.Errorf("reply %d answers %q, want %q", i, got, want)
		}
	}
	if f.platform.sent[0].Text != "first answer" || f.platform.sent[2].Text != "third answer" {
		t.Errorf("responses out of order: %+v", f.platform.sent)
	}
}

func TestRespondDeduplicates(t *testing.T) {
	f := newReactiveFixture(t, defaultReactiveConfig())
	ctx := context.Background()
	trigger := f.userMsg("m1", "alice", "hey")
	f.store.Put(ctx, trigger)
	f.provider.script(textResponse("once"))

	f.engine.Respond(ctx, trigger, "mention")
	f.engine.Respond(ctx, trigger, "mention")

	if f.platform.sentCount() != 1 {
		t.Errorf("sent = %d, want 1 (second turn deduplicated)", f.platform.sentCount())
	}
	if f.provider.calls() != 1 {
		t.Errorf("provider calls = %d, want 1", f.provider.calls())
	}
}

func TestRespondRateLimited(t *testing.T) {
	f := newReactiveFixture(t, defaultReactiveConfig())
	ctx := context.Background()
	trigger := f.userMsg("m1", "alice", "hey")
	f.store.Put(ctx, trigger)

	// Exhaust the short window first.
	for i := 0; i < DefaultRateLimitConfig().ShortMax; i++ {
		f.limiter.RecordResponse("c1", fmt.Sprintf("x%d", i))
	}
	f.engine.Respond(ctx, trigger, "mention")

	if f.provider.calls() != 0 {
		t.Errorf("provider calls = %d, want 0 when rate limited", f.provider.calls())
	}
	if f.platform.sentCount() != 0 {
		t.Errorf("sent = %d, want 0", f.platform.sentCount())
	}
}

func TestRespondEmptyModelText(t *testing.T) {
	f := newReactiveFixture(t, defaultReactiveConfig())
	ctx := context.Background()
	trigger := f.userMsg("m1", "alice", "hey")
	f.store.Put(ctx, trigger)
	f.provider.script(textResponse("  "))

	f.engine.Respond(ctx, trigger, "mention")
	if f.platform.sentCount() != 0 {
		t.Errorf("sent = %d, want 0 for empty model text", f.platform.sentCount())
	}
	// The trigger still counts as handled; no second attempt later.
	f.engine.Respond(ctx, trigger, "mention")
	if f.provider.calls() != 1 {
		t.Errorf("provider calls = %d, want 1", f.provider.calls())
	}
}

func TestRespondSplitsLongReply(t *testing.T) {
	f := newReactiveFixture(t, defaultReactiveConfig())
	ctx := context.Background()
	trigger := f.userMsg("m1", "alice", "tell me everything")
	f.store.Put(ctx, trigger)
	f.provider.script(textResponse(strings.Repeat("word ", 500))) // ~2500 chars

	f.engine.Respond(ctx, trigger, "mention")

	if f.platform.sentCount() != 2 {
		t.Fatalf("sent = %d, want 2 segments", f.platform.sentCount())
	}
	if f.platform.sent[0].ReplyToID != "m1" {
		t.Error("first segment must be the formal reply")
	}
	if f.platform.sent[1].ReplyToID != "" {
		t.Error("later segments must be plain sends")
	}
	if s := f.limiter.Stats("c1"); s.ShortCount != 2 {
		t.Errorf("ShortCount = %d, want one stamp per segment", s.ShortCount)
	}
}

func TestScanRespondsOnce(t *testing.T) {
	cfg := defaultReactiveConfig()
	cfg.Rates = EngagementRates{Cold: 1, Warm: 1, Hot: 1, Mention: 1}
	f := newReactiveFixture(t, cfg)
	ctx := context.Background()

	m := f.userMsg("m1", "alice", "anyone around?")
	f.engine.HandleEvent(ctx, Event{Kind: EventMessage, Message: &m})
	f.provider.script(textResponse("around!"))

	f.engine.Scan(ctx)
	if f.platform.sentCount() != 1 {
		t.Fatalf("sent = %d, want 1", f.platform.sentCount())
	}
	if f.platform.sent[0].ReplyToID != "" {
		t.Error("scan response must not be a formal reply")
	}

	// Nothing new happened; the next sweep stays silent.
	f.clock.advance(10 * time.Minute)
	f.engine.Scan(ctx)
	if f.platform.sentCount() != 1 {
		t.Errorf("sent = %d after idle sweep, want still 1", f.platform.sentCount())
	}
}

func TestScanQuietHours(t *testing.T) {
	cfg := defaultReactiveConfig()
	cfg.Rates = EngagementRates{Cold: 1, Warm: 1, Hot: 1, Mention: 1}
	cfg.Quiet = QuietHours{Start: 0, End: 24}
	f := newReactiveFixture(t, cfg)
	ctx := context.Background()

	m := f.userMsg("m1", "alice", "psst")
	f.engine.HandleEvent(ctx, Event{Kind: EventMessage, Message: &m})

	f.engine.Scan(ctx)
	if f.platform.sentCount() != 0 {
		t.Errorf("sent = %d during quiet hours, want 0", f.platform.sentCount())
	}
}

// seedChatter backfills older user traffic so the bot's share of the
// recent window stays below the heavy-activity threshold.
func (f *reactiveFixture) seedChatter(ctx context.Context, n int) {
	base := f.clock.now().Add(-time.Hour).UnixMilli()
	for i := 0; i < n; i++ {
		f.store.Put(ctx, Message{
			ID:         fmt.Sprintf("seed-%d", i),
			ChannelID:  "c1",
			AuthorID:   "bob",
			AuthorName: "bob",
			Text:       "earlier chatter",
			Timestamp:  base + int64(i)*1000,
		})
	}
}

func TestScanPerUserCooldown(t *testing.T) {
	cfg := defaultReactiveConfig()
	cfg.Rates = EngagementRates{Cold: 1, Warm: 1, Hot: 1, Mention: 1}
	f := newReactiveFixture(t, cfg)
	ctx := context.Background()
	f.seedChatter(ctx, 4)

	m1 := f.userMsg("m1", "alice", "first")
	f.engine.HandleEvent(ctx, Event{Kind: EventMessage, Message: &m1})
	f.provider.script(textResponse("reply one"))
	f.engine.Scan(ctx)
	if f.platform.sentCount() != 1 {
		t.Fatalf("sent = %d, want 1", f.platform.sentCount())
	}

	// Same user again, inside the per-user cooldown: skipped.
	f.clock.advance(90 * time.Second) // past single-message, inside per-user
	m2 := f.userMsg("m2", "alice", "second")
	f.engine.HandleEvent(ctx, Event{Kind: EventMessage, Message: &m2})
	f.engine.Scan(ctx)
	if f.platform.sentCount() != 1 {
		t.Errorf("sent = %d inside per-user cooldown, want 1", f.platform.sentCount())
	}

	// Once it lapses the channel is fair game again.
	f.clock.advance(time.Minute)
	f.provider.script(textResponse("reply two"))
	f.engine.Scan(ctx)
	if f.platform.sentCount() != 2 {
		t.Errorf("sent = %d after cooldown lapsed, want 2", f.platform.sentCount())
	}
}

func TestScanChannelCooldown(t *testing.T) {
	cfg := defaultReactiveConfig()
	cfg.Rates = EngagementRates{Cold: 1, Warm: 1, Hot: 1, Mention: 1}
	f := newReactiveFixture(t, cfg)
	ctx := context.Background()
	f.seedChatter(ctx, 4)

	m1 := f.userMsg("m1", "alice", "first")
	f.engine.HandleEvent(ctx, Event{Kind: EventMessage, Message: &m1})
	f.provider.script(textResponse("reply"))
	f.engine.Scan(ctx)

	// A different user speaks 30s later: channel still cooling down.
	f.clock.advance(30 * time.Second)
	m2 := f.userMsg("m2", "bob", "second")
	f.engine.HandleEvent(ctx, Event{Kind: EventMessage, Message: &m2})
	f.engine.Scan(ctx)
	if f.platform.sentCount() != 1 {
		t.Errorf("sent = %d inside channel cooldown, want 1", f.platform.sentCount())
	}
}

func TestDecideModelDeclines(t *testing.T) {
	cfg := defaultReactiveConfig()
	cfg.Rates = EngagementRates{Cold: 0.5, Warm: 0.5, Hot: 0.5, Mention: 1}
	f := newReactiveFixture(t, cfg)
	ctx := context.Background()
	f.store.Put(ctx, f.userMsg("m1", "alice", "so anyway"))
	f.provider.script(textResponse("NO"))

	respond, reason := f.engine.Decide(ctx, "c1")
	if respond {
		t.Error("Decide = true, want the model's NO respected")
	}
	if !strings.HasPrefix(reason, "model_declined_") {
		t.Errorf("reason = %q", reason)
	}
}

func TestDecideModelAccepts(t *testing.T) {
	cfg := defaultReactiveConfig()
	cfg.Rates = EngagementRates{Cold: 0.5, Warm: 0.5, Hot: 0.5, Mention: 1}
	f := newReactiveFixture(t, cfg)
	ctx := context.Background()
	f.store.Put(ctx, f.userMsg("m1", "alice", "so anyway"))
	f.provider.script(textResponse("YES"))

	respond, _ := f.engine.Decide(ctx, "c1")
	if !respond {
		t.Error("Decide = false, want the model's YES respected")
	}
}

func TestDecideRateZero(t *testing.T) {
	cfg := defaultReactiveConfig()
	cfg.Rates = EngagementRates{}
	f := newReactiveFixture(t, cfg)
	f.store.Put(context.Background(), f.userMsg("m1", "alice", "hm"))

	respond, reason := f.engine.Decide(context.Background(), "c1")
	if respond || !strings.HasPrefix(reason, "rate_zero_") {
		t.Errorf("Decide = %v, %q; want skipped without a provider call", respond, reason)
	}
	if f.provider.calls() != 0 {
		t.Errorf("provider calls = %d, want 0", f.provider.calls())
	}
}

func TestLRUSetEviction(t *testing.T) {
	s := newLRUSet(0) // floor of 256
	for i := 0; i < 257; i++ {
		s.add(fmt.Sprintf("id-%d", i))
	}
	if s.has("id-0") {
		t.Error("oldest entry must be evicted at capacity")
	}
	if !s.has("id-256") || !s.has("id-1") {
		t.Error("recent entries must survive eviction")
	}
}
