package linger

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"
)

// EngagementOutcome is the verdict on one outgoing message: noticed or
// tuned out. Exactly one outcome is emitted per tracked message, at or
// after the tracking delay.
type EngagementOutcome struct {
	ChannelID string
	MessageID string
	Engaged   bool
	// Signal names what counted as engagement: "reactions", "reply", or
	// "recipient_activity". Empty when ignored.
	Signal string
}

// engagementCheck is one scheduled post-hoc inspection.
type engagementCheck struct {
	channelID   string
	messageID   string
	recipientID string
	sentAt      time.Time
	deadline    time.Time
}

// checkHeap is a min-heap ordered by deadline.
type checkHeap []engagementCheck

func (h checkHeap) Len() int           { return len(h) }
func (h checkHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h checkHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *checkHeap) Push(x any)        { *h = append(*h, x.(engagementCheck)) }
func (h *checkHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerLogger sets the structured logger.
func WithTrackerLogger(l *slog.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = l }
}

// WithOutcomeHook registers a callback invoked once per outcome, after
// the limiter has been updated. The conversation log hangs off this.
func WithOutcomeHook(fn func(EngagementOutcome)) TrackerOption {
	return func(t *Tracker) { t.onOutcome = fn }
}

// withTrackerClock overrides the clock. Test hook.
func withTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// Tracker schedules and performs engagement checks for outgoing messages.
// Deadlines sit in a min-heap drained by a single worker, not one
// goroutine per deadline. A reaction push path credits the limiter as
// soon as a reaction lands; the delayed inspection still runs and emits
// the one canonical outcome.
type Tracker struct {
	mu          sync.Mutex
	checks      checkHeap
	pushCredits map[string]bool // messageID → reaction already credited

	store   MessageStore
	limiter *RateLimiter

	wake      chan struct{}
	onOutcome func(EngagementOutcome)
	now       func() time.Time
	logger    *slog.Logger
}

// NewTracker creates a Tracker over the given store and limiter.
func NewTracker(store MessageStore, limiter *RateLimiter, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		pushCredits: make(map[string]bool),
		store:       store,
		limiter:     limiter,
		wake:        make(chan struct{}, 1),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = nopLogger
	}
	return t
}

// Track schedules an engagement check. recipientID is the user the
// interaction addressed; any later message from them counts as loose
// engagement.
func (t *Tracker) Track(channelID, messageID, recipientID string, deadline time.Time) {
	t.mu.Lock()
	heap.Push(&t.checks, engagementCheck{
		channelID:   channelID,
		messageID:   messageID,
		recipientID: recipientID,
		sentAt:      t.now(),
		deadline:    deadline,
	})
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// ReactionObserved credits the limiter immediately when a reaction lands
// on a tracked message. At most one push credit per message; the delayed
// inspection is unaffected.
func (t *Tracker) ReactionObserved(channelID, messageID string) {
	t.mu.Lock()
	tracked := false
	for i := range t.checks {
		if t.checks[i].messageID == messageID {
			tracked = true
			break
		}
	}
	credited := t.pushCredits[messageID]
	if tracked && !credited {
		t.pushCredits[messageID] = true
	}
	t.mu.Unlock()

	if tracked && !credited {
		t.limiter.RecordEngagement(channelID)
		t.logger.Debug("reaction push credit", "channel_id", channelID, "message_id", messageID)
	}
}

// Pending reports how many checks await their deadline.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checks.Len()
}

// Run drains the deadline heap until ctx is cancelled. Pending deadlines
// are dropped on shutdown (best-effort by design of the check: the
// platform re-delivers reactions on reconnect).
func (t *Tracker) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		t.mu.Lock()
		var wait time.Duration
		if t.checks.Len() == 0 {
			wait = time.Hour
		} else {
			wait = t.checks[0].deadline.Sub(t.now())
		}
		t.mu.Unlock()

		if wait > 0 {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				return nil
			case <-t.wake:
				continue
			case <-timer.C:
			}
		}

		t.drainDue(ctx)
	}
}

// drainDue runs every check whose deadline has passed.
func (t *Tracker) drainDue(ctx context.Context) {
	for {
		t.mu.Lock()
		if t.checks.Len() == 0 || t.checks[0].deadline.After(t.now()) {
			t.mu.Unlock()
			return
		}
		chk := heap.Pop(&t.checks).(engagementCheck)
		delete(t.pushCredits, chk.messageID)
		t.mu.Unlock()

		t.settle(ctx, chk)

		if ctx.Err() != nil {
			return
		}
	}
}

// settle inspects one outgoing message and records its outcome.
func (t *Tracker) settle(ctx context.Context, chk engagementCheck) {
	engaged, signal := t.inspect(ctx, chk)
	if engaged {
		t.limiter.RecordEngagement(chk.channelID)
	} else {
		t.limiter.RecordIgnored(chk.channelID)
	}
	outcome := EngagementOutcome{
		ChannelID: chk.channelID,
		MessageID: chk.messageID,
		Engaged:   engaged,
		Signal:    signal,
	}
	t.logger.Debug("engagement settled",
		"channel_id", chk.channelID,
		"message_id", chk.messageID,
		"engaged", engaged,
		"signal", signal)
	if t.onOutcome != nil {
		t.onOutcome(outcome)
	}
}

// inspect decides whether the outgoing message drew engagement: any
// reaction on it, any formal reply to it, or any later message from the
// addressed user.
func (t *Tracker) inspect(ctx context.Context, chk engagementCheck) (bool, string) {
	around, err := t.store.GetAround(ctx, chk.messageID, 25)
	if err != nil {
		t.logger.Warn("engagement inspect failed", "message_id", chk.messageID, "error", err)
		return false, ""
	}

	var sent *Message
	for i := range around {
		if around[i].ID == chk.messageID {
			sent = &around[i]
			break
		}
	}
	if sent == nil {
		// Deleted before the check fired; nothing to credit.
		return false, ""
	}
	if len(sent.Reactions) > 0 {
		return true, "reactions"
	}

	for i := range around {
		m := &around[i]
		if m.Timestamp <= sent.Timestamp || m.ChannelID != chk.channelID {
			continue
		}
		if m.ReplyToID == chk.messageID {
			return true, "reply"
		}
		if chk.recipientID != "" && m.AuthorID == chk.recipientID && !m.IsBot {
			return true, "recipient_activity"
		}
	}
	return false, ""
}
