package linger

import (
	"log/slog"
	"sync"
	"time"
)

// Rate limit reason strings. Stable: they appear in the conversation log
// and in RateLimitedError.
const (
	ReasonShortWindow     = "rate_limit_short"
	ReasonLongWindow      = "rate_limit_long"
	ReasonIgnoreThreshold = "ignored_threshold"
)

// RateLimitConfig tunes the per-channel limiter.
type RateLimitConfig struct {
	ShortWindow     time.Duration
	ShortMax        int
	LongWindow      time.Duration
	LongMax         int
	IgnoreThreshold int
	TrackingDelay   time.Duration
}

// DefaultRateLimitConfig returns the stock limits: 20 responses per 5
// minutes, 200 per hour, silence after 5 consecutive ignores, engagement
// checked 30 seconds after each response.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		ShortWindow:     5 * time.Minute,
		ShortMax:        20,
		LongWindow:      60 * time.Minute,
		LongMax:         200,
		IgnoreThreshold: 5,
		TrackingDelay:   30 * time.Second,
	}
}

// RateStats is a point-in-time limiter snapshot for one channel.
type RateStats struct {
	ShortCount      int
	ShortMax        int
	LongCount       int
	LongMax         int
	IgnoreCount     int
	IgnoreThreshold int
	// SilencedReason is the empty string when the channel may respond.
	SilencedReason string
}

// EngagementScheduleFunc receives every outgoing message so its
// engagement can be checked after the tracking delay.
type EngagementScheduleFunc func(channelID, messageID string, deadline time.Time)

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithRateLimitLogger sets the structured logger.
func WithRateLimitLogger(l *slog.Logger) RateLimiterOption {
	return func(r *RateLimiter) { r.logger = l }
}

// WithEngagementScheduler registers the callback RecordResponse uses to
// schedule the post-hoc engagement check.
func WithEngagementScheduler(fn EngagementScheduleFunc) RateLimiterOption {
	return func(r *RateLimiter) { r.schedule = fn }
}

// withRateLimitClock overrides the clock. Test hook.
func withRateLimitClock(now func() time.Time) RateLimiterOption {
	return func(r *RateLimiter) { r.now = now }
}

// channelRate is the in-memory limiter state for one channel.
type channelRate struct {
	// responseTimes holds send timestamps within the long window,
	// oldest first. Appends are monotonic; reads trim in place.
	responseTimes []time.Time
	ignoreCount   int
}

// RateLimiter enforces per-channel response budgets over two sliding
// windows plus an ignore counter that silences channels where the bot is
// being tuned out. All methods are safe for concurrent use.
type RateLimiter struct {
	mu       sync.Mutex
	cfg      RateLimitConfig
	channels map[string]*channelRate
	schedule EngagementScheduleFunc
	now      func() time.Time
	logger   *slog.Logger
}

// NewRateLimiter creates a limiter with the given config.
func NewRateLimiter(cfg RateLimitConfig, opts ...RateLimiterOption) *RateLimiter {
	r := &RateLimiter{
		cfg:      cfg,
		channels: make(map[string]*channelRate),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// CanRespond checks the channel against both windows and the ignore
// threshold. Checked in that order: short window, long window, ignores.
func (r *RateLimiter) CanRespond(channelID string) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.state(channelID)
	short, long := r.trim(state)

	switch {
	case short >= r.cfg.ShortMax:
		return false, ReasonShortWindow
	case long >= r.cfg.LongMax:
		return false, ReasonLongWindow
	case state.ignoreCount >= r.cfg.IgnoreThreshold:
		return false, ReasonIgnoreThreshold
	}
	return true, ""
}

// RecordResponse stamps both windows for an outgoing message and, when a
// scheduler is registered, books its engagement check at
// now + TrackingDelay.
func (r *RateLimiter) RecordResponse(channelID, messageID string) {
	r.mu.Lock()
	state := r.state(channelID)
	now := r.now()
	state.responseTimes = append(state.responseTimes, now)
	schedule := r.schedule
	r.mu.Unlock()

	if schedule != nil {
		schedule(channelID, messageID, now.Add(r.cfg.TrackingDelay))
	}
}

// RecordEngagement credits the channel: someone noticed the bot.
func (r *RateLimiter) RecordEngagement(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.state(channelID)
	if state.ignoreCount > 0 {
		state.ignoreCount--
	}
}

// RecordIgnored debits the channel: an outgoing message drew nothing.
func (r *RateLimiter) RecordIgnored(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.state(channelID)
	state.ignoreCount++
	if state.ignoreCount == r.cfg.IgnoreThreshold {
		r.logger.Info("channel silenced by ignore threshold", "channel_id", channelID)
	}
}

// Stats snapshots the channel's current counters and silenced state.
func (r *RateLimiter) Stats(channelID string) RateStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.state(channelID)
	short, long := r.trim(state)

	s := RateStats{
		ShortCount:      short,
		ShortMax:        r.cfg.ShortMax,
		LongCount:       long,
		LongMax:         r.cfg.LongMax,
		IgnoreCount:     state.ignoreCount,
		IgnoreThreshold: r.cfg.IgnoreThreshold,
	}
	switch {
	case short >= r.cfg.ShortMax:
		s.SilencedReason = ReasonShortWindow
	case long >= r.cfg.LongMax:
		s.SilencedReason = ReasonLongWindow
	case state.ignoreCount >= r.cfg.IgnoreThreshold:
		s.SilencedReason = ReasonIgnoreThreshold
	}
	return s
}

// TrackingDelay exposes the configured engagement delay.
func (r *RateLimiter) TrackingDelay() time.Duration {
	return r.cfg.TrackingDelay
}

// state returns (allocating if needed) the channel record. Caller holds mu.
func (r *RateLimiter) state(channelID string) *channelRate {
	state, ok := r.channels[channelID]
	if !ok {
		state = &channelRate{}
		r.channels[channelID] = state
	}
	return state
}

// trim drops entries older than the long window and returns the counts
// inside each window. Caller holds mu.
func (r *RateLimiter) trim(state *channelRate) (short, long int) {
	now := r.now()
	longCutoff := now.Add(-r.cfg.LongWindow)
	shortCutoff := now.Add(-r.cfg.ShortWindow)

	times := state.responseTimes
	start := 0
	for start < len(times) && !times[start].After(longCutoff) {
		start++
	}
	if start > 0 {
		times = append(times[:0], times[start:]...)
		state.responseTimes = times
	}

	long = len(times)
	for i := len(times) - 1; i >= 0; i-- {
		if !times[i].After(shortCutoff) {
			break
		}
		short++
	}
	return short, long
}
