package linger

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// throttledProvider wraps a Provider with a concurrency semaphore and a
// minimum delay between call starts. Both engines share one wrapped
// provider, so the limits hold process-wide.
type throttledProvider struct {
	inner    Provider
	sem      chan struct{}
	minDelay time.Duration
	mu       sync.Mutex
	lastCall time.Time
	logger   *slog.Logger
}

// ThrottleOption configures WithThrottle.
type ThrottleOption func(*throttledProvider)

// ThrottleConcurrency caps in-flight calls (default 10).
func ThrottleConcurrency(n int) ThrottleOption {
	return func(t *throttledProvider) {
		if n > 0 {
			t.sem = make(chan struct{}, n)
		}
	}
}

// ThrottleMinDelay sets the minimum spacing between call starts
// (default 1s).
func ThrottleMinDelay(d time.Duration) ThrottleOption {
	return func(t *throttledProvider) { t.minDelay = d }
}

// ThrottleLogger sets the structured logger for throttle waits.
func ThrottleLogger(l *slog.Logger) ThrottleOption {
	return func(t *throttledProvider) { t.logger = l }
}

// WithThrottle wraps p so at most n calls run concurrently and call
// starts are spaced by the minimum delay. Compose with any Provider:
//
//	llm = linger.WithThrottle(anthropic.New(apiKey, model))
func WithThrottle(p Provider, opts ...ThrottleOption) Provider {
	t := &throttledProvider{
		inner:    p,
		sem:      make(chan struct{}, 10),
		minDelay: time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = nopLogger
	}
	return t
}

// Name delegates to the inner provider.
func (t *throttledProvider) Name() string { return t.inner.Name() }

// Chat implements Provider with throttling.
func (t *throttledProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ChatResponse{}, ctx.Err()
	}
	defer func() { <-t.sem }()

	if err := t.pace(ctx); err != nil {
		return ChatResponse{}, err
	}
	return t.inner.Chat(ctx, req)
}

// pace sleeps out the remainder of the minimum delay since the previous
// call start.
func (t *throttledProvider) pace(ctx context.Context) error {
	t.mu.Lock()
	now := time.Now()
	wait := t.minDelay - now.Sub(t.lastCall)
	if wait < 0 {
		wait = 0
	}
	t.lastCall = now.Add(wait)
	t.mu.Unlock()

	if wait == 0 {
		return nil
	}
	t.logger.Debug("throttling llm call", "wait", wait)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Provider = (*throttledProvider)(nil)
