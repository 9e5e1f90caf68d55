// Package linger is a framework for running LLM-driven chat bots that live
// inside Discord servers as long-term participants rather than command
// responders.
//
// It provides modular, interface-driven building blocks: a message archive
// with full-text search, a scoped file-backed memory the model edits itself,
// per-channel rate limiting with engagement feedback, a tool execution
// system, and platform/provider abstractions with production adapters for
// Discord and the Anthropic Messages API.
//
// # Quick Start
//
// Wire a bot from the seams the root package defines:
//
//	store := sqlite.New("persistence/bot_messages.db")
//	llm := linger.WithRetry(linger.WithThrottle(anthropic.New(apiKey, model)))
//	platform, err := discord.New(token)
//
//	limiter := linger.NewRateLimiter(linger.DefaultRateLimitConfig())
//	builder := linger.NewContextBuilder(store, platform, users, botID, botName)
//	engine := linger.NewReactiveEngine(cfg, store, platform, llm, builder, limiter, ...)
//
//	for ev := range platform.Listen(ctx) {
//		engine.HandleEvent(ctx, ev)
//	}
//
// In practice the internal/bot App assembles all of this from a YAML config;
// the cmd/linger binary exposes it as `linger spawn <bot_id>`.
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Platform] — chat surface (listen, send, reply, history, downloads)
//   - [Provider] — LLM backend (chat with tool calling and thinking)
//   - [MessageStore] — message archive with windows and full-text search
//   - [MemoryStore] — scoped markdown files the model reads and edits
//   - [Tool] — pluggable capability exposed to the model through [Router]
//
// Two engines drive behavior on top of these seams: [ReactiveEngine] answers
// mentions immediately and scans for conversations worth joining, and
// [AgenticEngine] runs the slow loop of follow-ups and proactive engagement.
package linger
