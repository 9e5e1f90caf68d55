// Package anthropic implements the Provider interface on the Anthropic
// Messages API: system prompt caching, client tools, extended thinking,
// the server-side web search tool, and context editing passthrough.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	linger "github.com/lingerbot/linger"
)

// contextEditingBeta is the beta header required for context_management.
const contextEditingBeta = "context-management-2025-06-27"

// ContextEditing configures server-side pruning of old tool results once
// the prompt crosses a token threshold.
type ContextEditing struct {
	TriggerTokens int
	KeepToolUses  int
	ExcludeTools  []string
}

// Provider is the Anthropic Messages implementation of linger.Provider.
type Provider struct {
	client      anthropic.Client
	model       anthropic.Model
	maxTokens   int64
	contextEdit *ContextEditing
	logger      *slog.Logger
}

var _ linger.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMaxTokens sets the default output token cap used when a request
// does not set its own.
func WithMaxTokens(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.maxTokens = int64(n)
		}
	}
}

// WithContextEditing enables context editing on every request.
func WithContextEditing(ce ContextEditing) Option {
	return func(p *Provider) { p.contextEdit = &ce }
}

// WithBaseURL overrides the API endpoint (testing against a stub).
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		p.client = anthropic.NewClient(append(p.client.Options, option.WithBaseURL(url))...)
	}
}

// New creates an Anthropic provider for the given API key and model.
func New(apiKey, model string, opts ...Option) *Provider {
	p := &Provider{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     anthropic.Model(model),
		maxTokens: 4096,
		logger:    slog.New(discardHandler{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns "anthropic".
func (p *Provider) Name() string { return "anthropic" }

// Chat sends one Messages API request and returns the parsed response.
func (p *Provider) Chat(ctx context.Context, req linger.ChatRequest) (linger.ChatResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return linger.ChatResponse{}, err
	}

	var reqOpts []option.RequestOption
	if p.contextEdit != nil {
		reqOpts = append(reqOpts,
			option.WithHeaderAdd("anthropic-beta", contextEditingBeta),
			option.WithJSONSet("context_management.edits", []map[string]any{p.contextEdit.edit()}),
		)
	}

	start := time.Now()
	resp, err := p.client.Messages.New(ctx, params, reqOpts...)
	if err != nil {
		return linger.ChatResponse{}, p.wrapErr(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return linger.ChatResponse{}, &linger.ProviderError{
			Provider: "anthropic",
			Message:  "empty response",
		}
	}

	out := parseResponse(resp)
	p.logger.Debug("anthropic chat complete",
		"model", string(p.model),
		"stop_reason", string(out.StopReason),
		"input_tokens", out.Usage.InputTokens,
		"output_tokens", out.Usage.OutputTokens,
		"duration", time.Since(start))
	return out, nil
}

// edit renders the context_management edit object for the request body.
func (ce *ContextEditing) edit() map[string]any {
	edit := map[string]any{
		"type": "clear_tool_uses_20250919",
	}
	if ce.TriggerTokens > 0 {
		edit["trigger"] = map[string]any{"type": "input_tokens", "value": ce.TriggerTokens}
	}
	if ce.KeepToolUses > 0 {
		edit["keep"] = map[string]any{"type": "tool_uses", "value": ce.KeepToolUses}
	}
	if len(ce.ExcludeTools) > 0 {
		edit["exclude_tools"] = ce.ExcludeTools
	}
	return edit
}

// wrapErr converts SDK failures into ProviderError. Context cancellation
// passes through untouched so callers can distinguish shutdown from
// provider trouble.
func (p *Provider) wrapErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		pe := &linger.ProviderError{
			Provider: "anthropic",
			Status:   apierr.StatusCode,
			Message:  apierr.Error(),
		}
		if apierr.Response != nil {
			pe.RetryAfter = parseRetryAfter(apierr.Response.Header.Get("Retry-After"))
		}
		return pe
	}
	return &linger.ProviderError{
		Provider: "anthropic",
		Message:  fmt.Sprintf("request failed: %v", err),
	}
}

// parseRetryAfter reads a Retry-After header given in whole seconds.
// HTTP-date forms are rare from the API and are ignored.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
