package linger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Tool is a client-side capability exposed to the model. One Tool may
// provide several commands (the memory tool does); Definitions returns
// one entry per advertised tool name.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger sets the structured logger for tool dispatch.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// WithWebQuota attaches the daily server-tool quota. When set, the tool
// loop accounts every server_tool_use block against it.
func WithWebQuota(q WebQuota) RouterOption {
	return func(r *Router) { r.quota = q }
}

// maxParallelTools caps concurrent tool executions within one loop
// iteration so a burst of calls cannot exhaust file handles or sockets.
const maxParallelTools = 4

// Router owns the client-side tool surface: it advertises definitions,
// dispatches calls, converts failures to model-readable output, and
// accounts server-side tool uses against the web quota.
type Router struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	quota  WebQuota
	logger *slog.Logger
}

// NewRouter creates a Router over the given tools.
func NewRouter(tools []Tool, opts ...RouterOption) *Router {
	r := &Router{tools: make(map[string]Tool)}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds a tool. Later registrations win on name collision.
func (r *Router) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, def := range t.Definitions() {
		r.tools[def.Name] = t
	}
}

// Definitions returns every advertised tool, sorted by name so request
// payloads are deterministic (stable prompt cache keys).
func (r *Router) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	seen := make(map[string]bool)
	for name, t := range r.tools {
		if seen[name] {
			continue
		}
		for _, def := range t.Definitions() {
			if def.Name == name {
				defs = append(defs, def)
				seen[name] = true
			}
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs one tool call. Failures of any shape — unknown tool, tool
// error, panic — come back as errored ToolOutput text so the model can
// recover; Execute never returns a Go error to the loop.
func (r *Router) Execute(ctx context.Context, call ToolCall) ToolOutput {
	r.mu.RLock()
	t, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return ToolOutput{CallID: call.ID, Content: "unknown tool: " + call.Name, IsError: true}
	}

	result, err := safeExecute(ctx, t, call)
	if err != nil {
		r.logger.Warn("tool execution failed", "tool", call.Name, "error", err)
		return ToolOutput{CallID: call.ID, Content: "error: " + err.Error(), IsError: true}
	}
	if result.Error != "" {
		return ToolOutput{CallID: call.ID, Content: result.Error, IsError: true}
	}
	return ToolOutput{CallID: call.ID, Content: result.Content}
}

// ExecuteAll runs every call from one iteration and returns outputs in
// call order. Multiple calls run concurrently, bounded by
// maxParallelTools.
func (r *Router) ExecuteAll(ctx context.Context, calls []ToolCall) []ToolOutput {
	if len(calls) == 1 {
		return []ToolOutput{r.Execute(ctx, calls[0])}
	}

	outputs := make([]ToolOutput, len(calls))
	sem := make(chan struct{}, maxParallelTools)
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call ToolCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outputs[i] = r.Execute(ctx, call)
		}(i, call)
	}
	wg.Wait()
	return outputs
}

// AccountServerUses charges n provider-side tool uses (web_search,
// web_fetch) against the daily quota. Exhaustion is logged, not fatal:
// the response already happened.
func (r *Router) AccountServerUses(ctx context.Context, n int) {
	if r.quota == nil || n <= 0 {
		return
	}
	for i := 0; i < n; i++ {
		if err := r.quota.Spend(ctx); err != nil {
			r.logger.Warn("web tool quota exhausted", "error", err)
			return
		}
	}
}

// QuotaRemaining reports today's remaining server-tool budget, or -1 when
// no quota is configured.
func (r *Router) QuotaRemaining(ctx context.Context) int {
	if r.quota == nil {
		return -1
	}
	return r.quota.Remaining(ctx)
}

// safeExecute shields the loop from panicking tools.
func safeExecute(ctx context.Context, t Tool, call ToolCall) (result ToolResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %s panicked: %v", call.Name, rec)
		}
	}()
	return t.Execute(ctx, call.Name, call.Args)
}
