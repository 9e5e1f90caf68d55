package linger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// DefaultMaxIterations caps tool-use loop round trips. At the cap the
// loop returns whatever text exists and flags the result as capped.
const DefaultMaxIterations = 10

// maxToolOutputLen is the maximum rune length a tool result may occupy in
// the loop's message history. Oversized results are truncated with a
// marker so the model knows content was trimmed.
const maxToolOutputLen = 100_000

// LoopResult is the outcome of one full tool-use loop.
type LoopResult struct {
	// Text is the final model text, or the best partial text when the
	// iteration cap was hit.
	Text string
	// Citations aggregates provider-side web tool citations across all
	// iterations, deduplicated by URL in first-seen order.
	Citations []Citation
	Usage     Usage
	// Capped is true when the loop stopped at the iteration limit with
	// the model still requesting tools.
	Capped bool
	// Iterations counts provider calls made.
	Iterations int
}

// RunToolLoop drives the request to completion: call the model, execute
// every requested client tool, return all results in one follow-up turn,
// repeat until the model ends its turn or the cap is reached.
//
// Client tool failures come back as errored tool results, never as Go
// errors. Server-side tool uses are charged to the router's quota as they
// appear in responses.
func RunToolLoop(ctx context.Context, provider Provider, router *Router, req ChatRequest, maxIter int, logger *slog.Logger) (LoopResult, error) {
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	if logger == nil {
		logger = nopLogger
	}
	if router != nil && len(req.Tools) == 0 {
		req.Tools = router.Definitions()
	}

	var result LoopResult
	seenURLs := make(map[string]bool)
	messages := req.Messages

	for i := 0; i < maxIter; i++ {
		req.Messages = messages
		resp, err := provider.Chat(ctx, req)
		if err != nil {
			return result, err
		}
		result.Iterations = i + 1
		result.Usage.InputTokens += resp.Usage.InputTokens
		result.Usage.OutputTokens += resp.Usage.OutputTokens

		if resp.Content != "" {
			result.Text = resp.Content
		}
		for _, c := range resp.Citations {
			if c.URL == "" || seenURLs[c.URL] {
				continue
			}
			seenURLs[c.URL] = true
			result.Citations = append(result.Citations, c)
		}
		if router != nil {
			router.AccountServerUses(ctx, resp.ServerToolUses)
		}

		if len(resp.ToolCalls) == 0 || resp.StopReason == StopEndTurn {
			return result, nil
		}

		// Echo the assistant turn, then answer every call in a single
		// user turn. Providers reject follow-ups with missing results.
		messages = append(messages, ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		outputs := router.ExecuteAll(ctx, resp.ToolCalls)
		for j := range outputs {
			outputs[j].Content = truncateToolOutput(outputs[j].Content)
		}
		messages = append(messages, ToolResultsMessage(outputs))

		logger.Debug("tool loop iteration",
			"iteration", i+1,
			"tool_calls", len(resp.ToolCalls),
			"stop_reason", string(resp.StopReason))

		if ctx.Err() != nil {
			return result, ctx.Err()
		}
	}

	result.Capped = true
	logger.Warn("tool loop hit iteration cap", "max_iterations", maxIter)
	return result, nil
}

// AppendSources attaches a trailing Sources block when citations exist.
func AppendSources(text string, citations []Citation) string {
	if len(citations) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	b.WriteString("\n\n**Sources:**\n")
	for _, c := range citations {
		title := c.Title
		if title == "" {
			title = c.URL
		}
		fmt.Fprintf(&b, "- [%s](%s)\n", title, c.URL)
	}
	return strings.TrimRight(b.String(), "\n")
}

// truncateToolOutput bounds one tool result for the message history.
func truncateToolOutput(s string) string {
	runes := []rune(s)
	if len(runes) <= maxToolOutputLen {
		return s
	}
	return string(runes[:maxToolOutputLen]) + "\n... (truncated)"
}
