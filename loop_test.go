package linger

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestRunToolLoopPlainTurn(t *testing.T) {
	p := &fakeProvider{}
	p.script(textResponse("just an answer"))

	result, err := RunToolLoop(context.Background(), p, nil, ChatRequest{
		Messages: []ChatMessage{UserMessage("question")},
	}, 5, nil)
	if err != nil {
		t.Fatalf("RunToolLoop: %v", err)
	}
	if result.Text != "just an answer" || result.Capped || result.Iterations != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestRunToolLoopToolRoundTrip(t *testing.T) {
	p := &fakeProvider{}
	p.script(ChatResponse{
		StopReason: StopToolUse,
		ToolCalls:  []ToolCall{{ID: "c1", Name: "echo", Args: json.RawMessage(`{"q":"x"}`)}},
	})
	p.script(textResponse("done"))

	r := NewRouter([]Tool{echoTool("echo")})
	result, err := RunToolLoop(context.Background(), p, r, ChatRequest{
		Messages: []ChatMessage{UserMessage("question")},
	}, 5, nil)
	if err != nil {
		t.Fatalf("RunToolLoop: %v", err)
	}
	if result.Text != "done" || result.Iterations != 2 {
		t.Errorf("result = %+v", result)
	}

	// The second request must carry the assistant echo plus one user turn
	// of tool results.
	if p.calls() != 2 {
		t.Fatalf("provider calls = %d, want 2", p.calls())
	}
	second := p.requests[1]
	if len(second.Messages) != 3 {
		t.Fatalf("second request messages = %d, want 3", len(second.Messages))
	}
	if second.Messages[1].Role != "assistant" || len(second.Messages[1].ToolCalls) != 1 {
		t.Errorf("assistant echo = %+v", second.Messages[1])
	}
	results := second.Messages[2]
	if results.Role != "user" || len(results.ToolResults) != 1 || results.ToolResults[0].CallID != "c1" {
		t.Errorf("tool results turn = %+v", results)
	}

	// Tool definitions come from the router when the request has none.
	if len(p.requests[0].Tools) != 1 || p.requests[0].Tools[0].Name != "echo" {
		t.Errorf("first request tools = %+v", p.requests[0].Tools)
	}
}

func TestRunToolLoopCapped(t *testing.T) {
	p := &fakeProvider{}
	for i := 0; i < 3; i++ {
		p.script(ChatResponse{
			Content:    "thinking...",
			StopReason: StopToolUse,
			ToolCalls:  []ToolCall{{ID: "c", Name: "echo", Args: json.RawMessage(`{}`)}},
		})
	}

	r := NewRouter([]Tool{echoTool("echo")})
	result, err := RunToolLoop(context.Background(), p, r, ChatRequest{
		Messages: []ChatMessage{UserMessage("go")},
	}, 3, nil)
	if err != nil {
		t.Fatalf("RunToolLoop: %v", err)
	}
	if !result.Capped || result.Iterations != 3 {
		t.Errorf("result = %+v, want capped at 3 iterations", result)
	}
	if result.Text != "thinking..." {
		t.Errorf("Text = %q, want best partial text", result.Text)
	}
}

func TestRunToolLoopCitationDedup(t *testing.T) {
	p := &fakeProvider{}
	p.script(ChatResponse{
		StopReason: StopToolUse,
		ToolCalls:  []ToolCall{{ID: "c1", Name: "echo", Args: json.RawMessage(`{}`)}},
		Citations: []Citation{
			{Title: "A", URL: "https://a.example"},
			{Title: "", URL: ""},
		},
	})
	p.script(ChatResponse{
		Content:    "answer",
		StopReason: StopEndTurn,
		Citations: []Citation{
			{Title: "A again", URL: "https://a.example"},
			{Title: "B", URL: "https://b.example"},
		},
	})

	r := NewRouter([]Tool{echoTool("echo")})
	result, err := RunToolLoop(context.Background(), p, r, ChatRequest{
		Messages: []ChatMessage{UserMessage("go")},
	}, 5, nil)
	if err != nil {
		t.Fatalf("RunToolLoop: %v", err)
	}
	if len(result.Citations) != 2 {
		t.Fatalf("citations = %+v, want 2 deduped", result.Citations)
	}
	if result.Citations[0].URL != "https://a.example" || result.Citations[1].URL != "https://b.example" {
		t.Errorf("citation order = %+v, want first-seen", result.Citations)
	}
}

func TestRunToolLoopUsageAccumulates(t *testing.T) {
	p := &fakeProvider{}
	p.script(ChatResponse{
		StopReason: StopToolUse,
		ToolCalls:  []ToolCall{{ID: "c1", Name: "echo", Args: json.RawMessage(`{}`)}},
		Usage:      Usage{InputTokens: 100, OutputTokens: 20},
	})
	p.script(ChatResponse{
		Content:    "done",
		StopReason: StopEndTurn,
		Usage:      Usage{InputTokens: 150, OutputTokens: 30},
	})

	r := NewRouter([]Tool{echoTool("echo")})
	result, err := RunToolLoop(context.Background(), p, r, ChatRequest{
		Messages: []ChatMessage{UserMessage("go")},
	}, 5, nil)
	if err != nil {
		t.Fatalf("RunToolLoop: %v", err)
	}
	if result.Usage.InputTokens != 250 || result.Usage.OutputTokens != 50 {
		t.Errorf("usage = %+v, want summed across iterations", result.Usage)
	}
}

func TestRunToolLoopServerUsesCharged(t *testing.T) {
	p := &fakeProvider{}
	p.script(ChatResponse{Content: "searched", StopReason: StopEndTurn, ServerToolUses: 2})

	q := &memQuota{limit: 5}
	r := NewRouter(nil, WithWebQuota(q))
	if _, err := RunToolLoop(context.Background(), p, r, ChatRequest{
		Messages: []ChatMessage{UserMessage("go")},
	}, 5, nil); err != nil {
		t.Fatalf("RunToolLoop: %v", err)
	}
	if q.used != 2 {
		t.Errorf("quota used = %d, want 2", q.used)
	}
}

func TestAppendSources(t *testing.T) {
	text := AppendSources("answer", []Citation{
		{Title: "Doc", URL: "https://a.example"},
		{URL: "https://b.example"},
	})
	if !strings.Contains(text, "**Sources:**") {
		t.Errorf("missing sources block: %q", text)
	}
	if !strings.Contains(text, "[Doc](https://a.example)") {
		t.Errorf("titled citation missing: %q", text)
	}
	if !strings.Contains(text, "[https://b.example](https://b.example)") {
		t.Errorf("untitled citation must fall back to URL: %q", text)
	}

	if got := AppendSources("answer", nil); got != "answer" {
		t.Errorf("no citations: got %q, want unchanged", got)
	}
}

func TestTruncateToolOutput(t *testing.T) {
	short := "fine"
	if got := truncateToolOutput(short); got != short {
		t.Errorf("short output modified: %q", got)
	}
	long := strings.Repeat("x", maxToolOutputLen+10)
	got := truncateToolOutput(long)
	if !strings.HasSuffix(got, "... (truncated)") {
		t.Errorf("truncated output missing marker")
	}
	if len([]rune(got)) >= len([]rune(long)) {
		t.Error("output not shortened")
	}
}
