package memory

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/lingerbot/linger/memory/disk"
)

func testTool(t *testing.T) *Tool {
	t.Helper()
	return New(disk.New(t.TempDir(), "bot-1"))
}

func exec(t *testing.T, tool *Tool, args map[string]any) (string, string) {
	t.Helper()
	raw, _ := json.Marshal(args)
	result, err := tool.Execute(context.Background(), "memory", raw)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return result.Content, result.Error
}

func TestDefinitions(t *testing.T) {
	tool := testTool(t)
	defs := tool.Definitions()
	if len(defs) != 1 || defs[0].Name != "memory" {
		t.Fatalf("expected single memory definition, got %v", defs)
	}
	if !strings.Contains(defs[0].Description, "/memories/bot-1") {
		t.Errorf("description missing root: %s", defs[0].Description)
	}
}

func TestCreateViewRoundTrip(t *testing.T) {
	tool := testTool(t)

	_, errText := exec(t, tool, map[string]any{
		"command": "create", "path": "/memories/bot-1/people/alice.md", "file_text": "likes go\nplays chess",
	})
	if errText != "" {
		t.Fatalf("create: %s", errText)
	}

	content, errText := exec(t, tool, map[string]any{
		"command": "view", "path": "/memories/bot-1/people/alice.md",
	})
	if errText != "" {
		t.Fatalf("view: %s", errText)
	}
	if content != "1: likes go\n2: plays chess" {
		t.Errorf("view = %q", content)
	}

	content, _ = exec(t, tool, map[string]any{
		"command": "view", "path": "/memories/bot-1/people/alice.md", "view_range": []int{2, 2},
	})
	if content != "2: plays chess" {
		t.Errorf("ranged view = %q", content)
	}
}

func TestStrReplaceAndInsert(t *testing.T) {
	tool := testTool(t)
	exec(t, tool, map[string]any{"command": "create", "path": "/memories/bot-1/f.md", "file_text": "one\nthree"})

	if _, errText := exec(t, tool, map[string]any{
		"command": "str_replace", "path": "/memories/bot-1/f.md", "old_str": "three", "new_str": "drei",
	}); errText != "" {
		t.Fatalf("str_replace: %s", errText)
	}

	if _, errText := exec(t, tool, map[string]any{
		"command": "insert", "path": "/memories/bot-1/f.md", "insert_line": 2, "insert_text": "two",
	}); errText != "" {
		t.Fatalf("insert: %s", errText)
	}

	content, _ := exec(t, tool, map[string]any{"command": "view", "path": "/memories/bot-1/f.md"})
	if content != "1: one\n2: two\n3: drei" {
		t.Errorf("after edits = %q", content)
	}
}

func TestDeleteAndRename(t *testing.T) {
	tool := testTool(t)
	exec(t, tool, map[string]any{"command": "create", "path": "/memories/bot-1/a.md", "file_text": "x"})

	if _, errText := exec(t, tool, map[string]any{
		"command": "rename", "path": "/memories/bot-1/a.md", "new_path": "/memories/bot-1/b.md",
	}); errText != "" {
		t.Fatalf("rename: %s", errText)
	}
	if _, errText := exec(t, tool, map[string]any{
		"command": "delete", "path": "/memories/bot-1/b.md",
	}); errText != "" {
		t.Fatalf("delete: %s", errText)
	}
	if _, errText := exec(t, tool, map[string]any{
		"command": "view", "path": "/memories/bot-1/b.md",
	}); errText == "" {
		t.Error("expected error viewing deleted file")
	}
}

func TestErrorsAreToolOutputNotGoErrors(t *testing.T) {
	tool := testTool(t)

	// Path escape.
	_, errText := exec(t, tool, map[string]any{"command": "view", "path": "/etc/passwd"})
	if errText == "" {
		t.Error("expected error for path escape")
	}

	// Unknown command.
	_, errText = exec(t, tool, map[string]any{"command": "zap", "path": "/memories/bot-1/x"})
	if !strings.Contains(errText, "unknown memory command") {
		t.Errorf("unknown command error = %q", errText)
	}

	// Malformed args.
	result, err := tool.Execute(context.Background(), "memory", json.RawMessage(`{bad`))
	if err != nil {
		t.Fatalf("Execute returned Go error: %v", err)
	}
	if result.Error == "" {
		t.Error("expected error for malformed args")
	}
}
