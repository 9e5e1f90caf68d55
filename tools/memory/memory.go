// Package memory exposes the bot's persistent memory filesystem to the
// model as a single multi-command tool.
package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lingerbot/linger"
)

// Tool adapts a linger.MemoryStore to the model-facing memory tool. The
// command set mirrors a text editor: view, create, str_replace, insert,
// delete, rename.
type Tool struct {
	store linger.MemoryStore
}

var _ linger.Tool = (*Tool)(nil)

// New creates the memory tool over store.
func New(store linger.MemoryStore) *Tool {
	return &Tool{store: store}
}

func (t *Tool) Definitions() []linger.ToolDefinition {
	desc := fmt.Sprintf(
		"Persistent memory filesystem rooted at %s. Use it to remember facts, people, preferences, and running jokes across conversations. "+
			"Commands: view (list a directory or read a file with line numbers), create (write a file, overwriting), "+
			"str_replace (replace the first occurrence of old_str with new_str), insert (insert text before insert_line), "+
			"delete (remove a file or directory), rename (move within the memory root). All paths must start with %s.",
		t.store.Root(), t.store.Root())
	return []linger.ToolDefinition{{
		Name:        "memory",
		Description: desc,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "enum": ["view", "create", "str_replace", "insert", "delete", "rename"]},
				"path": {"type": "string", "description": "Target path under the memory root"},
				"file_text": {"type": "string", "description": "Content for create"},
				"old_str": {"type": "string", "description": "Text to find for str_replace"},
				"new_str": {"type": "string", "description": "Replacement text for str_replace"},
				"insert_line": {"type": "integer", "description": "1-indexed line for insert; text goes before it"},
				"insert_text": {"type": "string", "description": "Text for insert"},
				"new_path": {"type": "string", "description": "Destination for rename"},
				"view_range": {"type": "array", "items": {"type": "integer"}, "description": "Optional [start, end] line range for view"}
			},
			"required": ["command", "path"]
		}`),
	}}
}

type memoryArgs struct {
	Command    string `json:"command"`
	Path       string `json:"path"`
	FileText   string `json:"file_text"`
	OldStr     string `json:"old_str"`
	NewStr     string `json:"new_str"`
	InsertLine int    `json:"insert_line"`
	InsertText string `json:"insert_text"`
	NewPath    string `json:"new_path"`
	ViewRange  []int  `json:"view_range"`
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (linger.ToolResult, error) {
	var p memoryArgs
	if err := json.Unmarshal(args, &p); err != nil {
		return linger.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	switch p.Command {
	case "view":
		var vr *linger.ViewRange
		if len(p.ViewRange) > 0 {
			vr = &linger.ViewRange{Start: p.ViewRange[0]}
			if len(p.ViewRange) > 1 {
				vr.End = p.ViewRange[1]
			}
		}
		out, err := t.store.View(ctx, p.Path, vr)
		if err != nil {
			return linger.ToolResult{Error: err.Error()}, nil
		}
		return linger.ToolResult{Content: out}, nil

	case "create":
		if err := t.store.Create(ctx, p.Path, p.FileText); err != nil {
			return linger.ToolResult{Error: err.Error()}, nil
		}
		return linger.ToolResult{Content: "File created: " + p.Path}, nil

	case "str_replace":
		if err := t.store.StrReplace(ctx, p.Path, p.OldStr, p.NewStr); err != nil {
			return linger.ToolResult{Error: err.Error()}, nil
		}
		return linger.ToolResult{Content: "Replaced in " + p.Path}, nil

	case "insert":
		if err := t.store.Insert(ctx, p.Path, p.InsertLine, p.InsertText); err != nil {
			return linger.ToolResult{Error: err.Error()}, nil
		}
		return linger.ToolResult{Content: fmt.Sprintf("Inserted at line %d in %s", p.InsertLine, p.Path)}, nil

	case "delete":
		if err := t.store.Delete(ctx, p.Path); err != nil {
			return linger.ToolResult{Error: err.Error()}, nil
		}
		return linger.ToolResult{Content: "Deleted: " + p.Path}, nil

	case "rename":
		if err := t.store.Rename(ctx, p.Path, p.NewPath); err != nil {
			return linger.ToolResult{Error: err.Error()}, nil
		}
		return linger.ToolResult{Content: fmt.Sprintf("Renamed %s to %s", p.Path, p.NewPath)}, nil

	default:
		return linger.ToolResult{Error: "unknown memory command: " + p.Command}, nil
	}
}
