package linger

import "context"

// ViewRange is an inclusive 1-indexed line range for MemoryStore.View.
type ViewRange struct {
	Start int
	End   int
}

// MemoryStore is a bot-scoped virtual filesystem rooted at
// /memories/<bot_id>. Every operation validates its path against that
// root; escapes fail with ErrInvalidPath. All writes are atomic.
//
// Operation results are plain text because they flow straight back to the
// model as tool output.
type MemoryStore interface {
	// View lists a directory, or returns file content with 1-indexed
	// line numbers, optionally narrowed to an inclusive range. Viewing
	// an empty file returns the literal marker
	// "File exists but is empty: <path>".
	View(ctx context.Context, path string, vr *ViewRange) (string, error)
	// Create writes a file, creating parent directories as needed and
	// overwriting any existing content.
	Create(ctx context.Context, path, text string) error
	// StrReplace substitutes the first occurrence of old with new.
	// Fails with ErrNotFound when old does not occur.
	StrReplace(ctx context.Context, path, old, new string) error
	// Insert places text before the given 1-indexed line.
	Insert(ctx context.Context, path string, line int, text string) error
	// Delete removes a file, or a directory recursively.
	Delete(ctx context.Context, path string) error
	// Rename moves a file or directory within the memory root. Fails
	// with ErrAlreadyExists when the target exists.
	Rename(ctx context.Context, path, newPath string) error
	// Root returns the virtual root ("/memories/<bot_id>").
	Root() string
}
