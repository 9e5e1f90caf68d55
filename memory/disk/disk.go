// Package disk implements linger.MemoryStore as a directory tree on the
// local filesystem, scoped under a per-bot root. Every path the model
// supplies is validated against the virtual root before it touches disk.
package disk

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/lingerbot/linger"
)

// Store implements linger.MemoryStore rooted at baseDir on disk and at
// /memories/<bot_id> in model-facing paths.
type Store struct {
	baseDir string
	root    string // virtual root, e.g. /memories/bot-1

	// mu serializes mutations; reads of a file mid-rewrite would otherwise
	// see the temp-file window.
	mu     sync.Mutex
	logger *slog.Logger
}

var _ linger.MemoryStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store for one bot. baseDir is created on first write.
func New(baseDir, botID string) *Store {
	return &Store{
		baseDir: baseDir,
		root:    path.Join("/memories", botID),
		logger:  nopLogger,
	}
}

// NewWithOptions is New plus options.
func NewWithOptions(baseDir, botID string, opts ...Option) *Store {
	s := New(baseDir, botID)
	for _, o := range opts {
		o(s)
	}
	return s
}

// Root returns the virtual root.
func (s *Store) Root() string { return s.root }

// resolve maps a model-facing path onto disk. The path must be the
// virtual root or live under it; anything else, including traversal
// tricks, is ErrInvalidPath.
func (s *Store) resolve(p string) (string, error) {
	if p == "" || !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q (must start with %s)", linger.ErrInvalidPath, p, s.root)
	}
	clean := path.Clean(p)
	if clean != s.root && !strings.HasPrefix(clean, s.root+"/") {
		return "", fmt.Errorf("%w: %q escapes %s", linger.ErrInvalidPath, p, s.root)
	}
	rel := strings.TrimPrefix(clean, s.root)
	resolved := filepath.Join(s.baseDir, filepath.FromSlash(rel))
	// Join cleans again; a crafted segment must not climb out.
	if resolved != s.baseDir && !strings.HasPrefix(resolved, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes %s", linger.ErrInvalidPath, p, s.root)
	}
	return resolved, nil
}

// View lists a directory or returns numbered file content.
func (s *Store) View(ctx context.Context, p string, vr *linger.ViewRange) (string, error) {
	resolved, err := s.resolve(p)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("%s: %w", p, linger.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("memory view: %w", err)
	}
	if info.IsDir() {
		return s.listDir(p, resolved)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("memory view: %w", err)
	}
	if len(data) == 0 {
		return "File exists but is empty: " + p, nil
	}

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	start, end := 1, len(lines)
	if vr != nil {
		if vr.Start < 1 || vr.Start > len(lines) || (vr.End != 0 && vr.End < vr.Start) {
			return "", fmt.Errorf("%w: view range [%d,%d] outside 1..%d",
				linger.ErrInvalidPath, vr.Start, vr.End, len(lines))
		}
		start = vr.Start
		if vr.End > 0 && vr.End < end {
			end = vr.End
		}
	}

	var sb strings.Builder
	for i := start; i <= end; i++ {
		fmt.Fprintf(&sb, "%d: %s\n", i, lines[i-1])
	}
	return strings.TrimSuffix(sb.String(), "\n"), nil
}

// listDir renders a directory listing, directories marked with a
// trailing slash, sorted by name.
func (s *Store) listDir(virtual, resolved string) (string, error) {
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return "", fmt.Errorf("memory list: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Directory: %s\n", virtual)
	for _, n := range names {
		fmt.Fprintf(&sb, "- %s\n", n)
	}
	return strings.TrimSuffix(sb.String(), "\n"), nil
}

// Create writes a file, creating parents and overwriting existing
// content. The write is atomic.
func (s *Store) Create(ctx context.Context, p, text string) error {
	resolved, err := s.resolve(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeAtomic(resolved, []byte(text)); err != nil {
		return fmt.Errorf("memory create: %w", err)
	}
	s.logger.Debug("memory: create ok", "path", p, "bytes", len(text))
	return nil
}

// StrReplace substitutes the first occurrence of old with new.
func (s *Store) StrReplace(ctx context.Context, p, old, new string) error {
	resolved, err := s.resolve(p)
	if err != nil {
		return err
	}
	if old == "" {
		return fmt.Errorf("%w: empty search string", linger.ErrInvalidPath)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(resolved)
	if os.IsNotExist(err) {
		return fmt.Errorf("%s: %w", p, linger.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("memory replace: %w", err)
	}
	content := string(data)
	if !strings.Contains(content, old) {
		return fmt.Errorf("text %q in %s: %w", linger.Snippet(old, 60), p, linger.ErrNotFound)
	}
	content = strings.Replace(content, old, new, 1)
	if err := writeAtomic(resolved, []byte(content)); err != nil {
		return fmt.Errorf("memory replace: %w", err)
	}
	return nil
}

// Insert places text before the given 1-indexed line. Line may be one
// past the last line to append.
func (s *Store) Insert(ctx context.Context, p string, line int, text string) error {
	resolved, err := s.resolve(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(resolved)
	if os.IsNotExist(err) {
		return fmt.Errorf("%s: %w", p, linger.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("memory insert: %w", err)
	}

	lines := []string{}
	if len(data) > 0 {
		lines = strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	}
	if line < 1 || line > len(lines)+1 {
		return fmt.Errorf("%w: insert line %d outside 1..%d", linger.ErrInvalidPath, line, len(lines)+1)
	}

	inserted := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	out := make([]string, 0, len(lines)+len(inserted))
	out = append(out, lines[:line-1]...)
	out = append(out, inserted...)
	out = append(out, lines[line-1:]...)

	if err := writeAtomic(resolved, []byte(strings.Join(out, "\n")+"\n")); err != nil {
		return fmt.Errorf("memory insert: %w", err)
	}
	return nil
}

// Delete removes a file, or a directory recursively. The root itself
// cannot be deleted.
func (s *Store) Delete(ctx context.Context, p string) error {
	resolved, err := s.resolve(p)
	if err != nil {
		return err
	}
	if resolved == s.baseDir {
		return fmt.Errorf("%w: cannot delete memory root", linger.ErrInvalidPath)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(resolved); os.IsNotExist(err) {
		return fmt.Errorf("%s: %w", p, linger.ErrNotFound)
	}
	if err := os.RemoveAll(resolved); err != nil {
		return fmt.Errorf("memory delete: %w", err)
	}
	s.logger.Debug("memory: delete ok", "path", p)
	return nil
}

// Rename moves a file or directory within the root.
func (s *Store) Rename(ctx context.Context, p, newPath string) error {
	from, err := s.resolve(p)
	if err != nil {
		return err
	}
	to, err := s.resolve(newPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(from); os.IsNotExist(err) {
		return fmt.Errorf("%s: %w", p, linger.ErrNotFound)
	}
	if _, err := os.Stat(to); err == nil {
		return fmt.Errorf("%s: %w", newPath, linger.ErrAlreadyExists)
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return fmt.Errorf("memory rename: %w", err)
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("memory rename: %w", err)
	}
	s.logger.Debug("memory: rename ok", "from", p, "to", newPath)
	return nil
}

// writeAtomic writes data via a temp file and rename so readers never see
// a partial file.
func writeAtomic(dst string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
