package linger

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// snippetLen bounds message excerpts in the conversation log.
const snippetLen = 120

// ConvLog is an append-only, human-readable record of every respond
// decision the bot makes: one block per observed message with the
// decision, the rate limiter state at that moment, and response size,
// plus a later block per tracked message with the engagement outcome.
type ConvLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
	now  func() time.Time
}

// ConvLogOption configures a ConvLog.
type ConvLogOption func(*ConvLog)

// clock override for tests.
func withConvLogClock(now func() time.Time) ConvLogOption {
	return func(l *ConvLog) { l.now = now }
}

// OpenConvLog opens (creating if needed) the conversation log at path.
func OpenConvLog(path string, opts ...ConvLogOption) (*ConvLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("convlog: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("convlog: open: %w", err)
	}
	l := &ConvLog{path: path, f: f, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// ConvDecision is one respond decision to record.
type ConvDecision struct {
	ChannelID string
	Author    string
	Snippet   string
	Respond   bool
	Reason    string
	Rates     RateStats

	// Set when a reply was actually sent.
	ResponseChars    int
	ResponseSegments int
}

// LogDecision appends one decision block.
func (l *ConvLog) LogDecision(d ConvDecision) error {
	var b strings.Builder
	fmt.Fprintf(&b, "=== %s channel=%s author=%s ===\n",
		l.now().UTC().Format(time.RFC3339), d.ChannelID, d.Author)
	if s := Snippet(d.Snippet, snippetLen); s != "" {
		b.WriteString(s)
		b.WriteByte('\n')
	}
	verdict := "NO"
	if d.Respond {
		verdict = "YES"
	}
	fmt.Fprintf(&b, "[DECISION] Respond: %s (%s)\n", verdict, d.Reason)
	fmt.Fprintf(&b, "[RATE_LIMIT] 5min: %d/%d, 1hr: %d/%d, ignored: %d/%d\n",
		d.Rates.ShortCount, d.Rates.ShortMax,
		d.Rates.LongCount, d.Rates.LongMax,
		d.Rates.IgnoreCount, d.Rates.IgnoreThreshold)
	if d.Respond && d.ResponseChars > 0 {
		fmt.Fprintf(&b, "[RESPONSE] %d chars in %d segment(s)\n", d.ResponseChars, d.ResponseSegments)
	}
	b.WriteByte('\n')
	return l.write(b.String())
}

// LogEngagement appends one engagement outcome block for a sent message.
func (l *ConvLog) LogEngagement(channelID, messageID string, engaged bool, signal string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "=== %s channel=%s message=%s ===\n",
		l.now().UTC().Format(time.RFC3339), channelID, messageID)
	if engaged {
		fmt.Fprintf(&b, "[ENGAGEMENT] ✓ ENGAGED (%s)\n", signal)
	} else {
		b.WriteString("[ENGAGEMENT] ✗ IGNORED\n")
	}
	b.WriteByte('\n')
	return l.write(b.String())
}

func (l *ConvLog) write(s string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.WriteString(s); err != nil {
		return fmt.Errorf("convlog: write: %w", err)
	}
	return nil
}

// Path returns the log file location.
func (l *ConvLog) Path() string { return l.path }

// Close flushes and closes the underlying file.
func (l *ConvLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Snippet collapses whitespace and truncates s to at most n runes,
// ellipsis included.
func Snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8Len := len([]rune(s)); utf8Len <= n {
		return s
	}
	if n <= 3 {
		return string([]rune(s)[:n])
	}
	return string([]rune(s)[:n-3]) + "..."
}

// ConvEntry is one parsed conversation log block.
type ConvEntry struct {
	Time      time.Time
	ChannelID string
	Author    string
	MessageID string
	Lines     []string
}

// ParseConvLog reads back blocks written by ConvLog. Intended for tests
// and offline inspection.
func ParseConvLog(r io.Reader) ([]ConvEntry, error) {
	var entries []ConvEntry
	var cur *ConvEntry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "=== ") && strings.HasSuffix(line, " ===") {
			if cur != nil {
				entries = append(entries, *cur)
			}
			e, err := parseConvHeader(line)
			if err != nil {
				return nil, err
			}
			cur = &e
			continue
		}
		if cur == nil || line == "" {
			continue
		}
		cur.Lines = append(cur.Lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("convlog: scan: %w", err)
	}
	if cur != nil {
		entries = append(entries, *cur)
	}
	return entries, nil
}

func parseConvHeader(line string) (ConvEntry, error) {
	body := strings.TrimSuffix(strings.TrimPrefix(line, "=== "), " ===")
	ts, rest, _ := strings.Cut(body, " ")
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ConvEntry{}, fmt.Errorf("convlog: bad header time %q: %w", ts, err)
	}
	e := ConvEntry{Time: t}
	for rest != "" {
		var tok string
		if i := strings.Index(rest, "author="); i == 0 {
			// author is last and may contain spaces
			e.Author = strings.TrimPrefix(rest, "author=")
			break
		}
		tok, rest, _ = strings.Cut(rest, " ")
		switch {
		case strings.HasPrefix(tok, "channel="):
			e.ChannelID = strings.TrimPrefix(tok, "channel=")
		case strings.HasPrefix(tok, "message="):
			e.MessageID = strings.TrimPrefix(tok, "message=")
		}
	}
	return e, nil
}
