package linger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// WebQuota meters provider-side web tool uses against a daily budget.
type WebQuota interface {
	// Spend charges one use. Returns ErrBudgetExceeded once the day's
	// budget is gone.
	Spend(ctx context.Context) error
	// Remaining reports uses left today.
	Remaining(ctx context.Context) int
}

// quotaDay is the persisted per-day record.
type quotaDay struct {
	Used int `json:"used"`
}

// FileWebQuota persists daily web tool usage as a JSON map of
// "YYYY-MM-DD" day keys. The budget resets implicitly at UTC midnight:
// each spend charges the current day's bucket and stale buckets are
// pruned on write.
type FileWebQuota struct {
	mu     sync.Mutex
	path   string
	limit  int
	days   map[string]*quotaDay
	now    func() time.Time
	logger *slog.Logger
}

// FileWebQuotaOption configures a FileWebQuota.
type FileWebQuotaOption func(*FileWebQuota)

// WithQuotaLogger sets the structured logger.
func WithQuotaLogger(l *slog.Logger) FileWebQuotaOption {
	return func(q *FileWebQuota) { q.logger = l }
}

// withQuotaClock overrides the clock. Test hook.
func withQuotaClock(now func() time.Time) FileWebQuotaOption {
	return func(q *FileWebQuota) { q.now = now }
}

// NewFileWebQuota opens (or creates) the stats file at path with the given
// daily limit.
func NewFileWebQuota(path string, limit int, opts ...FileWebQuotaOption) (*FileWebQuota, error) {
	q := &FileWebQuota{
		path:  path,
		limit: limit,
		days:  make(map[string]*quotaDay),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = nopLogger
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return q, nil
		}
		return nil, fmt.Errorf("read web quota stats: %w", err)
	}
	if err := json.Unmarshal(data, &q.days); err != nil {
		// A corrupt stats file costs at most one day's accounting.
		q.logger.Warn("web quota stats corrupt, starting fresh", "path", path, "error", err)
		q.days = make(map[string]*quotaDay)
	}
	return q, nil
}

// Spend charges one use against today's bucket and persists.
func (q *FileWebQuota) Spend(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := DayKey(q.now())
	day := q.days[key]
	if day == nil {
		day = &quotaDay{}
		q.days[key] = day
	}
	if day.Used >= q.limit {
		return ErrBudgetExceeded
	}
	day.Used++

	// Old buckets have no further use once their day passed.
	for k := range q.days {
		if k != key {
			delete(q.days, k)
		}
	}
	if err := q.persist(); err != nil {
		q.logger.Warn("web quota persist failed", "error", err)
	}
	q.logger.Debug("web tool use charged", "used", day.Used, "limit", q.limit)
	return nil
}

// Remaining reports today's unused budget.
func (q *FileWebQuota) Remaining(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	day := q.days[DayKey(q.now())]
	if day == nil {
		return q.limit
	}
	if day.Used >= q.limit {
		return 0
	}
	return q.limit - day.Used
}

// persist writes the whole map atomically (temp file + rename).
func (q *FileWebQuota) persist() error {
	data, err := json.MarshalIndent(q.days, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(q.path, data)
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path. Rename within one directory is atomic on POSIX.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

var _ WebQuota = (*FileWebQuota)(nil)
