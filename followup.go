package linger

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// DefaultFollowupMaxAge is how long completed follow-ups are kept before
// maintenance prunes them.
const DefaultFollowupMaxAge = 14 * 24 * time.Hour

// FollowupPriority is the three-level urgency of a follow-up record.
type FollowupPriority string

const (
	PriorityLow    FollowupPriority = "low"
	PriorityMedium FollowupPriority = "medium"
	PriorityHigh   FollowupPriority = "high"
)

// UnmarshalJSON accepts the enum names case-insensitively and tolerates
// numeric priorities, which models occasionally write despite the schema.
// Anything unrecognizable lands on medium rather than failing the book.
func (p *FollowupPriority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "high":
			*p = PriorityHigh
		case "low":
			*p = PriorityLow
		default:
			*p = PriorityMedium
		}
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		switch {
		case n > 0.66:
			*p = PriorityHigh
		case n > 0.33:
			*p = PriorityMedium
		default:
			*p = PriorityLow
		}
		return nil
	}
	*p = PriorityMedium
	return nil
}

// Score maps the enum onto [0,1] for threshold comparison: low 0.25,
// medium 0.5, high 1.
func (p FollowupPriority) Score() float64 {
	switch p {
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 0.25
	default:
		return 0.5
	}
}

// FollowupRecord is one commitment the bot intends to check in on. The
// model writes these through the memory tool, so dates are ISO 8601
// strings and parsing must stay tolerant.
type FollowupRecord struct {
	ID            string           `json:"id"`
	UserID        string           `json:"user_id"`
	UserName      string           `json:"user_name"`
	ChannelID     string           `json:"channel_id"`
	Event         string           `json:"event"`
	Context       string           `json:"context,omitempty"`
	MentionedDate string           `json:"mentioned_date"`
	FollowUpAfter string           `json:"follow_up_after"`
	Priority      FollowupPriority `json:"priority"`
	CompletedDate string           `json:"completed_date,omitempty"`
}

// After returns the parsed follow_up_after time.
func (r FollowupRecord) After() (time.Time, error) {
	return parseLooseTime(r.FollowUpAfter)
}

// Mentioned returns the parsed mentioned_date time.
func (r FollowupRecord) Mentioned() (time.Time, error) {
	return parseLooseTime(r.MentionedDate)
}

// parseLooseTime accepts RFC 3339 or bare dates, which is what models
// actually produce.
func parseLooseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}

// FollowupFile is the on-disk shape of followups.json: persisted states
// are pending and completed only.
type FollowupFile struct {
	Pending   []FollowupRecord `json:"pending"`
	Completed []FollowupRecord `json:"completed"`
}

// LoadFollowups reads path. A missing file is an empty book. A bare JSON
// array is accepted as a pending list, since models sometimes write that.
func LoadFollowups(path string) (FollowupFile, error) {
	var f FollowupFile
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return f, fmt.Errorf("followups: read: %w", err)
	}
	if err := json.Unmarshal(data, &f); err != nil {
		var pending []FollowupRecord
		if err2 := json.Unmarshal(data, &pending); err2 != nil {
			return FollowupFile{}, fmt.Errorf("followups: parse %s: %w", path, err)
		}
		f = FollowupFile{Pending: pending}
	}
	return f, nil
}

// SaveFollowups writes the whole file atomically (temp file, rename).
func SaveFollowups(path string, f FollowupFile) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("followups: marshal: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("followups: write: %w", err)
	}
	return nil
}

// Due returns pending records whose follow_up_after has passed and whose
// priority meets threshold, highest priority first. Records with
// unparseable dates are skipped.
func (f *FollowupFile) Due(now time.Time, threshold float64) []FollowupRecord {
	var due []FollowupRecord
	for _, r := range f.Pending {
		after, err := r.After()
		if err != nil || after.After(now) {
			continue
		}
		if r.Priority.Score() < threshold {
			continue
		}
		due = append(due, r)
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].Priority.Score() > due[j].Priority.Score() })
	return due
}

// Complete moves the pending record with the given ID to completed,
// stamping completed_date. It reports whether the record was found.
func (f *FollowupFile) Complete(id string, now time.Time) bool {
	for i, r := range f.Pending {
		if r.ID != id {
			continue
		}
		r.CompletedDate = now.UTC().Format(time.RFC3339)
		f.Pending = append(f.Pending[:i], f.Pending[i+1:]...)
		f.Completed = append(f.Completed, r)
		return true
	}
	return false
}

// Prune drops completed records older than maxAge and pending records
// whose due time is more than twice maxAge in the past (they were never
// dispatchable and will not become so). Unparseable records are dropped.
// Returns how many records were removed.
func (f *FollowupFile) Prune(now time.Time, maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DefaultFollowupMaxAge
	}
	cutoff := now.Add(-maxAge)
	pendingCutoff := now.Add(-2 * maxAge)
	removed := 0

	kept := f.Completed[:0]
	for _, r := range f.Completed {
		done, err := parseLooseTime(r.CompletedDate)
		if err != nil || done.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	f.Completed = kept

	keptP := f.Pending[:0]
	for _, r := range f.Pending {
		after, err := r.After()
		if err != nil || after.Before(pendingCutoff) {
			removed++
			continue
		}
		keptP = append(keptP, r)
	}
	f.Pending = keptP
	return removed
}
