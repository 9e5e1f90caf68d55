package linger

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ChannelStats tracks how proactive engagement attempts in one channel have
// fared. Persisted next to the follow-up book so the numbers survive
// restarts.
type ChannelStats struct {
	TotalAttempts      int    `json:"total_attempts"`
	SuccessfulAttempts int    `json:"successful_attempts"`
	LastUpdated        string `json:"last_updated"`
}

// SuccessRate returns successful/total, or 0.5 when the channel has no
// history yet. The optimistic prior lets new channels clear the proactive
// gating threshold until real data accumulates.
func (s ChannelStats) SuccessRate() float64 {
	if s.TotalAttempts == 0 {
		return 0.5
	}
	return float64(s.SuccessfulAttempts) / float64(s.TotalAttempts)
}

// RecordAttempt counts one proactive attempt.
func (s *ChannelStats) RecordAttempt(now time.Time) {
	s.TotalAttempts++
	s.LastUpdated = now.UTC().Format(time.RFC3339)
}

// RecordSuccess counts one attempt that drew user activity.
func (s *ChannelStats) RecordSuccess(now time.Time) {
	s.SuccessfulAttempts++
	s.LastUpdated = now.UTC().Format(time.RFC3339)
}

// LoadChannelStats reads the stats file at path. A missing file is zeroed
// stats; a corrupt file is treated the same (the counters are advisory).
func LoadChannelStats(path string) (ChannelStats, error) {
	var s ChannelStats
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("channel stats: read: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return ChannelStats{}, nil
	}
	return s, nil
}

// SaveChannelStats writes the stats file atomically (temp file, rename).
func SaveChannelStats(path string, s ChannelStats) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("channel stats: marshal: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("channel stats: write: %w", err)
	}
	return nil
}
