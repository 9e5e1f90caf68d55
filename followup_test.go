package linger

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFollowupDue(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	f := FollowupFile{Pending: []FollowupRecord{
		{ID: "a", FollowUpAfter: "2026-03-08", Priority: PriorityMedium},
		{ID: "b", FollowUpAfter: "2026-03-09T10:00:00Z", Priority: PriorityHigh},
		{ID: "c", FollowUpAfter: "2026-03-12", Priority: PriorityHigh}, // not yet
		{ID: "d", FollowUpAfter: "2026-03-08", Priority: PriorityLow},  // below threshold
		{ID: "e", FollowUpAfter: "whenever", Priority: PriorityHigh},   // unparseable
	}}

	due := f.Due(now, 0.5)
	if len(due) != 2 {
		t.Fatalf("due = %d records, want 2", len(due))
	}
	if due[0].ID != "b" || due[1].ID != "a" {
		t.Errorf("due order = %s, %s; want b, a (highest priority first)", due[0].ID, due[1].ID)
	}
}

func TestFollowupComplete(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	f := FollowupFile{Pending: []FollowupRecord{{ID: "a"}, {ID: "b"}}}

	if !f.Complete("a", now) {
		t.Fatal("Complete(a) = false, want true")
	}
	if f.Complete("a", now) {
		t.Error("completing twice must fail")
	}
	if len(f.Pending) != 1 || f.Pending[0].ID != "b" {
		t.Errorf("pending after complete = %+v", f.Pending)
	}
	if len(f.Completed) != 1 || f.Completed[0].CompletedDate != "2026-03-10T12:00:00Z" {
		t.Errorf("completed after complete = %+v", f.Completed)
	}
}

func TestFollowupPrune(t *testing.T) {
	now := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)
	f := FollowupFile{
		Pending: []FollowupRecord{
			{ID: "stale", FollowUpAfter: "2026-01-01", Priority: PriorityHigh},
			// 20 days overdue: past maxAge but inside the doubled
			// horizon pending records get.
			{ID: "lapsed", FollowUpAfter: "2026-02-28", Priority: PriorityHigh},
			{ID: "fresh", FollowUpAfter: "2026-03-19", Priority: PriorityHigh},
			{ID: "broken", FollowUpAfter: "someday", Priority: PriorityHigh},
		},
		Completed: []FollowupRecord{
			{ID: "old", CompletedDate: "2026-02-01T00:00:00Z"},
			{ID: "recent", CompletedDate: "2026-03-15T00:00:00Z"},
		},
	}

	removed := f.Prune(now, 14*24*time.Hour)
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}
	if len(f.Pending) != 2 || f.Pending[0].ID != "lapsed" || f.Pending[1].ID != "fresh" {
		t.Errorf("pending after prune = %+v", f.Pending)
	}
	if len(f.Completed) != 1 || f.Completed[0].ID != "recent" {
		t.Errorf("completed after prune = %+v", f.Completed)
	}
}

func TestFollowupSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "followups.json")
	want := FollowupFile{Pending: []FollowupRecord{{
		ID:            "f1",
		UserID:        "u1",
		UserName:      "alice",
		ChannelID:     "c1",
		Event:         "thesis defense",
		MentionedDate: "2026-03-01",
		FollowUpAfter: "2026-03-15",
		Priority:      PriorityHigh,
	}}}

	if err := SaveFollowups(path, want); err != nil {
		t.Fatalf("SaveFollowups: %v", err)
	}
	got, err := LoadFollowups(path)
	if err != nil {
		t.Fatalf("LoadFollowups: %v", err)
	}
	if len(got.Pending) != 1 || got.Pending[0] != want.Pending[0] {
		t.Errorf("round trip = %+v, want %+v", got.Pending, want.Pending)
	}
}

func TestLoadFollowupsMissing(t *testing.T) {
	f, err := LoadFollowups(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("LoadFollowups: %v", err)
	}
	if len(f.Pending) != 0 || len(f.Completed) != 0 {
		t.Errorf("missing file must load as empty book: %+v", f)
	}
}

func TestLoadFollowupsBareArray(t *testing.T) {
	// Models sometimes write the pending list as a bare array.
	path := filepath.Join(t.TempDir(), "followups.json")
	data := `[{"id":"f1","user_id":"u1","event":"exam","follow_up_after":"2026-03-15","priority":"medium"}]`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := LoadFollowups(path)
	if err != nil {
		t.Fatalf("LoadFollowups: %v", err)
	}
	if len(f.Pending) != 1 || f.Pending[0].ID != "f1" {
		t.Errorf("bare array not accepted: %+v", f)
	}
}

func TestLoadFollowupsPriorityForms(t *testing.T) {
	// The schema says low/medium/high, but models also write numbers and
	// odd strings. None of those may reject the whole book.
	path := filepath.Join(t.TempDir(), "followups.json")
	data := `{"pending":[
		{"id":"a","follow_up_after":"2026-03-15","priority":"high"},
		{"id":"b","follow_up_after":"2026-03-15","priority":"URGENT"},
		{"id":"c","follow_up_after":"2026-03-15","priority":0.9},
		{"id":"d","follow_up_after":"2026-03-15","priority":0.1}
	]}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := LoadFollowups(path)
	if err != nil {
		t.Fatalf("LoadFollowups: %v", err)
	}
	want := []FollowupPriority{PriorityHigh, PriorityMedium, PriorityHigh, PriorityLow}
	if len(f.Pending) != len(want) {
		t.Fatalf("pending = %d records, want %d", len(f.Pending), len(want))
	}
	for i, rec := range f.Pending {
		if rec.Priority != want[i] {
			t.Errorf("record %s priority = %q, want %q", rec.ID, rec.Priority, want[i])
		}
	}
}

func TestPriorityScoreOrder(t *testing.T) {
	if !(PriorityHigh.Score() > PriorityMedium.Score() && PriorityMedium.Score() > PriorityLow.Score()) {
		t.Errorf("scores not ordered: high=%v medium=%v low=%v",
			PriorityHigh.Score(), PriorityMedium.Score(), PriorityLow.Score())
	}
}

func TestLoadFollowupsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "followups.json")
	os.WriteFile(path, []byte("{nope"), 0o644)
	if _, err := LoadFollowups(path); err == nil {
		t.Error("corrupt file must error")
	}
}

func TestParseLooseTime(t *testing.T) {
	cases := []string{"2026-03-15", "2026-03-15T10:30:00", "2026-03-15T10:30:00Z"}
	for _, s := range cases {
		if _, err := parseLooseTime(s); err != nil {
			t.Errorf("parseLooseTime(%q): %v", s, err)
		}
	}
	if _, err := parseLooseTime("soonish"); err == nil {
		t.Error("parseLooseTime must reject non-dates")
	}
}
