package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/lingerbot/linger"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func msg(id, channel, author, text string, ts int64) linger.Message {
	return linger.Message{
		ID:         id,
		ChannelID:  channel,
		ServerID:   "srv-1",
		AuthorID:   author,
		AuthorName: "user-" + author,
		Text:       text,
		Timestamp:  ts,
	}
}

func TestInitIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "init.db"))
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestPutAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	m := msg("m1", "chan-1", "a", "hello there", 1000)
	m.Attachments = []linger.Attachment{{URL: "http://x/y.png", Filename: "y.png", ContentType: "image/png", Size: 42}}
	m.Reactions = []linger.Reaction{{Emoji: "👍", Count: 2}}
	if err := s.Put(ctx, m); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, "m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Text != "hello there" || got.ChannelID != "chan-1" {
		t.Errorf("unexpected message: %+v", got)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].Filename != "y.png" {
		t.Errorf("attachments not round-tripped: %+v", got.Attachments)
	}
	if len(got.Reactions) != 1 || got.Reactions[0].Count != 2 {
		t.Errorf("reactions not round-tripped: %+v", got.Reactions)
	}
}

func TestGetNotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, linger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutReplacesAndReindexes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, msg("m1", "chan-1", "a", "original wording", 1000)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	edited := msg("m1", "chan-1", "a", "edited banana", 1000)
	if err := s.Put(ctx, edited); err != nil {
		t.Fatalf("Put edit: %v", err)
	}

	got, _ := s.Get(ctx, "m1")
	if got.Text != "edited banana" {
		t.Errorf("expected edited text, got %q", got.Text)
	}

	// Old text must no longer match; new text must.
	refs, err := s.Search(ctx, linger.SearchOptions{Query: "original"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(refs) != 0 {
		t.Errorf("stale index entry survived edit: %v", refs)
	}
	refs, _ = s.Search(ctx, linger.SearchOptions{Query: "banana"})
	if len(refs) != 1 || refs[0].ID != "m1" {
		t.Errorf("expected edited text to match, got %v", refs)
	}
}

func TestDeleteIdempotentAndDeindexes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, msg("m1", "chan-1", "a", "ephemeral zebra", 1000)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(ctx, "m1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "m1"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	refs, _ := s.Search(ctx, linger.SearchOptions{Query: "zebra"})
	if len(refs) != 0 {
		t.Errorf("deleted message still in index: %v", refs)
	}
}

func TestGetRecentAndFirst(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		m := msg(fmt.Sprintf("m%d", i), "chan-1", "a", fmt.Sprintf("text %d", i), int64(1000+i))
		if err := s.Put(ctx, m); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	// Other-channel noise.
	if err := s.Put(ctx, msg("x1", "chan-2", "b", "elsewhere", 1100)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	recent, err := s.GetRecent(ctx, "chan-1", 3)
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	if len(recent) != 3 || recent[0].ID != "m4" || recent[2].ID != "m2" {
		t.Errorf("GetRecent order wrong: %v", ids(recent))
	}

	first, err := s.GetFirst(ctx, "chan-1", 2)
	if err != nil {
		t.Fatalf("GetFirst: %v", err)
	}
	if len(first) != 2 || first[0].ID != "m0" || first[1].ID != "m1" {
		t.Errorf("GetFirst order wrong: %v", ids(first))
	}
}

func TestGetAround(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		if err := s.Put(ctx, msg(fmt.Sprintf("m%d", i), "chan-1", "a", "t", int64(1000+i))); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	got, err := s.GetAround(ctx, "m3", 2)
	if err != nil {
		t.Fatalf("GetAround: %v", err)
	}
	want := []string{"m1", "m2", "m3", "m4", "m5"}
	if fmt.Sprint(ids(got)) != fmt.Sprint(want) {
		t.Errorf("GetAround = %v, want %v", ids(got), want)
	}

	// Near the start of the channel the left side just shrinks.
	got, _ = s.GetAround(ctx, "m0", 2)
	if len(got) != 3 || got[0].ID != "m0" {
		t.Errorf("GetAround at start = %v", ids(got))
	}
}

func TestGetRange(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.Put(ctx, msg(fmt.Sprintf("m%d", i), "chan-1", "a", "t", int64(1000+i))); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	s.Put(ctx, msg("other", "chan-2", "a", "t", 1002))

	got, err := s.GetRange(ctx, "m1", "m3")
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	if fmt.Sprint(ids(got)) != fmt.Sprint([]string{"m1", "m2", "m3"}) {
		t.Errorf("GetRange = %v", ids(got))
	}

	// Reversed bounds are normalized.
	got, _ = s.GetRange(ctx, "m3", "m1")
	if len(got) != 3 {
		t.Errorf("reversed GetRange = %v", ids(got))
	}

	if _, err := s.GetRange(ctx, "m1", "other"); err == nil {
		t.Error("expected error for cross-channel range")
	}
}

func TestSearchFilters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	put := func(id, channel, author, text string, ts int64) {
		t.Helper()
		m := msg(id, channel, author, text, ts)
		if err := s.Put(ctx, m); err != nil {
			t.Fatalf("Put %s: %v", id, err)
		}
	}
	put("m1", "chan-1", "alice", "the quick brown fox", 1000)
	put("m2", "chan-1", "bob", "lazy dogs sleep all day", 2000)
	put("m3", "chan-2", "alice", "a quick nap for the dogs", 3000)

	refs, err := s.Search(ctx, linger.SearchOptions{Query: "quick"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(refs))
	}
	// Refs never carry text.
	if refs[0].AuthorName == "" || refs[0].Timestamp == 0 {
		t.Errorf("ref missing metadata: %+v", refs[0])
	}

	refs, _ = s.Search(ctx, linger.SearchOptions{Query: "quick", ChannelID: "chan-2"})
	if len(refs) != 1 || refs[0].ID != "m3" {
		t.Errorf("channel filter: got %v", refs)
	}

	refs, _ = s.Search(ctx, linger.SearchOptions{Query: "dogs", AuthorID: "bob"})
	if len(refs) != 1 || refs[0].ID != "m2" {
		t.Errorf("author filter: got %v", refs)
	}

	refs, _ = s.Search(ctx, linger.SearchOptions{Query: "quick", Since: 1500})
	if len(refs) != 1 || refs[0].ID != "m3" {
		t.Errorf("since filter: got %v", refs)
	}

	refs, _ = s.Search(ctx, linger.SearchOptions{Query: "quick", Until: 1500})
	if len(refs) != 1 || refs[0].ID != "m1" {
		t.Errorf("until filter: got %v", refs)
	}

	refs, _ = s.Search(ctx, linger.SearchOptions{Query: "dogs", Limit: 1})
	if len(refs) != 1 {
		t.Errorf("limit: got %d hits", len(refs))
	}
}

func TestSearchHostileQuery(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.Put(ctx, msg("m1", "chan-1", "a", "plain text here", 1000))

	// FTS operator syntax in user input must not error.
	for _, q := range []string{`AND OR NOT`, `"unbalanced`, `col:value`, `x*`, `(paren`} {
		if _, err := s.Search(ctx, linger.SearchOptions{Query: q}); err != nil {
			t.Errorf("Search(%q) errored: %v", q, err)
		}
	}

	refs, err := s.Search(ctx, linger.SearchOptions{Query: "   "})
	if err != nil || refs != nil {
		t.Errorf("blank query: got %v, %v", refs, err)
	}
}

func TestSearchNormalizesQuery(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.Put(ctx, msg("m1", "chan-1", "a", "deploy finished", 1000))

	// Fullwidth compatibility forms fold to ASCII before matching.
	refs, err := s.Search(ctx, linger.SearchOptions{Query: "ｄｅｐｌｏｙ"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(refs) != 1 || refs[0].ID != "m1" {
		t.Errorf("fullwidth query: got %v, want m1", refs)
	}
}

func TestBackfillIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	batch := []linger.Message{
		msg("m1", "chan-1", "a", "one", 1000),
		msg("m2", "chan-1", "a", "two", 1001),
		msg("m3", "chan-1", "b", "three", 1002),
	}
	if err := s.Backfill(ctx, batch); err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if err := s.Backfill(ctx, batch); err != nil {
		t.Fatalf("second Backfill: %v", err)
	}

	got, _ := s.GetRecent(ctx, "chan-1", 10)
	if len(got) != 3 {
		t.Fatalf("expected 3 messages after double backfill, got %d", len(got))
	}
	refs, _ := s.Search(ctx, linger.SearchOptions{Query: "two"})
	if len(refs) != 1 {
		t.Errorf("expected 1 index entry after double backfill, got %d", len(refs))
	}
}

func TestConcurrentPuts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := msg(fmt.Sprintf("m%d", i), "chan-1", "a", fmt.Sprintf("text %d", i), int64(1000+i))
			if err := s.Put(ctx, m); err != nil {
				t.Errorf("Put: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, err := s.GetRecent(ctx, "chan-1", 100)
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	if len(got) != 20 {
		t.Fatalf("expected 20 messages, got %d", len(got))
	}
}

func ids(msgs []linger.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
