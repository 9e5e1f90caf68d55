package linger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// memStore is an in-memory MessageStore for engine and builder tests.
type memStore struct {
	mu       sync.Mutex
	messages map[string]Message
}

func newMemStore() *memStore {
	return &memStore{messages: make(map[string]Message)}
}

func (s *memStore) Put(_ context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = m
	return nil
}

func (s *memStore) Delete(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, messageID)
	return nil
}

func (s *memStore) Get(_ context.Context, messageID string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return Message{}, ErrNotFound
	}
	return m, nil
}

// channel returns the channel's messages oldest first.
func (s *memStore) channel(channelID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var msgs []Message
	for _, m := range s.messages {
		if m.ChannelID == channelID {
			msgs = append(msgs, m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs
}

func (s *memStore) GetRecent(_ context.Context, channelID string, limit int) ([]Message, error) {
	msgs := s.channel(channelID)
	// newest first
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (s *memStore) GetFirst(_ context.Context, channelID string, limit int) ([]Message, error) {
	msgs := s.channel(channelID)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (s *memStore) GetAround(_ context.Context, messageID string, span int) ([]Message, error) {
	s.mu.Lock()
	center, ok := s.messages[messageID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	msgs := s.channel(center.ChannelID)
	idx := -1
	for i, m := range msgs {
		if m.ID == messageID {
			idx = i
			break
		}
	}
	lo := idx - span
	if lo < 0 {
		lo = 0
	}
	hi := idx + span + 1
	if hi > len(msgs) {
		hi = len(msgs)
	}
	return msgs[lo:hi], nil
}

func (s *memStore) GetRange(_ context.Context, fromID, toID string) ([]Message, error) {
	s.mu.Lock()
	from, ok1 := s.messages[fromID]
	to, ok2 := s.messages[toID]
	s.mu.Unlock()
	if !ok1 || !ok2 {
		return nil, ErrNotFound
	}
	lo, hi := from.Timestamp, to.Timestamp
	if lo > hi {
		lo, hi = hi, lo
	}
	var out []Message
	for _, m := range s.channel(from.ChannelID) {
		if m.Timestamp >= lo && m.Timestamp <= hi {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) Search(_ context.Context, opts SearchOptions) ([]MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var refs []MessageRef
	for _, m := range s.messages {
		if !strings.Contains(m.Text, opts.Query) {
			continue
		}
		refs = append(refs, MessageRef{
			ID: m.ID, ChannelID: m.ChannelID,
			AuthorID: m.AuthorID, AuthorName: m.AuthorName,
			Timestamp: m.Timestamp,
		})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Timestamp > refs[j].Timestamp })
	if opts.Limit > 0 && len(refs) > opts.Limit {
		refs = refs[:opts.Limit]
	}
	return refs, nil
}

func (s *memStore) Backfill(ctx context.Context, msgs []Message) error {
	for _, m := range msgs {
		if err := s.Put(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *memStore) Init(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

func (s *memStore) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.messages[id]
	return ok
}

var _ MessageStore = (*memStore)(nil)

// sentMessage is one outgoing send recorded by fakePlatform.
type sentMessage struct {
	ChannelID string
	ReplyToID string
	Text      string
}

// fakePlatform records sends and serves canned fetches.
type fakePlatform struct {
	mu      sync.Mutex
	sent    []sentMessage
	fetch   map[string]Message // messageID → message for FetchMessage
	nextID  int
	botID   string
	botName string
	events  chan Event
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		fetch:   make(map[string]Message),
		botID:   "bot-1",
		botName: "linger",
		events:  make(chan Event),
	}
}

func (p *fakePlatform) Listen(context.Context) (<-chan Event, error) { return p.events, nil }

func (p *fakePlatform) Send(_ context.Context, channelID, text string) (string, error) {
	return p.record(channelID, "", text), nil
}

func (p *fakePlatform) SendReply(_ context.Context, channelID, replyToID, text string) (string, error) {
	return p.record(channelID, replyToID, text), nil
}

func (p *fakePlatform) record(channelID, replyToID, text string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.sent = append(p.sent, sentMessage{ChannelID: channelID, ReplyToID: replyToID, Text: text})
	return fmt.Sprintf("sent-%d", p.nextID)
}

func (p *fakePlatform) sentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func (p *fakePlatform) SendTyping(context.Context, string) error { return nil }

func (p *fakePlatform) FetchMessage(_ context.Context, _, messageID string) (Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.fetch[messageID]
	if !ok {
		return Message{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	return m, nil
}

func (p *fakePlatform) History(context.Context, string, string, int) ([]Message, error) {
	return nil, nil
}

func (p *fakePlatform) Channels(context.Context, string) ([]ChannelInfo, error) {
	return nil, nil
}

func (p *fakePlatform) Download(context.Context, string) ([]byte, error) { return nil, nil }

func (p *fakePlatform) BotUser() (string, string) { return p.botID, p.botName }

var _ Platform = (*fakePlatform)(nil)

// fakeProvider pops scripted responses in order and records every request.
type fakeProvider struct {
	mu        sync.Mutex
	responses []ChatResponse
	errs      []error
	requests  []ChatRequest
}

// script queues a response; scriptErr queues a failure.
func (p *fakeProvider) script(resp ChatResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, resp)
	p.errs = append(p.errs, nil)
}

func (p *fakeProvider) scriptErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, ChatResponse{})
	p.errs = append(p.errs, err)
}

func (p *fakeProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		return ChatResponse{}, fmt.Errorf("fake provider: no scripted response for call %d", len(p.requests))
	}
	resp, err := p.responses[0], p.errs[0]
	p.responses, p.errs = p.responses[1:], p.errs[1:]
	return resp, err
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

var _ Provider = (*fakeProvider)(nil)

// textResponse is a plain end-of-turn model reply.
func textResponse(text string) ChatResponse {
	return ChatResponse{Content: text, StopReason: StopEndTurn}
}
