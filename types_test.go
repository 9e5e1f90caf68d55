package linger

import (
	"testing"
	"time"
)

func TestMomentumString(t *testing.T) {
	cases := []struct {
		m    Momentum
		want string
	}{
		{MomentumCold, "cold"},
		{MomentumWarm, "warm"},
		{MomentumHot, "hot"},
	}
	for _, tc := range cases {
		if got := tc.m.String(); got != tc.want {
			t.Errorf("Momentum(%d).String() = %q, want %q", tc.m, got, tc.want)
		}
	}
}

func TestMomentumOf(t *testing.T) {
	now := time.Now()
	base := now.UnixMilli()
	window := func(gap time.Duration, n int) []Message {
		msgs := make([]Message, n)
		for i := range msgs {
			msgs[i] = Message{ID: "m", Timestamp: base - int64(i)*gap.Milliseconds()}
		}
		return msgs
	}

	cases := []struct {
		name string
		msgs []Message
		want Momentum
	}{
		{"empty", nil, MomentumCold},
		{"single", window(time.Minute, 1), MomentumCold},
		{"rapid", window(5*time.Minute, 3), MomentumHot},
		{"steady", window(50*time.Minute, 3), MomentumWarm},
		{"sparse", window(2*time.Hour, 3), MomentumCold},
	}
	for _, tc := range cases {
		if got := MomentumOf(tc.msgs); got != tc.want {
			t.Errorf("%s: MomentumOf = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestChatMessageConstructors(t *testing.T) {
	u := UserMessage("hello")
	if u.Role != "user" || u.Content != "hello" {
		t.Errorf("UserMessage = %+v", u)
	}
	a := AssistantMessage("hi")
	if a.Role != "assistant" || a.Content != "hi" {
		t.Errorf("AssistantMessage = %+v", a)
	}
	outputs := []ToolOutput{{CallID: "c1", Content: "ok"}}
	tr := ToolResultsMessage(outputs)
	if tr.Role != "user" || len(tr.ToolResults) != 1 || tr.ToolResults[0].CallID != "c1" {
		t.Errorf("ToolResultsMessage = %+v", tr)
	}
}
