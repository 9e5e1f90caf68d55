package linger

import "encoding/json"

// --- Domain types (platform records) ---

// Message is one platform message as stored and re-read by the bot.
// Timestamps are milliseconds UTC. Re-ingesting the same ID replaces the
// stored row (edits arrive as re-ingests with new text or reactions).
type Message struct {
	ID         string `json:"id"`
	ChannelID  string `json:"channel_id"`
	ServerID   string `json:"server_id"`
	AuthorID   string `json:"author_id"`
	AuthorName string `json:"author_name"`
	Text       string `json:"text"`
	Timestamp  int64  `json:"timestamp"`
	IsBot      bool   `json:"is_bot"`
	ReplyToID  string `json:"reply_to_id,omitempty"`
	// Forwarded marks a message relayed from elsewhere whose original
	// content may be unavailable to the bot.
	Forwarded   bool         `json:"forwarded,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Reactions   []Reaction   `json:"reactions,omitempty"`
}

// Attachment is a file carried by a message.
type Attachment struct {
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Reaction is an emoji reaction with its count.
type Reaction struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"`
}

// MessageRef is a search hit: identity and metadata only, never text.
// Callers fetch text separately (GetAround, GetRange) so that search
// results stay cheap to hand to the LLM.
type MessageRef struct {
	ID         string `json:"id"`
	ChannelID  string `json:"channel_id"`
	AuthorID   string `json:"author_id"`
	AuthorName string `json:"author_name"`
	Timestamp  int64  `json:"timestamp"`
}

// ChannelInfo describes a channel the bot can observe.
type ChannelInfo struct {
	ID       string `json:"id"`
	ServerID string `json:"server_id"`
	Name     string `json:"name"`
	IsText   bool   `json:"is_text"`
}

// Momentum classifies conversational pace in a channel.
type Momentum int

const (
	MomentumCold Momentum = iota
	MomentumWarm
	MomentumHot
)

// String returns the momentum name.
func (m Momentum) String() string {
	switch m {
	case MomentumHot:
		return "hot"
	case MomentumWarm:
		return "warm"
	default:
		return "cold"
	}
}

// --- LLM protocol types ---

// ChatMessage is one turn in an LLM conversation. A turn holds either
// plain text, text plus images, an assistant turn with tool calls, or a
// user turn carrying tool results back to the model.
type ChatMessage struct {
	Role        string       `json:"role"` // "user" or "assistant"
	Content     string       `json:"content"`
	Images      []ImageData  `json:"images,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolOutput `json:"tool_results,omitempty"`
}

// ImageData is an inline base64 image for vision-capable models.
type ImageData struct {
	MimeType string `json:"mime_type"`
	Base64   string `json:"base64"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolOutput carries one tool result back to the model.
type ToolOutput struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ThinkingConfig enables extended thinking with a token budget.
type ThinkingConfig struct {
	BudgetTokens int `json:"budget_tokens"`
}

// WebToolConfig enables provider-side web tools on a request.
// MaxUses bounds uses within a single request; domain filters pass
// through to the provider.
type WebToolConfig struct {
	MaxUses        int      `json:"max_uses"`
	AllowedDomains []string `json:"allowed_domains,omitempty"`
	BlockedDomains []string `json:"blocked_domains,omitempty"`
}

// ChatRequest is a provider-agnostic LLM request.
type ChatRequest struct {
	System      string           `json:"system,omitempty"`
	CacheSystem bool             `json:"cache_system,omitempty"`
	Messages    []ChatMessage    `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Thinking    *ThinkingConfig  `json:"thinking,omitempty"`
	WebTools    *WebToolConfig   `json:"web_tools,omitempty"`
}

// StopReason reports why the model ended its message.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// Citation is a source reference attached by a provider-side web tool.
type Citation struct {
	Title     string `json:"title"`
	URL       string `json:"url"`
	CitedText string `json:"cited_text,omitempty"`
}

// ChatResponse is a provider-agnostic LLM response.
type ChatResponse struct {
	Content        string     `json:"content"`
	Thinking       string     `json:"thinking,omitempty"`
	ToolCalls      []ToolCall `json:"tool_calls,omitempty"`
	ServerToolUses int        `json:"server_tool_uses,omitempty"`
	Citations      []Citation `json:"citations,omitempty"`
	StopReason     StopReason `json:"stop_reason"`
	Usage          Usage      `json:"usage"`
}

// Usage is token accounting for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolDefinition describes a client-side tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ToolResult is the outcome of executing a client-side tool. A non-empty
// Error is model-facing text, not a Go error: the loop hands it back as an
// errored tool result so the model can recover.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

// ToolResultsMessage bundles every result from one loop iteration into a
// single user turn, which is how the provider expects them back.
func ToolResultsMessage(outputs []ToolOutput) ChatMessage {
	return ChatMessage{Role: "user", ToolResults: outputs}
}
