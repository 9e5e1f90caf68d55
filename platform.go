package linger

import "context"

// EventKind identifies a platform event.
type EventKind int

const (
	// EventMessage is a newly created message.
	EventMessage EventKind = iota
	// EventEdit is an edit to an existing message (full new content).
	EventEdit
	// EventDelete removes a message.
	EventDelete
	// EventReaction is a reaction added to a message.
	EventReaction
)

// Event is one inbound platform occurrence. Message is set for
// EventMessage and EventEdit; for EventDelete only MessageID and
// ChannelID are reliable; Reaction is set for EventReaction.
type Event struct {
	Kind      EventKind
	Message   *Message
	MessageID string
	ChannelID string
	ServerID  string
	Reaction  *ReactionEvent
	// Mentioned is true when the message mentions the bot directly.
	Mentioned bool
	// RepliedTo is true when the message replies to one of the bot's.
	RepliedTo bool
}

// ReactionEvent is a single reaction added by a user.
type ReactionEvent struct {
	MessageID string
	ChannelID string
	UserID    string
	Emoji     string
}

// Platform abstracts the chat platform gateway (Discord-shaped: servers
// contain channels, messages carry replies, reactions, attachments).
type Platform interface {
	// Listen opens the gateway and returns the event stream. The channel
	// closes when ctx is cancelled.
	Listen(ctx context.Context) (<-chan Event, error)
	// Send posts a message, returning the new message ID.
	Send(ctx context.Context, channelID, text string) (string, error)
	// SendReply posts a message as a formal reply to another.
	SendReply(ctx context.Context, channelID, replyToID, text string) (string, error)
	// SendTyping shows a typing indicator until the next send.
	SendTyping(ctx context.Context, channelID string) error
	// FetchMessage retrieves a single message (reply-chain walking).
	FetchMessage(ctx context.Context, channelID, messageID string) (Message, error)
	// History pages backward through a channel, newest first, starting
	// before the given message ID ("" = from the latest).
	History(ctx context.Context, channelID, beforeID string, limit int) ([]Message, error)
	// Channels lists the text channels of a server.
	Channels(ctx context.Context, serverID string) ([]ChannelInfo, error)
	// Download fetches an attachment by URL, bounded by the platform's
	// configured size cap.
	Download(ctx context.Context, url string) ([]byte, error)
	// BotUser returns the bot's own user ID and display name.
	BotUser() (id, name string)
}
