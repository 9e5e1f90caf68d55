package discord

import (
	"strings"

	"github.com/bwmarrin/discordgo"

	linger "github.com/lingerbot/linger"
)

// displayName picks the best human-readable name for a message author:
// server nickname, then global display name, then account username.
func displayName(u *discordgo.User, member *discordgo.Member) string {
	if member != nil && member.Nick != "" {
		return member.Nick
	}
	if u == nil {
		return ""
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// resolveMentions replaces raw Discord mention syntax (<@ID> and <@!ID>)
// with readable display names using the resolved User objects Discord
// provides alongside the message.
func resolveMentions(content string, mentions []*discordgo.User) string {
	for _, u := range mentions {
		name := u.GlobalName
		if name == "" {
			name = u.Username
		}
		content = strings.ReplaceAll(content, "<@"+u.ID+">", "@"+name)
		content = strings.ReplaceAll(content, "<@!"+u.ID+">", "@"+name)
	}
	return content
}

// mentionsUser reports whether the message mentions the given user ID,
// either through the resolved mention list or raw mention syntax.
func mentionsUser(m *discordgo.Message, userID string) bool {
	for _, u := range m.Mentions {
		if u.ID == userID {
			return true
		}
	}
	return strings.Contains(m.Content, "<@"+userID+">") ||
		strings.Contains(m.Content, "<@!"+userID+">")
}

// repliesTo reports whether the message is a formal reply to a message
// authored by the given user ID.
func repliesTo(m *discordgo.Message, userID string) bool {
	return m.ReferencedMessage != nil &&
		m.ReferencedMessage.Author != nil &&
		m.ReferencedMessage.Author.ID == userID
}

// isForward reports whether the message relays content from another
// channel. Forwards carry a cross-channel reference whose original
// content may be unreadable to the bot.
func isForward(m *discordgo.Message) bool {
	return m.MessageReference != nil &&
		m.MessageReference.ChannelID != "" &&
		m.MessageReference.ChannelID != m.ChannelID
}

// convertMessage maps a Discord message into the platform-neutral record.
func convertMessage(m *discordgo.Message) linger.Message {
	msg := linger.Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		ServerID:  m.GuildID,
		Text:      resolveMentions(m.Content, m.Mentions),
		Timestamp: m.Timestamp.UnixMilli(),
		Forwarded: isForward(m),
	}
	if m.Author != nil {
		msg.AuthorID = m.Author.ID
		msg.AuthorName = displayName(m.Author, m.Member)
		msg.IsBot = m.Author.Bot
	}
	if m.MessageReference != nil && !msg.Forwarded {
		msg.ReplyToID = m.MessageReference.MessageID
	}
	for _, a := range m.Attachments {
		msg.Attachments = append(msg.Attachments, linger.Attachment{
			URL:         a.URL,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        int64(a.Size),
		})
	}
	for _, r := range m.Reactions {
		msg.Reactions = append(msg.Reactions, linger.Reaction{
			Emoji: r.Emoji.Name,
			Count: r.Count,
		})
	}
	return msg
}
