package linger

import (
	"regexp"
	"sync"
)

var mentionPattern = regexp.MustCompile(`<@!?(\d+)>`)

// UserInfo is one known user.
type UserInfo struct {
	ID          string
	Username    string
	DisplayName string
	// LastSeen is the unix-millisecond timestamp of the user's most
	// recent observed message.
	LastSeen int64
}

// Name returns the display name, falling back to the username.
func (u UserInfo) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// UserCache remembers every user seen in message traffic. It resolves
// raw platform mention tokens into readable names for model-facing text
// and answers recency queries for proactive engagement.
type UserCache struct {
	mu    sync.RWMutex
	users map[string]UserInfo
}

func NewUserCache() *UserCache {
	return &UserCache{users: make(map[string]UserInfo)}
}

// Observe records or refreshes a user. Zero ts keeps the previous
// LastSeen; empty names keep previous values.
func (c *UserCache) Observe(id, username, displayName string, ts int64) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	u := c.users[id]
	u.ID = id
	if username != "" {
		u.Username = username
	}
	if displayName != "" {
		u.DisplayName = displayName
	}
	if ts > u.LastSeen {
		u.LastSeen = ts
	}
	c.users[id] = u
}

// Lookup returns the cached record for id.
func (c *UserCache) Lookup(id string) (UserInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[id]
	return u, ok
}

// LastSeen returns the most recent activity timestamp for id, or zero
// when the user is unknown.
func (c *UserCache) LastSeen(id string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.users[id].LastSeen
}

// ResolveMentions rewrites <@id> and <@!id> tokens to @name for every
// user the cache knows. Unknown IDs pass through unchanged.
func (c *UserCache) ResolveMentions(text string) string {
	if text == "" {
		return text
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return mentionPattern.ReplaceAllStringFunc(text, func(tok string) string {
		id := mentionPattern.FindStringSubmatch(tok)[1]
		u, ok := c.users[id]
		if !ok {
			return tok
		}
		return "@" + u.Name()
	})
}
