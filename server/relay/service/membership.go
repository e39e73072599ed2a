package service

import (
	"sync"

	commonlog "chat_relay/server/common/log"
	"chat_relay/server/relay/domain"
)

// MembershipCache is the in-memory index from chat ID to its member set.
// It is built once from a storage bulk load and kept current by domain
// events; single writer (the event consumer), many concurrent readers.
type MembershipCache struct {
	mu    sync.RWMutex
	chats map[string]map[string]struct{}
}

func NewMembershipCache() *MembershipCache {
	return &MembershipCache{chats: map[string]map[string]struct{}{}}
}

// Initialize clears the index and rebuilds it from a bulk load of
// (chatID, userID) rows. Safe to call again; it always starts from empty.
func (c *MembershipCache) Initialize(rows []domain.MembershipRow) {
	index := map[string]map[string]struct{}{}
	for _, row := range rows {
		if index[row.ChatID] == nil {
			index[row.ChatID] = map[string]struct{}{}
		}
		if row.UserID != "" {
			index[row.ChatID][row.UserID] = struct{}{}
		}
	}

	c.mu.Lock()
	c.chats = index
	c.mu.Unlock()
	commonlog.Infof("event=membership_cache action=initialize chats=%d rows=%d", len(index), len(rows))
}

// MembersOf returns a copy of the chat's member set. Unknown chats yield
// an empty slice, never an error: for routing purposes "no chat" and
// "chat with no members" are the same thing.
func (c *MembershipCache) MembersOf(chatID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	members := c.chats[chatID]
	if len(members) == 0 {
		return nil
	}
	result := make([]string, 0, len(members))
	for userID := range members {
		result = append(result, userID)
	}
	return result
}

func (c *MembershipCache) IsMember(chatID, userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.chats[chatID][userID]
	return ok
}

func (c *MembershipCache) ChatExists(chatID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.chats[chatID]
	return ok
}

// HandleEvent is the bus subscription point. Every handler is idempotent:
// replaying an event leaves the index unchanged.
func (c *MembershipCache) HandleEvent(evt domain.Event) {
	switch e := evt.(type) {
	case domain.ChatCreated:
		c.OnChatCreated(e.ChatID, e.MemberIDs)
	case domain.ChatDeleted:
		c.OnChatDeleted(e.ChatID)
	case domain.MemberAdded:
		c.OnMemberAdded(e.ChatID, e.UserID)
	case domain.MemberRemoved:
		c.OnMemberRemoved(e.ChatID, e.UserID)
	}
}

func (c *MembershipCache) OnChatCreated(chatID string, memberIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chats[chatID] == nil {
		c.chats[chatID] = map[string]struct{}{}
	}
	for _, userID := range memberIDs {
		if userID != "" {
			c.chats[chatID][userID] = struct{}{}
		}
	}
}

func (c *MembershipCache) OnChatDeleted(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.chats, chatID)
}

// OnMemberAdded creates the chat entry implicitly when the chat is
// unknown. That keeps the cache eventually consistent when a ChatCreated
// event was lost or reordered; the warning makes the healing observable.
func (c *MembershipCache) OnMemberAdded(chatID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chats[chatID] == nil {
		commonlog.Warnf("event=membership_cache action=member_added status=implicit_chat_create chat_id=%s user_id=%s", chatID, userID)
		c.chats[chatID] = map[string]struct{}{}
	}
	c.chats[chatID][userID] = struct{}{}
}

func (c *MembershipCache) OnMemberRemoved(chatID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chats[chatID] == nil {
		commonlog.Warnf("event=membership_cache action=member_removed status=implicit_chat_create chat_id=%s user_id=%s", chatID, userID)
		c.chats[chatID] = map[string]struct{}{}
		return
	}
	delete(c.chats[chatID], userID)
}
