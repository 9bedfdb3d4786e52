// Package cache keeps short-lived, disposable projections of the local
// store: a chat-list snapshot and a per-chat last-message snapshot. Entries
// are never authoritative; a miss just means the caller recomputes from the
// durable store.
package cache

import (
	"sync"
	"time"

	"github.com/glowingkitty/matesync/internal/client/models"
)

// DefaultTTL is the staleness window after which an entry expires even if it
// was never explicitly invalidated.
const DefaultTTL = 5 * time.Minute

type chatListEntry struct {
	chats    []models.Chat
	storedAt time.Time
	dirty    bool
}

type lastMessageEntry struct {
	message  *models.Message
	storedAt time.Time
	dirty    bool
}

// Cache holds the two independent snapshots.
type Cache struct {
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time

	chatList     *chatListEntry
	lastMessages map[string]*lastMessageEntry
}

// New returns a cache with the given TTL (DefaultTTL when <= 0).
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:          ttl,
		now:          time.Now,
		lastMessages: make(map[string]*lastMessageEntry),
	}
}

// ChatList returns the cached snapshot, or nil when the entry is missing,
// dirty, expired, or force is set.
func (c *Cache) ChatList(force bool) []models.Chat {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.chatList
	if force || e == nil || e.dirty || c.now().Sub(e.storedAt) > c.ttl {
		return nil
	}
	return e.chats
}

// SetChatList stores a fresh snapshot.
func (c *Cache) SetChatList(chats []models.Chat) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chatList = &chatListEntry{chats: chats, storedAt: c.now()}
}

// LastMessage returns the cached last message of a chat under the same
// freshness rules as ChatList.
func (c *Cache) LastMessage(chatID string, force bool) *models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.lastMessages[chatID]
	if force || e == nil || e.dirty || c.now().Sub(e.storedAt) > c.ttl {
		return nil
	}
	return e.message
}

// SetLastMessage stores the last-message snapshot for a chat.
func (c *Cache) SetLastMessage(chatID string, m *models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastMessages[chatID] = &lastMessageEntry{message: m, storedAt: c.now()}
}

// InvalidateChat marks both snapshots touching the chat as dirty. Mutators
// call this before publishing any UI-refresh event so a stale read cannot
// win a race against the invalidation.
func (c *Cache) InvalidateChat(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chatList != nil {
		c.chatList.dirty = true
	}
	if e, ok := c.lastMessages[chatID]; ok {
		e.dirty = true
	}
}

// InvalidateAll marks every entry dirty (used after an initial sync merge).
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chatList != nil {
		c.chatList.dirty = true
	}
	for _, e := range c.lastMessages {
		e.dirty = true
	}
}
