// Package cache provides the in-memory hot path for reading a chat's
// messages. It keeps one ordered message list per chat and is the only
// state the UI reads from; the durable store exists to rebuild it.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// Stats is a snapshot of cache counters.
type Stats struct {
	Chats           int
	Messages        int
	Hits            int64
	Misses          int64
	EvictedMessages int64
}

type entry struct {
	msgs    []models.Message
	touched time.Time
}

// Cache holds per-chat ordered message lists. All methods are safe for
// concurrent use; per-chat write serialization is the session layer's job,
// the cache lock only protects its own structures.
type Cache struct {
	mu      sync.RWMutex
	chats   map[string]*entry
	retain  int
	hits    int64
	misses  int64
	evicted int64

	now func() time.Time
}

// New creates a cache that retains up to retain confirmed messages per chat
// after an eviction pass. Pending/Failed messages are exempt from eviction.
func New(retain int) *Cache {
	return &Cache{
		chats:  make(map[string]*entry),
		retain: retain,
		now:    time.Now,
	}
}

// Get returns a copy of the chat's ordered message list.
func (c *Cache) Get(chatID string) []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.chats[chatID]
	if !ok {
		c.misses++
		return nil
	}

	c.hits++
	e.touched = c.now()

	out := make([]models.Message, len(e.msgs))
	copy(out, e.msgs)

	return out
}

// Len returns the number of messages cached for a chat.
func (c *Cache) Len(chatID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.chats[chatID]
	if !ok {
		return 0
	}

	return len(e.msgs)
}

// Upsert inserts or replaces a message and re-sorts the chat's list.
// A message with a server id matching an existing entry replaces it in
// place (never a second copy); likewise for a matching local id. Position
// is recomputed from the canonical ordering on every call, so a
// late-arriving confirmation for an earlier timestamp still sorts
// correctly.
func (c *Cache) Upsert(chatID string, msg models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.upsertLocked(c.chat(chatID), msg)
}

// Replace removes the entry stored under localID and upserts msg in a
// single critical section. Used on confirmation so no reader can observe
// the list without either the placeholder or its confirmed replacement.
func (c *Cache) Replace(chatID, localID string, msg models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.chat(chatID)
	c.removeLocalLocked(e, localID)
	c.upsertLocked(e, msg)
}

// RemoveLocal removes an unconfirmed message by its local correlation id.
func (c *Cache) RemoveLocal(chatID, localID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.chats[chatID]
	if !ok {
		return
	}

	c.removeLocalLocked(e, localID)
}

// Remove removes a confirmed message by its server id.
func (c *Cache) Remove(chatID, serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.chats[chatID]
	if !ok {
		return
	}

	for i, m := range e.msgs {
		if m.ServerID == serverID {
			e.msgs = append(e.msgs[:i], e.msgs[i+1:]...)
			return
		}
	}
}

// GetByServerID returns the cached confirmed message with the given server
// id, if present.
func (c *Cache) GetByServerID(chatID, serverID string) (models.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.chats[chatID]
	if !ok {
		return models.Message{}, false
	}

	for _, m := range e.msgs {
		if m.ServerID == serverID {
			return m, true
		}
	}

	return models.Message{}, false
}

// Touch marks a chat as recently viewed, protecting it from the next
// idle-eviction pass.
func (c *Cache) Touch(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.chats[chatID]; ok {
		e.touched = c.now()
	}
}

// TrimIdle trims the confirmed tail of every chat not touched within
// idleFor down to the retention window. Pending/Failed messages are never
// evicted. Returns the number of messages evicted.
func (c *Cache) TrimIdle(idleFor time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-idleFor)
	total := 0

	for _, e := range c.chats {
		if e.touched.After(cutoff) {
			continue
		}

		total += c.trimLocked(e)
	}

	c.evicted += int64(total)

	return total
}

// Drop removes a chat's list entirely (chat deletion).
func (c *Cache) Drop(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.chats, chatID)
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{
		Chats:           len(c.chats),
		Hits:            c.hits,
		Misses:          c.misses,
		EvictedMessages: c.evicted,
	}

	for _, e := range c.chats {
		s.Messages += len(e.msgs)
	}

	return s
}

func (c *Cache) chat(chatID string) *entry {
	e, ok := c.chats[chatID]
	if !ok {
		e = &entry{touched: c.now()}
		c.chats[chatID] = e
	}

	return e
}

func (c *Cache) upsertLocked(e *entry, msg models.Message) {
	replaced := false

	for i, m := range e.msgs {
		if msg.ServerID != "" && m.ServerID == msg.ServerID {
			e.msgs[i] = msg
			replaced = true

			break
		}

		if msg.ServerID == "" && msg.LocalID != "" && m.LocalID == msg.LocalID {
			e.msgs[i] = msg
			replaced = true

			break
		}
	}

	if !replaced {
		e.msgs = append(e.msgs, msg)
	}

	sort.Slice(e.msgs, func(i, j int) bool { return models.Less(e.msgs[i], e.msgs[j]) })
}

func (c *Cache) removeLocalLocked(e *entry, localID string) {
	for i, m := range e.msgs {
		if !m.Confirmed() && m.LocalID == localID {
			e.msgs = append(e.msgs[:i], e.msgs[i+1:]...)
			return
		}
	}
}

// trimLocked drops the oldest confirmed messages beyond the retention
// window. The list is kept in display order, so confirmed messages form a
// prefix ordered oldest-first.
func (c *Cache) trimLocked(e *entry) int {
	confirmed := 0
	for _, m := range e.msgs {
		if m.Confirmed() {
			confirmed++
		}
	}

	over := confirmed - c.retain
	if over <= 0 {
		return 0
	}

	kept := make([]models.Message, 0, len(e.msgs)-over)
	dropped := 0

	for _, m := range e.msgs {
		if dropped < over && m.Confirmed() {
			dropped++
			continue
		}

		kept = append(kept, m)
	}

	e.msgs = kept

	return dropped
}
