package messages

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/observability"
	"github.com/nfrund/chatsync/internal/pubsub"
)

// DefaultDedupWindow bounds the content heuristic used to match an echo that
// carries neither a known id nor a client key.
const DefaultDedupWindow = 5 * time.Second

type entry struct {
	msg domain.Message
	seq uint64 // insertion order, breaks createdAt ties
}

// Cache is the session-scoped collection of messages for every known
// conversation. It is safe for concurrent use.
type Cache struct {
	mu          sync.RWMutex
	entries     []*entry
	byID        map[string]*entry
	byKey       map[string]*entry
	seq         uint64
	changes     atomic.Uint64
	dedupWindow time.Duration
	publisher   pubsub.Publisher
	logger      *slog.Logger
	now         func() time.Time
}

// Option is a function that configures a Cache.
type Option func(*Cache)

// WithDedupWindow sets the window for the content heuristic.
func WithDedupWindow(d time.Duration) Option {
	return func(c *Cache) {
		c.dedupWindow = d
	}
}

// WithPublisher announces cache changes on the bus.
func WithPublisher(p pubsub.Publisher) Option {
	return func(c *Cache) {
		c.publisher = p
	}
}

// WithLogger sets the logger used by the cache.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = l.With("component", "messages")
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// NewCache creates an empty cache.
func NewCache(opts ...Option) *Cache {
	c := &Cache{
		byID:        make(map[string]*entry),
		byKey:       make(map[string]*entry),
		dedupWindow: DefaultDedupWindow,
		publisher:   pubsub.Discard,
		logger:      slog.Default().With("component", "messages"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Append adds m to the cache, or merges it into the entry it duplicates.
// It returns the stored record and whether a new entry was created.
//
// An inbound message is matched against existing entries by server id, then
// by client key, then against pending optimistic entries from the same sender
// with the same content created within the dedup window.
func (c *Cache) Append(m domain.Message) (domain.Message, bool) {
	m = m.Clone()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = c.now()
	}

	c.mu.Lock()
	if e := c.findDuplicateLocked(m); e != nil {
		action := pubsub.ActionUpdated
		if e.msg.Pending && !m.Pending {
			action = pubsub.ActionReconciled
		}
		c.mergeLocked(e, m)
		stored := e.msg.Clone()
		c.mu.Unlock()

		observability.RecordDeduplicated()
		c.logger.Debug("Merged duplicate message", "message_id", stored.ID, "client_key", stored.ClientKey, "action", action)
		c.publish(action, stored)
		return stored, false
	}

	c.seq++
	e := &entry{msg: m, seq: c.seq}
	c.entries = append(c.entries, e)
	c.indexLocked(e)
	stored := e.msg.Clone()
	c.mu.Unlock()

	c.publish(pubsub.ActionAppended, stored)
	return stored, true
}

func (c *Cache) findDuplicateLocked(m domain.Message) *entry {
	if m.ID != "" {
		if e, ok := c.byID[m.ID]; ok {
			return e
		}
	}
	if m.ClientKey != "" {
		if e, ok := c.byKey[m.ClientKey]; ok {
			return e
		}
		// A keyed echo only ever matches its own key.
		return nil
	}
	if m.Pending {
		return nil
	}

	conv := m.Conversation()
	for i := len(c.entries) - 1; i >= 0; i-- {
		e := c.entries[i]
		if !e.msg.Pending || e.msg.SenderID != m.SenderID || e.msg.Content != m.Content {
			continue
		}
		if !conv.Contains(e.msg) {
			continue
		}
		if absDuration(e.msg.CreatedAt.Sub(m.CreatedAt)) <= c.dedupWindow {
			return e
		}
	}
	return nil
}

// mergeLocked folds an incoming copy into an existing entry. Server-provided
// fields win; local-only fields are kept when the incoming copy lacks them.
func (c *Cache) mergeLocked(e *entry, in domain.Message) {
	cur := e.msg
	if in.Pending && !cur.Pending {
		// A late optimistic copy never downgrades a confirmed record.
		return
	}

	if cur.ID != "" && in.ID != cur.ID && in.ID != "" {
		delete(c.byID, cur.ID)
	}
	merged := in
	if merged.ID == "" {
		merged.ID = cur.ID
	}
	if merged.ClientKey == "" {
		merged.ClientKey = cur.ClientKey
	}
	if merged.Attachment == nil {
		merged.Attachment = cur.Attachment
	}
	if merged.SelfDestructAt == nil {
		merged.SelfDestructAt = cur.SelfDestructAt
	}
	if merged.EditedAt == nil {
		merged.EditedAt = cur.EditedAt
	}
	for _, reader := range cur.ReadBy {
		if !slices.Contains(merged.ReadBy, reader) {
			merged.ReadBy = append(merged.ReadBy, reader)
		}
	}
	merged.Delivered = merged.Delivered || cur.Delivered
	e.msg = merged
	c.indexLocked(e)
}

func (c *Cache) indexLocked(e *entry) {
	if e.msg.ID != "" {
		c.byID[e.msg.ID] = e
	}
	if e.msg.ClientKey != "" {
		c.byKey[e.msg.ClientKey] = e
	}
}

// ListFor returns the messages of conv ordered oldest first. Ties on
// createdAt keep insertion order. Expired self-destructing messages are
// hidden. The result is a fresh copy on every call.
func (c *Cache) ListFor(conv domain.Conversation) []domain.Message {
	now := c.now()

	c.mu.RLock()
	matched := make([]*entry, 0)
	for _, e := range c.entries {
		if conv.Contains(e.msg) && !e.msg.Expired(now) {
			matched = append(matched, e)
		}
	}
	slices.SortStableFunc(matched, func(a, b *entry) int {
		if n := a.msg.CreatedAt.Compare(b.msg.CreatedAt); n != 0 {
			return n
		}
		return cmp.Compare(a.seq, b.seq)
	})
	out := make([]domain.Message, len(matched))
	for i, e := range matched {
		out[i] = e.msg.Clone()
	}
	c.mu.RUnlock()

	return out
}

// Get returns the message with the given server id.
func (c *Cache) Get(id string) (domain.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byID[id]
	if !ok {
		return domain.Message{}, false
	}
	return e.msg.Clone(), true
}

// GetByClientKey returns the message with the given client key.
func (c *Cache) GetByClientKey(key string) (domain.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byKey[key]
	if !ok {
		return domain.Message{}, false
	}
	return e.msg.Clone(), true
}

// RemoveByID deletes the message with the given server id.
func (c *Cache) RemoveByID(id string) bool {
	c.mu.Lock()
	e, ok := c.byID[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	removed := c.removeLocked(e)
	c.mu.Unlock()

	c.publish(pubsub.ActionRemoved, removed)
	return true
}

// RemoveByClientKey deletes an entry by its client key. It is used to roll
// back an optimistic write whose send failed.
func (c *Cache) RemoveByClientKey(key string) bool {
	c.mu.Lock()
	e, ok := c.byKey[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	removed := c.removeLocked(e)
	c.mu.Unlock()

	c.publish(pubsub.ActionRemoved, removed)
	return true
}

func (c *Cache) removeLocked(e *entry) domain.Message {
	c.entries = slices.DeleteFunc(c.entries, func(x *entry) bool { return x == e })
	if e.msg.ID != "" {
		delete(c.byID, e.msg.ID)
	}
	if e.msg.ClientKey != "" {
		delete(c.byKey, e.msg.ClientKey)
	}
	return e.msg.Clone()
}

// Patch describes an edit applied with UpdateByID. Nil fields are left alone.
type Patch struct {
	Content   *string
	EditedAt  *time.Time
	Delivered *bool
	ReadBy    []string
}

// UpdateByID applies patch to the message with the given server id.
func (c *Cache) UpdateByID(id string, patch Patch) (domain.Message, error) {
	c.mu.Lock()
	e, ok := c.byID[id]
	if !ok {
		c.mu.Unlock()
		return domain.Message{}, fmt.Errorf("update message %s: %w", id, domain.ErrNotFound)
	}
	if patch.Content != nil {
		e.msg.Content = *patch.Content
		editedAt := c.now()
		if patch.EditedAt != nil {
			editedAt = *patch.EditedAt
		}
		e.msg.EditedAt = &editedAt
	} else if patch.EditedAt != nil {
		t := *patch.EditedAt
		e.msg.EditedAt = &t
	}
	if patch.Delivered != nil {
		e.msg.Delivered = *patch.Delivered
	}
	for _, reader := range patch.ReadBy {
		if !slices.Contains(e.msg.ReadBy, reader) {
			e.msg.ReadBy = append(e.msg.ReadBy, reader)
		}
	}
	updated := e.msg.Clone()
	c.mu.Unlock()

	c.publish(pubsub.ActionUpdated, updated)
	return updated, nil
}

// MarkRead adds userID to the read set of the message.
func (c *Cache) MarkRead(id, userID string) (domain.Message, error) {
	return c.UpdateByID(id, Patch{ReadBy: []string{userID}})
}

// PurgeExpired drops self-destructing messages whose deadline has passed and
// returns how many were removed.
func (c *Cache) PurgeExpired(now time.Time) int {
	c.mu.Lock()
	var expired []*entry
	for _, e := range c.entries {
		if e.msg.Expired(now) {
			expired = append(expired, e)
		}
	}
	removed := make([]domain.Message, 0, len(expired))
	for _, e := range expired {
		removed = append(removed, c.removeLocked(e))
	}
	c.mu.Unlock()

	for _, m := range removed {
		c.publish(pubsub.ActionPurged, m)
	}
	return len(removed)
}

// Len returns the number of cached messages across all conversations.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Reset drops every message. The cache is session-only and is rebuilt from the
// REST API after an identity change.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.entries = nil
	c.byID = make(map[string]*entry)
	c.byKey = make(map[string]*entry)
	c.mu.Unlock()

	c.publishChange(pubsub.MessagesChanged{Action: pubsub.ActionReset})
}

func (c *Cache) publish(action string, m domain.Message) {
	c.publishChange(pubsub.MessagesChanged{
		Action:       action,
		Conversation: m.Conversation().Key(),
		MessageID:    m.ID,
		ClientKey:    m.ClientKey,
	})
}

func (c *Cache) publishChange(change pubsub.MessagesChanged) {
	change.Seq = c.changes.Add(1)
	if err := pubsub.Publish(context.Background(), c.publisher, pubsub.TopicMessagesUpdated, "", change); err != nil {
		c.logger.Error("Failed to publish message update", "error", err)
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
