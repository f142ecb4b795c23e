package presence

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nfrund/chatsync/internal/pubsub"
)

// Record is the last known presence of a peer.
type Record struct {
	UserID   string    `json:"userId"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
}

// Tracker maintains the set of online peers. Presence is server-authoritative:
// the only writers are inbound real-time events and the initial user list
// snapshot, never UI actions.
type Tracker struct {
	mu        sync.RWMutex
	records   map[string]Record // userID -> last known presence
	online    int
	publisher pubsub.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// Option is a function that configures a Tracker.
type Option func(*Tracker)

// WithPublisher announces every change of the online set on the bus.
func WithPublisher(p pubsub.Publisher) Option {
	return func(t *Tracker) {
		t.publisher = p
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithLogger sets the logger used by the tracker.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = l.With("component", "presence")
	}
}

// NewTracker creates an empty presence tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		records:   make(map[string]Record),
		publisher: pubsub.Discard,
		logger:    slog.Default().With("component", "presence"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// MarkOnline records userID as online. Repeating it for a user that is already
// online changes nothing and reports false.
func (t *Tracker) MarkOnline(userID string) bool {
	if userID == "" {
		return false
	}
	t.mu.Lock()
	rec, ok := t.records[userID]
	if ok && rec.Online {
		t.mu.Unlock()
		return false
	}
	t.records[userID] = Record{UserID: userID, Online: true, LastSeen: t.now()}
	t.online++
	users := t.onlineUsersLocked()
	t.mu.Unlock()

	t.logger.Debug("User came online", "user_id", userID, "online_count", len(users))
	t.publish(userID, true, users)
	return true
}

// MarkOffline records userID as offline and stamps its last-seen time.
// Repeating it is a no-op that reports false.
func (t *Tracker) MarkOffline(userID string) bool {
	if userID == "" {
		return false
	}
	t.mu.Lock()
	rec, ok := t.records[userID]
	if ok && !rec.Online {
		t.mu.Unlock()
		return false
	}
	if ok && rec.Online {
		t.online--
	}
	t.records[userID] = Record{UserID: userID, Online: false, LastSeen: t.now()}
	users := t.onlineUsersLocked()
	t.mu.Unlock()

	t.logger.Debug("User went offline", "user_id", userID, "online_count", len(users))
	t.publish(userID, false, users)
	return true
}

// ReplaceAll makes userIDs the complete online set. Users that were online
// and are missing from the snapshot become offline with a fresh last-seen.
func (t *Tracker) ReplaceAll(userIDs []string) {
	now := t.now()
	snapshot := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if id != "" {
			snapshot[id] = struct{}{}
		}
	}

	t.mu.Lock()
	for id, rec := range t.records {
		if _, ok := snapshot[id]; !ok && rec.Online {
			t.records[id] = Record{UserID: id, Online: false, LastSeen: now}
		}
	}
	for id := range snapshot {
		if rec, ok := t.records[id]; ok && rec.Online {
			continue
		}
		t.records[id] = Record{UserID: id, Online: true, LastSeen: now}
	}
	t.online = len(snapshot)
	users := t.onlineUsersLocked()
	t.mu.Unlock()

	t.logger.Debug("Presence snapshot applied", "online_count", len(users))
	t.publish("", false, users)
}

// SeedLastSeen records a last-seen time fetched over REST for a user the
// tracker has no live information about. It never changes the online set.
func (t *Tracker) SeedLastSeen(userID string, lastSeen time.Time) {
	if userID == "" || lastSeen.IsZero() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[userID]; ok && (rec.Online || !rec.LastSeen.Before(lastSeen)) {
		return
	}
	t.records[userID] = Record{UserID: userID, Online: false, LastSeen: lastSeen}
}

// IsOnline reports whether userID is currently online.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.records[userID].Online
}

// Get returns the presence record of userID.
func (t *Tracker) Get(userID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[userID]
	return rec, ok
}

// OnlineUsers returns the online user ids in sorted order.
func (t *Tracker) OnlineUsers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.onlineUsersLocked()
}

// OnlineCount returns the size of the online set.
func (t *Tracker) OnlineCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.online
}

// Status returns "Online" or a human readable last-seen string for userID.
func (t *Tracker) Status(userID string) string {
	rec, ok := t.Get(userID)
	if ok && rec.Online {
		return "Online"
	}
	return FormatLastSeen(rec.LastSeen, t.now())
}

// Reset forgets everything. Presence is session-scoped and is dropped when the
// identity changes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.records = make(map[string]Record)
	t.online = 0
	t.mu.Unlock()

	t.publish("", false, []string{})
}

func (t *Tracker) onlineUsersLocked() []string {
	result := make([]string, 0, t.online)
	for id, rec := range t.records {
		if rec.Online {
			result = append(result, id)
		}
	}
	slices.Sort(result)
	return result
}

// publish is called without the lock held.
func (t *Tracker) publish(userID string, online bool, users []string) {
	err := pubsub.Publish(context.Background(), t.publisher, pubsub.TopicPresenceUpdated, "", pubsub.PresenceChanged{
		UserID: userID,
		Online: online,
		Users:  users,
	})
	if err != nil {
		t.logger.Error("Failed to publish presence update", "error", err)
	}
}
