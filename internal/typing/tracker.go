package typing

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/pubsub"
)

// DefaultTimeout is how long a typing indicator lives without a refresh.
const DefaultTimeout = 2 * time.Second

// State is the typing indicator of one peer in one conversation.
type State struct {
	UserID          string    `json:"userId"`
	ConversationKey string    `json:"conversation"`
	IsTyping        bool      `json:"isTyping"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

type indicator struct {
	state State
	timer *time.Timer
	gen   uint64
}

// Tracker holds ephemeral typing indicators. An indicator clears itself when
// no refresh arrives within the timeout.
type Tracker struct {
	mu         sync.Mutex
	indicators map[string]*indicator // conversation key + user id
	gen        uint64
	timeout    time.Duration
	publisher  pubsub.Publisher
	logger     *slog.Logger
	now        func() time.Time
}

// Option is a function that configures a Tracker.
type Option func(*Tracker)

// WithTimeout overrides the auto-clear timeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithPublisher announces indicator changes on the bus.
func WithPublisher(p pubsub.Publisher) Option {
	return func(t *Tracker) {
		t.publisher = p
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = l.With("component", "typing")
	}
}

// NewTracker creates an empty typing tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		indicators: make(map[string]*indicator),
		timeout:    DefaultTimeout,
		publisher:  pubsub.Discard,
		logger:     slog.Default().With("component", "typing"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func indicatorKey(conv domain.Conversation, userID string) string {
	return conv.Key() + "|" + userID
}

// Set records that userID started or stopped typing in conv. A start refreshes
// the expiry of an existing indicator.
func (t *Tracker) Set(userID string, conv domain.Conversation, isTyping bool) {
	if userID == "" {
		return
	}
	key := indicatorKey(conv, userID)

	t.mu.Lock()
	ind, exists := t.indicators[key]
	if !isTyping {
		if !exists {
			t.mu.Unlock()
			return
		}
		ind.timer.Stop()
		delete(t.indicators, key)
		t.mu.Unlock()
		t.publish(conv, userID, false)
		return
	}

	t.gen++
	gen := t.gen
	if exists {
		ind.timer.Stop()
	} else {
		ind = &indicator{}
		t.indicators[key] = ind
	}
	ind.gen = gen
	ind.state = State{
		UserID:          userID,
		ConversationKey: conv.Key(),
		IsTyping:        true,
		ExpiresAt:       t.now().Add(t.timeout),
	}
	ind.timer = time.AfterFunc(t.timeout, func() { t.expire(key, conv, userID, gen) })
	t.mu.Unlock()

	if !exists {
		t.publish(conv, userID, true)
	}
}

// expire clears an indicator unless it was refreshed after the timer was
// armed.
func (t *Tracker) expire(key string, conv domain.Conversation, userID string, gen uint64) {
	t.mu.Lock()
	ind, ok := t.indicators[key]
	if !ok || ind.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.indicators, key)
	t.mu.Unlock()

	t.logger.Debug("Typing indicator expired", "user_id", userID, "conversation", conv.Key())
	t.publish(conv, userID, false)
}

// IsTyping reports whether userID is currently typing in conv.
func (t *Tracker) IsTyping(userID string, conv domain.Conversation) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.indicators[indicatorKey(conv, userID)]
	return ok
}

// TypingIn returns the ids of the users typing in conv, sorted.
func (t *Tracker) TypingIn(conv domain.Conversation) []string {
	prefix := conv.Key()

	t.mu.Lock()
	users := make([]string, 0)
	for _, ind := range t.indicators {
		if ind.state.ConversationKey == prefix {
			users = append(users, ind.state.UserID)
		}
	}
	t.mu.Unlock()

	slices.Sort(users)
	return users
}

// Snapshot returns every active indicator.
func (t *Tracker) Snapshot() []State {
	t.mu.Lock()
	out := make([]State, 0, len(t.indicators))
	for _, ind := range t.indicators {
		out = append(out, ind.state)
	}
	t.mu.Unlock()

	slices.SortFunc(out, func(a, b State) int {
		return cmp.Or(cmp.Compare(a.ConversationKey, b.ConversationKey), cmp.Compare(a.UserID, b.UserID))
	})
	return out
}

// Reset stops every timer and drops all indicators.
func (t *Tracker) Reset() {
	t.mu.Lock()
	for key, ind := range t.indicators {
		ind.timer.Stop()
		delete(t.indicators, key)
	}
	t.mu.Unlock()
}

func (t *Tracker) publish(conv domain.Conversation, userID string, isTyping bool) {
	change := pubsub.TypingChanged{Conversation: conv.Key(), UserID: userID, IsTyping: isTyping}
	if err := pubsub.Publish(context.Background(), t.publisher, pubsub.TopicTypingUpdated, "", change); err != nil {
		t.logger.Error("Failed to publish typing update", "error", err)
	}
}
