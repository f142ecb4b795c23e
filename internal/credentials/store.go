package credentials

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nfrund/chatsync/internal/domain"
)

// Listener is called synchronously after every identity change. prev and next
// are nil when no identity was or is set.
type Listener func(prev, next *domain.Identity)

// Persister saves the identity across restarts. storage.AferoStore satisfies it.
type Persister interface {
	SaveIdentity(ctx context.Context, id *domain.Identity) error
}

// Store is the single source of truth for the signed-in identity.
type Store struct {
	mu        sync.RWMutex
	identity  *domain.Identity
	listeners map[uint64]Listener
	nextID    uint64
	persister Persister
	logger    *slog.Logger
}

// Option is a function that configures a Store.
type Option func(*Store)

// WithPersister saves every identity change through p.
func WithPersister(p Persister) Option {
	return func(s *Store) {
		s.persister = p
	}
}

// WithLogger sets the logger used by the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// NewStore creates an empty credential store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		listeners: make(map[uint64]Listener),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "credentials")
	return s
}

// SetIdentity replaces the current identity. Setting the identity that is
// already current is a no-op and does not notify. An empty id or token clears
// the identity, since a half identity can never authenticate.
//
// The persister runs under the store lock, so the persisted document never
// lags the in-memory identity as seen by Sync. It must not call back into the
// store.
func (s *Store) SetIdentity(userID, token string) {
	next := domain.Identity{UserID: userID, Token: token}
	if !next.Valid() {
		s.logger.Warn("Ignoring incomplete identity, clearing instead", "user_id", userID)
		s.ClearIdentity()
		return
	}

	s.mu.Lock()
	prev := s.identity
	if prev != nil && prev.Equal(next) {
		s.mu.Unlock()
		return
	}
	s.persist(&next)
	s.identity = &next
	s.mu.Unlock()

	s.logger.Info("Identity set", "user_id", userID)
	s.notify(prev, &next)
}

// ClearIdentity removes the identity. Clearing an empty store is a no-op.
func (s *Store) ClearIdentity() {
	s.mu.Lock()
	prev := s.identity
	if prev == nil {
		s.mu.Unlock()
		return
	}
	s.clearLocked(prev)
}

// ClearIdentityIf removes the identity only while it is still id. Callers
// that learn about a rejected token asynchronously use it so a late rejection
// of an old token never signs out a newer identity. It reports whether the
// identity was cleared.
func (s *Store) ClearIdentityIf(id domain.Identity) bool {
	s.mu.Lock()
	prev := s.identity
	if prev == nil || !prev.Equal(id) {
		s.mu.Unlock()
		if prev != nil {
			s.logger.Debug("Ignoring rejection of a replaced token", "user_id", id.UserID, "current_user_id", prev.UserID)
		}
		return false
	}
	s.clearLocked(prev)
	return true
}

// clearLocked is called with s.mu held and releases it.
func (s *Store) clearLocked(prev *domain.Identity) {
	s.persist(nil)
	s.identity = nil
	s.mu.Unlock()

	s.logger.Info("Identity cleared", "user_id", prev.UserID)
	s.notify(prev, nil)
}

// Sync adopts the identity returned by load when it differs from the current
// one, without writing it back. load runs under the store lock, so a document
// read by it is never older than the last identity this store persisted. Use
// it to follow changes made by other processes sharing the persisted state.
func (s *Store) Sync(load func() (*domain.Identity, error)) error {
	s.mu.Lock()
	loaded, err := load()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if loaded != nil && !loaded.Valid() {
		loaded = nil
	}
	prev := s.identity
	if (prev == nil && loaded == nil) || (prev != nil && loaded != nil && prev.Equal(*loaded)) {
		s.mu.Unlock()
		return nil
	}
	next := copyIdentity(loaded)
	s.identity = next
	s.mu.Unlock()

	if next == nil {
		s.logger.Info("Identity removed externally", "user_id", prev.UserID)
	} else {
		s.logger.Info("Identity changed externally", "user_id", next.UserID)
	}
	s.notify(prev, copyIdentity(next))
	return nil
}

// Identity returns the current identity, if any.
func (s *Store) Identity() (domain.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return domain.Identity{}, false
	}
	return *s.identity, true
}

// Subscribe registers l and returns a function that removes it.
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Restore loads an identity without writing it back to the persister.
func (s *Store) Restore(id *domain.Identity) {
	if id == nil || !id.Valid() {
		return
	}
	s.mu.Lock()
	prev := s.identity
	if prev != nil && prev.Equal(*id) {
		s.mu.Unlock()
		return
	}
	next := *id
	s.identity = &next
	s.mu.Unlock()

	s.logger.Info("Identity restored", "user_id", next.UserID)
	s.notify(prev, &next)
}

func (s *Store) persist(id *domain.Identity) {
	if s.persister == nil {
		return
	}
	if err := s.persister.SaveIdentity(context.Background(), id); err != nil {
		s.logger.Error("Failed to persist identity", "error", err)
	}
}

// notify runs the listeners outside the lock so they may read the store or
// mutate it again.
func (s *Store) notify(prev, next *domain.Identity) {
	s.mu.RLock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.RUnlock()

	for _, l := range listeners {
		l(copyIdentity(prev), copyIdentity(next))
	}
}

func copyIdentity(id *domain.Identity) *domain.Identity {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}
