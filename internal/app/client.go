package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nfrund/chatsync/internal/api"
	"github.com/nfrund/chatsync/internal/config"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/pubsub"
	"github.com/nfrund/chatsync/internal/session"
	"github.com/nfrund/chatsync/internal/storage"
	"github.com/nfrund/chatsync/internal/transport"
	"github.com/samber/do/v2"
	"github.com/spf13/afero"
)

// PurgeInterval is how often expired self-destructing messages are dropped.
const PurgeInterval = time.Second

// Client is the headless chat client: persisted identity and preferences,
// the REST API and the real-time session, behind one facade for a UI.
type Client struct {
	Dependencies

	injector *do.RootScope
	logger   *slog.Logger

	mu      sync.RWMutex
	theme   storage.Theme
	profile *domain.User
	friends []domain.User

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  bool
}

// New wires a client from cfg. Nothing is started until Start.
func New(cfg config.Provider, opts ...Option) (*Client, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.fs == nil {
		o.fs = afero.NewOsFs()
	}
	if o.dialer == nil {
		d := transport.NewWebSocketDialer()
		d.Logger = o.logger.With("component", "transport")
		o.dialer = d
	}

	injector := newInjector(cfg, o)
	deps, err := resolve(injector)
	if err != nil {
		injector.Shutdown()
		return nil, err
	}

	return &Client{
		Dependencies: deps,
		injector:     injector,
		logger:       o.logger.With("component", "app"),
		theme:        storage.ThemeSystem,
	}, nil
}

// Start restores the persisted identity and preferences, starts the session
// manager (which connects if an identity was restored) and refetches the
// session data from the REST API. Hydration failures are logged, not returned:
// the client stays usable and a 401 has already cleared the identity.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("client already started")
	}
	c.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.mu.Unlock()

	state, err := c.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load persisted state: %w", err)
	}
	c.mu.Lock()
	if state.Theme.Valid() {
		c.theme = state.Theme
	}
	c.mu.Unlock()

	if err := c.Session.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	if state.Identity != nil {
		c.Credentials.Restore(state.Identity)
		if err := c.Hydrate(ctx); err != nil {
			c.logger.Warn("Startup hydration failed", "error", err)
		}
	}

	c.wg.Add(2)
	go c.purgeLoop(runCtx)
	go c.watchExternalLogout(runCtx)

	c.logger.Info("Client started", "signed_in", state.Identity != nil, "theme", c.Theme())
	return nil
}

// Hydrate refetches the profile, friends and groups from the REST API and
// joins every group channel.
func (c *Client) Hydrate(ctx context.Context) error {
	profile, err := c.API.GetProfile(ctx)
	if err != nil {
		return fmt.Errorf("hydrate profile: %w", err)
	}
	friends, err := c.API.GetFriends(ctx)
	if err != nil {
		return fmt.Errorf("hydrate friends: %w", err)
	}
	groupList, err := c.API.GetGroups(ctx)
	if err != nil {
		return fmt.Errorf("hydrate groups: %w", err)
	}

	for _, f := range friends {
		if f.LastSeen != nil {
			c.Presence.SeedLastSeen(f.ID, *f.LastSeen)
		}
	}
	c.Groups.Replace(groupList)
	for _, g := range groupList {
		c.Session.JoinGroupChannel(ctx, g.ID)
	}

	c.mu.Lock()
	c.profile = profile
	c.friends = friends
	c.mu.Unlock()

	c.logger.Info("Session hydrated", "user_id", profile.ID, "friends", len(friends), "groups", len(groupList))
	return nil
}

// Login authenticates, installs the identity (which connects the session)
// and hydrates the session data.
func (c *Client) Login(ctx context.Context, email, password string) (*domain.User, error) {
	resp, err := c.API.Login(ctx, domain.Credentials{Email: strings.TrimSpace(email), Password: password})
	if err != nil {
		return nil, err
	}
	return c.adopt(ctx, resp)
}

// Register creates an account and signs in with it.
func (c *Client) Register(ctx context.Context, reg domain.Registration) (*domain.User, error) {
	resp, err := c.API.Register(ctx, reg)
	if err != nil {
		return nil, err
	}
	return c.adopt(ctx, resp)
}

func (c *Client) adopt(ctx context.Context, resp *api.AuthResponse) (*domain.User, error) {
	id := resp.Identity()
	c.Credentials.SetIdentity(id.UserID, id.Token)
	if err := c.Hydrate(ctx); err != nil {
		c.logger.Warn("Hydration after login failed", "error", err)
	}
	user := resp.User
	return &user, nil
}

// Logout invalidates the token on the server and clears the identity, which
// tears down the session. The identity is cleared even if the server call
// fails.
func (c *Client) Logout(ctx context.Context) error {
	var apiErr error
	if _, ok := c.Credentials.Identity(); ok {
		apiErr = c.API.Logout(ctx)
		if apiErr != nil && !errors.Is(apiErr, domain.ErrAuthExpired) {
			c.logger.Warn("Server logout failed", "error", apiErr)
		}
	}
	c.Credentials.ClearIdentity()

	c.mu.Lock()
	c.profile = nil
	c.friends = nil
	c.mu.Unlock()

	if errors.Is(apiErr, domain.ErrAuthExpired) {
		return nil
	}
	return apiErr
}

// SendMessage writes an optimistic copy to the cache and sends it. When the
// send fails the optimistic copy is rolled back and the error returned.
func (c *Client) SendMessage(ctx context.Context, conv domain.Conversation, content string, attachment *domain.Attachment) (domain.Message, error) {
	id, ok := c.Credentials.Identity()
	if !ok {
		return domain.Message{}, domain.ErrNoIdentity
	}

	msg := domain.Message{
		ClientKey:  domain.NewClientKey(),
		SenderID:   id.UserID,
		Content:    strings.TrimSpace(content),
		Attachment: attachment,
		Pending:    true,
	}
	if conv.IsGroup() {
		msg.GroupID = conv.GroupID
	} else {
		msg.RecipientID = conv.Peer(id.UserID)
	}
	if err := domain.ValidateOutgoing(msg); err != nil {
		return domain.Message{}, err
	}

	stored, _ := c.Messages.Append(msg)
	if err := c.Session.Send(ctx, stored); err != nil {
		c.Messages.RemoveByClientKey(stored.ClientKey)
		return domain.Message{}, err
	}
	c.Session.SetTyping(ctx, conv, false)
	return stored, nil
}

// LoadConversation fetches a page of history into the cache and returns the
// cached conversation.
func (c *Client) LoadConversation(ctx context.Context, conv domain.Conversation, page api.Page) ([]domain.Message, error) {
	id, ok := c.Credentials.Identity()
	if !ok {
		return nil, domain.ErrNoIdentity
	}

	var (
		result *api.MessagePage
		err    error
	)
	if conv.IsGroup() {
		result, err = c.API.GetGroupMessages(ctx, conv.GroupID, page)
	} else {
		result, err = c.API.GetMessages(ctx, conv.Peer(id.UserID), page)
	}
	if err != nil {
		return nil, err
	}
	for _, m := range result.Messages {
		c.Messages.Append(m)
	}
	return c.Messages.ListFor(conv), nil
}

// Conversation returns the cached messages of conv.
func (c *Client) Conversation(conv domain.Conversation) []domain.Message {
	return c.Messages.ListFor(conv)
}

// MarkRead sends read receipts for every message in conv from other users
// that the local user has not read yet.
func (c *Client) MarkRead(ctx context.Context, conv domain.Conversation) error {
	id, ok := c.Credentials.Identity()
	if !ok {
		return domain.ErrNoIdentity
	}
	for _, m := range c.Messages.ListFor(conv) {
		if m.ID == "" || m.SenderID == id.UserID || m.IsReadBy(id.UserID) {
			continue
		}
		if err := c.Session.MarkAsRead(ctx, m.ID); err != nil {
			return err
		}
	}
	return nil
}

// SetTheme persists the theme preference.
func (c *Client) SetTheme(ctx context.Context, theme storage.Theme) error {
	if !theme.Valid() {
		return fmt.Errorf("unknown theme %q", theme)
	}
	if err := c.Store.SaveTheme(ctx, theme); err != nil {
		return err
	}
	c.mu.Lock()
	c.theme = theme
	c.mu.Unlock()
	return nil
}

// Theme returns the current theme preference.
func (c *Client) Theme() storage.Theme {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.theme
}

// Profile returns the signed-in user's profile, if hydrated.
func (c *Client) Profile() (domain.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.profile == nil {
		return domain.User{}, false
	}
	return *c.profile, true
}

// Friends returns the hydrated friend list.
func (c *Client) Friends() []domain.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.User(nil), c.friends...)
}

// Status returns the connection status.
func (c *Client) Status() session.Status {
	return c.Session.Status()
}

// Events is the bus on which the stores announce their changes.
func (c *Client) Events() pubsub.Subscriber {
	return c.Bus
}

func (c *Client) purgeLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := c.Messages.PurgeExpired(now); n > 0 {
				c.logger.Debug("Purged expired messages", "count", n)
			}
		}
	}
}

// watchExternalLogout follows the persisted state so that a logout or login
// from another process sharing the state directory is picked up.
func (c *Client) watchExternalLogout(ctx context.Context) {
	defer c.wg.Done()
	err := c.Store.Watch(ctx, func(storage.State) {
		// The notified state may predate one of our own writes. Reload it
		// under the credential lock instead.
		err := c.Credentials.Sync(func() (*domain.Identity, error) {
			state, err := c.Store.Load(ctx)
			return state.Identity, err
		})
		if err != nil {
			c.logger.Warn("Failed to reload persisted identity", "error", err)
		}
	})
	switch {
	case errors.Is(err, storage.ErrWatchUnsupported):
		c.logger.Debug("Persisted state is not watchable", "error", err)
	case err != nil:
		c.logger.Warn("Persisted state watcher stopped", "error", err)
	}
}

// Close stops the session, background loops and the event bus.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	c.Session.Stop()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	err := c.Bus.Close()
	c.injector.Shutdown()
	c.logger.Info("Client closed")
	return err
}
