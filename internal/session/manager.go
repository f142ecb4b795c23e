package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nfrund/chatsync/internal/credentials"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/groups"
	"github.com/nfrund/chatsync/internal/messages"
	"github.com/nfrund/chatsync/internal/observability"
	"github.com/nfrund/chatsync/internal/presence"
	"github.com/nfrund/chatsync/internal/pubsub"
	"github.com/nfrund/chatsync/internal/transport"
	"github.com/nfrund/chatsync/internal/typing"
	"golang.org/x/time/rate"
)

const (
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultMaxReconnectAttempts = 3
	DefaultReconnectInterval    = 500 * time.Millisecond
	DefaultTypingInterval       = time.Second
)

// IdentitySource is the credential store as seen by the manager.
type IdentitySource interface {
	Identity() (domain.Identity, bool)
	Subscribe(l credentials.Listener) (unsubscribe func())
	// ClearIdentityIf clears the identity only if it is still id.
	ClearIdentityIf(id domain.Identity) bool
}

// Manager owns the single real-time connection of the process. It follows the
// identity held by the credential store: a connection exists only while an
// identity is set, and it is always bound to the current identity.
//
// Inbound events are routed into the presence tracker, the message cache, the
// typing tracker and the group roster. Outbound intents are serialized onto the
// connection.
type Manager struct {
	url    string
	dialer transport.Dialer
	creds  IdentitySource

	presence *presence.Tracker
	cache    *messages.Cache
	typing   *typing.Tracker
	roster   *groups.Roster

	publisher pubsub.Publisher
	logger    *slog.Logger
	now       func() time.Time

	handshakeTimeout  time.Duration
	maxReconnects     int
	reconnectInterval time.Duration
	typingInterval    time.Duration

	mu          sync.Mutex
	state       State
	status      Status
	bound       *domain.Identity
	conn        transport.Conn
	gen         uint64 // bumped whenever the current connection is abandoned
	cancel      context.CancelFunc
	lastErr     error
	reconnects  int
	sessionUser string              // user whose data the stores hold
	joined      map[string]struct{} // group channels to keep subscribed
	typingSent  map[string]*rate.Limiter

	ctx         context.Context
	stop        context.CancelFunc
	started     bool
	stopped     bool
	unsubscribe func()
	wg          sync.WaitGroup

	publishMu sync.Mutex
	pending   []pubsub.StatusChanged
	statusSeq uint64
}

// Option is a function that configures a Manager.
type Option func(*Manager)

// WithPresence routes presence events into t.
func WithPresence(t *presence.Tracker) Option {
	return func(m *Manager) {
		m.presence = t
	}
}

// WithCache routes message events into c.
func WithCache(c *messages.Cache) Option {
	return func(m *Manager) {
		m.cache = c
	}
}

// WithTyping routes typing events into t.
func WithTyping(t *typing.Tracker) Option {
	return func(m *Manager) {
		m.typing = t
	}
}

// WithRoster routes group membership events into r.
func WithRoster(r *groups.Roster) Option {
	return func(m *Manager) {
		m.roster = r
	}
}

// WithPublisher announces status changes on the bus.
func WithPublisher(p pubsub.Publisher) Option {
	return func(m *Manager) {
		m.publisher = p
	}
}

// WithLogger sets the logger used by the manager.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithHandshakeTimeout bounds a single handshake attempt.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.handshakeTimeout = d
		}
	}
}

// WithReconnect sets how many times a failed handshake or an unexpected
// disconnect is retried for an unchanged identity, and the initial delay
// between tries. Zero attempts disables retries.
func WithReconnect(attempts int, interval time.Duration) Option {
	return func(m *Manager) {
		if attempts >= 0 {
			m.maxReconnects = attempts
		}
		if interval > 0 {
			m.reconnectInterval = interval
		}
	}
}

// WithTypingInterval sets the minimum spacing of outbound typing signals for
// one conversation.
func WithTypingInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.typingInterval = d
		}
	}
}

// NewManager creates an idle manager. Call Start to begin following the
// credential store.
func NewManager(url string, dialer transport.Dialer, creds IdentitySource, opts ...Option) *Manager {
	m := &Manager{
		url:               url,
		dialer:            dialer,
		creds:             creds,
		publisher:         pubsub.Discard,
		logger:            slog.Default(),
		now:               time.Now,
		handshakeTimeout:  DefaultHandshakeTimeout,
		maxReconnects:     DefaultMaxReconnectAttempts,
		reconnectInterval: DefaultReconnectInterval,
		typingInterval:    DefaultTypingInterval,
		state:             StateIdle,
		status:            StatusDisconnected,
		joined:            make(map[string]struct{}),
		typingSent:        make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "session")
	if m.presence == nil {
		m.presence = presence.NewTracker()
	}
	if m.cache == nil {
		m.cache = messages.NewCache()
	}
	if m.typing == nil {
		m.typing = typing.NewTracker()
	}
	if m.roster == nil {
		m.roster = groups.NewRoster()
	}
	return m
}

// Start subscribes to identity changes and connects if an identity is
// already set. Connections live until Stop, independent of ctx cancellation.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("session manager already started")
	}
	m.started = true
	m.ctx, m.stop = context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Unlock()

	unsubscribe := m.creds.Subscribe(func(prev, next *domain.Identity) {
		m.reconcile()
	})

	m.mu.Lock()
	m.unsubscribe = unsubscribe
	m.mu.Unlock()

	m.reconcile()
	return nil
}

// Stop tears down the connection and waits for background work to finish.
// It is safe to call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped || !m.started {
		m.stopped = true
		m.mu.Unlock()
		return
	}
	m.stopped = true
	unsubscribe := m.unsubscribe
	m.teardownLocked()
	m.stop()
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	m.flush()
	m.wg.Wait()
	m.typing.Reset()
	m.logger.Info("Session manager stopped")
}

// Reconnect retries the connection for the current identity after a
// transport error. It does nothing while connecting or live.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	m.reconnects = 0
	m.mu.Unlock()
	m.reconcile()
}

// reconcile drives the state machine towards the credential store's current
// identity. It reads the store instead of trusting notification arguments, so
// out-of-order or repeated notifications converge on the same result.
func (m *Manager) reconcile() {
	id, ok := m.creds.Identity()

	m.mu.Lock()
	if m.stopped || !m.started {
		m.mu.Unlock()
		return
	}

	if !ok {
		m.teardownLocked()
		m.resetSessionLocked("")
		m.mu.Unlock()
		m.flush()
		return
	}

	if m.bound != nil && m.bound.Equal(id) && (m.state == StateConnecting || m.state == StateLive) {
		m.mu.Unlock()
		return
	}

	m.teardownLocked()
	if m.sessionUser != id.UserID {
		m.reconnects = 0
	}
	m.resetSessionLocked(id.UserID)
	m.startHandshakeLocked(id)
	m.mu.Unlock()
	m.flush()
}

// resetSessionLocked drops session-only data when the signed-in user changes.
// Group subscriptions requested while signed out carry over to the next login.
func (m *Manager) resetSessionLocked(userID string) {
	if m.sessionUser == userID {
		return
	}
	prev := m.sessionUser
	m.sessionUser = userID
	if prev == "" {
		return
	}
	m.logger.Info("Resetting session state", "previous_user_id", prev, "user_id", userID)
	m.presence.Reset()
	m.cache.Reset()
	m.typing.Reset()
	m.roster.Reset()
	clear(m.joined)
	clear(m.typingSent)
}

// teardownLocked releases the current connection, if any. On an idle manager
// it is a no-op.
func (m *Manager) teardownLocked() {
	if m.state == StateIdle {
		return
	}
	m.setStateLocked(StateClosing, StatusDisconnected, nil)
	m.releaseLocked()
	m.lastErr = nil
	m.setStateLocked(StateIdle, StatusDisconnected, nil)
}

// failLocked abandons the current connection and records err as an
// observable error state.
func (m *Manager) failLocked(err error) {
	m.releaseLocked()
	m.lastErr = err
	m.setStateLocked(StateIdle, StatusError, err)
}

// releaseLocked invalidates every goroutine working for the current
// connection and closes its handle.
func (m *Manager) releaseLocked() {
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		m.closeAsync(m.conn)
		m.conn = nil
	}
	m.bound = nil
}

func (m *Manager) closeAsync(conn transport.Conn) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := conn.Close(); err != nil {
			m.logger.Debug("Transport close returned an error", "error", err)
		}
	}()
}

func (m *Manager) startHandshakeLocked(id domain.Identity) {
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(m.ctx)
	m.cancel = cancel
	bound := id
	m.bound = &bound
	m.setStateLocked(StateConnecting, StatusConnecting, nil)

	// Handshake retries draw from the same budget as reconnects, so one
	// outage costs at most maxReconnects extra dials.
	budget := max(m.maxReconnects-m.reconnects, 0)

	m.logger.Info("Connecting", "user_id", id.UserID, "retry_budget", budget)
	m.wg.Add(1)
	go m.connect(ctx, gen, id, budget)
}

type handshakeResult struct {
	conn  transport.Conn
	early []transport.Envelope
}

func (m *Manager) connect(ctx context.Context, gen uint64, id domain.Identity, budget int) {
	defer m.wg.Done()

	res, err := m.handshakeWithRetry(ctx, gen, id, budget)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		m.discardStale(res.conn, id)
		return
	}
	if cur, ok := m.creds.Identity(); !ok || !cur.Equal(id) {
		// The store moved on and its notification has not reached us yet.
		m.releaseLocked()
		m.setStateLocked(StateIdle, StatusDisconnected, nil)
		m.mu.Unlock()
		m.flush()
		m.discardStale(res.conn, id)
		m.reconcile()
		return
	}
	if err != nil {
		m.failLocked(err)
		m.mu.Unlock()
		m.flush()

		if errors.Is(err, domain.ErrAuthExpired) {
			observability.RecordHandshake(observability.HandshakeAuth)
			m.logger.Warn("Real-time handshake rejected, clearing identity", "user_id", id.UserID)
			m.creds.ClearIdentityIf(id)
			return
		}
		observability.RecordHandshake(observability.HandshakeFailed)
		m.logger.Error("Real-time handshake failed", "user_id", id.UserID, "error", err)
		return
	}

	m.conn = res.conn
	m.lastErr = nil
	m.setStateLocked(StateLive, StatusConnected, nil)
	joined := make([]string, 0, len(m.joined))
	for groupID := range m.joined {
		joined = append(joined, groupID)
	}
	m.mu.Unlock()
	m.flush()

	observability.RecordHandshake(observability.HandshakeOK)
	m.logger.Info("Connection live", "user_id", id.UserID)

	m.fireAndForget(ctx, transport.EmitUserOnline, transport.UserOnlinePayload{UserID: id.UserID})
	slices.Sort(joined)
	for _, groupID := range joined {
		m.fireAndForget(ctx, transport.EmitJoinGroup, transport.GroupPayload{GroupID: groupID})
	}
	for _, env := range res.early {
		if !m.dispatch(gen, env) {
			return
		}
	}
	m.readLoop(ctx, gen, res.conn)
}

func (m *Manager) discardStale(conn transport.Conn, id domain.Identity) {
	observability.RecordHandshake(observability.HandshakeStale)
	m.logger.Debug("Discarding handshake", "user_id", id.UserID, "reason", domain.ErrStaleHandshake)
	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Debug("Transport close returned an error", "error", err)
		}
	}
}

func (m *Manager) handshakeWithRetry(ctx context.Context, gen uint64, id domain.Identity, budget int) (handshakeResult, error) {
	attempt := 0
	op := func() (handshakeResult, error) {
		attempt++
		if attempt > 1 {
			m.chargeRetry(gen)
		}
		conn, early, err := m.handshake(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrAuthExpired) || ctx.Err() != nil {
				return handshakeResult{}, backoff.Permanent(err)
			}
			m.logger.Warn("Handshake attempt failed", "user_id", id.UserID, "attempt", attempt, "error", err)
			return handshakeResult{}, err
		}
		return handshakeResult{conn: conn, early: early}, nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.reconnectInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(budget)), ctx)

	return backoff.RetryWithData[handshakeResult](op, b)
}

// chargeRetry counts a handshake retry against the reconnect budget of
// generation gen.
func (m *Manager) chargeRetry(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen == m.gen {
		m.reconnects++
	}
}

// handshake dials and waits for the server's connect acknowledgement. Events
// that arrive before the acknowledgement are returned for later dispatch.
func (m *Manager) handshake(ctx context.Context, id domain.Identity) (transport.Conn, []transport.Envelope, error) {
	hctx, cancel := context.WithTimeout(ctx, m.handshakeTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(hctx, m.url, id.Token)
	if err != nil {
		return nil, nil, err
	}

	var early []transport.Envelope
	for {
		env, err := conn.Read(hctx)
		if err != nil {
			conn.Close()
			return nil, nil, domain.NewTransportError("handshake", err)
		}
		switch env.Event {
		case transport.EventConnect:
			return conn, early, nil
		case transport.EventAuthError:
			conn.Close()
			var p transport.AuthErrorPayload
			_ = env.Decode(&p)
			return nil, nil, fmt.Errorf("handshake rejected %q: %w", p.Message, domain.ErrAuthExpired)
		default:
			early = append(early, env)
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, conn transport.Conn) {
	for {
		env, err := conn.Read(ctx)
		if err != nil {
			m.endSession(gen, err, true)
			return
		}
		if !m.dispatch(gen, env) {
			return
		}
	}
}

// endSession handles the loss of the live connection of generation gen. A
// bounded number of reconnects is attempted while the identity is unchanged.
// It returns the identity the connection was bound to, or false when gen was
// already abandoned.
func (m *Manager) endSession(gen uint64, cause error, allowReconnect bool) (domain.Identity, bool) {
	m.mu.Lock()
	if gen != m.gen || m.stopped || m.bound == nil {
		m.mu.Unlock()
		return domain.Identity{}, false
	}
	id := *m.bound
	m.failLocked(cause)
	m.logger.Warn("Connection lost", "user_id", id.UserID, "error", cause)

	if allowReconnect && m.reconnects < m.maxReconnects {
		if cur, ok := m.creds.Identity(); ok && cur.Equal(id) {
			m.reconnects++
			m.logger.Info("Reconnecting", "user_id", id.UserID, "attempt", m.reconnects)
			m.startHandshakeLocked(id)
		}
	}
	m.mu.Unlock()
	m.flush()
	return id, true
}

func (m *Manager) setStateLocked(state State, status Status, err error) {
	m.state = state
	m.status = status
	observability.SetConnectionState(string(state))

	m.statusSeq++
	change := pubsub.StatusChanged{
		Seq:    m.statusSeq,
		State:  string(state),
		Status: string(status),
		At:     m.now(),
	}
	if m.bound != nil {
		change.UserID = m.bound.UserID
	}
	if err != nil {
		change.Error = err.Error()
	}
	m.pending = append(m.pending, change)
}

// flush publishes queued status changes in the order they happened.
func (m *Manager) flush() {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, change := range pending {
		if err := pubsub.Publish(context.Background(), m.publisher, pubsub.TopicSessionStatus, change.UserID, change); err != nil {
			m.logger.Error("Failed to publish session status", "error", err)
		}
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns the connection status shown to the user.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// LastError returns the error behind the last error status, if any.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Bound returns the identity the connection is bound to while connecting or
// live.
func (m *Manager) Bound() (domain.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bound == nil {
		return domain.Identity{}, false
	}
	return *m.bound, true
}
