package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/nfrund/chatsync/internal/credentials"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/groups"
	"github.com/nfrund/chatsync/internal/messages"
	"github.com/nfrund/chatsync/internal/presence"
	"github.com/nfrund/chatsync/internal/transport"
	"github.com/nfrund/chatsync/internal/typing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fixture struct {
	creds    *credentials.Store
	dialer   *fakeDialer
	manager  *Manager
	presence *presence.Tracker
	cache    *messages.Cache
	typing   *typing.Tracker
	roster   *groups.Roster
	status   *statusRecorder
}

func newFixture(t *testing.T, dialer *fakeDialer, opts ...Option) *fixture {
	t.Helper()
	if dialer == nil {
		dialer = &fakeDialer{}
	}
	f := &fixture{
		creds:    credentials.NewStore(),
		dialer:   dialer,
		presence: presence.NewTracker(),
		cache:    messages.NewCache(),
		typing:   typing.NewTracker(typing.WithTimeout(time.Minute)),
		roster:   groups.NewRoster(),
		status:   &statusRecorder{},
	}
	base := []Option{
		WithPresence(f.presence),
		WithCache(f.cache),
		WithTyping(f.typing),
		WithRoster(f.roster),
		WithPublisher(f.status),
		WithHandshakeTimeout(time.Second),
		WithReconnect(0, 5*time.Millisecond),
	}
	f.manager = NewManager("ws://chat.test/ws", dialer, f.creds, append(base, opts...)...)
	require.NoError(t, f.manager.Start(context.Background()))
	t.Cleanup(f.manager.Stop)
	return f
}

func (f *fixture) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return f.manager.State() == want }, waitFor, tick,
		"manager never reached %s (at %s)", want, f.manager.State())
}

func (f *fixture) login(t *testing.T, userID, token string) *fakeConn {
	t.Helper()
	f.creds.SetIdentity(userID, token)
	f.waitState(t, StateLive)
	conn := f.dialer.conn(-1)
	require.NotNil(t, conn)
	require.Equal(t, token, conn.token)
	return conn
}

func TestManager_StartsIdle(t *testing.T) {
	f := newFixture(t, nil)

	assert.Equal(t, StateIdle, f.manager.State())
	assert.Equal(t, StatusDisconnected, f.manager.Status())
	assert.Zero(t, f.dialer.dialCount())
	assert.Error(t, f.manager.Start(context.Background()), "second start is rejected")
}

func TestManager_ConnectsForRestoredIdentity(t *testing.T) {
	dialer := &fakeDialer{}
	creds := credentials.NewStore()
	creds.Restore(&domain.Identity{UserID: "u1", Token: "tok1"})

	m := NewManager("ws://chat.test/ws", dialer, creds, WithReconnect(0, time.Millisecond))
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.Eventually(t, func() bool { return m.State() == StateLive }, waitFor, tick)
	assert.Equal(t, []string{"tok1"}, dialer.dialedTokens())
}

func TestManager_LoginLogoutLoginScenario(t *testing.T) {
	f := newFixture(t, nil)

	first := f.login(t, "U1", "tok1")
	bound, ok := f.manager.Bound()
	require.True(t, ok)
	assert.Equal(t, "U1", bound.UserID)
	assert.Equal(t, StatusConnected, f.manager.Status())

	require.Eventually(t, func() bool { return len(first.frames(transport.EmitUserOnline)) == 1 }, waitFor, tick)

	f.creds.ClearIdentity()
	assert.Equal(t, StateIdle, f.manager.State(), "teardown completes synchronously")
	_, ok = f.manager.Bound()
	assert.False(t, ok)
	require.Eventually(t, func() bool { return first.closeCount() == 1 }, waitFor, tick)

	f.creds.ClearIdentity()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, first.closeCount(), "handle is released exactly once")

	second := f.login(t, "U2", "tok2")
	assert.Equal(t, []string{"tok1", "tok2"}, f.dialer.dialedTokens())
	bound, _ = f.manager.Bound()
	assert.Equal(t, "U2", bound.UserID)
	assert.Zero(t, second.closeCount())
}

func TestManager_SameIdentityDialsOnce(t *testing.T) {
	f := newFixture(t, nil)

	f.creds.SetIdentity("u1", "tok")
	f.creds.SetIdentity("u1", "tok")
	f.waitState(t, StateLive)

	f.creds.Restore(&domain.Identity{UserID: "u1", Token: "tok"})
	f.manager.reconcile()
	f.manager.Reconnect()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.dialer.dialCount())
}

func TestManager_SameIdentityWhileConnectingDialsOnce(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, &fakeDialer{gate: gate})

	f.creds.SetIdentity("u1", "tok")
	require.Eventually(t, func() bool { return f.dialer.dialCount() == 1 }, waitFor, tick)
	assert.Equal(t, StateConnecting, f.manager.State())

	f.manager.reconcile()
	close(gate)
	f.waitState(t, StateLive)
	assert.Equal(t, 1, f.dialer.dialCount())
}

func TestManager_IdentitySwitchTearsDownOld(t *testing.T) {
	f := newFixture(t, nil)

	first := f.login(t, "u1", "tok1")
	f.creds.SetIdentity("u2", "tok2")

	require.Eventually(t, func() bool {
		bound, ok := f.manager.Bound()
		return ok && bound.UserID == "u2" && f.manager.State() == StateLive
	}, waitFor, tick)
	require.Eventually(t, func() bool { return first.closeCount() == 1 }, waitFor, tick)

	// A token refresh for the same user is a different identity too.
	second := f.dialer.conn(-1)
	f.creds.SetIdentity("u2", "tok3")
	require.Eventually(t, func() bool {
		bound, ok := f.manager.Bound()
		return ok && bound.Token == "tok3" && f.manager.State() == StateLive
	}, waitFor, tick)
	require.Eventually(t, func() bool { return second.closeCount() == 1 }, waitFor, tick)
}

func TestManager_StaleHandshakeIsDiscarded(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, &fakeDialer{gate: gate})

	f.creds.SetIdentity("A", "tokA")
	require.Eventually(t, func() bool { return f.dialer.dialCount() == 1 }, waitFor, tick)
	assert.Equal(t, StateConnecting, f.manager.State())

	f.creds.ClearIdentity()
	assert.Equal(t, StateIdle, f.manager.State())

	close(gate)
	require.Eventually(t, func() bool {
		c := f.dialer.conn(0)
		return c != nil && c.closeCount() == 1
	}, waitFor, tick, "late connection must be released")

	assert.Never(t, func() bool { return f.manager.State() != StateIdle }, 50*time.Millisecond, tick)
	_, ok := f.manager.Bound()
	assert.False(t, ok)
	assert.NoError(t, f.manager.LastError(), "stale handshakes are not user visible")
}

func TestManager_StaleHandshakeForReplacedIdentity(t *testing.T) {
	gate := make(chan struct{})
	dialer := &fakeDialer{gate: gate}
	f := newFixture(t, dialer)

	f.creds.SetIdentity("A", "tokA")
	require.Eventually(t, func() bool { return dialer.dialCount() == 1 }, waitFor, tick)

	f.creds.SetIdentity("B", "tokB")
	require.Eventually(t, func() bool { return dialer.dialCount() == 2 }, waitFor, tick)
	close(gate)

	f.waitState(t, StateLive)
	bound, _ := f.manager.Bound()
	assert.Equal(t, "B", bound.UserID)
	require.Eventually(t, func() bool { return dialer.openConns() == 1 }, waitFor, tick)
}

func TestManager_AtMostOneConnection(t *testing.T) {
	f := newFixture(t, nil)
	rng := rand.New(rand.NewSource(42))
	users := []string{"a", "b", "c"}

	for i := 0; i < 60; i++ {
		if rng.Intn(4) == 0 {
			f.creds.ClearIdentity()
		} else {
			u := users[rng.Intn(len(users))]
			f.creds.SetIdentity(u, "tok-"+u)
		}

		if i%10 == 9 {
			cur, ok := f.creds.Identity()
			if !ok {
				f.waitState(t, StateIdle)
				require.Eventually(t, func() bool { return f.dialer.openConns() == 0 }, waitFor, tick)
				continue
			}
			require.Eventually(t, func() bool {
				bound, live := f.manager.Bound()
				return live && bound.Equal(cur) && f.manager.State() == StateLive
			}, waitFor, tick)
			require.Eventually(t, func() bool { return f.dialer.openConns() == 1 }, waitFor, tick)
			open := f.dialer.openTokens()
			require.Len(t, open, 1)
			assert.Equal(t, cur.Token, open[0], "the only open connection belongs to the current identity")
		}
	}
}

func TestManager_SendRequiresLive(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	msg := domain.Message{ClientKey: domain.NewClientKey(), RecipientID: "peer", Content: "hi"}

	err := f.manager.Send(ctx, msg)
	assert.ErrorIs(t, err, domain.ErrNotConnected)

	conn := f.login(t, "me", "tok")
	require.NoError(t, f.manager.Send(ctx, msg))

	frames := conn.frames(transport.EmitMessage)
	require.Len(t, frames, 1)
	var sent domain.Message
	require.NoError(t, frames[0].Decode(&sent))
	assert.Equal(t, msg.ClientKey, sent.ClientKey)
	assert.Equal(t, "me", sent.SenderID, "sender defaults to the bound user")
	assert.Zero(t, f.cache.Len(), "send does not write the cache")

	err = f.manager.Send(ctx, domain.Message{RecipientID: "peer", Content: "   "})
	assert.ErrorIs(t, err, domain.ErrInvalidMessage)

	f.creds.ClearIdentity()
	assert.ErrorIs(t, f.manager.Send(ctx, msg), domain.ErrNotConnected)
}

func TestManager_OptimisticSendAndEcho(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conn := f.login(t, "me", "tok")

	msg := domain.Message{
		ClientKey:   domain.NewClientKey(),
		SenderID:    "me",
		RecipientID: "peer",
		Content:     "hello",
		CreatedAt:   time.Now(),
		Pending:     true,
	}
	f.cache.Append(msg)
	require.NoError(t, f.manager.Send(ctx, msg))

	echo := msg
	echo.ID = "srv-1"
	echo.Pending = false
	conn.push(transport.EventMessage, echo)

	conv := domain.DirectConversation("me", "peer")
	require.Eventually(t, func() bool {
		list := f.cache.ListFor(conv)
		return len(list) == 1 && list[0].ID == "srv-1" && !list[0].Pending
	}, waitFor, tick)
}

func TestManager_RoutesInboundEvents(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.login(t, "me", "tok")
	f.roster.Replace([]domain.Group{{ID: "g1", Name: "Team", Members: []domain.GroupMember{{UserID: "me", Role: domain.RoleAdmin}}}})

	now := time.Now().UTC()
	conn.push(transport.EventUserList, []string{"u1", "u2"})
	conn.push(transport.EventUserOnline, transport.PresencePayload{UserID: "u42"})
	conn.push(transport.EventUserOnline, transport.PresencePayload{UserID: "u42"})
	conn.push(transport.EventUserOffline, transport.PresencePayload{UserID: "u1"})
	conn.push("someFutureEvent", map[string]string{"x": "y"})
	conn.push(transport.EventTyping, transport.TypingPayload{UserID: "u2", IsTyping: true})
	conn.push(transport.EventMessage, domain.Message{ID: "m1", SenderID: "u2", RecipientID: "me", Content: "yo", CreatedAt: now})
	conn.push(transport.EventMessage, domain.Message{ID: "m2", SenderID: "u2", RecipientID: "me", Content: "typo", CreatedAt: now.Add(time.Second)})
	conn.push(transport.EventGroupMessage, domain.Message{ID: "g-m1", SenderID: "u3", GroupID: "g1", Content: "all", CreatedAt: now})
	editedAt := now.Add(2 * time.Second)
	conn.push(transport.EventMessageEdited, transport.MessageEditedPayload{MessageID: "m2", Content: "fixed", EditedAt: &editedAt})
	conn.push(transport.EventMessageRead, transport.MessageRefPayload{MessageID: "m1", UserID: "me"})
	conn.push(transport.EventMessageDeleted, transport.MessageRefPayload{MessageID: "g-m1"})
	conn.push(transport.EventGroupUserJoined, transport.GroupPayload{GroupID: "g1", UserID: "u3"})
	conn.push(transport.EventGroupRoleUpdated, transport.GroupPayload{GroupID: "g1", UserID: "u3", Role: "moderator"})
	conn.push(transport.EventMessageEdited, transport.MessageEditedPayload{MessageID: "unknown", Content: "x"})
	conn.push(transport.EventTyping, transport.TypingPayload{UserID: "u3", GroupID: "g1", IsTyping: true})
	conn.push(transport.EventUserOnline, transport.PresencePayload{UserID: "sentinel"})

	require.Eventually(t, func() bool { return f.presence.IsOnline("sentinel") }, waitFor, tick)

	assert.Equal(t, []string{"sentinel", "u2", "u42"}, f.presence.OnlineUsers())
	assert.False(t, f.presence.IsOnline("u1"))

	direct := f.cache.ListFor(domain.DirectConversation("me", "u2"))
	require.Len(t, direct, 2)
	assert.Equal(t, domain.StatusRead, direct[0].Status())
	assert.Equal(t, "fixed", direct[1].Content)
	assert.True(t, direct[1].IsEdited())
	assert.Empty(t, f.cache.ListFor(domain.GroupConversation("g1")))

	assert.False(t, f.typing.IsTyping("u2", domain.DirectConversation("me", "u2")), "a message clears the sender's indicator")
	assert.True(t, f.typing.IsTyping("u3", domain.GroupConversation("g1")))

	role, ok := f.roster.RoleOf("g1", "u3")
	require.True(t, ok)
	assert.Equal(t, domain.RoleModerator, role)

	assert.Equal(t, StateLive, f.manager.State(), "unknown and unmatched events are not fatal")
}

func TestManager_TypingFromSelfIgnored(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.login(t, "me", "tok")

	conn.push(transport.EventTyping, transport.TypingPayload{UserID: "me", RecipientID: "u2", IsTyping: true})
	conn.push(transport.EventUserOnline, transport.PresencePayload{UserID: "sentinel"})
	require.Eventually(t, func() bool { return f.presence.IsOnline("sentinel") }, waitFor, tick)

	assert.Empty(t, f.typing.Snapshot())
}

func TestManager_HandshakeAuthErrorClearsIdentity(t *testing.T) {
	dialer := &fakeDialer{onDial: func(c *fakeConn) {
		c.push(transport.EventAuthError, transport.AuthErrorPayload{Message: "jwt expired"})
	}}
	f := newFixture(t, dialer, WithReconnect(3, time.Millisecond))

	f.creds.SetIdentity("u1", "old")

	require.Eventually(t, func() bool {
		_, ok := f.creds.Identity()
		return !ok
	}, waitFor, tick)
	assert.Equal(t, StateIdle, f.manager.State())
	assert.Equal(t, StatusError, f.manager.Status())
	assert.ErrorIs(t, f.manager.LastError(), domain.ErrAuthExpired)
	assert.Equal(t, 1, dialer.dialCount(), "auth rejections are not retried")
	require.Eventually(t, func() bool { return dialer.conn(0).closeCount() == 1 }, waitFor, tick)
}

func TestManager_DialUnauthorizedClearsIdentity(t *testing.T) {
	dialer := &fakeDialer{errs: []error{fmt.Errorf("upgrade: %w", domain.ErrAuthExpired)}}
	f := newFixture(t, dialer)

	f.creds.SetIdentity("u1", "old")
	require.Eventually(t, func() bool {
		_, ok := f.creds.Identity()
		return !ok
	}, waitFor, tick)
	assert.ErrorIs(t, f.manager.LastError(), domain.ErrAuthExpired)
}

func TestManager_AuthErrorWhileLive(t *testing.T) {
	f := newFixture(t, nil, WithReconnect(3, time.Millisecond))
	conn := f.login(t, "u1", "tok")

	conn.push(transport.EventAuthError, transport.AuthErrorPayload{Message: "revoked"})

	require.Eventually(t, func() bool {
		_, ok := f.creds.Identity()
		return !ok
	}, waitFor, tick)
	f.waitState(t, StateIdle)
	assert.Equal(t, StatusError, f.manager.Status())
	require.Eventually(t, func() bool { return conn.closeCount() == 1 }, waitFor, tick)
	assert.Equal(t, 1, f.dialer.dialCount())
}

func TestManager_HandshakeFailureIsObservable(t *testing.T) {
	boom := domain.NewTransportError("dial", errors.New("connection refused"))
	dialer := &fakeDialer{errs: []error{boom}}
	f := newFixture(t, dialer)

	f.creds.SetIdentity("u1", "tok")
	require.Eventually(t, func() bool { return f.manager.Status() == StatusError }, waitFor, tick)
	assert.Equal(t, StateIdle, f.manager.State())
	assert.ErrorIs(t, f.manager.LastError(), domain.ErrTransport)

	_, ok := f.creds.Identity()
	assert.True(t, ok, "transport errors keep the identity")

	f.manager.Reconnect()
	f.waitState(t, StateLive)
	assert.NoError(t, f.manager.LastError())
}

func TestManager_HandshakeRetriesAreBounded(t *testing.T) {
	boom := domain.NewTransportError("dial", errors.New("connection refused"))

	t.Run("recovers within budget", func(t *testing.T) {
		dialer := &fakeDialer{errs: []error{boom, boom}}
		f := newFixture(t, dialer, WithReconnect(3, time.Millisecond))

		f.creds.SetIdentity("u1", "tok")
		f.waitState(t, StateLive)
		assert.Equal(t, 3, dialer.dialCount())
	})

	t.Run("gives up after budget", func(t *testing.T) {
		dialer := &fakeDialer{errs: []error{boom, boom, boom, boom, boom}}
		f := newFixture(t, dialer, WithReconnect(2, time.Millisecond))

		f.creds.SetIdentity("u1", "tok")
		require.Eventually(t, func() bool { return f.manager.Status() == StatusError }, waitFor, tick)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 3, dialer.dialCount())
	})
}

func TestManager_ReconnectsAfterDropAndReplaysGroups(t *testing.T) {
	f := newFixture(t, nil, WithReconnect(2, time.Millisecond))
	ctx := context.Background()
	first := f.login(t, "u1", "tok")

	f.manager.JoinGroupChannel(ctx, "g2")
	f.manager.JoinGroupChannel(ctx, "g1")
	require.Len(t, first.frames(transport.EmitJoinGroup), 2)

	first.fail()

	require.Eventually(t, func() bool {
		return f.dialer.connCount() == 2 && f.manager.State() == StateLive
	}, waitFor, tick)
	second := f.dialer.conn(1)

	require.Eventually(t, func() bool { return len(second.frames(transport.EmitJoinGroup)) == 2 }, waitFor, tick)
	var replayed []string
	for _, env := range second.frames(transport.EmitJoinGroup) {
		var p transport.GroupPayload
		require.NoError(t, env.Decode(&p))
		replayed = append(replayed, p.GroupID)
	}
	assert.Equal(t, []string{"g1", "g2"}, replayed)
	assert.Len(t, second.frames(transport.EmitUserOnline), 1)
	require.Eventually(t, func() bool { return first.closeCount() == 1 }, waitFor, tick)
}

func TestManager_NoReconnectWhenDisabled(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.login(t, "u1", "tok")

	conn.fail()
	require.Eventually(t, func() bool { return f.manager.Status() == StatusError }, waitFor, tick)
	assert.Equal(t, StateIdle, f.manager.State())
	assert.ErrorIs(t, f.manager.LastError(), domain.ErrTransport)
	assert.Equal(t, 1, f.dialer.dialCount())
}

func TestManager_ServerDisconnectEndsSession(t *testing.T) {
	f := newFixture(t, nil, WithReconnect(3, time.Millisecond))
	conn := f.login(t, "u1", "tok")

	conn.push(transport.EventDisconnect, transport.DisconnectPayload{Reason: "io server disconnect"})

	require.Eventually(t, func() bool { return f.manager.Status() == StatusError }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.dialer.dialCount(), "a deliberate server disconnect is not retried")
}

func TestManager_GroupChannelsAreIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.manager.JoinGroupChannel(ctx, "g1")
	conn := f.login(t, "u1", "tok")
	require.Eventually(t, func() bool { return len(conn.frames(transport.EmitJoinGroup)) == 1 }, waitFor, tick,
		"subscriptions requested before going live are sent on connect")

	f.manager.JoinGroupChannel(ctx, "g1")
	assert.Len(t, conn.frames(transport.EmitJoinGroup), 1)
	assert.Equal(t, []string{"g1"}, f.manager.JoinedGroups())

	f.manager.LeaveGroupChannel(ctx, "g1")
	f.manager.LeaveGroupChannel(ctx, "g1")
	assert.Len(t, conn.frames(transport.EmitLeaveGroup), 1)
	assert.Empty(t, f.manager.JoinedGroups())
}

func TestManager_TypingThrottle(t *testing.T) {
	f := newFixture(t, nil, WithTypingInterval(time.Hour))
	ctx := context.Background()
	conv := domain.DirectConversation("u1", "peer")

	f.manager.SetTyping(ctx, conv, true)
	f.manager.SetTyping(ctx, conv, false)

	conn := f.login(t, "u1", "tok")
	assert.Empty(t, conn.frames(transport.EmitTyping), "typing is a no-op while not live")

	f.manager.SetTyping(ctx, conv, true)
	f.manager.SetTyping(ctx, conv, true)
	f.manager.SetTyping(ctx, conv, true)
	f.manager.SetTyping(ctx, conv, false)
	f.manager.SetTyping(ctx, conv, false)

	frames := conn.frames(transport.EmitTyping)
	require.Len(t, frames, 2)
	var start, stop transport.TypingPayload
	require.NoError(t, frames[0].Decode(&start))
	require.NoError(t, frames[1].Decode(&stop))
	assert.Equal(t, transport.TypingPayload{RecipientID: "peer", IsTyping: true}, start)
	assert.Equal(t, transport.TypingPayload{RecipientID: "peer", IsTyping: false}, stop)

	f.manager.SetTyping(ctx, domain.GroupConversation("g1"), true)
	frames = conn.frames(transport.EmitTyping)
	require.Len(t, frames, 3)
	var group transport.TypingPayload
	require.NoError(t, frames[2].Decode(&group))
	assert.Equal(t, "g1", group.GroupID)
}

func TestManager_PresenceEmits(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conn := f.login(t, "u1", "tok")

	f.manager.SetAway(ctx, true)
	f.manager.SetAway(ctx, false)
	f.manager.TouchActivity(ctx)
	f.manager.AnnounceOnline(ctx)
	require.NoError(t, f.manager.MarkAsRead(ctx, "m1"))
	assert.ErrorIs(t, f.manager.MarkAsRead(ctx, ""), domain.ErrInvalidMessage)

	assert.Len(t, conn.frames(transport.EmitSetOffline), 1)
	assert.Len(t, conn.frames(transport.EmitSetOnline), 1)
	assert.Len(t, conn.frames(transport.EmitUpdateLastSeen), 1)
	require.Eventually(t, func() bool { return len(conn.frames(transport.EmitUserOnline)) == 2 }, waitFor, tick)
	require.Len(t, conn.frames(transport.EmitMarkAsRead), 1)
}

func TestManager_ResetsSessionOnUserChange(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.login(t, "u1", "tok1")

	conn.push(transport.EventUserOnline, transport.PresencePayload{UserID: "u9"})
	conn.push(transport.EventMessage, domain.Message{ID: "m1", SenderID: "u9", RecipientID: "u1", Content: "hi"})
	require.Eventually(t, func() bool { return f.cache.Len() == 1 && f.presence.IsOnline("u9") }, waitFor, tick)

	// Token refresh for the same user keeps the session data.
	f.creds.SetIdentity("u1", "tok2")
	f.waitState(t, StateLive)
	assert.Equal(t, 1, f.cache.Len())

	f.creds.SetIdentity("u2", "tok3")
	assert.Zero(t, f.cache.Len())
	assert.False(t, f.presence.IsOnline("u9"))
}

func TestManager_StopReleasesConnection(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.login(t, "u1", "tok")

	f.manager.Stop()
	assert.Equal(t, StateIdle, f.manager.State())
	assert.Equal(t, 1, conn.closeCount())

	f.manager.Stop()
	f.creds.SetIdentity("u2", "tok2")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.dialer.dialCount())
}

func TestManager_PublishesStatusChanges(t *testing.T) {
	f := newFixture(t, nil)
	f.login(t, "u1", "tok")
	f.creds.ClearIdentity()

	assert.Equal(t, []string{
		string(StateConnecting),
		string(StateLive),
		string(StateClosing),
		string(StateIdle),
	}, f.status.states())
}

func TestManager_StatusChangesAreSequenced(t *testing.T) {
	f := newFixture(t, nil)
	f.login(t, "u1", "tok")
	f.creds.SetIdentity("u2", "tok2")
	f.waitState(t, StateLive)
	f.creds.ClearIdentity()

	seqs := f.status.seqs()
	require.NotEmpty(t, seqs)
	for i, seq := range seqs {
		assert.Equal(t, uint64(i+1), seq, "transition %d", i)
	}
}

func TestManager_OutageSharesOneRetryBudget(t *testing.T) {
	boom := domain.NewTransportError("dial", errors.New("connection refused"))
	f := newFixture(t, nil, WithReconnect(2, time.Millisecond))
	conn := f.login(t, "u1", "tok")

	f.dialer.mu.Lock()
	f.dialer.errs = []error{boom, boom, boom, boom, boom, boom, boom, boom}
	f.dialer.mu.Unlock()
	conn.fail()

	require.Eventually(t, func() bool { return f.manager.Status() == StatusError }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateIdle, f.manager.State())
	assert.Equal(t, 3, f.dialer.dialCount(), "the drop costs at most two extra dials in total")
}

func TestManager_RejectedOldTokenKeepsNewIdentity(t *testing.T) {
	gate := make(chan struct{})
	dialer := &fakeDialer{
		gate: gate,
		onDial: func(c *fakeConn) {
			if c.token == "old" {
				c.push(transport.EventAuthError, transport.AuthErrorPayload{Message: "jwt expired"})
				return
			}
			c.push(transport.EventConnect, transport.ConnectPayload{SID: "sid-" + c.token})
		},
	}
	f := newFixture(t, dialer)

	f.creds.SetIdentity("A", "old")
	require.Eventually(t, func() bool { return dialer.dialCount() == 1 }, waitFor, tick)
	f.creds.SetIdentity("B", "fresh")
	require.Eventually(t, func() bool { return dialer.dialCount() == 2 }, waitFor, tick)
	close(gate)

	f.waitState(t, StateLive)
	time.Sleep(20 * time.Millisecond)
	cur, ok := f.creds.Identity()
	require.True(t, ok, "rejection of the replaced token must not sign out the new user")
	assert.Equal(t, "fresh", cur.Token)
	assert.Equal(t, StateLive, f.manager.State())
}
