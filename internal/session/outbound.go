package session

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/observability"
	"github.com/nfrund/chatsync/internal/transport"
	"golang.org/x/time/rate"
)

// write serializes one event onto the live connection. It fails with
// domain.ErrNotConnected unless the manager is live.
func (m *Manager) write(ctx context.Context, event string, data any) error {
	m.mu.Lock()
	conn := m.conn
	live := m.state == StateLive && conn != nil
	m.mu.Unlock()

	if !live {
		observability.RecordOutbound(event, observability.OutboundDropped)
		return domain.ErrNotConnected
	}

	env, err := transport.NewEnvelope(event, data)
	if err != nil {
		observability.RecordOutbound(event, observability.OutboundFailed)
		return err
	}
	if err := conn.Write(ctx, env); err != nil {
		observability.RecordOutbound(event, observability.OutboundFailed)
		return fmt.Errorf("send %s: %w", event, err)
	}
	observability.RecordOutbound(event, observability.OutboundSent)
	return nil
}

// fireAndForget writes an event whose failure is not reported to the caller.
func (m *Manager) fireAndForget(ctx context.Context, event string, data any) {
	err := m.write(ctx, event, data)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotConnected):
		m.logger.Debug("Skipping event, connection is not live", "event", event)
	default:
		m.logger.Warn("Failed to send event", "event", event, "error", err)
	}
}

// Send writes msg to the connection. It does not touch the message cache; the
// caller owns the optimistic copy. Sends attempted while not live are dropped
// with domain.ErrNotConnected and never queued.
func (m *Manager) Send(ctx context.Context, msg domain.Message) error {
	id, live := m.liveIdentity()
	if !live {
		observability.RecordOutbound(transport.EmitMessage, observability.OutboundDropped)
		m.logger.Warn("Dropping message, connection is not live", "client_key", msg.ClientKey)
		return domain.ErrNotConnected
	}
	if msg.SenderID == "" {
		msg.SenderID = id.UserID
	}
	if err := domain.ValidateOutgoing(msg); err != nil {
		return err
	}

	if err := m.write(ctx, transport.EmitMessage, msg); err != nil {
		return err
	}
	m.logger.Debug("Message sent", "client_key", msg.ClientKey, "conversation", msg.Conversation().Key())
	return nil
}

func (m *Manager) liveIdentity() (domain.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateLive || m.conn == nil || m.bound == nil {
		return domain.Identity{}, false
	}
	return *m.bound, true
}

// SetTyping signals the local user's typing state in conv. Start signals are
// throttled per conversation; a stop is only sent after a start. Nothing is
// sent, and no error reported, while not live.
func (m *Manager) SetTyping(ctx context.Context, conv domain.Conversation, isTyping bool) {
	m.mu.Lock()
	if m.state != StateLive || m.bound == nil {
		m.mu.Unlock()
		return
	}
	self := m.bound.UserID
	key := conv.Key()
	limiter, started := m.typingSent[key]
	if isTyping {
		if !started {
			limiter = rate.NewLimiter(rate.Every(m.typingInterval), 1)
			m.typingSent[key] = limiter
		}
		if !limiter.Allow() {
			m.mu.Unlock()
			observability.RecordOutbound(transport.EmitTyping, observability.OutboundDeferred)
			return
		}
	} else {
		if !started {
			m.mu.Unlock()
			return
		}
		delete(m.typingSent, key)
	}
	m.mu.Unlock()

	p := transport.TypingPayload{IsTyping: isTyping}
	if conv.IsGroup() {
		p.GroupID = conv.GroupID
	} else {
		p.RecipientID = conv.Peer(self)
	}
	m.fireAndForget(ctx, transport.EmitTyping, p)
}

// JoinGroupChannel subscribes to a group's events. The subscription is
// remembered and replayed after a reconnect. Joining twice is a no-op.
func (m *Manager) JoinGroupChannel(ctx context.Context, groupID string) {
	if groupID == "" {
		return
	}
	m.mu.Lock()
	if _, ok := m.joined[groupID]; ok {
		m.mu.Unlock()
		return
	}
	m.joined[groupID] = struct{}{}
	m.mu.Unlock()

	m.fireAndForget(ctx, transport.EmitJoinGroup, transport.GroupPayload{GroupID: groupID})
}

// LeaveGroupChannel drops a group subscription. Leaving a group that was not
// joined is a no-op.
func (m *Manager) LeaveGroupChannel(ctx context.Context, groupID string) {
	m.mu.Lock()
	if _, ok := m.joined[groupID]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.joined, groupID)
	m.mu.Unlock()

	m.fireAndForget(ctx, transport.EmitLeaveGroup, transport.GroupPayload{GroupID: groupID})
}

// JoinedGroups returns the group channels currently subscribed.
func (m *Manager) JoinedGroups() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.joined))
	for groupID := range m.joined {
		out = append(out, groupID)
	}
	slices.Sort(out)
	return out
}

// MarkAsRead sends a read receipt for messageID.
func (m *Manager) MarkAsRead(ctx context.Context, messageID string) error {
	if messageID == "" {
		return fmt.Errorf("%w: empty message id", domain.ErrInvalidMessage)
	}
	return m.write(ctx, transport.EmitMarkAsRead, transport.MessageRefPayload{MessageID: messageID})
}

// AnnounceOnline tells the server the local user is present. It is sent
// automatically whenever the connection goes live.
func (m *Manager) AnnounceOnline(ctx context.Context) {
	id, ok := m.Bound()
	if !ok {
		return
	}
	m.fireAndForget(ctx, transport.EmitUserOnline, transport.UserOnlinePayload{UserID: id.UserID})
}

// SetAway marks the local user away (offline to peers) or back online.
func (m *Manager) SetAway(ctx context.Context, away bool) {
	if away {
		m.fireAndForget(ctx, transport.EmitSetOffline, nil)
		return
	}
	m.fireAndForget(ctx, transport.EmitSetOnline, nil)
}

// TouchActivity refreshes the local user's last-seen time on the server.
func (m *Manager) TouchActivity(ctx context.Context) {
	m.fireAndForget(ctx, transport.EmitUpdateLastSeen, nil)
}
