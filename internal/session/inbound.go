package session

import (
	"errors"
	"fmt"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/messages"
	"github.com/nfrund/chatsync/internal/observability"
	"github.com/nfrund/chatsync/internal/transport"
)

// dispatch routes one inbound event of generation gen into the session
// stores. Events of an abandoned connection are dropped. It returns false when
// the read loop must stop.
func (m *Manager) dispatch(gen uint64, env transport.Envelope) bool {
	observability.RecordInbound(env.Event)

	switch env.Event {
	case transport.EventAuthError:
		var p transport.AuthErrorPayload
		_ = env.Decode(&p)
		err := fmt.Errorf("server rejected session %q: %w", p.Message, domain.ErrAuthExpired)
		if id, ok := m.endSession(gen, err, false); ok {
			m.creds.ClearIdentityIf(id)
		}
		return false
	case transport.EventDisconnect:
		var p transport.DisconnectPayload
		_ = env.Decode(&p)
		m.endSession(gen, domain.NewTransportError("disconnect", errors.New("server closed session: "+p.Reason)), false)
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state != StateLive {
		return false
	}
	self := m.bound.UserID

	if err := m.routeLocked(self, env); err != nil {
		m.logger.Warn("Dropping malformed event", "event", env.Event, "error", err)
		return true
	}
	// A session that delivers traffic earns a fresh reconnect budget.
	m.reconnects = 0
	return true
}

func (m *Manager) routeLocked(self string, env transport.Envelope) error {
	switch env.Event {
	case transport.EventConnect:
		return nil

	case transport.EventMessage, transport.EventGroupMessage:
		var msg domain.Message
		if err := env.Decode(&msg); err != nil {
			return err
		}
		if env.Event == transport.EventGroupMessage && msg.GroupID == "" {
			return errors.New("group message without group id")
		}
		m.cache.Append(msg)
		if msg.SenderID != self {
			m.typing.Set(msg.SenderID, msg.Conversation(), false)
		}

	case transport.EventMessageDeleted:
		var p transport.MessageRefPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		m.cache.RemoveByID(p.MessageID)

	case transport.EventMessageEdited:
		var p transport.MessageEditedPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		content := p.Content
		_, err := m.cache.UpdateByID(p.MessageID, messages.Patch{Content: &content, EditedAt: p.EditedAt})
		if errors.Is(err, domain.ErrNotFound) {
			m.logger.Debug("Edit for unknown message ignored", "message_id", p.MessageID)
			return nil
		}
		return err

	case transport.EventMessageRead:
		var p transport.MessageRefPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		if _, err := m.cache.MarkRead(p.MessageID, p.UserID); errors.Is(err, domain.ErrNotFound) {
			m.logger.Debug("Read receipt for unknown message ignored", "message_id", p.MessageID)
		}

	case transport.EventUserOnline:
		var p transport.PresencePayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		m.presence.MarkOnline(p.UserID)

	case transport.EventUserOffline:
		var p transport.PresencePayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		m.presence.MarkOffline(p.UserID)
		if p.LastSeen != nil {
			m.presence.SeedLastSeen(p.UserID, *p.LastSeen)
		}

	case transport.EventUserList:
		var p transport.UserListPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		m.presence.ReplaceAll(p.Users)

	case transport.EventTyping:
		var p transport.TypingPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		if p.UserID == "" || p.UserID == self {
			return nil
		}
		conv := domain.DirectConversation(p.UserID, self)
		if p.GroupID != "" {
			conv = domain.GroupConversation(p.GroupID)
		}
		m.typing.Set(p.UserID, conv, p.IsTyping)

	case transport.EventGroupUserJoined:
		var p transport.GroupPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		m.roster.Join(p.GroupID, p.UserID)

	case transport.EventGroupUserLeft:
		var p transport.GroupPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		m.roster.Leave(p.GroupID, p.UserID)
		if p.UserID == self {
			delete(m.joined, p.GroupID)
		}

	case transport.EventGroupRoleUpdated:
		var p transport.GroupPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		if err := m.roster.UpdateRole(p.GroupID, p.UserID, domain.GroupRole(p.Role)); err != nil {
			m.logger.Debug("Role update ignored", "group_id", p.GroupID, "user_id", p.UserID, "error", err)
		}

	default:
		m.logger.Debug("Ignoring unknown event", "event", env.Event)
	}
	return nil
}
