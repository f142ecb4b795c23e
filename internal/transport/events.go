package transport

import (
	"encoding/json"
	"fmt"
	"time"
)

// Events emitted by the server.
const (
	EventConnect          = "connect"
	EventDisconnect       = "disconnect"
	EventMessage          = "message"
	EventMessageDeleted   = "messageDeleted"
	EventMessageEdited    = "messageEdited"
	EventMessageRead      = "messageRead"
	EventUserOnline       = "userOnline"
	EventUserOffline      = "userOffline"
	EventTyping           = "typing"
	EventGroupMessage     = "groupMessage"
	EventGroupUserJoined  = "groupUserJoined"
	EventGroupUserLeft    = "groupUserLeft"
	EventGroupRoleUpdated = "groupRoleUpdated"
	EventUserList         = "userList"
	EventAuthError        = "authError"
)

// Events emitted by the client. EmitMessage and EmitTyping share their names
// with the inbound events.
const (
	EmitMessage        = "message"
	EmitTyping         = "typing"
	EmitJoinGroup      = "joinGroup"
	EmitLeaveGroup     = "leaveGroup"
	EmitUserOnline     = "user-online"
	EmitMarkAsRead     = "markAsRead"
	EmitSetOnline      = "setOnline"
	EmitSetOffline     = "setOffline"
	EmitUpdateLastSeen = "updateLastSeen"
)

// ConnectPayload acknowledges the handshake.
type ConnectPayload struct {
	SID string `json:"sid"`
}

// DisconnectPayload is sent by the server before it drops the connection.
type DisconnectPayload struct {
	Reason string `json:"reason,omitempty"`
}

// AuthErrorPayload rejects the bearer token.
type AuthErrorPayload struct {
	Message string `json:"message,omitempty"`
}

// PresencePayload carries userOnline and userOffline.
type PresencePayload struct {
	UserID   string     `json:"userId"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// UserListPayload is the online snapshot sent after connect. The server sends
// either a bare array of ids or an object with a users field.
type UserListPayload struct {
	Users []string `json:"users"`
}

// UnmarshalJSON accepts both snapshot shapes.
func (p *UserListPayload) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err == nil {
		p.Users = ids
		return nil
	}
	var obj struct {
		Users []string `json:"users"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("user list: %w", err)
	}
	p.Users = obj.Users
	return nil
}

// TypingPayload is used in both directions. Inbound frames carry the typing
// user; outbound frames carry the target conversation.
type TypingPayload struct {
	UserID      string `json:"userId,omitempty"`
	RecipientID string `json:"recipientId,omitempty"`
	GroupID     string `json:"groupId,omitempty"`
	IsTyping    bool   `json:"isTyping"`
}

// MessageRefPayload identifies a message, for deletes and read receipts.
type MessageRefPayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId,omitempty"`
}

// MessageEditedPayload carries the new content of an edited message.
type MessageEditedPayload struct {
	MessageID string     `json:"messageId"`
	Content   string     `json:"content"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
}

// GroupPayload is used for joinGroup/leaveGroup and the group membership
// events.
type GroupPayload struct {
	GroupID string `json:"groupId"`
	UserID  string `json:"userId,omitempty"`
	Role    string `json:"role,omitempty"`
}

// UserOnlinePayload announces the local user.
type UserOnlinePayload struct {
	UserID string `json:"userId"`
}
