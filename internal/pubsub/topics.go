package pubsub

import "time"

// StatusChanged is published whenever the connection manager changes state.
// Seq increases with every transition; the bus may deliver out of order.
type StatusChanged struct {
	Seq    uint64    `json:"seq"`
	State  string    `json:"state"`
	Status string    `json:"status"`
	UserID string    `json:"userId,omitempty"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// PresenceChanged carries the online set after a presence mutation.
type PresenceChanged struct {
	UserID string   `json:"userId,omitempty"`
	Online bool     `json:"online"`
	Users  []string `json:"users"`
}

// Message cache actions.
const (
	ActionAppended   = "appended"
	ActionReconciled = "reconciled"
	ActionUpdated    = "updated"
	ActionRemoved    = "removed"
	ActionPurged     = "purged"
	ActionReset      = "reset"
)

// MessagesChanged identifies which conversation needs to be re-read. Seq
// increases with every change announced by one cache.
type MessagesChanged struct {
	Seq          uint64 `json:"seq"`
	Action       string `json:"action"`
	Conversation string `json:"conversation,omitempty"`
	MessageID    string `json:"messageId,omitempty"`
	ClientKey    string `json:"clientKey,omitempty"`
}

// TypingChanged is published when a peer starts or stops typing.
type TypingChanged struct {
	Conversation string `json:"conversation"`
	UserID       string `json:"userId"`
	IsTyping     bool   `json:"isTyping"`
}

// GroupChanged is published when group membership or roles change.
type GroupChanged struct {
	Action  string `json:"action"`
	GroupID string `json:"groupId"`
	UserID  string `json:"userId,omitempty"`
	Role    string `json:"role,omitempty"`
}

var (
	TopicSessionStatus   = NewEvent[StatusChanged]("session.status", "Connection manager state transitions")
	TopicPresenceUpdated = NewEvent[PresenceChanged]("presence.updated", "Online set changed")
	TopicMessagesUpdated = NewEvent[MessagesChanged]("messages.updated", "Message cache changed")
	TopicTypingUpdated   = NewEvent[TypingChanged]("typing.updated", "Typing indicator changed")
	TopicGroupsUpdated   = NewEvent[GroupChanged]("groups.updated", "Group roster changed")
)
