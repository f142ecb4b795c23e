package domain

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// MaxContentLength is the longest message body the client will send.
const MaxContentLength = 5000

// Attachment references an uploaded file carried by a message.
type Attachment struct {
	URL  string `json:"url" validate:"required,url"`
	Name string `json:"name" validate:"required"`
	Type string `json:"type,omitempty"`
	Size int64  `json:"size,omitempty" validate:"gte=0"`
}

// MessageStatus is the delivery state shown next to an outgoing message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Message is a chat message in a direct or group conversation.
//
// ID is assigned by the server. ClientKey is generated by the sending client
// and echoed back by the server so the optimistic copy and the echo can be
// reconciled.
type Message struct {
	ID             string      `json:"id,omitempty"`
	ClientKey      string      `json:"clientKey,omitempty"`
	SenderID       string      `json:"senderId" validate:"required"`
	RecipientID    string      `json:"recipientId,omitempty" validate:"required_without=GroupID,excluded_with=GroupID"`
	GroupID        string      `json:"groupId,omitempty"`
	Content        string      `json:"content" validate:"required_without=Attachment,max=5000"`
	Attachment     *Attachment `json:"attachment,omitempty" validate:"omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	EditedAt       *time.Time  `json:"editedAt,omitempty"`
	ReadBy         []string    `json:"readBy,omitempty"`
	Delivered      bool        `json:"delivered,omitempty"`
	SelfDestructAt *time.Time  `json:"selfDestructAt,omitempty"`

	// Pending marks an optimistic local copy that the server has not echoed yet.
	Pending bool `json:"-"`
}

// NewClientKey returns a fresh idempotency key for an outbound message.
func NewClientKey() string {
	return uuid.NewString()
}

// Conversation returns the conversation the message belongs to.
func (m Message) Conversation() Conversation {
	if m.GroupID != "" {
		return GroupConversation(m.GroupID)
	}
	return DirectConversation(m.SenderID, m.RecipientID)
}

// IsEdited reports whether the message was edited after it was created.
func (m Message) IsEdited() bool {
	return m.EditedAt != nil && m.EditedAt.After(m.CreatedAt)
}

// Expired reports whether a self-destructing message has passed its deadline.
func (m Message) Expired(now time.Time) bool {
	return m.SelfDestructAt != nil && !now.Before(*m.SelfDestructAt)
}

// IsReadBy reports whether userID is in the read set.
func (m Message) IsReadBy(userID string) bool {
	return slices.Contains(m.ReadBy, userID)
}

// Status derives the delivery state of the message.
func (m Message) Status() MessageStatus {
	switch {
	case m.Pending:
		return StatusPending
	case len(m.ReadBy) > 0:
		return StatusRead
	case m.Delivered:
		return StatusDelivered
	default:
		return StatusSent
	}
}

// Clone returns a deep copy so cached records never share mutable state with
// callers.
func (m Message) Clone() Message {
	out := m
	if m.Attachment != nil {
		a := *m.Attachment
		out.Attachment = &a
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	if m.SelfDestructAt != nil {
		t := *m.SelfDestructAt
		out.SelfDestructAt = &t
	}
	out.ReadBy = slices.Clone(m.ReadBy)
	return out
}
