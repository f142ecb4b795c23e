package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateOutgoing(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{
			name: "direct message",
			msg:  Message{SenderID: "a", RecipientID: "b", Content: "hi"},
		},
		{
			name: "group message",
			msg:  Message{SenderID: "a", GroupID: "g", Content: "hi"},
		},
		{
			name: "attachment without text",
			msg: Message{SenderID: "a", RecipientID: "b", Attachment: &Attachment{
				URL: "https://cdn.example.com/f.png", Name: "f.png",
			}},
		},
		{
			name:    "whitespace only",
			msg:     Message{SenderID: "a", RecipientID: "b", Content: "   \n"},
			wantErr: true,
		},
		{
			name:    "too long",
			msg:     Message{SenderID: "a", RecipientID: "b", Content: strings.Repeat("x", MaxContentLength+1)},
			wantErr: true,
		},
		{
			name:    "no destination",
			msg:     Message{SenderID: "a", Content: "hi"},
			wantErr: true,
		},
		{
			name:    "both destinations",
			msg:     Message{SenderID: "a", RecipientID: "b", GroupID: "g", Content: "hi"},
			wantErr: true,
		},
		{
			name:    "no sender",
			msg:     Message{RecipientID: "b", Content: "hi"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOutgoing(tt.msg)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMessage)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestMessageStatus(t *testing.T) {
	assert.Equal(t, StatusPending, Message{Pending: true}.Status())
	assert.Equal(t, StatusSent, Message{}.Status())
	assert.Equal(t, StatusDelivered, Message{Delivered: true}.Status())
	assert.Equal(t, StatusRead, Message{Delivered: true, ReadBy: []string{"b"}}.Status())
}

func TestMessageEditedAndExpired(t *testing.T) {
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	later := created.Add(time.Minute)

	m := Message{CreatedAt: created}
	assert.False(t, m.IsEdited())
	m.EditedAt = &later
	assert.True(t, m.IsEdited())

	assert.False(t, m.Expired(later))
	m.SelfDestructAt = &later
	assert.False(t, m.Expired(created))
	assert.True(t, m.Expired(later))
}

func TestMessageCloneIsDeep(t *testing.T) {
	at := time.Now()
	m := Message{ReadBy: []string{"a"}, EditedAt: &at, Attachment: &Attachment{Name: "f"}}
	c := m.Clone()

	c.ReadBy[0] = "z"
	c.Attachment.Name = "g"
	*c.EditedAt = at.Add(time.Hour)

	assert.Equal(t, "a", m.ReadBy[0])
	assert.Equal(t, "f", m.Attachment.Name)
	assert.Equal(t, at, *m.EditedAt)
}

func TestConversation(t *testing.T) {
	ab := DirectConversation("b", "a")
	assert.Equal(t, ab, DirectConversation("a", "b"))
	assert.Equal(t, "direct:a:b", ab.Key())
	assert.Equal(t, "b", ab.Peer("a"))
	assert.False(t, ab.IsGroup())

	assert.True(t, ab.Contains(Message{SenderID: "a", RecipientID: "b"}))
	assert.True(t, ab.Contains(Message{SenderID: "b", RecipientID: "a"}))
	assert.False(t, ab.Contains(Message{SenderID: "a", RecipientID: "c"}))
	assert.False(t, ab.Contains(Message{SenderID: "a", RecipientID: "b", GroupID: "g"}))

	g := GroupConversation("g")
	assert.Equal(t, "group:g", g.Key())
	assert.True(t, g.Contains(Message{SenderID: "x", GroupID: "g"}))
	assert.False(t, g.Contains(Message{SenderID: "x", GroupID: "h"}))

	assert.Equal(t, g, Message{GroupID: "g"}.Conversation())
}

func TestIdentity(t *testing.T) {
	assert.True(t, Identity{UserID: "u", Token: "t"}.Valid())
	assert.False(t, Identity{UserID: "u"}.Valid())
	assert.False(t, Identity{Token: "t"}.Valid())
	assert.True(t, Identity{UserID: "u", Token: "t"}.Equal(Identity{UserID: "u", Token: "t"}))
	assert.False(t, Identity{UserID: "u", Token: "t"}.Equal(Identity{UserID: "u", Token: "t2"}))
}

func TestValidateForms(t *testing.T) {
	require.NoError(t, Validate(Credentials{Email: "a@b.co", Password: "pw"}))
	assert.Error(t, Validate(Credentials{Email: "nope", Password: "pw"}))
	assert.Error(t, Validate(Registration{Username: "ab", Email: "a@b.co", Password: "secret1"}))
}
