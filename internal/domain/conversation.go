package domain

// Conversation identifies a direct (two-party) or group message channel.
type Conversation struct {
	GroupID string
	// Peers holds the two participants of a direct conversation in sorted order.
	Peers [2]string
}

// DirectConversation builds the conversation between two users. The order of
// the arguments does not matter.
func DirectConversation(a, b string) Conversation {
	if b < a {
		a, b = b, a
	}
	return Conversation{Peers: [2]string{a, b}}
}

// GroupConversation builds the conversation of a group.
func GroupConversation(groupID string) Conversation {
	return Conversation{GroupID: groupID}
}

// IsGroup reports whether this is a group conversation.
func (c Conversation) IsGroup() bool {
	return c.GroupID != ""
}

// Key is a stable string form, used as a map key and as an event payload.
func (c Conversation) Key() string {
	if c.IsGroup() {
		return "group:" + c.GroupID
	}
	return "direct:" + c.Peers[0] + ":" + c.Peers[1]
}

// Contains reports whether m belongs to this conversation: group id equality
// for groups, sender/recipient pair membership for direct chats.
func (c Conversation) Contains(m Message) bool {
	if c.IsGroup() {
		return m.GroupID == c.GroupID
	}
	if m.GroupID != "" {
		return false
	}
	return DirectConversation(m.SenderID, m.RecipientID) == c
}

// Peer returns the other participant of a direct conversation from self's
// point of view.
func (c Conversation) Peer(self string) string {
	if c.Peers[0] == self {
		return c.Peers[1]
	}
	return c.Peers[0]
}
