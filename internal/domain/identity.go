package domain

// Identity is the authenticated user's id and bearer token.
type Identity struct {
	UserID string `json:"id"`
	Token  string `json:"token"`
}

// Valid reports whether both halves of the identity are present. A live
// connection may only exist for a valid identity.
func (i Identity) Valid() bool {
	return i.UserID != "" && i.Token != ""
}

// Equal reports whether two identities would bind the same connection.
func (i Identity) Equal(other Identity) bool {
	return i.UserID == other.UserID && i.Token == other.Token
}
