package domain

import "time"

// User is the profile of a user as returned by the REST API.
type User struct {
	ID       string     `json:"_id"`
	Username string     `json:"username"`
	Email    string     `json:"email"`
	Avatar   string     `json:"avatar,omitempty"`
	Bio      string     `json:"bio,omitempty"`
	IsOnline bool       `json:"isOnline,omitempty"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// GroupRole is a member's role inside a group.
type GroupRole string

const (
	RoleAdmin     GroupRole = "admin"
	RoleModerator GroupRole = "moderator"
	RoleMember    GroupRole = "member"
)

// GroupMember is a single entry of a group's member list.
type GroupMember struct {
	UserID string    `json:"userId"`
	Role   GroupRole `json:"role"`
}

// Group is a group conversation as returned by the REST API.
type Group struct {
	ID          string        `json:"_id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Members     []GroupMember `json:"members"`
}
