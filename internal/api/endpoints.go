package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/nfrund/chatsync/internal/domain"
)

// AuthResponse is returned by login and registration.
type AuthResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

// Identity returns the identity carried by the response.
func (r AuthResponse) Identity() domain.Identity {
	return domain.Identity{UserID: r.User.ID, Token: r.Token}
}

// ProfileUpdate is the editable part of a profile. Nil fields are unchanged.
type ProfileUpdate struct {
	Username *string `json:"username,omitempty" validate:"omitempty,min=3,max=30"`
	Bio      *string `json:"bio,omitempty" validate:"omitempty,max=500"`
	Avatar   *string `json:"avatar,omitempty" validate:"omitempty,url"`
}

// Page selects a page of message history.
type Page struct {
	Page  int
	Limit int
}

func (p Page) query() url.Values {
	q := url.Values{}
	if p.Page > 0 {
		q.Set("page", strconv.Itoa(p.Page))
	}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	return q
}

// MessagePage is one page of conversation history.
type MessagePage struct {
	Messages []domain.Message `json:"messages"`
	HasMore  bool             `json:"hasMore"`
}

// Login exchanges credentials for a token. It does not touch the credential
// store; the caller decides what to do with the identity.
func (c *Client) Login(ctx context.Context, creds domain.Credentials) (*AuthResponse, error) {
	if err := domain.Validate(creds); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	var out AuthResponse
	if err := c.do(ctx, request{method: http.MethodPost, path: "/auth/login", body: creds}, &out); err != nil {
		return nil, err
	}
	if !out.Identity().Valid() {
		return nil, fmt.Errorf("login: response carried no token or user id")
	}
	return &out, nil
}

// Register creates an account and returns its first token.
func (c *Client) Register(ctx context.Context, reg domain.Registration) (*AuthResponse, error) {
	if err := domain.Validate(reg); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	var out AuthResponse
	if err := c.do(ctx, request{method: http.MethodPost, path: "/auth/register", body: reg}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logout invalidates the token on the server.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, request{method: http.MethodPost, path: "/auth/logout", auth: true}, nil)
}

// GetProfile returns the signed-in user's profile.
func (c *Client) GetProfile(ctx context.Context) (*domain.User, error) {
	var out domain.User
	if err := c.do(ctx, request{method: http.MethodGet, path: "/api/user/profile", auth: true}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateProfile saves profile changes and returns the updated profile.
func (c *Client) UpdateProfile(ctx context.Context, update ProfileUpdate) (*domain.User, error) {
	if err := domain.Validate(update); err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	var out domain.User
	if err := c.do(ctx, request{method: http.MethodPut, path: "/api/user/profile", body: update, auth: true}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetFriends returns the user's friends with their last known presence.
func (c *Client) GetFriends(ctx context.Context) ([]domain.User, error) {
	var out []domain.User
	if err := c.do(ctx, request{method: http.MethodGet, path: "/user/friends", auth: true}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetGroups returns the groups the user belongs to.
func (c *Client) GetGroups(ctx context.Context) ([]domain.Group, error) {
	var out []domain.Group
	if err := c.do(ctx, request{method: http.MethodGet, path: "/groups", auth: true}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetMessages returns a page of the direct conversation with peerID.
func (c *Client) GetMessages(ctx context.Context, peerID string, page Page) (*MessagePage, error) {
	var out MessagePage
	path := "/messages/" + peerID
	if err := c.do(ctx, request{method: http.MethodGet, path: path, query: page.query(), auth: true}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetGroupMessages returns a page of a group conversation.
func (c *Client) GetGroupMessages(ctx context.Context, groupID string, page Page) (*MessagePage, error) {
	var out MessagePage
	path := "/groups/" + groupID + "/messages"
	if err := c.do(ctx, request{method: http.MethodGet, path: path, query: page.query(), auth: true}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EditMessage changes the content of one of the user's messages. The cache is
// updated by the messageEdited echo.
func (c *Client) EditMessage(ctx context.Context, messageID, content string) error {
	body := map[string]string{"content": content}
	return c.do(ctx, request{method: http.MethodPut, path: "/messages/" + messageID, body: body, auth: true}, nil)
}

// DeleteMessage deletes one of the user's messages. The cache is updated by
// the messageDeleted echo.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, request{method: http.MethodDelete, path: "/messages/" + messageID, auth: true}, nil)
}
