package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nfrund/chatsync/internal/domain"
)

// TokenSource provides the bearer token and is told when the server rejects it.
// credentials.Store satisfies it.
type TokenSource interface {
	Identity() (domain.Identity, bool)
	// ClearIdentityIf clears the identity only if it is still id.
	ClearIdentityIf(id domain.Identity) bool
}

// Client is a thin JSON client for the chat REST API.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	creds   TokenSource
	logger  *slog.Logger
}

// Option is a function that configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithLogger sets the logger used by the client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, creds TokenSource, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api url %q must be http or https", baseURL)
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: 15 * time.Second},
		creds:   creds,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "api")
	return c, nil
}

type request struct {
	method string
	path   string
	query  url.Values
	body   any
	auth   bool
}

// do performs req and decodes the response into out. A 401 on an
// authenticated request clears the identity before the error is returned.
func (c *Client) do(ctx context.Context, req request, out any) error {
	u := *c.baseURL
	u.Path = c.baseURL.Path + req.path
	if req.query != nil {
		u.RawQuery = req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		raw, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", req.method, req.path, err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", req.method, req.path, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	var id domain.Identity
	if req.auth {
		var ok bool
		id, ok = c.creds.Identity()
		if !ok {
			return fmt.Errorf("%s %s: %w", req.method, req.path, domain.ErrNoIdentity)
		}
		httpReq.Header.Set("Authorization", "Bearer "+id.Token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.method, req.path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &domain.APIError{
			Status:  resp.StatusCode,
			Method:  req.method,
			Path:    req.path,
			Message: errorMessage(resp.Body),
		}
		if req.auth && resp.StatusCode == http.StatusUnauthorized {
			if c.creds.ClearIdentityIf(id) {
				c.logger.Warn("API rejected token, identity cleared", "method", req.method, "path", req.path, "user_id", id.UserID)
			}
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s %s: %w", req.method, req.path, err)
	}
	return nil
}

// errorMessage extracts {"message": "..."} or {"error": "..."} from an error
// body.
func errorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return strings.TrimSpace(string(raw))
	}
	if body.Message != "" {
		return body.Message
	}
	return body.Error
}
