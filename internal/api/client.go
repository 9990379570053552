// Package api is the REST collaborator of the realtime core: login,
// profile lookup, the conversation list, and message history.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	chaterrors "github.com/alexjbarnes/feedchat/internal/errors"
	"github.com/alexjbarnes/feedchat/internal/models"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller may retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads. History responses
	// are the largest payloads and stay well below this.
	maxAPIResponseBytes = 8 * 1024 * 1024
)

// Client talks to the social feed REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host so the bearer token never leaves
// the backend's domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for baseURL. If httpClient is nil, a
// client with a 30-second timeout and same-host redirect policy is used.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// do sends a request and decodes a JSON response into result. token, when
// non-empty, is sent as a bearer credential.
func (c *Client) do(ctx context.Context, method, endpoint, token string, body, result interface{}) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: fmt.Errorf("%w: %s %s: %w", chaterrors.ErrAPIRequest, method, endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := sanitizeResponseBody(respBody)

		var apiErr APIError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			msg = apiErr.Message
		}

		err := fmt.Errorf("%w: %s %s returned %d: %s", chaterrors.ErrAPIResponse, method, endpoint, resp.StatusCode, msg)

		if resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %w", chaterrors.ErrInvalidToken, err)
		}

		if isTransientStatus(resp.StatusCode) {
			return &TransientError{Err: err}
		}

		return err
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", chaterrors.ErrAPIResponse, endpoint, err)
		}
	}

	return nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// Login authenticates with email and password.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResponse, error) {
	req := LoginRequest{Email: email, Password: password}

	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", "", req, &resp); err != nil {
		if !IsTransient(err) && errors.Is(err, chaterrors.ErrAPIResponse) {
			return nil, fmt.Errorf("logging in: %w: %w", chaterrors.ErrInvalidCredentials, err)
		}

		return nil, fmt.Errorf("logging in: %w", err)
	}

	if resp.Token == "" || resp.User.ID == "" {
		return nil, fmt.Errorf("logging in: %w: missing token or user", chaterrors.ErrAPIResponse)
	}

	return &resp, nil
}

// Me returns the profile the token belongs to. Used to validate a cached
// token before opening a realtime session.
func (c *Client) Me(ctx context.Context, token string) (*models.User, error) {
	var u models.User
	if err := c.do(ctx, http.MethodGet, "/api/users/me", token, nil, &u); err != nil {
		return nil, fmt.Errorf("fetching current user: %w", err)
	}

	if u.ID == "" {
		return nil, fmt.Errorf("fetching current user: %w: missing id", chaterrors.ErrAPIResponse)
	}

	return &u, nil
}

// Conversations lists the user's conversations.
func (c *Client) Conversations(ctx context.Context, token string) ([]models.ConversationSummary, error) {
	var list []models.ConversationSummary
	if err := c.do(ctx, http.MethodGet, "/api/conversations", token, nil, &list); err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	return list, nil
}

// Messages returns the history with peer, oldest first as the backend
// orders it.
func (c *Client) Messages(ctx context.Context, token, peer string) ([]models.Message, error) {
	var msgs []models.Message
	if err := c.do(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(peer), token, nil, &msgs); err != nil {
		return nil, fmt.Errorf("fetching messages with %s: %w", peer, err)
	}

	return msgs, nil
}

// Session binds a Client to one bearer token so the realtime core can
// fetch without handling credentials itself.
type Session struct {
	client *Client
	token  string
}

// WithToken returns a token-bound view of the client.
func (c *Client) WithToken(token string) *Session {
	return &Session{client: c, token: token}
}

// Messages fetches history with peer using the bound token.
func (s *Session) Messages(ctx context.Context, peer string) ([]models.Message, error) {
	return s.client.Messages(ctx, s.token, peer)
}

// Conversations lists conversations using the bound token.
func (s *Session) Conversations(ctx context.Context) ([]models.ConversationSummary, error) {
	return s.client.Conversations(ctx, s.token)
}
