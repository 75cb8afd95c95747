package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnstream/pkg/replay"
	"github.com/go-go-golems/turnstream/pkg/store"
	"github.com/go-go-golems/turnstream/pkg/turns"
)

// APIError is a non-2xx response of the sessions API.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("api error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("api error: status %d: %s", e.StatusCode, e.Detail)
}

// Unwrap maps a 404 to store.ErrSessionNotFound.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return store.ErrSessionNotFound
	}
	return nil
}

// Client talks to the sessions HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.http = c
	}
}

func WithTimeout(d time.Duration) ClientOption {
	return func(client *Client) {
		client.http.Timeout = d
	}
}

func NewClient(baseURL string, options ...ClientOption) *Client {
	ret := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Minute},
		logger:  log.With().Str("component", "api").Logger(),
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// apiTime accepts RFC 3339 timestamps as well as the naive ISO timestamps
// the backend emits for columns without a time zone.
type apiTime struct {
	time.Time
}

var apiTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (t *apiTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Wrap(err, "timestamp is not a string")
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range apiTimeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return errors.Errorf("unsupported timestamp %q", s)
}

type sessionResponse struct {
	ID        string         `json:"id"`
	Title     *string        `json:"title"`
	Status    string         `json:"status"`
	CreatedAt apiTime        `json:"created_at"`
	UpdatedAt apiTime        `json:"updated_at"`
	Turns     []turnResponse `json:"turns,omitempty"`
}

func (r sessionResponse) session() turns.Session {
	return turns.Session{
		ID:        r.ID,
		Title:     r.Title,
		Status:    r.Status,
		CreatedAt: r.CreatedAt.Time,
		UpdatedAt: r.UpdatedAt.Time,
	}
}

type turnResponse struct {
	ID               string          `json:"id"`
	SessionID        string          `json:"session_id,omitempty"`
	UserContent      *string         `json:"user_content"`
	AssistantBlocks  json.RawMessage `json:"assistant_blocks,omitempty"`
	AssistantContent *string         `json:"assistant_content,omitempty"`
	CreatedAt        apiTime         `json:"created_at"`
}

func (r turnResponse) stored(sessionID string) replay.StoredTurn {
	ret := replay.StoredTurn{
		ID:               r.ID,
		SessionID:        r.SessionID,
		UserContent:      r.UserContent,
		AssistantBlocks:  r.AssistantBlocks,
		AssistantContent: r.AssistantContent,
		CreatedAt:        r.CreatedAt.Time,
	}
	if ret.SessionID == "" {
		ret.SessionID = sessionID
	}
	return ret
}

func (c *Client) do(ctx context.Context, method string, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to marshal request")
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("api request")

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "failed to read response of %s %s", method, path)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var detail struct {
			Detail any `json:"detail"`
		}
		if err := json.Unmarshal(data, &detail); err == nil && detail.Detail != nil {
			if s, ok := detail.Detail.(string); ok {
				apiErr.Detail = s
			} else {
				b, _ := json.Marshal(detail.Detail)
				apiErr.Detail = string(b)
			}
		} else {
			apiErr.Detail = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "failed to decode response of %s %s", method, path)
	}
	return nil
}

// ListSessions returns all sessions, newest first.
func (c *Client) ListSessions(ctx context.Context) ([]turns.Session, error) {
	var resp []sessionResponse
	if err := c.do(ctx, http.MethodGet, "/sessions", nil, &resp); err != nil {
		return nil, err
	}
	ret := make([]turns.Session, 0, len(resp))
	for _, r := range resp {
		ret = append(ret, r.session())
	}
	return ret, nil
}

// CreateSession creates a session, optionally titled.
func (c *Client) CreateSession(ctx context.Context, title *string) (turns.Session, error) {
	var resp sessionResponse
	if err := c.do(ctx, http.MethodPost, "/sessions", map[string]any{"title": title}, &resp); err != nil {
		return turns.Session{}, err
	}
	return resp.session(), nil
}

// GetSession returns a session with its stored turns replayed. Turns that cannot be
// replayed are left out and logged.
func (c *Client) GetSession(ctx context.Context, id string) (turns.Session, error) {
	var resp sessionResponse
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &resp); err != nil {
		return turns.Session{}, err
	}
	ret := resp.session()
	ret.Turns = make([]turns.Turn, 0, len(resp.Turns))
	for _, tr := range resp.Turns {
		t, err := replay.Replay(tr.stored(id))
		if err != nil {
			c.logger.Warn().Err(err).Str("session_id", id).Str("turn_id", tr.ID).Msg("skipping malformed turn")
			continue
		}
		ret.Turns = append(ret.Turns, t)
	}
	return ret, nil
}

// SubmitTurn sends a user message and returns the persisted turn record once the
// backend has finished it. Streaming output is delivered separately on the event feed.
func (c *Client) SubmitTurn(ctx context.Context, sessionID string, content string) (replay.StoredTurn, error) {
	var resp turnResponse
	path := "/sessions/" + url.PathEscape(sessionID) + "/turns"
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"content": content}, &resp); err != nil {
		return replay.StoredTurn{}, err
	}
	return resp.stored(sessionID), nil
}

// GenerateTitle asks the backend to title a session and returns the new title.
func (c *Client) GenerateTitle(ctx context.Context, sessionID string) (string, error) {
	var resp struct {
		Title string `json:"title"`
	}
	path := "/sessions/" + url.PathEscape(sessionID) + "/title"
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return "", err
	}
	return resp.Title, nil
}
