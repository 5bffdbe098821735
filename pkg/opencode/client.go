// Package opencode is the HTTP client for a project's agent session
// server. The core models nothing beyond "session exists" and "message
// with id X exists"; everything else belongs to the session server.
package opencode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Client talks to one project's session server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client targeting the session server at baseURL,
// e.g. http://127.0.0.1:4097.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Session is a session-server session.
type Session struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// Message is one message in a session. Role is "user" or "assistant";
// Parts carries the text content.
type Message struct {
	ID    string        `json:"id"`
	Role  string        `json:"role"`
	Parts []MessagePart `json:"parts,omitempty"`
}

// MessagePart is one piece of a multipart message: text or a file URI.
type MessagePart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Mime     string `json:"mime,omitempty"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// PromptRequest is the body for the async prompt endpoint.
type PromptRequest struct {
	Model string        `json:"model,omitempty"`
	Parts []MessagePart `json:"parts"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("session server request", "method", method, "path", path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session server at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("session server error (%d): %s", resp.StatusCode, truncateBody(respBody))
	}
	return respBody, nil
}

// CreateSession creates a new session via POST /session.
func (c *Client) CreateSession(ctx context.Context, title string) (*Session, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/session", map[string]string{"title": title})
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("parsing session: %w", err)
	}
	if s.ID == "" {
		return nil, fmt.Errorf("session server returned a session without an id")
	}
	return &s, nil
}

// ListSessions lists sessions via GET /session.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/session", nil)
	if err != nil {
		return nil, err
	}
	var out []Session
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parsing sessions: %w", err)
	}
	return out, nil
}

// SendPromptAsync submits a prompt via POST /session/{id}/prompt_async.
// The session server processes it in the background; completion is
// observed through its event stream, not through this call.
func (c *Client) SendPromptAsync(ctx context.Context, sessionID string, prompt PromptRequest) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/session/"+sessionID+"/prompt_async", prompt)
	return err
}

// ListMessages fetches the messages of a session via GET /session/{id}/message.
func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/session/"+sessionID+"/message", nil)
	if err != nil {
		return nil, err
	}
	var out []Message
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parsing messages: %w", err)
	}
	return out, nil
}

// TextOf concatenates the text parts of a message.
func TextOf(m *Message) string {
	var text string
	for _, p := range m.Parts {
		if p.Type == "text" {
			text += p.Text
		}
	}
	return text
}

func truncateBody(b []byte) string {
	const maxLen = 500
	if len(b) > maxLen {
		b = b[:maxLen]
	}
	return string(b)
}
