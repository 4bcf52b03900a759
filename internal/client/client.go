// Package client invokes a running agent front door, either directly over
// HTTP or through the managed agent runtime.
//
// Usage:
//
//	c := client.New("http://localhost:8080", client.WithAPIKey("my-key"))
//	doc, err := c.Invoke(ctx, client.Request{SessionID: "s1", UserID: "u1", Input: "Hello!"})
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HeaderSessionID carries the conversation session id. The session id is
// never sent in the body.
const HeaderSessionID = "X-Amzn-Bedrock-AgentCore-Runtime-Session-Id"

// Request is a single invocation.
type Request struct {
	SessionID string
	UserID    string
	Input     string
}

type requestBody struct {
	Input  string `json:"input"`
	UserID string `json:"user_id,omitempty"`
}

// APIError represents an error response from the server.
type APIError struct {
	StatusCode int    `json:"status_code"`
	ErrorCode  string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.ErrorCode, e.Message)
}

// Option configures the Client.
type Option func(*Client)

// WithAPIKey sets the API key sent as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// Client invokes one endpoint.
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// New creates a client for a server listening at baseURL.
func New(baseURL string, opts ...Option) *Client {
	return newClient(strings.TrimRight(baseURL, "/")+"/invocations", opts...)
}

func newClient(invokeURL string, opts ...Option) *Client {
	c := &Client{
		url:        invokeURL,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the invocation URL.
func (c *Client) URL() string {
	return c.url
}

// Invoke sends req and returns the decoded response document.
func (c *Client) Invoke(ctx context.Context, req Request) (json.RawMessage, error) {
	if strings.TrimSpace(req.Input) == "" {
		return nil, errors.New("input is required")
	}
	data, err := json.Marshal(requestBody{Input: req.Input, UserID: req.UserID})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if req.SessionID != "" {
		httpReq.Header.Set(HeaderSessionID, req.SessionID)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request POST %s: %w", redact(c.url), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.ErrorCode == "" {
			apiErr.ErrorCode = "unknown"
			apiErr.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return nil, apiErr
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return readEventStream(resp.Body)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("response is not JSON: %q", truncate(body, 200))
	}
	return json.RawMessage(body), nil
}

// readEventStream collects the data lines of a server-sent event stream.
// A single event is returned as is; several are returned as a JSON array.
func readEventStream(r io.Reader) (json.RawMessage, error) {
	var events []json.RawMessage
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		if json.Valid([]byte(data)) {
			events = append(events, json.RawMessage(data))
			continue
		}
		quoted, _ := json.Marshal(data)
		events = append(events, quoted)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	switch len(events) {
	case 0:
		return nil, errors.New("event stream carried no data")
	case 1:
		return events[0], nil
	default:
		return json.Marshal(events)
	}
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	return u.String()
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
