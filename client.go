// Package itemsync keeps a paginated, server-backed item list in sync with a
// local durable cache, queues writes made while offline, and merges live
// push events from the backend.
//
// Example:
//
//	client := itemsync.NewClient(itemsync.WithBaseURL("http://localhost:3000"))
//	engine, _ := itemsync.NewEngine(ctx, itemsync.EngineConfig{
//		Gateway: client,
//		Storage: itemsync.NewMemoryStorage(),
//	})
//	defer engine.Close()
//	engine.Start(ctx)
//
//	_ = engine.Reconciler().LoadPage(ctx, 1)
//	outcome, _ := engine.Save(ctx, itemsync.Item{Name: "milk", Quantity: 2})
package itemsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Gateway
// ============================================================================

// Gateway is the request/response surface of the backend. Implementations
// never retry; retry policy belongs to the caller.
type Gateway interface {
	FetchPage(ctx context.Context, page, limit int) (*Page, error)
	Create(ctx context.Context, item Item) (*Item, error)
	Update(ctx context.Context, item Item) (*Item, error)
	Delete(ctx context.Context, id string) error
	Subscribe(ctx context.Context) (EventStream, error)
}

// EventStream is a cancellable, non-restartable sequence of push events.
// Close is the single exit path and may be called any number of times.
type EventStream interface {
	Events() <-chan Event
	Close() error
}

// ============================================================================
// Client
// ============================================================================

const (
	DefaultBaseURL = "http://localhost:3000"
	DefaultTimeout = 30 * time.Second

	itemsPath = "/api/item"
	loginPath = "/api/auth/login"
)

// Client is the HTTP implementation of Gateway.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	realtime   RealtimeConfig

	mu    sync.RWMutex
	token string
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithRealtimeConfig configures the push feed opened by Subscribe.
func WithRealtimeConfig(cfg RealtimeConfig) ClientOption {
	return func(c *Client) { c.realtime = cfg }
}

// NewClient creates a backend client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		realtime: DefaultRealtimeConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "gateway")
	return c
}

// SetToken sets or replaces the bearer token, e.g. after Login.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// BaseURL returns the backend root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, op, method, path string, body any, query url.Values) (int, []byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("%s: failed to marshal request: %w", op, err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		c.logger.Debug("request failed", "op", op, "method", method, "path", path, "error", err)
		return 0, nil, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &NetworkError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}
	c.logger.Debug("request done", "op", op, "method", method, "path", path,
		"status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())
	return resp.StatusCode, data, nil
}

func decodeJSON[T any](op string, data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("%s: failed to unmarshal response: %w", op, err)
	}
	return &result, nil
}

// statusError maps a non-2xx status to the error taxonomy. 404 is left to the
// caller, which knows which id went missing. A 401 on an item endpoint is a
// ServerError like any other status, so an expired token queues the write.
func statusError(op string, status int, body []byte) error {
	msg := responseMessage(body)
	switch status {
	case http.StatusBadRequest:
		return &ValidationError{Message: msg}
	default:
		return &ServerError{Op: op, StatusCode: status, Message: msg}
	}
}

func responseMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func isSuccess(status int) bool { return status >= 200 && status < 300 }

// ============================================================================
// Item endpoints
// ============================================================================

// FetchPage returns one page of the server-side list.
func (c *Client) FetchPage(ctx context.Context, page, limit int) (*Page, error) {
	if page < 1 || limit < 1 {
		return nil, &ValidationError{Fields: []string{"page", "limit"}, Message: "page and limit must be positive"}
	}
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(limit))

	status, data, err := c.doRequest(ctx, "fetch page", http.MethodGet, itemsPath, nil, query)
	if err != nil {
		return nil, err
	}
	if !isSuccess(status) {
		return nil, statusError("fetch page", status, data)
	}
	result, err := decodeJSON[Page]("fetch page", data)
	if err != nil {
		return nil, err
	}
	if result.Items == nil {
		result.Items = []Item{}
	}
	return result, nil
}

// Create posts an item without id; the server assigns one.
func (c *Client) Create(ctx context.Context, item Item) (*Item, error) {
	if err := item.Validate(); err != nil {
		return nil, err
	}
	item.ID = ""
	status, data, err := c.doRequest(ctx, "create item", http.MethodPost, itemsPath, item, nil)
	if err != nil {
		return nil, err
	}
	if !isSuccess(status) {
		return nil, statusError("create item", status, data)
	}
	return decodeJSON[Item]("create item", data)
}

// Update replaces the item identified by item.ID.
func (c *Client) Update(ctx context.Context, item Item) (*Item, error) {
	if item.ID == "" {
		return nil, &ValidationError{Fields: []string{"id"}, Message: "update requires an id"}
	}
	if err := item.Validate(); err != nil {
		return nil, err
	}
	status, data, err := c.doRequest(ctx, "update item", http.MethodPut, itemsPath+"/"+url.PathEscape(item.ID), item, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, &NotFoundError{ID: item.ID}
	}
	if !isSuccess(status) {
		return nil, statusError("update item", status, data)
	}
	return decodeJSON[Item]("update item", data)
}

// Delete removes an item server-side.
func (c *Client) Delete(ctx context.Context, id string) error {
	if id == "" {
		return &ValidationError{Fields: []string{"id"}, Message: "delete requires an id"}
	}
	status, data, err := c.doRequest(ctx, "delete item", http.MethodDelete, itemsPath+"/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return &NotFoundError{ID: id}
	}
	if !isSuccess(status) {
		return statusError("delete item", status, data)
	}
	return nil
}

// Subscribe opens the push feed.
func (c *Client) Subscribe(ctx context.Context) (EventStream, error) {
	return c.PushFeed().Subscribe(ctx)
}

// PushFeed returns a push feed bound to this client's base URL and token.
func (c *Client) PushFeed() *PushFeed {
	f := NewPushFeed(c.WSURL(), c.realtime, c.logger)
	f.token = c.Token()
	return f
}

// WSURL returns the WebSocket URL of the push feed.
func (c *Client) WSURL() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	path := c.realtime.Path
	if path == "" {
		path = "/"
	}
	return base + path
}
