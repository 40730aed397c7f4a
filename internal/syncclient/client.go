// Package syncclient is the HTTP and websocket client for snapsync-server.
// *Client implements remote.Store.
package syncclient

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
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/marcus/snapsync/internal/snapshot"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

const (
	defaultMinBackoff = 250 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	pongWait          = 60 * time.Second
)

// Client talks to one snapsync-server.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
	Dialer  *websocket.Dialer

	// Reconnect backoff bounds for subscriptions.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// New creates a new sync client.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTP:       &http.Client{Timeout: 30 * time.Second},
		Dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		MinBackoff: defaultMinBackoff,
		MaxBackoff: defaultMaxBackoff,
	}
}

// PutResponse is the response from PUT /v1/docs/{id}.
type PutResponse struct {
	Version int64 `json:"version"`
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthCheck hits the /healthz endpoint to verify server reachability.
func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doNoAuth(ctx, "GET", "/healthz", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Get fetches a document. It returns (nil, nil) when the document does not
// exist.
func (c *Client) Get(ctx context.Context, id string) (*snapshot.Document, error) {
	var raw json.RawMessage
	err := c.do(ctx, "GET", docPath(id), nil, &raw)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	doc, err := snapshot.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return &doc, nil
}

// Set commits a document. A version that does not advance the stored one
// fails with snapshot.ErrStaleWrite.
func (c *Client) Set(ctx context.Context, id string, doc snapshot.Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	var resp PutResponse
	if err := c.do(ctx, "PUT", docPath(id), doc, &resp); err != nil {
		return fmt.Errorf("set %s: %w", id, err)
	}
	return nil
}

// Subscribe streams committed documents over a websocket until unsubscribe
// is called or ctx ends. Dropped connections are re-dialed with capped
// exponential backoff; the server re-sends the current document on every
// connect. Malformed frames are dropped.
func (c *Client) Subscribe(ctx context.Context, id string, onUpdate func(snapshot.Document)) (func(), error) {
	u, err := c.subscribeURL(id)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &subscription{client: c, url: u, onUpdate: onUpdate, done: make(chan struct{})}
	go s.run(subCtx)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			s.closeConn()
			<-s.done
		})
	}, nil
}

func (c *Client) subscribeURL(id string) (string, error) {
	u, err := url.Parse(c.BaseURL + docPath(id) + "/subscribe")
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

type subscription struct {
	client   *Client
	url      string
	onUpdate func(snapshot.Document)
	done     chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.done)
	c := s.client
	backoff := c.MinBackoff
	if backoff <= 0 {
		backoff = defaultMinBackoff
	}

	for {
		connected, err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = c.MinBackoff
			if backoff <= 0 {
				backoff = defaultMinBackoff
			}
		}
		slog.Warn("syncclient: subscription dropped, reconnecting", "url", s.url, "in", backoff, "err", err)

		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
		backoff *= 2
		if limit := c.MaxBackoff; limit > 0 && backoff > limit {
			backoff = limit
		}
	}
}

// connectAndRead dials once and reads frames until the connection fails.
func (s *subscription) connectAndRead(ctx context.Context) (bool, error) {
	c := s.client
	header := http.Header{}
	if c.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.APIKey)
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, s.url, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusUnauthorized {
				return false, fmt.Errorf("dial: %w", ErrUnauthorized)
			}
		}
		return false, fmt.Errorf("dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer s.closeConn()

	// A blocked ReadMessage only returns once the conn is closed. AfterFunc
	// runs at once if ctx already ended between dial and here.
	stop := context.AfterFunc(ctx, s.closeConn)
	defer stop()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	for {
		mt, p, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		doc, err := snapshot.Parse(p)
		if err != nil {
			slog.Warn("syncclient: dropping malformed frame", "err", err)
			continue
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		s.onUpdate(doc)
	}
}

func (s *subscription) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func docPath(id string) string {
	return "/v1/docs/" + url.PathEscape(id)
}

// --- HTTP helpers ---

// apiError is the standard error body from the server.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Error apiError `json:"error"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

// do executes an authenticated HTTP request.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	return c.doRequest(ctx, method, path, body, result, true)
}

// doNoAuth executes an unauthenticated HTTP request.
func (c *Client) doNoAuth(ctx context.Context, method, path string, body, result any) error {
	return c.doRequest(ctx, method, path, body, result, false)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result any, auth bool) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth && c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w: %w", snapshot.ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w: %w", snapshot.ErrRemoteUnavailable, err)
	}

	if resp.StatusCode >= 400 {
		var eb errorBody
		json.Unmarshal(respBody, &eb)
		apiErr := eb.Error
		switch {
		case resp.StatusCode == http.StatusConflict:
			return fmt.Errorf("%w: %s", snapshot.ErrStaleWrite, apiErr.Message)
		case resp.StatusCode == http.StatusUnauthorized:
			return fmt.Errorf("%w: %w: %s", ErrUnauthorized, snapshot.ErrRemoteUnavailable, apiErr.Message)
		case resp.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: %w: %s", ErrForbidden, snapshot.ErrRemoteUnavailable, apiErr.Message)
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
		case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusRequestEntityTooLarge:
			return fmt.Errorf("%w: %s", snapshot.ErrMalformedDocument, &apiErr)
		case apiErr.Code != "":
			return fmt.Errorf("%w: %w", snapshot.ErrRemoteUnavailable, &apiErr)
		}
		return fmt.Errorf("%w: HTTP %d: %s", snapshot.ErrRemoteUnavailable, resp.StatusCode, string(respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}
