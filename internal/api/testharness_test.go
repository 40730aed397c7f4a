package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/marcus/snapsync/internal/serverdb"
	"github.com/marcus/snapsync/internal/snapshot"
)

// TestHarness wraps a full Server with a real HTTP listener for integration tests.
type TestHarness struct {
	t       *testing.T
	Server  *Server
	Store   *serverdb.ServerDB
	BaseURL string
	client  *http.Client
	httpSrv *httptest.Server
}

// newTestHarness creates a TestHarness with a real HTTP server on a random port.
func newTestHarness(t *testing.T, opts ...func(*Config)) *TestHarness {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "server.db")
	store, err := serverdb.Open(dbPath)
	if err != nil {
		t.Fatalf("open server db: %v", err)
	}

	cfg := Config{
		ListenAddr:       ":0",
		ServerDBPath:     dbPath,
		RateLimitRead:    100000,
		RateLimitWrite:   100000,
		MaxDocumentBytes: 1 << 20,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	srv, err := NewServer(cfg, store)
	if err != nil {
		t.Fatalf("create server: %v", err)
	}

	httpSrv := httptest.NewServer(srv.Handler())

	h := &TestHarness{
		t:       t,
		Server:  srv,
		Store:   store,
		BaseURL: httpSrv.URL,
		client:  &http.Client{Timeout: 10 * time.Second},
		httpSrv: httpSrv,
	}

	t.Cleanup(func() {
		srv.fanout.CloseAll()
		srv.cancel()
		httpSrv.Close()
		store.Close()
	})

	return h
}

// Do sends an HTTP request and returns the response. A []byte body is sent
// as is; anything else is JSON-encoded.
// Caller must close resp.Body unless using assertion helpers (AssertErrorResponse,
// ReadJSON) which close it automatically.
func (h *TestHarness) Do(method, path, token string, body any) *http.Response {
	h.t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, h.BaseURL+path, reader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.t.Fatalf("do request %s %s: %v", method, path, err)
	}
	return resp
}

// PutDoc commits doc under id.
func (h *TestHarness) PutDoc(id, token string, doc snapshot.Document) *http.Response {
	h.t.Helper()
	return h.Do("PUT", "/v1/docs/"+id, token, doc)
}

// Subscribe opens a websocket subscription to id.
func (h *TestHarness) Subscribe(id, token string) *websocket.Conn {
	h.t.Helper()
	u := "ws" + strings.TrimPrefix(h.BaseURL, "http") + "/v1/docs/" + id + "/subscribe"
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(u, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		h.t.Fatalf("dial %s: %v (status %d)", u, err, status)
	}
	h.t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame reads one document frame from conn.
func readFrame(t *testing.T, conn *websocket.Conn) snapshot.Document {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, p, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	doc, err := snapshot.Parse(p)
	if err != nil {
		t.Fatalf("parse frame %s: %v", p, err)
	}
	return doc
}

// waitForSubscribers blocks until id has n subscribers.
func (h *TestHarness) waitForSubscribers(id string, n int) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.Server.fanout.Subscribers(id) != n {
		if time.Now().After(deadline) {
			h.t.Fatalf("subscribers for %s: got %d, want %d", id, h.Server.fanout.Subscribers(id), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testDoc(version int64, client, body string) snapshot.Document {
	return snapshot.Document{
		Snapshot: snapshot.Snapshot{"state": json.RawMessage(body)},
		Meta: snapshot.Meta{
			Version:   version,
			UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			ClientID:  client,
		},
	}
}

func quietLogs(t *testing.T) {
	t.Helper()
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
}

// --- Response assertion helpers ---

// AssertStatus checks the HTTP status code matches expected. Reads and closes the body on failure.
func AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected status %d, got %d: %s", expected, resp.StatusCode, string(body))
	}
}

// AssertErrorResponse checks the response has the expected status and error code.
func AssertErrorResponse(t *testing.T, resp *http.Response, expectedStatus int, expectedCode string) {
	t.Helper()
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != expectedStatus {
		t.Fatalf("expected status %d, got %d: %s", expectedStatus, resp.StatusCode, string(body))
	}
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Error.Code != expectedCode {
		t.Fatalf("expected error code %q, got %q: %s", expectedCode, errResp.Error.Code, errResp.Error.Message)
	}
}

// ReadJSON decodes a JSON response body into the given type.
func ReadJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode json response: %v", err)
	}
	return out
}
