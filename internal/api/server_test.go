package api

import (
	"net/http"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/marcus/snapsync/internal/snapshot"
)

func TestHealthAndMetrics(t *testing.T) {
	h := newTestHarness(t)

	resp := h.Do("GET", "/healthz", "", nil)
	AssertStatus(t, resp, http.StatusOK)
	health := ReadJSON[map[string]string](t, resp)
	if health["status"] != "ok" {
		t.Fatalf("health: got %v", health)
	}

	resp = h.PutDoc("state", "", testDoc(1, "c1", `1`))
	AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = h.Do("GET", "/metricz", "", nil)
	AssertStatus(t, resp, http.StatusOK)
	m := ReadJSON[MetricsSnapshot](t, resp)
	if m.Writes != 1 {
		t.Fatalf("writes: got %d, want 1", m.Writes)
	}
	if m.Requests < 3 {
		t.Fatalf("requests: got %d, want >= 3", m.Requests)
	}
}

func TestGetMissingDocument(t *testing.T) {
	h := newTestHarness(t)
	resp := h.Do("GET", "/v1/docs/nope", "", nil)
	AssertErrorResponse(t, resp, http.StatusNotFound, ErrCodeNotFound)
}

func TestPutThenGet(t *testing.T) {
	h := newTestHarness(t)

	resp := h.PutDoc("state", "", testDoc(0, "c1", `{"todos":[]}`))
	AssertStatus(t, resp, http.StatusOK)
	put := ReadJSON[PutResponse](t, resp)
	if put.Version != 0 {
		t.Fatalf("version: got %d, want 0", put.Version)
	}

	resp = h.Do("GET", "/v1/docs/state", "", nil)
	AssertStatus(t, resp, http.StatusOK)
	got := ReadJSON[snapshot.Document](t, resp)
	if got.Meta.ClientID != "c1" || got.Meta.Version != 0 {
		t.Fatalf("meta: got %+v", got.Meta)
	}
	if string(got.Snapshot["state"]) != `{"todos":[]}` {
		t.Fatalf("snapshot: got %s", got.Snapshot["state"])
	}
}

func TestPutRequiresAdvancingVersion(t *testing.T) {
	h := newTestHarness(t)

	resp := h.PutDoc("state", "", testDoc(3, "a", `1`))
	AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	for _, v := range []int64{3, 2} {
		resp = h.PutDoc("state", "", testDoc(v, "b", `2`))
		AssertErrorResponse(t, resp, http.StatusConflict, ErrCodeConflict)
	}

	resp = h.PutDoc("state", "", testDoc(4, "b", `2`))
	AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	m := h.Server.metrics.Snapshot()
	if m.Conflicts != 2 {
		t.Fatalf("conflicts: got %d, want 2", m.Conflicts)
	}
}

func TestPutRejectsMalformed(t *testing.T) {
	h := newTestHarness(t)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"snapshot":`},
		{"snapshot not an object", `{"snapshot":[1],"meta":{"version":1,"client_id":"c"}}`},
		{"missing snapshot", `{"meta":{"version":1,"client_id":"c"}}`},
		{"negative version", `{"snapshot":{},"meta":{"version":-1,"client_id":"c"}}`},
		{"missing client id", `{"snapshot":{},"meta":{"version":1}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.Do("PUT", "/v1/docs/state", "", []byte(tt.body))
			AssertErrorResponse(t, resp, http.StatusBadRequest, ErrCodeBadRequest)
		})
	}
}

func TestPutTooLarge(t *testing.T) {
	h := newTestHarness(t, func(cfg *Config) { cfg.MaxDocumentBytes = 64 })
	doc := testDoc(1, "c1", `"`+strings.Repeat("x", 200)+`"`)
	resp := h.PutDoc("state", "", doc)
	AssertErrorResponse(t, resp, http.StatusRequestEntityTooLarge, ErrCodeTooLarge)
}

func TestAPIKeyAuth(t *testing.T) {
	h := newTestHarness(t, func(cfg *Config) { cfg.APIKeys = []string{"k-one", "k-two"} })

	resp := h.Do("GET", "/v1/docs/state", "", nil)
	AssertErrorResponse(t, resp, http.StatusUnauthorized, ErrCodeUnauthorized)

	resp = h.Do("GET", "/v1/docs/state", "wrong", nil)
	AssertErrorResponse(t, resp, http.StatusUnauthorized, ErrCodeUnauthorized)

	resp = h.Do("GET", "/v1/docs/state", "k-two", nil)
	AssertErrorResponse(t, resp, http.StatusNotFound, ErrCodeNotFound)

	resp = h.Do("GET", "/healthz", "", nil)
	AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	conn := h.Subscribe("state", "k-one")
	conn.Close()
}

func TestSubscribeRejectedWithoutKey(t *testing.T) {
	h := newTestHarness(t, func(cfg *Config) { cfg.APIKeys = []string{"k-one"} })
	u := "ws" + strings.TrimPrefix(h.BaseURL, "http") + "/v1/docs/state/subscribe"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 response, got %v", resp)
	}
}

func TestSubscribeSendsCurrentThenCommits(t *testing.T) {
	quietLogs(t)
	h := newTestHarness(t)

	resp := h.PutDoc("state", "", testDoc(1, "a", `"first"`))
	AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	conn := h.Subscribe("state", "")
	first := readFrame(t, conn)
	if first.Meta.Version != 1 || string(first.Snapshot["state"]) != `"first"` {
		t.Fatalf("initial frame: got %+v", first)
	}

	// Commits are echoed to every subscriber, including the writer's own.
	resp = h.PutDoc("state", "", testDoc(2, "a", `"second"`))
	AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	if got := readFrame(t, conn); got.Meta.Version != 2 || got.Meta.ClientID != "a" {
		t.Fatalf("pushed frame: got %+v", got.Meta)
	}

	// Refused writes are not broadcast.
	resp = h.PutDoc("state", "", testDoc(2, "b", `"stale"`))
	AssertErrorResponse(t, resp, http.StatusConflict, ErrCodeConflict)
	resp = h.PutDoc("state", "", testDoc(5, "b", `"third"`))
	AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	if got := readFrame(t, conn); got.Meta.Version != 5 || got.Meta.ClientID != "b" {
		t.Fatalf("frame after conflict: got %+v", got.Meta)
	}
}

func TestSubscribeEmptyDocumentWaitsForFirstCommit(t *testing.T) {
	quietLogs(t)
	h := newTestHarness(t)

	conn := h.Subscribe("fresh", "")
	h.waitForSubscribers("fresh", 1)

	resp := h.PutDoc("fresh", "", testDoc(0, "a", `{}`))
	AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	if got := readFrame(t, conn); got.Meta.Version != 0 {
		t.Fatalf("frame: got %+v", got.Meta)
	}
}

func TestSubscriptionsAreScopedByDocument(t *testing.T) {
	quietLogs(t)
	h := newTestHarness(t)

	conn := h.Subscribe("one", "")
	h.waitForSubscribers("one", 1)

	resp := h.PutDoc("two", "", testDoc(1, "a", `2`))
	AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	resp = h.PutDoc("one", "", testDoc(1, "a", `1`))
	AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	if got := readFrame(t, conn); string(got.Snapshot["state"]) != `1` {
		t.Fatalf("frame: got %s, want 1", got.Snapshot["state"])
	}
}

func TestSubscriberGaugeTracksDisconnects(t *testing.T) {
	quietLogs(t)
	h := newTestHarness(t)

	c1 := h.Subscribe("state", "")
	h.Subscribe("state", "")
	h.waitForSubscribers("state", 2)

	c1.Close()
	h.waitForSubscribers("state", 1)
	if got := h.Server.metrics.Snapshot().Subscribers; got != 1 {
		t.Fatalf("subscribers gauge: got %d, want 1", got)
	}
}

func TestRequestIDHeader(t *testing.T) {
	h := newTestHarness(t)

	resp := h.Do("GET", "/healthz", "", nil)
	resp.Body.Close()
	if id := resp.Header.Get("X-Request-ID"); len(id) != 32 {
		t.Fatalf("request id: got %q", id)
	}

	req, _ := http.NewRequest("GET", h.BaseURL+"/healthz", nil)
	req.Header.Set("X-Request-ID", "trace-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if id := resp.Header.Get("X-Request-ID"); id != "trace-123" {
		t.Fatalf("request id: got %q, want trace-123", id)
	}
}

func TestInvalidDocumentID(t *testing.T) {
	h := newTestHarness(t)
	resp := h.Do("GET", "/v1/docs/"+strings.Repeat("a", maxDocumentIDLen+1), "", nil)
	AssertErrorResponse(t, resp, http.StatusBadRequest, ErrCodeBadRequest)
}
