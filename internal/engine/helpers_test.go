package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/marcus/snapsync/internal/remote"
	"github.com/marcus/snapsync/internal/snapshot"
)

var errDiskFull = errors.New("disk full")

// memCache is an in-memory LocalStore that can be made to fail.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	fail bool
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (m *memCache) Read(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, false, errDiskFull
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Write(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errDiskFull
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memCache) doc(t *testing.T, id string) snapshot.Document {
	t.Helper()
	m.mu.Lock()
	raw, ok := m.data[DocumentKey(id)]
	m.mu.Unlock()
	if !ok {
		t.Fatalf("no local document %q", id)
	}
	doc, err := snapshot.Parse(raw)
	if err != nil {
		t.Fatalf("parse local document: %v", err)
	}
	return doc
}

func (m *memCache) put(t *testing.T, id string, doc snapshot.Document) {
	t.Helper()
	data, err := snapshot.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	m.Write(DocumentKey(id), data)
}

// fakeStore is a scriptable remote.Store. Unlike Hub it does not echo
// commits; tests push updates with deliver.
type fakeStore struct {
	mu       sync.Mutex
	doc      *snapshot.Document
	sets     []snapshot.Document
	failures int
	lossy    int // commits that still report err
	err      error
	gate     chan struct{}
	onUpdate func(snapshot.Document)
}

func (f *fakeStore) Get(ctx context.Context, id string) (*snapshot.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.doc == nil {
		return nil, nil
	}
	cp := f.doc.Clone()
	return &cp, nil
}

func (f *fakeStore) Set(ctx context.Context, id string, doc snapshot.Document) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	if !remote.Accepts(f.doc, doc.Meta) {
		return snapshot.ErrStaleWrite
	}
	cp := doc.Clone()
	f.doc = &cp
	f.sets = append(f.sets, cp)
	if f.lossy > 0 {
		f.lossy--
		return f.err
	}
	return nil
}

func (f *fakeStore) Subscribe(ctx context.Context, id string, onUpdate func(snapshot.Document)) (func(), error) {
	f.mu.Lock()
	f.onUpdate = onUpdate
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.onUpdate = nil
		f.mu.Unlock()
	}, nil
}

// hold makes subsequent Sets block until the returned function is called.
func (f *fakeStore) hold() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.gate = nil
			f.mu.Unlock()
			close(gate)
		})
	}
}

func (f *fakeStore) failNext(n int, err error) {
	f.mu.Lock()
	f.failures, f.err = n, err
	f.mu.Unlock()
}

// failAfterCommit makes the next n Sets commit and then return err, like a
// response lost after the server stored the write.
func (f *fakeStore) failAfterCommit(n int, err error) {
	f.mu.Lock()
	f.lossy, f.err = n, err
	f.mu.Unlock()
}

func (f *fakeStore) current() *snapshot.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.doc == nil {
		return nil
	}
	cp := f.doc.Clone()
	return &cp
}

func (f *fakeStore) deliver(t *testing.T, doc snapshot.Document) {
	t.Helper()
	f.mu.Lock()
	fn := f.onUpdate
	f.mu.Unlock()
	if fn == nil {
		t.Fatal("no subscriber")
	}
	fn(doc)
}

func (f *fakeStore) writes() []snapshot.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]snapshot.Document(nil), f.sets...)
}

// statusLog records status events.
type statusLog struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (s *statusLog) record(ev StatusEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *statusLog) has(status Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Status == status {
			return true
		}
	}
	return false
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions(store remote.Store, cache LocalStore, clientID string) Options {
	return Options{
		Cache:    cache,
		Remote:   store,
		ClientID: clientID,
		Debounce: 20 * time.Millisecond,
		Logger:   quietLogger(),
	}
}

func bootstrap(t *testing.T, opts Options) (*Orchestrator, snapshot.Snapshot) {
	t.Helper()
	o := New(opts)
	s, err := o.Bootstrap(context.Background())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	t.Cleanup(o.Teardown)
	return o, s
}

func flush(t *testing.T, o *Orchestrator) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return o.Flush(ctx)
}

// snap builds a snapshot from field/JSON pairs.
func snap(pairs ...string) snapshot.Snapshot {
	s := snapshot.Snapshot{}
	for i := 0; i+1 < len(pairs); i += 2 {
		s[pairs[i]] = json.RawMessage(pairs[i+1])
	}
	return s
}

func docAt(version int64, at time.Time, client string, s snapshot.Snapshot) snapshot.Document {
	return snapshot.Document{Snapshot: s, Meta: snapshot.Meta{Version: version, UpdatedAt: at.UTC(), ClientID: client}}
}
