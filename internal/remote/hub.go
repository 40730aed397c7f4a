package remote

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/marcus/snapsync/internal/snapshot"
)

const subscriberBuffer = 256

// Hub is an in-process Store. Several orchestrators sharing one Hub behave
// like several devices sharing one remote document. It can be taken offline
// and the acknowledgement of a client's writes can be held, which makes
// in-flight windows reproducible.
type Hub struct {
	mu      sync.Mutex
	docs    map[string]snapshot.Document
	subs    map[string]map[int]*subscriber
	nextSub int
	offline bool
	writes  map[string]int
	gates   map[string]chan struct{} // client id -> held acknowledgement
}

type subscriber struct {
	ch   chan snapshot.Document
	done chan struct{}
	once sync.Once
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		docs:   make(map[string]snapshot.Document),
		subs:   make(map[string]map[int]*subscriber),
		writes: make(map[string]int),
		gates:  make(map[string]chan struct{}),
	}
}

// SetOffline makes Get and Set fail with ErrRemoteUnavailable (or recover).
func (h *Hub) SetOffline(offline bool) {
	h.mu.Lock()
	h.offline = offline
	h.mu.Unlock()
}

// HoldAcks makes Set calls from clientID commit and broadcast as usual but
// not return until the returned release function is called.
func (h *Hub) HoldAcks(clientID string) (release func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	gate, ok := h.gates[clientID]
	if !ok {
		gate = make(chan struct{})
		h.gates[clientID] = gate
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			if h.gates[clientID] == gate {
				delete(h.gates, clientID)
			}
			h.mu.Unlock()
			close(gate)
		})
	}
}

// Writes returns how many writes to id were committed.
func (h *Hub) Writes(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.writes[id]
}

// Document returns the stored document for id.
func (h *Hub) Document(id string) (snapshot.Document, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	doc, ok := h.docs[id]
	if !ok {
		return snapshot.Document{}, false
	}
	return doc.Clone(), true
}

// Get implements Store.
func (h *Hub) Get(ctx context.Context, id string) (*snapshot.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.offline {
		return nil, fmt.Errorf("get %s: %w", id, snapshot.ErrRemoteUnavailable)
	}
	doc, ok := h.docs[id]
	if !ok {
		return nil, nil
	}
	cp := doc.Clone()
	return &cp, nil
}

// Set implements Store. Committed documents are broadcast to every
// subscriber of id, including the writer's own subscription.
func (h *Hub) Set(ctx context.Context, id string, doc snapshot.Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}

	h.mu.Lock()
	if h.offline {
		h.mu.Unlock()
		return fmt.Errorf("set %s: %w", id, snapshot.ErrRemoteUnavailable)
	}
	var stored *snapshot.Document
	if cur, ok := h.docs[id]; ok {
		stored = &cur
	}
	if !Accepts(stored, doc.Meta) {
		h.mu.Unlock()
		return fmt.Errorf("set %s: version %d does not advance %d: %w", id, doc.Meta.Version, stored.Meta.Version, snapshot.ErrStaleWrite)
	}
	committed := doc.Clone()
	h.docs[id] = committed
	h.writes[id]++
	targets := make([]*subscriber, 0, len(h.subs[id]))
	for _, s := range h.subs[id] {
		targets = append(targets, s)
	}
	gate := h.gates[doc.Meta.ClientID]
	h.mu.Unlock()

	for _, s := range targets {
		s.deliver(committed.Clone())
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe implements Store. The current document, if any, is delivered
// first.
func (h *Hub) Subscribe(ctx context.Context, id string, onUpdate func(snapshot.Document)) (func(), error) {
	s := &subscriber{
		ch:   make(chan snapshot.Document, subscriberBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	key := h.nextSub
	h.nextSub++
	if h.subs[id] == nil {
		h.subs[id] = make(map[int]*subscriber)
	}
	h.subs[id][key] = s
	if cur, ok := h.docs[id]; ok {
		s.ch <- cur.Clone()
	}
	h.mu.Unlock()

	go func() {
		for {
			select {
			case doc := <-s.ch:
				onUpdate(doc)
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	unsubscribe := func() {
		s.once.Do(func() {
			h.mu.Lock()
			delete(h.subs[id], key)
			h.mu.Unlock()
			close(s.done)
		})
	}
	return unsubscribe, nil
}

func (s *subscriber) deliver(doc snapshot.Document) {
	select {
	case s.ch <- doc:
	case <-s.done:
	default:
		slog.Warn("hub: subscriber buffer full, dropping update", "version", doc.Meta.Version)
	}
}
