package api

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	subscriberSlot = 16
)

// subscriber is one websocket connection following a document.
type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newSubscriber(conn *websocket.Conn) *subscriber {
	return &subscriber{
		conn: conn,
		send: make(chan []byte, subscriberSlot),
		done: make(chan struct{}),
	}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// enqueue hands a frame to the writer without blocking. A subscriber that
// has fallen subscriberSlot frames behind is disconnected; it re-syncs on
// reconnect because the current document is sent first.
func (s *subscriber) enqueue(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	case <-s.done:
		return false
	default:
		s.close()
		return false
	}
}

// writePump sends queued frames and keepalive pings until the subscriber
// is closed or a write fails.
func (s *subscriber) writePump() error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return err
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-s.done:
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
			return nil
		}
	}
}

// readPump consumes control frames so pongs are processed. Clients never
// send data; anything they send is ignored.
func (s *subscriber) readPump() {
	defer s.close()
	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcaster fans committed documents out to subscribers, per document id.
// Commits and subscriptions for all documents are serialized so every
// subscriber sees commits in version order with nothing missed between its
// initial frame and the live stream.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[string]map[*subscriber]struct{}
	metrics *Metrics
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster(m *Metrics) *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[*subscriber]struct{}), metrics: m}
}

// Commit runs write and, if it succeeds, delivers the committed frame to
// every subscriber of id, including the writer's own connection.
func (b *Broadcaster) Commit(id string, write func() ([]byte, error)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	frame, err := write()
	if err != nil {
		return err
	}
	n := 0
	for sub := range b.subs[id] {
		if sub.enqueue(frame) {
			n++
		} else {
			slog.Warn("dropping slow subscriber", "doc", id)
			delete(b.subs[id], sub)
			b.metrics.SubscriberDelta(-1)
		}
	}
	b.metrics.RecordBroadcast(n)
	return nil
}

// add registers sub for id and queues the current document, if any, as
// its first frame.
func (b *Broadcaster) add(id string, sub *subscriber, current func() ([]byte, error)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	frame, err := current()
	if err != nil {
		return err
	}
	if frame != nil {
		sub.enqueue(frame)
	}
	if b.subs[id] == nil {
		b.subs[id] = make(map[*subscriber]struct{})
	}
	b.subs[id][sub] = struct{}{}
	b.metrics.SubscriberDelta(1)
	return nil
}

func (b *Broadcaster) remove(id string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id][sub]; ok {
		b.metrics.SubscriberDelta(-1)
	}
	delete(b.subs[id], sub)
	if len(b.subs[id]) == 0 {
		delete(b.subs, id)
	}
}

// Subscribers returns the number of open subscriptions for id.
func (b *Broadcaster) Subscribers(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[id])
}

// CloseAll disconnects every subscriber.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, set := range b.subs {
		for sub := range set {
			sub.close()
		}
	}
}
