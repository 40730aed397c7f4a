package engine

import (
	"sync"
	"time"
)

// Status is the caller-visible sync state.
type Status string

const (
	StatusIdle   Status = "idle"
	StatusSaving Status = "saving"
	StatusSaved  Status = "saved"  // persisted locally, no remote configured
	StatusSynced Status = "synced" // confirmed by, or adopted from, the remote
	StatusError  Status = "error"
)

// StatusEvent is delivered to status subscribers.
type StatusEvent struct {
	Status  Status
	Version int64
	Err     error // set for StatusError
	At      time.Time
}

// listeners is a small registry of callbacks keyed by subscription id.
type listeners[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(T)
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(T))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

func (l *listeners[T]) emit(v T) {
	l.mu.Lock()
	fns := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}
