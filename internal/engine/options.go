package engine

import (
	"log/slog"
	"time"

	"github.com/marcus/snapsync/internal/remote"
	"github.com/marcus/snapsync/internal/snapshot"
)

const (
	DefaultDocumentID = "state"
	DefaultDebounce   = time.Second
	DefaultGrace      = 2 * time.Second
	maxRetryInterval  = time.Minute
)

// LocalStore is the device-private key-value store the orchestrator persists
// into. *localcache.Cache satisfies it.
type LocalStore interface {
	Read(key string) ([]byte, bool, error)
	Write(key string, value []byte) error
}

// Options configures an Orchestrator. Zero values select the defaults.
type Options struct {
	// Cache persists snapshots and the client identity. Nil runs without
	// local persistence.
	Cache LocalStore
	// Remote is the shared store. Nil runs in local-only mode.
	Remote remote.Store

	DocumentID string
	Defaults   snapshot.Snapshot

	Debounce time.Duration
	Grace    time.Duration
	// RetryInterval enables automatic retry of failed remote writes. The
	// interval doubles after each failure, capped at one minute.
	RetryInterval time.Duration

	Clock  snapshot.Clock
	Logger *slog.Logger

	// ClientID overrides the persisted identity.
	ClientID string
}

func (o Options) withDefaults() Options {
	if o.DocumentID == "" {
		o.DocumentID = DefaultDocumentID
	}
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.Grace <= 0 {
		o.Grace = DefaultGrace
	}
	if o.RetryInterval < 0 {
		o.RetryInterval = 0
	}
	if o.Clock == nil {
		o.Clock = snapshot.SystemClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Defaults == nil {
		o.Defaults = snapshot.Snapshot{}
	}
	return o
}

// DocumentKey is the local cache key holding the document with the given id.
func DocumentKey(id string) string {
	return "snapsync:doc:" + id
}
