package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcus/snapsync/internal/engine"
	"github.com/marcus/snapsync/internal/localcache"
	"github.com/marcus/snapsync/internal/snapshot"
	"github.com/marcus/snapsync/internal/syncclient"
	"github.com/marcus/snapsync/internal/syncconfig"
)

const bootstrapTimeout = 15 * time.Second

// session is a bootstrapped engine plus the resources it was built from.
type session struct {
	engine *engine.Orchestrator
	cache  *localcache.Cache  // nil when the cache could not be opened
	client *syncclient.Client // nil in local-only mode
	docID  string
}

// openCache opens the configured local cache. A cache that cannot be opened
// is not fatal; the engine runs without local persistence.
func openCache() *localcache.Cache {
	path, err := syncconfig.GetCachePath()
	if err != nil {
		slog.Warn("resolve cache path", "err", err)
		return nil
	}
	cache, err := localcache.Open(path, localcache.WithQuota(syncconfig.GetCacheQuota()))
	if err != nil {
		slog.Warn("open local cache, continuing without it", "path", path, "err", err)
		return nil
	}
	return cache
}

// newClient returns a client for the configured server, or nil when no
// server URL is set.
func newClient() *syncclient.Client {
	url := syncconfig.GetServerURL()
	if url == "" {
		return nil
	}
	return syncclient.New(url, syncconfig.GetAPIKey())
}

// engineOptions builds engine options from the layered configuration.
func engineOptions(cache *localcache.Cache, client *syncclient.Client) (engine.Options, error) {
	defaults, err := snapshot.LoadDefaults(syncconfig.GetDefaultsPath())
	if err != nil {
		return engine.Options{}, fmt.Errorf("load defaults: %w", err)
	}
	opts := engine.Options{
		DocumentID:    syncconfig.GetDocumentID(),
		Defaults:      defaults,
		Debounce:      syncconfig.GetDebounce(),
		Grace:         syncconfig.GetGrace(),
		RetryInterval: syncconfig.GetRetryInterval(),
		Logger:        slog.Default(),
	}
	if cache != nil {
		opts.Cache = cache
	}
	if client != nil {
		opts.Remote = client
	}
	return opts, nil
}

// openSession bootstraps an engine from configuration.
func openSession(ctx context.Context) (*session, error) {
	cache := openCache()
	client := newClient()
	opts, err := engineOptions(cache, client)
	if err != nil {
		if cache != nil {
			cache.Close()
		}
		return nil, err
	}

	o := engine.New(opts)
	bctx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
	defer cancel()
	if _, err := o.Bootstrap(bctx); err != nil {
		if cache != nil {
			cache.Close()
		}
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	if client != nil && o.LocalOnly() {
		slog.Warn("server unreachable, running local-only", "url", client.BaseURL)
	}
	return &session{engine: o, cache: cache, client: client, docID: opts.DocumentID}, nil
}

// Close tears the engine down and closes the cache.
func (s *session) Close() {
	s.engine.Teardown()
	if s.cache != nil {
		s.cache.Close()
	}
}

// commit applies fn to the current snapshot and waits for the write to
// settle.
func (s *session) commit(ctx context.Context, fn func(snapshot.Snapshot) (snapshot.Snapshot, error)) (snapshot.Meta, error) {
	if err := s.engine.Update(fn); err != nil {
		return snapshot.Meta{}, err
	}
	err := s.engine.Flush(ctx)
	_, meta := s.engine.Snapshot()
	if err != nil {
		return meta, fmt.Errorf("write: %w", err)
	}
	return meta, nil
}
