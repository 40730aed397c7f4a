// Package engine keeps one in-memory snapshot in sync with a local cache and
// a shared remote store. All state transitions happen on a single goroutine
// owned by the Orchestrator; the public methods only hand work to it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marcus/snapsync/internal/identity"
	"github.com/marcus/snapsync/internal/remote"
	"github.com/marcus/snapsync/internal/snapshot"
)

var (
	ErrNotBootstrapped     = errors.New("orchestrator not bootstrapped")
	ErrAlreadyBootstrapped = errors.New("orchestrator already bootstrapped")
	ErrClosed              = errors.New("orchestrator closed")
)

const (
	stateNew int32 = iota
	stateStarting
	stateRunning
	stateClosed
)

// Orchestrator owns the snapshot, the dirty flag, the pending-remote slot
// and the last accepted remote version for one document.
type Orchestrator struct {
	opts     Options
	log      *slog.Logger
	cacheKey string
	remote   remote.Store // nil in local-only mode
	clientID string

	state atomic.Int32

	// Published view, read by Snapshot without a round trip to the loop.
	viewMu   sync.RWMutex
	view     snapshot.Snapshot
	viewMeta snapshot.Meta

	// Mutation intake: a single overwrite slot plus a wakeup.
	intakeMu  sync.Mutex
	intake    snapshot.Snapshot
	intakeSet bool
	notify    chan struct{}

	// applying holds the snapshot being adopted from the remote while the
	// change listeners run.
	applying atomic.Pointer[snapshot.Snapshot]

	remoteCh  chan snapshot.Document
	writeDone chan writeResult
	controls  chan func()

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	unsub    func()

	closeOnce sync.Once

	statusListeners listeners[StatusEvent]
	changeListeners listeners[snapshot.Document]
	lastStatus      atomic.Pointer[StatusEvent]

	loop loopState
}

// New creates an Orchestrator. Nothing happens until Bootstrap.
func New(opts Options) *Orchestrator {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		opts:      opts,
		log:       opts.Logger.With("doc", opts.DocumentID),
		cacheKey:  DocumentKey(opts.DocumentID),
		remote:    opts.Remote,
		notify:    make(chan struct{}, 1),
		remoteCh:  make(chan snapshot.Document),
		writeDone: make(chan writeResult),
		controls:  make(chan func()),
		ctx:       ctx,
		cancel:    cancel,
		loopDone:  make(chan struct{}),
	}
	o.lastStatus.Store(&StatusEvent{Status: StatusIdle})
	return o
}

// ClientID returns the identity stamped on this process's writes. It is
// empty before Bootstrap.
func (o *Orchestrator) ClientID() string {
	if o.state.Load() < stateRunning {
		return ""
	}
	return o.clientID
}

// LocalOnly reports whether the orchestrator runs without a remote store.
func (o *Orchestrator) LocalOnly() bool {
	return o.remote == nil
}

// Bootstrap produces the initial snapshot, opens the remote subscription
// and starts the loop. It must be called exactly once.
func (o *Orchestrator) Bootstrap(ctx context.Context) (snapshot.Snapshot, error) {
	if !o.state.CompareAndSwap(stateNew, stateStarting) {
		if o.state.Load() == stateClosed {
			return nil, ErrClosed
		}
		return nil, ErrAlreadyBootstrapped
	}

	o.clientID = o.loadClientID()
	o.log = o.log.With("client_id", o.clientID)

	defaults := o.opts.Defaults
	now := o.opts.Clock.Now().UTC()

	local := o.readLocal()
	best := snapshot.Document{Snapshot: defaults.Clone(), Meta: snapshot.Meta{}}
	if local != nil {
		best = snapshot.Document{Snapshot: snapshot.Backfill(defaults, local.Snapshot), Meta: local.Meta}
	}

	chosen := best
	repush := false
	var remoteVersion int64

	if o.remote != nil {
		doc, err := o.remote.Get(ctx, o.opts.DocumentID)
		if err == nil && doc == nil {
			doc, err = o.seedRemote(ctx, &best, local != nil, now)
		}
		switch {
		case err != nil:
			o.log.Warn("engine: remote unavailable, running local-only", "err", err)
			o.remote = nil
		case doc == nil:
			chosen = best
		case local != nil && snapshot.LocalIsAuthoritative(local.Meta, doc.Meta, o.opts.Grace):
			o.log.Info("engine: local copy is newer than remote, re-pushing",
				"local_version", local.Meta.Version, "remote_version", doc.Meta.Version)
			repush = true
			remoteVersion = doc.Meta.Version
		default:
			chosen = snapshot.Document{Snapshot: snapshot.Backfill(defaults, doc.Snapshot), Meta: doc.Meta}
			o.persistLocal(chosen)
		}
	}

	l := &o.loop
	l.current = chosen.Snapshot.Clone()
	l.meta = chosen.Meta
	l.lastRemote = chosen.Meta.Version
	l.confirmed = chosen.Meta.Version
	l.seen = remoteVersion
	if repush {
		l.seq = 1
		l.dirty = true
	}
	o.publish(chosen.Snapshot, chosen.Meta)

	if !o.state.CompareAndSwap(stateStarting, stateRunning) {
		o.cancel()
		close(o.loopDone)
		return nil, ErrClosed
	}
	go o.run(repush)

	if o.remote != nil {
		unsub, err := o.remote.Subscribe(o.ctx, o.opts.DocumentID, o.onRemote)
		if err != nil {
			o.log.Warn("engine: subscribe failed, remote changes will not be received", "err", err)
		} else {
			o.unsub = unsub
		}
	}

	o.log.Debug("engine: bootstrapped", "version", chosen.Meta.Version, "local_only", o.remote == nil, "repush", repush)
	return chosen.Snapshot.Clone(), nil
}

// seedRemote provisions the remote document on first run. A concurrent
// seed by another client wins; its document is returned instead.
func (o *Orchestrator) seedRemote(ctx context.Context, best *snapshot.Document, haveLocal bool, now time.Time) (*snapshot.Document, error) {
	if !haveLocal {
		best.Meta = snapshot.Meta{Version: 0, UpdatedAt: now, ClientID: o.clientID}
	}
	err := o.remote.Set(ctx, o.opts.DocumentID, *best)
	if errors.Is(err, snapshot.ErrStaleWrite) {
		o.log.Debug("engine: remote seeded concurrently, fetching")
		doc, gerr := o.remote.Get(ctx, o.opts.DocumentID)
		if gerr == nil && doc == nil {
			gerr = fmt.Errorf("seed rejected but document absent: %w", snapshot.ErrRemoteUnavailable)
		}
		return doc, gerr
	}
	if err != nil {
		return nil, fmt.Errorf("seed remote: %w", err)
	}
	o.log.Info("engine: seeded remote document", "version", best.Meta.Version)
	o.persistLocal(*best)
	return nil, nil
}

func (o *Orchestrator) loadClientID() string {
	if o.opts.ClientID != "" {
		return o.opts.ClientID
	}
	if o.opts.Cache == nil {
		return identity.Mint()
	}
	id, err := identity.LoadOrMint(o.opts.Cache)
	if err != nil {
		o.log.Warn("engine: client id not persisted", "err", err)
	}
	return id
}

func (o *Orchestrator) readLocal() *snapshot.Document {
	if o.opts.Cache == nil {
		return nil
	}
	raw, ok, err := o.opts.Cache.Read(o.cacheKey)
	if err != nil {
		o.log.Warn("engine: local cache read failed, using defaults", "err", err)
		return nil
	}
	if !ok {
		return nil
	}
	doc, err := snapshot.Parse(raw)
	if err != nil {
		o.log.Warn("engine: local copy is corrupt, using defaults", "err", err)
		return nil
	}
	return &doc
}

func (o *Orchestrator) persistLocal(doc snapshot.Document) error {
	if o.opts.Cache == nil {
		return nil
	}
	data, err := snapshot.Marshal(doc)
	if err != nil {
		return err
	}
	if err := o.opts.Cache.Write(o.cacheKey, data); err != nil {
		o.log.Warn("engine: local persist failed", "version", doc.Meta.Version, "err", err)
		return fmt.Errorf("persist locally: %w", err)
	}
	return nil
}

func (o *Orchestrator) publish(s snapshot.Snapshot, meta snapshot.Meta) {
	o.viewMu.Lock()
	o.view = s.Clone()
	o.viewMeta = meta
	o.viewMu.Unlock()
}

// Snapshot returns the current in-memory snapshot and the meta of the last
// document persisted or adopted.
func (o *Orchestrator) Snapshot() (snapshot.Snapshot, snapshot.Meta) {
	o.viewMu.RLock()
	defer o.viewMu.RUnlock()
	return o.view.Clone(), o.viewMeta
}

// Mutate replaces the in-memory snapshot and arms the debounced writer. It
// never blocks on I/O. A listener re-submitting the snapshot being adopted
// from the remote is ignored.
func (o *Orchestrator) Mutate(s snapshot.Snapshot) error {
	switch o.state.Load() {
	case stateRunning:
	case stateClosed:
		return ErrClosed
	default:
		return ErrNotBootstrapped
	}
	if applying := o.applying.Load(); applying != nil && applying.Equal(s) {
		o.log.Debug("engine: ignoring mutation echoing remote apply")
		return nil
	}

	s = s.Clone()
	if s == nil {
		s = snapshot.Snapshot{}
	}

	o.viewMu.Lock()
	o.view = s.Clone()
	o.viewMu.Unlock()

	o.intakeMu.Lock()
	o.intake = s
	o.intakeSet = true
	o.intakeMu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return nil
}

// Update applies fn to a copy of the current snapshot and submits the result
// through Mutate.
func (o *Orchestrator) Update(fn func(snapshot.Snapshot) (snapshot.Snapshot, error)) error {
	cur, _ := o.Snapshot()
	next, err := fn(cur)
	if err != nil {
		return err
	}
	return o.Mutate(next)
}

// SubscribeStatus registers fn for status events. Listeners run on the loop
// goroutine and must not block.
func (o *Orchestrator) SubscribeStatus(fn func(StatusEvent)) (unsubscribe func()) {
	return o.statusListeners.add(fn)
}

// Status returns the most recent status event.
func (o *Orchestrator) Status() StatusEvent {
	return *o.lastStatus.Load()
}

// OnChange registers fn for snapshots adopted from the remote. Listeners run
// on the loop goroutine and must not block.
func (o *Orchestrator) OnChange(fn func(snapshot.Document)) (unsubscribe func()) {
	return o.changeListeners.add(fn)
}

// Flush fires the debounced writer now and waits until no write is pending
// or in flight. It returns the error of the last write attempt, if any.
func (o *Orchestrator) Flush(ctx context.Context) error {
	ch := make(chan error, 1)
	if err := o.do(ctx, func() { o.flush(ch) }); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-o.loopDone:
		return ErrClosed
	}
}

// Retry re-issues the last failed write immediately. It does nothing when
// the last write succeeded.
func (o *Orchestrator) Retry() {
	o.do(context.Background(), o.retryWrite)
}

// Teardown releases the subscription and timers and stops the loop. A dirty
// snapshot is persisted to the local cache only. Safe to call more than once.
func (o *Orchestrator) Teardown() {
	o.closeOnce.Do(func() {
		prev := o.state.Swap(stateClosed)
		if prev != stateRunning {
			o.cancel()
			if prev == stateNew {
				close(o.loopDone)
			}
			return
		}
		if o.unsub != nil {
			o.unsub()
		}
		done := make(chan struct{})
		select {
		case o.controls <- func() { o.shutdown(); close(done) }:
			<-done
		case <-o.loopDone:
		}
		o.cancel()
		<-o.loopDone
		o.log.Debug("engine: torn down")
	})
}

// do runs fn on the loop goroutine.
func (o *Orchestrator) do(ctx context.Context, fn func()) error {
	if o.state.Load() < stateRunning {
		return ErrNotBootstrapped
	}
	select {
	case o.controls <- fn:
		return nil
	case <-o.loopDone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onRemote is the subscription callback.
func (o *Orchestrator) onRemote(doc snapshot.Document) {
	select {
	case o.remoteCh <- doc:
	case <-o.ctx.Done():
	}
}

func (o *Orchestrator) emit(status Status, version int64, err error) {
	ev := StatusEvent{Status: status, Version: version, Err: err, At: o.opts.Clock.Now().UTC()}
	o.lastStatus.Store(&ev)
	o.statusListeners.emit(ev)
}
