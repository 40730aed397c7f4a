package engine

import (
	"errors"
	"time"

	"github.com/marcus/snapsync/internal/snapshot"
)

// loopState is owned by the run goroutine. Nothing else may touch it.
type loopState struct {
	current snapshot.Snapshot
	meta    snapshot.Meta

	seq   uint64 // bumped by every mutation
	dirty bool

	pending    *snapshot.Document
	lastRemote int64
	confirmed  int64 // version of the last document confirmed by, or adopted from, the remote
	seen       int64 // highest version observed but not adopted

	inFlight bool
	followUp bool

	debounce  *time.Timer
	debounceC <-chan time.Time

	failed     bool
	lastErr    error
	retryDelay time.Duration
	retry      *time.Timer
	retryC     <-chan time.Time

	waiters []chan error
}

type writeResult struct {
	doc snapshot.Document
	seq uint64
	err error
}

// inspection is a copy of loop state for tests.
type inspection struct {
	Dirty          bool
	InFlight       bool
	PendingVersion int64 // -1 when the slot is empty
	LastRemote     int64
	Confirmed      int64
	Failed         bool
}

func (o *Orchestrator) run(kick bool) {
	defer close(o.loopDone)
	l := &o.loop

	o.emit(StatusIdle, l.meta.Version, nil)
	if kick {
		o.startWrite()
	}

	for {
		select {
		case <-o.notify:
			o.takeIntake()
		case <-l.debounceC:
			l.debounce, l.debounceC = nil, nil
			o.startWrite()
		case <-l.retryC:
			l.retry, l.retryC = nil, nil
			o.retryWrite()
		case doc := <-o.remoteCh:
			o.takeIntake()
			o.handleRemote(doc)
		case res := <-o.writeDone:
			o.finishWrite(res)
		case fn := <-o.controls:
			fn()
		case <-o.ctx.Done():
			o.stopTimers()
			return
		}
	}
}

// takeIntake moves a submitted mutation into loop state, marks it dirty and
// re-arms the debounce timer.
func (o *Orchestrator) takeIntake() {
	o.intakeMu.Lock()
	s, ok := o.intake, o.intakeSet
	o.intake, o.intakeSet = nil, false
	o.intakeMu.Unlock()
	if !ok {
		return
	}

	l := &o.loop
	l.current = s
	// An apply between Mutate's view write and this take republished the
	// remote snapshot; the mutation is what the loop now holds.
	o.viewMu.Lock()
	o.view = s.Clone()
	o.viewMu.Unlock()
	l.seq++
	l.dirty = true
	o.armDebounce(o.opts.Debounce)
}

func (o *Orchestrator) armDebounce(d time.Duration) {
	l := &o.loop
	if l.debounce != nil {
		l.debounce.Stop()
	}
	l.debounce = time.NewTimer(d)
	l.debounceC = l.debounce.C
}

func (o *Orchestrator) stopTimers() {
	l := &o.loop
	if l.debounce != nil {
		l.debounce.Stop()
		l.debounce, l.debounceC = nil, nil
	}
	if l.retry != nil {
		l.retry.Stop()
		l.retry, l.retryC = nil, nil
	}
}

// nextMeta stamps the next outbound write. It advances past every version
// this process has seen so a write always supersedes what it read.
func (o *Orchestrator) nextMeta() snapshot.Meta {
	l := &o.loop
	observed := []int64{l.meta.Version, l.lastRemote, l.confirmed, l.seen}
	if l.pending != nil {
		observed = append(observed, l.pending.Meta.Version)
	}
	return snapshot.NextMeta(o.clientID, o.opts.Clock.Now(), observed...)
}

// startWrite persists the current snapshot locally and, when a remote is
// configured, pushes it asynchronously. At most one remote write is in
// flight; a write requested meanwhile is issued once it settles.
func (o *Orchestrator) startWrite() {
	l := &o.loop
	if l.inFlight {
		l.followUp = true
		return
	}
	if !l.dirty {
		o.settle()
		return
	}

	doc := snapshot.Document{Snapshot: l.current.Clone(), Meta: o.nextMeta()}
	localErr := o.persistLocal(doc)
	o.emit(StatusSaving, doc.Meta.Version, nil)

	if o.remote == nil {
		l.dirty = false
		if localErr != nil {
			l.failed, l.lastErr = true, localErr
			o.emit(StatusError, doc.Meta.Version, localErr)
		} else {
			l.failed, l.lastErr = false, nil
			l.meta = doc.Meta
			o.publishMeta(doc.Meta)
			o.emit(StatusSaved, doc.Meta.Version, nil)
		}
		o.settle()
		return
	}

	l.inFlight = true
	id, seq := o.opts.DocumentID, l.seq
	go func() {
		err := o.remote.Set(o.ctx, id, doc)
		select {
		case o.writeDone <- writeResult{doc: doc, seq: seq, err: err}:
		case <-o.ctx.Done():
		}
	}()
}

func (o *Orchestrator) finishWrite(res writeResult) {
	l := &o.loop
	l.inFlight = false
	v := res.doc.Meta.Version
	superseded := l.seq != res.seq

	switch {
	case res.err == nil:
		if v > l.lastRemote {
			l.lastRemote = v
		}
		l.confirmed = v
		l.meta = res.doc.Meta
		l.failed, l.lastErr = false, nil
		l.retryDelay = 0
		if !superseded {
			l.dirty = false
		}
		o.publishMeta(res.doc.Meta)
		o.log.Debug("engine: remote write confirmed", "version", v)
		o.emit(StatusSynced, v, nil)
		if !l.dirty {
			o.drain()
		}

	case errors.Is(res.err, snapshot.ErrStaleWrite):
		// Another writer committed first. Its document is, or will be,
		// delivered by the subscription.
		if v > l.seen {
			l.seen = v
		}
		if !superseded {
			l.dirty = false
		}
		l.failed, l.lastErr = true, res.err
		o.log.Info("engine: remote write superseded", "version", v, "err", res.err)
		o.emit(StatusError, v, res.err)
		if !l.dirty {
			o.drain()
		}

	default:
		// The store may have committed before the transport failed, so the
		// next write must not reuse v.
		if v > l.seen {
			l.seen = v
		}
		if !superseded {
			l.dirty = false
		}
		// The unconfirmed snapshot stays authoritative in memory. A buffered
		// remote document is dropped but its version is remembered so the
		// next write supersedes it.
		if l.pending != nil {
			if l.pending.Meta.Version > l.seen {
				l.seen = l.pending.Meta.Version
			}
			l.pending = nil
		}
		l.failed, l.lastErr = true, res.err
		o.log.Warn("engine: remote write failed", "version", v, "err", res.err)
		o.emit(StatusError, v, res.err)
		o.scheduleRetry()
	}

	if l.followUp {
		l.followUp = false
		if l.dirty {
			o.startWrite()
			return
		}
	}
	o.settle()
}

func (o *Orchestrator) scheduleRetry() {
	l := &o.loop
	if o.opts.RetryInterval <= 0 {
		return
	}
	if l.retryDelay == 0 {
		l.retryDelay = o.opts.RetryInterval
	} else {
		l.retryDelay *= 2
	}
	if l.retryDelay > maxRetryInterval {
		l.retryDelay = maxRetryInterval
	}
	if l.retry != nil {
		l.retry.Stop()
	}
	l.retry = time.NewTimer(l.retryDelay)
	l.retryC = l.retry.C
	o.log.Debug("engine: retry scheduled", "in", l.retryDelay)
}

func (o *Orchestrator) retryWrite() {
	l := &o.loop
	if !l.failed {
		return
	}
	if l.retry != nil {
		l.retry.Stop()
		l.retry, l.retryC = nil, nil
	}
	l.dirty = true
	if l.debounce != nil {
		l.debounce.Stop()
		l.debounce, l.debounceC = nil, nil
	}
	o.startWrite()
}

func (o *Orchestrator) handleRemote(doc snapshot.Document) {
	l := &o.loop
	if err := doc.Validate(); err != nil {
		o.log.Warn("engine: discarding remote update", "reason", ReasonMalformed, "err", err)
		return
	}
	d := Classify(doc.Meta, o.filterState())
	switch d.Action {
	case Apply:
		o.apply(doc)
	case Buffer:
		if l.pending != nil {
			o.log.Debug("engine: replacing buffered remote update", "old", l.pending.Meta.Version, "new", doc.Meta.Version)
		}
		cp := doc.Clone()
		l.pending = &cp
	default:
		o.log.Debug("engine: discarding remote update", "reason", d.Reason, "version", doc.Meta.Version, "from", doc.Meta.ClientID)
	}
}

func (o *Orchestrator) filterState() FilterState {
	l := &o.loop
	return FilterState{
		ClientID:          o.clientID,
		LocalVersion:      l.confirmed,
		LastRemoteVersion: l.lastRemote,
		Dirty:             l.dirty,
	}
}

// drain re-validates the buffered remote document after a write settles.
// The slot is always cleared.
func (o *Orchestrator) drain() {
	l := &o.loop
	p := l.pending
	l.pending = nil
	if p == nil {
		return
	}
	if d := Classify(p.Meta, o.filterState()); d.Action == Apply {
		o.apply(*p)
		return
	}
	o.log.Debug("engine: dropping buffered remote update", "version", p.Meta.Version, "current", l.lastRemote)
}

// apply adopts a remote document without triggering an outbound write.
func (o *Orchestrator) apply(doc snapshot.Document) {
	l := &o.loop
	snap := snapshot.Backfill(o.opts.Defaults, doc.Snapshot)

	o.applying.Store(&snap)
	defer o.applying.Store(nil)

	l.current = snap
	l.meta = doc.Meta
	l.lastRemote = doc.Meta.Version
	l.confirmed = doc.Meta.Version
	l.failed, l.lastErr = false, nil
	o.publish(snap, doc.Meta)
	o.persistLocal(snapshot.Document{Snapshot: snap, Meta: doc.Meta})

	o.log.Debug("engine: applied remote update", "version", doc.Meta.Version, "from", doc.Meta.ClientID)
	o.changeListeners.emit(snapshot.Document{Snapshot: snap.Clone(), Meta: doc.Meta})
	o.emit(StatusSynced, doc.Meta.Version, nil)
}

func (o *Orchestrator) publishMeta(meta snapshot.Meta) {
	o.viewMu.Lock()
	o.viewMeta = meta
	o.viewMu.Unlock()
}

func (o *Orchestrator) flush(ch chan error) {
	o.takeIntake()
	l := &o.loop
	if l.debounce != nil {
		l.debounce.Stop()
		l.debounce, l.debounceC = nil, nil
	}
	l.waiters = append(l.waiters, ch)
	if l.dirty {
		o.startWrite()
		return
	}
	if !l.inFlight {
		o.settle()
	}
}

// settle releases Flush waiters once nothing is pending or in flight.
func (o *Orchestrator) settle() {
	l := &o.loop
	if l.inFlight || (l.dirty && l.debounce != nil) {
		return
	}
	for _, ch := range l.waiters {
		ch <- l.lastErr
	}
	l.waiters = nil
}

// shutdown persists a dirty snapshot locally and stops the timers.
func (o *Orchestrator) shutdown() {
	o.takeIntake()
	o.stopTimers()
	l := &o.loop
	if l.dirty {
		doc := snapshot.Document{Snapshot: l.current.Clone(), Meta: o.nextMeta()}
		if err := o.persistLocal(doc); err == nil {
			o.log.Debug("engine: persisted unsynced snapshot on teardown", "version", doc.Meta.Version)
		}
	}
	for _, ch := range l.waiters {
		ch <- ErrClosed
	}
	l.waiters = nil
}

func (o *Orchestrator) inspect() inspection {
	ch := make(chan inspection, 1)
	err := o.do(o.ctx, func() {
		l := &o.loop
		in := inspection{
			Dirty:          l.dirty,
			InFlight:       l.inFlight,
			PendingVersion: -1,
			LastRemote:     l.lastRemote,
			Confirmed:      l.confirmed,
			Failed:         l.failed,
		}
		if l.pending != nil {
			in.PendingVersion = l.pending.Meta.Version
		}
		ch <- in
	})
	if err != nil {
		return inspection{PendingVersion: -1}
	}
	return <-ch
}
