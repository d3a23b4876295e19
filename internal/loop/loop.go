// Package loop implements the Main Loop & Control component (spec §4.7, C7):
// the single cooperative scheduler that, once per iteration, acquires a bus
// session, replays init-sync or drains live events through internal/engine,
// retries the error queue, purges the trashbin, and persists every piece of
// durable state. Grounded on original_source/clients/hermesclient.py's main
// loop (`run`/`__mainLoopIteration`) and `__init__.py`'s init-sync discovery.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/insa-strasbourg/hermes-client/internal/cache"
	"github.com/insa-strasbourg/hermes-client/internal/datamodel"
	"github.com/insa-strasbourg/hermes-client/internal/engine"
	"github.com/insa-strasbourg/hermes-client/internal/errorqueue"
	"github.com/insa-strasbourg/hermes-client/internal/jsoncache"
	"github.com/insa-strasbourg/hermes-client/internal/model"
	"github.com/insa-strasbourg/hermes-client/internal/offsetcache"
	"github.com/insa-strasbourg/hermes-client/pkg/bus"
	"github.com/insa-strasbourg/hermes-client/pkg/config"
	"github.com/insa-strasbourg/hermes-client/pkg/handler"
	"github.com/insa-strasbourg/hermes-client/pkg/logger"
)

// Fixed jsoncache filenames: one persisted entity per file, spec §5's
// "each persisted entity owns its own file".
const (
	fileErrorQueue   = "errorqueue"
	fileRemoteSchema = "remoteschema"
	fileLocalSchema  = "localschema"
)

// Loop drives the engine through the main loop algorithm. Exactly one Loop
// runs per process; its fields are only ever touched from Run's goroutine,
// except the atomic flags below, which the control socket (internal/control)
// reads/writes from its own goroutine, per spec §5's concurrency model.
type Loop struct {
	Cfg      *config.Config
	Log      logger.Logger
	Bus      bus.Consumer
	Store    *jsoncache.Store
	Caches   *cache.Caches
	Queue    *errorqueue.Queue
	Offset   *offsetcache.Store
	Engine   *engine.Processor
	Handlers *handler.Registry
	Notifier Notifier

	paused  atomic.Bool
	stopped atomic.Bool // fatal data error: process must exit after notifying
	quit    atomic.Bool // external stop request (control socket / signal)

	// pendingMapping carries a reloaded datamodel mapping from
	// internal/clientconfig's fsnotify watcher goroutine to Run's goroutine;
	// see mappingreload.go.
	pendingMapping atomic.Pointer[map[string]*datamodel.Mapping]

	stopReason string

	busConnected        bool
	busUnavailableSince *time.Time

	firstIteration       bool
	lastNotifiedSnapshot Snapshot
	state                offsetcache.State
}

// New wires a Loop from its already-constructed components. Callers (cmd/
// hermes-client) are responsible for loading config, opening the bus
// transport, and loading the persisted caches/queue/offset state before
// calling Run.
func New(cfg *config.Config, log logger.Logger, busConsumer bus.Consumer, store *jsoncache.Store,
	caches *cache.Caches, queue *errorqueue.Queue, offsetStore *offsetcache.Store,
	proc *engine.Processor, handlers *handler.Registry) *Loop {
	l := &Loop{
		Cfg: cfg, Log: log, Bus: busConsumer, Store: store,
		Caches: caches, Queue: queue, Offset: offsetStore,
		Engine: proc, Handlers: handlers,
		firstIteration:       true,
		lastNotifiedSnapshot: Snapshot{},
	}
	l.Notifier = &LogNotifier{Log: log}
	return l
}

// Pause requests the loop suspend processing at its next suspension point,
// spec §5.
func (l *Loop) Pause() { l.paused.Store(true) }

// Resume clears a pause request.
func (l *Loop) Resume() { l.paused.Store(false) }

// IsPaused reports the current pause flag.
func (l *Loop) IsPaused() bool { return l.paused.Load() }

// RequestStop asks the loop to exit at its next suspension point (control
// socket `quit` command or process signal).
func (l *Loop) RequestStop() { l.quit.Store(true) }

// IsStopped reports whether a stop has been requested or a fatal data error
// has stopped the loop; it is true as soon as RequestStop is called, before
// Run has returned.
func (l *Loop) IsStopped() bool { return l.stopped.Load() || l.quit.Load() }

// Status returns the current on-demand status snapshot, spec §4.7/§6.
func (l *Loop) Status() Snapshot { return l.computeSnapshot() }

// Run executes the main loop until ctx is cancelled, RequestStop is called,
// or a fatal data error sets the stopped flag. It returns nil on a clean
// shutdown and the triggering error on a fatal one.
func (l *Loop) Run(ctx context.Context) error {
	st, err := l.Offset.Load()
	if err != nil {
		return fmt.Errorf("loop: load offset cache: %w", err)
	}
	l.state = st

	for {
		if ctx.Err() != nil {
			return l.shutdown(ctx, nil)
		}
		if l.quit.Load() {
			return l.shutdown(ctx, nil)
		}
		if l.stopped.Load() {
			return l.shutdown(ctx, errors.New(l.stopReason))
		}

		// Step 2: pause check. A paused loop still reacts to quit.
		if l.paused.Load() {
			l.sleepInterruptible(ctx, time.Second)
			continue
		}

		l.applyPendingMappingReload(ctx)

		if err := l.runIteration(ctx); err != nil {
			l.stopped.Store(true)
			l.stopReason = err.Error()
			l.Log.ErrorContext(ctx, "fatal data error, stopping", "error", err)
			l.notify(ctx)
			return l.shutdown(ctx, err)
		}

		l.notify(ctx)
		l.sleepInterruptible(ctx, l.Cfg.LoopInterval())
	}
}

// runIteration implements spec §4.7's per-iteration algorithm, steps 1-7 (the
// pause check, step 2, is handled by Run before calling this).
func (l *Loop) runIteration(ctx context.Context) error {
	// Step 1: acquire a bus session scoped to this iteration.
	if interrupted := l.openBusWithBackoff(ctx); interrupted {
		return nil // shutdown requested mid-backoff
	}
	defer l.Bus.Close()

	// Step 3: first iteration only, once init-sync has completed in a
	// previous run. The call passes neither a previous local snapshot nor
	// removed types, so it replays nothing; schema and mapping changes are
	// replayed at the moment they are applied (schemachange.go,
	// mappingreload.go).
	if l.firstIteration && l.state.InitsyncComplete {
		l.Engine.ApplyLocalDatamodelChange(ctx, nil, nil)
	}
	l.firstIteration = false

	// Step 4/5: error-queue retry + trashbin purge + event processing, or
	// init-sync discovery/replay, depending on where this run left off.
	var err error
	if l.state.InitsyncComplete {
		err = l.processLivePass(ctx)
	} else {
		err = l.runInitsync(ctx)
	}
	if err != nil {
		return err
	}

	// Step 6: notification-state recording.
	keys := l.queuedErrorKeys()
	l.state.MarkErrorSet(keys)

	// Step 7: atomic persistence. The schemas are not saved here: they are
	// saved at shutdown (see (*Loop).shutdown) and whenever a dataschema
	// event or a mapping reload changes them.
	return l.persist(ctx)
}

// processLivePass retries the error queue, purges expired trashbin entries,
// then drains the bus from the persisted offset until its configured
// timeout elapses with nothing new, spec §4.7 step 4 / §4.6's trashbin
// purge ordering.
func (l *Loop) processLivePass(ctx context.Context) error {
	l.retryErrorQueue(ctx)
	if l.paused.Load() || l.quit.Load() {
		return nil
	}

	l.purgeTrashbin(ctx)
	if l.paused.Load() || l.quit.Load() {
		return nil
	}

	l.Bus.SetTimeout(l.Cfg.LoopInterval())
	if err := l.Bus.Seek(ctx, l.state.NextOffset); err != nil {
		return fmt.Errorf("loop: seek to offset %d: %w", l.state.NextOffset, err)
	}
	for {
		if l.paused.Load() || l.quit.Load() {
			return nil
		}
		ev, ok, err := l.Bus.Next(ctx)
		if err != nil {
			return fmt.Errorf("loop: read next event: %w", err)
		}
		if !ok {
			return nil // drained within timeout
		}
		if err := l.applyBusEvent(ctx, ev); err != nil {
			return err
		}
		l.state.NextOffset = ev.Offset + 1
	}
}

// applyBusEvent dispatches one event off the bus to either schema-change
// handling or the event processor, per its type.
func (l *Loop) applyBusEvent(ctx context.Context, ev *model.Event) error {
	if ev.Type == model.TypeDataschema {
		return l.handleDataschemaEvent(ctx, ev)
	}
	if _, err := l.Engine.ProcessRemoteEvent(ctx, ev, nil, true); err != nil {
		return fmt.Errorf("loop: process event %s: %w", ev.String(), err)
	}
	return nil
}

// retryErrorQueue replays every currently-queued entry with
// enqueueOnError=false so a renewed failure surfaces as an updated error
// message instead of a duplicate entry, spec §4.4's retry pass. An entry
// that is still a foreign-key dependency of another queued error is
// deferred rather than retried: retrying it out of order could apply a
// parent-record change a still-failing child's eventual retry depends on
// reading the old value of. The deferred set is re-swept after every pass
// that made progress, so a chain of N dependent errors resolving in order
// converges within N passes instead of requiring N separate loop
// iterations. Suspension point after every entry, spec §5.
func (l *Loop) retryErrorQueue(ctx context.Context) {
	var pending []uint64
	l.Queue.Iterate(func(n uint64, _ errorqueue.Entry) {
		pending = append(pending, n)
	})

	for len(pending) > 0 {
		var deferred []uint64
		progressed := false

		for _, n := range pending {
			if l.paused.Load() || l.quit.Load() {
				return
			}
			entry, ok := l.lookupQueueEntry(n)
			if !ok {
				progressed = true // purged by an earlier entry in this sweep
				continue
			}
			if l.Engine.IsParentOfAnotherError(ctx, entry.Local.ObjType, entry.Local.ObjPKey) {
				deferred = append(deferred, n)
				continue
			}
			l.retryOne(ctx, n, entry)
			progressed = true
		}

		if !progressed {
			return // the remaining deferred entries form a cycle or a stale dependency; stop
		}
		pending = deferred
	}
}

// lookupQueueEntry re-fetches eventNumber's entry, since an earlier entry in
// the same sweep may have purged it (e.g. a removed event clearing a
// dependent chain via Queue.PurgeAllEvents).
func (l *Loop) lookupQueueEntry(eventNumber uint64) (errorqueue.Entry, bool) {
	found := false
	var entry errorqueue.Entry
	l.Queue.AllEvents(func(n uint64, e errorqueue.Entry) {
		if n == eventNumber {
			found, entry = true, e
		}
	})
	return entry, found
}

func (l *Loop) retryOne(ctx context.Context, n uint64, entry errorqueue.Entry) {
	if err := l.Engine.RetryQueuedEvent(ctx, entry.Remote, entry.Local); err != nil {
		msg := err.Error()
		l.Queue.UpdateErrorMsg(n, &msg)
		return
	}
	l.Queue.Remove(n, true)
}

// purgeTrashbin finalizes the removal of every local trashbin entry whose
// retention delay has elapsed, children before parents, spec §4.3/§4.6.
// Suspension point after every entry examined, spec §5.
func (l *Loop) purgeTrashbin(ctx context.Context) {
	retention := l.Cfg.TrashbinRetention()
	if retention <= 0 {
		return
	}
	now := time.Now().UTC()
	for _, objtype := range cache.PurgeOrder(l.Engine.LocalSchema.Types()) {
		for _, obj := range cache.PurgeExpired(l.Engine.Caches.LocalEffective, objtype, now, retention) {
			if l.paused.Load() || l.quit.Load() {
				return
			}
			if err := l.Engine.PurgeTrashbinEntry(ctx, objtype, obj.GetPKey(), true); err != nil {
				l.Log.WarnContext(ctx, "trashbin purge failed, will retry next pass",
					"objtype", objtype, "pkey", obj.GetPKey().String(), "error", err)
			}
		}
	}
}

// queuedErrorKeys returns a stable, sorted identity for every object
// currently carrying a queued error, used by offsetcache.State.MarkErrorSet
// to detect error-set transitions, spec §4.7 step 6.
func (l *Loop) queuedErrorKeys() []string {
	seen := map[string]struct{}{}
	l.Queue.AllEvents(func(_ uint64, e errorqueue.Entry) {
		seen[e.Local.ObjType+"\x1f"+e.Local.ObjPKey.Key()] = struct{}{}
	})
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	return keys
}

// openBusWithBackoff implements spec §4.7's bus-unavailable handling: retry
// Open in a loop, waiting the configured backoff between attempts in 1s
// slices so a shutdown request interrupts the wait promptly. It returns true
// when the wait was cut short by a stop/quit request rather than a
// successful Open.
func (l *Loop) openBusWithBackoff(ctx context.Context) bool {
	for {
		openErr := l.Bus.Open(ctx)
		if openErr == nil {
			l.busConnected = true
			l.busUnavailableSince = nil
			return false
		}

		now := time.Now().UTC()
		if l.busUnavailableSince == nil {
			l.busUnavailableSince = &now
			l.busConnected = false
			l.Log.ErrorContext(ctx, "bus unavailable, backing off", "error", openErr)
			l.notify(ctx)
		}

		backoff := l.Cfg.BusUnavailableBackoff()
		slept := time.Duration(0)
		for slept < backoff {
			if l.quit.Load() || ctx.Err() != nil {
				return true
			}
			d := time.Second
			if backoff-slept < d {
				d = backoff - slept
			}
			time.Sleep(d)
			slept += d
		}
	}
}

func (l *Loop) sleepInterruptible(ctx context.Context, d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if l.quit.Load() || l.stopped.Load() || ctx.Err() != nil {
			return
		}
		remaining := time.Until(deadline)
		step := time.Second
		if remaining < step {
			step = remaining
		}
		if step <= 0 {
			return
		}
		time.Sleep(step)
	}
}

// persist atomically writes the error queue, the four caches, and the
// offset cache, spec §4.7 step 7.
func (l *Loop) persist(ctx context.Context) error {
	if err := l.Caches.Save(); err != nil {
		return fmt.Errorf("loop: save caches: %w", err)
	}
	if err := l.Queue.Save(l.Store, fileErrorQueue); err != nil {
		return fmt.Errorf("loop: save error queue: %w", err)
	}
	if err := l.Offset.Save(l.state); err != nil {
		return fmt.Errorf("loop: save offset cache: %w", err)
	}
	if err := l.Handlers.CallSave(ctx); err != nil {
		l.Log.WarnContext(ctx, "on_save handler failed", "error", err)
	}
	return nil
}

// shutdown persists the schema (also saved when a dataschema event or a
// mapping reload changes it) and releases resources. cause is nil on a
// clean stop.
func (l *Loop) shutdown(ctx context.Context, cause error) error {
	if err := l.Store.Save(fileRemoteSchema, l.Engine.RemoteSchema.ToSpec()); err != nil {
		l.Log.ErrorContext(ctx, "save remote schema at shutdown", "error", err)
	}
	if err := l.Store.Save(fileLocalSchema, l.Engine.LocalSchema.ToSpec()); err != nil {
		l.Log.ErrorContext(ctx, "save local schema at shutdown", "error", err)
	}
	if err := l.persist(ctx); err != nil {
		l.Log.ErrorContext(ctx, "persist at shutdown", "error", err)
	}
	l.Log.InfoContext(ctx, "loop stopped", "cause", causeString(cause))
	return cause
}

func causeString(err error) string {
	if err == nil {
		return "requested"
	}
	return err.Error()
}

// notify recomputes the status snapshot and notifies on any level-driven
// transition, spec §4.7 step 6. offsetcache.State.MarkErrorSet already
// updated l.state's notification bookkeeping in runIteration; this only
// decides whether the bus/engine-level snapshot itself is worth surfacing.
func (l *Loop) notify(ctx context.Context) {
	snap := l.computeSnapshot()
	if snapshotsEqual(snap, l.lastNotifiedSnapshot) {
		return
	}
	hadError := snapshotHasLevel(l.lastNotifiedSnapshot, LevelError)
	hasError := snapshotHasLevel(snap, LevelError)
	transition := "error-set-changed"
	switch {
	case !hadError && hasError:
		transition = "error"
	case hadError && !hasError:
		transition = "recovered"
	}
	l.Notifier.Notify(ctx, transition, snap)
	l.lastNotifiedSnapshot = snap
}

func snapshotHasLevel(snap Snapshot, level string) bool {
	for _, levels := range snap {
		if kv, ok := levels[level]; ok && len(kv) > 0 {
			return true
		}
	}
	return false
}

func snapshotsEqual(a, b Snapshot) bool {
	if len(a) != len(b) {
		return false
	}
	for component, levels := range a {
		ob, ok := b[component]
		if !ok || len(ob) != len(levels) {
			return false
		}
		for level, kv := range levels {
			okv, ok := ob[level]
			if !ok || len(okv) != len(kv) {
				return false
			}
			for k, v := range kv {
				if okv[k] != v {
					return false
				}
			}
		}
	}
	return true
}

// runInitsync implements spec §4.7 step 5: scan forward from the current
// cursor for a complete `init-start`..`init-stop` sequence, replay every
// object it carries as a synthetic `added` through the engine, then mark
// init-sync complete. When several complete sequences are buffered (a
// republish), InitsyncSelectFirst picks whether the earliest or the latest
// one is authoritative.
func (l *Loop) runInitsync(ctx context.Context) error {
	l.Bus.SetTimeout(l.Cfg.LoopInterval())

	start, ok, err := l.Bus.FindNextEventOfCategory(ctx, model.CategoryInitsync)
	if err != nil {
		return fmt.Errorf("loop: find init-start: %w", err)
	}
	if !ok {
		return nil // nothing buffered yet, try again next iteration
	}
	if start.Type != model.TypeInitStart {
		return fmt.Errorf("loop: expected init-start, got %q at offset %d", start.Type, start.Offset)
	}

	return l.replayInitsyncFrom(ctx, start)
}

// replayInitsyncFrom consumes events from start's offset through the
// matching init-stop, applying each initsync-category object as an `added`
// event, honoring InitsyncSelectFirst when a later init-start supersedes
// this one before its init-stop is reached.
func (l *Loop) replayInitsyncFrom(ctx context.Context, start *model.Event) error {
	if err := l.Bus.Seek(ctx, start.Offset); err != nil {
		return fmt.Errorf("loop: seek to init-start offset %d: %w", start.Offset, err)
	}
	l.state.NewGeneration()
	l.state.InitStartOffset = start.Offset

	for {
		if l.paused.Load() || l.quit.Load() {
			return nil
		}
		ev, ok, err := l.Bus.Next(ctx)
		if err != nil {
			return fmt.Errorf("loop: read initsync event: %w", err)
		}
		if !ok {
			return nil // bus ran dry before init-stop: retry discovery next iteration
		}
		if ev.Category != model.CategoryInitsync {
			continue
		}

		switch ev.Type {
		case model.TypeInitStart:
			if !l.Cfg.InitsyncSelectFirst {
				// A newer sequence supersedes this one: restart from here.
				return l.replayInitsyncFrom(ctx, ev)
			}
			// InitsyncSelectFirst: the first sequence found is authoritative;
			// ignore any subsequent init-start until its matching init-stop.
			continue
		case model.TypeInitStop:
			l.state.InitStopOffset = ev.Offset
			l.state.InitsyncComplete = true
			l.state.NextOffset = ev.Offset + 1
			l.Log.InfoContext(ctx, "init-sync complete", "startOffset", l.state.InitStartOffset, "stopOffset", l.state.InitStopOffset)
			l.Engine.ApplyLocalDatamodelChange(ctx, nil, nil)
			return nil
		case model.TypeDataschema:
			if err := l.handleDataschemaEvent(ctx, ev); err != nil {
				return err
			}
		default:
			if _, err := l.Engine.ProcessRemoteEvent(ctx, ev, nil, true); err != nil {
				return fmt.Errorf("loop: process init-sync event %s: %w", ev.String(), err)
			}
		}
	}
}
