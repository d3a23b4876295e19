// Package engine implements the Event Processor (spec §4.6, C6): the
// transition table that turns one inbound remote event into a local handler
// call, guarded by the error-queue dependency check (Guard A), plus the
// primary-key-migration orchestration that only the engine (not the error
// queue alone) has enough context to drive. No simulate-only pre-pass runs
// before the handlers are called, and the bus offset is advanced by
// internal/loop, not here. Grounded on
// original_source/clients/__init__.py's __processRemoteEvent/
// __processLocalEvent/__remoteAdded/__remoteModified/__remoteRemoved family.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/insa-strasbourg/hermes-client/internal/cache"
	"github.com/insa-strasbourg/hermes-client/internal/cache/redisstore"
	"github.com/insa-strasbourg/hermes-client/internal/datamodel"
	"github.com/insa-strasbourg/hermes-client/internal/errorqueue"
	"github.com/insa-strasbourg/hermes-client/internal/model"
	"github.com/insa-strasbourg/hermes-client/internal/schema"
	"github.com/insa-strasbourg/hermes-client/pkg/config"
	"github.com/insa-strasbourg/hermes-client/pkg/handler"
	"github.com/insa-strasbourg/hermes-client/pkg/logger"
)

// Transition is the outcome the transition table (spec §4.6) picked for one
// event.
type Transition string

const (
	TransitionAdded    Transition = "added"
	TransitionRecycled Transition = "recycled"
	TransitionModified Transition = "modified"
	TransitionReject   Transition = "reject"
	TransitionRemoved  Transition = "removed"
	TransitionTrashed  Transition = "trashed"
)

// Processor applies events against the dual cache through the transition
// table, dispatching to registered handlers.
type Processor struct {
	RemoteSchema *schema.Schema
	LocalSchema  *schema.Schema
	Datamodel    *datamodel.Datamodel
	Caches       *cache.Caches
	Queue        *errorqueue.Queue
	Handlers     *handler.Registry
	Log          logger.Logger

	ForeignKeyPolicy  string // config.ForeignKeyPolicy* constant
	TrashbinRetention time.Duration

	// WarmCache is an optional secondary lookup cache, consulted only when
	// the in-process arena (Caches) misses; nil disables it entirely. Never
	// authoritative: Caches' on-disk persistence remains the only source of
	// truth (spec §5).
	WarmCache *redisstore.Store
}

// foreignKeyEventTypes returns the set of event types Guard A's dependency
// check applies to for the configured policy, mirroring
// __foreignkeys_events.
func (p *Processor) foreignKeyEventTypes() map[string]struct{} {
	switch p.ForeignKeyPolicy {
	case config.ForeignKeyPolicyOnRemove:
		return map[string]struct{}{model.TypeRemoved: {}}
	case config.ForeignKeyPolicyOnEvery:
		return map[string]struct{}{model.TypeAdded: {}, model.TypeModified: {}, model.TypeRemoved: {}}
	default:
		return nil
	}
}

// IsParentOfAnotherError reports whether objtype/pkey (local namespace) is
// referenced, directly or transitively through foreign keys, by any other
// object that currently has a queued error (the object's own queued entries
// do not count). This is the guard the original calls
// isEventAParentOfAnotherError: it protects a parent record from being
// mutated while a dependent child's error is still unresolved. Exported so
// the main loop's retry pass (internal/loop) can defer a queued entry that is
// still somebody else's dependency instead of retrying it out of order.
func (p *Processor) IsParentOfAnotherError(ctx context.Context, objtype string, pkey model.PKey) bool {
	target := objtype + "\x1f" + pkey.Key()
	found := false
	p.Queue.AllEvents(func(_ uint64, e errorqueue.Entry) {
		if found {
			return
		}
		if e.Local.ObjType+"\x1f"+e.Local.ObjPKey.Key() == target {
			return // an object is not a parent of its own error
		}
		if p.chainReaches(ctx, e.Local.ObjType, e.Local.ObjPKey, target, map[string]struct{}{}) {
			found = true
		}
	})
	return found
}

// chainReaches walks from -> up to otherType's primary key for every foreign
// key carried by from's object type, looking up the real attribute values in
// the local effective cache, falling back to complete and then, if
// configured, the warm cache (spec §5: WarmCache never substitutes for a hit
// in the authoritative arena, only for a miss in both), returns whether
// target ("type\x1fpkey") is reached.
func (p *Processor) chainReaches(ctx context.Context, objtype string, pkey model.PKey, target string, seen map[string]struct{}) bool {
	key := objtype + "\x1f" + pkey.Key()
	if key == target {
		return true
	}
	if _, visited := seen[key]; visited {
		return false
	}
	seen[key] = struct{}{}

	ot := p.LocalSchema.Get(objtype)
	if ot == nil || len(ot.ForeignKeys) == 0 {
		return false
	}
	attrs := p.lookupLocalAttrs(ctx, objtype, pkey)
	if attrs == nil {
		return false
	}
	for _, fk := range ot.ForeignKeys {
		v, ok := attrs[fk.SourceAttr]
		if !ok || v == nil {
			continue
		}
		otherPkey := model.NewPKey(v)
		if p.chainReaches(ctx, fk.OtherType, otherPkey, target, seen) {
			return true
		}
	}
	return false
}

// lookupLocalAttrs returns objtype/pkey's attributes from the local
// effective cache, then complete, then (if configured) the warm cache.
func (p *Processor) lookupLocalAttrs(ctx context.Context, objtype string, pkey model.PKey) map[string]any {
	if obj := p.Caches.LocalEffective.Get(objtype, pkey); obj != nil {
		return obj.Attrs()
	}
	if obj := p.Caches.LocalComplete.Get(objtype, pkey); obj != nil {
		return obj.Attrs()
	}
	if attrs, ok := p.WarmCache.Get(ctx, "local", objtype, pkey); ok {
		return attrs
	}
	return nil
}

// Result is what applying one event produced.
type Result struct {
	Transition Transition
	Applied    bool // false when the event was enqueued instead of applied
}

// ProcessRemoteEvent implements §4.6's full remote-event path: Guard A,
// conversion to local, and dispatch through applyLocal. When
// enqueueOnError is false (error-queue retry pass), a handler failure is
// returned as an error instead of being appended to the queue.
func (p *Processor) ProcessRemoteEvent(ctx context.Context, ev *model.Event, localOverride *model.Event, enqueueOnError bool) (Result, error) {
	var completeRemoteObj map[string]any
	if ev.Type == model.TypeModified {
		cached := p.Caches.RemoteComplete.Get(ev.ObjType, ev.ObjPKey)
		if cached == nil {
			cached = p.Caches.RemoteComplete.TrashbinGet(ev.ObjType, ev.ObjPKey)
		}
		if cached != nil {
			completeRemoteObj = cached.ApplyEvent(ev).Attrs()
		}
	}

	local := localOverride
	if local == nil {
		local = p.Datamodel.ConvertEventToLocal(ev, completeRemoteObj, false)
	}

	if enqueueOnError {
		hadErrors := p.Queue.ContainsObjectByEvent(ev, false)
		isParent := false
		if local != nil {
			if _, gated := p.foreignKeyEventTypes()[ev.Type]; gated {
				isParent = p.IsParentOfAnotherError(ctx, local.ObjType, local.ObjPKey)
			}
		}
		if hadErrors || isParent {
			reason := "object already had unresolved errors: appending event to error queue"
			if !hadErrors {
				reason = "object is a dependency of an object that already had unresolved errors: appending event to error queue"
			}
			p.Log.Warn(reason, "event", ev.String())
			if local == nil {
				local = p.Datamodel.ConvertEventToLocal(ev, completeRemoteObj, true)
			}
			p.Queue.Append(ev, local, &reason)
			return Result{Applied: false}, nil
		}
	}

	if local == nil {
		// Unmapped remote type/attrs: nothing to apply locally, but the
		// remote-complete cache still needs to reflect the attempt so later
		// diffs are correct.
		p.applyRemoteOnly(ev)
		return Result{Applied: true}, nil
	}

	tr, err := p.applyLocal(ctx, ev, local, !enqueueOnError)
	if err != nil {
		if enqueueOnError {
			msg := err.Error()
			p.Queue.Append(ev, local, &msg)
			return Result{Applied: false}, nil
		}
		return Result{}, err
	}
	p.applyRemoteOnly(ev)
	return Result{Transition: tr, Applied: true}, nil
}

// applyRemoteOnly updates the remote-side caches (both effective and
// complete track the same remote state once a remote event has been fully
// attempted; only the local-side effective/complete pair can diverge, since
// only local handler success gates the local-effective cache).
func (p *Processor) applyRemoteOnly(ev *model.Event) {
	switch ev.Type {
	case model.TypeRemoved:
		cache.ApplyRemoval(p.Caches.RemoteEffective, ev.ObjType, ev.ObjPKey, ev.Timestamp, p.TrashbinRetention)
		cache.ApplyRemoval(p.Caches.RemoteComplete, ev.ObjType, ev.ObjPKey, ev.Timestamp, p.TrashbinRetention)
	case model.TypeAdded:
		t := p.RemoteSchema.Get(ev.ObjType)
		if t == nil {
			return
		}
		obj := model.NewDataObject(t, ev.Added)
		p.Caches.RemoteEffective.Put(ev.ObjType, obj)
		p.Caches.RemoteComplete.Put(ev.ObjType, obj.Clone())
	case model.TypeModified:
		for _, ds := range []*model.Datasource{p.Caches.RemoteEffective, p.Caches.RemoteComplete} {
			cur := ds.Get(ev.ObjType, ev.ObjPKey)
			if cur == nil {
				continue
			}
			ds.Put(ev.ObjType, cur.ApplyEvent(ev))
		}
	}
}

// applyLocal implements the transition table keyed on (event.type,
// trashbin-contains-pkey?, retention-on?), spec §4.6's table, against the
// local caches, invoking the matching handler. isRetry is true only when
// this call is replaying an event already sitting in the error queue (spec
// §4.4/§8 scenario 6): it seeds the handler's resumption context from the
// event's persisted Step/IsPartiallyProcessed instead of starting over.
func (p *Processor) applyLocal(ctx context.Context, remoteEv *model.Event, ev *model.Event, isRetry bool) (Transition, error) {
	objtype, pkey := ev.ObjType, ev.ObjPKey
	inTrashbin := p.Caches.LocalEffective.TrashbinContains(objtype, pkey)

	switch ev.Type {
	case model.TypeAdded:
		if inTrashbin {
			return p.applyRecycled(ctx, ev, isRetry)
		}
		return p.applyAdded(ctx, ev, isRetry)

	case model.TypeModified:
		if inTrashbin {
			return TransitionReject, fmt.Errorf("engine: cannot modify trashed object %s/%s", objtype, pkey)
		}
		return p.applyModified(ctx, ev, isRetry)

	case model.TypeRemoved:
		if p.TrashbinRetention <= 0 || inTrashbin {
			return p.applyRemoved(ctx, ev, isRetry)
		}
		return p.applyTrashed(ctx, ev, isRetry)
	}
	return "", fmt.Errorf("engine: unknown event type %q", ev.Type)
}

// resumeContext builds the handler.Context a transition's handler is called
// with: a fresh call starts at Step -1 ("not started") regardless of ev's
// zero-value Step field, while a genuinely partially-processed event (one a
// previous call left mid-transition, IsPartiallyProcessed true) resumes from
// its persisted Step, per spec §8 scenario 6.
func resumeContext(ev *model.Event, isRetry bool) *handler.Context {
	step := -1
	if ev.IsPartiallyProcessed {
		step = ev.Step
	}
	return &handler.Context{Step: step, IsPartiallyProcessed: ev.IsPartiallyProcessed, IsAnErrorRetry: isRetry}
}

func (p *Processor) applyAdded(ctx context.Context, ev *model.Event, isRetry bool) (Transition, error) {
	t := p.LocalSchema.Get(ev.ObjType)
	if t == nil {
		return "", fmt.Errorf("engine: unknown local type %q", ev.ObjType)
	}
	newObj := model.NewDataObject(t, ev.Added)
	if fn, ok := p.Handlers.Lookup(ev.ObjType, handler.TransitionAdded); ok {
		hctx := resumeContext(ev, isRetry)
		if err := fn(ctx, hctx, ev.ObjPKey, ev.Added, newObj.Attrs(), nil); err != nil {
			ev.Step, ev.IsPartiallyProcessed = hctx.Step, hctx.IsPartiallyProcessed
			return "", handler.NewHermesError(ev.ObjType, handler.TransitionAdded, ev.ObjPKey, err)
		}
	}
	p.Caches.LocalEffective.Put(ev.ObjType, newObj)
	p.Caches.LocalComplete.Put(ev.ObjType, newObj.Clone())
	p.WarmCache.Put(ctx, "local", ev.ObjType, ev.ObjPKey, newObj.Attrs())
	return TransitionAdded, nil
}

func (p *Processor) applyModified(ctx context.Context, ev *model.Event, isRetry bool) (Transition, error) {
	cached := p.Caches.LocalEffective.Get(ev.ObjType, ev.ObjPKey)
	if cached == nil {
		return "", fmt.Errorf("engine: modified event for unknown object %s/%s", ev.ObjType, ev.ObjPKey)
	}
	newObj := cached.ApplyEvent(ev)
	if fn, ok := p.Handlers.Lookup(ev.ObjType, handler.TransitionModified); ok {
		hctx := resumeContext(ev, isRetry)
		attrs := map[string]any{}
		for k, v := range ev.Added {
			attrs[k] = v
		}
		for k, v := range ev.Modified {
			attrs[k] = v
		}
		for k := range ev.Removed {
			attrs[k] = nil
		}
		if err := fn(ctx, hctx, ev.ObjPKey, attrs, newObj.Attrs(), cached.Attrs()); err != nil {
			ev.Step, ev.IsPartiallyProcessed = hctx.Step, hctx.IsPartiallyProcessed
			return "", handler.NewHermesError(ev.ObjType, handler.TransitionModified, ev.ObjPKey, err)
		}
	}
	p.Caches.LocalEffective.Put(ev.ObjType, newObj)
	p.Caches.LocalComplete.Put(ev.ObjType, newObj.Clone())
	p.WarmCache.Put(ctx, "local", ev.ObjType, ev.ObjPKey, newObj.Attrs())
	return TransitionModified, nil
}

func (p *Processor) applyRemoved(ctx context.Context, ev *model.Event, isRetry bool) (Transition, error) {
	cached := p.Caches.LocalEffective.Get(ev.ObjType, ev.ObjPKey)
	if cached == nil {
		cached = p.Caches.LocalEffective.TrashbinGet(ev.ObjType, ev.ObjPKey)
	}
	if fn, ok := p.Handlers.Lookup(ev.ObjType, handler.TransitionRemoved); ok && cached != nil {
		hctx := resumeContext(ev, isRetry)
		if err := fn(ctx, hctx, ev.ObjPKey, nil, nil, cached.Attrs()); err != nil {
			ev.Step, ev.IsPartiallyProcessed = hctx.Step, hctx.IsPartiallyProcessed
			return "", handler.NewHermesError(ev.ObjType, handler.TransitionRemoved, ev.ObjPKey, err)
		}
	}
	cache.ApplyRemoval(p.Caches.LocalEffective, ev.ObjType, ev.ObjPKey, ev.Timestamp, 0)
	cache.ApplyRemoval(p.Caches.LocalComplete, ev.ObjType, ev.ObjPKey, ev.Timestamp, 0)
	p.Caches.LocalEffective.TrashbinDelete(ev.ObjType, ev.ObjPKey)
	p.Caches.LocalComplete.TrashbinDelete(ev.ObjType, ev.ObjPKey)
	p.Queue.PurgeAllEvents(ev.ObjType, ev.ObjPKey, true)
	p.WarmCache.Delete(ctx, "local", ev.ObjType, ev.ObjPKey)
	return TransitionRemoved, nil
}

func (p *Processor) applyTrashed(ctx context.Context, ev *model.Event, isRetry bool) (Transition, error) {
	cached := p.Caches.LocalEffective.Get(ev.ObjType, ev.ObjPKey)
	if cached == nil {
		return "", fmt.Errorf("engine: removed event for unknown object %s/%s", ev.ObjType, ev.ObjPKey)
	}
	if fn, ok := p.Handlers.Lookup(ev.ObjType, handler.TransitionTrashed); ok {
		hctx := resumeContext(ev, isRetry)
		if err := fn(ctx, hctx, ev.ObjPKey, nil, nil, cached.Attrs()); err != nil {
			ev.Step, ev.IsPartiallyProcessed = hctx.Step, hctx.IsPartiallyProcessed
			return "", handler.NewHermesError(ev.ObjType, handler.TransitionTrashed, ev.ObjPKey, err)
		}
	}
	cache.ApplyRemoval(p.Caches.LocalEffective, ev.ObjType, ev.ObjPKey, ev.Timestamp, p.TrashbinRetention)
	cache.ApplyRemoval(p.Caches.LocalComplete, ev.ObjType, ev.ObjPKey, ev.Timestamp, p.TrashbinRetention)
	p.WarmCache.Delete(ctx, "local", ev.ObjType, ev.ObjPKey)
	return TransitionTrashed, nil
}

// applyRecycled implements the `added`-while-trashed transition: handler
// on_<type>_recycled, restore from trashbin into the main cache, and if the
// recycled attributes differ from the trashed snapshot, enqueue a synthetic
// modified event with a nil errorMsg (pending, not failed) to force a
// retry pass.
func (p *Processor) applyRecycled(ctx context.Context, ev *model.Event, isRetry bool) (Transition, error) {
	t := p.LocalSchema.Get(ev.ObjType)
	if t == nil {
		return "", fmt.Errorf("engine: unknown local type %q", ev.ObjType)
	}
	trashed := cache.Recycle(p.Caches.LocalEffective, ev.ObjType, ev.ObjPKey)
	cache.Recycle(p.Caches.LocalComplete, ev.ObjType, ev.ObjPKey)

	newObj := model.NewDataObject(t, ev.Added)
	if fn, ok := p.Handlers.Lookup(ev.ObjType, handler.TransitionRecycled); ok {
		hctx := resumeContext(ev, isRetry)
		if err := fn(ctx, hctx, ev.ObjPKey, ev.Added, newObj.Attrs(), nil); err != nil {
			ev.Step, ev.IsPartiallyProcessed = hctx.Step, hctx.IsPartiallyProcessed
			return "", handler.NewHermesError(ev.ObjType, handler.TransitionRecycled, ev.ObjPKey, err)
		}
	}
	p.Caches.LocalEffective.Put(ev.ObjType, newObj)
	p.Caches.LocalComplete.Put(ev.ObjType, newObj.Clone())
	p.WarmCache.Put(ctx, "local", ev.ObjType, ev.ObjPKey, newObj.Attrs())

	if trashed != nil {
		added, modified, removed := newObj.DiffFrom(trashed)
		if len(added) > 0 || len(modified) > 0 || len(removed) > 0 {
			synthetic := model.NewModifiedEvent(ev.Category, ev.ObjType, ev.ObjPKey, added, modified, removed)
			p.Queue.Append(nil, synthetic, nil)
		}
	}
	return TransitionRecycled, nil
}
