package engine

import (
	"context"

	"github.com/insa-strasbourg/hermes-client/internal/cache"
	"github.com/insa-strasbourg/hermes-client/internal/model"
)

// ApplyLocalDatamodelChange implements spec §4.8. oldLocal is a snapshot of
// the local cache as it stood under the previous local schema (nil skips the
// replay pass below), removedTypes lists the local types the new local
// schema no longer declares, and p.LocalSchema/p.Datamodel already hold the
// new local schema. Called with nil, nil it does nothing.
//
// Two independent passes, mirroring original_source/clients/__init__.py's
// __checkDatamodelDiff family:
//
//   - removed-type cleanup: any type present in oldLocal but absent from
//     p.LocalSchema had every one of its cached/trashed objects synthesized
//     as `removed` events, run through the transition table (enqueueing on
//     handler failure rather than aborting), then its residual queue
//     entries and cache files are purged outright.
//   - added-type/modified-mapping replay: p.Datamodel's local projection of
//     every object in RemoteComplete is rebuilt and diffed against
//     oldLocal's object (or trashed object) of the same key; any
//     difference (new object, changed attributes, or a trashed remote
//     object whose local projection didn't exist before) is synthesized as
//     an added/modified/removed event and run through the same pipeline.
func (p *Processor) ApplyLocalDatamodelChange(ctx context.Context, oldLocal *model.Datasource, removedTypes []string) {
	for _, objtype := range removedTypes {
		p.purgeRemovedType(ctx, objtype)
	}
	if oldLocal != nil {
		p.replayMappingChanges(ctx, oldLocal)
	}
}

// purgeRemovedType synthesizes a `removed` event for every cached/trashed
// object of a type the local schema no longer declares, then force-deletes
// whatever trace remains (cache files, queue entries) since the type can no
// longer be re-derived.
func (p *Processor) purgeRemovedType(ctx context.Context, objtype string) {
	for _, obj := range p.Caches.LocalEffective.All(objtype) {
		p.replayRemoved(ctx, objtype, obj.GetPKey())
	}
	for _, obj := range p.Caches.LocalEffective.TrashbinAll(objtype) {
		p.replayRemoved(ctx, objtype, obj.GetPKey())
	}
	for _, obj := range p.Caches.LocalEffective.All(objtype) {
		p.Queue.PurgeAllEvents(objtype, obj.GetPKey(), true)
	}
	for _, obj := range p.Caches.LocalEffective.TrashbinAll(objtype) {
		p.Queue.PurgeAllEvents(objtype, obj.GetPKey(), true)
	}
	cache.ForcePurgeAll(p.Caches.LocalEffective, objtype)
	cache.ForcePurgeAll(p.Caches.LocalComplete, objtype)
	p.Caches.LocalEffective.DeleteType(objtype)
	p.Caches.LocalComplete.DeleteType(objtype)
}

// replayRemoved pushes a synthetic local-only `removed` event (no remote
// counterpart) through the transition table, queueing it instead of
// aborting when a handler fails, mirroring the "queue and move on" policy
// every other §4.7 replay path uses for datamodel-change cleanup.
func (p *Processor) replayRemoved(ctx context.Context, objtype string, pkey model.PKey) {
	ev := model.NewRemovedEvent(model.CategoryBase, objtype, pkey)
	if _, err := p.applyLocal(ctx, nil, ev, false); err != nil {
		msg := err.Error()
		p.Queue.Append(nil, ev, &msg)
		return
	}
	p.Queue.PurgeAllEvents(objtype, pkey, true)
}

// replayMappingChanges rebuilds the local projection of every remote-complete
// object and diffs it against oldLocal's snapshot of the same key, replaying
// whatever the diff implies: a brand new local type/attribute surfaces as
// `added`, and a changed mapping surfaces as `modified`. An object whose
// type no longer maps to a local type is skipped here; removed local types
// are handled by purgeRemovedType.
func (p *Processor) replayMappingChanges(ctx context.Context, oldLocal *model.Datasource) {
	for _, objtype := range p.Caches.RemoteComplete.Types() {
		for _, remoteObj := range p.Caches.RemoteComplete.All(objtype) {
			p.replayOneObject(ctx, oldLocal, remoteObj, false)
		}
		for _, remoteObj := range p.Caches.RemoteComplete.TrashbinAll(objtype) {
			p.replayOneObject(ctx, oldLocal, remoteObj, true)
		}
	}
}

func (p *Processor) replayOneObject(ctx context.Context, oldLocal *model.Datasource, remoteObj *model.DataObject, wasTrashed bool) {
	newLocal := p.Datamodel.ConvertDataObjectToLocal(remoteObj)
	if newLocal == nil {
		return // still unmapped: nothing to replay
	}
	localType, pkey := newLocal.GetType(), newLocal.GetPKey()

	previous := oldLocal.Get(localType, pkey)
	if previous == nil {
		previous = oldLocal.TrashbinGet(localType, pkey)
	}

	if previous == nil {
		p.replayAdded(ctx, newLocal)
		if wasTrashed {
			// The remote object is already trashed but never had a local
			// projection before: surface it to handlers once (added) then
			// immediately trash it again, preserving the original
			// trashbin timestamp instead of resetting the retention clock.
			ts := remoteObj.TrashbinTimestamp
			ev := model.NewRemovedEvent(model.CategoryBase, localType, pkey)
			if ts != nil {
				ev.Timestamp = *ts
			}
			if _, err := p.applyLocal(ctx, nil, ev, false); err != nil {
				msg := err.Error()
				p.Queue.Append(nil, ev, &msg)
			}
		}
		return
	}

	added, modified, removed := newLocal.DiffFrom(previous)
	if len(added) == 0 && len(modified) == 0 && len(removed) == 0 {
		return
	}
	ev := model.NewModifiedEvent(model.CategoryBase, localType, pkey, added, modified, removed)
	if _, err := p.applyLocal(ctx, nil, ev, false); err != nil {
		msg := err.Error()
		p.Queue.Append(nil, ev, &msg)
	}
}

func (p *Processor) replayAdded(ctx context.Context, newLocal *model.DataObject) {
	ev := model.NewAddedEvent(model.CategoryBase, newLocal.GetType(), newLocal.GetPKey(), newLocal.Attrs())
	if _, err := p.applyLocal(ctx, nil, ev, false); err != nil {
		msg := err.Error()
		p.Queue.Append(nil, ev, &msg)
	}
}
