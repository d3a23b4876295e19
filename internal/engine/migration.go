package engine

import (
	"github.com/insa-strasbourg/hermes-client/internal/model"
	"github.com/insa-strasbourg/hermes-client/internal/schema"
)

// MigratePrimaryKeys implements spec §4.5: when oldSchema/newSchema disagree
// on a type's primary-key attribute(s), every object of that type already
// cached under the old key must be re-indexed under the new one, and every
// queued error event's objpkey must be rewritten to match, before oldSchema
// is discarded in favour of newSchema. Caller must persist and reload the
// queue immediately afterward (errorqueue.Queue.UpdatePrimaryKeys's
// contract), since this only rewrites the in-memory queue map, not its index.
func (p *Processor) MigratePrimaryKeys(oldRemote, newRemote, oldLocal, newLocal *schema.Schema) {
	remoteChanges := newRemote.PrimaryKeyChanges(oldRemote)
	localChanges := newLocal.PrimaryKeyChanges(oldLocal)
	if len(remoteChanges) == 0 && len(localChanges) == 0 {
		return
	}

	newRemotePkeys := map[string][]string{}
	for _, c := range remoteChanges {
		newRemotePkeys[c.ObjType] = c.After
	}
	newLocalPkeys := map[string][]string{}
	for _, c := range localChanges {
		newLocalPkeys[c.ObjType] = c.After
	}

	// Snapshot the datasources before rewriting, so the error queue can still
	// resolve objects by their old primary key.
	oldRemoteEffective := p.Caches.RemoteEffective.Clone()
	oldRemoteComplete := p.Caches.RemoteComplete.Clone()
	oldLocalEffective := p.Caches.LocalEffective.Clone()
	oldLocalComplete := p.Caches.LocalComplete.Clone()

	p.Queue.UpdatePrimaryKeys(
		newRemotePkeys, oldRemoteEffective, oldRemoteComplete,
		newLocalPkeys, oldLocalEffective, oldLocalComplete,
	)

	for _, c := range remoteChanges {
		t := newRemote.Get(c.ObjType)
		rekeyType(p.Caches.RemoteEffective, c.ObjType, t)
		rekeyType(p.Caches.RemoteComplete, c.ObjType, t)
	}
	for _, c := range localChanges {
		t := newLocal.Get(c.ObjType)
		rekeyType(p.Caches.LocalEffective, c.ObjType, t)
		rekeyType(p.Caches.LocalComplete, c.ObjType, t)
	}
}

// rekeyType reconstructs every object (and trashbin entry) of objtype against
// t (the post-migration ObjectType, carrying the new primary key), since a
// DataObject's computed GetPKey depends on the ObjectType pointer it was
// built with, not just its attribute values.
func rekeyType(ds *model.Datasource, objtype string, t *model.ObjectType) {
	if t == nil {
		return
	}
	for _, obj := range ds.All(objtype) {
		ds.Delete(objtype, obj.GetPKey())
		rebuilt := model.NewDataObject(t, obj.Attrs())
		ds.Put(objtype, rebuilt)
	}
	for _, obj := range ds.TrashbinAll(objtype) {
		ts := obj.TrashbinTimestamp
		ds.TrashbinDelete(objtype, obj.GetPKey())
		rebuilt := model.NewDataObject(t, obj.Attrs())
		if ts != nil {
			ds.TrashbinPut(objtype, rebuilt, *ts)
		}
	}
}
