package cache

import (
	"time"

	"github.com/insa-strasbourg/hermes-client/internal/model"
)

// ApplyRemoval implements the spec §4.3 trashbin-or-delete decision for a
// `removed` event on one side (both effective and complete datasources of
// that side are updated identically, since a removal is never partial).
// When retention > 0, the object is moved to the trashbin with the event's
// timestamp; otherwise it is deleted outright.
func ApplyRemoval(ds *model.Datasource, objtype string, pkey model.PKey, at time.Time, retention time.Duration) {
	obj := ds.Get(objtype, pkey)
	if obj == nil {
		return
	}
	ds.Delete(objtype, pkey)
	if retention > 0 {
		ds.TrashbinPut(objtype, obj, at)
	}
}

// IsRecycle reports whether an `added` event's primary key is present in the
// trashbin, which the event processor transition table treats as a
// `recycled` transition rather than a plain `added`.
func IsRecycle(ds *model.Datasource, objtype string, pkey model.PKey) bool {
	return ds.TrashbinContains(objtype, pkey)
}

// Recycle removes objtype/pkey from the trashbin and returns the snapshot
// that was trashed, so the caller can diff it against the new object's
// attributes (spec §4.6: "if the recycled object's attribute values differ
// from the trashed snapshot, enqueue a synthetic modified event").
func Recycle(ds *model.Datasource, objtype string, pkey model.PKey) *model.DataObject {
	trashed := ds.TrashbinGet(objtype, pkey)
	ds.TrashbinDelete(objtype, pkey)
	return trashed
}

// ExpiredEntry is one trashbin entry whose retention delay has elapsed.
type ExpiredEntry struct {
	ObjType string
	Object  *model.DataObject
}

// PurgeExpired returns every trashbin entry of objtype older than retention,
// relative to now, without removing them (the caller drives actual removal
// through the standard removed-event pipeline, spec §4.3/§4.6, so a failed
// handler can retry the purge on the next pass).
func PurgeExpired(ds *model.Datasource, objtype string, now time.Time, retention time.Duration) []*model.DataObject {
	var expired []*model.DataObject
	for _, obj := range ds.TrashbinAll(objtype) {
		if obj.TrashbinTimestamp == nil {
			continue
		}
		if now.Sub(*obj.TrashbinTimestamp) >= retention {
			expired = append(expired, obj)
		}
	}
	return expired
}

// PurgeOrder returns objtypes sorted so that children are purged before
// parents, i.e. the reverse of their schema declaration order, per spec
// §4.6's "trashbin purges are emitted in reverse type-declaration order
// (children before parents)".
func PurgeOrder(declarationOrder []string) []string {
	out := make([]string, len(declarationOrder))
	for i, t := range declarationOrder {
		out[len(declarationOrder)-1-i] = t
	}
	return out
}

// ForcePurgeAll empties every trashbin entry of objtype immediately,
// regardless of retention, used before a schema change removes a type whose
// new primary keys can't be computed from old trashed data (spec §4.3).
func ForcePurgeAll(ds *model.Datasource, objtype string) []*model.DataObject {
	all := ds.TrashbinAll(objtype)
	for _, obj := range all {
		ds.TrashbinDelete(objtype, obj.GetPKey())
	}
	return all
}
