package errorqueue

import (
	"strings"

	"github.com/insa-strasbourg/hermes-client/internal/model"
)

// PKeyAttrPrefix marks the reserved attributes an `added` event carries to
// record the primary key attribute(s) it was created with, so a later
// primary-key migration knows which attrs to strip before inserting the new
// ones (spec §4.5).
const PKeyAttrPrefix = "_pkey_"

// UpdatePrimaryKeys rewrites every queued event's objpkey after a schema
// change announces a new primary-key attribute for some types. newRemotePkeys
// and newLocalPkeys map an objtype to its new primary-key attribute name(s);
// remoteData/remoteDataComplete/localData/localDataComplete are the caches
// *before* their own primary keys have been rewritten, so the old
// objpkey can still be used to locate the object and read the new attribute
// off it. The caller must immediately persist and reload the queue afterward,
// mirroring ErrorQueue.updatePrimaryKeys.
func (q *Queue) UpdatePrimaryKeys(
	newRemotePkeys map[string][]string,
	remoteData, remoteDataComplete *model.Datasource,
	newLocalPkeys map[string][]string,
	localData, localDataComplete *model.Datasource,
) {
	newQueue := make(map[uint64]Entry, len(q.queue))

	for eventNumber, entry := range q.queue {
		newRemote := entry.Remote
		if entry.Remote != nil {
			if newPkeyAttrs, changed := newRemotePkeys[entry.Remote.ObjType]; changed {
				oldObj := remoteData.Get(entry.Remote.ObjType, entry.Remote.ObjPKey)
				if oldObj == nil {
					oldObj = remoteDataComplete.Get(entry.Remote.ObjType, entry.Remote.ObjPKey)
				}
				newRemote = entry.Remote.Clone()
				newRemote.ObjPKey = readPkeyFrom(oldObj, newPkeyAttrs)
			}
		}

		newLocal := entry.Local
		if newPkeyAttrs, changed := newLocalPkeys[entry.Local.ObjType]; changed {
			oldObj := localData.Get(entry.Local.ObjType, entry.Local.ObjPKey)
			if oldObj == nil {
				oldObj = localDataComplete.Get(entry.Local.ObjType, entry.Local.ObjPKey)
			}
			newLocal = entry.Local.Clone()
			newPkey := readPkeyFrom(oldObj, newPkeyAttrs)
			newLocal.ObjPKey = newPkey

			if newLocal.Type == model.TypeAdded {
				for attr := range newLocal.Added {
					if strings.HasPrefix(attr, PKeyAttrPrefix) {
						delete(newLocal.Added, attr)
					}
				}
				for i, attr := range newPkeyAttrs {
					newLocal.Added[attr] = newPkey.Values[i]
				}
			}
		}

		newQueue[eventNumber] = Entry{Remote: newRemote, Local: newLocal, ErrorMsg: entry.ErrorMsg}
	}

	q.queue = newQueue
}

func readPkeyFrom(obj *model.DataObject, attrs []string) model.PKey {
	if obj == nil {
		return model.NewPKey()
	}
	values := make([]any, len(attrs))
	for i, attr := range attrs {
		v, _ := obj.Get(attr)
		values[i] = v
	}
	return model.NewPKey(values...)
}
