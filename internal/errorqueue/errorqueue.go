// Package errorqueue implements the indexed, ordered error queue (spec §4.4,
// C5): events a handler failed to apply are appended here, replayed on a
// retry interval, and merged with their predecessor when autoremediation is
// enabled. Grounded on original_source/clients/errorqueue.py.
package errorqueue

import (
	"fmt"
	"sort"

	"github.com/insa-strasbourg/hermes-client/internal/model"
	"github.com/insa-strasbourg/hermes-client/pkg/logger"
)

// Policy is the autoremediation policy applied when a new event is appended
// for an object that already has an entry in queue.
type Policy string

const (
	PolicyDisabled     Policy = ""
	PolicyConservative Policy = "conservative"
	PolicyMaximum      Policy = "maximum"
)

// Entry is one queued event triple: the remote event that produced it (nil
// when the entry was generated by a "pure" local event, e.g. a datamodel
// change), the local event to apply, and an optional error message (nil
// means "pending, not yet failed" — used by the recycle-with-diff case).
type Entry struct {
	Remote   *model.Event
	Local    *model.Event
	ErrorMsg *string
}

// Queue is the error queue: an ordered map keyed by a monotonically
// increasing event number, with a secondary index by local (type, pkey) used
// both to enforce per-object ordering and to run dependency checks.
type Queue struct {
	queue map[uint64]Entry
	// index[localType][pkey.Key()] is the set of eventNumbers queued for that
	// object, mirroring ErrorQueue._index.
	index map[string]map[string]map[uint64]struct{}

	// localToRemoteType/remoteToLocalType mirror ErrorQueue._typesMapping.
	localToRemoteType map[string]string
	remoteToLocalType map[string]string

	autoremediate Policy

	remoteTypes map[string]*model.ObjectType
	localTypes  map[string]*model.ObjectType

	remoteEffective *model.Datasource
	remoteComplete  *model.Datasource
	localEffective  *model.Datasource
	localComplete   *model.Datasource

	log logger.Logger
}

// New returns an empty Queue. typesMapping keys are remote type names,
// values are the corresponding local type names (same orientation as
// datamodel.Datamodel.TypesMapping).
func New(typesMapping map[string]string, autoremediate Policy, log logger.Logger) *Queue {
	q := &Queue{
		queue:             map[uint64]Entry{},
		index:             map[string]map[string]map[uint64]struct{}{},
		localToRemoteType: map[string]string{},
		remoteToLocalType: map[string]string{},
		autoremediate:     autoremediate,
		log:               log,
	}
	for remoteType, localType := range typesMapping {
		q.remoteToLocalType[remoteType] = localType
		q.localToRemoteType[localType] = remoteType
	}
	return q
}

// SetTypes registers the object types used to reconstruct DataObjects during
// autoremediation's replay-then-diff step (the removed+added, maximum case).
func (q *Queue) SetTypes(remoteTypes, localTypes map[string]*model.ObjectType) {
	q.remoteTypes = remoteTypes
	q.localTypes = localTypes
}

// SetDatasources updates the datasource references consulted during
// autoremediation, mirroring ErrorQueue.updateDatasources. Required before
// any merge that needs to diff complete vs effective state.
func (q *Queue) SetDatasources(remoteEffective, remoteComplete, localEffective, localComplete *model.Datasource) {
	q.remoteEffective = remoteEffective
	q.remoteComplete = remoteComplete
	q.localEffective = localEffective
	q.localComplete = localComplete
}

// Len returns the number of entries in queue.
func (q *Queue) Len() int { return len(q.queue) }

// Append adds a new entry at the next available event number and, if
// autoremediation is enabled, attempts to merge it with the previous entry
// for the same object.
func (q *Queue) Append(remoteEvent, localEvent *model.Event, errorMsg *string) {
	var next uint64
	for n := range q.queue {
		if n >= next {
			next = n + 1
		}
	}
	q.append(remoteEvent, localEvent, errorMsg, next)
}

func (q *Queue) append(remoteEvent, localEvent *model.Event, errorMsg *string, eventNumber uint64) {
	if _, exists := q.queue[eventNumber]; exists {
		panic(fmt.Sprintf("errorqueue: eventNumber %d already exists in queue", eventNumber))
	}
	if remoteEvent != nil {
		if _, known := q.remoteToLocalType[remoteEvent.ObjType]; !known {
			q.log.Info("ignoring load of remote event of unknown objtype", "objtype", remoteEvent.ObjType)
			return
		}
	}
	if _, known := q.localToRemoteType[localEvent.ObjType]; !known {
		q.log.Info("ignoring load of local event of unknown objtype", "objtype", localEvent.ObjType)
		return
	}

	q.queue[eventNumber] = Entry{Remote: remoteEvent, Local: localEvent, ErrorMsg: errorMsg}
	q.addToIndex(eventNumber)

	if q.autoremediate != PolicyDisabled {
		q.remediateWithPrevious(eventNumber)
	}
}

func (q *Queue) addToIndex(eventNumber uint64) {
	entry, ok := q.queue[eventNumber]
	if !ok {
		panic(fmt.Sprintf("errorqueue: eventNumber %d doesn't exist in queue", eventNumber))
	}
	objtype := entry.Local.ObjType
	pkey := entry.Local.ObjPKey.Key()

	byPkey, ok := q.index[objtype]
	if !ok {
		byPkey = map[string]map[uint64]struct{}{}
		q.index[objtype] = byPkey
	}
	set, ok := byPkey[pkey]
	if !ok {
		set = map[uint64]struct{}{}
		byPkey[pkey] = set
	}
	set[eventNumber] = struct{}{}
}

// UpdateErrorMsg replaces eventNumber's error message.
func (q *Queue) UpdateErrorMsg(eventNumber uint64, errorMsg *string) {
	entry, ok := q.queue[eventNumber]
	if !ok {
		panic(fmt.Sprintf("errorqueue: eventNumber %d doesn't exist in queue", eventNumber))
	}
	entry.ErrorMsg = errorMsg
	q.queue[eventNumber] = entry
}

// Remove deletes eventNumber from queue. When ignoreMissing is false, an
// absent eventNumber panics (mirrors IndexError on the Python side); callers
// driving a retry pass over a live iterator should pass true, since a prior
// purge may have already removed it.
func (q *Queue) Remove(eventNumber uint64, ignoreMissing bool) {
	entry, ok := q.queue[eventNumber]
	if !ok {
		if ignoreMissing {
			return
		}
		panic(fmt.Sprintf("errorqueue: eventNumber %d doesn't exist in queue", eventNumber))
	}
	delete(q.queue, eventNumber)

	objtype := entry.Local.ObjType
	pkey := entry.Local.ObjPKey.Key()
	set := q.index[objtype][pkey]
	delete(set, eventNumber)
	if len(set) == 0 {
		delete(q.index[objtype], pkey)
		if len(q.index[objtype]) == 0 {
			delete(q.index, objtype)
		}
	}
}

// Iterate calls fn for every eventNumber that is the oldest queued entry for
// its object; newer entries for the same object are skipped because the
// older one must be processed first. fn may remove entries (including ones
// not yet visited); iteration tolerates that.
func (q *Queue) Iterate(fn func(eventNumber uint64, e Entry)) {
	numbers := q.sortedNumbers()
	for _, n := range numbers {
		entry, ok := q.queue[n]
		if !ok {
			continue // removed during iteration
		}
		set := q.index[entry.Local.ObjType][entry.Local.ObjPKey.Key()]
		if n != minOf(set) {
			continue
		}
		fn(n, entry)
	}
}

// AllEvents calls fn for every queued entry, including non-head entries.
func (q *Queue) AllEvents(fn func(eventNumber uint64, e Entry)) {
	for _, n := range q.sortedNumbers() {
		entry, ok := q.queue[n]
		if !ok {
			continue
		}
		fn(n, entry)
	}
}

func (q *Queue) sortedNumbers() []uint64 {
	out := make([]uint64, 0, len(q.queue))
	for n := range q.queue {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func minOf(set map[uint64]struct{}) uint64 {
	var min uint64
	first := true
	for n := range set {
		if first || n < min {
			min = n
			first = false
		}
	}
	return min
}

func (q *Queue) localObjtypeOf(objtype string, isLocal bool) (string, bool) {
	if isLocal {
		_, ok := q.localToRemoteType[objtype]
		if !ok {
			return "", false
		}
		return objtype, true
	}
	lt, ok := q.remoteToLocalType[objtype]
	return lt, ok
}

// ContainsObject reports whether objtype/pkey (given in either the local or
// remote type namespace, per isLocal) has at least one queued entry.
func (q *Queue) ContainsObject(objtype string, pkey model.PKey, isLocal bool) bool {
	localType, ok := q.localObjtypeOf(objtype, isLocal)
	if !ok {
		return false
	}
	byPkey, ok := q.index[localType]
	if !ok {
		return false
	}
	_, ok = byPkey[pkey.Key()]
	return ok
}

// ContainsObjectByEvent is ContainsObject applied to ev's (objtype, pkey).
func (q *Queue) ContainsObjectByEvent(ev *model.Event, isLocal bool) bool {
	return q.ContainsObject(ev.ObjType, ev.ObjPKey, isLocal)
}

// PurgeAllEvents removes every queued entry for objtype/pkey.
func (q *Queue) PurgeAllEvents(objtype string, pkey model.PKey, isLocal bool) {
	localType, ok := q.localObjtypeOf(objtype, isLocal)
	if !ok {
		return
	}
	byPkey, ok := q.index[localType]
	if !ok {
		return
	}
	set, ok := byPkey[pkey.Key()]
	if !ok {
		return
	}
	numbers := make([]uint64, 0, len(set))
	for n := range set {
		numbers = append(numbers, n)
	}
	for _, n := range numbers {
		q.Remove(n, true)
	}
}

// PurgeAllEventsOfDataObject is PurgeAllEvents applied to obj's type/pkey.
func (q *Queue) PurgeAllEventsOfDataObject(obj *model.DataObject, isLocal bool) {
	q.PurgeAllEvents(obj.GetType(), obj.GetPKey(), isLocal)
}
