package errorqueue

import (
	"fmt"

	"github.com/insa-strasbourg/hermes-client/internal/model"
)

// remediateWithPrevious attempts to merge the entry at eventNumber with its
// immediate predecessor for the same object, per spec §4.4's merge table.
// Grounded on ErrorQueue._remediateWithPrevious.
func (q *Queue) remediateWithPrevious(eventNumber uint64) {
	last, ok := q.queue[eventNumber]
	if !ok {
		return
	}

	set := q.index[last.Local.ObjType][last.Local.ObjPKey.Key()]
	numbers := make([]uint64, 0, len(set))
	for n := range set {
		numbers = append(numbers, n)
	}
	if len(numbers) < 2 {
		return // no previous event to remediate with
	}
	sortUint64(numbers)

	previousNumbers := numbers[:len(numbers)-2]
	prevEventNumber := numbers[len(numbers)-2]
	prev := q.queue[prevEventNumber]

	if prev.Local.IsPartiallyProcessed || last.Local.IsPartiallyProcessed ||
		(prev.Remote != nil && prev.Remote.IsPartiallyProcessed) ||
		(last.Remote != nil && last.Remote.IsPartiallyProcessed) {
		q.log.Info("unable to merge two events of which at least one was already partially processed",
			"prevEventNumber", prevEventNumber, "lastEventNumber", eventNumber)
		return
	}

	var previousRemoteEvents, previousLocalEvents []*model.Event
	for _, n := range previousNumbers {
		e := q.queue[n]
		previousRemoteEvents = append(previousRemoteEvents, e.Remote)
		previousLocalEvents = append(previousLocalEvents, e.Local)
	}

	remoteMerged, _, newRemote := q.mergeEvents(prev.Remote, last.Remote, q.remoteEffective, q.remoteComplete, previousRemoteEvents)
	localMerged, localRemoveBoth, newLocal := q.mergeEvents(prev.Local, last.Local, q.localEffective, q.localComplete, previousLocalEvents)
	if prev.Remote == nil && last.Remote == nil {
		remoteMerged = localMerged // local-only entries: the remote side has nothing to merge
	}

	if remoteMerged != localMerged {
		msg := fmt.Sprintf(
			"BUG: inconsistency between remote and local merge results: remoteMerged=%v localMerged=%v prevEventNumber=%d lastEventNumber=%d",
			remoteMerged, localMerged, prevEventNumber, eventNumber)
		q.log.Critical(msg)
		panic(msg)
	}

	if !localMerged {
		return
	}

	if localRemoveBoth {
		q.Remove(eventNumber, false)
		q.Remove(prevEventNumber, false)
		return
	}

	q.queue[prevEventNumber] = Entry{Remote: newRemote, Local: newLocal, ErrorMsg: prev.ErrorMsg}
	q.Remove(eventNumber, false)
}

func sortUint64(s []uint64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// mergeEvents implements the merge table from spec §4.4. It returns:
//   - wasMerged: whether a merge decision was made (false means "fall back to
//     conservative: keep both events, unmerged")
//   - removeBoth: when wasMerged, whether the merge consists of dropping both
//     events entirely (newEvent is then meaningless)
//   - newEvent: the merged event replacing prevEvent, when wasMerged and
//     !removeBoth
//
// Grounded on ErrorQueue._mergeEvents.
func (q *Queue) mergeEvents(
	prevEvent, lastEvent *model.Event,
	datasource, datasourceComplete *model.Datasource,
	previousEvents []*model.Event,
) (wasMerged, removeBoth bool, newEvent *model.Event) {
	if lastEvent == nil && prevEvent == nil {
		return true, false, nil
	}
	if lastEvent == nil {
		return true, false, prevEvent
	}
	if prevEvent == nil {
		return true, false, lastEvent
	}

	switch {
	case prevEvent.Type == model.TypeAdded && lastEvent.Type == model.TypeAdded,
		prevEvent.Type == model.TypeRemoved && lastEvent.Type == model.TypeModified,
		prevEvent.Type == model.TypeRemoved && lastEvent.Type == model.TypeRemoved,
		prevEvent.Type == model.TypeModified && lastEvent.Type == model.TypeAdded:
		msg := fmt.Sprintf(
			"BUG: trying to merge a %s event with a previous %s event, this should never happen: prev=%s last=%s",
			lastEvent.Type, prevEvent.Type, prevEvent, lastEvent)
		q.log.Critical(msg)
		panic(msg)

	case prevEvent.Type == model.TypeAdded && lastEvent.Type == model.TypeModified:
		merged := prevEvent.Clone()
		for k, v := range lastEvent.Added {
			merged.Added[k] = v
		}
		for k, v := range lastEvent.Modified {
			merged.Added[k] = v
		}
		for k := range lastEvent.Removed {
			delete(merged.Added, k)
		}
		return true, false, merged

	case prevEvent.Type == model.TypeAdded && lastEvent.Type == model.TypeRemoved:
		if q.autoremediate == PolicyMaximum {
			return true, true, nil
		}
		return false, false, nil

	case prevEvent.Type == model.TypeRemoved && lastEvent.Type == model.TypeAdded:
		if q.autoremediate == PolicyMaximum {
			if merged, drop, ok := q.mergeRemovedThenAdded(lastEvent, datasource, datasourceComplete, previousEvents); ok {
				return true, drop, merged
			}
		}
		return false, false, nil

	case prevEvent.Type == model.TypeModified && lastEvent.Type == model.TypeModified:
		return true, false, mergeModifiedModified(prevEvent, lastEvent)

	case prevEvent.Type == model.TypeModified && lastEvent.Type == model.TypeRemoved:
		if q.autoremediate == PolicyMaximum {
			return true, false, lastEvent
		}
		return false, false, nil

	default:
		msg := fmt.Sprintf(
			"BUG: unexpected eventtype met when trying to merge two events: last=%s (%s) prev=%s (%s)",
			lastEvent, lastEvent.Type, prevEvent, prevEvent.Type)
		q.log.Critical(msg)
		panic(msg)
	}
}

// mergeModifiedModified merges two successive `modified` events: added is
// the union of both added sets, second-modified overriding; modified is the
// second modified minus anything already in added; removed keys are dropped
// from the merged added/modified subtrees. Grounded on the modified+modified
// branch of ErrorQueue._mergeEvents.
func mergeModifiedModified(prevEvent, lastEvent *model.Event) *model.Event {
	merged := prevEvent.Clone()

	for k, v := range lastEvent.Added {
		merged.Added[k] = v
	}
	for k, v := range lastEvent.Modified {
		if _, already := merged.Added[k]; already {
			merged.Added[k] = v
		}
	}

	for k, v := range lastEvent.Modified {
		if _, inAdded := merged.Added[k]; inAdded {
			continue
		}
		merged.Modified[k] = v
	}

	for k := range lastEvent.Removed {
		delete(merged.Added, k)
		delete(merged.Modified, k)
		merged.Removed[k] = nil
	}

	return merged
}

// mergeRemovedThenAdded implements the "maximum" removed+added case: replay
// any unprocessed previousEvents on top of the currently-effective object to
// determine its state just before prevEvent, then diff that against the
// would-be-complete object to produce a single `modified` event. ok is false
// when the required datasources or objects aren't available, signalling the
// caller to fall back to conservative (keep both).
func (q *Queue) mergeRemovedThenAdded(
	lastEvent *model.Event,
	datasource, datasourceComplete *model.Datasource,
	previousEvents []*model.Event,
) (newEvent *model.Event, removeBoth bool, ok bool) {
	if datasource == nil || datasourceComplete == nil {
		q.log.Info("unable to merge removed with added, no datasource available, falling back to conservative policy")
		return nil, false, false
	}

	currentObj := datasource.Get(lastEvent.ObjType, lastEvent.ObjPKey)
	newObj := datasourceComplete.Get(lastEvent.ObjType, lastEvent.ObjPKey)

	if len(previousEvents) != 0 {
		objType := q.lookupType(lastEvent.ObjType)
		for _, ev := range previousEvents {
			if ev == nil {
				continue
			}
			switch ev.Type {
			case model.TypeAdded:
				if objType == nil {
					currentObj = nil
					continue
				}
				currentObj = model.NewDataObject(objType, ev.Added)
			case model.TypeModified:
				if currentObj == nil {
					msg := fmt.Sprintf(
						"BUG: unexpected object status met when trying to merge two events last=%s prev-replay=%s",
						lastEvent, ev)
					q.log.Critical(msg)
					panic(msg)
				}
				currentObj = currentObj.ApplyEvent(ev)
			case model.TypeRemoved:
				currentObj = nil
			}
		}
	}

	if currentObj == nil || newObj == nil {
		q.log.Warn("unable to merge removed with added, related object was not found in caches",
			"objtype", lastEvent.ObjType, "pkey", lastEvent.ObjPKey.String())
		return nil, false, false
	}

	added, modified, removed := newObj.DiffFrom(currentObj)
	if len(added) == 0 && len(modified) == 0 && len(removed) == 0 {
		return nil, true, true
	}
	return model.NewModifiedEvent(model.CategoryBase, newObj.GetType(), newObj.GetPKey(), added, modified, removed), false, true
}

func (q *Queue) lookupType(objtype string) *model.ObjectType {
	if t, ok := q.remoteTypes[objtype]; ok {
		return t
	}
	return q.localTypes[objtype]
}
