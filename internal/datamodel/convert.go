package datamodel

import (
	"github.com/insa-strasbourg/hermes-client/internal/model"
)

// Datamodel holds the compiled client-side mapping plus the bookkeeping
// needed to convert remote events/objects to local ones, grounded on
// original_source/clients/datamodel.py.
type Datamodel struct {
	Mappings map[string]*Mapping // keyed by local type name
	// TypesMapping maps remote type name -> local type name (a plain map,
	// so iteration order is not defined).
	TypesMapping map[string]string

	// remote2local maps remote type -> remote attribute name -> local
	// attribute names that derive from it (a remote attr may feed several
	// local attrs, and a template with no free vars registers under "").
	remote2local map[string]map[string][]string

	// UnknownRemoteTypes lists local-config types whose hermesType isn't in
	// the remote schema, spec §4.2 warnings.
	UnknownRemoteTypes []string
	// UnknownRemoteAttributes lists, per remote type, attribute names
	// referenced by the mapping but absent from the remote schema.
	UnknownRemoteAttributes map[string][]string

	// localTypes is populated by SetLocalTypes once the local schema has
	// been derived (localschema.go).
	localTypes map[string]*model.ObjectType
}

// SetLocalTypes records the derived local ObjectTypes, so
// ConvertDataObjectToLocal can construct typed DataObjects.
func (dm *Datamodel) SetLocalTypes(types map[string]*model.ObjectType) {
	dm.localTypes = types
}

// New builds a Datamodel from compiled mappings and indexes remote
// attribute usage against remoteAttrsByType (remote type -> known attrs).
func New(mappings map[string]*Mapping, remoteTypeOrder []string, remoteAttrsByType map[string]map[string]struct{}) *Datamodel {
	dm := &Datamodel{
		Mappings:                mappings,
		remote2local:            map[string]map[string][]string{},
		UnknownRemoteAttributes: map[string][]string{},
	}

	byRemote := map[string]string{}
	for local, m := range mappings {
		byRemote[m.HermesType] = local
	}

	knownRemoteTypes := map[string]struct{}{}
	for t := range remoteAttrsByType {
		knownRemoteTypes[t] = struct{}{}
	}
	for remoteType := range byRemote {
		if _, ok := knownRemoteTypes[remoteType]; !ok {
			dm.UnknownRemoteTypes = append(dm.UnknownRemoteTypes, remoteType)
		}
	}

	dm.TypesMapping = map[string]string{}
	for _, rtype := range remoteTypeOrder {
		if local, ok := byRemote[rtype]; ok {
			dm.TypesMapping[rtype] = local
		}
	}

	for remoteType, local := range dm.TypesMapping {
		m := mappings[local]
		perRemoteAttr := map[string][]string{}
		for localAttr, expr := range m.AttrsMapping {
			vars := expr.FreeVars()
			if len(vars) == 0 {
				// Template with only static data: registers under the
				// empty-string sentinel so "added" events still surface it.
				perRemoteAttr[""] = append(perRemoteAttr[""], localAttr)
				continue
			}
			for _, v := range vars {
				perRemoteAttr[v] = append(perRemoteAttr[v], localAttr)
			}
		}
		dm.remote2local[remoteType] = perRemoteAttr

		known := remoteAttrsByType[remoteType]
		var unknown []string
		for attr := range perRemoteAttr {
			if attr == "" {
				continue
			}
			if _, ok := known[attr]; !ok {
				unknown = append(unknown, attr)
			}
		}
		if len(unknown) > 0 {
			dm.UnknownRemoteAttributes[remoteType] = unknown
		}
	}

	return dm
}

// convertSubtree converts one event subtree (added/modified/removed, or the
// whole attribute set for an added/removed event) into its local projection.
// completeRemoteObject supplies full-object context so templates referencing
// several remote vars can be rendered correctly when only one var changed.
func convertSubtree(m *Mapping, remoteType string, remote2local map[string]string2local, subtree map[string]any, isRemovedSubtree bool, completeRemoteObject map[string]any) map[string]any {
	out := map[string]any{}
	// Static-only templates (registered under "") fire once per added event,
	// mirroring the `None in remote2local` hack in the original.
	seen := map[string]struct{}{}

	apply := func(localAttr string) {
		if _, done := seen[localAttr]; done {
			return
		}
		expr, ok := m.AttrsMapping[localAttr]
		if !ok {
			return
		}
		var val any
		var valOk bool
		if expr.IsTemplate() {
			env := subtree
			if !expr.HasAllFreeVars(subtree) && completeRemoteObject != nil {
				env = completeRemoteObject
			}
			val, valOk = expr.Eval(env)
		} else {
			val, valOk = expr.Eval(subtree)
		}
		if !valOk {
			return
		}
		if isRemovedSubtree {
			out[localAttr] = nil
			seen[localAttr] = struct{}{}
			return
		}
		if isNullOrEmptyList(val) {
			return
		}
		out[localAttr] = val
		seen[localAttr] = struct{}{}
	}

	for remoteAttr := range subtree {
		for _, localAttr := range remote2local[remoteAttr].locals {
			apply(localAttr)
		}
	}
	if statics, ok := remote2local[""]; ok {
		for _, localAttr := range statics.locals {
			apply(localAttr)
		}
	}
	return out
}

type string2local struct{ locals []string }

func buildRemote2LocalIndex(raw map[string][]string) map[string]string2local {
	out := make(map[string]string2local, len(raw))
	for k, v := range raw {
		out[k] = string2local{locals: v}
	}
	return out
}

func isNullOrEmptyList(v any) bool {
	if v == nil {
		return true
	}
	if l, ok := v.([]any); ok {
		return len(l) == 0
	}
	return false
}

// ConvertEventToLocal implements spec §4.2's convertEventToLocal operation.
// completeRemoteObject, when non-nil, supplies full-object context for
// multi-variable templates (as event.Attrs for added/removed, or the merged
// view for modified). includeEmpty forces a non-nil empty event to be
// returned even when the local projection carries no attributes (used to
// preserve error-queue ordering).
func (dm *Datamodel) ConvertEventToLocal(ev *model.Event, completeRemoteObject map[string]any, includeEmpty bool) *model.Event {
	local, ok := dm.TypesMapping[ev.ObjType]
	if !ok {
		return nil
	}
	m := dm.Mappings[local]
	r2l := buildRemote2LocalIndex(dm.remote2local[ev.ObjType])

	switch ev.Type {
	case model.TypeRemoved:
		out := model.NewRemovedEvent(ev.Category, local, ev.ObjPKey)
		out.Offset, out.Timestamp, out.Step = ev.Offset, ev.Timestamp, ev.Step
		return out

	case model.TypeAdded:
		attrs := convertSubtree(m, ev.ObjType, r2l, ev.Added, false, completeRemoteObject)
		if len(attrs) == 0 && !includeEmpty {
			return nil
		}
		out := model.NewAddedEvent(ev.Category, local, ev.ObjPKey, attrs)
		out.Offset, out.Timestamp, out.Step = ev.Offset, ev.Timestamp, ev.Step
		return out

	case model.TypeModified:
		added := convertSubtree(m, ev.ObjType, r2l, ev.Added, false, completeRemoteObject)
		modified := convertSubtree(m, ev.ObjType, r2l, ev.Modified, false, completeRemoteObject)
		removed := convertSubtree(m, ev.ObjType, r2l, ev.Removed, true, completeRemoteObject)
		if len(added) == 0 && len(modified) == 0 && len(removed) == 0 && !includeEmpty {
			return nil
		}
		out := model.NewModifiedEvent(ev.Category, local, ev.ObjPKey, added, modified, removed)
		out.Offset, out.Timestamp, out.Step = ev.Offset, ev.Timestamp, ev.Step
		return out
	}
	return nil
}

// ConvertDataObjectToLocal converts a full remote object to its local
// projection, used when seeding the local cache from a remote snapshot
// (initsync replay, trashbin recycle comparisons).
func (dm *Datamodel) ConvertDataObjectToLocal(obj *model.DataObject) *model.DataObject {
	remoteType := obj.GetType()
	local, ok := dm.TypesMapping[remoteType]
	if !ok {
		return nil
	}
	fakeAdded := model.NewAddedEvent(model.CategoryBase, remoteType, obj.GetPKey(), obj.Attrs())
	localEv := dm.ConvertEventToLocal(fakeAdded, obj.Attrs(), true)
	if localEv == nil {
		return nil
	}
	localType := dm.localObjectType(local)
	return model.NewDataObject(localType, localEv.Added)
}

// localObjectType is filled in by SetLocalTypes once the local schema has
// been derived (see localschema.go); kept as a field lookup to avoid an
// import cycle with internal/schema.
func (dm *Datamodel) localObjectType(localType string) *model.ObjectType {
	if dm.localTypes == nil {
		return nil
	}
	return dm.localTypes[localType]
}
