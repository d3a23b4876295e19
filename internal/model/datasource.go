package model

import "time"

// Datasource is a mapping from object-type name to an ordered collection of
// DataObject, plus a parallel trashbin collection per type, spec §3.
// Implemented as an arena-style collection keyed by (type, pkey): the cache
// and the error queue reference the same logical identity but own disjoint
// copies, per DESIGN.md's ownership model — cross-references are stored as
// PKey strings, never as pointers into another arena.
type Datasource struct {
	objects  map[string]map[string]*DataObject // objtype -> pkey.Key() -> object
	trashbin map[string]map[string]*DataObject // objtype -> pkey.Key() -> trashed object
}

// NewDatasource returns an empty Datasource.
func NewDatasource() *Datasource {
	return &Datasource{
		objects:  map[string]map[string]*DataObject{},
		trashbin: map[string]map[string]*DataObject{},
	}
}

func ensure(m map[string]map[string]*DataObject, objtype string) map[string]*DataObject {
	if _, ok := m[objtype]; !ok {
		m[objtype] = map[string]*DataObject{}
	}
	return m[objtype]
}

// Get returns the object of objtype with the given pkey, or nil.
func (d *Datasource) Get(objtype string, pkey PKey) *DataObject {
	byPkey, ok := d.objects[objtype]
	if !ok {
		return nil
	}
	return byPkey[pkey.Key()]
}

// Put inserts or replaces obj in the main collection (not trashbin).
func (d *Datasource) Put(objtype string, obj *DataObject) {
	ensure(d.objects, objtype)[obj.GetPKey().Key()] = obj
}

// Delete removes the object with pkey from the main collection.
func (d *Datasource) Delete(objtype string, pkey PKey) {
	if byPkey, ok := d.objects[objtype]; ok {
		delete(byPkey, pkey.Key())
	}
}

// Contains reports whether objtype/pkey exists in the main collection.
func (d *Datasource) Contains(objtype string, pkey PKey) bool {
	return d.Get(objtype, pkey) != nil
}

// All returns every object of objtype, sorted by primary key.
func (d *Datasource) All(objtype string) []*DataObject {
	byPkey := d.objects[objtype]
	out := make([]*DataObject, 0, len(byPkey))
	for _, o := range byPkey {
		out = append(out, o)
	}
	SortObjects(out)
	return out
}

// Types returns every object type name currently present (even if empty),
// used to iterate in schema declaration order by callers that hold the order.
func (d *Datasource) Types() []string {
	out := make([]string, 0, len(d.objects))
	for t := range d.objects {
		out = append(out, t)
	}
	return out
}

// TrashbinGet returns the trashed object with pkey, or nil.
func (d *Datasource) TrashbinGet(objtype string, pkey PKey) *DataObject {
	byPkey, ok := d.trashbin[objtype]
	if !ok {
		return nil
	}
	return byPkey[pkey.Key()]
}

// TrashbinContains reports whether objtype/pkey is in the trashbin.
func (d *Datasource) TrashbinContains(objtype string, pkey PKey) bool {
	return d.TrashbinGet(objtype, pkey) != nil
}

// TrashbinPut moves obj into the trashbin with the given timestamp.
func (d *Datasource) TrashbinPut(objtype string, obj *DataObject, ts time.Time) {
	stamped := obj.Clone()
	stamped.TrashbinTimestamp = &ts
	ensure(d.trashbin, objtype)[obj.GetPKey().Key()] = stamped
}

// TrashbinDelete removes objtype/pkey from the trashbin.
func (d *Datasource) TrashbinDelete(objtype string, pkey PKey) {
	if byPkey, ok := d.trashbin[objtype]; ok {
		delete(byPkey, pkey.Key())
	}
}

// TrashbinAll returns every trashed object of objtype, sorted by primary key.
func (d *Datasource) TrashbinAll(objtype string) []*DataObject {
	byPkey := d.trashbin[objtype]
	out := make([]*DataObject, 0, len(byPkey))
	for _, o := range byPkey {
		out = append(out, o)
	}
	SortObjects(out)
	return out
}

// DeleteType removes every object and trashbin entry of objtype, used when
// the schema removes a type entirely, spec §4.1.
func (d *Datasource) DeleteType(objtype string) {
	delete(d.objects, objtype)
	delete(d.trashbin, objtype)
}

// Clone performs a deep copy of the whole datasource (every DataObject is
// cloned), used when moving state between the complete and effective caches.
func (d *Datasource) Clone() *Datasource {
	cp := NewDatasource()
	for objtype, byPkey := range d.objects {
		for key, obj := range byPkey {
			ensure(cp.objects, objtype)[key] = obj.Clone()
		}
	}
	for objtype, byPkey := range d.trashbin {
		for key, obj := range byPkey {
			ensure(cp.trashbin, objtype)[key] = obj.Clone()
		}
	}
	return cp
}
