package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// PKey is a primary key value: either a single scalar or an ordered tuple,
// spec §3 "objpkey (scalar or array)".
type PKey struct {
	Values []any
}

// NewPKey builds a PKey from one or more ordered values.
func NewPKey(values ...any) PKey {
	return PKey{Values: values}
}

// Single reports whether the key is a single scalar (not a tuple).
func (k PKey) Single() bool { return len(k.Values) == 1 }

// First returns the first (and, for single-attribute keys, only) value.
func (k PKey) First() any {
	if len(k.Values) == 0 {
		return nil
	}
	return k.Values[0]
}

// Key returns a canonical, comparable string form suitable for use as a map
// key. Go maps cannot use []any directly since slices aren't comparable.
func (k PKey) Key() string {
	parts := make([]string, len(k.Values))
	for i, v := range k.Values {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return strings.Join(parts, "\x1f")
}

// String implements fmt.Stringer with a human-readable tuple representation.
func (k PKey) String() string {
	if k.Single() {
		return fmt.Sprintf("%v", k.First())
	}
	parts := make([]string, len(k.Values))
	for i, v := range k.Values {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Less orders two PKeys lexicographically over their string-rendered values,
// spec §3 "Ordering is by primary-key value".
func (k PKey) Less(other PKey) bool {
	for i := 0; i < len(k.Values) && i < len(other.Values); i++ {
		a := fmt.Sprintf("%v", k.Values[i])
		b := fmt.Sprintf("%v", other.Values[i])
		if a != b {
			return a < b
		}
	}
	return len(k.Values) < len(other.Values)
}

// DataObject is a value of some ObjectType. Equality and hashing exclude
// internal, local-only, and cache-only attributes (spec §3).
type DataObject struct {
	objType *ObjectType
	attrs   map[string]any

	// TrashbinTimestamp is set when this object carries a pending physical
	// deletion, spec §3/§4.3.
	TrashbinTimestamp *time.Time
}

// NewDataObject constructs a DataObject of the given type from an attribute
// map. The map is copied so callers retain ownership of their original map.
func NewDataObject(t *ObjectType, attrs map[string]any) *DataObject {
	cp := make(map[string]any, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	return &DataObject{objType: t, attrs: cp}
}

// Type returns the object's declared type.
func (o *DataObject) Type() *ObjectType { return o.objType }

// GetType returns the object type's name, spec §3 DataObject.getType().
func (o *DataObject) GetType() string { return o.objType.Name }

// GetPKey computes and returns the object's primary key value.
func (o *DataObject) GetPKey() PKey {
	values := make([]any, len(o.objType.PrimaryKey))
	for i, attr := range o.objType.PrimaryKey {
		values[i] = o.attrs[attr]
	}
	return NewPKey(values...)
}

// Get returns the value of attr, and whether it is set.
func (o *DataObject) Get(attr string) (any, bool) {
	v, ok := o.attrs[attr]
	return v, ok
}

// Set assigns attr to value.
func (o *DataObject) Set(attr string, value any) {
	o.attrs[attr] = value
}

// Delete removes attr entirely (used to represent a `removed` subtree key).
func (o *DataObject) Delete(attr string) {
	delete(o.attrs, attr)
}

// Attrs returns a defensive copy of the full attribute map.
func (o *DataObject) Attrs() map[string]any {
	cp := make(map[string]any, len(o.attrs))
	for k, v := range o.attrs {
		cp[k] = v
	}
	return cp
}

// AttrNames returns the object's attribute names in the type's declared
// order, for deterministic serialization and template evaluation.
func (o *DataObject) AttrNames() []string {
	return o.objType.Attributes
}

// Clone returns a deep-enough copy (attribute map is copied; attribute
// values, assumed immutable scalars/strings/times, are not). Cross-cache
// moves always deep-copy via Clone, per DESIGN.md's arena-style ownership.
func (o *DataObject) Clone() *DataObject {
	cp := &DataObject{objType: o.objType, attrs: o.Attrs()}
	if o.TrashbinTimestamp != nil {
		ts := *o.TrashbinTimestamp
		cp.TrashbinTimestamp = &ts
	}
	return cp
}

// Equal compares two objects of the same type, excluding internal, local,
// and cache-only attributes per spec §3.
func (o *DataObject) Equal(other *DataObject) bool {
	if other == nil || o.objType.Name != other.objType.Name {
		return false
	}
	for _, attr := range o.objType.Attributes {
		if !o.objType.IsDiffable(attr) {
			continue
		}
		av, aok := o.attrs[attr]
		bv, bok := other.attrs[attr]
		if aok != bok {
			return false
		}
		if aok && fmt.Sprintf("%v", av) != fmt.Sprintf("%v", bv) {
			return false
		}
	}
	return true
}

// Less orders objects by primary key value, spec §3.
func (o *DataObject) Less(other *DataObject) bool {
	return o.GetPKey().Less(other.GetPKey())
}

// String renders the object using its type's display template when set,
// falling back to "<Type(pkey)>", grounded on
// original_source/lib/datamodel/dataobject.py's __repr__/toString.
func (o *DataObject) String() string {
	if o.objType.DisplayTemplate == "" {
		return fmt.Sprintf("<%s(%s)>", o.objType.Name, o.GetPKey())
	}
	return renderDisplayTemplate(o.objType.DisplayTemplate, o.attrs)
}

// renderDisplayTemplate performs the minimal `{attr}`-substitution used by
// display templates; full template semantics (free-variable compilation) are
// implemented once in internal/datamodel for attribute mapping, this is a
// lighter-weight variant scoped to logging only.
func renderDisplayTemplate(tmpl string, attrs map[string]any) string {
	var b strings.Builder
	i := 0
	for i < len(tmpl) {
		if tmpl[i] == '{' {
			if j := strings.IndexByte(tmpl[i:], '}'); j >= 0 {
				name := tmpl[i+1 : i+j]
				if v, ok := attrs[name]; ok {
					fmt.Fprintf(&b, "%v", v)
				}
				i += j + 1
				continue
			}
		}
		b.WriteByte(tmpl[i])
		i++
	}
	return b.String()
}

// DiffFrom compares o (the desired/new state) against other (the
// current/old state) and returns the three subtrees an equivalent `modified`
// event would carry: attrs present in o but not other ("added"), attrs
// present in both with a different value ("modified"), and attrs present in
// other but not o ("removed"). Only diffable attributes (not local-only, not
// cache-only) are considered. Grounded on
// original_source/lib/datamodel/dataobject.py DataObject.diffFrom.
func (o *DataObject) DiffFrom(other *DataObject) (added, modified, removed map[string]any) {
	added = map[string]any{}
	modified = map[string]any{}
	removed = map[string]any{}
	for attr, v := range o.attrs {
		if !o.objType.IsDiffable(attr) {
			continue
		}
		ov, ok := other.attrs[attr]
		if !ok {
			added[attr] = v
		} else if !valuesDiffer(v, ov) {
			continue
		} else {
			modified[attr] = v
		}
	}
	for attr, v := range other.attrs {
		if !o.objType.IsDiffable(attr) {
			continue
		}
		if _, ok := o.attrs[attr]; !ok {
			removed[attr] = v
		}
	}
	return
}

func valuesDiffer(a, b any) bool {
	return fmt.Sprintf("%v", a) != fmt.Sprintf("%v", b)
}

// ApplyEvent returns a new DataObject reflecting o with ev's added/modified
// attrs set and removed attrs deleted, used to replay queued events onto a
// snapshot during autoremediation and primary-key migration. o must be
// non-nil; ev.Type must be TypeModified.
func (o *DataObject) ApplyEvent(ev *Event) *DataObject {
	cp := o.Clone()
	for k, v := range ev.Added {
		cp.Set(k, v)
	}
	for k, v := range ev.Modified {
		cp.Set(k, v)
	}
	for k := range ev.Removed {
		cp.Delete(k)
	}
	return cp
}

// SortObjects sorts a slice of DataObjects by primary key, for deterministic
// iteration (trashbin purge order, datamodel-change diffs).
func SortObjects(objs []*DataObject) {
	sort.Slice(objs, func(i, j int) bool { return objs[i].Less(objs[j]) })
}
