// Package schema implements the Hermes Schema component (spec §4.1, C2): the
// declared set of object types received from the bus dataschema event (or
// loaded from cache on restart), with diffing and foreign-key validation.
// Grounded on original_source/lib/datamodel/dataschema.py and foreignkey.py.
package schema

import (
	"fmt"
	"sort"

	"github.com/insa-strasbourg/hermes-client/internal/model"
)

// ErrInvalidSchema is returned when a received schema fails structural
// validation (unknown referenced type/attribute, non-primary-key foreign
// source, etc), mirroring HermesInvalidDataschemaError.
var ErrInvalidSchema = fmt.Errorf("schema: invalid dataschema")

// ErrCircularForeignKeys is returned when the foreign key graph contains a
// cycle, mirroring HermesCircularForeignkeysRefsError.
var ErrCircularForeignKeys = fmt.Errorf("schema: circular foreign key references")

// TypeSpec is the wire representation of one object type's declaration, as
// carried by the bus dataschema event / the JSON cache.
type TypeSpec struct {
	Attributes      []string          `json:"attributes"`
	SecretAttrs     []string          `json:"secretAttributes,omitempty"`
	CacheOnlyAttrs  []string          `json:"cacheOnlyAttributes,omitempty"`
	LocalOnlyAttrs  []string          `json:"localOnlyAttributes,omitempty"`
	PrimaryKey      []string          `json:"primaryKey"`
	ForeignKeys     map[string][2]string `json:"foreignKeys,omitempty"` // attr -> [otherType, otherPkeyAttr]
	DisplayTemplate string            `json:"toString,omitempty"`
}

// Schema is the validated, queryable set of currently-declared object types.
type Schema struct {
	types map[string]*model.ObjectType
	// order preserves declaration order for deterministic iteration/logging.
	order []string
}

// New builds and validates a Schema from its wire representation. Returns
// ErrInvalidSchema or ErrCircularForeignKeys wrapped with details on failure.
func New(spec map[string]TypeSpec) (*Schema, error) {
	s := &Schema{types: map[string]*model.ObjectType{}}

	names := make([]string, 0, len(spec))
	for name := range spec {
		names = append(names, name)
	}
	sort.Strings(names)
	s.order = names

	for _, name := range names {
		ts := spec[name]
		ot, err := model.NewObjectType(name, ts.Attributes, model.PrimaryKey(ts.PrimaryKey))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidSchema, name, err)
		}
		for _, a := range ts.SecretAttrs {
			ot.SecretAttrs[a] = struct{}{}
		}
		for _, a := range ts.CacheOnlyAttrs {
			ot.CacheOnlyAttrs[a] = struct{}{}
		}
		for _, a := range ts.LocalOnlyAttrs {
			ot.LocalOnlyAttrs[a] = struct{}{}
		}
		ot.DisplayTemplate = ts.DisplayTemplate
		s.types[name] = ot
	}

	if err := s.setupForeignKeys(spec); err != nil {
		return nil, err
	}
	if err := s.checkAcyclic(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Schema) setupForeignKeys(spec map[string]TypeSpec) error {
	var errs []string
	for _, name := range s.order {
		ts := spec[name]
		ot := s.types[name]
		for attr, target := range ts.ForeignKeys {
			otherType, otherAttr := target[0], target[1]

			if !contains(ts.Attributes, attr) {
				errs = append(errs, fmt.Sprintf("<%s.%s>: attribute %q doesn't exist in %q", name, attr, attr, name))
				continue
			}
			if !ot.PrimaryKey.Single() && !containsPK(ot.PrimaryKey, attr) || ot.PrimaryKey.Single() && ot.PrimaryKey[0] != attr {
				errs = append(errs, fmt.Sprintf("<%s.%s>: attribute %q isn't a primary key of %q", name, attr, attr, name))
				continue
			}
			other, ok := s.types[otherType]
			if !ok {
				errs = append(errs, fmt.Sprintf("<%s.%s>: object type %q doesn't exist in datamodel", name, attr, otherType))
				continue
			}
			if !contains(other.Attributes, otherAttr) {
				errs = append(errs, fmt.Sprintf("<%s.%s>: attribute %q doesn't exist in %q", name, attr, otherAttr, otherType))
				continue
			}
			if !other.PrimaryKey.Single() {
				errs = append(errs, fmt.Sprintf("<%s.%s>: object type %q has a tuple primary key, foreign keys can't be set on it", name, attr, otherType))
				continue
			}
			if other.PrimaryKey[0] != otherAttr {
				errs = append(errs, fmt.Sprintf("<%s.%s>: attribute %q is not the primary key of %q", name, attr, otherAttr, otherType))
				continue
			}
			if err := ot.AddForeignKey(attr, otherType, otherAttr); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}
	if len(errs) > 0 {
		msg := "invalid foreign keys:"
		for _, e := range errs {
			msg += "\n  - " + e
		}
		return fmt.Errorf("%w: %s", ErrInvalidSchema, msg)
	}
	return nil
}

func contains(l []string, v string) bool {
	for _, s := range l {
		if s == v {
			return true
		}
	}
	return false
}

func containsPK(pk model.PrimaryKey, v string) bool {
	for _, s := range pk {
		if s == v {
			return true
		}
	}
	return false
}

// checkAcyclic walks the foreign key graph from every type, mirroring
// ForeignKey.checkForCircularForeignKeysRefs's already-met-edge recursion.
func (s *Schema) checkAcyclic() error {
	for _, name := range s.order {
		if err := s.walk(name, map[string]struct{}{}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Schema) walk(objtype string, seen map[string]struct{}) error {
	ot := s.types[objtype]
	for attr, fk := range ot.ForeignKeys {
		edge := objtype + "." + attr
		if _, ok := seen[edge]; ok {
			return fmt.Errorf("%w: cycle reached at %s", ErrCircularForeignKeys, edge)
		}
		seen[edge] = struct{}{}
		if err := s.walk(fk.OtherType, seen); err != nil {
			return err
		}
		delete(seen, edge)
	}
	return nil
}

// Get returns the named object type, or nil.
func (s *Schema) Get(name string) *model.ObjectType { return s.types[name] }

// Types returns every declared type name in deterministic order.
func (s *Schema) Types() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Diff computes the set of types added, removed, and modified (attribute-set
// change) between s and previous, mirroring Dataschema.diffFrom.
type Diff struct {
	Added    []string
	Removed  []string
	Modified []string
}

func (s *Schema) DiffFrom(previous *Schema) Diff {
	d := Diff{}
	if previous == nil {
		d.Added = s.Types()
		return d
	}
	cur := map[string]struct{}{}
	for _, n := range s.order {
		cur[n] = struct{}{}
	}
	old := map[string]struct{}{}
	for _, n := range previous.order {
		old[n] = struct{}{}
	}
	for n := range cur {
		if _, ok := old[n]; !ok {
			d.Added = append(d.Added, n)
		}
	}
	for n := range old {
		if _, ok := cur[n]; !ok {
			d.Removed = append(d.Removed, n)
		}
	}
	for n := range cur {
		if _, ok := old[n]; ok && !typeEqual(s.types[n], previous.types[n]) {
			d.Modified = append(d.Modified, n)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Modified)
	return d
}

func typeEqual(a, b *model.ObjectType) bool {
	if len(a.Attributes) != len(b.Attributes) {
		return false
	}
	aset := map[string]struct{}{}
	for _, x := range a.Attributes {
		aset[x] = struct{}{}
	}
	for _, x := range b.Attributes {
		if _, ok := aset[x]; !ok {
			return false
		}
	}
	if len(a.PrimaryKey) != len(b.PrimaryKey) {
		return false
	}
	for i := range a.PrimaryKey {
		if a.PrimaryKey[i] != b.PrimaryKey[i] {
			return false
		}
	}
	return true
}

// ToSpec reconstructs the wire representation of every declared type,
// inverting New; used to persist the current schema to the jsoncache store
// at shutdown (spec §4.7 step 7) and to round-trip it through a dataschema
// bus event's payload.
func (s *Schema) ToSpec() map[string]TypeSpec {
	out := make(map[string]TypeSpec, len(s.types))
	for name, ot := range s.types {
		ts := TypeSpec{
			Attributes:      append([]string(nil), ot.Attributes...),
			PrimaryKey:      append([]string(nil), []string(ot.PrimaryKey)...),
			DisplayTemplate: ot.DisplayTemplate,
		}
		for a := range ot.SecretAttrs {
			ts.SecretAttrs = append(ts.SecretAttrs, a)
		}
		for a := range ot.CacheOnlyAttrs {
			ts.CacheOnlyAttrs = append(ts.CacheOnlyAttrs, a)
		}
		for a := range ot.LocalOnlyAttrs {
			ts.LocalOnlyAttrs = append(ts.LocalOnlyAttrs, a)
		}
		sort.Strings(ts.SecretAttrs)
		sort.Strings(ts.CacheOnlyAttrs)
		sort.Strings(ts.LocalOnlyAttrs)
		if len(ot.ForeignKeys) > 0 {
			ts.ForeignKeys = make(map[string][2]string, len(ot.ForeignKeys))
			for attr, fk := range ot.ForeignKeys {
				ts.ForeignKeys[attr] = [2]string{fk.OtherType, fk.OtherPkeyAttr}
			}
		}
		out[name] = ts
	}
	return out
}

// SecretAttrsOf returns the secret attribute set of objtype, for log masking
// (internal/model.Event.LogString).
func (s *Schema) SecretAttrsOf(objtype string) map[string]struct{} {
	ot, ok := s.types[objtype]
	if !ok {
		return nil
	}
	return ot.SecretAttrs
}
