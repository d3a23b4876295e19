// Package model implements the Hermes data model (spec §3): object types,
// DataObjects, Events, and Datasources. It is grounded on
// original_source/lib/datamodel/{dataobject,dataschema,foreignkey}.py,
// reworked as plain Go value types instead of Python's dynamic attribute
// dictionaries.
package model

import (
	"fmt"
	"sort"
)

// PrimaryKey is either a single attribute name or an ordered tuple of
// attribute names, per spec §3 "single attribute or attribute tuple".
type PrimaryKey []string

// Single reports whether this primary key is a single attribute.
func (pk PrimaryKey) Single() bool { return len(pk) == 1 }

// ForeignKey describes a `{attr -> (otherType, otherPkeyAttr)}` edge, spec §3.
type ForeignKey struct {
	// SourceAttr is the local attribute holding the reference. Invariant:
	// must be part of this type's primary key.
	SourceAttr string
	// OtherType is the referenced object type's name.
	OtherType string
	// OtherPkeyAttr is the referenced type's single-attribute primary key.
	OtherPkeyAttr string
}

// ObjectType is a named record type: an ordered attribute set, a primary key
// specification, and the attribute classifications from spec §3.
type ObjectType struct {
	Name string

	// Attributes is the ordered attribute set.
	Attributes []string

	PrimaryKey PrimaryKey

	// SecretAttrs are never logged, never included in bus JSON.
	SecretAttrs map[string]struct{}
	// LocalOnlyAttrs are never sent, never diffed.
	LocalOnlyAttrs map[string]struct{}
	// CacheOnlyAttrs are cached but not sent, not diffed.
	CacheOnlyAttrs map[string]struct{}

	// DisplayTemplate is an optional template string evaluated against an
	// object's attributes to produce a human-readable representation
	// (original_source lib/datamodel/dataobject.py __repr__ via toString).
	DisplayTemplate string

	// ForeignKeys maps a source attribute to the foreign key it carries.
	ForeignKeys map[string]ForeignKey
}

// NewObjectType constructs an ObjectType, validating the invariants from
// spec §3: a foreign key's source attribute must be part of the primary key,
// and the target attribute must be the target type's single-attribute
// primary key (verified later by schema.New, which has the full type
// graph).
func NewObjectType(name string, attrs []string, pkey PrimaryKey) (*ObjectType, error) {
	if name == "" {
		return nil, fmt.Errorf("model: object type name must not be empty")
	}
	if len(pkey) == 0 {
		return nil, fmt.Errorf("model: object type %q must declare a primary key", name)
	}
	attrSet := make(map[string]struct{}, len(attrs))
	for _, a := range attrs {
		attrSet[a] = struct{}{}
	}
	for _, p := range pkey {
		if _, ok := attrSet[p]; !ok {
			return nil, fmt.Errorf("model: object type %q primary key attribute %q is not declared", name, p)
		}
	}
	return &ObjectType{
		Name:           name,
		Attributes:     attrs,
		PrimaryKey:     pkey,
		SecretAttrs:    map[string]struct{}{},
		LocalOnlyAttrs: map[string]struct{}{},
		CacheOnlyAttrs: map[string]struct{}{},
		ForeignKeys:    map[string]ForeignKey{},
	}, nil
}

// IsSecret reports whether attr is a secret attribute of this type.
func (t *ObjectType) IsSecret(attr string) bool {
	_, ok := t.SecretAttrs[attr]
	return ok
}

// IsLocalOnly reports whether attr is local-only (never sent, never diffed).
func (t *ObjectType) IsLocalOnly(attr string) bool {
	_, ok := t.LocalOnlyAttrs[attr]
	return ok
}

// IsCacheOnly reports whether attr is cache-only (cached, not sent/diffed).
func (t *ObjectType) IsCacheOnly(attr string) bool {
	_, ok := t.CacheOnlyAttrs[attr]
	return ok
}

// IsDiffable reports whether attr participates in equality/diffing: not
// local-only, not cache-only. Used by DataObject.Equal and DiffFrom.
func (t *ObjectType) IsDiffable(attr string) bool {
	return !t.IsLocalOnly(attr) && !t.IsCacheOnly(attr)
}

// AddForeignKey registers a foreign key, checking that sourceAttr is part of
// the primary key (the rest of the invariant — acyclicity and that the
// target attribute is the target's single-attribute pkey — is checked across
// the whole schema by schema.New).
func (t *ObjectType) AddForeignKey(sourceAttr, otherType, otherPkeyAttr string) error {
	found := false
	for _, p := range t.PrimaryKey {
		if p == sourceAttr {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("model: foreign key source attribute %q on type %q must be part of the primary key", sourceAttr, t.Name)
	}
	t.ForeignKeys[sourceAttr] = ForeignKey{
		SourceAttr:    sourceAttr,
		OtherType:     otherType,
		OtherPkeyAttr: otherPkeyAttr,
	}
	return nil
}

// SortedAttributes returns a copy of Attributes sorted by name, used when
// deterministic iteration is required (e.g. toString templates).
func (t *ObjectType) SortedAttributes() []string {
	out := make([]string, len(t.Attributes))
	copy(out, t.Attributes)
	sort.Strings(out)
	return out
}
