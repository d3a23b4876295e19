package datamodel

import (
	"fmt"
	"sort"

	"github.com/insa-strasbourg/hermes-client/internal/model"
	"github.com/insa-strasbourg/hermes-client/internal/schema"
)

// ErrInvalidDatamodel mirrors InvalidDatamodelError.
var ErrInvalidDatamodel = fmt.Errorf("datamodel: invalid datamodel")

// DeriveLocalSchema builds the local schema.TypeSpec set from the compiled
// mappings and the remote schema, mirroring Datamodel._setupLocalSchema: the
// local primary key is the set of local attributes that the remote primary
// key's attributes map to directly (never through a template).
func (dm *Datamodel) DeriveLocalSchema(remote *schema.Schema) (map[string]schema.TypeSpec, error) {
	out := map[string]schema.TypeSpec{}

	locals := make([]string, 0, len(dm.Mappings))
	for local := range dm.Mappings {
		if _, used := dm.remoteTypeOf(local); used {
			locals = append(locals, local)
		}
	}
	sort.Strings(locals)

	for _, local := range locals {
		m := dm.Mappings[local]
		remoteType := remote.Get(m.HermesType)
		if remoteType == nil {
			continue // unknown remote type: already recorded in UnknownRemoteTypes
		}

		attrs := make([]string, 0, len(m.AttrsMapping))
		for attr := range m.AttrsMapping {
			attrs = append(attrs, attr)
		}
		sort.Strings(attrs)

		var secrets []string
		for _, remoteAttr := range remoteType.Attributes {
			if !remoteType.IsSecret(remoteAttr) {
				continue
			}
			for _, localAttr := range dm.remote2local[m.HermesType][remoteAttr] {
				secrets = append(secrets, localAttr)
			}
		}

		localPkey, err := dm.derivePkey(m, remoteType)
		if err != nil {
			return nil, err
		}
		if err := m.PrimaryKeyAttrsNotExpressions(localPkey); err != nil {
			return nil, err
		}

		var toString string
		if m.ToString != nil {
			toString = m.ToString.raw
		}

		out[local] = schema.TypeSpec{
			Attributes:      attrs,
			SecretAttrs:     secrets,
			PrimaryKey:      localPkey,
			DisplayTemplate: toString,
		}
	}
	return out, nil
}

func (dm *Datamodel) remoteTypeOf(local string) (string, bool) {
	for rtype, l := range dm.TypesMapping {
		if l == local {
			return rtype, true
		}
	}
	return "", false
}

// derivePkey computes the local primary key attributes from the remote
// type's primary key, requiring a direct (non-template) mapping for each
// remote pkey attribute, mirroring _setupLocalSchema's pkey-mismatch check.
func (dm *Datamodel) derivePkey(m *Mapping, remoteType *model.ObjectType) (model.PrimaryKey, error) {
	var pkey model.PrimaryKey
	for _, remoteAttr := range remoteType.PrimaryKey {
		locals := dm.remote2local[m.HermesType][remoteAttr]
		for _, localAttr := range locals {
			if expr, ok := m.AttrsMapping[localAttr]; ok && !expr.IsTemplate() {
				pkey = append(pkey, localAttr)
			}
		}
	}
	if len(pkey) != len(remoteType.PrimaryKey) {
		return nil, fmt.Errorf(
			"%w: primary keys mismatch for type %q: remote=%v local=%v",
			ErrInvalidDatamodel, m.LocalType, remoteType.PrimaryKey, pkey,
		)
	}
	return pkey, nil
}
