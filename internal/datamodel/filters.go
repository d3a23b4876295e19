package datamodel

import "text/template"

// FilterFuncs is the attribute-transform filter registry exposed to
// attrsMapping/toString templates (spec §1: "Attribute-transform plugins
// (hashing, crypto, password generation) — invoked through a filter
// registry"). Plugins are explicitly out of scope; this registry only
// defines the extension point a plugin package would populate via
// RegisterFilter before Datamodel templates are compiled.
var FilterFuncs = template.FuncMap{}

// RegisterFilter adds a named function to the filter registry. Must be
// called before any Mapping is compiled; nothing in this module calls it,
// so the registry starts empty.
func RegisterFilter(name string, fn any) {
	FilterFuncs[name] = fn
}
