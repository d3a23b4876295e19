// Package clientconfig loads the `hermes-client.datamodel` YAML mapping file
// into compiled internal/datamodel.Mapping values, and watches it for
// changes so a running loop can pick up an edited mapping without a
// restart. Grounded on original_source/clients/datamodel.py's
// `_fillDatamodelDict`/`_fillConversionVars` (which read the equivalent
// section of HermesConfig) and lib/config/__init__.py's YAML-backed
// configuration loading.
package clientconfig

import (
	"fmt"
	"os"
	"sort"

	"github.com/insa-strasbourg/hermes-client/internal/datamodel"
	"gopkg.in/yaml.v3"
)

// rawMapping is one local type's YAML-deserialized mapping entry:
//
//	widgets:
//	  hermesType: Widgets
//	  attrsmapping:
//	    id: id
//	    display_name: "{{ .name }} ({{ .id }})"
//	  toString: "{{ .display_name }}"
type rawMapping struct {
	HermesType   string            `yaml:"hermesType"`
	AttrsMapping map[string]string `yaml:"attrsmapping"`
	ToString     string            `yaml:"toString"`
}

// Document is the top-level shape of the datamodel mapping file: local type
// name -> its raw mapping entry.
type Document map[string]rawMapping

// Load reads and compiles the datamodel mapping file at path, returning the
// compiled mappings keyed by local type name, ready to pass to
// datamodel.New.
func Load(path string) (map[string]*datamodel.Mapping, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("clientconfig: read %q: %w", path, err)
	}

	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("clientconfig: parse %q: %w", path, err)
	}

	return Compile(doc)
}

// Compile turns a parsed Document into compiled datamodel.Mapping values,
// failing on the first invalid template expression. Local type names are
// processed in sorted order purely so compile errors are reported
// deterministically.
func Compile(doc Document) (map[string]*datamodel.Mapping, error) {
	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]*datamodel.Mapping, len(doc))
	for _, name := range names {
		entry := doc[name]
		if entry.HermesType == "" {
			return nil, fmt.Errorf("clientconfig: local type %q is missing a hermesType", name)
		}
		m, err := datamodel.NewMapping(name, entry.HermesType, entry.AttrsMapping, entry.ToString)
		if err != nil {
			return nil, fmt.Errorf("clientconfig: compile %q: %w", name, err)
		}
		out[name] = m
	}
	return out, nil
}
