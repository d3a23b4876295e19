// Package datamodel implements the Datamodel Mapping component (spec §4.2,
// C3): the per-client compiled mapping from remote types/attributes to local
// types/attributes, and the convertEventToLocal algorithm. Grounded on
// original_source/clients/datamodel.py, reworked around Go's text/template
// in place of the original's Jinja2 templates.
package datamodel

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"text/template/parse"

	"github.com/insa-strasbourg/hermes-client/internal/model"
)

// AttrExpr is a compiled attribute mapping expression: either a direct
// passthrough of a single remote attribute, or a template evaluated against
// the source attribute subtree.
type AttrExpr struct {
	raw       string
	passthrough string // set when the expression is a bare remote attribute name
	tmpl      *template.Template
	freeVars  []string
}

// IsTemplate reports whether this expression is a compiled template (as
// opposed to a bare passthrough reference).
func (e *AttrExpr) IsTemplate() bool { return e.tmpl != nil }

// FreeVars returns the remote attribute names this expression depends on.
func (e *AttrExpr) FreeVars() []string {
	if e.passthrough != "" {
		return []string{e.passthrough}
	}
	return e.freeVars
}

// isBareIdentifier reports whether s looks like a plain attribute name with
// no template markup, e.g. "cn" or "user_id".
func isBareIdentifier(s string) bool {
	if s == "" || strings.Contains(s, "{{") {
		return false
	}
	for i, r := range s {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' || (i > 0 && r >= '0' && r <= '9')
		if !ok {
			return false
		}
	}
	return true
}

// compileAttrExpr compiles one attrsMapping value. Plain identifiers become a
// direct passthrough; anything else is parsed as a text/template expression
// and its free variables (top-level `.field` references) are extracted.
func compileAttrExpr(name, raw string) (*AttrExpr, error) {
	if isBareIdentifier(raw) {
		return &AttrExpr{raw: raw, passthrough: raw}, nil
	}
	tmpl, err := template.New(name).Funcs(FilterFuncs).Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("datamodel: invalid template for %q: %w", name, err)
	}
	vars := extractFreeVars(tmpl.Tree)
	return &AttrExpr{raw: raw, tmpl: tmpl, freeVars: vars}, nil
}

// extractFreeVars walks a parsed template tree collecting the top-level field
// names referenced as `.name`, mirroring the original's Jinja free-variable
// scan (Jinja2's meta.find_undeclared_variables).
func extractFreeVars(t *parse.Tree) []string {
	seen := map[string]struct{}{}
	var walk func(n parse.Node)
	walk = func(n parse.Node) {
		switch v := n.(type) {
		case *parse.ActionNode:
			walk(v.Pipe)
		case *parse.PipeNode:
			for _, c := range v.Cmds {
				walk(c)
			}
		case *parse.CommandNode:
			for _, a := range v.Args {
				walk(a)
			}
		case *parse.FieldNode:
			if len(v.Ident) > 0 {
				seen[v.Ident[0]] = struct{}{}
			}
		case *parse.ListNode:
			if v != nil {
				for _, c := range v.Nodes {
					walk(c)
				}
			}
		case *parse.IfNode:
			walk(v.Pipe)
			walk(v.List)
			if v.ElseList != nil {
				walk(v.ElseList)
			}
		case *parse.RangeNode:
			walk(v.Pipe)
			walk(v.List)
		case *parse.WithNode:
			walk(v.Pipe)
			walk(v.List)
		}
	}
	if t != nil && t.Root != nil {
		walk(t.Root)
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	return out
}

// Eval renders the expression against the given variable environment
// (remote attribute name -> value). Returns (value, ok) where ok is false
// when a passthrough references a key absent from vars.
func (e *AttrExpr) Eval(vars map[string]any) (any, bool) {
	if e.passthrough != "" {
		v, ok := vars[e.passthrough]
		return v, ok
	}
	var buf bytes.Buffer
	if err := e.tmpl.Execute(&buf, vars); err != nil {
		return nil, false
	}
	return buf.String(), true
}

// HasAllFreeVars reports whether every free variable of e is present in vars.
func (e *AttrExpr) HasAllFreeVars(vars map[string]any) bool {
	for _, v := range e.FreeVars() {
		if _, ok := vars[v]; !ok {
			return false
		}
	}
	return true
}

// Mapping is one local type's compiled configuration: the remote type it is
// sourced from, its attribute mapping, and an optional display template.
type Mapping struct {
	LocalType   string
	HermesType  string
	AttrsMapping map[string]*AttrExpr
	ToString    *AttrExpr
}

// CompileAttrExpr compiles a single raw attribute mapping expression
// (a bare remote attribute name, or a text/template expression), exported so
// internal/clientconfig can compile a YAML-declared mapping without reaching
// into this package's unexported parsing internals.
func CompileAttrExpr(name, raw string) (*AttrExpr, error) {
	return compileAttrExpr(name, raw)
}

// NewMapping compiles a local type's full mapping from its raw,
// YAML-deserialized form: attrsMappingRaw is attribute name -> raw
// expression, toStringRaw is the optional display template (empty string
// means none). Mirrors Datamodel.__init__'s per-type compilation loop in
// original_source/clients/datamodel.py.
func NewMapping(localType, hermesType string, attrsMappingRaw map[string]string, toStringRaw string) (*Mapping, error) {
	m := &Mapping{
		LocalType:    localType,
		HermesType:   hermesType,
		AttrsMapping: make(map[string]*AttrExpr, len(attrsMappingRaw)),
	}
	for attr, raw := range attrsMappingRaw {
		expr, err := compileAttrExpr(localType+"."+attr, raw)
		if err != nil {
			return nil, err
		}
		m.AttrsMapping[attr] = expr
	}
	if toStringRaw != "" {
		expr, err := compileAttrExpr(localType+".__toString__", toStringRaw)
		if err != nil {
			return nil, err
		}
		m.ToString = expr
	}
	return m, nil
}

// TypesMapping builds the remote-type -> local-type lookup, ordered by the
// remote schema's declaration order, mirroring Datamodel._fillConversionVars.
func TypesMapping(mappings map[string]*Mapping, remoteTypeOrder []string) map[string]string {
	byRemote := map[string]string{}
	for local, m := range mappings {
		byRemote[m.HermesType] = local
	}
	out := map[string]string{}
	for _, rtype := range remoteTypeOrder {
		if local, ok := byRemote[rtype]; ok {
			out[rtype] = local
		}
	}
	return out
}

// PrimaryKeyAttrsNotExpressions validates the spec §3 invariant that
// primary-key attributes are never mapped through a template expression.
func (m *Mapping) PrimaryKeyAttrsNotExpressions(localPkey model.PrimaryKey) error {
	for _, attr := range localPkey {
		expr, ok := m.AttrsMapping[attr]
		if ok && expr.IsTemplate() {
			return fmt.Errorf(
				"datamodel: %q type primary key attribute %q must not be transformed by a template, to prevent data inconsistencies between declared types",
				m.LocalType, attr,
			)
		}
	}
	return nil
}
