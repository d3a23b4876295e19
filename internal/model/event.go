package model

import (
	"fmt"
	"strings"
	"time"
)

// Event categories, spec §3.
const (
	CategoryBase     = "base"
	CategoryInitsync = "initsync"
)

// Event types, spec §3.
const (
	TypeAdded      = "added"
	TypeModified   = "modified"
	TypeRemoved    = "removed"
	TypeInitStart  = "init-start"
	TypeInitStop   = "init-stop"
	TypeDataschema = "dataschema"
)

// LongStringLimit truncates long string attribute values when logging an
// event, grounded on original_source/lib/datamodel/event.py
// Event.LONG_STRING_LIMIT. Set to 0 to disable truncation.
const LongStringLimit = 256

// Event is an immutable(-by-convention) record describing one change, spec §3.
type Event struct {
	Category string
	Type     string

	ObjType string
	ObjPKey PKey

	// Added holds either the full attribute set (eventtype == added) or the
	// "added" subtree of a modified event's objattrs.
	Added map[string]any
	// Modified holds the "modified" subtree of a modified event's objattrs.
	// Unused for added/removed events.
	Modified map[string]any
	// Removed holds the keys removed by a modified event; values are
	// conventionally nil. Unused for added/removed events.
	Removed map[string]any

	// Offset and Timestamp are supplied out-of-band by the bus framing, §6.
	Offset    uint64
	Timestamp time.Time

	// Step and IsPartiallyProcessed are handler-owned resumption fields,
	// spec §3/§4.6/§9.
	Step                 int
	IsPartiallyProcessed bool
}

// NewAddedEvent builds an `added` event.
func NewAddedEvent(category, objType string, pkey PKey, attrs map[string]any) *Event {
	return &Event{Category: category, Type: TypeAdded, ObjType: objType, ObjPKey: pkey, Added: cloneMap(attrs)}
}

// NewRemovedEvent builds a `removed` event.
func NewRemovedEvent(category, objType string, pkey PKey) *Event {
	return &Event{Category: category, Type: TypeRemoved, ObjType: objType, ObjPKey: pkey}
}

// NewModifiedEvent builds a `modified` event from its three subtrees.
func NewModifiedEvent(category, objType string, pkey PKey, added, modified, removed map[string]any) *Event {
	return &Event{
		Category: category, Type: TypeModified, ObjType: objType, ObjPKey: pkey,
		Added: cloneMap(added), Modified: cloneMap(modified), Removed: cloneMap(removed),
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// Clone performs a shallow-attribute deep copy of e (maps are copied, scalar
// values are not), used whenever an event crosses an ownership boundary
// (error queue append, autoremediation merge, datamodel mapping output).
func (e *Event) Clone() *Event {
	cp := *e
	cp.Added = cloneMap(e.Added)
	cp.Modified = cloneMap(e.Modified)
	cp.Removed = cloneMap(e.Removed)
	return &cp
}

// IsEmpty reports whether the event carries no attribute changes in any
// subtree — used by spec §4.2's "no attributes in any subtree" null-return
// rule and by the autoremediation empty-diff check.
func (e *Event) IsEmpty() bool {
	return len(e.Added) == 0 && len(e.Modified) == 0 && len(e.Removed) == 0
}

// String returns a printable, non-secret-safe representation, mirroring
// original_source/lib/datamodel/event.py Event.__repr__.
func (e *Event) String() string {
	category := ""
	if e.Category != CategoryBase {
		category = e.Category + "_"
	}
	if e.ObjType == "" {
		return fmt.Sprintf("<Event(%s%s)>", category, e.Type)
	}
	return fmt.Sprintf("<Event(%s%s_%s[%s])>", category, e.ObjType, e.Type, e.ObjPKey)
}

// LogString returns a printable representation with secretAttrs masked and
// long string values truncated, grounded on
// original_source/lib/datamodel/event.py Event.toString/objattrsToString.
func (e *Event) LogString(secretAttrs map[string]struct{}) string {
	category := ""
	if e.Category != CategoryBase {
		category = e.Category + "_"
	}
	parts := []string{}
	if len(e.Added) > 0 {
		parts = append(parts, "added="+maskAttrs(e.Added, secretAttrs))
	}
	if len(e.Modified) > 0 {
		parts = append(parts, "modified="+maskAttrs(e.Modified, secretAttrs))
	}
	if len(e.Removed) > 0 {
		parts = append(parts, "removed="+maskAttrs(e.Removed, secretAttrs))
	}
	attrsStr := strings.Join(parts, ", ")
	if e.ObjType == "" {
		return fmt.Sprintf("<Event(%s%s, %s)>", category, e.Type, attrsStr)
	}
	return fmt.Sprintf("<Event(%s%s_%s[%s], %s)>", category, e.ObjType, e.Type, e.ObjPKey, attrsStr)
}

func maskAttrs(attrs map[string]any, secretAttrs map[string]struct{}) string {
	parts := make([]string, 0, len(attrs))
	for k, v := range attrs {
		if _, secret := secretAttrs[k]; secret {
			parts = append(parts, fmt.Sprintf("%s=<SECRET_VALUE(%T)>", k, v))
			continue
		}
		if s, ok := v.(string); ok && LongStringLimit > 0 && len(s) > LongStringLimit {
			parts = append(parts, fmt.Sprintf("%s=<LONG_STR(%d, '%s...')>", k, len(s), s[:LongStringLimit]))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
