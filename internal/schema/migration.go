package schema

// PKeyChange describes a primary key shape change for one object type,
// detected between two successive schemas, spec §4.5.
type PKeyChange struct {
	ObjType string
	Before  []string
	After   []string
}

// PrimaryKeyChanges returns every type whose primary key attribute list
// differs (by name or order) between previous and s, restricted to types
// present in both schemas (added/removed types are not a "change").
func (s *Schema) PrimaryKeyChanges(previous *Schema) []PKeyChange {
	if previous == nil {
		return nil
	}
	var out []PKeyChange
	for _, name := range s.order {
		cur, ok := s.types[name]
		if !ok {
			continue
		}
		old, ok := previous.types[name]
		if !ok {
			continue
		}
		if !pkeyEqual(cur.PrimaryKey, old.PrimaryKey) {
			out = append(out, PKeyChange{ObjType: name, Before: old.PrimaryKey, After: cur.PrimaryKey})
		}
	}
	return out
}

func pkeyEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
