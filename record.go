package treestore

// Record is the plain-value shape every node is read and written as: an
// ordered-by-caller set of field name to value pairs. The library never
// asks callers for framework-specific types (spec §6, "Core API surface").
type Record map[string]any

func (r Record) id() (string, bool) {
	v, ok := r["id"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (r Record) parent() (string, bool) {
	v, ok := r["parent"]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (r Record) children() []string {
	v, ok := r["children"]
	if !ok || v == nil {
		return nil
	}
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// dedupAppend appends id to children preserving order and set semantics:
// duplicates are never introduced (spec §4.4 add, §3.2 invariant 7's
// sibling invariant on children uniqueness).
func dedupAppend(children []string, id string) []string {
	for _, c := range children {
		if c == id {
			return children
		}
	}
	return append(children, id)
}

// removeChild returns children with id removed, preserving order.
func removeChild(children []string, id string) []string {
	out := make([]string, 0, len(children))
	for _, c := range children {
		if c != id {
			out = append(out, c)
		}
	}
	return out
}

// encodeChildren renders a children list as JSON, defaulting a nil/absent
// list to "[]" rather than the JSON literal null: the children column is
// NOT NULL and every reader (gjson-based and json.Unmarshal-based alike)
// expects an array, never a null, in that column.
func encodeChildren(children []string) (string, error) {
	if children == nil {
		children = []string{}
	}
	return EncodeJSON(children)
}

func toAnySlice(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

// reservedFields lists the structural/derived fields Update forbids
// touching directly (spec §4.4 update): they are maintained by add/delete
// and the metadata sweep, never by a caller-supplied setter.
var reservedFields = map[string]bool{
	"id":       true,
	"nid":      true,
	"parent":   true,
	"children": true,
	"depth":    true,
	"is_root":  true,
	"is_leaf":  true,
}
