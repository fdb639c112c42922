package treestore

import (
	"fmt"
	"strings"
)

// Axis selects sort direction: 0 = DESC, 1 = ASC (spec §4.3).
type Axis int

const (
	Desc Axis = 0
	Asc  Axis = 1
)

// Condition is one leaf predicate `(field, op, value)` (spec §4.3).
type Condition struct {
	Field string
	Op    string
	Value any
}

// Conditions is a compositional predicate: a list whose elements are
// Condition, the strings "AND"/"OR", or one more level of Conditions
// nesting joined by AND with its neighbours (spec §4.3 rule 2).
type Conditions []any

// Setter is one `field = value` pair for an UPDATE (spec §4.3 rule 7).
type Setter struct {
	Field string
	Value any
}

// OnConflict chooses the INSERT conflict-resolution clause (spec §4.3
// rule 6, spec glossary "On-conflict clause").
type OnConflict string

const (
	ConflictNone     OnConflict = ""
	ConflictIgnore   OnConflict = "IGNORE"
	ConflictReplace  OnConflict = "REPLACE"
	ConflictRollback OnConflict = "ROLLBACK"
	ConflictAbort    OnConflict = "ABORT"
	ConflictFail     OnConflict = "FAIL"
)

func (o OnConflict) sql() string {
	if o == ConflictNone {
		return ""
	}
	return "OR " + string(o)
}

// Query is the structured query description the compiler consumes (spec
// §4.3): a literal Go shape of weetags/engine/sql.py's SqlConverter
// attributes.
type Query struct {
	Fields []string
	Conds  Conditions
	Order  []string
	Axis   Axis
	Limit  *int
}

// Compiler compiles a Query/setter/insert description into SQL text plus
// bound values; it never executes anything (spec §4.3, last paragraph).
// It is built once per tree from the Namespace map the schema synthesiser
// produces (spec §3.1 "Namespace descriptor").
type Compiler struct {
	NodesTable    string
	MetadataTable string
	Namespaces    map[string]Namespace
}

func NewCompiler(nodesTable, metadataTable string, namespaces map[string]Namespace) *Compiler {
	return &Compiler{NodesTable: nodesTable, MetadataTable: metadataTable, Namespaces: namespaces}
}

// CompileInsert renders `INSERT <conflict>? INTO <table>(cols) VALUES(?,...)`
// (spec §4.3 rule 6).
func (c *Compiler) CompileInsert(table string, cols []string, values []any, conflict OnConflict) (string, []any) {
	anchors := placeholders(len(cols))
	stmt := fmt.Sprintf(insertStmt, conflict.sql(), table, strings.Join(cols, ", "), anchors)
	return strings.TrimSpace(collapseSpaces(stmt)), values
}

// CompileSelect renders a SELECT from the structured Query, joining the
// metadata table plus any index table a referenced field requires (spec
// §4.3 rules 1, 2, 5).
func (c *Compiler) CompileSelect(q Query) (string, []any, error) {
	fields, err := c.renderFields(q.Fields)
	if err != nil {
		return "", nil, err
	}
	joins, err := c.renderJoins(q.Fields, q.Order, q.Conds)
	if err != nil {
		return "", nil, err
	}
	where, values, err := c.renderWhere(q.Conds)
	if err != nil {
		return "", nil, err
	}
	order, err := c.renderOrder(q.Order, q.Axis)
	if err != nil {
		return "", nil, err
	}
	limit := ""
	if q.Limit != nil {
		limit = fmt.Sprintf("LIMIT %d", *q.Limit)
	}
	stmt := fmt.Sprintf(selectStmt, fields, c.NodesTable, joins, where, order, limit)
	return strings.TrimSpace(collapseSpaces(stmt)), values, nil
}

// CompileUpdate renders `UPDATE <table> SET f = ?, ... WHERE <idField> = ?`. All
// setters must share one owning table: the tree engine groups setters by
// table before calling (spec §4.3 rule 7).
func (c *Compiler) CompileUpdate(table string, idField string, id string, setters []Setter) (string, []any, error) {
	if len(setters) == 0 {
		return "", nil, queryErrorf("update requires at least one setter")
	}
	assignments := make([]string, len(setters))
	values := make([]any, 0, len(setters)+1)
	for i, s := range setters {
		assignments[i] = fmt.Sprintf("%s = ?", s.Field)
		values = append(values, s.Value)
	}
	values = append(values, id)
	stmt := fmt.Sprintf(updateStmt, table, strings.Join(assignments, ", "), idField)
	return stmt, values, nil
}

// CompileDelete renders a DELETE over the nodes table. Conditions that
// reference a JSONLIST-indexed field are rewritten as
// `id IN (SELECT id FROM nodes JOIN index ... WHERE ...)` so the DELETE
// itself never needs a join (spec §4.3 rule 4).
func (c *Compiler) CompileDelete(conds Conditions) (string, []any, error) {
	needsJoin, err := c.anyJoinable(conds)
	if err != nil {
		return "", nil, err
	}
	if !needsJoin {
		where, values, err := c.renderWhere(conds)
		if err != nil {
			return "", nil, err
		}
		return strings.TrimSpace(fmt.Sprintf("DELETE FROM %s %s;", c.NodesTable, where)), values, nil
	}

	joins, err := c.renderJoins(nil, nil, conds)
	if err != nil {
		return "", nil, err
	}
	where, values, err := c.renderWhere(conds)
	if err != nil {
		return "", nil, err
	}
	subquery := fmt.Sprintf("SELECT %s.id FROM %s %s %s", c.NodesTable, c.NodesTable, joins, where)
	stmt := fmt.Sprintf("DELETE FROM %s WHERE id IN (%s);", c.NodesTable, subquery)
	return stmt, values, nil
}

func (c *Compiler) namespace(field string) (Namespace, error) {
	ns, ok := c.Namespaces[field]
	if !ok {
		return Namespace{}, queryErrorf("unknown field %q", field)
	}
	return ns, nil
}

func (c *Compiler) renderFields(fields []string) (string, error) {
	if len(fields) == 0 || (len(fields) == 1 && fields[0] == "*") {
		return "*", nil
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f == "*" {
			continue
		}
		ns, err := c.namespace(f)
		if err != nil {
			return "", err
		}
		out = append(out, ns.Select())
	}
	return strings.Join(out, ", "), nil
}

func (c *Compiler) renderJoins(fields, order []string, conds Conditions) (string, error) {
	seen := map[string]bool{}
	var joins []string

	add := func(fieldName string) error {
		if fieldName == "*" {
			return nil
		}
		ns, err := c.namespace(fieldName)
		if err != nil {
			return err
		}
		if ns.Joinable(c.NodesTable) && !seen[ns.Index] {
			seen[ns.Index] = true
			joins = append(joins, ns.Join(c.NodesTable))
		}
		return nil
	}

	// metadata join is always present: depth/root lookups are cheap reads
	// the compiler assumes are available (spec §4.3 rule 2).
	if ns, ok := c.Namespaces["depth"]; ok && !seen[ns.Index] {
		seen[ns.Index] = true
		joins = append(joins, ns.Join(c.NodesTable))
	}

	for _, f := range fields {
		if err := add(f); err != nil {
			return "", err
		}
	}
	for _, f := range order {
		if err := add(f); err != nil {
			return "", err
		}
	}
	fieldsInConds, err := extractFieldNames(conds)
	if err != nil {
		return "", err
	}
	for _, f := range fieldsInConds {
		if err := add(f); err != nil {
			return "", err
		}
	}
	return strings.Join(joins, " "), nil
}

func (c *Compiler) anyJoinable(conds Conditions) (bool, error) {
	fields, err := extractFieldNames(conds)
	if err != nil {
		return false, err
	}
	for _, f := range fields {
		ns, err := c.namespace(f)
		if err != nil {
			return false, err
		}
		if ns.Joinable(c.NodesTable) {
			return true, nil
		}
	}
	return false, nil
}

func extractFieldNames(conds Conditions) ([]string, error) {
	var out []string
	for _, el := range conds {
		switch v := el.(type) {
		case Condition:
			out = append(out, v.Field)
		case Conditions:
			nested, err := extractFieldNames(v)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
		case string:
			if v != "AND" && v != "OR" {
				return nil, queryErrorf("unexpected condition token %q", v)
			}
		default:
			return nil, queryErrorf("condition element must be Condition, Conditions, or AND/OR, got %T", el)
		}
	}
	return out, nil
}

// renderWhere implements spec §4.3 rule 3: each leaf becomes
// `<index>.<field> <op> <anchor>`; "AND"/"OR" are emitted verbatim;
// missing connectives between adjacent predicates default to AND; nested
// groups are parenthesised.
func (c *Compiler) renderWhere(conds Conditions) (string, []any, error) {
	if len(conds) == 0 {
		return "", nil, nil
	}
	segments, values, err := c.renderConditionList(conds, true)
	if err != nil {
		return "", nil, err
	}
	return "WHERE " + segments, values, nil
}

func (c *Compiler) renderConditionList(conds Conditions, topLevel bool) (string, []any, error) {
	var segments []string
	var values []any
	needsConnective := false

	for _, el := range conds {
		switch v := el.(type) {
		case string:
			if v != "AND" && v != "OR" {
				return "", nil, queryErrorf("unexpected condition token %q", v)
			}
			segments = append(segments, v)
			needsConnective = false
			continue
		case Condition:
			if needsConnective {
				segments = append(segments, "AND")
			}
			ns, err := c.namespace(v.Field)
			if err != nil {
				return "", nil, err
			}
			frag, vals, err := whereFragment(ns, v.Op, v.Value)
			if err != nil {
				return "", nil, err
			}
			if topLevel {
				segments = append(segments, fmt.Sprintf("(%s)", frag))
			} else {
				segments = append(segments, frag)
			}
			values = append(values, vals...)
			needsConnective = true
			continue
		case Conditions:
			if needsConnective {
				segments = append(segments, "AND")
			}
			nested, vals, err := c.renderConditionList(v, false)
			if err != nil {
				return "", nil, err
			}
			segments = append(segments, fmt.Sprintf("(%s)", nested))
			values = append(values, vals...)
			needsConnective = true
			continue
		default:
			return "", nil, queryErrorf("condition element must be Condition, Conditions, or AND/OR, got %T", el)
		}
	}
	return strings.Join(segments, " "), values, nil
}

func whereFragment(ns Namespace, op string, value any) (string, []any, error) {
	switch {
	case strings.EqualFold(op, "in"):
		list, ok := value.([]any)
		if !ok {
			return "", nil, queryErrorf("operator IN requires a list value for field %q", ns.Field)
		}
		return fmt.Sprintf("%s.%s IN (%s)", ns.Index, ns.Field, placeholders(len(list))), list, nil
	case strings.EqualFold(op, "is null"), strings.EqualFold(op, "is not null"):
		return fmt.Sprintf("%s.%s %s", ns.Index, ns.Field, strings.ToUpper(op)), nil, nil
	default:
		return fmt.Sprintf("%s.%s %s ?", ns.Index, ns.Field, op), []any{value}, nil
	}
}

func (c *Compiler) renderOrder(order []string, axis Axis) (string, error) {
	if len(order) == 0 {
		return "", nil
	}
	fields := make([]string, len(order))
	for i, f := range order {
		ns, err := c.namespace(f)
		if err != nil {
			return "", err
		}
		fields[i] = ns.Select()
	}
	dir := "ASC"
	if axis == Desc {
		dir = "DESC"
	} else if axis != Asc {
		return "", queryErrorf("axis must be 0 (DESC) or 1 (ASC), got %d", axis)
	}
	return fmt.Sprintf("ORDER BY %s %s", strings.Join(fields, ", "), dir), nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "?"
	}
	return strings.Join(parts, ", ")
}

func collapseSpaces(s string) string {
	for strings.Contains(s, "  ") {
		s = strings.ReplaceAll(s, "  ", " ")
	}
	return s
}

const (
	insertStmt = "INSERT %s INTO %s(%s) VALUES(%s);"
	selectStmt = "SELECT %s FROM %s %s %s %s %s;"
	updateStmt = "UPDATE %s SET %s WHERE %s = ?;"
)
