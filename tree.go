package treestore

import (
	"context"
	"errors"
)

// Model is the per-tree synthesised schema: table definitions plus the
// compile-time Namespace map the query compiler consults (spec §3.1,
// §4.1). TreeBuilder produces one; NewTree accepts one directly for
// callers that already know their schema.
type Model struct {
	Tree          string
	NodesTable    Table
	MetadataTable Table
	IndexTables   map[string]Table // user field -> JSONLIST index table
	Namespaces    map[string]Namespace
}

func (m Model) jsonFields() map[string]bool {
	out := map[string]bool{"children": true}
	for _, f := range m.NodesTable.Fields {
		if f.Dtype == JSON || f.Dtype == JSONList {
			out[f.Name] = true
		}
	}
	return out
}

// TreeOptions configures runtime behaviour of a *Tree that is not part of
// the persisted schema (spec §4.4's reclamation policy).
type TreeOptions struct {
	// ReclaimOrphans deletes dead branches after Delete/DeleteWhere
	// detaches a subtree (spec §4.4, §8 scenario 2). TreeBuilder.Build
	// sets it to true; the zero value leaves reclamation off.
	ReclaimOrphans bool
}

// Tree is the mutation/read engine over one synthesised schema (spec
// §4.4). Grounded on go-bumbu-closure-tree's Tree: one struct wrapping
// the engine handle plus the table names it owns.
type Tree struct {
	engine   *Engine
	model    Model
	compiler *Compiler
	reclaim  bool
}

func NewTree(engine *Engine, model Model, opts TreeOptions) *Tree {
	return &Tree{
		engine:   engine,
		model:    model,
		compiler: NewCompiler(model.NodesTable.Name, model.MetadataTable.Name, model.Namespaces),
		reclaim:  opts.ReclaimOrphans,
	}
}

// Relation names a fan-out read NodesRelationWhere applies to each matched
// node (spec §4.4).
type Relation string

const (
	RelationParent      Relation = "parent"
	RelationChildren    Relation = "children"
	RelationSiblings    Relation = "siblings"
	RelationAncestors   Relation = "ancestors"
	RelationDescendants Relation = "descendants"
)

// TreeInfo is the harmless introspection result supplemented from
// weetags/trees/tree.py's Tree.info (spec §9 resolved question 3; SPEC_FULL
// "Tree engine" additions).
type TreeInfo struct {
	Name   string
	Size   int
	Depth  int
	Fields map[string]Dtype
}

// Node reads one node by id, merged with its metadata columns. fields ==
// nil selects every column (spec §4.4, `node(id, fields)`).
func (t *Tree) Node(ctx context.Context, id string, fields []string) (Record, error) {
	recs, err := t.selectWhere(ctx, Query{Fields: fields, Conds: Conditions{Condition{Field: "id", Op: "=", Value: id}}})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, notFoundErrorf("node %q not found", id)
	}
	return recs[0], nil
}

// NodesWhere runs a structured query and returns every matching node
// (spec §4.4, `nodes_where`).
func (t *Tree) NodesWhere(ctx context.Context, q Query) ([]Record, error) {
	return t.selectWhere(ctx, q)
}

// Parent returns the parent of id, or ErrNotFound if id is the root.
func (t *Tree) Parent(ctx context.Context, id string, fields []string) (Record, error) {
	node, err := t.Node(ctx, id, []string{"parent"})
	if err != nil {
		return nil, err
	}
	parent, ok := node.parent()
	if !ok {
		return nil, notFoundErrorf("node %q has no parent", id)
	}
	return t.Node(ctx, parent, fields)
}

// Children returns id's children in insertion order (spec §4.4).
func (t *Tree) Children(ctx context.Context, id string, fields []string) ([]Record, error) {
	node, err := t.Node(ctx, id, []string{"children"})
	if err != nil {
		return nil, err
	}
	return t.nodesByID(ctx, node.children(), fields)
}

// Siblings returns id's parent's other children, in order, excluding id
// itself. The root has no siblings.
func (t *Tree) Siblings(ctx context.Context, id string, fields []string) ([]Record, error) {
	node, err := t.Node(ctx, id, []string{"parent"})
	if err != nil {
		return nil, err
	}
	parentID, ok := node.parent()
	if !ok {
		return nil, nil
	}
	parent, err := t.Node(ctx, parentID, []string{"children"})
	if err != nil {
		return nil, err
	}
	return t.nodesByID(ctx, removeChild(parent.children(), id), fields)
}

// Ancestors walks the parent chain from id up to (excluding) the root's
// absent parent, terminating when parent IS NULL (spec §4.4).
func (t *Tree) Ancestors(ctx context.Context, id string, fields []string) ([]Record, error) {
	chain, err := t.ancestorChain(ctx, id, fields)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, nil
	}
	return chain[1:], nil
}

// ancestorChain returns id itself followed by its ancestors up to the
// root, all inclusive; used internally by Ancestors and Path.
func (t *Tree) ancestorChain(ctx context.Context, id string, fields []string) ([]Record, error) {
	var chain []Record
	cur, err := t.Node(ctx, id, fields)
	if err != nil {
		return nil, err
	}
	chain = append(chain, cur)
	curRaw, err := t.Node(ctx, id, []string{"parent"})
	if err != nil {
		return nil, err
	}
	parentID, ok := curRaw.parent()
	for ok {
		node, err := t.Node(ctx, parentID, fields)
		if err != nil {
			return nil, err
		}
		chain = append(chain, node)
		raw, err := t.Node(ctx, parentID, []string{"parent"})
		if err != nil {
			return nil, err
		}
		parentID, ok = raw.parent()
	}
	return chain, nil
}

// Descendants breadth-first traverses id's subtree using stored children
// lists; depthBound, when non-nil, caps how many levels below id are
// visited (spec §4.4).
func (t *Tree) Descendants(ctx context.Context, id string, fields []string, depthBound *int) ([]Record, error) {
	var out []Record
	frontier := []string{id}
	for level := 0; len(frontier) > 0; level++ {
		if depthBound != nil && level >= *depthBound {
			break
		}
		var next []string
		for _, nodeID := range frontier {
			node, err := t.Node(ctx, nodeID, []string{"children"})
			if err != nil {
				return nil, err
			}
			for _, childID := range node.children() {
				child, err := t.Node(ctx, childID, fields)
				if err != nil {
					return nil, err
				}
				out = append(out, child)
				next = append(next, childID)
			}
		}
		frontier = next
	}
	return out, nil
}

// NodesRelationWhere selects nodes matching conds, then applies relation
// to each match, optionally including the matched node itself in the
// output (spec §4.4).
func (t *Tree) NodesRelationWhere(ctx context.Context, relation Relation, conds Conditions, fields []string, includeBase bool) ([]Record, error) {
	base, err := t.NodesWhere(ctx, Query{Fields: []string{"id"}, Conds: conds})
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, b := range base {
		id, _ := b.id()
		if includeBase {
			node, err := t.Node(ctx, id, fields)
			if err != nil {
				return nil, err
			}
			out = append(out, node)
		}
		var related []Record
		switch relation {
		case RelationParent:
			node, err := t.Parent(ctx, id, fields)
			if err != nil && !isNotFound(err) {
				return nil, err
			}
			if node != nil {
				related = []Record{node}
			}
		case RelationChildren:
			related, err = t.Children(ctx, id, fields)
		case RelationSiblings:
			related, err = t.Siblings(ctx, id, fields)
		case RelationAncestors:
			related, err = t.Ancestors(ctx, id, fields)
		case RelationDescendants:
			related, err = t.Descendants(ctx, id, fields, nil)
		default:
			return nil, queryErrorf("unknown relation %q", relation)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, related...)
	}
	return out, nil
}

// Orphans returns every non-root node whose parent is NULL (spec §4.4,
// glossary "Orphan").
func (t *Tree) Orphans(ctx context.Context, fields []string, order []string, axis Axis, limit *int) ([]Record, error) {
	conds := Conditions{
		Condition{Field: "parent", Op: "IS NULL"},
		"AND",
		Condition{Field: "is_root", Op: "=", Value: false},
	}
	return t.selectWhere(ctx, Query{Fields: fields, Conds: conds, Order: order, Axis: axis, Limit: limit})
}

// Path returns the node chain from `from` to `to`, converging at their
// lowest common ancestor (spec §4.4, §8 scenario 5).
func (t *Tree) Path(ctx context.Context, from, to string, fields []string) ([]Record, error) {
	fromChain, err := t.ancestorChain(ctx, from, fields)
	if err != nil {
		return nil, err
	}
	toChain, err := t.ancestorChain(ctx, to, fields)
	if err != nil {
		return nil, err
	}
	toIDs := make([]string, len(toChain))
	for i, r := range toChain {
		id, _ := r.id()
		toIDs[i] = id
	}

	lcaFrom := -1
	lcaTo := -1
	for i, r := range fromChain {
		id, _ := r.id()
		for j, tid := range toIDs {
			if tid == id {
				lcaFrom, lcaTo = i, j
				break
			}
		}
		if lcaFrom >= 0 {
			break
		}
	}
	if lcaFrom < 0 {
		return nil, notFoundErrorf("no common ancestor between %q and %q", from, to)
	}

	path := append([]Record{}, fromChain[:lcaFrom+1]...)
	for i := lcaTo - 1; i >= 0; i-- {
		path = append(path, toChain[i])
	}
	return path, nil
}

// Add inserts a new node, maintaining the parent's children list and
// metadata, inside one transaction (spec §4.4).
func (t *Tree) Add(ctx context.Context, rec Record) error {
	if err := t.validateRecord(rec); err != nil {
		return err
	}
	id, _ := rec.id()
	parentID, hasParent := rec.parent()

	return t.engine.Transaction(ctx, func(tx *Engine) error {
		inner := &Tree{engine: tx, model: t.model, compiler: t.compiler, reclaim: t.reclaim}

		if _, err := inner.Node(ctx, id, []string{"id"}); err == nil {
			return invariantErrorf("node %q already exists", id)
		} else if !isNotFound(err) {
			return err
		}

		children := rec.children()
		isLeaf := len(children) == 0

		if !hasParent || parentID == "" {
			existingRoot, err := inner.NodesWhere(ctx, Query{Fields: []string{"id"}, Conds: Conditions{Condition{Field: "is_root", Op: "=", Value: true}}})
			if err != nil {
				return err
			}
			if len(existingRoot) > 0 {
				return invariantErrorf("a root already exists")
			}
			if err := inner.insertNode(ctx, rec, children); err != nil {
				return err
			}
			return inner.insertMetadata(ctx, id, 0, true, isLeaf)
		}

		parent, err := inner.Node(ctx, parentID, []string{"children", "depth"})
		if err != nil {
			if isNotFound(err) {
				return notFoundErrorf("parent %q not found", parentID)
			}
			return err
		}
		newSiblings := dedupAppend(parent.children(), id)
		if err := inner.setChildren(ctx, parentID, newSiblings); err != nil {
			return err
		}
		parentDepth, _ := parent["depth"].(int64)
		if v, ok := parent["depth"].(float64); ok {
			parentDepth = int64(v)
		}
		if err := inner.insertNode(ctx, rec, children); err != nil {
			return err
		}
		return inner.insertMetadata(ctx, id, int(parentDepth)+1, false, isLeaf)
	})
}

// Update groups setters by owning table and issues one UPDATE per group
// (spec §4.4). Structural/derived fields can never be set this way.
func (t *Tree) Update(ctx context.Context, id string, setters []Setter) error {
	if len(setters) == 0 {
		return queryErrorf("update requires at least one setter")
	}
	byTable := map[string][]Setter{}
	idByTable := map[string]string{}
	for _, s := range setters {
		if reservedFields[s.Field] {
			return dataModelErrorf("field %q is maintained by the store and cannot be set directly", s.Field)
		}
		ns, ok := t.model.Namespaces[s.Field]
		if !ok {
			return queryErrorf("unknown field %q", s.Field)
		}
		if (ns.Dtype == JSON || ns.Dtype == JSONList) && s.Value != nil {
			encoded, err := EncodeJSON(s.Value)
			if err != nil {
				return err
			}
			s.Value = encoded
		}
		byTable[ns.Table] = append(byTable[ns.Table], s)
		idByTable[ns.Table] = "id"
	}
	return t.engine.Transaction(ctx, func(tx *Engine) error {
		for table, groupSetters := range byTable {
			stmt, values, err := t.compiler.CompileUpdate(table, idByTable[table], id, groupSetters)
			if err != nil {
				return err
			}
			if err := tx.Exec(ctx, stmt, values...); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete detaches id's children, removes id from its parent's children,
// deletes id, and (when reclamation is enabled) sweeps any dead branches
// the detach left behind (spec §4.4).
func (t *Tree) Delete(ctx context.Context, id string) error {
	return t.engine.Transaction(ctx, func(tx *Engine) error {
		inner := &Tree{engine: tx, model: t.model, compiler: t.compiler, reclaim: t.reclaim}
		if err := inner.deleteOne(ctx, id); err != nil {
			return err
		}
		if inner.reclaim {
			return inner.reclaimOrphans(ctx)
		}
		return nil
	})
}

// DeleteWhere resolves conds to a match set, refuses entirely if the root
// is among them, deletes every match, then reclaims dead branches (spec
// §4.4).
func (t *Tree) DeleteWhere(ctx context.Context, conds Conditions) error {
	matches, err := t.NodesWhere(ctx, Query{Fields: []string{"id", "is_root"}, Conds: conds})
	if err != nil {
		return err
	}
	for _, m := range matches {
		if root, _ := m["is_root"].(bool); root {
			return invariantErrorf("delete_where matched the root: refused")
		}
	}
	return t.engine.Transaction(ctx, func(tx *Engine) error {
		inner := &Tree{engine: tx, model: t.model, compiler: t.compiler, reclaim: t.reclaim}
		for _, m := range matches {
			id, _ := m.id()
			if err := inner.deleteOne(ctx, id); err != nil {
				return err
			}
		}
		if inner.reclaim {
			return inner.reclaimOrphans(ctx)
		}
		return nil
	})
}

// DeleteOrphans deletes every dead branch rooted at a detached node (spec
// §9 resolved question 3, `weetags/trees/tree.py`'s delete_dead_branches).
func (t *Tree) DeleteOrphans(ctx context.Context) error {
	return t.engine.Transaction(ctx, func(tx *Engine) error {
		inner := &Tree{engine: tx, model: t.model, compiler: t.compiler, reclaim: t.reclaim}
		return inner.reclaimOrphans(ctx)
	})
}

// Info reports the tree's name, node count, maximum depth, and declared
// user fields (SPEC_FULL.md Tree engine additions, weetags/trees/tree.py's
// Tree.info).
func (t *Tree) Info(ctx context.Context) (TreeInfo, error) {
	rows, err := t.NodesWhere(ctx, Query{Fields: []string{"id"}})
	if err != nil {
		return TreeInfo{}, err
	}
	depthRows, err := t.NodesWhere(ctx, Query{Fields: []string{"depth"}, Order: []string{"depth"}, Axis: Desc, Limit: intPtr(1)})
	if err != nil {
		return TreeInfo{}, err
	}
	depth := 0
	if len(depthRows) > 0 {
		if v, ok := depthRows[0]["depth"].(int64); ok {
			depth = int(v)
		}
	}
	fields := map[string]Dtype{}
	for _, f := range t.model.NodesTable.Fields {
		fields[f.Name] = f.Dtype
	}
	return TreeInfo{Name: t.model.Tree, Size: len(rows), Depth: depth, Fields: fields}, nil
}

func intPtr(n int) *int { return &n }

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func (t *Tree) deleteOne(ctx context.Context, id string) error {
	node, err := t.Node(ctx, id, []string{"parent", "children", "is_root"})
	if err != nil {
		return err
	}
	if root, _ := node["is_root"].(bool); root {
		return invariantErrorf("cannot delete the root")
	}
	for _, childID := range node.children() {
		if err := t.setParent(ctx, childID, ""); err != nil {
			return err
		}
	}
	if parentID, ok := node.parent(); ok && parentID != "" {
		parent, err := t.Node(ctx, parentID, []string{"children"})
		if err != nil && !isNotFound(err) {
			return err
		}
		if err == nil {
			remaining := removeChild(parent.children(), id)
			if err := t.setChildren(ctx, parentID, remaining); err != nil {
				return err
			}
		}
	}
	stmt, values, err := t.compiler.CompileDelete(Conditions{Condition{Field: "id", Op: "=", Value: id}})
	if err != nil {
		return err
	}
	return t.engine.Exec(ctx, stmt, values...)
}

// reclaimOrphans deletes every node reachable from a current orphan,
// including the orphan itself (spec §8 scenario 2, glossary "Dead
// branch").
func (t *Tree) reclaimOrphans(ctx context.Context) error {
	orphans, err := t.Orphans(ctx, []string{"id"}, nil, Asc, nil)
	if err != nil {
		return err
	}
	var deadIDs []string
	for _, o := range orphans {
		id, _ := o.id()
		deadIDs = append(deadIDs, id)
		subtree, err := t.Descendants(ctx, id, []string{"id"}, nil)
		if err != nil {
			return err
		}
		for _, d := range subtree {
			did, _ := d.id()
			deadIDs = append(deadIDs, did)
		}
	}
	if len(deadIDs) == 0 {
		return nil
	}
	stmt, values, err := t.compiler.CompileDelete(Conditions{Condition{Field: "id", Op: "in", Value: toAnySlice(deadIDs)}})
	if err != nil {
		return err
	}
	return t.engine.Exec(ctx, stmt, values...)
}

func (t *Tree) setParent(ctx context.Context, id string, parentID string) error {
	var value any
	if parentID != "" {
		value = parentID
	}
	stmt, values, err := t.compiler.CompileUpdate(t.model.NodesTable.Name, "id", id, []Setter{{Field: "parent", Value: value}})
	if err != nil {
		return err
	}
	return t.engine.Exec(ctx, stmt, values...)
}

func (t *Tree) setChildren(ctx context.Context, id string, children []string) error {
	encoded, err := encodeChildren(children)
	if err != nil {
		return err
	}
	stmt, values, err := t.compiler.CompileUpdate(t.model.NodesTable.Name, "id", id, []Setter{{Field: "children", Value: encoded}})
	if err != nil {
		return err
	}
	if err := t.engine.Exec(ctx, stmt, values...); err != nil {
		return err
	}
	return t.setIsLeaf(ctx, id, len(children) == 0)
}

func (t *Tree) setIsLeaf(ctx context.Context, id string, isLeaf bool) error {
	stmt, values, err := t.compiler.CompileUpdate(t.model.MetadataTable.Name, "nid", id, []Setter{{Field: "is_leaf", Value: isLeaf}})
	if err != nil {
		return err
	}
	return t.engine.Exec(ctx, stmt, values...)
}

func (t *Tree) insertNode(ctx context.Context, rec Record, children []string) error {
	encodedChildren, err := encodeChildren(children)
	if err != nil {
		return err
	}
	cols := []string{"id", "parent", "children"}
	id, _ := rec.id()
	parentID, hasParent := rec.parent()
	var parentVal any
	if hasParent && parentID != "" {
		parentVal = parentID
	}
	values := []any{id, parentVal, encodedChildren}
	for _, f := range t.model.NodesTable.Fields {
		if f.Name == "id" || f.Name == "parent" || f.Name == "children" {
			continue
		}
		cols = append(cols, f.Name)
		v := rec[f.Name]
		if f.Dtype == JSON || f.Dtype == JSONList {
			if v != nil {
				v, err = EncodeJSON(v)
				if err != nil {
					return err
				}
			}
		}
		values = append(values, v)
	}
	stmt, boundValues := t.compiler.CompileInsert(t.model.NodesTable.Name, cols, values, ConflictNone)
	return t.engine.Exec(ctx, stmt, boundValues...)
}

func (t *Tree) insertMetadata(ctx context.Context, id string, depth int, isRoot, isLeaf bool) error {
	cols := []string{"nid", "depth", "is_root", "is_leaf"}
	values := []any{id, depth, isRoot, isLeaf}
	stmt, boundValues := t.compiler.CompileInsert(t.model.MetadataTable.Name, cols, values, ConflictNone)
	return t.engine.Exec(ctx, stmt, boundValues...)
}

func (t *Tree) validateRecord(rec Record) error {
	if _, ok := rec.id(); !ok {
		return dataModelErrorf("record missing id")
	}
	if _, present := rec["parent"]; !present {
		return dataModelErrorf("record missing parent key")
	}
	for name, val := range rec {
		if reservedNonDataFields[name] {
			continue
		}
		field, ok := t.model.NodesTable.field(name)
		if !ok {
			return dataModelErrorf("field %q is not part of the tree's model", name)
		}
		if val == nil {
			continue
		}
		observed := inferDtype(val)
		if observed != "" && observed != field.Dtype {
			return dataModelErrorf("field %q: expected %s, observed %s", name, field.Dtype, observed)
		}
	}
	return nil
}

var reservedNonDataFields = map[string]bool{"id": true, "parent": true, "children": true}

func (t *Tree) nodesByID(ctx context.Context, ids []string, fields []string) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	recs, err := t.selectWhere(ctx, Query{Fields: fields, Conds: Conditions{Condition{Field: "id", Op: "in", Value: toAnySlice(ids)}}})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Record, len(recs))
	for _, r := range recs {
		id, _ := r.id()
		byID[id] = r
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *Tree) selectWhere(ctx context.Context, q Query) ([]Record, error) {
	stmt, values, err := t.compiler.CompileSelect(q)
	if err != nil {
		return nil, err
	}
	return t.engine.QueryRows(ctx, stmt, values, t.model.jsonFields())
}
