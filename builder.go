package treestore

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const defaultBatchSize = 500

// IndexRequest asks the builder to install one secondary index after
// ingest (spec §4.5 step 6). Path is empty for a scalar column or a whole
// JSONLIST field; non-empty selects a dotted path inside a JSON object
// field.
type IndexRequest struct {
	Field string
	Path  string
}

// BuilderOptions configures one Build call (spec §4.5, SPEC_FULL.md "Tree
// builder" additions). Grounded on weetags/trees/tree_builder.py's
// constructor kwargs (`replace`, `indexes`, `strategy`, class constant
// `BATCH_SIZE`).
type BuilderOptions struct {
	BatchSize int
	Replace   bool
	Indexes   []IndexRequest
	// Strategy is carried on the options but Build does not read it:
	// eager vs lazy reading of a JSON Lines file is set by PathSource's
	// lazy argument (JSONLinesLoader.Lazy) when the source is created.
	Strategy string
	Conflict OnConflict
}

func (o BuilderOptions) batchSize() int {
	if o.BatchSize > 0 {
		return o.BatchSize
	}
	return defaultBatchSize
}

// RecordSource is a restartable producer of Records: every call to
// Records creates an independent iteration (spec §4.6, "each call to the
// producer creates an independent iteration").
type RecordSource interface {
	Records(ctx context.Context) (func() (Record, bool, error), error)
}

// SliceSource adapts an in-memory list of records to RecordSource (spec
// §4.5 step 1, "input is either an in-memory list or a path").
type SliceSource []Record

func (s SliceSource) Records(ctx context.Context) (func() (Record, bool, error), error) {
	i := 0
	return func() (Record, bool, error) {
		if i >= len(s) {
			return nil, false, nil
		}
		rec := s[i]
		i++
		return rec, true, nil
	}, nil
}

// PathSource resolves a file path to the loader its extension selects:
// `.json` for array-form JSON, `.jl`/`.jsonlines` for JSON Lines (spec
// §4.5 step 1).
func PathSource(path string, lazy bool) (RecordSource, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		return JSONLoader{Path: path}, nil
	case ".jl", ".jsonlines":
		return JSONLinesLoader{Path: path, Lazy: lazy}, nil
	default:
		return nil, dataModelErrorf("unsupported source extension %q", ext)
	}
}

// TreeBuilder synthesises a tree's schema from a record stream and bulk
// loads it (spec §4.5). Grounded on go-bumbu-closure-tree's New(db, item)
// for the "parse then migrate" shape, replaced with schema synthesis
// since the model is inferred rather than bound to a Go struct.
type TreeBuilder struct {
	engine *Engine
	opts   BuilderOptions
}

func NewTreeBuilder(engine *Engine, opts BuilderOptions) *TreeBuilder {
	return &TreeBuilder{engine: engine, opts: opts}
}

// Build runs all six stages of §4.5 and returns a ready *Tree.
func (b *TreeBuilder) Build(ctx context.Context, name string, source RecordSource) (*Tree, error) {
	model, fieldOrder, err := b.inferModel(ctx, name, source)
	if err != nil {
		return nil, err
	}

	if b.opts.Replace {
		if err := b.dropExisting(ctx, model); err != nil {
			return nil, err
		}
	}
	if err := b.engine.Exec(ctx, model.NodesTable.CreateDDL()); err != nil {
		return nil, storageErrorf(err, "create nodes table")
	}
	if err := b.engine.Exec(ctx, model.MetadataTable.CreateDDL()); err != nil {
		return nil, storageErrorf(err, "create metadata table")
	}

	rootID, err := b.ingest(ctx, model, fieldOrder, source)
	if err != nil {
		return nil, err
	}
	if rootID != "" {
		if err := b.fixRootIsLeaf(ctx, model, rootID); err != nil {
			return nil, err
		}
		if err := b.sweepMetadata(ctx, model, rootID); err != nil {
			return nil, err
		}
	}
	if err := b.installIndexes(ctx, model); err != nil {
		return nil, err
	}

	tree := NewTree(b.engine, model, TreeOptions{ReclaimOrphans: true})
	return tree, nil
}

// inferModel iterates the source once, deriving a dtype per field per
// spec §4.5 step 2.
func (b *TreeBuilder) inferModel(ctx context.Context, name string, source RecordSource) (Model, []string, error) {
	dtypes := map[string]Dtype{}
	var order []string
	seen := map[string]bool{}

	next, err := source.Records(ctx)
	if err != nil {
		return Model{}, nil, err
	}
	for {
		rec, ok, err := next()
		if err != nil {
			return Model{}, nil, err
		}
		if !ok {
			break
		}
		if _, hasID := rec.id(); !hasID {
			return Model{}, nil, dataModelErrorf("record missing id or id is not a string")
		}
		if _, present := rec["parent"]; !present {
			return Model{}, nil, dataModelErrorf("record missing parent key")
		}
		for field, val := range rec {
			if field == "id" || field == "parent" || field == "children" {
				continue
			}
			observed := inferDtype(val)
			merged, err := reconcileDtype(field, dtypes[field], observed)
			if err != nil {
				return Model{}, nil, err
			}
			dtypes[field] = merged
			if !seen[field] {
				seen[field] = true
				order = append(order, field)
			}
		}
	}

	userFields := make([]Field, 0, len(order))
	for _, f := range order {
		dtype := dtypes[f]
		if dtype == "" {
			dtype = Text
		}
		userFields = append(userFields, Field{Name: f, Dtype: dtype, Nullable: true})
	}

	nodesTable := NodesTable(name, userFields...)
	metadataTable := MetadataTable(name)
	namespaces := baseNamespaces(nodesTable, metadataTable)

	return Model{
		Tree:          name,
		NodesTable:    nodesTable,
		MetadataTable: metadataTable,
		IndexTables:   map[string]Table{},
		Namespaces:    namespaces,
	}, order, nil
}

func baseNamespaces(nodes, metadata Table) map[string]Namespace {
	ns := map[string]Namespace{}
	for _, f := range nodes.Fields {
		ns[f.Name] = Namespace{Field: f.Name, Table: nodes.Name, Index: nodes.Name, Dtype: f.Dtype}
	}
	for _, f := range metadata.Fields {
		if f.Name == "nid" {
			continue
		}
		ns[f.Name] = Namespace{Field: f.Name, Table: metadata.Name, Index: metadata.Name, Dtype: f.Dtype}
	}
	return ns
}

func (b *TreeBuilder) dropExisting(ctx context.Context, model Model) error {
	tables := []string{model.NodesTable.Name, model.MetadataTable.Name}
	for _, req := range b.opts.Indexes {
		if req.Path == "" {
			if _, ok := model.NodesTable.field(req.Field); ok {
				if f, _ := model.NodesTable.field(req.Field); f.Dtype == JSONList {
					tables = append(tables, indexTableName(model.Tree, req.Field))
				}
			}
		}
	}
	for _, tbl := range tables {
		if err := b.engine.Exec(ctx, fmt.Sprintf(dropTableDDL, tbl)); err != nil {
			return storageErrorf(err, "drop table %s", tbl)
		}
	}
	return nil
}

// ingest implements spec §4.5 step 4: each batch is inserted in one
// ExecMany transaction, then a deferred parent→children back-fill pass
// issues one UPDATE per already-stored parent. Returns the discovered root
// id, or "" if the source was empty.
func (b *TreeBuilder) ingest(ctx context.Context, model Model, fieldOrder []string, source RecordSource) (string, error) {
	next, err := source.Records(ctx)
	if err != nil {
		return "", err
	}

	batchSize := b.opts.batchSize()
	var batch []Record
	edgeMap := map[string][]string{}
	rootID := ""

	flush := func() error {
		if err := b.insertBatch(ctx, model, fieldOrder, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return b.backfillSatisfiedParents(ctx, model, edgeMap)
	}

	for {
		rec, ok, err := next()
		if err != nil {
			return "", err
		}
		if !ok {
			break
		}
		id, _ := rec.id()
		if rec["children"] == nil {
			rec["children"] = []string{}
		}
		parentID, hasParent := rec.parent()

		if (!hasParent || parentID == "") && rootID == "" {
			rootID = id
			if err := b.insertOneNode(ctx, model, fieldOrder, rec); err != nil {
				return "", err
			}
			if err := b.insertOneMetadata(ctx, model, id, 0, true, false); err != nil {
				return "", err
			}
			continue
		}
		if (!hasParent || parentID == "") && rootID != "" {
			return "", invariantErrorf("a root already exists: node %q also has no parent", id)
		}

		batch = append(batch, rec)
		edgeMap[parentID] = dedupAppend(edgeMap[parentID], id)

		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return "", err
			}
		}
	}
	if len(batch) > 0 || len(edgeMap) > 0 {
		if err := flush(); err != nil {
			return "", err
		}
	}
	return rootID, nil
}

func (b *TreeBuilder) insertBatch(ctx context.Context, model Model, fieldOrder []string, batch []Record) error {
	if len(batch) == 0 {
		return nil
	}
	cols := append([]string{"id", "parent", "children"}, fieldOrder...)
	rows := make([][]any, 0, len(batch))
	for _, rec := range batch {
		row, err := b.rowValues(model, fieldOrder, rec)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	compiler := NewCompiler(model.NodesTable.Name, model.MetadataTable.Name, model.Namespaces)
	stmt, _ := compiler.CompileInsert(model.NodesTable.Name, cols, nil, b.opts.Conflict)
	return b.engine.ExecMany(ctx, stmt, rows)
}

func (b *TreeBuilder) insertOneNode(ctx context.Context, model Model, fieldOrder []string, rec Record) error {
	row, err := b.rowValues(model, fieldOrder, rec)
	if err != nil {
		return err
	}
	cols := append([]string{"id", "parent", "children"}, fieldOrder...)
	compiler := NewCompiler(model.NodesTable.Name, model.MetadataTable.Name, model.Namespaces)
	stmt, values := compiler.CompileInsert(model.NodesTable.Name, cols, row, b.opts.Conflict)
	return b.engine.Exec(ctx, stmt, values...)
}

// fixRootIsLeaf corrects the root's metadata row once ingest and the
// parent→children back-fill pass have both finished: the root is inserted
// with is_leaf=false up front since its children aren't known until later
// batches land, so a root that ends up with no children at all (spec §8
// "single-record root", invariant §3.2 rule 5) needs one final fixup.
func (b *TreeBuilder) fixRootIsLeaf(ctx context.Context, model Model, rootID string) error {
	raw, found, err := b.rawChildren(ctx, model, rootID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	isLeaf := len(childrenFromRaw(raw)) == 0
	compiler := NewCompiler(model.NodesTable.Name, model.MetadataTable.Name, model.Namespaces)
	stmt, values, err := compiler.CompileUpdate(model.MetadataTable.Name, "nid", rootID, []Setter{{Field: "is_leaf", Value: isLeaf}})
	if err != nil {
		return err
	}
	return b.engine.Exec(ctx, stmt, values...)
}

func (b *TreeBuilder) insertOneMetadata(ctx context.Context, model Model, id string, depth int, isRoot, isLeaf bool) error {
	compiler := NewCompiler(model.NodesTable.Name, model.MetadataTable.Name, model.Namespaces)
	stmt, values := compiler.CompileInsert(model.MetadataTable.Name, []string{"nid", "depth", "is_root", "is_leaf"}, []any{id, depth, isRoot, isLeaf}, ConflictNone)
	return b.engine.Exec(ctx, stmt, values...)
}

func (b *TreeBuilder) rowValues(model Model, fieldOrder []string, rec Record) ([]any, error) {
	id, _ := rec.id()
	parentID, hasParent := rec.parent()
	var parentVal any
	if hasParent && parentID != "" {
		parentVal = parentID
	}
	childrenJSON, err := encodeChildren(rec.children())
	if err != nil {
		return nil, err
	}
	row := []any{id, parentVal, childrenJSON}
	for _, f := range fieldOrder {
		field, _ := model.NodesTable.field(f)
		v := rec[f]
		if (field.Dtype == JSON || field.Dtype == JSONList) && v != nil {
			encoded, err := EncodeJSON(v)
			if err != nil {
				return nil, err
			}
			row = append(row, encoded)
			continue
		}
		row = append(row, v)
	}
	return row, nil
}

// backfillSatisfiedParents merges newly-seen child ids into any parent
// that already exists in the nodes table, using raw JSON text patches via
// sjson instead of a decode-mutate-encode round trip (spec §4.5 step 4,
// SPEC_FULL.md domain stack note on sjson).
func (b *TreeBuilder) backfillSatisfiedParents(ctx context.Context, model Model, edgeMap map[string][]string) error {
	for parentID, childIDs := range edgeMap {
		raw, found, err := b.rawChildren(ctx, model, parentID)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		merged, err := mergeChildrenRaw(raw, childIDs)
		if err != nil {
			return dataModelErrorf("merge children for %q: %v", parentID, err)
		}
		compiler := NewCompiler(model.NodesTable.Name, model.MetadataTable.Name, model.Namespaces)
		stmt, values, err := compiler.CompileUpdate(model.NodesTable.Name, "id", parentID, []Setter{{Field: "children", Value: merged}})
		if err != nil {
			return err
		}
		if err := b.engine.Exec(ctx, stmt, values...); err != nil {
			return err
		}
		delete(edgeMap, parentID)
	}
	return nil
}

func (b *TreeBuilder) rawChildren(ctx context.Context, model Model, id string) (string, bool, error) {
	row := b.engine.db.WithContext(ctx).Raw(
		fmt.Sprintf("SELECT children FROM %s WHERE id = ?", model.NodesTable.Name), id).Row()
	var raw string
	if err := row.Scan(&raw); err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return "", false, nil
		}
		return "", false, storageErrorf(err, "read children for %q", id)
	}
	return raw, true, nil
}

// mergeChildrenRaw appends childIDs not already present into the raw JSON
// array text, preserving order and set semantics, via gjson/sjson instead
// of unmarshalling into a Go slice.
func mergeChildrenRaw(raw string, childIDs []string) (string, error) {
	if raw == "" {
		raw = "[]"
	}
	existing := map[string]bool{}
	gjson.Parse(raw).ForEach(func(_, v gjson.Result) bool {
		existing[v.String()] = true
		return true
	})
	out := raw
	for _, id := range childIDs {
		if existing[id] {
			continue
		}
		merged, err := sjson.Set(out, "-1", id)
		if err != nil {
			return "", err
		}
		out = merged
		existing[id] = true
	}
	return out, nil
}

func childrenFromRaw(raw string) []string {
	res := gjson.Parse(raw).Array()
	out := make([]string, 0, len(res))
	for _, v := range res {
		out = append(out, v.String())
	}
	return out
}

// sweepMetadata implements spec §4.5 step 5: BFS from the root using the
// stored children lists, emitting metadata rows layer by layer with a
// depth counter.
func (b *TreeBuilder) sweepMetadata(ctx context.Context, model Model, rootID string) error {
	frontier := []string{rootID}
	depth := 1
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			raw, found, err := b.rawChildren(ctx, model, id)
			if !found {
				if err != nil {
					return err
				}
				continue
			}
			children := childrenFromRaw(raw)
			for _, childID := range children {
				childRaw, found, err := b.rawChildren(ctx, model, childID)
				if err != nil {
					return err
				}
				isLeaf := true
				if found {
					isLeaf = len(childrenFromRaw(childRaw)) == 0
				}
				if err := b.insertOneMetadata(ctx, model, childID, depth, false, isLeaf); err != nil {
					return err
				}
				next = append(next, childID)
			}
		}
		frontier = next
		depth++
	}
	return nil
}

// installIndexes implements spec §4.5 step 6.
func (b *TreeBuilder) installIndexes(ctx context.Context, model Model) error {
	for _, req := range b.opts.Indexes {
		field, ok := model.NodesTable.field(req.Field)
		if !ok {
			return dataModelErrorf("index requested on unknown field %q", req.Field)
		}
		switch {
		case req.Path == "" && field.Dtype != JSONList:
			if err := b.engine.Exec(ctx, model.NodesTable.CreateIndexDDL(field.Name)); err != nil {
				return storageErrorf(err, "create index on %s", field.Name)
			}
		case req.Path == "" && field.Dtype == JSONList:
			if err := b.installJSONListIndex(ctx, model, field); err != nil {
				return err
			}
		default:
			if err := b.installJSONPathIndex(ctx, model, field, req.Path); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *TreeBuilder) installJSONListIndex(ctx context.Context, model Model, field Field) error {
	idxTable := IndexTable(model.Tree, field.Name, Text)
	if err := b.engine.Exec(ctx, idxTable.CreateDDL()); err != nil {
		return storageErrorf(err, "create index table %s", idxTable.Name)
	}
	backfill := fmt.Sprintf(
		"INSERT INTO %s(nid, %s, elm_idx) SELECT %s.id, j.value, j.key FROM %s, json_each(%s.%s) AS j;",
		idxTable.Name, field.Name, model.NodesTable.Name, model.NodesTable.Name, model.NodesTable.Name, field.Name,
	)
	if err := b.engine.Exec(ctx, backfill); err != nil {
		return storageErrorf(err, "backfill index table %s", idxTable.Name)
	}
	if err := b.engine.Exec(ctx, model.NodesTable.InsertTriggerDDL(idxTable.Name, field.Name)); err != nil {
		return storageErrorf(err, "install insert trigger for %s", field.Name)
	}
	if err := b.engine.Exec(ctx, model.NodesTable.UpdateTriggerDDL(idxTable.Name, field.Name)); err != nil {
		return storageErrorf(err, "install update trigger for %s", field.Name)
	}
	if err := b.engine.Exec(ctx, model.NodesTable.DeleteTriggerDDL(idxTable.Name)); err != nil {
		return storageErrorf(err, "install delete trigger for %s", field.Name)
	}
	model.IndexTables[field.Name] = idxTable
	model.Namespaces[field.Name] = Namespace{Field: field.Name, Table: model.NodesTable.Name, Index: idxTable.Name, Dtype: field.Dtype}
	return nil
}

// installJSONPathIndex validates the path against a sample row with gjson
// before committing to the generated column (SPEC_FULL.md domain stack
// note on gjson).
func (b *TreeBuilder) installJSONPathIndex(ctx context.Context, model Model, field Field, path string) error {
	sample, found, err := b.sampleJSONColumn(ctx, model, field.Name)
	if err != nil {
		return err
	}
	if found && !gjson.Get(sample, path).Exists() {
		return dataModelErrorf("index path %q does not resolve on field %q", path, field.Name)
	}
	if err := b.engine.Exec(ctx, model.NodesTable.CreateExtractColumnDDL(field.Name, path)); err != nil {
		return storageErrorf(err, "add generated column for %s.%s", field.Name, path)
	}
	generated := fmt.Sprintf("%s_%s", field.Name, path)
	if err := b.engine.Exec(ctx, model.NodesTable.CreateIndexDDL(generated)); err != nil {
		return storageErrorf(err, "create index on %s", generated)
	}
	model.Namespaces[generated] = Namespace{Field: generated, Table: model.NodesTable.Name, Index: model.NodesTable.Name, Dtype: Text}
	return nil
}

func (b *TreeBuilder) sampleJSONColumn(ctx context.Context, model Model, field string) (string, bool, error) {
	row := b.engine.db.WithContext(ctx).Raw(
		fmt.Sprintf("SELECT %s FROM %s WHERE %s IS NOT NULL LIMIT 1", field, model.NodesTable.Name, field)).Row()
	var raw string
	if err := row.Scan(&raw); err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return "", false, nil
		}
		return "", false, storageErrorf(err, "sample column %s", field)
	}
	return raw, true, nil
}
