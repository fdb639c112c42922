package treestore

import (
	"fmt"
	"strings"
)

// Field is one column of a synthesised table: a tagged Dtype plus the SQL
// options (primary key, foreign key, nullability, uniqueness) the DDL
// builder renders. Grounded on weetags/engine/schema.py's SimpleSqlField.
type Field struct {
	Name     string
	Dtype    Dtype
	PK       bool
	FK       string // "table.column", empty when none
	Nullable bool
	Unique   bool
}

func (f Field) ddl() string {
	parts := []string{f.Name, f.Dtype.columnType()}
	if !f.Nullable {
		parts = append(parts, "NOT NULL")
	}
	if f.Unique {
		parts = append(parts, "UNIQUE")
	}
	return strings.Join(parts, " ")
}

func (f Field) foreignKeyDDL() string {
	if f.FK == "" {
		return ""
	}
	table, col, ok := strings.Cut(f.FK, ".")
	if !ok {
		return ""
	}
	return fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s(%s) ON DELETE CASCADE", f.Name, table, col)
}

// Table is one synthesised relational table: nodes, metadata, or a
// JSONLIST index table (spec §4.1, §6).
type Table struct {
	Name   string
	Fields []Field
}

func (t Table) field(name string) (Field, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func (t Table) fieldNames() []string {
	names := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		names[i] = f.Name
	}
	return names
}

// CreateDDL renders `CREATE TABLE IF NOT EXISTS <name> (...)`, primary key
// clause and foreign keys included (spec §4.1).
func (t Table) CreateDDL() string {
	var cols, pk, fks []string
	for _, f := range t.Fields {
		cols = append(cols, f.ddl())
		if f.PK {
			pk = append(pk, f.Name)
		}
		if fk := f.foreignKeyDDL(); fk != "" {
			fks = append(fks, fk)
		}
	}
	clauses := append([]string{}, cols...)
	if len(pk) > 0 {
		clauses = append(clauses, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(pk, ", ")))
	}
	clauses = append(clauses, fks...)
	return fmt.Sprintf(createTableDDL, t.Name, strings.Join(clauses, ", "))
}

// CreateIndexDDL renders a plain B-tree index on one column (spec §4.1,
// scalar index fields and generated JSON-path columns alike).
func (t Table) CreateIndexDDL(field string) string {
	return fmt.Sprintf(createIndexDDL, t.Name, field, t.Name, field)
}

// CreateExtractColumnDDL adds a generated column holding
// `json_extract(field, "$.path")` (spec §4.1, JSON-object field indexed at
// a path).
func (t Table) CreateExtractColumnDDL(field, path string) string {
	target := fmt.Sprintf("%s_%s", field, path)
	return fmt.Sprintf(createExtractColumnDDL, t.Name, target, field, path)
}

// InsertTriggerDDL installs the AFTER INSERT trigger that expands a
// JSONLIST column into `(nid, elm_idx, value)` rows in the index table
// (spec §4.1).
func (t Table) InsertTriggerDDL(indexTable, field string) string {
	body := fmt.Sprintf(jsonlistExpandDML, indexTable, field, field)
	return fmt.Sprintf(createInsertTriggerDDL, indexTable, t.Name, body)
}

// UpdateTriggerDDL installs the AFTER UPDATE OF <field> trigger that
// deletes and reinserts the index table rows for the changed node.
func (t Table) UpdateTriggerDDL(indexTable, field string) string {
	body := fmt.Sprintf(jsonlistReplaceDML, indexTable, indexTable, field, field)
	return fmt.Sprintf(createUpdateTriggerDDL, indexTable, field, t.Name, body)
}

// DeleteTriggerDDL installs the AFTER DELETE trigger that removes the
// index table rows for the deleted node (belt-and-braces alongside the ON
// DELETE CASCADE foreign key, spec §4.1).
func (t Table) DeleteTriggerDDL(indexTable string) string {
	return fmt.Sprintf(createDeleteTriggerDDL, indexTable, t.Name, indexTable)
}

// NodesTable synthesises `<tree>__nodes`: id/parent/children plus the
// caller's user fields (spec §4.1).
func NodesTable(tree string, userFields ...Field) Table {
	fields := []Field{
		{Name: "id", Dtype: Text, PK: true, Nullable: false},
		{Name: "parent", Dtype: Text, Nullable: true},
		{Name: "children", Dtype: JSONList, Nullable: false},
	}
	fields = append(fields, userFields...)
	return Table{Name: nodesTableName(tree), Fields: fields}
}

// MetadataTable synthesises `<tree>__metadata` (spec §4.1).
func MetadataTable(tree string) Table {
	return Table{
		Name: metadataTableName(tree),
		Fields: []Field{
			{Name: "nid", Dtype: Text, PK: true, Nullable: false, FK: nodesTableName(tree) + ".id"},
			{Name: "depth", Dtype: Integer, Nullable: false},
			{Name: "is_root", Dtype: Bool, Nullable: false},
			{Name: "is_leaf", Dtype: Bool, Nullable: false},
		},
	}
}

// IndexTable synthesises `<tree>__<field>` for a JSONLIST index field
// (spec §3.1, "Index row").
func IndexTable(tree, field string, elemDtype Dtype) Table {
	return Table{
		Name: indexTableName(tree, field),
		Fields: []Field{
			{Name: "nid", Dtype: Text, PK: true, Nullable: false, FK: nodesTableName(tree) + ".id"},
			{Name: field, Dtype: elemDtype, PK: true, Nullable: false},
			{Name: "elm_idx", Dtype: Integer, Nullable: false},
		},
	}
}

func nodesTableName(tree string) string    { return tree + "__nodes" }
func metadataTableName(tree string) string { return tree + "__metadata" }
func indexTableName(tree, field string) string {
	return tree + "__" + field
}

// Namespace is the compile-time descriptor the query compiler consults to
// decide select/join/where forms (spec §3.1, §4.3).
type Namespace struct {
	Field string
	Table string // table that physically stores the column
	Index string // table to join on to reach it (== Table for non-JSONLIST fields)
	Dtype Dtype
}

// Joinable reports whether reaching this field requires a JOIN beyond the
// nodes table (spec §4.3 rule 2).
func (n Namespace) Joinable(nodesTable string) bool {
	return n.Index != nodesTable
}

func (n Namespace) Select() string {
	return fmt.Sprintf("%s.%s", n.Table, n.Field)
}

func (n Namespace) Join(nodesTable string) string {
	return fmt.Sprintf(joinClauseDDL, n.Index, nodesTable, n.Index)
}

const (
	createTableDDL         = "CREATE TABLE IF NOT EXISTS %s (%s);"
	createIndexDDL         = "CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s(%s);"
	createExtractColumnDDL = `ALTER TABLE %s ADD COLUMN %s TEXT AS (json_extract(%s, '$.%s'));`
	joinClauseDDL          = "JOIN %s ON %s.id = %s.nid"

	jsonlistExpandDML = `INSERT INTO %s(nid, %s, elm_idx)
SELECT NEW.id, j.value, j.key FROM json_each(NEW.%s) AS j;`

	jsonlistReplaceDML = `DELETE FROM %s WHERE nid = OLD.id;
INSERT INTO %s(nid, %s, elm_idx)
SELECT NEW.id, j.value, j.key FROM json_each(NEW.%s) AS j;`

	createInsertTriggerDDL = `CREATE TRIGGER IF NOT EXISTS %[1]s_insert_trigger AFTER INSERT ON %[2]s BEGIN
%[3]s
END;`
	createUpdateTriggerDDL = `CREATE TRIGGER IF NOT EXISTS %[1]s_update_trigger AFTER UPDATE OF %[2]s ON %[3]s BEGIN
%[4]s
END;`
	createDeleteTriggerDDL = `CREATE TRIGGER IF NOT EXISTS %[1]s_delete_trigger AFTER DELETE ON %[2]s BEGIN
DELETE FROM %[3]s WHERE nid = OLD.id;
END;`
)

const dropTableDDL = "DROP TABLE IF EXISTS %s;"
