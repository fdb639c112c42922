package treestore

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testNamespaces() map[string]Namespace {
	nodes := "t__nodes"
	metadata := "t__metadata"
	aliasIdx := "t__alias"
	return map[string]Namespace{
		"id":       {Field: "id", Table: nodes, Index: nodes, Dtype: Text},
		"parent":   {Field: "parent", Table: nodes, Index: nodes, Dtype: Text},
		"children": {Field: "children", Table: nodes, Index: nodes, Dtype: JSONList},
		"alias":    {Field: "alias", Table: nodes, Index: aliasIdx, Dtype: JSONList},
		"depth":    {Field: "depth", Table: metadata, Index: metadata, Dtype: Integer},
		"is_root":  {Field: "is_root", Table: metadata, Index: metadata, Dtype: Bool},
		"is_leaf":  {Field: "is_leaf", Table: metadata, Index: metadata, Dtype: Bool},
	}
}

func testCompiler() *Compiler {
	return NewCompiler("t__nodes", "t__metadata", testNamespaces())
}

func TestCompileSelectJoinsMetadataByDefault(t *testing.T) {
	c := testCompiler()
	stmt, values, err := c.CompileSelect(Query{Fields: []string{"id"}, Conds: Conditions{Condition{Field: "id", Op: "=", Value: "a"}}})
	if err != nil {
		t.Fatalf("CompileSelect: %v", err)
	}
	if !strings.Contains(stmt, "JOIN t__metadata ON t__nodes.id = t__metadata.nid") {
		t.Errorf("stmt = %q, want a metadata join", stmt)
	}
	if diff := cmp.Diff([]any{"a"}, values); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileSelectAddsIndexJoinOnlyWhenReferenced(t *testing.T) {
	c := testCompiler()
	stmt, _, err := c.CompileSelect(Query{Conds: Conditions{Condition{Field: "alias", Op: "=", Value: "x"}}})
	if err != nil {
		t.Fatalf("CompileSelect: %v", err)
	}
	if !strings.Contains(stmt, "JOIN t__alias ON t__nodes.id = t__alias.nid") {
		t.Errorf("stmt = %q, want an index join for alias", stmt)
	}

	stmt2, _, err := c.CompileSelect(Query{Conds: Conditions{Condition{Field: "id", Op: "=", Value: "a"}}})
	if err != nil {
		t.Fatalf("CompileSelect: %v", err)
	}
	if strings.Contains(stmt2, "t__alias") {
		t.Errorf("stmt = %q, did not expect an alias join when alias is not referenced", stmt2)
	}
}

func TestCompileSelectCompositionalConditions(t *testing.T) {
	c := testCompiler()
	conds := Conditions{
		Conditions{Condition{Field: "depth", Op: "=", Value: 2}},
		"OR",
		Conditions{Condition{Field: "id", Op: "in", Value: []any{"a", "b"}}},
	}
	stmt, values, err := c.CompileSelect(Query{Conds: conds})
	if err != nil {
		t.Fatalf("CompileSelect: %v", err)
	}
	if !strings.Contains(stmt, "(t__metadata.depth = ?) OR (t__nodes.id IN (?, ?))") {
		t.Errorf("stmt = %q, want a parenthesised OR of the two groups", stmt)
	}
	if diff := cmp.Diff([]any{2, "a", "b"}, values); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileSelectOrderAndLimit(t *testing.T) {
	c := testCompiler()
	limit := 5
	stmt, _, err := c.CompileSelect(Query{Order: []string{"depth"}, Axis: Desc, Limit: &limit})
	if err != nil {
		t.Fatalf("CompileSelect: %v", err)
	}
	if !strings.Contains(stmt, "ORDER BY t__metadata.depth DESC") {
		t.Errorf("stmt = %q, want ORDER BY ... DESC", stmt)
	}
	if !strings.Contains(stmt, "LIMIT 5") {
		t.Errorf("stmt = %q, want LIMIT 5", stmt)
	}
}

func TestCompileInsertWithConflictClause(t *testing.T) {
	c := testCompiler()
	stmt, values := c.CompileInsert("t__nodes", []string{"id", "parent"}, []any{"a", "r"}, ConflictIgnore)
	if !strings.HasPrefix(stmt, "INSERT OR IGNORE INTO t__nodes(id, parent) VALUES(?, ?)") {
		t.Errorf("stmt = %q, want an INSERT OR IGNORE", stmt)
	}
	if diff := cmp.Diff([]any{"a", "r"}, values); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileUpdate(t *testing.T) {
	c := testCompiler()
	stmt, values, err := c.CompileUpdate("t__nodes", "id", "a", []Setter{{Field: "title", Value: "x"}})
	if err != nil {
		t.Fatalf("CompileUpdate: %v", err)
	}
	if !strings.Contains(stmt, "UPDATE t__nodes SET title = ? WHERE id = ?") {
		t.Errorf("stmt = %q, want a single-row UPDATE", stmt)
	}
	if diff := cmp.Diff([]any{"x", "a"}, values); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileDeleteRewritesJSONListConditionAsSubquery(t *testing.T) {
	c := testCompiler()
	stmt, values, err := c.CompileDelete(Conditions{Condition{Field: "alias", Op: "=", Value: "p"}})
	if err != nil {
		t.Fatalf("CompileDelete: %v", err)
	}
	if !strings.Contains(stmt, "DELETE FROM t__nodes WHERE id IN (SELECT t__nodes.id FROM t__nodes JOIN t__metadata") {
		t.Errorf("stmt = %q, want a rewritten id-IN-subquery delete", stmt)
	}
	if !strings.Contains(stmt, "JOIN t__alias ON t__nodes.id = t__alias.nid") {
		t.Errorf("stmt = %q, want the alias index table joined", stmt)
	}
	if diff := cmp.Diff([]any{"p"}, values); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileDeleteSimpleConditionSkipsJoin(t *testing.T) {
	c := testCompiler()
	stmt, _, err := c.CompileDelete(Conditions{Condition{Field: "id", Op: "=", Value: "a"}})
	if err != nil {
		t.Fatalf("CompileDelete: %v", err)
	}
	if strings.Contains(stmt, "JOIN") {
		t.Errorf("stmt = %q, a delete on a nodes-table-only field should never join", stmt)
	}
}

func TestCompileSelectUnknownFieldIsQueryError(t *testing.T) {
	c := testCompiler()
	if _, _, err := c.CompileSelect(Query{Fields: []string{"nope"}}); err == nil {
		t.Fatal("expected a query error for an unknown field")
	}
}
