package treestore_test

import (
	"context"
	"fmt"

	treestore "github.com/bumbu-labs/treestore"
	"gorm.io/gorm/logger"
)

func ExampleTreeBuilder_Build() {
	ctx := context.Background()
	engine, err := treestore.Open(treestore.EngineOptions{Memory: true, Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		fmt.Println("open:", err)
		return
	}
	defer engine.Close()

	source := treestore.SliceSource{
		{"id": "r", "parent": nil},
		{"id": "a", "parent": "r"},
		{"id": "b", "parent": "r"},
		{"id": "c", "parent": "a"},
	}
	builder := treestore.NewTreeBuilder(engine, treestore.BuilderOptions{})
	tree, err := builder.Build(ctx, "example", source)
	if err != nil {
		fmt.Println("build:", err)
		return
	}

	children, err := tree.Children(ctx, "r", []string{"id"})
	if err != nil {
		fmt.Println("children:", err)
		return
	}
	for _, c := range children {
		fmt.Println(c["id"])
	}

	c, err := tree.Node(ctx, "c", []string{"id", "depth"})
	if err != nil {
		fmt.Println("node:", err)
		return
	}
	fmt.Println("depth(c) =", c["depth"])

	// Output:
	// a
	// b
	// depth(c) = 2
}

func ExampleTree_Path() {
	ctx := context.Background()
	engine, err := treestore.Open(treestore.EngineOptions{Memory: true, Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		fmt.Println("open:", err)
		return
	}
	defer engine.Close()

	source := treestore.SliceSource{
		{"id": "r", "parent": nil},
		{"id": "a", "parent": "r"},
		{"id": "b", "parent": "r"},
		{"id": "c", "parent": "a"},
	}
	builder := treestore.NewTreeBuilder(engine, treestore.BuilderOptions{})
	tree, err := builder.Build(ctx, "pathexample", source)
	if err != nil {
		fmt.Println("build:", err)
		return
	}

	path, err := tree.Path(ctx, "c", "b", []string{"id"})
	if err != nil {
		fmt.Println("path:", err)
		return
	}
	for _, n := range path {
		fmt.Println(n["id"])
	}

	// Output:
	// c
	// a
	// r
	// b
}
