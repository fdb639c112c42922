package treestore_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm/logger"

	treestore "github.com/bumbu-labs/treestore"
)

// dialect bundles one SQLite backend's constructor, mirroring
// go-bumbu-closure-tree's helper_test.go initDbs/closeDbs split across
// sqlite-no-cgo and sqlite-cgo.
type dialect struct {
	name string
	open func(tmpDir string) (*treestore.Engine, error)
}

var dialects []dialect
var tmpDirs []string

func TestMain(m *testing.M) {
	dialects = []dialect{
		{name: "sqlite-no-cgo", open: openNoCgo},
		{name: "sqlite-cgo", open: openCgo},
	}
	code := m.Run()
	for _, d := range tmpDirs {
		os.RemoveAll(d)
	}
	os.Exit(code)
}

func openNoCgo(tmpDir string) (*treestore.Engine, error) {
	dbFile := filepath.Join(tmpDir, fmt.Sprintf("no_cgo_%s.sqlite", uuid.NewString()))
	return treestore.Open(treestore.EngineOptions{
		Database:   dbFile,
		Logger:     logger.Default.LogMode(logger.Silent),
		MaxRetries: 3,
	})
}

func openCgo(tmpDir string) (*treestore.Engine, error) {
	dbFile := filepath.Join(tmpDir, fmt.Sprintf("cgo_%s.sqlite", uuid.NewString()))
	return treestore.OpenCgo(treestore.EngineOptions{
		Database:   dbFile,
		Logger:     logger.Default.LogMode(logger.Silent),
		MaxRetries: 3,
	})
}

// newEngine opens a fresh file-backed database under a fresh temp dir for
// one dialect, registering cleanup with t.
func newEngine(t *testing.T, d dialect) *treestore.Engine {
	t.Helper()
	dir, err := os.MkdirTemp("", "treestore-test-")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	tmpDirs = append(tmpDirs, dir)
	engine, err := d.open(dir)
	if err != nil {
		t.Fatalf("%s: open: %v", d.name, err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine
}

func forEachDialect(t *testing.T, fn func(t *testing.T, engine *treestore.Engine)) {
	for _, d := range dialects {
		d := d
		t.Run(d.name, func(t *testing.T) {
			fn(t, newEngine(t, d))
		})
	}
}
