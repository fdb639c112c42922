package treestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	jsoniter "github.com/json-iterator/go"
	sqlitecgo "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EngineOptions configures the underlying SQLite connection. Grounded on
// go-bumbu-closure-tree's New(db, item) constructor shape, generalised
// because SPEC_FULL.md's engine owns DSN composition itself rather than
// taking an already-open *gorm.DB (spec §2, "Engine adapter").
type EngineOptions struct {
	// Database is a file path, or "" for an in-memory database.
	Database string
	// Memory forces `:memory:` with a shared cache even if Database is set,
	// used by tests (spec §7, weetags/engine/engine.py's memory mode).
	Memory bool
	// Params are extra SQLite URI query parameters (e.g. "mode=ro").
	Params map[string]string
	// Logger is passed straight through to gorm.Config (spec §1 ambient
	// stack: logging is a collaborator seam, not an owned subsystem).
	Logger logger.Interface
	// MaxRetries bounds the fixed-count retry on SQLITE_BUSY/SQLITE_LOCKED;
	// zero disables retry (spec §7, "no exponential backoff").
	MaxRetries int
}

func (o EngineOptions) dsn() string {
	if o.Memory || o.Database == "" {
		params := map[string]string{"cache": "shared"}
		for k, v := range o.Params {
			params[k] = v
		}
		return "file::memory:?" + encodeParams(params)
	}
	if len(o.Params) == 0 {
		return o.Database
	}
	return "file:" + o.Database + "?" + encodeParams(o.Params)
}

func encodeParams(params map[string]string) string {
	parts := make([]string, 0, len(params))
	for k, v := range params {
		parts = append(parts, fmt.Sprintf("%s=%s", k, v))
	}
	return strings.Join(parts, "&")
}

// Engine wraps a *gorm.DB and is the only component in the module that
// touches the database: every other component works with SQL text the
// compiler produced and hands it to the Engine (spec §2, "Engine
// adapter"). Grounded on go-bumbu-closure-tree's Tree.db field and New().
type Engine struct {
	db         *gorm.DB
	maxRetries int
}

// Open establishes the connection and returns the ready adapter. Grounded
// on go-bumbu-closure-tree's New(): parse-then-migrate shape, replaced
// here with connect-then-hand-raw-SQL-to-callers since the schema is
// synthesised per tree rather than derived from a Go struct.
func Open(opts EngineOptions) (*Engine, error) {
	return open(opts, sqlite.Open(opts.dsn()))
}

// OpenCgo establishes the connection through the cgo-backed
// mattn/go-sqlite3 driver (spec's ambient stack note on the two
// interchangeable SQLite dialects), for callers that can accept a cgo
// toolchain.
func OpenCgo(opts EngineOptions) (*Engine, error) {
	return open(opts, sqlitecgo.Open(opts.dsn()))
}

func open(opts EngineOptions, dialector gorm.Dialector) (*Engine, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: opts.Logger,
	})
	if err != nil {
		return nil, storageErrorf(err, "open database")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, storageErrorf(err, "unwrap sql.DB")
	}
	if opts.Memory {
		// a single shared-cache in-memory connection must stay open for
		// the process lifetime or SQLite tears the database down.
		sqlDB.SetMaxOpenConns(1)
	}
	return &Engine{db: db, maxRetries: opts.MaxRetries}, nil
}

// Close releases the underlying connection.
func (e *Engine) Close() error {
	sqlDB, err := e.db.DB()
	if err != nil {
		return storageErrorf(err, "unwrap sql.DB")
	}
	return sqlDB.Close()
}

// Exec runs one statement with bounded, backoff-free retry on
// SQLITE_BUSY/SQLITE_LOCKED (spec §7). Single-statement mutations flow
// through here; ExecMany and Transaction apply the same retry to batches
// and multi-statement mutations.
func (e *Engine) Exec(ctx context.Context, stmt string, values ...any) error {
	return e.withRetry(func() error {
		return e.db.WithContext(ctx).Exec(stmt, values...).Error
	})
}

// ExecMany runs stmt once per row in rows inside a single transaction
// (spec §5.2, "batch insert"). Grounded on weetags/trees/tree_builder.py's
// two-pass ingest, which commits one transaction per batch.
func (e *Engine) ExecMany(ctx context.Context, stmt string, rows [][]any) error {
	return e.withRetry(func() error {
		return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, values := range rows {
				if err := tx.Exec(stmt, values...).Error; err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// Transaction runs fn inside one transaction, retrying the whole thing on
// SQLITE_BUSY/SQLITE_LOCKED (spec §4.4, every Add/Update/Delete is one
// transaction).
func (e *Engine) Transaction(ctx context.Context, fn func(tx *Engine) error) error {
	return e.withRetry(func() error {
		return e.db.WithContext(ctx).Transaction(func(txDB *gorm.DB) error {
			return fn(&Engine{db: txDB, maxRetries: 0})
		})
	})
}

// QueryRows runs stmt and decodes each result row into a Record, turning
// declared JSON/JSONLIST columns back into Go values via jsoniter (spec
// §2, "engine adapter decodes rows back into Records").
func (e *Engine) QueryRows(ctx context.Context, stmt string, values []any, jsonFields map[string]bool) ([]Record, error) {
	rows, err := e.db.WithContext(ctx).Raw(stmt, values...).Rows()
	if err != nil {
		return nil, storageErrorf(err, "query")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, storageErrorf(err, "read columns")
	}

	var out []Record
	for rows.Next() {
		scanTargets := make([]any, len(cols))
		values := make([]any, len(cols))
		for i := range scanTargets {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, storageErrorf(err, "scan row")
		}
		rec := Record{}
		for i, col := range cols {
			rec[col] = decodeColumn(col, values[i], jsonFields)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErrorf(err, "iterate rows")
	}
	return out, nil
}

func decodeColumn(name string, v any, jsonFields map[string]bool) any {
	if v == nil {
		return nil
	}
	if jsonFields[name] {
		raw, ok := v.([]byte)
		if !ok {
			if s, ok := v.(string); ok {
				raw = []byte(s)
			} else {
				return v
			}
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			return decoded
		}
		return string(raw)
	}
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// EncodeJSON serialises a children slice or arbitrary JSON-dtype value for
// a bound parameter, mirroring weetags/engine/engine.py's adapt_json.
func EncodeJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", dataModelErrorf("encode json: %v", err)
	}
	return string(raw), nil
}

func (e *Engine) withRetry(fn func() error) error {
	var err error
	attempts := 1
	if e.maxRetries > 0 {
		attempts += e.maxRetries
	}
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isBusyOrLocked(err) {
			for _, kind := range []error{ErrDataModel, ErrInvariantViolation, ErrNotFound, ErrQuery, ErrStorage} {
				if errors.Is(err, kind) {
					return err
				}
			}
			return storageErrorf(err, "exec")
		}
		// fixed-count retry, deliberately no backoff (spec §7).
		time.Sleep(0)
	}
	return storageErrorf(err, "exec: exhausted retries")
}

func isBusyOrLocked(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}
