package treestore

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Every error the store returns wraps exactly one of
// these via errors.Is/errors.As so callers can branch on failure class
// without string matching.
var (
	// ErrDataModel marks a record whose shape conflicts with the inferred
	// or declared model: a dtype mismatch, a missing id, or a missing
	// parent key.
	ErrDataModel = errors.New("data model error")

	// ErrInvariantViolation marks an operation that would break a tree
	// invariant: a second root, deleting the root, a duplicate id on add.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrNotFound marks a read targeting a node id that does not exist in
	// the tree. Update of a missing id is a no-op and does not return it.
	ErrNotFound = errors.New("node not found")

	// ErrQuery marks a malformed query description: an unknown field, a
	// malformed condition list, an invalid axis, an unsupported operator.
	ErrQuery = errors.New("query error")

	// ErrStorage marks a failure surfaced by the underlying engine:
	// integrity violations, I/O errors, or a busy/locked database.
	ErrStorage = errors.New("storage error")
)

func dataModelErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDataModel, fmt.Sprintf(format, args...))
}

func invariantErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

func notFoundErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func queryErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrQuery, fmt.Sprintf(format, args...))
}

func storageErrorf(cause error, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %v", ErrStorage, fmt.Sprintf(format, args...), cause)
}
