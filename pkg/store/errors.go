package store

import (
	"errors"
	"fmt"
)

// NotFoundError is returned by update when no row with
// effectiveToCheckpoint = "latest" exists for the given id. Delete does not
// return it; it reports that case by returning false.
type NotFoundError struct {
	Table string
	ID    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("store: %s: no current version for id %q", e.Table, e.ID)
}

// PastWriteError is returned when a write's checkpoint is older than the
// current version's effectiveFromCheckpoint. It is fatal for the calling
// indexing run: the caller passed a non-monotonic checkpoint.
type PastWriteError struct {
	Table     string
	ID        string
	Attempted string
	Latest    string
}

func (e *PastWriteError) Error() string {
	return fmt.Sprintf("store: %s: id %q: write at checkpoint %s is older than current version's effectiveFromCheckpoint %s",
		e.Table, e.ID, e.Attempted, e.Latest)
}

// SchemaConflictError wraps an enum-check, NOT-NULL, or unknown-column
// failure surfaced verbatim from Postgres or the schema codec.
type SchemaConflictError struct {
	Table string
	Err   error
}

func (e *SchemaConflictError) Error() string {
	return fmt.Sprintf("store: %s: schema conflict: %v", e.Table, e.Err)
}

func (e *SchemaConflictError) Unwrap() error { return e.Err }

// NamespaceCorruptionError signals that ponder_metadata reports no
// namespaces; this is always fatal. namespace.Resolve returns it whenever
// ponder_metadata is empty, without checking whether any tables exist.
type NamespaceCorruptionError struct {
	Detail string
}

func (e *NamespaceCorruptionError) Error() string {
	return fmt.Sprintf("store: namespace corruption: %s", e.Detail)
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsPastWrite(err error) bool {
	var e *PastWriteError
	return errors.As(err, &e)
}

func IsSchemaConflict(err error) bool {
	var e *SchemaConflictError
	return errors.As(err, &e)
}
