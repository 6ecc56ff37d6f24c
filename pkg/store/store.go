// Package store implements the bitemporal IndexingStore (spec C5): versioned
// CRUD over user-declared tables, keyed by checkpoint intervals, with the
// squash/branch/delete semantics spec §4.5 requires. Every mutating method
// runs inside one serializable Postgres transaction; findMany/findUnique run
// against the caller's ambient executor (pool or transaction) via pkg/pgclient.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/chainwire/indexcore/pkg/metrics"
	"github.com/chainwire/indexcore/pkg/pgclient"
	"github.com/chainwire/indexcore/pkg/schema"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// MaxBatchSize bounds a single createMany chunk, per spec §4.5.
const MaxBatchSize = 1000

// DefaultMaxPageSize is the ceiling findMany enforces on skip/take when the
// caller does not configure one explicitly.
const DefaultMaxPageSize = 1000

// Store is the bitemporal IndexingStore for one namespace (Postgres schema).
type Store struct {
	logger      *zap.Logger
	db          *pgclient.Client
	schema      *schema.Schema
	namespace   string
	metrics     metrics.Collector
	maxPageSize int
}

// New builds a Store scoped to one namespace/schema. sch must already have
// passed schema.Schema.Validate.
func New(logger *zap.Logger, db *pgclient.Client, sch *schema.Schema, namespace string, collector metrics.Collector) *Store {
	if collector == nil {
		collector = metrics.Noop{}
	}
	return &Store{
		logger:      logger,
		db:          db,
		schema:      sch,
		namespace:   namespace,
		metrics:     collector,
		maxPageSize: DefaultMaxPageSize,
	}
}

// WithMaxPageSize overrides the default findMany skip/take ceiling.
func (s *Store) WithMaxPageSize(n int) *Store {
	s.maxPageSize = n
	return s
}

func (s *Store) tableIdent(table string) string {
	return pgx.Identifier{s.namespace, table + "_versioned"}.Sanitize()
}

func (s *Store) table(table string) (schema.Table, error) {
	t, ok := s.schema.Tables[table]
	if !ok {
		return schema.Table{}, fmt.Errorf("store: unknown table %q", table)
	}
	return t, nil
}

func (s *Store) observe(method, table string, start time.Time) {
	s.metrics.ObserveStoreMethodDuration(method, table, time.Since(start).Seconds())
}

// EnsureSchema creates every table declared in s.schema under s.namespace,
// dropping and recreating it (matching the namespace manager's reload()
// contract of a private, disposable per-run schema).
func (s *Store) EnsureSchema(ctx context.Context) error {
	exec := s.db.GetExecutor(ctx)
	if _, err := exec.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %q", s.namespace)); err != nil {
		return fmt.Errorf("store: create namespace schema: %w", err)
	}
	for name := range s.schema.Tables {
		ddl, err := s.schema.TableDDL(name)
		if err != nil {
			return fmt.Errorf("store: table DDL for %q: %w", name, err)
		}
		stmt := fmt.Sprintf(
			"DROP TABLE IF EXISTS %s;\nCREATE TABLE %s (\n\t%s,\n\tPRIMARY KEY (%q, %q)\n)",
			s.tableIdent(name), s.tableIdent(name), ddl, schema.ColID, schema.ColEffectiveTo,
		)
		if _, err := exec.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: create table %q: %w", name, err)
		}
	}
	return nil
}

// idString renders id (already schema.Value-typed to match the table's id
// column) as the string used in error messages and as the value bound into
// WHERE id = $n once run through schema.EncodeScalar.
func idString(idCol schema.Column, id schema.Value) (string, any, error) {
	encoded, err := schema.EncodeScalar(idCol, id)
	if err != nil {
		return "", nil, fmt.Errorf("store: encode id: %w", err)
	}
	return fmt.Sprintf("%v", encoded), encoded, nil
}

func scanTargets(n int) []any {
	dest := make([]any, n)
	for i := range dest {
		dest[i] = new(any)
	}
	return dest
}

func derefAll(dest []any) []any {
	out := make([]any, len(dest))
	for i, d := range dest {
		out[i] = *(d.(*any))
	}
	return out
}
