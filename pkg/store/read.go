package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chainwire/indexcore/pkg/checkpoint"
	"github.com/chainwire/indexcore/pkg/pgclient"
	"github.com/chainwire/indexcore/pkg/schema"
)

// FindUnique returns the version of id valid at checkpoint (default
// "latest"): effectiveFromCheckpoint <= checkpoint AND (effectiveToCheckpoint
// > checkpoint OR effectiveToCheckpoint = "latest").
func (s *Store) FindUnique(ctx context.Context, table string, id schema.Value, at string) (schema.Row, bool, error) {
	start := time.Now()
	defer s.observe("findUnique", table, start)

	if at == "" {
		at = checkpoint.Latest
	}
	t, err := s.table(table)
	if err != nil {
		return nil, false, err
	}
	idCol, err := t.IDColumn()
	if err != nil {
		return nil, false, err
	}
	_, idEncoded, err := idString(idCol, id)
	if err != nil {
		return nil, false, &SchemaConflictError{Table: table, Err: err}
	}

	cols := t.NonVirtualColumns()
	quotedCols := make([]string, len(cols))
	for i, c := range cols {
		quotedCols[i] = fmt.Sprintf("%q", c)
	}
	stmt := fmt.Sprintf(
		`SELECT %s FROM %s WHERE %q = $1 AND %q <= $2 AND (%q > $2 OR %q = $3)`,
		strings.Join(quotedCols, ","), s.tableIdent(table),
		schema.ColID, schema.ColEffectiveFrom, schema.ColEffectiveTo, schema.ColEffectiveTo,
	)
	dest := scanTargets(len(cols))
	row := s.db.GetExecutor(ctx).QueryRow(ctx, stmt, idEncoded, at, checkpoint.Latest)
	if err := row.Scan(dest...); err != nil {
		if pgclient.IsNoRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: findUnique: %w", err)
	}
	decoded, err := decodeRow(t, cols, derefAll(dest))
	if err != nil {
		return nil, false, err
	}
	return decoded, true, nil
}

// FindManyOptions configures FindMany. Checkpoint defaults to "latest";
// Skip/Take are validated against the store's max page size.
type FindManyOptions struct {
	Where      []Where
	OrderBy    []OrderBy
	Skip       int
	Take       int
	Checkpoint string
}

// FindMany returns every version matching opts.Where valid at
// opts.Checkpoint, ordered, paginated per opts.Skip/opts.Take.
func (s *Store) FindMany(ctx context.Context, table string, opts FindManyOptions) ([]schema.Row, error) {
	start := time.Now()
	defer s.observe("findMany", table, start)

	at := opts.Checkpoint
	if at == "" {
		at = checkpoint.Latest
	}
	if opts.Take > s.maxPageSize {
		return nil, fmt.Errorf("store: findMany: take %d exceeds max page size %d", opts.Take, s.maxPageSize)
	}
	if opts.Skip > s.maxPageSize {
		return nil, fmt.Errorf("store: findMany: skip %d exceeds max page size %d", opts.Skip, s.maxPageSize)
	}

	t, err := s.table(table)
	if err != nil {
		return nil, err
	}
	cols := t.NonVirtualColumns()
	quotedCols := make([]string, len(cols))
	for i, c := range cols {
		quotedCols[i] = fmt.Sprintf("%q", c)
	}

	whereClause, whereArgs, err := buildWhereClause(opts.Where, 3)
	if err != nil {
		return nil, err
	}

	var orderClause string
	if len(opts.OrderBy) > 0 {
		parts := make([]string, len(opts.OrderBy))
		for i, o := range opts.OrderBy {
			parts[i] = o.sql()
		}
		orderClause = " ORDER BY " + strings.Join(parts, ", ")
	}

	stmt := fmt.Sprintf(
		`SELECT %s FROM %s WHERE %q <= $1 AND (%q > $1 OR %q = $2)%s%s`,
		strings.Join(quotedCols, ","), s.tableIdent(table),
		schema.ColEffectiveFrom, schema.ColEffectiveTo, schema.ColEffectiveTo,
		whereClause, orderClause,
	)
	args := append([]any{at, checkpoint.Latest}, whereArgs...)

	if opts.Take > 0 {
		stmt += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, opts.Take)
	}
	if opts.Skip > 0 {
		stmt += fmt.Sprintf(" OFFSET $%d", len(args)+1)
		args = append(args, opts.Skip)
	}

	rows, err := s.db.GetExecutor(ctx).Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("store: findMany: %w", err)
	}
	defer rows.Close()

	var out []schema.Row
	for rows.Next() {
		dest := scanTargets(len(cols))
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("store: findMany: scan: %w", err)
		}
		decoded, err := decodeRow(t, cols, derefAll(dest))
		if err != nil {
			return nil, err
		}
		out = append(out, decoded)
	}
	return out, rows.Err()
}
