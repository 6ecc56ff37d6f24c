package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chainwire/indexcore/pkg/checkpoint"
	"github.com/chainwire/indexcore/pkg/pgclient"
	"github.com/chainwire/indexcore/pkg/schema"
	"github.com/jackc/pgx/v5"
)

// Create inserts one new current version. It fails with NotFoundError's
// converse — a version with effectiveToCheckpoint = "latest" already
// exists — surfaced as a SchemaConflictError, since spec §4.5 only defines
// NotFound/PastWrite for update, not create; a duplicate create is a schema
// violation of invariant 1 (at most one "latest" per id), not a valid state
// transition.
func (s *Store) Create(ctx context.Context, table string, c string, id schema.Value, data schema.Row) error {
	start := time.Now()
	defer s.observe("create", table, start)

	t, err := s.table(table)
	if err != nil {
		return err
	}
	return s.db.RunInTx(ctx, func(ctx context.Context) error {
		return s.insertNew(ctx, t, table, c, id, data)
	})
}

func (s *Store) insertNew(ctx context.Context, t schema.Table, table string, c string, id schema.Value, data schema.Row) error {
	idCol, err := t.IDColumn()
	if err != nil {
		return err
	}
	idStr, idEncoded, err := idString(idCol, id)
	if err != nil {
		return &SchemaConflictError{Table: table, Err: err}
	}

	exists, err := s.hasLatest(ctx, t, table, idEncoded)
	if err != nil {
		return err
	}
	if exists {
		return &SchemaConflictError{Table: table, Err: fmt.Errorf("id %q already has a current version", idStr)}
	}

	cols := t.NonVirtualColumns()
	values := make([]any, 0, len(cols)+2)
	placeholders := make([]string, 0, len(cols)+2)
	quotedCols := make([]string, 0, len(cols)+2)
	idx := 1
	for _, colName := range cols {
		col := t.Columns[colName]
		var v schema.Value
		if colName == schema.ColID {
			v = id
		} else {
			v = data[colName]
		}
		encoded, err := schema.EncodeScalar(col, v)
		if err != nil {
			return &SchemaConflictError{Table: table, Err: fmt.Errorf("column %q: %w", colName, err)}
		}
		values = append(values, encoded)
		placeholders = append(placeholders, fmt.Sprintf("$%d", idx))
		quotedCols = append(quotedCols, fmt.Sprintf("%q", colName))
		idx++
	}
	quotedCols = append(quotedCols, fmt.Sprintf("%q", schema.ColEffectiveFrom), fmt.Sprintf("%q", schema.ColEffectiveTo))
	placeholders = append(placeholders, fmt.Sprintf("$%d", idx), fmt.Sprintf("$%d", idx+1))
	values = append(values, c, checkpoint.Latest)

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.tableIdent(table), strings.Join(quotedCols, ","), strings.Join(placeholders, ","))
	if _, err := s.db.GetExecutor(ctx).Exec(ctx, stmt, values...); err != nil {
		return &SchemaConflictError{Table: table, Err: err}
	}
	return nil
}

func (s *Store) hasLatest(ctx context.Context, t schema.Table, table string, idEncoded any) (bool, error) {
	row := s.db.GetExecutor(ctx).QueryRow(ctx,
		fmt.Sprintf("SELECT 1 FROM %s WHERE %q = $1 AND %q = $2", s.tableIdent(table), schema.ColID, schema.ColEffectiveTo),
		idEncoded, checkpoint.Latest)
	var one int
	err := row.Scan(&one)
	if pgclient.IsNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: check current version: %w", err)
	}
	return true, nil
}

// CreateManyInput pairs an id with its row data for CreateMany.
type CreateManyInput struct {
	ID   schema.Value
	Data schema.Row
}

// CreateMany chunks rows into batches of at most MaxBatchSize and inserts
// each chunk in its own transaction. Per spec §4.5/§5, this is all-or-nothing
// per chunk but non-atomic across chunks: if chunk 3 of 5 fails, chunks 1-2
// remain committed. The returned slice has one error (nil on success) per
// input row, in input order.
func (s *Store) CreateMany(ctx context.Context, table string, c string, rows []CreateManyInput) ([]error, error) {
	start := time.Now()
	defer s.observe("createMany", table, start)

	t, err := s.table(table)
	if err != nil {
		return nil, err
	}

	results := make([]error, len(rows))
	for chunkStart := 0; chunkStart < len(rows); chunkStart += MaxBatchSize {
		chunkEnd := chunkStart + MaxBatchSize
		if chunkEnd > len(rows) {
			chunkEnd = len(rows)
		}
		chunk := rows[chunkStart:chunkEnd]

		chunkErr := s.db.RunInTx(ctx, func(ctx context.Context) error {
			batch := &pgx.Batch{}
			cols := t.NonVirtualColumns()
			quotedCols := make([]string, 0, len(cols)+2)
			for _, name := range cols {
				quotedCols = append(quotedCols, fmt.Sprintf("%q", name))
			}
			quotedCols = append(quotedCols, fmt.Sprintf("%q", schema.ColEffectiveFrom), fmt.Sprintf("%q", schema.ColEffectiveTo))
			placeholders := make([]string, len(quotedCols))
			for i := range placeholders {
				placeholders[i] = fmt.Sprintf("$%d", i+1)
			}
			stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
				s.tableIdent(table), strings.Join(quotedCols, ","), strings.Join(placeholders, ","))

			for _, in := range chunk {
				values := make([]any, 0, len(cols)+2)
				for _, colName := range cols {
					col := t.Columns[colName]
					var v schema.Value
					if colName == schema.ColID {
						v = in.ID
					} else {
						v = in.Data[colName]
					}
					encoded, err := schema.EncodeScalar(col, v)
					if err != nil {
						return &SchemaConflictError{Table: table, Err: err}
					}
					values = append(values, encoded)
				}
				values = append(values, c, checkpoint.Latest)
				batch.Queue(stmt, values...)
			}

			br := s.db.GetExecutor(ctx).SendBatch(ctx, batch)
			defer br.Close()
			for range chunk {
				if _, err := br.Exec(); err != nil {
					return &SchemaConflictError{Table: table, Err: err}
				}
			}
			return nil
		})
		for i := range chunk {
			results[chunkStart+i] = chunkErr
		}
	}
	return results, nil
}

// currentVersion loads the row with effectiveToCheckpoint = "latest" for id,
// returning its effectiveFromCheckpoint alongside the decoded row.
func (s *Store) currentVersion(ctx context.Context, t schema.Table, table string, idEncoded any) (schema.Row, string, error) {
	cols := t.NonVirtualColumns()
	quotedCols := make([]string, len(cols))
	for i, c := range cols {
		quotedCols[i] = fmt.Sprintf("%q", c)
	}
	stmt := fmt.Sprintf("SELECT %s, %q FROM %s WHERE %q = $1 AND %q = $2",
		strings.Join(quotedCols, ","), schema.ColEffectiveFrom, s.tableIdent(table), schema.ColID, schema.ColEffectiveTo)

	dest := scanTargets(len(cols) + 1)
	row := s.db.GetExecutor(ctx).QueryRow(ctx, stmt, idEncoded, checkpoint.Latest)
	if err := row.Scan(dest...); err != nil {
		if pgclient.IsNoRows(err) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("store: load current version: %w", err)
	}
	values := derefAll(dest)
	decoded, err := decodeRow(t, cols, values[:len(cols)])
	if err != nil {
		return nil, "", err
	}
	from, _ := values[len(cols)].(string)
	return decoded, from, nil
}

func decodeRow(t schema.Table, cols []string, raw []any) (schema.Row, error) {
	row := make(schema.Row, len(cols))
	for i, name := range cols {
		v, err := schema.DecodeScalar(t.Columns[name], raw[i])
		if err != nil {
			return nil, fmt.Errorf("store: decode column %q: %w", name, err)
		}
		row[name] = v
	}
	return row, nil
}

func mergeRow(current schema.Row, patch schema.Row) schema.Row {
	merged := make(schema.Row, len(current))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}

// Update applies patch to id's current version, per the squash/branch rule.
// The patch is a partial row; fields absent from patch keep their current
// value.
func (s *Store) Update(ctx context.Context, table string, c string, id schema.Value, patch schema.Row) error {
	return s.updateInternal(ctx, table, c, id, func(schema.Row) (schema.Row, error) { return patch, nil })
}

// UpdateFunc is Update's function-patch form: fn receives the deserialized
// current row and returns the patch to apply.
func (s *Store) UpdateFunc(ctx context.Context, table string, c string, id schema.Value, fn func(current schema.Row) (schema.Row, error)) error {
	return s.updateInternal(ctx, table, c, id, fn)
}

func (s *Store) updateInternal(ctx context.Context, table string, c string, id schema.Value, patchFn func(schema.Row) (schema.Row, error)) error {
	start := time.Now()
	defer s.observe("update", table, start)

	t, err := s.table(table)
	if err != nil {
		return err
	}
	return s.db.RunInTx(ctx, func(ctx context.Context) error {
		return s.applyUpdate(ctx, t, table, c, id, patchFn)
	})
}

func (s *Store) applyUpdate(ctx context.Context, t schema.Table, table string, c string, id schema.Value, patchFn func(schema.Row) (schema.Row, error)) error {
	idCol, err := t.IDColumn()
	if err != nil {
		return err
	}
	idStr, idEncoded, err := idString(idCol, id)
	if err != nil {
		return &SchemaConflictError{Table: table, Err: err}
	}

	current, from, err := s.currentVersion(ctx, t, table, idEncoded)
	if err != nil {
		return err
	}
	if current == nil {
		return &NotFoundError{Table: table, ID: idStr}
	}
	if checkpoint.Compare(from, c) > 0 {
		return &PastWriteError{Table: table, ID: idStr, Attempted: c, Latest: from}
	}

	patch, err := patchFn(current)
	if err != nil {
		return fmt.Errorf("store: patch function: %w", err)
	}
	merged := mergeRow(current, patch)

	if from == c {
		return s.squashUpdate(ctx, t, table, idEncoded, merged)
	}
	return s.branchUpdate(ctx, t, table, c, id, idEncoded, merged)
}

func (s *Store) squashUpdate(ctx context.Context, t schema.Table, table string, idEncoded any, merged schema.Row) error {
	cols := t.NonVirtualColumns()
	sets := make([]string, 0, len(cols))
	values := make([]any, 0, len(cols)+2)
	idx := 1
	for _, colName := range cols {
		if colName == schema.ColID {
			continue
		}
		col := t.Columns[colName]
		encoded, err := schema.EncodeScalar(col, merged[colName])
		if err != nil {
			return &SchemaConflictError{Table: table, Err: fmt.Errorf("column %q: %w", colName, err)}
		}
		sets = append(sets, fmt.Sprintf("%q = $%d", colName, idx))
		values = append(values, encoded)
		idx++
	}
	values = append(values, idEncoded, checkpoint.Latest)
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %q = $%d AND %q = $%d",
		s.tableIdent(table), strings.Join(sets, ","), schema.ColID, idx, schema.ColEffectiveTo, idx+1)
	if _, err := s.db.GetExecutor(ctx).Exec(ctx, stmt, values...); err != nil {
		return &SchemaConflictError{Table: table, Err: err}
	}
	return nil
}

func (s *Store) branchUpdate(ctx context.Context, t schema.Table, table string, c string, id schema.Value, idEncoded any, merged schema.Row) error {
	closeStmt := fmt.Sprintf("UPDATE %s SET %q = $1 WHERE %q = $2 AND %q = $3",
		s.tableIdent(table), schema.ColEffectiveTo, schema.ColID, schema.ColEffectiveTo)
	if _, err := s.db.GetExecutor(ctx).Exec(ctx, closeStmt, c, idEncoded, checkpoint.Latest); err != nil {
		return &SchemaConflictError{Table: table, Err: err}
	}
	return s.insertNew(ctx, t, table, c, id, merged)
}

// UpdateMany applies the single-row update rule to every current version
// matching where, inside one transaction. Application order is unspecified.
func (s *Store) UpdateMany(ctx context.Context, table string, c string, where []Where, patch schema.Row) error {
	start := time.Now()
	defer s.observe("updateMany", table, start)

	t, err := s.table(table)
	if err != nil {
		return err
	}
	idCol, err := t.IDColumn()
	if err != nil {
		return err
	}

	return s.db.RunInTx(ctx, func(ctx context.Context) error {
		ids, err := s.matchingCurrentIDs(ctx, table, where)
		if err != nil {
			return err
		}
		for _, idEncoded := range ids {
			id, err := schema.DecodeScalar(idCol, idEncoded)
			if err != nil {
				return &SchemaConflictError{Table: table, Err: err}
			}
			if err := s.applyUpdate(ctx, t, table, c, id, func(schema.Row) (schema.Row, error) { return patch, nil }); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) matchingCurrentIDs(ctx context.Context, table string, where []Where) ([]any, error) {
	clause, args, err := buildWhereClause(where, 2)
	if err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf("SELECT %q FROM %s WHERE %q = $1%s", schema.ColID, s.tableIdent(table), schema.ColEffectiveTo, clause)
	fullArgs := append([]any{checkpoint.Latest}, args...)
	rows, err := s.db.GetExecutor(ctx).Query(ctx, stmt, fullArgs...)
	if err != nil {
		return nil, fmt.Errorf("store: matching ids: %w", err)
	}
	defer rows.Close()
	var ids []any
	for rows.Next() {
		var id any
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Upsert runs update's patch rule if id has a current version, otherwise
// create with createData.
func (s *Store) Upsert(ctx context.Context, table string, c string, id schema.Value, createData schema.Row, updatePatch schema.Row) error {
	return s.upsertInternal(ctx, table, c, id, createData, func(schema.Row) (schema.Row, error) { return updatePatch, nil })
}

// UpsertFunc is Upsert's function-patch form.
func (s *Store) UpsertFunc(ctx context.Context, table string, c string, id schema.Value, createData schema.Row, updateFn func(current schema.Row) (schema.Row, error)) error {
	return s.upsertInternal(ctx, table, c, id, createData, updateFn)
}

func (s *Store) upsertInternal(ctx context.Context, table string, c string, id schema.Value, createData schema.Row, updateFn func(schema.Row) (schema.Row, error)) error {
	start := time.Now()
	defer s.observe("upsert", table, start)

	t, err := s.table(table)
	if err != nil {
		return err
	}
	idCol, err := t.IDColumn()
	if err != nil {
		return err
	}
	return s.db.RunInTx(ctx, func(ctx context.Context) error {
		_, idEncoded, err := idString(idCol, id)
		if err != nil {
			return &SchemaConflictError{Table: table, Err: err}
		}
		exists, err := s.hasLatest(ctx, t, table, idEncoded)
		if err != nil {
			return err
		}
		if !exists {
			return s.insertNew(ctx, t, table, c, id, createData)
		}
		return s.applyUpdate(ctx, t, table, c, id, updateFn)
	})
}

// Delete implements spec §4.5's delete: first try removing a same-checkpoint
// creation outright, then fall back to truncating validity. It returns true
// iff either step affected a row.
func (s *Store) Delete(ctx context.Context, table string, c string, id schema.Value) (bool, error) {
	start := time.Now()
	defer s.observe("delete", table, start)

	t, err := s.table(table)
	if err != nil {
		return false, err
	}
	idCol, err := t.IDColumn()
	if err != nil {
		return false, err
	}
	_, idEncoded, err := idString(idCol, id)
	if err != nil {
		return false, &SchemaConflictError{Table: table, Err: err}
	}

	var deleted bool
	err = s.db.RunInTx(ctx, func(ctx context.Context) error {
		deleteStmt := fmt.Sprintf("DELETE FROM %s WHERE %q = $1 AND %q = $2 AND %q = $3",
			s.tableIdent(table), schema.ColID, schema.ColEffectiveFrom, schema.ColEffectiveTo)
		tag, err := s.db.GetExecutor(ctx).Exec(ctx, deleteStmt, idEncoded, c, checkpoint.Latest)
		if err != nil {
			return &SchemaConflictError{Table: table, Err: err}
		}
		if tag.RowsAffected() > 0 {
			deleted = true
			return nil
		}

		tombstoneStmt := fmt.Sprintf("UPDATE %s SET %q = $1 WHERE %q = $2 AND %q = $3",
			s.tableIdent(table), schema.ColEffectiveTo, schema.ColID, schema.ColEffectiveTo)
		tag, err = s.db.GetExecutor(ctx).Exec(ctx, tombstoneStmt, c, idEncoded, checkpoint.Latest)
		if err != nil {
			return &SchemaConflictError{Table: table, Err: err}
		}
		deleted = tag.RowsAffected() > 0
		return nil
	})
	return deleted, err
}
