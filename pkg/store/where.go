package store

import (
	"fmt"
	"strings"
)

// Op is a where-clause comparison operator. The set goes beyond spec §4.5's
// unspecified "where" (see SPEC_FULL.md §C.1): eq/ne/gt/gte/lt/lte/in/contains,
// composed per-column as an implicit AND, matching the "no query planner
// beyond simple where/orderBy/paging" ceiling.
type Op string

const (
	Eq       Op = "eq"
	Ne       Op = "ne"
	Gt       Op = "gt"
	Gte      Op = "gte"
	Lt       Op = "lt"
	Lte      Op = "lte"
	In       Op = "in"
	Contains Op = "contains" // list columns only: array contains value
)

// Where is one column predicate. Value holds the encoded scalar (or, for In,
// a []any of encoded scalars) ready to bind as a query argument.
type Where struct {
	Column string
	Op     Op
	Value  any
}

func (w Where) sql(paramIdx int) (string, any, error) {
	switch w.Op {
	case Eq:
		return fmt.Sprintf("%q = $%d", w.Column, paramIdx), w.Value, nil
	case Ne:
		return fmt.Sprintf("%q != $%d", w.Column, paramIdx), w.Value, nil
	case Gt:
		return fmt.Sprintf("%q > $%d", w.Column, paramIdx), w.Value, nil
	case Gte:
		return fmt.Sprintf("%q >= $%d", w.Column, paramIdx), w.Value, nil
	case Lt:
		return fmt.Sprintf("%q < $%d", w.Column, paramIdx), w.Value, nil
	case Lte:
		return fmt.Sprintf("%q <= $%d", w.Column, paramIdx), w.Value, nil
	case In:
		return fmt.Sprintf("%q = ANY($%d)", w.Column, paramIdx), w.Value, nil
	case Contains:
		// List columns are stored as JSON-array text (schema.encodeList), so a
		// LIKE substring match would also match e.g. "12" while searching for
		// "1". Casting to jsonb and using containment against a one-element
		// array checks for an exact element match instead.
		return fmt.Sprintf("(%q)::jsonb @> jsonb_build_array($%d)", w.Column, paramIdx), w.Value, nil
	default:
		return "", nil, fmt.Errorf("store: unknown where operator %q", w.Op)
	}
}

// OrderBy is one sort key. Unspecified direction maps to "asc nulls first"
// and Desc maps to "desc nulls last" per spec §4.5.
type OrderBy struct {
	Column string
	Desc   bool
}

func (o OrderBy) sql() string {
	if o.Desc {
		return fmt.Sprintf("%q DESC NULLS LAST", o.Column)
	}
	return fmt.Sprintf("%q ASC NULLS FIRST", o.Column)
}

// buildWhereClause renders "WHERE c1 op $1 AND c2 op $2 ..." (or "" if
// wheres is empty) plus the ordered argument list, starting parameter
// numbering at startIdx so callers can prepend other positional args.
func buildWhereClause(wheres []Where, startIdx int) (string, []any, error) {
	if len(wheres) == 0 {
		return "", nil, nil
	}
	clauses := make([]string, 0, len(wheres))
	args := make([]any, 0, len(wheres))
	idx := startIdx
	for _, w := range wheres {
		clause, arg, err := w.sql(idx)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, clause)
		args = append(args, arg)
		idx++
	}
	return " AND " + strings.Join(clauses, " AND "), args, nil
}
