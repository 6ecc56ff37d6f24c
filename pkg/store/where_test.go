package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildWhereClauseEmpty(t *testing.T) {
	clause, args, err := buildWhereClause(nil, 1)
	require.NoError(t, err)
	assert.Equal(t, "", clause)
	assert.Nil(t, args)
}

func TestBuildWhereClauseComposesAsAnd(t *testing.T) {
	clause, args, err := buildWhereClause([]Where{
		{Column: "supply", Op: Gte, Value: int64(10)},
		{Column: "status", Op: Eq, Value: "active"},
	}, 3)
	require.NoError(t, err)
	assert.Equal(t, ` AND "supply" >= $3 AND "status" = $4`, clause)
	assert.Equal(t, []any{int64(10), "active"}, args)
}

func TestWhereOpRenders(t *testing.T) {
	cases := []struct {
		op   Op
		want string
	}{
		{Eq, `"c" = $1`},
		{Ne, `"c" != $1`},
		{Gt, `"c" > $1`},
		{Gte, `"c" >= $1`},
		{Lt, `"c" < $1`},
		{Lte, `"c" <= $1`},
		{In, `"c" = ANY($1)`},
		{Contains, `("c")::jsonb @> jsonb_build_array($1)`},
	}
	for _, tc := range cases {
		got, _, err := Where{Column: "c", Op: tc.op, Value: "v"}.sql(1)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestWhereRejectsUnknownOp(t *testing.T) {
	_, _, err := Where{Column: "c", Op: "bogus", Value: "v"}.sql(1)
	assert.Error(t, err)
}

func TestOrderBySQL(t *testing.T) {
	assert.Equal(t, `"a" ASC NULLS FIRST`, OrderBy{Column: "a"}.sql())
	assert.Equal(t, `"a" DESC NULLS LAST`, OrderBy{Column: "a", Desc: true}.sql())
}
