//go:build integration

package revert

import (
	"context"
	"math/big"
	"testing"

	"github.com/chainwire/indexcore/internal/pgtest"
	"github.com/chainwire/indexcore/pkg/checkpoint"
	"github.com/chainwire/indexcore/pkg/metrics"
	"github.com/chainwire/indexcore/pkg/schema"
	"github.com/chainwire/indexcore/pkg/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func tokenSchema() *schema.Schema {
	s := schema.New()
	s.AddTable("Token", map[string]schema.Column{
		"id":     {Kind: schema.KindScalar, Scalar: schema.String},
		"supply": {Kind: schema.KindScalar, Scalar: schema.BigInt},
	}, []string{"id", "supply"})
	return s
}

func cp(bn uint64) string {
	return checkpoint.Encode(checkpoint.Checkpoint{BlockNumber: bn, BlockTimestamp: bn})
}

func supplyAtLatest(t *testing.T, ctx context.Context, st *store.Store, id schema.Value) int64 {
	t.Helper()
	row, ok, err := st.FindUnique(ctx, "Token", id, checkpoint.Latest)
	require.NoError(t, err)
	require.True(t, ok)
	return row["supply"].BigInt.Int64()
}

func TestRevertReopensTruncatedVersion(t *testing.T) {
	ctx := context.Background()
	h := pgtest.Start(ctx, t)
	defer h.Stop(ctx)
	db, cleanup := h.FreshSchema(ctx, t, "revert")
	defer cleanup()

	logger := zaptest.NewLogger(t)
	sch := tokenSchema()
	st := store.New(logger, db, sch, "ponder_revert_test", metrics.Noop{})
	require.NoError(t, st.EnsureSchema(ctx))

	id := schema.StringValue("0x1")
	c1, c2, c3 := cp(1), cp(2), cp(3)

	require.NoError(t, st.Create(ctx, "Token", c1, id, schema.Row{"supply": schema.BigIntValue(big.NewInt(0))}))
	require.NoError(t, st.Update(ctx, "Token", c2, id, schema.Row{"supply": schema.BigIntValue(big.NewInt(100))}))
	require.NoError(t, st.Update(ctx, "Token", c3, id, schema.Row{"supply": schema.BigIntValue(big.NewInt(200))}))
	require.EqualValues(t, 200, supplyAtLatest(t, ctx, st, id))

	rc := New(logger, db, sch, "ponder_revert_test")
	require.NoError(t, rc.Revert(ctx, c3))
	require.EqualValues(t, 100, supplyAtLatest(t, ctx, st, id), "reverting the c3 write must reopen the c2 version")

	require.NoError(t, rc.Revert(ctx, c3), "repeating the same revert must be a no-op")
	require.EqualValues(t, 100, supplyAtLatest(t, ctx, st, id))
}

func TestRevertThenReapplyReproducesPreRevertState(t *testing.T) {
	ctx := context.Background()
	h := pgtest.Start(ctx, t)
	defer h.Stop(ctx)
	db, cleanup := h.FreshSchema(ctx, t, "revert")
	defer cleanup()

	logger := zaptest.NewLogger(t)
	sch := tokenSchema()
	st := store.New(logger, db, sch, "ponder_revert_test2", metrics.Noop{})
	require.NoError(t, st.EnsureSchema(ctx))

	id := schema.StringValue("0x1")
	c1, c2, c3 := cp(1), cp(2), cp(3)

	require.NoError(t, st.Create(ctx, "Token", c1, id, schema.Row{"supply": schema.BigIntValue(big.NewInt(0))}))
	require.NoError(t, st.Update(ctx, "Token", c2, id, schema.Row{"supply": schema.BigIntValue(big.NewInt(100))}))
	require.NoError(t, st.Update(ctx, "Token", c3, id, schema.Row{"supply": schema.BigIntValue(big.NewInt(200))}))
	preRevertSupply := supplyAtLatest(t, ctx, st, id)

	rc := New(logger, db, sch, "ponder_revert_test2")
	require.NoError(t, rc.Revert(ctx, c2))
	require.EqualValues(t, 0, supplyAtLatest(t, ctx, st, id), "reverting to c2 must undo both the c2 and c3 writes")

	require.NoError(t, st.Update(ctx, "Token", c2, id, schema.Row{"supply": schema.BigIntValue(big.NewInt(100))}))
	require.NoError(t, st.Update(ctx, "Token", c3, id, schema.Row{"supply": schema.BigIntValue(big.NewInt(200))}))

	require.EqualValues(t, preRevertSupply, supplyAtLatest(t, ctx, st, id))
}

func TestRevertDeletesVersionsCreatedAtOrAfterSafeCheckpoint(t *testing.T) {
	ctx := context.Background()
	h := pgtest.Start(ctx, t)
	defer h.Stop(ctx)
	db, cleanup := h.FreshSchema(ctx, t, "revert")
	defer cleanup()

	logger := zaptest.NewLogger(t)
	sch := tokenSchema()
	st := store.New(logger, db, sch, "ponder_revert_test3", metrics.Noop{})
	require.NoError(t, st.EnsureSchema(ctx))

	c1 := cp(1)
	id := schema.StringValue("0x2")
	require.NoError(t, st.Create(ctx, "Token", c1, id, schema.Row{"supply": schema.BigIntValue(big.NewInt(1))}))

	rc := New(logger, db, sch, "ponder_revert_test3")
	require.NoError(t, rc.Revert(ctx, c1), "a version created exactly at the safe checkpoint must be deleted, not kept")

	_, ok, err := st.FindUnique(ctx, "Token", id, checkpoint.Latest)
	require.NoError(t, err)
	require.False(t, ok)
}
