//go:build integration

package store

import (
	"context"
	"math/big"
	"math/rand"
	"sort"
	"testing"

	"github.com/chainwire/indexcore/internal/pgtest"
	"github.com/chainwire/indexcore/pkg/checkpoint"
	"github.com/chainwire/indexcore/pkg/schema"
	"github.com/stretchr/testify/require"
)

// modelEntry is one link of the reference op-log's version chain for a
// single id, built up in lockstep with the real store calls below.
type modelEntry struct {
	from, to string
	supply   int64
	// afterDelete marks a version created after the id's previous version
	// was deleted; the chain has a gap right before it.
	afterDelete bool
}

// supplyAt returns the reference model's answer for findUnique(id, at),
// mirroring the half-open [from, to) interval predicate §4.5 defines
// ("to" == "latest" is the open end).
func supplyAt(model []modelEntry, at string) (int64, bool) {
	for _, e := range model {
		if checkpoint.Compare(e.from, at) <= 0 && (e.to == checkpoint.Latest || checkpoint.Compare(at, e.to) < 0) {
			return e.supply, true
		}
	}
	return 0, false
}

// TestRandomizedOpLogMatchesReferenceModel drives a single id through a
// randomized sequence of create/update/delete/recreate/squash operations and
// checks, after every step, that the persisted version chain matches a
// from-scratch reference reimplementation: at most one "latest" row, a
// chain with no gaps other than the one a delete leaves before a re-create,
// and findUnique agreeing with the model at
// every checkpoint visited (spec §8's property-based invariants).
func TestRandomizedOpLogMatchesReferenceModel(t *testing.T) {
	ctx := context.Background()
	h := pgtest.Start(ctx, t)
	defer h.Stop(ctx)
	st := newTestStore(t, h, ctx)

	rng := rand.New(rand.NewSource(42))
	id := schema.StringValue("0x1")

	var model []modelEntry
	exists := false
	var visited []string

	const steps = 40
	c := uint64(0)
	for step := 1; step <= steps; step++ {
		c++
		cp := encodeCheckpoint(t, c)
		visited = append(visited, cp)

		if !exists {
			supply := int64(step)
			require.NoError(t, st.Create(ctx, "Token", cp, id, schema.Row{"supply": schema.BigIntValue(big.NewInt(supply))}))
			model = append(model, modelEntry{from: cp, to: checkpoint.Latest, supply: supply, afterDelete: len(model) > 0})
			exists = true
		} else {
			switch rng.Intn(3) {
			case 0, 1: // update (branch, since cp is always a fresh checkpoint)
				supply := int64(step * 10)
				require.NoError(t, st.Update(ctx, "Token", cp, id, schema.Row{"supply": schema.BigIntValue(big.NewInt(supply))}))
				model[len(model)-1].to = cp
				model = append(model, modelEntry{from: cp, to: checkpoint.Latest, supply: supply})
			case 2: // delete (tombstone by truncation, since cp != the current version's from)
				ok, err := st.Delete(ctx, "Token", cp, id)
				require.NoError(t, err)
				require.True(t, ok)
				model[len(model)-1].to = cp
				exists = false
			}
		}

		// Occasionally squash: a second update at the SAME checkpoint must
		// collapse into the existing row rather than branching again.
		if exists && rng.Intn(5) == 0 {
			supply := int64(step*10 + 1)
			require.NoError(t, st.Update(ctx, "Token", cp, id, schema.Row{"supply": schema.BigIntValue(big.NewInt(supply))}))
			model[len(model)-1].supply = supply
		}

		assertChainMatchesModel(ctx, t, st, id, model, exists)
	}

	for _, cp := range visited {
		wantSupply, wantOK := supplyAt(model, cp)
		row, ok, err := st.FindUnique(ctx, "Token", id, cp)
		require.NoError(t, err)
		require.Equal(t, wantOK, ok, "findUnique existence mismatch at checkpoint %s", cp)
		if wantOK {
			require.EqualValues(t, wantSupply, row["supply"].BigInt.Int64(), "findUnique value mismatch at checkpoint %s", cp)
		}
	}

	latestSupply, latestOK := supplyAt(model, checkpoint.Latest)
	row, ok, err := st.FindUnique(ctx, "Token", id, checkpoint.Latest)
	require.NoError(t, err)
	require.Equal(t, latestOK, ok)
	if latestOK {
		require.EqualValues(t, latestSupply, row["supply"].BigInt.Int64())
	}
}

func assertChainMatchesModel(ctx context.Context, t *testing.T, st *Store, id schema.Value, model []modelEntry, wantOpenEnd bool) {
	t.Helper()

	tbl, err := st.table("Token")
	require.NoError(t, err)
	supplyCol := tbl.Columns["supply"]

	rows, err := st.db.GetExecutor(ctx).Query(ctx,
		`SELECT supply, "effectiveFromCheckpoint", "effectiveToCheckpoint" FROM `+st.tableIdent("Token")+` WHERE id = $1`,
		"0x1")
	require.NoError(t, err)
	defer rows.Close()

	type rawRow struct {
		supply string
		from   string
		to     string
	}
	var raw []rawRow
	latestCount := 0
	for rows.Next() {
		dest := scanTargets(3)
		require.NoError(t, rows.Scan(dest...))
		values := derefAll(dest)

		supplyVal, err := schema.DecodeScalar(supplyCol, values[0])
		require.NoError(t, err)
		from, ok := values[1].(string)
		require.True(t, ok, "effectiveFromCheckpoint must scan as string")
		to, ok := values[2].(string)
		require.True(t, ok, "effectiveToCheckpoint must scan as string")

		r := rawRow{supply: supplyVal.BigInt.String(), from: from, to: to}
		raw = append(raw, r)
		if r.to == checkpoint.Latest {
			latestCount++
		}
	}
	require.NoError(t, rows.Err())

	require.LessOrEqual(t, latestCount, 1, "at most one version may have effectiveToCheckpoint = latest")
	if wantOpenEnd {
		require.Equal(t, 1, latestCount, "an existing id must have exactly one open-ended version")
	} else {
		require.Equal(t, 0, latestCount, "a deleted id must have no open-ended version")
	}

	require.Equal(t, len(model), len(raw), "version count must match the reference model")

	sort.Slice(raw, func(i, j int) bool { return checkpoint.Compare(raw[i].from, raw[j].from) < 0 })
	for i, want := range model {
		got := raw[i]
		require.Equal(t, want.from, got.from, "entry %d effectiveFromCheckpoint", i)
		require.Equal(t, want.to, got.to, "entry %d effectiveToCheckpoint", i)
		require.Equal(t, want.supply, mustParseInt64(t, got.supply), "entry %d supply", i)

		if i > 0 && !want.afterDelete {
			require.Equal(t, model[i-1].to, want.from, "version chain must be contiguous with no gaps at entry %d", i)
		}
	}
}

func mustParseInt64(t *testing.T, s string) int64 {
	t.Helper()
	n := new(big.Int)
	_, ok := n.SetString(s, 10)
	require.True(t, ok, "parse numeric column %q", s)
	return n.Int64()
}
