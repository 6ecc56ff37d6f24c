//go:build integration

package rpccache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/chainwire/indexcore/internal/pgtest"
	"github.com/chainwire/indexcore/pkg/rpctransport"
	"github.com/stretchr/testify/require"
)

func TestCallCachesResultAcrossCalls(t *testing.T) {
	ctx := context.Background()
	h := pgtest.Start(ctx, t)
	defer h.Stop(ctx)
	db, cleanup := h.FreshSchema(ctx, t, "rpccache")
	defer cleanup()

	inner := &recordingTransport{}
	c := New(db, inner)
	require.NoError(t, c.EnsureSchema(ctx))

	req := rpctransport.Request{Method: "eth_getBalance", Params: []any{"0xABC", "0x10"}}

	first, err := c.Call(ctx, 1, req)
	require.NoError(t, err)
	require.Equal(t, json.RawMessage(`"0x1"`), first)
	require.Equal(t, 1, inner.calls)

	second, err := c.Call(ctx, 1, req)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, inner.calls, "second call should be served from cache")

	other, err := c.Call(ctx, 1, rpctransport.Request{Method: "eth_getBalance", Params: []any{"0xABC", "0x11"}})
	require.NoError(t, err)
	require.Equal(t, json.RawMessage(`"0x1"`), other)
	require.Equal(t, 2, inner.calls, "different block should miss the cache")
}

func TestCallLatestAndHistoricalDoNotCollide(t *testing.T) {
	ctx := context.Background()
	h := pgtest.Start(ctx, t)
	defer h.Stop(ctx)
	db, cleanup := h.FreshSchema(ctx, t, "rpccache")
	defer cleanup()

	inner := &recordingTransport{}
	c := New(db, inner)
	require.NoError(t, c.EnsureSchema(ctx))

	_, err := c.Call(ctx, 1, rpctransport.Request{Method: "eth_getBalance", Params: []any{"0xABC", "latest"}})
	require.NoError(t, err)
	_, err = c.Call(ctx, 1, rpctransport.Request{Method: "eth_getBalance", Params: []any{"0xABC", "0xffffffff"}})
	require.NoError(t, err)
	require.Equal(t, 2, inner.calls, "latest must not collide with a large historical block number")
}

func TestPruneByMaxAgeDeletesOldRowsOnly(t *testing.T) {
	ctx := context.Background()
	h := pgtest.Start(ctx, t)
	defer h.Stop(ctx)
	db, cleanup := h.FreshSchema(ctx, t, "rpccache")
	defer cleanup()

	inner := &recordingTransport{}
	c := New(db, inner)
	require.NoError(t, c.EnsureSchema(ctx))

	_, err := c.Call(ctx, 1, rpctransport.Request{Method: "eth_getBalance", Params: []any{"0xABC", "0x1"}})
	require.NoError(t, err)

	_, err = db.Pool.Exec(ctx, `UPDATE rpc_cache SET cached_at = now() - interval '1 hour'`)
	require.NoError(t, err)

	_, err = c.Call(ctx, 1, rpctransport.Request{Method: "eth_getBalance", Params: []any{"0xABC", "0x2"}})
	require.NoError(t, err)

	result, err := c.Prune(ctx, PruneOptions{MaxAge: 10 * time.Minute})
	require.NoError(t, err)
	require.EqualValues(t, 1, result.RowsDeleted)

	block1, err := normalizeBlock("0x1")
	require.NoError(t, err)
	block2, err := normalizeBlock("0x2")
	require.NoError(t, err)

	_, ok, err := c.lookup(ctx, 1, block1, "balance_0xabc")
	require.NoError(t, err)
	require.False(t, ok, "the aged-out row must be gone")

	_, ok, err = c.lookup(ctx, 1, block2, "balance_0xabc")
	require.NoError(t, err)
	require.True(t, ok, "the fresh row must survive")
}

func TestPruneByMaxRowsKeepsNewestRows(t *testing.T) {
	ctx := context.Background()
	h := pgtest.Start(ctx, t)
	defer h.Stop(ctx)
	db, cleanup := h.FreshSchema(ctx, t, "rpccache")
	defer cleanup()

	inner := &recordingTransport{}
	c := New(db, inner)
	require.NoError(t, c.EnsureSchema(ctx))

	for i := 0; i < 5; i++ {
		_, err := c.Call(ctx, 1, rpctransport.Request{Method: "eth_getCode", Params: []any{"0xABC", hexBlock(i)}})
		require.NoError(t, err)
	}

	result, err := c.Prune(ctx, PruneOptions{MaxRows: 2})
	require.NoError(t, err)
	require.EqualValues(t, 3, result.RowsDeleted)

	var remaining int
	row := db.Pool.QueryRow(ctx, `SELECT count(*) FROM rpc_cache`)
	require.NoError(t, row.Scan(&remaining))
	require.Equal(t, 2, remaining)

	oldest, err := normalizeBlock(hexBlock(0))
	require.NoError(t, err)
	newest, err := normalizeBlock(hexBlock(4))
	require.NoError(t, err)

	_, ok, err := c.lookup(ctx, 1, oldest, "code_0xabc")
	require.NoError(t, err)
	require.False(t, ok, "the oldest row must be pruned")

	_, ok, err = c.lookup(ctx, 1, newest, "code_0xabc")
	require.NoError(t, err)
	require.True(t, ok, "the newest row must survive")
}

func hexBlock(i int) string {
	return "0x" + string(rune('0'+i))
}
