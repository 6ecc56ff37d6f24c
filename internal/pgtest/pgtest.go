//go:build integration

// Package pgtest is the shared testcontainers-go Postgres harness for this
// module's integration suites (rpccache, store, namespace, revert), mirroring
// the teacher's tests/integration/setup.go container lifecycle but against
// Postgres instead of ClickHouse.
package pgtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/chainwire/indexcore/pkg/pgclient"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// Harness owns one Postgres container, plus a pgclient.Client wired to it.
type Harness struct {
	Client    *pgclient.Client
	Pool      *pgxpool.Pool
	container *postgres.PostgresContainer
	logger    *zap.Logger
}

// Start launches a fresh Postgres container and connects a pool to it. It
// fails the test (t.Fatalf) when the container cannot be started, e.g.
// where Docker is not available.
func Start(ctx context.Context, t testing.TB) *Harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("indexcore_test"),
		postgres.WithUsername("indexcore"),
		postgres.WithPassword("indexcore"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("pgtest: start postgres container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("pgtest: connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("pgtest: open pool: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		_ = container.Terminate(ctx)
		t.Fatalf("pgtest: ping: %v", err)
	}

	return &Harness{
		Client:    pgclient.NewFromPool(logger, pool),
		Pool:      pool,
		container: container,
		logger:    logger,
	}
}

// Stop tears down the pool and container. Call via defer or TestMain cleanup.
func (h *Harness) Stop(ctx context.Context) {
	h.Pool.Close()
	if err := h.container.Terminate(ctx); err != nil {
		h.logger.Warn("pgtest: terminate container", zap.Error(err))
	}
}

// FreshSchema creates an isolated schema for one test and returns a Client
// backed by its own pool whose connections default to that schema (every
// pooled connection runs AfterConnect, unlike a bare SET search_path on a
// borrowed connection, which would only stick until that connection is
// returned to the pool), plus a cleanup func that closes the pool and drops
// the schema.
func (h *Harness) FreshSchema(ctx context.Context, t testing.TB, name string) (*pgclient.Client, func()) {
	t.Helper()
	schema := fmt.Sprintf("test_%s_%d", name, time.Now().UnixNano())
	if _, err := h.Pool.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA %q`, schema)); err != nil {
		t.Fatalf("pgtest: create schema %s: %v", schema, err)
	}

	connStr := h.Pool.Config().ConnConfig.Copy()
	cfg, err := pgxpool.ParseConfig(connStr.ConnString())
	if err != nil {
		t.Fatalf("pgtest: parse pool config: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, fmt.Sprintf(`SET search_path TO %q`, schema))
		return err
	}
	scopedPool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pgtest: open scoped pool: %v", err)
	}

	cleanup := func() {
		scopedPool.Close()
		_, _ = h.Pool.Exec(context.Background(), fmt.Sprintf(`DROP SCHEMA IF EXISTS %q CASCADE`, schema))
	}
	return pgclient.NewFromPool(h.logger, scopedPool), cleanup
}
