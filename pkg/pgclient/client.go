// Package pgclient wraps a pgxpool.Pool with the Executor/WithTx pattern
// shared by RpcCache, IndexingStore and the Namespace manager, so all three
// write through the same transaction-or-pool indirection instead of each
// growing its own.
package pgclient

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/chainwire/indexcore/pkg/utils"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Executor is implemented by both *pgxpool.Pool and pgx.Tx, letting callers
// write one code path that works inside or outside a transaction.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Client wraps a pgxpool.Pool for one component (rpccache, store, namespace),
// each of which gets its own pool sizing.
type Client struct {
	Logger *zap.Logger
	Pool   *pgxpool.Pool
}

// PoolConfig gives one component its own connection pool sizing.
type PoolConfig struct {
	MinConns        int32
	MaxConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	Component       string
}

// GetPoolConfigForComponent returns deterministic pool settings tuned for
// the calling package's concurrency profile: the store fans out the most
// concurrent writers, rpccache is read-mostly and bursty, namespace
// operations are rare and administrative.
func GetPoolConfigForComponent(component string) *PoolConfig {
	minConns, maxConns := int32(2), int32(20)
	switch component {
	case "store":
		minConns, maxConns = 5, 40
	case "rpccache":
		minConns, maxConns = 3, 25
	case "namespace":
		minConns, maxConns = 1, 5
	}
	return &PoolConfig{
		MinConns:        minConns,
		MaxConns:        maxConns,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
		Component:       component,
	}
}

// connectRetries/connectInitialDelay/connectMaxDelay bound how long New waits
// for Postgres to accept connections before giving up — long enough to ride
// out a container restart alongside the pool it is bringing up, short enough
// that a genuinely misconfigured POSTGRES_URL fails fast in a local run.
const (
	connectRetries      = 10
	connectInitialDelay = 2 * time.Second
	connectMaxDelay     = 60 * time.Second
)

// New connects to Postgres, retrying pool-open-and-ping with jittered
// exponential backoff until connectRetries is exhausted or ctx is done.
func New(ctx context.Context, logger *zap.Logger, poolConfig *PoolConfig) (*Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	if poolConfig == nil {
		poolConfig = GetPoolConfigForComponent("unknown")
	}

	dbURL := utils.Env("POSTGRES_URL", "postgres://localhost:5432/postgres")
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("pgclient: parse POSTGRES_URL: %w", err)
	}
	config.MinConns = poolConfig.MinConns
	config.MaxConns = poolConfig.MaxConns
	config.MaxConnLifetime = poolConfig.ConnMaxLifetime
	config.MaxConnIdleTime = poolConfig.ConnMaxIdleTime

	client := &Client{Logger: logger}
	var lastErr error
	for attempt := 1; attempt <= connectRetries; attempt++ {
		pool, openErr := pgxpool.NewWithConfig(connCtx, config)
		if openErr == nil {
			if pingErr := pool.Ping(connCtx); pingErr != nil {
				pool.Close()
				openErr = pingErr
			}
		}
		if openErr == nil {
			client.Pool = pool
			logger.Info("postgres connection pool configured",
				zap.String("component", poolConfig.Component),
				zap.Int32("min_conns", poolConfig.MinConns),
				zap.Int32("max_conns", poolConfig.MaxConns),
			)
			return client, nil
		}

		lastErr = fmt.Errorf("pgclient: connect to %s: %w", poolConfig.Component, openErr)
		if attempt == connectRetries {
			break
		}

		delay := connectBackoff(attempt)
		logger.Warn("postgres connection attempt failed, retrying",
			zap.String("component", poolConfig.Component),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", connectRetries),
			zap.Duration("retry_in", delay),
			zap.Error(openErr))

		select {
		case <-connCtx.Done():
			return nil, fmt.Errorf("pgclient: connect to %s: %w", poolConfig.Component, connCtx.Err())
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("pgclient: giving up after %d attempts: %w", connectRetries, lastErr)
}

// connectBackoff returns the delay before the given 1-indexed attempt,
// doubling each time from connectInitialDelay up to connectMaxDelay with up
// to 15% jitter in either direction to avoid a thundering herd of
// simultaneously-started components reconnecting in lockstep.
func connectBackoff(attempt int) time.Duration {
	delay := float64(connectInitialDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(connectMaxDelay) {
		delay = float64(connectMaxDelay)
	}
	jitter := (rand.Float64()*0.3 - 0.15) * delay
	return time.Duration(delay + jitter)
}

// NewFromPool wraps an already-open pool, letting tests share a
// testcontainers-backed pool across several Client instances.
func NewFromPool(logger *zap.Logger, pool *pgxpool.Pool) *Client {
	return &Client{Logger: logger, Pool: pool}
}

func (c *Client) Close() {
	c.Pool.Close()
}

type ctxKey string

const txKey ctxKey = "pgx_tx"

// WithTx embeds tx in ctx so a nested GetExecutor call picks it up instead
// of falling back to the pool.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey, tx)
}

// GetExecutor returns the transaction embedded in ctx, or the pool if none.
func (c *Client) GetExecutor(ctx context.Context) Executor {
	if tx, ok := ctx.Value(txKey).(pgx.Tx); ok {
		return tx
	}
	return c.Pool
}

// maxSerializationRetries bounds how many times RunInTx restarts a
// transaction that Postgres aborted with a 40001 serialization failure.
const maxSerializationRetries = 5

// RunInTx runs fn inside a fresh SERIALIZABLE transaction embedded in ctx,
// committing on a nil return and rolling back otherwise. SERIALIZABLE is
// Postgres's strictest isolation level: the database itself may abort a
// transaction with a 40001 error when it detects a conflicting concurrent
// transaction, so RunInTx restarts fn from scratch when that happens.
func (c *Client) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= maxSerializationRetries; attempt++ {
		err = c.runTxOnce(ctx, fn)
		if err == nil || !isSerializationFailure(err) {
			return err
		}
		if attempt == maxSerializationRetries {
			break
		}
		c.Logger.Warn("serializable transaction conflict, retrying",
			zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
	}
	return fmt.Errorf("pgclient: transaction aborted after %d serialization retries: %w", maxSerializationRetries, err)
}

func (c *Client) runTxOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := c.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("pgclient: begin tx: %w", err)
	}
	if err := fn(WithTx(ctx, tx)); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			c.Logger.Warn("transaction rollback failed", zap.Error(rbErr))
		}
		return err
	}
	return tx.Commit(ctx)
}

// isSerializationFailure reports whether err is Postgres's 40001
// could_not_serialize_access error, the signal that a SERIALIZABLE
// transaction must be retried from scratch.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

// IsNoRows reports whether err is pgx's not-found sentinel.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
