package namespace

import (
	"context"
	"sync/atomic"

	"github.com/chainwire/indexcore/pkg/pgclient"
	"github.com/chainwire/indexcore/pkg/redis"
	"go.uber.org/zap"
)

// Subscriber holds a dedicated Postgres LISTEN connection on PublishedChannel
// and mirrors every notification onto a Redis Pub/Sub channel of the same
// name, so a reader process that only holds a Redis connection (not a live
// Postgres LISTEN session) still observes publishes. It caches the last
// resolved namespace atomically for lock-free reads from query handlers.
type Subscriber struct {
	logger *zap.Logger
	db     *pgclient.Client
	redis  *redis.Client

	cached atomic.Value // Resolved
}

// NewSubscriber builds a Subscriber; call Run in its own goroutine.
func NewSubscriber(logger *zap.Logger, db *pgclient.Client, redisClient *redis.Client) *Subscriber {
	s := &Subscriber{logger: logger, db: db, redis: redisClient}
	s.cached.Store(Resolved{})
	return s
}

// Cached returns the last namespace this subscriber observed via publish
// notification, falling back to Resolve's DB query if nothing has been
// cached yet (e.g. on first startup, before any publish fires while this
// subscriber is listening).
func (s *Subscriber) Cached(ctx context.Context) (Resolved, error) {
	if r, ok := s.cached.Load().(Resolved); ok && r.Namespace != "" {
		return r, nil
	}
	r, err := Resolve(ctx, s.db)
	if err != nil {
		return Resolved{}, err
	}
	s.cached.Store(r)
	return r, nil
}

// Run blocks, listening on PublishedChannel until ctx is cancelled. Each
// notification triggers a fresh Resolve and updates the cache; it also
// re-publishes the raw payload on the Redis mirror channel if a Redis client
// is configured. Intended to run for the lifetime of a reader process.
func (s *Subscriber) Run(ctx context.Context) error {
	conn, err := s.db.Pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+PublishedChannel); err != nil {
		return err
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("namespace: wait for notification failed", zap.Error(err))
			continue
		}

		resolved, err := Resolve(ctx, s.db)
		if err != nil {
			s.logger.Warn("namespace: resolve after notification failed", zap.Error(err))
			continue
		}
		s.cached.Store(resolved)
		s.logger.Info("namespace published", zap.String("namespace", resolved.Namespace))

		if s.redis != nil {
			s.redis.Publish(ctx, PublishedChannel, notification.Payload)
		}
	}
}
