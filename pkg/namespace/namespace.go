// Package namespace implements the namespace manager (spec C6): each
// indexing run owns a private Postgres schema, and publish() promotes it to
// the public, reader-visible namespace atomically, retiring every older one.
package namespace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chainwire/indexcore/pkg/pgclient"
	"github.com/chainwire/indexcore/pkg/redis"
	"github.com/chainwire/indexcore/pkg/schema"
	"github.com/chainwire/indexcore/pkg/store"
	"go.uber.org/zap"
)

// PublishedChannel is the Postgres NOTIFY channel and mirrored Redis Pub/Sub
// channel name a publish fires on.
const PublishedChannel = "namespace_published"

const metadataTable = "ponder_metadata"

// createMetadataSQL matches spec §6's stable wire DDL for ponder_metadata,
// plus an additive created_at column (not part of the spec's persisted wire
// shape, but needed to determine "strictly older" namespaces in publish()
// without relying on string ordering of namespace names).
const createMetadataSQL = `
CREATE TABLE IF NOT EXISTS public.` + metadataTable + ` (
	namespace_version TEXT PRIMARY KEY,
	schema JSONB NOT NULL,
	is_published BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const createNotifyTriggerSQL = `
CREATE OR REPLACE FUNCTION public.notify_namespace_published() RETURNS trigger AS $$
BEGIN
	IF NEW.is_published AND NOT OLD.is_published THEN
		PERFORM pg_notify('` + PublishedChannel + `', row_to_json(NEW)::text);
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS namespace_published_trigger ON public.` + metadataTable + `;
CREATE TRIGGER namespace_published_trigger
	AFTER UPDATE ON public.` + metadataTable + `
	FOR EACH ROW
	EXECUTE FUNCTION public.notify_namespace_published();
`

// Manager owns one run's private namespace and the publish lifecycle.
type Manager struct {
	logger    *zap.Logger
	db        *pgclient.Client
	redis     *redis.Client // optional; nil disables the Redis mirror
	schema    *schema.Schema
	namespace string
	store     *store.Store
}

// New picks a fresh, process-unique private namespace name and wires a
// store.Store scoped to it. redisClient may be nil if no Redis mirror is
// wanted (Postgres LISTEN/NOTIFY alone still works).
func New(logger *zap.Logger, db *pgclient.Client, redisClient *redis.Client, sch *schema.Schema) *Manager {
	ns := generateNamespace()
	return &Manager{
		logger:    logger,
		db:        db,
		redis:     redisClient,
		schema:    sch,
		namespace: ns,
		store:     store.New(logger, db, sch, ns, nil),
	}
}

// Namespace returns this run's private schema name.
func (m *Manager) Namespace() string { return m.namespace }

// Store returns the store.Store scoped to this run's private namespace.
func (m *Manager) Store() *store.Store { return m.store }

func generateNamespace() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("ponder_%d_%s", time.Now().UnixNano(), hex.EncodeToString(buf))
}

// Reload creates the private schema if absent, upserts this run's
// ponder_metadata row, installs the publish-notify trigger, and drops and
// recreates every <table>_versioned table in the private schema, per spec
// §4.6's reload(schema?) contract.
func (m *Manager) Reload(ctx context.Context) error {
	exec := m.db.GetExecutor(ctx)
	if _, err := exec.Exec(ctx, createMetadataSQL); err != nil {
		return fmt.Errorf("namespace: ensure ponder_metadata: %w", err)
	}
	if _, err := exec.Exec(ctx, createNotifyTriggerSQL); err != nil {
		return fmt.Errorf("namespace: install publish trigger: %w", err)
	}

	schemaJSON, err := json.Marshal(tableNames(m.schema))
	if err != nil {
		return fmt.Errorf("namespace: marshal schema: %w", err)
	}
	_, err = exec.Exec(ctx,
		`INSERT INTO public.`+metadataTable+` (namespace_version, schema, is_published)
		 VALUES ($1, $2, false)
		 ON CONFLICT (namespace_version) DO UPDATE SET schema = EXCLUDED.schema`,
		m.namespace, schemaJSON)
	if err != nil {
		return fmt.Errorf("namespace: upsert metadata row: %w", err)
	}

	if err := m.store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("namespace: recreate private tables: %w", err)
	}
	return nil
}

func tableNames(sch *schema.Schema) []string {
	names := make([]string, 0, len(sch.Tables))
	for name := range sch.Tables {
		names = append(names, name)
	}
	return names
}

// Publish atomically promotes this run's private namespace to public and
// retires every strictly-older namespace, per spec §4.6:
//  1. set is_published = true for this namespace
//  2. delete ponder_metadata rows for strictly older namespaces
//  3. drop the ponder_* schema of each namespace retired in step 2
//     (cascading); a ponder_* schema with no strictly-older ponder_metadata
//     row is not dropped
//  4. create public <table>_versioned and <table> views over this namespace
//
// Step 3's drops are awaited inside the same transaction rather than
// fire-and-forget (see DESIGN.md's Open Question decision). Each drop runs
// under a savepoint: a failed drop is logged and rolled back to that
// savepoint, and the publish goes on.
func (m *Manager) Publish(ctx context.Context) error {
	return m.db.RunInTx(ctx, func(ctx context.Context) error {
		exec := m.db.GetExecutor(ctx)

		if _, err := exec.Exec(ctx,
			`UPDATE public.`+metadataTable+` SET is_published = true WHERE namespace_version = $1`,
			m.namespace); err != nil {
			return fmt.Errorf("namespace: mark published: %w", err)
		}

		var createdAt time.Time
		row := exec.QueryRow(ctx, `SELECT created_at FROM public.`+metadataTable+` WHERE namespace_version = $1`, m.namespace)
		if err := row.Scan(&createdAt); err != nil {
			return fmt.Errorf("namespace: read own created_at: %w", err)
		}

		olderRows, err := exec.Query(ctx,
			`SELECT namespace_version FROM public.`+metadataTable+` WHERE created_at < $1 AND namespace_version != $2`,
			createdAt, m.namespace)
		if err != nil {
			return fmt.Errorf("namespace: list older namespaces: %w", err)
		}
		var older []string
		for olderRows.Next() {
			var ns string
			if err := olderRows.Scan(&ns); err != nil {
				olderRows.Close()
				return fmt.Errorf("namespace: scan older namespace: %w", err)
			}
			older = append(older, ns)
		}
		olderRows.Close()
		if err := olderRows.Err(); err != nil {
			return err
		}

		if _, err := exec.Exec(ctx,
			`DELETE FROM public.`+metadataTable+` WHERE created_at < $1 AND namespace_version != $2`,
			createdAt, m.namespace); err != nil {
			return fmt.Errorf("namespace: delete older metadata rows: %w", err)
		}

		for _, ns := range older {
			if !strings.HasPrefix(ns, "ponder_") {
				continue
			}
			if _, err := exec.Exec(ctx, `SAVEPOINT drop_old_namespace`); err != nil {
				return fmt.Errorf("namespace: savepoint before dropping %s: %w", ns, err)
			}
			if _, err := exec.Exec(ctx, fmt.Sprintf(`DROP SCHEMA IF EXISTS %q CASCADE`, ns)); err != nil {
				m.logger.Warn("namespace: drop old schema failed", zap.String("namespace", ns), zap.Error(err))
				if _, rbErr := exec.Exec(ctx, `ROLLBACK TO SAVEPOINT drop_old_namespace`); rbErr != nil {
					return fmt.Errorf("namespace: roll back failed drop of %s: %w", ns, rbErr)
				}
			}
		}

		for tableName := range m.schema.Tables {
			if err := m.createPublicViews(ctx, exec, tableName); err != nil {
				return err
			}
		}
		return nil
	})
}

func (m *Manager) createPublicViews(ctx context.Context, exec pgclient.Executor, tableName string) error {
	versionedName := tableName + "_versioned"
	privateVersioned := fmt.Sprintf("%q.%q", m.namespace, versionedName)
	publicVersioned := fmt.Sprintf("public.%q", versionedName)
	publicCurrent := fmt.Sprintf("public.%q", tableName)

	stmts := []string{
		fmt.Sprintf(`DROP VIEW IF EXISTS %s`, publicVersioned),
		fmt.Sprintf(`CREATE VIEW %s AS SELECT * FROM %s`, publicVersioned, privateVersioned),
		fmt.Sprintf(`DROP VIEW IF EXISTS %s`, publicCurrent),
		fmt.Sprintf(`CREATE VIEW %s AS SELECT * FROM %s WHERE %q = 'latest'`, publicCurrent, privateVersioned, schema.ColEffectiveTo),
	}
	for _, stmt := range stmts {
		if _, err := exec.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("namespace: create view for %s: %w", tableName, err)
		}
	}
	return nil
}

// Resolved is what a reader needs to pick which tables to query: the
// namespace to read through and whether it is the published public one.
type Resolved struct {
	Namespace string
	Published bool
}

// Resolve implements spec §4.6's reader fallback: consult ponder_metadata for
// a published row; if none exists, fall back to the most recent (unpublished)
// private namespace.
func Resolve(ctx context.Context, db *pgclient.Client) (Resolved, error) {
	exec := db.GetExecutor(ctx)
	row := exec.QueryRow(ctx,
		`SELECT namespace_version FROM public.`+metadataTable+` WHERE is_published = true ORDER BY created_at DESC LIMIT 1`)
	var ns string
	err := row.Scan(&ns)
	if err == nil {
		return Resolved{Namespace: ns, Published: true}, nil
	}
	if !pgclient.IsNoRows(err) {
		return Resolved{}, fmt.Errorf("namespace: resolve published: %w", err)
	}

	row = exec.QueryRow(ctx,
		`SELECT namespace_version FROM public.`+metadataTable+` ORDER BY created_at DESC LIMIT 1`)
	if err := row.Scan(&ns); err != nil {
		if pgclient.IsNoRows(err) {
			return Resolved{}, &store.NamespaceCorruptionError{Detail: "no namespaces recorded in ponder_metadata"}
		}
		return Resolved{}, fmt.Errorf("namespace: resolve fallback: %w", err)
	}
	return Resolved{Namespace: ns, Published: false}, nil
}
