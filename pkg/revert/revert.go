// Package revert implements the revert controller (spec C7): rolling every
// table back to a safe checkpoint by deleting versions written after it and
// reopening whatever version they had truncated.
package revert

import (
	"context"
	"fmt"

	"github.com/chainwire/indexcore/pkg/checkpoint"
	"github.com/chainwire/indexcore/pkg/pgclient"
	"github.com/chainwire/indexcore/pkg/schema"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Controller reverts every table in one namespace to a safe checkpoint.
type Controller struct {
	logger    *zap.Logger
	db        *pgclient.Client
	schema    *schema.Schema
	namespace string
}

// New builds a Controller over the same namespace/schema an
// IndexingStore was scoped to.
func New(logger *zap.Logger, db *pgclient.Client, sch *schema.Schema, namespace string) *Controller {
	return &Controller{logger: logger, db: db, schema: sch, namespace: namespace}
}

func (c *Controller) tableIdent(table string) string {
	return pgx.Identifier{c.namespace, table + "_versioned"}.Sanitize()
}

// Revert rolls every declared table back to cs: versions written at or after
// cs are deleted outright, and surviving versions whose
// effectiveToCheckpoint was cs or later (i.e. truncated by one of the
// now-deleted writes) are reopened to "latest". Idempotent: reverting twice
// to the same cs is a no-op the second time, since the first pass already
// deletes every row the second pass's DELETE would match and already widens
// every row the second pass's UPDATE would touch.
func (c *Controller) Revert(ctx context.Context, cs string) error {
	return c.db.RunInTx(ctx, func(ctx context.Context) error {
		exec := c.db.GetExecutor(ctx)
		for name := range c.schema.Tables {
			ident := c.tableIdent(name)

			tag, err := exec.Exec(ctx,
				fmt.Sprintf(`DELETE FROM %s WHERE %q >= $1`, ident, schema.ColEffectiveFrom),
				cs)
			if err != nil {
				return fmt.Errorf("revert: delete post-checkpoint versions in %q: %w", name, err)
			}

			reopenTag, err := exec.Exec(ctx,
				fmt.Sprintf(`UPDATE %s SET %q = $1 WHERE %q != $1 AND %q >= $2`,
					ident, schema.ColEffectiveTo, schema.ColEffectiveTo, schema.ColEffectiveTo),
				checkpoint.Latest, cs)
			if err != nil {
				return fmt.Errorf("revert: reopen truncated versions in %q: %w", name, err)
			}

			c.logger.Info("reverted table",
				zap.String("table", name),
				zap.String("namespace", c.namespace),
				zap.String("safeCheckpoint", cs),
				zap.Int64("deleted", tag.RowsAffected()),
				zap.Int64("reopened", reopenTag.RowsAffected()),
			)
		}
		return nil
	})
}
