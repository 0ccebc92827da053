package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

const createOrdersTable = `
CREATE TABLE IF NOT EXISTS orders (
	id SERIAL PRIMARY KEY,
	customer_name VARCHAR(255) NOT NULL,
	product_name VARCHAR(255) NOT NULL,
	status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'shipped', 'delivered')),
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// Tables created before updated_at became NOT NULL are backfilled first.
const backfillUpdatedAt = `UPDATE orders SET updated_at = CURRENT_TIMESTAMP WHERE updated_at IS NULL`

const requireUpdatedAt = `ALTER TABLE orders ALTER COLUMN updated_at SET NOT NULL`

// DELETE reports the pre-image, everything else the post-image.
const createNotifyFunction = `
CREATE OR REPLACE FUNCTION notify_order_changes()
RETURNS TRIGGER AS $$
DECLARE
	rec orders%%ROWTYPE;
BEGIN
	IF TG_OP = 'DELETE' THEN
		rec := OLD;
	ELSE
		rec := NEW;
	END IF;

	PERFORM pg_notify(%s, json_build_object(
		'operation', TG_OP,
		'id', rec.id,
		'customer_name', rec.customer_name,
		'product_name', rec.product_name,
		'status', rec.status,
		'updated_at', rec.updated_at
	)::text);

	RETURN rec;
END;
$$ LANGUAGE plpgsql`

const dropOrdersTrigger = `DROP TRIGGER IF EXISTS order_changes_trigger ON orders`

const createOrdersTrigger = `
CREATE TRIGGER order_changes_trigger
	AFTER INSERT OR UPDATE OR DELETE ON orders
	FOR EACH ROW EXECUTE FUNCTION notify_order_changes()`

// SchemaStatements returns the bootstrap DDL for the orders table and its
// change trigger publishing on channel.
func SchemaStatements(channel string) []string {
	return []string{
		createOrdersTable,
		backfillUpdatedAt,
		requireUpdatedAt,
		fmt.Sprintf(createNotifyFunction, quoteLiteral(channel)),
		dropOrdersTrigger,
		createOrdersTrigger,
	}
}

// EnsureSchema creates the orders table and trigger in one transaction.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, channel string, logger *logrus.Logger) error {
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, stmt := range SchemaStatements(channel) {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to bootstrap schema: %w", err)
	}

	logger.WithField("channel", channel).Info("Orders schema and trigger are in place")
	return nil
}

func quoteLiteral(s string) string {
	out := []byte{'\''}
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, s[i])
	}
	return string(append(out, '\''))
}
