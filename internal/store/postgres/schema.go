package postgres

import "context"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		currency TEXT NOT NULL,
		total_cents BIGINT NOT NULL CHECK (total_cents >= 0),
		amounts JSONB,
		refunded_total_cents BIGINT NOT NULL DEFAULT 0,
		payment_reference TEXT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		id TEXT NOT NULL,
		position INT NOT NULL,
		name_snapshot TEXT NOT NULL DEFAULT '',
		quantity INT NOT NULL CHECK (quantity >= 1),
		unit_amount_cents BIGINT NOT NULL,
		amount_total_cents BIGINT,
		PRIMARY KEY (order_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS refunds (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL REFERENCES orders(id),
		amount_cents BIGINT NOT NULL,
		status TEXT NOT NULL,
		selections JSONB NOT NULL DEFAULT '[]'::jsonb,
		refund_shipping_cents BIGINT NOT NULL DEFAULT 0,
		restocking_fee_cents BIGINT NOT NULL DEFAULT 0,
		reason TEXT,
		notes TEXT,
		idempotency_key TEXT NOT NULL,
		gateway_refund_id TEXT,
		created_by TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT refunds_idempotency_key_key UNIQUE (idempotency_key)
	)`,
	`CREATE INDEX IF NOT EXISTS refunds_order_id_created_at_idx ON refunds (order_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL DEFAULT '',
		actor_username TEXT NOT NULL,
		actor_role TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audit_logs_order_id_created_at_idx ON audit_logs (order_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS app_users (
		username TEXT PRIMARY KEY,
		password TEXT NOT NULL,
		role TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
}

// ensureSchema is safe to run on every start.
func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
