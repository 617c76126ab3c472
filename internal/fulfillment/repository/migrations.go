package repository

// Migrations returns the fulfillment schema statements in apply order.
// They are idempotent so the service can run them at startup; the test
// suite applies the same list against a fresh container database.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS stock_records (
			owner_id         TEXT NOT NULL,
			medicine_id      TEXT NOT NULL,
			total_stock      INTEGER NOT NULL DEFAULT 0,
			last_activity_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (owner_id, medicine_id),
			CONSTRAINT stock_records_total_non_negative CHECK (total_stock >= 0)
		)`,

		`CREATE TABLE IF NOT EXISTS stock_batches (
			id                UUID PRIMARY KEY,
			owner_id          TEXT NOT NULL,
			medicine_id       TEXT NOT NULL,
			batch_number      TEXT NOT NULL,
			expiry_date       TIMESTAMPTZ NOT NULL,
			manufactured_date TIMESTAMPTZ,
			quantity          INTEGER NOT NULL DEFAULT 0,
			unit_price        NUMERIC(12,2) NOT NULL DEFAULT 0,
			offer_price       NUMERIC(12,2) NOT NULL DEFAULT 0,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT stock_batches_batch_number_unique UNIQUE (owner_id, medicine_id, batch_number),
			CONSTRAINT stock_batches_quantity_non_negative CHECK (quantity >= 0),
			FOREIGN KEY (owner_id, medicine_id) REFERENCES stock_records (owner_id, medicine_id)
		)`,

		`CREATE INDEX IF NOT EXISTS stock_batches_expiry_idx
			ON stock_batches (owner_id, medicine_id, expiry_date)`,

		`CREATE TABLE IF NOT EXISTS orders (
			id                 UUID PRIMARY KEY,
			medicine_id        TEXT NOT NULL,
			quantity           INTEGER NOT NULL,
			requester_id       TEXT NOT NULL,
			supplier_id        TEXT NOT NULL,
			status             TEXT NOT NULL DEFAULT 'pending',
			allocation         JSONB NOT NULL DEFAULT '[]',
			delivery_proof_ref TEXT,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT orders_quantity_positive CHECK (quantity > 0),
			CONSTRAINT orders_status_valid CHECK (status IN (
				'pending', 'dispatched', 'requested_for_delivery',
				'out_for_delivery', 'delivered', 'rejected'
			))
		)`,

		`CREATE INDEX IF NOT EXISTS orders_requester_idx ON orders (requester_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS orders_supplier_idx ON orders (supplier_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS dispense_entries (
			id          UUID PRIMARY KEY,
			owner_id    TEXT NOT NULL,
			medicine_id TEXT NOT NULL,
			quantity    INTEGER NOT NULL,
			recipient   TEXT NOT NULL,
			allocation  JSONB NOT NULL DEFAULT '[]',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT dispense_entries_quantity_positive CHECK (quantity > 0)
		)`,

		`CREATE INDEX IF NOT EXISTS dispense_entries_owner_idx
			ON dispense_entries (owner_id, medicine_id, created_at)`,
	}
}
