package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
)

// DispenseEntry is one recorded consumption event: stock handed to a
// named recipient (a patient or a walk-in customer). Append-only.
type DispenseEntry struct {
	ID         string          `db:"id" json:"id"`
	OwnerID    string          `db:"owner_id" json:"owner_id"`
	MedicineID string          `db:"medicine_id" json:"medicine_id"`
	Quantity   int             `db:"quantity" json:"quantity"`
	Recipient  string          `db:"recipient" json:"recipient"`
	Allocation AllocationLines `db:"allocation" json:"allocation"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// MedicineConsumption is the per-medicine aggregate used by reporting
// collaborators (exports, dashboard charts).
type MedicineConsumption struct {
	MedicineID    string `db:"medicine_id" json:"medicine_id"`
	TotalQuantity int    `db:"total_quantity" json:"total_quantity"`
	EntryCount    int64  `db:"entry_count" json:"entry_count"`
}

// LedgerRepository handles the append-only dispense ledger
type LedgerRepository struct {
	db *database.DB
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *database.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// RecordTx appends a dispense entry inside the caller's transaction so
// the ledger row commits together with the batch debits it describes.
func (r *LedgerRepository) RecordTx(ctx context.Context, tx *sqlx.Tx, entry *DispenseEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	query := `
		INSERT INTO dispense_entries (id, owner_id, medicine_id, quantity, recipient, allocation)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`
	return tx.QueryRowxContext(ctx, query,
		entry.ID, entry.OwnerID, entry.MedicineID,
		entry.Quantity, entry.Recipient, entry.Allocation,
	).Scan(&entry.CreatedAt)
}

// ListByOwner lists dispense entries for a party, newest first
func (r *LedgerRepository) ListByOwner(ctx context.Context, ownerID string, page, perPage int) ([]*DispenseEntry, int64, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	var total int64
	countQuery := `SELECT COUNT(*) FROM dispense_entries WHERE owner_id = $1`
	if err := r.db.GetContext(ctx, &total, countQuery, ownerID); err != nil {
		return nil, 0, err
	}

	var entries []*DispenseEntry
	query := `
		SELECT * FROM dispense_entries
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	if err := r.db.SelectContext(ctx, &entries, query, ownerID, perPage, (page-1)*perPage); err != nil {
		return nil, 0, err
	}

	return entries, total, nil
}

// AggregateByMedicine sums dispensed quantities per medicine for one
// party within a time window. Pure read, no allocation logic.
func (r *LedgerRepository) AggregateByMedicine(ctx context.Context, ownerID string, from, to time.Time) ([]*MedicineConsumption, error) {
	var rows []*MedicineConsumption
	query := `
		SELECT medicine_id, SUM(quantity) AS total_quantity, COUNT(*) AS entry_count
		FROM dispense_entries
		WHERE owner_id = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY medicine_id
		ORDER BY total_quantity DESC
	`
	if err := r.db.SelectContext(ctx, &rows, query, ownerID, from, to); err != nil {
		return nil, err
	}
	return rows, nil
}
