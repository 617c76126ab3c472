package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
)

// StockRecord is the aggregate stock row for one (owner, medicine) pair.
// Its total_stock column equals the sum of batch quantities after every
// committed mutation; the row doubles as the lock for serializing
// concurrent allocations against the same stock.
type StockRecord struct {
	OwnerID        string    `db:"owner_id" json:"owner_id"`
	MedicineID     string    `db:"medicine_id" json:"medicine_id"`
	TotalStock     int       `db:"total_stock" json:"total_stock"`
	LastActivityAt time.Time `db:"last_activity_at" json:"last_activity_at"`
}

// Batch is one received lot of a medicine. Rows with quantity 0 are kept
// for the audit trail; they are skipped by allocation, not deleted.
type Batch struct {
	ID               string     `db:"id" json:"id"`
	OwnerID          string     `db:"owner_id" json:"owner_id"`
	MedicineID       string     `db:"medicine_id" json:"medicine_id"`
	BatchNumber      string     `db:"batch_number" json:"batch_number"`
	ExpiryDate       time.Time  `db:"expiry_date" json:"expiry_date"`
	ManufacturedDate *time.Time `db:"manufactured_date" json:"manufactured_date,omitempty"`
	Quantity         int        `db:"quantity" json:"quantity"`
	UnitPrice        float64    `db:"unit_price" json:"unit_price"`
	OfferPrice       float64    `db:"offer_price" json:"offer_price"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// BatchMetadata carries the mutable batch fields managed by UpsertBatch.
// Quantity is deliberately absent: quantity only moves through credits
// and debits so stock can never be silently rewritten.
type BatchMetadata struct {
	ExpiryDate       time.Time  `json:"expiry_date"`
	ManufacturedDate *time.Time `json:"manufactured_date,omitempty"`
	UnitPrice        float64    `json:"unit_price"`
	OfferPrice       float64    `json:"offer_price"`
}

// BatchStoreRepository handles stock record and batch persistence
type BatchStoreRepository struct {
	db *database.DB
}

// NewBatchStoreRepository creates a new batch store repository
func NewBatchStoreRepository(db *database.DB) *BatchStoreRepository {
	return &BatchStoreRepository{db: db}
}

// GetRecord gets the aggregate stock record for an owner and medicine
func (r *BatchStoreRepository) GetRecord(ctx context.Context, ownerID, medicineID string) (*StockRecord, error) {
	var record StockRecord
	query := `SELECT * FROM stock_records WHERE owner_id = $1 AND medicine_id = $2`
	if err := r.db.GetContext(ctx, &record, query, ownerID, medicineID); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("stock record")
		}
		return nil, err
	}
	return &record, nil
}

// ListRecordsByOwner lists all stock records held by one party
func (r *BatchStoreRepository) ListRecordsByOwner(ctx context.Context, ownerID string) ([]*StockRecord, error) {
	var records []*StockRecord
	query := `SELECT * FROM stock_records WHERE owner_id = $1 ORDER BY medicine_id`
	if err := r.db.SelectContext(ctx, &records, query, ownerID); err != nil {
		return nil, err
	}
	return records, nil
}

// ListAllRecords lists every stock record, for the reconciliation sweep
func (r *BatchStoreRepository) ListAllRecords(ctx context.Context) ([]*StockRecord, error) {
	var records []*StockRecord
	query := `SELECT * FROM stock_records ORDER BY owner_id, medicine_id`
	if err := r.db.SelectContext(ctx, &records, query); err != nil {
		return nil, err
	}
	return records, nil
}

// EnsureRecord creates the aggregate row for an owner and medicine if it
// does not exist yet. Runs inside the caller's transaction.
func (r *BatchStoreRepository) EnsureRecord(ctx context.Context, tx *sqlx.Tx, ownerID, medicineID string) error {
	query := `
		INSERT INTO stock_records (owner_id, medicine_id, total_stock)
		VALUES ($1, $2, 0)
		ON CONFLICT (owner_id, medicine_id) DO NOTHING
	`
	_, err := tx.ExecContext(ctx, query, ownerID, medicineID)
	return err
}

// LockRecord takes a row lock on the stock record, serializing all
// allocate/debit/credit sequences against the same (owner, medicine).
// Returns the record as of the lock acquisition.
func (r *BatchStoreRepository) LockRecord(ctx context.Context, tx *sqlx.Tx, ownerID, medicineID string) (*StockRecord, error) {
	var record StockRecord
	query := `SELECT * FROM stock_records WHERE owner_id = $1 AND medicine_id = $2 FOR UPDATE`
	if err := tx.GetContext(ctx, &record, query, ownerID, medicineID); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("stock record")
		}
		return nil, err
	}
	return &record, nil
}

// GetBatches lists all batches for an owner and medicine ordered by expiry.
// Exhausted and expired batches are included: filtering is the allocation
// engine's job and stale batches must stay auditable.
func (r *BatchStoreRepository) GetBatches(ctx context.Context, ownerID, medicineID string) ([]*Batch, error) {
	var batches []*Batch
	query := `
		SELECT * FROM stock_batches
		WHERE owner_id = $1 AND medicine_id = $2
		ORDER BY expiry_date, batch_number
	`
	if err := r.db.SelectContext(ctx, &batches, query, ownerID, medicineID); err != nil {
		return nil, err
	}
	return batches, nil
}

// GetBatchesTx is GetBatches inside a transaction, used after LockRecord
// so the snapshot handed to the allocation engine cannot move underneath.
func (r *BatchStoreRepository) GetBatchesTx(ctx context.Context, tx *sqlx.Tx, ownerID, medicineID string) ([]*Batch, error) {
	var batches []*Batch
	query := `
		SELECT * FROM stock_batches
		WHERE owner_id = $1 AND medicine_id = $2
		ORDER BY expiry_date, batch_number
	`
	if err := tx.SelectContext(ctx, &batches, query, ownerID, medicineID); err != nil {
		return nil, err
	}
	return batches, nil
}

// UpsertBatch creates a batch with zero quantity or replaces its metadata
// (prices, dates). Quantity is never touched here; use CreditBatch and
// DebitBatches for stock movement.
func (r *BatchStoreRepository) UpsertBatch(ctx context.Context, ownerID, medicineID, batchNumber string, meta BatchMetadata) (*Batch, error) {
	var batch Batch
	err := r.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		if err := r.EnsureRecord(ctx, tx, ownerID, medicineID); err != nil {
			return err
		}

		query := `
			INSERT INTO stock_batches (
				id, owner_id, medicine_id, batch_number, expiry_date,
				manufactured_date, quantity, unit_price, offer_price
			) VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)
			ON CONFLICT (owner_id, medicine_id, batch_number) DO UPDATE SET
				expiry_date = EXCLUDED.expiry_date,
				manufactured_date = EXCLUDED.manufactured_date,
				unit_price = EXCLUDED.unit_price,
				offer_price = EXCLUDED.offer_price,
				updated_at = NOW()
			RETURNING *
		`
		return tx.QueryRowxContext(ctx, query,
			uuid.New().String(), ownerID, medicineID, batchNumber,
			meta.ExpiryDate, meta.ManufacturedDate, meta.UnitPrice, meta.OfferPrice,
		).StructScan(&batch)
	})
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return nil, appErr
		}
		return nil, err
	}
	return &batch, nil
}

// CreditBatch adds quantity to a batch, creating the row from the given
// metadata if it does not exist yet (the delivery hand-off path carries
// metadata on the order's allocation lines). Updates the aggregate and
// the activity timestamp in the same transaction.
func (r *BatchStoreRepository) CreditBatch(ctx context.Context, tx *sqlx.Tx, ownerID, medicineID, batchNumber string, quantity int, meta BatchMetadata) error {
	if quantity <= 0 {
		return errors.BadRequest("credit quantity must be positive")
	}

	query := `
		INSERT INTO stock_batches (
			id, owner_id, medicine_id, batch_number, expiry_date,
			manufactured_date, quantity, unit_price, offer_price
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (owner_id, medicine_id, batch_number) DO UPDATE SET
			quantity = stock_batches.quantity + EXCLUDED.quantity,
			updated_at = NOW()
	`
	if _, err := tx.ExecContext(ctx, query,
		uuid.New().String(), ownerID, medicineID, batchNumber,
		meta.ExpiryDate, meta.ManufacturedDate, quantity, meta.UnitPrice, meta.OfferPrice,
	); err != nil {
		return err
	}

	return r.bumpAggregate(ctx, tx, ownerID, medicineID, quantity)
}

// DebitBatches applies a precomputed allocation by decrementing each
// referenced batch. Every line is re-validated at apply time: the guarded
// UPDATE only fires when enough quantity remains, so a stale snapshot can
// never drive a batch negative. Any failure leaves the transaction to be
// rolled back by the caller.
func (r *BatchStoreRepository) DebitBatches(ctx context.Context, tx *sqlx.Tx, ownerID, medicineID string, lines []AllocationLine) error {
	total := 0
	for _, line := range lines {
		query := `
			UPDATE stock_batches
			SET quantity = quantity - $4, updated_at = NOW()
			WHERE owner_id = $1 AND medicine_id = $2 AND batch_number = $3 AND quantity >= $4
		`
		result, err := tx.ExecContext(ctx, query, ownerID, medicineID, line.BatchNumber, line.Quantity)
		if err != nil {
			return err
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return r.debitFailure(ctx, tx, ownerID, medicineID, line)
		}

		total += line.Quantity
	}

	return r.bumpAggregate(ctx, tx, ownerID, medicineID, -total)
}

// debitFailure distinguishes a missing batch from one that lost quantity
// since the allocation snapshot was taken.
func (r *BatchStoreRepository) debitFailure(ctx context.Context, tx *sqlx.Tx, ownerID, medicineID string, line AllocationLine) error {
	var remaining int
	query := `SELECT quantity FROM stock_batches WHERE owner_id = $1 AND medicine_id = $2 AND batch_number = $3`
	if err := tx.GetContext(ctx, &remaining, query, ownerID, medicineID, line.BatchNumber); err != nil {
		if err == sql.ErrNoRows {
			return errors.UnknownBatch(line.BatchNumber)
		}
		return err
	}
	return errors.InsufficientStock(line.Quantity - remaining)
}

// bumpAggregate moves the total_stock counter together with the batch
// mutation so the aggregate is never observable as diverged.
func (r *BatchStoreRepository) bumpAggregate(ctx context.Context, tx *sqlx.Tx, ownerID, medicineID string, delta int) error {
	query := `
		UPDATE stock_records
		SET total_stock = total_stock + $3, last_activity_at = NOW()
		WHERE owner_id = $1 AND medicine_id = $2
	`
	result, err := tx.ExecContext(ctx, query, ownerID, medicineID, delta)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound("stock record")
	}

	return nil
}

// BatchSum recomputes the batch quantity sum for a stock record
func (r *BatchStoreRepository) BatchSum(ctx context.Context, ownerID, medicineID string) (int, error) {
	var sum sql.NullInt64
	query := `SELECT SUM(quantity) FROM stock_batches WHERE owner_id = $1 AND medicine_id = $2`
	if err := r.db.GetContext(ctx, &sum, query, ownerID, medicineID); err != nil {
		return 0, err
	}
	if !sum.Valid {
		return 0, nil
	}
	return int(sum.Int64), nil
}

// BatchSumTx is BatchSum inside a transaction, used under the record lock
func (r *BatchStoreRepository) BatchSumTx(ctx context.Context, tx *sqlx.Tx, ownerID, medicineID string) (int, error) {
	var sum sql.NullInt64
	query := `SELECT SUM(quantity) FROM stock_batches WHERE owner_id = $1 AND medicine_id = $2`
	if err := tx.GetContext(ctx, &sum, query, ownerID, medicineID); err != nil {
		return 0, err
	}
	if !sum.Valid {
		return 0, nil
	}
	return int(sum.Int64), nil
}

// SetTotalStock overwrites the aggregate counter. Only the reconciler
// calls this; batches remain the source of truth.
func (r *BatchStoreRepository) SetTotalStock(ctx context.Context, ownerID, medicineID string, total int) error {
	query := `
		UPDATE stock_records
		SET total_stock = $3, last_activity_at = NOW()
		WHERE owner_id = $1 AND medicine_id = $2
	`
	result, err := r.db.ExecContext(ctx, query, ownerID, medicineID, total)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound("stock record")
	}

	return nil
}

// SetTotalStockTx is SetTotalStock inside the caller's transaction
func (r *BatchStoreRepository) SetTotalStockTx(ctx context.Context, tx *sqlx.Tx, ownerID, medicineID string, total int) error {
	query := `
		UPDATE stock_records
		SET total_stock = $3, last_activity_at = NOW()
		WHERE owner_id = $1 AND medicine_id = $2
	`
	result, err := tx.ExecContext(ctx, query, ownerID, medicineID, total)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound("stock record")
	}

	return nil
}

// Reporting projections

// GetLowStockRecords lists records whose aggregate is at or below the threshold
func (r *BatchStoreRepository) GetLowStockRecords(ctx context.Context, ownerID string, threshold int) ([]*StockRecord, error) {
	var records []*StockRecord
	query := `
		SELECT * FROM stock_records
		WHERE owner_id = $1 AND total_stock <= $2
		ORDER BY total_stock, medicine_id
	`
	if err := r.db.SelectContext(ctx, &records, query, ownerID, threshold); err != nil {
		return nil, err
	}
	return records, nil
}

// GetExpiringBatches lists batches with remaining stock expiring within days
func (r *BatchStoreRepository) GetExpiringBatches(ctx context.Context, ownerID string, withinDays int) ([]*Batch, error) {
	var batches []*Batch
	query := `
		SELECT * FROM stock_batches
		WHERE owner_id = $1 AND quantity > 0
		AND expiry_date >= NOW()
		AND expiry_date <= NOW() + INTERVAL '1 day' * $2
		ORDER BY expiry_date
	`
	if err := r.db.SelectContext(ctx, &batches, query, ownerID, withinDays); err != nil {
		return nil, err
	}
	return batches, nil
}

// GetExpiredBatches lists batches that still hold quantity past their expiry
func (r *BatchStoreRepository) GetExpiredBatches(ctx context.Context, ownerID string) ([]*Batch, error) {
	var batches []*Batch
	query := `
		SELECT * FROM stock_batches
		WHERE owner_id = $1 AND quantity > 0 AND expiry_date < NOW()
		ORDER BY expiry_date
	`
	if err := r.db.SelectContext(ctx, &batches, query, ownerID); err != nil {
		return nil, err
	}
	return batches, nil
}
