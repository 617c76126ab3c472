package service

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pharmaflow/pharmaflow-backend/internal/fulfillment/repository"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/pharmaflow/pharmaflow-backend/pkg/messaging"
)

// StockView is a stock record together with its batches
type StockView struct {
	*repository.StockRecord
	Batches []*repository.Batch `json:"batches"`
}

// GetStock returns the aggregate record and all batches for an owner
// and medicine, stale and exhausted batches included.
func (s *FulfillmentService) GetStock(ctx context.Context, ownerID, medicineID string) (*StockView, error) {
	record, err := s.stockRepo.GetRecord(ctx, ownerID, medicineID)
	if err != nil {
		return nil, err
	}

	batches, err := s.stockRepo.GetBatches(ctx, ownerID, medicineID)
	if err != nil {
		return nil, err
	}

	return &StockView{
		StockRecord: record,
		Batches:     batches,
	}, nil
}

// ListStock lists all stock records held by a party
func (s *FulfillmentService) ListStock(ctx context.Context, ownerID string) ([]*repository.StockRecord, error) {
	return s.stockRepo.ListRecordsByOwner(ctx, ownerID)
}

// UpsertBatch records or replaces batch metadata. Quantity is managed
// exclusively by credits and debits; receiving stock under an existing
// batch number goes through CreditStock.
func (s *FulfillmentService) UpsertBatch(ctx context.Context, ownerID, medicineID, batchNumber string, meta repository.BatchMetadata) (*repository.Batch, error) {
	if batchNumber == "" {
		return nil, errors.BadRequest("batch number is required")
	}
	return s.stockRepo.UpsertBatch(ctx, ownerID, medicineID, batchNumber, meta)
}

// CreditStock adds received quantity to a batch, creating the batch and
// the aggregate record as needed. Used for direct stock intake outside
// the order flow (initial stock, supplier returns).
func (s *FulfillmentService) CreditStock(ctx context.Context, ownerID, medicineID, batchNumber string, quantity int, meta repository.BatchMetadata) (*repository.StockRecord, error) {
	if quantity <= 0 {
		return nil, errors.BadRequest("credit quantity must be positive")
	}
	if batchNumber == "" {
		return nil, errors.BadRequest("batch number is required")
	}

	err := s.withConflictRetry(ctx, "credit stock", func() error {
		return s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
			if err := s.stockRepo.EnsureRecord(ctx, tx, ownerID, medicineID); err != nil {
				return err
			}
			if _, err := s.stockRepo.LockRecord(ctx, tx, ownerID, medicineID); err != nil {
				return err
			}
			return s.stockRepo.CreditBatch(ctx, tx, ownerID, medicineID, batchNumber, quantity, meta)
		})
	})
	if err != nil {
		return nil, err
	}

	record, err := s.stockRepo.GetRecord(ctx, ownerID, medicineID)
	if err != nil {
		return nil, err
	}

	s.publisher.PublishStockCredited(ctx, &messaging.StockCreditedEvent{
		OwnerID:     ownerID,
		MedicineID:  medicineID,
		BatchNumber: batchNumber,
		Quantity:    quantity,
		TotalStock:  record.TotalStock,
	})
	return record, nil
}

// Reporting projections for the export/dashboard collaborators

// LowStock lists a party's records at or below the threshold
func (s *FulfillmentService) LowStock(ctx context.Context, ownerID string, threshold int) ([]*repository.StockRecord, error) {
	return s.stockRepo.GetLowStockRecords(ctx, ownerID, threshold)
}

// ExpiringBatches lists a party's batches expiring within days
func (s *FulfillmentService) ExpiringBatches(ctx context.Context, ownerID string, withinDays int) ([]*repository.Batch, error) {
	return s.stockRepo.GetExpiringBatches(ctx, ownerID, withinDays)
}

// ExpiredBatches lists a party's batches that expired with stock remaining
func (s *FulfillmentService) ExpiredBatches(ctx context.Context, ownerID string) ([]*repository.Batch, error) {
	return s.stockRepo.GetExpiredBatches(ctx, ownerID)
}

// ListDispenses lists a party's dispense ledger, newest first
func (s *FulfillmentService) ListDispenses(ctx context.Context, ownerID string, page, perPage int) ([]*repository.DispenseEntry, int64, error) {
	return s.ledgerRepo.ListByOwner(ctx, ownerID, page, perPage)
}

// ConsumptionSummary aggregates dispensed quantities per medicine
// within [from, to).
func (s *FulfillmentService) ConsumptionSummary(ctx context.Context, ownerID string, from, to time.Time) ([]*repository.MedicineConsumption, error) {
	return s.ledgerRepo.AggregateByMedicine(ctx, ownerID, from, to)
}
