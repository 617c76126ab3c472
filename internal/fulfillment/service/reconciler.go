package service

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pharmaflow/pharmaflow-backend/internal/fulfillment/events"
	"github.com/pharmaflow/pharmaflow-backend/internal/fulfillment/repository"
	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
)

// VerifyResult reports one reconciliation check. Batches are the source
// of truth; Stored is the aggregate counter, Computed the batch sum.
type VerifyResult struct {
	OwnerID    string `json:"owner_id"`
	MedicineID string `json:"medicine_id"`
	Stored     int    `json:"stored"`
	Computed   int    `json:"computed"`
	Consistent bool   `json:"consistent"`
	Repaired   bool   `json:"repaired"`
}

// Reconciler verifies that each stock record's aggregate counter matches
// the sum of its batch quantities, and optionally repairs drift. Drift
// means a bug or operator intervention; every mutation path moves both
// sides in one transaction.
type Reconciler struct {
	db        *database.DB
	stockRepo *repository.BatchStoreRepository
	publisher *events.FulfillmentEventPublisher
	interval  time.Duration
	autoFix   bool
	logger    *logger.Logger
	cancel    context.CancelFunc
}

// NewReconciler creates a new stock reconciler
func NewReconciler(
	db *database.DB,
	stockRepo *repository.BatchStoreRepository,
	publisher *events.FulfillmentEventPublisher,
	interval time.Duration,
	autoFix bool,
	log *logger.Logger,
) *Reconciler {
	return &Reconciler{
		db:        db,
		stockRepo: stockRepo,
		publisher: publisher,
		interval:  interval,
		autoFix:   autoFix,
		logger:    log.WithComponent("reconciler"),
	}
}

// Verify checks a single stock record against its batch sum.
// Read only; drift is reported, not corrected.
func (r *Reconciler) Verify(ctx context.Context, ownerID, medicineID string) (*VerifyResult, error) {
	record, err := r.stockRepo.GetRecord(ctx, ownerID, medicineID)
	if err != nil {
		return nil, err
	}

	computed, err := r.stockRepo.BatchSum(ctx, ownerID, medicineID)
	if err != nil {
		return nil, err
	}

	return &VerifyResult{
		OwnerID:    ownerID,
		MedicineID: medicineID,
		Stored:     record.TotalStock,
		Computed:   computed,
		Consistent: record.TotalStock == computed,
	}, nil
}

// Repair rewrites the aggregate counter from the batch sum. The record
// lock is held while recomputing so a concurrent allocation cannot slip
// between the sum and the write.
func (r *Reconciler) Repair(ctx context.Context, ownerID, medicineID string) (*VerifyResult, error) {
	var result *VerifyResult

	err := r.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		record, err := r.stockRepo.LockRecord(ctx, tx, ownerID, medicineID)
		if err != nil {
			return err
		}

		computed, err := r.stockRepo.BatchSumTx(ctx, tx, ownerID, medicineID)
		if err != nil {
			return err
		}

		result = &VerifyResult{
			OwnerID:    ownerID,
			MedicineID: medicineID,
			Stored:     record.TotalStock,
			Computed:   computed,
			Consistent: record.TotalStock == computed,
		}
		if result.Consistent {
			return nil
		}

		if err := r.stockRepo.SetTotalStockTx(ctx, tx, ownerID, medicineID, computed); err != nil {
			return err
		}
		result.Repaired = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Repaired {
		r.logger.WithStock(ownerID, medicineID).Warn().
			Int("stored", result.Stored).
			Int("computed", result.Computed).
			Msg("stock drift repaired")
		r.publisher.PublishStockReconciled(ctx, ownerID, medicineID, result.Stored, result.Computed, true)
	}
	return result, nil
}

// VerifyAll sweeps every stock record. Inconsistent records are returned;
// with auto repair enabled they are also corrected in place.
func (r *Reconciler) VerifyAll(ctx context.Context) ([]*VerifyResult, error) {
	records, err := r.stockRepo.ListAllRecords(ctx)
	if err != nil {
		return nil, err
	}

	var drifted []*VerifyResult
	for _, record := range records {
		result, err := r.Verify(ctx, record.OwnerID, record.MedicineID)
		if err != nil {
			r.logger.WithStock(record.OwnerID, record.MedicineID).Error().Err(err).
				Msg("reconciliation check failed")
			continue
		}
		if result.Consistent {
			continue
		}

		if r.autoFix {
			result, err = r.Repair(ctx, record.OwnerID, record.MedicineID)
			if err != nil {
				r.logger.WithStock(record.OwnerID, record.MedicineID).Error().Err(err).
					Msg("stock drift repair failed")
				continue
			}
		} else {
			r.logger.WithStock(record.OwnerID, record.MedicineID).Warn().
				Int("stored", result.Stored).
				Int("computed", result.Computed).
				Msg("stock drift detected")
			r.publisher.PublishStockReconciled(ctx, record.OwnerID, record.MedicineID, result.Stored, result.Computed, false)
		}
		drifted = append(drifted, result)
	}

	return drifted, nil
}

// Start runs the sweep periodically in a background goroutine
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	go func() {
		r.logger.Info().Dur("interval", r.interval).Bool("auto_repair", r.autoFix).Msg("stock reconciler started")

		// Run an initial sweep immediately
		r.runSweep(ctx)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.logger.Info().Msg("stock reconciler stopped")
				return
			case <-ticker.C:
				r.runSweep(ctx)
			}
		}
	}()
}

// Stop stops the reconciler goroutine
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Reconciler) runSweep(ctx context.Context) {
	start := time.Now()

	drifted, err := r.VerifyAll(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("reconciliation sweep failed")
		return
	}

	r.logger.Info().
		Dur("duration", time.Since(start)).
		Int("drifted", len(drifted)).
		Msg("reconciliation sweep completed")
}
