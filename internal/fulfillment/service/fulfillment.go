package service

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pharmaflow/pharmaflow-backend/internal/fulfillment/allocation"
	"github.com/pharmaflow/pharmaflow-backend/internal/fulfillment/events"
	"github.com/pharmaflow/pharmaflow-backend/internal/fulfillment/repository"
	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
)

// maxConflictRetries bounds transparent retries on serialization conflicts
// before surfacing StorageConflict to the caller.
const maxConflictRetries = 3

// FulfillmentService owns the order state machine and every stock-moving
// operation. Each allocation-triggering transition runs as one transaction
// against one stock record: allocate against a locked snapshot, apply the
// debits, advance the order. Nothing partial ever commits.
type FulfillmentService struct {
	db         *database.DB
	stockRepo  *repository.BatchStoreRepository
	orderRepo  *repository.OrderRepository
	ledgerRepo *repository.LedgerRepository
	publisher  *events.FulfillmentEventPublisher
	logger     *logger.Logger
	now        func() time.Time
}

// NewFulfillmentService creates a new fulfillment service
func NewFulfillmentService(
	db *database.DB,
	stockRepo *repository.BatchStoreRepository,
	orderRepo *repository.OrderRepository,
	ledgerRepo *repository.LedgerRepository,
	publisher *events.FulfillmentEventPublisher,
	log *logger.Logger,
) *FulfillmentService {
	return &FulfillmentService{
		db:         db,
		stockRepo:  stockRepo,
		orderRepo:  orderRepo,
		ledgerRepo: ledgerRepo,
		publisher:  publisher,
		logger:     log,
		now:        time.Now,
	}
}

// WithClock overrides the clock used for expiry eligibility. Tests use
// this to pin the asOf instant.
func (s *FulfillmentService) WithClock(now func() time.Time) *FulfillmentService {
	s.now = now
	return s
}

// CreateOrder places a new pending order
func (s *FulfillmentService) CreateOrder(ctx context.Context, requesterID, supplierID, medicineID string, quantity int) (*repository.Order, error) {
	if quantity <= 0 {
		return nil, errors.BadRequest("order quantity must be positive")
	}
	if requesterID == supplierID {
		return nil, errors.BadRequest("requester and supplier must differ")
	}

	order := &repository.Order{
		MedicineID:  medicineID,
		Quantity:    quantity,
		RequesterID: requesterID,
		SupplierID:  supplierID,
	}
	if err := s.orderRepo.Create(ctx, order); err != nil {
		return nil, err
	}

	s.publisher.PublishOrderCreated(ctx, order)
	return order, nil
}

// GetOrder gets an order by ID
func (s *FulfillmentService) GetOrder(ctx context.Context, id string) (*repository.Order, error) {
	return s.orderRepo.GetByID(ctx, id)
}

// ListOrders lists orders involving a party
func (s *FulfillmentService) ListOrders(ctx context.Context, partyID string, page, perPage int) ([]*repository.Order, int64, error) {
	return s.orderRepo.ListByParty(ctx, partyID, page, perPage)
}

// Dispatch moves a pending order to dispatched. The supplier's eligible
// batches are allocated FIFO-by-expiry as of now; the allocation is
// persisted on the order and the batch debits commit in the same
// transaction. On shortfall the order stays pending and nothing moves.
func (s *FulfillmentService) Dispatch(ctx context.Context, orderID string) (*repository.Order, error) {
	var dispatched *repository.Order

	err := s.withConflictRetry(ctx, "dispatch", func() error {
		return s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
			order, err := s.orderRepo.GetByIDTx(ctx, tx, orderID)
			if err != nil {
				return err
			}
			if order.Status != repository.StatusPending {
				return errors.InvalidTransition(order.Status, "dispatch")
			}

			if _, err := s.stockRepo.LockRecord(ctx, tx, order.SupplierID, order.MedicineID); err != nil {
				if errors.Is(err, errors.ErrNotFound) {
					// Supplier has never stocked this medicine.
					return errors.InsufficientStock(order.Quantity)
				}
				return err
			}

			batches, err := s.stockRepo.GetBatchesTx(ctx, tx, order.SupplierID, order.MedicineID)
			if err != nil {
				return err
			}

			result := allocation.Allocate(snapshot(batches), order.Quantity, s.now())
			if !result.Satisfied() {
				return errors.InsufficientStock(result.Shortfall)
			}

			lines := toAllocationLines(result.Lines)
			if err := s.stockRepo.DebitBatches(ctx, tx, order.SupplierID, order.MedicineID, lines); err != nil {
				return err
			}

			ok, err := s.orderRepo.SetDispatchedTx(ctx, tx, order.ID, lines)
			if err != nil {
				return err
			}
			if !ok {
				return errors.InvalidTransition(order.Status, "dispatch")
			}

			order.Status = repository.StatusDispatched
			order.Allocation = lines
			dispatched = order
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithOrderID(dispatched.ID).Info().
		Int("quantity", dispatched.Quantity).
		Int("batches", len(dispatched.Allocation)).
		Msg("order dispatched")
	s.publisher.PublishOrderDispatched(ctx, dispatched)
	return dispatched, nil
}

// Reject moves a pending order to the terminal rejected status.
// No stock is touched.
func (s *FulfillmentService) Reject(ctx context.Context, orderID string) (*repository.Order, error) {
	order, err := s.advance(ctx, orderID, repository.StatusPending, repository.StatusRejected, "reject")
	if err != nil {
		return nil, err
	}

	s.publisher.PublishOrderRejected(ctx, order)
	return order, nil
}

// RequestDelivery moves a dispatched order into the delivery pipeline
func (s *FulfillmentService) RequestDelivery(ctx context.Context, orderID string) (*repository.Order, error) {
	return s.advance(ctx, orderID, repository.StatusDispatched, repository.StatusRequestedForDelivery, "request delivery")
}

// MarkOutForDelivery marks an order as picked up by the courier
func (s *FulfillmentService) MarkOutForDelivery(ctx context.Context, orderID string) (*repository.Order, error) {
	return s.advance(ctx, orderID, repository.StatusRequestedForDelivery, repository.StatusOutForDelivery, "mark out for delivery")
}

// DeliveryConfirmed is the logistics collaborator's callback. It moves
// the order to delivered and credits every allocation line recorded at
// dispatch time into the requester's stock, exactly once: a repeat
// confirmation fails with AlreadyDelivered and credits nothing.
func (s *FulfillmentService) DeliveryConfirmed(ctx context.Context, orderID string) (*repository.Order, error) {
	var delivered *repository.Order

	err := s.withConflictRetry(ctx, "delivery confirmation", func() error {
		return s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
			order, err := s.orderRepo.GetByIDTx(ctx, tx, orderID)
			if err != nil {
				return err
			}
			if order.Status == repository.StatusDelivered {
				return errors.AlreadyDelivered(order.ID)
			}
			if order.Status != repository.StatusOutForDelivery {
				return errors.InvalidTransition(order.Status, "confirm delivery")
			}

			ok, err := s.orderRepo.UpdateStatusTx(ctx, tx, order.ID, repository.StatusOutForDelivery, repository.StatusDelivered)
			if err != nil {
				return err
			}
			if !ok {
				return errors.InvalidTransition(order.Status, "confirm delivery")
			}

			// Stock ownership hands over here: credit the requester's
			// store with the exact batches drawn from the supplier.
			if err := s.stockRepo.EnsureRecord(ctx, tx, order.RequesterID, order.MedicineID); err != nil {
				return err
			}
			if _, err := s.stockRepo.LockRecord(ctx, tx, order.RequesterID, order.MedicineID); err != nil {
				return err
			}
			for _, line := range order.Allocation {
				meta := repository.BatchMetadata{
					ExpiryDate: line.ExpiryDate,
					UnitPrice:  line.UnitPrice,
					OfferPrice: line.UnitPrice,
				}
				if err := s.stockRepo.CreditBatch(ctx, tx, order.RequesterID, order.MedicineID, line.BatchNumber, line.Quantity, meta); err != nil {
					return err
				}
			}

			order.Status = repository.StatusDelivered
			delivered = order
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithOrderID(delivered.ID).Info().Msg("delivery confirmed, stock credited to requester")
	s.publisher.PublishOrderDelivered(ctx, delivered)
	return delivered, nil
}

// AttachDeliveryProof records the proof-of-delivery reference reported
// by the logistics collaborator alongside the confirmation.
func (s *FulfillmentService) AttachDeliveryProof(ctx context.Context, orderID, ref string) error {
	if ref == "" {
		return errors.BadRequest("proof reference must not be empty")
	}
	return s.orderRepo.SetDeliveryProofRef(ctx, orderID, ref)
}

// Dispense draws down a party's own stock for an end recipient. Not an
// order transition: allocate, debit and the ledger append commit as one
// transaction against the owner's stock record.
func (s *FulfillmentService) Dispense(ctx context.Context, ownerID, medicineID string, quantity int, recipient string) (*repository.DispenseEntry, error) {
	if quantity <= 0 {
		return nil, errors.BadRequest("dispense quantity must be positive")
	}
	if recipient == "" {
		return nil, errors.BadRequest("recipient is required")
	}

	var entry *repository.DispenseEntry

	err := s.withConflictRetry(ctx, "dispense", func() error {
		return s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
			if _, err := s.stockRepo.LockRecord(ctx, tx, ownerID, medicineID); err != nil {
				if errors.Is(err, errors.ErrNotFound) {
					return errors.InsufficientStock(quantity)
				}
				return err
			}

			batches, err := s.stockRepo.GetBatchesTx(ctx, tx, ownerID, medicineID)
			if err != nil {
				return err
			}

			result := allocation.Allocate(snapshot(batches), quantity, s.now())
			if !result.Satisfied() {
				return errors.InsufficientStock(result.Shortfall)
			}

			lines := toAllocationLines(result.Lines)
			if err := s.stockRepo.DebitBatches(ctx, tx, ownerID, medicineID, lines); err != nil {
				return err
			}

			entry = &repository.DispenseEntry{
				OwnerID:    ownerID,
				MedicineID: medicineID,
				Quantity:   quantity,
				Recipient:  recipient,
				Allocation: lines,
			}
			return s.ledgerRepo.RecordTx(ctx, tx, entry)
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithStock(ownerID, medicineID).Info().
		Int("quantity", quantity).
		Str("recipient", recipient).
		Msg("stock dispensed")
	s.publisher.PublishStockDispensed(ctx, entry)
	return entry, nil
}

// advance performs a pure status transition guarded by compare-and-swap
func (s *FulfillmentService) advance(ctx context.Context, orderID, fromStatus, toStatus, action string) (*repository.Order, error) {
	var advanced *repository.Order

	err := s.withConflictRetry(ctx, action, func() error {
		return s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
			order, err := s.orderRepo.GetByIDTx(ctx, tx, orderID)
			if err != nil {
				return err
			}
			if order.Status != fromStatus {
				return errors.InvalidTransition(order.Status, action)
			}

			ok, err := s.orderRepo.UpdateStatusTx(ctx, tx, order.ID, fromStatus, toStatus)
			if err != nil {
				return err
			}
			if !ok {
				return errors.InvalidTransition(order.Status, action)
			}

			order.Status = toStatus
			advanced = order
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return advanced, nil
}

// withConflictRetry re-runs fn on serialization conflicts. Expected
// domain failures pass through untouched.
func (s *FulfillmentService) withConflictRetry(ctx context.Context, action string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxConflictRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if appErr := database.MapPQError(err); appErr != nil {
			err = appErr
		}
		if !errors.Is(err, errors.ErrStorageConflict) {
			return err
		}

		s.logger.Warn().
			Str("action", action).
			Int("attempt", attempt).
			Msg("storage conflict, retrying transition")
	}
	return err
}

// snapshot converts persisted batches into the engine's immutable view
func snapshot(batches []*repository.Batch) []allocation.Batch {
	view := make([]allocation.Batch, len(batches))
	for i, b := range batches {
		view[i] = allocation.Batch{
			BatchNumber: b.BatchNumber,
			ExpiryDate:  b.ExpiryDate,
			Quantity:    b.Quantity,
			UnitPrice:   b.UnitPrice,
		}
	}
	return view
}

// toAllocationLines converts engine output into the persisted form
func toAllocationLines(lines []allocation.Line) repository.AllocationLines {
	out := make(repository.AllocationLines, len(lines))
	for i, l := range lines {
		out[i] = repository.AllocationLine{
			BatchNumber: l.BatchNumber,
			ExpiryDate:  l.ExpiryDate,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
		}
	}
	return out
}
