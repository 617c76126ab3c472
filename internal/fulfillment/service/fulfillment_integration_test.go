package service_test

import (
	"context"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pharmaflow/pharmaflow-backend/internal/fulfillment/repository"
	"github.com/pharmaflow/pharmaflow-backend/internal/fulfillment/service"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/pharmaflow/pharmaflow-backend/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var suite *testutil.IntegrationSuite

func TestMain(m *testing.M) {
	ctx := context.Background()

	var err error
	suite, err = testutil.NewIntegrationSuite(ctx, repository.Migrations())
	if err != nil {
		log.Fatalf("failed to create integration suite: %v", err)
	}
	defer testutil.TerminateContainer(ctx)

	os.Exit(m.Run())
}

// newService builds a fulfillment service on the suite database with no
// event publisher attached.
func newService(t *testing.T) *service.FulfillmentService {
	t.Helper()
	suite.TruncateAll(t)

	stockRepo := repository.NewBatchStoreRepository(suite.DB)
	orderRepo := repository.NewOrderRepository(suite.DB)
	ledgerRepo := repository.NewLedgerRepository(suite.DB)

	return service.NewFulfillmentService(suite.DB, stockRepo, orderRepo, ledgerRepo, nil, suite.Logger)
}

func newReconciler(t *testing.T, autoRepair bool) *service.Reconciler {
	t.Helper()
	stockRepo := repository.NewBatchStoreRepository(suite.DB)
	return service.NewReconciler(suite.DB, stockRepo, nil, time.Minute, autoRepair, suite.Logger)
}

// creditBatch seeds stock through the same path production uses
func creditBatch(t *testing.T, svc *service.FulfillmentService, fixture testutil.BatchFixture) {
	t.Helper()
	ctx := context.Background()

	meta := repository.BatchMetadata{
		ExpiryDate: fixture.ExpiryDate,
		UnitPrice:  fixture.UnitPrice,
		OfferPrice: fixture.OfferPrice,
	}
	_, err := svc.CreditStock(ctx, fixture.OwnerID, fixture.MedicineID, fixture.BatchNumber, fixture.Quantity, meta)
	require.NoError(t, err)
}

func TestCreateOrder(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	fx := suite.Fixtures.Order()

	order, err := svc.CreateOrder(ctx, fx.RequesterID, fx.SupplierID, fx.MedicineID, 25)
	require.NoError(t, err)

	assert.NotEmpty(t, order.ID)
	assert.Equal(t, repository.StatusPending, order.Status)
	assert.Equal(t, 25, order.Quantity)
	assert.Empty(t, order.Allocation)
}

func TestCreateOrder_Invalid(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	fx := suite.Fixtures.Order()

	_, err := svc.CreateOrder(ctx, fx.RequesterID, fx.SupplierID, fx.MedicineID, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrBadRequest))

	_, err = svc.CreateOrder(ctx, fx.SupplierID, fx.SupplierID, fx.MedicineID, 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrBadRequest))
}

func TestDispatch_AllocatesEarliestExpiryFirst(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	fx := suite.Fixtures.Order(testutil.WithQuantity(7))

	// Later-expiring batch credited first to prove ordering is by expiry,
	// not insertion.
	creditBatch(t, svc, suite.Fixtures.Batch(
		testutil.WithStock(fx.SupplierID, fx.MedicineID, 10),
		testutil.WithBatchNumber("LOT-B"),
		testutil.WithExpiry(time.Now().UTC().AddDate(0, 6, 0)),
	))
	creditBatch(t, svc, suite.Fixtures.Batch(
		testutil.WithStock(fx.SupplierID, fx.MedicineID, 5),
		testutil.WithBatchNumber("LOT-A"),
		testutil.WithExpiry(time.Now().UTC().AddDate(0, 1, 0)),
	))

	order, err := svc.CreateOrder(ctx, fx.RequesterID, fx.SupplierID, fx.MedicineID, fx.Quantity)
	require.NoError(t, err)

	dispatched, err := svc.Dispatch(ctx, order.ID)
	require.NoError(t, err)

	assert.Equal(t, repository.StatusDispatched, dispatched.Status)
	require.Len(t, dispatched.Allocation, 2)
	assert.Equal(t, "LOT-A", dispatched.Allocation[0].BatchNumber)
	assert.Equal(t, 5, dispatched.Allocation[0].Quantity)
	assert.Equal(t, "LOT-B", dispatched.Allocation[1].BatchNumber)
	assert.Equal(t, 2, dispatched.Allocation[1].Quantity)
	assert.Equal(t, fx.Quantity, dispatched.Allocation.Total())

	// Supplier aggregate moved with the batch debits
	view, err := svc.GetStock(ctx, fx.SupplierID, fx.MedicineID)
	require.NoError(t, err)
	assert.Equal(t, 8, view.TotalStock)
}

func TestDispatch_InsufficientStockLeavesOrderPending(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	fx := suite.Fixtures.Order(testutil.WithQuantity(20))

	creditBatch(t, svc, suite.Fixtures.Batch(
		testutil.WithStock(fx.SupplierID, fx.MedicineID, 12),
	))

	order, err := svc.CreateOrder(ctx, fx.RequesterID, fx.SupplierID, fx.MedicineID, fx.Quantity)
	require.NoError(t, err)

	_, err = svc.Dispatch(ctx, order.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInsufficientStock))

	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "8", appErr.Details["shortfall"])

	// Nothing committed: order still pending, stock untouched
	reloaded, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, reloaded.Status)
	assert.Empty(t, reloaded.Allocation)

	view, err := svc.GetStock(ctx, fx.SupplierID, fx.MedicineID)
	require.NoError(t, err)
	assert.Equal(t, 12, view.TotalStock)
}

func TestDispatch_ExpiredStockDoesNotCount(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	fx := suite.Fixtures.Order(testutil.WithQuantity(10))

	// Plenty of expired stock plus a little fresh stock
	creditBatch(t, svc, suite.Fixtures.Batch(
		testutil.WithStock(fx.SupplierID, fx.MedicineID, 100),
		testutil.WithBatchNumber("LOT-OLD"),
		testutil.WithExpiry(time.Now().UTC().AddDate(0, 0, -1)),
	))
	creditBatch(t, svc, suite.Fixtures.Batch(
		testutil.WithStock(fx.SupplierID, fx.MedicineID, 4),
		testutil.WithBatchNumber("LOT-NEW"),
	))

	order, err := svc.CreateOrder(ctx, fx.RequesterID, fx.SupplierID, fx.MedicineID, fx.Quantity)
	require.NoError(t, err)

	_, err = svc.Dispatch(ctx, order.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInsufficientStock))

	// Shortfall counts only eligible stock
	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "6", appErr.Details["shortfall"])
}

func TestDispatch_UnknownSupplierStock(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	fx := suite.Fixtures.Order()

	order, err := svc.CreateOrder(ctx, fx.RequesterID, fx.SupplierID, fx.MedicineID, fx.Quantity)
	require.NoError(t, err)

	_, err = svc.Dispatch(ctx, order.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInsufficientStock))
}

func TestOrderLifecycle_RoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	fx := suite.Fixtures.Order(testutil.WithQuantity(30))
	expiry := time.Now().UTC().AddDate(0, 8, 0).Truncate(time.Second)

	creditBatch(t, svc, suite.Fixtures.Batch(
		testutil.WithStock(fx.SupplierID, fx.MedicineID, 50),
		testutil.WithBatchNumber("LOT-RT"),
		testutil.WithExpiry(expiry),
	))

	order, err := svc.CreateOrder(ctx, fx.RequesterID, fx.SupplierID, fx.MedicineID, fx.Quantity)
	require.NoError(t, err)

	_, err = svc.Dispatch(ctx, order.ID)
	require.NoError(t, err)
	_, err = svc.RequestDelivery(ctx, order.ID)
	require.NoError(t, err)
	_, err = svc.MarkOutForDelivery(ctx, order.ID)
	require.NoError(t, err)

	delivered, err := svc.DeliveryConfirmed(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusDelivered, delivered.Status)

	// The requester now holds exactly the batches drawn from the supplier
	requesterView, err := svc.GetStock(ctx, fx.RequesterID, fx.MedicineID)
	require.NoError(t, err)
	assert.Equal(t, 30, requesterView.TotalStock)
	require.Len(t, requesterView.Batches, 1)
	assert.Equal(t, "LOT-RT", requesterView.Batches[0].BatchNumber)
	assert.Equal(t, 30, requesterView.Batches[0].Quantity)
	assert.WithinDuration(t, expiry, requesterView.Batches[0].ExpiryDate, time.Second)

	supplierView, err := svc.GetStock(ctx, fx.SupplierID, fx.MedicineID)
	require.NoError(t, err)
	assert.Equal(t, 20, supplierView.TotalStock)
}

func TestDeliveryConfirmed_SecondCallCreditsNothing(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	fx := suite.Fixtures.Order(testutil.WithQuantity(10))

	creditBatch(t, svc, suite.Fixtures.Batch(
		testutil.WithStock(fx.SupplierID, fx.MedicineID, 40),
	))

	order, err := svc.CreateOrder(ctx, fx.RequesterID, fx.SupplierID, fx.MedicineID, fx.Quantity)
	require.NoError(t, err)

	_, err = svc.Dispatch(ctx, order.ID)
	require.NoError(t, err)
	_, err = svc.RequestDelivery(ctx, order.ID)
	require.NoError(t, err)
	_, err = svc.MarkOutForDelivery(ctx, order.ID)
	require.NoError(t, err)
	_, err = svc.DeliveryConfirmed(ctx, order.ID)
	require.NoError(t, err)

	_, err = svc.DeliveryConfirmed(ctx, order.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAlreadyDelivered))

	// Credited once, not twice
	view, err := svc.GetStock(ctx, fx.RequesterID, fx.MedicineID)
	require.NoError(t, err)
	assert.Equal(t, 10, view.TotalStock)
}

func TestTransitions_GuardedByCurrentStatus(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	fx := suite.Fixtures.Order(testutil.WithQuantity(5))

	creditBatch(t, svc, suite.Fixtures.Batch(
		testutil.WithStock(fx.SupplierID, fx.MedicineID, 20),
	))

	order, err := svc.CreateOrder(ctx, fx.RequesterID, fx.SupplierID, fx.MedicineID, fx.Quantity)
	require.NoError(t, err)

	// Delivery steps cannot jump the queue
	_, err = svc.MarkOutForDelivery(ctx, order.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

	_, err = svc.DeliveryConfirmed(ctx, order.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

	_, err = svc.Dispatch(ctx, order.ID)
	require.NoError(t, err)

	// A dispatched order cannot be dispatched or rejected again
	_, err = svc.Dispatch(ctx, order.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

	_, err = svc.Reject(ctx, order.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

	// Failed transitions moved no stock
	view, err := svc.GetStock(ctx, fx.SupplierID, fx.MedicineID)
	require.NoError(t, err)
	assert.Equal(t, 15, view.TotalStock)
}

func TestReject_TerminalAndStockless(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	fx := suite.Fixtures.Order()

	creditBatch(t, svc, suite.Fixtures.Batch(
		testutil.WithStock(fx.SupplierID, fx.MedicineID, 100),
	))

	order, err := svc.CreateOrder(ctx, fx.RequesterID, fx.SupplierID, fx.MedicineID, fx.Quantity)
	require.NoError(t, err)

	rejected, err := svc.Reject(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusRejected, rejected.Status)

	_, err = svc.Dispatch(ctx, order.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

	view, err := svc.GetStock(ctx, fx.SupplierID, fx.MedicineID)
	require.NoError(t, err)
	assert.Equal(t, 100, view.TotalStock)
}

func TestDispense_DebitsAndRecordsLedger(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	owner := suite.Fixtures.Batch()

	creditBatch(t, svc, suite.Fixtures.Batch(
		testutil.WithStock(owner.OwnerID, owner.MedicineID, 6),
		testutil.WithBatchNumber("LOT-1"),
		testutil.WithExpiry(time.Now().UTC().AddDate(0, 1, 0)),
	))
	creditBatch(t, svc, suite.Fixtures.Batch(
		testutil.WithStock(owner.OwnerID, owner.MedicineID, 10),
		testutil.WithBatchNumber("LOT-2"),
		testutil.WithExpiry(time.Now().UTC().AddDate(0, 4, 0)),
	))

	entry, err := svc.Dispense(ctx, owner.OwnerID, owner.MedicineID, 8, "patient-visit-4711")
	require.NoError(t, err)

	require.Len(t, entry.Allocation, 2)
	assert.Equal(t, "LOT-1", entry.Allocation[0].BatchNumber)
	assert.Equal(t, 6, entry.Allocation[0].Quantity)
	assert.Equal(t, "LOT-2", entry.Allocation[1].BatchNumber)
	assert.Equal(t, 2, entry.Allocation[1].Quantity)

	view, err := svc.GetStock(ctx, owner.OwnerID, owner.MedicineID)
	require.NoError(t, err)
	assert.Equal(t, 8, view.TotalStock)

	entries, total, err := svc.ListDispenses(ctx, owner.OwnerID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, entries, 1)
	assert.Equal(t, "patient-visit-4711", entries[0].Recipient)
	assert.Equal(t, 8, entries[0].Quantity)
}

func TestDispense_InsufficientStock(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	owner := suite.Fixtures.Batch()

	creditBatch(t, svc, suite.Fixtures.Batch(
		testutil.WithStock(owner.OwnerID, owner.MedicineID, 3),
	))

	_, err := svc.Dispense(ctx, owner.OwnerID, owner.MedicineID, 5, "walk-in")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInsufficientStock))

	// Ledger stays empty on failure
	_, total, err := svc.ListDispenses(ctx, owner.OwnerID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func TestConsumptionSummary(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	owner := suite.Fixtures.Batch()

	creditBatch(t, svc, suite.Fixtures.Batch(
		testutil.WithStock(owner.OwnerID, owner.MedicineID, 50),
	))

	_, err := svc.Dispense(ctx, owner.OwnerID, owner.MedicineID, 5, "ward-a")
	require.NoError(t, err)
	_, err = svc.Dispense(ctx, owner.OwnerID, owner.MedicineID, 7, "ward-b")
	require.NoError(t, err)

	from := time.Now().UTC().Add(-time.Hour)
	to := time.Now().UTC().Add(time.Hour)
	summary, err := svc.ConsumptionSummary(ctx, owner.OwnerID, from, to)
	require.NoError(t, err)

	require.Len(t, summary, 1)
	assert.Equal(t, owner.MedicineID, summary[0].MedicineID)
	assert.Equal(t, 12, summary[0].TotalQuantity)
	assert.Equal(t, int64(2), summary[0].EntryCount)
}

func TestConcurrentDispatch_NoOverdraw(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	fx := suite.Fixtures.Order()

	creditBatch(t, svc, suite.Fixtures.Batch(
		testutil.WithStock(fx.SupplierID, fx.MedicineID, 100),
	))

	// Two orders of 60 against 100 units: exactly one can dispatch
	first, err := svc.CreateOrder(ctx, fx.RequesterID, fx.SupplierID, fx.MedicineID, 60)
	require.NoError(t, err)
	second, err := svc.CreateOrder(ctx, fx.RequesterID, fx.SupplierID, fx.MedicineID, 60)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, id := range []string{first.ID, second.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, results[i] = svc.Dispatch(ctx, id)
		}(i, id)
	}
	wg.Wait()

	var succeeded, failed int
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, errors.Is(err, errors.ErrInsufficientStock), "unexpected error: %v", err)
			failed++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, failed)

	view, err := svc.GetStock(ctx, fx.SupplierID, fx.MedicineID)
	require.NoError(t, err)
	assert.Equal(t, 40, view.TotalStock)
	for _, b := range view.Batches {
		assert.GreaterOrEqual(t, b.Quantity, 0)
	}
}

func TestReconciler_DetectsAndRepairsDrift(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	rec := newReconciler(t, false)
	owner := suite.Fixtures.Batch()

	creditBatch(t, svc, suite.Fixtures.Batch(
		testutil.WithStock(owner.OwnerID, owner.MedicineID, 42),
	))

	// Consistent stock verifies clean
	result, err := rec.Verify(ctx, owner.OwnerID, owner.MedicineID)
	require.NoError(t, err)
	assert.True(t, result.Consistent)
	assert.Equal(t, 42, result.Stored)
	assert.Equal(t, 42, result.Computed)

	// Corrupt the aggregate behind the repositories' back
	_, err = suite.RawDB.Exec(
		`UPDATE stock_records SET total_stock = 99 WHERE owner_id = $1 AND medicine_id = $2`,
		owner.OwnerID, owner.MedicineID,
	)
	require.NoError(t, err)

	result, err = rec.Verify(ctx, owner.OwnerID, owner.MedicineID)
	require.NoError(t, err)
	assert.False(t, result.Consistent)
	assert.Equal(t, 99, result.Stored)
	assert.Equal(t, 42, result.Computed)

	repaired, err := rec.Repair(ctx, owner.OwnerID, owner.MedicineID)
	require.NoError(t, err)
	assert.True(t, repaired.Repaired)

	result, err = rec.Verify(ctx, owner.OwnerID, owner.MedicineID)
	require.NoError(t, err)
	assert.True(t, result.Consistent)
	assert.Equal(t, 42, result.Stored)
}

func TestReconciler_SweepWithAutoRepair(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	rec := newReconciler(t, true)
	owner := suite.Fixtures.Batch()

	creditBatch(t, svc, suite.Fixtures.Batch(
		testutil.WithStock(owner.OwnerID, owner.MedicineID, 10),
	))

	_, err := suite.RawDB.Exec(
		`UPDATE stock_records SET total_stock = 3 WHERE owner_id = $1 AND medicine_id = $2`,
		owner.OwnerID, owner.MedicineID,
	)
	require.NoError(t, err)

	drifted, err := rec.VerifyAll(ctx)
	require.NoError(t, err)
	require.Len(t, drifted, 1)
	assert.True(t, drifted[0].Repaired)

	view, err := svc.GetStock(ctx, owner.OwnerID, owner.MedicineID)
	require.NoError(t, err)
	assert.Equal(t, 10, view.TotalStock)
}

func TestCreditStock_AccumulatesOnExistingBatch(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	owner := suite.Fixtures.Batch(testutil.WithBatchNumber("LOT-ACC"))

	creditBatch(t, svc, owner)

	record, err := svc.CreditStock(ctx, owner.OwnerID, owner.MedicineID, "LOT-ACC", 25, repository.BatchMetadata{
		ExpiryDate: owner.ExpiryDate,
		UnitPrice:  owner.UnitPrice,
	})
	require.NoError(t, err)
	assert.Equal(t, owner.Quantity+25, record.TotalStock)

	view, err := svc.GetStock(ctx, owner.OwnerID, owner.MedicineID)
	require.NoError(t, err)
	require.Len(t, view.Batches, 1)
	assert.Equal(t, owner.Quantity+25, view.Batches[0].Quantity)
}

func TestUpsertBatch_NeverMovesQuantity(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	owner := suite.Fixtures.Batch(testutil.WithBatchNumber("LOT-META"))

	creditBatch(t, svc, owner)

	newExpiry := time.Now().UTC().AddDate(2, 0, 0).Truncate(time.Second)
	batch, err := svc.UpsertBatch(ctx, owner.OwnerID, owner.MedicineID, "LOT-META", repository.BatchMetadata{
		ExpiryDate: newExpiry,
		UnitPrice:  12.50,
		OfferPrice: 11.00,
	})
	require.NoError(t, err)

	assert.Equal(t, owner.Quantity, batch.Quantity)
	assert.WithinDuration(t, newExpiry, batch.ExpiryDate, time.Second)
	assert.Equal(t, 12.50, batch.UnitPrice)
}
