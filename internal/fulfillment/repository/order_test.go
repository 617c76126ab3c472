package repository_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/pharmaflow/pharmaflow-backend/internal/fulfillment/repository"
	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
	"github.com/pharmaflow/pharmaflow-backend/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOrderRepo(t *testing.T) (*repository.OrderRepository, *testutil.MockDB) {
	t.Helper()
	mockDB := testutil.NewMockDB(t)
	t.Cleanup(func() {
		mockDB.ExpectationsWereMet(t)
		mockDB.Close()
	})

	db := database.NewFromSqlx(mockDB.DB, logger.New("test", "test"))
	return repository.NewOrderRepository(db), mockDB
}

func TestOrderRepository_Create(t *testing.T) {
	repo, mockDB := newOrderRepo(t)

	now := time.Now()
	mockDB.Mock.ExpectQuery("INSERT INTO orders").
		WithArgs(testutil.AnyUUID{}, "med-1", 10, "hospital-1", "vendor-1", repository.StatusPending).
		WillReturnRows(testutil.MockRows("created_at", "updated_at").AddRow(now, now))

	order := &repository.Order{
		MedicineID:  "med-1",
		Quantity:    10,
		RequesterID: "hospital-1",
		SupplierID:  "vendor-1",
	}
	err := repo.Create(context.Background(), order)
	require.NoError(t, err)

	assert.NotEmpty(t, order.ID)
	assert.Equal(t, repository.StatusPending, order.Status)
	assert.Equal(t, now, order.CreatedAt)
}

func TestOrderRepository_GetByID_Unknown(t *testing.T) {
	repo, mockDB := newOrderRepo(t)

	id := uuid.New().String()
	mockDB.Mock.ExpectQuery("SELECT \\* FROM orders").
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownOrder))
}

func TestOrderRepository_UpdateStatusTx_Swaps(t *testing.T) {
	repo, mockDB := newOrderRepo(t)

	mockDB.ExpectBegin()
	mockDB.Mock.ExpectExec("UPDATE orders").
		WithArgs("order-1", repository.StatusPending, repository.StatusRejected).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.Mock.ExpectCommit()

	tx, err := mockDB.DB.Beginx()
	require.NoError(t, err)

	ok, err := repo.UpdateStatusTx(context.Background(), tx, "order-1", repository.StatusPending, repository.StatusRejected)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, tx.Commit())
}

func TestOrderRepository_UpdateStatusTx_LostRace(t *testing.T) {
	repo, mockDB := newOrderRepo(t)

	// Another actor already moved the order out of pending
	mockDB.ExpectBegin()
	mockDB.Mock.ExpectExec("UPDATE orders").
		WithArgs("order-1", repository.StatusPending, repository.StatusRejected).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mockDB.Mock.ExpectRollback()

	tx, err := mockDB.DB.Beginx()
	require.NoError(t, err)

	ok, err := repo.UpdateStatusTx(context.Background(), tx, "order-1", repository.StatusPending, repository.StatusRejected)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tx.Rollback())
}

func TestOrderRepository_SetDispatchedTx_GuardsOnPending(t *testing.T) {
	repo, mockDB := newOrderRepo(t)
	allocation := repository.AllocationLines{
		{BatchNumber: "LOT-1", Quantity: 10, ExpiryDate: time.Now().AddDate(1, 0, 0)},
	}

	mockDB.ExpectBegin()
	mockDB.Mock.ExpectExec("UPDATE orders").
		WithArgs("order-1", repository.StatusDispatched, allocation, repository.StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.Mock.ExpectCommit()

	tx, err := mockDB.DB.Beginx()
	require.NoError(t, err)

	ok, err := repo.SetDispatchedTx(context.Background(), tx, "order-1", allocation)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, tx.Commit())
}

func TestAllocationLines_RoundTrip(t *testing.T) {
	lines := repository.AllocationLines{
		{BatchNumber: "LOT-1", Quantity: 3, UnitPrice: 2.5},
		{BatchNumber: "LOT-2", Quantity: 4, UnitPrice: 2.0},
	}

	value, err := lines.Value()
	require.NoError(t, err)

	var scanned repository.AllocationLines
	require.NoError(t, scanned.Scan(value))

	assert.Equal(t, lines, scanned)
	assert.Equal(t, 7, scanned.Total())
}

func TestAllocationLines_NilValue(t *testing.T) {
	var lines repository.AllocationLines

	value, err := lines.Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("[]"), value)
}
