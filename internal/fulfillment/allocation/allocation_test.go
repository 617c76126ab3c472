package allocation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestAllocate_FIFOByExpiry(t *testing.T) {
	batches := []Batch{
		{BatchNumber: "B2", ExpiryDate: date(2024, 6, 1), Quantity: 5, UnitPrice: 12},
		{BatchNumber: "B1", ExpiryDate: date(2024, 1, 1), Quantity: 5, UnitPrice: 10},
	}

	result := Allocate(batches, 7, date(2023, 12, 1))

	require.True(t, result.Satisfied())
	require.Len(t, result.Lines, 2)

	// Earliest expiry is drained before the later batch is touched.
	assert.Equal(t, "B1", result.Lines[0].BatchNumber)
	assert.Equal(t, 5, result.Lines[0].Quantity)
	assert.Equal(t, "B2", result.Lines[1].BatchNumber)
	assert.Equal(t, 2, result.Lines[1].Quantity)
	assert.Equal(t, 7, result.Total())
}

func TestAllocate_ExpiredBatchesExcluded(t *testing.T) {
	batches := []Batch{
		{BatchNumber: "OLD", ExpiryDate: date(2023, 1, 1), Quantity: 100},
		{BatchNumber: "NEW", ExpiryDate: date(2025, 1, 1), Quantity: 10},
	}

	result := Allocate(batches, 5, date(2024, 1, 1))

	require.True(t, result.Satisfied())
	require.Len(t, result.Lines, 1)
	assert.Equal(t, "NEW", result.Lines[0].BatchNumber)
}

func TestAllocate_ExpiryOnAsOfDayIsEligible(t *testing.T) {
	batches := []Batch{
		{BatchNumber: "B1", ExpiryDate: date(2024, 3, 15), Quantity: 3},
	}

	result := Allocate(batches, 3, date(2024, 3, 15))

	assert.True(t, result.Satisfied())
}

func TestAllocate_Shortfall(t *testing.T) {
	batches := []Batch{
		{BatchNumber: "B1", ExpiryDate: date(2024, 1, 1), Quantity: 5},
		{BatchNumber: "B2", ExpiryDate: date(2024, 6, 1), Quantity: 5},
	}

	result := Allocate(batches, 11, date(2023, 12, 1))

	assert.False(t, result.Satisfied())
	assert.Equal(t, 1, result.Shortfall)
	// The partial allocation is reported but callers must discard it.
	assert.Equal(t, 10, result.Total())
}

func TestAllocate_ExpiredStockDoesNotReduceShortfall(t *testing.T) {
	batches := []Batch{
		{BatchNumber: "OLD", ExpiryDate: date(2023, 1, 1), Quantity: 50},
		{BatchNumber: "B1", ExpiryDate: date(2024, 6, 1), Quantity: 4},
	}

	result := Allocate(batches, 10, date(2024, 1, 1))

	assert.Equal(t, 6, result.Shortfall)
	assert.Equal(t, 4, result.Total())
}

func TestAllocate_ZeroQuantityBatchesSkipped(t *testing.T) {
	batches := []Batch{
		{BatchNumber: "EMPTY", ExpiryDate: date(2024, 1, 1), Quantity: 0},
		{BatchNumber: "B1", ExpiryDate: date(2024, 6, 1), Quantity: 10},
	}

	result := Allocate(batches, 5, date(2023, 12, 1))

	require.Len(t, result.Lines, 1)
	assert.Equal(t, "B1", result.Lines[0].BatchNumber)
}

func TestAllocate_TieBrokenByBatchNumber(t *testing.T) {
	exp := date(2024, 6, 1)
	batches := []Batch{
		{BatchNumber: "B20", ExpiryDate: exp, Quantity: 5},
		{BatchNumber: "B10", ExpiryDate: exp, Quantity: 5},
	}

	result := Allocate(batches, 6, date(2023, 12, 1))

	require.Len(t, result.Lines, 2)
	assert.Equal(t, "B10", result.Lines[0].BatchNumber)
	assert.Equal(t, 5, result.Lines[0].Quantity)
	assert.Equal(t, "B20", result.Lines[1].BatchNumber)
	assert.Equal(t, 1, result.Lines[1].Quantity)
}

func TestAllocate_DoesNotMutateInput(t *testing.T) {
	batches := []Batch{
		{BatchNumber: "B1", ExpiryDate: date(2024, 1, 1), Quantity: 5},
		{BatchNumber: "B2", ExpiryDate: date(2024, 6, 1), Quantity: 5},
	}

	_ = Allocate(batches, 7, date(2023, 12, 1))

	assert.Equal(t, 5, batches[0].Quantity)
	assert.Equal(t, 5, batches[1].Quantity)
	assert.Equal(t, "B1", batches[0].BatchNumber)
}

func TestAllocate_NonPositiveRequired(t *testing.T) {
	batches := []Batch{
		{BatchNumber: "B1", ExpiryDate: date(2024, 1, 1), Quantity: 5},
	}

	assert.Empty(t, Allocate(batches, 0, date(2023, 12, 1)).Lines)
	assert.Empty(t, Allocate(batches, -3, date(2023, 12, 1)).Lines)
}

func TestAllocate_CarriesBatchMetadata(t *testing.T) {
	batches := []Batch{
		{BatchNumber: "B1", ExpiryDate: date(2024, 1, 1), Quantity: 5, UnitPrice: 9.5},
	}

	result := Allocate(batches, 2, date(2023, 12, 1))

	require.Len(t, result.Lines, 1)
	assert.Equal(t, date(2024, 1, 1), result.Lines[0].ExpiryDate)
	assert.Equal(t, 9.5, result.Lines[0].UnitPrice)
}
