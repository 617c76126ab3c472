package testutil

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BatchFixture represents test batch data
type BatchFixture struct {
	OwnerID     string
	MedicineID  string
	BatchNumber string
	ExpiryDate  time.Time
	Quantity    int
	UnitPrice   float64
	OfferPrice  float64
}

// OrderFixture represents test order data
type OrderFixture struct {
	ID          string
	MedicineID  string
	Quantity    int
	RequesterID string
	SupplierID  string
	Status      string
}

// FixtureFactory creates test fixtures with sensible defaults
type FixtureFactory struct {
	sequence int
}

// NewFixtureFactory creates a new fixture factory
func NewFixtureFactory() *FixtureFactory {
	return &FixtureFactory{sequence: 0}
}

// nextSeq returns the next sequence number for unique values
func (f *FixtureFactory) nextSeq() int {
	f.sequence++
	return f.sequence
}

// Batch creates a batch fixture with defaults: one year shelf life left
// and a hundred units on hand.
func (f *FixtureFactory) Batch(opts ...func(*BatchFixture)) BatchFixture {
	seq := f.nextSeq()

	batch := BatchFixture{
		OwnerID:     uuid.New().String(),
		MedicineID:  uuid.New().String(),
		BatchNumber: fmt.Sprintf("LOT-%04d", seq),
		ExpiryDate:  time.Now().UTC().AddDate(1, 0, 0),
		Quantity:    100,
		UnitPrice:   9.99,
		OfferPrice:  8.99,
	}

	for _, opt := range opts {
		opt(&batch)
	}

	return batch
}

// WithStock sets the owner, medicine and quantity of the batch
func WithStock(ownerID, medicineID string, quantity int) func(*BatchFixture) {
	return func(b *BatchFixture) {
		b.OwnerID = ownerID
		b.MedicineID = medicineID
		b.Quantity = quantity
	}
}

// WithExpiry sets the batch expiry date
func WithExpiry(expiry time.Time) func(*BatchFixture) {
	return func(b *BatchFixture) {
		b.ExpiryDate = expiry
	}
}

// WithBatchNumber sets the batch number
func WithBatchNumber(number string) func(*BatchFixture) {
	return func(b *BatchFixture) {
		b.BatchNumber = number
	}
}

// Order creates an order fixture with defaults
func (f *FixtureFactory) Order(opts ...func(*OrderFixture)) OrderFixture {
	f.nextSeq()

	order := OrderFixture{
		ID:          uuid.New().String(),
		MedicineID:  uuid.New().String(),
		Quantity:    10,
		RequesterID: uuid.New().String(),
		SupplierID:  uuid.New().String(),
		Status:      "pending",
	}

	for _, opt := range opts {
		opt(&order)
	}

	return order
}

// WithParties sets the requester and supplier of the order
func WithParties(requesterID, supplierID string) func(*OrderFixture) {
	return func(o *OrderFixture) {
		o.RequesterID = requesterID
		o.SupplierID = supplierID
	}
}

// WithQuantity sets the ordered quantity
func WithQuantity(quantity int) func(*OrderFixture) {
	return func(o *OrderFixture) {
		o.Quantity = quantity
	}
}

// WithMedicine sets the ordered medicine
func WithMedicine(medicineID string) func(*OrderFixture) {
	return func(o *OrderFixture) {
		o.MedicineID = medicineID
	}
}
