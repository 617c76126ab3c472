package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
)

// Order statuses
const (
	StatusPending              = "pending"
	StatusDispatched           = "dispatched"
	StatusRequestedForDelivery = "requested_for_delivery"
	StatusOutForDelivery       = "out_for_delivery"
	StatusDelivered            = "delivered"
	StatusRejected             = "rejected"
)

// AllocationLine is one committed draw-down decision recorded on an order
// or ledger entry: quantity taken from a specific batch, with the batch
// metadata frozen at allocation time.
type AllocationLine struct {
	BatchNumber string    `json:"batch_number"`
	ExpiryDate  time.Time `json:"expiry_date"`
	Quantity    int       `json:"quantity"`
	UnitPrice   float64   `json:"unit_price"`
}

// AllocationLines is stored as a JSONB column
type AllocationLines []AllocationLine

// Value implements driver.Valuer
func (a AllocationLines) Value() (driver.Value, error) {
	if a == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(a)
}

// Scan implements sql.Scanner
func (a *AllocationLines) Scan(src interface{}) error {
	if src == nil {
		*a = nil
		return nil
	}

	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into AllocationLines", src)
	}

	return json.Unmarshal(data, a)
}

// Total returns the allocated quantity across all lines
func (a AllocationLines) Total() int {
	total := 0
	for _, line := range a {
		total += line.Quantity
	}
	return total
}

// Order is a stock request from one party to another. The allocation
// column stays empty until dispatch and is immutable afterwards; its
// quantities always sum to the ordered quantity.
type Order struct {
	ID               string          `db:"id" json:"id"`
	MedicineID       string          `db:"medicine_id" json:"medicine_id"`
	Quantity         int             `db:"quantity" json:"quantity"`
	RequesterID      string          `db:"requester_id" json:"requester_id"`
	SupplierID       string          `db:"supplier_id" json:"supplier_id"`
	Status           string          `db:"status" json:"status"`
	Allocation       AllocationLines `db:"allocation" json:"allocation"`
	DeliveryProofRef *string         `db:"delivery_proof_ref" json:"delivery_proof_ref,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// OrderRepository handles order persistence
type OrderRepository struct {
	db *database.DB
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db *database.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create creates a new order in pending status
func (r *OrderRepository) Create(ctx context.Context, order *Order) error {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	order.Status = StatusPending

	query := `
		INSERT INTO orders (id, medicine_id, quantity, requester_id, supplier_id, status, allocation)
		VALUES ($1, $2, $3, $4, $5, $6, '[]')
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRowxContext(ctx, query,
		order.ID, order.MedicineID, order.Quantity,
		order.RequesterID, order.SupplierID, order.Status,
	).Scan(&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return appErr
		}
		return err
	}
	return nil
}

// GetByID gets an order by ID
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*Order, error) {
	var order Order
	query := `SELECT * FROM orders WHERE id = $1`
	if err := r.db.GetContext(ctx, &order, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.UnknownOrder(id)
		}
		return nil, err
	}
	return &order, nil
}

// GetByIDTx gets an order inside a transaction with a row lock, so a
// transition can read and advance it without racing another actor.
func (r *OrderRepository) GetByIDTx(ctx context.Context, tx *sqlx.Tx, id string) (*Order, error) {
	var order Order
	query := `SELECT * FROM orders WHERE id = $1 FOR UPDATE`
	if err := tx.GetContext(ctx, &order, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.UnknownOrder(id)
		}
		return nil, err
	}
	return &order, nil
}

// ListByParty lists orders where the party is requester or supplier
func (r *OrderRepository) ListByParty(ctx context.Context, partyID string, page, perPage int) ([]*Order, int64, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	var total int64
	countQuery := `SELECT COUNT(*) FROM orders WHERE requester_id = $1 OR supplier_id = $1`
	if err := r.db.GetContext(ctx, &total, countQuery, partyID); err != nil {
		return nil, 0, err
	}

	var orders []*Order
	query := `
		SELECT * FROM orders
		WHERE requester_id = $1 OR supplier_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	if err := r.db.SelectContext(ctx, &orders, query, partyID, perPage, (page-1)*perPage); err != nil {
		return nil, 0, err
	}

	return orders, total, nil
}

// UpdateStatusTx advances the order status with a compare-and-swap on the
// expected current status. Zero rows affected means another actor moved
// the order first (or it never was in fromStatus); the caller turns that
// into the appropriate guard error.
func (r *OrderRepository) UpdateStatusTx(ctx context.Context, tx *sqlx.Tx, id, fromStatus, toStatus string) (bool, error) {
	query := `
		UPDATE orders
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	result, err := tx.ExecContext(ctx, query, id, fromStatus, toStatus)
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return false, appErr
		}
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// SetDispatchedTx records the allocation and moves pending to dispatched
// in one statement. The status guard in the WHERE clause makes the
// allocate-at-most-once rule a database-level invariant.
func (r *OrderRepository) SetDispatchedTx(ctx context.Context, tx *sqlx.Tx, id string, allocation AllocationLines) (bool, error) {
	query := `
		UPDATE orders
		SET status = $2, allocation = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`
	result, err := tx.ExecContext(ctx, query, id, StatusDispatched, allocation, StatusPending)
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return false, appErr
		}
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// SetDeliveryProofRef attaches the proof-of-delivery artifact reference
// reported by the logistics collaborator.
func (r *OrderRepository) SetDeliveryProofRef(ctx context.Context, id, ref string) error {
	query := `UPDATE orders SET delivery_proof_ref = $2, updated_at = NOW() WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id, ref)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.UnknownOrder(id)
	}

	return nil
}
